package jobsched

import (
	"time"
)

// entry is a queued item together with the ordering keys captured at
// enqueue time. Heap comparisons read only the entry, never the item,
// so they need no item lock.
type entry struct {
	item      *WorkItem
	priority  int
	createdAt time.Time
	seq       uint64

	// at is the scheduled_for instant; zero means eligible now.
	at time.Time

	// index is maintained by the heap that currently holds the entry.
	index int
}

// readyHeap is a max-heap by priority, then FIFO by creation.
type readyHeap []*entry

func (h readyHeap) Len() int { return len(h) }
func (h readyHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if a.priority != b.priority {
		return a.priority > b.priority
	}
	if !a.createdAt.Equal(b.createdAt) {
		return a.createdAt.Before(b.createdAt)
	}
	return a.seq < b.seq
}
func (h readyHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *readyHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *readyHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// delayHeap is a min-heap by scheduled_for. Equal instants keep
// submission order so promotion into the ready heap stays stable.
type delayHeap []*entry

func (h delayHeap) Len() int { return len(h) }
func (h delayHeap) Less(i, j int) bool {
	if !h[i].at.Equal(h[j].at) {
		return h[i].at.Before(h[j].at)
	}
	return h[i].seq < h[j].seq
}
func (h delayHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *delayHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *delayHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// peek returns the earliest delayed entry without removing it.
func (h delayHeap) peek() *entry {
	if len(h) == 0 {
		return nil
	}
	return h[0]
}
