package jobsched

import (
	"container/heap"
	"context"
	"slices"
	"sync"
	"time"
)

// PriorityWorkQueue is a bounded, thread-safe work queue.
//
// Eligible items are released by priority (higher first) and, among equal
// priorities, by creation order. Items scheduled for the future wait in a
// separate min-heap keyed by scheduled_for and are promoted once due.
// Both heaps live behind one mutex, so the capacity check and the insert
// are a single atomic decision.
type PriorityWorkQueue struct {
	mu       sync.Mutex
	ready    readyHeap
	delayed  delayHeap
	capacity int
	closed   bool

	// wake is closed and replaced whenever consumers may make progress.
	wake chan struct{}
}

// NewPriorityWorkQueue creates a queue holding at most capacity items.
// capacity <= 0 selects DefaultMaxQueueSize.
func NewPriorityWorkQueue(capacity int) *PriorityWorkQueue {
	if capacity <= 0 {
		capacity = DefaultMaxQueueSize
	}
	q := &PriorityWorkQueue{
		capacity: capacity,
		wake:     make(chan struct{}),
	}
	heap.Init(&q.ready)
	heap.Init(&q.delayed)
	return q
}

// Enqueue stores the item and wakes waiting consumers. An item already
// carrying a scheduled_for (set at construction or by a retry) keeps it.
func (q *PriorityWorkQueue) Enqueue(item *WorkItem) error {
	return q.EnqueueScheduled(item, time.Time{})
}

// EnqueueScheduled stores the item so that it is not released before at.
// A zero at keeps the item's own scheduled_for.
func (q *PriorityWorkQueue) EnqueueScheduled(item *WorkItem, at time.Time) error {
	if item == nil {
		return ErrNilItem
	}
	if item.Fn == nil {
		return ErrNilFunc
	}
	now := time.Now()

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}
	item.prepare(now)
	if q.lenLocked() >= q.capacity {
		return &QueueFullError{Capacity: q.capacity, ItemID: item.ID}
	}
	if err := item.markQueued(at); err != nil {
		return err
	}

	e := &entry{
		item:      item,
		priority:  item.Priority,
		createdAt: item.CreatedAt,
		seq:       item.seq,
		at:        item.ScheduledFor(),
	}
	if e.at.After(now) {
		heap.Push(&q.delayed, e)
	} else {
		heap.Push(&q.ready, e)
	}
	q.broadcastLocked()
	return nil
}

// Dequeue blocks until an eligible item is available, the queue is closed,
// or ctx is done. ok is false when no item was taken; a cancelled ctx
// never yields an item.
func (q *PriorityWorkQueue) Dequeue(ctx context.Context) (*WorkItem, bool) {
	for {
		if ctx.Err() != nil {
			return nil, false
		}

		q.mu.Lock()
		now := time.Now()
		q.promoteLocked(now)
		if q.ready.Len() > 0 {
			e := heap.Pop(&q.ready).(*entry)
			q.mu.Unlock()
			return e.item, true
		}
		if q.closed {
			q.mu.Unlock()
			return nil, false
		}
		wake := q.wake
		var (
			timer *time.Timer
			due   <-chan time.Time
		)
		if next := q.delayed.peek(); next != nil {
			timer = time.NewTimer(next.at.Sub(now))
			due = timer.C
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
		case <-wake:
		case <-due:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// promoteLocked moves every due delayed entry into the ready heap.
func (q *PriorityWorkQueue) promoteLocked(now time.Time) {
	for {
		next := q.delayed.peek()
		if next == nil || next.at.After(now) {
			return
		}
		heap.Pop(&q.delayed)
		heap.Push(&q.ready, next)
	}
}

func (q *PriorityWorkQueue) broadcastLocked() {
	close(q.wake)
	q.wake = make(chan struct{})
}

func (q *PriorityWorkQueue) lenLocked() int {
	return q.ready.Len() + q.delayed.Len()
}

// Count returns the number of stored items, eligible or not.
func (q *PriorityWorkQueue) Count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lenLocked()
}

// Capacity returns the configured maximum item count.
func (q *PriorityWorkQueue) Capacity() int {
	return q.capacity
}

// Peek returns the item the next Dequeue would release, if one is
// eligible now.
func (q *PriorityWorkQueue) Peek() (ItemInfo, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.promoteLocked(time.Now())
	if q.ready.Len() == 0 {
		return ItemInfo{}, false
	}
	return q.ready[0].item.Info(), true
}

// List returns a snapshot of all stored items: eligible ones in release
// order, followed by scheduled ones by due time.
func (q *PriorityWorkQueue) List() []ItemInfo {
	q.mu.Lock()
	ready := slices.Clone(q.ready)
	delayed := slices.Clone(q.delayed)
	q.mu.Unlock()

	slices.SortFunc(ready, func(a, b *entry) int {
		h := readyHeap{a, b}
		switch {
		case h.Less(0, 1):
			return -1
		case h.Less(1, 0):
			return 1
		}
		return 0
	})
	slices.SortFunc(delayed, func(a, b *entry) int {
		h := delayHeap{a, b}
		switch {
		case h.Less(0, 1):
			return -1
		case h.Less(1, 0):
			return 1
		}
		return 0
	})

	out := make([]ItemInfo, 0, len(ready)+len(delayed))
	for _, e := range ready {
		out = append(out, e.item.Info())
	}
	for _, e := range delayed {
		out = append(out, e.item.Info())
	}
	return out
}

// Close rejects further enqueues and releases blocked consumers once the
// eligible items are drained. Delayed items stay stored.
func (q *PriorityWorkQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.broadcastLocked()
}
