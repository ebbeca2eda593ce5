package jobsched_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	js "github.com/azargarov/jobsched"
)

func noop(context.Context, js.Scope) error { return nil }

func newItem(name string, opts ...js.ItemOption) *js.WorkItem {
	return js.NewWorkItem(name, "test", noop, opts...)
}

func dequeueNow(t *testing.T, q *js.PriorityWorkQueue) *js.WorkItem {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	it, ok := q.Dequeue(ctx)
	require.True(t, ok, "expected an item")
	return it
}

// -----------------------------------------------------------------------------
// Ordering
// -----------------------------------------------------------------------------

func TestQueueOrdering(t *testing.T) {
	tests := []struct {
		name       string
		priorities []int
		want       []string
	}{
		{"fifo at same priority", []int{0, 0, 0, 0}, []string{"i0", "i1", "i2", "i3"}},
		{"higher priority first", []int{1, 3, 2}, []string{"i1", "i2", "i0"}},
		{"priority then submission order", []int{1, 5, 1}, []string{"i1", "i0", "i2"}},
		{"negative priorities last", []int{-1, 0, -1, 2}, []string{"i3", "i1", "i0", "i2"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			q := js.NewPriorityWorkQueue(10)
			for i, p := range tc.priorities {
				require.NoError(t, q.Enqueue(newItem(fmt.Sprintf("i%d", i), js.WithPriority(p))))
			}
			got := make([]string, 0, len(tc.want))
			for range tc.want {
				got = append(got, dequeueNow(t, q).Name)
			}
			require.Equal(t, tc.want, got)
			require.Zero(t, q.Count())
		})
	}
}

func TestQueueCreationTimeBreaksTies(t *testing.T) {
	q := js.NewPriorityWorkQueue(10)
	older := newItem("older")
	newer := newItem("newer")

	// submitted newest first; creation time decides
	require.NoError(t, q.Enqueue(newer))
	require.NoError(t, q.Enqueue(older))

	require.Equal(t, "older", dequeueNow(t, q).Name)
	require.Equal(t, "newer", dequeueNow(t, q).Name)
}

// -----------------------------------------------------------------------------
// Capacity and validation
// -----------------------------------------------------------------------------

func TestQueueCapacity(t *testing.T) {
	q := js.NewPriorityWorkQueue(2)
	require.NoError(t, q.Enqueue(newItem("a")))
	require.NoError(t, q.Enqueue(newItem("b")))

	overflow := newItem("c")
	err := q.Enqueue(overflow)
	require.ErrorIs(t, err, js.ErrQueueFull)

	var full *js.QueueFullError
	require.True(t, errors.As(err, &full))
	require.Equal(t, 2, full.Capacity)
	require.Equal(t, overflow.ID, full.ItemID)
	require.Equal(t, 2, q.Count())
	require.Equal(t, 2, q.Capacity())

	// delayed items count towards capacity
	dq := js.NewPriorityWorkQueue(1)
	require.NoError(t, dq.EnqueueScheduled(newItem("later"), time.Now().Add(time.Hour)))
	require.ErrorIs(t, dq.Enqueue(newItem("now")), js.ErrQueueFull)
}

func TestQueueRejectsInvalidItems(t *testing.T) {
	q := js.NewPriorityWorkQueue(4)
	require.ErrorIs(t, q.Enqueue(nil), js.ErrNilItem)
	require.ErrorIs(t, q.Enqueue(js.NewWorkItem("nofn", "test", nil)), js.ErrNilFunc)

	it := newItem("twice")
	require.NoError(t, q.Enqueue(it))
	require.ErrorIs(t, q.Enqueue(it), js.ErrInvalidTransition)
	require.Equal(t, 1, q.Count())
}

func TestQueueHandBuiltItem(t *testing.T) {
	q := js.NewPriorityWorkQueue(4)
	it := &js.WorkItem{Name: "manual", Fn: noop}
	require.NoError(t, q.Enqueue(it))
	require.NotEmpty(t, it.ID)
	require.False(t, it.CreatedAt.IsZero())
	require.Equal(t, js.StatusQueued, it.Status())
}

// -----------------------------------------------------------------------------
// Scheduling
// -----------------------------------------------------------------------------

func TestQueueScheduledItemNotReleasedEarly(t *testing.T) {
	q := js.NewPriorityWorkQueue(4)
	at := time.Now().Add(80 * time.Millisecond)
	require.NoError(t, q.EnqueueScheduled(newItem("later", js.WithPriority(10)), at))
	require.NoError(t, q.Enqueue(newItem("now")))

	// the eligible low-priority item wins over the future high-priority one
	require.Equal(t, "now", dequeueNow(t, q).Name)

	it := dequeueNow(t, q)
	require.Equal(t, "later", it.Name)
	require.False(t, time.Now().Before(at))
}

func TestQueueScheduledForOption(t *testing.T) {
	q := js.NewPriorityWorkQueue(4)
	at := time.Now().Add(50 * time.Millisecond)
	require.NoError(t, q.Enqueue(newItem("opt", js.WithScheduledFor(at))))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, ok := q.Dequeue(ctx)
	require.False(t, ok)

	it := dequeueNow(t, q)
	require.Equal(t, "opt", it.Name)
	require.False(t, time.Now().Before(at))
}

func TestQueueWakesBlockedConsumer(t *testing.T) {
	q := js.NewPriorityWorkQueue(4)
	got := make(chan string, 1)
	go func() {
		it, ok := q.Dequeue(context.Background())
		if ok {
			got <- it.Name
		}
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, q.Enqueue(newItem("wake")))

	select {
	case name := <-got:
		require.Equal(t, "wake", name)
	case <-time.After(time.Second):
		t.Fatal("blocked consumer was not woken")
	}
}

// -----------------------------------------------------------------------------
// Cancellation and close
// -----------------------------------------------------------------------------

func TestQueueDequeueCancel(t *testing.T) {
	q := js.NewPriorityWorkQueue(4)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan bool, 1)
	go func() {
		_, ok := q.Dequeue(ctx)
		done <- ok
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case ok := <-done:
		require.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("Dequeue did not return after cancel")
	}

	// a cancelled ctx never yields an item
	require.NoError(t, q.Enqueue(newItem("x")))
	_, ok := q.Dequeue(ctx)
	require.False(t, ok)
	require.Equal(t, 1, q.Count())
}

func TestQueueClose(t *testing.T) {
	q := js.NewPriorityWorkQueue(4)
	require.NoError(t, q.Enqueue(newItem("left")))
	q.Close()

	require.ErrorIs(t, q.Enqueue(newItem("late")), js.ErrQueueClosed)

	// ready items drain, then consumers are released
	require.Equal(t, "left", dequeueNow(t, q).Name)
	_, ok := q.Dequeue(context.Background())
	require.False(t, ok)
}

// -----------------------------------------------------------------------------
// Inspection
// -----------------------------------------------------------------------------

func TestQueuePeekAndList(t *testing.T) {
	q := js.NewPriorityWorkQueue(8)
	_, ok := q.Peek()
	require.False(t, ok)

	require.NoError(t, q.Enqueue(newItem("low", js.WithPriority(1))))
	require.NoError(t, q.Enqueue(newItem("high", js.WithPriority(9))))
	require.NoError(t, q.EnqueueScheduled(newItem("future", js.WithPriority(99)), time.Now().Add(time.Hour)))

	head, ok := q.Peek()
	require.True(t, ok)
	require.Equal(t, "high", head.Name)
	require.Equal(t, 3, q.Count())

	var names []string
	for _, info := range q.List() {
		names = append(names, info.Name)
	}
	require.Equal(t, []string{"high", "low", "future"}, names)
	require.Equal(t, 3, q.Count())
}

// -----------------------------------------------------------------------------
// Concurrency
// -----------------------------------------------------------------------------

func TestQueueConcurrentCountBalances(t *testing.T) {
	const (
		producers   = 8
		perProducer = 200
		consumers   = 4
		capacity    = 300
	)
	q := js.NewPriorityWorkQueue(capacity)

	var enqueued, rejected, dequeued atomic.Int64
	ctx, cancel := context.WithCancel(context.Background())

	var cwg sync.WaitGroup
	for range consumers {
		cwg.Add(1)
		go func() {
			defer cwg.Done()
			for {
				if _, ok := q.Dequeue(ctx); !ok {
					return
				}
				dequeued.Add(1)
			}
		}()
	}

	var pwg sync.WaitGroup
	for p := range producers {
		pwg.Add(1)
		go func(p int) {
			defer pwg.Done()
			for i := range perProducer {
				err := q.Enqueue(newItem("c", js.WithPriority((p+i)%5)))
				switch {
				case err == nil:
					enqueued.Add(1)
				case errors.Is(err, js.ErrQueueFull):
					rejected.Add(1)
				default:
					t.Errorf("unexpected enqueue error: %v", err)
				}
			}
		}(p)
	}
	pwg.Wait()

	require.Eventually(t, func() bool { return q.Count() == 0 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	cwg.Wait()

	require.Equal(t, int64(producers*perProducer), enqueued.Load()+rejected.Load())
	require.Equal(t, enqueued.Load(), dequeued.Load())
	require.Equal(t, int(enqueued.Load()-dequeued.Load()), q.Count())
}
