package jobsched

import (
	"errors"
	"fmt"
)

var (
	// ErrQueueFull is matched by every *QueueFullError.
	ErrQueueFull = errors.New("jobsched: queue is full")

	// ErrQueueClosed is returned by Enqueue after Close.
	ErrQueueClosed = errors.New("jobsched: queue closed")

	// ErrNilFunc is returned when a submitted WorkItem has a nil Fn.
	ErrNilFunc = errors.New("jobsched: work func is nil")

	// ErrNilItem is returned when a nil *WorkItem is submitted.
	ErrNilItem = errors.New("jobsched: work item is nil")

	ErrServiceNotFound = errors.New("jobsched: service not registered")
	ErrServiceExists   = errors.New("jobsched: service already registered")
	ErrServiceType     = errors.New("jobsched: service has unexpected type")
)

// QueueFullError reports a rejected enqueue. It is surfaced synchronously
// and never retried by the scheduler.
type QueueFullError struct {
	Capacity int
	ItemID   string
}

func (e *QueueFullError) Error() string {
	return fmt.Sprintf("jobsched: queue is full (capacity %d), item %s rejected", e.Capacity, e.ItemID)
}

// Is lets errors.Is(err, ErrQueueFull) match.
func (e *QueueFullError) Is(target error) bool {
	return target == ErrQueueFull
}

// PanicError wraps a value recovered from a panicking work func.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("jobsched: work func panicked: %v", e.Value)
}
