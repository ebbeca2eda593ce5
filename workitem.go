package jobsched

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a WorkItem.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusRetrying  Status = "retrying"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"

	// StatusCanceled marks an item whose run was cut short by shutdown
	// without the work func reporting a failure of its own.
	StatusCanceled Status = "canceled"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCanceled
}

var transitions = map[Status][]Status{
	"":             {StatusQueued},
	StatusQueued:   {StatusRunning},
	StatusRunning:  {StatusCompleted, StatusRetrying, StatusFailed, StatusCanceled},
	StatusRetrying: {StatusQueued, StatusFailed},
}

// ErrInvalidTransition is returned when a state change would break the
// item state machine.
var ErrInvalidTransition = errors.New("jobsched: invalid status transition")

func canTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// WorkFunc is the executable payload of a WorkItem.
//
// ctx is cancelled when the engine shuts down; scope resolves the
// collaborators of this single execution and is closed afterwards.
type WorkFunc func(ctx context.Context, scope Scope) error

// AttemptError records one failed attempt.
type AttemptError struct {
	Attempt int       `json:"attempt"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

var itemSeq atomic.Uint64

// WorkItem is a schedulable unit of background work.
//
// The exported fields describe the job and must not be changed once the
// item has been submitted. Execution state is read through accessors.
type WorkItem struct {
	ID         string
	Name       string
	Type       string
	Priority   int
	Parameters map[string]any
	CreatedAt  time.Time
	MaxRetries int
	RetryDelay time.Duration
	Fn         WorkFunc

	// seq breaks CreatedAt ties; it survives retries.
	seq uint64

	mu           sync.Mutex
	status       Status
	retryCount   int
	scheduledFor time.Time
	startedAt    time.Time
	completedAt  time.Time
	errMsg       string
	exceptions   []AttemptError
}

// ItemOption customizes a WorkItem built by NewWorkItem.
type ItemOption func(*WorkItem)

func WithPriority(p int) ItemOption {
	return func(it *WorkItem) { it.Priority = p }
}

func WithParameters(params map[string]any) ItemOption {
	return func(it *WorkItem) { it.Parameters = maps.Clone(params) }
}

func WithRetry(rp RetryPolicy) ItemOption {
	return func(it *WorkItem) { rp.apply(it) }
}

// WithScheduledFor makes the item ineligible before t.
func WithScheduledFor(t time.Time) ItemOption {
	return func(it *WorkItem) { it.scheduledFor = t }
}

func WithID(id string) ItemOption {
	return func(it *WorkItem) { it.ID = id }
}

// NewWorkItem builds an item with a fresh ID, the creation timestamp and
// the default retry policy.
func NewWorkItem(name, typ string, fn WorkFunc, opts ...ItemOption) *WorkItem {
	it := &WorkItem{
		ID:         uuid.NewString(),
		Name:       name,
		Type:       typ,
		CreatedAt:  time.Now(),
		MaxRetries: DefaultMaxRetries,
		RetryDelay: DefaultRetryDelay,
		Fn:         fn,
		seq:        itemSeq.Add(1),
	}
	for _, o := range opts {
		o(it)
	}
	if it.Parameters == nil {
		it.Parameters = map[string]any{}
	}
	return it
}

// prepare fills identity fields of hand-built items.
func (it *WorkItem) prepare(now time.Time) {
	if it.ID == "" {
		it.ID = uuid.NewString()
	}
	if it.CreatedAt.IsZero() {
		it.CreatedAt = now
	}
	if it.seq == 0 {
		it.seq = itemSeq.Add(1)
	}
	if it.MaxRetries < 0 {
		it.MaxRetries = 0
	}
}

func (it *WorkItem) Status() Status {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.status
}

func (it *WorkItem) RetryCount() int {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.retryCount
}

// ScheduledFor returns the eligibility instant; zero means immediately.
func (it *WorkItem) ScheduledFor() time.Time {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.scheduledFor
}

func (it *WorkItem) StartedAt() time.Time {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.startedAt
}

func (it *WorkItem) CompletedAt() time.Time {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.completedAt
}

func (it *WorkItem) ErrorMessage() string {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.errMsg
}

// Exceptions returns a copy of the per-attempt failure records.
func (it *WorkItem) Exceptions() []AttemptError {
	it.mu.Lock()
	defer it.mu.Unlock()
	out := make([]AttemptError, len(it.exceptions))
	copy(out, it.exceptions)
	return out
}

// transition moves the item to a new status. Callers hold it.mu.
func (it *WorkItem) transition(to Status) error {
	if !canTransition(it.status, to) {
		return fmt.Errorf("%w: %s -> %s (item %s)", ErrInvalidTransition, it.status, to, it.ID)
	}
	it.status = to
	return nil
}

func (it *WorkItem) markQueued(at time.Time) error {
	it.mu.Lock()
	defer it.mu.Unlock()
	if err := it.transition(StatusQueued); err != nil {
		return err
	}
	if !at.IsZero() {
		it.scheduledFor = at
	}
	return nil
}

// markRunning returns the 1-based attempt number.
func (it *WorkItem) markRunning(now time.Time) (int, error) {
	it.mu.Lock()
	defer it.mu.Unlock()
	if err := it.transition(StatusRunning); err != nil {
		return 0, err
	}
	it.startedAt = now
	return it.retryCount + 1, nil
}

func (it *WorkItem) recordFailure(attempt int, err error, now time.Time) {
	it.mu.Lock()
	defer it.mu.Unlock()
	it.errMsg = err.Error()
	it.exceptions = append(it.exceptions, AttemptError{Attempt: attempt, Message: err.Error(), At: now})
}

// canRetry reports whether another attempt is allowed.
func (it *WorkItem) canRetry() bool {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.retryCount < it.MaxRetries
}

// markRetrying bumps the retry counter and pushes eligibility out by
// RetryDelay. The returned time is the new scheduled_for.
func (it *WorkItem) markRetrying(now time.Time) (time.Time, error) {
	it.mu.Lock()
	defer it.mu.Unlock()
	if it.retryCount >= it.MaxRetries {
		return time.Time{}, fmt.Errorf("%w: retry budget exhausted (item %s)", ErrInvalidTransition, it.ID)
	}
	if err := it.transition(StatusRetrying); err != nil {
		return time.Time{}, err
	}
	it.retryCount++
	it.scheduledFor = now.Add(it.RetryDelay)
	return it.scheduledFor, nil
}

// undoRetry reverts the counter bump of a retry the queue refused.
func (it *WorkItem) undoRetry() {
	it.mu.Lock()
	defer it.mu.Unlock()
	if it.retryCount > 0 {
		it.retryCount--
	}
}

func (it *WorkItem) finish(to Status, now time.Time) error {
	it.mu.Lock()
	defer it.mu.Unlock()
	if err := it.transition(to); err != nil {
		return err
	}
	it.completedAt = now
	return nil
}

// ItemInfo is an immutable snapshot of a WorkItem.
type ItemInfo struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Type         string         `json:"type"`
	Priority     int            `json:"priority"`
	Parameters   map[string]any `json:"parameters,omitempty"`
	Status       Status         `json:"status"`
	CreatedAt    time.Time      `json:"created_at"`
	ScheduledFor time.Time      `json:"scheduled_for,omitzero"`
	StartedAt    time.Time      `json:"started_at,omitzero"`
	CompletedAt  time.Time      `json:"completed_at,omitzero"`
	RetryCount   int            `json:"retry_count"`
	MaxRetries   int            `json:"max_retries"`
	RetryDelay   time.Duration  `json:"retry_delay"`
	ErrorMessage string         `json:"error_message,omitempty"`
	Exceptions   []AttemptError `json:"exceptions,omitempty"`
}

// Info returns a snapshot of the item.
func (it *WorkItem) Info() ItemInfo {
	it.mu.Lock()
	defer it.mu.Unlock()
	ex := make([]AttemptError, len(it.exceptions))
	copy(ex, it.exceptions)
	return ItemInfo{
		ID:           it.ID,
		Name:         it.Name,
		Type:         it.Type,
		Priority:     it.Priority,
		Parameters:   maps.Clone(it.Parameters),
		Status:       it.status,
		CreatedAt:    it.CreatedAt,
		ScheduledFor: it.scheduledFor,
		StartedAt:    it.startedAt,
		CompletedAt:  it.completedAt,
		RetryCount:   it.retryCount,
		MaxRetries:   it.MaxRetries,
		RetryDelay:   it.RetryDelay,
		ErrorMessage: it.errMsg,
		Exceptions:   ex,
	}
}
