package jobsched

import (
	"time"
)

// RetryPolicy describes how many times and how often a work item is retried.
// Zero values are treated as "use defaults".
type RetryPolicy struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int

	// Delay is the fixed pause before each retry becomes eligible.
	Delay time.Duration
}

// GetDefaultRP returns a pointer to the default retry policy.
// Useful in tests or when building items with the same defaults.
func GetDefaultRP() *RetryPolicy {
	rp := RetryPolicy{
		MaxRetries: DefaultMaxRetries,
		Delay:      DefaultRetryDelay,
	}
	return &rp
}

// NoRetry is a policy that finalizes an item on its first failure.
var NoRetry = RetryPolicy{MaxRetries: 0, Delay: 0}

// apply copies the policy onto an item. Negative values are clamped.
func (rp RetryPolicy) apply(it *WorkItem) {
	if rp.MaxRetries < 0 {
		rp.MaxRetries = 0
	}
	if rp.Delay < 0 {
		rp.Delay = 0
	}
	it.MaxRetries = rp.MaxRetries
	it.RetryDelay = rp.Delay
}
