package jobsched

import (
	"time"
)

const (
	DefaultMaxQueueSize     = 1000
	DefaultHeartbeatTimeout = 5 * time.Minute
	DefaultMaxRetries       = 3
	DefaultRetryDelay       = 5 * time.Second
	DefaultWorkers          = 1
	DefaultSampleInterval   = 30 * time.Second

	defaultLoopBackoffInitial = 100 * time.Millisecond
	defaultLoopBackoffMax     = 5 * time.Second
)

// Options configure a Lifecycle.
//
// Numeric zero values are replaced with defaults in FillDefaults.
// ContinueOnError has no usable zero value, so callers that build
// Options by hand should start from DefaultOptions.
type Options struct {
	// StartupDelay is waited before the main loop starts.
	StartupDelay time.Duration

	// ContinueOnError keeps loops alive past per-iteration errors.
	ContinueOnError bool

	// RestartOnFailure marks a failed service as eligible for restart.
	// The restart itself is left to the host.
	RestartOnFailure bool

	// HeartbeatTimeout is the maximum heartbeat age of a healthy service.
	HeartbeatTimeout time.Duration
}

// DefaultOptions returns the documented defaults.
func DefaultOptions() Options {
	return Options{
		ContinueOnError:  true,
		HeartbeatTimeout: DefaultHeartbeatTimeout,
	}
}

func (o *Options) FillDefaults() {
	if o.StartupDelay < 0 {
		o.StartupDelay = 0
	}
	if o.HeartbeatTimeout <= 0 {
		o.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
}

// EngineOptions configure an Engine.
type EngineOptions struct {
	Options

	// Workers is the number of concurrent worker loops.
	Workers int

	// Scopes opens the per-execution dependency scope. Nil means an
	// empty scope.
	Scopes ScopeFactory

	// Recorder, if set, receives every finalized item.
	Recorder Recorder

	// OnJobError is called for every failed attempt.
	OnJobError func(ItemInfo, error)

	// OnInternalError is called for loop-level errors.
	OnInternalError func(error)

	// LoopBackoffInitial and LoopBackoffMax bound the pause after a
	// loop-level error.
	LoopBackoffInitial time.Duration
	LoopBackoffMax     time.Duration
}

func (o *EngineOptions) FillDefaults() {
	o.Options.FillDefaults()
	if o.Workers <= 0 {
		o.Workers = DefaultWorkers
	}
	if o.Scopes == nil {
		o.Scopes = emptyScopeFactory{}
	}
	if o.LoopBackoffInitial <= 0 {
		o.LoopBackoffInitial = defaultLoopBackoffInitial
	}
	if o.LoopBackoffMax <= 0 {
		o.LoopBackoffMax = defaultLoopBackoffMax
	}
	if o.LoopBackoffMax < o.LoopBackoffInitial {
		o.LoopBackoffMax = o.LoopBackoffInitial
	}
}

// DefaultEngineOptions returns engine options with lifecycle defaults.
func DefaultEngineOptions() EngineOptions {
	return EngineOptions{Options: DefaultOptions(), Workers: DefaultWorkers}
}

// ManagerOptions configure a Manager.
type ManagerOptions struct {
	Options

	// SampleInterval is the period of the stats sampling loop.
	SampleInterval time.Duration
}

func (o *ManagerOptions) FillDefaults() {
	o.Options.FillDefaults()
	if o.SampleInterval <= 0 {
		o.SampleInterval = DefaultSampleInterval
	}
}

// DefaultManagerOptions returns manager options with lifecycle defaults.
func DefaultManagerOptions() ManagerOptions {
	return ManagerOptions{Options: DefaultOptions(), SampleInterval: DefaultSampleInterval}
}
