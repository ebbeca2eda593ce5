package jobsched

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	lg "github.com/Andrej220/go-utils/zlog"
)

// ErrStopping is returned by Start while a previous Stop is in progress.
var ErrStopping = errors.New("jobsched: service is stopping")

// RunFunc is the main loop of a service. It must return when ctx is
// cancelled.
type RunFunc func(ctx context.Context) error

// Lifecycle is the start/stop/health/heartbeat base embedded by every
// long-running service.
//
// Start launches RunFunc in its own goroutine after the configured
// startup delay; Stop cancels the context handed to RunFunc and waits for
// it to return. A RunFunc error other than the cancellation itself marks
// the service Failed and unhealthy.
type Lifecycle struct {
	name    string
	opts    Options
	run     RunFunc
	metrics *Metrics
	bus     *EventBus

	mu            sync.Mutex
	state         ServiceState
	baseCtx       context.Context
	cancel        context.CancelFunc
	done          chan struct{}
	startedAt     time.Time
	lastHeartbeat time.Time
	fatalErr      error
	reported      *bool
}

// NewLifecycle creates a stopped service. run may be nil for services
// driven entirely from outside; such a service stays Running until Stop.
func NewLifecycle(name string, opts Options, run RunFunc) *Lifecycle {
	opts.FillDefaults()
	if run == nil {
		run = func(ctx context.Context) error {
			<-ctx.Done()
			return nil
		}
	}
	return &Lifecycle{
		name:    name,
		opts:    opts,
		run:     run,
		metrics: NewMetrics(),
		state:   StateStopped,
		baseCtx: context.Background(),
	}
}

// WithBus makes the service publish ServiceHealthChanged events on bus.
func (l *Lifecycle) WithBus(bus *EventBus) *Lifecycle {
	l.mu.Lock()
	l.bus = bus
	l.mu.Unlock()
	return l
}

func (l *Lifecycle) Name() string { return l.name }

func (l *Lifecycle) Options() Options { return l.opts }

// Start is idempotent: a Starting or Running service is left alone.
// The service outlives ctx; only Stop ends it. ctx values (such as the
// logger) are kept.
func (l *Lifecycle) Start(ctx context.Context) error {
	l.mu.Lock()
	switch l.state {
	case StateStarting, StateRunning:
		l.mu.Unlock()
		return nil
	case StateStopping:
		l.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrStopping, l.name)
	}

	base := context.WithoutCancel(ctx)
	runCtx, cancel := context.WithCancel(base)
	done := make(chan struct{})
	now := time.Now()

	l.baseCtx = base
	l.cancel = cancel
	l.done = done
	l.state = StateStarting
	l.startedAt = now
	l.lastHeartbeat = now
	l.fatalErr = nil
	l.mu.Unlock()

	lg.FromContext(ctx).Info("service starting",
		lg.String("service", l.name),
		lg.String("startup_delay", l.opts.StartupDelay.String()),
	)
	go l.loop(runCtx, done)
	return nil
}

func (l *Lifecycle) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	logger := lg.FromContext(ctx).With(lg.String("service", l.name))

	if d := l.opts.StartupDelay; d > 0 {
		timer := time.NewTimer(d)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			l.setState(StateStopped)
			logger.Info("service stopped before startup delay elapsed")
			return
		}
	}

	l.setState(StateRunning)
	l.Heartbeat()
	logger.Info("service running")

	err := callSafe(ctx, l.run)
	if err != nil && !(ctx.Err() != nil && errors.Is(err, ctx.Err())) {
		l.fail(err)
		logger.Error("service failed",
			lg.Any("error", err),
			lg.Any("restart_eligible", l.opts.RestartOnFailure),
		)
		return
	}
	l.setState(StateStopped)
	logger.Info("service stopped")
}

// Stop cancels the main loop and waits for it, bounded by ctx. It is
// idempotent; a Failed service keeps its Failed state.
func (l *Lifecycle) Stop(ctx context.Context) error {
	l.mu.Lock()
	done := l.done
	cancel := l.cancel
	if done == nil {
		l.mu.Unlock()
		return nil
	}
	if l.state == StateStarting || l.state == StateRunning {
		l.state = StateStopping
	}
	l.mu.Unlock()

	cancel()
	select {
	case <-done:
		l.notifyHealth()
		return nil
	case <-ctx.Done():
		return fmt.Errorf("jobsched: stop %s: %w", l.name, ctx.Err())
	}
}

// Done is closed when the current run has ended.
func (l *Lifecycle) Done() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.done == nil {
		c := make(chan struct{})
		close(c)
		return c
	}
	return l.done
}

func (l *Lifecycle) State() ServiceState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Lifecycle) StartedAt() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.startedAt
}

// LastError returns the fatal error of the last run, if any.
func (l *Lifecycle) LastError() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.fatalErr
}

// RestartEligible reports whether the host may restart this service.
func (l *Lifecycle) RestartEligible() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state == StateFailed && l.opts.RestartOnFailure
}

// Heartbeat records progress. Concrete services call it after every
// productive iteration.
func (l *Lifecycle) Heartbeat() {
	l.mu.Lock()
	l.lastHeartbeat = time.Now()
	l.mu.Unlock()
	l.notifyHealth()
}

// Health derives the current health report.
func (l *Lifecycle) Health() ServiceHealth {
	h := l.health(time.Now())
	l.notifyHealth()
	return h
}

func (l *Lifecycle) health(now time.Time) ServiceHealth {
	l.mu.Lock()
	state, hb, fatal := l.state, l.lastHeartbeat, l.fatalErr
	l.mu.Unlock()

	h := ServiceHealth{
		ServiceName:   l.name,
		IsHealthy:     deriveHealthy(state, hb, now, l.opts.HeartbeatTimeout, fatal),
		Status:        string(state),
		LastHeartbeat: hb,
		Metrics:       l.metrics.Snapshot(),
	}
	if fatal != nil {
		h.ErrorMessage = fatal.Error()
	} else if state == StateRunning && !h.IsHealthy {
		h.ErrorMessage = fmt.Sprintf("no heartbeat for %s", now.Sub(hb).Truncate(time.Millisecond))
	}
	return h
}

// notifyHealth publishes ServiceHealthChanged when the derived health
// differs from the last published one.
func (l *Lifecycle) notifyHealth() {
	h := l.health(time.Now())

	l.mu.Lock()
	bus, ctx := l.bus, l.baseCtx
	changed := l.reported == nil || *l.reported != h.IsHealthy
	if changed {
		v := h.IsHealthy
		l.reported = &v
	}
	l.mu.Unlock()

	if !changed || bus == nil {
		return
	}
	bus.Publish(ctx, ServiceHealthChanged{
		ServiceName: l.name,
		IsHealthy:   h.IsHealthy,
		Status:      h.Status,
		Timestamp:   time.Now(),
	})
}

func (l *Lifecycle) setState(s ServiceState) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
	l.notifyHealth()
}

func (l *Lifecycle) fail(err error) {
	l.mu.Lock()
	l.state = StateFailed
	l.fatalErr = err
	l.mu.Unlock()
	l.notifyHealth()
}

// SetMetric stores a gauge value.
func (l *Lifecycle) SetMetric(name string, v any) { l.metrics.Set(name, v) }

// GetMetric returns a metric value.
func (l *Lifecycle) GetMetric(name string) (any, bool) { return l.metrics.Get(name) }

// AddMetric increments a counter.
func (l *Lifecycle) AddMetric(name string, delta int64) int64 { return l.metrics.Add(name, delta) }

// Metrics exposes the underlying metrics map.
func (l *Lifecycle) Metrics() *Metrics { return l.metrics }

// SafeExecute runs action up to maxAttempts times with a fixed delay
// between attempts and reports whether it eventually succeeded. Errors
// and panics are logged, never returned. maxAttempts < 1 means one try.
func (l *Lifecycle) SafeExecute(ctx context.Context, action func(context.Context) error, maxAttempts int, delay time.Duration) bool {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	logger := lg.FromContext(ctx).With(lg.String("service", l.name))

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := callSafe(ctx, action)
		if err == nil {
			return true
		}
		l.metrics.Add("safe_execute_errors", 1)
		if attempt == maxAttempts {
			logger.Error("action failed, giving up", lg.Int("attempt", attempt), lg.Any("error", err))
			return false
		}
		logger.Warn("action failed; retrying",
			lg.Int("attempt", attempt),
			lg.String("sleep", delay.String()),
			lg.Any("error", err),
		)
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return false
		}
	}
	return false
}

// RunPeriodically calls action every interval until ctx is cancelled.
// Each tick's duration and outcome are recorded in the metrics; a
// successful tick is a heartbeat. A failing tick stops the loop with its
// error only when ContinueOnError is false.
func (l *Lifecycle) RunPeriodically(ctx context.Context, interval time.Duration, action func(context.Context) error) error {
	if interval <= 0 {
		return fmt.Errorf("jobsched: %s: non-positive interval %s", l.name, interval)
	}
	logger := lg.FromContext(ctx).With(lg.String("service", l.name))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		start := time.Now()
		err := callSafe(ctx, action)
		d := time.Since(start)

		l.metrics.Add(MetricTicks, 1)
		l.metrics.Set(MetricLastTick, d)
		l.metrics.ObserveDuration("tick", d)

		if err != nil {
			if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
				return nil
			}
			l.metrics.Add(MetricTickErrors, 1)
			logger.Warn("periodic action failed", lg.String("duration", d.String()), lg.Any("error", err))
			if !l.opts.ContinueOnError {
				return fmt.Errorf("jobsched: %s: periodic action: %w", l.name, err)
			}
			continue
		}
		l.Heartbeat()
	}
}

// callSafe runs fn and converts a panic into a *PanicError.
func callSafe(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r}
		}
	}()
	return fn(ctx)
}
