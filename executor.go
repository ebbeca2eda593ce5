package jobsched

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	boff "github.com/Andrej220/go-utils/backoff"
	lg "github.com/Andrej220/go-utils/zlog"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

// Recorder receives every finalized item (Completed, Failed or Canceled).
type Recorder interface {
	Record(ctx context.Context, info ItemInfo) error
}

// Engine runs work items pulled from a PriorityWorkQueue.
//
// EngineOptions.Workers loops share the queue; each Dequeue hands one
// item to exactly one loop. A work func error never ends a loop: it is
// recorded on the item, which is then retried after its RetryDelay or
// finalized as Failed. Loop-level errors are reported through
// OnInternalError and, unless ContinueOnError is off, followed by a
// backoff pause.
type Engine struct {
	*Lifecycle

	queue   *PriorityWorkQueue
	bus     *EventBus
	opts    EngineOptions
	active  atomic.Int32
	waiting atomic.Int32
}

// NewEngine creates a stopped engine named "engine". bus may be nil.
func NewEngine(queue *PriorityWorkQueue, bus *EventBus, opts EngineOptions) *Engine {
	opts.FillDefaults()
	e := &Engine{
		queue: queue,
		bus:   bus,
		opts:  opts,
	}
	e.Lifecycle = NewLifecycle("engine", opts.Options, e.run).WithBus(bus)
	return e
}

func (e *Engine) ActiveWorkers() int32 { return e.active.Load() }
func (e *Engine) QueueLength() int     { return e.queue.Count() }

func (e *Engine) run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < e.opts.Workers; i++ {
		g.Go(func() error { return e.worker(gctx, i) })
	}

	beatCtx, stopBeat := context.WithCancel(gctx)
	beatDone := make(chan struct{})
	go func() {
		defer close(beatDone)
		e.idleHeartbeat(beatCtx)
	}()

	err := g.Wait()
	stopBeat()
	<-beatDone
	return err
}

// idleHeartbeat keeps an idle engine healthy: while at least one worker
// is parked in Dequeue the engine is responsive, so it beats at a third
// of HeartbeatTimeout. Workers all stuck inside jobs stop the beats.
func (e *Engine) idleHeartbeat(ctx context.Context) {
	interval := e.opts.HeartbeatTimeout / 3
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if e.waiting.Load() > 0 {
				e.Heartbeat()
			}
		}
	}
}

func (e *Engine) worker(ctx context.Context, id int) error {
	logger := lg.FromContext(ctx).With(lg.Int("worker", id))
	bo := boff.New(e.opts.LoopBackoffInitial, e.opts.LoopBackoffMax, time.Now().UnixNano())
	fresh := true
	for {
		e.waiting.Add(1)
		item, ok := e.queue.Dequeue(ctx)
		e.waiting.Add(-1)
		if !ok {
			if ctx.Err() == nil {
				logger.Info("queue closed; worker exiting")
			}
			return nil
		}

		err := e.execute(ctx, item)
		if err == nil {
			if !fresh {
				bo = boff.New(e.opts.LoopBackoffInitial, e.opts.LoopBackoffMax, time.Now().UnixNano())
				fresh = true
			}
			e.Heartbeat()
			continue
		}

		e.reportInternalError(err)
		logger.Error("worker loop error", lg.Any("error", err))
		if !e.opts.ContinueOnError {
			return fmt.Errorf("jobsched: worker %d: %w", id, err)
		}
		fresh = false
		delay := bo.Next()
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil
		}
	}
}

// execute runs one attempt of item and settles its outcome. The returned
// error is loop-level; the job's own error is kept on the item.
func (e *Engine) execute(ctx context.Context, item *WorkItem) error {
	attempt, err := item.markRunning(time.Now())
	if err != nil {
		return err
	}
	e.SetMetric(MetricActiveWorkers, int64(e.active.Add(1)))
	defer func() { e.SetMetric(MetricActiveWorkers, int64(e.active.Add(-1))) }()

	logger := lg.FromContext(ctx).With(
		lg.String("item_id", item.ID),
		lg.String("name", item.Name),
		lg.String("type", item.Type),
	)
	logger.Info("work item started", lg.Int("attempt", attempt), lg.Int32("active_workers", e.active.Load()))
	e.bus.Publish(ctx, WorkItemStarted{
		ID:        item.ID,
		Name:      item.Name,
		Type:      item.Type,
		Attempt:   attempt,
		StartedAt: item.StartedAt(),
	})

	var jobErr, loopErr error
	start := time.Now()
	scope, err := e.opts.Scopes.NewScope(ctx)
	if err != nil {
		jobErr = fmt.Errorf("jobsched: open scope: %w", err)
		loopErr = jobErr
	} else {
		jobErr = callSafe(ctx, func(ctx context.Context) error { return item.Fn(ctx, scope) })
		if cerr := scope.Close(); cerr != nil {
			loopErr = fmt.Errorf("jobsched: close scope of %s: %w", item.ID, cerr)
		}
	}
	d := time.Since(start)

	if err := e.settle(ctx, item, attempt, jobErr, d); err != nil {
		loopErr = multierr.Append(loopErr, err)
	}
	return loopErr
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func (e *Engine) settle(ctx context.Context, item *WorkItem, attempt int, jobErr error, d time.Duration) error {
	now := time.Now()
	logger := lg.FromContext(ctx).With(
		lg.String("item_id", item.ID),
		lg.String("type", item.Type),
		lg.Int("attempt", attempt),
		lg.String("duration", d.String()),
	)

	switch {
	case jobErr == nil:
		e.AddMetric(MetricSucceeded, 1)
		e.AddMetric(metricSucceededPrefix+item.Type, 1)
		e.Metrics().ObserveDuration(item.Type, d)
		logger.Info("work item completed")
		return e.finalize(ctx, item, StatusCompleted, d, nil, now)

	case ctx.Err() != nil && isContextErr(jobErr):
		e.AddMetric(MetricCanceled, 1)
		logger.Info("work item canceled by shutdown", lg.Any("reason", jobErr))
		return e.finalize(ctx, item, StatusCanceled, d, jobErr, now)
	}

	item.recordFailure(attempt, jobErr, now)
	e.AddMetric(MetricJobErrors, 1)
	e.reportJobError(item, jobErr)

	if item.canRetry() {
		at, err := item.markRetrying(now)
		if err != nil {
			return err
		}
		retry := item.RetryCount()
		ev := WorkItemRetrying{
			ID:           item.ID,
			Name:         item.Name,
			Type:         item.Type,
			RetryCount:   retry,
			ScheduledFor: at,
			Error:        jobErr.Error(),
		}
		// ownership goes back to the queue; item must not be touched after
		// a successful Enqueue
		if err := e.queue.Enqueue(item); err != nil {
			item.undoRetry()
			logger.Error("work item could not be requeued", lg.Any("error", err))
			ferr := e.finalize(ctx, item, StatusFailed, d, fmt.Errorf("requeue: %w", err), time.Now())
			return multierr.Append(fmt.Errorf("jobsched: requeue %s: %w", item.ID, err), ferr)
		}
		e.AddMetric(MetricRetried, 1)
		logger.Warn("work item failed; retrying",
			lg.Int("retry", retry),
			lg.String("retry_delay", ev.ScheduledFor.Sub(now).String()),
			lg.Any("error", jobErr),
		)
		e.bus.Publish(context.WithoutCancel(ctx), ev)
		return nil
	}

	logger.Error("work item failed",
		lg.Int("retries", item.RetryCount()),
		lg.Any("error", jobErr),
	)
	return e.finalize(ctx, item, StatusFailed, d, jobErr, now)
}

// finalize moves item to a terminal status, publishes WorkItemCompleted
// and hands the snapshot to the Recorder. Publishing and recording are
// detached from shutdown so cancelled items are still observed.
func (e *Engine) finalize(ctx context.Context, item *WorkItem, to Status, d time.Duration, cause error, now time.Time) error {
	if err := item.finish(to, now); err != nil {
		return err
	}
	e.AddMetric(MetricProcessed, 1)
	if to == StatusFailed {
		e.AddMetric(MetricFailed, 1)
	}

	bg := context.WithoutCancel(ctx)
	ev := WorkItemCompleted{
		ID:       item.ID,
		Name:     item.Name,
		Type:     item.Type,
		Status:   to,
		Success:  to == StatusCompleted,
		Duration: d,
	}
	if cause != nil {
		ev.Error = cause.Error()
	}
	e.bus.Publish(bg, ev)

	if e.opts.Recorder == nil {
		return nil
	}
	if err := e.opts.Recorder.Record(bg, item.Info()); err != nil {
		return fmt.Errorf("jobsched: record %s: %w", item.ID, err)
	}
	return nil
}
