package jobsched

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	lg "github.com/Andrej220/go-utils/zlog"
	"go.uber.org/multierr"
)

// Service is a long-running background process managed by a Manager.
// *Lifecycle, and every type embedding it, satisfies Service.
type Service interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Health() ServiceHealth
}

// ServiceInfo is the manager's view of one registered service.
type ServiceInfo struct {
	Name            string        `json:"name"`
	Status          string        `json:"status"`
	StartedAt       time.Time     `json:"started_at,omitzero"`
	StoppedAt       time.Time     `json:"stopped_at,omitzero"`
	LastError       string        `json:"last_error,omitempty"`
	RestartEligible bool          `json:"restart_eligible"`
	Health          ServiceHealth `json:"health"`
}

// Stats is a point-in-time sample of scheduler state.
type Stats struct {
	TotalServices   int       `json:"total_services"`
	RunningServices int       `json:"running_services"`
	QueuedItems     int       `json:"queued_items"`
	QueueCapacity   int       `json:"queue_capacity"`
	SampledAt       time.Time `json:"sampled_at"`
}

type registration struct {
	svc       Service
	status    string
	startedAt time.Time
	stoppedAt time.Time
	lastErr   error
}

// Manager is the registry of services sharing one queue. Services are
// keyed by Name. The manager is itself a service: Start and Stop control
// its sampling loop, which records Stats into its metrics every
// SampleInterval. Registered services are driven with StartService,
// StopService, StartAll and StopAll.
type Manager struct {
	*Lifecycle

	queue *PriorityWorkQueue
	bus   *EventBus
	opts  ManagerOptions

	mu       sync.RWMutex
	services map[string]*registration
	order    []string
}

// NewManager creates a manager named "manager". bus may be nil.
func NewManager(queue *PriorityWorkQueue, bus *EventBus, opts ManagerOptions) *Manager {
	opts.FillDefaults()
	m := &Manager{
		queue:    queue,
		bus:      bus,
		opts:     opts,
		services: make(map[string]*registration),
	}
	m.Lifecycle = NewLifecycle("manager", opts.Options, m.run).WithBus(bus)
	return m
}

func (m *Manager) run(ctx context.Context) error {
	m.sample()
	m.Heartbeat()
	return m.RunPeriodically(ctx, m.opts.SampleInterval, func(context.Context) error {
		m.sample()
		return nil
	})
}

func (m *Manager) sample() {
	st := m.Stats()
	m.SetMetric(MetricTotalServices, st.TotalServices)
	m.SetMetric(MetricRunningServices, st.RunningServices)
	m.SetMetric(MetricQueuedItems, st.QueuedItems)
	m.SetMetric(MetricQueueCapacity, st.QueueCapacity)
}

// Register adds svc under its name.
func (m *Manager) Register(svc Service) error {
	name := svc.Name()
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.services[name]; ok {
		return fmt.Errorf("%w: %s", ErrServiceExists, name)
	}
	m.services[name] = &registration{svc: svc, status: string(StateStopped)}
	m.order = append(m.order, name)
	return nil
}

func (m *Manager) lookup(name string) (*registration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.services[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrServiceNotFound, name)
	}
	return r, nil
}

// Lookup returns the registered service under name as a T.
func Lookup[T Service](m *Manager, name string) (T, error) {
	var zero T
	r, err := m.lookup(name)
	if err != nil {
		return zero, err
	}
	svc, ok := r.svc.(T)
	if !ok {
		return zero, fmt.Errorf("%w: %s is %T", ErrServiceType, name, r.svc)
	}
	return svc, nil
}

// StartService starts one service. Starting a running service is a no-op.
// A startup error is recorded and returned.
func (m *Manager) StartService(ctx context.Context, name string) error {
	r, err := m.lookup(name)
	if err != nil {
		return err
	}
	logger := lg.FromContext(ctx).With(lg.String("service", name))

	m.mu.RLock()
	running := r.status == string(StateRunning)
	m.mu.RUnlock()
	if running && r.svc.Health().Status != string(StateFailed) {
		return nil
	}

	err = r.svc.Start(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		r.status = string(StateFailed)
		r.lastErr = err
		logger.Error("service start failed", lg.Any("error", err))
		return fmt.Errorf("jobsched: start %s: %w", name, err)
	}
	r.status = string(StateRunning)
	r.startedAt = time.Now()
	r.lastErr = nil
	logger.Info("service started")
	return nil
}

// StopService stops one service. Stopping a stopped service is a no-op.
func (m *Manager) StopService(ctx context.Context, name string) error {
	r, err := m.lookup(name)
	if err != nil {
		return err
	}
	logger := lg.FromContext(ctx).With(lg.String("service", name))

	m.mu.RLock()
	stopped := r.status == string(StateStopped)
	m.mu.RUnlock()
	if stopped {
		return nil
	}

	err = r.svc.Stop(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		r.lastErr = err
		logger.Error("service stop failed", lg.Any("error", err))
		return fmt.Errorf("jobsched: stop %s: %w", name, err)
	}
	r.status = string(StateStopped)
	r.stoppedAt = time.Now()
	logger.Info("service stopped")
	return nil
}

// StartAll starts every service in registration order and returns all
// startup errors combined.
func (m *Manager) StartAll(ctx context.Context) error {
	var err error
	for _, name := range m.names() {
		err = multierr.Append(err, m.StartService(ctx, name))
	}
	return err
}

// StopAll stops every service in reverse registration order.
func (m *Manager) StopAll(ctx context.Context) error {
	var err error
	for _, name := range slices.Backward(m.names()) {
		err = multierr.Append(err, m.StopService(ctx, name))
	}
	return err
}

// Shutdown stops all services, closes the queue and stops the sampler.
func (m *Manager) Shutdown(ctx context.Context) error {
	err := m.StopAll(ctx)
	m.queue.Close()
	return multierr.Append(err, m.Stop(ctx))
}

func (m *Manager) names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.order)
}

// GetInfo returns the current view of one service.
func (m *Manager) GetInfo(name string) (ServiceInfo, error) {
	r, err := m.lookup(name)
	if err != nil {
		return ServiceInfo{}, err
	}
	return m.info(name, r), nil
}

func (m *Manager) info(name string, r *registration) ServiceInfo {
	h := r.svc.Health()

	m.mu.RLock()
	info := ServiceInfo{
		Name:      name,
		Status:    r.status,
		StartedAt: r.startedAt,
		StoppedAt: r.stoppedAt,
		Health:    h,
	}
	if r.lastErr != nil {
		info.LastError = r.lastErr.Error()
	}
	m.mu.RUnlock()

	// the service may have changed state on its own since the last
	// Start/Stop through the manager
	if h.Status != "" {
		info.Status = h.Status
	}
	if info.LastError == "" && h.ErrorMessage != "" && h.Status == string(StateFailed) {
		info.LastError = h.ErrorMessage
	}
	if rs, ok := r.svc.(interface{ RestartEligible() bool }); ok {
		info.RestartEligible = rs.RestartEligible()
	}
	return info
}

// ListAll returns every service in registration order.
func (m *Manager) ListAll() []ServiceInfo {
	names := m.names()
	out := make([]ServiceInfo, 0, len(names))
	for _, name := range names {
		r, err := m.lookup(name)
		if err != nil {
			continue
		}
		out = append(out, m.info(name, r))
	}
	return out
}

// Enqueue submits item to the shared queue and logs its acceptance.
func (m *Manager) Enqueue(ctx context.Context, item *WorkItem) error {
	return m.EnqueueScheduled(ctx, item, time.Time{})
}

// EnqueueScheduled submits item so that it is not run before at.
func (m *Manager) EnqueueScheduled(ctx context.Context, item *WorkItem, at time.Time) error {
	logger := lg.FromContext(ctx)
	if item == nil {
		return ErrNilItem
	}
	// the queue owns item once accepted; take the event fields first
	item.prepare(time.Now())
	ev := WorkItemEnqueued{
		ID:           item.ID,
		Name:         item.Name,
		Type:         item.Type,
		Priority:     item.Priority,
		ScheduledFor: at,
	}
	if at.IsZero() {
		ev.ScheduledFor = item.ScheduledFor()
	}
	if err := m.queue.EnqueueScheduled(item, at); err != nil {
		logger.Warn("work item rejected", lg.Any("error", err))
		return err
	}
	logger.Info("work item accepted",
		lg.String("item_id", ev.ID),
		lg.String("name", ev.Name),
		lg.String("type", ev.Type),
		lg.Int("priority", ev.Priority),
		lg.Int("queued", m.queue.Count()),
	)
	m.bus.Publish(ctx, ev)
	return nil
}

// Stats samples the registry and the queue.
func (m *Manager) Stats() Stats {
	names := m.names()
	running := 0
	for _, name := range names {
		r, err := m.lookup(name)
		if err != nil {
			continue
		}
		if r.svc.Health().Status == string(StateRunning) {
			running++
		}
	}
	return Stats{
		TotalServices:   len(names),
		RunningServices: running,
		QueuedItems:     m.queue.Count(),
		QueueCapacity:   m.queue.Capacity(),
		SampledAt:       time.Now(),
	}
}
