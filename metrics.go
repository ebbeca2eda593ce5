package jobsched

import (
	"maps"
	"sync"
	"time"
)

// Metric names written by the engine, the manager and the lifecycle base.
const (
	MetricProcessed       = "processed"
	MetricSucceeded       = "succeeded"
	MetricFailed          = "failed"
	MetricRetried         = "retried"
	MetricCanceled        = "canceled"
	MetricJobErrors       = "job_errors"
	MetricLoopErrors      = "loop_errors"
	MetricActiveWorkers   = "active_workers"
	MetricTicks           = "ticks"
	MetricTickErrors      = "tick_errors"
	MetricLastTick        = "last_tick_duration"
	MetricQueuedItems     = "queued_items"
	MetricQueueCapacity   = "queue_capacity"
	MetricRunningServices = "running_services"
	MetricTotalServices   = "total_services"

	// per job type: "succeeded.<type>", "avg_duration.<type>"
	metricSucceededPrefix = "succeeded."
	metricAvgPrefix       = "avg_duration."
)

type durationStat struct {
	count int64
	total time.Duration
}

// Metrics is a string-keyed map of counters, gauges and duration
// averages. It is safe for concurrent use.
//
// Writes take a short exclusive lock. Reads return copies.
type Metrics struct {
	mu        sync.RWMutex
	values    map[string]any
	durations map[string]durationStat
}

func NewMetrics() *Metrics {
	return &Metrics{
		values:    make(map[string]any),
		durations: make(map[string]durationStat),
	}
}

// Set stores an arbitrary gauge value.
func (m *Metrics) Set(name string, v any) {
	m.mu.Lock()
	m.values[name] = v
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) (any, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[name]
	return v, ok
}

// Add increments an int64 counter and returns the new value. A non
// counter value under the same name is replaced.
func (m *Metrics) Add(name string, delta int64) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, _ := m.values[name].(int64)
	cur += delta
	m.values[name] = cur
	return cur
}

// Counter returns the int64 counter under name, or zero.
func (m *Metrics) Counter(name string) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, _ := m.values[name].(int64)
	return v
}

// ObserveDuration folds d into the running average for key and publishes
// the average as "avg_duration.<key>".
func (m *Metrics) ObserveDuration(key string, d time.Duration) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.durations[key]
	st.count++
	st.total += d
	m.durations[key] = st
	avg := st.total / time.Duration(st.count)
	m.values[metricAvgPrefix+key] = avg
	return avg
}

// AverageDuration returns the running average for key.
func (m *Metrics) AverageDuration(key string) time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st := m.durations[key]
	if st.count == 0 {
		return 0
	}
	return st.total / time.Duration(st.count)
}

// Snapshot returns a copy of all values.
func (m *Metrics) Snapshot() map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return maps.Clone(m.values)
}
