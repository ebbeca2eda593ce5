package jobsched

import (
	"time"
)

// Event is a value published on the EventBus. Handlers are registered
// per topic, and every event type owns exactly one topic.
type Event interface {
	Topic() string
}

const (
	TopicWorkItemEnqueued     = "workitem.enqueued"
	TopicWorkItemStarted      = "workitem.started"
	TopicWorkItemRetrying     = "workitem.retrying"
	TopicWorkItemCompleted    = "workitem.completed"
	TopicServiceHealthChanged = "service.health_changed"
)

// Topics lists every topic published by this package.
var Topics = []string{
	TopicWorkItemEnqueued,
	TopicWorkItemStarted,
	TopicWorkItemRetrying,
	TopicWorkItemCompleted,
	TopicServiceHealthChanged,
}

// WorkItemEnqueued is published by the Manager after a producer's item
// was accepted.
type WorkItemEnqueued struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Type         string    `json:"type"`
	Priority     int       `json:"priority"`
	ScheduledFor time.Time `json:"scheduled_for,omitzero"`
}

func (WorkItemEnqueued) Topic() string { return TopicWorkItemEnqueued }

type WorkItemStarted struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Type      string    `json:"type"`
	Attempt   int       `json:"attempt"`
	StartedAt time.Time `json:"started_at"`
}

func (WorkItemStarted) Topic() string { return TopicWorkItemStarted }

// WorkItemRetrying is published when a failed attempt is scheduled again.
type WorkItemRetrying struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Type         string    `json:"type"`
	RetryCount   int       `json:"retry_count"`
	ScheduledFor time.Time `json:"scheduled_for"`
	Error        string    `json:"error"`
}

func (WorkItemRetrying) Topic() string { return TopicWorkItemRetrying }

// WorkItemCompleted is published once per item when it is finalized.
// Success is false for Failed and Canceled items.
type WorkItemCompleted struct {
	ID       string        `json:"id"`
	Name     string        `json:"name"`
	Type     string        `json:"type"`
	Status   Status        `json:"status"`
	Success  bool          `json:"success"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

func (WorkItemCompleted) Topic() string { return TopicWorkItemCompleted }

type ServiceHealthChanged struct {
	ServiceName string    `json:"service_name"`
	IsHealthy   bool      `json:"is_healthy"`
	Status      string    `json:"status"`
	Timestamp   time.Time `json:"timestamp"`
}

func (ServiceHealthChanged) Topic() string { return TopicServiceHealthChanged }
