package jobsched

import (
	"time"
)

// ServiceState is the coarse lifecycle state of a service.
type ServiceState string

const (
	StateStopped  ServiceState = "stopped"
	StateStarting ServiceState = "starting"
	StateRunning  ServiceState = "running"
	StateStopping ServiceState = "stopping"
	StateFailed   ServiceState = "failed"
)

// ServiceHealth is the health report of one service.
//
// IsHealthy is derived: the service is running, its last heartbeat is
// younger than the heartbeat timeout, and no fatal error was recorded.
type ServiceHealth struct {
	ServiceName   string         `json:"service_name"`
	IsHealthy     bool           `json:"is_healthy"`
	Status        string         `json:"status"`
	LastHeartbeat time.Time      `json:"last_heartbeat,omitzero"`
	Metrics       map[string]any `json:"metrics,omitempty"`
	ErrorMessage  string         `json:"error_message,omitempty"`
}

func deriveHealthy(state ServiceState, lastHeartbeat, now time.Time, timeout time.Duration, fatal error) bool {
	if state != StateRunning || fatal != nil {
		return false
	}
	return now.Sub(lastHeartbeat) < timeout
}
