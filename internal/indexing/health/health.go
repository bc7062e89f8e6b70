// Package health provides liveness monitoring and status reporting.
package health

import (
	"time"

	"github.com/vietddude/partywatch/internal/core/domain"
)

// SystemStatus represents the overall health state of the system or a component.
type SystemStatus string

const (
	StatusHealthy  SystemStatus = "healthy"
	StatusDegraded SystemStatus = "degraded"
	StatusCritical SystemStatus = "critical"
)

// Check names, also used as metric labels.
const (
	CheckTransport  = "transport"
	CheckDispatcher = "dispatcher"
	CheckActivity   = "activity"
	CheckProbe      = "probe"
)

// CheckResult is the outcome of a single check.
type CheckResult struct {
	Name    string       `json:"name"`
	Status  SystemStatus `json:"status"`
	Message string       `json:"message,omitempty"`
}

// Snapshot is the orchestrator's view of itself at report time.
type Snapshot struct {
	InstanceID      string `json:"instance_id"`
	State           string `json:"state"`
	Epoch           uint64 `json:"epoch"`
	Subscriptions   int    `json:"subscriptions"`
	PendingRestores int    `json:"pending_restores"`
	Reconnects      int    `json:"reconnects"`
	Head            uint64 `json:"head"`
	QueuedTasks     int    `json:"queued_tasks"`

	LastReason string    `json:"last_reason,omitempty"`
	LastChange time.Time `json:"last_change"`

	Subscribed []string                `json:"subscribed,omitempty"`
	Restores   []domain.PendingRestore `json:"restores,omitempty"`
}

// Report contains the full health report.
type Report struct {
	SystemStatus SystemStatus  `json:"system_status"`
	CheckedAt    time.Time     `json:"checked_at"`
	LastActivity time.Time     `json:"last_activity"`
	Checks       []CheckResult `json:"checks"`
	Snapshot     Snapshot      `json:"snapshot"`
}

// StatusProvider exposes the orchestrator snapshot to the monitor.
type StatusProvider interface {
	Snapshot() Snapshot
}

// worst returns the more severe of two statuses.
func worst(a, b SystemStatus) SystemStatus {
	rank := map[SystemStatus]int{StatusHealthy: 0, StatusDegraded: 1, StatusCritical: 2}
	if rank[b] > rank[a] {
		return b
	}
	return a
}
