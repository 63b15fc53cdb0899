package cluster

import (
	"time"

	"github.com/xraph/batch/id"
)

// WorkerState represents the lifecycle state of a scheduler process.
type WorkerState string

const (
	// WorkerActive means the process is serving claims.
	WorkerActive WorkerState = "active"
	// WorkerDraining means the process is shutting down and no longer
	// claims new jobs.
	WorkerDraining WorkerState = "draining"
	// WorkerDead means the process stopped heartbeating.
	WorkerDead WorkerState = "dead"
)

// Worker is one registered scheduler process.
type Worker struct {
	ID          id.WorkerID       `json:"id"`
	SchedulerID int               `json:"scheduler_id"`
	Hostname    string            `json:"hostname"`
	JobTypes    []string          `json:"job_types,omitempty"`
	Slots       int               `json:"slots"`
	State       WorkerState       `json:"state"`
	IsLeader    bool              `json:"is_leader"`
	LeaderUntil *time.Time        `json:"leader_until,omitempty"`
	LastSeen    time.Time         `json:"last_seen"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}
