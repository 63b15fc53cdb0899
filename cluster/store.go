package cluster

import (
	"context"
	"time"

	"github.com/xraph/batch/id"
)

// Store defines the persistence contract for process registration and
// leadership.
type Store interface {
	// RegisterWorker adds or replaces a process in the registry.
	RegisterWorker(ctx context.Context, w *Worker) error

	// DeregisterWorker removes a process. It returns batch.ErrWorkerNotFound
	// for unknown ids.
	DeregisterWorker(ctx context.Context, workerID id.WorkerID) error

	// HeartbeatWorker stamps LastSeen with the current time.
	HeartbeatWorker(ctx context.Context, workerID id.WorkerID) error

	// ListWorkers returns all registered processes in registration order.
	ListWorkers(ctx context.Context) ([]*Worker, error)

	// ReapDeadWorkers returns processes whose LastSeen is older than
	// threshold. It does not remove them.
	ReapDeadWorkers(ctx context.Context, threshold time.Duration) ([]*Worker, error)

	// AcquireLeadership makes workerID the leader for ttl unless another
	// process holds unexpired leadership. It reports whether workerID leads.
	AcquireLeadership(ctx context.Context, workerID id.WorkerID, ttl time.Duration) (bool, error)

	// RenewLeadership extends the hold of the current leader. It reports
	// false when workerID is not the leader.
	RenewLeadership(ctx context.Context, workerID id.WorkerID, ttl time.Duration) (bool, error)

	// GetLeader returns the current leader, or nil when leadership is
	// vacant or expired.
	GetLeader(ctx context.Context) (*Worker, error)
}
