package job

import (
	"context"
	"time"

	"github.com/xraph/batch/id"
)

// ListOpts controls pagination and filtering for job list queries.
type ListOpts struct {
	// Limit is the maximum number of jobs to return. Zero means no limit.
	Limit int
	// Offset is the number of jobs to skip.
	Offset int
	// Type filters by job type. Empty means all types.
	Type Type
	// Status filters by status. Empty means all statuses.
	Status Status
	// PartnerID filters by partner. Zero means all partners.
	PartnerID int64
	// ParentJobID filters to direct children of a job.
	ParentJobID id.JobID
	// RootJobID filters to every job under a root.
	RootJobID id.JobID
}

// LockQuery selects unleased candidate rows for a claim path.
type LockQuery struct {
	Type     Type
	Statuses []Status
	Filter   Filter
	// Now excludes rows whose RunAt is still in the future.
	Now time.Time
	// PerPartner, when positive, keeps only the first PerPartner rows of
	// each partner in claim order. Limit applies afterwards.
	PerPartner int
	Limit      int
}

// CountQuery counts lock rows for queue sizing.
type CountQuery struct {
	Type     Type
	Statuses []Status
	Filter   Filter
	// LiveAt, when set, counts only rows holding a lease that expires
	// after it.
	LiveAt time.Time
	// AttemptsBelow, when positive, counts only rows with fewer attempts.
	AttemptsBelow int
}

// Store defines the persistence contract for jobs and their lock
// projection. Every method that changes status or lease fields is a
// single conditional write.
type Store interface {
	// CreateJob persists a new job.
	CreateJob(ctx context.Context, j *Job) error

	// GetJob retrieves a job by ID.
	GetJob(ctx context.Context, jobID id.JobID) (*Job, error)

	// ListJobs returns jobs in creation order.
	ListJobs(ctx context.Context, opts ListOpts) ([]*Job, error)

	// ListLocks returns unleased lock rows of q.Type whose status is in
	// q.Statuses, whose RunAt is not after q.Now, and that match q.Filter.
	// Rows are in CompareClaimOrder.
	ListLocks(ctx context.Context, q LockQuery) ([]*Lock, error)

	// CountLocks counts lock rows matching q.
	CountLocks(ctx context.Context, q CountQuery) (int64, error)

	// AcquireLease atomically moves an unleased job whose status is in
	// from to PROCESSING under lease, incrementing its attempts. It returns
	// batch.ErrLeaseLost when the row no longer qualifies.
	AcquireLease(ctx context.Context, jobID id.JobID, from []Status, lease Lease, now time.Time) (*Job, error)

	// UpdateLeased persists the mutable fields of j, including its lease,
	// only while held is the live holder at now. It returns
	// batch.ErrLeaseNotHeld otherwise.
	UpdateLeased(ctx context.Context, j *Job, held LockKey, now time.Time) error

	// ListExpiredLeases returns lock rows whose lease expired at or before now.
	ListExpiredLeases(ctx context.Context, now time.Time, limit int) ([]*Lock, error)

	// ExpireLease clears an expired lease still held by held, setting the
	// job to status with the given RunAt. It returns batch.ErrLeaseLost
	// when the lease changed since it was listed.
	ExpireLease(ctx context.Context, jobID id.JobID, held LockKey, status Status, runAt, now time.Time) (*Job, error)

	// AbortJob moves a job that is not terminal to ABORTED, clearing its
	// lease and setting FinishedAt. The write applies only while the lease
	// holder still equals held, nil meaning unleased; otherwise it returns
	// batch.ErrLeaseLost. An empty message keeps the stored one.
	AbortJob(ctx context.Context, jobID id.JobID, held *LockKey, message string, now time.Time) (*Job, error)
}
