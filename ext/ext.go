// Package ext defines the extension system for batch.
// Extensions are notified of lease lifecycle events (job claimed, freed,
// expired, etc.) and can react to them by recording metrics or audit
// trails.
//
// Each lifecycle hook is a separate interface so extensions opt in only
// to the events they care about.
package ext

import (
	"context"
	"time"

	"github.com/xraph/batch/job"
	"github.com/xraph/batch/load"
)

// Extension is the base interface all extensions must implement.
type Extension interface {
	// Name returns a unique human-readable name for the extension.
	Name() string
}

// ──────────────────────────────────────────────────
// Job lifecycle hooks
// ──────────────────────────────────────────────────

// JobCreated is called after a job is persisted by the engine.
type JobCreated interface {
	OnJobCreated(ctx context.Context, j *job.Job) error
}

// JobClaimed is called after a lease is granted on a job.
type JobClaimed interface {
	OnJobClaimed(ctx context.Context, j *job.Job) error
}

// JobUpdated is called after a lease holder merges new job state.
type JobUpdated interface {
	OnJobUpdated(ctx context.Context, j *job.Job) error
}

// JobFreed is called after a lease holder releases its lease.
type JobFreed interface {
	OnJobFreed(ctx context.Context, j *job.Job) error
}

// JobRetrying is called when a job returns to RETRY, either freed by its
// holder or reclaimed after its lease expired.
type JobRetrying interface {
	OnJobRetrying(ctx context.Context, j *job.Job, nextRunAt time.Time) error
}

// JobFatal is called when a job becomes FATAL.
type JobFatal interface {
	OnJobFatal(ctx context.Context, j *job.Job) error
}

// JobAborted is called when an operator aborts a job.
type JobAborted interface {
	OnJobAborted(ctx context.Context, j *job.Job) error
}

// JobExecuted is called by an in-process worker after a handler returns.
type JobExecuted interface {
	OnJobExecuted(ctx context.Context, j *job.Job, elapsed time.Duration, err error) error
}

// ──────────────────────────────────────────────────
// Other lifecycle hooks
// ──────────────────────────────────────────────────

// LoadRefreshed is called after a partner load reconcile pass.
type LoadRefreshed interface {
	OnLoadRefreshed(ctx context.Context, res load.RefreshResult, elapsed time.Duration) error
}

// Shutdown is called during graceful shutdown.
type Shutdown interface {
	OnShutdown(ctx context.Context) error
}
