package ext

import (
	"context"
	"log/slog"
	"time"

	"github.com/xraph/batch/job"
	"github.com/xraph/batch/lease"
	"github.com/xraph/batch/load"
)

// Named entry types pair a hook implementation with the extension name
// captured at registration time. This avoids type-asserting back to
// Extension inside the emit methods.
type jobCreatedEntry struct {
	name string
	hook JobCreated
}

type jobClaimedEntry struct {
	name string
	hook JobClaimed
}

type jobUpdatedEntry struct {
	name string
	hook JobUpdated
}

type jobFreedEntry struct {
	name string
	hook JobFreed
}

type jobRetryingEntry struct {
	name string
	hook JobRetrying
}

type jobFatalEntry struct {
	name string
	hook JobFatal
}

type jobAbortedEntry struct {
	name string
	hook JobAborted
}

type jobExecutedEntry struct {
	name string
	hook JobExecuted
}

type loadRefreshedEntry struct {
	name string
	hook LoadRefreshed
}

type shutdownEntry struct {
	name string
	hook Shutdown
}

// Registry holds registered extensions and dispatches lifecycle events
// to them. It type-caches extensions at registration time so emit calls
// iterate only over extensions that implement the relevant hook.
type Registry struct {
	extensions []Extension
	logger     *slog.Logger

	// Type-cached slices for each lifecycle hook.
	jobCreated    []jobCreatedEntry
	jobClaimed    []jobClaimedEntry
	jobUpdated    []jobUpdatedEntry
	jobFreed      []jobFreedEntry
	jobRetrying   []jobRetryingEntry
	jobFatal      []jobFatalEntry
	jobAborted    []jobAbortedEntry
	jobExecuted   []jobExecutedEntry
	loadRefreshed []loadRefreshedEntry
	shutdown      []shutdownEntry
}

// NewRegistry creates an extension registry with the given logger.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{logger: logger}
}

// Register adds an extension and type-asserts it into all applicable
// hook caches. Extensions are notified in registration order.
func (r *Registry) Register(e Extension) {
	r.extensions = append(r.extensions, e)
	name := e.Name()

	if h, ok := e.(JobCreated); ok {
		r.jobCreated = append(r.jobCreated, jobCreatedEntry{name, h})
	}
	if h, ok := e.(JobClaimed); ok {
		r.jobClaimed = append(r.jobClaimed, jobClaimedEntry{name, h})
	}
	if h, ok := e.(JobUpdated); ok {
		r.jobUpdated = append(r.jobUpdated, jobUpdatedEntry{name, h})
	}
	if h, ok := e.(JobFreed); ok {
		r.jobFreed = append(r.jobFreed, jobFreedEntry{name, h})
	}
	if h, ok := e.(JobRetrying); ok {
		r.jobRetrying = append(r.jobRetrying, jobRetryingEntry{name, h})
	}
	if h, ok := e.(JobFatal); ok {
		r.jobFatal = append(r.jobFatal, jobFatalEntry{name, h})
	}
	if h, ok := e.(JobAborted); ok {
		r.jobAborted = append(r.jobAborted, jobAbortedEntry{name, h})
	}
	if h, ok := e.(JobExecuted); ok {
		r.jobExecuted = append(r.jobExecuted, jobExecutedEntry{name, h})
	}
	if h, ok := e.(LoadRefreshed); ok {
		r.loadRefreshed = append(r.loadRefreshed, loadRefreshedEntry{name, h})
	}
	if h, ok := e.(Shutdown); ok {
		r.shutdown = append(r.shutdown, shutdownEntry{name, h})
	}
}

// Extensions returns all registered extensions.
func (r *Registry) Extensions() []Extension { return r.extensions }

// ──────────────────────────────────────────────────
// Job event emitters
// ──────────────────────────────────────────────────

// EmitJobCreated notifies all extensions that implement JobCreated.
func (r *Registry) EmitJobCreated(ctx context.Context, j *job.Job) {
	for _, e := range r.jobCreated {
		if err := e.hook.OnJobCreated(ctx, j); err != nil {
			r.logHookError("OnJobCreated", e.name, err)
		}
	}
}

// EmitJobClaimed notifies all extensions that implement JobClaimed.
func (r *Registry) EmitJobClaimed(ctx context.Context, j *job.Job) {
	for _, e := range r.jobClaimed {
		if err := e.hook.OnJobClaimed(ctx, j); err != nil {
			r.logHookError("OnJobClaimed", e.name, err)
		}
	}
}

// EmitJobUpdated notifies all extensions that implement JobUpdated.
func (r *Registry) EmitJobUpdated(ctx context.Context, j *job.Job) {
	for _, e := range r.jobUpdated {
		if err := e.hook.OnJobUpdated(ctx, j); err != nil {
			r.logHookError("OnJobUpdated", e.name, err)
		}
	}
}

// EmitJobFreed notifies all extensions that implement JobFreed.
func (r *Registry) EmitJobFreed(ctx context.Context, j *job.Job) {
	for _, e := range r.jobFreed {
		if err := e.hook.OnJobFreed(ctx, j); err != nil {
			r.logHookError("OnJobFreed", e.name, err)
		}
	}
}

// EmitJobRetrying notifies all extensions that implement JobRetrying.
func (r *Registry) EmitJobRetrying(ctx context.Context, j *job.Job, nextRunAt time.Time) {
	for _, e := range r.jobRetrying {
		if err := e.hook.OnJobRetrying(ctx, j, nextRunAt); err != nil {
			r.logHookError("OnJobRetrying", e.name, err)
		}
	}
}

// EmitJobFatal notifies all extensions that implement JobFatal.
func (r *Registry) EmitJobFatal(ctx context.Context, j *job.Job) {
	for _, e := range r.jobFatal {
		if err := e.hook.OnJobFatal(ctx, j); err != nil {
			r.logHookError("OnJobFatal", e.name, err)
		}
	}
}

// EmitJobAborted notifies all extensions that implement JobAborted.
func (r *Registry) EmitJobAborted(ctx context.Context, j *job.Job) {
	for _, e := range r.jobAborted {
		if err := e.hook.OnJobAborted(ctx, j); err != nil {
			r.logHookError("OnJobAborted", e.name, err)
		}
	}
}

// EmitJobExecuted notifies all extensions that implement JobExecuted.
func (r *Registry) EmitJobExecuted(ctx context.Context, j *job.Job, elapsed time.Duration, jobErr error) {
	for _, e := range r.jobExecuted {
		if err := e.hook.OnJobExecuted(ctx, j, elapsed, jobErr); err != nil {
			r.logHookError("OnJobExecuted", e.name, err)
		}
	}
}

// ──────────────────────────────────────────────────
// Other event emitters
// ──────────────────────────────────────────────────

// EmitLoadRefreshed notifies all extensions that implement LoadRefreshed.
func (r *Registry) EmitLoadRefreshed(ctx context.Context, res load.RefreshResult, elapsed time.Duration) {
	for _, e := range r.loadRefreshed {
		if err := e.hook.OnLoadRefreshed(ctx, res, elapsed); err != nil {
			r.logHookError("OnLoadRefreshed", e.name, err)
		}
	}
}

// EmitShutdown notifies all extensions that implement Shutdown.
func (r *Registry) EmitShutdown(ctx context.Context) {
	for _, e := range r.shutdown {
		if err := e.hook.OnShutdown(ctx); err != nil {
			r.logHookError("OnShutdown", e.name, err)
		}
	}
}

// logHookError logs a warning when a lifecycle hook returns an error.
// Errors from hooks are never propagated; they must not block a lease
// operation.
func (r *Registry) logHookError(hook, extName string, err error) {
	r.logger.Warn("extension hook error",
		slog.String("hook", hook),
		slog.String("extension", extName),
		slog.String("error", err.Error()),
	)
}

// ──────────────────────────────────────────────────
// Lease manager adapter
// ──────────────────────────────────────────────────

// LeaseHooks adapts the registry to the lease manager's hook sink.
func (r *Registry) LeaseHooks() lease.Hooks { return leaseHooks{r} }

type leaseHooks struct{ r *Registry }

func (h leaseHooks) JobClaimed(ctx context.Context, j *job.Job) { h.r.EmitJobClaimed(ctx, j) }
func (h leaseHooks) JobUpdated(ctx context.Context, j *job.Job) { h.r.EmitJobUpdated(ctx, j) }
func (h leaseHooks) JobFreed(ctx context.Context, j *job.Job)   { h.r.EmitJobFreed(ctx, j) }
func (h leaseHooks) JobFatal(ctx context.Context, j *job.Job)   { h.r.EmitJobFatal(ctx, j) }

func (h leaseHooks) JobRetrying(ctx context.Context, j *job.Job) {
	h.r.EmitJobRetrying(ctx, j, j.RunAt)
}
