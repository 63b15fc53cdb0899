package audithook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/batch/ext"
	"github.com/xraph/batch/id"
	"github.com/xraph/batch/job"
	"github.com/xraph/batch/load"
)

// Compile-time interface checks.
var (
	_ ext.Extension     = (*Extension)(nil)
	_ ext.JobCreated    = (*Extension)(nil)
	_ ext.JobClaimed    = (*Extension)(nil)
	_ ext.JobUpdated    = (*Extension)(nil)
	_ ext.JobFreed      = (*Extension)(nil)
	_ ext.JobRetrying   = (*Extension)(nil)
	_ ext.JobFatal      = (*Extension)(nil)
	_ ext.JobAborted    = (*Extension)(nil)
	_ ext.LoadRefreshed = (*Extension)(nil)
)

// Recorder is the interface that audit backends must implement.
// This matches chronicle.Emitter but is defined locally so that the
// audit_hook package does not import Chronicle directly; callers inject
// the concrete backend at wiring time.
type Recorder interface {
	// Record persists a fully-formed audit event.
	Record(ctx context.Context, event *AuditEvent) error
}

// AuditEvent is a local representation of an audit event.
// Callers provide a RecorderFunc adapter that bridges to their audit backend.
type AuditEvent struct {
	ID id.AuditID `json:"id"`

	// What happened
	Action   string `json:"action"`
	Resource string `json:"resource"`
	Category string `json:"category"`

	// Details
	ResourceID string         `json:"resource_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Outcome    string         `json:"outcome"`
	Severity   string         `json:"severity"`
	Reason     string         `json:"reason,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// RecorderFunc is an adapter to use a plain function as a Recorder.
type RecorderFunc func(ctx context.Context, event *AuditEvent) error

// Record calls f(ctx, event).
func (f RecorderFunc) Record(ctx context.Context, event *AuditEvent) error {
	return f(ctx, event)
}

// Severity constants (mirror chronicle/audit).
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Outcome constants (mirror chronicle/audit).
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Extension bridges batch lifecycle events to an audit trail backend.
// Each lifecycle hook emits a structured audit event through the [Recorder].
type Extension struct {
	recorder Recorder
	enabled  map[string]bool // nil = all enabled
	logger   *slog.Logger
}

// New creates an Extension that emits audit events through the provided Recorder.
func New(r Recorder, opts ...Option) *Extension {
	e := &Extension{
		recorder: r,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name implements ext.Extension.
func (e *Extension) Name() string { return "audit-hook" }

// ── Job lifecycle hooks ─────────────────────────────

// OnJobCreated implements ext.JobCreated.
func (e *Extension) OnJobCreated(ctx context.Context, j *job.Job) error {
	return e.record(ctx, ActionJobCreated, SeverityInfo, OutcomeSuccess,
		ResourceJob, j.ID.String(), CategoryJob, nil,
		"job_type", string(j.Type),
		"partner_id", j.PartnerID,
		"priority", j.Priority,
	)
}

// OnJobClaimed implements ext.JobClaimed.
func (e *Extension) OnJobClaimed(ctx context.Context, j *job.Job) error {
	return e.record(ctx, ActionJobClaimed, SeverityInfo, OutcomeSuccess,
		ResourceJob, j.ID.String(), CategoryLease, nil,
		append(jobPairs(j), holderPairs(j.Lease)...)...,
	)
}

// OnJobUpdated implements ext.JobUpdated.
func (e *Extension) OnJobUpdated(ctx context.Context, j *job.Job) error {
	return e.record(ctx, ActionJobUpdated, SeverityInfo, OutcomeSuccess,
		ResourceJob, j.ID.String(), CategoryLease, nil,
		append(jobPairs(j), "status", string(j.Status))...,
	)
}

// OnJobFreed implements ext.JobFreed.
func (e *Extension) OnJobFreed(ctx context.Context, j *job.Job) error {
	return e.record(ctx, ActionJobFreed, SeverityInfo, OutcomeSuccess,
		ResourceJob, j.ID.String(), CategoryLease, nil,
		append(jobPairs(j), "status", string(j.Status))...,
	)
}

// OnJobRetrying implements ext.JobRetrying.
func (e *Extension) OnJobRetrying(ctx context.Context, j *job.Job, nextRunAt time.Time) error {
	return e.record(ctx, ActionJobRetrying, SeverityWarning, OutcomeFailure,
		ResourceJob, j.ID.String(), CategoryLease, nil,
		append(jobPairs(j), "next_run_at", nextRunAt.Format(time.RFC3339))...,
	)
}

// OnJobFatal implements ext.JobFatal.
func (e *Extension) OnJobFatal(ctx context.Context, j *job.Job) error {
	var reason error
	if j.Message != "" {
		reason = errors.New(j.Message)
	}
	return e.record(ctx, ActionJobFatal, SeverityCritical, OutcomeFailure,
		ResourceJob, j.ID.String(), CategoryLease, reason,
		jobPairs(j)...,
	)
}

// OnJobAborted implements ext.JobAborted.
func (e *Extension) OnJobAborted(ctx context.Context, j *job.Job) error {
	return e.record(ctx, ActionJobAborted, SeverityWarning, OutcomeSuccess,
		ResourceJob, j.ID.String(), CategoryJob, nil,
		jobPairs(j)...,
	)
}

// ── Ledger hooks ────────────────────────────────────

// OnLoadRefreshed implements ext.LoadRefreshed.
func (e *Extension) OnLoadRefreshed(ctx context.Context, res load.RefreshResult, elapsed time.Duration) error {
	outcome, severity := OutcomeSuccess, SeverityInfo
	if res.Failed > 0 {
		outcome, severity = OutcomeFailure, SeverityWarning
	}
	return e.record(ctx, ActionLoadRefreshed, severity, outcome,
		ResourcePartnerLoad, "", CategoryLoad, nil,
		"inserted", res.Inserted,
		"updated", res.Updated,
		"deleted", res.Deleted,
		"failed", res.Failed,
		"elapsed_ms", elapsed.Milliseconds(),
	)
}

// ── Internal helpers ────────────────────────────────

func jobPairs(j *job.Job) []any {
	return []any{
		"job_type", string(j.Type),
		"partner_id", j.PartnerID,
		"attempts", j.ExecutionAttempts,
	}
}

func holderPairs(l *job.Lease) []any {
	if l == nil {
		return nil
	}
	return []any{
		"scheduler_id", l.Key.SchedulerID,
		"worker_id", l.Key.WorkerID,
		"batch_index", l.Key.BatchIndex,
		"expires_at", l.ExpiresAt.Format(time.RFC3339),
	}
}

// record builds and sends an audit event if the action is enabled.
// The kvPairs argument is a list of key-value pairs added to Metadata.
func (e *Extension) record(
	ctx context.Context,
	action, severity, outcome string,
	resource, resourceID, category string,
	err error,
	kvPairs ...any,
) error {
	if e.enabled != nil && !e.enabled[action] {
		return nil
	}

	meta := make(map[string]any, len(kvPairs)/2+1)
	for i := 0; i+1 < len(kvPairs); i += 2 {
		key, ok := kvPairs[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", kvPairs[i])
		}
		meta[key] = kvPairs[i+1]
	}

	var reason string
	if err != nil {
		reason = err.Error()
		meta["error"] = err.Error()
	}

	evt := &AuditEvent{
		ID:         id.NewAuditID(),
		Action:     action,
		Resource:   resource,
		Category:   category,
		ResourceID: resourceID,
		Metadata:   meta,
		Outcome:    outcome,
		Severity:   severity,
		Reason:     reason,
		OccurredAt: time.Now().UTC(),
	}

	if recErr := e.recorder.Record(ctx, evt); recErr != nil {
		e.logger.Warn("audit_hook: failed to record audit event",
			slog.String("action", action),
			slog.String("resource_id", resourceID),
			slog.String("error", recErr.Error()),
		)
	}
	return nil
}
