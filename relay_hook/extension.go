package relayhook

import (
	"context"
	"strconv"
	"time"

	"github.com/xraph/relay"
	"github.com/xraph/relay/event"

	"github.com/xraph/batch/ext"
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

// Extension bridges batch lifecycle events to Relay for webhook
// delivery. Each lifecycle hook emits a typed event via [relay.Relay.Send].
type Extension struct {
	relay    *relay.Relay
	enabled  map[string]bool        // nil = all enabled
	payloads map[string]PayloadFunc // custom payload builders
}

// New creates an Extension that emits batch lifecycle events through
// the provided Relay instance.
func New(r *relay.Relay, opts ...Option) *Extension {
	h := &Extension{relay: r}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Name implements ext.Extension.
func (h *Extension) Name() string { return "relay-hook" }

// ── Job lifecycle hooks ─────────────────────────────

// OnJobCreated implements ext.JobCreated.
func (h *Extension) OnJobCreated(ctx context.Context, j *job.Job) error {
	return h.sendJob(ctx, EventJobCreated, j)
}

// OnJobClaimed implements ext.JobClaimed.
func (h *Extension) OnJobClaimed(ctx context.Context, j *job.Job) error {
	return h.sendJob(ctx, EventLeaseClaimed, j)
}

// OnJobUpdated implements ext.JobUpdated.
func (h *Extension) OnJobUpdated(ctx context.Context, j *job.Job) error {
	return h.sendJob(ctx, EventLeaseUpdated, j)
}

// OnJobFreed implements ext.JobFreed.
func (h *Extension) OnJobFreed(ctx context.Context, j *job.Job) error {
	return h.sendJob(ctx, EventLeaseFreed, j)
}

// OnJobRetrying implements ext.JobRetrying.
func (h *Extension) OnJobRetrying(ctx context.Context, j *job.Job, nextRunAt time.Time) error {
	return h.send(ctx, EventJobRetrying, tenantOf(j), &jobRetryingPayload{
		jobPayload: *newJobPayload(j),
		NextRunAt:  nextRunAt.UTC().Format(time.RFC3339),
	})
}

// OnJobFatal implements ext.JobFatal.
func (h *Extension) OnJobFatal(ctx context.Context, j *job.Job) error {
	return h.sendJob(ctx, EventJobFatal, j)
}

// OnJobAborted implements ext.JobAborted.
func (h *Extension) OnJobAborted(ctx context.Context, j *job.Job) error {
	return h.sendJob(ctx, EventJobAborted, j)
}

// ── Partner load hooks ──────────────────────────────

// OnLoadRefreshed implements ext.LoadRefreshed. The event is system
// level and carries no tenant.
func (h *Extension) OnLoadRefreshed(ctx context.Context, res load.RefreshResult, elapsed time.Duration) error {
	return h.send(ctx, EventLoadRefreshed, "", &loadPayload{
		RefreshResult: res,
		ElapsedMs:     elapsed.Milliseconds(),
	})
}

// ── Internal helpers ────────────────────────────────

func (h *Extension) sendJob(ctx context.Context, eventType string, j *job.Job) error {
	return h.send(ctx, eventType, tenantOf(j), newJobPayload(j))
}

// send emits an event through Relay if the event type is enabled.
func (h *Extension) send(ctx context.Context, eventType, tenantID string, defaultData any) error {
	if h.enabled != nil && !h.enabled[eventType] {
		return nil
	}

	data := defaultData
	if fn, ok := h.payloads[eventType]; ok {
		custom, err := fn(defaultData)
		if err != nil {
			return err
		}
		data = custom
	}

	return h.relay.Send(ctx, &event.Event{
		Type:     eventType,
		TenantID: tenantID,
		Data:     data,
	})
}

// tenantOf routes job webhooks to the job's partner.
func tenantOf(j *job.Job) string {
	return strconv.FormatInt(j.PartnerID, 10)
}

// ── Default payload types ───────────────────────────

type lockPayload struct {
	SchedulerID int    `json:"scheduler_id"`
	WorkerID    int    `json:"worker_id"`
	BatchIndex  int    `json:"batch_index"`
	ExpiresAt   string `json:"expires_at"`
}

type jobPayload struct {
	JobID     string       `json:"job_id"`
	JobType   string       `json:"job_type"`
	PartnerID int64        `json:"partner_id"`
	Status    string       `json:"status"`
	ObjectID  string       `json:"object_id,omitempty"`
	Attempts  int          `json:"execution_attempts"`
	Message   string       `json:"message,omitempty"`
	Lock      *lockPayload `json:"lock,omitempty"`
}

func newJobPayload(j *job.Job) *jobPayload {
	p := &jobPayload{
		JobID:     j.ID.String(),
		JobType:   string(j.Type),
		PartnerID: j.PartnerID,
		Status:    string(j.Status),
		ObjectID:  j.ObjectID,
		Attempts:  j.ExecutionAttempts,
		Message:   j.Message,
	}
	if j.Lease != nil {
		p.Lock = &lockPayload{
			SchedulerID: j.Lease.Key.SchedulerID,
			WorkerID:    j.Lease.Key.WorkerID,
			BatchIndex:  j.Lease.Key.BatchIndex,
			ExpiresAt:   j.Lease.ExpiresAt.UTC().Format(time.RFC3339),
		}
	}
	return p
}

type jobRetryingPayload struct {
	jobPayload
	NextRunAt string `json:"next_run_at"`
}

type loadPayload struct {
	load.RefreshResult
	ElapsedMs int64 `json:"elapsed_ms"`
}
