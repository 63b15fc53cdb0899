package sqlite

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/xraph/grove"

	"github.com/xraph/batch"
	"github.com/xraph/batch/cluster"
	"github.com/xraph/batch/id"
	"github.com/xraph/batch/job"
	"github.com/xraph/batch/load"
)

// Timestamps are stored as UTC unix nanoseconds so comparisons and
// ordering are exact integer operations.

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func toNanosPtr(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	n := toNanos(*t)
	return &n
}

func fromNanosPtr(n *int64) *time.Time {
	if n == nil {
		return nil
	}
	t := fromNanos(*n)
	return &t
}

// ── Job model ─────────────────────────────────────────────────────

type jobModel struct {
	grove.BaseModel `grove:"table:batch_jobs"`

	ID                string  `grove:"id,pk"`
	Type              string  `grove:"type,notnull"`
	PartnerID         int64   `grove:"partner_id,notnull,default:0"`
	Status            string  `grove:"status,notnull,default:'pending'"`
	ParentJobID       *string `grove:"parent_job_id"`
	RootJobID         *string `grove:"root_job_id"`
	ObjectID          string  `grove:"object_id,notnull,default:''"`
	Priority          int     `grove:"priority,notnull,default:0"`
	ExecutionAttempts int     `grove:"execution_attempts,notnull,default:0"`
	Payload           []byte  `grove:"payload"`
	Message           string  `grove:"message,notnull,default:''"`
	RunAt             int64   `grove:"run_at,notnull"`
	LeaseSchedulerID  *int    `grove:"lease_scheduler_id"`
	LeaseWorkerID     *int    `grove:"lease_worker_id"`
	LeaseBatchIndex   *int    `grove:"lease_batch_index"`
	LeaseExpiresAt    *int64  `grove:"lease_expires_at"`
	FinishedAt        *int64  `grove:"finished_at"`
	CreatedAt         int64   `grove:"created_at,notnull"`
	UpdatedAt         int64   `grove:"updated_at,notnull"`
}

func optionalID(i id.ID) *string {
	if i.IsNil() {
		return nil
	}
	s := i.String()
	return &s
}

func parseOptionalID(s *string) (id.ID, error) {
	if s == nil {
		return id.Nil, nil
	}
	return id.ParseOptional(*s)
}

func toJobModel(j *job.Job) *jobModel {
	m := &jobModel{
		ID:                j.ID.String(),
		Type:              string(j.Type),
		PartnerID:         j.PartnerID,
		Status:            string(j.Status),
		ParentJobID:       optionalID(j.ParentJobID),
		RootJobID:         optionalID(j.RootJobID),
		ObjectID:          j.ObjectID,
		Priority:          j.Priority,
		ExecutionAttempts: j.ExecutionAttempts,
		Payload:           j.Payload,
		Message:           j.Message,
		RunAt:             toNanos(j.RunAt),
		FinishedAt:        toNanosPtr(j.FinishedAt),
		CreatedAt:         toNanos(j.CreatedAt),
		UpdatedAt:         toNanos(j.UpdatedAt),
	}
	m.setLease(j.Lease)
	return m
}

func (m *jobModel) setLease(l *job.Lease) {
	if l == nil {
		m.LeaseSchedulerID, m.LeaseWorkerID, m.LeaseBatchIndex, m.LeaseExpiresAt = nil, nil, nil, nil
		return
	}
	sched, worker, idx := l.Key.SchedulerID, l.Key.WorkerID, l.Key.BatchIndex
	expires := toNanos(l.ExpiresAt)
	m.LeaseSchedulerID, m.LeaseWorkerID, m.LeaseBatchIndex, m.LeaseExpiresAt = &sched, &worker, &idx, &expires
}

func (m *jobModel) lease() *job.Lease {
	if m.LeaseExpiresAt == nil {
		return nil
	}
	l := &job.Lease{ExpiresAt: fromNanos(*m.LeaseExpiresAt)}
	if m.LeaseSchedulerID != nil {
		l.Key.SchedulerID = *m.LeaseSchedulerID
	}
	if m.LeaseWorkerID != nil {
		l.Key.WorkerID = *m.LeaseWorkerID
	}
	if m.LeaseBatchIndex != nil {
		l.Key.BatchIndex = *m.LeaseBatchIndex
	}
	return l
}

func fromJobModel(m *jobModel) (*job.Job, error) {
	parsedID, err := id.ParseJobID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("batch/sqlite: parse job id %q: %w", m.ID, err)
	}
	parent, err := parseOptionalID(m.ParentJobID)
	if err != nil {
		return nil, fmt.Errorf("batch/sqlite: parse parent id: %w", err)
	}
	root, err := parseOptionalID(m.RootJobID)
	if err != nil {
		return nil, fmt.Errorf("batch/sqlite: parse root id: %w", err)
	}

	return &job.Job{
		Entity: batch.Entity{
			CreatedAt: fromNanos(m.CreatedAt),
			UpdatedAt: fromNanos(m.UpdatedAt),
		},
		ID:                parsedID,
		Type:              job.Type(m.Type),
		PartnerID:         m.PartnerID,
		Status:            job.Status(m.Status),
		ParentJobID:       parent,
		RootJobID:         root,
		ObjectID:          m.ObjectID,
		Priority:          m.Priority,
		ExecutionAttempts: m.ExecutionAttempts,
		Payload:           m.Payload,
		Message:           m.Message,
		RunAt:             fromNanos(m.RunAt),
		Lease:             m.lease(),
		FinishedAt:        fromNanosPtr(m.FinishedAt),
	}, nil
}

func fromJobModels(models []jobModel) ([]*job.Job, error) {
	jobs := make([]*job.Job, 0, len(models))
	for i := range models {
		j, err := fromJobModel(&models[i])
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

func lockModels(models []jobModel) ([]*job.Lock, error) {
	jobs, err := fromJobModels(models)
	if err != nil {
		return nil, err
	}
	locks := make([]*job.Lock, len(jobs))
	for i, j := range jobs {
		locks[i] = j.Lock()
	}
	return locks, nil
}

// ── Partner load model ────────────────────────────────────────────

type partnerLoadModel struct {
	grove.BaseModel `grove:"table:batch_partner_loads"`

	PartnerID    int64   `grove:"partner_id,pk"`
	JobType      string  `grove:"job_type,pk"`
	Load         int64   `grove:"load,notnull,default:0"`
	WeightedLoad float64 `grove:"weighted_load,notnull,default:0"`
	UpdatedAt    int64   `grove:"updated_at,notnull,default:0"`
}

func toPartnerLoadModel(pl *load.PartnerLoad) *partnerLoadModel {
	return &partnerLoadModel{
		PartnerID:    pl.PartnerID,
		JobType:      string(pl.JobType),
		Load:         pl.Load,
		WeightedLoad: pl.WeightedLoad,
		UpdatedAt:    toNanos(pl.UpdatedAt),
	}
}

func fromPartnerLoadModels(models []partnerLoadModel) []*load.PartnerLoad {
	out := make([]*load.PartnerLoad, len(models))
	for i, m := range models {
		out[i] = &load.PartnerLoad{
			PartnerID:    m.PartnerID,
			JobType:      job.Type(m.JobType),
			Load:         m.Load,
			WeightedLoad: m.WeightedLoad,
			UpdatedAt:    fromNanos(m.UpdatedAt),
		}
	}
	return out
}

// ── Worker model ──────────────────────────────────────────────────

type workerModel struct {
	grove.BaseModel `grove:"table:batch_workers"`

	ID          string `grove:"id,pk"`
	SchedulerID int    `grove:"scheduler_id,notnull,default:0"`
	Hostname    string `grove:"hostname,notnull,default:''"`
	JobTypes    string `grove:"job_types,notnull,default:'[]'"`
	Slots       int    `grove:"slots,notnull,default:0"`
	State       string `grove:"state,notnull,default:'active'"`
	IsLeader    bool   `grove:"is_leader,notnull,default:false"`
	LeaderUntil *int64 `grove:"leader_until"`
	LastSeen    int64  `grove:"last_seen,notnull"`
	Metadata    string `grove:"metadata,notnull,default:'{}'"`
	CreatedAt   int64  `grove:"created_at,notnull"`
}

func toWorkerModel(w *cluster.Worker) *workerModel {
	return &workerModel{
		ID:          w.ID.String(),
		SchedulerID: w.SchedulerID,
		Hostname:    w.Hostname,
		JobTypes:    marshalJSON(w.JobTypes, "[]"),
		Slots:       w.Slots,
		State:       string(w.State),
		IsLeader:    w.IsLeader,
		LeaderUntil: toNanosPtr(w.LeaderUntil),
		LastSeen:    toNanos(w.LastSeen),
		Metadata:    marshalJSON(w.Metadata, "{}"),
		CreatedAt:   toNanos(w.CreatedAt),
	}
}

func fromWorkerModel(m *workerModel) (*cluster.Worker, error) {
	parsedID, err := id.ParseWorkerID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("batch/sqlite: parse worker id %q: %w", m.ID, err)
	}

	w := &cluster.Worker{
		ID:          parsedID,
		SchedulerID: m.SchedulerID,
		Hostname:    m.Hostname,
		Slots:       m.Slots,
		State:       cluster.WorkerState(m.State),
		IsLeader:    m.IsLeader,
		LeaderUntil: fromNanosPtr(m.LeaderUntil),
		LastSeen:    fromNanos(m.LastSeen),
		CreatedAt:   fromNanos(m.CreatedAt),
	}
	if err := json.Unmarshal([]byte(m.JobTypes), &w.JobTypes); err != nil {
		return nil, fmt.Errorf("batch/sqlite: decode worker job types: %w", err)
	}
	if err := json.Unmarshal([]byte(m.Metadata), &w.Metadata); err != nil {
		return nil, fmt.Errorf("batch/sqlite: decode worker metadata: %w", err)
	}
	return w, nil
}

func marshalJSON(v any, empty string) string {
	data, err := json.Marshal(v)
	if err != nil || string(data) == "null" {
		return empty
	}
	return string(data)
}
