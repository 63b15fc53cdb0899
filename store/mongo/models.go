package mongo

import (
	"fmt"
	"time"

	"github.com/xraph/grove"

	"github.com/xraph/batch"
	"github.com/xraph/batch/cluster"
	"github.com/xraph/batch/id"
	"github.com/xraph/batch/job"
	"github.com/xraph/batch/load"
)

// ── Job model ─────────────────────────────────────────────────────

type leaseModel struct {
	SchedulerID int       `bson:"scheduler_id"`
	WorkerID    int       `bson:"worker_id"`
	BatchIndex  int       `bson:"batch_index"`
	ExpiresAt   time.Time `bson:"expires_at"`
}

type jobModel struct {
	grove.BaseModel `grove:"table:batch_jobs"`

	ID                string      `grove:"id,pk"                 bson:"_id"`
	Type              string      `grove:"type,notnull"          bson:"type"`
	PartnerID         int64       `grove:"partner_id,notnull"    bson:"partner_id"`
	Status            string      `grove:"status,notnull"        bson:"status"`
	ParentJobID       string      `grove:"parent_job_id"         bson:"parent_job_id,omitempty"`
	RootJobID         string      `grove:"root_job_id"           bson:"root_job_id,omitempty"`
	ObjectID          string      `grove:"object_id"             bson:"object_id"`
	Priority          int         `grove:"priority,notnull"      bson:"priority"`
	ExecutionAttempts int         `grove:"execution_attempts"    bson:"execution_attempts"`
	Payload           []byte      `grove:"payload"               bson:"payload,omitempty"`
	Message           string      `grove:"message"               bson:"message"`
	RunAt             time.Time   `grove:"run_at,notnull"        bson:"run_at"`
	Lease             *leaseModel `grove:"lease"                 bson:"lease,omitempty"`
	FinishedAt        *time.Time  `grove:"finished_at"           bson:"finished_at,omitempty"`
	CreatedAt         time.Time   `grove:"created_at,notnull"    bson:"created_at"`
	UpdatedAt         time.Time   `grove:"updated_at,notnull"    bson:"updated_at"`
}

func optionalString(i id.ID) string {
	if i.IsNil() {
		return ""
	}
	return i.String()
}

func toLeaseModel(l *job.Lease) *leaseModel {
	if l == nil {
		return nil
	}
	return &leaseModel{
		SchedulerID: l.Key.SchedulerID,
		WorkerID:    l.Key.WorkerID,
		BatchIndex:  l.Key.BatchIndex,
		ExpiresAt:   l.ExpiresAt.UTC(),
	}
}

func toJobModel(j *job.Job) *jobModel {
	return &jobModel{
		ID:                j.ID.String(),
		Type:              string(j.Type),
		PartnerID:         j.PartnerID,
		Status:            string(j.Status),
		ParentJobID:       optionalString(j.ParentJobID),
		RootJobID:         optionalString(j.RootJobID),
		ObjectID:          j.ObjectID,
		Priority:          j.Priority,
		ExecutionAttempts: j.ExecutionAttempts,
		Payload:           j.Payload,
		Message:           j.Message,
		RunAt:             j.RunAt.UTC(),
		Lease:             toLeaseModel(j.Lease),
		FinishedAt:        j.FinishedAt,
		CreatedAt:         j.CreatedAt.UTC(),
		UpdatedAt:         j.UpdatedAt.UTC(),
	}
}

func fromJobModel(m *jobModel) (*job.Job, error) {
	parsedID, err := id.ParseJobID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("batch/mongo: parse job id %q: %w", m.ID, err)
	}
	parent, err := id.ParseOptional(m.ParentJobID)
	if err != nil {
		return nil, fmt.Errorf("batch/mongo: parse parent id: %w", err)
	}
	root, err := id.ParseOptional(m.RootJobID)
	if err != nil {
		return nil, fmt.Errorf("batch/mongo: parse root id: %w", err)
	}

	j := &job.Job{
		Entity: batch.Entity{
			CreatedAt: m.CreatedAt.UTC(),
			UpdatedAt: m.UpdatedAt.UTC(),
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
		RunAt:             m.RunAt.UTC(),
	}
	if m.Lease != nil {
		j.Lease = &job.Lease{
			Key: job.LockKey{
				SchedulerID: m.Lease.SchedulerID,
				WorkerID:    m.Lease.WorkerID,
				BatchIndex:  m.Lease.BatchIndex,
			},
			ExpiresAt: m.Lease.ExpiresAt.UTC(),
		}
	}
	if m.FinishedAt != nil {
		f := m.FinishedAt.UTC()
		j.FinishedAt = &f
	}
	return j, nil
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

	PartnerID    int64     `grove:"partner_id,pk"  bson:"partner_id"`
	JobType      string    `grove:"job_type,pk"    bson:"job_type"`
	Load         int64     `grove:"load"           bson:"load"`
	WeightedLoad float64   `grove:"weighted_load"  bson:"weighted_load"`
	UpdatedAt    time.Time `grove:"updated_at"     bson:"updated_at"`
}

func fromPartnerLoadModel(m *partnerLoadModel) *load.PartnerLoad {
	pl := &load.PartnerLoad{
		PartnerID:    m.PartnerID,
		JobType:      job.Type(m.JobType),
		Load:         m.Load,
		WeightedLoad: m.WeightedLoad,
	}
	if !m.UpdatedAt.IsZero() {
		pl.UpdatedAt = m.UpdatedAt.UTC()
	}
	return pl
}

// leaseLoadRow is one $group output of the lease aggregation.
type leaseLoadRow struct {
	Key struct {
		PartnerID int64  `bson:"partner_id"`
		Type      string `bson:"type"`
	} `bson:"_id"`
	Load int64 `bson:"load"`
}

// ── Leader model ──────────────────────────────────────────────────

// leaderModel is the single document that serializes leadership.
type leaderModel struct {
	ID     string    `bson:"_id"`
	Holder string    `bson:"holder"`
	Until  time.Time `bson:"until"`
}

// ── Worker model ──────────────────────────────────────────────────

type workerModel struct {
	grove.BaseModel `grove:"table:batch_workers"`

	ID          string            `grove:"id,pk"              bson:"_id"`
	SchedulerID int               `grove:"scheduler_id"       bson:"scheduler_id"`
	Hostname    string            `grove:"hostname,notnull"   bson:"hostname"`
	JobTypes    []string          `grove:"job_types"          bson:"job_types"`
	Slots       int               `grove:"slots,notnull"      bson:"slots"`
	State       string            `grove:"state,notnull"      bson:"state"`
	IsLeader    bool              `grove:"is_leader,notnull"  bson:"is_leader"`
	LeaderUntil *time.Time        `grove:"leader_until"       bson:"leader_until,omitempty"`
	LastSeen    time.Time         `grove:"last_seen,notnull"  bson:"last_seen"`
	Metadata    map[string]string `grove:"metadata"           bson:"metadata,omitempty"`
	CreatedAt   time.Time         `grove:"created_at,notnull" bson:"created_at"`
}

func toWorkerModel(w *cluster.Worker) *workerModel {
	return &workerModel{
		ID:          w.ID.String(),
		SchedulerID: w.SchedulerID,
		Hostname:    w.Hostname,
		JobTypes:    w.JobTypes,
		Slots:       w.Slots,
		State:       string(w.State),
		IsLeader:    w.IsLeader,
		LeaderUntil: w.LeaderUntil,
		LastSeen:    w.LastSeen.UTC(),
		Metadata:    w.Metadata,
		CreatedAt:   w.CreatedAt.UTC(),
	}
}

func fromWorkerModel(m *workerModel) (*cluster.Worker, error) {
	parsedID, err := id.ParseWorkerID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("batch/mongo: parse worker id %q: %w", m.ID, err)
	}

	w := &cluster.Worker{
		ID:          parsedID,
		SchedulerID: m.SchedulerID,
		Hostname:    m.Hostname,
		JobTypes:    m.JobTypes,
		Slots:       m.Slots,
		State:       cluster.WorkerState(m.State),
		IsLeader:    m.IsLeader,
		LastSeen:    m.LastSeen.UTC(),
		Metadata:    m.Metadata,
		CreatedAt:   m.CreatedAt.UTC(),
	}
	if m.LeaderUntil != nil {
		u := m.LeaderUntil.UTC()
		w.LeaderUntil = &u
	}
	return w, nil
}

func fromWorkerModels(models []workerModel) ([]*cluster.Worker, error) {
	workers := make([]*cluster.Worker, 0, len(models))
	for i := range models {
		w, err := fromWorkerModel(&models[i])
		if err != nil {
			return nil, err
		}
		workers = append(workers, w)
	}
	return workers, nil
}
