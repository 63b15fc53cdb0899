package job

import (
	"cmp"
	"time"

	"github.com/xraph/batch"
	"github.com/xraph/batch/id"
)

// Type names a job type. Types are an open set registered in a Registry
// at process start.
type Type string

// TypeNotification is the job type served by the notification claim,
// which also reports the partners of the claimed jobs.
const TypeNotification Type = "notification"

// Status represents the lifecycle status of a job.
type Status string

const (
	// StatusPending means the job has never been leased.
	StatusPending Status = "pending"
	// StatusProcessing means a batch process holds a lease on the job.
	StatusProcessing Status = "processing"
	// StatusRetry means a lease expired or was released for another attempt.
	StatusRetry Status = "retry"
	// StatusAlmostDone means the work is done and the job awaits external
	// confirmation.
	StatusAlmostDone Status = "almost_done"
	// StatusFinished is terminal success.
	StatusFinished Status = "finished"
	// StatusFatal is terminal failure.
	StatusFatal Status = "fatal"
	// StatusAborted is terminal cancellation.
	StatusAborted Status = "aborted"
)

// ClaimableStatuses are the statuses the normal claim path selects from.
var ClaimableStatuses = []Status{StatusRetry, StatusPending}

// TerminalStatuses are the absorbing statuses.
var TerminalStatuses = []Status{StatusFinished, StatusFatal, StatusAborted}

// QueuedStatuses are the statuses counted as queued work.
var QueuedStatuses = []Status{StatusPending, StatusRetry, StatusAlmostDone}

// IsTerminal reports whether s is absorbing.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusFinished, StatusFatal, StatusAborted:
		return true
	default:
		return false
	}
}

// IsValid reports whether s is a known status.
func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusRetry, StatusAlmostDone,
		StatusFinished, StatusFatal, StatusAborted:
		return true
	default:
		return false
	}
}

var transitions = map[Status][]Status{
	StatusPending:    {StatusProcessing, StatusAborted},
	StatusRetry:      {StatusProcessing, StatusAborted},
	StatusAlmostDone: {StatusProcessing, StatusRetry, StatusFinished, StatusFatal, StatusAborted},
	StatusProcessing: {
		StatusPending, StatusRetry, StatusAlmostDone,
		StatusFinished, StatusFatal, StatusAborted,
	},
}

// CanTransition reports whether a job may move from one status to another.
// Staying in the same non-terminal status is always allowed.
func CanTransition(from, to Status) bool {
	if from.IsTerminal() {
		return false
	}
	if from == to {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// LockKey names one execution slot of one batch process. Equality is
// exact over all three fields.
type LockKey struct {
	SchedulerID int `json:"scheduler_id"`
	WorkerID    int `json:"worker_id"`
	BatchIndex  int `json:"batch_index"`
}

// Lease binds a job to the slot that claimed it until ExpiresAt.
type Lease struct {
	Key       LockKey   `json:"key"`
	ExpiresAt time.Time `json:"expires_at"`
}

// HeldBy reports whether the lease belongs to key and is still live at now.
func (l *Lease) HeldBy(key LockKey, now time.Time) bool {
	return l != nil && l.Key == key && l.ExpiresAt.After(now)
}

// Job represents a unit of work handed to batch processes.
type Job struct {
	batch.Entity

	ID                id.JobID   `json:"id"`
	Type              Type       `json:"type"`
	PartnerID         int64      `json:"partner_id"`
	Status            Status     `json:"status"`
	ParentJobID       id.JobID   `json:"parent_job_id,omitempty"`
	RootJobID         id.JobID   `json:"root_job_id,omitempty"`
	ObjectID          string     `json:"object_id,omitempty"`
	Priority          int        `json:"priority"`
	ExecutionAttempts int        `json:"execution_attempts"`
	Payload           []byte     `json:"payload,omitempty"`
	Message           string     `json:"message,omitempty"`
	RunAt             time.Time  `json:"run_at"`
	Lease             *Lease     `json:"lease,omitempty"`
	FinishedAt        *time.Time `json:"finished_at,omitempty"`
}

// Lock returns the locking projection of the job.
func (j *Job) Lock() *Lock {
	l := &Lock{
		JobID:             j.ID,
		Type:              j.Type,
		PartnerID:         j.PartnerID,
		Status:            j.Status,
		Priority:          j.Priority,
		ObjectID:          j.ObjectID,
		ExecutionAttempts: j.ExecutionAttempts,
		RunAt:             j.RunAt,
		CreatedAt:         j.CreatedAt,
	}
	if j.Lease != nil {
		lease := *j.Lease
		l.Lease = &lease
	}
	return l
}

// Lock is the projection of a job restricted to the fields candidate
// selection, expiry, and queue accounting need.
type Lock struct {
	JobID             id.JobID  `json:"job_id"`
	Type              Type      `json:"type"`
	PartnerID         int64     `json:"partner_id"`
	Status            Status    `json:"status"`
	Priority          int       `json:"priority"`
	ObjectID          string    `json:"object_id,omitempty"`
	ExecutionAttempts int       `json:"execution_attempts"`
	Lease             *Lease    `json:"lease,omitempty"`
	RunAt             time.Time `json:"run_at"`
	CreatedAt         time.Time `json:"created_at"`
}

// CompareClaimOrder orders lock rows RETRY first, then by priority
// descending, then by creation and id ascending. This is the store order
// every backend returns candidates in.
func CompareClaimOrder(a, b *Lock) int {
	if ra, rb := a.Status == StatusRetry, b.Status == StatusRetry; ra != rb {
		if ra {
			return -1
		}
		return 1
	}
	if c := cmp.Compare(b.Priority, a.Priority); c != 0 {
		return c
	}
	if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
		return c
	}
	return cmp.Compare(a.JobID.String(), b.JobID.String())
}

// PartnerHeads keeps the first n rows of each partner. rows must already
// be in claim order; it is filtered in place. n <= 0 keeps every row.
func PartnerHeads(rows []*Lock, n int) []*Lock {
	if n <= 0 {
		return rows
	}
	taken := make(map[int64]int)
	out := rows[:0]
	for _, l := range rows {
		if taken[l.PartnerID] < n {
			taken[l.PartnerID]++
			out = append(out, l)
		}
	}
	return out
}

// Delta is a partial job state merged by a lease holder. Nil and zero
// fields leave the stored value unchanged.
type Delta struct {
	// Type, when set, must equal the stored job type.
	Type     Type    `json:"type,omitempty"`
	Status   Status  `json:"status,omitempty"`
	Payload  []byte  `json:"payload,omitempty"`
	Message  *string `json:"message,omitempty"`
	Priority *int    `json:"priority,omitempty"`
	ObjectID *string `json:"object_id,omitempty"`
}

// Apply merges the delta into j. Status validation is the caller's job.
func (d Delta) Apply(j *Job) {
	if d.Status != "" {
		j.Status = d.Status
	}
	if d.Payload != nil {
		j.Payload = d.Payload
	}
	if d.Message != nil {
		j.Message = *d.Message
	}
	if d.Priority != nil {
		j.Priority = *d.Priority
	}
	if d.ObjectID != nil {
		j.ObjectID = *d.ObjectID
	}
}
