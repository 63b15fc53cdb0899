package api

import (
	"encoding/json"
	"time"

	"github.com/xraph/batch/job"
)

// ──────────────────────────────────────────────────
// Jobs
// ──────────────────────────────────────────────────

// CreateJobRequest is the body of POST /v1/jobs.
type CreateJobRequest struct {
	JobType     string          `json:"job_type" description:"Registered job type"`
	PartnerID   int64           `json:"partner_id,omitempty"`
	Priority    int             `json:"priority,omitempty"`
	ParentJobID string          `json:"parent_job_id,omitempty"`
	ObjectID    string          `json:"object_id,omitempty"`
	RunAt       *time.Time      `json:"run_at,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// ListJobsRequest holds the query parameters of GET /v1/jobs.
type ListJobsRequest struct {
	Type        string `query:"type"`
	Status      string `query:"status"`
	PartnerID   int64  `query:"partner_id"`
	ParentJobID string `query:"parent_job_id"`
	RootJobID   string `query:"root_job_id"`
	Limit       int    `query:"limit"`
	Offset      int    `query:"offset"`
}

// GetJobRequest binds the path of GET /v1/jobs/:jobId.
type GetJobRequest struct {
	JobID string `path:"jobId"`
}

// AbortJobRequest is the body of POST /v1/jobs/:jobId/abort.
type AbortJobRequest struct {
	JobID   string `path:"jobId" json:"-"`
	Message string `json:"message,omitempty"`
}

// ──────────────────────────────────────────────────
// Leases
// ──────────────────────────────────────────────────

// ClaimRequest is the body shared by the claim routes. JobType is ignored
// by the notification claim.
type ClaimRequest struct {
	LockKey                 job.LockKey `json:"lock_key"`
	JobType                 string      `json:"job_type"`
	Count                   int         `json:"count"`
	MaxExecutionTimeSeconds int         `json:"max_execution_time_seconds"`
	Filter                  job.Filter  `json:"filter"`
}

// UpdateRequest is the body of POST /v1/leases/:jobId/update.
type UpdateRequest struct {
	JobID   string      `path:"jobId" json:"-"`
	LockKey job.LockKey `json:"lock_key"`
	Job     job.Delta   `json:"job"`
}

// FreeRequest is the body of POST /v1/leases/:jobId/free.
type FreeRequest struct {
	JobID         string      `path:"jobId" json:"-"`
	LockKey       job.LockKey `json:"lock_key"`
	JobType       string      `json:"job_type"`
	ResetAttempts bool        `json:"reset_attempts,omitempty"`
	Status        string      `json:"status,omitempty"`
	Message       *string     `json:"message,omitempty"`
}

// ResetAttemptsRequest is the body of POST /v1/leases/:jobId/reset-attempts.
type ResetAttemptsRequest struct {
	JobID   string      `path:"jobId" json:"-"`
	LockKey job.LockKey `json:"lock_key"`
	JobType string      `json:"job_type"`
}

// ──────────────────────────────────────────────────
// Queues and maintenance
// ──────────────────────────────────────────────────

// QueueSizeRequest holds the parameters of GET /v1/queues/:jobType/size.
type QueueSizeRequest struct {
	JobType     string `path:"jobType"`
	SchedulerID int    `query:"scheduler_id"`
	WorkerID    int    `query:"worker_id"`
	PartnerID   int64  `query:"partner_id"`
}

// QueueSizeResponse is returned by GET /v1/queues/:jobType/size.
type QueueSizeResponse struct {
	JobType string `json:"job_type"`
	Size    int64  `json:"size"`
}

// PartnerLoadsRequest holds the query parameters of GET /v1/partner-loads.
type PartnerLoadsRequest struct {
	JobType string `query:"job_type"`
}

// CleanExpiredResponse is returned by POST /v1/maintenance/clean-expired.
type CleanExpiredResponse struct {
	Cleaned int `json:"cleaned"`
}

// FileCheckRequest is the body of POST /v1/files/check.
type FileCheckRequest struct {
	Path string `json:"path"`
	Size int64  `json:"size"`
}

// ErrorResponse is written for lease conflicts and rejected transitions.
type ErrorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func defaultLimit(n int) int {
	if n <= 0 {
		return 100
	}
	if n > 1000 {
		return 1000
	}
	return n
}
