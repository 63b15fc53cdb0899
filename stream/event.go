// Package stream provides a real-time event broker for batch lease
// lifecycle events. It bridges the ext.Extension system to connected
// batch processes and operators via topic-based pub/sub.
package stream

import (
	"encoding/json"
	"time"

	"github.com/xraph/batch/job"
	"github.com/xraph/batch/load"
)

// EventType identifies the kind of lifecycle event.
type EventType string

const (
	// Job events.
	EventJobCreated  EventType = "job.created"
	EventJobRetrying EventType = "job.retrying"
	EventJobFatal    EventType = "job.fatal"
	EventJobAborted  EventType = "job.aborted"

	// Lease events.
	EventLeaseClaimed EventType = "lease.claimed"
	EventLeaseUpdated EventType = "lease.updated"
	EventLeaseFreed   EventType = "lease.freed"

	// Partner load events.
	EventLoadRefreshed EventType = "load.refreshed"
)

// Event is the envelope sent to subscribers on a topic channel.
type Event struct {
	// Type identifies the lifecycle event.
	Type EventType `json:"type"`

	// Timestamp is when the event was emitted.
	Timestamp time.Time `json:"ts"`

	// Topic is the entity channel this event was published on.
	Topic string `json:"topic,omitempty"`

	// Data is the event-specific payload.
	Data json.RawMessage `json:"data"`
}

// JobEventData is the payload for job and lease events.
type JobEventData struct {
	JobID          string       `json:"job_id"`
	JobType        job.Type     `json:"job_type"`
	PartnerID      int64        `json:"partner_id"`
	Status         job.Status   `json:"status"`
	Priority       int          `json:"priority"`
	Attempts       int          `json:"execution_attempts"`
	Lock           *job.LockKey `json:"lock,omitempty"`
	LeaseExpiresAt *time.Time   `json:"lease_expires_at,omitempty"`
	Message        string       `json:"message,omitempty"`
	NextRunAt      *time.Time   `json:"next_run_at,omitempty"`
}

// LoadEventData is the payload for partner load reconcile events.
type LoadEventData struct {
	load.RefreshResult
	ElapsedMs int64 `json:"elapsed_ms"`
}

// jobEventData projects a job onto its event payload.
func jobEventData(j *job.Job) JobEventData {
	d := JobEventData{
		JobID:     j.ID.String(),
		JobType:   j.Type,
		PartnerID: j.PartnerID,
		Status:    j.Status,
		Priority:  j.Priority,
		Attempts:  j.ExecutionAttempts,
		Message:   j.Message,
	}
	if j.Lease != nil {
		key := j.Lease.Key
		exp := j.Lease.ExpiresAt
		d.Lock = &key
		d.LeaseExpiresAt = &exp
	}
	return d
}
