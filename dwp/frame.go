// Package dwp implements the batch wire protocol (DWP), a frame-based RPC
// protocol remote batch processes use to claim, update, and free jobs.
// DWP runs over WebSocket (long-lived sessions) and one-shot HTTP RPC.
package dwp

import (
	"encoding/json"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/xraph/batch/job"
)

// FrameType identifies the frame category.
type FrameType string

const (
	FrameRequest  FrameType = "request"
	FrameResponse FrameType = "response"
	FrameErr      FrameType = "error"
	FrameEvent    FrameType = "event"
	FramePing     FrameType = "ping"
	FramePong     FrameType = "pong"
	FrameCredit   FrameType = "credit"
)

// Frame is the DWP message envelope. Every message exchanged over
// the protocol is a Frame.
type Frame struct {
	// ID uniquely identifies this frame.
	ID string `json:"id" msgpack:"id"`

	// Type categorizes the frame.
	Type FrameType `json:"type" msgpack:"type"`

	// Method names the operation for request frames (e.g., "lease.claim").
	Method string `json:"method,omitempty" msgpack:"method,omitempty"`

	// CorrelID links a response to its originating request.
	CorrelID string `json:"correl_id,omitempty" msgpack:"correl_id,omitempty"`

	// Token carries auth credentials (typically only on the auth frame).
	Token string `json:"token,omitempty" msgpack:"token,omitempty"`

	// Data carries the method-specific payload.
	Data json.RawMessage `json:"data,omitempty" msgpack:"data,omitempty"`

	// Channel names the topic an event frame was published on.
	Channel string `json:"channel,omitempty" msgpack:"channel,omitempty"`

	// Credits grants event flow-control credits on credit frames.
	Credits int `json:"credits,omitempty" msgpack:"credits,omitempty"`

	// Error carries error details for error frames.
	Error *ErrorDetail `json:"error,omitempty" msgpack:"error,omitempty"`

	// Timestamp records when this frame was created.
	Timestamp time.Time `json:"ts" msgpack:"ts"`
}

// ErrorDetail describes an error in a response or error frame.
type ErrorDetail struct {
	Code    int    `json:"code" msgpack:"code"`
	Message string `json:"message" msgpack:"message"`
	Details string `json:"details,omitempty" msgpack:"details,omitempty"`
}

// ── Well-known methods ──────────────────────────────

const (
	// Auth methods.
	MethodAuth = "auth"

	// Lease methods.
	MethodLeaseClaim              = "lease.claim"
	MethodLeaseClaimAlmostDone    = "lease.claim_almost_done"
	MethodLeaseClaimNotifications = "lease.claim_notifications"
	MethodLeaseUpdate             = "lease.update"
	MethodLeaseFree               = "lease.free"
	MethodLeaseResetAttempts      = "lease.reset_attempts"

	// Queue methods.
	MethodQueueSize = "queue.size"

	// Job methods.
	MethodJobGet   = "job.get"
	MethodJobAbort = "job.abort"

	// Event stream methods.
	MethodSubscribe   = "subscribe"
	MethodUnsubscribe = "unsubscribe"
)

// ── Well-known error codes ──────────────────────────

const (
	ErrCodeBadRequest     = 400
	ErrCodeUnauthorized   = 401
	ErrCodeForbidden      = 403
	ErrCodeNotFound       = 404
	ErrCodeMethodNotFound = 405
	ErrCodeConflict       = 409
	ErrCodeUnprocessable  = 422
	ErrCodeInternal       = 500
)

// ── Request/Response payloads ───────────────────────

// AuthRequest is sent by clients to authenticate.
type AuthRequest struct {
	Token  string `json:"token"`
	Format string `json:"format,omitempty"` // "json" (default) or "msgpack"
}

// AuthResponse is returned after successful authentication.
type AuthResponse struct {
	Format    string `json:"format"`
	SessionID string `json:"session_id"`
}

// LeaseClaimRequest claims jobs for one lock key. JobType is ignored by
// lease.claim_notifications.
type LeaseClaimRequest struct {
	LockKey            job.LockKey `json:"lock_key"`
	JobType            job.Type    `json:"job_type,omitempty"`
	Count              int         `json:"count"`
	MaxExecutionTimeMs int64       `json:"max_execution_time_ms"`
	Filter             job.Filter  `json:"filter"`
}

// MaxExecutionTime returns the lease duration carried by the request.
func (r LeaseClaimRequest) MaxExecutionTime() time.Duration {
	return time.Duration(r.MaxExecutionTimeMs) * time.Millisecond
}

// LeaseUpdateRequest merges a delta into a leased job.
type LeaseUpdateRequest struct {
	JobID   string      `json:"job_id"`
	LockKey job.LockKey `json:"lock_key"`
	Delta   job.Delta   `json:"delta"`
}

// LeaseFreeRequest releases a lease.
type LeaseFreeRequest struct {
	JobID         string      `json:"job_id"`
	LockKey       job.LockKey `json:"lock_key"`
	JobType       job.Type    `json:"job_type"`
	ResetAttempts bool        `json:"reset_attempts,omitempty"`
	Status        job.Status  `json:"status,omitempty"`
	Message       *string     `json:"message,omitempty"`
}

// LeaseResetAttemptsRequest zeroes the attempt counter of a leased job.
type LeaseResetAttemptsRequest struct {
	JobID   string      `json:"job_id"`
	LockKey job.LockKey `json:"lock_key"`
	JobType job.Type    `json:"job_type"`
}

// QueueSizeRequest counts queued jobs for a batch process.
type QueueSizeRequest struct {
	SchedulerID int        `json:"scheduler_id"`
	WorkerID    int        `json:"worker_id"`
	JobType     job.Type   `json:"job_type"`
	Filter      job.Filter `json:"filter"`
}

// QueueSizeResponse carries a queue size.
type QueueSizeResponse struct {
	Size int64 `json:"size"`
}

// JobGetRequest retrieves a job by ID.
type JobGetRequest struct {
	JobID string `json:"job_id"`
}

// JobAbortRequest aborts a job.
type JobAbortRequest struct {
	JobID   string `json:"job_id"`
	Message string `json:"message,omitempty"`
}

// SubscribeRequest adds the session to an event topic.
type SubscribeRequest struct {
	Topic string `json:"topic"`
}

// UnsubscribeRequest removes the session from an event topic.
type UnsubscribeRequest struct {
	Topic string `json:"topic"`
}

// SubscribeResponse acknowledges a subscription change.
type SubscribeResponse struct {
	Topic  string `json:"topic"`
	Status string `json:"status"`
}

// NewRequestFrame creates a new request frame.
func NewRequestFrame(id, method string, data any) (*Frame, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Frame{
		ID:        id,
		Type:      FrameRequest,
		Method:    method,
		Data:      raw,
		Timestamp: time.Now().UTC(),
	}, nil
}

// NewResponseFrame creates a response to a request.
func NewResponseFrame(correlID string, data any) (*Frame, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Frame{
		ID:        GenerateFrameID(),
		Type:      FrameResponse,
		CorrelID:  correlID,
		Data:      raw,
		Timestamp: time.Now().UTC(),
	}, nil
}

// NewEventFrame wraps a broker event pushed to a subscribed session.
func NewEventFrame(channel string, data any) (*Frame, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Frame{
		ID:        GenerateFrameID(),
		Type:      FrameEvent,
		Channel:   channel,
		Data:      raw,
		Timestamp: time.Now().UTC(),
	}, nil
}

// NewErrorFrame creates an error response to a request.
func NewErrorFrame(correlID string, code int, message string) *Frame {
	return &Frame{
		ID:       GenerateFrameID(),
		Type:     FrameErr,
		CorrelID: correlID,
		Error: &ErrorDetail{
			Code:    code,
			Message: message,
		},
		Timestamp: time.Now().UTC(),
	}
}

var frameSeq atomic.Uint64

// GenerateFrameID returns a new frame ID, unique within the process.
func GenerateFrameID() string {
	return time.Now().UTC().Format("20060102150405.000000000") + "-" + strconv.FormatUint(frameSeq.Add(1), 36)
}
