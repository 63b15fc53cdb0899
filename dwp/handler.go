package dwp

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/xraph/batch"
	"github.com/xraph/batch/engine"
	"github.com/xraph/batch/id"
	"github.com/xraph/batch/job"
	"github.com/xraph/batch/lease"
	"github.com/xraph/batch/stream"
)

// Handler dispatches DWP frames to engine operations.
type Handler struct {
	eng    *engine.Engine
	logger *slog.Logger
}

// NewHandler creates a new DWP method handler.
func NewHandler(eng *engine.Engine, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{eng: eng, logger: logger}
}

// Handle processes a single DWP request frame and returns a response.
func (h *Handler) Handle(ctx context.Context, frame *Frame, _ *Connection) *Frame {
	switch frame.Method {
	case MethodLeaseClaim:
		return h.handleClaim(ctx, frame, h.eng.ClaimJobs)
	case MethodLeaseClaimAlmostDone:
		return h.handleClaim(ctx, frame, h.eng.ClaimAlmostDone)
	case MethodLeaseClaimNotifications:
		return h.handleClaimNotifications(ctx, frame)
	case MethodLeaseUpdate:
		return h.handleUpdate(ctx, frame)
	case MethodLeaseFree:
		return h.handleFree(ctx, frame)
	case MethodLeaseResetAttempts:
		return h.handleResetAttempts(ctx, frame)
	case MethodQueueSize:
		return h.handleQueueSize(ctx, frame)
	case MethodJobGet:
		return h.handleJobGet(ctx, frame)
	case MethodJobAbort:
		return h.handleJobAbort(ctx, frame)
	case MethodSubscribe:
		return h.handleSubscribe(frame)
	case MethodUnsubscribe:
		return h.handleUnsubscribe(frame)
	default:
		return NewErrorFrame(frame.ID, ErrCodeMethodNotFound, "unknown method: "+frame.Method)
	}
}

// mustResponseFrame creates a response frame, returning an error frame on marshal failure.
func mustResponseFrame(frameID string, data any) *Frame {
	resp, err := NewResponseFrame(frameID, data)
	if err != nil {
		return NewErrorFrame(frameID, ErrCodeInternal, "marshal response: "+err.Error())
	}
	return resp
}

// ErrorCode maps a batch sentinel error to a DWP error code.
func ErrorCode(err error) int {
	switch {
	case errors.Is(err, batch.ErrJobNotFound):
		return ErrCodeNotFound
	case errors.Is(err, batch.ErrLeaseNotHeld), errors.Is(err, batch.ErrLeaseLost):
		return ErrCodeConflict
	case errors.Is(err, batch.ErrWrongJobType), errors.Is(err, batch.ErrInvalidStatus):
		return ErrCodeUnprocessable
	case errors.Is(err, batch.ErrUnknownJobType), errors.Is(err, batch.ErrParentNotFound):
		return ErrCodeBadRequest
	default:
		return ErrCodeInternal
	}
}

func (h *Handler) errorFrame(frame *Frame, err error) *Frame {
	code := ErrorCode(err)
	if code == ErrCodeInternal {
		h.logger.Error("dwp method failed",
			slog.String("method", frame.Method),
			slog.String("error", err.Error()),
		)
	}
	return NewErrorFrame(frame.ID, code, err.Error())
}

func decode(frame *Frame, v any) *Frame {
	if err := json.Unmarshal(frame.Data, v); err != nil {
		return NewErrorFrame(frame.ID, ErrCodeBadRequest, "invalid request: "+err.Error())
	}
	return nil
}

func parseJobID(frame *Frame, raw string) (id.JobID, *Frame) {
	jobID, err := id.ParseJobID(raw)
	if err != nil {
		return id.JobID{}, NewErrorFrame(frame.ID, ErrCodeBadRequest, "invalid job ID: "+err.Error())
	}
	return jobID, nil
}

func validateClaim(frame *Frame, req *LeaseClaimRequest, needType bool) *Frame {
	switch {
	case needType && req.JobType == "":
		return NewErrorFrame(frame.ID, ErrCodeBadRequest, "job_type is required")
	case req.Count <= 0:
		return NewErrorFrame(frame.ID, ErrCodeBadRequest, "count must be positive")
	case req.MaxExecutionTimeMs <= 0:
		return NewErrorFrame(frame.ID, ErrCodeBadRequest, "max_execution_time_ms must be positive")
	}
	return nil
}

type claimFunc func(ctx context.Context, key job.LockKey, maxExecutionTime time.Duration, count int, filter job.Filter, jobType job.Type) ([]*job.Job, error)

func (h *Handler) handleClaim(ctx context.Context, frame *Frame, claim claimFunc) *Frame {
	var req LeaseClaimRequest
	if errFrame := decode(frame, &req); errFrame != nil {
		return errFrame
	}
	if errFrame := validateClaim(frame, &req, true); errFrame != nil {
		return errFrame
	}

	jobs, err := claim(ctx, req.LockKey, req.MaxExecutionTime(), req.Count, req.Filter, req.JobType)
	if err != nil {
		return h.errorFrame(frame, err)
	}
	if jobs == nil {
		jobs = []*job.Job{}
	}
	return mustResponseFrame(frame.ID, jobs)
}

func (h *Handler) handleClaimNotifications(ctx context.Context, frame *Frame) *Frame {
	var req LeaseClaimRequest
	if errFrame := decode(frame, &req); errFrame != nil {
		return errFrame
	}
	if errFrame := validateClaim(frame, &req, false); errFrame != nil {
		return errFrame
	}

	res, err := h.eng.ClaimNotificationJobs(ctx, req.LockKey, req.MaxExecutionTime(), req.Count, req.Filter)
	if err != nil {
		return h.errorFrame(frame, err)
	}
	return mustResponseFrame(frame.ID, res)
}

func (h *Handler) handleUpdate(ctx context.Context, frame *Frame) *Frame {
	var req LeaseUpdateRequest
	if errFrame := decode(frame, &req); errFrame != nil {
		return errFrame
	}
	jobID, errFrame := parseJobID(frame, req.JobID)
	if errFrame != nil {
		return errFrame
	}

	j, err := h.eng.UpdateJob(ctx, jobID, req.LockKey, req.Delta)
	if err != nil {
		return h.errorFrame(frame, err)
	}
	return mustResponseFrame(frame.ID, j)
}

func (h *Handler) handleFree(ctx context.Context, frame *Frame) *Frame {
	var req LeaseFreeRequest
	if errFrame := decode(frame, &req); errFrame != nil {
		return errFrame
	}
	jobID, errFrame := parseJobID(frame, req.JobID)
	if errFrame != nil {
		return errFrame
	}
	if req.JobType == "" {
		return NewErrorFrame(frame.ID, ErrCodeBadRequest, "job_type is required")
	}

	var opts []lease.FreeOption
	if req.Status != "" {
		if !req.Status.IsValid() {
			return NewErrorFrame(frame.ID, ErrCodeBadRequest, "unknown status: "+string(req.Status))
		}
		opts = append(opts, lease.WithStatus(req.Status))
	}
	if req.Message != nil {
		opts = append(opts, lease.WithMessage(*req.Message))
	}

	res, err := h.eng.FreeJob(ctx, jobID, req.LockKey, req.JobType, req.ResetAttempts, opts...)
	if err != nil {
		return h.errorFrame(frame, err)
	}
	return mustResponseFrame(frame.ID, res)
}

func (h *Handler) handleResetAttempts(ctx context.Context, frame *Frame) *Frame {
	var req LeaseResetAttemptsRequest
	if errFrame := decode(frame, &req); errFrame != nil {
		return errFrame
	}
	jobID, errFrame := parseJobID(frame, req.JobID)
	if errFrame != nil {
		return errFrame
	}

	if err := h.eng.ResetExecutionAttempts(ctx, jobID, req.LockKey, req.JobType); err != nil {
		return h.errorFrame(frame, err)
	}
	return mustResponseFrame(frame.ID, map[string]string{"status": "reset"})
}

func (h *Handler) handleQueueSize(ctx context.Context, frame *Frame) *Frame {
	var req QueueSizeRequest
	if errFrame := decode(frame, &req); errFrame != nil {
		return errFrame
	}
	if req.JobType == "" {
		return NewErrorFrame(frame.ID, ErrCodeBadRequest, "job_type is required")
	}

	n, err := h.eng.GetQueueSize(ctx, req.SchedulerID, req.WorkerID, req.JobType, req.Filter)
	if err != nil {
		return h.errorFrame(frame, err)
	}
	return mustResponseFrame(frame.ID, QueueSizeResponse{Size: n})
}

func (h *Handler) handleJobGet(ctx context.Context, frame *Frame) *Frame {
	var req JobGetRequest
	if errFrame := decode(frame, &req); errFrame != nil {
		return errFrame
	}
	jobID, errFrame := parseJobID(frame, req.JobID)
	if errFrame != nil {
		return errFrame
	}

	j, err := h.eng.GetJob(ctx, jobID)
	if err != nil {
		return h.errorFrame(frame, err)
	}
	return mustResponseFrame(frame.ID, j)
}

func (h *Handler) handleJobAbort(ctx context.Context, frame *Frame) *Frame {
	var req JobAbortRequest
	if errFrame := decode(frame, &req); errFrame != nil {
		return errFrame
	}
	jobID, errFrame := parseJobID(frame, req.JobID)
	if errFrame != nil {
		return errFrame
	}

	j, err := h.eng.AbortJob(ctx, jobID, req.Message)
	if err != nil {
		return h.errorFrame(frame, err)
	}
	return mustResponseFrame(frame.ID, j)
}

// ── Event stream ────────────────────────────────────

// The server applies the subscription change once the handler has
// validated the topic.
func (h *Handler) handleSubscribe(frame *Frame) *Frame {
	var req SubscribeRequest
	if errFrame := decode(frame, &req); errFrame != nil {
		return errFrame
	}
	if err := stream.ValidateTopic(req.Topic); err != nil {
		return NewErrorFrame(frame.ID, ErrCodeBadRequest, err.Error())
	}
	return mustResponseFrame(frame.ID, SubscribeResponse{Topic: req.Topic, Status: "subscribed"})
}

func (h *Handler) handleUnsubscribe(frame *Frame) *Frame {
	var req UnsubscribeRequest
	if errFrame := decode(frame, &req); errFrame != nil {
		return errFrame
	}
	if req.Topic == "" {
		return NewErrorFrame(frame.ID, ErrCodeBadRequest, "topic is required")
	}
	return mustResponseFrame(frame.ID, SubscribeResponse{Topic: req.Topic, Status: "unsubscribed"})
}
