package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/xraph/forge"

	"github.com/xraph/batch/engine"
	"github.com/xraph/batch/job"
	"github.com/xraph/batch/lease"
)

func validateClaim(req *ClaimRequest, needType bool) error {
	if needType && req.JobType == "" {
		return forge.BadRequest("job_type is required")
	}
	if req.Count <= 0 {
		return forge.BadRequest("count must be positive")
	}
	if req.MaxExecutionTimeSeconds <= 0 {
		return forge.BadRequest("max_execution_time_seconds must be positive")
	}
	return nil
}

func (req *ClaimRequest) maxExecutionTime() time.Duration {
	return time.Duration(req.MaxExecutionTimeSeconds) * time.Second
}

func (a *API) claimJobs(ctx forge.Context, req *ClaimRequest) ([]*job.Job, error) {
	if err := validateClaim(req, true); err != nil {
		return nil, err
	}

	jobs, err := a.eng.ClaimJobs(ctx.Context(), req.LockKey, req.maxExecutionTime(), req.Count, req.Filter, job.Type(req.JobType))
	if err != nil {
		return nil, writeError(ctx, err)
	}
	if jobs == nil {
		jobs = []*job.Job{}
	}
	return jobs, ctx.JSON(http.StatusOK, jobs)
}

func (a *API) claimAlmostDone(ctx forge.Context, req *ClaimRequest) ([]*job.Job, error) {
	if err := validateClaim(req, true); err != nil {
		return nil, err
	}

	jobs, err := a.eng.ClaimAlmostDone(ctx.Context(), req.LockKey, req.maxExecutionTime(), req.Count, req.Filter, job.Type(req.JobType))
	if err != nil {
		return nil, writeError(ctx, err)
	}
	if jobs == nil {
		jobs = []*job.Job{}
	}
	return jobs, ctx.JSON(http.StatusOK, jobs)
}

func (a *API) claimNotifications(ctx forge.Context, req *ClaimRequest) (*engine.NotificationClaim, error) {
	if err := validateClaim(req, false); err != nil {
		return nil, err
	}

	res, err := a.eng.ClaimNotificationJobs(ctx.Context(), req.LockKey, req.maxExecutionTime(), req.Count, req.Filter)
	if err != nil {
		return nil, writeError(ctx, err)
	}
	return res, ctx.JSON(http.StatusOK, res)
}

func (a *API) updateJob(ctx forge.Context, req *UpdateRequest) (*job.Job, error) {
	jobID, err := parseJobID(ctx)
	if err != nil {
		return nil, err
	}

	j, err := a.eng.UpdateJob(ctx.Context(), jobID, req.LockKey, req.Job)
	if err != nil {
		return nil, writeError(ctx, err)
	}
	return j, ctx.JSON(http.StatusOK, j)
}

func (a *API) freeJob(ctx forge.Context, req *FreeRequest) (*engine.FreeResult, error) {
	jobID, err := parseJobID(ctx)
	if err != nil {
		return nil, err
	}
	if req.JobType == "" {
		return nil, forge.BadRequest("job_type is required")
	}

	var opts []engine.FreeOption
	if req.Status != "" {
		s := job.Status(req.Status)
		if !s.IsValid() {
			return nil, forge.BadRequest(fmt.Sprintf("unknown status %q", req.Status))
		}
		opts = append(opts, lease.WithStatus(s))
	}
	if req.Message != nil {
		opts = append(opts, lease.WithMessage(*req.Message))
	}

	res, err := a.eng.FreeJob(ctx.Context(), jobID, req.LockKey, job.Type(req.JobType), req.ResetAttempts, opts...)
	if err != nil {
		return nil, writeError(ctx, err)
	}
	return res, ctx.JSON(http.StatusOK, res)
}

func (a *API) resetAttempts(ctx forge.Context, req *ResetAttemptsRequest) (*struct{}, error) {
	jobID, err := parseJobID(ctx)
	if err != nil {
		return nil, err
	}
	if req.JobType == "" {
		return nil, forge.BadRequest("job_type is required")
	}

	if err := a.eng.ResetExecutionAttempts(ctx.Context(), jobID, req.LockKey, job.Type(req.JobType)); err != nil {
		return nil, writeError(ctx, err)
	}
	return nil, ctx.NoContent(http.StatusNoContent)
}

func (a *API) queueSize(ctx forge.Context, req *QueueSizeRequest) (*QueueSizeResponse, error) {
	jobType := ctx.Param("jobType")
	if jobType == "" {
		return nil, forge.BadRequest("job type is required")
	}

	var filter job.Filter
	if req.PartnerID != 0 {
		filter = filter.WithPartners(req.PartnerID)
	}

	n, err := a.eng.GetQueueSize(ctx.Context(), req.SchedulerID, req.WorkerID, job.Type(jobType), filter)
	if err != nil {
		return nil, writeError(ctx, err)
	}
	resp := &QueueSizeResponse{JobType: jobType, Size: n}
	return resp, ctx.JSON(http.StatusOK, resp)
}
