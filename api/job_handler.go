package api

import (
	"fmt"
	"net/http"

	"github.com/xraph/forge"

	"github.com/xraph/batch/id"
	"github.com/xraph/batch/job"
)

func (a *API) createJob(ctx forge.Context, req *CreateJobRequest) (*job.Job, error) {
	if req.JobType == "" {
		return nil, forge.BadRequest("job_type is required")
	}

	opts := []job.SubmitOption{
		job.ForPartner(req.PartnerID),
		job.WithPriority(req.Priority),
	}
	if req.ParentJobID != "" {
		opts = append(opts, job.WithParent(req.ParentJobID))
	}
	if req.ObjectID != "" {
		opts = append(opts, job.WithObjectID(req.ObjectID))
	}
	if req.RunAt != nil {
		opts = append(opts, job.WithRunAt(*req.RunAt))
	}

	j, err := a.eng.AddJob(ctx.Context(), job.Type(req.JobType), []byte(req.Payload), opts...)
	if err != nil {
		return nil, writeError(ctx, err)
	}
	return j, ctx.JSON(http.StatusCreated, j)
}

func (a *API) listJobs(ctx forge.Context, req *ListJobsRequest) ([]*job.Job, error) {
	opts := job.ListOpts{
		Limit:     defaultLimit(req.Limit),
		Offset:    req.Offset,
		Type:      job.Type(req.Type),
		PartnerID: req.PartnerID,
	}
	if req.Status != "" {
		s := job.Status(req.Status)
		if !s.IsValid() {
			return nil, forge.BadRequest(fmt.Sprintf("unknown status %q", req.Status))
		}
		opts.Status = s
	}
	if req.ParentJobID != "" {
		parentID, err := id.ParseJobID(req.ParentJobID)
		if err != nil {
			return nil, forge.BadRequest(fmt.Sprintf("invalid parent job ID: %v", err))
		}
		opts.ParentJobID = parentID
	}
	if req.RootJobID != "" {
		rootID, err := id.ParseJobID(req.RootJobID)
		if err != nil {
			return nil, forge.BadRequest(fmt.Sprintf("invalid root job ID: %v", err))
		}
		opts.RootJobID = rootID
	}

	jobs, err := a.eng.ListJobs(ctx.Context(), opts)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	if jobs == nil {
		jobs = []*job.Job{}
	}
	return jobs, ctx.JSON(http.StatusOK, jobs)
}

func (a *API) getJob(ctx forge.Context, _ *GetJobRequest) (*job.Job, error) {
	jobID, err := parseJobID(ctx)
	if err != nil {
		return nil, err
	}

	j, err := a.eng.GetJob(ctx.Context(), jobID)
	if err != nil {
		return nil, writeError(ctx, err)
	}
	return j, ctx.JSON(http.StatusOK, j)
}

func (a *API) abortJob(ctx forge.Context, req *AbortJobRequest) (*job.Job, error) {
	jobID, err := parseJobID(ctx)
	if err != nil {
		return nil, err
	}

	j, err := a.eng.AbortJob(ctx.Context(), jobID, req.Message)
	if err != nil {
		return nil, writeError(ctx, err)
	}
	return j, ctx.JSON(http.StatusOK, j)
}

func parseJobID(ctx forge.Context) (id.JobID, error) {
	jobID, err := id.ParseJobID(ctx.Param("jobId"))
	if err != nil {
		return id.JobID{}, forge.BadRequest(fmt.Sprintf("invalid job ID: %v", err))
	}
	return jobID, nil
}
