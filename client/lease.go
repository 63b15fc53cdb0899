package client

import (
	"context"
	"time"

	"github.com/xraph/batch/dwp"
	"github.com/xraph/batch/engine"
	"github.com/xraph/batch/id"
	"github.com/xraph/batch/job"
	"github.com/xraph/batch/lease"
	"github.com/xraph/batch/worker"
)

var _ worker.Leaser = (*Client)(nil)

func claimRequest(key job.LockKey, maxExecutionTime time.Duration, count int, filter job.Filter, jobType job.Type) dwp.LeaseClaimRequest {
	return dwp.LeaseClaimRequest{
		LockKey:            key,
		JobType:            jobType,
		Count:              count,
		MaxExecutionTimeMs: maxExecutionTime.Milliseconds(),
		Filter:             filter,
	}
}

// ClaimJobs leases up to count PENDING or RETRY jobs of jobType to key.
func (c *Client) ClaimJobs(ctx context.Context, key job.LockKey, maxExecutionTime time.Duration, count int, filter job.Filter, jobType job.Type) ([]*job.Job, error) {
	var jobs []*job.Job
	err := c.call(ctx, dwp.MethodLeaseClaim, claimRequest(key, maxExecutionTime, count, filter, jobType), &jobs)
	return jobs, err
}

// ClaimAlmostDone leases up to count ALMOST_DONE jobs of jobType to key.
func (c *Client) ClaimAlmostDone(ctx context.Context, key job.LockKey, maxExecutionTime time.Duration, count int, filter job.Filter, jobType job.Type) ([]*job.Job, error) {
	var jobs []*job.Job
	err := c.call(ctx, dwp.MethodLeaseClaimAlmostDone, claimRequest(key, maxExecutionTime, count, filter, jobType), &jobs)
	return jobs, err
}

// ClaimNotificationJobs claims notification jobs and the distinct partners
// they belong to.
func (c *Client) ClaimNotificationJobs(ctx context.Context, key job.LockKey, maxExecutionTime time.Duration, count int, filter job.Filter) (*engine.NotificationClaim, error) {
	var res engine.NotificationClaim
	if err := c.call(ctx, dwp.MethodLeaseClaimNotifications, claimRequest(key, maxExecutionTime, count, filter, job.TypeNotification), &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// UpdateJob merges delta into a job leased by key.
func (c *Client) UpdateJob(ctx context.Context, jobID id.JobID, key job.LockKey, delta job.Delta) (*job.Job, error) {
	var j job.Job
	if err := c.call(ctx, dwp.MethodLeaseUpdate, dwp.LeaseUpdateRequest{
		JobID:   jobID.String(),
		LockKey: key,
		Delta:   delta,
	}, &j); err != nil {
		return nil, err
	}
	return &j, nil
}

// FreeJob releases the lease key holds on jobID.
func (c *Client) FreeJob(ctx context.Context, jobID id.JobID, key job.LockKey, jobType job.Type, resetAttempts bool, opts ...lease.FreeOption) (*lease.FreeResult, error) {
	o := lease.NewFreeOptions(jobType, resetAttempts, opts...)
	var res lease.FreeResult
	if err := c.call(ctx, dwp.MethodLeaseFree, dwp.LeaseFreeRequest{
		JobID:         jobID.String(),
		LockKey:       key,
		JobType:       o.Type,
		ResetAttempts: o.ResetAttempts,
		Status:        o.Status,
		Message:       o.Message,
	}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// ResetExecutionAttempts zeroes the attempt counter of a job leased by key.
func (c *Client) ResetExecutionAttempts(ctx context.Context, jobID id.JobID, key job.LockKey, jobType job.Type) error {
	return c.call(ctx, dwp.MethodLeaseResetAttempts, dwp.LeaseResetAttemptsRequest{
		JobID:   jobID.String(),
		LockKey: key,
		JobType: jobType,
	}, nil)
}

// GetQueueSize counts queued jobs of jobType for the batch process
// (schedulerID, workerID).
func (c *Client) GetQueueSize(ctx context.Context, schedulerID, workerID int, jobType job.Type, filter job.Filter) (int64, error) {
	var res dwp.QueueSizeResponse
	err := c.call(ctx, dwp.MethodQueueSize, dwp.QueueSizeRequest{
		SchedulerID: schedulerID,
		WorkerID:    workerID,
		JobType:     jobType,
		Filter:      filter,
	}, &res)
	return res.Size, err
}

// GetJob retrieves a job by ID.
func (c *Client) GetJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	var j job.Job
	if err := c.call(ctx, dwp.MethodJobGet, dwp.JobGetRequest{JobID: jobID.String()}, &j); err != nil {
		return nil, err
	}
	return &j, nil
}

// AbortJob cancels a job that has not finished.
func (c *Client) AbortJob(ctx context.Context, jobID id.JobID, message string) (*job.Job, error) {
	var j job.Job
	if err := c.call(ctx, dwp.MethodJobAbort, dwp.JobAbortRequest{JobID: jobID.String(), Message: message}, &j); err != nil {
		return nil, err
	}
	return &j, nil
}
