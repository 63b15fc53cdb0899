package redis

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/batch"
	"github.com/xraph/batch/id"
	"github.com/xraph/batch/job"
)

// CreateJob stores the job as a Hash and indexes it by creation time and
// type. Unleased jobs join their type's free set.
func (s *Store) CreateJob(ctx context.Context, j *job.Job) error {
	jID := j.ID.String()
	key := s.keys.job(jID)

	created, err := s.client.HSetNX(ctx, key, "id", jID).Result()
	if err != nil {
		return fmt.Errorf("batch/redis: create job guard: %w", err)
	}
	if !created {
		return batch.ErrJobAlreadyExists
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, jobFields(j))
	pipe.ZAdd(ctx, s.keys.jobs(), goredis.Z{Score: score(j.CreatedAt), Member: jID})
	pipe.SAdd(ctx, s.keys.jobsOfType(string(j.Type)), jID)
	s.indexLease(ctx, pipe, j)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("batch/redis: create job: %w", err)
	}
	return nil
}

// indexLease queues the lease fields and index membership for j's
// current lease state.
func (s *Store) indexLease(ctx context.Context, pipe goredis.Pipeliner, j *job.Job) {
	jID := j.ID.String()
	key := s.keys.job(jID)
	if j.Lease == nil {
		pipe.HDel(ctx, key, leaseFieldNames...)
		pipe.ZRem(ctx, s.keys.leases(), jID)
		pipe.SAdd(ctx, s.keys.free(string(j.Type)), jID)
		return
	}
	pipe.HSet(ctx, key, leaseFields(j.Lease))
	pipe.ZAdd(ctx, s.keys.leases(), goredis.Z{Score: score(j.Lease.ExpiresAt), Member: jID})
	pipe.SRem(ctx, s.keys.free(string(j.Type)), jID)
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	vals, err := s.client.HGetAll(ctx, s.keys.job(jobID.String())).Result()
	if err != nil {
		return nil, fmt.Errorf("batch/redis: get job: %w", err)
	}
	if len(vals) == 0 {
		return nil, batch.ErrJobNotFound
	}
	return mapToJob(vals)
}

// loadJobs fetches the hashes for ids in one pipeline, preserving order
// and skipping ids whose hash is gone.
func (s *Store) loadJobs(ctx context.Context, ids []string) ([]*job.Job, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*goredis.MapStringStringCmd, len(ids))
	for i, jID := range ids {
		cmds[i] = pipe.HGetAll(ctx, s.keys.job(jID))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, goredis.Nil) {
		return nil, fmt.Errorf("batch/redis: load jobs: %w", err)
	}

	jobs := make([]*job.Job, 0, len(ids))
	for _, cmd := range cmds {
		vals := cmd.Val()
		if len(vals) == 0 {
			continue
		}
		j, err := mapToJob(vals)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

// ListJobs returns jobs matching opts in creation order.
func (s *Store) ListJobs(ctx context.Context, opts job.ListOpts) ([]*job.Job, error) {
	ids, err := s.client.ZRange(ctx, s.keys.jobs(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("batch/redis: list jobs zrange: %w", err)
	}
	all, err := s.loadJobs(ctx, ids)
	if err != nil {
		return nil, err
	}

	var result []*job.Job
	for _, j := range all {
		switch {
		case opts.Type != "" && j.Type != opts.Type,
			opts.Status != "" && j.Status != opts.Status,
			opts.PartnerID != 0 && j.PartnerID != opts.PartnerID,
			!opts.ParentJobID.IsNil() && j.ParentJobID.String() != opts.ParentJobID.String(),
			!opts.RootJobID.IsNil() && j.RootJobID.String() != opts.RootJobID.String():
			continue
		}
		result = append(result, j)
	}

	if opts.Offset > 0 {
		if opts.Offset >= len(result) {
			return nil, nil
		}
		result = result[opts.Offset:]
	}
	if opts.Limit > 0 && len(result) > opts.Limit {
		result = result[:opts.Limit]
	}
	return result, nil
}

// ListLocks returns unleased candidate rows in claim order.
func (s *Store) ListLocks(ctx context.Context, q job.LockQuery) ([]*job.Lock, error) {
	ids, err := s.client.SMembers(ctx, s.keys.free(string(q.Type))).Result()
	if err != nil {
		return nil, fmt.Errorf("batch/redis: list locks smembers: %w", err)
	}
	jobs, err := s.loadJobs(ctx, ids)
	if err != nil {
		return nil, err
	}

	var result []*job.Lock
	for _, j := range jobs {
		if j.Lease != nil || !slices.Contains(q.Statuses, j.Status) || j.RunAt.After(q.Now) {
			continue
		}
		l := j.Lock()
		if q.Filter.Matches(l) {
			result = append(result, l)
		}
	}

	slices.SortFunc(result, job.CompareClaimOrder)
	result = job.PartnerHeads(result, q.PerPartner)
	if q.Limit > 0 && len(result) > q.Limit {
		result = result[:q.Limit]
	}
	return result, nil
}

// CountLocks counts lock rows matching q.
func (s *Store) CountLocks(ctx context.Context, q job.CountQuery) (int64, error) {
	ids, err := s.client.SMembers(ctx, s.keys.jobsOfType(string(q.Type))).Result()
	if err != nil {
		return 0, fmt.Errorf("batch/redis: count locks smembers: %w", err)
	}
	jobs, err := s.loadJobs(ctx, ids)
	if err != nil {
		return 0, err
	}

	var n int64
	for _, j := range jobs {
		if len(q.Statuses) > 0 && !slices.Contains(q.Statuses, j.Status) {
			continue
		}
		if !q.LiveAt.IsZero() && (j.Lease == nil || !j.Lease.ExpiresAt.After(q.LiveAt)) {
			continue
		}
		if q.AttemptsBelow > 0 && j.ExecutionAttempts >= q.AttemptsBelow {
			continue
		}
		if q.Filter.Matches(j.Lock()) {
			n++
		}
	}
	return n, nil
}

// jobType reads the immutable type field the lease scripts key on.
func (s *Store) jobType(ctx context.Context, jobID string) (string, error) {
	t, err := s.client.HGet(ctx, s.keys.job(jobID), "type").Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return "", batch.ErrJobNotFound
		}
		return "", fmt.Errorf("batch/redis: read job type: %w", err)
	}
	return t, nil
}

func (s *Store) leaseKeys(jobID, jobType string) []string {
	return []string{s.keys.job(jobID), s.keys.leases(), s.keys.free(jobType)}
}

// AcquireLease atomically leases an eligible job.
func (s *Store) AcquireLease(ctx context.Context, jobID id.JobID, from []job.Status, lease job.Lease, now time.Time) (*job.Job, error) {
	jID := jobID.String()
	jobType, err := s.jobType(ctx, jID)
	if err != nil {
		if errors.Is(err, batch.ErrJobNotFound) {
			return nil, batch.ErrLeaseLost
		}
		return nil, err
	}

	args := []any{
		micros(now), micros(lease.ExpiresAt),
		lease.Key.SchedulerID, lease.Key.WorkerID, lease.Key.BatchIndex,
		jID,
	}
	for _, st := range from {
		args = append(args, string(st))
	}

	reply, err := acquireScript.Run(ctx, s.client, s.leaseKeys(jID, jobType), args...).Slice()
	if err != nil {
		return nil, fmt.Errorf("batch/redis: acquire lease: %w", err)
	}
	if len(reply) == 0 {
		return nil, batch.ErrLeaseLost
	}
	return mapToJob(pairsToMap(reply))
}

// UpdateLeased persists j's mutable fields while held is the live holder.
func (s *Store) UpdateLeased(ctx context.Context, j *job.Job, held job.LockKey, now time.Time) error {
	jID := j.ID.String()

	args := []any{
		micros(now), held.SchedulerID, held.WorkerID, held.BatchIndex, jID,
	}
	if j.Lease == nil {
		args = append(args, "", "", "", "")
	} else {
		args = append(args, micros(j.Lease.ExpiresAt),
			j.Lease.Key.SchedulerID, j.Lease.Key.WorkerID, j.Lease.Key.BatchIndex)
	}
	if j.FinishedAt == nil {
		args = append(args, "")
	} else {
		args = append(args, micros(*j.FinishedAt))
	}
	args = append(args,
		"status", string(j.Status),
		"payload", string(j.Payload),
		"message", j.Message,
		"priority", strconv.Itoa(j.Priority),
		"object_id", j.ObjectID,
		"execution_attempts", strconv.Itoa(j.ExecutionAttempts),
		"run_at", micros(j.RunAt),
	)

	res, err := updateScript.Run(ctx, s.client, s.leaseKeys(jID, string(j.Type)), args...).Int64()
	if err != nil {
		return fmt.Errorf("batch/redis: update leased job: %w", err)
	}
	switch res {
	case 1:
		return nil
	case -1:
		return batch.ErrJobNotFound
	default:
		return batch.ErrLeaseNotHeld
	}
}

// ListExpiredLeases returns rows whose lease expired at or before now,
// oldest expiry first.
func (s *Store) ListExpiredLeases(ctx context.Context, now time.Time, limit int) ([]*job.Lock, error) {
	by := &goredis.ZRangeBy{Min: "-inf", Max: micros(now)}
	if limit > 0 {
		by.Count = int64(limit)
	}
	ids, err := s.client.ZRangeByScore(ctx, s.keys.leases(), by).Result()
	if err != nil {
		return nil, fmt.Errorf("batch/redis: list expired leases: %w", err)
	}
	jobs, err := s.loadJobs(ctx, ids)
	if err != nil {
		return nil, err
	}

	locks := make([]*job.Lock, 0, len(jobs))
	for _, j := range jobs {
		if j.Lease != nil {
			locks = append(locks, j.Lock())
		}
	}
	return locks, nil
}

// ExpireLease clears an expired lease still held by held.
func (s *Store) ExpireLease(ctx context.Context, jobID id.JobID, held job.LockKey, status job.Status, runAt, now time.Time) (*job.Job, error) {
	jID := jobID.String()
	jobType, err := s.jobType(ctx, jID)
	if err != nil {
		if errors.Is(err, batch.ErrJobNotFound) {
			return nil, batch.ErrLeaseLost
		}
		return nil, err
	}

	finished := ""
	if status.IsTerminal() {
		finished = micros(now)
	}

	reply, err := expireScript.Run(ctx, s.client, s.leaseKeys(jID, jobType),
		micros(now), held.SchedulerID, held.WorkerID, held.BatchIndex, jID,
		string(status), micros(runAt), finished,
	).Slice()
	if err != nil {
		return nil, fmt.Errorf("batch/redis: expire lease: %w", err)
	}
	if len(reply) == 0 {
		return nil, batch.ErrLeaseLost
	}
	return mapToJob(pairsToMap(reply))
}

// AbortJob aborts a job that is not terminal while its holder equals held.
func (s *Store) AbortJob(ctx context.Context, jobID id.JobID, held *job.LockKey, message string, now time.Time) (*job.Job, error) {
	jID := jobID.String()
	jobType, err := s.jobType(ctx, jID)
	if err != nil {
		if errors.Is(err, batch.ErrJobNotFound) {
			return nil, batch.ErrLeaseLost
		}
		return nil, err
	}

	var sched, worker, idx string
	if held != nil {
		sched = strconv.Itoa(held.SchedulerID)
		worker = strconv.Itoa(held.WorkerID)
		idx = strconv.Itoa(held.BatchIndex)
	}

	reply, err := abortScript.Run(ctx, s.client, s.leaseKeys(jID, jobType),
		micros(now), jID, message, sched, worker, idx,
	).Slice()
	if err != nil {
		return nil, fmt.Errorf("batch/redis: abort job: %w", err)
	}
	if len(reply) == 0 {
		return nil, batch.ErrLeaseLost
	}
	return mapToJob(pairsToMap(reply))
}
