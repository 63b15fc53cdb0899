package sqlite

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/xraph/batch"
	"github.com/xraph/batch/id"
	"github.com/xraph/batch/job"
)

// CreateJob persists a new job.
func (s *Store) CreateJob(ctx context.Context, j *job.Job) error {
	m := toJobModel(j)
	_, err := s.sdb.NewInsert(m).Exec(ctx)
	if err != nil {
		if isDuplicateKey(err) {
			return batch.ErrJobAlreadyExists
		}
		return fmt.Errorf("batch/sqlite: create job: %w", err)
	}
	return nil
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	m := new(jobModel)
	err := s.sdb.NewSelect(m).
		Where("id = ?", jobID.String()).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, batch.ErrJobNotFound
		}
		return nil, fmt.Errorf("batch/sqlite: get job: %w", err)
	}
	return fromJobModel(m)
}

// ListJobs returns jobs matching opts in creation order.
func (s *Store) ListJobs(ctx context.Context, opts job.ListOpts) ([]*job.Job, error) {
	var models []jobModel
	q := s.sdb.NewSelect(&models)

	if opts.Type != "" {
		q = q.Where("type = ?", string(opts.Type))
	}
	if opts.Status != "" {
		q = q.Where("status = ?", string(opts.Status))
	}
	if opts.PartnerID != 0 {
		q = q.Where("partner_id = ?", opts.PartnerID)
	}
	if !opts.ParentJobID.IsNil() {
		q = q.Where("parent_job_id = ?", opts.ParentJobID.String())
	}
	if !opts.RootJobID.IsNil() {
		q = q.Where("root_job_id = ?", opts.RootJobID.String())
	}

	q = q.OrderExpr("created_at ASC, id ASC")

	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}

	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("batch/sqlite: list jobs: %w", err)
	}
	return fromJobModels(models)
}

// ListLocks returns unleased candidate rows in claim order.
func (s *Store) ListLocks(ctx context.Context, lq job.LockQuery) ([]*job.Lock, error) {
	preds := append([]predicate{
		{"type = ?", []any{string(lq.Type)}},
		{"lease_expires_at IS NULL", nil},
		{inList("status", len(lq.Statuses)), statusArgs(lq.Statuses)},
		{"run_at <= ?", []any{toNanos(lq.Now)}},
	}, filterPredicates(lq.Filter)...)

	var models []jobModel
	q := s.sdb.NewSelect(&models)
	if lq.PerPartner > 0 {
		clause, args := partnerHeads(preds, lq.PerPartner)
		q = q.Where(clause, args...)
	} else {
		for _, p := range preds {
			q = q.Where(p.clause, p.args...)
		}
	}

	q = q.OrderExpr(claimOrder)
	if lq.Limit > 0 {
		q = q.Limit(lq.Limit)
	}

	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("batch/sqlite: list locks: %w", err)
	}
	return lockModels(models)
}

// claimOrder is job.CompareClaimOrder as an ORDER BY list.
const claimOrder = "CASE WHEN status = 'retry' THEN 0 ELSE 1 END ASC, priority DESC, created_at ASC, id ASC"

// partnerHeads renders an id predicate matching the first n rows of each
// partner among the rows preds select.
func partnerHeads(preds []predicate, n int) (string, []any) {
	clauses := make([]string, 0, len(preds))
	var args []any
	for _, p := range preds {
		clauses = append(clauses, "("+p.clause+")")
		args = append(args, p.args...)
	}
	args = append(args, n)
	return `id IN (SELECT id FROM (
		SELECT id, ROW_NUMBER() OVER (PARTITION BY partner_id ORDER BY ` + claimOrder + `) AS partner_rank
		FROM batch_jobs WHERE ` + strings.Join(clauses, " AND ") + `
	) WHERE partner_rank <= ?)`, args
}

// CountLocks counts lock rows matching cq.
func (s *Store) CountLocks(ctx context.Context, cq job.CountQuery) (int64, error) {
	q := s.sdb.NewSelect((*jobModel)(nil)).
		Where("type = ?", string(cq.Type))
	if len(cq.Statuses) > 0 {
		q = q.Where(inList("status", len(cq.Statuses)), statusArgs(cq.Statuses)...)
	}
	if !cq.LiveAt.IsZero() {
		q = q.Where("lease_expires_at > ?", toNanos(cq.LiveAt))
	}
	if cq.AttemptsBelow > 0 {
		q = q.Where("execution_attempts < ?", cq.AttemptsBelow)
	}
	for _, p := range filterPredicates(cq.Filter) {
		q = q.Where(p.clause, p.args...)
	}

	count, err := q.Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("batch/sqlite: count locks: %w", err)
	}
	return count, nil
}

// AcquireLease atomically leases an eligible job. SQLite serializes
// writers, so the conditional UPDATE ... RETURNING is the whole claim.
func (s *Store) AcquireLease(ctx context.Context, jobID id.JobID, from []job.Status, lease job.Lease, now time.Time) (*job.Job, error) {
	nowN := toNanos(now)
	args := []any{
		lease.Key.SchedulerID, lease.Key.WorkerID, lease.Key.BatchIndex,
		toNanos(lease.ExpiresAt), nowN, jobID.String(),
	}
	args = append(args, statusArgs(from)...)
	args = append(args, nowN)

	query := `
		UPDATE batch_jobs SET
			status = 'processing',
			lease_scheduler_id = ?, lease_worker_id = ?, lease_batch_index = ?,
			lease_expires_at = ?,
			execution_attempts = execution_attempts + 1,
			updated_at = ?
		WHERE id = ?
		  AND lease_expires_at IS NULL
		  AND ` + inList("status", len(from)) + `
		  AND run_at <= ?
		RETURNING *`

	var models []jobModel
	if err := s.sdb.NewRaw(query, args...).Scan(ctx, &models); err != nil {
		return nil, fmt.Errorf("batch/sqlite: acquire lease: %w", err)
	}
	if len(models) == 0 {
		return nil, batch.ErrLeaseLost
	}
	return fromJobModel(&models[0])
}

// UpdateLeased persists j's mutable fields while held is the live holder.
func (s *Store) UpdateLeased(ctx context.Context, j *job.Job, held job.LockKey, now time.Time) error {
	m := toJobModel(j)
	nowN := toNanos(now)

	res, err := s.sdb.NewUpdate((*jobModel)(nil)).
		Set("status = ?", m.Status).
		Set("payload = ?", m.Payload).
		Set("message = ?", m.Message).
		Set("priority = ?", m.Priority).
		Set("object_id = ?", m.ObjectID).
		Set("execution_attempts = ?", m.ExecutionAttempts).
		Set("run_at = ?", m.RunAt).
		Set("lease_scheduler_id = ?", m.LeaseSchedulerID).
		Set("lease_worker_id = ?", m.LeaseWorkerID).
		Set("lease_batch_index = ?", m.LeaseBatchIndex).
		Set("lease_expires_at = ?", m.LeaseExpiresAt).
		Set("finished_at = ?", m.FinishedAt).
		Set("updated_at = ?", nowN).
		Where("id = ?", m.ID).
		Where("lease_scheduler_id = ? AND lease_worker_id = ? AND lease_batch_index = ?",
			held.SchedulerID, held.WorkerID, held.BatchIndex).
		Where("lease_expires_at > ?", nowN).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("batch/sqlite: update leased job: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows > 0 { //nolint:errcheck // driver always returns nil
		return nil
	}
	return s.missOrNotHeld(ctx, j.ID)
}

// missOrNotHeld tells a missing job apart from a lost lease after a
// conditional write matched nothing.
func (s *Store) missOrNotHeld(ctx context.Context, jobID id.JobID) error {
	n, err := s.sdb.NewSelect((*jobModel)(nil)).
		Where("id = ?", jobID.String()).
		Count(ctx)
	if err != nil {
		return fmt.Errorf("batch/sqlite: check job: %w", err)
	}
	if n == 0 {
		return batch.ErrJobNotFound
	}
	return batch.ErrLeaseNotHeld
}

// ListExpiredLeases returns rows whose lease expired at or before now,
// oldest expiry first.
func (s *Store) ListExpiredLeases(ctx context.Context, now time.Time, limit int) ([]*job.Lock, error) {
	var models []jobModel
	q := s.sdb.NewSelect(&models).
		Where("lease_expires_at IS NOT NULL").
		Where("lease_expires_at <= ?", toNanos(now)).
		OrderExpr("lease_expires_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}

	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("batch/sqlite: list expired leases: %w", err)
	}
	return lockModels(models)
}

// ExpireLease clears an expired lease still held by held.
func (s *Store) ExpireLease(ctx context.Context, jobID id.JobID, held job.LockKey, status job.Status, runAt, now time.Time) (*job.Job, error) {
	nowN := toNanos(now)
	var finishedAt *int64
	if status.IsTerminal() {
		finishedAt = &nowN
	}

	var models []jobModel
	err := s.sdb.NewRaw(`
		UPDATE batch_jobs SET
			status = ?,
			lease_scheduler_id = NULL, lease_worker_id = NULL, lease_batch_index = NULL,
			lease_expires_at = NULL,
			run_at = ?,
			finished_at = COALESCE(?, finished_at),
			updated_at = ?
		WHERE id = ?
		  AND lease_scheduler_id = ? AND lease_worker_id = ? AND lease_batch_index = ?
		  AND lease_expires_at <= ?
		RETURNING *`,
		string(status), toNanos(runAt), finishedAt, nowN,
		jobID.String(), held.SchedulerID, held.WorkerID, held.BatchIndex,
		nowN,
	).Scan(ctx, &models)
	if err != nil {
		return nil, fmt.Errorf("batch/sqlite: expire lease: %w", err)
	}
	if len(models) == 0 {
		return nil, batch.ErrLeaseLost
	}
	return fromJobModel(&models[0])
}

// AbortJob aborts a job that is not terminal while its holder equals held.
func (s *Store) AbortJob(ctx context.Context, jobID id.JobID, held *job.LockKey, message string, now time.Time) (*job.Job, error) {
	nowN := toNanos(now)
	args := []any{message, nowN, nowN, jobID.String()}
	args = append(args, statusArgs(job.TerminalStatuses)...)
	holder := "lease_expires_at IS NULL"
	if held != nil {
		holder = "lease_scheduler_id = ? AND lease_worker_id = ? AND lease_batch_index = ?"
		args = append(args, held.SchedulerID, held.WorkerID, held.BatchIndex)
	}

	var models []jobModel
	err := s.sdb.NewRaw(`
		UPDATE batch_jobs SET
			status = 'aborted',
			lease_scheduler_id = NULL, lease_worker_id = NULL, lease_batch_index = NULL,
			lease_expires_at = NULL,
			message = COALESCE(NULLIF(?, ''), message),
			finished_at = ?,
			updated_at = ?
		WHERE id = ?
		  AND NOT `+inList("status", len(job.TerminalStatuses))+`
		  AND `+holder+`
		RETURNING *`,
		args...,
	).Scan(ctx, &models)
	if err != nil {
		return nil, fmt.Errorf("batch/sqlite: abort job: %w", err)
	}
	if len(models) == 0 {
		return nil, batch.ErrLeaseLost
	}
	return fromJobModel(&models[0])
}
