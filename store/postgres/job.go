package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/xraph/batch"
	"github.com/xraph/batch/id"
	"github.com/xraph/batch/job"
)

const jobColumns = `
	id, type, partner_id, status, parent_job_id, root_job_id, object_id,
	priority, execution_attempts, payload, message, run_at,
	lease_scheduler_id, lease_worker_id, lease_batch_index, lease_expires_at,
	finished_at, created_at, updated_at`

const lockColumns = `
	id, type, partner_id, status, priority, object_id, execution_attempts,
	lease_scheduler_id, lease_worker_id, lease_batch_index, lease_expires_at,
	run_at, created_at`

// claimOrder is job.CompareClaimOrder as an ORDER BY list.
const claimOrder = `(status = 'retry') DESC, priority DESC, created_at ASC, id ASC`

// leaseArgs flattens an optional lease into its four nullable columns.
func leaseArgs(l *job.Lease) (sched, worker, idx *int, expires *time.Time) {
	if l == nil {
		return nil, nil, nil, nil
	}
	s, w, b, e := l.Key.SchedulerID, l.Key.WorkerID, l.Key.BatchIndex, l.ExpiresAt
	return &s, &w, &b, &e
}

func leaseFrom(sched, worker, idx *int, expires *time.Time) *job.Lease {
	if expires == nil {
		return nil
	}
	l := &job.Lease{ExpiresAt: expires.UTC()}
	if sched != nil {
		l.Key.SchedulerID = *sched
	}
	if worker != nil {
		l.Key.WorkerID = *worker
	}
	if idx != nil {
		l.Key.BatchIndex = *idx
	}
	return l
}

// CreateJob persists a new job.
func (s *Store) CreateJob(ctx context.Context, j *job.Job) error {
	sched, worker, idx, expires := leaseArgs(j.Lease)
	_, err := s.pool.Exec(ctx, `
		INSERT INTO batch_jobs (`+jobColumns+`
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8, $9, $10, $11, $12,
			$13, $14, $15, $16,
			$17, $18, $19
		)`,
		j.ID.String(), string(j.Type), j.PartnerID, string(j.Status),
		nullableID(j.ParentJobID), nullableID(j.RootJobID), j.ObjectID,
		j.Priority, j.ExecutionAttempts, j.Payload, j.Message, j.RunAt,
		sched, worker, idx, expires,
		j.FinishedAt, j.CreatedAt, j.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return batch.ErrJobAlreadyExists
		}
		return fmt.Errorf("batch/postgres: create job: %w", err)
	}
	return nil
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM batch_jobs WHERE id = $1`,
		jobID.String(),
	)

	j, err := scanJob(row)
	if err != nil {
		if isNoRows(err) {
			return nil, batch.ErrJobNotFound
		}
		return nil, fmt.Errorf("batch/postgres: get job: %w", err)
	}
	return j, nil
}

// ListJobs returns jobs matching opts in creation order.
func (s *Store) ListJobs(ctx context.Context, opts job.ListOpts) ([]*job.Job, error) {
	var w where
	if opts.Type != "" {
		w.and("type = " + w.arg(string(opts.Type)))
	}
	if opts.Status != "" {
		w.and("status = " + w.arg(string(opts.Status)))
	}
	if opts.PartnerID != 0 {
		w.and("partner_id = " + w.arg(opts.PartnerID))
	}
	if !opts.ParentJobID.IsNil() {
		w.and("parent_job_id = " + w.arg(opts.ParentJobID.String()))
	}
	if !opts.RootJobID.IsNil() {
		w.and("root_job_id = " + w.arg(opts.RootJobID.String()))
	}

	query := `SELECT ` + jobColumns + ` FROM batch_jobs` + w.String() + ` ORDER BY created_at ASC, id ASC`
	if opts.Limit > 0 {
		query += " LIMIT " + w.arg(opts.Limit)
	}
	if opts.Offset > 0 {
		query += " OFFSET " + w.arg(opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, w.args...)
	if err != nil {
		return nil, fmt.Errorf("batch/postgres: list jobs: %w", err)
	}
	defer rows.Close()

	return collectJobs(rows)
}

// ListLocks returns unleased candidate rows in claim order.
func (s *Store) ListLocks(ctx context.Context, q job.LockQuery) ([]*job.Lock, error) {
	var w where
	w.and("type = " + w.arg(string(q.Type)))
	w.and("lease_expires_at IS NULL")
	w.and("status = ANY(" + w.arg(statusStrings(q.Statuses)) + ")")
	w.and("run_at <= " + w.arg(q.Now))
	w.filter(q.Filter)

	query := `SELECT ` + lockColumns + ` FROM batch_jobs` + w.String()
	if q.PerPartner > 0 {
		where := w.String()
		query = `SELECT ` + lockColumns + ` FROM (
			SELECT ` + lockColumns + `,
				ROW_NUMBER() OVER (PARTITION BY partner_id ORDER BY ` + claimOrder + `) AS partner_rank
			FROM batch_jobs` + where + `
		) heads WHERE partner_rank <= ` + w.arg(q.PerPartner)
	}
	query += ` ORDER BY ` + claimOrder
	if q.Limit > 0 {
		query += " LIMIT " + w.arg(q.Limit)
	}

	rows, err := s.pool.Query(ctx, query, w.args...)
	if err != nil {
		return nil, fmt.Errorf("batch/postgres: list locks: %w", err)
	}
	defer rows.Close()

	return collectLocks(rows)
}

// CountLocks counts lock rows matching q.
func (s *Store) CountLocks(ctx context.Context, q job.CountQuery) (int64, error) {
	var w where
	w.and("type = " + w.arg(string(q.Type)))
	if len(q.Statuses) > 0 {
		w.and("status = ANY(" + w.arg(statusStrings(q.Statuses)) + ")")
	}
	if !q.LiveAt.IsZero() {
		w.and("lease_expires_at > " + w.arg(q.LiveAt))
	}
	if q.AttemptsBelow > 0 {
		w.and("execution_attempts < " + w.arg(q.AttemptsBelow))
	}
	w.filter(q.Filter)

	var n int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM batch_jobs`+w.String(), w.args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("batch/postgres: count locks: %w", err)
	}
	return n, nil
}

// AcquireLease atomically leases an eligible job. The conditional UPDATE
// matches only while the row is unleased and in one of the from statuses.
func (s *Store) AcquireLease(ctx context.Context, jobID id.JobID, from []job.Status, lease job.Lease, now time.Time) (*job.Job, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE batch_jobs SET
			status = 'processing',
			lease_scheduler_id = $3, lease_worker_id = $4, lease_batch_index = $5,
			lease_expires_at = $6,
			execution_attempts = execution_attempts + 1,
			updated_at = $7
		WHERE id = $1
		  AND lease_expires_at IS NULL
		  AND status = ANY($2)
		  AND run_at <= $7
		RETURNING `+jobColumns,
		jobID.String(), statusStrings(from),
		lease.Key.SchedulerID, lease.Key.WorkerID, lease.Key.BatchIndex,
		lease.ExpiresAt, now,
	)

	j, err := scanJob(row)
	if err != nil {
		if isNoRows(err) {
			return nil, batch.ErrLeaseLost
		}
		return nil, fmt.Errorf("batch/postgres: acquire lease: %w", err)
	}
	return j, nil
}

// UpdateLeased persists j's mutable fields while held is the live holder.
func (s *Store) UpdateLeased(ctx context.Context, j *job.Job, held job.LockKey, now time.Time) error {
	sched, worker, idx, expires := leaseArgs(j.Lease)
	tag, err := s.pool.Exec(ctx, `
		UPDATE batch_jobs SET
			status = $5, payload = $6, message = $7, priority = $8,
			object_id = $9, execution_attempts = $10, run_at = $11,
			lease_scheduler_id = $12, lease_worker_id = $13, lease_batch_index = $14,
			lease_expires_at = $15, finished_at = $16, updated_at = $17
		WHERE id = $1
		  AND lease_scheduler_id = $2 AND lease_worker_id = $3 AND lease_batch_index = $4
		  AND lease_expires_at > $17`,
		j.ID.String(), held.SchedulerID, held.WorkerID, held.BatchIndex,
		string(j.Status), j.Payload, j.Message, j.Priority,
		j.ObjectID, j.ExecutionAttempts, j.RunAt,
		sched, worker, idx,
		expires, j.FinishedAt, now,
	)
	if err != nil {
		return fmt.Errorf("batch/postgres: update leased job: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	return s.missOrNotHeld(ctx, j.ID)
}

// missOrNotHeld tells a missing job apart from a lost lease after a
// conditional write matched nothing.
func (s *Store) missOrNotHeld(ctx context.Context, jobID id.JobID) error {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM batch_jobs WHERE id = $1)`,
		jobID.String(),
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("batch/postgres: check job: %w", err)
	}
	if !exists {
		return batch.ErrJobNotFound
	}
	return batch.ErrLeaseNotHeld
}

// ListExpiredLeases returns rows whose lease expired at or before now,
// oldest expiry first.
func (s *Store) ListExpiredLeases(ctx context.Context, now time.Time, limit int) ([]*job.Lock, error) {
	query := `SELECT ` + lockColumns + ` FROM batch_jobs
		WHERE lease_expires_at IS NOT NULL AND lease_expires_at <= $1
		ORDER BY lease_expires_at ASC`
	args := []any{now}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("batch/postgres: list expired leases: %w", err)
	}
	defer rows.Close()

	return collectLocks(rows)
}

// ExpireLease clears an expired lease still held by held.
func (s *Store) ExpireLease(ctx context.Context, jobID id.JobID, held job.LockKey, status job.Status, runAt, now time.Time) (*job.Job, error) {
	var finishedAt *time.Time
	if status.IsTerminal() {
		finishedAt = &now
	}

	row := s.pool.QueryRow(ctx, `
		UPDATE batch_jobs SET
			status = $5,
			lease_scheduler_id = NULL, lease_worker_id = NULL, lease_batch_index = NULL,
			lease_expires_at = NULL,
			run_at = $6,
			finished_at = COALESCE($7, finished_at),
			updated_at = $8
		WHERE id = $1
		  AND lease_scheduler_id = $2 AND lease_worker_id = $3 AND lease_batch_index = $4
		  AND lease_expires_at <= $8
		RETURNING `+jobColumns,
		jobID.String(), held.SchedulerID, held.WorkerID, held.BatchIndex,
		string(status), runAt, finishedAt, now,
	)

	j, err := scanJob(row)
	if err != nil {
		if isNoRows(err) {
			return nil, batch.ErrLeaseLost
		}
		return nil, fmt.Errorf("batch/postgres: expire lease: %w", err)
	}
	return j, nil
}

// AbortJob aborts a job that is not terminal while its holder equals held.
func (s *Store) AbortJob(ctx context.Context, jobID id.JobID, held *job.LockKey, message string, now time.Time) (*job.Job, error) {
	var w where
	nowArg := w.arg(now)
	msgArg := w.arg(message)
	w.and("id = " + w.arg(jobID.String()))
	w.and("NOT (status = ANY(" + w.arg(statusStrings(job.TerminalStatuses)) + "))")
	if held == nil {
		w.and("lease_expires_at IS NULL")
	} else {
		w.and("lease_scheduler_id = " + w.arg(held.SchedulerID))
		w.and("lease_worker_id = " + w.arg(held.WorkerID))
		w.and("lease_batch_index = " + w.arg(held.BatchIndex))
	}

	row := s.pool.QueryRow(ctx, `
		UPDATE batch_jobs SET
			status = 'aborted',
			lease_scheduler_id = NULL, lease_worker_id = NULL, lease_batch_index = NULL,
			lease_expires_at = NULL,
			message = COALESCE(NULLIF(`+msgArg+`::text, ''), message),
			finished_at = `+nowArg+`,
			updated_at = `+nowArg+w.String()+`
		RETURNING `+jobColumns,
		w.args...,
	)

	j, err := scanJob(row)
	if err != nil {
		if isNoRows(err) {
			return nil, batch.ErrLeaseLost
		}
		return nil, fmt.Errorf("batch/postgres: abort job: %w", err)
	}
	return j, nil
}

// ── scanning ─────────────────────────────────────────────────────

// scanJob scans a single row selected with jobColumns.
func scanJob(row pgx.Row) (*job.Job, error) {
	var (
		j                  job.Job
		idStr, typ, status string
		parent, root       *string
		sched, worker, idx *int
		expires, finished  *time.Time
	)
	err := row.Scan(
		&idStr, &typ, &j.PartnerID, &status, &parent, &root, &j.ObjectID,
		&j.Priority, &j.ExecutionAttempts, &j.Payload, &j.Message, &j.RunAt,
		&sched, &worker, &idx, &expires,
		&finished, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	parsedID, err := id.ParseJobID(idStr)
	if err != nil {
		return nil, fmt.Errorf("batch/postgres: parse job id %q: %w", idStr, err)
	}
	j.ID = parsedID
	if j.ParentJobID, err = parseNullableID(parent); err != nil {
		return nil, fmt.Errorf("batch/postgres: parse parent id: %w", err)
	}
	if j.RootJobID, err = parseNullableID(root); err != nil {
		return nil, fmt.Errorf("batch/postgres: parse root id: %w", err)
	}

	j.Type = job.Type(typ)
	j.Status = job.Status(status)
	j.RunAt = j.RunAt.UTC()
	j.CreatedAt = j.CreatedAt.UTC()
	j.UpdatedAt = j.UpdatedAt.UTC()
	j.Lease = leaseFrom(sched, worker, idx, expires)
	if finished != nil {
		f := finished.UTC()
		j.FinishedAt = &f
	}
	return &j, nil
}

// scanLock scans a single row selected with lockColumns.
func scanLock(row pgx.Row) (*job.Lock, error) {
	var (
		l                  job.Lock
		idStr, typ, status string
		sched, worker, idx *int
		expires            *time.Time
	)
	err := row.Scan(
		&idStr, &typ, &l.PartnerID, &status, &l.Priority, &l.ObjectID, &l.ExecutionAttempts,
		&sched, &worker, &idx, &expires,
		&l.RunAt, &l.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	parsedID, err := id.ParseJobID(idStr)
	if err != nil {
		return nil, fmt.Errorf("batch/postgres: parse job id %q: %w", idStr, err)
	}
	l.JobID = parsedID
	l.Type = job.Type(typ)
	l.Status = job.Status(status)
	l.RunAt = l.RunAt.UTC()
	l.CreatedAt = l.CreatedAt.UTC()
	l.Lease = leaseFrom(sched, worker, idx, expires)
	return &l, nil
}

func collectJobs(rows pgx.Rows) ([]*job.Job, error) {
	var jobs []*job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("batch/postgres: scan job row: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("batch/postgres: iterate job rows: %w", err)
	}
	return jobs, nil
}

func collectLocks(rows pgx.Rows) ([]*job.Lock, error) {
	var locks []*job.Lock
	for rows.Next() {
		l, err := scanLock(rows)
		if err != nil {
			return nil, fmt.Errorf("batch/postgres: scan lock row: %w", err)
		}
		locks = append(locks, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("batch/postgres: iterate lock rows: %w", err)
	}
	return locks, nil
}
