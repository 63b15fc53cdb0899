package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/xraph/batch"
	"github.com/xraph/batch/cluster"
	"github.com/xraph/batch/id"
)

// leaderLockKey is the advisory lock that serializes leadership changes.
const leaderLockKey int64 = 0x62617463686c6472 // "batchldr"

const workerColumns = `
	id, scheduler_id, hostname, job_types, slots, state,
	is_leader, leader_until, last_seen, metadata, created_at`

// RegisterWorker adds or replaces a process in the registry.
func (s *Store) RegisterWorker(ctx context.Context, w *cluster.Worker) error {
	jobTypes := w.JobTypes
	if jobTypes == nil {
		jobTypes = []string{}
	}
	metadata := w.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO batch_workers (`+workerColumns+`
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			scheduler_id = EXCLUDED.scheduler_id,
			hostname = EXCLUDED.hostname,
			job_types = EXCLUDED.job_types,
			slots = EXCLUDED.slots,
			state = EXCLUDED.state,
			last_seen = EXCLUDED.last_seen,
			metadata = EXCLUDED.metadata`,
		w.ID.String(), w.SchedulerID, w.Hostname, jobTypes, w.Slots,
		string(w.State), w.IsLeader, w.LeaderUntil,
		w.LastSeen, metadata, w.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("batch/postgres: register worker: %w", err)
	}
	return nil
}

// DeregisterWorker removes a process from the registry.
func (s *Store) DeregisterWorker(ctx context.Context, workerID id.WorkerID) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM batch_workers WHERE id = $1`,
		workerID.String(),
	)
	if err != nil {
		return fmt.Errorf("batch/postgres: deregister worker: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return batch.ErrWorkerNotFound
	}
	return nil
}

// HeartbeatWorker updates the last-seen timestamp for a process.
func (s *Store) HeartbeatWorker(ctx context.Context, workerID id.WorkerID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE batch_workers SET last_seen = NOW() WHERE id = $1`,
		workerID.String(),
	)
	if err != nil {
		return fmt.Errorf("batch/postgres: heartbeat worker: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return batch.ErrWorkerNotFound
	}
	return nil
}

// ListWorkers returns all registered processes.
func (s *Store) ListWorkers(ctx context.Context) ([]*cluster.Worker, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+workerColumns+` FROM batch_workers ORDER BY created_at ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("batch/postgres: list workers: %w", err)
	}
	defer rows.Close()

	return collectWorkers(rows)
}

// ReapDeadWorkers returns processes whose last heartbeat is older than
// threshold.
func (s *Store) ReapDeadWorkers(ctx context.Context, threshold time.Duration) ([]*cluster.Worker, error) {
	cutoff := time.Now().UTC().Add(-threshold)
	rows, err := s.pool.Query(ctx,
		`SELECT `+workerColumns+` FROM batch_workers WHERE last_seen < $1`,
		cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("batch/postgres: reap dead workers: %w", err)
	}
	defer rows.Close()

	return collectWorkers(rows)
}

// AcquireLeadership attempts to become the cluster leader. The clear,
// check, and claim steps run in one transaction holding an advisory lock,
// so two processes never both observe a vacant seat.
func (s *Store) AcquireLeadership(ctx context.Context, workerID id.WorkerID, ttl time.Duration) (bool, error) {
	wID := workerID.String()
	until := time.Now().UTC().Add(ttl)
	acquired := false

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, leaderLockKey); err != nil {
			return fmt.Errorf("lock: %w", err)
		}

		if _, err := tx.Exec(ctx, `
			UPDATE batch_workers
			SET is_leader = FALSE, leader_until = NULL
			WHERE is_leader = TRUE AND leader_until < NOW()`,
		); err != nil {
			return fmt.Errorf("clear expired leader: %w", err)
		}

		var activeLeaderID string
		err := tx.QueryRow(ctx, `
			SELECT id FROM batch_workers
			WHERE is_leader = TRUE AND leader_until >= NOW()
			LIMIT 1`,
		).Scan(&activeLeaderID)
		if err != nil && !isNoRows(err) {
			return fmt.Errorf("check leader: %w", err)
		}
		if err == nil && activeLeaderID != wID {
			return nil
		}

		tag, err := tx.Exec(ctx, `
			UPDATE batch_workers
			SET is_leader = TRUE, leader_until = $2
			WHERE id = $1`,
			wID, until,
		)
		if err != nil {
			return fmt.Errorf("claim leadership: %w", err)
		}
		acquired = tag.RowsAffected() > 0
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("batch/postgres: acquire leadership: %w", err)
	}
	return acquired, nil
}

// RenewLeadership extends the leader's hold.
func (s *Store) RenewLeadership(ctx context.Context, workerID id.WorkerID, ttl time.Duration) (bool, error) {
	until := time.Now().UTC().Add(ttl)

	tag, err := s.pool.Exec(ctx, `
		UPDATE batch_workers
		SET leader_until = $2
		WHERE id = $1 AND is_leader = TRUE`,
		workerID.String(), until,
	)
	if err != nil {
		return false, fmt.Errorf("batch/postgres: renew leadership: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// GetLeader returns the current cluster leader, or nil if there is no leader.
func (s *Store) GetLeader(ctx context.Context) (*cluster.Worker, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+workerColumns+`
		FROM batch_workers
		WHERE is_leader = TRUE AND leader_until >= NOW()
		LIMIT 1`,
	)

	w, err := scanWorker(row)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("batch/postgres: get leader: %w", err)
	}
	return w, nil
}

// scanWorker scans a single worker row.
func scanWorker(row pgx.Row) (*cluster.Worker, error) {
	var (
		w        cluster.Worker
		idStr    string
		stateStr string
	)
	err := row.Scan(
		&idStr, &w.SchedulerID, &w.Hostname, &w.JobTypes, &w.Slots, &stateStr,
		&w.IsLeader, &w.LeaderUntil, &w.LastSeen, &w.Metadata, &w.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	w.State = cluster.WorkerState(stateStr)

	parsedID, parseErr := id.ParseWorkerID(idStr)
	if parseErr != nil {
		return nil, fmt.Errorf("batch/postgres: parse worker id %q: %w", idStr, parseErr)
	}
	w.ID = parsedID

	return &w, nil
}

func collectWorkers(rows pgx.Rows) ([]*cluster.Worker, error) {
	var workers []*cluster.Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, fmt.Errorf("batch/postgres: scan worker row: %w", err)
		}
		workers = append(workers, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("batch/postgres: iterate worker rows: %w", err)
	}
	return workers, nil
}
