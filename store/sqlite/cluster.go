package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/xraph/batch"
	"github.com/xraph/batch/cluster"
	"github.com/xraph/batch/id"
)

// RegisterWorker adds a process to the cluster registry.
// Uses ON CONFLICT to upsert if the process already exists.
func (s *Store) RegisterWorker(ctx context.Context, w *cluster.Worker) error {
	m := toWorkerModel(w)
	_, err := s.sdb.NewInsert(m).
		OnConflict("(id) DO UPDATE").
		Set("scheduler_id = EXCLUDED.scheduler_id").
		Set("hostname = EXCLUDED.hostname").
		Set("job_types = EXCLUDED.job_types").
		Set("slots = EXCLUDED.slots").
		Set("state = EXCLUDED.state").
		Set("last_seen = EXCLUDED.last_seen").
		Set("metadata = EXCLUDED.metadata").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("batch/sqlite: register worker: %w", err)
	}
	return nil
}

// DeregisterWorker removes a process from the cluster registry.
func (s *Store) DeregisterWorker(ctx context.Context, workerID id.WorkerID) error {
	res, err := s.sdb.NewDelete((*workerModel)(nil)).
		Where("id = ?", workerID.String()).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("batch/sqlite: deregister worker: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 { //nolint:errcheck // driver always returns nil
		return batch.ErrWorkerNotFound
	}
	return nil
}

// HeartbeatWorker updates the last-seen timestamp for a process.
func (s *Store) HeartbeatWorker(ctx context.Context, workerID id.WorkerID) error {
	res, err := s.sdb.NewUpdate((*workerModel)(nil)).
		Set("last_seen = ?", toNanos(time.Now())).
		Where("id = ?", workerID.String()).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("batch/sqlite: heartbeat worker: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 { //nolint:errcheck // driver always returns nil
		return batch.ErrWorkerNotFound
	}
	return nil
}

// ListWorkers returns all registered processes.
func (s *Store) ListWorkers(ctx context.Context) ([]*cluster.Worker, error) {
	var models []workerModel
	err := s.sdb.NewSelect(&models).
		OrderExpr("created_at ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("batch/sqlite: list workers: %w", err)
	}
	return fromWorkerModels(models)
}

// ReapDeadWorkers returns processes whose last-seen timestamp is older
// than the given threshold.
func (s *Store) ReapDeadWorkers(ctx context.Context, threshold time.Duration) ([]*cluster.Worker, error) {
	cutoff := time.Now().Add(-threshold)
	var models []workerModel
	err := s.sdb.NewSelect(&models).
		Where("last_seen < ?", toNanos(cutoff)).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("batch/sqlite: reap dead workers: %w", err)
	}
	return fromWorkerModels(models)
}

// AcquireLeadership attempts to become the cluster leader. Expired
// holders are cleared first; the claim itself is one conditional UPDATE
// that only matches while no other process holds live leadership.
func (s *Store) AcquireLeadership(ctx context.Context, workerID id.WorkerID, ttl time.Duration) (bool, error) {
	wID := workerID.String()
	now := time.Now()
	nowN, untilN := toNanos(now), toNanos(now.Add(ttl))

	_, err := s.sdb.NewUpdate((*workerModel)(nil)).
		Set("is_leader = ?", false).
		Set("leader_until = NULL").
		Where("is_leader = ? AND leader_until < ?", true, nowN).
		Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("batch/sqlite: clear expired leader: %w", err)
	}

	res, err := s.sdb.NewUpdate((*workerModel)(nil)).
		Set("is_leader = ?", true).
		Set("leader_until = ?", untilN).
		Where("id = ?", wID).
		Where(`NOT EXISTS (
			SELECT 1 FROM batch_workers other
			WHERE other.is_leader = 1 AND other.leader_until >= ? AND other.id <> ?
		)`, nowN, wID).
		Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("batch/sqlite: claim leadership: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 { //nolint:errcheck // driver always returns nil
		return false, nil
	}
	return true, nil
}

// RenewLeadership extends the leader's hold.
func (s *Store) RenewLeadership(ctx context.Context, workerID id.WorkerID, ttl time.Duration) (bool, error) {
	res, err := s.sdb.NewUpdate((*workerModel)(nil)).
		Set("leader_until = ?", toNanos(time.Now().Add(ttl))).
		Where("id = ? AND is_leader = ?", workerID.String(), true).
		Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("batch/sqlite: renew leadership: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 { //nolint:errcheck // driver always returns nil
		return false, nil
	}
	return true, nil
}

// GetLeader returns the current cluster leader, or nil if there is no leader.
func (s *Store) GetLeader(ctx context.Context) (*cluster.Worker, error) {
	m := new(workerModel)
	err := s.sdb.NewSelect(m).
		Where("is_leader = ? AND leader_until >= ?", true, toNanos(time.Now())).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("batch/sqlite: get leader: %w", err)
	}
	return fromWorkerModel(m)
}

func fromWorkerModels(models []workerModel) ([]*cluster.Worker, error) {
	workers := make([]*cluster.Worker, 0, len(models))
	for i := range models {
		w, err := fromWorkerModel(&models[i])
		if err != nil {
			return nil, err
		}
		workers = append(workers, w)
	}
	return workers, nil
}
