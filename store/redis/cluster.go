package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/batch"
	"github.com/xraph/batch/cluster"
	"github.com/xraph/batch/id"
)

// RegisterWorker adds or replaces a process in the cluster registry.
func (s *Store) RegisterWorker(ctx context.Context, w *cluster.Worker) error {
	wID := w.ID.String()
	key := s.keys.worker(wID)

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, key)
	pipe.HSet(ctx, key, workerToMap(w))
	pipe.ZAdd(ctx, s.keys.workers(), goredis.Z{Score: score(w.CreatedAt), Member: wID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("batch/redis: register worker: %w", err)
	}
	return nil
}

// DeregisterWorker removes a process from the cluster registry and
// releases leadership if it held it.
func (s *Store) DeregisterWorker(ctx context.Context, workerID id.WorkerID) error {
	wID := workerID.String()
	key := s.keys.worker(wID)

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("batch/redis: deregister exists: %w", err)
	}
	if exists == 0 {
		return batch.ErrWorkerNotFound
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, key)
	pipe.ZRem(ctx, s.keys.workers(), wID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("batch/redis: deregister worker: %w", err)
	}

	if err := releaseScript.Run(ctx, s.client, []string{s.keys.leader()}, wID).Err(); err != nil {
		return fmt.Errorf("batch/redis: release leadership: %w", err)
	}
	return nil
}

// HeartbeatWorker updates the last-seen timestamp for a process.
func (s *Store) HeartbeatWorker(ctx context.Context, workerID id.WorkerID) error {
	key := s.keys.worker(workerID.String())
	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("batch/redis: heartbeat exists: %w", err)
	}
	if exists == 0 {
		return batch.ErrWorkerNotFound
	}

	if err := s.client.HSet(ctx, key, "last_seen", micros(time.Now())).Err(); err != nil {
		return fmt.Errorf("batch/redis: heartbeat worker: %w", err)
	}
	return nil
}

func (s *Store) loadWorkers(ctx context.Context) ([]*cluster.Worker, error) {
	ids, err := s.client.ZRange(ctx, s.keys.workers(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("batch/redis: list workers: %w", err)
	}

	workers := make([]*cluster.Worker, 0, len(ids))
	for _, wID := range ids {
		vals, getErr := s.client.HGetAll(ctx, s.keys.worker(wID)).Result()
		if getErr != nil || len(vals) == 0 {
			continue
		}
		w, convErr := mapToWorker(vals)
		if convErr != nil {
			continue
		}
		workers = append(workers, w)
	}
	return workers, nil
}

// ListWorkers returns all registered processes in registration order.
func (s *Store) ListWorkers(ctx context.Context) ([]*cluster.Worker, error) {
	return s.loadWorkers(ctx)
}

// ReapDeadWorkers returns processes whose last-seen timestamp is older
// than the threshold.
func (s *Store) ReapDeadWorkers(ctx context.Context, threshold time.Duration) ([]*cluster.Worker, error) {
	cutoff := time.Now().UTC().Add(-threshold)

	workers, err := s.loadWorkers(ctx)
	if err != nil {
		return nil, err
	}

	var dead []*cluster.Worker
	for _, w := range workers {
		if w.LastSeen.Before(cutoff) {
			dead = append(dead, w)
		}
	}
	return dead, nil
}

// AcquireLeadership attempts to become the cluster leader. The leader key
// carries the TTL, so an expired hold frees itself.
func (s *Store) AcquireLeadership(ctx context.Context, workerID id.WorkerID, ttl time.Duration) (bool, error) {
	wID := workerID.String()

	exists, err := s.client.Exists(ctx, s.keys.worker(wID)).Result()
	if err != nil {
		return false, fmt.Errorf("batch/redis: acquire leadership exists: %w", err)
	}
	if exists == 0 {
		return false, batch.ErrWorkerNotFound
	}

	ok, err := s.client.SetNX(ctx, s.keys.leader(), wID, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("batch/redis: acquire leadership setnx: %w", err)
	}
	if ok {
		s.markLeader(ctx, wID, ttl)
		return true, nil
	}

	// Already held; only the current holder may extend it.
	return s.RenewLeadership(ctx, workerID, ttl)
}

// RenewLeadership extends the leader's hold.
func (s *Store) RenewLeadership(ctx context.Context, workerID id.WorkerID, ttl time.Duration) (bool, error) {
	wID := workerID.String()

	n, err := renewScript.Run(ctx, s.client, []string{s.keys.leader()}, wID, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("batch/redis: renew leadership: %w", err)
	}
	if n == 0 {
		return false, nil
	}
	s.markLeader(ctx, wID, ttl)
	return true, nil
}

// markLeader mirrors the hold onto the worker hash for listings.
func (s *Store) markLeader(ctx context.Context, wID string, ttl time.Duration) {
	until := time.Now().UTC().Add(ttl)
	if err := s.client.HSet(ctx, s.keys.worker(wID),
		"is_leader", "1",
		"leader_until", micros(until),
	).Err(); err != nil {
		s.logger.Warn("failed to update leader fields", "error", err)
	}
}

// GetLeader returns the current cluster leader, or nil if there is no leader.
func (s *Store) GetLeader(ctx context.Context) (*cluster.Worker, error) {
	wID, err := s.client.Get(ctx, s.keys.leader()).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("batch/redis: get leader: %w", err)
	}

	vals, err := s.client.HGetAll(ctx, s.keys.worker(wID)).Result()
	if err != nil {
		return nil, fmt.Errorf("batch/redis: get leader worker: %w", err)
	}
	if len(vals) == 0 {
		return nil, nil
	}
	return mapToWorker(vals)
}
