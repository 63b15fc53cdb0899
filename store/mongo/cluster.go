package mongo

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/xraph/batch"
	"github.com/xraph/batch/cluster"
	"github.com/xraph/batch/id"
)

// RegisterWorker adds or replaces a process in the cluster registry.
// Uses upsert to handle re-registration.
func (s *Store) RegisterWorker(ctx context.Context, w *cluster.Worker) error {
	m := toWorkerModel(w)
	col := s.mdb.Collection(colWorkers)

	_, err := col.UpdateOne(ctx,
		bson.M{"_id": m.ID},
		bson.M{"$set": bson.M{
			"scheduler_id": m.SchedulerID,
			"hostname":     m.Hostname,
			"job_types":    m.JobTypes,
			"slots":        m.Slots,
			"state":        m.State,
			"last_seen":    m.LastSeen,
			"metadata":     m.Metadata,
		}, "$setOnInsert": bson.M{
			"is_leader":  false,
			"created_at": m.CreatedAt,
		}},
		options.UpdateOne().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("batch/mongo: register worker: %w", err)
	}
	return nil
}

// DeregisterWorker removes a process from the cluster registry and
// releases leadership if it held it.
func (s *Store) DeregisterWorker(ctx context.Context, workerID id.WorkerID) error {
	wID := workerID.String()
	res, err := s.mdb.Collection(colWorkers).DeleteOne(ctx, bson.M{"_id": wID})
	if err != nil {
		return fmt.Errorf("batch/mongo: deregister worker: %w", err)
	}
	if res.DeletedCount == 0 {
		return batch.ErrWorkerNotFound
	}

	if _, err := s.mdb.Collection(colLeader).DeleteOne(ctx,
		bson.M{"_id": leaderDocID, "holder": wID},
	); err != nil {
		return fmt.Errorf("batch/mongo: release leadership: %w", err)
	}
	return nil
}

// HeartbeatWorker updates the last-seen timestamp for a process.
func (s *Store) HeartbeatWorker(ctx context.Context, workerID id.WorkerID) error {
	res, err := s.mdb.Collection(colWorkers).UpdateOne(ctx,
		bson.M{"_id": workerID.String()},
		bson.M{"$set": bson.M{"last_seen": now()}},
	)
	if err != nil {
		return fmt.Errorf("batch/mongo: heartbeat worker: %w", err)
	}
	if res.MatchedCount == 0 {
		return batch.ErrWorkerNotFound
	}
	return nil
}

func (s *Store) findWorkers(ctx context.Context, filter bson.M) ([]*cluster.Worker, error) {
	cursor, err := s.mdb.Collection(colWorkers).Find(ctx, filter,
		options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}),
	)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var models []workerModel
	if err := cursor.All(ctx, &models); err != nil {
		return nil, err
	}
	return fromWorkerModels(models)
}

// ListWorkers returns all registered processes.
func (s *Store) ListWorkers(ctx context.Context) ([]*cluster.Worker, error) {
	workers, err := s.findWorkers(ctx, bson.M{})
	if err != nil {
		return nil, fmt.Errorf("batch/mongo: list workers: %w", err)
	}
	return workers, nil
}

// ReapDeadWorkers returns processes whose last-seen timestamp is older
// than the given threshold.
func (s *Store) ReapDeadWorkers(ctx context.Context, threshold time.Duration) ([]*cluster.Worker, error) {
	cutoff := now().Add(-threshold)
	workers, err := s.findWorkers(ctx, bson.M{"last_seen": bson.M{"$lt": cutoff}})
	if err != nil {
		return nil, fmt.Errorf("batch/mongo: reap dead workers: %w", err)
	}
	return workers, nil
}

// AcquireLeadership attempts to become the cluster leader. A single
// leader document is upserted only when vacant, expired, or already ours;
// a live foreign holder turns the upsert into a duplicate key error.
func (s *Store) AcquireLeadership(ctx context.Context, workerID id.WorkerID, ttl time.Duration) (bool, error) {
	wID := workerID.String()
	t := now()
	until := t.Add(ttl)

	n, err := s.mdb.Collection(colWorkers).CountDocuments(ctx, bson.M{"_id": wID})
	if err != nil {
		return false, fmt.Errorf("batch/mongo: check worker: %w", err)
	}
	if n == 0 {
		return false, nil
	}

	_, err = s.mdb.Collection(colLeader).UpdateOne(ctx,
		bson.M{
			"_id": leaderDocID,
			"$or": bson.A{
				bson.M{"holder": wID},
				bson.M{"until": bson.M{"$lt": t}},
			},
		},
		bson.M{"$set": bson.M{"holder": wID, "until": until}},
		options.UpdateOne().SetUpsert(true),
	)
	if err != nil {
		if isDuplicateKey(err) {
			return false, nil
		}
		return false, fmt.Errorf("batch/mongo: claim leadership: %w", err)
	}

	if err := s.markLeader(ctx, wID, until); err != nil {
		return false, err
	}
	return true, nil
}

// markLeader mirrors the hold onto the worker documents for listings.
func (s *Store) markLeader(ctx context.Context, wID string, until time.Time) error {
	col := s.mdb.Collection(colWorkers)
	if _, err := col.UpdateMany(ctx,
		bson.M{"is_leader": true, "_id": bson.M{"$ne": wID}},
		bson.M{"$set": bson.M{"is_leader": false}, "$unset": bson.M{"leader_until": ""}},
	); err != nil {
		return fmt.Errorf("batch/mongo: clear previous leader: %w", err)
	}
	if _, err := col.UpdateOne(ctx,
		bson.M{"_id": wID},
		bson.M{"$set": bson.M{"is_leader": true, "leader_until": until}},
	); err != nil {
		return fmt.Errorf("batch/mongo: mark leader: %w", err)
	}
	return nil
}

// RenewLeadership extends the leader's hold.
func (s *Store) RenewLeadership(ctx context.Context, workerID id.WorkerID, ttl time.Duration) (bool, error) {
	wID := workerID.String()
	until := now().Add(ttl)

	res, err := s.mdb.Collection(colLeader).UpdateOne(ctx,
		bson.M{"_id": leaderDocID, "holder": wID},
		bson.M{"$set": bson.M{"until": until}},
	)
	if err != nil {
		return false, fmt.Errorf("batch/mongo: renew leadership: %w", err)
	}
	if res.MatchedCount == 0 {
		return false, nil
	}
	if err := s.markLeader(ctx, wID, until); err != nil {
		return false, err
	}
	return true, nil
}

// GetLeader returns the current cluster leader, or nil if there is no leader.
func (s *Store) GetLeader(ctx context.Context) (*cluster.Worker, error) {
	var lead leaderModel
	err := s.mdb.Collection(colLeader).FindOne(ctx, bson.M{
		"_id":   leaderDocID,
		"until": bson.M{"$gte": now()},
	}).Decode(&lead)
	if err != nil {
		if isNoDocuments(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("batch/mongo: get leader: %w", err)
	}

	var m workerModel
	err = s.mdb.Collection(colWorkers).FindOne(ctx, bson.M{"_id": lead.Holder}).Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("batch/mongo: get leader worker: %w", err)
	}
	return fromWorkerModel(&m)
}
