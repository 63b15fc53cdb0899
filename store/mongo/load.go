package mongo

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongod "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/xraph/batch/job"
	"github.com/xraph/batch/load"
)

// AggregateLeaseLoads counts live leases per partner and job type.
func (s *Store) AggregateLeaseLoads(ctx context.Context, now time.Time) ([]*load.PartnerLoad, error) {
	pipeline := mongod.Pipeline{
		{{Key: "$match", Value: bson.M{"lease.expires_at": bson.M{"$gt": now.UTC()}}}},
		{{Key: "$group", Value: bson.M{
			"_id":  bson.M{"partner_id": "$partner_id", "type": "$type"},
			"load": bson.M{"$sum": 1},
		}}},
		{{Key: "$sort", Value: bson.D{
			{Key: "_id.type", Value: 1},
			{Key: "_id.partner_id", Value: 1},
		}}},
	}

	cursor, err := s.mdb.Collection(colJobs).Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("batch/mongo: aggregate lease loads: %w", err)
	}
	defer cursor.Close(ctx)

	var rows []leaseLoadRow
	if err := cursor.All(ctx, &rows); err != nil {
		return nil, fmt.Errorf("batch/mongo: aggregate lease loads decode: %w", err)
	}

	result := make([]*load.PartnerLoad, len(rows))
	for i, r := range rows {
		result[i] = &load.PartnerLoad{
			PartnerID: r.Key.PartnerID,
			JobType:   job.Type(r.Key.Type),
			Load:      r.Load,
		}
	}
	return result, nil
}

// ListPartnerLoads returns materialized rows, optionally for one job type.
func (s *Store) ListPartnerLoads(ctx context.Context, jobType job.Type) ([]*load.PartnerLoad, error) {
	filter := bson.M{}
	if jobType != "" {
		filter["job_type"] = string(jobType)
	}

	cursor, err := s.mdb.Collection(colPartnerLoads).Find(ctx, filter,
		options.Find().SetSort(bson.D{
			{Key: "job_type", Value: 1},
			{Key: "partner_id", Value: 1},
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("batch/mongo: list partner loads: %w", err)
	}
	defer cursor.Close(ctx)

	var models []partnerLoadModel
	if err := cursor.All(ctx, &models); err != nil {
		return nil, fmt.Errorf("batch/mongo: list partner loads decode: %w", err)
	}

	result := make([]*load.PartnerLoad, len(models))
	for i := range models {
		result[i] = fromPartnerLoadModel(&models[i])
	}
	return result, nil
}

// UpsertPartnerLoad inserts or replaces a ledger row.
func (s *Store) UpsertPartnerLoad(ctx context.Context, pl *load.PartnerLoad) error {
	_, err := s.mdb.Collection(colPartnerLoads).UpdateOne(ctx,
		bson.M{"partner_id": pl.PartnerID, "job_type": string(pl.JobType)},
		bson.M{"$set": bson.M{
			"load":          pl.Load,
			"weighted_load": pl.WeightedLoad,
			"updated_at":    pl.UpdatedAt.UTC(),
		}},
		options.UpdateOne().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("batch/mongo: upsert partner load: %w", err)
	}
	return nil
}

// DeletePartnerLoad removes a ledger row.
func (s *Store) DeletePartnerLoad(ctx context.Context, partnerID int64, jobType job.Type) error {
	_, err := s.mdb.Collection(colPartnerLoads).DeleteOne(ctx,
		bson.M{"partner_id": partnerID, "job_type": string(jobType)},
	)
	if err != nil {
		return fmt.Errorf("batch/mongo: delete partner load: %w", err)
	}
	return nil
}
