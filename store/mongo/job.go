package mongo

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongod "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/xraph/batch"
	"github.com/xraph/batch/id"
	"github.com/xraph/batch/job"
)

// CreateJob persists a new job.
func (s *Store) CreateJob(ctx context.Context, j *job.Job) error {
	m := toJobModel(j)
	_, err := s.mdb.NewInsert(m).Exec(ctx)
	if err != nil {
		if isDuplicateKey(err) {
			return batch.ErrJobAlreadyExists
		}
		return fmt.Errorf("batch/mongo: create job: %w", err)
	}
	return nil
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	col := s.mdb.Collection(colJobs)
	var m jobModel
	err := col.FindOne(ctx, bson.M{"_id": jobID.String()}).Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			return nil, batch.ErrJobNotFound
		}
		return nil, fmt.Errorf("batch/mongo: get job: %w", err)
	}
	return fromJobModel(&m)
}

// ListJobs returns jobs matching opts in creation order.
func (s *Store) ListJobs(ctx context.Context, opts job.ListOpts) ([]*job.Job, error) {
	filter := bson.M{}
	if opts.Type != "" {
		filter["type"] = string(opts.Type)
	}
	if opts.Status != "" {
		filter["status"] = string(opts.Status)
	}
	if opts.PartnerID != 0 {
		filter["partner_id"] = opts.PartnerID
	}
	if !opts.ParentJobID.IsNil() {
		filter["parent_job_id"] = opts.ParentJobID.String()
	}
	if !opts.RootJobID.IsNil() {
		filter["root_job_id"] = opts.RootJobID.String()
	}

	findOpts := options.Find().SetSort(bson.D{
		{Key: "created_at", Value: 1},
		{Key: "_id", Value: 1},
	})
	if opts.Limit > 0 {
		findOpts.SetLimit(int64(opts.Limit))
	}
	if opts.Offset > 0 {
		findOpts.SetSkip(int64(opts.Offset))
	}

	models, err := s.findJobs(ctx, filter, findOpts)
	if err != nil {
		return nil, fmt.Errorf("batch/mongo: list jobs: %w", err)
	}
	return fromJobModels(models)
}

func (s *Store) findJobs(ctx context.Context, filter bson.M, opts ...options.Lister[options.FindOptions]) ([]jobModel, error) {
	cursor, err := s.mdb.Collection(colJobs).Find(ctx, filter, opts...)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var models []jobModel
	if err := cursor.All(ctx, &models); err != nil {
		return nil, err
	}
	return models, nil
}

// ListLocks returns unleased candidate rows in claim order. RETRY rows
// rank first through a computed field, since a plain sort cannot
// express it.
func (s *Store) ListLocks(ctx context.Context, q job.LockQuery) ([]*job.Lock, error) {
	match := bson.M{
		"type":   string(q.Type),
		"lease":  nil,
		"status": bson.M{"$in": statusStrings(q.Statuses)},
		"run_at": bson.M{"$lte": q.Now.UTC()},
	}
	applyFilter(match, q.Filter)

	claimOrder := bson.D{
		{Key: "retry_rank", Value: 1},
		{Key: "priority", Value: -1},
		{Key: "created_at", Value: 1},
		{Key: "_id", Value: 1},
	}
	pipeline := mongod.Pipeline{
		{{Key: "$match", Value: match}},
		{{Key: "$addFields", Value: bson.M{
			"retry_rank": bson.M{"$cond": bson.A{
				bson.M{"$eq": bson.A{"$status", string(job.StatusRetry)}}, 0, 1,
			}},
		}}},
	}
	project := bson.M{"retry_rank": 0}
	if q.PerPartner > 0 {
		pipeline = append(pipeline,
			bson.D{{Key: "$setWindowFields", Value: bson.M{
				"partitionBy": "$partner_id",
				"sortBy":      claimOrder,
				"output":      bson.M{"partner_rank": bson.M{"$documentNumber": bson.M{}}},
			}}},
			bson.D{{Key: "$match", Value: bson.M{"partner_rank": bson.M{"$lte": q.PerPartner}}}},
		)
		project["partner_rank"] = 0
	}
	pipeline = append(pipeline, bson.D{{Key: "$sort", Value: claimOrder}})
	if q.Limit > 0 {
		pipeline = append(pipeline, bson.D{{Key: "$limit", Value: q.Limit}})
	}
	pipeline = append(pipeline, bson.D{{Key: "$project", Value: project}})

	cursor, err := s.mdb.Collection(colJobs).Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("batch/mongo: list locks: %w", err)
	}
	defer cursor.Close(ctx)

	var models []jobModel
	if err := cursor.All(ctx, &models); err != nil {
		return nil, fmt.Errorf("batch/mongo: list locks decode: %w", err)
	}
	return lockModels(models)
}

// CountLocks counts lock rows matching q.
func (s *Store) CountLocks(ctx context.Context, q job.CountQuery) (int64, error) {
	filter := bson.M{"type": string(q.Type)}
	if len(q.Statuses) > 0 {
		filter["status"] = bson.M{"$in": statusStrings(q.Statuses)}
	}
	if !q.LiveAt.IsZero() {
		filter["lease.expires_at"] = bson.M{"$gt": q.LiveAt.UTC()}
	}
	if q.AttemptsBelow > 0 {
		filter["execution_attempts"] = bson.M{"$lt": q.AttemptsBelow}
	}
	applyFilter(filter, q.Filter)

	count, err := s.mdb.Collection(colJobs).CountDocuments(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("batch/mongo: count locks: %w", err)
	}
	return count, nil
}

// AcquireLease atomically leases an eligible job with FindOneAndUpdate.
func (s *Store) AcquireLease(ctx context.Context, jobID id.JobID, from []job.Status, lease job.Lease, now time.Time) (*job.Job, error) {
	filter := bson.M{
		"_id":    jobID.String(),
		"lease":  nil,
		"status": bson.M{"$in": statusStrings(from)},
		"run_at": bson.M{"$lte": now.UTC()},
	}
	update := bson.M{
		"$set": bson.M{
			"status":     string(job.StatusProcessing),
			"lease":      toLeaseModel(&lease),
			"updated_at": now.UTC(),
		},
		"$inc": bson.M{"execution_attempts": 1},
	}

	var m jobModel
	err := s.mdb.Collection(colJobs).FindOneAndUpdate(ctx, filter, update,
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			return nil, batch.ErrLeaseLost
		}
		return nil, fmt.Errorf("batch/mongo: acquire lease: %w", err)
	}
	return fromJobModel(&m)
}

// heldFilter matches jobID while key holds its lease.
func heldFilter(jobID string, key job.LockKey) bson.M {
	return bson.M{
		"_id":                jobID,
		"lease.scheduler_id": key.SchedulerID,
		"lease.worker_id":    key.WorkerID,
		"lease.batch_index":  key.BatchIndex,
	}
}

// UpdateLeased persists j's mutable fields while held is the live holder.
func (s *Store) UpdateLeased(ctx context.Context, j *job.Job, held job.LockKey, now time.Time) error {
	m := toJobModel(j)
	filter := heldFilter(m.ID, held)
	filter["lease.expires_at"] = bson.M{"$gt": now.UTC()}

	set := bson.M{
		"status":             m.Status,
		"payload":            m.Payload,
		"message":            m.Message,
		"priority":           m.Priority,
		"object_id":          m.ObjectID,
		"execution_attempts": m.ExecutionAttempts,
		"run_at":             m.RunAt,
		"updated_at":         now.UTC(),
	}
	unset := bson.M{}
	if m.Lease != nil {
		set["lease"] = m.Lease
	} else {
		unset["lease"] = ""
	}
	if m.FinishedAt != nil {
		set["finished_at"] = m.FinishedAt.UTC()
	} else {
		unset["finished_at"] = ""
	}

	update := bson.M{"$set": set}
	if len(unset) > 0 {
		update["$unset"] = unset
	}

	res, err := s.mdb.Collection(colJobs).UpdateOne(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("batch/mongo: update leased job: %w", err)
	}
	if res.MatchedCount > 0 {
		return nil
	}
	return s.missOrNotHeld(ctx, j.ID)
}

// missOrNotHeld tells a missing job apart from a lost lease after a
// conditional write matched nothing.
func (s *Store) missOrNotHeld(ctx context.Context, jobID id.JobID) error {
	n, err := s.mdb.Collection(colJobs).CountDocuments(ctx, bson.M{"_id": jobID.String()})
	if err != nil {
		return fmt.Errorf("batch/mongo: check job: %w", err)
	}
	if n == 0 {
		return batch.ErrJobNotFound
	}
	return batch.ErrLeaseNotHeld
}

// ListExpiredLeases returns rows whose lease expired at or before now,
// oldest expiry first.
func (s *Store) ListExpiredLeases(ctx context.Context, now time.Time, limit int) ([]*job.Lock, error) {
	findOpts := options.Find().SetSort(bson.D{{Key: "lease.expires_at", Value: 1}})
	if limit > 0 {
		findOpts.SetLimit(int64(limit))
	}

	models, err := s.findJobs(ctx,
		bson.M{"lease.expires_at": bson.M{"$lte": now.UTC()}},
		findOpts,
	)
	if err != nil {
		return nil, fmt.Errorf("batch/mongo: list expired leases: %w", err)
	}
	return lockModels(models)
}

// ExpireLease clears an expired lease still held by held.
func (s *Store) ExpireLease(ctx context.Context, jobID id.JobID, held job.LockKey, status job.Status, runAt, now time.Time) (*job.Job, error) {
	filter := heldFilter(jobID.String(), held)
	filter["lease.expires_at"] = bson.M{"$lte": now.UTC()}

	set := bson.M{
		"status":     string(status),
		"run_at":     runAt.UTC(),
		"updated_at": now.UTC(),
	}
	if status.IsTerminal() {
		set["finished_at"] = now.UTC()
	}
	update := bson.M{
		"$set":   set,
		"$unset": bson.M{"lease": ""},
	}

	var m jobModel
	err := s.mdb.Collection(colJobs).FindOneAndUpdate(ctx, filter, update,
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			return nil, batch.ErrLeaseLost
		}
		return nil, fmt.Errorf("batch/mongo: expire lease: %w", err)
	}
	return fromJobModel(&m)
}

// AbortJob aborts a job that is not terminal while its holder equals held.
func (s *Store) AbortJob(ctx context.Context, jobID id.JobID, held *job.LockKey, message string, now time.Time) (*job.Job, error) {
	filter := bson.M{"_id": jobID.String(), "lease": nil}
	if held != nil {
		filter = heldFilter(jobID.String(), *held)
	}
	filter["status"] = bson.M{"$nin": statusStrings(job.TerminalStatuses)}

	set := bson.M{
		"status":      string(job.StatusAborted),
		"finished_at": now.UTC(),
		"updated_at":  now.UTC(),
	}
	if message != "" {
		set["message"] = message
	}
	update := bson.M{
		"$set":   set,
		"$unset": bson.M{"lease": ""},
	}

	var m jobModel
	err := s.mdb.Collection(colJobs).FindOneAndUpdate(ctx, filter, update,
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			return nil, batch.ErrLeaseLost
		}
		return nil, fmt.Errorf("batch/mongo: abort job: %w", err)
	}
	return fromJobModel(&m)
}
