package mongo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongod "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/xraph/grove"
	"github.com/xraph/grove/drivers/mongodriver"

	"github.com/xraph/batch/job"
	"github.com/xraph/batch/store"
)

// Collection name constants.
const (
	colJobs         = "batch_jobs"
	colPartnerLoads = "batch_partner_loads"
	colWorkers      = "batch_workers"
	colLeader       = "batch_leader"
)

// leaderDocID is the _id of the single leadership document.
const leaderDocID = "leader"

var _ store.Store = (*Store)(nil)

// Store is a grove ORM implementation of store.Store using MongoDB driver.
// The caller owns the *grove.DB lifecycle; Store never closes it.
type Store struct {
	db     *grove.DB
	mdb    *mongodriver.MongoDB
	logger *slog.Logger
}

// Option configures the Store.
type Option func(*Store)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// New creates a new MongoDB store. The caller owns the db lifecycle -- the
// Store will not close it on Close().
func New(db *grove.DB, opts ...Option) *Store {
	s := &Store{
		db:     db,
		mdb:    mongodriver.Unwrap(db),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DB returns the underlying *grove.DB for advanced usage.
func (s *Store) DB() *grove.DB {
	return s.db
}

// Migrate creates indexes for all batch collections.
func (s *Store) Migrate(ctx context.Context) error {
	for col, models := range migrationIndexes() {
		if len(models) == 0 {
			continue
		}

		_, err := s.mdb.Collection(col).Indexes().CreateMany(ctx, models)
		if err != nil {
			return fmt.Errorf("batch/mongo: migrate %s indexes: %w", col, err)
		}
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// Close is a no-op because the caller owns the *grove.DB lifecycle.
func (s *Store) Close() error {
	return nil
}

// ── helpers ──────────────────────────────────────────────────────

// now returns the current UTC time.
func now() time.Time {
	return time.Now().UTC()
}

// isNoDocuments returns true when err indicates no MongoDB documents found.
func isNoDocuments(err error) bool {
	return errors.Is(err, mongod.ErrNoDocuments)
}

// isDuplicateKey checks if a MongoDB error is a duplicate key violation.
func isDuplicateKey(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "duplicate key") ||
		strings.Contains(err.Error(), "E11000")
}

func statusStrings(statuses []job.Status) []string {
	out := make([]string, len(statuses))
	for i, st := range statuses {
		out[i] = string(st)
	}
	return out
}

// applyFilter adds the non-status predicates of f to doc.
func applyFilter(doc bson.M, f job.Filter) {
	partner := bson.M{}
	if len(f.PartnerIDs) > 0 {
		partner["$in"] = f.PartnerIDs
	}
	if len(f.ExcludePartnerIDs) > 0 {
		partner["$nin"] = f.ExcludePartnerIDs
	}
	if len(partner) > 0 {
		doc["partner_id"] = partner
	}
	if len(f.ObjectIDs) > 0 {
		doc["object_id"] = bson.M{"$in": f.ObjectIDs}
	}

	priority := bson.M{}
	if f.MinPriority != nil {
		priority["$gte"] = *f.MinPriority
	}
	if f.MaxPriority != nil {
		priority["$lte"] = *f.MaxPriority
	}
	if len(priority) > 0 {
		doc["priority"] = priority
	}

	created := bson.M{}
	if !f.CreatedAfter.IsZero() {
		created["$gt"] = f.CreatedAfter.UTC()
	}
	if !f.CreatedBefore.IsZero() {
		created["$lt"] = f.CreatedBefore.UTC()
	}
	if len(created) > 0 {
		doc["created_at"] = created
	}
}

// migrationIndexes returns the index definitions for all batch collections.
func migrationIndexes() map[string][]mongod.IndexModel {
	return map[string][]mongod.IndexModel{
		colJobs: {
			// Claim index: type + status + priority + created_at.
			{Keys: bson.D{
				{Key: "type", Value: 1},
				{Key: "status", Value: 1},
				{Key: "priority", Value: -1},
				{Key: "created_at", Value: 1},
			}},
			// Lease expiry index for the sweeper.
			{Keys: bson.D{{Key: "lease.expires_at", Value: 1}}},
			// Listing order.
			{Keys: bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}}},
			// Lineage lookups.
			{Keys: bson.D{{Key: "root_job_id", Value: 1}}},
			{Keys: bson.D{{Key: "parent_job_id", Value: 1}}},
		},
		colPartnerLoads: {
			{
				Keys:    bson.D{{Key: "partner_id", Value: 1}, {Key: "job_type", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
		},
		colWorkers: {
			{Keys: bson.D{{Key: "is_leader", Value: 1}}},
			{Keys: bson.D{{Key: "last_seen", Value: 1}}},
		},
	}
}
