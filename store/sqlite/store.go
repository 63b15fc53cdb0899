package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/xraph/grove"
	"github.com/xraph/grove/drivers/sqlitedriver"
	_ "github.com/xraph/grove/drivers/sqlitedriver/sqlitemigrate" // register sqlite migration executor
	"github.com/xraph/grove/migrate"

	"github.com/xraph/batch/job"
	"github.com/xraph/batch/store"
)

var _ store.Store = (*Store)(nil)

// Store is a grove ORM implementation of store.Store using SQLite dialect.
// The caller owns the *grove.DB lifecycle; Store never closes it.
type Store struct {
	db     *grove.DB
	sdb    *sqlitedriver.SqliteDB
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

// New creates a new grove store. The caller owns the db lifecycle -- the Store
// will not close it on Close().
func New(db *grove.DB, opts ...Option) *Store {
	s := &Store{
		db:     db,
		sdb:    sqlitedriver.Unwrap(db),
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

// Migrate runs programmatic migrations via the grove orchestrator.
func (s *Store) Migrate(ctx context.Context) error {
	executor, err := migrate.NewExecutorFor(s.sdb)
	if err != nil {
		return fmt.Errorf("batch/sqlite: create migration executor: %w", err)
	}
	orch := migrate.NewOrchestrator(executor, Migrations)
	if _, err := orch.Migrate(ctx); err != nil {
		return fmt.Errorf("batch/sqlite: migration failed: %w", err)
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

// isNoRows returns true when err indicates no rows were found.
func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

// isDuplicateKey checks if a SQLite error is a unique constraint violation.
func isDuplicateKey(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// inList renders "col IN (?, ?, ...)" for n values. An empty list
// matches nothing.
func inList(col string, n int) string {
	if n == 0 {
		return "1 = 0"
	}
	return col + " IN (" + strings.TrimSuffix(strings.Repeat("?, ", n), ", ") + ")"
}

func anySlice[T any](vs []T) []any {
	out := make([]any, len(vs))
	for i, v := range vs {
		out[i] = v
	}
	return out
}

func statusArgs(statuses []job.Status) []any {
	out := make([]any, len(statuses))
	for i, st := range statuses {
		out[i] = string(st)
	}
	return out
}

// predicate is one AND-ed clause with its bound arguments.
type predicate struct {
	clause string
	args   []any
}

// filterPredicates renders the non-status fields of f.
func filterPredicates(f job.Filter) []predicate {
	var ps []predicate
	if len(f.PartnerIDs) > 0 {
		ps = append(ps, predicate{inList("partner_id", len(f.PartnerIDs)), anySlice(f.PartnerIDs)})
	}
	if len(f.ExcludePartnerIDs) > 0 {
		ps = append(ps, predicate{"NOT " + inList("partner_id", len(f.ExcludePartnerIDs)), anySlice(f.ExcludePartnerIDs)})
	}
	if len(f.ObjectIDs) > 0 {
		ps = append(ps, predicate{inList("object_id", len(f.ObjectIDs)), anySlice(f.ObjectIDs)})
	}
	if f.MinPriority != nil {
		ps = append(ps, predicate{"priority >= ?", []any{*f.MinPriority}})
	}
	if f.MaxPriority != nil {
		ps = append(ps, predicate{"priority <= ?", []any{*f.MaxPriority}})
	}
	if !f.CreatedAfter.IsZero() {
		ps = append(ps, predicate{"created_at > ?", []any{toNanos(f.CreatedAfter)}})
	}
	if !f.CreatedBefore.IsZero() {
		ps = append(ps, predicate{"created_at < ?", []any{toNanos(f.CreatedBefore)}})
	}
	return ps
}
