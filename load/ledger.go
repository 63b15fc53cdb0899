package load

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/xraph/batch/job"
)

// RefreshResult summarizes one reconcile pass.
type RefreshResult struct {
	Inserted  int `json:"inserted"`
	Updated   int `json:"updated"`
	Deleted   int `json:"deleted"`
	Unchanged int `json:"unchanged"`
	Failed    int `json:"failed"`
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(ld *Ledger) { ld.logger = l }
}

// WithCacheTTL bounds how long Loads serves a snapshot before re-reading
// the store. Zero disables caching.
func WithCacheTTL(ttl time.Duration) Option {
	return func(ld *Ledger) { ld.ttl = ttl }
}

// WithPartnerWeight scales every load of partnerID by w.
func WithPartnerWeight(partnerID int64, w float64) Option {
	return func(ld *Ledger) { ld.partnerWeights[partnerID] = w }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(ld *Ledger) { ld.now = now }
}

type snapshot struct {
	loads map[int64]float64
	at    time.Time
}

// Ledger computes, materializes, and serves partner loads.
type Ledger struct {
	store          Store
	registry       *job.Registry
	partnerWeights map[int64]float64
	ttl            time.Duration
	now            func() time.Time
	logger         *slog.Logger

	mu    sync.Mutex
	cache map[job.Type]snapshot
}

// NewLedger creates a ledger over store. The registry supplies per-type
// load weights.
func NewLedger(store Store, registry *job.Registry, opts ...Option) *Ledger {
	ld := &Ledger{
		store:          store,
		registry:       registry,
		partnerWeights: make(map[int64]float64),
		ttl:            5 * time.Second,
		now:            func() time.Time { return time.Now().UTC() },
		logger:         slog.Default(),
		cache:          make(map[job.Type]snapshot),
	}
	for _, opt := range opts {
		opt(ld)
	}
	return ld
}

// Weighted scales a raw load by the job type and partner weights.
func (ld *Ledger) Weighted(raw int64, partnerID int64, jobType job.Type) float64 {
	w := 1.0
	if ld.registry != nil {
		w = ld.registry.LoadWeight(jobType)
	}
	if pw, ok := ld.partnerWeights[partnerID]; ok {
		w *= pw
	}
	return float64(raw) * w
}

// Refresh reconciles the materialized table with live leases. Failures are
// logged and never returned; a stale ledger only degrades fairness.
func (ld *Ledger) Refresh(ctx context.Context) RefreshResult {
	res, err := ld.RefreshErr(ctx)
	if err != nil {
		ld.logger.Warn("partner load refresh failed", slog.String("error", err.Error()))
	}
	return res
}

// RefreshErr is Refresh for callers that want the error. Per-row write
// failures are counted in Failed and do not abort the pass.
func (ld *Ledger) RefreshErr(ctx context.Context) (RefreshResult, error) {
	var res RefreshResult
	now := ld.now()
	ld.logger.Info("partner load refresh started")

	actual, err := ld.store.AggregateLeaseLoads(ctx, now)
	if err != nil {
		return res, fmt.Errorf("aggregate lease loads: %w", err)
	}
	current, err := ld.store.ListPartnerLoads(ctx, "")
	if err != nil {
		return res, fmt.Errorf("list partner loads: %w", err)
	}

	want := make(map[key]*PartnerLoad, len(actual))
	for _, pl := range actual {
		pl.WeightedLoad = ld.Weighted(pl.Load, pl.PartnerID, pl.JobType)
		pl.UpdatedAt = now
		want[pl.key()] = pl
	}

	for _, row := range current {
		next, ok := want[row.key()]
		if !ok {
			if err := ld.store.DeletePartnerLoad(ctx, row.PartnerID, row.JobType); err != nil {
				ld.rowFailed(&res, "delete", row, err)
				continue
			}
			res.Deleted++
			continue
		}
		delete(want, row.key())
		if row.Load == next.Load && row.WeightedLoad == next.WeightedLoad {
			res.Unchanged++
			continue
		}
		if err := ld.store.UpsertPartnerLoad(ctx, next); err != nil {
			ld.rowFailed(&res, "update", next, err)
			continue
		}
		res.Updated++
	}

	for _, pl := range want {
		if err := ld.store.UpsertPartnerLoad(ctx, pl); err != nil {
			ld.rowFailed(&res, "insert", pl, err)
			continue
		}
		res.Inserted++
	}

	ld.Invalidate()
	ld.logger.Info("partner load refresh done",
		slog.Int("inserted", res.Inserted),
		slog.Int("updated", res.Updated),
		slog.Int("deleted", res.Deleted),
		slog.Int("failed", res.Failed),
	)
	return res, nil
}

func (ld *Ledger) rowFailed(res *RefreshResult, op string, pl *PartnerLoad, err error) {
	res.Failed++
	ld.logger.Warn("partner load row write failed",
		slog.String("op", op),
		slog.Int64("partner_id", pl.PartnerID),
		slog.String("job_type", string(pl.JobType)),
		slog.String("error", err.Error()),
	)
}

// Loads returns weighted load per partner for jobType. A read failure is
// logged and yields an empty map so claims proceed without fairness bias.
func (ld *Ledger) Loads(ctx context.Context, jobType job.Type) map[int64]float64 {
	now := ld.now()

	ld.mu.Lock()
	snap, ok := ld.cache[jobType]
	ld.mu.Unlock()
	if ok && ld.ttl > 0 && now.Sub(snap.at) < ld.ttl {
		return snap.loads
	}

	rows, err := ld.store.ListPartnerLoads(ctx, jobType)
	if err != nil {
		ld.logger.Warn("partner load read failed",
			slog.String("job_type", string(jobType)),
			slog.String("error", err.Error()),
		)
		return map[int64]float64{}
	}
	loads := make(map[int64]float64, len(rows))
	for _, r := range rows {
		loads[r.PartnerID] = r.WeightedLoad
	}

	ld.mu.Lock()
	ld.cache[jobType] = snapshot{loads: loads, at: now}
	ld.mu.Unlock()
	return loads
}

// Invalidate drops every cached snapshot.
func (ld *Ledger) Invalidate() {
	ld.mu.Lock()
	clear(ld.cache)
	ld.mu.Unlock()
}
