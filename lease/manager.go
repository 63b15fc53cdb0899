package lease

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/batch"
	"github.com/xraph/batch/backoff"
	"github.com/xraph/batch/id"
	"github.com/xraph/batch/job"
	"github.com/xraph/batch/queue"
)

// Option configures a Manager.
type Option func(*Manager)

// WithConfig sets attempt ceilings, lease defaults, and window sizes.
func WithConfig(cfg batch.Config) Option {
	return func(m *Manager) { m.config = cfg }
}

// WithGate applies per job type and per partner claim limits.
func WithGate(g *queue.Manager) Option {
	return func(m *Manager) { m.gate = g }
}

// WithBackoff sets the delay applied to jobs released to RETRY.
func WithBackoff(s backoff.Strategy) Option {
	return func(m *Manager) { m.backoff = s }
}

// WithHooks sets the lifecycle hook sink.
func WithHooks(h Hooks) Option {
	return func(m *Manager) { m.hooks = h }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// FreeOptions controls how Free settles a job.
type FreeOptions struct {
	// Type, when set, must equal the stored job type.
	Type job.Type
	// Status is the final status. Empty keeps a status set by Update, or
	// turns PROCESSING into RETRY (PENDING with ResetAttempts).
	Status job.Status
	// ResetAttempts zeroes the attempt counter.
	ResetAttempts bool
	// Message, when set, replaces the job message.
	Message *string
}

// Manager grants and settles exclusive leases.
type Manager struct {
	store    job.Store
	selector *queue.Selector
	registry *job.Registry
	gate     *queue.Manager
	backoff  backoff.Strategy
	hooks    Hooks
	config   batch.Config
	now      func() time.Time
	logger   *slog.Logger
}

// NewManager creates a lease manager. registry may be nil, in which case
// every type uses the configured defaults.
func NewManager(store job.Store, selector *queue.Selector, registry *job.Registry, opts ...Option) *Manager {
	m := &Manager{
		store:    store,
		selector: selector,
		registry: registry,
		backoff:  backoff.None{},
		hooks:    noopHooks{},
		config:   batch.DefaultConfig(),
		now:      func() time.Time { return time.Now().UTC() },
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ──────────────────────────────────────────────────
// Claims
// ──────────────────────────────────────────────────

// Claim leases up to count PENDING or RETRY jobs of jobType matching
// filter to key. An empty queue yields an empty slice and no error.
func (m *Manager) Claim(ctx context.Context, jobType job.Type, filter job.Filter, maxExecutionTime time.Duration, count int, key job.LockKey) ([]*job.Job, error) {
	if count <= 0 {
		return nil, nil
	}
	candidates, err := m.selector.Select(ctx, jobType, filter, m.window(count))
	if err != nil {
		return nil, err
	}
	return m.acquire(ctx, candidates, job.ClaimableStatuses, m.leaseDuration(jobType, maxExecutionTime), count, key)
}

// ClaimAlmostDone leases up to count ALMOST_DONE jobs of jobType matching
// filter to key, moving them back to PROCESSING.
func (m *Manager) ClaimAlmostDone(ctx context.Context, jobType job.Type, filter job.Filter, maxExecutionTime time.Duration, count int, key job.LockKey) ([]*job.Job, error) {
	if count <= 0 {
		return nil, nil
	}
	candidates, err := m.selector.SelectAlmostDone(ctx, jobType, filter, m.window(count))
	if err != nil {
		return nil, err
	}
	return m.acquire(ctx, candidates, []job.Status{job.StatusAlmostDone}, m.leaseDuration(jobType, maxExecutionTime), count, key)
}

func (m *Manager) acquire(ctx context.Context, candidates []*job.Lock, from []job.Status, d time.Duration, count int, key job.LockKey) ([]*job.Job, error) {
	won := make([]*job.Job, 0, min(count, len(candidates)))
	for _, c := range candidates {
		if len(won) == count {
			break
		}
		if err := ctx.Err(); err != nil {
			if len(won) > 0 {
				return won, nil
			}
			return nil, err
		}
		ok, err := m.admit(ctx, c)
		if err != nil {
			if len(won) > 0 {
				return won, nil
			}
			return nil, err
		}
		if !ok {
			continue
		}

		now := m.now()
		j, err := m.store.AcquireLease(ctx, c.JobID, from, job.Lease{Key: key, ExpiresAt: now.Add(d)}, now)
		if err != nil {
			if errors.Is(err, batch.ErrLeaseLost) {
				m.logger.Debug("lease race lost", slog.String("job_id", c.JobID.String()))
				continue
			}
			if len(won) > 0 {
				m.logger.Warn("claim stopped early",
					slog.String("job_id", c.JobID.String()),
					slog.Int("claimed", len(won)),
					slog.String("error", err.Error()),
				)
				return won, nil
			}
			return nil, fmt.Errorf("acquire lease: %w", err)
		}

		m.logger.Debug("lease acquired",
			slog.String("job_id", j.ID.String()),
			slog.String("job_type", string(j.Type)),
			slog.Int64("partner_id", j.PartnerID),
			slog.Int("batch_index", key.BatchIndex),
		)
		m.hooks.JobClaimed(ctx, j)
		won = append(won, j)
	}
	return won, nil
}

func (m *Manager) window(count int) int {
	return max(count*max(m.config.CandidateFactor, 1), m.config.MinCandidateWindow, count)
}

func (m *Manager) leaseDuration(jobType job.Type, requested time.Duration) time.Duration {
	if requested > 0 {
		return requested
	}
	if m.registry != nil {
		return m.registry.MaxExecutionTime(jobType, m.config.DefaultMaxExecutionTime)
	}
	return m.config.DefaultMaxExecutionTime
}

func (m *Manager) maxAttempts(jobType job.Type) int {
	if m.registry != nil {
		return m.registry.MaxAttempts(jobType, m.config.DefaultMaxAttempts)
	}
	return m.config.DefaultMaxAttempts
}

// admit checks the gate for one candidate. Concurrency ceilings are
// compared with the live leases in the store, so concurrent claimers on
// different nodes can briefly overshoot a ceiling by one lease each.
func (m *Manager) admit(ctx context.Context, c *job.Lock) (bool, error) {
	if m.gate == nil {
		return true, nil
	}
	caps := m.gate.Caps(c.Type, c.PartnerID)
	if caps.Limited() {
		now := m.now()
		if caps.Type > 0 {
			n, err := m.store.CountLocks(ctx, job.CountQuery{Type: c.Type, LiveAt: now})
			if err != nil {
				return false, fmt.Errorf("count live leases: %w", err)
			}
			if n >= int64(caps.Type) {
				return false, nil
			}
		}
		if caps.Partner > 0 {
			n, err := m.store.CountLocks(ctx, job.CountQuery{
				Type:   c.Type,
				Filter: job.Filter{}.WithPartners(c.PartnerID),
				LiveAt: now,
			})
			if err != nil {
				return false, fmt.Errorf("count live partner leases: %w", err)
			}
			if n >= int64(caps.Partner) {
				return false, nil
			}
		}
	}
	return m.gate.Allow(c.Type, c.PartnerID), nil
}

// ──────────────────────────────────────────────────
// Holder operations
// ──────────────────────────────────────────────────

// held loads jobID and verifies key holds its live lease.
func (m *Manager) held(ctx context.Context, jobID id.JobID, key job.LockKey, now time.Time) (*job.Job, error) {
	j, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !j.Lease.HeldBy(key, now) {
		return nil, batch.ErrLeaseNotHeld
	}
	return j, nil
}

func checkType(j *job.Job, expected job.Type) error {
	if expected != "" && expected != j.Type {
		return fmt.Errorf("%w: job %s is %q, not %q", batch.ErrWrongJobType, j.ID, j.Type, expected)
	}
	return nil
}

// Update merges delta into a job leased by key. The lease expiration never
// changes; a terminal status releases the lease.
func (m *Manager) Update(ctx context.Context, jobID id.JobID, key job.LockKey, delta job.Delta) (*job.Job, error) {
	now := m.now()
	j, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if err := checkType(j, delta.Type); err != nil {
		return nil, err
	}
	if !j.Lease.HeldBy(key, now) {
		return nil, batch.ErrLeaseNotHeld
	}
	if delta.Status != "" && !job.CanTransition(j.Status, delta.Status) {
		return nil, fmt.Errorf("%w: %s to %s", batch.ErrInvalidStatus, j.Status, delta.Status)
	}

	delta.Apply(j)
	terminal := j.Status.IsTerminal()
	if terminal {
		j.Lease = nil
		j.FinishedAt = &now
	}
	j.Touch(now)
	if err := m.store.UpdateLeased(ctx, j, key, now); err != nil {
		return nil, err
	}

	if terminal {
		m.settled(ctx, j)
	}
	m.hooks.JobUpdated(ctx, j)
	return j, nil
}

// Free releases the lease key holds on jobID and settles its status.
func (m *Manager) Free(ctx context.Context, jobID id.JobID, key job.LockKey, opts FreeOptions) (*job.Job, error) {
	now := m.now()
	j, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if err := checkType(j, opts.Type); err != nil {
		return nil, err
	}
	if !j.Lease.HeldBy(key, now) {
		return nil, batch.ErrLeaseNotHeld
	}

	next, err := freeStatus(j.Status, opts)
	if err != nil {
		return nil, err
	}

	attempts := j.ExecutionAttempts
	j.Status = next
	j.Lease = nil
	if opts.Message != nil {
		j.Message = *opts.Message
	}
	if opts.ResetAttempts {
		j.ExecutionAttempts = 0
	}
	switch {
	case next == job.StatusRetry:
		j.RunAt = backoff.RunAt(m.backoff, attempts, now)
	case next.IsTerminal():
		j.FinishedAt = &now
	}
	j.Touch(now)

	if err := m.store.UpdateLeased(ctx, j, key, now); err != nil {
		return nil, err
	}

	m.logger.Debug("lease freed",
		slog.String("job_id", j.ID.String()),
		slog.String("status", string(j.Status)),
	)
	m.hooks.JobFreed(ctx, j)
	m.settled(ctx, j)
	return j, nil
}

var freeable = map[job.Status]bool{
	job.StatusPending:    true,
	job.StatusRetry:      true,
	job.StatusAlmostDone: true,
	job.StatusFinished:   true,
	job.StatusFatal:      true,
	job.StatusAborted:    true,
}

func freeStatus(current job.Status, opts FreeOptions) (job.Status, error) {
	if opts.Status == "" {
		if current != job.StatusProcessing {
			return current, nil
		}
		if opts.ResetAttempts {
			return job.StatusPending, nil
		}
		return job.StatusRetry, nil
	}
	if !freeable[opts.Status] || !job.CanTransition(current, opts.Status) {
		return "", fmt.Errorf("%w: cannot free %s job as %q", batch.ErrInvalidStatus, current, opts.Status)
	}
	return opts.Status, nil
}

// ResetExecutionAttempts zeroes the attempt counter of a job leased by
// key. The holder is verified before the type.
func (m *Manager) ResetExecutionAttempts(ctx context.Context, jobID id.JobID, key job.LockKey, expected job.Type) error {
	now := m.now()
	j, err := m.held(ctx, jobID, key, now)
	if err != nil {
		return err
	}
	if err := checkType(j, expected); err != nil {
		return err
	}
	j.ExecutionAttempts = 0
	j.Touch(now)
	return m.store.UpdateLeased(ctx, j, key, now)
}

// abortAttempts bounds how often Abort rereads a job whose lease changed
// under it.
const abortAttempts = 5

// Abort cancels a job that is not yet terminal. Any lease is dropped
// without consulting its holder; the holder's next update or free fails
// with batch.ErrLeaseNotHeld. The write is conditional on the holder Abort
// read, so a concurrent free or claim makes it reread instead of
// overwriting.
func (m *Manager) Abort(ctx context.Context, jobID id.JobID, message string) (*job.Job, error) {
	var err error
	for range abortAttempts {
		var seen, j *job.Job
		seen, err = m.store.GetJob(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if seen.Status.IsTerminal() {
			return nil, fmt.Errorf("%w: job %s is already %s", batch.ErrInvalidStatus, seen.ID, seen.Status)
		}

		var held *job.LockKey
		if seen.Lease != nil {
			key := seen.Lease.Key
			held = &key
		}
		j, err = m.store.AbortJob(ctx, jobID, held, message, m.now())
		if errors.Is(err, batch.ErrLeaseLost) {
			m.logger.Debug("abort raced a lease change", slog.String("job_id", jobID.String()))
			continue
		}
		if err != nil {
			return nil, err
		}

		m.logger.Info("job aborted",
			slog.String("job_id", j.ID.String()),
			slog.String("job_type", string(j.Type)),
			slog.Bool("was_leased", held != nil),
		)
		return j, nil
	}
	return nil, fmt.Errorf("abort job %s: %w", jobID, err)
}

func (m *Manager) settled(ctx context.Context, j *job.Job) {
	switch j.Status {
	case job.StatusRetry:
		m.hooks.JobRetrying(ctx, j)
	case job.StatusFatal:
		m.hooks.JobFatal(ctx, j)
	}
}

// ──────────────────────────────────────────────────
// Maintenance
// ──────────────────────────────────────────────────

// CleanExpired moves every job whose lease expired to RETRY, or to FATAL
// once its attempts reach the type ceiling. Row failures are logged and
// skipped. It returns the number of jobs transitioned.
func (m *Manager) CleanExpired(ctx context.Context) (int, error) {
	batchSize := max(m.config.ReapBatchSize, 1)
	now := m.now()
	cleaned := 0
	skipped := make(map[string]bool)

	for {
		// Skipped rows stay expired and may be listed again, so the page
		// grows by their count. A full page then always holds an unseen row.
		limit := batchSize + len(skipped)
		rows, err := m.store.ListExpiredLeases(ctx, now, limit)
		if err != nil {
			return cleaned, fmt.Errorf("list expired leases: %w", err)
		}

		unseen := 0
		for _, l := range rows {
			if skipped[l.JobID.String()] {
				continue
			}
			unseen++
			if err := ctx.Err(); err != nil {
				return cleaned, err
			}

			status, runAt := job.StatusRetry, backoff.RunAt(m.backoff, l.ExecutionAttempts, now)
			if l.ExecutionAttempts >= m.maxAttempts(l.Type) {
				status, runAt = job.StatusFatal, l.RunAt
			}

			j, err := m.store.ExpireLease(ctx, l.JobID, l.Lease.Key, status, runAt, now)
			if err != nil {
				skipped[l.JobID.String()] = true
				if !errors.Is(err, batch.ErrLeaseLost) {
					m.logger.Warn("expire lease failed",
						slog.String("job_id", l.JobID.String()),
						slog.String("error", err.Error()),
					)
				}
				continue
			}

			cleaned++
			m.logger.Info("lease expired",
				slog.String("job_id", j.ID.String()),
				slog.String("status", string(j.Status)),
				slog.Int("attempts", j.ExecutionAttempts),
			)
			m.settled(ctx, j)
		}

		if unseen == 0 || len(rows) < limit {
			return cleaned, nil
		}
	}
}

// QueueSize counts queued jobs of jobType matching filter. When nothing is
// queued it counts live leases that could still be reclaimed, so callers
// keep polling while a holder may yet fail.
func (m *Manager) QueueSize(ctx context.Context, jobType job.Type, filter job.Filter) (int64, error) {
	if statuses := filter.Restrict(job.QueuedStatuses); len(statuses) > 0 {
		n, err := m.store.CountLocks(ctx, job.CountQuery{
			Type:     jobType,
			Statuses: statuses,
			Filter:   filter,
		})
		if err != nil {
			return 0, fmt.Errorf("count queued: %w", err)
		}
		if n > 0 {
			return n, nil
		}
	}

	n, err := m.store.CountLocks(ctx, job.CountQuery{
		Type:          jobType,
		Filter:        filter,
		LiveAt:        m.now(),
		AttemptsBelow: m.maxAttempts(jobType),
	})
	if err != nil {
		return 0, fmt.Errorf("count reclaimable: %w", err)
	}
	return n, nil
}
