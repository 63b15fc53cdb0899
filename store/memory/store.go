// Package memory implements store.Store in process memory. It is safe for
// concurrent use and intended for tests, development, and single-process
// deployments.
package memory

import (
	"cmp"
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/xraph/batch"
	"github.com/xraph/batch/cluster"
	"github.com/xraph/batch/id"
	"github.com/xraph/batch/job"
	"github.com/xraph/batch/load"
)

// Ensure Store implements every subsystem store at compile time.
// We can't import store here (import cycle), so we verify each subsystem.
var (
	_ job.Store     = (*Store)(nil)
	_ load.Store    = (*Store)(nil)
	_ cluster.Store = (*Store)(nil)
)

type loadKey struct {
	partnerID int64
	jobType   job.Type
}

// Store is a fully in-memory implementation of store.Store. Jobs are
// copied on the way in and out so callers never alias stored state.
type Store struct {
	mu sync.RWMutex

	jobs    map[string]*job.Job
	loads   map[loadKey]*load.PartnerLoad
	workers map[string]*cluster.Worker

	// leader tracks the current cluster leader worker ID string.
	leader      string
	leaderUntil time.Time
}

// New returns a new empty Store.
func New() *Store {
	return &Store{
		jobs:    make(map[string]*job.Job),
		loads:   make(map[loadKey]*load.PartnerLoad),
		workers: make(map[string]*cluster.Worker),
	}
}

// ──────────────────────────────────────────────────
// Lifecycle
// ──────────────────────────────────────────────────

// Migrate is a no-op for the memory store.
func (m *Store) Migrate(_ context.Context) error { return nil }

// Ping is a no-op for the memory store.
func (m *Store) Ping(_ context.Context) error { return nil }

// Close is a no-op for the memory store.
func (m *Store) Close() error { return nil }

func cloneJob(j *job.Job) *job.Job {
	c := *j
	c.Payload = slices.Clone(j.Payload)
	if j.Lease != nil {
		lease := *j.Lease
		c.Lease = &lease
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		c.FinishedAt = &t
	}
	return &c
}

// ──────────────────────────────────────────────────
// Job Store
// ──────────────────────────────────────────────────

// CreateJob persists a new job.
func (m *Store) CreateJob(_ context.Context, j *job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := j.ID.String()
	if _, exists := m.jobs[key]; exists {
		return batch.ErrJobAlreadyExists
	}
	m.jobs[key] = cloneJob(j)
	return nil
}

// GetJob retrieves a job by ID.
func (m *Store) GetJob(_ context.Context, jobID id.JobID) (*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	j, ok := m.jobs[jobID.String()]
	if !ok {
		return nil, batch.ErrJobNotFound
	}
	return cloneJob(j), nil
}

// ListJobs returns jobs matching opts in creation order.
func (m *Store) ListJobs(_ context.Context, opts job.ListOpts) ([]*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*job.Job
	for _, j := range m.jobs {
		switch {
		case opts.Type != "" && j.Type != opts.Type,
			opts.Status != "" && j.Status != opts.Status,
			opts.PartnerID != 0 && j.PartnerID != opts.PartnerID,
			!opts.ParentJobID.IsNil() && j.ParentJobID.String() != opts.ParentJobID.String(),
			!opts.RootJobID.IsNil() && j.RootJobID.String() != opts.RootJobID.String():
			continue
		}
		result = append(result, cloneJob(j))
	}

	sort.Slice(result, func(i, k int) bool {
		if !result[i].CreatedAt.Equal(result[k].CreatedAt) {
			return result[i].CreatedAt.Before(result[k].CreatedAt)
		}
		return result[i].ID.String() < result[k].ID.String()
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(result) {
			return nil, nil
		}
		result = result[opts.Offset:]
	}
	if opts.Limit > 0 && len(result) > opts.Limit {
		result = result[:opts.Limit]
	}
	return result, nil
}

// ListLocks returns unleased candidate rows in claim order.
func (m *Store) ListLocks(_ context.Context, q job.LockQuery) ([]*job.Lock, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*job.Lock
	for _, j := range m.jobs {
		if j.Type != q.Type || j.Lease != nil || !slices.Contains(q.Statuses, j.Status) {
			continue
		}
		if j.RunAt.After(q.Now) {
			continue
		}
		l := j.Lock()
		if !q.Filter.Matches(l) {
			continue
		}
		result = append(result, l)
	}

	slices.SortFunc(result, job.CompareClaimOrder)
	result = job.PartnerHeads(result, q.PerPartner)

	if q.Limit > 0 && len(result) > q.Limit {
		result = result[:q.Limit]
	}
	return result, nil
}

// CountLocks counts lock rows matching q.
func (m *Store) CountLocks(_ context.Context, q job.CountQuery) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var n int64
	for _, j := range m.jobs {
		if j.Type != q.Type {
			continue
		}
		if len(q.Statuses) > 0 && !slices.Contains(q.Statuses, j.Status) {
			continue
		}
		if !q.LiveAt.IsZero() && (j.Lease == nil || !j.Lease.ExpiresAt.After(q.LiveAt)) {
			continue
		}
		if q.AttemptsBelow > 0 && j.ExecutionAttempts >= q.AttemptsBelow {
			continue
		}
		if !q.Filter.Matches(j.Lock()) {
			continue
		}
		n++
	}
	return n, nil
}

// AcquireLease atomically leases an eligible job.
func (m *Store) AcquireLease(_ context.Context, jobID id.JobID, from []job.Status, lease job.Lease, now time.Time) (*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID.String()]
	if !ok || j.Lease != nil || !slices.Contains(from, j.Status) || j.RunAt.After(now) {
		return nil, batch.ErrLeaseLost
	}

	j.Status = job.StatusProcessing
	j.Lease = &lease
	j.ExecutionAttempts++
	j.UpdatedAt = now
	return cloneJob(j), nil
}

// UpdateLeased persists j's mutable fields while held is the live holder.
func (m *Store) UpdateLeased(_ context.Context, j *job.Job, held job.LockKey, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.jobs[j.ID.String()]
	if !ok {
		return batch.ErrJobNotFound
	}
	if !stored.Lease.HeldBy(held, now) {
		return batch.ErrLeaseNotHeld
	}

	next := cloneJob(j)
	stored.Status = next.Status
	stored.Payload = next.Payload
	stored.Message = next.Message
	stored.Priority = next.Priority
	stored.ObjectID = next.ObjectID
	stored.ExecutionAttempts = next.ExecutionAttempts
	stored.RunAt = next.RunAt
	stored.Lease = next.Lease
	stored.FinishedAt = next.FinishedAt
	stored.UpdatedAt = now
	return nil
}

// ListExpiredLeases returns rows whose lease expired at or before now,
// oldest expiry first.
func (m *Store) ListExpiredLeases(_ context.Context, now time.Time, limit int) ([]*job.Lock, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*job.Lock
	for _, j := range m.jobs {
		if j.Lease != nil && !j.Lease.ExpiresAt.After(now) {
			result = append(result, j.Lock())
		}
	}
	slices.SortFunc(result, func(a, b *job.Lock) int {
		return a.Lease.ExpiresAt.Compare(b.Lease.ExpiresAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// ExpireLease clears an expired lease still held by held.
func (m *Store) ExpireLease(_ context.Context, jobID id.JobID, held job.LockKey, status job.Status, runAt, now time.Time) (*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID.String()]
	if !ok || j.Lease == nil || j.Lease.Key != held || j.Lease.ExpiresAt.After(now) {
		return nil, batch.ErrLeaseLost
	}

	j.Status = status
	j.Lease = nil
	j.RunAt = runAt
	if status.IsTerminal() {
		finished := now
		j.FinishedAt = &finished
	}
	j.UpdatedAt = now
	return cloneJob(j), nil
}

// AbortJob aborts a job that is not terminal while its holder equals held.
func (m *Store) AbortJob(_ context.Context, jobID id.JobID, held *job.LockKey, message string, now time.Time) (*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID.String()]
	if !ok || j.Status.IsTerminal() || !heldBy(j.Lease, held) {
		return nil, batch.ErrLeaseLost
	}

	j.Status = job.StatusAborted
	j.Lease = nil
	finished := now
	j.FinishedAt = &finished
	if message != "" {
		j.Message = message
	}
	j.UpdatedAt = now
	return cloneJob(j), nil
}

// heldBy reports whether l belongs to held, a nil held matching no lease.
func heldBy(l *job.Lease, held *job.LockKey) bool {
	if l == nil || held == nil {
		return l == nil && held == nil
	}
	return l.Key == *held
}

// ──────────────────────────────────────────────────
// Load Store
// ──────────────────────────────────────────────────

// AggregateLeaseLoads counts live leases per partner and job type.
func (m *Store) AggregateLeaseLoads(_ context.Context, now time.Time) ([]*load.PartnerLoad, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	counts := make(map[loadKey]int64)
	for _, j := range m.jobs {
		if j.Lease != nil && j.Lease.ExpiresAt.After(now) {
			counts[loadKey{j.PartnerID, j.Type}]++
		}
	}

	result := make([]*load.PartnerLoad, 0, len(counts))
	for k, n := range counts {
		result = append(result, &load.PartnerLoad{PartnerID: k.partnerID, JobType: k.jobType, Load: n})
	}
	sortLoads(result)
	return result, nil
}

// ListPartnerLoads returns materialized rows, optionally for one job type.
func (m *Store) ListPartnerLoads(_ context.Context, jobType job.Type) ([]*load.PartnerLoad, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*load.PartnerLoad, 0, len(m.loads))
	for _, pl := range m.loads {
		if jobType != "" && pl.JobType != jobType {
			continue
		}
		c := *pl
		result = append(result, &c)
	}
	sortLoads(result)
	return result, nil
}

// UpsertPartnerLoad inserts or replaces a ledger row.
func (m *Store) UpsertPartnerLoad(_ context.Context, pl *load.PartnerLoad) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := *pl
	m.loads[loadKey{pl.PartnerID, pl.JobType}] = &c
	return nil
}

// DeletePartnerLoad removes a ledger row.
func (m *Store) DeletePartnerLoad(_ context.Context, partnerID int64, jobType job.Type) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.loads, loadKey{partnerID, jobType})
	return nil
}

func sortLoads(rows []*load.PartnerLoad) {
	slices.SortFunc(rows, func(a, b *load.PartnerLoad) int {
		if c := cmp.Compare(a.JobType, b.JobType); c != 0 {
			return c
		}
		return cmp.Compare(a.PartnerID, b.PartnerID)
	})
}

// ──────────────────────────────────────────────────
// Cluster Store
// ──────────────────────────────────────────────────

// RegisterWorker adds or replaces a process in the registry.
func (m *Store) RegisterWorker(_ context.Context, w *cluster.Worker) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := *w
	m.workers[w.ID.String()] = &c
	return nil
}

// DeregisterWorker removes a process from the registry.
func (m *Store) DeregisterWorker(_ context.Context, workerID id.WorkerID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := workerID.String()
	if _, ok := m.workers[key]; !ok {
		return batch.ErrWorkerNotFound
	}
	delete(m.workers, key)
	if m.leader == key {
		m.leader = ""
	}
	return nil
}

// HeartbeatWorker updates the last-seen timestamp for a process.
func (m *Store) HeartbeatWorker(_ context.Context, workerID id.WorkerID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.workers[workerID.String()]
	if !ok {
		return batch.ErrWorkerNotFound
	}
	w.LastSeen = time.Now().UTC()
	return nil
}

// ListWorkers returns all registered processes.
func (m *Store) ListWorkers(_ context.Context) ([]*cluster.Worker, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*cluster.Worker, 0, len(m.workers))
	for _, w := range m.workers {
		c := *w
		result = append(result, &c)
	}
	sort.Slice(result, func(i, k int) bool {
		return result[i].CreatedAt.Before(result[k].CreatedAt)
	})
	return result, nil
}

// ReapDeadWorkers returns processes whose last heartbeat is older than
// threshold.
func (m *Store) ReapDeadWorkers(_ context.Context, threshold time.Duration) ([]*cluster.Worker, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cutoff := time.Now().UTC().Add(-threshold)
	var dead []*cluster.Worker
	for _, w := range m.workers {
		if w.LastSeen.Before(cutoff) {
			c := *w
			dead = append(dead, &c)
		}
	}
	return dead, nil
}

// AcquireLeadership attempts to become the cluster leader.
func (m *Store) AcquireLeadership(_ context.Context, workerID id.WorkerID, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	wKey := workerID.String()
	if m.leader != "" && m.leaderUntil.After(now) && m.leader != wKey {
		return false, nil
	}

	if prev, ok := m.workers[m.leader]; ok && m.leader != wKey {
		prev.IsLeader = false
		prev.LeaderUntil = nil
	}
	m.leader = wKey
	m.leaderUntil = now.Add(ttl)
	m.markLeader(wKey)
	return true, nil
}

// RenewLeadership extends the leader's hold.
func (m *Store) RenewLeadership(_ context.Context, workerID id.WorkerID, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	wKey := workerID.String()
	if m.leader != wKey {
		return false, nil
	}
	m.leaderUntil = time.Now().UTC().Add(ttl)
	m.markLeader(wKey)
	return true, nil
}

func (m *Store) markLeader(wKey string) {
	if w, ok := m.workers[wKey]; ok {
		until := m.leaderUntil
		w.IsLeader = true
		w.LeaderUntil = &until
	}
}

// GetLeader returns the current cluster leader, or nil if there is no leader.
func (m *Store) GetLeader(_ context.Context) (*cluster.Worker, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.leader == "" || m.leaderUntil.Before(time.Now().UTC()) {
		return nil, nil
	}
	w, ok := m.workers[m.leader]
	if !ok {
		return nil, nil
	}
	c := *w
	return &c, nil
}
