package queue

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/xraph/batch/job"
)

// LockLister is the slice of job.Store the selector reads.
type LockLister interface {
	ListLocks(ctx context.Context, q job.LockQuery) ([]*job.Lock, error)
}

// LoadReader serves weighted partner loads for a job type.
type LoadReader interface {
	Loads(ctx context.Context, jobType job.Type) map[int64]float64
}

// SelectorOption configures a Selector.
type SelectorOption func(*Selector)

// WithClock overrides the time source used to exclude delayed rows.
func WithClock(now func() time.Time) SelectorOption {
	return func(s *Selector) { s.now = now }
}

// Selector ranks claim candidates.
type Selector struct {
	locks LockLister
	loads LoadReader
	now   func() time.Time
}

// NewSelector creates a selector. loads may be nil, in which case every
// partner is treated as idle.
func NewSelector(locks LockLister, loads LoadReader, opts ...SelectorOption) *Selector {
	s := &Selector{
		locks: locks,
		loads: loads,
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Select returns up to limit unleased PENDING or RETRY rows of jobType
// matching filter, in fairness order.
//
// Each partner contributes at most limit rows of its own claim-order head,
// and ranking runs over the union. Within one partner rank order equals
// claim order, so the result is the exact top limit across all partners
// no matter how deep any single partner's backlog is.
func (s *Selector) Select(ctx context.Context, jobType job.Type, filter job.Filter, limit int) ([]*job.Lock, error) {
	statuses := filter.Restrict(job.ClaimableStatuses)
	if len(statuses) == 0 || limit <= 0 {
		return nil, nil
	}
	rows, err := s.locks.ListLocks(ctx, job.LockQuery{
		Type:       jobType,
		Statuses:   statuses,
		Filter:     filter,
		Now:        s.now(),
		PerPartner: limit,
	})
	if err != nil {
		return nil, fmt.Errorf("select candidates: %w", err)
	}
	if len(rows) == 0 {
		return rows, nil
	}

	var loads map[int64]float64
	if s.loads != nil {
		loads = s.loads.Loads(ctx, jobType)
	}
	rank(rows, loads)
	if len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, nil
}

// SelectAlmostDone returns up to limit unleased ALMOST_DONE rows of jobType
// matching filter, in store order.
func (s *Selector) SelectAlmostDone(ctx context.Context, jobType job.Type, filter job.Filter, limit int) ([]*job.Lock, error) {
	statuses := filter.Restrict([]job.Status{job.StatusAlmostDone})
	if len(statuses) == 0 || limit <= 0 {
		return nil, nil
	}
	rows, err := s.locks.ListLocks(ctx, job.LockQuery{
		Type:     jobType,
		Statuses: statuses,
		Filter:   filter,
		Now:      s.now(),
		Limit:    limit,
	})
	if err != nil {
		return nil, fmt.Errorf("select almost done candidates: %w", err)
	}
	return rows, nil
}

func statusClass(s job.Status) int {
	if s == job.StatusRetry {
		return 0
	}
	return 1
}

// rank sorts rows in place by status class, priority, partner load,
// creation time, and id.
func rank(rows []*job.Lock, loads map[int64]float64) {
	slices.SortStableFunc(rows, func(a, b *job.Lock) int {
		if c := cmp.Compare(statusClass(a.Status), statusClass(b.Status)); c != 0 {
			return c
		}
		if c := cmp.Compare(b.Priority, a.Priority); c != 0 {
			return c
		}
		if c := cmp.Compare(loads[a.PartnerID], loads[b.PartnerID]); c != 0 {
			return c
		}
		return job.CompareClaimOrder(a, b)
	})
}
