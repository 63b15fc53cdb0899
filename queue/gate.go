package queue

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/xraph/batch/job"
)

// Config defines claim limits for one job type.
type Config struct {
	// JobType is the type these limits apply to.
	JobType job.Type

	// MaxConcurrency caps live leases of this type across every process
	// sharing the store. Zero means no limit.
	MaxConcurrency int

	// RateLimit is the maximum sustained claims per second granted by
	// this process. Zero disables rate limiting.
	RateLimit float64

	// RateBurst is the token-bucket burst size. Defaults to 1 if RateLimit
	// is set but RateBurst is zero.
	RateBurst int
}

// PartnerConfig defines claim limits for one partner on one job type.
type PartnerConfig struct {
	JobType        job.Type
	PartnerID      int64
	RateLimit      float64
	RateBurst      int
	MaxConcurrency int
}

type partnerKey struct {
	jobType   job.Type
	partnerID int64
}

type gateState struct {
	limiter        *rate.Limiter
	maxConcurrency int
}

func newGateState(rateLimit float64, burst, maxConcurrency int) *gateState {
	gs := &gateState{maxConcurrency: maxConcurrency}
	if rateLimit > 0 {
		if burst <= 0 {
			burst = 1
		}
		gs.limiter = rate.NewLimiter(rate.Limit(rateLimit), burst)
	}
	return gs
}

// Buckets are only touched under Manager.mu, so a ready bucket stays
// ready until spent.
func (gs *gateState) ready(now time.Time) bool {
	return gs == nil || gs.limiter == nil || gs.limiter.TokensAt(now) >= 1
}

func (gs *gateState) spend(now time.Time) {
	if gs != nil && gs.limiter != nil {
		gs.limiter.AllowN(now, 1)
	}
}

// Caps holds the concurrency ceilings that apply to one claim. Zero means
// no limit.
type Caps struct {
	Type    int
	Partner int
}

// Limited reports whether either ceiling is set.
func (c Caps) Limited() bool { return c.Type > 0 || c.Partner > 0 }

// Manager holds claim limits per job type and per partner. It is safe for
// concurrent use.
//
// Rate tokens live in the Manager and are spent per process. Concurrency
// ceilings are only read here: the lease manager compares them against the
// live leases recorded in the store, so a lease freed, aborted or reaped by
// any node is accounted for without a release call.
type Manager struct {
	mu       sync.Mutex
	types    map[job.Type]*gateState
	partners map[partnerKey]*gateState
}

// NewManager creates a Manager with the given job type limits.
func NewManager(configs ...Config) *Manager {
	m := &Manager{
		types:    make(map[job.Type]*gateState, len(configs)),
		partners: make(map[partnerKey]*gateState),
	}
	for _, cfg := range configs {
		m.types[cfg.JobType] = newGateState(cfg.RateLimit, cfg.RateBurst, cfg.MaxConcurrency)
	}
	return m
}

// Caps returns the concurrency ceilings for jobType and partnerID.
func (m *Manager) Caps(jobType job.Type, partnerID int64) Caps {
	m.mu.Lock()
	defer m.mu.Unlock()

	var c Caps
	if ts := m.types[jobType]; ts != nil {
		c.Type = ts.maxConcurrency
	}
	if ps := m.partners[partnerKey{jobType, partnerID}]; ps != nil {
		c.Partner = ps.maxConcurrency
	}
	return c
}

// Allow reports whether a claim of jobType for partnerID may be attempted
// now, spending one token from each configured bucket when it may. A
// refused claim spends nothing.
func (m *Manager) Allow(jobType job.Type, partnerID int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	ts := m.types[jobType]
	ps := m.partners[partnerKey{jobType, partnerID}]
	if !ts.ready(now) || !ps.ready(now) {
		return false
	}
	ts.spend(now)
	ps.spend(now)
	return true
}

// SetConfig updates or creates the limits for a job type.
func (m *Manager) SetConfig(cfg Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.types[cfg.JobType] = newGateState(cfg.RateLimit, cfg.RateBurst, cfg.MaxConcurrency)
}

// SetPartnerConfig updates or creates the limits for a partner on a job
// type.
func (m *Manager) SetPartnerConfig(cfg PartnerConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := partnerKey{cfg.JobType, cfg.PartnerID}
	m.partners[k] = newGateState(cfg.RateLimit, cfg.RateBurst, cfg.MaxConcurrency)
}
