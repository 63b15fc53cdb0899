// Package backoff computes how long a job released to RETRY waits before it
// becomes claimable again. Strategies are stateless and safe for concurrent
// use.
package backoff

import (
	"math"
	"math/rand/v2"
	"time"
)

// Strategy computes the retry delay after the given number of execution
// attempts (1-indexed: 1 means the first attempt just ended).
type Strategy interface {
	Delay(attempts int) time.Duration
}

// None makes retried jobs claimable immediately.
type None struct{}

// Delay always returns zero.
func (None) Delay(int) time.Duration { return 0 }

// Constant waits the same interval after every attempt.
type Constant struct {
	Interval time.Duration
}

// Delay returns the fixed interval.
func (c Constant) Delay(int) time.Duration { return c.Interval }

// Linear waits Initial × attempts, capped at Max.
type Linear struct {
	Initial time.Duration
	Max     time.Duration
}

// Delay returns Initial × attempts, capped at Max.
func (l Linear) Delay(attempts int) time.Duration {
	return capped(l.Initial*time.Duration(max(attempts, 1)), l.Max)
}

// Exponential waits Initial × 2^(attempts-1), capped at Max. With Jitter
// set, the delay is drawn uniformly from [0, that bound].
type Exponential struct {
	Initial time.Duration
	Max     time.Duration
	Jitter  bool
}

// Delay returns the exponential bound, or a jittered value below it.
func (e Exponential) Delay(attempts int) time.Duration {
	base := float64(e.Initial) * math.Pow(2, float64(max(attempts, 1)-1))
	if e.Max > 0 && base > float64(e.Max) {
		base = float64(e.Max)
	}
	if e.Jitter {
		return time.Duration(rand.Float64() * base) //nolint:gosec // jitter intentionally uses non-crypto rand
	}
	return time.Duration(base)
}

func capped(d, limit time.Duration) time.Duration {
	if limit > 0 && d > limit {
		return limit
	}
	return d
}

// RunAt returns the earliest claim time for a job retried at now after
// the given attempts. A nil strategy behaves like None.
func RunAt(s Strategy, attempts int, now time.Time) time.Time {
	if s == nil {
		return now
	}
	return now.Add(s.Delay(attempts))
}

// DefaultStrategy returns the strategy the engine uses when none is
// configured: jittered exponential from 5s up to 5m.
func DefaultStrategy() Strategy {
	return Exponential{Initial: 5 * time.Second, Max: 5 * time.Minute, Jitter: true}
}
