package backoff_test

import (
	"testing"
	"time"

	"github.com/xraph/batch/backoff"
)

func TestDelays(t *testing.T) {
	tests := []struct {
		name     string
		strategy backoff.Strategy
		attempts int
		want     time.Duration
	}{
		{"none", backoff.None{}, 3, 0},
		{"constant", backoff.Constant{Interval: 2 * time.Second}, 7, 2 * time.Second},
		{"linear first", backoff.Linear{Initial: time.Second}, 1, time.Second},
		{"linear third", backoff.Linear{Initial: time.Second}, 3, 3 * time.Second},
		{"linear capped", backoff.Linear{Initial: time.Second, Max: 2 * time.Second}, 5, 2 * time.Second},
		{"linear zero attempts", backoff.Linear{Initial: time.Second}, 0, time.Second},
		{"exponential first", backoff.Exponential{Initial: time.Second}, 1, time.Second},
		{"exponential fourth", backoff.Exponential{Initial: time.Second}, 4, 8 * time.Second},
		{"exponential capped", backoff.Exponential{Initial: time.Second, Max: 5 * time.Second}, 10, 5 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.strategy.Delay(tt.attempts); got != tt.want {
				t.Errorf("Delay(%d) = %v, want %v", tt.attempts, got, tt.want)
			}
		})
	}
}

func TestExponentialJitter_WithinBounds(t *testing.T) {
	s := backoff.Exponential{Initial: time.Second, Max: 10 * time.Second, Jitter: true}
	for attempts := 1; attempts <= 8; attempts++ {
		bound := min(time.Second<<(attempts-1), 10*time.Second)
		for range 50 {
			d := s.Delay(attempts)
			if d < 0 || d > bound {
				t.Fatalf("Delay(%d) = %v outside [0, %v]", attempts, d, bound)
			}
		}
	}
}

func TestRunAt(t *testing.T) {
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	if got := backoff.RunAt(nil, 3, now); !got.Equal(now) {
		t.Errorf("nil strategy: got %v, want %v", got, now)
	}
	if got := backoff.RunAt(backoff.Constant{Interval: time.Minute}, 1, now); !got.Equal(now.Add(time.Minute)) {
		t.Errorf("constant: got %v", got)
	}
}

func TestDefaultStrategy(t *testing.T) {
	s, ok := backoff.DefaultStrategy().(backoff.Exponential)
	if !ok {
		t.Fatalf("expected Exponential, got %T", backoff.DefaultStrategy())
	}
	if !s.Jitter || s.Initial != 5*time.Second || s.Max != 5*time.Minute {
		t.Errorf("unexpected default %+v", s)
	}
}
