package middleware_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/xraph/batch/id"
	"github.com/xraph/batch/job"
	"github.com/xraph/batch/middleware"
)

func TestChain_ExecutionOrder(t *testing.T) {
	var order []string

	mw1 := func(ctx context.Context, _ *job.Job, next middleware.Handler) error {
		order = append(order, "mw1-before")
		err := next(ctx)
		order = append(order, "mw1-after")
		return err
	}

	mw2 := func(ctx context.Context, _ *job.Job, next middleware.Handler) error {
		order = append(order, "mw2-before")
		err := next(ctx)
		order = append(order, "mw2-after")
		return err
	}

	chain := middleware.Chain(mw1, mw2)
	j := &job.Job{Type: "test", ID: id.NewJobID()}
	handler := func(_ context.Context) error {
		order = append(order, "handler")
		return nil
	}

	err := chain(context.Background(), j, handler)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expected := []string{"mw1-before", "mw2-before", "handler", "mw2-after", "mw1-after"}
	if len(order) != len(expected) {
		t.Fatalf("expected %d calls, got %d: %v", len(expected), len(order), order)
	}
	for i, want := range expected {
		if order[i] != want {
			t.Errorf("order[%d] = %q, want %q", i, order[i], want)
		}
	}
}

func TestChain_Empty(t *testing.T) {
	chain := middleware.Chain()
	called := false
	handler := func(_ context.Context) error {
		called = true
		return nil
	}

	err := chain(context.Background(), &job.Job{ID: id.NewJobID()}, handler)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Fatal("handler not called with empty chain")
	}
}

func TestChain_PropagatesError(t *testing.T) {
	mw := func(ctx context.Context, _ *job.Job, next middleware.Handler) error {
		return next(ctx)
	}
	chain := middleware.Chain(mw)
	want := errors.New("handler error")

	err := chain(context.Background(), &job.Job{ID: id.NewJobID()}, func(_ context.Context) error {
		return want
	})
	if !errors.Is(err, want) {
		t.Fatalf("expected %v, got %v", want, err)
	}
}

func TestRecover_CatchesPanic(t *testing.T) {
	logger := slog.Default()
	mw := middleware.Recover(logger)
	j := &job.Job{Type: "panicky", ID: id.MustParse("job_01h455vb4pex5vsknk084sn02q")}

	err := mw(context.Background(), j, func(_ context.Context) error {
		panic("test panic")
	})
	if err == nil {
		t.Fatal("expected error from panic recovery")
	}
	if got := err.Error(); got != "panic in panicky job job_01h455vb4pex5vsknk084sn02q: test panic" {
		t.Errorf("unexpected error message: %q", got)
	}
	if !errors.Is(err, middleware.ErrHandlerPanic) {
		t.Error("recovered error should wrap ErrHandlerPanic")
	}
}

func TestRecover_PassesThrough(t *testing.T) {
	logger := slog.Default()
	mw := middleware.Recover(logger)
	j := &job.Job{Type: "normal", ID: id.NewJobID()}

	called := false
	err := mw(context.Background(), j, func(_ context.Context) error {
		called = true
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Fatal("handler not called")
	}
}

func logLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	dec := json.NewDecoder(buf)
	for dec.More() {
		var rec map[string]any
		if err := dec.Decode(&rec); err != nil {
			t.Fatalf("decode log line: %v", err)
		}
		out = append(out, rec)
	}
	return out
}

func TestLogging_Outcomes(t *testing.T) {
	tests := []struct {
		name    string
		expires time.Duration
		run     middleware.Handler
		level   string
		msg     string
	}{
		{"completed", time.Minute, func(context.Context) error { return nil }, "INFO", "job completed"},
		{"failed", time.Minute, func(context.Context) error { return errors.New("upstream 503") }, "ERROR", "job failed"},
		{"outlived lease", -time.Second, func(ctx context.Context) error { <-ctx.Done(); return ctx.Err() }, "WARN", "job outlived its lease"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := slog.New(slog.NewJSONHandler(&buf, nil))
			chain := middleware.Chain(middleware.Logging(logger), middleware.Deadline(slog.New(slog.DiscardHandler), 0))
			j := &job.Job{
				Type:              "export",
				ID:                id.NewJobID(),
				PartnerID:         7,
				ExecutionAttempts: 3,
				Lease:             &job.Lease{ExpiresAt: time.Now().Add(tt.expires)},
			}

			_ = chain(context.Background(), j, tt.run)

			lines := logLines(t, &buf)
			if len(lines) != 2 {
				t.Fatalf("got %d log lines, want start and outcome", len(lines))
			}
			last := lines[1]
			if last["level"] != tt.level || last["msg"] != tt.msg {
				t.Errorf("outcome line = %s %q, want %s %q", last["level"], last["msg"], tt.level, tt.msg)
			}
			for _, rec := range lines {
				if rec["partner_id"] != float64(7) || rec["attempt"] != float64(3) || rec["job_id"] != j.ID.String() {
					t.Errorf("line %q missing job fields: %v", rec["msg"], rec)
				}
			}
			if _, ok := last["overrun"]; ok != (tt.level == "WARN") {
				t.Errorf("overrun present = %v on %q", ok, tt.msg)
			}
		})
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want middleware.Outcome
	}{
		{nil, middleware.OutcomeOK},
		{errors.New("upstream 503"), middleware.OutcomeError},
		{fmt.Errorf("export: %w", context.DeadlineExceeded), middleware.OutcomeLeaseExpired},
		{fmt.Errorf("%w in export job x: boom", middleware.ErrHandlerPanic), middleware.OutcomePanic},
		{context.Canceled, middleware.OutcomeError},
	}
	for _, tt := range tests {
		if got := middleware.Classify(tt.err); got != tt.want {
			t.Errorf("Classify(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}
}

func TestDeadline_BoundsContextByLease(t *testing.T) {
	expires := time.Now().Add(time.Hour)
	j := &job.Job{
		ID:    id.NewJobID(),
		Type:  "export",
		Lease: &job.Lease{Key: job.LockKey{SchedulerID: 1}, ExpiresAt: expires},
	}
	mw := middleware.Deadline(slog.Default(), time.Minute)

	err := mw(context.Background(), j, func(ctx context.Context) error {
		deadline, ok := ctx.Deadline()
		if !ok {
			t.Fatal("expected a deadline on the handler context")
		}
		if want := expires.Add(-time.Minute); !deadline.Equal(want) {
			t.Errorf("deadline = %v, want %v", deadline, want)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestDeadline_ExpiredLeaseCancels(t *testing.T) {
	j := &job.Job{
		ID:    id.NewJobID(),
		Lease: &job.Lease{ExpiresAt: time.Now().Add(-time.Second)},
	}
	mw := middleware.Deadline(slog.Default(), 0)

	err := mw(context.Background(), j, func(ctx context.Context) error {
		return ctx.Err()
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}
}

func TestDeadline_NoOpWithoutLease(t *testing.T) {
	mw := middleware.Deadline(slog.Default(), time.Minute)
	j := &job.Job{ID: id.NewJobID()}

	err := mw(context.Background(), j, func(ctx context.Context) error {
		if _, ok := ctx.Deadline(); ok {
			t.Fatal("expected no deadline for an unleased job")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
