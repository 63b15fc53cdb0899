package middleware_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/xraph/batch/id"
	"github.com/xraph/batch/job"
	mw "github.com/xraph/batch/middleware"
)

func setupTestTracer() (*tracetest.SpanRecorder, trace.Tracer) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	return sr, tp.Tracer("test")
}

// newTestJob returns an export job for partner 42 on its second attempt,
// leased to scheduler 1, worker 2, slot 5.
func newTestJob() *job.Job {
	return &job.Job{
		ID:                id.NewJobID(),
		Type:              "export",
		PartnerID:         42,
		ExecutionAttempts: 2,
		Lease: &job.Lease{
			Key:       job.LockKey{SchedulerID: 1, WorkerID: 2, BatchIndex: 5},
			ExpiresAt: time.Now().Add(time.Minute),
		},
	}
}

func spanAttrs(s sdktrace.ReadOnlySpan) map[string]any {
	out := make(map[string]any)
	for _, a := range s.Attributes() {
		switch a.Value.Type() {
		case attribute.STRING:
			out[string(a.Key)] = a.Value.AsString()
		case attribute.INT64:
			out[string(a.Key)] = a.Value.AsInt64()
		}
	}
	return out
}

func TestTracing_LeaseAttributes(t *testing.T) {
	sr, tracer := setupTestTracer()
	j := newTestJob()

	_ = mw.TracingWithTracer(tracer)(context.Background(), j, func(context.Context) error { return nil })

	spans := sr.Ended()
	if len(spans) != 1 || spans[0].Name() != "batch.job.execute" {
		t.Fatalf("spans = %v, want one batch.job.execute span", spans)
	}
	want := map[string]any{
		"batch.job.id":       j.ID.String(),
		"batch.job.type":     "export",
		"batch.partner_id":   int64(42),
		"batch.attempt":      int64(2),
		"batch.scheduler_id": int64(1),
		"batch.worker_id":    int64(2),
		"batch.batch_index":  int64(5),
		"batch.outcome":      "ok",
	}
	got := spanAttrs(spans[0])
	for k, v := range want {
		if got[k] != v {
			t.Errorf("%s = %v, want %v", k, got[k], v)
		}
	}
}

func TestTracing_UnleasedJobHasNoHolder(t *testing.T) {
	sr, tracer := setupTestTracer()
	j := newTestJob()
	j.Lease = nil

	_ = mw.TracingWithTracer(tracer)(context.Background(), j, func(context.Context) error { return nil })

	got := spanAttrs(sr.Ended()[0])
	for _, k := range []string{"batch.scheduler_id", "batch.worker_id", "batch.batch_index"} {
		if _, ok := got[k]; ok {
			t.Errorf("unleased span carries %s", k)
		}
	}
	if got["batch.partner_id"] != int64(42) {
		t.Errorf("batch.partner_id = %v, want 42", got["batch.partner_id"])
	}
}

func TestTracing_Outcomes(t *testing.T) {
	tests := []struct {
		name    string
		expires time.Duration
		run     mw.Handler
		outcome string
		status  codes.Code
	}{
		{"completed", time.Minute, func(context.Context) error { return nil }, "ok", codes.Ok},
		{"failed", time.Minute, func(context.Context) error { return errors.New("upstream 503") }, "error", codes.Error},
		{"panicked", time.Minute, func(context.Context) error { panic("nil payload") }, "panic", codes.Error},
		{"outlived lease", -time.Second, func(ctx context.Context) error { <-ctx.Done(); return ctx.Err() }, "lease_expired", codes.Error},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sr, tracer := setupTestTracer()
			chain := mw.Chain(mw.TracingWithTracer(tracer), mw.Recover(slog.Default()), mw.Deadline(slog.Default(), 0))
			j := newTestJob()
			j.Lease.ExpiresAt = time.Now().Add(tt.expires)

			_ = chain(context.Background(), j, tt.run)

			s := sr.Ended()[0]
			if got := spanAttrs(s)["batch.outcome"]; got != tt.outcome {
				t.Errorf("batch.outcome = %v, want %s", got, tt.outcome)
			}
			if s.Status().Code != tt.status {
				t.Errorf("status = %v, want %v", s.Status().Code, tt.status)
			}
			if tt.status == codes.Error && len(s.Events()) == 0 {
				t.Error("error was not recorded on the span")
			}
		})
	}
}

func TestTracing_PropagatesContext(t *testing.T) {
	sr, tracer := setupTestTracer()

	var inner trace.SpanContext
	_ = mw.TracingWithTracer(tracer)(context.Background(), newTestJob(), func(ctx context.Context) error {
		inner = trace.SpanFromContext(ctx).SpanContext()
		return nil
	})

	if !inner.IsValid() || inner.TraceID() != sr.Ended()[0].SpanContext().TraceID() {
		t.Error("handler did not run inside the job span")
	}
}

func TestTracing_DefaultNoopSafe(t *testing.T) {
	called := false
	err := mw.Tracing()(context.Background(), newTestJob(), func(context.Context) error {
		called = true
		return nil
	})
	if err != nil || !called {
		t.Fatalf("err = %v, called = %v", err, called)
	}
}
