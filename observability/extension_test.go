package observability_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	gu "github.com/xraph/go-utils/metrics"

	"github.com/xraph/batch/ext"
	"github.com/xraph/batch/id"
	"github.com/xraph/batch/job"
	"github.com/xraph/batch/load"
	"github.com/xraph/batch/observability"
)

func newTestExtension() *observability.MetricsExtension {
	return observability.NewMetricsExtensionWithFactory(gu.NewMetricsCollector("test"))
}

func newTestJob() *job.Job {
	return &job.Job{
		ID:        id.NewJobID(),
		Type:      "export",
		PartnerID: 42,
	}
}

func TestMetricsExtension_Name(t *testing.T) {
	e := newTestExtension()
	if e.Name() != "observability-metrics" {
		t.Errorf("expected name %q, got %q", "observability-metrics", e.Name())
	}
}

func TestMetricsExtension_Hooks(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		fire    func(e *observability.MetricsExtension) error
		counter func(e *observability.MetricsExtension) gu.Counter
	}{
		{"JobCreated", func(e *observability.MetricsExtension) error {
			return e.OnJobCreated(ctx, newTestJob())
		}, func(e *observability.MetricsExtension) gu.Counter { return e.JobCreated }},
		{"JobClaimed", func(e *observability.MetricsExtension) error {
			return e.OnJobClaimed(ctx, newTestJob())
		}, func(e *observability.MetricsExtension) gu.Counter { return e.JobClaimed }},
		{"JobUpdated", func(e *observability.MetricsExtension) error {
			return e.OnJobUpdated(ctx, newTestJob())
		}, func(e *observability.MetricsExtension) gu.Counter { return e.JobUpdated }},
		{"JobFreed", func(e *observability.MetricsExtension) error {
			return e.OnJobFreed(ctx, newTestJob())
		}, func(e *observability.MetricsExtension) gu.Counter { return e.JobFreed }},
		{"JobRetrying", func(e *observability.MetricsExtension) error {
			return e.OnJobRetrying(ctx, newTestJob(), time.Now().Add(time.Minute))
		}, func(e *observability.MetricsExtension) gu.Counter { return e.JobRetried }},
		{"JobFatal", func(e *observability.MetricsExtension) error {
			return e.OnJobFatal(ctx, newTestJob())
		}, func(e *observability.MetricsExtension) gu.Counter { return e.JobFatal }},
		{"JobAborted", func(e *observability.MetricsExtension) error {
			return e.OnJobAborted(ctx, newTestJob())
		}, func(e *observability.MetricsExtension) gu.Counter { return e.JobAborted }},
		{"JobExecuted", func(e *observability.MetricsExtension) error {
			return e.OnJobExecuted(ctx, newTestJob(), time.Second, nil)
		}, func(e *observability.MetricsExtension) gu.Counter { return e.JobExecuted }},
		{"LoadRefreshed", func(e *observability.MetricsExtension) error {
			return e.OnLoadRefreshed(ctx, load.RefreshResult{Inserted: 2}, time.Millisecond)
		}, func(e *observability.MetricsExtension) gu.Counter { return e.LoadRefreshed }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestExtension()
			if err := tt.fire(e); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got := tt.counter(e).Value(); got != 1 {
				t.Errorf("%s: want 1, got %v", tt.name, got)
			}
		})
	}
}

func TestMetricsExtension_FailedExecution(t *testing.T) {
	e := newTestExtension()
	if err := e.OnJobExecuted(context.Background(), newTestJob(), time.Second, errors.New("boom")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if e.JobExecuted.Value() != 1 || e.JobFailed.Value() != 1 {
		t.Errorf("executed=%v failed=%v, want 1 and 1", e.JobExecuted.Value(), e.JobFailed.Value())
	}
}

func TestMetricsExtension_LoadRowFailures(t *testing.T) {
	e := newTestExtension()
	_ = e.OnLoadRefreshed(context.Background(), load.RefreshResult{Failed: 3}, 0)
	if e.LoadRowsFailed.Value() != 3 {
		t.Errorf("LoadRowsFailed: want 3, got %v", e.LoadRowsFailed.Value())
	}
}

func TestMetricsExtension_ViaRegistry(t *testing.T) {
	e := newTestExtension()
	reg := ext.NewRegistry(slog.Default())
	reg.Register(e)

	ctx := context.Background()
	j := newTestJob()
	hooks := reg.LeaseHooks()

	hooks.JobClaimed(ctx, j)
	hooks.JobUpdated(ctx, j)
	hooks.JobFreed(ctx, j)
	hooks.JobRetrying(ctx, j)
	hooks.JobFatal(ctx, j)
	reg.EmitJobCreated(ctx, j)
	reg.EmitJobAborted(ctx, j)

	checks := []struct {
		name  string
		value float64
	}{
		{"JobClaimed", e.JobClaimed.Value()},
		{"JobUpdated", e.JobUpdated.Value()},
		{"JobFreed", e.JobFreed.Value()},
		{"JobRetried", e.JobRetried.Value()},
		{"JobFatal", e.JobFatal.Value()},
		{"JobCreated", e.JobCreated.Value()},
		{"JobAborted", e.JobAborted.Value()},
	}

	for _, c := range checks {
		if c.value != 1 {
			t.Errorf("%s: want 1, got %v", c.name, c.value)
		}
	}
}
