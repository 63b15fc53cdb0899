package ext_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/xraph/batch/ext"
	"github.com/xraph/batch/job"
	"github.com/xraph/batch/load"
)

// ──────────────────────────────────────────────────
// Test extensions
// ──────────────────────────────────────────────────

// allHooksExt implements every lifecycle hook for testing.
type allHooksExt struct {
	calls []string
}

func (e *allHooksExt) Name() string { return "all-hooks" }

func (e *allHooksExt) OnJobCreated(_ context.Context, _ *job.Job) error {
	e.calls = append(e.calls, "OnJobCreated")
	return nil
}

func (e *allHooksExt) OnJobClaimed(_ context.Context, _ *job.Job) error {
	e.calls = append(e.calls, "OnJobClaimed")
	return nil
}

func (e *allHooksExt) OnJobUpdated(_ context.Context, _ *job.Job) error {
	e.calls = append(e.calls, "OnJobUpdated")
	return nil
}

func (e *allHooksExt) OnJobFreed(_ context.Context, _ *job.Job) error {
	e.calls = append(e.calls, "OnJobFreed")
	return nil
}

func (e *allHooksExt) OnJobRetrying(_ context.Context, _ *job.Job, _ time.Time) error {
	e.calls = append(e.calls, "OnJobRetrying")
	return nil
}

func (e *allHooksExt) OnJobFatal(_ context.Context, _ *job.Job) error {
	e.calls = append(e.calls, "OnJobFatal")
	return nil
}

func (e *allHooksExt) OnJobAborted(_ context.Context, _ *job.Job) error {
	e.calls = append(e.calls, "OnJobAborted")
	return nil
}

func (e *allHooksExt) OnJobExecuted(_ context.Context, _ *job.Job, _ time.Duration, _ error) error {
	e.calls = append(e.calls, "OnJobExecuted")
	return nil
}

func (e *allHooksExt) OnLoadRefreshed(_ context.Context, _ load.RefreshResult, _ time.Duration) error {
	e.calls = append(e.calls, "OnLoadRefreshed")
	return nil
}

func (e *allHooksExt) OnShutdown(_ context.Context) error {
	e.calls = append(e.calls, "OnShutdown")
	return nil
}

// claimOnlyExt only implements the claim hook.
type claimOnlyExt struct {
	calls []string
}

func (e *claimOnlyExt) Name() string { return "claim-only" }

func (e *claimOnlyExt) OnJobClaimed(_ context.Context, _ *job.Job) error {
	e.calls = append(e.calls, "OnJobClaimed")
	return nil
}

// failingExt returns errors from hooks.
type failingExt struct{}

func (e *failingExt) Name() string { return "failing" }

func (e *failingExt) OnJobClaimed(_ context.Context, _ *job.Job) error {
	return errors.New("boom")
}

func (e *failingExt) OnShutdown(_ context.Context) error {
	return errors.New("shutdown boom")
}

// ──────────────────────────────────────────────────
// Tests
// ──────────────────────────────────────────────────

func TestRegistry_RegisterDiscoversInterfaces(t *testing.T) {
	r := ext.NewRegistry(slog.Default())
	r.Register(&allHooksExt{})

	if got := len(r.Extensions()); got != 1 {
		t.Fatalf("expected 1 extension, got %d", got)
	}
	if got := r.Extensions()[0].Name(); got != "all-hooks" {
		t.Fatalf("expected name 'all-hooks', got %q", got)
	}
}

func TestRegistry_EmitFiresOnlyImplementors(t *testing.T) {
	r := ext.NewRegistry(slog.Default())
	all := &allHooksExt{}
	co := &claimOnlyExt{}
	r.Register(all)
	r.Register(co)

	ctx := context.Background()
	j := &job.Job{Type: "export"}

	r.EmitJobClaimed(ctx, j)
	if len(all.calls) != 1 || len(co.calls) != 1 {
		t.Fatalf("after claim: all=%v claim-only=%v", all.calls, co.calls)
	}

	r.EmitJobFreed(ctx, j)
	if len(all.calls) != 2 || all.calls[1] != "OnJobFreed" {
		t.Fatalf("all: expected OnJobFreed as 2nd, got %v", all.calls)
	}
	if len(co.calls) != 1 {
		t.Fatalf("claim-only: should still have 1 call, got %v", co.calls)
	}
}

func TestRegistry_AllHooksFire(t *testing.T) {
	r := ext.NewRegistry(slog.Default())
	all := &allHooksExt{}
	r.Register(all)

	ctx := context.Background()
	j := &job.Job{Type: "export"}

	r.EmitJobCreated(ctx, j)
	r.EmitJobClaimed(ctx, j)
	r.EmitJobUpdated(ctx, j)
	r.EmitJobFreed(ctx, j)
	r.EmitJobRetrying(ctx, j, time.Now())
	r.EmitJobFatal(ctx, j)
	r.EmitJobAborted(ctx, j)
	r.EmitJobExecuted(ctx, j, time.Second, nil)
	r.EmitLoadRefreshed(ctx, load.RefreshResult{}, time.Millisecond)
	r.EmitShutdown(ctx)

	expected := []string{
		"OnJobCreated", "OnJobClaimed", "OnJobUpdated", "OnJobFreed",
		"OnJobRetrying", "OnJobFatal", "OnJobAborted", "OnJobExecuted",
		"OnLoadRefreshed", "OnShutdown",
	}
	if len(all.calls) != len(expected) {
		t.Fatalf("expected %d calls, got %d: %v", len(expected), len(all.calls), all.calls)
	}
	for i, want := range expected {
		if all.calls[i] != want {
			t.Errorf("call[%d] = %q, want %q", i, all.calls[i], want)
		}
	}
}

func TestRegistry_LeaseHooksAdapter(t *testing.T) {
	r := ext.NewRegistry(slog.Default())
	all := &allHooksExt{}
	r.Register(all)

	ctx := context.Background()
	hooks := r.LeaseHooks()
	j := &job.Job{Type: "export"}

	hooks.JobClaimed(ctx, j)
	hooks.JobUpdated(ctx, j)
	hooks.JobFreed(ctx, j)
	hooks.JobRetrying(ctx, j)
	hooks.JobFatal(ctx, j)

	expected := []string{"OnJobClaimed", "OnJobUpdated", "OnJobFreed", "OnJobRetrying", "OnJobFatal"}
	if len(all.calls) != len(expected) {
		t.Fatalf("expected %v, got %v", expected, all.calls)
	}
	for i, want := range expected {
		if all.calls[i] != want {
			t.Errorf("call[%d] = %q, want %q", i, all.calls[i], want)
		}
	}
}

func TestRegistry_HookErrorsLoggedNotPropagated(t *testing.T) {
	r := ext.NewRegistry(slog.Default())
	all := &allHooksExt{}

	// Register failing first, then all-hooks. Both should be called.
	r.Register(&failingExt{})
	r.Register(all)

	ctx := context.Background()
	r.EmitJobClaimed(ctx, &job.Job{})
	r.EmitShutdown(ctx)

	if len(all.calls) != 2 || all.calls[0] != "OnJobClaimed" {
		t.Fatalf("all: expected hooks to fire despite failing ext, got %v", all.calls)
	}
}

func TestRegistry_EmptyRegistryNoOp(_ *testing.T) {
	r := ext.NewRegistry(nil)
	ctx := context.Background()

	// None of these should panic or error.
	r.EmitJobCreated(ctx, &job.Job{})
	r.EmitJobClaimed(ctx, &job.Job{})
	r.EmitJobUpdated(ctx, &job.Job{})
	r.EmitJobFreed(ctx, &job.Job{})
	r.EmitJobRetrying(ctx, &job.Job{}, time.Now())
	r.EmitJobFatal(ctx, &job.Job{})
	r.EmitJobAborted(ctx, &job.Job{})
	r.EmitJobExecuted(ctx, &job.Job{}, time.Second, errors.New("x"))
	r.EmitLoadRefreshed(ctx, load.RefreshResult{}, 0)
	r.EmitShutdown(ctx)
}

func TestRegistry_MultipleExtensionsOrderPreserved(t *testing.T) {
	r := ext.NewRegistry(slog.Default())
	ext1 := &allHooksExt{}
	ext2 := &allHooksExt{}
	r.Register(ext1)
	r.Register(ext2)

	r.EmitJobClaimed(context.Background(), &job.Job{})

	if len(ext1.calls) != 1 {
		t.Errorf("ext1: expected 1 call, got %d", len(ext1.calls))
	}
	if len(ext2.calls) != 1 {
		t.Errorf("ext2: expected 1 call, got %d", len(ext2.calls))
	}
}
