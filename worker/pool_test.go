package worker_test

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xraph/batch"
	"github.com/xraph/batch/ext"
	"github.com/xraph/batch/id"
	"github.com/xraph/batch/job"
	"github.com/xraph/batch/lease"
	"github.com/xraph/batch/load"
	"github.com/xraph/batch/middleware"
	"github.com/xraph/batch/queue"
	"github.com/xraph/batch/store/memory"
	"github.com/xraph/batch/worker"
)

// managerLeaser serves the pool straight from a lease manager.
type managerLeaser struct{ m *lease.Manager }

func (l managerLeaser) ClaimJobs(ctx context.Context, key job.LockKey, d time.Duration, count int, filter job.Filter, jobType job.Type) ([]*job.Job, error) {
	return l.m.Claim(ctx, jobType, filter, d, count, key)
}

func (l managerLeaser) FreeJob(ctx context.Context, jobID id.JobID, key job.LockKey, jobType job.Type, reset bool, opts ...lease.FreeOption) (*lease.FreeResult, error) {
	j, err := l.m.Free(ctx, jobID, key, lease.NewFreeOptions(jobType, reset, opts...))
	if err != nil {
		return nil, err
	}
	return &lease.FreeResult{Job: j, JobType: j.Type}, nil
}

type testEnv struct {
	store      *memory.Store
	registry   *job.Registry
	extensions *ext.Registry
	leaser     worker.Leaser
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	s := memory.New()
	reg := job.NewRegistry()
	ledger := load.NewLedger(s, reg)
	mgr := lease.NewManager(s, queue.NewSelector(s, ledger), reg)
	return &testEnv{
		store:      s,
		registry:   reg,
		extensions: ext.NewRegistry(slog.Default()),
		leaser:     managerLeaser{mgr},
	}
}

func (e *testEnv) pool(t *testing.T, slots int, types ...job.Type) *worker.Pool {
	t.Helper()
	logger := slog.Default()
	executor := worker.NewExecutor(e.registry, e.extensions, e.leaser, 3, logger,
		middleware.Recover(logger),
	)
	return worker.NewPool(e.leaser, executor, 1, 2, logger,
		worker.WithSlots(slots),
		worker.WithJobTypes(types...),
		worker.WithPollInterval(10*time.Millisecond),
		worker.WithMaxExecutionTime(time.Minute),
	)
}

func (e *testEnv) addJob(t *testing.T, jobType job.Type, payload any) *job.Job {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	j := &job.Job{
		Entity:    batch.NewEntity(),
		ID:        id.NewJobID(),
		Type:      jobType,
		PartnerID: 1,
		Status:    job.StatusPending,
		Payload:   data,
		RunAt:     time.Now().UTC().Add(-time.Second),
	}
	if err := e.store.CreateJob(context.Background(), j); err != nil {
		t.Fatalf("create job: %v", err)
	}
	return j
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for condition")
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}
}

func stop(t *testing.T, p *worker.Pool) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.Stop(ctx); err != nil {
		t.Fatalf("stop error: %v", err)
	}
}

func (e *testEnv) status(t *testing.T, jobID id.JobID) job.Status {
	t.Helper()
	j, err := e.store.GetJob(context.Background(), jobID)
	if err != nil {
		t.Fatal(err)
	}
	return j.Status
}

func TestPool_StartStop(t *testing.T) {
	env := newTestEnv(t)
	pool := env.pool(t, 2, "noop")

	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("unexpected start error: %v", err)
	}
	// Double start should be no-op.
	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("unexpected double-start error: %v", err)
	}
	stop(t, pool)
	// Double stop should be no-op.
	stop(t, pool)
}

func TestPool_ProcessesJob(t *testing.T) {
	env := newTestEnv(t)

	var processed atomic.Bool
	job.RegisterDefinition(env.registry, job.NewDefinition("greet", func(_ context.Context, p struct{ Name string }) error {
		if p.Name != "Alice" {
			t.Errorf("payload.Name = %q, want %q", p.Name, "Alice")
		}
		processed.Store(true)
		return nil
	}))
	j := env.addJob(t, "greet", struct{ Name string }{Name: "Alice"})

	pool := env.pool(t, 1, "greet")
	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("start error: %v", err)
	}
	waitFor(t, func() bool { return env.status(t, j.ID) == job.StatusFinished })
	stop(t, pool)

	if !processed.Load() {
		t.Fatal("handler never ran")
	}
	got, _ := env.store.GetJob(context.Background(), j.ID)
	if got.Lease != nil {
		t.Errorf("lease = %+v, want released", got.Lease)
	}
	if got.FinishedAt == nil {
		t.Error("expected FinishedAt to be set")
	}
}

func TestPool_FailureOutcomes(t *testing.T) {
	tests := []struct {
		name        string
		maxAttempts int
		err         error
		want        job.Status
	}{
		{"retryable", 3, errors.New("upstream timeout"), job.StatusRetry},
		{"permanent", 3, job.Permanent(errors.New("bad input")), job.StatusFatal},
		{"exhausted", 1, errors.New("upstream timeout"), job.StatusFatal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			var calls atomic.Int32
			job.RegisterDefinition(env.registry, job.NewDefinition("flaky", func(_ context.Context, _ struct{}) error {
				calls.Add(1)
				return tt.err
			}, job.WithMaxAttempts(tt.maxAttempts)))
			j := env.addJob(t, "flaky", struct{}{})

			executor := worker.NewExecutor(env.registry, env.extensions, env.leaser, 3, slog.Default())
			key := job.LockKey{SchedulerID: 1, WorkerID: 2, BatchIndex: 0}
			claimed, err := env.leaser.ClaimJobs(context.Background(), key, time.Minute, 1, job.Filter{}, "flaky")
			if err != nil || len(claimed) != 1 {
				t.Fatalf("claim: %v, %d jobs", err, len(claimed))
			}

			if err := executor.Execute(context.Background(), claimed[0], key); !errors.Is(err, tt.err) {
				t.Fatalf("Execute error = %v, want %v", err, tt.err)
			}
			got, _ := env.store.GetJob(context.Background(), j.ID)
			if got.Status != tt.want {
				t.Errorf("status = %q, want %q", got.Status, tt.want)
			}
			if got.Message != tt.err.Error() {
				t.Errorf("message = %q, want %q", got.Message, tt.err.Error())
			}
			if got.Lease != nil {
				t.Error("lease still held after failure")
			}
			if calls.Load() != 1 {
				t.Errorf("handler calls = %d, want 1", calls.Load())
			}
		})
	}
}

func TestPool_UnhandledTypeIsReleased(t *testing.T) {
	env := newTestEnv(t)
	env.registry.RegisterType("remote-only")
	j := env.addJob(t, "remote-only", struct{}{})

	executor := worker.NewExecutor(env.registry, env.extensions, env.leaser, 3, slog.Default())
	key := job.LockKey{SchedulerID: 1, WorkerID: 2, BatchIndex: 0}
	claimed, err := env.leaser.ClaimJobs(context.Background(), key, time.Minute, 1, job.Filter{}, "remote-only")
	if err != nil || len(claimed) != 1 {
		t.Fatalf("claim: %v, %d jobs", err, len(claimed))
	}

	if err := executor.Execute(context.Background(), claimed[0], key); !errors.Is(err, worker.ErrNoHandler) {
		t.Fatalf("Execute error = %v, want ErrNoHandler", err)
	}
	if got := env.status(t, j.ID); got != job.StatusRetry {
		t.Errorf("status = %q, want %q", got, job.StatusRetry)
	}
}

func TestPool_SlotsOwnDistinctKeys(t *testing.T) {
	env := newTestEnv(t)
	const slots, jobs = 3, 12

	var (
		mu      sync.Mutex
		running = map[int]bool{}
		seen    = map[int]bool{}
		overlap atomic.Bool
		done    atomic.Int32
	)
	env.registry.Register(job.Descriptor{
		Type: "convert",
		Handler: func(_ context.Context, j *job.Job) error {
			idx := j.Lease.Key.BatchIndex
			mu.Lock()
			if running[idx] {
				overlap.Store(true)
			}
			running[idx] = true
			seen[idx] = true
			mu.Unlock()

			time.Sleep(5 * time.Millisecond)

			mu.Lock()
			running[idx] = false
			mu.Unlock()
			done.Add(1)
			return nil
		},
	})
	for range jobs {
		env.addJob(t, "convert", struct{}{})
	}

	pool := env.pool(t, slots, "convert")
	if err := pool.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return done.Load() == jobs })
	stop(t, pool)

	if overlap.Load() {
		t.Error("a slot ran two jobs at once")
	}
	mu.Lock()
	defer mu.Unlock()
	for idx := range seen {
		if idx < 0 || idx >= slots {
			t.Errorf("batch index %d outside [0,%d)", idx, slots)
		}
	}
	if k := pool.Key(2); k != (job.LockKey{SchedulerID: 1, WorkerID: 2, BatchIndex: 2}) {
		t.Errorf("Key(2) = %+v", k)
	}
}

func TestPool_ExtensionFires(t *testing.T) {
	env := newTestEnv(t)
	tracker := &trackingExt{}
	env.extensions.Register(tracker)

	job.RegisterDefinition(env.registry, job.NewDefinition("tracked", func(_ context.Context, _ struct{}) error {
		return nil
	}))
	j := env.addJob(t, "tracked", struct{}{})

	pool := env.pool(t, 1, "tracked")
	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("start error: %v", err)
	}
	waitFor(t, func() bool { return env.status(t, j.ID) == job.StatusFinished })
	stop(t, pool)

	if !tracker.executed.Load() {
		t.Error("expected OnJobExecuted to fire")
	}
	if tracker.failed.Load() {
		t.Error("OnJobExecuted reported an error for a successful job")
	}
}

func TestPool_GracefulShutdown(t *testing.T) {
	env := newTestEnv(t)
	release := make(chan struct{})
	var started atomic.Bool
	job.RegisterDefinition(env.registry, job.NewDefinition("slow", func(ctx context.Context, _ struct{}) error {
		started.Store(true)
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}))
	j := env.addJob(t, "slow", struct{}{})

	pool := env.pool(t, 1, "slow")
	if err := pool.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, started.Load)

	// A stop deadline shorter than the handler cancels it; the job is
	// still freed for another attempt.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := pool.Stop(ctx); err != nil {
		t.Fatalf("stop error: %v", err)
	}
	close(release)

	if got := env.status(t, j.ID); got != job.StatusRetry {
		t.Errorf("status = %q, want %q", got, job.StatusRetry)
	}
}

// ──────────────────────────────────────────────────
// Helpers
// ──────────────────────────────────────────────────

// trackingExt records which hooks fired.
type trackingExt struct {
	executed atomic.Bool
	failed   atomic.Bool
}

func (e *trackingExt) Name() string { return "tracker" }

func (e *trackingExt) OnJobExecuted(_ context.Context, _ *job.Job, _ time.Duration, err error) error {
	e.executed.Store(true)
	if err != nil {
		e.failed.Store(true)
	}
	return nil
}
