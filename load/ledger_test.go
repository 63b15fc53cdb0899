package load_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/xraph/batch"
	"github.com/xraph/batch/id"
	"github.com/xraph/batch/job"
	"github.com/xraph/batch/load"
	"github.com/xraph/batch/store/memory"
)

var epoch = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func leaseJob(t *testing.T, s *memory.Store, jobType job.Type, partner int64) {
	t.Helper()
	ctx := context.Background()
	e := batch.NewEntity()
	e.CreatedAt = epoch
	j := &job.Job{Entity: e, ID: id.NewJobID(), Type: jobType, PartnerID: partner, Status: job.StatusPending, RunAt: epoch}
	if err := s.CreateJob(ctx, j); err != nil {
		t.Fatal(err)
	}
	lease := job.Lease{Key: job.LockKey{SchedulerID: 1, WorkerID: 1}, ExpiresAt: epoch.Add(time.Hour)}
	if _, err := s.AcquireLease(ctx, j.ID, job.ClaimableStatuses, lease, epoch); err != nil {
		t.Fatal(err)
	}
}

func TestRefreshReconciles(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	reg := job.NewRegistry()
	reg.RegisterType("export", job.WithLoadWeight(2))

	leaseJob(t, s, "export", 1)
	leaseJob(t, s, "export", 1)
	leaseJob(t, s, "export", 2)

	// A stale row for a partner with no live leases, and one that changed.
	_ = s.UpsertPartnerLoad(ctx, &load.PartnerLoad{PartnerID: 7, JobType: "export", Load: 4, WeightedLoad: 8})
	_ = s.UpsertPartnerLoad(ctx, &load.PartnerLoad{PartnerID: 2, JobType: "export", Load: 3, WeightedLoad: 6})

	ld := load.NewLedger(s, reg, load.WithClock(func() time.Time { return epoch.Add(time.Second) }))
	res, err := ld.RefreshErr(ctx)
	if err != nil {
		t.Fatalf("RefreshErr: %v", err)
	}

	want := load.RefreshResult{Inserted: 1, Updated: 1, Deleted: 1}
	if res != want {
		t.Errorf("RefreshResult = %+v, want %+v", res, want)
	}

	loads := ld.Loads(ctx, "export")
	if len(loads) != 2 || loads[1] != 4 || loads[2] != 2 {
		t.Errorf("Loads = %v, want map[1:4 2:2]", loads)
	}

	// A second pass with nothing changed touches no rows.
	res, _ = ld.RefreshErr(ctx)
	if res != (load.RefreshResult{Unchanged: 2}) {
		t.Errorf("second RefreshResult = %+v", res)
	}
}

func TestPartnerWeight(t *testing.T) {
	ld := load.NewLedger(memory.New(), nil, load.WithPartnerWeight(5, 0.5))

	tests := []struct {
		partner int64
		raw     int64
		want    float64
	}{
		{partner: 5, raw: 4, want: 2},
		{partner: 6, raw: 4, want: 4},
		{partner: 6, raw: 0, want: 0},
	}
	for _, tt := range tests {
		if got := ld.Weighted(tt.raw, tt.partner, "export"); got != tt.want {
			t.Errorf("Weighted(%d, %d) = %v, want %v", tt.raw, tt.partner, got, tt.want)
		}
	}
}

type failingStore struct {
	load.Store
}

func (failingStore) AggregateLeaseLoads(context.Context, time.Time) ([]*load.PartnerLoad, error) {
	return nil, errors.New("boom")
}

func (failingStore) ListPartnerLoads(context.Context, job.Type) ([]*load.PartnerLoad, error) {
	return nil, errors.New("boom")
}

func TestFailuresAreSwallowed(t *testing.T) {
	ld := load.NewLedger(failingStore{}, nil)
	ctx := context.Background()

	if _, err := ld.RefreshErr(ctx); err == nil {
		t.Error("RefreshErr returned nil on an aggregate failure")
	}
	if res := ld.Refresh(ctx); res != (load.RefreshResult{}) {
		t.Errorf("Refresh = %+v, want zero result", res)
	}
	if loads := ld.Loads(ctx, "export"); len(loads) != 0 {
		t.Errorf("Loads on read failure = %v, want empty", loads)
	}
}

func TestLoadsCache(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	now := epoch
	ld := load.NewLedger(s, nil,
		load.WithCacheTTL(time.Minute),
		load.WithClock(func() time.Time { return now }),
	)

	_ = s.UpsertPartnerLoad(ctx, &load.PartnerLoad{PartnerID: 1, JobType: "export", Load: 1, WeightedLoad: 1})
	if got := ld.Loads(ctx, "export")[1]; got != 1 {
		t.Fatalf("Loads = %v, want 1", got)
	}

	_ = s.UpsertPartnerLoad(ctx, &load.PartnerLoad{PartnerID: 1, JobType: "export", Load: 3, WeightedLoad: 3})
	if got := ld.Loads(ctx, "export")[1]; got != 1 {
		t.Errorf("cached Loads = %v, want 1", got)
	}

	now = now.Add(2 * time.Minute)
	if got := ld.Loads(ctx, "export")[1]; got != 3 {
		t.Errorf("Loads after TTL = %v, want 3", got)
	}
}
