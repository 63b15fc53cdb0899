// Package storetest holds the behavioural suite every store.Store backend
// must pass. Backends call Run from their own tests with a migrated store.
//
// Each case uses its own job type so one store instance can serve the
// whole suite.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xraph/batch"
	"github.com/xraph/batch/cluster"
	"github.com/xraph/batch/id"
	"github.com/xraph/batch/job"
	"github.com/xraph/batch/load"
	"github.com/xraph/batch/store"
)

// Epoch is the fixed creation time the suite builds jobs around.
var Epoch = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

var seq atomic.Int64

// uniqueType returns a job type no other case uses.
func uniqueType(name string) job.Type {
	return job.Type(fmt.Sprintf("%s-%d-%d", name, time.Now().UnixNano(), seq.Add(1)))
}

// NewJob builds an unleased job of jobType.
func NewJob(jobType job.Type, partner int64, status job.Status, priority int, created time.Time) *job.Job {
	e := batch.NewEntity()
	e.CreatedAt = created
	e.UpdatedAt = created
	return &job.Job{
		Entity:    e,
		ID:        id.NewJobID(),
		Type:      jobType,
		PartnerID: partner,
		Status:    status,
		Priority:  priority,
		Payload:   []byte(`{"test":true}`),
		RunAt:     created,
	}
}

// Key returns the lock key of slot batchIndex on scheduler 1, worker 1.
func Key(batchIndex int) job.LockKey {
	return job.LockKey{SchedulerID: 1, WorkerID: 1, BatchIndex: batchIndex}
}

// Run executes the suite against s.
func Run(t *testing.T, s store.Store) {
	t.Helper()

	cases := []struct {
		name string
		fn   func(*testing.T, store.Store)
	}{
		{"CreateAndGet", testCreateAndGet},
		{"ListJobs", testListJobs},
		{"ListLocksOrder", testListLocksOrder},
		{"ListLocksFilter", testListLocksFilter},
		{"ListLocksPerPartner", testListLocksPerPartner},
		{"AcquireLeaseExclusive", testAcquireLeaseExclusive},
		{"UpdateLeased", testUpdateLeased},
		{"ExpireLease", testExpireLease},
		{"CountLocks", testCountLocks},
		{"AbortJob", testAbortJob},
		{"LoadStore", testLoadStore},
		{"Workers", testWorkers},
		{"Leadership", testLeadership},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) { c.fn(t, s) })
	}
}

func mustCreate(t *testing.T, s store.Store, jobs ...*job.Job) {
	t.Helper()
	for _, j := range jobs {
		if err := s.CreateJob(context.Background(), j); err != nil {
			t.Fatalf("CreateJob: %v", err)
		}
	}
}

func mustLease(t *testing.T, s store.Store, j *job.Job, key job.LockKey, now, expires time.Time) *job.Job {
	t.Helper()
	leased, err := s.AcquireLease(context.Background(), j.ID, job.ClaimableStatuses, job.Lease{Key: key, ExpiresAt: expires}, now)
	if err != nil {
		t.Fatalf("AcquireLease: %v", err)
	}
	return leased
}

func ids(locks []*job.Lock) []string {
	out := make([]string, len(locks))
	for i, l := range locks {
		out[i] = l.JobID.String()
	}
	return out
}

// ──────────────────────────────────────────────────
// Job Store
// ──────────────────────────────────────────────────

func testCreateAndGet(t *testing.T, s store.Store) {
	ctx := context.Background()
	typ := uniqueType("create")

	parent := NewJob(typ, 1, job.StatusPending, 0, Epoch)
	mustCreate(t, s, parent)
	if err := s.CreateJob(ctx, parent); !errors.Is(err, batch.ErrJobAlreadyExists) {
		t.Fatalf("duplicate CreateJob = %v, want ErrJobAlreadyExists", err)
	}

	child := NewJob(typ, 1, job.StatusPending, 3, Epoch)
	child.ParentJobID = parent.ID
	child.RootJobID = parent.ID
	child.ObjectID = "obj-1"
	mustCreate(t, s, child)

	got, err := s.GetJob(ctx, child.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	switch {
	case got.PartnerID != 1, got.Status != job.StatusPending, got.Type != typ:
		t.Errorf("GetJob = %+v", got)
	case got.ParentJobID.String() != parent.ID.String(), got.RootJobID.String() != parent.ID.String():
		t.Errorf("GetJob lineage = parent %s root %s", got.ParentJobID, got.RootJobID)
	case got.Priority != 3, got.ObjectID != "obj-1", string(got.Payload) != `{"test":true}`:
		t.Errorf("GetJob fields = %+v", got)
	case got.Lease != nil:
		t.Errorf("new job carries a lease: %+v", got.Lease)
	}

	top, err := s.GetJob(ctx, parent.ID)
	if err != nil {
		t.Fatalf("GetJob(parent): %v", err)
	}
	if !top.ParentJobID.IsNil() || !top.RootJobID.IsNil() {
		t.Errorf("top-level job lineage = parent %s root %s, want nil", top.ParentJobID, top.RootJobID)
	}

	if _, err := s.GetJob(ctx, id.NewJobID()); !errors.Is(err, batch.ErrJobNotFound) {
		t.Errorf("GetJob(missing) = %v, want ErrJobNotFound", err)
	}
}

func testListJobs(t *testing.T, s store.Store) {
	ctx := context.Background()
	typ := uniqueType("list")

	root := NewJob(typ, 1, job.StatusPending, 0, Epoch)
	a := NewJob(typ, 2, job.StatusPending, 0, Epoch.Add(time.Minute))
	a.ParentJobID, a.RootJobID = root.ID, root.ID
	b := NewJob(typ, 2, job.StatusFinished, 0, Epoch.Add(2*time.Minute))
	b.ParentJobID, b.RootJobID = a.ID, root.ID
	mustCreate(t, s, root, a, b)

	tests := []struct {
		name string
		opts job.ListOpts
		want []string
	}{
		{"type", job.ListOpts{Type: typ}, []string{root.ID.String(), a.ID.String(), b.ID.String()}},
		{"partner", job.ListOpts{Type: typ, PartnerID: 2}, []string{a.ID.String(), b.ID.String()}},
		{"status", job.ListOpts{Type: typ, Status: job.StatusFinished}, []string{b.ID.String()}},
		{"parent", job.ListOpts{ParentJobID: root.ID}, []string{a.ID.String()}},
		{"root", job.ListOpts{RootJobID: root.ID}, []string{a.ID.String(), b.ID.String()}},
		{"page", job.ListOpts{Type: typ, Limit: 1, Offset: 1}, []string{a.ID.String()}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.ListJobs(ctx, tt.opts)
			if err != nil {
				t.Fatalf("ListJobs: %v", err)
			}
			gotIDs := make([]string, len(got))
			for i, j := range got {
				gotIDs[i] = j.ID.String()
			}
			if !slices.Equal(gotIDs, tt.want) {
				t.Errorf("ListJobs = %v, want %v", gotIDs, tt.want)
			}
		})
	}
}

func testListLocksOrder(t *testing.T, s store.Store) {
	ctx := context.Background()
	typ := uniqueType("order")

	lowOld := NewJob(typ, 1, job.StatusPending, 0, Epoch)
	highNew := NewJob(typ, 1, job.StatusPending, 5, Epoch.Add(time.Minute))
	retry := NewJob(typ, 1, job.StatusRetry, 0, Epoch.Add(2*time.Minute))
	future := NewJob(typ, 1, job.StatusPending, 9, Epoch)
	future.RunAt = Epoch.Add(time.Hour)
	fatal := NewJob(typ, 1, job.StatusFatal, 9, Epoch)
	leased := NewJob(typ, 1, job.StatusPending, 9, Epoch)
	mustCreate(t, s, lowOld, highNew, retry, future, fatal, leased)
	now := Epoch.Add(10 * time.Minute)
	mustLease(t, s, leased, Key(0), now, now.Add(time.Minute))

	locks, err := s.ListLocks(ctx, job.LockQuery{
		Type:     typ,
		Statuses: job.ClaimableStatuses,
		Now:      now,
	})
	if err != nil {
		t.Fatalf("ListLocks: %v", err)
	}

	want := []string{retry.ID.String(), highNew.ID.String(), lowOld.ID.String()}
	if got := ids(locks); !slices.Equal(got, want) {
		t.Fatalf("ListLocks = %v, want %v", got, want)
	}

	limited, err := s.ListLocks(ctx, job.LockQuery{Type: typ, Statuses: job.ClaimableStatuses, Now: now, Limit: 2})
	if err != nil {
		t.Fatalf("ListLocks(limit): %v", err)
	}
	if got := ids(limited); !slices.Equal(got, want[:2]) {
		t.Errorf("ListLocks(limit 2) = %v, want %v", got, want[:2])
	}
}

func testListLocksPerPartner(t *testing.T, s store.Store) {
	ctx := context.Background()
	typ := uniqueType("heads")

	var heavy []*job.Job
	for i := range 5 {
		heavy = append(heavy, NewJob(typ, 1, job.StatusPending, 0, Epoch.Add(time.Duration(i)*time.Second)))
	}
	heavyRetry := NewJob(typ, 1, job.StatusRetry, 0, Epoch.Add(time.Minute))
	lightLeased := NewJob(typ, 2, job.StatusPending, 0, Epoch)
	lightA := NewJob(typ, 2, job.StatusPending, 0, Epoch.Add(2*time.Minute))
	lightB := NewJob(typ, 2, job.StatusPending, 0, Epoch.Add(3*time.Minute))
	mustCreate(t, s, heavy...)
	mustCreate(t, s, heavyRetry, lightLeased, lightA, lightB)
	now := Epoch.Add(10 * time.Minute)
	mustLease(t, s, lightLeased, Key(0), now, now.Add(time.Minute))

	tests := []struct {
		name  string
		limit int
		want  []string
	}{
		{"all heads", 0, []string{
			heavyRetry.ID.String(), heavy[0].ID.String(), lightA.ID.String(), lightB.ID.String(),
		}},
		{"limit after heads", 3, []string{
			heavyRetry.ID.String(), heavy[0].ID.String(), lightA.ID.String(),
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			locks, err := s.ListLocks(ctx, job.LockQuery{
				Type:       typ,
				Statuses:   job.ClaimableStatuses,
				Now:        now,
				PerPartner: 2,
				Limit:      tt.limit,
			})
			if err != nil {
				t.Fatalf("ListLocks: %v", err)
			}
			if got := ids(locks); !slices.Equal(got, tt.want) {
				t.Errorf("ListLocks = %v, want %v", got, tt.want)
			}
		})
	}
}

func testListLocksFilter(t *testing.T, s store.Store) {
	ctx := context.Background()
	typ := uniqueType("filter")

	p1 := NewJob(typ, 1, job.StatusPending, 1, Epoch)
	p1.ObjectID = "a"
	p2 := NewJob(typ, 2, job.StatusPending, 5, Epoch.Add(time.Minute))
	p2.ObjectID = "b"
	p3 := NewJob(typ, 3, job.StatusRetry, 9, Epoch.Add(2*time.Minute))
	mustCreate(t, s, p1, p2, p3)
	now := Epoch.Add(time.Hour)

	tests := []struct {
		name   string
		filter job.Filter
		want   []string
	}{
		{"partners", job.Filter{}.WithPartners(1, 2), []string{p2.ID.String(), p1.ID.String()}},
		{"exclude", job.Filter{}.WithoutPartners(3), []string{p2.ID.String(), p1.ID.String()}},
		{"objects", job.Filter{}.WithObjectIDs("a"), []string{p1.ID.String()}},
		{"priority", job.Filter{}.WithPriorityRange(2, 6), []string{p2.ID.String()}},
		{"created after", job.Filter{CreatedAfter: Epoch}, []string{p3.ID.String(), p2.ID.String()}},
		{"created before", job.Filter{CreatedBefore: Epoch.Add(time.Minute)}, []string{p1.ID.String()}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			locks, err := s.ListLocks(ctx, job.LockQuery{
				Type:     typ,
				Statuses: job.ClaimableStatuses,
				Filter:   tt.filter,
				Now:      now,
			})
			if err != nil {
				t.Fatalf("ListLocks: %v", err)
			}
			if got := ids(locks); !slices.Equal(got, tt.want) {
				t.Errorf("ListLocks = %v, want %v", got, tt.want)
			}
		})
	}
}

func testAcquireLeaseExclusive(t *testing.T, s store.Store) {
	ctx := context.Background()
	typ := uniqueType("acquire")

	j := NewJob(typ, 1, job.StatusPending, 0, Epoch)
	mustCreate(t, s, j)

	now := Epoch.Add(time.Second)
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := range 16 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			lease := job.Lease{Key: Key(i), ExpiresAt: now.Add(time.Minute)}
			_, err := s.AcquireLease(ctx, j.ID, job.ClaimableStatuses, lease, now)
			switch {
			case err == nil:
				wins.Add(1)
			case !errors.Is(err, batch.ErrLeaseLost):
				t.Errorf("AcquireLease: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Fatalf("%d callers acquired the lease, want 1", wins.Load())
	}

	got, err := s.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Status != job.StatusProcessing || got.ExecutionAttempts != 1 || got.Lease == nil {
		t.Errorf("leased job = status %s attempts %d lease %v", got.Status, got.ExecutionAttempts, got.Lease)
	}

	wrongStatus := NewJob(typ, 1, job.StatusAlmostDone, 0, Epoch)
	mustCreate(t, s, wrongStatus)
	if _, err := s.AcquireLease(ctx, wrongStatus.ID, job.ClaimableStatuses, job.Lease{Key: Key(0), ExpiresAt: now.Add(time.Minute)}, now); !errors.Is(err, batch.ErrLeaseLost) {
		t.Errorf("AcquireLease(almost_done from claimable) = %v, want ErrLeaseLost", err)
	}
	if _, err := s.AcquireLease(ctx, id.NewJobID(), job.ClaimableStatuses, job.Lease{Key: Key(0), ExpiresAt: now.Add(time.Minute)}, now); !errors.Is(err, batch.ErrLeaseLost) {
		t.Errorf("AcquireLease(missing) = %v, want ErrLeaseLost", err)
	}
}

func testUpdateLeased(t *testing.T, s store.Store) {
	ctx := context.Background()
	typ := uniqueType("update")

	j := NewJob(typ, 1, job.StatusPending, 0, Epoch)
	mustCreate(t, s, j)
	now := Epoch.Add(time.Second)
	leased := mustLease(t, s, j, Key(0), now, now.Add(time.Minute))

	leased.Message = "halfway"
	leased.Priority = 4
	tests := []struct {
		name    string
		held    job.LockKey
		at      time.Time
		wantErr error
	}{
		{"other batch index", Key(1), now, batch.ErrLeaseNotHeld},
		{"after expiry", Key(0), now.Add(2 * time.Minute), batch.ErrLeaseNotHeld},
		{"holder", Key(0), now, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.UpdateLeased(ctx, leased, tt.held, tt.at)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("UpdateLeased = %v, want %v", err, tt.wantErr)
			}
		})
	}

	got, _ := s.GetJob(ctx, j.ID)
	if got.Message != "halfway" || got.Priority != 4 {
		t.Errorf("job after update = message %q priority %d", got.Message, got.Priority)
	}

	// Releasing clears the lease.
	got.Status = job.StatusFinished
	got.Lease = nil
	finished := now
	got.FinishedAt = &finished
	if err := s.UpdateLeased(ctx, got, Key(0), now); err != nil {
		t.Fatalf("UpdateLeased(release): %v", err)
	}
	released, _ := s.GetJob(ctx, j.ID)
	if released.Lease != nil || released.Status != job.StatusFinished || released.FinishedAt == nil {
		t.Errorf("released job = status %s lease %v finished %v", released.Status, released.Lease, released.FinishedAt)
	}
	if err := s.UpdateLeased(ctx, released, Key(0), now); !errors.Is(err, batch.ErrLeaseNotHeld) {
		t.Errorf("UpdateLeased after release = %v, want ErrLeaseNotHeld", err)
	}

	missing := NewJob(typ, 1, job.StatusProcessing, 0, Epoch)
	if err := s.UpdateLeased(ctx, missing, Key(0), now); !errors.Is(err, batch.ErrJobNotFound) {
		t.Errorf("UpdateLeased(missing) = %v, want ErrJobNotFound", err)
	}
}

func testExpireLease(t *testing.T, s store.Store) {
	ctx := context.Background()
	typ := uniqueType("expire")

	j := NewJob(typ, 1, job.StatusPending, 0, Epoch)
	mustCreate(t, s, j)
	now := Epoch.Add(time.Second)
	deadline := now.Add(time.Minute)
	mustLease(t, s, j, Key(0), now, deadline)

	expiredIDs := func(at time.Time) []string {
		t.Helper()
		rows, err := s.ListExpiredLeases(ctx, at, 1000)
		if err != nil {
			t.Fatalf("ListExpiredLeases: %v", err)
		}
		var out []string
		for _, l := range rows {
			if l.Type == typ {
				out = append(out, l.JobID.String())
			}
		}
		return out
	}

	if got := expiredIDs(now); len(got) != 0 {
		t.Fatalf("ListExpiredLeases before deadline = %v, want none", got)
	}
	if _, err := s.ExpireLease(ctx, j.ID, Key(0), job.StatusRetry, deadline, now); !errors.Is(err, batch.ErrLeaseLost) {
		t.Fatalf("ExpireLease before deadline = %v, want ErrLeaseLost", err)
	}
	if got := expiredIDs(deadline); len(got) != 1 {
		t.Fatalf("ListExpiredLeases at deadline = %v, want one row", got)
	}
	if _, err := s.ExpireLease(ctx, j.ID, Key(1), job.StatusRetry, deadline, deadline); !errors.Is(err, batch.ErrLeaseLost) {
		t.Fatalf("ExpireLease by another key = %v, want ErrLeaseLost", err)
	}

	got, err := s.ExpireLease(ctx, j.ID, Key(0), job.StatusRetry, deadline, deadline)
	if err != nil {
		t.Fatalf("ExpireLease: %v", err)
	}
	if got.Status != job.StatusRetry || got.Lease != nil {
		t.Errorf("expired job = status %s lease %v", got.Status, got.Lease)
	}
	if _, err := s.ExpireLease(ctx, j.ID, Key(0), job.StatusRetry, deadline, deadline); !errors.Is(err, batch.ErrLeaseLost) {
		t.Errorf("second ExpireLease = %v, want ErrLeaseLost", err)
	}

	// A terminal expiry stamps FinishedAt.
	k := NewJob(typ, 1, job.StatusPending, 0, Epoch)
	mustCreate(t, s, k)
	mustLease(t, s, k, Key(2), now, deadline)
	fatal, err := s.ExpireLease(ctx, k.ID, Key(2), job.StatusFatal, deadline, deadline)
	if err != nil {
		t.Fatalf("ExpireLease(fatal): %v", err)
	}
	if fatal.Status != job.StatusFatal || fatal.FinishedAt == nil {
		t.Errorf("fatal expiry = status %s finished %v", fatal.Status, fatal.FinishedAt)
	}
}

func testCountLocks(t *testing.T, s store.Store) {
	ctx := context.Background()
	typ := uniqueType("count")

	now := Epoch.Add(time.Second)
	for i, st := range []job.Status{job.StatusPending, job.StatusRetry, job.StatusAlmostDone, job.StatusFinished} {
		mustCreate(t, s, NewJob(typ, int64(i+1), st, 0, Epoch))
	}
	leased := NewJob(typ, 9, job.StatusPending, 0, Epoch)
	mustCreate(t, s, leased)
	mustLease(t, s, leased, Key(0), now, now.Add(time.Minute))

	tests := []struct {
		name string
		q    job.CountQuery
		want int64
	}{
		{"queued", job.CountQuery{Type: typ, Statuses: job.QueuedStatuses}, 3},
		{"live leases", job.CountQuery{Type: typ, LiveAt: now}, 1},
		{"live leases after expiry", job.CountQuery{Type: typ, LiveAt: now.Add(time.Hour)}, 0},
		{"attempts below one", job.CountQuery{Type: typ, LiveAt: now, AttemptsBelow: 1}, 0},
		{"attempts below two", job.CountQuery{Type: typ, LiveAt: now, AttemptsBelow: 2}, 1},
		{"partner filter", job.CountQuery{Type: typ, Statuses: job.QueuedStatuses, Filter: job.Filter{}.WithPartners(1)}, 1},
		{"other type", job.CountQuery{Type: uniqueType("none"), Statuses: job.QueuedStatuses}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.CountLocks(ctx, tt.q)
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("CountLocks = %d, want %d", got, tt.want)
			}
		})
	}
}

func testAbortJob(t *testing.T, s store.Store) {
	ctx := context.Background()
	typ := uniqueType("abort")
	now := Epoch.Add(time.Minute)

	idle := NewJob(typ, 1, job.StatusPending, 0, Epoch)
	leased := NewJob(typ, 1, job.StatusPending, 0, Epoch)
	finished := NewJob(typ, 1, job.StatusFinished, 0, Epoch)
	finished.Message = "done"
	mustCreate(t, s, idle, leased, finished)
	mustLease(t, s, leased, Key(3), now, now.Add(time.Minute))

	holder := Key(3)
	stranger := Key(4)
	tests := []struct {
		name    string
		job     *job.Job
		held    *job.LockKey
		wantErr error
	}{
		{"terminal job", finished, nil, batch.ErrLeaseLost},
		{"leased job read as idle", leased, nil, batch.ErrLeaseLost},
		{"leased job with other holder", leased, &stranger, batch.ErrLeaseLost},
		{"idle job read as leased", idle, &holder, batch.ErrLeaseLost},
		{"idle job", idle, nil, nil},
		{"leased job", leased, &holder, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.AbortJob(ctx, tt.job.ID, tt.held, "cancelled", now)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("AbortJob error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("AbortJob: %v", err)
			}
			if got.Status != job.StatusAborted || got.Lease != nil || got.FinishedAt == nil || got.Message != "cancelled" {
				t.Errorf("AbortJob result = %+v", got)
			}
		})
	}

	stored, err := s.GetJob(ctx, finished.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if stored.Status != job.StatusFinished || stored.Message != "done" {
		t.Errorf("terminal job changed to status %s message %q", stored.Status, stored.Message)
	}

	expired, err := s.ListExpiredLeases(ctx, now.Add(time.Hour), 0)
	if err != nil {
		t.Fatalf("ListExpiredLeases: %v", err)
	}
	for _, l := range expired {
		if l.JobID.String() == leased.ID.String() {
			t.Error("aborted job still indexed as leased")
		}
	}
}

// ──────────────────────────────────────────────────
// Load Store
// ──────────────────────────────────────────────────

func testLoadStore(t *testing.T, s store.Store) {
	ctx := context.Background()
	typ := uniqueType("load")
	other := uniqueType("load-other")

	now := Epoch.Add(time.Second)
	for i, partner := range []int64{1, 1, 2} {
		j := NewJob(typ, partner, job.StatusPending, 0, Epoch)
		mustCreate(t, s, j)
		mustLease(t, s, j, Key(i), now, now.Add(time.Minute))
	}

	agg, err := s.AggregateLeaseLoads(ctx, now)
	if err != nil {
		t.Fatal(err)
	}
	var mine []*load.PartnerLoad
	for _, pl := range agg {
		if pl.JobType == typ {
			mine = append(mine, pl)
		}
	}
	if len(mine) != 2 || mine[0].PartnerID != 1 || mine[0].Load != 2 || mine[1].PartnerID != 2 || mine[1].Load != 1 {
		t.Fatalf("AggregateLeaseLoads = %+v", mine)
	}

	stamp := Epoch.Add(time.Minute)
	for _, pl := range []*load.PartnerLoad{
		{PartnerID: 1, JobType: typ, Load: 2, WeightedLoad: 4, UpdatedAt: stamp},
		{PartnerID: 3, JobType: other, Load: 1, WeightedLoad: 1, UpdatedAt: stamp},
	} {
		if err := s.UpsertPartnerLoad(ctx, pl); err != nil {
			t.Fatalf("UpsertPartnerLoad: %v", err)
		}
	}
	// Upsert replaces.
	if err := s.UpsertPartnerLoad(ctx, &load.PartnerLoad{PartnerID: 1, JobType: typ, Load: 5, WeightedLoad: 10, UpdatedAt: stamp}); err != nil {
		t.Fatalf("UpsertPartnerLoad(replace): %v", err)
	}

	rows, err := s.ListPartnerLoads(ctx, typ)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0].Load != 5 || rows[0].WeightedLoad != 10 {
		t.Fatalf("ListPartnerLoads(%s) = %+v", typ, rows)
	}

	if err := s.DeletePartnerLoad(ctx, 1, typ); err != nil {
		t.Fatalf("DeletePartnerLoad: %v", err)
	}
	all, err := s.ListPartnerLoads(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	var kept []int64
	for _, pl := range all {
		if pl.JobType == typ || pl.JobType == other {
			kept = append(kept, pl.PartnerID)
		}
	}
	if !slices.Equal(kept, []int64{3}) {
		t.Errorf("ListPartnerLoads after delete = %v, want [3]", kept)
	}
}

// ──────────────────────────────────────────────────
// Cluster Store
// ──────────────────────────────────────────────────

func newWorker(lastSeen time.Time) *cluster.Worker {
	return &cluster.Worker{
		ID:          id.NewWorkerID(),
		SchedulerID: 1,
		Hostname:    "host",
		JobTypes:    []string{"export"},
		Slots:       4,
		State:       cluster.WorkerActive,
		LastSeen:    lastSeen,
		Metadata:    map[string]string{"zone": "a"},
		CreatedAt:   lastSeen,
	}
}

func testWorkers(t *testing.T, s store.Store) {
	ctx := context.Background()

	stale := newWorker(time.Now().UTC().Add(-time.Hour))
	fresh := newWorker(time.Now().UTC())
	for _, w := range []*cluster.Worker{stale, fresh} {
		if err := s.RegisterWorker(ctx, w); err != nil {
			t.Fatalf("RegisterWorker: %v", err)
		}
	}

	all, err := s.ListWorkers(ctx)
	if err != nil {
		t.Fatalf("ListWorkers: %v", err)
	}
	var found *cluster.Worker
	for _, w := range all {
		if w.ID.String() == fresh.ID.String() {
			found = w
		}
	}
	if found == nil {
		t.Fatal("ListWorkers missing a registered worker")
	}
	if found.Slots != 4 || found.Hostname != "host" || found.Metadata["zone"] != "a" || !slices.Equal(found.JobTypes, []string{"export"}) {
		t.Errorf("registered worker = %+v", found)
	}

	dead, err := s.ReapDeadWorkers(ctx, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	var deadIDs []string
	for _, w := range dead {
		deadIDs = append(deadIDs, w.ID.String())
	}
	if !slices.Contains(deadIDs, stale.ID.String()) || slices.Contains(deadIDs, fresh.ID.String()) {
		t.Errorf("ReapDeadWorkers = %v", deadIDs)
	}

	if err := s.HeartbeatWorker(ctx, stale.ID); err != nil {
		t.Fatalf("HeartbeatWorker: %v", err)
	}
	dead, _ = s.ReapDeadWorkers(ctx, time.Minute)
	for _, w := range dead {
		if w.ID.String() == stale.ID.String() {
			t.Error("worker still reaped after a heartbeat")
		}
	}

	if err := s.HeartbeatWorker(ctx, id.NewWorkerID()); !errors.Is(err, batch.ErrWorkerNotFound) {
		t.Errorf("HeartbeatWorker(unknown) = %v, want ErrWorkerNotFound", err)
	}
	for _, w := range []*cluster.Worker{stale, fresh} {
		if err := s.DeregisterWorker(ctx, w.ID); err != nil {
			t.Fatalf("DeregisterWorker: %v", err)
		}
	}
	if err := s.DeregisterWorker(ctx, stale.ID); !errors.Is(err, batch.ErrWorkerNotFound) {
		t.Errorf("second DeregisterWorker = %v, want ErrWorkerNotFound", err)
	}
}

func testLeadership(t *testing.T, s store.Store) {
	ctx := context.Background()

	a := newWorker(time.Now().UTC())
	b := newWorker(time.Now().UTC())
	for _, w := range []*cluster.Worker{a, b} {
		if err := s.RegisterWorker(ctx, w); err != nil {
			t.Fatalf("RegisterWorker: %v", err)
		}
	}

	ok, err := s.AcquireLeadership(ctx, a.ID, time.Minute)
	if err != nil || !ok {
		t.Fatalf("AcquireLeadership(a) = %v, %v", ok, err)
	}
	if ok, _ := s.AcquireLeadership(ctx, b.ID, time.Minute); ok {
		t.Fatal("second worker acquired a held leadership")
	}
	if ok, _ := s.RenewLeadership(ctx, b.ID, time.Minute); ok {
		t.Fatal("non-leader renewed leadership")
	}
	if ok, err := s.RenewLeadership(ctx, a.ID, time.Minute); err != nil || !ok {
		t.Fatalf("RenewLeadership(a) = %v, %v", ok, err)
	}

	leader, err := s.GetLeader(ctx)
	if err != nil {
		t.Fatalf("GetLeader: %v", err)
	}
	if leader == nil || leader.ID.String() != a.ID.String() || !leader.IsLeader {
		t.Fatalf("GetLeader = %+v", leader)
	}

	if err := s.DeregisterWorker(ctx, a.ID); err != nil {
		t.Fatal(err)
	}
	if ok, _ := s.AcquireLeadership(ctx, b.ID, time.Minute); !ok {
		t.Fatal("leadership not free after the leader deregistered")
	}
	_ = s.DeregisterWorker(ctx, b.ID)
}
