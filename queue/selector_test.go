package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/xraph/batch/id"
	"github.com/xraph/batch/job"
	"github.com/xraph/batch/store/memory"
	"github.com/xraph/batch/store/storetest"
)

type fakeLister struct {
	rows []*job.Lock
	err  error
	got  job.LockQuery
}

func (f *fakeLister) ListLocks(_ context.Context, q job.LockQuery) ([]*job.Lock, error) {
	f.got = q
	return f.rows, f.err
}

type fixedLoads map[int64]float64

func (f fixedLoads) Loads(context.Context, job.Type) map[int64]float64 { return f }

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func lock(partner int64, status job.Status, priority int, createdOffset time.Duration) *job.Lock {
	return &job.Lock{
		JobID:     id.NewJobID(),
		Type:      "convert",
		PartnerID: partner,
		Status:    status,
		Priority:  priority,
		CreatedAt: t0.Add(createdOffset),
	}
}

func TestRank(t *testing.T) {
	heavyOld := lock(1, job.StatusPending, 0, 0)
	lightNew := lock(2, job.StatusPending, 0, time.Minute)
	lightNewer := lock(2, job.StatusPending, 0, 2*time.Minute)
	retry := lock(1, job.StatusRetry, 0, 3*time.Minute)
	urgent := lock(1, job.StatusPending, 9, 4*time.Minute)

	rows := []*job.Lock{heavyOld, lightNewer, urgent, lightNew, retry}
	rank(rows, map[int64]float64{1: 10, 2: 1})

	want := []*job.Lock{retry, urgent, lightNew, lightNewer, heavyOld}
	for i := range want {
		if rows[i] != want[i] {
			t.Fatalf("position %d: got partner=%d status=%s priority=%d, want partner=%d status=%s priority=%d",
				i, rows[i].PartnerID, rows[i].Status, rows[i].Priority,
				want[i].PartnerID, want[i].Status, want[i].Priority)
		}
	}
}

func TestRank_NoLoadsIsFIFO(t *testing.T) {
	a := lock(1, job.StatusPending, 0, 0)
	b := lock(2, job.StatusPending, 0, time.Second)
	rows := []*job.Lock{b, a}
	rank(rows, nil)
	if rows[0] != a {
		t.Fatal("expected creation order without load data")
	}
}

func TestSelect_PartnerFairness(t *testing.T) {
	fromA := lock(100, job.StatusPending, 0, 0)
	fromB := lock(200, job.StatusPending, 0, time.Second)
	lister := &fakeLister{rows: []*job.Lock{fromA, fromB}}

	s := NewSelector(lister, fixedLoads{100: 10, 200: 1}, WithClock(func() time.Time { return t0 }))
	got, err := s.Select(context.Background(), "convert", job.Filter{}, 8)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if len(got) != 2 || got[0].PartnerID != 200 {
		t.Fatalf("expected partner 200 first, got %+v", got)
	}
	if lister.got.PerPartner != 8 || lister.got.Limit != 0 || !lister.got.Now.Equal(t0) {
		t.Errorf("unexpected query %+v", lister.got)
	}
	if len(lister.got.Statuses) != 2 {
		t.Errorf("expected retry and pending statuses, got %v", lister.got.Statuses)
	}
}

func TestSelect_DeepBacklogKeepsLightPartnerInWindow(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	for i := range 40 {
		heavy := storetest.NewJob("convert", 1, job.StatusPending, 0, t0.Add(time.Duration(i)*time.Second))
		if err := s.CreateJob(ctx, heavy); err != nil {
			t.Fatalf("CreateJob: %v", err)
		}
	}
	light := storetest.NewJob("convert", 2, job.StatusPending, 0, t0.Add(time.Hour))
	if err := s.CreateJob(ctx, light); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	sel := NewSelector(s, fixedLoads{1: 10, 2: 1}, WithClock(func() time.Time { return t0.Add(2 * time.Hour) }))
	got, err := sel.Select(ctx, "convert", job.Filter{}, 32)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if len(got) != 32 {
		t.Fatalf("Select returned %d rows, want 32", len(got))
	}
	if got[0].JobID.String() != light.ID.String() {
		t.Fatalf("first candidate is partner %d, want the light partner's job", got[0].PartnerID)
	}
}

func TestSelect_TruncatesToLimit(t *testing.T) {
	var rows []*job.Lock
	for i := range 6 {
		rows = append(rows, lock(int64(i%3), job.StatusPending, 0, time.Duration(i)*time.Second))
	}
	s := NewSelector(&fakeLister{rows: rows}, nil)
	got, err := s.Select(context.Background(), "convert", job.Filter{}, 4)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if len(got) != 4 {
		t.Fatalf("Select returned %d rows, want 4", len(got))
	}
}

func TestSelect_FilterExcludesAllStatuses(t *testing.T) {
	lister := &fakeLister{err: errors.New("must not be called")}
	s := NewSelector(lister, nil)
	got, err := s.Select(context.Background(), "convert", job.Filter{}.WithStatuses(job.StatusFinished), 4)
	if err != nil || got != nil {
		t.Fatalf("expected empty result, got %v, %v", got, err)
	}
}

func TestSelect_StoreError(t *testing.T) {
	want := errors.New("boom")
	s := NewSelector(&fakeLister{err: want}, nil)
	if _, err := s.Select(context.Background(), "convert", job.Filter{}, 4); !errors.Is(err, want) {
		t.Fatalf("expected wrapped store error, got %v", err)
	}
}

func TestSelectAlmostDone_IgnoresLoads(t *testing.T) {
	first := lock(100, job.StatusAlmostDone, 0, 0)
	second := lock(200, job.StatusAlmostDone, 0, time.Second)
	lister := &fakeLister{rows: []*job.Lock{first, second}}

	s := NewSelector(lister, fixedLoads{100: 50})
	got, err := s.SelectAlmostDone(context.Background(), "convert", job.Filter{}, 4)
	if err != nil {
		t.Fatalf("SelectAlmostDone: %v", err)
	}
	if got[0] != first {
		t.Fatal("almost done selection must keep store order")
	}
	if len(lister.got.Statuses) != 1 || lister.got.Statuses[0] != job.StatusAlmostDone {
		t.Errorf("unexpected statuses %v", lister.got.Statuses)
	}
}
