package sqlite

import (
	"slices"
	"testing"
	"time"

	"github.com/xraph/batch/cluster"
	"github.com/xraph/batch/id"
	"github.com/xraph/batch/job"
)

func TestJobModelRoundTrip(t *testing.T) {
	created := time.Date(2026, 3, 1, 12, 0, 0, 123456789, time.UTC)
	finished := created.Add(time.Minute)

	j := &job.Job{
		ID:                id.NewJobID(),
		Type:              "export",
		PartnerID:         42,
		Status:            job.StatusProcessing,
		RootJobID:         id.NewJobID(),
		ObjectID:          "obj-1",
		Priority:          5,
		ExecutionAttempts: 2,
		Payload:           []byte(`{"k":1}`),
		Message:           "working",
		RunAt:             created,
		FinishedAt:        &finished,
		Lease: &job.Lease{
			Key:       job.LockKey{SchedulerID: 1, WorkerID: 2, BatchIndex: 3},
			ExpiresAt: created.Add(10 * time.Minute),
		},
	}
	j.CreatedAt = created
	j.UpdatedAt = created

	m := toJobModel(j)
	if m.ParentJobID != nil {
		t.Fatalf("nil parent stored as %q", *m.ParentJobID)
	}
	if m.RunAt != created.UnixNano() {
		t.Fatalf("run_at = %d, want %d", m.RunAt, created.UnixNano())
	}

	got, err := fromJobModel(m)
	if err != nil {
		t.Fatalf("fromJobModel: %v", err)
	}
	if got.ID.String() != j.ID.String() || got.RootJobID.String() != j.RootJobID.String() {
		t.Fatalf("ids = %s/%s", got.ID, got.RootJobID)
	}
	if !got.ParentJobID.IsNil() {
		t.Fatalf("parent = %s, want nil", got.ParentJobID)
	}
	if !got.RunAt.Equal(created) || !got.CreatedAt.Equal(created) {
		t.Fatalf("times = %v/%v", got.RunAt, got.CreatedAt)
	}
	if got.FinishedAt == nil || !got.FinishedAt.Equal(finished) {
		t.Fatalf("finished = %v", got.FinishedAt)
	}
	if got.Lease == nil || got.Lease.Key != j.Lease.Key || !got.Lease.ExpiresAt.Equal(j.Lease.ExpiresAt) {
		t.Fatalf("lease = %+v", got.Lease)
	}
}

func TestJobModelWithoutLease(t *testing.T) {
	j := &job.Job{ID: id.NewJobID(), Type: "t", Status: job.StatusPending, RunAt: time.Now()}
	m := toJobModel(j)
	if m.LeaseExpiresAt != nil || m.LeaseWorkerID != nil {
		t.Fatal("lease columns set for an unleased job")
	}
	got, err := fromJobModel(m)
	if err != nil {
		t.Fatalf("fromJobModel: %v", err)
	}
	if got.Lease != nil {
		t.Fatalf("lease = %+v, want nil", got.Lease)
	}
}

func TestWorkerModelRoundTrip(t *testing.T) {
	now := time.Now().UTC()
	w := &cluster.Worker{
		ID:          id.NewWorkerID(),
		SchedulerID: 4,
		Hostname:    "host-a",
		JobTypes:    []string{"export", "notification"},
		Slots:       8,
		State:       cluster.WorkerActive,
		LastSeen:    now,
		Metadata:    map[string]string{"zone": "eu"},
		CreatedAt:   now,
	}

	got, err := fromWorkerModel(toWorkerModel(w))
	if err != nil {
		t.Fatalf("fromWorkerModel: %v", err)
	}
	if !slices.Equal(got.JobTypes, w.JobTypes) || got.Metadata["zone"] != "eu" {
		t.Fatalf("worker = %+v", got)
	}
	if got.LeaderUntil != nil {
		t.Fatalf("leader_until = %v, want nil", got.LeaderUntil)
	}
}

func TestWorkerModelEmptyCollections(t *testing.T) {
	m := toWorkerModel(&cluster.Worker{ID: id.NewWorkerID(), LastSeen: time.Now()})
	if m.JobTypes != "[]" || m.Metadata != "{}" {
		t.Fatalf("job_types = %q, metadata = %q", m.JobTypes, m.Metadata)
	}
}

func TestInList(t *testing.T) {
	tests := []struct {
		n    int
		want string
	}{
		{0, "1 = 0"},
		{1, "status IN (?)"},
		{3, "status IN (?, ?, ?)"},
	}
	for _, tt := range tests {
		if got := inList("status", tt.n); got != tt.want {
			t.Errorf("inList(%d) = %q, want %q", tt.n, got, tt.want)
		}
	}
}

func TestFilterPredicates(t *testing.T) {
	if ps := filterPredicates(job.Filter{}); len(ps) != 0 {
		t.Fatalf("zero filter rendered %d predicates", len(ps))
	}

	f := job.Filter{}.
		WithPartners(1, 2).
		WithoutPartners(3).
		WithObjectIDs("a").
		WithPriorityRange(1, 9).
		WithStatuses(job.StatusRetry)
	ps := filterPredicates(f)

	want := []string{
		"partner_id IN (?, ?)",
		"NOT partner_id IN (?)",
		"object_id IN (?)",
		"priority >= ?",
		"priority <= ?",
	}
	if len(ps) != len(want) {
		t.Fatalf("got %d predicates, want %d", len(ps), len(want))
	}
	for i, p := range ps {
		if p.clause != want[i] {
			t.Errorf("predicate %d = %q, want %q", i, p.clause, want[i])
		}
	}
	if len(ps[0].args) != 2 || ps[0].args[1] != int64(2) {
		t.Fatalf("partner args = %v", ps[0].args)
	}
}
