package job_test

import (
	"testing"
	"time"

	"github.com/xraph/batch/id"
	"github.com/xraph/batch/job"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to job.Status
		want     bool
	}{
		{job.StatusPending, job.StatusProcessing, true},
		{job.StatusRetry, job.StatusProcessing, true},
		{job.StatusAlmostDone, job.StatusProcessing, true},
		{job.StatusProcessing, job.StatusFinished, true},
		{job.StatusProcessing, job.StatusPending, true},
		{job.StatusProcessing, job.StatusProcessing, true},
		{job.StatusPending, job.StatusFinished, false},
		{job.StatusFinished, job.StatusRetry, false},
		{job.StatusFatal, job.StatusFatal, false},
		{job.StatusAborted, job.StatusProcessing, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			if got := job.CanTransition(tt.from, tt.to); got != tt.want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestLeaseHeldBy(t *testing.T) {
	now := time.Now()
	key := job.LockKey{SchedulerID: 1, WorkerID: 2, BatchIndex: 0}
	lease := &job.Lease{Key: key, ExpiresAt: now.Add(time.Minute)}

	tests := []struct {
		name  string
		lease *job.Lease
		key   job.LockKey
		at    time.Time
		want  bool
	}{
		{"exact key live", lease, key, now, true},
		{"batch index differs", lease, job.LockKey{SchedulerID: 1, WorkerID: 2, BatchIndex: 1}, now, false},
		{"worker differs", lease, job.LockKey{SchedulerID: 1, WorkerID: 3, BatchIndex: 0}, now, false},
		{"expired", lease, key, now.Add(time.Minute), false},
		{"no lease", nil, key, now, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.lease.HeldBy(tt.key, tt.at); got != tt.want {
				t.Errorf("HeldBy = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFilterMatches(t *testing.T) {
	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l := &job.Lock{
		JobID:     id.NewJobID(),
		PartnerID: 10,
		Priority:  5,
		ObjectID:  "0_abc",
		CreatedAt: created,
	}

	tests := []struct {
		name   string
		filter job.Filter
		want   bool
	}{
		{"zero", job.Filter{}, true},
		{"partner in", job.Filter{}.WithPartners(10, 11), true},
		{"partner not in", job.Filter{}.WithPartners(11), false},
		{"partner excluded", job.Filter{}.WithoutPartners(10), false},
		{"object match", job.Filter{}.WithObjectIDs("0_abc"), true},
		{"object miss", job.Filter{}.WithObjectIDs("0_xyz"), false},
		{"priority in range", job.Filter{}.WithPriorityRange(1, 5), true},
		{"priority above range", job.Filter{}.WithPriorityRange(6, 9), false},
		{"created after", job.Filter{CreatedAfter: created.Add(-time.Hour)}, true},
		{"created before miss", job.Filter{CreatedBefore: created}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.filter.Matches(l); got != tt.want {
				t.Errorf("Matches = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFilterImmutable(t *testing.T) {
	ids := []int64{1, 2}
	base := job.Filter{}
	f := base.WithPartners(ids...)
	ids[0] = 99
	if f.PartnerIDs[0] != 1 {
		t.Error("WithPartners must copy its input")
	}
	if len(base.PartnerIDs) != 0 {
		t.Error("WithPartners must not modify the receiver")
	}
}

func TestFilterRestrict(t *testing.T) {
	f := job.Filter{}.WithStatuses(job.StatusPending)
	got := f.Restrict(job.ClaimableStatuses)
	if len(got) != 1 || got[0] != job.StatusPending {
		t.Errorf("Restrict = %v, want [pending]", got)
	}
	if got := (job.Filter{}).Restrict(job.ClaimableStatuses); len(got) != 2 {
		t.Errorf("unrestricted filter should keep base, got %v", got)
	}
}

func TestDeltaApply(t *testing.T) {
	msg := "50% done"
	j := &job.Job{Status: job.StatusProcessing, Payload: []byte("old"), Priority: 1}
	job.Delta{Message: &msg, Payload: []byte("new")}.Apply(j)

	if j.Status != job.StatusProcessing {
		t.Errorf("status changed to %s", j.Status)
	}
	if string(j.Payload) != "new" || j.Message != msg || j.Priority != 1 {
		t.Errorf("unexpected merge result: %+v", j)
	}
}
