package redis

import (
	"testing"
	"time"

	"github.com/xraph/batch/id"
	"github.com/xraph/batch/job"
	"github.com/xraph/batch/load"
)

func TestJobHashRoundTrip(t *testing.T) {
	created := time.Date(2026, 2, 3, 4, 5, 6, 789000, time.UTC)
	finished := created.Add(time.Second)

	j := &job.Job{
		ID:                id.NewJobID(),
		Type:              "export",
		PartnerID:         7,
		Status:            job.StatusAlmostDone,
		ParentJobID:       id.NewJobID(),
		ObjectID:          "o",
		Priority:          3,
		ExecutionAttempts: 1,
		Payload:           []byte("raw"),
		RunAt:             created,
		FinishedAt:        &finished,
	}
	j.CreatedAt = created
	j.UpdatedAt = created
	lease := &job.Lease{Key: job.LockKey{SchedulerID: 1, WorkerID: 2, BatchIndex: 3}, ExpiresAt: created.Add(time.Minute)}

	m := make(map[string]string)
	for k, v := range jobFields(j) {
		m[k] = v.(string)
	}
	for k, v := range leaseFields(lease) {
		m[k] = v.(string)
	}

	got, err := mapToJob(m)
	if err != nil {
		t.Fatalf("mapToJob: %v", err)
	}
	if got.ParentJobID.String() != j.ParentJobID.String() || !got.RootJobID.IsNil() {
		t.Fatalf("lineage = %s/%s", got.ParentJobID, got.RootJobID)
	}
	if !got.RunAt.Equal(created) || got.FinishedAt == nil || !got.FinishedAt.Equal(finished) {
		t.Fatalf("times = %v/%v", got.RunAt, got.FinishedAt)
	}
	if got.Lease == nil || got.Lease.Key != lease.Key || !got.Lease.ExpiresAt.Equal(lease.ExpiresAt) {
		t.Fatalf("lease = %+v", got.Lease)
	}
	if string(got.Payload) != "raw" {
		t.Fatalf("payload = %q", got.Payload)
	}
}

func TestMicrosTruncates(t *testing.T) {
	ts := time.Date(2026, 1, 1, 0, 0, 0, 1500, time.UTC)
	if got := parseMicros(micros(ts)); !got.Equal(ts.Truncate(time.Microsecond)) {
		t.Fatalf("parseMicros(micros) = %v", got)
	}
	if got := micros(time.Time{}); got != "0" {
		t.Fatalf("micros(zero) = %q", got)
	}
	if !parseMicros("0").IsZero() {
		t.Fatal("parseMicros(0) not zero")
	}
}

func TestPairsToMap(t *testing.T) {
	m := pairsToMap([]any{"a", "1", "b", "2", "dangling"})
	if len(m) != 2 || m["a"] != "1" || m["b"] != "2" {
		t.Fatalf("pairsToMap = %v", m)
	}
}

func TestLoadHashRoundTrip(t *testing.T) {
	pl := &load.PartnerLoad{PartnerID: 9, JobType: "t", Load: 4, WeightedLoad: 2.5}
	m := make(map[string]string)
	for k, v := range loadFields(pl) {
		m[k] = v.(string)
	}
	got := mapToLoad(m)
	if got.PartnerID != 9 || got.Load != 4 || got.WeightedLoad != 2.5 || got.JobType != "t" {
		t.Fatalf("mapToLoad = %+v", got)
	}
}

func TestKeyspace(t *testing.T) {
	k := keyspace("x:")
	if got := k.job("j1"); got != "x:job:j1" {
		t.Fatalf("job key = %q", got)
	}
	if got := k.load("t", "5"); got != "x:load:t:5" {
		t.Fatalf("load key = %q", got)
	}
}
