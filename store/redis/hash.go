package redis

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/xraph/batch"
	"github.com/xraph/batch/cluster"
	"github.com/xraph/batch/id"
	"github.com/xraph/batch/job"
	"github.com/xraph/batch/load"
)

// Times are unix microseconds so Lua scripts compare them exactly.

func micros(t time.Time) string {
	if t.IsZero() {
		return "0"
	}
	return strconv.FormatInt(t.UnixMicro(), 10)
}

func parseMicros(s string) time.Time {
	n, _ := strconv.ParseInt(s, 10, 64) //nolint:errcheck // best-effort parse from trusted Redis data
	if n == 0 {
		return time.Time{}
	}
	return time.UnixMicro(n).UTC()
}

func score(t time.Time) float64 { return float64(t.UnixMicro()) }

func optionalString(i id.ID) string {
	if i.IsNil() {
		return ""
	}
	return i.String()
}

// jobFields returns every non-lease field of j.
func jobFields(j *job.Job) map[string]any {
	m := map[string]any{
		"id":                 j.ID.String(),
		"type":               string(j.Type),
		"partner_id":         strconv.FormatInt(j.PartnerID, 10),
		"status":             string(j.Status),
		"parent_job_id":      optionalString(j.ParentJobID),
		"root_job_id":        optionalString(j.RootJobID),
		"object_id":          j.ObjectID,
		"priority":           strconv.Itoa(j.Priority),
		"execution_attempts": strconv.Itoa(j.ExecutionAttempts),
		"payload":            string(j.Payload),
		"message":            j.Message,
		"run_at":             micros(j.RunAt),
		"created_at":         micros(j.CreatedAt),
		"updated_at":         micros(j.UpdatedAt),
	}
	if j.FinishedAt != nil {
		m["finished_at"] = micros(*j.FinishedAt)
	}
	return m
}

// leaseFields returns the four lease fields, or nil when l is nil.
func leaseFields(l *job.Lease) map[string]any {
	if l == nil {
		return nil
	}
	return map[string]any{
		"lease_scheduler_id": strconv.Itoa(l.Key.SchedulerID),
		"lease_worker_id":    strconv.Itoa(l.Key.WorkerID),
		"lease_batch_index":  strconv.Itoa(l.Key.BatchIndex),
		"lease_expires_at":   micros(l.ExpiresAt),
	}
}

var leaseFieldNames = []string{"lease_scheduler_id", "lease_worker_id", "lease_batch_index", "lease_expires_at"}

func mapToJob(m map[string]string) (*job.Job, error) {
	jID, err := id.ParseJobID(m["id"])
	if err != nil {
		return nil, fmt.Errorf("batch/redis: parse job id: %w", err)
	}
	parent, err := id.ParseOptional(m["parent_job_id"])
	if err != nil {
		return nil, fmt.Errorf("batch/redis: parse parent id: %w", err)
	}
	root, err := id.ParseOptional(m["root_job_id"])
	if err != nil {
		return nil, fmt.Errorf("batch/redis: parse root id: %w", err)
	}

	partnerID, _ := strconv.ParseInt(m["partner_id"], 10, 64) //nolint:errcheck // best-effort parse from trusted Redis data
	priority, _ := strconv.Atoi(m["priority"])                //nolint:errcheck // best-effort parse from trusted Redis data
	attempts, _ := strconv.Atoi(m["execution_attempts"])      //nolint:errcheck // best-effort parse from trusted Redis data

	j := &job.Job{
		Entity: batch.Entity{
			CreatedAt: parseMicros(m["created_at"]),
			UpdatedAt: parseMicros(m["updated_at"]),
		},
		ID:                jID,
		Type:              job.Type(m["type"]),
		PartnerID:         partnerID,
		Status:            job.Status(m["status"]),
		ParentJobID:       parent,
		RootJobID:         root,
		ObjectID:          m["object_id"],
		Priority:          priority,
		ExecutionAttempts: attempts,
		Message:           m["message"],
		RunAt:             parseMicros(m["run_at"]),
	}
	if p := m["payload"]; p != "" {
		j.Payload = []byte(p)
	}
	if v := m["finished_at"]; v != "" {
		t := parseMicros(v)
		j.FinishedAt = &t
	}
	if v, ok := m["lease_expires_at"]; ok {
		sched, _ := strconv.Atoi(m["lease_scheduler_id"]) //nolint:errcheck // best-effort parse from trusted Redis data
		worker, _ := strconv.Atoi(m["lease_worker_id"])   //nolint:errcheck // best-effort parse from trusted Redis data
		idx, _ := strconv.Atoi(m["lease_batch_index"])    //nolint:errcheck // best-effort parse from trusted Redis data
		j.Lease = &job.Lease{
			Key:       job.LockKey{SchedulerID: sched, WorkerID: worker, BatchIndex: idx},
			ExpiresAt: parseMicros(v),
		}
	}
	return j, nil
}

// pairsToMap converts a flat HGETALL script reply into a field map.
func pairsToMap(reply []any) map[string]string {
	m := make(map[string]string, len(reply)/2)
	for i := 0; i+1 < len(reply); i += 2 {
		k, _ := reply[i].(string)   //nolint:errcheck // Redis bulk strings
		v, _ := reply[i+1].(string) //nolint:errcheck // Redis bulk strings
		m[k] = v
	}
	return m
}

func loadFields(pl *load.PartnerLoad) map[string]any {
	return map[string]any{
		"partner_id":    strconv.FormatInt(pl.PartnerID, 10),
		"job_type":      string(pl.JobType),
		"load":          strconv.FormatInt(pl.Load, 10),
		"weighted_load": strconv.FormatFloat(pl.WeightedLoad, 'g', -1, 64),
		"updated_at":    micros(pl.UpdatedAt),
	}
}

func mapToLoad(m map[string]string) *load.PartnerLoad {
	partnerID, _ := strconv.ParseInt(m["partner_id"], 10, 64) //nolint:errcheck // best-effort parse from trusted Redis data
	n, _ := strconv.ParseInt(m["load"], 10, 64)               //nolint:errcheck // best-effort parse from trusted Redis data
	weighted, _ := strconv.ParseFloat(m["weighted_load"], 64) //nolint:errcheck // best-effort parse from trusted Redis data
	return &load.PartnerLoad{
		PartnerID:    partnerID,
		JobType:      job.Type(m["job_type"]),
		Load:         n,
		WeightedLoad: weighted,
		UpdatedAt:    parseMicros(m["updated_at"]),
	}
}

func workerToMap(w *cluster.Worker) map[string]any {
	m := map[string]any{
		"id":           w.ID.String(),
		"scheduler_id": strconv.Itoa(w.SchedulerID),
		"hostname":     w.Hostname,
		"job_types":    marshalJSON(w.JobTypes),
		"slots":        strconv.Itoa(w.Slots),
		"state":        string(w.State),
		"is_leader":    boolToStr(w.IsLeader),
		"last_seen":    micros(w.LastSeen),
		"metadata":     marshalJSON(w.Metadata),
		"created_at":   micros(w.CreatedAt),
	}
	if w.LeaderUntil != nil {
		m["leader_until"] = micros(*w.LeaderUntil)
	}
	return m
}

func mapToWorker(m map[string]string) (*cluster.Worker, error) {
	wID, err := id.ParseWorkerID(m["id"])
	if err != nil {
		return nil, fmt.Errorf("batch/redis: parse worker id: %w", err)
	}

	schedulerID, _ := strconv.Atoi(m["scheduler_id"]) //nolint:errcheck // best-effort parse from trusted Redis data
	slots, _ := strconv.Atoi(m["slots"])              //nolint:errcheck // best-effort parse from trusted Redis data

	w := &cluster.Worker{
		ID:          wID,
		SchedulerID: schedulerID,
		Hostname:    m["hostname"],
		JobTypes:    unmarshalStrings(m["job_types"]),
		Slots:       slots,
		State:       cluster.WorkerState(m["state"]),
		IsLeader:    m["is_leader"] == "1",
		LastSeen:    parseMicros(m["last_seen"]),
		Metadata:    unmarshalMap(m["metadata"]),
		CreatedAt:   parseMicros(m["created_at"]),
	}
	if v := m["leader_until"]; v != "" {
		t := parseMicros(v)
		w.LeaderUntil = &t
	}
	return w, nil
}

// marshalJSON is a helper to marshal to JSON string.
func marshalJSON(v any) string {
	b, _ := json.Marshal(v) //nolint:errcheck // marshal should not fail for basic types
	return string(b)
}

// unmarshalStrings parses a JSON array of strings.
func unmarshalStrings(s string) []string {
	if s == "" || s == "null" {
		return nil
	}
	var out []string
	_ = json.Unmarshal([]byte(s), &out) //nolint:errcheck // best-effort parse from trusted Redis data
	return out
}

// unmarshalMap parses a JSON map.
func unmarshalMap(s string) map[string]string {
	if s == "" || s == "null" {
		return nil
	}
	out := make(map[string]string)
	_ = json.Unmarshal([]byte(s), &out) //nolint:errcheck // best-effort parse from trusted Redis data
	return out
}

func boolToStr(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
