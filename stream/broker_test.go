package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/xraph/batch/id"
	"github.com/xraph/batch/job"
	"github.com/xraph/batch/load"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testJob(t job.Type, partnerID int64) *job.Job {
	return &job.Job{
		ID:        id.NewJobID(),
		Type:      t,
		PartnerID: partnerID,
		Status:    job.StatusProcessing,
		Priority:  3,
		Lease: &job.Lease{
			Key:       job.LockKey{SchedulerID: 1, WorkerID: 2, BatchIndex: 0},
			ExpiresAt: time.Date(2026, 1, 1, 12, 5, 0, 0, time.UTC),
		},
	}
}

func receive(t *testing.T, sub *Subscriber) *Event {
	t.Helper()
	select {
	case evt := <-sub.C():
		return evt
	case <-time.After(time.Second):
		t.Fatalf("subscriber %s timed out", sub.ID())
		return nil
	}
}

func expectNone(t *testing.T, sub *Subscriber) {
	t.Helper()
	select {
	case evt := <-sub.C():
		t.Fatalf("subscriber %s got unexpected %s event", sub.ID(), evt.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBrokerClaimEvent(t *testing.T) {
	t.Parallel()

	b := NewBroker(testLogger())
	j := testJob("import", 42)
	sub := b.Subscribe("sub-1", TopicJobs)

	if err := b.OnJobClaimed(context.Background(), j); err != nil {
		t.Fatalf("OnJobClaimed: %v", err)
	}

	evt := receive(t, sub)
	if evt.Type != EventLeaseClaimed {
		t.Errorf("Type = %q, want %q", evt.Type, EventLeaseClaimed)
	}
	if evt.Topic != JobTopic(j.ID.String()) {
		t.Errorf("Topic = %q, want %q", evt.Topic, JobTopic(j.ID.String()))
	}

	var data JobEventData
	if err := json.Unmarshal(evt.Data, &data); err != nil {
		t.Fatalf("unmarshal data: %v", err)
	}
	if data.PartnerID != 42 || data.JobType != "import" {
		t.Errorf("data = %+v, want partner 42 type import", data)
	}
	if data.Lock == nil || *data.Lock != j.Lease.Key {
		t.Errorf("Lock = %v, want %v", data.Lock, j.Lease.Key)
	}
	if data.LeaseExpiresAt == nil || !data.LeaseExpiresAt.Equal(j.Lease.ExpiresAt) {
		t.Errorf("LeaseExpiresAt = %v, want %v", data.LeaseExpiresAt, j.Lease.ExpiresAt)
	}
}

func TestBrokerScopedTopics(t *testing.T) {
	t.Parallel()

	b := NewBroker(testLogger())
	partner := b.Subscribe("partner-sub", PartnerTopic(7))
	typed := b.Subscribe("type-sub", TypeTopic("export"))
	single := b.Subscribe("job-sub")

	j := testJob("export", 7)
	b.SubscribeTo("job-sub", JobTopic(j.ID.String()))

	if err := b.OnJobFreed(context.Background(), j); err != nil {
		t.Fatalf("OnJobFreed: %v", err)
	}
	for _, sub := range []*Subscriber{partner, typed, single} {
		if evt := receive(t, sub); evt.Type != EventLeaseFreed {
			t.Errorf("%s: Type = %q, want %q", sub.ID(), evt.Type, EventLeaseFreed)
		}
	}

	other := testJob("import", 8)
	if err := b.OnJobFreed(context.Background(), other); err != nil {
		t.Fatalf("OnJobFreed: %v", err)
	}
	for _, sub := range []*Subscriber{partner, typed, single} {
		expectNone(t, sub)
	}
}

func TestBrokerRetryingCarriesNextRun(t *testing.T) {
	t.Parallel()

	b := NewBroker(testLogger())
	sub := b.Subscribe("retry-sub", TopicFirehose)
	next := time.Date(2026, 1, 1, 13, 0, 0, 0, time.UTC)

	if err := b.OnJobRetrying(context.Background(), testJob("import", 1), next); err != nil {
		t.Fatalf("OnJobRetrying: %v", err)
	}

	var data JobEventData
	if err := json.Unmarshal(receive(t, sub).Data, &data); err != nil {
		t.Fatalf("unmarshal data: %v", err)
	}
	if data.NextRunAt == nil || !data.NextRunAt.Equal(next) {
		t.Errorf("NextRunAt = %v, want %v", data.NextRunAt, next)
	}
}

func TestBrokerLoadRefreshed(t *testing.T) {
	t.Parallel()

	b := NewBroker(testLogger())
	loads := b.Subscribe("loads-sub", TopicLoads)
	jobs := b.Subscribe("jobs-sub", TopicJobs)

	res := load.RefreshResult{Inserted: 1, Updated: 2, Deleted: 3}
	if err := b.OnLoadRefreshed(context.Background(), res, 15*time.Millisecond); err != nil {
		t.Fatalf("OnLoadRefreshed: %v", err)
	}

	var data LoadEventData
	if err := json.Unmarshal(receive(t, loads).Data, &data); err != nil {
		t.Fatalf("unmarshal data: %v", err)
	}
	if data.RefreshResult != res || data.ElapsedMs != 15 {
		t.Errorf("data = %+v, want %+v elapsed 15", data, res)
	}
	expectNone(t, jobs)
}

func TestBrokerRemoveSubscriber(t *testing.T) {
	t.Parallel()

	b := NewBroker(testLogger())
	sub := b.Subscribe("sub-rm", TopicFirehose)
	b.RemoveSubscriber("sub-rm")

	if err := b.OnJobCreated(context.Background(), testJob("import", 1)); err != nil {
		t.Fatalf("OnJobCreated: %v", err)
	}

	if _, ok := <-sub.C(); ok {
		t.Fatal("channel should be closed after RemoveSubscriber")
	}
	if b.SubscribeTo("sub-rm", TopicJobs) {
		t.Error("SubscribeTo on removed subscriber should report false")
	}
}

func TestBrokerStats(t *testing.T) {
	t.Parallel()

	b := NewBroker(testLogger(), WithDefaultCredits(1))
	_ = b.Subscribe("s1", TopicJobs)
	_ = b.Subscribe("s2", TopicLoads, TopicFirehose)

	ctx := context.Background()
	j := testJob("import", 1)
	_ = b.OnJobCreated(ctx, j) //nolint:errcheck // always nil
	_ = b.OnJobUpdated(ctx, j) //nolint:errcheck // always nil

	stats := b.Stats()
	if stats.SubscriberCount != 2 {
		t.Errorf("SubscriberCount = %d, want 2", stats.SubscriberCount)
	}
	if stats.TopicCount != 3 {
		t.Errorf("TopicCount = %d, want 3", stats.TopicCount)
	}
	if stats.TotalPublished != 2 {
		t.Errorf("TotalPublished = %d, want 2", stats.TotalPublished)
	}
	if stats.TotalDropped != 2 {
		t.Errorf("TotalDropped = %d, want 2", stats.TotalDropped)
	}
}

func TestBrokerShutdownClosesSubscribers(t *testing.T) {
	t.Parallel()

	b := NewBroker(testLogger())
	sub := b.Subscribe("s1", TopicJobs)

	if err := b.OnShutdown(context.Background()); err != nil {
		t.Fatalf("OnShutdown: %v", err)
	}
	if _, ok := <-sub.C(); ok {
		t.Fatal("channel should be closed after shutdown")
	}
	if got := b.Stats().SubscriberCount; got != 0 {
		t.Errorf("SubscriberCount = %d, want 0", got)
	}
}

func TestSubscriberCredits(t *testing.T) {
	t.Parallel()

	sub := NewSubscriber("credit-sub", 10, 2)
	evt := &Event{Type: EventJobCreated, Data: json.RawMessage(`{}`)}

	for i := range 2 {
		if got := sub.send(evt); got != sendDelivered {
			t.Fatalf("send %d = %v, want delivered", i, got)
		}
	}
	if got := sub.send(evt); got != sendDropped {
		t.Fatalf("send without credits = %v, want dropped", got)
	}
	if sub.Dropped() != 1 {
		t.Errorf("Dropped = %d, want 1", sub.Dropped())
	}

	sub.AddCredits(5)
	if sub.Credits() != 5 {
		t.Errorf("Credits = %d, want 5", sub.Credits())
	}
	if got := sub.send(evt); got != sendDelivered {
		t.Fatalf("send after replenish = %v, want delivered", got)
	}
}

func TestSubscriberFullBufferRestoresCredit(t *testing.T) {
	t.Parallel()

	sub := NewSubscriber("full-sub", 1, 10)
	evt := &Event{Type: EventJobCreated, Data: json.RawMessage(`{}`)}

	if got := sub.send(evt); got != sendDelivered {
		t.Fatalf("first send = %v, want delivered", got)
	}
	if got := sub.send(evt); got != sendDropped {
		t.Fatalf("send into full buffer = %v, want dropped", got)
	}
	if sub.Credits() != 9 {
		t.Errorf("Credits = %d, want 9", sub.Credits())
	}
}

func TestSubscriberSendAfterClose(t *testing.T) {
	t.Parallel()

	sub := NewSubscriber("closed-sub", 4, 10)
	sub.Close()
	sub.Close()

	if got := sub.send(&Event{Type: EventJobCreated}); got != sendDropped {
		t.Fatalf("send after close = %v, want dropped", got)
	}
}

func TestSubscriberFilter(t *testing.T) {
	t.Parallel()

	sub := NewSubscriber("filter-sub", 10, 100)
	sub.SetFilter(func(e *Event) bool { return e.Type == EventJobFatal })

	if got := sub.send(&Event{Type: EventLeaseClaimed}); got != sendFiltered {
		t.Fatalf("claimed event = %v, want filtered", got)
	}
	if got := sub.send(&Event{Type: EventJobFatal}); got != sendDelivered {
		t.Fatalf("fatal event = %v, want delivered", got)
	}
	if sub.Dropped() != 0 {
		t.Errorf("Dropped = %d, want 0", sub.Dropped())
	}
}

func TestTopicValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		topic string
		valid bool
	}{
		{TopicJobs, true},
		{TopicLoads, true},
		{TopicFirehose, true},
		{"job:job_01h455vb4pex5vsknk084sn02q", true},
		{"type:import", true},
		{"partner:42", true},
		{"partner:acme", false},
		{"queue:default", false},
		{"invalid", false},
		{"job:", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.topic, func(t *testing.T) {
			err := ValidateTopic(tt.topic)
			if tt.valid && err != nil {
				t.Errorf("ValidateTopic(%q) returned error: %v", tt.topic, err)
			}
			if !tt.valid && err == nil {
				t.Errorf("ValidateTopic(%q) should return error", tt.topic)
			}
		})
	}
}

func TestTopicRegistry(t *testing.T) {
	t.Parallel()

	tr := NewTopicRegistry()
	sub1 := NewSubscriber("s1", 10, 100)
	sub2 := NewSubscriber("s2", 10, 100)

	tr.Subscribe("topic-a", sub1)
	tr.Subscribe("topic-a", sub2)
	tr.Subscribe("topic-b", sub1)

	if tr.TopicCount() != 2 {
		t.Errorf("TopicCount = %d, want 2", tr.TopicCount())
	}
	if tr.SubscriberCount("topic-a") != 2 {
		t.Errorf("SubscriberCount(topic-a) = %d, want 2", tr.SubscriberCount("topic-a"))
	}

	tr.Unsubscribe("topic-a", "s2")
	if tr.SubscriberCount("topic-a") != 1 {
		t.Errorf("SubscriberCount(topic-a) = %d, want 1", tr.SubscriberCount("topic-a"))
	}
	if len(sub2.Topics()) != 0 {
		t.Errorf("s2 topics = %v, want none", sub2.Topics())
	}

	tr.UnsubscribeAll("s1")
	if tr.TopicCount() != 0 {
		t.Errorf("TopicCount after UnsubscribeAll = %d, want 0", tr.TopicCount())
	}
}

func TestBroadcastDeduplication(t *testing.T) {
	t.Parallel()

	tr := NewTopicRegistry()
	sub := NewSubscriber("dedup-sub", 10, 100)
	tr.Subscribe("topic-x", sub)
	tr.Subscribe("topic-y", sub)

	delivered, dropped := tr.Broadcast([]string{"topic-x", "topic-y"}, &Event{Type: EventJobCreated})
	if delivered != 1 || dropped != 0 {
		t.Errorf("Broadcast = (%d, %d), want (1, 0)", delivered, dropped)
	}
}

func TestResolveTopics(t *testing.T) {
	t.Parallel()

	tests := []struct {
		evt      *Event
		scoped   []string
		expected []string
	}{
		{
			evt:      &Event{Type: EventLeaseClaimed, Topic: "job:j1"},
			scoped:   []string{"type:import", "partner:1"},
			expected: []string{TopicFirehose, TopicJobs, "job:j1", "type:import", "partner:1"},
		},
		{
			evt:      &Event{Type: EventJobAborted, Topic: "job:j2"},
			expected: []string{TopicFirehose, TopicJobs, "job:j2"},
		},
		{
			evt:      &Event{Type: EventLoadRefreshed},
			expected: []string{TopicFirehose, TopicLoads},
		},
	}

	for _, tt := range tests {
		t.Run(string(tt.evt.Type), func(t *testing.T) {
			topics := resolveTopics(tt.evt, tt.scoped...)
			if len(topics) != len(tt.expected) {
				t.Fatalf("got %v, want %v", topics, tt.expected)
			}
			for i, topic := range topics {
				if topic != tt.expected[i] {
					t.Errorf("topic[%d] = %q, want %q", i, topic, tt.expected[i])
				}
			}
		})
	}
}
