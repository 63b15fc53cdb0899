package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xraph/batch/ext"
	"github.com/xraph/batch/job"
	"github.com/xraph/batch/load"
)

// Compile-time interface checks.
var (
	_ ext.Extension     = (*Broker)(nil)
	_ ext.JobCreated    = (*Broker)(nil)
	_ ext.JobClaimed    = (*Broker)(nil)
	_ ext.JobUpdated    = (*Broker)(nil)
	_ ext.JobFreed      = (*Broker)(nil)
	_ ext.JobRetrying   = (*Broker)(nil)
	_ ext.JobFatal      = (*Broker)(nil)
	_ ext.JobAborted    = (*Broker)(nil)
	_ ext.LoadRefreshed = (*Broker)(nil)
	_ ext.Shutdown      = (*Broker)(nil)
)

// DefaultBufferSize is the default per-subscriber event buffer.
const DefaultBufferSize = 256

// DefaultCredits is the default initial credits for new subscribers.
const DefaultCredits int64 = 1000

// Broker is the real-time stream broker. It receives lifecycle events as
// an ext.Extension and fans them out to subscribers by topic.
type Broker struct {
	topics *TopicRegistry
	logger *slog.Logger
	now    func() time.Time

	subscribers sync.Map // subscriberID → *Subscriber

	totalPublished atomic.Int64
	totalDropped   atomic.Int64

	bufferSize     int
	defaultCredits int64
}

// BrokerOption configures a Broker.
type BrokerOption func(*Broker)

// WithBufferSize sets the per-subscriber event buffer size.
func WithBufferSize(size int) BrokerOption {
	return func(b *Broker) { b.bufferSize = size }
}

// WithDefaultCredits sets the initial credits for new subscribers.
func WithDefaultCredits(credits int64) BrokerOption {
	return func(b *Broker) { b.defaultCredits = credits }
}

// WithClock sets the clock used to stamp events.
func WithClock(now func() time.Time) BrokerOption {
	return func(b *Broker) { b.now = now }
}

// NewBroker creates a new stream broker.
func NewBroker(logger *slog.Logger, opts ...BrokerOption) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Broker{
		topics:         NewTopicRegistry(),
		logger:         logger,
		now:            time.Now,
		bufferSize:     DefaultBufferSize,
		defaultCredits: DefaultCredits,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Name implements ext.Extension.
func (b *Broker) Name() string { return "stream-broker" }

// Topics returns the topic registry.
func (b *Broker) Topics() *TopicRegistry { return b.topics }

// Subscribe creates a subscriber on the given topics, replacing any
// previous subscriber with the same ID.
func (b *Broker) Subscribe(subscriberID string, topics ...string) *Subscriber {
	b.RemoveSubscriber(subscriberID)
	sub := NewSubscriber(subscriberID, b.bufferSize, b.defaultCredits)
	b.subscribers.Store(subscriberID, sub)
	for _, topic := range topics {
		b.topics.Subscribe(topic, sub)
	}
	return sub
}

// SubscribeTo adds an existing subscriber to more topics. It reports
// false when the subscriber is unknown.
func (b *Broker) SubscribeTo(subscriberID string, topics ...string) bool {
	sub, ok := b.GetSubscriber(subscriberID)
	if !ok {
		return false
	}
	for _, topic := range topics {
		b.topics.Subscribe(topic, sub)
	}
	return true
}

// Unsubscribe removes a subscriber from specific topics.
func (b *Broker) Unsubscribe(subscriberID string, topics ...string) {
	for _, topic := range topics {
		b.topics.Unsubscribe(topic, subscriberID)
	}
}

// RemoveSubscriber removes a subscriber from all topics and closes it.
func (b *Broker) RemoveSubscriber(subscriberID string) {
	b.topics.UnsubscribeAll(subscriberID)
	if val, ok := b.subscribers.LoadAndDelete(subscriberID); ok {
		val.(*Subscriber).Close() //nolint:errcheck // sync.Map always stores *Subscriber
	}
}

// GetSubscriber returns a subscriber by ID.
func (b *Broker) GetSubscriber(subscriberID string) (*Subscriber, bool) {
	val, ok := b.subscribers.Load(subscriberID)
	if !ok {
		return nil, false
	}
	return val.(*Subscriber), true //nolint:errcheck // sync.Map always stores *Subscriber
}

// Stats returns broker statistics.
func (b *Broker) Stats() BrokerStats {
	count := 0
	b.subscribers.Range(func(_, _ any) bool {
		count++
		return true
	})
	return BrokerStats{
		TopicCount:      b.topics.TopicCount(),
		SubscriberCount: count,
		TotalPublished:  b.totalPublished.Load(),
		TotalDropped:    b.totalDropped.Load(),
	}
}

// BrokerStats contains broker metrics.
type BrokerStats struct {
	TopicCount      int   `json:"topic_count"`
	SubscriberCount int   `json:"subscriber_count"`
	TotalPublished  int64 `json:"total_published"`
	TotalDropped    int64 `json:"total_dropped"`
}

// Publish broadcasts an event to its resolved topics plus any scoped ones.
func (b *Broker) Publish(evt *Event, scoped ...string) {
	delivered, dropped := b.topics.Broadcast(resolveTopics(evt, scoped...), evt)
	b.totalPublished.Add(int64(delivered))
	if dropped > 0 {
		b.totalDropped.Add(int64(dropped))
		b.logger.Debug("stream events dropped",
			slog.String("type", string(evt.Type)),
			slog.Int("dropped", dropped),
		)
	}
}

// publishJob publishes a job or lease event on the job, type, and
// partner topics of j.
func (b *Broker) publishJob(typ EventType, j *job.Job, mutate func(*JobEventData)) {
	data := jobEventData(j)
	if mutate != nil {
		mutate(&data)
	}
	raw, err := json.Marshal(data)
	if err != nil {
		b.logger.Warn("stream: marshal event data",
			slog.String("type", string(typ)),
			slog.String("error", err.Error()),
		)
		return
	}
	b.Publish(&Event{
		Type:      typ,
		Timestamp: b.now().UTC(),
		Topic:     JobTopic(j.ID.String()),
		Data:      raw,
	}, TypeTopic(j.Type), PartnerTopic(j.PartnerID))
}

// ── Job lifecycle hooks ─────────────────────────────

func (b *Broker) OnJobCreated(_ context.Context, j *job.Job) error {
	b.publishJob(EventJobCreated, j, nil)
	return nil
}

func (b *Broker) OnJobClaimed(_ context.Context, j *job.Job) error {
	b.publishJob(EventLeaseClaimed, j, nil)
	return nil
}

func (b *Broker) OnJobUpdated(_ context.Context, j *job.Job) error {
	b.publishJob(EventLeaseUpdated, j, nil)
	return nil
}

func (b *Broker) OnJobFreed(_ context.Context, j *job.Job) error {
	b.publishJob(EventLeaseFreed, j, nil)
	return nil
}

func (b *Broker) OnJobRetrying(_ context.Context, j *job.Job, nextRunAt time.Time) error {
	b.publishJob(EventJobRetrying, j, func(d *JobEventData) {
		next := nextRunAt.UTC()
		d.NextRunAt = &next
	})
	return nil
}

func (b *Broker) OnJobFatal(_ context.Context, j *job.Job) error {
	b.publishJob(EventJobFatal, j, nil)
	return nil
}

func (b *Broker) OnJobAborted(_ context.Context, j *job.Job) error {
	b.publishJob(EventJobAborted, j, nil)
	return nil
}

// ── Partner load hooks ──────────────────────────────

func (b *Broker) OnLoadRefreshed(_ context.Context, res load.RefreshResult, elapsed time.Duration) error {
	raw, err := json.Marshal(LoadEventData{RefreshResult: res, ElapsedMs: elapsed.Milliseconds()})
	if err != nil {
		return err
	}
	b.Publish(&Event{
		Type:      EventLoadRefreshed,
		Timestamp: b.now().UTC(),
		Data:      raw,
	})
	return nil
}

// ── Shutdown ────────────────────────────────────────

func (b *Broker) OnShutdown(_ context.Context) error {
	b.subscribers.Range(func(key, _ any) bool {
		b.RemoveSubscriber(key.(string)) //nolint:errcheck // keys are subscriber IDs
		return true
	})
	b.logger.Info("stream broker shut down")
	return nil
}
