package stream

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/xraph/batch/job"
)

// Topic names follow a pattern:
//
//	job:<jobID>         events for a specific job
//	type:<jobType>      job and lease events for one job type
//	partner:<partnerID> job and lease events for one partner
//	jobs                all job and lease events
//	loads               partner load reconcile events
//	firehose            everything

const (
	TopicJobs     = "jobs"
	TopicLoads    = "loads"
	TopicFirehose = "firehose"
)

// JobTopic returns the topic name for a specific job.
func JobTopic(jobID string) string { return "job:" + jobID }

// TypeTopic returns the topic name for a job type.
func TypeTopic(t job.Type) string { return "type:" + string(t) }

// PartnerTopic returns the topic name for a partner.
func PartnerTopic(partnerID int64) string {
	return "partner:" + strconv.FormatInt(partnerID, 10)
}

// TopicRegistry manages subscriber sets per topic.
// It is safe for concurrent use.
type TopicRegistry struct {
	mu     sync.RWMutex
	topics map[string]map[string]*Subscriber // topic → subscriberID → subscriber
}

// NewTopicRegistry creates an empty topic registry.
func NewTopicRegistry() *TopicRegistry {
	return &TopicRegistry{
		topics: make(map[string]map[string]*Subscriber),
	}
}

// Subscribe adds a subscriber to a topic, creating the topic on first use.
func (tr *TopicRegistry) Subscribe(topic string, sub *Subscriber) {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	subs, ok := tr.topics[topic]
	if !ok {
		subs = make(map[string]*Subscriber)
		tr.topics[topic] = subs
	}
	subs[sub.ID()] = sub
	sub.addTopic(topic)
}

// Unsubscribe removes a subscriber from a topic. Empty topics are dropped.
func (tr *TopicRegistry) Unsubscribe(topic, subscriberID string) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.unsubscribeLocked(topic, subscriberID)
}

// UnsubscribeAll removes a subscriber from all topics.
func (tr *TopicRegistry) UnsubscribeAll(subscriberID string) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	for topic := range tr.topics {
		tr.unsubscribeLocked(topic, subscriberID)
	}
}

func (tr *TopicRegistry) unsubscribeLocked(topic, subscriberID string) {
	subs, ok := tr.topics[topic]
	if !ok {
		return
	}
	if sub, exists := subs[subscriberID]; exists {
		sub.removeTopic(topic)
		delete(subs, subscriberID)
	}
	if len(subs) == 0 {
		delete(tr.topics, topic)
	}
}

// Broadcast sends an event to the subscribers of every listed topic.
// A subscriber on more than one of the topics receives the event once.
// It returns the number of deliveries and the number of drops.
func (tr *TopicRegistry) Broadcast(topics []string, evt *Event) (delivered, dropped int) {
	tr.mu.RLock()
	seen := make(map[string]*Subscriber)
	for _, topic := range topics {
		for id, sub := range tr.topics[topic] {
			seen[id] = sub
		}
	}
	tr.mu.RUnlock()

	for _, sub := range seen {
		switch sub.send(evt) {
		case sendDelivered:
			delivered++
		case sendDropped:
			dropped++
		case sendFiltered:
		}
	}
	return delivered, dropped
}

// TopicCount returns the number of active topics.
func (tr *TopicRegistry) TopicCount() int {
	tr.mu.RLock()
	defer tr.mu.RUnlock()
	return len(tr.topics)
}

// SubscriberCount returns the number of subscribers on a topic.
func (tr *TopicRegistry) SubscriberCount(topic string) int {
	tr.mu.RLock()
	defer tr.mu.RUnlock()
	return len(tr.topics[topic])
}

// resolveTopics returns every topic an event is published to: the
// firehose, its family topic, its entity topic, and any scoped topics.
func resolveTopics(evt *Event, scoped ...string) []string {
	topics := []string{TopicFirehose}

	evtType := string(evt.Type)
	switch {
	case strings.HasPrefix(evtType, "job."), strings.HasPrefix(evtType, "lease."):
		topics = append(topics, TopicJobs)
	case strings.HasPrefix(evtType, "load."):
		topics = append(topics, TopicLoads)
	}

	if evt.Topic != "" {
		topics = append(topics, evt.Topic)
	}
	return append(topics, scoped...)
}

// ParseTopicEntity extracts the entity kind and key from a topic string.
// For example, "partner:42" returns ("partner", "42"). Global topics
// such as "jobs" return ("", "").
func ParseTopicEntity(topic string) (entity, key string) {
	idx := strings.IndexByte(topic, ':')
	if idx < 0 {
		return "", ""
	}
	return topic[:idx], topic[idx+1:]
}

// ValidateTopic checks whether a topic string is valid.
func ValidateTopic(topic string) error {
	switch topic {
	case TopicJobs, TopicLoads, TopicFirehose:
		return nil
	}

	entity, key := ParseTopicEntity(topic)
	if entity == "" || key == "" {
		return fmt.Errorf("stream: invalid topic %q", topic)
	}

	switch entity {
	case "job", "type":
		return nil
	case "partner":
		if _, err := strconv.ParseInt(key, 10, 64); err != nil {
			return fmt.Errorf("stream: invalid partner topic %q", topic)
		}
		return nil
	default:
		return fmt.Errorf("stream: unknown topic entity %q", entity)
	}
}
