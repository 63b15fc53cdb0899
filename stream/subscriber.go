package stream

import (
	"sync"
	"sync/atomic"
)

// Subscriber receives events from the topics it is on.
// Flow control is credit based: the subscriber grants credits for the
// number of events it can accept and the broker skips it at zero.
type Subscriber struct {
	id string

	// mu guards ch against a send racing Close.
	mu     sync.RWMutex
	ch     chan *Event
	closed bool

	credits atomic.Int64
	dropped atomic.Int64

	topicMu sync.RWMutex
	topics  map[string]struct{}

	// filter, when set, must accept an event for it to be delivered.
	filter func(*Event) bool
}

// NewSubscriber creates a subscriber with the given buffer size
// and initial credits.
func NewSubscriber(id string, bufferSize int, initialCredits int64) *Subscriber {
	s := &Subscriber{
		id:     id,
		ch:     make(chan *Event, bufferSize),
		topics: make(map[string]struct{}),
	}
	s.credits.Store(initialCredits)
	return s
}

// ID returns the subscriber identifier.
func (s *Subscriber) ID() string { return s.id }

// C returns the event channel. It is closed when the subscriber is.
func (s *Subscriber) C() <-chan *Event { return s.ch }

// AddCredits replenishes flow-control credits.
func (s *Subscriber) AddCredits(n int64) { s.credits.Add(n) }

// Credits returns the current credit count.
func (s *Subscriber) Credits() int64 { return s.credits.Load() }

// Dropped returns how many events were not delivered to this subscriber.
func (s *Subscriber) Dropped() int64 { return s.dropped.Load() }

// SetFilter sets an event filter predicate. Call it before the
// subscriber is registered with a broker.
func (s *Subscriber) SetFilter(fn func(*Event) bool) { s.filter = fn }

func (s *Subscriber) addTopic(topic string) {
	s.topicMu.Lock()
	s.topics[topic] = struct{}{}
	s.topicMu.Unlock()
}

func (s *Subscriber) removeTopic(topic string) {
	s.topicMu.Lock()
	delete(s.topics, topic)
	s.topicMu.Unlock()
}

// Topics returns a copy of the subscribed topic names.
func (s *Subscriber) Topics() []string {
	s.topicMu.RLock()
	defer s.topicMu.RUnlock()
	out := make([]string, 0, len(s.topics))
	for t := range s.topics {
		out = append(out, t)
	}
	return out
}

// sendResult is the outcome of one delivery attempt.
type sendResult int

const (
	sendDelivered sendResult = iota
	sendFiltered
	sendDropped
)

// send attempts a non-blocking delivery. Exhausted credits, a full
// buffer, and a closed subscriber all drop the event.
func (s *Subscriber) send(evt *Event) sendResult {
	if s.filter != nil && !s.filter(evt) {
		return sendFiltered
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return sendDropped
	}

	for {
		current := s.credits.Load()
		if current <= 0 {
			s.dropped.Add(1)
			return sendDropped
		}
		if s.credits.CompareAndSwap(current, current-1) {
			break
		}
	}

	select {
	case s.ch <- evt:
		return sendDelivered
	default:
		s.credits.Add(1)
		s.dropped.Add(1)
		return sendDropped
	}
}

// Close closes the event channel. Safe to call multiple times.
func (s *Subscriber) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}
