package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/batch/dwp"
	"github.com/xraph/batch/stream"
)

// Subscribe adds a stream topic to the session. Events from every
// subscribed topic arrive on Events, each at most once.
//
// Topics follow the stream convention:
//   - "job:<jobID>"          events for one job
//   - "type:<jobType>"       job and lease events for one job type
//   - "partner:<partnerID>"  job and lease events for one partner
//   - "jobs"                 all job and lease events
//   - "loads"                partner load reconcile events
//   - "firehose"             everything
func (c *Client) Subscribe(ctx context.Context, topic string) error {
	if _, err := c.request(ctx, dwp.MethodSubscribe, dwp.SubscribeRequest{Topic: topic}); err != nil {
		return fmt.Errorf("subscribe to %q: %w", topic, err)
	}
	c.topics.Store(topic, struct{}{})
	return nil
}

// Unsubscribe removes a stream topic from the session.
func (c *Client) Unsubscribe(ctx context.Context, topic string) error {
	c.topics.Delete(topic)
	if _, err := c.request(ctx, dwp.MethodUnsubscribe, dwp.UnsubscribeRequest{Topic: topic}); err != nil {
		return fmt.Errorf("unsubscribe from %q: %w", topic, err)
	}
	return nil
}

// Events returns the channel subscribed events are delivered on. Events
// are dropped when the channel is full. It is never closed; stop
// reading once the client is closed.
func (c *Client) Events() <-chan *stream.Event { return c.events }

// deliverEvent hands an event frame to Events and returns flow-control
// credits to the server in batches.
func (c *Client) deliverEvent(frame *dwp.Frame) {
	var evt stream.Event
	if err := json.Unmarshal(frame.Data, &evt); err != nil {
		c.logger.Warn("DWP client: invalid event", slog.String("error", err.Error()))
	} else {
		select {
		case c.events <- &evt:
		default:
			c.logger.Debug("DWP client: event dropped", slog.String("type", string(evt.Type)))
		}
	}

	if n := c.uncredited.Add(1); n >= c.creditBatch {
		c.uncredited.Add(-n)
		credit := &dwp.Frame{
			ID:        dwp.GenerateFrameID(),
			Type:      dwp.FrameCredit,
			Credits:   int(n),
			Timestamp: time.Now().UTC(),
		}
		if err := c.writeFrame(credit); err != nil {
			c.logger.Warn("DWP client: grant credits", slog.String("error", err.Error()))
		}
	}
}

// resubscribe restores the topic set on a new session after a reconnect.
func (c *Client) resubscribe() {
	c.topics.Range(func(key, _ any) bool {
		topic := key.(string) //nolint:errcheck // topics map always stores string keys
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if _, err := c.request(ctx, dwp.MethodSubscribe, dwp.SubscribeRequest{Topic: topic}); err != nil {
			c.logger.Warn("DWP client: resubscribe failed",
				slog.String("topic", topic),
				slog.String("error", err.Error()),
			)
		}
		return true
	})
}
