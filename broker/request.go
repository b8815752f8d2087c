// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/relaymq/relaymq/storage"
)

// replyTopicPrefix prefixes the transient per-request reply topics.
const replyTopicPrefix = "_reply."

// pendingRequest is a settle-once future for an in-flight request. The
// settle path and the teardown path share one sync.Once so that a race
// between reply arrival, timeout and cancellation resolves exactly once.
type pendingRequest struct {
	correlationID string
	requesterID   string
	topic         string
	replyTopic    string
	subscriberID  string
	sentAt        time.Time
	timeout       time.Duration

	once   sync.Once
	result chan *storage.Message
}

func (p *pendingRequest) settle(msg *storage.Message) {
	p.once.Do(func() {
		if msg != nil {
			p.result <- msg
		}
		close(p.result)
	})
}

// correlator matches replies to pending requests by correlation id.
type correlator struct {
	mu      sync.Mutex
	pending map[string]*pendingRequest
}

func newCorrelator() *correlator {
	return &correlator{pending: make(map[string]*pendingRequest)}
}

func (c *correlator) add(p *pendingRequest) {
	c.mu.Lock()
	c.pending[p.correlationID] = p
	c.mu.Unlock()
}

func (c *correlator) remove(correlationID string) *pendingRequest {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.pending[correlationID]
	if !ok {
		return nil
	}
	delete(c.pending, correlationID)
	return p
}

func (c *correlator) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.pending)
}

// Request publishes to the topic and suspends the caller until a
// correlated reply arrives, the timeout elapses, or ctx is cancelled.
// The transient reply subscription and topic are torn down on every path.
func (b *Broker) Request(ctx context.Context, topic string, payload json.RawMessage, requesterID string, timeout time.Duration) (*storage.Message, error) {
	if timeout <= 0 {
		timeout = b.requestTimeout
	}

	correlationID := uuid.New().String()
	replyTopic := replyTopicPrefix + requesterID + "." + correlationID

	p := &pendingRequest{
		correlationID: correlationID,
		requesterID:   requesterID,
		topic:         topic,
		replyTopic:    replyTopic,
		sentAt:        time.Now(),
		timeout:       timeout,
		result:        make(chan *storage.Message, 1),
	}
	b.correlator.add(p)

	sink := SinkFunc(func(msg *storage.Message) error {
		if msg.CorrelationID != correlationID {
			return nil
		}
		if pending := b.correlator.remove(correlationID); pending != nil {
			pending.settle(msg)
		}
		return nil
	})

	sub, err := b.Subscribe(ctx, requesterID, []string{replyTopic}, sink, nil)
	if err != nil {
		b.correlator.remove(correlationID)
		return nil, fmt.Errorf("failed to subscribe to reply topic: %w", err)
	}
	p.subscriberID = sub.ID

	teardown := func() {
		b.Unsubscribe(sub.ID)
		if _, err := b.DeleteTopic(ctx, replyTopic); err != nil {
			b.logger.Warn("failed to delete reply topic",
				"topic", replyTopic, "error", err.Error())
		}
	}

	b.stats.IncrementRequests()
	if _, err := b.Publish(ctx, topic, payload, requesterID, &PublishOptions{
		CorrelationID: correlationID,
		ReplyTo:       replyTopic,
	}); err != nil {
		b.correlator.remove(correlationID)
		p.settle(nil)
		teardown()
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	defer teardown()

	select {
	case msg, ok := <-p.result:
		if !ok || msg == nil {
			// Settled empty: raced with cancellation or teardown.
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			return nil, ErrTimeout
		}
		return msg, nil
	case <-timer.C:
		if pending := b.correlator.remove(correlationID); pending != nil {
			pending.settle(nil)
		}
		b.stats.IncrementTimeouts()
		return nil, fmt.Errorf("request on %q after %s: %w", topic, timeout, ErrTimeout)
	case <-ctx.Done():
		if pending := b.correlator.remove(correlationID); pending != nil {
			pending.settle(nil)
		}
		return nil, ctx.Err()
	}
}

// Reply publishes a response correlated to the original message. Returns
// ErrNoReplyAddress if the original carries no reply-to or correlation id.
func (b *Broker) Reply(ctx context.Context, original *storage.Message, payload json.RawMessage, replierID string) (*storage.Message, error) {
	if original == nil || original.ReplyTo == "" || original.CorrelationID == "" {
		return nil, ErrNoReplyAddress
	}

	return b.Publish(ctx, original.ReplyTo, payload, replierID, &PublishOptions{
		CorrelationID: original.CorrelationID,
	})
}
