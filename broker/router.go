// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"log/slog"
	"time"

	"github.com/relaymq/relaymq/broker/events"
	"github.com/relaymq/relaymq/queue"
	"github.com/relaymq/relaymq/storage"
)

// catchAllTopic is the literal subscription name that receives every
// published message. Routing re-gathers its subscribers at route time;
// glob matching is a listing-API concern only.
const catchAllTopic = "#"

// route fans the message out to its recipients: direct subscribers plus
// catch-all subscribers, deduplicated, filtered, with consumer group
// substitution for groups bound to the message's topic.
func (b *Broker) route(msg *storage.Message) {
	recipients := make(map[string]struct{})
	for _, id := range b.registry.SubscribersOf(msg.Topic) {
		recipients[id] = struct{}{}
	}
	for _, id := range b.registry.SubscribersOf(catchAllTopic) {
		recipients[id] = struct{}{}
	}

	cfg := b.registry.Config(msg.Topic)

	// Each group bound to the topic is consulted once per message, no
	// matter how many of its members subscribed; group substitution may
	// still pick the same target twice, so deliveries are deduplicated.
	delivered := make(map[string]struct{})
	groupsSeen := make(map[string]struct{})

	for id := range recipients {
		sub := b.getSubscriber(id)
		if sub == nil {
			continue
		}

		if !sub.Filter.Matches(msg) {
			continue
		}

		targets := []string{id}
		if groupName, groupTopic, ok := b.groups.GroupFor(id); ok && groupTopic == msg.Topic {
			if _, seen := groupsSeen[groupName]; seen {
				continue
			}
			groupsSeen[groupName] = struct{}{}

			targets = b.groups.Select(groupName, msg)
			if len(targets) == 0 {
				continue
			}
			b.markGroupDelivery(groupName, targets)
		}

		for _, target := range targets {
			if _, done := delivered[target]; done {
				continue
			}
			delivered[target] = struct{}{}
			b.deliver(target, msg, cfg)
		}
	}
}

// markGroupDelivery advances the group offset and processed counters.
func (b *Broker) markGroupDelivery(groupName string, targets []string) {
	for _, target := range targets {
		b.groups.MarkProcessed(groupName, target)
	}
	if err := b.groups.AdvanceOffset(b.baseCtx, groupName); err != nil {
		b.logger.Warn("failed to advance group offset",
			slog.String("group", groupName),
			slog.String("error", err.Error()))
	}
}

// deliver dispatches the message to one subscriber: synchronously through
// its sink when online, into its queue when offline, failed or awaiting
// acknowledgment.
func (b *Broker) deliver(subscriberID string, msg *storage.Message, cfg storage.TopicConfig) {
	b.mu.Lock()
	sub, ok := b.subscribers[subscriberID]
	if !ok {
		b.mu.Unlock()
		return
	}
	sink := b.sinks[subscriberID]
	online := sub.Online
	sub.LastActivity = time.Now()
	b.mu.Unlock()

	qm := &queue.QueuedMessage{
		Message:      msg,
		SubscriberID: subscriberID,
		QueuedAt:     time.Now(),
		MaxRetries:   cfg.MaxRetries,
	}

	if !online || sink == nil {
		b.enqueue(subscriberID, qm, cfg)
		return
	}

	if cfg.RequireAck {
		// The message stays queued until acked; the retry delay keeps
		// drains from redelivering immediately.
		qm.NextRetryAt = time.Now().Add(cfg.RetryDelay)
		b.enqueue(subscriberID, qm, cfg)
		b.dispatch(sub, sink, msg)
		return
	}

	if err := b.dispatch(sub, sink, msg); err != nil {
		b.stats.IncrementFailed()
		b.emit(events.MessageFailed{
			MessageID:    msg.ID,
			MessageTopic: msg.Topic,
			SubscriberID: subscriberID,
			Reason:       err.Error(),
		})
		if b.queues.FailDelivery(subscriberID, qm, err.Error(), cfg.MaxQueueSize) {
			b.onDeadLettered(msg, subscriberID, err.Error())
		}
	}
}

// dispatch invokes the sink and updates delivery stats on success.
func (b *Broker) dispatch(sub *Subscriber, sink Sink, msg *storage.Message) error {
	if err := sink.Deliver(msg); err != nil {
		return err
	}

	b.mu.Lock()
	sub.DeliveredCount++
	b.mu.Unlock()

	b.stats.IncrementDelivered()
	b.emit(events.MessageDelivered{
		MessageID:    msg.ID,
		MessageTopic: msg.Topic,
		SubscriberID: sub.ID,
	})
	return nil
}

// enqueue parks the message in the subscriber's queue, emitting events for
// the queued message and any overflow eviction.
func (b *Broker) enqueue(subscriberID string, qm *queue.QueuedMessage, cfg storage.TopicConfig) {
	evicted := b.queues.Enqueue(subscriberID, qm, cfg.MaxQueueSize)
	if evicted != nil {
		b.stats.IncrementFailed()
		b.emit(events.MessageFailed{
			MessageID:    evicted.Message.ID,
			MessageTopic: evicted.Message.Topic,
			SubscriberID: subscriberID,
			Reason:       queue.ReasonQueueOverflow,
		})
	}

	b.stats.IncrementQueued()
	b.emit(events.MessageQueued{
		MessageID:    qm.Message.ID,
		MessageTopic: qm.Message.Topic,
		SubscriberID: subscriberID,
		QueueDepth:   b.queues.Depth(subscriberID),
	})
}

// onDeadLettered emits the failure event for a DLQ promotion.
func (b *Broker) onDeadLettered(msg *storage.Message, subscriberID, reason string) {
	b.emit(events.MessageFailed{
		MessageID:    msg.ID,
		MessageTopic: msg.Topic,
		SubscriberID: subscriberID,
		Reason:       reason,
	})
}

// drainQueue pushes ready queued messages to a subscriber that just came
// online. Sink failures stop the drain; the failed message is rescheduled.
func (b *Broker) drainQueue(subscriberID string) {
	for {
		b.mu.RLock()
		sub, ok := b.subscribers[subscriberID]
		sink := b.sinks[subscriberID]
		b.mu.RUnlock()
		if !ok || sink == nil || !sub.Online {
			return
		}

		qm := b.queues.Dequeue(subscriberID)
		if qm == nil {
			return
		}

		cfg := b.registry.Config(qm.Message.Topic)
		if cfg.RequireAck {
			if qm.Attempts > 0 || !qm.NextRetryAt.IsZero() {
				// Redelivery of an unacked message spends its retry
				// budget; exhaustion promotes it to the DLQ instead of
				// redelivering forever.
				if b.queues.FailDelivery(subscriberID, qm, queue.ReasonMaxRetries, cfg.MaxQueueSize) {
					b.stats.IncrementFailed()
					b.onDeadLettered(qm.Message, subscriberID, queue.ReasonMaxRetries)
					continue
				}
			} else {
				// First delivery: keep queued until acked.
				qm.NextRetryAt = time.Now().Add(cfg.RetryDelay)
				b.queues.Enqueue(subscriberID, qm, cfg.MaxQueueSize)
			}
			b.dispatch(sub, sink, qm.Message)
			continue
		}

		if err := b.dispatch(sub, sink, qm.Message); err != nil {
			if b.queues.FailDelivery(subscriberID, qm, err.Error(), cfg.MaxQueueSize) {
				b.onDeadLettered(qm.Message, subscriberID, err.Error())
			}
			return
		}
	}
}
