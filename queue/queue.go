// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package queue implements per-subscriber bounded FIFO queues with retry
// scheduling and the global dead letter queue.
package queue

import (
	"log/slog"
	"sync"
	"time"
)

// Manager maintains the per-subscriber queues. Overflow and retry
// exhaustion promote messages to the DLQ; the lock order is queue
// before DLQ, never the reverse.
type Manager struct {
	mu     sync.RWMutex
	queues map[string][]*QueuedMessage
	dlq    *DLQ
	logger *slog.Logger
}

// NewManager creates a queue manager promoting into the given DLQ.
func NewManager(dlq *DLQ, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		queues: make(map[string][]*QueuedMessage),
		dlq:    dlq,
		logger: logger,
	}
}

// Enqueue appends the message to the subscriber's queue. If the queue is
// at capacity the oldest entry is evicted into the DLQ with reason
// "queue overflow". Returns the evicted message, if any.
func (m *Manager) Enqueue(subscriberID string, qm *QueuedMessage, maxQueueSize int) *QueuedMessage {
	m.mu.Lock()
	defer m.mu.Unlock()

	q := m.queues[subscriberID]

	var evicted *QueuedMessage
	if maxQueueSize > 0 && len(q) >= maxQueueSize {
		evicted = q[0]
		q = q[1:]
		m.dlq.Push(evicted, ReasonQueueOverflow)
		m.logger.Warn("queue overflow, oldest message dead lettered",
			slog.String("subscriber_id", subscriberID),
			slog.String("message_id", evicted.Message.ID))
	}

	m.queues[subscriberID] = append(q, qm)
	return evicted
}

// Dequeue removes and returns the first ready message, or nil if none.
// Messages waiting out a retry backoff are skipped, not reordered around.
func (m *Manager) Dequeue(subscriberID string) *QueuedMessage {
	m.mu.Lock()
	defer m.mu.Unlock()

	q := m.queues[subscriberID]
	now := time.Now()
	for i, qm := range q {
		if qm.Ready(now) {
			m.queues[subscriberID] = append(q[:i:i], q[i+1:]...)
			return qm
		}
	}
	return nil
}

// Peek returns the first ready message without removing it.
func (m *Manager) Peek(subscriberID string) *QueuedMessage {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := time.Now()
	for _, qm := range m.queues[subscriberID] {
		if qm.Ready(now) {
			return qm
		}
	}
	return nil
}

// GetAll returns a snapshot of the subscriber's queue in order.
func (m *Manager) GetAll(subscriberID string) []*QueuedMessage {
	m.mu.RLock()
	defer m.mu.RUnlock()

	q := m.queues[subscriberID]
	out := make([]*QueuedMessage, len(q))
	copy(out, q)
	return out
}

// Depth returns the subscriber's queue length.
func (m *Manager) Depth(subscriberID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return len(m.queues[subscriberID])
}

// TotalDepth returns the sum of all queue lengths.
func (m *Manager) TotalDepth() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	total := 0
	for _, q := range m.queues {
		total += len(q)
	}
	return total
}

// Ack removes the message by id. Returns whether it was found.
func (m *Manager) Ack(subscriberID, messageID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	q := m.queues[subscriberID]
	for i, qm := range q {
		if qm.Message.ID == messageID {
			m.queues[subscriberID] = append(q[:i:i], q[i+1:]...)
			return true
		}
	}
	return false
}

// Nack increments the message's attempt counter. When the retry cap is
// reached the message is promoted to the DLQ; otherwise its next delivery
// is scheduled after an exponential backoff capped at 60 seconds.
// Returns whether the message was found and whether it was dead lettered.
func (m *Manager) Nack(subscriberID, messageID, reason string) (found, deadLettered bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	q := m.queues[subscriberID]
	for i, qm := range q {
		if qm.Message.ID != messageID {
			continue
		}

		qm.Attempts++
		if qm.Attempts >= qm.MaxRetries {
			m.queues[subscriberID] = append(q[:i:i], q[i+1:]...)
			if reason == "" {
				reason = ReasonMaxRetries
			}
			m.dlq.Push(qm, reason)
			m.logger.Info("message dead lettered after retries",
				slog.String("subscriber_id", subscriberID),
				slog.String("message_id", messageID),
				slog.Int("attempts", qm.Attempts))
			return true, true
		}

		qm.NextRetryAt = time.Now().Add(backoffDelay(qm.Attempts))
		return true, false
	}
	return false, false
}

// FailDelivery records a failed sink delivery for a message that is not
// currently queued: the attempt counter is bumped and the message is
// either dead lettered or re-enqueued with a backoff. Returns whether it
// was dead lettered.
func (m *Manager) FailDelivery(subscriberID string, qm *QueuedMessage, reason string, maxQueueSize int) bool {
	qm.Attempts++
	if qm.Attempts >= qm.MaxRetries {
		if reason == "" {
			reason = ReasonMaxRetries
		}
		m.dlq.Push(qm, reason)
		return true
	}
	qm.NextRetryAt = time.Now().Add(backoffDelay(qm.Attempts))
	m.Enqueue(subscriberID, qm, maxQueueSize)
	return false
}

// Clear drops the subscriber's queue entirely.
func (m *Manager) Clear(subscriberID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.queues, subscriberID)
}

// PurgeExpired removes queued messages whose TTL elapsed and returns the
// number purged.
func (m *Manager) PurgeExpired() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	purged := 0
	for subscriberID, q := range m.queues {
		kept := q[:0]
		for _, qm := range q {
			if qm.Message.Expired(now) {
				purged++
				continue
			}
			kept = append(kept, qm)
		}
		m.queues[subscriberID] = kept
	}
	return purged
}
