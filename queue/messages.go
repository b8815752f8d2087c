// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"time"

	"github.com/relaymq/relaymq/storage"
)

// QueuedMessage wraps a message with per-subscriber delivery state. A
// queued message lives in exactly one subscriber's queue; the only exits
// are ack and dead letter promotion.
type QueuedMessage struct {
	Message      *storage.Message
	SubscriberID string
	QueuedAt     time.Time
	Attempts     int
	MaxRetries   int
	NextRetryAt  time.Time // zero value means ready immediately
}

// Ready reports whether the message is eligible for delivery at the given
// time, i.e. not waiting out a retry backoff.
func (qm *QueuedMessage) Ready(now time.Time) bool {
	return qm.NextRetryAt.IsZero() || !qm.NextRetryAt.After(now)
}

// backoffDelay computes the exponential retry backoff for the given
// attempt count: min(1s * 2^attempts, 60s).
func backoffDelay(attempts int) time.Duration {
	if attempts > 6 {
		// 1s << 6 = 64s, already past the cap.
		return 60 * time.Second
	}
	d := time.Second << uint(attempts)
	if d > 60*time.Second {
		d = 60 * time.Second
	}
	return d
}
