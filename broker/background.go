// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"log/slog"
	"time"
)

// cleanupLoop purges expired queued messages, trims topic history past
// the retention window, prunes the message archive and syncs topic stats
// to the store.
func (b *Broker) cleanupLoop(interval time.Duration) {
	defer b.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopCh:
			return
		case <-ticker.C:
			purged := b.queues.PurgeExpired()
			trimmed := b.registry.TrimHistory()
			b.registry.SyncStats(b.baseCtx)
			b.pruneArchive()
			if purged > 0 || trimmed > 0 {
				b.logger.Debug("cleanup pass",
					slog.Int("expired_purged", purged),
					slog.Int("history_trimmed", trimmed))
			}
		}
	}
}

// pruneArchive deletes archived messages past the retention window.
func (b *Broker) pruneArchive() {
	if !b.archive {
		return
	}

	cutoff := time.Now().Add(-b.archiveRetention)
	deleted, err := b.store.Messages().DeleteOlderThan(b.baseCtx, cutoff)
	if err != nil {
		b.logger.Warn("failed to prune message archive",
			slog.String("error", err.Error()))
		return
	}
	if deleted > 0 {
		b.logger.Debug("archive pruned", slog.Int("deleted", deleted))
	}
}

// redeliveryLoop drains ready queued messages for subscribers that stay
// online, so a message rescheduled by a failed delivery or a nack is
// redelivered once its backoff elapses without waiting for a reconnect.
func (b *Broker) redeliveryLoop(interval time.Duration) {
	defer b.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopCh:
			return
		case <-ticker.C:
			b.redeliverReady()
		}
	}
}

// redeliverReady drains every online subscriber with pending messages.
func (b *Broker) redeliverReady() {
	b.mu.RLock()
	ids := make([]string, 0, len(b.subscribers))
	for id, sub := range b.subscribers {
		if sub.Online {
			ids = append(ids, id)
		}
	}
	b.mu.RUnlock()

	for _, id := range ids {
		if b.queues.Peek(id) != nil {
			b.drainQueue(id)
		}
	}
}
