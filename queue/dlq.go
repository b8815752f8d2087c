// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/relaymq/relaymq/storage"
)

// Dead letter reasons.
const (
	ReasonQueueOverflow = "queue overflow"
	ReasonMaxRetries    = "max retries exceeded"
)

// DefaultDLQMaxSize bounds the dead letter queue when no cap is configured.
const DefaultDLQMaxSize = 1000

// DropHandler is invoked when a full DLQ silently drops its oldest entry.
// Wired to an audit event when the drop-event policy is enabled.
type DropHandler func(entry *storage.DeadLetterEntry)

// DLQ is the bounded global dead letter queue. On push beyond the cap the
// oldest entry is dropped; whether that raises an event is a policy choice
// of the caller via the drop handler.
type DLQ struct {
	mu      sync.Mutex
	entries []*storage.DeadLetterEntry
	maxSize int
	store   storage.DeadLetterStore
	onDrop  DropHandler
	logger  *slog.Logger
}

// NewDLQ creates a dead letter queue persisting through the given store.
// A nil onDrop means dropped entries go unannounced.
func NewDLQ(store storage.DeadLetterStore, maxSize int, onDrop DropHandler, logger *slog.Logger) *DLQ {
	if maxSize <= 0 {
		maxSize = DefaultDLQMaxSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DLQ{
		maxSize: maxSize,
		store:   store,
		onDrop:  onDrop,
		logger:  logger,
	}
}

// Restore loads persisted entries. Called once at startup.
func (d *DLQ) Restore(ctx context.Context) error {
	entries, err := d.store.List(ctx, d.maxSize)
	if err != nil {
		return err
	}

	d.mu.Lock()
	d.entries = entries
	d.mu.Unlock()
	return nil
}

// Push appends a failed message. Persistence is best effort: the in-memory
// queue stays authoritative and a failed write is logged, not propagated,
// so delivery paths are never blocked on the store.
func (d *DLQ) Push(qm *QueuedMessage, reason string) *storage.DeadLetterEntry {
	entry := &storage.DeadLetterEntry{
		Message:       qm.Message,
		Reason:        reason,
		FailedAt:      time.Now(),
		OriginalTopic: qm.Message.Topic,
		SubscriberID:  qm.SubscriberID,
	}

	d.mu.Lock()
	var dropped *storage.DeadLetterEntry
	if len(d.entries) >= d.maxSize {
		dropped = d.entries[0]
		d.entries = d.entries[1:]
	}
	d.entries = append(d.entries, entry)
	d.mu.Unlock()

	if err := d.store.Append(context.Background(), entry); err != nil {
		d.logger.Warn("failed to persist dead letter entry",
			slog.String("message_id", entry.Message.ID),
			slog.String("error", err.Error()))
	}
	if dropped != nil {
		if err := d.store.Remove(context.Background(), dropped.Message.ID); err != nil && err != storage.ErrNotFound {
			d.logger.Warn("failed to remove dropped dead letter entry",
				slog.String("message_id", dropped.Message.ID),
				slog.String("error", err.Error()))
		}
		if d.onDrop != nil {
			d.onDrop(dropped)
		}
	}

	return entry
}

// List returns entries oldest-first. limit <= 0 means all.
func (d *DLQ) List(limit int) []*storage.DeadLetterEntry {
	d.mu.Lock()
	defer d.mu.Unlock()

	entries := d.entries
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	out := make([]*storage.DeadLetterEntry, len(entries))
	copy(out, entries)
	return out
}

// Count returns the number of entries.
func (d *DLQ) Count() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return len(d.entries)
}

// Get returns the entry for a message id, or nil.
func (d *DLQ) Get(messageID string) *storage.DeadLetterEntry {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, e := range d.entries {
		if e.Message.ID == messageID {
			return e
		}
	}
	return nil
}

// Remove deletes the entry for a message id. Returns whether it was found.
func (d *DLQ) Remove(messageID string) bool {
	d.mu.Lock()
	found := false
	for i, e := range d.entries {
		if e.Message.ID == messageID {
			d.entries = append(d.entries[:i:i], d.entries[i+1:]...)
			found = true
			break
		}
	}
	d.mu.Unlock()

	if found {
		if err := d.store.Remove(context.Background(), messageID); err != nil && err != storage.ErrNotFound {
			d.logger.Warn("failed to remove persisted dead letter entry",
				slog.String("message_id", messageID),
				slog.String("error", err.Error()))
		}
	}
	return found
}

// RetrieveForRetry removes and returns the entry for re-routing. The
// caller re-routes the contained message with a fresh attempt counter.
func (d *DLQ) RetrieveForRetry(messageID string) *storage.DeadLetterEntry {
	d.mu.Lock()
	var entry *storage.DeadLetterEntry
	for i, e := range d.entries {
		if e.Message.ID == messageID {
			entry = e
			d.entries = append(d.entries[:i:i], d.entries[i+1:]...)
			break
		}
	}
	d.mu.Unlock()

	if entry == nil {
		return nil
	}
	if err := d.store.Remove(context.Background(), messageID); err != nil && err != storage.ErrNotFound {
		d.logger.Warn("failed to remove persisted dead letter entry",
			slog.String("message_id", messageID),
			slog.String("error", err.Error()))
	}
	return entry
}
