// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"errors"
	"time"
)

// Common errors.
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
)

// Store is the composite storage interface providing access to all backends.
// The broker treats it as an opaque collaborator: failures abort the
// originating operation, and in-memory state commits only after a
// successful persistence call.
type Store interface {
	// Topics returns the topic store.
	Topics() TopicStore

	// Messages returns the message archive.
	Messages() MessageStore

	// Groups returns the consumer group store.
	Groups() GroupStore

	// DeadLetters returns the dead letter store.
	DeadLetters() DeadLetterStore

	// APIKeys returns the API key store.
	APIKeys() APIKeyStore

	// Audit returns the audit log store.
	Audit() AuditStore

	// Close closes all storage backends.
	Close() error
}

// TopicStore persists topic definitions and their counters.
type TopicStore interface {
	Save(ctx context.Context, topic *Topic) error
	Get(ctx context.Context, name string) (*Topic, error)
	GetAll(ctx context.Context) ([]*Topic, error)
	Delete(ctx context.Context, name string) error
	UpdateStats(ctx context.Context, name string, messageCount uint64, subscriberCount int) error
}

// MessageStore archives published messages for history queries and search.
type MessageStore interface {
	Save(ctx context.Context, msg *Message) error
	GetByTopic(ctx context.Context, topic string, limit int) ([]*Message, error)
	GetByID(ctx context.Context, id string) (*Message, error)
	// Search matches the query substring against topic, payload and
	// publisher id.
	Search(ctx context.Context, query string, limit int) ([]*Message, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error)
	Count(ctx context.Context) (int, error)
}

// GroupStore persists consumer group definitions and offsets.
type GroupStore interface {
	Create(ctx context.Context, group *ConsumerGroup) error
	Get(ctx context.Context, name string) (*ConsumerGroup, error)
	GetAll(ctx context.Context) ([]*ConsumerGroup, error)
	SetCurrentOffset(ctx context.Context, name string, offset uint64) error
	CommitOffset(ctx context.Context, name string, offset uint64) error
}

// DeadLetterStore persists the global dead letter queue in FIFO order.
type DeadLetterStore interface {
	Append(ctx context.Context, entry *DeadLetterEntry) error
	// List returns entries oldest-first. limit <= 0 means all.
	List(ctx context.Context, limit int) ([]*DeadLetterEntry, error)
	Remove(ctx context.Context, messageID string) error
	Count(ctx context.Context) (int, error)
}

// APIKeyStore persists authentication keys for the auth collaborator.
type APIKeyStore interface {
	Save(ctx context.Context, key *APIKey) error
	GetByKey(ctx context.Context, key string) (*APIKey, error)
	GetAll(ctx context.Context) ([]*APIKey, error)
	TouchLastUsed(ctx context.Context, key string, at time.Time) error
}

// AuditStore persists audit records.
type AuditStore interface {
	Append(ctx context.Context, record *AuditRecord) error
	List(ctx context.Context, filter AuditFilter) ([]*AuditRecord, error)
}
