// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package badger provides a BadgerDB-backed implementation of the storage
// interfaces for durable single-node deployments.
package badger

import (
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/relaymq/relaymq/storage"
)

var _ storage.Store = (*Store)(nil)

// Key prefixes. Values are JSON-encoded records.
const (
	prefixTopic    = "topic/"
	prefixMsgTopic = "msg/topic/"
	prefixMsgID    = "msg/id/"
	prefixGroup    = "group/"
	prefixDLQ      = "dlq/"
	prefixAPIKey   = "apikey/"
	prefixAudit    = "audit/"
)

// Store is the composite BadgerDB store implementing all storage interfaces.
type Store struct {
	db *badger.DB

	topics      *TopicStore
	messages    *MessageStore
	groups      *GroupStore
	deadLetters *DeadLetterStore
	apiKeys     *APIKeyStore
	audit       *AuditStore

	gcStopCh chan struct{}
	gcDone   chan struct{}
	closed   bool
	mu       sync.Mutex
}

// Config holds BadgerDB configuration.
type Config struct {
	Dir string // Directory for BadgerDB data
}

// New creates a new BadgerDB-backed store.
func New(cfg Config) (*Store, error) {
	opts := badger.DefaultOptions(cfg.Dir)
	opts.Logger = nil // Disable BadgerDB's internal logging
	// Async writes: queued messages are redelivered on retry, so losing the
	// tail of the value log on crash is acceptable.
	opts.SyncWrites = false
	opts.NumVersionsToKeep = 1
	opts.NumCompactors = 2

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}

	s := &Store{
		db:          db,
		topics:      &TopicStore{db: db},
		messages:    &MessageStore{db: db},
		groups:      &GroupStore{db: db},
		deadLetters: NewDeadLetterStore(db),
		apiKeys:     &APIKeyStore{db: db},
		audit:       &AuditStore{db: db},
		gcStopCh:    make(chan struct{}),
		gcDone:      make(chan struct{}),
	}

	go s.gcLoop()

	return s, nil
}

func (s *Store) Topics() storage.TopicStore           { return s.topics }
func (s *Store) Messages() storage.MessageStore       { return s.messages }
func (s *Store) Groups() storage.GroupStore           { return s.groups }
func (s *Store) DeadLetters() storage.DeadLetterStore { return s.deadLetters }
func (s *Store) APIKeys() storage.APIKeyStore         { return s.apiKeys }
func (s *Store) Audit() storage.AuditStore            { return s.audit }

// Close stops the GC loop and closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	close(s.gcStopCh)
	<-s.gcDone

	return s.db.Close()
}

// gcLoop periodically runs value log garbage collection.
func (s *Store) gcLoop() {
	defer close(s.gcDone)

	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.gcStopCh:
			return
		case <-ticker.C:
			// Rerun while GC makes progress.
			for s.db.RunValueLogGC(0.5) == nil {
			}
		}
	}
}
