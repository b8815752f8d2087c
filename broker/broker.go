// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package broker implements the core pub/sub broker: publish, subscribe,
// acknowledgment, request/reply and dead letter recovery, coordinating the
// topic registry, subscriber queues, consumer groups and the correlator.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/relaymq/relaymq/broker/events"
	"github.com/relaymq/relaymq/groups"
	"github.com/relaymq/relaymq/queue"
	"github.com/relaymq/relaymq/storage"
	"github.com/relaymq/relaymq/topics"
)

// Config holds broker construction options.
type Config struct {
	// ID identifies this broker instance in event envelopes.
	ID string

	// TopicDefaults is the per-topic configuration applied when a topic
	// is created without overrides.
	TopicDefaults storage.TopicConfig

	// DeadLetterMaxSize caps the global DLQ.
	DeadLetterMaxSize int

	// RequestTimeout is the default request/reply timeout.
	RequestTimeout time.Duration

	// EmitDropEvents raises a deadletter:dropped event when a full DLQ
	// silently discards its oldest entry.
	EmitDropEvents bool

	// ArchiveMessages persists every published message to the message
	// store. Archive failures abort the publish.
	ArchiveMessages bool

	// CleanupInterval drives the TTL purge and history trim job.
	CleanupInterval time.Duration

	// RedeliveryInterval drives the retry scheduler that redelivers
	// queued messages whose backoff elapsed while the subscriber stayed
	// online.
	RedeliveryInterval time.Duration

	// GroupOptions tune the consumer group manager.
	GroupOptions []groups.Option
}

// Broker is the pub/sub core facade.
type Broker struct {
	mu sync.RWMutex

	id       string
	registry *topics.Registry
	queues   *queue.Manager
	dlq      *queue.DLQ
	groups   *groups.Manager
	store    storage.Store
	stats    *Stats

	subscribers map[string]*Subscriber
	publishers  map[string]*Publisher
	sinks       map[string]Sink
	handlers    []func(events.Event)

	correlator       *correlator
	requestTimeout   time.Duration
	archive          bool
	archiveRetention time.Duration
	logger           *slog.Logger

	baseCtx context.Context
	stopCtx context.CancelFunc
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New creates a broker backed by the given store and starts its periodic
// cleanup job. Close must be called to release it.
func New(store storage.Store, cfg Config, logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ID == "" {
		cfg.ID = "relaymq-" + uuid.New().String()[:8]
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Minute
	}
	if cfg.RedeliveryInterval <= 0 {
		cfg.RedeliveryInterval = time.Second
	}
	archiveRetention := cfg.TopicDefaults.MessageRetention
	if archiveRetention <= 0 {
		archiveRetention = topics.DefaultConfig().MessageRetention
	}

	baseCtx, stop := context.WithCancel(context.Background())

	b := &Broker{
		id:             cfg.ID,
		store:          store,
		stats:          NewStats(),
		subscribers:    make(map[string]*Subscriber),
		publishers:     make(map[string]*Publisher),
		sinks:          make(map[string]Sink),
		correlator:       newCorrelator(),
		requestTimeout:   cfg.RequestTimeout,
		archive:          cfg.ArchiveMessages,
		archiveRetention: archiveRetention,
		logger:           logger,
		baseCtx:          baseCtx,
		stopCtx:          stop,
		stopCh:           make(chan struct{}),
	}

	var onDrop queue.DropHandler
	if cfg.EmitDropEvents {
		onDrop = func(entry *storage.DeadLetterEntry) {
			b.emit(events.DeadLetterDropped{
				MessageID:     entry.Message.ID,
				OriginalTopic: entry.OriginalTopic,
				Reason:        entry.Reason,
			})
		}
	}

	b.registry = topics.NewRegistry(store.Topics(), cfg.TopicDefaults, logger)
	b.dlq = queue.NewDLQ(store.DeadLetters(), cfg.DeadLetterMaxSize, onDrop, logger)
	b.queues = queue.NewManager(b.dlq, logger)
	b.groups = groups.NewManager(store.Groups(), logger, cfg.GroupOptions...)

	b.wg.Add(2)
	go b.cleanupLoop(cfg.CleanupInterval)
	go b.redeliveryLoop(cfg.RedeliveryInterval)

	return b
}

// Restore loads persisted topics, groups and dead letters. Called once at
// startup, before the broker serves traffic.
func (b *Broker) Restore(ctx context.Context) error {
	if err := b.registry.Restore(ctx); err != nil {
		return err
	}
	if err := b.groups.Restore(ctx); err != nil {
		return err
	}
	if err := b.dlq.Restore(ctx); err != nil {
		return fmt.Errorf("failed to load dead letters: %w", err)
	}
	return nil
}

// Close stops the background jobs. Pending requests settle through their
// own timeouts.
func (b *Broker) Close() {
	b.stopCtx()
	close(b.stopCh)
	b.groups.Stop()
	b.wg.Wait()
}

// ID returns the broker instance id.
func (b *Broker) ID() string { return b.id }

// Stats returns the broker counters.
func (b *Broker) Stats() *Stats { return b.stats }

// Registry exposes the topic registry.
func (b *Broker) Registry() *topics.Registry { return b.registry }

// Groups exposes the consumer group manager.
func (b *Broker) Groups() *groups.Manager { return b.groups }

// Queues exposes the subscriber queue manager.
func (b *Broker) Queues() *queue.Manager { return b.queues }

// DLQ exposes the dead letter queue.
func (b *Broker) DLQ() *queue.DLQ { return b.dlq }

// OnEvent registers a lifecycle event handler. Handler panics are caught
// and logged, never propagated into the originating operation.
func (b *Broker) OnEvent(handler func(events.Event)) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.handlers = append(b.handlers, handler)
}

func (b *Broker) emit(event events.Event) {
	b.mu.RLock()
	handlers := make([]func(events.Event), len(b.handlers))
	copy(handlers, b.handlers)
	b.mu.RUnlock()

	for _, handler := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("event handler panicked",
						slog.String("event", event.Type()),
						slog.Any("panic", r))
				}
			}()
			handler(event)
		}()
	}
}

// --- Topic operations ---

// CreateTopic registers a topic explicitly.
func (b *Broker) CreateTopic(ctx context.Context, name, creator string, overrides *storage.TopicConfig) (*storage.Topic, error) {
	topic, err := b.registry.Create(ctx, name, creator, overrides)
	if err != nil {
		return nil, err
	}
	b.emit(events.TopicCreated{TopicName: name, CreatedBy: creator})
	return topic, nil
}

// DeleteTopic removes a topic. Returns whether it existed; repeating the
// call is a no-op.
func (b *Broker) DeleteTopic(ctx context.Context, name string) (bool, error) {
	existed, err := b.registry.Delete(ctx, name)
	if err != nil {
		return false, err
	}
	if existed {
		b.emit(events.TopicDeleted{TopicName: name})
	}
	return existed, nil
}

// GetTopic returns the topic, or storage.ErrNotFound.
func (b *Broker) GetTopic(name string) (*storage.Topic, error) {
	return b.registry.Get(name)
}

// ListTopics returns all topics, narrowed by the glob pattern when one
// is given.
func (b *Broker) ListTopics(pattern string) []*storage.Topic {
	all := b.registry.ListAll()
	if pattern == "" {
		return all
	}
	out := make([]*storage.Topic, 0, len(all))
	for _, topic := range all {
		if topics.Match(pattern, topic.Name) {
			out = append(out, topic)
		}
	}
	return out
}

// History returns the most recent messages on the topic, oldest first.
func (b *Broker) History(topic string, limit int) []*storage.Message {
	return b.registry.GetHistory(topic, limit)
}

// SearchMessages scans the message archive for the query substring,
// matching topic, payload and publisher id.
func (b *Broker) SearchMessages(ctx context.Context, query string, limit int) ([]*storage.Message, error) {
	return b.store.Messages().Search(ctx, query, limit)
}

// ArchivedCount returns the number of messages in the archive.
func (b *Broker) ArchivedCount(ctx context.Context) (int, error) {
	return b.store.Messages().Count(ctx)
}

// ensureTopic auto-creates a topic on first publish or subscribe.
func (b *Broker) ensureTopic(ctx context.Context, name, creator string) error {
	if b.registry.Has(name) {
		return nil
	}
	if _, err := b.registry.Create(ctx, name, creator, nil); err != nil {
		// Lost a creation race; the topic exists now.
		if b.registry.Has(name) {
			return nil
		}
		return err
	}
	b.emit(events.TopicCreated{TopicName: name, CreatedBy: creator})
	return nil
}

// --- Publish ---

// Publish accepts a message: the topic is auto-created, the message is
// recorded in history (and optionally archived), then routed. Publish
// never blocks on delivery.
func (b *Broker) Publish(ctx context.Context, topic string, payload json.RawMessage, publisherID string, opts *PublishOptions) (*storage.Message, error) {
	if err := b.ensureTopic(ctx, topic, publisherID); err != nil {
		return nil, err
	}

	msg := &storage.Message{
		ID:          NewMessageID(),
		Topic:       topic,
		Payload:     payload,
		PublisherID: publisherID,
		Timestamp:   time.Now(),
	}
	if opts != nil {
		msg.Headers = opts.Headers
		msg.TTL = opts.TTL
		msg.CorrelationID = opts.CorrelationID
		msg.ReplyTo = opts.ReplyTo
	}

	if b.archive {
		if err := b.store.Messages().Save(ctx, msg); err != nil {
			return nil, fmt.Errorf("failed to archive message: %w", err)
		}
	}

	b.registry.RecordMessage(msg)

	b.mu.Lock()
	pub, ok := b.publishers[publisherID]
	if !ok {
		pub = &Publisher{ID: publisherID}
		b.publishers[publisherID] = pub
	}
	pub.MessageCount++
	pub.LastPublished = msg.Timestamp
	b.mu.Unlock()

	b.route(msg)

	b.stats.IncrementPublished()
	b.emit(events.MessagePublished{
		MessageID:    msg.ID,
		MessageTopic: topic,
		PublisherID:  publisherID,
		PayloadSize:  len(payload),
	})

	return msg, nil
}

// --- Subscribe / unsubscribe ---

// Subscribe creates a subscriber over the given topics (auto-creating
// them), registers its sink and drains any queued messages. The drain may
// invoke the sink synchronously.
func (b *Broker) Subscribe(ctx context.Context, clientID string, topicNames []string, sink Sink, filterCfg *FilterConfig) (*Subscriber, error) {
	filter, err := CompileFilter(filterCfg)
	if err != nil {
		return nil, err
	}

	for _, name := range topicNames {
		if err := b.ensureTopic(ctx, name, clientID); err != nil {
			return nil, err
		}
	}

	now := time.Now()
	sub := &Subscriber{
		ID:           uuid.New().String(),
		ClientID:     clientID,
		Topics:       make(map[string]struct{}, len(topicNames)),
		CreatedAt:    now,
		LastActivity: now,
		Online:       true,
		Filter:       filter,
	}
	for _, name := range topicNames {
		sub.Topics[name] = struct{}{}
	}

	b.mu.Lock()
	b.subscribers[sub.ID] = sub
	b.sinks[sub.ID] = sink
	b.mu.Unlock()

	for _, name := range topicNames {
		b.registry.AddSubscriber(name, sub.ID)
	}

	b.emit(events.SubscriberConnected{
		SubscriberID: sub.ID,
		ClientID:     clientID,
		Topics:       topicNames,
	})

	b.drainQueue(sub.ID)

	return sub, nil
}

// AddTopics extends an existing subscriber with additional topics,
// auto-creating them, and returns the updated snapshot.
func (b *Broker) AddTopics(ctx context.Context, subscriberID string, topicNames []string) (*Subscriber, error) {
	b.mu.RLock()
	sub, ok := b.subscribers[subscriberID]
	b.mu.RUnlock()
	if !ok {
		return nil, ErrSubscriberNotFound
	}

	for _, name := range topicNames {
		if err := b.ensureTopic(ctx, name, sub.ClientID); err != nil {
			return nil, err
		}
	}

	b.mu.Lock()
	for _, name := range topicNames {
		sub.Topics[name] = struct{}{}
	}
	sub.LastActivity = time.Now()
	cp := *sub
	b.mu.Unlock()

	for _, name := range topicNames {
		b.registry.AddSubscriber(name, subscriberID)
	}

	b.drainQueue(subscriberID)
	return &cp, nil
}

// Unsubscribe removes the subscriber from the given topics, or entirely
// when no topics are given. Total unsubscription drops the queue.
func (b *Broker) Unsubscribe(subscriberID string, topicNames ...string) error {
	b.mu.RLock()
	sub, ok := b.subscribers[subscriberID]
	b.mu.RUnlock()
	if !ok {
		return ErrSubscriberNotFound
	}

	if len(topicNames) > 0 {
		b.mu.Lock()
		for _, name := range topicNames {
			delete(sub.Topics, name)
		}
		remaining := len(sub.Topics)
		b.mu.Unlock()

		for _, name := range topicNames {
			b.registry.RemoveSubscriber(name, subscriberID)
		}
		if remaining > 0 {
			return nil
		}
		// All topics gone: fall through to full teardown.
	}

	b.registry.RemoveSubscriberEverywhere(subscriberID)
	b.queues.Clear(subscriberID)
	b.groups.Leave(subscriberID)

	b.mu.Lock()
	clientID := sub.ClientID
	delete(b.subscribers, subscriberID)
	delete(b.sinks, subscriberID)
	b.mu.Unlock()

	b.emit(events.SubscriberDisconnected{
		SubscriberID: subscriberID,
		ClientID:     clientID,
		Reason:       "unsubscribed",
	})
	return nil
}

// SetOnline flips the subscriber's online flag. Going online drains the
// queue; going offline retains it.
func (b *Broker) SetOnline(subscriberID string, online bool) error {
	b.mu.Lock()
	sub, ok := b.subscribers[subscriberID]
	if !ok {
		b.mu.Unlock()
		return ErrSubscriberNotFound
	}
	wasOnline := sub.Online
	sub.Online = online
	sub.LastActivity = time.Now()
	clientID := sub.ClientID
	topicList := sub.TopicList()
	b.mu.Unlock()

	switch {
	case online && !wasOnline:
		b.emit(events.SubscriberConnected{
			SubscriberID: subscriberID,
			ClientID:     clientID,
			Topics:       topicList,
		})
		b.drainQueue(subscriberID)
	case !online && wasOnline:
		b.emit(events.SubscriberDisconnected{
			SubscriberID: subscriberID,
			ClientID:     clientID,
			Reason:       "offline",
		})
	}
	return nil
}

// SetSink replaces the subscriber's sink, e.g. on transport reconnect.
func (b *Broker) SetSink(subscriberID string, sink Sink) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subscribers[subscriberID]; !ok {
		return ErrSubscriberNotFound
	}
	b.sinks[subscriberID] = sink
	return nil
}

// GetSubscriber returns a snapshot of the subscriber, or nil.
func (b *Broker) GetSubscriber(subscriberID string) *Subscriber {
	b.mu.RLock()
	defer b.mu.RUnlock()

	sub, ok := b.subscribers[subscriberID]
	if !ok {
		return nil
	}
	cp := *sub
	cp.PendingCount = b.queues.Depth(subscriberID)
	return &cp
}

func (b *Broker) getSubscriber(subscriberID string) *Subscriber {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return b.subscribers[subscriberID]
}

// ListSubscribers returns snapshots of all subscribers.
func (b *Broker) ListSubscribers() []*Subscriber {
	b.mu.RLock()
	ids := make([]string, 0, len(b.subscribers))
	for id := range b.subscribers {
		ids = append(ids, id)
	}
	b.mu.RUnlock()

	out := make([]*Subscriber, 0, len(ids))
	for _, id := range ids {
		if sub := b.GetSubscriber(id); sub != nil {
			out = append(out, sub)
		}
	}
	return out
}

// ListPublishers returns snapshots of all publishers.
func (b *Broker) ListPublishers() []*Publisher {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]*Publisher, 0, len(b.publishers))
	for _, pub := range b.publishers {
		cp := *pub
		out = append(out, &cp)
	}
	return out
}

// --- Ack / nack ---

// Ack acknowledges a delivered message, removing it from the subscriber's
// queue. Returns whether it was found.
func (b *Broker) Ack(subscriberID, messageID string) bool {
	return b.queues.Ack(subscriberID, messageID)
}

// Nack negatively acknowledges a message: retry with backoff, or dead
// letter promotion once retries are exhausted.
func (b *Broker) Nack(subscriberID, messageID, reason string) bool {
	found, deadLettered := b.queues.Nack(subscriberID, messageID, reason)
	if deadLettered {
		b.stats.IncrementFailed()
		b.emit(events.MessageFailed{
			MessageID:    messageID,
			SubscriberID: subscriberID,
			Reason:       reason,
		})
	}
	return found
}

// --- Dead letter recovery ---

// RetryDeadLetter re-routes a dead lettered message with a fresh attempt
// counter and removes the DLQ entry.
func (b *Broker) RetryDeadLetter(ctx context.Context, messageID string) error {
	entry := b.dlq.RetrieveForRetry(messageID)
	if entry == nil {
		return fmt.Errorf("dead letter %q: %w", messageID, storage.ErrNotFound)
	}

	b.audit(ctx, "dlq:retry", entry.SubscriberID, messageID)
	b.route(entry.Message)
	return nil
}

// RetryAllDeadLetters re-routes every dead lettered message and returns
// how many were retried.
func (b *Broker) RetryAllDeadLetters(ctx context.Context) int {
	entries := b.dlq.List(0)
	retried := 0
	for _, entry := range entries {
		if err := b.RetryDeadLetter(ctx, entry.Message.ID); err == nil {
			retried++
		}
	}
	return retried
}

// DeleteDeadLetter drops a DLQ entry. Returns whether it was found.
func (b *Broker) DeleteDeadLetter(ctx context.Context, messageID string) bool {
	if !b.dlq.Remove(messageID) {
		return false
	}
	b.audit(ctx, "dlq:delete", "", messageID)
	return true
}

// audit appends an audit record, best effort.
func (b *Broker) audit(ctx context.Context, action, actor, detail string) {
	record := &storage.AuditRecord{
		ID:        uuid.New().String(),
		Action:    action,
		Actor:     actor,
		Detail:    detail,
		Timestamp: time.Now(),
	}
	if err := b.store.Audit().Append(ctx, record); err != nil {
		b.logger.Warn("failed to append audit record",
			slog.String("action", action),
			slog.String("error", err.Error()))
	}
}
