// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package topics maintains the topic registry: topic configuration,
// subscriber membership, message history and wildcard matching.
package topics

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/relaymq/relaymq/storage"
)

// History is capped at this many messages per topic regardless of the
// retention window.
const maxHistory = 1000

// DefaultConfig returns the topic configuration defaults applied before
// caller overrides.
func DefaultConfig() storage.TopicConfig {
	return storage.TopicConfig{
		MaxQueueSize:     1000,
		MessageRetention: time.Hour,
		MaxRetries:       3,
		RetryDelay:       5 * time.Second,
		RequireAck:       false,
	}
}

type topicState struct {
	info        storage.Topic
	history     []*storage.Message
	subscribers map[string]struct{}
}

// Registry maintains topics, their configuration, the topic->subscriber
// index and the bounded message history.
type Registry struct {
	mu       sync.RWMutex
	topics   map[string]*topicState
	store    storage.TopicStore
	defaults storage.TopicConfig
	logger   *slog.Logger
}

// NewRegistry creates a topic registry persisting through the given store.
func NewRegistry(store storage.TopicStore, defaults storage.TopicConfig, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if defaults == (storage.TopicConfig{}) {
		defaults = DefaultConfig()
	}
	return &Registry{
		topics:   make(map[string]*topicState),
		store:    store,
		defaults: defaults,
		logger:   logger,
	}
}

// Restore loads persisted topics into the registry. Called once at startup.
func (r *Registry) Restore(ctx context.Context) error {
	persisted, err := r.store.GetAll(ctx)
	if err != nil {
		return fmt.Errorf("failed to load topics: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, t := range persisted {
		r.topics[t.Name] = &topicState{
			info:        *t,
			subscribers: make(map[string]struct{}),
		}
	}
	r.logger.Info("topics restored", slog.Int("count", len(persisted)))
	return nil
}

// Create registers a new topic. Overrides with zero values fall back to
// the registry defaults.
func (r *Registry) Create(ctx context.Context, name, creator string, overrides *storage.TopicConfig) (*storage.Topic, error) {
	if err := ValidateTopicName(name); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.topics[name]; ok {
		return nil, fmt.Errorf("topic %q: %w", name, storage.ErrAlreadyExists)
	}

	cfg := r.defaults
	if overrides != nil {
		if overrides.MaxQueueSize > 0 {
			cfg.MaxQueueSize = overrides.MaxQueueSize
		}
		if overrides.MessageRetention > 0 {
			cfg.MessageRetention = overrides.MessageRetention
		}
		if overrides.MaxRetries > 0 {
			cfg.MaxRetries = overrides.MaxRetries
		}
		if overrides.RetryDelay > 0 {
			cfg.RetryDelay = overrides.RetryDelay
		}
		cfg.RequireAck = overrides.RequireAck
	}

	info := storage.Topic{
		Name:      name,
		CreatedAt: time.Now(),
		CreatedBy: creator,
		Config:    cfg,
	}

	// Persist before committing to the in-memory map.
	if err := r.store.Save(ctx, &info); err != nil {
		return nil, fmt.Errorf("failed to persist topic %q: %w", name, err)
	}

	r.topics[name] = &topicState{
		info:        info,
		subscribers: make(map[string]struct{}),
	}

	cp := info
	return &cp, nil
}

// Delete removes a topic, its history and its subscriber set. Returns
// whether the topic existed. In-flight queued messages are untouched.
func (r *Registry) Delete(ctx context.Context, name string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.topics[name]; !ok {
		return false, nil
	}

	if err := r.store.Delete(ctx, name); err != nil {
		return false, fmt.Errorf("failed to delete topic %q: %w", name, err)
	}

	delete(r.topics, name)
	return true, nil
}

// Has reports whether the topic exists.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.topics[name]
	return ok
}

// Get returns a copy of the topic, or an error if unknown.
func (r *Registry) Get(name string) (*storage.Topic, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	state, ok := r.topics[name]
	if !ok {
		return nil, fmt.Errorf("topic %q: %w", name, storage.ErrNotFound)
	}
	cp := state.info
	cp.SubscriberCount = len(state.subscribers)
	return &cp, nil
}

// Config returns the topic's configuration, or the defaults if unknown.
func (r *Registry) Config(name string) storage.TopicConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if state, ok := r.topics[name]; ok {
		return state.info.Config
	}
	return r.defaults
}

// ListAll returns copies of all topics.
func (r *Registry) ListAll() []*storage.Topic {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*storage.Topic, 0, len(r.topics))
	for _, state := range r.topics {
		cp := state.info
		cp.SubscriberCount = len(state.subscribers)
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// AddSubscriber adds the subscriber to the topic's membership set.
func (r *Registry) AddSubscriber(name, subscriberID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, ok := r.topics[name]
	if !ok {
		return
	}
	state.subscribers[subscriberID] = struct{}{}
	state.info.SubscriberCount = len(state.subscribers)
}

// RemoveSubscriber removes the subscriber from the topic's membership set.
func (r *Registry) RemoveSubscriber(name, subscriberID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, ok := r.topics[name]
	if !ok {
		return
	}
	delete(state.subscribers, subscriberID)
	state.info.SubscriberCount = len(state.subscribers)
}

// RemoveSubscriberEverywhere removes the subscriber from every topic and
// returns the names of topics it was removed from.
func (r *Registry) RemoveSubscriberEverywhere(subscriberID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var removed []string
	for name, state := range r.topics {
		if _, ok := state.subscribers[subscriberID]; ok {
			delete(state.subscribers, subscriberID)
			state.info.SubscriberCount = len(state.subscribers)
			removed = append(removed, name)
		}
	}
	return removed
}

// SubscribersOf returns the subscriber ids registered on the topic.
func (r *Registry) SubscribersOf(name string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	state, ok := r.topics[name]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(state.subscribers))
	for id := range state.subscribers {
		out = append(out, id)
	}
	return out
}

// RecordMessage increments the topic's counter and appends the message to
// its history, trimming expired entries and enforcing the history cap.
func (r *Registry) RecordMessage(msg *storage.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, ok := r.topics[msg.Topic]
	if !ok {
		return
	}

	state.info.MessageCount++
	state.history = append(state.history, msg)
	state.history = trimHistory(state.history, state.info.Config.MessageRetention, time.Now())
}

// GetHistory returns the last limit messages, most-recent-last.
func (r *Registry) GetHistory(name string, limit int) []*storage.Message {
	if limit <= 0 {
		limit = 100
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	state, ok := r.topics[name]
	if !ok {
		return nil
	}
	history := state.history
	if len(history) > limit {
		history = history[len(history)-limit:]
	}
	out := make([]*storage.Message, len(history))
	copy(out, history)
	return out
}

// TrimHistory drops expired history entries across all topics and returns
// the number removed. Invoked by the broker's periodic cleanup job.
func (r *Registry) TrimHistory() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	removed := 0
	for _, state := range r.topics {
		before := len(state.history)
		state.history = trimHistory(state.history, state.info.Config.MessageRetention, now)
		removed += before - len(state.history)
	}
	return removed
}

func trimHistory(history []*storage.Message, retention time.Duration, now time.Time) []*storage.Message {
	if retention > 0 {
		cutoff := now.Add(-retention)
		for len(history) > 0 && history[0].Timestamp.Before(cutoff) {
			history = history[1:]
		}
	}
	for len(history) > maxHistory {
		history = history[1:]
	}
	return history
}

// MatchTopics returns the names of concrete topics matching the glob
// pattern ('*' one segment, '#' any suffix).
func (r *Registry) MatchTopics(pattern string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []string
	for name := range r.topics {
		if Match(pattern, name) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// TopicStats summarizes a single topic for the stats listing.
type TopicStats struct {
	Name         string `json:"name"`
	MessageCount uint64 `json:"message_count"`
	Subscribers  int    `json:"subscribers"`
}

// Stats holds registry-wide totals plus the top topics by message count.
type Stats struct {
	TopicCount    int          `json:"topic_count"`
	TotalMessages uint64       `json:"total_messages"`
	TopTopics     []TopicStats `json:"top_topics"`
}

// GetStats returns totals plus the top 10 topics by message count.
func (r *Registry) GetStats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := Stats{TopicCount: len(r.topics)}
	all := make([]TopicStats, 0, len(r.topics))
	for name, state := range r.topics {
		stats.TotalMessages += state.info.MessageCount
		all = append(all, TopicStats{
			Name:         name,
			MessageCount: state.info.MessageCount,
			Subscribers:  len(state.subscribers),
		})
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].MessageCount != all[j].MessageCount {
			return all[i].MessageCount > all[j].MessageCount
		}
		return all[i].Name < all[j].Name
	})
	if len(all) > 10 {
		all = all[:10]
	}
	stats.TopTopics = all
	return stats
}

// SyncStats pushes topic counters to the store. Called from the cleanup
// job; failures are logged, not propagated.
func (r *Registry) SyncStats(ctx context.Context) {
	r.mu.RLock()
	type snapshot struct {
		name     string
		messages uint64
		subs     int
	}
	snaps := make([]snapshot, 0, len(r.topics))
	for name, state := range r.topics {
		snaps = append(snaps, snapshot{name, state.info.MessageCount, len(state.subscribers)})
	}
	r.mu.RUnlock()

	for _, s := range snaps {
		if err := r.store.UpdateStats(ctx, s.name, s.messages, s.subs); err != nil {
			r.logger.Warn("failed to sync topic stats",
				slog.String("topic", s.name),
				slog.String("error", err.Error()))
		}
	}
}
