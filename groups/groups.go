// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package groups manages consumer groups: membership, heartbeats, leader
// election, virtual partition assignment and delivery selection.
package groups

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/relaymq/relaymq/storage"
)

// VirtualPartitions is the number of slots spread across members on
// rebalance. Informational only; message storage is not sharded by them.
const VirtualPartitions = 16

// Default failure detection timings.
const (
	DefaultHeartbeatTimeout = 30 * time.Second
	DefaultReapInterval     = 10 * time.Second
)

// Member is a consumer group member.
type Member struct {
	SubscriberID   string    `json:"subscriber_id"`
	ClientID       string    `json:"client_id"`
	JoinedAt       time.Time `json:"joined_at"`
	LastHeartbeat  time.Time `json:"last_heartbeat"`
	Partitions     []int     `json:"partitions"`
	ProcessedCount uint64    `json:"processed_count"`
	Leader         bool      `json:"leader"`
}

// Group is a consumer group bound to a topic. Members are kept in join
// order; the head of the list is the leader.
type Group struct {
	Name            string                `json:"name"`
	Topic           string                `json:"topic"`
	Strategy        storage.GroupStrategy `json:"strategy"`
	Members         []*Member             `json:"members"`
	CurrentOffset   uint64                `json:"current_offset"`
	CommittedOffset uint64                `json:"committed_offset"`
	CreatedAt       time.Time             `json:"created_at"`
}

// Manager maintains consumer groups and runs the heartbeat reaper.
type Manager struct {
	mu           sync.RWMutex
	groups       map[string]*Group
	bySubscriber map[string]string            // subscriber id -> group name
	cursors      map[string]int               // round-robin cursor per group
	sticky       map[string]map[string]string // group -> sticky key -> subscriber id

	store            storage.GroupStore
	heartbeatTimeout time.Duration
	reapInterval     time.Duration
	logger           *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures the manager.
type Option func(*Manager)

// WithHeartbeatTimeout overrides the member eviction timeout.
func WithHeartbeatTimeout(d time.Duration) Option {
	return func(m *Manager) { m.heartbeatTimeout = d }
}

// WithReapInterval overrides the reaper tick.
func WithReapInterval(d time.Duration) Option {
	return func(m *Manager) { m.reapInterval = d }
}

// NewManager creates a consumer group manager and starts its heartbeat
// reaper. Stop must be called to release it.
func NewManager(store storage.GroupStore, logger *slog.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		groups:           make(map[string]*Group),
		bySubscriber:     make(map[string]string),
		cursors:          make(map[string]int),
		sticky:           make(map[string]map[string]string),
		store:            store,
		heartbeatTimeout: DefaultHeartbeatTimeout,
		reapInterval:     DefaultReapInterval,
		logger:           logger,
		ctx:              ctx,
		cancel:           cancel,
		done:             make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}

	go m.reapLoop()

	return m
}

// Stop halts the heartbeat reaper.
func (m *Manager) Stop() {
	m.cancel()
	<-m.done
}

// Restore loads persisted group definitions with empty membership.
// Members re-join on reconnect. Called once at startup.
func (m *Manager) Restore(ctx context.Context) error {
	persisted, err := m.store.GetAll(ctx)
	if err != nil {
		return fmt.Errorf("failed to load groups: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, g := range persisted {
		m.groups[g.Name] = &Group{
			Name:            g.Name,
			Topic:           g.Topic,
			Strategy:        g.Strategy,
			CurrentOffset:   g.CurrentOffset,
			CommittedOffset: g.CommittedOffset,
			CreatedAt:       g.CreatedAt,
		}
	}
	m.logger.Info("consumer groups restored", slog.Int("count", len(persisted)))
	return nil
}

// Create registers a new group. Fails if the name is taken.
func (m *Manager) Create(ctx context.Context, name, topic string, strategy storage.GroupStrategy) (*Group, error) {
	if !strategy.Valid() {
		return nil, fmt.Errorf("unknown strategy %q", strategy)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.groups[name]; ok {
		return nil, fmt.Errorf("group %q: %w", name, storage.ErrAlreadyExists)
	}

	record := &storage.ConsumerGroup{
		Name:      name,
		Topic:     topic,
		Strategy:  strategy,
		CreatedAt: time.Now(),
	}
	if err := m.store.Create(ctx, record); err != nil {
		return nil, fmt.Errorf("failed to persist group %q: %w", name, err)
	}

	group := &Group{
		Name:      name,
		Topic:     topic,
		Strategy:  strategy,
		CreatedAt: record.CreatedAt,
	}
	m.groups[name] = group
	return group.snapshot(), nil
}

// Get returns a snapshot of the group, or an error if unknown.
func (m *Manager) Get(name string) (*Group, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	group, ok := m.groups[name]
	if !ok {
		return nil, fmt.Errorf("group %q: %w", name, storage.ErrNotFound)
	}
	return group.snapshot(), nil
}

// List returns snapshots of all groups.
func (m *Manager) List() []*Group {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Group, 0, len(m.groups))
	for _, group := range m.groups {
		out = append(out, group.snapshot())
	}
	return out
}

// Join adds a subscriber to the group. Rejoining refreshes the heartbeat.
// The first member becomes leader; every membership change rebalances.
func (m *Manager) Join(name, subscriberID, clientID string) (*Member, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	group, ok := m.groups[name]
	if !ok {
		return nil, fmt.Errorf("group %q: %w", name, storage.ErrNotFound)
	}

	now := time.Now()
	for _, member := range group.Members {
		if member.SubscriberID == subscriberID {
			member.LastHeartbeat = now
			cp := *member
			return &cp, nil
		}
	}

	member := &Member{
		SubscriberID:  subscriberID,
		ClientID:      clientID,
		JoinedAt:      now,
		LastHeartbeat: now,
		Leader:        len(group.Members) == 0,
	}
	group.Members = append(group.Members, member)
	m.bySubscriber[subscriberID] = name
	rebalance(group)

	m.logger.Info("consumer joined group",
		slog.String("group", name),
		slog.String("subscriber_id", subscriberID),
		slog.Bool("leader", member.Leader))

	cp := *member
	return &cp, nil
}

// Leave removes the subscriber from its group. If the leader left and
// members remain, the new head of the list is promoted.
func (m *Manager) Leave(subscriberID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.leaveLocked(subscriberID)
}

func (m *Manager) leaveLocked(subscriberID string) {
	name, ok := m.bySubscriber[subscriberID]
	if !ok {
		return
	}
	delete(m.bySubscriber, subscriberID)

	group, ok := m.groups[name]
	if !ok {
		return
	}

	wasLeader := false
	for i, member := range group.Members {
		if member.SubscriberID == subscriberID {
			wasLeader = member.Leader
			group.Members = append(group.Members[:i:i], group.Members[i+1:]...)
			break
		}
	}

	if wasLeader && len(group.Members) > 0 {
		group.Members[0].Leader = true
	}

	// Drop sticky assignments pointing at the departed member.
	for key, assignee := range m.sticky[name] {
		if assignee == subscriberID {
			delete(m.sticky[name], key)
		}
	}

	rebalance(group)

	m.logger.Info("consumer left group",
		slog.String("group", name),
		slog.String("subscriber_id", subscriberID))
}

// Heartbeat refreshes the member's liveness timestamp.
func (m *Manager) Heartbeat(subscriberID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	name, ok := m.bySubscriber[subscriberID]
	if !ok {
		return false
	}
	group, ok := m.groups[name]
	if !ok {
		return false
	}
	for _, member := range group.Members {
		if member.SubscriberID == subscriberID {
			member.LastHeartbeat = time.Now()
			return true
		}
	}
	return false
}

// GroupFor returns the name and topic of the group the subscriber belongs
// to, if any.
func (m *Manager) GroupFor(subscriberID string) (name, topic string, ok bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	name, ok = m.bySubscriber[subscriberID]
	if !ok {
		return "", "", false
	}
	group, ok := m.groups[name]
	if !ok {
		return "", "", false
	}
	return name, group.Topic, true
}

// Select picks the delivery recipients for a message according to the
// group's strategy. Broadcast returns every member; the other strategies
// return a single subscriber. An empty result means the group has no
// members.
func (m *Manager) Select(name string, msg *storage.Message) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	group, ok := m.groups[name]
	if !ok || len(group.Members) == 0 {
		return nil
	}

	switch group.Strategy {
	case storage.StrategyBroadcast:
		out := make([]string, len(group.Members))
		for i, member := range group.Members {
			out[i] = member.SubscriberID
		}
		return out

	case storage.StrategySticky:
		return []string{m.selectSticky(group, msg)}

	case storage.StrategyRandom:
		return []string{group.Members[rand.Intn(len(group.Members))].SubscriberID}

	default: // round-robin
		cursor := m.cursors[name] % len(group.Members)
		m.cursors[name] = cursor + 1
		return []string{group.Members[cursor].SubscriberID}
	}
}

// selectSticky derives the sticky key and reuses or memoizes an
// assignment. Caller holds the lock.
func (m *Manager) selectSticky(group *Group, msg *storage.Message) string {
	key := stickyKey(msg)

	assignments, ok := m.sticky[group.Name]
	if !ok {
		assignments = make(map[string]string)
		m.sticky[group.Name] = assignments
	}

	if assignee, ok := assignments[key]; ok {
		for _, member := range group.Members {
			if member.SubscriberID == assignee {
				return assignee
			}
		}
		// Assignee left; fall through to reassign.
	}

	h := fnv.New32a()
	h.Write([]byte(key))
	idx := int(h.Sum32()) % len(group.Members)
	if idx < 0 {
		idx = -idx
	}
	assignee := group.Members[idx].SubscriberID
	assignments[key] = assignee
	return assignee
}

// stickyKey is the first non-empty of the payload's userId, orderId and
// sessionId fields, then the correlation id, then "publisher:<id>".
func stickyKey(msg *storage.Message) string {
	for _, field := range []string{"userId", "orderId", "sessionId"} {
		if v, ok := msg.PayloadField(field); ok && v != "" {
			return v
		}
	}
	if msg.CorrelationID != "" {
		return msg.CorrelationID
	}
	return "publisher:" + msg.PublisherID
}

// MarkProcessed bumps the member's processed counter.
func (m *Manager) MarkProcessed(name, subscriberID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	group, ok := m.groups[name]
	if !ok {
		return
	}
	for _, member := range group.Members {
		if member.SubscriberID == subscriberID {
			member.ProcessedCount++
			return
		}
	}
}

// AdvanceOffset bumps the group's current offset and persists it.
func (m *Manager) AdvanceOffset(ctx context.Context, name string) error {
	m.mu.Lock()
	group, ok := m.groups[name]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("group %q: %w", name, storage.ErrNotFound)
	}
	group.CurrentOffset++
	offset := group.CurrentOffset
	m.mu.Unlock()

	return m.store.SetCurrentOffset(ctx, name, offset)
}

// CommitOffset records the group's committed offset and persists it.
func (m *Manager) CommitOffset(ctx context.Context, name string, offset uint64) error {
	m.mu.Lock()
	group, ok := m.groups[name]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("group %q: %w", name, storage.ErrNotFound)
	}
	group.CommittedOffset = offset
	m.mu.Unlock()

	return m.store.CommitOffset(ctx, name, offset)
}

// rebalance spreads the virtual partitions as evenly as possible across
// members in join order: the first (VirtualPartitions mod n) members get
// one extra. Idempotent. Caller holds the lock.
func rebalance(group *Group) {
	n := len(group.Members)
	if n == 0 {
		return
	}

	per := VirtualPartitions / n
	remainder := VirtualPartitions % n

	next := 0
	for i, member := range group.Members {
		count := per
		if i < remainder {
			count++
		}
		member.Partitions = make([]int, 0, count)
		for j := 0; j < count; j++ {
			member.Partitions = append(member.Partitions, next)
			next++
		}
	}
}

// reapLoop evicts members with stale heartbeats.
func (m *Manager) reapLoop() {
	defer close(m.done)

	ticker := time.NewTicker(m.reapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.reapStale()
		}
	}
}

func (m *Manager) reapStale() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	var stale []string
	for _, group := range m.groups {
		for _, member := range group.Members {
			if now.Sub(member.LastHeartbeat) > m.heartbeatTimeout {
				stale = append(stale, member.SubscriberID)
			}
		}
	}
	for _, subscriberID := range stale {
		m.logger.Warn("evicting consumer with stale heartbeat",
			slog.String("subscriber_id", subscriberID))
		m.leaveLocked(subscriberID)
	}
}

func (g *Group) snapshot() *Group {
	cp := *g
	cp.Members = make([]*Member, len(g.Members))
	for i, member := range g.Members {
		mc := *member
		mc.Partitions = append([]int(nil), member.Partitions...)
		cp.Members[i] = &mc
	}
	return &cp
}
