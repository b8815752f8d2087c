// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"encoding/json"
	"fmt"
	"time"
)

// TopicConfig holds per-topic delivery settings. Zero values are replaced
// with registry defaults at creation time.
type TopicConfig struct {
	MaxQueueSize     int           `json:"max_queue_size"`
	MessageRetention time.Duration `json:"message_retention"`
	MaxRetries       int           `json:"max_retries"`
	RetryDelay       time.Duration `json:"retry_delay"`
	RequireAck       bool          `json:"require_ack"`
}

// Topic is the persisted form of a topic.
type Topic struct {
	Name            string      `json:"name"`
	CreatedAt       time.Time   `json:"created_at"`
	CreatedBy       string      `json:"created_by"`
	MessageCount    uint64      `json:"message_count"`
	SubscriberCount int         `json:"subscriber_count"`
	Config          TopicConfig `json:"config"`
}

// Message is a published message. Immutable after publication; queues and
// history hold shared references and must not mutate it.
type Message struct {
	ID            string            `json:"id"`
	Topic         string            `json:"topic"`
	Payload       json.RawMessage   `json:"payload"`
	PublisherID   string            `json:"publisher_id"`
	Timestamp     time.Time         `json:"timestamp"`
	Headers       map[string]string `json:"headers,omitempty"`
	TTL           time.Duration     `json:"ttl,omitempty"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	ReplyTo       string            `json:"reply_to,omitempty"`
}

// Expired reports whether the message TTL has elapsed at the given time.
// A zero TTL means the message never expires.
func (m *Message) Expired(now time.Time) bool {
	if m.TTL <= 0 {
		return false
	}
	return now.After(m.Timestamp.Add(m.TTL))
}

// PayloadField extracts a top-level field from a JSON object payload and
// renders it as a string. Returns false for non-object payloads, missing
// keys, and non-scalar values.
func (m *Message) PayloadField(key string) (string, bool) {
	if len(m.Payload) == 0 {
		return "", false
	}
	var obj map[string]any
	if err := json.Unmarshal(m.Payload, &obj); err != nil {
		return "", false
	}
	v, ok := obj[key]
	if !ok {
		return "", false
	}
	switch val := v.(type) {
	case string:
		return val, true
	case float64:
		// JSON numbers decode as float64; keep integers unadorned.
		if val == float64(int64(val)) {
			return fmt.Sprintf("%d", int64(val)), true
		}
		return fmt.Sprintf("%g", val), true
	case bool:
		return fmt.Sprintf("%t", val), true
	default:
		return "", false
	}
}

// CopyMessage creates a deep copy of a message.
func CopyMessage(msg *Message) *Message {
	if msg == nil {
		return nil
	}
	cp := *msg
	if msg.Payload != nil {
		cp.Payload = make(json.RawMessage, len(msg.Payload))
		copy(cp.Payload, msg.Payload)
	}
	if msg.Headers != nil {
		cp.Headers = make(map[string]string, len(msg.Headers))
		for k, v := range msg.Headers {
			cp.Headers[k] = v
		}
	}
	return &cp
}

// GroupStrategy selects how a consumer group distributes messages.
type GroupStrategy string

// Supported consumer group strategies.
const (
	StrategyRoundRobin GroupStrategy = "round-robin"
	StrategySticky     GroupStrategy = "sticky"
	StrategyRandom     GroupStrategy = "random"
	StrategyBroadcast  GroupStrategy = "broadcast"
)

// Valid reports whether the strategy is one of the supported values.
func (s GroupStrategy) Valid() bool {
	switch s {
	case StrategyRoundRobin, StrategySticky, StrategyRandom, StrategyBroadcast:
		return true
	}
	return false
}

// ConsumerGroup is the persisted form of a consumer group.
type ConsumerGroup struct {
	Name            string        `json:"name"`
	Topic           string        `json:"topic"`
	Strategy        GroupStrategy `json:"strategy"`
	CreatedAt       time.Time     `json:"created_at"`
	CurrentOffset   uint64        `json:"current_offset"`
	CommittedOffset uint64        `json:"committed_offset"`
}

// DeadLetterEntry records a message that exceeded its retries or was
// evicted from a full subscriber queue.
type DeadLetterEntry struct {
	Message       *Message  `json:"message"`
	Reason        string    `json:"reason"`
	FailedAt      time.Time `json:"failed_at"`
	OriginalTopic string    `json:"original_topic"`
	SubscriberID  string    `json:"subscriber_id"`
}

// APIKey is an authentication credential consumed by the auth collaborator.
type APIKey struct {
	Key       string    `json:"key"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	LastUsed  time.Time `json:"last_used,omitempty"`
}

// AuditRecord captures a security-relevant operation.
type AuditRecord struct {
	ID        string    `json:"id"`
	Action    string    `json:"action"`
	Actor     string    `json:"actor"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// AuditFilter narrows audit listing. Zero fields match everything.
type AuditFilter struct {
	Action string
	Actor  string
	Since  time.Time
	Limit  int
}
