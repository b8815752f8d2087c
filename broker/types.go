// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"errors"
	"math/rand"
	"strconv"
	"time"

	"github.com/relaymq/relaymq/storage"
)

// Errors surfaced by broker operations.
var (
	ErrTimeout            = errors.New("request timed out")
	ErrSubscriberNotFound = errors.New("subscriber not found")
	ErrNoReplyAddress     = errors.New("message carries no reply address")
)

// Sink consumes a delivered message. Implementations provided by
// transports must be non-blocking or own backpressure for their
// connection; a returned error queues the message for retry.
type Sink interface {
	Deliver(msg *storage.Message) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(msg *storage.Message) error

// Deliver calls f(msg).
func (f SinkFunc) Deliver(msg *storage.Message) error { return f(msg) }

// Subscriber is an identified endpoint consuming messages from a set of
// topics through its sink.
type Subscriber struct {
	ID             string              `json:"id"`
	ClientID       string              `json:"client_id"`
	Topics         map[string]struct{} `json:"-"`
	CreatedAt      time.Time           `json:"created_at"`
	LastActivity   time.Time           `json:"last_activity"`
	Online         bool                `json:"online"`
	PendingCount   int                 `json:"pending_count"`
	DeliveredCount uint64              `json:"delivered_count"`
	Filter         *Filter             `json:"-"`
}

// TopicList returns the subscribed topic names.
func (s *Subscriber) TopicList() []string {
	out := make([]string, 0, len(s.Topics))
	for t := range s.Topics {
		out = append(out, t)
	}
	return out
}

// Publisher is an identified message source, tracked for stats only.
type Publisher struct {
	ID            string    `json:"id"`
	MessageCount  uint64    `json:"message_count"`
	LastPublished time.Time `json:"last_published"`
}

// PublishOptions carries the optional attributes of a publish call.
type PublishOptions struct {
	Headers       map[string]string
	TTL           time.Duration
	CorrelationID string
	ReplyTo       string
}

const base36digits = "0123456789abcdefghijklmnopqrstuvwxyz"

// NewMessageID generates a message id: millisecond timestamp in base36
// plus a random base36 suffix. Sorts roughly by creation time.
func NewMessageID() string {
	ts := strconv.FormatInt(time.Now().UnixMilli(), 36)
	suffix := make([]byte, 8)
	for i := range suffix {
		suffix[i] = base36digits[rand.Intn(36)]
	}
	return ts + "-" + string(suffix)
}
