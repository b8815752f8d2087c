// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package events defines the broker lifecycle events delivered to
// registered sinks and the webhook notifier.
package events

import (
	"time"

	"github.com/google/uuid"
)

// Event type constants.
const (
	TypeMessagePublished       = "message:published"
	TypeMessageDelivered       = "message:delivered"
	TypeMessageQueued          = "message:queued"
	TypeMessageFailed          = "message:failed"
	TypeSubscriberConnected    = "subscriber:connected"
	TypeSubscriberDisconnected = "subscriber:disconnected"
	TypeTopicCreated           = "topic:created"
	TypeTopicDeleted           = "topic:deleted"
	TypeDeadLetterDropped      = "deadletter:dropped"
)

// Event is the common interface for all broker events.
type Event interface {
	// Type returns the event type identifier (e.g. "message:published").
	Type() string

	// Topic returns the topic for message events, empty for others.
	Topic() string

	// Wrap wraps the event in a common envelope with metadata.
	Wrap(brokerID string) *Envelope
}

// Envelope is the common wrapper for all delivered events.
type Envelope struct {
	EventType string `json:"event_type"`
	EventID   string `json:"event_id"`
	Timestamp string `json:"timestamp"`
	BrokerID  string `json:"broker_id"`
	Data      any    `json:"data"`
}

func wrap(e Event, brokerID string) *Envelope {
	return &Envelope{
		EventType: e.Type(),
		EventID:   uuid.New().String(),
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		BrokerID:  brokerID,
		Data:      e,
	}
}

// MessagePublished is emitted when a message is accepted by the broker.
type MessagePublished struct {
	MessageID    string `json:"message_id"`
	MessageTopic string `json:"topic"`
	PublisherID  string `json:"publisher_id"`
	PayloadSize  int    `json:"payload_size"`
}

func (e MessagePublished) Type() string                   { return TypeMessagePublished }
func (e MessagePublished) Topic() string                  { return e.MessageTopic }
func (e MessagePublished) Wrap(brokerID string) *Envelope { return wrap(e, brokerID) }

// MessageDelivered is emitted when a message reaches a subscriber's sink.
type MessageDelivered struct {
	MessageID    string `json:"message_id"`
	MessageTopic string `json:"topic"`
	SubscriberID string `json:"subscriber_id"`
}

func (e MessageDelivered) Type() string                   { return TypeMessageDelivered }
func (e MessageDelivered) Topic() string                  { return e.MessageTopic }
func (e MessageDelivered) Wrap(brokerID string) *Envelope { return wrap(e, brokerID) }

// MessageQueued is emitted when a message is parked in a subscriber queue.
type MessageQueued struct {
	MessageID    string `json:"message_id"`
	MessageTopic string `json:"topic"`
	SubscriberID string `json:"subscriber_id"`
	QueueDepth   int    `json:"queue_depth"`
}

func (e MessageQueued) Type() string                   { return TypeMessageQueued }
func (e MessageQueued) Topic() string                  { return e.MessageTopic }
func (e MessageQueued) Wrap(brokerID string) *Envelope { return wrap(e, brokerID) }

// MessageFailed is emitted on delivery failure, queue overflow or dead
// letter promotion.
type MessageFailed struct {
	MessageID    string `json:"message_id"`
	MessageTopic string `json:"topic"`
	SubscriberID string `json:"subscriber_id,omitempty"`
	Reason       string `json:"reason"`
}

func (e MessageFailed) Type() string                   { return TypeMessageFailed }
func (e MessageFailed) Topic() string                  { return e.MessageTopic }
func (e MessageFailed) Wrap(brokerID string) *Envelope { return wrap(e, brokerID) }

// SubscriberConnected is emitted when a subscriber is created or comes
// back online.
type SubscriberConnected struct {
	SubscriberID string   `json:"subscriber_id"`
	ClientID     string   `json:"client_id"`
	Topics       []string `json:"topics"`
}

func (e SubscriberConnected) Type() string                   { return TypeSubscriberConnected }
func (e SubscriberConnected) Topic() string                  { return "" }
func (e SubscriberConnected) Wrap(brokerID string) *Envelope { return wrap(e, brokerID) }

// SubscriberDisconnected is emitted when a subscriber goes offline or
// unsubscribes entirely.
type SubscriberDisconnected struct {
	SubscriberID string `json:"subscriber_id"`
	ClientID     string `json:"client_id"`
	Reason       string `json:"reason"` // "offline" or "unsubscribed"
}

func (e SubscriberDisconnected) Type() string                   { return TypeSubscriberDisconnected }
func (e SubscriberDisconnected) Topic() string                  { return "" }
func (e SubscriberDisconnected) Wrap(brokerID string) *Envelope { return wrap(e, brokerID) }

// TopicCreated is emitted when a topic is created, explicitly or by
// auto-creation on first publish or subscribe.
type TopicCreated struct {
	TopicName string `json:"topic"`
	CreatedBy string `json:"created_by"`
}

func (e TopicCreated) Type() string                   { return TypeTopicCreated }
func (e TopicCreated) Topic() string                  { return e.TopicName }
func (e TopicCreated) Wrap(brokerID string) *Envelope { return wrap(e, brokerID) }

// TopicDeleted is emitted when a topic is deleted.
type TopicDeleted struct {
	TopicName string `json:"topic"`
}

func (e TopicDeleted) Type() string                   { return TypeTopicDeleted }
func (e TopicDeleted) Topic() string                  { return e.TopicName }
func (e TopicDeleted) Wrap(brokerID string) *Envelope { return wrap(e, brokerID) }

// DeadLetterDropped is emitted when a full DLQ drops its oldest entry and
// the drop-event policy is enabled.
type DeadLetterDropped struct {
	MessageID     string `json:"message_id"`
	OriginalTopic string `json:"original_topic"`
	Reason        string `json:"reason"`
}

func (e DeadLetterDropped) Type() string                   { return TypeDeadLetterDropped }
func (e DeadLetterDropped) Topic() string                  { return e.OriginalTopic }
func (e DeadLetterDropped) Wrap(brokerID string) *Envelope { return wrap(e, brokerID) }
