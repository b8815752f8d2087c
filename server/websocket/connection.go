// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/relaymq/relaymq/broker"
	"github.com/relaymq/relaymq/storage"
)

// Frame is the wire unit of the JSON protocol. Type selects the
// operation; the remaining fields are populated per type.
type Frame struct {
	Type          string               `json:"type"`
	ID            string               `json:"id,omitempty"`
	ClientID      string               `json:"client_id,omitempty"`
	Key           string               `json:"key,omitempty"`
	Topic         string               `json:"topic,omitempty"`
	Topics        []string             `json:"topics,omitempty"`
	Payload       json.RawMessage      `json:"payload,omitempty"`
	Headers       map[string]string    `json:"headers,omitempty"`
	TTLMs         int64                `json:"ttl_ms,omitempty"`
	CorrelationID string               `json:"correlation_id,omitempty"`
	ReplyTo       string               `json:"reply_to,omitempty"`
	TimeoutMs     int64                `json:"timeout_ms,omitempty"`
	Filter        *broker.FilterConfig `json:"filter,omitempty"`
	Group         string               `json:"group,omitempty"`
	Strategy      string               `json:"strategy,omitempty"`
	PublisherID   string               `json:"publisher_id,omitempty"`
	SubscriberID  string               `json:"subscriber_id,omitempty"`
	Timestamp     string               `json:"timestamp,omitempty"`
	Error         string               `json:"error,omitempty"`
	Data          any                  `json:"data,omitempty"`
}

// Frame types.
const (
	frameAuth        = "auth"
	frameSubscribe   = "subscribe"
	frameUnsubscribe = "unsubscribe"
	framePublish     = "publish"
	frameMessage     = "message"
	frameAck         = "ack"
	frameRequest     = "request"
	frameReply       = "reply"
	frameError       = "error"
	framePing        = "ping"
	framePong        = "pong"
	frameTopicCreate = "topic:create"
	frameTopicDelete = "topic:delete"
	frameMetrics     = "metrics"
	frameGroupJoin   = "group:join"
	frameGroupLeave  = "group:leave"
	frameHeartbeat   = "heartbeat"
)

// connection is one WebSocket client session.
type connection struct {
	srv        *Server
	ws         *websocket.Conn
	remoteAddr string

	out    chan Frame
	closed chan struct{}

	mu            sync.Mutex
	closeOnce     sync.Once
	authenticated bool
	clientID      string
	apiKey        string
	subscriber    *broker.Subscriber
}

func newConnection(s *Server, ws *websocket.Conn, remoteAddr string) *connection {
	return &connection{
		srv:        s,
		ws:         ws,
		remoteAddr: remoteAddr,
		out:        make(chan Frame, s.config.OutboundBuffer),
		closed:     make(chan struct{}),
	}
}

// send queues an outbound frame. Returns false when the buffer is full
// or the connection is closing.
func (c *connection) send(frame Frame) bool {
	select {
	case <-c.closed:
		return false
	case c.out <- frame:
		return true
	default:
		return false
	}
}

func (c *connection) sendError(id, msg string) {
	c.send(Frame{Type: frameError, ID: id, Error: msg})
}

// writePump serializes all writes to the socket.
func (c *connection) writePump() {
	for {
		select {
		case <-c.closed:
			return
		case frame := <-c.out:
			c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.ws.WriteJSON(frame); err != nil {
				c.teardown()
				return
			}
		}
	}
}

// readPump processes inbound frames until the socket closes.
func (c *connection) readPump() {
	defer c.teardown()

	for {
		var frame Frame
		if err := c.ws.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.srv.logger.Debug("websocket_read_error",
					slog.String("remote_addr", c.remoteAddr),
					slog.String("error", err.Error()))
			}
			return
		}

		c.handleFrame(frame)
	}
}

// teardown marks the subscriber offline so its queue is retained across
// reconnects. Explicit unsubscribe frames remove it instead.
func (c *connection) teardown() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.ws.Close()

		c.mu.Lock()
		sub := c.subscriber
		c.mu.Unlock()

		if sub != nil {
			if err := c.srv.broker.SetOnline(sub.ID, false); err != nil &&
				!errors.Is(err, broker.ErrSubscriberNotFound) {
				c.srv.logger.Warn("failed to mark subscriber offline",
					slog.String("subscriber_id", sub.ID),
					slog.String("error", err.Error()))
			}
		}
	})
}

func (c *connection) handleFrame(frame Frame) {
	if frame.Type == frameAuth {
		c.handleAuth(frame)
		return
	}

	c.mu.Lock()
	authed := c.authenticated
	key := c.apiKey
	c.mu.Unlock()

	if c.srv.config.AuthEnabled && !authed {
		c.sendError(frame.ID, "authentication required")
		return
	}

	if c.srv.limiter != nil {
		limitKey := key
		if limitKey == "" {
			limitKey = c.remoteAddr
		}
		if !c.srv.limiter.Allow(limitKey) {
			c.sendError(frame.ID, "rate limit exceeded")
			return
		}
	}

	switch frame.Type {
	case framePing:
		c.send(Frame{Type: framePong, ID: frame.ID})
	case frameSubscribe:
		c.handleSubscribe(frame)
	case frameUnsubscribe:
		c.handleUnsubscribe(frame)
	case framePublish:
		c.handlePublish(frame)
	case frameAck:
		c.handleAck(frame)
	case frameRequest:
		c.handleRequest(frame)
	case frameReply:
		c.handleReply(frame)
	case frameTopicCreate:
		c.handleTopicCreate(frame)
	case frameTopicDelete:
		c.handleTopicDelete(frame)
	case frameMetrics:
		c.handleMetrics(frame)
	case frameGroupJoin:
		c.handleGroupJoin(frame)
	case frameGroupLeave:
		c.handleGroupLeave(frame)
	case frameHeartbeat:
		c.handleHeartbeat(frame)
	default:
		c.sendError(frame.ID, "unknown frame type: "+frame.Type)
	}
}

func (c *connection) handleAuth(frame Frame) {
	if c.srv.config.AuthEnabled && c.srv.authenticator != nil {
		if _, err := c.srv.authenticator.Authenticate(context.Background(), frame.Key); err != nil {
			c.sendError(frame.ID, "invalid api key")
			c.teardown()
			return
		}
	}

	c.mu.Lock()
	c.authenticated = true
	c.apiKey = frame.Key
	c.clientID = frame.ClientID
	c.mu.Unlock()

	c.send(Frame{Type: frameAuth, ID: frame.ID, ClientID: frame.ClientID})
}

// messageSink bridges broker deliveries onto the outbound channel. A
// full buffer fails the delivery so the broker re-queues it.
func (c *connection) messageSink() broker.Sink {
	return broker.SinkFunc(func(msg *storage.Message) error {
		ok := c.send(Frame{
			Type:          frameMessage,
			ID:            msg.ID,
			Topic:         msg.Topic,
			Payload:       msg.Payload,
			Headers:       msg.Headers,
			CorrelationID: msg.CorrelationID,
			ReplyTo:       msg.ReplyTo,
			PublisherID:   msg.PublisherID,
			Timestamp:     msg.Timestamp.Format(time.RFC3339Nano),
		})
		if !ok {
			return errors.New("outbound buffer full")
		}
		return nil
	})
}

func (c *connection) handleSubscribe(frame Frame) {
	topics := frame.Topics
	if len(topics) == 0 && frame.Topic != "" {
		topics = []string{frame.Topic}
	}
	if len(topics) == 0 {
		c.sendError(frame.ID, "subscribe requires at least one topic")
		return
	}

	c.mu.Lock()
	existing := c.subscriber
	clientID := c.clientID
	c.mu.Unlock()
	if clientID == "" {
		clientID = c.remoteAddr
	}

	if existing != nil {
		// Extend the existing subscription instead of creating another
		// subscriber for this connection.
		sub, err := c.srv.broker.AddTopics(context.Background(), existing.ID, topics)
		if err != nil {
			c.sendError(frame.ID, err.Error())
			return
		}
		c.mu.Lock()
		c.subscriber = sub
		c.mu.Unlock()
		c.send(Frame{Type: frameSubscribe, ID: frame.ID, SubscriberID: sub.ID, Topics: sub.TopicList()})
		return
	}

	sub, err := c.srv.broker.Subscribe(context.Background(), clientID, topics, c.messageSink(), frame.Filter)
	if err != nil {
		c.sendError(frame.ID, err.Error())
		return
	}

	c.mu.Lock()
	c.subscriber = sub
	c.mu.Unlock()

	c.send(Frame{Type: frameSubscribe, ID: frame.ID, SubscriberID: sub.ID, Topics: sub.TopicList()})
}

func (c *connection) handleUnsubscribe(frame Frame) {
	c.mu.Lock()
	sub := c.subscriber
	c.mu.Unlock()
	if sub == nil {
		c.sendError(frame.ID, "not subscribed")
		return
	}

	topics := frame.Topics
	if len(topics) == 0 && frame.Topic != "" {
		topics = []string{frame.Topic}
	}

	if err := c.srv.broker.Unsubscribe(sub.ID, topics...); err != nil {
		c.sendError(frame.ID, err.Error())
		return
	}

	if len(topics) == 0 || c.srv.broker.GetSubscriber(sub.ID) == nil {
		c.mu.Lock()
		c.subscriber = nil
		c.mu.Unlock()
	}

	c.send(Frame{Type: frameUnsubscribe, ID: frame.ID, Topics: topics})
}

func (c *connection) handlePublish(frame Frame) {
	publisherID := frame.PublisherID
	if publisherID == "" {
		c.mu.Lock()
		publisherID = c.clientID
		c.mu.Unlock()
	}
	if publisherID == "" {
		publisherID = c.remoteAddr
	}

	opts := &broker.PublishOptions{
		Headers:       frame.Headers,
		TTL:           time.Duration(frame.TTLMs) * time.Millisecond,
		CorrelationID: frame.CorrelationID,
		ReplyTo:       frame.ReplyTo,
	}
	msg, err := c.srv.broker.Publish(context.Background(), frame.Topic, frame.Payload, publisherID, opts)
	if err != nil {
		c.sendError(frame.ID, err.Error())
		return
	}

	c.send(Frame{Type: framePublish, ID: frame.ID, Topic: msg.Topic, Data: map[string]string{"message_id": msg.ID}})
}

func (c *connection) handleAck(frame Frame) {
	c.mu.Lock()
	sub := c.subscriber
	c.mu.Unlock()
	if sub == nil {
		c.sendError(frame.ID, "not subscribed")
		return
	}

	if !c.srv.broker.Ack(sub.ID, frame.ID) {
		c.sendError(frame.ID, "message not found")
		return
	}
	c.send(Frame{Type: frameAck, ID: frame.ID})
}

func (c *connection) handleRequest(frame Frame) {
	requesterID := frame.PublisherID
	if requesterID == "" {
		c.mu.Lock()
		requesterID = c.clientID
		c.mu.Unlock()
	}
	if requesterID == "" {
		requesterID = c.remoteAddr
	}
	timeout := time.Duration(frame.TimeoutMs) * time.Millisecond

	// Request blocks until reply or timeout; keep the read loop free.
	go func() {
		reply, err := c.srv.broker.Request(context.Background(), frame.Topic, frame.Payload, requesterID, timeout)
		if err != nil {
			c.sendError(frame.ID, err.Error())
			return
		}
		c.send(Frame{
			Type:          frameReply,
			ID:            frame.ID,
			Topic:         reply.Topic,
			Payload:       reply.Payload,
			CorrelationID: reply.CorrelationID,
		})
	}()
}

func (c *connection) handleReply(frame Frame) {
	replierID := frame.PublisherID
	if replierID == "" {
		c.mu.Lock()
		replierID = c.clientID
		c.mu.Unlock()
	}

	original := &storage.Message{
		ReplyTo:       frame.ReplyTo,
		CorrelationID: frame.CorrelationID,
	}
	if _, err := c.srv.broker.Reply(context.Background(), original, frame.Payload, replierID); err != nil {
		c.sendError(frame.ID, err.Error())
		return
	}
	c.send(Frame{Type: frameReply, ID: frame.ID})
}

func (c *connection) handleTopicCreate(frame Frame) {
	var cfg *storage.TopicConfig
	if len(frame.Payload) > 0 {
		cfg = &storage.TopicConfig{}
		if err := json.Unmarshal(frame.Payload, cfg); err != nil {
			c.sendError(frame.ID, "invalid topic config")
			return
		}
	}

	c.mu.Lock()
	creator := c.clientID
	c.mu.Unlock()
	if creator == "" {
		creator = c.remoteAddr
	}

	topic, err := c.srv.broker.CreateTopic(context.Background(), frame.Topic, creator, cfg)
	if err != nil {
		c.sendError(frame.ID, err.Error())
		return
	}
	c.send(Frame{Type: frameTopicCreate, ID: frame.ID, Topic: topic.Name})
}

func (c *connection) handleTopicDelete(frame Frame) {
	existed, err := c.srv.broker.DeleteTopic(context.Background(), frame.Topic)
	if err != nil {
		c.sendError(frame.ID, err.Error())
		return
	}
	c.send(Frame{Type: frameTopicDelete, ID: frame.ID, Topic: frame.Topic, Data: map[string]bool{"deleted": existed}})
}

func (c *connection) handleMetrics(frame Frame) {
	stats := c.srv.broker.Stats()
	c.send(Frame{Type: frameMetrics, ID: frame.ID, Data: map[string]any{
		"messages_published":  stats.GetPublished(),
		"messages_delivered":  stats.GetDelivered(),
		"messages_queued":     stats.GetQueued(),
		"messages_failed":     stats.GetFailed(),
		"messages_per_second": stats.MessagesPerSecond(),
		"uptime_seconds":      stats.GetUptime().Seconds(),
	}})
}

func (c *connection) handleGroupJoin(frame Frame) {
	c.mu.Lock()
	sub := c.subscriber
	clientID := c.clientID
	c.mu.Unlock()
	if sub == nil {
		c.sendError(frame.ID, "subscribe before joining a group")
		return
	}

	groups := c.srv.broker.Groups()
	if frame.Strategy != "" {
		if _, err := groups.Create(context.Background(), frame.Group, frame.Topic, storage.GroupStrategy(frame.Strategy)); err != nil &&
			!errors.Is(err, storage.ErrAlreadyExists) {
			c.sendError(frame.ID, err.Error())
			return
		}
	}

	member, err := groups.Join(frame.Group, sub.ID, clientID)
	if err != nil {
		c.sendError(frame.ID, err.Error())
		return
	}

	c.send(Frame{Type: frameGroupJoin, ID: frame.ID, Group: frame.Group, Data: member})
}

func (c *connection) handleGroupLeave(frame Frame) {
	c.mu.Lock()
	sub := c.subscriber
	c.mu.Unlock()
	if sub == nil {
		c.sendError(frame.ID, "not subscribed")
		return
	}

	c.srv.broker.Groups().Leave(sub.ID)
	c.send(Frame{Type: frameGroupLeave, ID: frame.ID, Group: frame.Group})
}

func (c *connection) handleHeartbeat(frame Frame) {
	c.mu.Lock()
	sub := c.subscriber
	c.mu.Unlock()
	if sub == nil {
		c.sendError(frame.ID, "not subscribed")
		return
	}

	if !c.srv.broker.Groups().Heartbeat(sub.ID) {
		c.sendError(frame.ID, "not a group member")
		return
	}
	c.send(Frame{Type: frameHeartbeat, ID: frame.ID})
}
