package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	ws "github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/dukerupert/finepair/internal/backend"
)

const (
	sendBufferSize = 64
	pingInterval   = 30 * time.Second
)

// Client is one server-side realtime connection.
type Client struct {
	hub    *Hub
	conn   *ws.Conn
	send   chan []byte
	userID string

	mu     sync.RWMutex
	topics map[string][]backend.Subscription
}

// NewClient creates a Client for userID tied to the given hub and connection.
func NewClient(hub *Hub, conn *ws.Conn, userID string) *Client {
	return &Client{
		hub:    hub,
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		userID: userID,
		topics: make(map[string][]backend.Subscription),
	}
}

// Run registers the client, starts the write pump, and runs the read pump.
// It blocks until the connection is closed, then unregisters.
func (c *Client) Run(ctx context.Context) {
	c.hub.Register(c)
	defer c.hub.Unregister(c)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go c.writePump(ctx)
	c.readPump(ctx)
}

func (c *Client) readPump(ctx context.Context) {
	for {
		var f Frame
		if err := wsjson.Read(ctx, c.conn, &f); err != nil {
			return
		}
		c.handle(ctx, f)
	}
}

func (c *Client) handle(ctx context.Context, f Frame) {
	switch f.Event {
	case EventJoin:
		c.join(ctx, f)
	case EventLeave:
		c.mu.Lock()
		delete(c.topics, f.Topic)
		c.mu.Unlock()
		c.enqueue(okReply(f.Topic, f.Ref))
	case EventHeartbeat:
		c.enqueue(okReply(f.Topic, f.Ref))
	case EventBroadcast, EventPresence:
		if !c.joined(f.Topic) {
			c.enqueue(errorReply(f.Topic, f.Ref, "not joined"))
			return
		}
		c.hub.relay(c, f)
		if f.Ref != "" {
			c.enqueue(okReply(f.Topic, f.Ref))
		}
	default:
		c.enqueue(errorReply(f.Topic, f.Ref, "unknown event "+f.Event))
	}
}

func (c *Client) join(ctx context.Context, f Frame) {
	var p JoinPayload
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		c.enqueue(errorReply(f.Topic, f.Ref, "invalid join payload"))
		return
	}
	for _, sub := range p.Changes {
		if _, _, err := backend.ParseFilter(sub.Filter); err != nil {
			c.enqueue(errorReply(f.Topic, f.Ref, err.Error()))
			return
		}
	}
	if !c.hub.canJoin(ctx, c.userID, f.Topic) {
		c.hub.logger.Warn("join denied", "user_id", c.userID, "topic", f.Topic)
		c.enqueue(errorReply(f.Topic, f.Ref, "unauthorized"))
		return
	}

	c.mu.Lock()
	c.topics[f.Topic] = p.Changes
	c.mu.Unlock()
	c.enqueue(okReply(f.Topic, f.Ref))
}

func (c *Client) joined(topic string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.topics[topic]
	return ok
}

// matchingTopics returns the joined topics with a subscription selecting
// change.
func (c *Client) matchingTopics(change backend.RawChange) []string {
	rec := change.Record
	if change.Type == backend.OpDelete {
		rec = change.OldRecord
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []string
	for topic, subs := range c.topics {
		for _, sub := range subs {
			if sub.Matches(change.Table, change.Type) && backend.MatchFilter(sub.Filter, rec) {
				out = append(out, topic)
				break
			}
		}
	}
	return out
}

// enqueue queues f without blocking. A full buffer drops the frame.
func (c *Client) enqueue(f Frame) {
	data, err := json.Marshal(f)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
		c.hub.logger.Warn("client buffer full, dropping frame", "user_id", c.userID, "event", f.Event)
	}
}

// writePump drains the send channel and writes messages to the WebSocket.
// It also sends periodic pings to detect stale connections.
func (c *Client) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.Write(ctx, ws.MessageText, msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.Ping(ctx); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
