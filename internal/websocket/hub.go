package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/dukerupert/finepair/internal/backend"
)

// Policy applies row-level access rules to the change feed.
type Policy interface {
	// CanJoin reports whether userID may join topic.
	CanJoin(ctx context.Context, userID, topic string) bool
	// CanReceive reports whether userID may see change.
	CanReceive(ctx context.Context, userID string, change backend.RawChange) bool
}

// Hub maintains the set of connected clients and fans out changes to the
// subscriptions that select them.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}
	policy  Policy
	logger  *slog.Logger
}

func NewHub(policy Policy, logger *slog.Logger) *Hub {
	return &Hub{
		clients: make(map[*Client]struct{}),
		policy:  policy,
		logger:  logger,
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

// Unregister removes a client from the hub and closes its send channel.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

// Publish delivers change to every joined topic with a matching
// subscription whose user is allowed to see the row.
func (h *Hub) Publish(ctx context.Context, change backend.RawChange) {
	payload, err := json.Marshal(change)
	if err != nil {
		h.logger.Error("marshal change", "table", change.Table, "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.clients {
		topics := c.matchingTopics(change)
		if len(topics) == 0 {
			continue
		}
		if h.policy != nil && !h.policy.CanReceive(ctx, c.userID, change) {
			continue
		}
		for _, topic := range topics {
			c.enqueue(Frame{Topic: topic, Event: EventChange, Payload: payload})
		}
	}
}

// relay forwards a broadcast or presence frame to the other clients that
// joined the same topic.
func (h *Hub) relay(from *Client, f Frame) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.clients {
		if c == from || !c.joined(f.Topic) {
			continue
		}
		c.enqueue(Frame{Topic: f.Topic, Event: f.Event, Payload: f.Payload})
	}
}

func (h *Hub) canJoin(ctx context.Context, userID, topic string) bool {
	if h.policy == nil {
		return true
	}
	return h.policy.CanJoin(ctx, userID, topic)
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
