// Package broadcast relays local mutations between "tabs" of the same
// process and exposes that relay as a backend.Realtime, so the client core
// can run without the hosted change feed.
package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dukerupert/finepair/internal/backend"
	"github.com/dukerupert/finepair/internal/model"
)

type MessageType string

const (
	RuleCreated      MessageType = "RULE_CREATED"
	RuleDeleted      MessageType = "RULE_DELETED"
	ViolationCreated MessageType = "VIOLATION_CREATED"
	RewardCreated    MessageType = "REWARD_CREATED"
	RewardClaimed    MessageType = "REWARD_CLAIMED"
	RewardDeleted    MessageType = "REWARD_DELETED"
)

// Message is what tabs exchange. Timestamp is milliseconds since the epoch.
type Message struct {
	Type      MessageType     `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp int64           `json:"timestamp"`
}

// Change converts m into the change notification it stands for.
func (m Message) Change() (backend.RawChange, error) {
	raw := backend.RawChange{CommitTimestamp: time.UnixMilli(m.Timestamp).UTC()}
	switch m.Type {
	case RuleCreated:
		raw.Type, raw.Table, raw.Record = backend.OpInsert, model.TableRules, m.Payload
	case RuleDeleted:
		raw.Type, raw.Table, raw.OldRecord = backend.OpDelete, model.TableRules, m.Payload
	case ViolationCreated:
		raw.Type, raw.Table, raw.Record = backend.OpInsert, model.TableViolations, m.Payload
	case RewardCreated:
		raw.Type, raw.Table, raw.Record = backend.OpInsert, model.TableRewards, m.Payload
	case RewardClaimed:
		raw.Type, raw.Table, raw.Record = backend.OpUpdate, model.TableRewards, m.Payload
	case RewardDeleted:
		raw.Type, raw.Table, raw.OldRecord = backend.OpDelete, model.TableRewards, m.Payload
	default:
		return backend.RawChange{}, fmt.Errorf("unknown message type %q", m.Type)
	}
	return raw, nil
}

var ErrClosed = errors.New("bridge closed")

// Bus connects bridges that share a channel name.
type Bus struct {
	mu      sync.RWMutex
	bridges map[string]map[*Bridge]struct{}
	logger  *slog.Logger
	now     func() time.Time
}

func NewBus(logger *slog.Logger) *Bus {
	return &Bus{
		bridges: make(map[string]map[*Bridge]struct{}),
		logger:  logger,
		now:     time.Now,
	}
}

// Bridge attaches a new tab to the named channel.
func (b *Bus) Bridge(name string) *Bridge {
	br := &Bridge{
		bus:      b,
		name:     name,
		channels: make(map[*channel]struct{}),
	}
	b.mu.Lock()
	if b.bridges[name] == nil {
		b.bridges[name] = make(map[*Bridge]struct{})
	}
	b.bridges[name][br] = struct{}{}
	b.mu.Unlock()
	return br
}

func (b *Bus) detach(br *Bridge) {
	b.mu.Lock()
	delete(b.bridges[br.name], br)
	if len(b.bridges[br.name]) == 0 {
		delete(b.bridges, br.name)
	}
	b.mu.Unlock()
}

// peers returns the other bridges on from's channel.
func (b *Bus) peers(from *Bridge) []*Bridge {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*Bridge, 0, len(b.bridges[from.name]))
	for br := range b.bridges[from.name] {
		if br != from {
			out = append(out, br)
		}
	}
	return out
}

// Bridge is one tab on a Bus. It relays mutations with Post and receives
// those of other tabs through the channels it hands out.
type Bridge struct {
	bus  *Bus
	name string

	mu       sync.Mutex
	channels map[*channel]struct{}
	closed   bool
}

// Post relays a local mutation to every other tab on the channel.
func (br *Bridge) Post(_ context.Context, typ MessageType, payload any) error {
	br.mu.Lock()
	closed := br.closed
	br.mu.Unlock()
	if closed {
		return ErrClosed
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", typ, err)
	}
	msg := Message{Type: typ, Payload: data, Timestamp: br.bus.now().UnixMilli()}
	if _, err := msg.Change(); err != nil {
		return err
	}

	for _, peer := range br.bus.peers(br) {
		peer.receive(msg)
	}
	return nil
}

func (br *Bridge) receive(msg Message) {
	raw, err := msg.Change()
	if err != nil {
		br.bus.logger.Warn("discarding broadcast message", "type", msg.Type, "error", err)
		return
	}
	for _, ch := range br.snapshotChannels() {
		ch.deliver(raw)
	}
}

func (br *Bridge) snapshotChannels() []*channel {
	br.mu.Lock()
	defer br.mu.Unlock()
	out := make([]*channel, 0, len(br.channels))
	for ch := range br.channels {
		out = append(out, ch)
	}
	return out
}

// Close detaches the tab. Subscribed channels receive CLOSED.
func (br *Bridge) Close() {
	br.mu.Lock()
	if br.closed {
		br.mu.Unlock()
		return
	}
	br.closed = true
	channels := make([]*channel, 0, len(br.channels))
	for ch := range br.channels {
		channels = append(channels, ch)
	}
	br.channels = make(map[*channel]struct{})
	br.mu.Unlock()

	br.bus.detach(br)
	for _, ch := range channels {
		ch.closeWith(backend.StatusClosed)
	}
}

// Channel implements backend.Realtime.
func (br *Bridge) Channel(topic string) backend.Channel {
	return &channel{bridge: br, topic: topic, broadcasts: make(map[string][]backend.BroadcastFunc)}
}

type binding struct {
	sub backend.Subscription
	fn  backend.ChangeFunc
}

type channel struct {
	bridge *Bridge
	topic  string

	mu         sync.Mutex
	bindings   []binding
	broadcasts map[string][]backend.BroadcastFunc
	status     backend.StatusFunc
	joined     bool
}

func (c *channel) Topic() string { return c.topic }

func (c *channel) On(sub backend.Subscription, fn backend.ChangeFunc) {
	c.mu.Lock()
	c.bindings = append(c.bindings, binding{sub: sub, fn: fn})
	c.mu.Unlock()
}

func (c *channel) OnBroadcast(event string, fn backend.BroadcastFunc) {
	c.mu.Lock()
	c.broadcasts[event] = append(c.broadcasts[event], fn)
	c.mu.Unlock()
}

// Subscribe attaches the channel to its bridge and acknowledges at once.
func (c *channel) Subscribe(_ context.Context, fn backend.StatusFunc) error {
	br := c.bridge
	br.mu.Lock()
	if br.closed {
		br.mu.Unlock()
		return ErrClosed
	}
	br.channels[c] = struct{}{}
	br.mu.Unlock()

	c.mu.Lock()
	c.status = fn
	c.joined = true
	c.mu.Unlock()

	if fn != nil {
		fn(backend.StatusSubscribed, nil)
	}
	return nil
}

func (c *channel) Send(_ context.Context, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal broadcast: %w", err)
	}
	for _, peer := range c.bridge.bus.peers(c.bridge) {
		for _, ch := range peer.snapshotChannels() {
			if ch.topic == c.topic {
				ch.deliverBroadcast(event, data)
			}
		}
	}
	return nil
}

// Track announces presence to the other tabs as a "presence" broadcast.
func (c *channel) Track(ctx context.Context, presence map[string]any) error {
	return c.Send(ctx, "presence", presence)
}

func (c *channel) Unsubscribe() error {
	br := c.bridge
	br.mu.Lock()
	delete(br.channels, c)
	br.mu.Unlock()

	c.closeWith(backend.StatusClosed)
	return nil
}

func (c *channel) closeWith(s backend.Status) {
	c.mu.Lock()
	fn := c.status
	wasJoined := c.joined
	c.joined = false
	c.mu.Unlock()

	if wasJoined && fn != nil {
		fn(s, nil)
	}
}

func (c *channel) deliver(raw backend.RawChange) {
	c.mu.Lock()
	bindings := append([]binding(nil), c.bindings...)
	c.mu.Unlock()

	rec := raw.Record
	if raw.Type == backend.OpDelete {
		rec = raw.OldRecord
	}
	for _, b := range bindings {
		if !b.sub.Matches(raw.Table, raw.Type) {
			continue
		}
		// deletes carry only the id, so filters cannot be evaluated
		if raw.Type != backend.OpDelete && !backend.MatchFilter(b.sub.Filter, rec) {
			continue
		}
		b.fn(raw)
	}
}

func (c *channel) deliverBroadcast(event string, payload json.RawMessage) {
	c.mu.Lock()
	fns := append([]backend.BroadcastFunc(nil), c.broadcasts[event]...)
	c.mu.Unlock()
	for _, fn := range fns {
		fn(event, payload)
	}
}
