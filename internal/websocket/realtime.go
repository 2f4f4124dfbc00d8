package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	ws "github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/dukerupert/finepair/internal/backend"
)

const (
	DefaultJoinTimeout       = 10 * time.Second
	DefaultHeartbeatInterval = 25 * time.Second

	leaveTimeout = 2 * time.Second
)

var ErrClosed = errors.New("realtime closed")

// DialConfig configures the client side of the realtime socket.
type DialConfig struct {
	URL               string
	AccessToken       string
	JoinTimeout       time.Duration
	HeartbeatInterval time.Duration
}

// Realtime is a backend.Realtime over a single multiplexed WebSocket. The
// socket is dialed lazily by the first Subscribe and redialed by the next
// Subscribe after it drops.
type Realtime struct {
	cfg    DialConfig
	logger *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc
	ref    atomic.Uint64

	mu       sync.Mutex
	conn     *ws.Conn
	channels map[string]*remoteChannel
	pending  map[string]chan ReplyPayload
	dialing  chan struct{}
	closed   bool
}

func NewRealtime(cfg DialConfig, logger *slog.Logger) *Realtime {
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = DefaultJoinTimeout
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Realtime{
		cfg:      cfg,
		logger:   logger.With("component", "realtime"),
		ctx:      ctx,
		cancel:   cancel,
		channels: make(map[string]*remoteChannel),
		pending:  make(map[string]chan ReplyPayload),
	}
}

// Channel implements backend.Realtime.
func (r *Realtime) Channel(topic string) backend.Channel {
	return &remoteChannel{rt: r, topic: topic, broadcasts: make(map[string][]backend.BroadcastFunc)}
}

// Close drops the socket. Joined channels receive CLOSED.
func (r *Realtime) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	conn := r.conn
	r.conn = nil
	channels := r.takeChannels()
	r.mu.Unlock()

	r.cancel()
	for _, ch := range channels {
		ch.fail(backend.StatusClosed, nil)
	}
	if conn != nil {
		return conn.Close(ws.StatusNormalClosure, "")
	}
	return nil
}

func (r *Realtime) nextRef() string {
	return strconv.FormatUint(r.ref.Add(1), 10)
}

func (r *Realtime) dialURL() (string, error) {
	u, err := url.Parse(r.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("parse realtime url: %w", err)
	}
	if r.cfg.AccessToken != "" {
		q := u.Query()
		q.Set("access_token", r.cfg.AccessToken)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// ensureConn returns the live socket, dialing if there is none. Only one
// dial runs at a time; other callers wait for it or for their own ctx. The
// dial itself runs without r.mu so Close, forget and dispatch never wait on
// the network.
func (r *Realtime) ensureConn(ctx context.Context) (*ws.Conn, error) {
	for {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return nil, ErrClosed
		}
		if r.conn != nil {
			conn := r.conn
			r.mu.Unlock()
			return conn, nil
		}
		if r.dialing != nil {
			wait := r.dialing
			r.mu.Unlock()
			select {
			case <-wait:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		done := make(chan struct{})
		r.dialing = done
		r.mu.Unlock()

		conn, err := r.dial(ctx)

		r.mu.Lock()
		r.dialing = nil
		close(done)
		if err != nil {
			r.mu.Unlock()
			return nil, err
		}
		if r.closed {
			r.mu.Unlock()
			conn.CloseNow()
			return nil, ErrClosed
		}
		r.conn = conn
		r.mu.Unlock()

		r.logger.Debug("realtime connected", "url", r.cfg.URL)
		connCtx, cancel := context.WithCancel(r.ctx)
		go r.readLoop(connCtx, cancel, conn)
		go r.heartbeat(connCtx, conn)
		return conn, nil
	}
}

func (r *Realtime) dial(ctx context.Context) (*ws.Conn, error) {
	target, err := r.dialURL()
	if err != nil {
		return nil, err
	}
	conn, _, err := ws.Dial(ctx, target, nil)
	if err != nil {
		return nil, fmt.Errorf("dial realtime: %w", err)
	}
	return conn, nil
}

func (r *Realtime) liveConn() *ws.Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conn
}

// takeChannels empties the channel table. Caller holds r.mu.
func (r *Realtime) takeChannels() []*remoteChannel {
	channels := make([]*remoteChannel, 0, len(r.channels))
	for _, ch := range r.channels {
		channels = append(channels, ch)
	}
	r.channels = make(map[string]*remoteChannel)
	return channels
}

func (r *Realtime) channel(topic string) *remoteChannel {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.channels[topic]
}

// forget removes c from the channel table if it is still the registered
// channel for its topic.
func (r *Realtime) forget(c *remoteChannel) {
	r.mu.Lock()
	if r.channels[c.topic] == c {
		delete(r.channels, c.topic)
	}
	r.mu.Unlock()
}

func (r *Realtime) await(ref string) chan ReplyPayload {
	reply := make(chan ReplyPayload, 1)
	r.mu.Lock()
	r.pending[ref] = reply
	r.mu.Unlock()
	return reply
}

func (r *Realtime) dropPending(ref string) {
	r.mu.Lock()
	delete(r.pending, ref)
	r.mu.Unlock()
}

func (r *Realtime) readLoop(ctx context.Context, cancel context.CancelFunc, conn *ws.Conn) {
	defer cancel()
	for {
		var f Frame
		if err := wsjson.Read(ctx, conn, &f); err != nil {
			r.lost(conn, err)
			return
		}
		r.dispatch(f)
	}
}

func (r *Realtime) heartbeat(ctx context.Context, conn *ws.Conn) {
	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f := Frame{Topic: heartbeatTopic, Event: EventHeartbeat, Ref: r.nextRef()}
			if err := wsjson.Write(ctx, conn, f); err != nil {
				r.logger.Warn("heartbeat failed", "error", err)
				conn.CloseNow()
				return
			}
		}
	}
}

// lost handles the end of conn. Every channel joined over it fails with
// CHANNEL_ERROR and pending replies are abandoned.
func (r *Realtime) lost(conn *ws.Conn, cause error) {
	r.mu.Lock()
	if r.conn != conn {
		r.mu.Unlock()
		return
	}
	r.conn = nil
	channels := r.takeChannels()
	pending := r.pending
	r.pending = make(map[string]chan ReplyPayload)
	r.mu.Unlock()

	conn.CloseNow()
	r.logger.Warn("realtime connection lost", "error", cause)

	for _, reply := range pending {
		close(reply)
	}
	err := fmt.Errorf("connection lost: %w", cause)
	for _, ch := range channels {
		ch.fail(backend.StatusChannelError, err)
	}
}

func (r *Realtime) dispatch(f Frame) {
	switch f.Event {
	case EventReply:
		r.mu.Lock()
		reply, ok := r.pending[f.Ref]
		delete(r.pending, f.Ref)
		r.mu.Unlock()
		if !ok {
			return
		}
		var p ReplyPayload
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			p = ReplyPayload{Status: "error", Reason: "malformed reply"}
		}
		reply <- p

	case EventChange:
		ch := r.channel(f.Topic)
		if ch == nil {
			return
		}
		var raw backend.RawChange
		if err := json.Unmarshal(f.Payload, &raw); err != nil {
			r.logger.Warn("malformed change frame", "topic", f.Topic, "error", err)
			return
		}
		ch.deliver(raw)

	case EventBroadcast:
		ch := r.channel(f.Topic)
		if ch == nil {
			return
		}
		var p BroadcastPayload
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			return
		}
		ch.deliverBroadcast(p.Event, p.Payload)

	case EventPresence:
		if ch := r.channel(f.Topic); ch != nil {
			ch.deliverBroadcast(EventPresence, f.Payload)
		}

	case EventClose, EventError:
		ch := r.channel(f.Topic)
		if ch == nil {
			return
		}
		r.forget(ch)
		if f.Event == EventClose {
			ch.fail(backend.StatusClosed, nil)
			return
		}
		var p ReplyPayload
		_ = json.Unmarshal(f.Payload, &p)
		ch.fail(backend.StatusChannelError, errors.New(p.Reason))
	}
}

type binding struct {
	sub backend.Subscription
	fn  backend.ChangeFunc
}

type remoteChannel struct {
	rt    *Realtime
	topic string

	mu         sync.Mutex
	bindings   []binding
	broadcasts map[string][]backend.BroadcastFunc
	status     backend.StatusFunc
	joined     bool
	done       bool

	// life ends when the channel fails or is unsubscribed
	life   context.Context
	cancel context.CancelFunc
}

func (c *remoteChannel) Topic() string { return c.topic }

func (c *remoteChannel) On(sub backend.Subscription, fn backend.ChangeFunc) {
	c.mu.Lock()
	c.bindings = append(c.bindings, binding{sub: sub, fn: fn})
	c.mu.Unlock()
}

func (c *remoteChannel) OnBroadcast(event string, fn backend.BroadcastFunc) {
	c.mu.Lock()
	c.broadcasts[event] = append(c.broadcasts[event], fn)
	c.mu.Unlock()
}

// Subscribe dials if needed and sends the join frame. Dial and join share
// one deadline of JoinTimeout. The outcome arrives through fn: SUBSCRIBED on
// an ok reply, CHANNEL_ERROR on a rejected join and TIMED_OUT when the
// deadline passes first. Unsubscribe aborts a pending dial.
func (c *remoteChannel) Subscribe(ctx context.Context, fn backend.StatusFunc) error {
	r := c.rt
	c.mu.Lock()
	if c.done {
		c.mu.Unlock()
		return fmt.Errorf("channel %s already closed", c.topic)
	}
	c.status = fn
	c.life, c.cancel = context.WithCancel(r.ctx)
	life := c.life
	subs := make([]backend.Subscription, 0, len(c.bindings))
	for _, b := range c.bindings {
		subs = append(subs, b.sub)
	}
	c.mu.Unlock()

	deadline := time.Now().Add(r.cfg.JoinTimeout)
	dctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()
	stop := context.AfterFunc(life, cancel)
	defer stop()

	conn, err := r.ensureConn(dctx)
	switch {
	case err == nil:
	case life.Err() != nil:
		// unsubscribed or closed while dialing
		c.fail(backend.StatusClosed, nil)
		return nil
	case dctx.Err() != nil && ctx.Err() == nil:
		c.fail(backend.StatusTimedOut, err)
		return nil
	default:
		return err
	}

	r.mu.Lock()
	if life.Err() != nil {
		r.mu.Unlock()
		return nil
	}
	r.channels[c.topic] = c
	r.mu.Unlock()

	ref := r.nextRef()
	reply := r.await(ref)
	f, err := newFrame(c.topic, EventJoin, ref, JoinPayload{Changes: subs})
	if err != nil {
		r.dropPending(ref)
		r.forget(c)
		return fmt.Errorf("encode join: %w", err)
	}
	if err := wsjson.Write(dctx, conn, f); err != nil {
		r.dropPending(ref)
		r.forget(c)
		if life.Err() != nil {
			return nil
		}
		return fmt.Errorf("send join: %w", err)
	}

	go c.awaitJoin(life, ref, reply, time.Until(deadline))
	return nil
}

func (c *remoteChannel) awaitJoin(life context.Context, ref string, reply chan ReplyPayload, wait time.Duration) {
	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case p, ok := <-reply:
		if !ok {
			// the socket dropped; lost already reported the failure
			return
		}
		if p.Status != "ok" {
			c.rt.forget(c)
			c.fail(backend.StatusChannelError, fmt.Errorf("join rejected: %s", p.Reason))
			return
		}
		c.mu.Lock()
		if c.done {
			c.mu.Unlock()
			return
		}
		c.joined = true
		fn := c.status
		c.mu.Unlock()
		if fn != nil {
			fn(backend.StatusSubscribed, nil)
		}
	case <-timer.C:
		c.rt.dropPending(ref)
		c.rt.forget(c)
		c.fail(backend.StatusTimedOut, nil)
	case <-life.Done():
		c.rt.dropPending(ref)
	}
}

// fail reports a terminal status once.
func (c *remoteChannel) fail(s backend.Status, err error) {
	c.mu.Lock()
	if c.done {
		c.mu.Unlock()
		return
	}
	c.done = true
	c.joined = false
	fn := c.status
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	if fn != nil {
		fn(s, err)
	}
}

func (c *remoteChannel) write(ctx context.Context, event string, payload any) error {
	c.mu.Lock()
	joined := c.joined
	c.mu.Unlock()
	if !joined {
		return fmt.Errorf("channel %s not joined", c.topic)
	}
	conn := c.rt.liveConn()
	if conn == nil {
		return fmt.Errorf("channel %s: not connected", c.topic)
	}
	f, err := newFrame(c.topic, event, "", payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", event, err)
	}
	return wsjson.Write(ctx, conn, f)
}

func (c *remoteChannel) Send(ctx context.Context, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal broadcast: %w", err)
	}
	return c.write(ctx, EventBroadcast, BroadcastPayload{Event: event, Payload: data})
}

func (c *remoteChannel) Track(ctx context.Context, presence map[string]any) error {
	return c.write(ctx, EventPresence, presence)
}

// Unsubscribe leaves the topic without waiting for the server, so it is
// safe to call from a status callback.
func (c *remoteChannel) Unsubscribe() error {
	c.mu.Lock()
	wasJoined := c.joined
	c.mu.Unlock()

	c.rt.forget(c)
	if wasJoined {
		if conn := c.rt.liveConn(); conn != nil {
			ctx, cancel := context.WithTimeout(c.rt.ctx, leaveTimeout)
			defer cancel()
			f := Frame{Topic: c.topic, Event: EventLeave, Ref: c.rt.nextRef()}
			if err := wsjson.Write(ctx, conn, f); err != nil {
				c.rt.logger.Debug("send leave", "topic", c.topic, "error", err)
			}
		}
	}
	c.fail(backend.StatusClosed, nil)
	return nil
}

func (c *remoteChannel) deliver(raw backend.RawChange) {
	c.mu.Lock()
	if c.done {
		c.mu.Unlock()
		return
	}
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
		if raw.Type != backend.OpDelete && !backend.MatchFilter(b.sub.Filter, rec) {
			continue
		}
		b.fn(raw)
	}
}

func (c *remoteChannel) deliverBroadcast(event string, payload json.RawMessage) {
	c.mu.Lock()
	fns := append([]backend.BroadcastFunc(nil), c.broadcasts[event]...)
	c.mu.Unlock()
	for _, fn := range fns {
		fn(event, payload)
	}
}
