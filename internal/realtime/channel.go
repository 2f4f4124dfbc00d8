package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dukerupert/finepair/internal/backend"
	"github.com/dukerupert/finepair/internal/model"
	"github.com/dukerupert/finepair/internal/state"
)

// ConnectionStatus is the observable connection state of the couple channel.
type ConnectionStatus struct {
	IsConnected        bool   `json:"is_connected"`
	LastError          string `json:"last_error,omitempty"`
	SubscriptionStatus string `json:"subscription_status,omitempty"`
}

// StatusListener observes ConnectionStatus changes.
type StatusListener func(ConnectionStatus)

// PartnerRefreshFunc is invoked when a profile change may concern the partner.
type PartnerRefreshFunc func(profileID string)

// Manager owns the couple channel. At most one Handle is open at a time;
// opening a new one closes the previous.
type Manager struct {
	rt     backend.Realtime
	store  *state.Store
	filter *Filter
	logger *slog.Logger

	mu             sync.Mutex
	current        *Handle
	status         ConnectionStatus
	listeners      map[int]StatusListener
	nextListener   int
	partnerRefresh PartnerRefreshFunc
	afterFunc      AfterFunc
}

func NewManager(rt backend.Realtime, store *state.Store, lookup RuleLookup, logger *slog.Logger) *Manager {
	return &Manager{
		rt:        rt,
		store:     store,
		filter:    NewFilter(lookup, logger),
		logger:    logger,
		listeners: make(map[int]StatusListener),
		afterFunc: realAfterFunc,
	}
}

// OnPartnerRefresh sets the callback for profile updates.
func (m *Manager) OnPartnerRefresh(fn PartnerRefreshFunc) {
	m.mu.Lock()
	m.partnerRefresh = fn
	m.mu.Unlock()
}

// Status returns the current connection status.
func (m *Manager) Status() ConnectionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// OnStatus registers l and returns a function that removes it.
func (m *Manager) OnStatus(l StatusListener) func() {
	m.mu.Lock()
	id := m.nextListener
	m.nextListener++
	m.listeners[id] = l
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

func (m *Manager) setStatus(s ConnectionStatus) {
	m.mu.Lock()
	m.status = s
	listeners := make([]StatusListener, 0, len(m.listeners))
	for _, l := range m.listeners {
		listeners = append(listeners, l)
	}
	m.mu.Unlock()

	for _, l := range listeners {
		l(s)
	}
}

// Current returns the open handle, if any.
func (m *Manager) Current() *Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Open subscribes to all watched tables of coupleID on behalf of userID.
// Subscription failures are not returned; they surface as status changes
// and drive reconnection.
func (m *Manager) Open(ctx context.Context, coupleID, userID string) (*Handle, error) {
	if coupleID == "" {
		return nil, errors.New("open channel: couple id is required")
	}

	if prev := m.Current(); prev != nil {
		m.Close(prev)
	}

	hctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	h := &Handle{
		m:      m,
		scope:  Scope{CoupleID: coupleID, UserID: userID},
		topic:  "couple:" + coupleID,
		ctx:    hctx,
		cancel: cancel,
	}
	h.ctrl = NewController(h.teardown, h.reopen, h.onControllerState, m.logger.With("topic", h.topic))
	h.ctrl.afterFunc = m.afterFunc

	m.mu.Lock()
	m.current = h
	m.mu.Unlock()

	m.logger.Info("opening couple channel", "couple_id", coupleID, "user_id", userID)
	h.connect(ctx)
	return h, nil
}

// Close unsubscribes h, cancels any pending reconnection and marks the
// connection as disconnected. Safe to call more than once.
func (m *Manager) Close(h *Handle) {
	if h == nil || !h.close() {
		return
	}

	m.mu.Lock()
	wasCurrent := m.current == h
	if wasCurrent {
		m.current = nil
	}
	m.mu.Unlock()

	if wasCurrent {
		m.setStatus(ConnectionStatus{})
	}
	m.logger.Info("closed couple channel", "couple_id", h.scope.CoupleID)
}

// apply runs one raw change through normalize, filter and dispatch. It never
// panics out to the transport.
func (m *Manager) apply(ctx context.Context, scope Scope, raw backend.RawChange) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("panic applying change", "table", raw.Table, "type", raw.Type, "panic", r)
		}
	}()

	ev, err := Normalize(raw)
	if err != nil {
		m.logger.Warn("discarding malformed change", "table", raw.Table, "type", raw.Type, "error", err)
		return
	}

	switch d := m.filter.Decide(ctx, ev, scope, m.store.Snapshot()); d {
	case Apply:
		action, ok := ActionFor(ev)
		if !ok {
			m.logger.Warn("no action for change", "table", ev.Table, "type", ev.Op)
			return
		}
		m.store.Dispatch(action)
	case RefreshPartner:
		m.mu.Lock()
		fn := m.partnerRefresh
		m.mu.Unlock()
		if fn != nil && ev.New != nil {
			fn(ev.New.RecordID())
		}
	default:
		m.logger.Debug("change filtered out", "table", ev.Table, "type", ev.Op)
	}
}

// ActionFor maps an accepted event onto the reducer action it implies.
func ActionFor(ev Event) (state.Action, bool) {
	switch ev.Table {
	case model.TableRules:
		switch ev.Op {
		case backend.OpInsert:
			r, ok := ev.New.(model.Rule)
			return state.AddRule{Rule: r}, ok
		case backend.OpUpdate:
			r, ok := ev.New.(model.Rule)
			return state.UpdateRule{Rule: r}, ok
		case backend.OpDelete:
			if ev.Old == nil {
				return nil, false
			}
			return state.DeleteRule{ID: ev.Old.RecordID()}, true
		}
	case model.TableViolations:
		switch ev.Op {
		case backend.OpInsert:
			v, ok := ev.New.(model.Violation)
			return state.AddViolation{Violation: v}, ok
		case backend.OpUpdate:
			v, ok := ev.New.(model.Violation)
			return state.UpdateViolation{Violation: v}, ok
		case backend.OpDelete:
			if ev.Old == nil {
				return nil, false
			}
			return state.DeleteViolation{ID: ev.Old.RecordID()}, true
		}
	case model.TableRewards:
		switch ev.Op {
		case backend.OpInsert:
			r, ok := ev.New.(model.Reward)
			return state.AddReward{Reward: r}, ok
		case backend.OpUpdate:
			r, ok := ev.New.(model.Reward)
			return state.UpdateReward{Reward: r}, ok
		case backend.OpDelete:
			if ev.Old == nil {
				return nil, false
			}
			return state.DeleteReward{ID: ev.Old.RecordID()}, true
		}
	case model.TableCouples:
		if c, ok := ev.New.(model.Couple); ok && ev.Op == backend.OpUpdate {
			return state.SetCouple{Couple: &c}, true
		}
	}
	return nil, false
}

// Handle is one logical couple channel. It survives reconnections: each
// physical channel gets a new generation, and callbacks from older
// generations are ignored.
type Handle struct {
	m      *Manager
	scope  Scope
	topic  string
	ctrl   *Controller
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	ch     backend.Channel
	gen    int
	closed bool
}

func (h *Handle) Scope() Scope { return h.scope }

// ReconnectState exposes the reconnection controller state.
func (h *Handle) ReconnectState() State { return h.ctrl.State() }

func (h *Handle) subscriptions() []backend.Subscription {
	id := h.scope.CoupleID
	return []backend.Subscription{
		{Event: backend.OpAll, Table: model.TableRules, Filter: backend.EqFilter("couple_id", id)},
		// violations cannot be filtered by couple at the subscription level;
		// ownership is resolved per event
		{Event: backend.OpAll, Table: model.TableViolations},
		{Event: backend.OpAll, Table: model.TableRewards, Filter: backend.EqFilter("couple_id", id)},
		{Event: backend.OpAll, Table: model.TableCouples, Filter: backend.EqFilter("id", id)},
		{Event: backend.OpUpdate, Table: model.TableProfiles},
	}
}

// connect builds a fresh physical channel and subscribes it.
func (h *Handle) connect(ctx context.Context) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.gen++
	gen := h.gen
	ch := h.m.rt.Channel(h.topic)
	h.ch = ch
	h.mu.Unlock()

	for _, sub := range h.subscriptions() {
		ch.On(sub, h.onChange(gen))
	}

	if err := ch.Subscribe(ctx, h.onStatus(gen)); err != nil {
		h.onStatus(gen)(backend.StatusChannelError, fmt.Errorf("subscribe: %w", err))
	}
}

func (h *Handle) current(gen int) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.closed && gen == h.gen
}

func (h *Handle) onChange(gen int) backend.ChangeFunc {
	return func(raw backend.RawChange) {
		if !h.current(gen) {
			return
		}
		h.m.apply(h.ctx, h.scope, raw)
	}
}

func (h *Handle) onStatus(gen int) backend.StatusFunc {
	return func(s backend.Status, err error) {
		if !h.current(gen) {
			return
		}

		switch {
		case s == backend.StatusSubscribed:
			h.m.logger.Info("couple channel subscribed", "topic", h.topic)
			h.ctrl.Connected()
			h.m.setStatus(ConnectionStatus{IsConnected: true, SubscriptionStatus: string(s)})
			h.m.store.Dispatch(state.SetOnlineStatus{Online: true})
			h.track()
		case s.Failed():
			reason := string(s)
			if err != nil {
				reason = err.Error()
			}
			h.m.setStatus(ConnectionStatus{LastError: reason, SubscriptionStatus: string(s)})
			h.m.store.Dispatch(state.SetOnlineStatus{Online: false})
			h.ctrl.Failed(reason)
		}
	}
}

func (h *Handle) track() {
	h.mu.Lock()
	ch := h.ch
	h.mu.Unlock()
	if ch == nil || h.scope.UserID == "" {
		return
	}
	presence := map[string]any{
		"user_id":   h.scope.UserID,
		"online_at": time.Now().UTC().Format(time.RFC3339),
	}
	if err := ch.Track(h.ctx, presence); err != nil {
		h.m.logger.Debug("track presence", "topic", h.topic, "error", err)
	}
}

// teardown unsubscribes the current physical channel. Invoked by the
// controller before the backoff delay starts.
func (h *Handle) teardown() {
	h.mu.Lock()
	ch := h.ch
	h.ch = nil
	h.gen++
	h.mu.Unlock()

	if ch != nil {
		if err := ch.Unsubscribe(); err != nil {
			h.m.logger.Debug("unsubscribe failed channel", "topic", h.topic, "error", err)
		}
	}
}

func (h *Handle) reopen() {
	h.m.logger.Info("reopening couple channel", "topic", h.topic, "attempt", h.ctrl.Attempts())
	h.connect(h.ctx)
}

func (h *Handle) onControllerState(s State, attempt int) {
	if s != StateExhausted {
		return
	}
	h.m.setStatus(ConnectionStatus{
		LastError:          fmt.Sprintf("reconnect failed after %d attempts", MaxAttempts),
		SubscriptionStatus: string(backend.StatusClosed),
	})
}

// close marks h closed and releases its channel. It reports false if h was
// already closed.
func (h *Handle) close() bool {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return false
	}
	h.closed = true
	ch := h.ch
	h.ch = nil
	h.gen++
	h.mu.Unlock()

	h.ctrl.Stop()
	h.cancel()
	if ch != nil {
		if err := ch.Unsubscribe(); err != nil {
			h.m.logger.Debug("unsubscribe on close", "topic", h.topic, "error", err)
		}
	}
	return true
}
