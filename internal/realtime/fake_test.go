package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/dukerupert/finepair/internal/backend"
)

type fakeSub struct {
	sub backend.Subscription
	fn  backend.ChangeFunc
}

type fakeChannel struct {
	mu           sync.Mutex
	topic        string
	subs         []fakeSub
	status       backend.StatusFunc
	unsubscribed bool
	autoAck      bool
	subscribeErr error
	tracked      []map[string]any
}

func (c *fakeChannel) Topic() string { return c.topic }

func (c *fakeChannel) On(sub backend.Subscription, fn backend.ChangeFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs = append(c.subs, fakeSub{sub: sub, fn: fn})
}

func (c *fakeChannel) OnBroadcast(string, backend.BroadcastFunc) {}

func (c *fakeChannel) Subscribe(_ context.Context, fn backend.StatusFunc) error {
	c.mu.Lock()
	c.status = fn
	ack, err := c.autoAck, c.subscribeErr
	c.mu.Unlock()
	if err != nil {
		return err
	}
	if ack {
		fn(backend.StatusSubscribed, nil)
	}
	return nil
}

func (c *fakeChannel) Send(context.Context, string, any) error { return nil }

func (c *fakeChannel) Track(_ context.Context, p map[string]any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tracked = append(c.tracked, p)
	return nil
}

func (c *fakeChannel) Unsubscribe() error {
	c.mu.Lock()
	c.unsubscribed = true
	c.mu.Unlock()
	return nil
}

func (c *fakeChannel) setStatus(s backend.Status) {
	c.mu.Lock()
	fn := c.status
	c.mu.Unlock()
	if fn != nil {
		fn(s, nil)
	}
}

// emit delivers a change the way the backend would: only to subscriptions
// whose table, event and filter select it.
func (c *fakeChannel) emit(op, table string, record, old any) {
	raw := backend.RawChange{Type: op, Table: table, CommitTimestamp: time.Now()}
	if record != nil {
		raw.Record, _ = json.Marshal(record)
	}
	if old != nil {
		raw.OldRecord, _ = json.Marshal(old)
	}

	c.mu.Lock()
	subs := append([]fakeSub(nil), c.subs...)
	c.mu.Unlock()

	for _, s := range subs {
		if !s.sub.Matches(table, op) {
			continue
		}
		rec := raw.Record
		if op == backend.OpDelete {
			rec = raw.OldRecord
		}
		if s.sub.Filter != "" && !backend.MatchFilter(s.sub.Filter, rec) {
			continue
		}
		s.fn(raw)
	}
}

func (c *fakeChannel) isUnsubscribed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unsubscribed
}

type fakeRealtime struct {
	mu       sync.Mutex
	channels []*fakeChannel
	autoAck  bool
	failNext int
}

func (r *fakeRealtime) Channel(topic string) backend.Channel {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch := &fakeChannel{topic: topic, autoAck: r.autoAck}
	if r.failNext > 0 {
		r.failNext--
		ch.subscribeErr = errors.New("dial failed")
	}
	r.channels = append(r.channels, ch)
	return ch
}

func (r *fakeRealtime) last() *fakeChannel {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.channels[len(r.channels)-1]
}

func (r *fakeRealtime) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.channels)
}

type fakeTimer struct {
	delay   time.Duration
	fn      func()
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	t.stopped = true
	return true
}

type fakeClock struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{delay: d, fn: f}
	c.timers = append(c.timers, t)
	return t
}

func (c *fakeClock) delays() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]time.Duration, 0, len(c.timers))
	for _, t := range c.timers {
		out = append(out, t.delay)
	}
	return out
}

// fireLast runs the most recently scheduled timer.
func (c *fakeClock) fireLast() {
	c.mu.Lock()
	t := c.timers[len(c.timers)-1]
	c.mu.Unlock()
	t.fn()
}

type fakeLookup struct {
	owners map[string]string
	calls  int
}

func (l *fakeLookup) RuleCoupleID(_ context.Context, ruleID string) (string, error) {
	l.calls++
	if id, ok := l.owners[ruleID]; ok {
		return id, nil
	}
	return "", ErrRuleNotFound
}
