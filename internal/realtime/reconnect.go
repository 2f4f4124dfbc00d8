package realtime

import (
	"log/slog"
	"sync"
	"time"
)

// State is the reconnection controller state.
type State string

const (
	StateIdle         State = "idle"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateExhausted    State = "exhausted"
)

const (
	MaxAttempts = 5
	BaseDelay   = time.Second
	MaxDelay    = 30 * time.Second
)

// Backoff returns the delay before reconnection attempt n (1-indexed):
// 1s, 2s, 4s, 8s, 16s, capped at 30s.
func Backoff(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := BaseDelay
	for i := 1; i < n; i++ {
		d *= 2
		if d >= MaxDelay {
			return MaxDelay
		}
	}
	return d
}

// Timer is the part of *time.Timer the controller needs.
type Timer interface {
	Stop() bool
}

// AfterFunc schedules f after d. time.AfterFunc in production.
type AfterFunc func(d time.Duration, f func()) Timer

func realAfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// StateCallback is called after every state transition with the attempt
// counter at that point.
type StateCallback func(s State, attempt int)

// Controller sequences teardown, backoff and retry for one logical channel.
// It never subscribes itself: teardown and reopen are supplied by the owner.
type Controller struct {
	mu        sync.Mutex
	state     State
	attempts  int
	timer     Timer
	gen       int
	afterFunc AfterFunc

	teardown func()
	reopen   func()
	callback StateCallback
	logger   *slog.Logger
}

func NewController(teardown, reopen func(), cb StateCallback, logger *slog.Logger) *Controller {
	return &Controller{
		state:     StateIdle,
		afterFunc: realAfterFunc,
		teardown:  teardown,
		reopen:    reopen,
		callback:  cb,
		logger:    logger,
	}
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// Pending reports whether a reconnection timer is scheduled.
func (c *Controller) Pending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timer != nil
}

// Connected records a successful subscription and resets the attempt counter.
func (c *Controller) Connected() {
	c.mu.Lock()
	if c.state == StateExhausted {
		c.mu.Unlock()
		return
	}
	c.state = StateConnected
	c.attempts = 0
	c.mu.Unlock()

	c.notify(StateConnected, 0)
}

// Failed records a channel failure. It tears the channel down and schedules
// the next attempt, unless a timer is already pending or attempts are used up.
func (c *Controller) Failed(reason string) {
	c.mu.Lock()
	if c.state == StateExhausted || c.timer != nil {
		c.mu.Unlock()
		return
	}

	c.attempts++
	attempt := c.attempts
	if attempt > MaxAttempts {
		c.state = StateExhausted
		c.mu.Unlock()

		c.logger.Warn("realtime reconnect attempts exhausted", "attempts", MaxAttempts, "reason", reason)
		c.teardown()
		c.notify(StateExhausted, attempt)
		return
	}

	c.state = StateReconnecting
	gen := c.gen
	delay := Backoff(attempt)
	c.timer = c.afterFunc(delay, func() { c.fire(gen) })
	c.mu.Unlock()

	c.logger.Info("realtime channel failed, reconnecting", "reason", reason, "attempt", attempt, "max_attempts", MaxAttempts, "delay", delay)
	c.teardown()
	c.notify(StateReconnecting, attempt)
}

func (c *Controller) fire(gen int) {
	c.mu.Lock()
	if gen != c.gen || c.timer == nil {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	c.mu.Unlock()

	c.reopen()
}

// Stop cancels any pending timer and returns the controller to Idle with a
// fresh attempt counter. A timer that already fired is ignored.
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.gen++
	c.state = StateIdle
	c.attempts = 0
	c.mu.Unlock()
}

func (c *Controller) notify(s State, attempt int) {
	if c.callback != nil {
		c.callback(s, attempt)
	}
}
