package realtime

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackoffSchedule(t *testing.T) {
	want := []time.Duration{
		1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second,
		30 * time.Second, 30 * time.Second,
	}
	for i, w := range want {
		assert.Equal(t, w, Backoff(i+1), "attempt %d", i+1)
	}
	assert.Equal(t, time.Second, Backoff(0))
}

type controllerHarness struct {
	ctrl      *Controller
	clock     *fakeClock
	teardowns int
	reopens   int
	states    []State
}

func newHarness() *controllerHarness {
	h := &controllerHarness{clock: &fakeClock{}}
	h.ctrl = NewController(
		func() { h.teardowns++ },
		func() { h.reopens++ },
		func(s State, _ int) { h.states = append(h.states, s) },
		slog.Default(),
	)
	h.ctrl.afterFunc = h.clock.AfterFunc
	return h
}

func TestControllerBackoffUntilExhausted(t *testing.T) {
	h := newHarness()
	assert.Equal(t, StateIdle, h.ctrl.State())

	h.ctrl.Connected()
	assert.Equal(t, StateConnected, h.ctrl.State())

	for i := 1; i <= MaxAttempts; i++ {
		h.ctrl.Failed("CHANNEL_ERROR")
		require.Equal(t, StateReconnecting, h.ctrl.State())
		require.Equal(t, i, h.ctrl.Attempts())
		h.clock.fireLast()
	}
	assert.Equal(t, MaxAttempts, h.reopens)

	h.ctrl.Failed("CHANNEL_ERROR")
	assert.Equal(t, StateExhausted, h.ctrl.State())

	assert.Equal(t, []time.Duration{
		1000 * time.Millisecond, 2000 * time.Millisecond, 4000 * time.Millisecond,
		8000 * time.Millisecond, 16000 * time.Millisecond,
	}, h.clock.delays(), "attempt 6 must never be scheduled")
	assert.Equal(t, MaxAttempts+1, h.teardowns)

	// terminal: further failures are ignored
	h.ctrl.Failed("TIMED_OUT")
	assert.Len(t, h.clock.delays(), MaxAttempts)
	assert.Equal(t, StateExhausted, h.states[len(h.states)-1])
}

func TestControllerSinglePendingTimer(t *testing.T) {
	h := newHarness()
	h.ctrl.Connected()

	h.ctrl.Failed("CHANNEL_ERROR")
	h.ctrl.Failed("CLOSED")
	h.ctrl.Failed("TIMED_OUT")

	assert.Len(t, h.clock.delays(), 1)
	assert.Equal(t, 1, h.ctrl.Attempts())
	assert.Equal(t, 1, h.teardowns)
	assert.True(t, h.ctrl.Pending())
}

func TestControllerConnectedResetsAttempts(t *testing.T) {
	h := newHarness()
	h.ctrl.Failed("CHANNEL_ERROR")
	h.clock.fireLast()
	h.ctrl.Failed("CHANNEL_ERROR")
	h.clock.fireLast()
	require.Equal(t, 2, h.ctrl.Attempts())

	h.ctrl.Connected()
	assert.Equal(t, StateConnected, h.ctrl.State())
	assert.Zero(t, h.ctrl.Attempts())

	h.ctrl.Failed("CHANNEL_ERROR")
	delays := h.clock.delays()
	assert.Equal(t, time.Second, delays[len(delays)-1])
}

func TestControllerStopCancelsTimer(t *testing.T) {
	h := newHarness()
	h.ctrl.Failed("CHANNEL_ERROR")
	require.True(t, h.ctrl.Pending())

	h.ctrl.Stop()
	assert.False(t, h.ctrl.Pending())
	assert.True(t, h.clock.timers[0].stopped)
	assert.Equal(t, StateIdle, h.ctrl.State())

	// a timer that slipped through after Stop must not reopen
	h.clock.fireLast()
	assert.Zero(t, h.reopens)
}

func TestControllerRealTimer(t *testing.T) {
	reopened := make(chan struct{}, 1)
	ctrl := NewController(func() {}, func() { reopened <- struct{}{} }, nil, slog.Default())
	ctrl.afterFunc = func(_ time.Duration, f func()) Timer {
		return time.AfterFunc(time.Millisecond, f)
	}

	ctrl.Failed("CHANNEL_ERROR")
	select {
	case <-reopened:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for reopen")
	}
	assert.False(t, ctrl.Pending())
}
