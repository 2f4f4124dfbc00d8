package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	ws "github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/dukerupert/finepair/internal/backend"
)

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func queryAuth(r *http.Request) (string, error) {
	token := r.URL.Query().Get("access_token")
	if token == "" {
		return "", errors.New("missing token")
	}
	return token, nil
}

func newHubServer(t *testing.T, policy Policy) (*Hub, *httptest.Server) {
	t.Helper()
	hub := NewHub(policy, slog.Default())
	srv := httptest.NewServer(HandleWebSocket(hub, queryAuth))
	t.Cleanup(srv.Close)
	return hub, srv
}

func newClient(t *testing.T, url, token string, joinTimeout time.Duration) *Realtime {
	t.Helper()
	rt := NewRealtime(DialConfig{URL: url, AccessToken: token, JoinTimeout: joinTimeout}, slog.Default())
	t.Cleanup(func() { rt.Close() })
	return rt
}

type statusLog chan backend.Status

func (s statusLog) record(st backend.Status, _ error) { s <- st }

func (s statusLog) wait(t *testing.T, want backend.Status) {
	t.Helper()
	select {
	case got := <-s:
		if got != want {
			t.Fatalf("status = %s, want %s", got, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", want)
	}
}

func TestRealtimeSubscribeAndReceive(t *testing.T) {
	hub, srv := newHubServer(t, nil)
	rt := newClient(t, wsURL(srv), "u1", 0)

	changes := make(chan backend.RawChange, 4)
	ch := rt.Channel("couple:c1")
	ch.On(backend.Subscription{Event: backend.OpAll, Table: "rules", Filter: "couple_id=eq.c1"},
		func(raw backend.RawChange) { changes <- raw })

	statuses := make(statusLog, 8)
	if err := ch.Subscribe(context.Background(), statuses.record); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	statuses.wait(t, backend.StatusSubscribed)

	hub.Publish(context.Background(), rulesChange("c2"))
	hub.Publish(context.Background(), rulesChange("c1"))

	select {
	case raw := <-changes:
		if !backend.MatchFilter("couple_id=eq.c1", raw.Record) {
			t.Errorf("received change for another couple: %s", raw.Record)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no change delivered")
	}
}

func TestRealtimeBroadcastBetweenClients(t *testing.T) {
	_, srv := newHubServer(t, nil)

	a := newClient(t, wsURL(srv), "u1", 0)
	b := newClient(t, wsURL(srv), "u2", 0)

	got := make(chan string, 1)
	chB := b.Channel("couple:c1")
	chB.OnBroadcast("nudge", func(event string, _ json.RawMessage) { got <- event })
	sb := make(statusLog, 4)
	if err := chB.Subscribe(context.Background(), sb.record); err != nil {
		t.Fatalf("Subscribe b: %v", err)
	}
	sb.wait(t, backend.StatusSubscribed)

	chA := a.Channel("couple:c1")
	sa := make(statusLog, 4)
	if err := chA.Subscribe(context.Background(), sa.record); err != nil {
		t.Fatalf("Subscribe a: %v", err)
	}
	sa.wait(t, backend.StatusSubscribed)

	if err := chA.Send(context.Background(), "nudge", map[string]any{"from": "u1"}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case event := <-got:
		if event != "nudge" {
			t.Errorf("event = %q", event)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast not relayed")
	}
}

func TestRealtimeJoinRejected(t *testing.T) {
	_, srv := newHubServer(t, denyPolicy{user: "intruder"})
	rt := newClient(t, wsURL(srv), "intruder", 0)

	statuses := make(statusLog, 4)
	if err := rt.Channel("couple:c1").Subscribe(context.Background(), statuses.record); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	statuses.wait(t, backend.StatusChannelError)
}

func TestRealtimeJoinTimeout(t *testing.T) {
	// a server that never answers joins
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := ws.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		for {
			if _, _, err := conn.Read(r.Context()); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)

	rt := newClient(t, wsURL(srv), "u1", 50*time.Millisecond)
	statuses := make(statusLog, 4)
	if err := rt.Channel("couple:c1").Subscribe(context.Background(), statuses.record); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	statuses.wait(t, backend.StatusTimedOut)
}

func TestRealtimeConnectionLost(t *testing.T) {
	// a server that acknowledges the join and then hangs up
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := ws.Accept(w, r, nil)
		if err != nil {
			return
		}
		var f Frame
		if err := wsjson.Read(r.Context(), conn, &f); err != nil {
			return
		}
		_ = wsjson.Write(r.Context(), conn, okReply(f.Topic, f.Ref))
		conn.Close(ws.StatusGoingAway, "bye")
	}))
	t.Cleanup(srv.Close)

	rt := newClient(t, wsURL(srv), "u1", 0)
	statuses := make(statusLog, 4)
	if err := rt.Channel("couple:c1").Subscribe(context.Background(), statuses.record); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	statuses.wait(t, backend.StatusSubscribed)
	statuses.wait(t, backend.StatusChannelError)
}

func TestRealtimeUnsubscribeReportsClosedOnce(t *testing.T) {
	_, srv := newHubServer(t, nil)
	rt := newClient(t, wsURL(srv), "u1", 0)

	ch := rt.Channel("couple:c1")
	statuses := make(statusLog, 4)
	if err := ch.Subscribe(context.Background(), statuses.record); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	statuses.wait(t, backend.StatusSubscribed)

	if err := ch.Unsubscribe(); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}
	statuses.wait(t, backend.StatusClosed)

	if err := ch.Unsubscribe(); err != nil {
		t.Fatalf("second Unsubscribe: %v", err)
	}
	select {
	case st := <-statuses:
		t.Fatalf("unexpected status %s", st)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRealtimeDialUnauthorized(t *testing.T) {
	_, srv := newHubServer(t, nil)
	rt := newClient(t, wsURL(srv), "", 0)

	if err := rt.Channel("couple:c1").Subscribe(context.Background(), nil); err == nil {
		t.Fatal("expected dial error without a token")
	}
}

// silentListener accepts TCP connections and never answers the handshake.
func silentListener(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	var (
		mu    sync.Mutex
		conns []net.Conn
	)
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, c)
			mu.Unlock()
		}
	}()
	t.Cleanup(func() {
		ln.Close()
		mu.Lock()
		for _, c := range conns {
			c.Close()
		}
		mu.Unlock()
	})
	return "ws://" + ln.Addr().String()
}

func TestRealtimeDialTimeout(t *testing.T) {
	rt := newClient(t, silentListener(t), "u1", 100*time.Millisecond)

	statuses := make(statusLog, 4)
	done := make(chan error, 1)
	go func() {
		done <- rt.Channel("couple:c1").Subscribe(context.Background(), statuses.record)
	}()

	statuses.wait(t, backend.StatusTimedOut)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Subscribe: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Subscribe still blocked after the join timeout")
	}
}

func TestRealtimeUnsubscribeWhileDialing(t *testing.T) {
	rt := newClient(t, silentListener(t), "u1", 5*time.Second)

	ch := rt.Channel("couple:c1")
	other := rt.Channel("couple:c2")
	statuses := make(statusLog, 4)
	otherStatuses := make(statusLog, 4)
	subscribed := make(chan error, 2)
	go func() { subscribed <- ch.Subscribe(context.Background(), statuses.record) }()
	go func() { subscribed <- other.Subscribe(context.Background(), otherStatuses.record) }()
	time.Sleep(50 * time.Millisecond)

	unsubscribed := make(chan struct{})
	go func() {
		ch.Unsubscribe()
		close(unsubscribed)
	}()
	select {
	case <-unsubscribed:
	case <-time.After(time.Second):
		t.Fatal("Unsubscribe blocked behind the dial")
	}
	statuses.wait(t, backend.StatusClosed)

	closed := make(chan struct{})
	go func() {
		rt.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("Close blocked behind the dial")
	}
	otherStatuses.wait(t, backend.StatusClosed)

	for i := 0; i < 2; i++ {
		select {
		case err := <-subscribed:
			if err != nil && !errors.Is(err, ErrClosed) {
				t.Errorf("Subscribe: %v", err)
			}
		case <-time.After(time.Second):
			t.Fatal("Subscribe did not return after Close")
		}
	}

	select {
	case st := <-statuses:
		t.Fatalf("unexpected second status %s", st)
	default:
	}
}
