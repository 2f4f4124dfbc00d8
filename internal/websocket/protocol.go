package websocket

import (
	"encoding/json"

	"github.com/dukerupert/finepair/internal/backend"
)

// Frame is the envelope for every message on the realtime socket.
type Frame struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Ref     string          `json:"ref,omitempty"`
}

const (
	EventJoin      = "join"
	EventLeave     = "leave"
	EventReply     = "reply"
	EventChange    = "change"
	EventBroadcast = "broadcast"
	EventPresence  = "presence"
	EventHeartbeat = "heartbeat"
	EventClose     = "close"
	EventError     = "error"

	// heartbeats are not tied to a channel
	heartbeatTopic = "$socket"
)

type JoinPayload struct {
	Changes []backend.Subscription `json:"changes"`
}

type ReplyPayload struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

type BroadcastPayload struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func newFrame(topic, event, ref string, payload any) (Frame, error) {
	f := Frame{Topic: topic, Event: event, Ref: ref}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Frame{}, err
		}
		f.Payload = data
	}
	return f, nil
}

func okReply(topic, ref string) Frame {
	f, _ := newFrame(topic, EventReply, ref, ReplyPayload{Status: "ok"})
	return f
}

func errorReply(topic, ref, reason string) Frame {
	f, _ := newFrame(topic, EventReply, ref, ReplyPayload{Status: "error", Reason: reason})
	return f
}
