// Package backend describes the capabilities the client core consumes from
// the hosted backend: a table-oriented query service and a realtime change
// feed. Concrete implementations live in internal/backend/rest,
// internal/websocket and internal/broadcast.
package backend

import (
	"context"
	"encoding/json"
	"time"
)

// Row is one table row as a JSON object.
type Row map[string]any

// Filter restricts a Select to rows whose columns equal the given values.
type Filter map[string]string

// QueryService is the request/response side of the backend.
type QueryService interface {
	Select(ctx context.Context, table string, filter Filter) ([]Row, error)
	Insert(ctx context.Context, table string, row Row) (Row, error)
	Update(ctx context.Context, table, id string, patch Row) (Row, error)
	Delete(ctx context.Context, table, id string) error
}

// Change operations as reported by the change feed.
const (
	OpInsert = "INSERT"
	OpUpdate = "UPDATE"
	OpDelete = "DELETE"
	OpAll    = "*"
)

// RawChange is a change notification exactly as the transport delivers it.
type RawChange struct {
	Type            string          `json:"type"`
	Table           string          `json:"table"`
	Record          json.RawMessage `json:"record,omitempty"`
	OldRecord       json.RawMessage `json:"old_record,omitempty"`
	CommitTimestamp time.Time       `json:"commit_timestamp"`
}

// Subscription selects which changes a channel callback receives. Event is
// one of the Op constants; Filter uses the "column=eq.value" syntax and may
// be empty.
type Subscription struct {
	Event  string `json:"event"`
	Table  string `json:"table"`
	Filter string `json:"filter,omitempty"`
}

// Matches reports whether a change of the given table and operation is
// selected by s. Filter evaluation is left to the caller.
func (s Subscription) Matches(table, op string) bool {
	if s.Table != table {
		return false
	}
	return s.Event == OpAll || s.Event == "" || s.Event == op
}

// EqFilter builds a "column=eq.value" filter.
func EqFilter(column, value string) string {
	return column + "=eq." + value
}

// Status is a channel status transition.
type Status string

const (
	StatusSubscribed   Status = "SUBSCRIBED"
	StatusChannelError Status = "CHANNEL_ERROR"
	StatusTimedOut     Status = "TIMED_OUT"
	StatusClosed       Status = "CLOSED"
)

// Failed reports whether s is one of the failure statuses.
func (s Status) Failed() bool {
	return s == StatusChannelError || s == StatusTimedOut || s == StatusClosed
}

type ChangeFunc func(RawChange)

// StatusFunc receives channel status transitions. err is non-nil only for
// failures that carry a reason.
type StatusFunc func(status Status, err error)

type BroadcastFunc func(event string, payload json.RawMessage)

// Realtime hands out channels by topic.
type Realtime interface {
	Channel(topic string) Channel
}

// Channel is one logical realtime channel. Change callbacks must be
// registered with On before Subscribe. Status callbacks arrive
// asynchronously for the lifetime of the channel.
type Channel interface {
	Topic() string
	On(sub Subscription, fn ChangeFunc)
	OnBroadcast(event string, fn BroadcastFunc)
	Subscribe(ctx context.Context, fn StatusFunc) error
	Send(ctx context.Context, event string, payload any) error
	Track(ctx context.Context, presence map[string]any) error
	Unsubscribe() error
}
