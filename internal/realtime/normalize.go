// Package realtime keeps the client's state in step with the backend change
// feed: it normalizes raw change notifications, filters them down to the
// active couple, dispatches them into the state store, and reconnects the
// couple channel with bounded exponential backoff when it fails.
package realtime

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/dukerupert/finepair/internal/backend"
	"github.com/dukerupert/finepair/internal/model"
)

// Event is a normalized change. INSERT carries only New, DELETE only Old,
// UPDATE both; the absent side is nil.
type Event struct {
	Op    string
	Table string
	New   model.Record
	Old   model.Record
}

// Normalize converts a transport-level change into an Event. Field values are
// decoded as-is; only unknown operations, unknown tables and undecodable
// records are errors.
func Normalize(raw backend.RawChange) (Event, error) {
	switch raw.Type {
	case backend.OpInsert, backend.OpUpdate, backend.OpDelete:
	default:
		return Event{}, fmt.Errorf("unknown operation %q", raw.Type)
	}

	newRec, err := decodeRecord(raw.Table, raw.Record)
	if err != nil {
		return Event{}, fmt.Errorf("decode %s record: %w", raw.Table, err)
	}
	oldRec, err := decodeRecord(raw.Table, raw.OldRecord)
	if err != nil {
		return Event{}, fmt.Errorf("decode %s old record: %w", raw.Table, err)
	}

	ev := Event{Op: raw.Type, Table: raw.Table}
	switch raw.Type {
	case backend.OpInsert:
		ev.New = newRec
	case backend.OpDelete:
		ev.Old = oldRec
	default:
		ev.New, ev.Old = newRec, oldRec
	}
	return ev, nil
}

func decodeRecord(table string, data json.RawMessage) (model.Record, error) {
	if !model.KnownTable(table) {
		return nil, fmt.Errorf("unknown table %q", table)
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) || bytes.Equal(data, []byte("{}")) {
		return nil, nil
	}

	switch table {
	case model.TableCouples:
		return decodeAs[model.Couple](data)
	case model.TableRules:
		return decodeAs[model.Rule](data)
	case model.TableViolations:
		return decodeAs[model.Violation](data)
	case model.TableRewards:
		return decodeAs[model.Reward](data)
	default:
		return decodeAs[model.Profile](data)
	}
}

func decodeAs[T model.Record](data json.RawMessage) (model.Record, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	if v.RecordID() == "" {
		return nil, fmt.Errorf("record without id")
	}
	return v, nil
}
