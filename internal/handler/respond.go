package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/dukerupert/finepair/internal/apperr"
	"github.com/dukerupert/finepair/internal/backend"
	"github.com/dukerupert/finepair/internal/model"
)

// Publisher receives every committed change.
type Publisher interface {
	Publish(ctx context.Context, change backend.RawChange)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError answers with the {code, message} body the REST client decodes.
func writeError(w http.ResponseWriter, err error) {
	ae := apperr.Wrap(err)
	writeJSON(w, apperr.Status(ae.Kind), map[string]string{
		"code":    ae.Code,
		"message": ae.Message,
	})
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, map[string]string{"message": msg})
}

func internalError(w http.ResponseWriter, logger *slog.Logger, msg string, err error) {
	logger.Error(msg, "error", err)
	writeJSON(w, http.StatusInternalServerError, map[string]string{"message": msg})
}

func forbidden(table string) error {
	return apperr.New(apperr.CodeInsufficient, "new row violates row-level security policy for table \""+table+"\"")
}

func notFound(table string) error {
	return apperr.New(apperr.CodeNoRows, "no "+strings.TrimSuffix(table, "s")+" with that id")
}

func conflict(err error) error {
	return &apperr.Error{Kind: apperr.KindConflict, Message: err.Error(), Err: err}
}

// UnknownTable answers requests for tables the backend does not expose,
// and unsupported methods on the ones it does.
func UnknownTable(w http.ResponseWriter, r *http.Request) {
	if model.KnownTable(r.PathValue("table")) {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"message": r.Method + " not supported"})
		return
	}
	writeError(w, apperr.New(apperr.CodeUndefinedTable, "relation \"public."+r.PathValue("table")+"\" does not exist"))
}

// filterValue reads an equality filter, accepting both "value" and
// "eq.value".
func filterValue(r *http.Request, column string) string {
	return strings.TrimPrefix(r.URL.Query().Get(column), "eq.")
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var syntax *json.SyntaxError
		if errors.As(err, &syntax) {
			return errors.New("invalid JSON")
		}
		if strings.HasPrefix(err.Error(), "json: unknown field") {
			name := strings.Trim(strings.TrimPrefix(err.Error(), "json: unknown field "), `"`)
			return apperr.New(apperr.CodeUndefinedColumn, "column \""+name+"\" does not exist")
		}
		return err
	}
	return nil
}

func rejectBody(w http.ResponseWriter, err error) {
	var ae *apperr.Error
	if errors.As(err, &ae) {
		writeError(w, ae)
		return
	}
	badRequest(w, err.Error())
}

// changeOf builds the change notification for a committed write.
func changeOf(op, table string, record, old any) backend.RawChange {
	c := backend.RawChange{Type: op, Table: table, CommitTimestamp: time.Now().UTC()}
	if record != nil {
		c.Record, _ = json.Marshal(record)
	}
	if old != nil {
		c.OldRecord, _ = json.Marshal(old)
	}
	return c
}

type publisher struct {
	pub Publisher
}

func (p publisher) publish(ctx context.Context, op, table string, record, old any) {
	if p.pub == nil {
		return
	}
	// the request context ends with the response
	p.pub.Publish(context.WithoutCancel(ctx), changeOf(op, table, record, old))
}
