package rest

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dukerupert/finepair/internal/apperr"
	"github.com/dukerupert/finepair/internal/backend"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(Config{
		BaseURL:     srv.URL,
		AccessToken: "tok",
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
	}, slog.Default())
}

func writeBody(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestSelectSendsFilterAndToken(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodGet, r.Method)
		require.Equal(t, "/rest/v1/rules", r.URL.Path)
		require.Equal(t, "c1", r.URL.Query().Get("couple_id"))
		require.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		writeBody(w, http.StatusOK, []map[string]any{{"id": "r1", "couple_id": "c1"}})
	})

	rows, err := c.Select(context.Background(), "rules", backend.Filter{"couple_id": "c1"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "r1", rows[0]["id"])
}

func TestInsertPostsRow(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		var in map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		in["id"] = "v1"
		writeBody(w, http.StatusCreated, in)
	})

	row, err := c.Insert(context.Background(), "violations", backend.Row{"amount": 300})
	require.NoError(t, err)
	require.Equal(t, "v1", row["id"])
	require.EqualValues(t, 300, row["amount"])
}

func TestUpdateAndDeleteAddressRowByID(t *testing.T) {
	var paths []string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.Method+" "+r.URL.Path)
		if r.Method == http.MethodDelete {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		writeBody(w, http.StatusOK, map[string]any{"id": "r1", "is_active": false})
	})

	_, err := c.Update(context.Background(), "rules", "r1", backend.Row{"is_active": false})
	require.NoError(t, err)
	require.NoError(t, c.Delete(context.Background(), "rules", "r1"))
	require.Equal(t, []string{"PATCH /rest/v1/rules/r1", "DELETE /rest/v1/rules/r1"}, paths)
}

func TestTransientFailureIsRetried(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			writeBody(w, http.StatusServiceUnavailable, map[string]string{"message": "try later"})
			return
		}
		writeBody(w, http.StatusOK, []map[string]any{})
	})

	_, err := c.Select(context.Background(), "rewards", nil)
	require.NoError(t, err)
	require.EqualValues(t, 3, calls.Load())
}

func TestRetriesGiveUp(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := c.Select(context.Background(), "rewards", nil)
	require.Error(t, err)
	require.True(t, apperr.Is(err, apperr.KindTransient))
	require.EqualValues(t, 3, calls.Load())
}

func TestPermissionErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeBody(w, http.StatusForbidden, map[string]string{
			"code":    apperr.CodeInsufficient,
			"message": "new row violates row-level security policy",
		})
	})

	_, err := c.Insert(context.Background(), "rules", backend.Row{"title": "x"})
	require.Error(t, err)
	require.True(t, apperr.Is(err, apperr.KindPermission))
	require.EqualValues(t, 1, calls.Load())
}

func TestStatusFallback(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	err := c.Delete(context.Background(), "rules", "missing")
	require.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestRPC(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/rest/v1/rpc/join_couple", r.URL.Path)
		writeBody(w, http.StatusOK, map[string]any{"id": "c1"})
	})

	var out map[string]any
	require.NoError(t, c.RPC(context.Background(), "join_couple", map[string]string{"join_code": "ABC123"}, &out))
	require.Equal(t, "c1", out["id"])
}
