// Package rest implements backend.QueryService over the hosted backend's
// table API.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/dukerupert/finepair/internal/apperr"
	"github.com/dukerupert/finepair/internal/backend"
)

const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = 200 * time.Millisecond
	maxRetryDelay      = 5 * time.Second
	requestTimeout     = 15 * time.Second
)

type Config struct {
	BaseURL     string
	AccessToken string
	MaxAttempts int
	BaseDelay   time.Duration
	HTTPClient  *http.Client
}

// Client talks to /rest/v1/{table}. Transient failures are retried with
// exponential backoff; every other failure is returned as an *apperr.Error
// on the first attempt.
type Client struct {
	base       string
	token      string
	maxRetries uint64
	baseDelay  time.Duration
	http       *http.Client
	logger     *slog.Logger
}

var _ backend.QueryService = (*Client)(nil)

func New(cfg Config, logger *slog.Logger) *Client {
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: requestTimeout}
	}
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = DefaultMaxAttempts
	}
	delay := cfg.BaseDelay
	if delay <= 0 {
		delay = DefaultBaseDelay
	}
	return &Client{
		base:       strings.TrimRight(cfg.BaseURL, "/") + "/rest/v1",
		token:      cfg.AccessToken,
		maxRetries: uint64(attempts - 1),
		baseDelay:  delay,
		http:       hc,
		logger:     logger.With("component", "rest"),
	}
}

func (c *Client) Select(ctx context.Context, table string, filter backend.Filter) ([]backend.Row, error) {
	q := url.Values{}
	for col, val := range filter {
		q.Set(col, val)
	}
	var rows []backend.Row
	if err := c.do(ctx, http.MethodGet, c.tableURL(table, "", q), nil, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

func (c *Client) Insert(ctx context.Context, table string, row backend.Row) (backend.Row, error) {
	var out backend.Row
	if err := c.do(ctx, http.MethodPost, c.tableURL(table, "", nil), row, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Update(ctx context.Context, table, id string, patch backend.Row) (backend.Row, error) {
	var out backend.Row
	if err := c.do(ctx, http.MethodPatch, c.tableURL(table, id, nil), patch, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Delete(ctx context.Context, table, id string) error {
	return c.do(ctx, http.MethodDelete, c.tableURL(table, id, nil), nil, nil)
}

// RPC calls a named backend procedure.
func (c *Client) RPC(ctx context.Context, name string, args, out any) error {
	return c.do(ctx, http.MethodPost, c.base+"/rpc/"+url.PathEscape(name), args, out)
}

func (c *Client) tableURL(table, id string, q url.Values) string {
	u := c.base + "/" + url.PathEscape(table)
	if id != "" {
		u += "/" + url.PathEscape(id)
	}
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return u
}

func (c *Client) do(ctx context.Context, method, target string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
	}

	b := retry.WithCappedDuration(maxRetryDelay, retry.NewExponential(c.baseDelay))
	b = retry.WithMaxRetries(c.maxRetries, b)

	attempt := 0
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		attempt++
		err := c.once(ctx, method, target, payload, out)
		if err == nil {
			return nil
		}
		ae := apperr.Wrap(err)
		if ae.Retryable() {
			c.logger.Debug("retrying request", "method", method, "url", target, "attempt", attempt, "error", err)
			return retry.RetryableError(ae)
		}
		return ae
	})
	if err != nil {
		return apperr.Wrap(err)
	}
	return nil
}

func (c *Client) once(ctx context.Context, method, target string, payload []byte, out any) error {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 300 {
		return decodeError(resp.StatusCode, data)
	}
	if out == nil || len(data) == 0 || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// decodeError prefers the {code, message} body and falls back to the
// HTTP status.
func decodeError(status int, body []byte) *apperr.Error {
	var e struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	_ = json.Unmarshal(body, &e)
	msg := e.Message
	if msg == "" {
		msg = e.Error
	}
	if msg == "" {
		msg = strings.TrimSpace(string(body))
	}
	if msg == "" {
		msg = http.StatusText(status)
	}
	if e.Code != "" {
		ae := apperr.New(e.Code, msg)
		if ae.Kind == apperr.KindUnknown && status >= 500 {
			ae.Kind = apperr.KindTransient
		}
		return ae
	}
	return apperr.FromStatus(status, msg)
}
