// Package apperr classifies backend failures into the handful of kinds the
// client reacts to differently: schema drift, permission denials, transient
// network trouble, conflicts and missing rows.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

type Kind string

const (
	KindUnknown    Kind = "unknown"
	KindSchema     Kind = "schema"
	KindPermission Kind = "permission"
	KindTransient  Kind = "transient"
	KindConflict   Kind = "conflict"
	KindNotFound   Kind = "not_found"
)

// Backend error codes. These follow the Postgres SQLSTATE values the hosted
// backend reports, plus the not-found code for single-row lookups.
const (
	CodeUndefinedTable  = "42P01"
	CodeUndefinedColumn = "42703"
	CodeInsufficient    = "42501"
	CodeUniqueViolation = "23505"
	CodeNoRows          = "PGRST116"
	CodeUnavailable     = "503"
)

// Error is the structured failure returned by query calls.
type Error struct {
	Kind    Kind   `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (%s): %s", e.Kind, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the call may succeed if repeated unchanged.
func (e *Error) Retryable() bool { return e.Kind == KindTransient }

// New builds an Error from a backend {code, message} pair.
func New(code, message string) *Error {
	return &Error{Kind: Classify(code, message), Code: code, Message: message}
}

// Wrap turns an arbitrary error into an *Error, keeping existing ones as-is.
func Wrap(err error) *Error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}
	kind := KindUnknown
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		kind = KindTransient
	}
	return &Error{Kind: kind, Message: err.Error(), Err: err}
}

// Classify maps a backend code and message onto a Kind. The message is
// consulted for backends that omit the code.
func Classify(code, message string) Kind {
	switch code {
	case CodeUndefinedTable, CodeUndefinedColumn:
		return KindSchema
	case CodeInsufficient:
		return KindPermission
	case CodeUniqueViolation:
		return KindConflict
	case CodeNoRows:
		return KindNotFound
	case CodeUnavailable:
		return KindTransient
	}

	msg := strings.ToLower(message)
	switch {
	case strings.Contains(msg, "does not exist") &&
		(strings.Contains(msg, "relation") || strings.Contains(msg, "column")):
		return KindSchema
	case strings.Contains(msg, "row-level security"), strings.Contains(msg, "permission denied"):
		return KindPermission
	case strings.Contains(msg, "duplicate key"), strings.Contains(msg, "unique constraint"):
		return KindConflict
	case strings.Contains(msg, "network"), strings.Contains(msg, "timeout"),
		strings.Contains(msg, "connection refused"), strings.Contains(msg, "connection reset"):
		return KindTransient
	}
	return KindUnknown
}

// FromStatus classifies an HTTP status when the body carried no usable code.
func FromStatus(status int, message string) *Error {
	var kind Kind
	switch {
	case status == http.StatusNotFound:
		kind = KindNotFound
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		kind = KindPermission
	case status == http.StatusConflict:
		kind = KindConflict
	case status == http.StatusTooManyRequests, status >= 500:
		kind = KindTransient
	default:
		kind = Classify("", message)
	}
	return &Error{Kind: kind, Code: fmt.Sprint(status), Message: message}
}

// Status is the HTTP status the server answers with for an error of kind k.
func Status(k Kind) int {
	switch k {
	case KindSchema:
		return http.StatusInternalServerError
	case KindPermission:
		return http.StatusForbidden
	case KindTransient:
		return http.StatusServiceUnavailable
	case KindConflict:
		return http.StatusConflict
	case KindNotFound:
		return http.StatusNotFound
	}
	return http.StatusBadRequest
}

// Is reports whether err carries an *Error of kind k.
func Is(err error, k Kind) bool {
	var ae *Error
	return errors.As(err, &ae) && ae.Kind == k
}

// Message returns the user-facing text for err.
func Message(err error) string {
	if err == nil {
		return ""
	}
	switch Wrap(err).Kind {
	case KindSchema:
		return "The application needs to be refreshed."
	case KindPermission:
		return "You are not authorized to do that. Please sign in again."
	case KindTransient:
		return "Network problem. Please try again."
	case KindConflict:
		return "That already exists."
	case KindNotFound:
		return "Not found."
	}
	return "Something went wrong."
}
