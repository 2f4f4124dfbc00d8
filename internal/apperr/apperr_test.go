package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		code, message string
		want          Kind
	}{
		{CodeUndefinedTable, "", KindSchema},
		{CodeUndefinedColumn, "", KindSchema},
		{"", `relation "rules" does not exist`, KindSchema},
		{"", `column "couple_id" does not exist`, KindSchema},
		{CodeInsufficient, "", KindPermission},
		{"", "new row violates row-level security policy", KindPermission},
		{CodeUniqueViolation, "", KindConflict},
		{"", "duplicate key value violates unique constraint", KindConflict},
		{CodeNoRows, "", KindNotFound},
		{"", "network error", KindTransient},
		{"XX000", "boom", KindUnknown},
	}
	for _, tt := range tests {
		if got := Classify(tt.code, tt.message); got != tt.want {
			t.Errorf("Classify(%q, %q) = %s, want %s", tt.code, tt.message, got, tt.want)
		}
	}
}

func TestRetryable(t *testing.T) {
	if !New(CodeUnavailable, "down").Retryable() {
		t.Error("unavailable should be retryable")
	}
	for _, code := range []string{CodeUndefinedTable, CodeInsufficient, CodeUniqueViolation, CodeNoRows} {
		if New(code, "").Retryable() {
			t.Errorf("code %s should not be retryable", code)
		}
	}
}

func TestWrap(t *testing.T) {
	if Wrap(nil) != nil {
		t.Error("Wrap(nil) should be nil")
	}

	orig := New(CodeUniqueViolation, "exists")
	wrapped := fmt.Errorf("insert rule: %w", orig)
	if got := Wrap(wrapped); got != orig {
		t.Error("Wrap should unwrap an existing *Error")
	}

	if got := Wrap(context.DeadlineExceeded); got.Kind != KindTransient {
		t.Errorf("deadline kind = %s, want transient", got.Kind)
	}
	if got := Wrap(errors.New("weird")); got.Kind != KindUnknown {
		t.Errorf("plain error kind = %s, want unknown", got.Kind)
	}
}

func TestFromStatus(t *testing.T) {
	tests := []struct {
		status int
		want   Kind
	}{
		{http.StatusNotFound, KindNotFound},
		{http.StatusForbidden, KindPermission},
		{http.StatusUnauthorized, KindPermission},
		{http.StatusConflict, KindConflict},
		{http.StatusBadGateway, KindTransient},
		{http.StatusTooManyRequests, KindTransient},
	}
	for _, tt := range tests {
		if got := FromStatus(tt.status, "").Kind; got != tt.want {
			t.Errorf("FromStatus(%d) = %s, want %s", tt.status, got, tt.want)
		}
	}
}

func TestIsAndMessage(t *testing.T) {
	err := fmt.Errorf("load: %w", New(CodeUndefinedTable, "missing"))
	if !Is(err, KindSchema) {
		t.Error("expected schema kind")
	}
	if Is(err, KindConflict) {
		t.Error("did not expect conflict kind")
	}
	if got := Message(err); got != "The application needs to be refreshed." {
		t.Errorf("Message = %q", got)
	}
	if got := Message(New(CodeUniqueViolation, "")); got != "That already exists." {
		t.Errorf("Message = %q", got)
	}
	if Message(nil) != "" {
		t.Error("Message(nil) should be empty")
	}
}

func TestStatusRoundTrip(t *testing.T) {
	for _, k := range []Kind{KindPermission, KindConflict, KindNotFound, KindTransient} {
		if got := FromStatus(Status(k), "").Kind; got != k {
			t.Errorf("FromStatus(Status(%s)) = %s", k, got)
		}
	}
}
