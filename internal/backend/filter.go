package backend

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ParseFilter splits a "column=eq.value" filter. An empty filter is valid and
// returns empty strings.
func ParseFilter(f string) (column, value string, err error) {
	if f == "" {
		return "", "", nil
	}
	col, rest, ok := strings.Cut(f, "=")
	if !ok || !strings.HasPrefix(rest, "eq.") || col == "" {
		return "", "", fmt.Errorf("unsupported filter %q", f)
	}
	return col, strings.TrimPrefix(rest, "eq."), nil
}

// MatchFilter evaluates filter f against a JSON record. Records that lack the
// column, or a missing record, do not match a non-empty filter.
func MatchFilter(f string, record json.RawMessage) bool {
	col, want, err := ParseFilter(f)
	if err != nil {
		return false
	}
	if col == "" {
		return true
	}
	if len(record) == 0 {
		return false
	}
	var fields map[string]any
	if err := json.Unmarshal(record, &fields); err != nil {
		return false
	}
	v, ok := fields[col]
	if !ok || v == nil {
		return false
	}
	return fmt.Sprint(v) == want
}
