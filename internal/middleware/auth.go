package middleware

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/dukerupert/finepair/internal/auth"
)

// TokenParser verifies access tokens.
type TokenParser interface {
	Parse(token string) (auth.AuthContext, error)
}

// TokenFromRequest returns the bearer token of r, falling back to the
// access_token query parameter used by WebSocket upgrades.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return r.URL.Query().Get("access_token")
}

// RequireAuth validates the access token and populates AuthContext.
func RequireAuth(parser TokenParser) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := TokenFromRequest(r)
			if token == "" {
				writeError(w, http.StatusUnauthorized, "missing access token")
				return
			}
			ac, err := parser.Parse(token)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "invalid access token")
				return
			}
			next.ServeHTTP(w, r.WithContext(auth.WithAuth(r.Context(), ac)))
		})
	}
}

// KeyByUser keys rate limits by the authenticated user, or by client IP for
// anonymous requests.
func KeyByUser(r *http.Request) string {
	if id := auth.UserID(r.Context()); id != "" {
		return "user:" + id
	}
	return KeyByIP(r)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"message": msg})
}
