package auth

import (
	"context"
	"testing"
)

func TestWithAuthRoundTrip(t *testing.T) {
	ctx := WithAuth(context.Background(), AuthContext{UserID: "u1", TokenID: "t1"})

	ac, ok := FromContext(ctx)
	if !ok {
		t.Fatal("expected auth context")
	}
	if ac.UserID != "u1" || ac.TokenID != "t1" {
		t.Errorf("ac = %+v", ac)
	}
	if got := UserID(ctx); got != "u1" {
		t.Errorf("UserID = %q, want u1", got)
	}
}

func TestUserIDAnonymous(t *testing.T) {
	if got := UserID(context.Background()); got != "" {
		t.Errorf("UserID = %q, want empty", got)
	}
}
