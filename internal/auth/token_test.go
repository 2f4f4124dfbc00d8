package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestIssueAndParse(t *testing.T) {
	iss, err := NewIssuer(testSecret, time.Hour)
	if err != nil {
		t.Fatalf("new issuer: %v", err)
	}

	token, err := iss.Issue("u1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	ac, err := iss.Parse(token)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if ac.UserID != "u1" || ac.TokenID == "" {
		t.Errorf("ac = %+v", ac)
	}
}

func TestParseRejectsExpired(t *testing.T) {
	iss, _ := NewIssuer(testSecret, time.Minute)
	iss.now = func() time.Time { return time.Now().Add(-time.Hour) }
	token, _ := iss.Issue("u1")

	iss.now = time.Now
	if _, err := iss.Parse(token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("err = %v, want ErrInvalidToken", err)
	}
}

func TestParseRejectsOtherSecret(t *testing.T) {
	a, _ := NewIssuer(testSecret, time.Hour)
	b, _ := NewIssuer("another-secret-of-sufficient-size", time.Hour)
	token, _ := a.Issue("u1")

	if _, err := b.Parse(token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("err = %v, want ErrInvalidToken", err)
	}
}

func TestParseRejectsNoneAlg(t *testing.T) {
	iss, _ := NewIssuer(testSecret, time.Hour)
	unsigned := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{
		Issuer:    issuer,
		Subject:   "u1",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	token, err := unsigned.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign none: %v", err)
	}
	if _, err := iss.Parse(token); err == nil {
		t.Error("expected none alg token to be rejected")
	}
}

func TestNewIssuerShortSecret(t *testing.T) {
	if _, err := NewIssuer("short", time.Hour); err == nil {
		t.Error("expected error for short secret")
	}
}
