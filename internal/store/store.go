package store

import (
	"database/sql"
	"errors"
	"time"
)

var (
	ErrCoupleNotFound    = errors.New("no couple with that join code")
	ErrCoupleFull        = errors.New("couple already has two partners")
	ErrAlreadyPartner    = errors.New("already a partner of this couple")
	ErrRuleNotFound      = errors.New("rule not found")
	ErrInsufficientFunds = errors.New("balance below reward target")
	ErrAlreadyAchieved   = errors.New("reward already achieved")
)

type scanner interface{ Scan(...any) error }

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func now() time.Time {
	return time.Now().UTC()
}
