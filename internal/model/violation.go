package model

import "time"

// Violation amounts are signed: positive adds a fine, negative reduces it.
type Violation struct {
	ID            string    `json:"id"`
	CoupleID      string    `json:"couple_id,omitempty"`
	RuleID        *string   `json:"rule_id,omitempty"`
	ViolatorID    string    `json:"violator_id,omitempty"`
	RecordedBy    string    `json:"recorded_by,omitempty"`
	Amount        int64     `json:"amount"`
	Memo          *string   `json:"memo,omitempty"`
	ViolationDate string    `json:"violation_date,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}
