package model

import "time"

type Rule struct {
	ID          string    `json:"id"`
	CoupleID    string    `json:"couple_id,omitempty"`
	Title       string    `json:"title,omitempty"`
	Description *string   `json:"description,omitempty"`
	Amount      int64     `json:"amount"`
	IsActive    bool      `json:"is_active"`
	CreatedBy   string    `json:"created_by,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}
