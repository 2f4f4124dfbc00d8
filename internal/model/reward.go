package model

import "time"

type Reward struct {
	ID           string     `json:"id"`
	CoupleID     string     `json:"couple_id,omitempty"`
	Title        string     `json:"title,omitempty"`
	Description  *string    `json:"description,omitempty"`
	TargetAmount int64      `json:"target_amount"`
	IsAchieved   bool       `json:"is_achieved"`
	AchievedAt   *time.Time `json:"achieved_at,omitempty"`
	AchievedBy   *string    `json:"achieved_by,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}
