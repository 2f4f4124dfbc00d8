package model

import "time"

type Couple struct {
	ID         string    `json:"id"`
	JoinCode   string    `json:"join_code"`
	Name       string    `json:"name"`
	Partner1ID *string   `json:"partner_1_id"`
	Partner2ID *string   `json:"partner_2_id"`
	Balance    int64     `json:"balance"`
	IsActive   bool      `json:"is_active"`
	CreatedAt  time.Time `json:"created_at"`
}

// PartnerOf returns the other partner of userID. It reports false when either
// partner slot is empty or userID is not one of the partners.
func (c Couple) PartnerOf(userID string) (string, bool) {
	if c.Partner1ID == nil || c.Partner2ID == nil {
		return "", false
	}
	switch userID {
	case *c.Partner1ID:
		return *c.Partner2ID, true
	case *c.Partner2ID:
		return *c.Partner1ID, true
	}
	return "", false
}

// HasPartner reports whether userID occupies one of the partner slots.
func (c Couple) HasPartner(userID string) bool {
	if userID == "" {
		return false
	}
	return (c.Partner1ID != nil && *c.Partner1ID == userID) ||
		(c.Partner2ID != nil && *c.Partner2ID == userID)
}

// Complete reports whether both partner slots are filled.
func (c Couple) Complete() bool {
	return c.Partner1ID != nil && c.Partner2ID != nil
}
