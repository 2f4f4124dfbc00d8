package store

import (
	"database/sql"
	"fmt"

	"github.com/dukerupert/finepair/internal/model"
)

type ProfileStore struct {
	db *sql.DB
}

func NewProfileStore(db *sql.DB) *ProfileStore {
	return &ProfileStore{db: db}
}

func scanProfile(s scanner) (*model.Profile, error) {
	var p model.Profile
	var avatar sql.NullString
	if err := s.Scan(&p.ID, &p.DisplayName, &avatar, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.AvatarURL = stringPtr(avatar)
	return &p, nil
}

const profileCols = `id, display_name, avatar_url, created_at, updated_at`

// Ensure creates the profile for id if it does not exist yet.
func (s *ProfileStore) Ensure(id, displayName string) (*model.Profile, error) {
	t := now()
	_, err := s.db.Exec(
		`INSERT INTO profiles (id, display_name, created_at, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		id, displayName, t, t,
	)
	if err != nil {
		return nil, fmt.Errorf("insert profile: %w", err)
	}
	return s.GetByID(id)
}

func (s *ProfileStore) GetByID(id string) (*model.Profile, error) {
	p, err := scanProfile(s.db.QueryRow(`SELECT `+profileCols+` FROM profiles WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get profile: %w", err)
	}
	return p, nil
}

func (s *ProfileStore) Update(id, displayName string, avatarURL *string) (*model.Profile, error) {
	_, err := s.db.Exec(
		`UPDATE profiles SET display_name = ?, avatar_url = ?, updated_at = ? WHERE id = ?`,
		displayName, nullString(avatarURL), now(), id,
	)
	if err != nil {
		return nil, fmt.Errorf("update profile: %w", err)
	}
	return s.GetByID(id)
}

// SharesCouple reports whether a and b are partners in the same couple.
func (s *ProfileStore) SharesCouple(a, b string) (bool, error) {
	if a == b {
		return true, nil
	}
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM couples
		 WHERE (partner_1_id = ? AND partner_2_id = ?) OR (partner_1_id = ? AND partner_2_id = ?)`,
		a, b, b, a,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check shared couple: %w", err)
	}
	return n > 0, nil
}
