package store

import (
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/dukerupert/finepair/internal/model"
)

const (
	joinCodeLength   = 6
	joinCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	joinCodeAttempts = 5
)

type CoupleStore struct {
	db *sql.DB
}

func NewCoupleStore(db *sql.DB) *CoupleStore {
	return &CoupleStore{db: db}
}

func scanCouple(s scanner) (*model.Couple, error) {
	var c model.Couple
	var p1, p2 sql.NullString
	var active int

	if err := s.Scan(&c.ID, &c.JoinCode, &c.Name, &p1, &p2, &c.Balance, &active, &c.CreatedAt); err != nil {
		return nil, err
	}
	c.Partner1ID = stringPtr(p1)
	c.Partner2ID = stringPtr(p2)
	c.IsActive = active != 0
	return &c, nil
}

const coupleCols = `id, join_code, name, partner_1_id, partner_2_id, balance, is_active, created_at`

// NewJoinCode returns a random code from an alphabet without look-alike
// characters.
func NewJoinCode() (string, error) {
	buf := make([]byte, joinCodeLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	for i, b := range buf {
		buf[i] = joinCodeAlphabet[int(b)%len(joinCodeAlphabet)]
	}
	return string(buf), nil
}

// Create makes a couple with creatorID as the first partner.
func (s *CoupleStore) Create(name, creatorID string) (*model.Couple, error) {
	id := uuid.NewString()
	for attempt := 0; attempt < joinCodeAttempts; attempt++ {
		code, err := NewJoinCode()
		if err != nil {
			return nil, err
		}
		_, err = s.db.Exec(
			`INSERT INTO couples (id, join_code, name, partner_1_id, created_at) VALUES (?, ?, ?, ?, ?)`,
			id, code, name, creatorID, now(),
		)
		if err == nil {
			return s.GetByID(id)
		}
		if !isUniqueViolation(err) {
			return nil, fmt.Errorf("insert couple: %w", err)
		}
	}
	return nil, fmt.Errorf("insert couple: no unique join code after %d attempts", joinCodeAttempts)
}

func (s *CoupleStore) GetByID(id string) (*model.Couple, error) {
	row := s.db.QueryRow(`SELECT `+coupleCols+` FROM couples WHERE id = ?`, id)
	c, err := scanCouple(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get couple: %w", err)
	}
	return c, nil
}

// ForUser returns the active couple userID belongs to, if any.
func (s *CoupleStore) ForUser(userID string) (*model.Couple, error) {
	row := s.db.QueryRow(
		`SELECT `+coupleCols+` FROM couples
		 WHERE is_active = 1 AND (partner_1_id = ? OR partner_2_id = ?)
		 ORDER BY created_at DESC LIMIT 1`,
		userID, userID,
	)
	c, err := scanCouple(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get couple for user: %w", err)
	}
	return c, nil
}

// JoinByCode puts userID in the free partner slot of the couple with code.
func (s *CoupleStore) JoinByCode(code, userID string) (*model.Couple, error) {
	code = strings.ToUpper(strings.TrimSpace(code))

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	c, err := scanCouple(tx.QueryRow(`SELECT `+coupleCols+` FROM couples WHERE join_code = ? AND is_active = 1`, code))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCoupleNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get couple by code: %w", err)
	}
	if c.HasPartner(userID) {
		return nil, ErrAlreadyPartner
	}

	var slot string
	switch {
	case c.Partner1ID == nil:
		slot = "partner_1_id"
	case c.Partner2ID == nil:
		slot = "partner_2_id"
	default:
		return nil, ErrCoupleFull
	}

	if _, err := tx.Exec(`UPDATE couples SET `+slot+` = ? WHERE id = ?`, userID, c.ID); err != nil {
		return nil, fmt.Errorf("join couple: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit join: %w", err)
	}
	return s.GetByID(c.ID)
}

// Rename updates the display name.
func (s *CoupleStore) Rename(id, name string) (*model.Couple, error) {
	if _, err := s.db.Exec(`UPDATE couples SET name = ? WHERE id = ?`, name, id); err != nil {
		return nil, fmt.Errorf("rename couple: %w", err)
	}
	return s.GetByID(id)
}

// IsPartner reports whether userID is a partner of coupleID.
func (s *CoupleStore) IsPartner(coupleID, userID string) (bool, error) {
	if coupleID == "" || userID == "" {
		return false, nil
	}
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM couples WHERE id = ? AND (partner_1_id = ? OR partner_2_id = ?)`,
		coupleID, userID, userID,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check partner: %w", err)
	}
	return n > 0, nil
}

func adjustBalance(tx *sql.Tx, coupleID string, delta int64) error {
	if _, err := tx.Exec(`UPDATE couples SET balance = balance + ? WHERE id = ?`, delta, coupleID); err != nil {
		return fmt.Errorf("adjust balance: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
