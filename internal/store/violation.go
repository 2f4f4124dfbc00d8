package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dukerupert/finepair/internal/model"
)

const violationDateLayout = "2006-01-02"

type ViolationStore struct {
	db *sql.DB
}

func NewViolationStore(db *sql.DB) *ViolationStore {
	return &ViolationStore{db: db}
}

func scanViolation(s scanner) (*model.Violation, error) {
	var v model.Violation
	var coupleID, ruleID, memo sql.NullString
	err := s.Scan(&v.ID, &coupleID, &ruleID, &v.ViolatorID, &v.RecordedBy,
		&v.Amount, &memo, &v.ViolationDate, &v.CreatedAt)
	if err != nil {
		return nil, err
	}
	v.CoupleID = coupleID.String
	v.RuleID = stringPtr(ruleID)
	v.Memo = stringPtr(memo)
	return &v, nil
}

const violationCols = `id, couple_id, rule_id, violator_id, recorded_by, amount, memo, violation_date, created_at`

// Create records v and adjusts the couple balance by v.Amount in the same
// transaction. A missing couple is taken from the rule; a zero amount
// defaults to the rule's fine.
func (s *ViolationStore) Create(v model.Violation) (*model.Violation, error) {
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	if v.ViolationDate == "" {
		v.ViolationDate = time.Now().Format(violationDateLayout)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if v.RuleID != nil {
		var coupleID string
		var amount int64
		err := tx.QueryRow(`SELECT couple_id, amount FROM rules WHERE id = ?`, *v.RuleID).Scan(&coupleID, &amount)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRuleNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("get violation rule: %w", err)
		}
		if v.CoupleID == "" {
			v.CoupleID = coupleID
		}
		if v.Amount == 0 {
			v.Amount = amount
		}
	}
	if v.CoupleID == "" {
		return nil, errors.New("violation needs a couple or a rule")
	}

	_, err = tx.Exec(
		`INSERT INTO violations (`+violationCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		v.ID, v.CoupleID, nullString(v.RuleID), v.ViolatorID, v.RecordedBy,
		v.Amount, nullString(v.Memo), v.ViolationDate, now(),
	)
	if err != nil {
		return nil, fmt.Errorf("insert violation: %w", err)
	}
	if err := adjustBalance(tx, v.CoupleID, v.Amount); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit violation: %w", err)
	}
	return s.GetByID(v.ID)
}

func (s *ViolationStore) GetByID(id string) (*model.Violation, error) {
	v, err := scanViolation(s.db.QueryRow(`SELECT `+violationCols+` FROM violations WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get violation: %w", err)
	}
	return v, nil
}

// CoupleOf resolves the owning couple of v, through its rule when the row
// carries no couple.
func (s *ViolationStore) CoupleOf(v *model.Violation) (string, error) {
	if v.CoupleID != "" || v.RuleID == nil {
		return v.CoupleID, nil
	}
	var coupleID string
	err := s.db.QueryRow(`SELECT couple_id FROM rules WHERE id = ?`, *v.RuleID).Scan(&coupleID)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get violation couple: %w", err)
	}
	return coupleID, nil
}

// List returns the couple's violations newest first, including rows that
// only reference the couple through their rule.
func (s *ViolationStore) List(coupleID string) ([]model.Violation, error) {
	rows, err := s.db.Query(
		`SELECT `+violationCols+` FROM violations
		 WHERE couple_id = ?
		    OR (couple_id IS NULL AND rule_id IN (SELECT id FROM rules WHERE couple_id = ?))
		 ORDER BY created_at DESC, id DESC`,
		coupleID, coupleID,
	)
	if err != nil {
		return nil, fmt.Errorf("list violations: %w", err)
	}
	defer rows.Close()

	var out []model.Violation
	for rows.Next() {
		v, err := scanViolation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan violation: %w", err)
		}
		out = append(out, *v)
	}
	return out, rows.Err()
}

// Delete removes the violation and reverses its effect on the balance. It
// returns the deleted row, or nil if there was none.
func (s *ViolationStore) Delete(id string) (*model.Violation, error) {
	v, err := s.GetByID(id)
	if err != nil || v == nil {
		return nil, err
	}
	coupleID, err := s.CoupleOf(v)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM violations WHERE id = ?`, id); err != nil {
		return nil, fmt.Errorf("delete violation: %w", err)
	}
	if coupleID != "" {
		if err := adjustBalance(tx, coupleID, -v.Amount); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit delete: %w", err)
	}
	return v, nil
}
