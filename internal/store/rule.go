package store

import (
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/dukerupert/finepair/internal/model"
)

type RuleStore struct {
	db *sql.DB
}

func NewRuleStore(db *sql.DB) *RuleStore {
	return &RuleStore{db: db}
}

func scanRule(s scanner) (*model.Rule, error) {
	var r model.Rule
	var desc sql.NullString
	var active int
	if err := s.Scan(&r.ID, &r.CoupleID, &r.Title, &desc, &r.Amount, &active, &r.CreatedBy, &r.CreatedAt); err != nil {
		return nil, err
	}
	r.Description = stringPtr(desc)
	r.IsActive = active != 0
	return &r, nil
}

const ruleCols = `id, couple_id, title, description, amount, is_active, created_by, created_at`

// Create inserts r. An empty ID is generated.
func (s *RuleStore) Create(r model.Rule) (*model.Rule, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	_, err := s.db.Exec(
		`INSERT INTO rules (id, couple_id, title, description, amount, is_active, created_by, created_at)
		 VALUES (?, ?, ?, ?, ?, 1, ?, ?)`,
		r.ID, r.CoupleID, r.Title, nullString(r.Description), r.Amount, r.CreatedBy, now(),
	)
	if err != nil {
		return nil, fmt.Errorf("insert rule: %w", err)
	}
	return s.GetByID(r.ID)
}

func (s *RuleStore) GetByID(id string) (*model.Rule, error) {
	r, err := scanRule(s.db.QueryRow(`SELECT `+ruleCols+` FROM rules WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get rule: %w", err)
	}
	return r, nil
}

// List returns the couple's rules, oldest first. activeOnly hides
// deactivated rules.
func (s *RuleStore) List(coupleID string, activeOnly bool) ([]model.Rule, error) {
	q := `SELECT ` + ruleCols + ` FROM rules WHERE couple_id = ?`
	if activeOnly {
		q += ` AND is_active = 1`
	}
	rows, err := s.db.Query(q+` ORDER BY created_at, id`, coupleID)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	defer rows.Close()

	var rules []model.Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		rules = append(rules, *r)
	}
	return rules, rows.Err()
}

// RulePatch holds the columns an update may change. Nil fields are kept.
type RulePatch struct {
	Title       *string
	Description *string
	Amount      *int64
	IsActive    *bool
}

func (s *RuleStore) Update(id string, p RulePatch) (*model.Rule, error) {
	cur, err := s.GetByID(id)
	if err != nil || cur == nil {
		return cur, err
	}
	if p.Title != nil {
		cur.Title = *p.Title
	}
	if p.Description != nil {
		cur.Description = p.Description
	}
	if p.Amount != nil {
		cur.Amount = *p.Amount
	}
	if p.IsActive != nil {
		cur.IsActive = *p.IsActive
	}

	_, err = s.db.Exec(
		`UPDATE rules SET title = ?, description = ?, amount = ?, is_active = ? WHERE id = ?`,
		cur.Title, nullString(cur.Description), cur.Amount, boolInt(cur.IsActive), id,
	)
	if err != nil {
		return nil, fmt.Errorf("update rule: %w", err)
	}
	return s.GetByID(id)
}

func (s *RuleStore) Delete(id string) error {
	if _, err := s.db.Exec(`DELETE FROM rules WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete rule: %w", err)
	}
	return nil
}
