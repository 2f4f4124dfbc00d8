package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/dukerupert/finepair/internal/model"
)

type RewardStore struct {
	db *sql.DB
}

func NewRewardStore(db *sql.DB) *RewardStore {
	return &RewardStore{db: db}
}

func scanReward(s scanner) (*model.Reward, error) {
	var r model.Reward
	var desc, achievedBy sql.NullString
	var achievedAt sql.NullTime
	var achieved int
	err := s.Scan(&r.ID, &r.CoupleID, &r.Title, &desc, &r.TargetAmount,
		&achieved, &achievedAt, &achievedBy, &r.CreatedAt)
	if err != nil {
		return nil, err
	}
	r.Description = stringPtr(desc)
	r.IsAchieved = achieved != 0
	if achievedAt.Valid {
		r.AchievedAt = &achievedAt.Time
	}
	r.AchievedBy = stringPtr(achievedBy)
	return &r, nil
}

const rewardCols = `id, couple_id, title, description, target_amount, is_achieved, achieved_at, achieved_by, created_at`

func (s *RewardStore) Create(r model.Reward) (*model.Reward, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	_, err := s.db.Exec(
		`INSERT INTO rewards (id, couple_id, title, description, target_amount, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		r.ID, r.CoupleID, r.Title, nullString(r.Description), r.TargetAmount, now(),
	)
	if err != nil {
		return nil, fmt.Errorf("insert reward: %w", err)
	}
	return s.GetByID(r.ID)
}

func (s *RewardStore) GetByID(id string) (*model.Reward, error) {
	r, err := scanReward(s.db.QueryRow(`SELECT `+rewardCols+` FROM rewards WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get reward: %w", err)
	}
	return r, nil
}

func (s *RewardStore) List(coupleID string) ([]model.Reward, error) {
	rows, err := s.db.Query(
		`SELECT `+rewardCols+` FROM rewards WHERE couple_id = ? ORDER BY created_at, id`, coupleID)
	if err != nil {
		return nil, fmt.Errorf("list rewards: %w", err)
	}
	defer rows.Close()

	var out []model.Reward
	for rows.Next() {
		r, err := scanReward(rows)
		if err != nil {
			return nil, fmt.Errorf("scan reward: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// Claim marks the reward achieved by userID once the couple balance has
// reached its target. The balance is not spent.
func (s *RewardStore) Claim(id, userID string) (*model.Reward, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var target, balance int64
	var achieved int
	err = tx.QueryRow(
		`SELECT r.target_amount, r.is_achieved, c.balance
		 FROM rewards r JOIN couples c ON c.id = r.couple_id WHERE r.id = ?`, id,
	).Scan(&target, &achieved, &balance)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get reward for claim: %w", err)
	}
	if achieved != 0 {
		return nil, ErrAlreadyAchieved
	}
	if balance < target {
		return nil, ErrInsufficientFunds
	}

	_, err = tx.Exec(
		`UPDATE rewards SET is_achieved = 1, achieved_at = ?, achieved_by = ? WHERE id = ?`,
		now(), userID, id,
	)
	if err != nil {
		return nil, fmt.Errorf("claim reward: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return s.GetByID(id)
}

func (s *RewardStore) Delete(id string) error {
	if _, err := s.db.Exec(`DELETE FROM rewards WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete reward: %w", err)
	}
	return nil
}
