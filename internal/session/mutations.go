package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dukerupert/finepair/internal/apperr"
	"github.com/dukerupert/finepair/internal/backend"
	"github.com/dukerupert/finepair/internal/broadcast"
	"github.com/dukerupert/finepair/internal/model"
	"github.com/dukerupert/finepair/internal/state"
)

const violationDateLayout = "2006-01-02"

type NewRule struct {
	Title       string
	Description *string
	Amount      int64
}

type NewViolation struct {
	RuleID     string
	ViolatorID string
	// Amount overrides the rule's amount. Negative amounts reduce the balance.
	Amount *int64
	Memo   *string
	// Date defaults to today in local time.
	Date string
}

type NewReward struct {
	Title        string
	Description  *string
	TargetAmount int64
}

// scope returns the open couple and the signed-in user.
func (s *Session) scope() (coupleID, userID string, err error) {
	snap := s.store.Snapshot()
	if snap.CoupleID() == "" {
		return "", "", ErrNoCouple
	}
	return snap.CoupleID(), snap.UserID(), nil
}

// AddRule creates an active rule. The rule is shown immediately and removed
// again if the backend rejects it.
func (s *Session) AddRule(ctx context.Context, in NewRule) (model.Rule, error) {
	coupleID, userID, err := s.scope()
	if err != nil {
		return model.Rule{}, err
	}
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return model.Rule{}, errors.New("add rule: title is required")
	}
	if in.Amount <= 0 {
		return model.Rule{}, errors.New("add rule: amount must be positive")
	}

	optimistic := model.Rule{
		ID:          uuid.NewString(),
		CoupleID:    coupleID,
		Title:       title,
		Description: in.Description,
		Amount:      in.Amount,
		IsActive:    true,
		CreatedBy:   userID,
		CreatedAt:   time.Now().UTC(),
	}
	s.store.Dispatch(state.AddRule{Rule: optimistic})

	row := backend.Row{
		"id":         optimistic.ID,
		"couple_id":  coupleID,
		"title":      title,
		"amount":     in.Amount,
		"created_by": userID,
	}
	if in.Description != nil {
		row["description"] = *in.Description
	}
	saved, err := insertAs[model.Rule](ctx, s.query, model.TableRules, row)
	if err != nil {
		s.store.Dispatch(state.DeleteRule{ID: optimistic.ID})
		return model.Rule{}, fmt.Errorf("add rule: %w", err)
	}

	s.store.Dispatch(state.UpdateRule{Rule: *saved})
	s.post(ctx, broadcast.RuleCreated, saved)
	return *saved, nil
}

// DeactivateRule hides a rule without deleting it, so violations recorded
// against it keep their title.
func (s *Session) DeactivateRule(ctx context.Context, id string) error {
	snap := s.store.Snapshot()
	prev, ok := snap.RuleByID(id)
	if !ok {
		return fmt.Errorf("deactivate rule: %w", apperr.New(apperr.CodeNoRows, "rule "+id+" not found"))
	}

	hidden := prev
	hidden.IsActive = false
	s.store.Dispatch(state.UpdateRule{Rule: hidden})

	if _, err := s.query.Update(ctx, model.TableRules, id, backend.Row{"is_active": false}); err != nil {
		s.store.Dispatch(state.RestoreRule{Rule: prev, Index: snap.RuleIndex(id)})
		return fmt.Errorf("deactivate rule: %w", apperrWrap(err))
	}
	s.post(ctx, broadcast.RuleDeleted, hidden)
	return nil
}

// RecordViolation records a fine against ViolatorID. The amount defaults to
// the rule's amount.
func (s *Session) RecordViolation(ctx context.Context, in NewViolation) (model.Violation, error) {
	coupleID, userID, err := s.scope()
	if err != nil {
		return model.Violation{}, err
	}
	if in.ViolatorID == "" {
		return model.Violation{}, errors.New("record violation: violator is required")
	}

	var ruleID *string
	amount := int64(0)
	if in.RuleID != "" {
		rule, ok := s.store.Snapshot().RuleByID(in.RuleID)
		if !ok {
			return model.Violation{}, fmt.Errorf("record violation: %w",
				apperr.New(apperr.CodeNoRows, "rule "+in.RuleID+" not found"))
		}
		ruleID = &rule.ID
		amount = rule.Amount
	}
	if in.Amount != nil {
		amount = *in.Amount
	}
	if amount == 0 {
		return model.Violation{}, errors.New("record violation: amount is required")
	}
	date := in.Date
	if date == "" {
		date = time.Now().Format(violationDateLayout)
	}

	optimistic := model.Violation{
		ID:            uuid.NewString(),
		CoupleID:      coupleID,
		RuleID:        ruleID,
		ViolatorID:    in.ViolatorID,
		RecordedBy:    userID,
		Amount:        amount,
		Memo:          in.Memo,
		ViolationDate: date,
		CreatedAt:     time.Now().UTC(),
	}
	s.store.Dispatch(state.AddViolation{Violation: optimistic})

	row := backend.Row{
		"id":             optimistic.ID,
		"couple_id":      coupleID,
		"violator_id":    in.ViolatorID,
		"recorded_by":    userID,
		"amount":         amount,
		"violation_date": date,
	}
	if ruleID != nil {
		row["rule_id"] = *ruleID
	}
	if in.Memo != nil {
		row["memo"] = *in.Memo
	}
	saved, err := insertAs[model.Violation](ctx, s.query, model.TableViolations, row)
	if err != nil {
		s.store.Dispatch(state.DeleteViolation{ID: optimistic.ID})
		return model.Violation{}, fmt.Errorf("record violation: %w", err)
	}

	s.store.Dispatch(state.UpdateViolation{Violation: *saved})
	s.post(ctx, broadcast.ViolationCreated, saved)
	return *saved, nil
}

func (s *Session) DeleteViolation(ctx context.Context, id string) error {
	snap := s.store.Snapshot()
	prev, ok := snap.ViolationByID(id)
	if !ok {
		return fmt.Errorf("delete violation: %w", apperr.New(apperr.CodeNoRows, "violation "+id+" not found"))
	}

	s.store.Dispatch(state.DeleteViolation{ID: id})
	if err := s.query.Delete(ctx, model.TableViolations, id); err != nil {
		s.store.Dispatch(state.RestoreViolation{Violation: prev, Index: snap.ViolationIndex(id)})
		return fmt.Errorf("delete violation: %w", apperrWrap(err))
	}
	return nil
}

func (s *Session) AddReward(ctx context.Context, in NewReward) (model.Reward, error) {
	coupleID, _, err := s.scope()
	if err != nil {
		return model.Reward{}, err
	}
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return model.Reward{}, errors.New("add reward: title is required")
	}
	if in.TargetAmount <= 0 {
		return model.Reward{}, errors.New("add reward: target must be positive")
	}

	optimistic := model.Reward{
		ID:           uuid.NewString(),
		CoupleID:     coupleID,
		Title:        title,
		Description:  in.Description,
		TargetAmount: in.TargetAmount,
		CreatedAt:    time.Now().UTC(),
	}
	s.store.Dispatch(state.AddReward{Reward: optimistic})

	row := backend.Row{
		"id":            optimistic.ID,
		"couple_id":     coupleID,
		"title":         title,
		"target_amount": in.TargetAmount,
	}
	if in.Description != nil {
		row["description"] = *in.Description
	}
	saved, err := insertAs[model.Reward](ctx, s.query, model.TableRewards, row)
	if err != nil {
		s.store.Dispatch(state.DeleteReward{ID: optimistic.ID})
		return model.Reward{}, fmt.Errorf("add reward: %w", err)
	}

	s.store.Dispatch(state.UpdateReward{Reward: *saved})
	s.post(ctx, broadcast.RewardCreated, saved)
	return *saved, nil
}

// ClaimReward marks a reward achieved by the signed-in user. The backend
// refuses the claim while the balance is below the target.
func (s *Session) ClaimReward(ctx context.Context, id string) (model.Reward, error) {
	snap := s.store.Snapshot()
	prev, ok := snap.RewardByID(id)
	if !ok {
		return model.Reward{}, fmt.Errorf("claim reward: %w", apperr.New(apperr.CodeNoRows, "reward "+id+" not found"))
	}
	if prev.IsAchieved {
		return prev, nil
	}

	claimed := prev
	claimed.IsAchieved = true
	at := time.Now().UTC()
	claimed.AchievedAt = &at
	if uid := snap.UserID(); uid != "" {
		claimed.AchievedBy = &uid
	}
	s.store.Dispatch(state.UpdateReward{Reward: claimed})

	row, err := s.query.Update(ctx, model.TableRewards, id, backend.Row{"is_achieved": true})
	if err != nil {
		s.store.Dispatch(state.UpdateReward{Reward: prev})
		return model.Reward{}, fmt.Errorf("claim reward: %w", apperrWrap(err))
	}
	saved, err := decodeRow[model.Reward](row)
	if err != nil {
		s.logger.Warn("decode claimed reward", "reward_id", id, "error", err)
		return claimed, nil
	}

	s.store.Dispatch(state.UpdateReward{Reward: *saved})
	s.post(ctx, broadcast.RewardClaimed, saved)
	return *saved, nil
}

func (s *Session) DeleteReward(ctx context.Context, id string) error {
	snap := s.store.Snapshot()
	prev, ok := snap.RewardByID(id)
	if !ok {
		return fmt.Errorf("delete reward: %w", apperr.New(apperr.CodeNoRows, "reward "+id+" not found"))
	}

	s.store.Dispatch(state.DeleteReward{ID: id})
	if err := s.query.Delete(ctx, model.TableRewards, id); err != nil {
		s.store.Dispatch(state.RestoreReward{Reward: prev, Index: snap.RewardIndex(id)})
		return fmt.Errorf("delete reward: %w", apperrWrap(err))
	}
	s.post(ctx, broadcast.RewardDeleted, prev)
	return nil
}

func insertAs[T any](ctx context.Context, q backend.QueryService, table string, row backend.Row) (*T, error) {
	saved, err := q.Insert(ctx, table, row)
	if err != nil {
		return nil, apperrWrap(err)
	}
	return decodeRow[T](saved)
}
