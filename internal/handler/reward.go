package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/dukerupert/finepair/internal/auth"
	"github.com/dukerupert/finepair/internal/backend"
	"github.com/dukerupert/finepair/internal/model"
	"github.com/dukerupert/finepair/internal/store"
)

type RewardHandler struct {
	rewards *store.RewardStore
	access  *Access
	publisher
	logger *slog.Logger
}

func NewRewardHandler(rs *store.RewardStore, access *Access, pub Publisher, logger *slog.Logger) *RewardHandler {
	return &RewardHandler{rewards: rs, access: access, publisher: publisher{pub}, logger: logger}
}

type rewardRequest struct {
	ID           string  `json:"id"`
	CoupleID     string  `json:"couple_id"`
	Title        string  `json:"title"`
	Description  *string `json:"description"`
	TargetAmount int64   `json:"target_amount"`
}

func (h *RewardHandler) List(w http.ResponseWriter, r *http.Request) {
	coupleID := filterValue(r, "couple_id")
	if coupleID == "" {
		badRequest(w, "couple_id filter is required")
		return
	}
	if !h.access.Member(auth.UserID(r.Context()), coupleID) {
		writeJSON(w, http.StatusOK, []model.Reward{})
		return
	}

	rewards, err := h.rewards.List(coupleID)
	if err != nil {
		internalError(w, h.logger, "failed to list rewards", err)
		return
	}
	if rewards == nil {
		rewards = []model.Reward{}
	}
	writeJSON(w, http.StatusOK, rewards)
}

func (h *RewardHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req rewardRequest
	if err := decodeBody(r, &req); err != nil {
		rejectBody(w, err)
		return
	}

	req.Title = strings.TrimSpace(req.Title)
	if req.Title == "" {
		badRequest(w, "title is required")
		return
	}
	if req.TargetAmount <= 0 {
		badRequest(w, "target_amount must be > 0")
		return
	}
	if !h.access.Member(auth.UserID(r.Context()), req.CoupleID) {
		writeError(w, forbidden(model.TableRewards))
		return
	}

	reward, err := h.rewards.Create(model.Reward{
		ID:           req.ID,
		CoupleID:     req.CoupleID,
		Title:        req.Title,
		Description:  req.Description,
		TargetAmount: req.TargetAmount,
	})
	if err != nil {
		internalError(w, h.logger, "failed to create reward", err)
		return
	}

	h.publish(r.Context(), backend.OpInsert, model.TableRewards, reward, nil)
	writeJSON(w, http.StatusCreated, reward)
}

type rewardPatch struct {
	IsAchieved *bool `json:"is_achieved"`
}

// Update supports one transition: claiming the reward.
func (h *RewardHandler) Update(w http.ResponseWriter, r *http.Request) {
	old, ok := h.owned(w, r)
	if !ok {
		return
	}

	var req rewardPatch
	if err := decodeBody(r, &req); err != nil {
		rejectBody(w, err)
		return
	}
	if req.IsAchieved == nil || !*req.IsAchieved {
		badRequest(w, "only is_achieved=true is supported")
		return
	}

	reward, err := h.rewards.Claim(old.ID, auth.UserID(r.Context()))
	switch {
	case errors.Is(err, store.ErrInsufficientFunds), errors.Is(err, store.ErrAlreadyAchieved):
		writeError(w, conflict(err))
		return
	case err != nil:
		internalError(w, h.logger, "failed to claim reward", err)
		return
	case reward == nil:
		writeError(w, notFound(model.TableRewards))
		return
	}

	h.publish(r.Context(), backend.OpUpdate, model.TableRewards, reward, old)
	writeJSON(w, http.StatusOK, reward)
}

func (h *RewardHandler) Delete(w http.ResponseWriter, r *http.Request) {
	old, ok := h.owned(w, r)
	if !ok {
		return
	}

	if err := h.rewards.Delete(old.ID); err != nil {
		internalError(w, h.logger, "failed to delete reward", err)
		return
	}

	h.publish(r.Context(), backend.OpDelete, model.TableRewards, nil, old)
	w.WriteHeader(http.StatusNoContent)
}

func (h *RewardHandler) owned(w http.ResponseWriter, r *http.Request) (*model.Reward, bool) {
	reward, err := h.rewards.GetByID(r.PathValue("id"))
	if err != nil {
		internalError(w, h.logger, "failed to get reward", err)
		return nil, false
	}
	if reward == nil || !h.access.Member(auth.UserID(r.Context()), reward.CoupleID) {
		writeError(w, notFound(model.TableRewards))
		return nil, false
	}
	return reward, true
}
