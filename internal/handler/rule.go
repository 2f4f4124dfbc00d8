package handler

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/dukerupert/finepair/internal/auth"
	"github.com/dukerupert/finepair/internal/backend"
	"github.com/dukerupert/finepair/internal/model"
	"github.com/dukerupert/finepair/internal/store"
)

type RuleHandler struct {
	rules  *store.RuleStore
	access *Access
	publisher
	logger *slog.Logger
}

func NewRuleHandler(rs *store.RuleStore, access *Access, pub Publisher, logger *slog.Logger) *RuleHandler {
	return &RuleHandler{rules: rs, access: access, publisher: publisher{pub}, logger: logger}
}

type ruleRequest struct {
	ID          string  `json:"id"`
	CoupleID    string  `json:"couple_id"`
	Title       string  `json:"title"`
	Description *string `json:"description"`
	Amount      int64   `json:"amount"`
	CreatedBy   string  `json:"created_by"`
}

func (h *RuleHandler) List(w http.ResponseWriter, r *http.Request) {
	if id := filterValue(r, "id"); id != "" {
		h.get(w, r, id)
		return
	}

	coupleID := filterValue(r, "couple_id")
	if coupleID == "" {
		badRequest(w, "couple_id or id filter is required")
		return
	}
	if !h.access.Member(auth.UserID(r.Context()), coupleID) {
		writeJSON(w, http.StatusOK, []model.Rule{})
		return
	}

	rules, err := h.rules.List(coupleID, filterValue(r, "is_active") == "true")
	if err != nil {
		internalError(w, h.logger, "failed to list rules", err)
		return
	}
	if rules == nil {
		rules = []model.Rule{}
	}
	writeJSON(w, http.StatusOK, rules)
}

// get answers a lookup by id with zero or one rows.
func (h *RuleHandler) get(w http.ResponseWriter, r *http.Request, id string) {
	rule, err := h.rules.GetByID(id)
	if err != nil {
		internalError(w, h.logger, "failed to get rule", err)
		return
	}
	if rule == nil || !h.access.Member(auth.UserID(r.Context()), rule.CoupleID) {
		writeJSON(w, http.StatusOK, []model.Rule{})
		return
	}
	writeJSON(w, http.StatusOK, []model.Rule{*rule})
}

func (h *RuleHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req ruleRequest
	if err := decodeBody(r, &req); err != nil {
		rejectBody(w, err)
		return
	}

	req.Title = strings.TrimSpace(req.Title)
	if req.Title == "" {
		badRequest(w, "title is required")
		return
	}
	if req.Amount <= 0 {
		badRequest(w, "amount must be > 0")
		return
	}
	userID := auth.UserID(r.Context())
	if !h.access.Member(userID, req.CoupleID) {
		writeError(w, forbidden(model.TableRules))
		return
	}

	rule, err := h.rules.Create(model.Rule{
		ID:          req.ID,
		CoupleID:    req.CoupleID,
		Title:       req.Title,
		Description: req.Description,
		Amount:      req.Amount,
		CreatedBy:   userID,
	})
	if err != nil {
		internalError(w, h.logger, "failed to create rule", err)
		return
	}

	h.publish(r.Context(), backend.OpInsert, model.TableRules, rule, nil)
	writeJSON(w, http.StatusCreated, rule)
}

type rulePatch struct {
	Title       *string `json:"title"`
	Description *string `json:"description"`
	Amount      *int64  `json:"amount"`
	IsActive    *bool   `json:"is_active"`
}

func (h *RuleHandler) Update(w http.ResponseWriter, r *http.Request) {
	old, ok := h.owned(w, r)
	if !ok {
		return
	}

	var req rulePatch
	if err := decodeBody(r, &req); err != nil {
		rejectBody(w, err)
		return
	}
	if req.Amount != nil && *req.Amount <= 0 {
		badRequest(w, "amount must be > 0")
		return
	}

	rule, err := h.rules.Update(old.ID, store.RulePatch(req))
	if err != nil {
		internalError(w, h.logger, "failed to update rule", err)
		return
	}

	h.publish(r.Context(), backend.OpUpdate, model.TableRules, rule, old)
	writeJSON(w, http.StatusOK, rule)
}

func (h *RuleHandler) Delete(w http.ResponseWriter, r *http.Request) {
	old, ok := h.owned(w, r)
	if !ok {
		return
	}

	if err := h.rules.Delete(old.ID); err != nil {
		internalError(w, h.logger, "failed to delete rule", err)
		return
	}

	h.publish(r.Context(), backend.OpDelete, model.TableRules, nil, old)
	w.WriteHeader(http.StatusNoContent)
}

// owned loads the rule named in the path and checks the caller may write
// it. It answers the request itself when not.
func (h *RuleHandler) owned(w http.ResponseWriter, r *http.Request) (*model.Rule, bool) {
	rule, err := h.rules.GetByID(r.PathValue("id"))
	if err != nil {
		internalError(w, h.logger, "failed to get rule", err)
		return nil, false
	}
	if rule == nil || !h.access.Member(auth.UserID(r.Context()), rule.CoupleID) {
		writeError(w, notFound(model.TableRules))
		return nil, false
	}
	return rule, true
}
