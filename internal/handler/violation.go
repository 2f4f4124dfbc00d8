package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/dukerupert/finepair/internal/auth"
	"github.com/dukerupert/finepair/internal/backend"
	"github.com/dukerupert/finepair/internal/model"
	"github.com/dukerupert/finepair/internal/store"
)

type ViolationHandler struct {
	violations *store.ViolationStore
	couples    *store.CoupleStore
	access     *Access
	publisher
	logger *slog.Logger
}

func NewViolationHandler(vs *store.ViolationStore, cs *store.CoupleStore, access *Access, pub Publisher, logger *slog.Logger) *ViolationHandler {
	return &ViolationHandler{violations: vs, couples: cs, access: access, publisher: publisher{pub}, logger: logger}
}

type violationRequest struct {
	ID            string  `json:"id"`
	CoupleID      string  `json:"couple_id"`
	RuleID        *string `json:"rule_id"`
	ViolatorID    string  `json:"violator_id"`
	RecordedBy    string  `json:"recorded_by"`
	Amount        int64   `json:"amount"`
	Memo          *string `json:"memo"`
	ViolationDate string  `json:"violation_date"`
}

func (h *ViolationHandler) List(w http.ResponseWriter, r *http.Request) {
	coupleID := filterValue(r, "couple_id")
	if coupleID == "" {
		badRequest(w, "couple_id filter is required")
		return
	}
	if !h.access.Member(auth.UserID(r.Context()), coupleID) {
		writeJSON(w, http.StatusOK, []model.Violation{})
		return
	}

	violations, err := h.violations.List(coupleID)
	if err != nil {
		internalError(w, h.logger, "failed to list violations", err)
		return
	}
	if violations == nil {
		violations = []model.Violation{}
	}
	writeJSON(w, http.StatusOK, violations)
}

func (h *ViolationHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req violationRequest
	if err := decodeBody(r, &req); err != nil {
		rejectBody(w, err)
		return
	}
	if req.ViolatorID == "" {
		badRequest(w, "violator_id is required")
		return
	}
	if req.RuleID == nil && req.Amount == 0 {
		badRequest(w, "amount is required without a rule")
		return
	}

	coupleID := req.CoupleID
	if coupleID == "" && req.RuleID != nil {
		coupleID = h.access.ruleCouple(*req.RuleID)
	}
	userID := auth.UserID(r.Context())
	if !h.access.Member(userID, coupleID) || !h.access.Member(req.ViolatorID, coupleID) {
		writeError(w, forbidden(model.TableViolations))
		return
	}

	v, err := h.violations.Create(model.Violation{
		ID:            req.ID,
		CoupleID:      coupleID,
		RuleID:        req.RuleID,
		ViolatorID:    req.ViolatorID,
		RecordedBy:    userID,
		Amount:        req.Amount,
		Memo:          req.Memo,
		ViolationDate: req.ViolationDate,
	})
	if errors.Is(err, store.ErrRuleNotFound) {
		writeError(w, notFound(model.TableRules))
		return
	}
	if err != nil {
		internalError(w, h.logger, "failed to create violation", err)
		return
	}

	h.publish(r.Context(), backend.OpInsert, model.TableViolations, v, nil)
	h.publishBalance(r, coupleID)
	writeJSON(w, http.StatusCreated, v)
}

func (h *ViolationHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	existing, err := h.violations.GetByID(id)
	if err != nil {
		internalError(w, h.logger, "failed to get violation", err)
		return
	}
	if existing == nil {
		writeError(w, notFound(model.TableViolations))
		return
	}
	coupleID, err := h.violations.CoupleOf(existing)
	if err != nil {
		internalError(w, h.logger, "failed to resolve violation couple", err)
		return
	}
	if !h.access.Member(auth.UserID(r.Context()), coupleID) {
		writeError(w, notFound(model.TableViolations))
		return
	}

	old, err := h.violations.Delete(id)
	if err != nil {
		internalError(w, h.logger, "failed to delete violation", err)
		return
	}

	if old != nil {
		h.publish(r.Context(), backend.OpDelete, model.TableViolations, nil, old)
		h.publishBalance(r, coupleID)
	}
	w.WriteHeader(http.StatusNoContent)
}

// publishBalance announces the couple row after a balance change.
func (h *ViolationHandler) publishBalance(r *http.Request, coupleID string) {
	c, err := h.couples.GetByID(coupleID)
	if err != nil || c == nil {
		h.logger.Warn("reload couple after balance change", "couple_id", coupleID, "error", err)
		return
	}
	h.publish(r.Context(), backend.OpUpdate, model.TableCouples, c, nil)
}
