package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/dukerupert/finepair/internal/apperr"
	"github.com/dukerupert/finepair/internal/auth"
	"github.com/dukerupert/finepair/internal/backend"
	"github.com/dukerupert/finepair/internal/model"
	"github.com/dukerupert/finepair/internal/store"
)

type CoupleHandler struct {
	couples *store.CoupleStore
	access  *Access
	publisher
	logger *slog.Logger
}

func NewCoupleHandler(cs *store.CoupleStore, access *Access, pub Publisher, logger *slog.Logger) *CoupleHandler {
	return &CoupleHandler{couples: cs, access: access, publisher: publisher{pub}, logger: logger}
}

type coupleRequest struct {
	Name string `json:"name"`
}

// List returns the caller's couple, or the couple named by the id filter.
func (h *CoupleHandler) List(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())

	var c *model.Couple
	var err error
	if id := filterValue(r, "id"); id != "" {
		if !h.access.Member(userID, id) {
			writeJSON(w, http.StatusOK, []model.Couple{})
			return
		}
		c, err = h.couples.GetByID(id)
	} else {
		c, err = h.couples.ForUser(userID)
	}
	if err != nil {
		internalError(w, h.logger, "failed to get couple", err)
		return
	}
	if c == nil {
		writeJSON(w, http.StatusOK, []model.Couple{})
		return
	}
	writeJSON(w, http.StatusOK, []model.Couple{*c})
}

func (h *CoupleHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req coupleRequest
	if err := decodeBody(r, &req); err != nil {
		rejectBody(w, err)
		return
	}

	c, err := h.couples.Create(strings.TrimSpace(req.Name), auth.UserID(r.Context()))
	if err != nil {
		internalError(w, h.logger, "failed to create couple", err)
		return
	}

	h.publish(r.Context(), backend.OpInsert, model.TableCouples, c, nil)
	writeJSON(w, http.StatusCreated, c)
}

func (h *CoupleHandler) Update(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !h.access.Member(auth.UserID(r.Context()), id) {
		writeError(w, forbidden(model.TableCouples))
		return
	}

	var req coupleRequest
	if err := decodeBody(r, &req); err != nil {
		rejectBody(w, err)
		return
	}

	old, err := h.couples.GetByID(id)
	if err != nil {
		internalError(w, h.logger, "failed to get couple", err)
		return
	}
	if old == nil {
		writeError(w, notFound(model.TableCouples))
		return
	}

	c, err := h.couples.Rename(id, strings.TrimSpace(req.Name))
	if err != nil {
		internalError(w, h.logger, "failed to update couple", err)
		return
	}

	h.publish(r.Context(), backend.OpUpdate, model.TableCouples, c, old)
	writeJSON(w, http.StatusOK, c)
}

type joinRequest struct {
	JoinCode string `json:"join_code"`
}

// Join is the join_couple procedure: it places the caller in the couple
// with the given code.
func (h *CoupleHandler) Join(w http.ResponseWriter, r *http.Request) {
	var req joinRequest
	if err := decodeBody(r, &req); err != nil {
		rejectBody(w, err)
		return
	}
	if strings.TrimSpace(req.JoinCode) == "" {
		badRequest(w, "join_code is required")
		return
	}

	c, err := h.couples.JoinByCode(req.JoinCode, auth.UserID(r.Context()))
	switch {
	case errors.Is(err, store.ErrCoupleNotFound):
		writeError(w, apperr.New(apperr.CodeNoRows, err.Error()))
		return
	case errors.Is(err, store.ErrCoupleFull), errors.Is(err, store.ErrAlreadyPartner):
		writeError(w, conflict(err))
		return
	case err != nil:
		internalError(w, h.logger, "failed to join couple", err)
		return
	}

	h.logger.Info("partner joined couple", "couple_id", c.ID)
	h.publish(r.Context(), backend.OpUpdate, model.TableCouples, c, nil)
	writeJSON(w, http.StatusOK, c)
}
