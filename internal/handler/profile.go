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

type ProfileHandler struct {
	profiles *store.ProfileStore
	access   *Access
	publisher
	logger *slog.Logger
}

func NewProfileHandler(ps *store.ProfileStore, access *Access, pub Publisher, logger *slog.Logger) *ProfileHandler {
	return &ProfileHandler{profiles: ps, access: access, publisher: publisher{pub}, logger: logger}
}

// EnsureProfile creates the caller's profile on first contact.
func (h *ProfileHandler) EnsureProfile(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if userID := auth.UserID(r.Context()); userID != "" {
			if _, err := h.profiles.Ensure(userID, ""); err != nil {
				internalError(w, h.logger, "failed to ensure profile", err)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (h *ProfileHandler) List(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())
	id := filterValue(r, "id")
	if id == "" {
		id = userID
	}
	if !h.access.canSeeProfile(userID, id) {
		writeJSON(w, http.StatusOK, []model.Profile{})
		return
	}

	p, err := h.profiles.GetByID(id)
	if err != nil {
		internalError(w, h.logger, "failed to get profile", err)
		return
	}
	if p == nil {
		writeJSON(w, http.StatusOK, []model.Profile{})
		return
	}
	writeJSON(w, http.StatusOK, []model.Profile{*p})
}

type profilePatch struct {
	DisplayName *string `json:"display_name"`
	AvatarURL   *string `json:"avatar_url"`
}

// Update edits the caller's own profile.
func (h *ProfileHandler) Update(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id != auth.UserID(r.Context()) {
		writeError(w, forbidden(model.TableProfiles))
		return
	}

	var req profilePatch
	if err := decodeBody(r, &req); err != nil {
		rejectBody(w, err)
		return
	}

	old, err := h.profiles.GetByID(id)
	if err != nil || old == nil {
		internalError(w, h.logger, "failed to get profile", err)
		return
	}
	name := old.DisplayName
	if req.DisplayName != nil {
		name = strings.TrimSpace(*req.DisplayName)
	}
	avatar := old.AvatarURL
	if req.AvatarURL != nil {
		avatar = req.AvatarURL
	}

	p, err := h.profiles.Update(id, name, avatar)
	if err != nil {
		internalError(w, h.logger, "failed to update profile", err)
		return
	}

	h.publish(r.Context(), backend.OpUpdate, model.TableProfiles, p, old)
	writeJSON(w, http.StatusOK, p)
}
