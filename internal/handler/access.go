package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/dukerupert/finepair/internal/backend"
	"github.com/dukerupert/finepair/internal/model"
	"github.com/dukerupert/finepair/internal/store"
)

const coupleTopicPrefix = "couple:"

// Access enforces row-level security: a user sees only rows of couples
// they are a partner of, and profiles of themselves and their partner.
type Access struct {
	couples  *store.CoupleStore
	rules    *store.RuleStore
	profiles *store.ProfileStore
	logger   *slog.Logger
}

func NewAccess(cs *store.CoupleStore, rs *store.RuleStore, ps *store.ProfileStore, logger *slog.Logger) *Access {
	return &Access{couples: cs, rules: rs, profiles: ps, logger: logger}
}

// Member reports whether userID is a partner of coupleID. Lookup failures
// deny.
func (a *Access) Member(userID, coupleID string) bool {
	ok, err := a.couples.IsPartner(coupleID, userID)
	if err != nil {
		a.logger.Error("check couple membership", "couple_id", coupleID, "error", err)
		return false
	}
	return ok
}

func (a *Access) canSeeProfile(userID, profileID string) bool {
	ok, err := a.profiles.SharesCouple(userID, profileID)
	if err != nil {
		a.logger.Error("check profile visibility", "profile_id", profileID, "error", err)
		return false
	}
	return ok
}

func (a *Access) ruleCouple(ruleID string) string {
	r, err := a.rules.GetByID(ruleID)
	if err != nil || r == nil {
		return ""
	}
	return r.CoupleID
}

// CanJoin admits partners to their couple topic.
func (a *Access) CanJoin(_ context.Context, userID, topic string) bool {
	coupleID, ok := strings.CutPrefix(topic, coupleTopicPrefix)
	if !ok {
		return false
	}
	return a.Member(userID, coupleID)
}

// CanReceive applies the table policies to a change about to be delivered.
func (a *Access) CanReceive(_ context.Context, userID string, change backend.RawChange) bool {
	rec := change.Record
	if change.Type == backend.OpDelete {
		rec = change.OldRecord
	}
	var row struct {
		ID       string  `json:"id"`
		CoupleID string  `json:"couple_id"`
		RuleID   *string `json:"rule_id"`
	}
	if err := json.Unmarshal(rec, &row); err != nil {
		return false
	}

	switch change.Table {
	case model.TableCouples:
		return a.Member(userID, row.ID)
	case model.TableRules, model.TableRewards:
		return a.Member(userID, row.CoupleID)
	case model.TableViolations:
		coupleID := row.CoupleID
		if coupleID == "" && row.RuleID != nil {
			coupleID = a.ruleCouple(*row.RuleID)
		}
		return a.Member(userID, coupleID)
	case model.TableProfiles:
		return a.canSeeProfile(userID, row.ID)
	}
	return false
}
