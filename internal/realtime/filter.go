package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dukerupert/finepair/internal/backend"
	"github.com/dukerupert/finepair/internal/model"
)

type Decision int

const (
	Discard Decision = iota
	Apply
	// RefreshPartner asks the owner to re-derive partner info instead of
	// patching state directly.
	RefreshPartner
)

func (d Decision) String() string {
	switch d {
	case Apply:
		return "apply"
	case RefreshPartner:
		return "refresh_partner"
	}
	return "discard"
}

// Scope is the couple and user the local state currently belongs to.
type Scope struct {
	CoupleID string
	UserID   string
}

// LocalCache answers lookups against the rows already held locally.
// state.Snapshot satisfies it.
type LocalCache interface {
	RuleByID(id string) (model.Rule, bool)
	ViolationByID(id string) (model.Violation, bool)
	RewardByID(id string) (model.Reward, bool)
}

// RuleLookup resolves which couple owns a rule, for violations that arrive
// without a couple_id.
type RuleLookup interface {
	RuleCoupleID(ctx context.Context, ruleID string) (string, error)
}

var ErrRuleNotFound = errors.New("rule not found")

// QueryRuleLookup resolves rule ownership through the query service.
type QueryRuleLookup struct {
	Query backend.QueryService
}

func (l QueryRuleLookup) RuleCoupleID(ctx context.Context, ruleID string) (string, error) {
	rows, err := l.Query.Select(ctx, model.TableRules, backend.Filter{"id": ruleID})
	if err != nil {
		return "", fmt.Errorf("lookup rule: %w", err)
	}
	if len(rows) == 0 {
		return "", ErrRuleNotFound
	}
	coupleID, _ := rows[0]["couple_id"].(string)
	if coupleID == "" {
		return "", ErrRuleNotFound
	}
	return coupleID, nil
}

// Filter decides whether a normalized event belongs to the active couple.
type Filter struct {
	lookup RuleLookup
	logger *slog.Logger
}

func NewFilter(lookup RuleLookup, logger *slog.Logger) *Filter {
	return &Filter{lookup: lookup, logger: logger}
}

// Decide returns what to do with ev given the active scope and the local
// cache. Any uncertainty resolves to Discard.
func (f *Filter) Decide(ctx context.Context, ev Event, scope Scope, cache LocalCache) Decision {
	if scope.CoupleID == "" {
		return Discard
	}

	switch ev.Table {
	case model.TableRules:
		return f.decideRule(ev, scope, cache)
	case model.TableRewards:
		return f.decideReward(ev, scope, cache)
	case model.TableViolations:
		return f.decideViolation(ctx, ev, scope, cache)
	case model.TableCouples:
		if ev.Op != backend.OpUpdate {
			return Discard
		}
		if c, ok := ev.New.(model.Couple); ok && c.ID == scope.CoupleID {
			return Apply
		}
	case model.TableProfiles:
		if ev.Op == backend.OpUpdate && ev.New != nil {
			return RefreshPartner
		}
	}
	return Discard
}

func (f *Filter) decideRule(ev Event, scope Scope, cache LocalCache) Decision {
	if ev.Op == backend.OpDelete {
		old, ok := ev.Old.(model.Rule)
		if !ok {
			return Discard
		}
		if _, cached := cache.RuleByID(old.ID); cached {
			return Apply
		}
		return matchCouple(old.CoupleID, scope)
	}
	r, ok := ev.New.(model.Rule)
	if !ok {
		return Discard
	}
	return matchCouple(r.CoupleID, scope)
}

func (f *Filter) decideReward(ev Event, scope Scope, cache LocalCache) Decision {
	if ev.Op == backend.OpDelete {
		old, ok := ev.Old.(model.Reward)
		if !ok {
			return Discard
		}
		if _, cached := cache.RewardByID(old.ID); cached {
			return Apply
		}
		return matchCouple(old.CoupleID, scope)
	}
	r, ok := ev.New.(model.Reward)
	if !ok {
		return Discard
	}
	return matchCouple(r.CoupleID, scope)
}

func (f *Filter) decideViolation(ctx context.Context, ev Event, scope Scope, cache LocalCache) Decision {
	rec := ev.New
	if ev.Op == backend.OpDelete {
		rec = ev.Old
	}
	v, ok := rec.(model.Violation)
	if !ok {
		return Discard
	}

	if ev.Op == backend.OpDelete {
		if _, cached := cache.ViolationByID(v.ID); cached {
			return Apply
		}
	}
	if v.CoupleID != "" {
		return matchCouple(v.CoupleID, scope)
	}
	if v.RuleID == nil || *v.RuleID == "" {
		return Discard
	}

	if r, cached := cache.RuleByID(*v.RuleID); cached {
		return matchCouple(r.CoupleID, scope)
	}
	if f.lookup == nil {
		return Discard
	}
	coupleID, err := f.lookup.RuleCoupleID(ctx, *v.RuleID)
	if err != nil {
		f.logger.Debug("violation ownership lookup failed", "violation_id", v.ID, "rule_id", *v.RuleID, "error", err)
		return Discard
	}
	return matchCouple(coupleID, scope)
}

func matchCouple(coupleID string, scope Scope) Decision {
	if coupleID != "" && coupleID == scope.CoupleID {
		return Apply
	}
	return Discard
}
