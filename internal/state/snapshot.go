package state

import "github.com/dukerupert/finepair/internal/model"

// Balance is the sum of all violation amounts in the snapshot.
func (s Snapshot) Balance() int64 {
	var total int64
	for _, v := range s.Violations {
		total += v.Amount
	}
	return total
}

func (s Snapshot) RuleByID(id string) (model.Rule, bool) {
	if i := indexOf(s.Rules, id); i >= 0 {
		return s.Rules[i], true
	}
	return model.Rule{}, false
}

func (s Snapshot) ViolationByID(id string) (model.Violation, bool) {
	if i := indexOf(s.Violations, id); i >= 0 {
		return s.Violations[i], true
	}
	return model.Violation{}, false
}

func (s Snapshot) RewardByID(id string) (model.Reward, bool) {
	if i := indexOf(s.Rewards, id); i >= 0 {
		return s.Rewards[i], true
	}
	return model.Reward{}, false
}

// RuleIndex, ViolationIndex and RewardIndex return -1 for unknown ids.
func (s Snapshot) RuleIndex(id string) int { return indexOf(s.Rules, id) }

func (s Snapshot) ViolationIndex(id string) int { return indexOf(s.Violations, id) }

func (s Snapshot) RewardIndex(id string) int { return indexOf(s.Rewards, id) }

// RuleRef is a violation's rule reference resolved against the local cache.
// Resolved is false both for violations without a rule and for references
// to rules that have not arrived (or were deactivated).
type RuleRef struct {
	RuleID   string
	Rule     model.Rule
	Resolved bool
}

// Title returns the rule title or a placeholder for unresolved references.
func (r RuleRef) Title() string {
	if !r.Resolved {
		return "Unknown rule"
	}
	return r.Rule.Title
}

func (s Snapshot) RuleFor(v model.Violation) RuleRef {
	if v.RuleID == nil {
		return RuleRef{}
	}
	rule, ok := s.RuleByID(*v.RuleID)
	return RuleRef{RuleID: *v.RuleID, Rule: rule, Resolved: ok}
}

// CoupleID returns the active couple id, or "" when none is loaded.
func (s Snapshot) CoupleID() string {
	if s.Couple == nil {
		return ""
	}
	return s.Couple.ID
}

func (s Snapshot) UserID() string {
	if s.User == nil {
		return ""
	}
	return s.User.ID
}
