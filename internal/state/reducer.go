// Package state holds the client's in-memory projection of the active couple
// and the reducer that is the only code allowed to change it.
package state

import (
	"slices"

	"github.com/dukerupert/finepair/internal/model"
)

// Snapshot is an immutable view of application state. Reduce never modifies
// the slices of its input; every change produces fresh slices.
type Snapshot struct {
	User       *model.Profile
	Couple     *model.Couple
	Rules      []model.Rule
	Violations []model.Violation // newest first
	Rewards    []model.Reward
	Loading    bool
	Online     bool
}

// Initial is the state before anything has been loaded.
func Initial() Snapshot {
	return Snapshot{Loading: true, Online: true}
}

// Reduce applies a to s and returns the resulting state.
func Reduce(s Snapshot, a Action) Snapshot {
	switch a := a.(type) {
	case SetLoading:
		s.Loading = a.Loading
	case SetUser:
		s.User = cloneProfile(a.User)
	case SetCouple:
		s.Couple = cloneCouple(a.Couple)
	case SetOnlineStatus:
		s.Online = a.Online

	case SetRules:
		s.Rules = slices.Clone(a.Rules)
	case AddRule:
		s.Rules = appendUnique(s.Rules, a.Rule)
	case UpdateRule:
		if !a.Rule.IsActive {
			s.Rules = remove(s.Rules, a.Rule.ID)
		} else {
			s.Rules = replace(s.Rules, a.Rule)
		}
	case DeleteRule:
		s.Rules = remove(s.Rules, a.ID)
	case RestoreRule:
		s.Rules = insertUnique(s.Rules, a.Rule, a.Index)

	case SetViolations:
		s.Violations = slices.Clone(a.Violations)
	case AddViolation:
		s.Violations = prependUnique(s.Violations, a.Violation)
	case UpdateViolation:
		s.Violations = replace(s.Violations, a.Violation)
	case DeleteViolation:
		s.Violations = remove(s.Violations, a.ID)
	case RestoreViolation:
		s.Violations = insertUnique(s.Violations, a.Violation, a.Index)

	case SetRewards:
		s.Rewards = slices.Clone(a.Rewards)
	case AddReward:
		s.Rewards = appendUnique(s.Rewards, a.Reward)
	case UpdateReward:
		s.Rewards = replace(s.Rewards, a.Reward)
	case DeleteReward:
		s.Rewards = remove(s.Rewards, a.ID)
	case RestoreReward:
		s.Rewards = insertUnique(s.Rewards, a.Reward, a.Index)

	case ResetState:
		s = Snapshot{User: s.User, Online: s.Online}
	}
	return s
}

type identified interface {
	RecordID() string
}

func indexOf[T identified](items []T, id string) int {
	return slices.IndexFunc(items, func(it T) bool { return it.RecordID() == id })
}

func appendUnique[T identified](items []T, item T) []T {
	if indexOf(items, item.RecordID()) >= 0 {
		return items
	}
	out := make([]T, 0, len(items)+1)
	out = append(out, items...)
	return append(out, item)
}

func prependUnique[T identified](items []T, item T) []T {
	if indexOf(items, item.RecordID()) >= 0 {
		return items
	}
	out := make([]T, 0, len(items)+1)
	out = append(out, item)
	return append(out, items...)
}

// insertUnique places item at index i, clamped to [0, len(items)].
func insertUnique[T identified](items []T, item T, i int) []T {
	if indexOf(items, item.RecordID()) >= 0 {
		return items
	}
	i = max(0, min(i, len(items)))
	return slices.Insert(slices.Clone(items), i, item)
}

// replace swaps in item by id. Unknown ids leave items unchanged.
func replace[T identified](items []T, item T) []T {
	i := indexOf(items, item.RecordID())
	if i < 0 {
		return items
	}
	out := slices.Clone(items)
	out[i] = item
	return out
}

func remove[T identified](items []T, id string) []T {
	i := indexOf(items, id)
	if i < 0 {
		return items
	}
	out := make([]T, 0, len(items)-1)
	out = append(out, items[:i]...)
	return append(out, items[i+1:]...)
}

func cloneCouple(c *model.Couple) *model.Couple {
	if c == nil {
		return nil
	}
	cp := *c
	return &cp
}

func cloneProfile(p *model.Profile) *model.Profile {
	if p == nil {
		return nil
	}
	cp := *p
	return &cp
}
