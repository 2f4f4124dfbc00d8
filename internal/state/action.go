package state

import "github.com/dukerupert/finepair/internal/model"

// Action is the closed set of state transitions understood by Reduce.
type Action interface {
	action()
}

type SetLoading struct{ Loading bool }

type SetUser struct{ User *model.Profile }

type SetCouple struct{ Couple *model.Couple }

type SetRules struct{ Rules []model.Rule }
type AddRule struct{ Rule model.Rule }
type UpdateRule struct{ Rule model.Rule }
type DeleteRule struct{ ID string }

// RestoreRule puts back a rule removed by a failed write at the index it
// had before, clamped to the current length.
type RestoreRule struct {
	Rule  model.Rule
	Index int
}

type SetViolations struct{ Violations []model.Violation }
type AddViolation struct{ Violation model.Violation }
type UpdateViolation struct{ Violation model.Violation }
type DeleteViolation struct{ ID string }
type RestoreViolation struct {
	Violation model.Violation
	Index     int
}

type SetRewards struct{ Rewards []model.Reward }
type AddReward struct{ Reward model.Reward }
type UpdateReward struct{ Reward model.Reward }
type DeleteReward struct{ ID string }
type RestoreReward struct {
	Reward model.Reward
	Index  int
}

type SetOnlineStatus struct{ Online bool }

// ResetState drops couple data but keeps the signed-in user.
type ResetState struct{}

func (SetLoading) action()       {}
func (SetUser) action()          {}
func (SetCouple) action()        {}
func (SetRules) action()         {}
func (AddRule) action()          {}
func (UpdateRule) action()       {}
func (DeleteRule) action()       {}
func (RestoreRule) action()      {}
func (SetViolations) action()    {}
func (AddViolation) action()     {}
func (UpdateViolation) action()  {}
func (DeleteViolation) action()  {}
func (RestoreViolation) action() {}
func (SetRewards) action()       {}
func (AddReward) action()        {}
func (UpdateReward) action()     {}
func (DeleteReward) action()     {}
func (RestoreReward) action()    {}
func (SetOnlineStatus) action()  {}
func (ResetState) action()       {}
