package model

// Table names as they appear on the change feed and the query service.
const (
	TableCouples    = "couples"
	TableRules      = "rules"
	TableViolations = "violations"
	TableRewards    = "rewards"
	TableProfiles   = "profiles"
)

// KnownTable reports whether table is one of the tables above.
func KnownTable(table string) bool {
	switch table {
	case TableCouples, TableRules, TableViolations, TableRewards, TableProfiles:
		return true
	}
	return false
}

// Record is the closed set of row types carried by change events. The
// unexported method keeps implementations inside this package.
type Record interface {
	RecordID() string
	Table() string
	record()
}

func (c Couple) RecordID() string    { return c.ID }
func (r Rule) RecordID() string      { return r.ID }
func (v Violation) RecordID() string { return v.ID }
func (r Reward) RecordID() string    { return r.ID }
func (p Profile) RecordID() string   { return p.ID }

func (Couple) Table() string    { return TableCouples }
func (Rule) Table() string      { return TableRules }
func (Violation) Table() string { return TableViolations }
func (Reward) Table() string    { return TableRewards }
func (Profile) Table() string   { return TableProfiles }

func (Couple) record()    {}
func (Rule) record()      {}
func (Violation) record() {}
func (Reward) record()    {}
func (Profile) record()   {}
