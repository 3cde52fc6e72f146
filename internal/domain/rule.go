package domain

// RuleKind tags a RecurrenceRule variant.
type RuleKind string

const (
	RuleOnce    RuleKind = "once"
	RuleDaily   RuleKind = "daily"
	RuleWeekly  RuleKind = "weekly"
	RuleMonthly RuleKind = "monthly"
	RuleCustom  RuleKind = "custom"
)

// RecurrenceRule describes how a task repeats. Only the fields relevant to
// Kind are meaningful:
//
//	once:    TimeOfDay (required)
//	daily:   TimeOfDay (optional; absent means every 24h from the reference)
//	weekly:  Weekdays (required, 0=Sunday..6=Saturday), TimeOfDay (optional)
//	monthly: DayOfMonth (required, 1..31), TimeOfDay (optional)
//	custom:  Expression (required; evaluated by a pluggable evaluator)
type RecurrenceRule struct {
	Kind RuleKind

	TimeOfDay  string // "HH:MM", 24h clock
	Weekdays   []int
	DayOfMonth int
	Expression string
}
