// Package recurrence computes the next occurrence of a recurrence rule.
//
// The calculator is a pure function over (rule, reference): no clock access,
// no logging, no mutation of the rule. All calendar arithmetic happens in the
// reference instant's location; the package never infers a timezone.
//
// A candidate equal to the reference is never returned. Ties advance to the
// next cycle, so every successful result is strictly after the reference.
package recurrence

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/taskwheel/taskwheel/internal/domain"
)

// ErrNoOccurrence means the rule cannot produce a future instant
// (e.g. a weekly rule with an empty weekday set).
var ErrNoOccurrence = errors.New("rule has no next occurrence")

// ErrUnsupportedSchedule is returned for custom rules when no expression
// evaluator is configured.
var ErrUnsupportedSchedule = errors.New("custom schedule expressions are not supported")

// Evaluator resolves custom recurrence expressions.
type Evaluator interface {
	// Next returns the first occurrence strictly after the given instant.
	Next(expression string, after time.Time) (time.Time, error)
	// Validate reports whether the expression is well-formed.
	Validate(expression string) error
}

// Calculator computes next occurrences. The zero value supports all built-in
// rule kinds; custom rules additionally require an Evaluator.
type Calculator struct {
	custom Evaluator
}

// NewCalculator returns a Calculator. evaluator may be nil, in which case
// custom rules fail with ErrUnsupportedSchedule.
func NewCalculator(evaluator Evaluator) *Calculator {
	return &Calculator{custom: evaluator}
}

// Next returns the earliest occurrence of rule strictly after reference.
func (c *Calculator) Next(rule domain.RecurrenceRule, reference time.Time) (time.Time, error) {
	switch rule.Kind {
	case domain.RuleOnce:
		return nextAtTimeOfDay(rule.TimeOfDay, reference)

	case domain.RuleDaily:
		if rule.TimeOfDay == "" {
			return reference.Add(24 * time.Hour), nil
		}
		return nextAtTimeOfDay(rule.TimeOfDay, reference)

	case domain.RuleWeekly:
		return nextWeekly(rule, reference)

	case domain.RuleMonthly:
		return nextMonthly(rule, reference)

	case domain.RuleCustom:
		if c.custom == nil {
			return time.Time{}, ErrUnsupportedSchedule
		}
		next, err := c.custom.Next(rule.Expression, reference)
		if err != nil {
			return time.Time{}, fmt.Errorf("evaluate expression: %w", err)
		}
		if !next.After(reference) {
			return time.Time{}, ErrNoOccurrence
		}
		return next, nil

	default:
		return time.Time{}, fmt.Errorf("unknown rule kind %q", rule.Kind)
	}
}

// nextAtTimeOfDay returns the reference date at hh:mm, rolled to the next
// day when that instant has already passed (or is exactly now).
func nextAtTimeOfDay(timeOfDay string, reference time.Time) (time.Time, error) {
	hour, minute, err := parseTimeOfDay(timeOfDay)
	if err != nil {
		return time.Time{}, err
	}

	candidate := time.Date(
		reference.Year(), reference.Month(), reference.Day(),
		hour, minute, 0, 0, reference.Location(),
	)
	if !candidate.After(reference) {
		candidate = candidate.AddDate(0, 0, 1)
	}
	return candidate, nil
}

func nextWeekly(rule domain.RecurrenceRule, reference time.Time) (time.Time, error) {
	if len(rule.Weekdays) == 0 {
		return time.Time{}, ErrNoOccurrence
	}

	hour, minute := 0, 0
	if rule.TimeOfDay != "" {
		var err error
		hour, minute, err = parseTimeOfDay(rule.TimeOfDay)
		if err != nil {
			return time.Time{}, err
		}
	}

	days := append([]int(nil), rule.Weekdays...)
	sort.Ints(days)

	cur := int(reference.Weekday())
	daysAhead := -1
	for _, d := range days {
		if d > cur {
			daysAhead = d - cur
			break
		}
	}
	if daysAhead < 0 {
		// Nothing left this week; wrap to the earliest day next week.
		daysAhead = 7 - cur + days[0]
	}

	date := reference.AddDate(0, 0, daysAhead)
	return time.Date(
		date.Year(), date.Month(), date.Day(),
		hour, minute, 0, 0, reference.Location(),
	), nil
}

func nextMonthly(rule domain.RecurrenceRule, reference time.Time) (time.Time, error) {
	if rule.DayOfMonth < 1 || rule.DayOfMonth > 31 {
		return time.Time{}, ErrNoOccurrence
	}

	hour, minute := 0, 0
	if rule.TimeOfDay != "" {
		var err error
		hour, minute, err = parseTimeOfDay(rule.TimeOfDay)
		if err != nil {
			return time.Time{}, err
		}
	}

	year, month := reference.Year(), reference.Month()
	if rule.DayOfMonth <= reference.Day() {
		year, month = nextMonth(year, month)
	}

	candidate := monthlyCandidate(year, month, rule.DayOfMonth, hour, minute, reference.Location())
	if !candidate.After(reference) {
		// Clamping can land the candidate at or before the reference
		// (e.g. day 31 clamped to Feb 28 when the reference is Feb 28
		// afternoon). Advance one more month.
		year, month = nextMonth(year, month)
		candidate = monthlyCandidate(year, month, rule.DayOfMonth, hour, minute, reference.Location())
	}
	return candidate, nil
}

// monthlyCandidate builds year-month at dayOfMonth, clamped to the month's
// last day so day 31 fires on Feb 28/29 instead of overflowing into March.
func monthlyCandidate(year int, month time.Month, dayOfMonth, hour, minute int, loc *time.Location) time.Time {
	if last := daysIn(year, month); dayOfMonth > last {
		dayOfMonth = last
	}
	return time.Date(year, month, dayOfMonth, hour, minute, 0, 0, loc)
}

func nextMonth(year int, month time.Month) (int, time.Month) {
	if month == time.December {
		return year + 1, time.January
	}
	return year, month + 1
}

func daysIn(year int, month time.Month) int {
	// Day 0 of the following month is the last day of this month.
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// parseTimeOfDay parses a 24h "HH:MM" string.
func parseTimeOfDay(s string) (hour, minute int, err error) {
	if len(s) != 5 || s[2] != ':' {
		return 0, 0, fmt.Errorf("time of day %q: want HH:MM", s)
	}
	for _, i := range []int{0, 1, 3, 4} {
		if s[i] < '0' || s[i] > '9' {
			return 0, 0, fmt.Errorf("time of day %q: want HH:MM", s)
		}
	}
	hour = int(s[0]-'0')*10 + int(s[1]-'0')
	minute = int(s[3]-'0')*10 + int(s[4]-'0')
	if hour > 23 {
		return 0, 0, fmt.Errorf("time of day %q: hour out of range", s)
	}
	if minute > 59 {
		return 0, 0, fmt.Errorf("time of day %q: minute out of range", s)
	}
	return hour, minute, nil
}
