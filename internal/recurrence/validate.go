package recurrence

import (
	"fmt"

	"github.com/taskwheel/taskwheel/internal/domain"
)

// Validate checks a rule for structural errors so malformed schedules are
// rejected before they are ever persisted.
func (c *Calculator) Validate(rule domain.RecurrenceRule) error {
	switch rule.Kind {
	case domain.RuleOnce:
		if rule.TimeOfDay == "" {
			return fmt.Errorf("once rule: time of day is required")
		}
		_, _, err := parseTimeOfDay(rule.TimeOfDay)
		return err

	case domain.RuleDaily:
		if rule.TimeOfDay == "" {
			return nil
		}
		_, _, err := parseTimeOfDay(rule.TimeOfDay)
		return err

	case domain.RuleWeekly:
		if len(rule.Weekdays) == 0 {
			return fmt.Errorf("weekly rule: weekday set is empty")
		}
		for _, d := range rule.Weekdays {
			if d < 0 || d > 6 {
				return fmt.Errorf("weekly rule: weekday %d out of range 0-6", d)
			}
		}
		return validateOptionalTime(rule.TimeOfDay)

	case domain.RuleMonthly:
		if rule.DayOfMonth < 1 || rule.DayOfMonth > 31 {
			return fmt.Errorf("monthly rule: day of month %d out of range 1-31", rule.DayOfMonth)
		}
		return validateOptionalTime(rule.TimeOfDay)

	case domain.RuleCustom:
		if rule.Expression == "" {
			return fmt.Errorf("custom rule: expression is required")
		}
		if c.custom == nil {
			return ErrUnsupportedSchedule
		}
		if err := c.custom.Validate(rule.Expression); err != nil {
			return fmt.Errorf("custom rule: %w", err)
		}
		return nil

	default:
		return fmt.Errorf("unknown rule kind %q", rule.Kind)
	}
}

func validateOptionalTime(timeOfDay string) error {
	if timeOfDay == "" {
		return nil
	}
	_, _, err := parseTimeOfDay(timeOfDay)
	return err
}
