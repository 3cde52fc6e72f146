package recurrence

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// CronEvaluator evaluates custom expressions as standard 5-field cron
// (minute hour dom month dow).
type CronEvaluator struct {
	parser cron.Parser
}

func NewCronEvaluator() *CronEvaluator {
	return &CronEvaluator{
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
	}
}

func (e *CronEvaluator) Next(expression string, after time.Time) (time.Time, error) {
	sched, err := e.parser.Parse(expression)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron: %w", err)
	}
	return sched.Next(after), nil
}

func (e *CronEvaluator) Validate(expression string) error {
	_, err := e.parser.Parse(expression)
	return err
}

var _ Evaluator = (*CronEvaluator)(nil)
