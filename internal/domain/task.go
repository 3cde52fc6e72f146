package domain

import (
	"time"

	"github.com/google/uuid"
)

// ScheduledTask is a recurring task owned by the lifecycle manager.
//
// LastRun is nil until the first successful execution. NextRun is nil when
// the schedule cannot produce a future occurrence; such a task never enters
// the due set even while active.
type ScheduledTask struct {
	ID uuid.UUID

	Name        string
	Description string
	CreatedBy   string

	Schedule RecurrenceRule
	Action   ActionSpec

	IsActive bool

	LastRun *time.Time
	NextRun *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Due reports whether the task is eligible for triggering at now.
func (t ScheduledTask) Due(now time.Time) bool {
	return t.IsActive && t.NextRun != nil && !t.NextRun.After(now)
}
