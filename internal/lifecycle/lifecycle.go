// Package lifecycle owns the scheduled-task state machine:
// Created -> Active <-> Inactive -> Deleted. Deleted is terminal.
//
// Every mutation stamps UpdatedAt and writes through a compare-and-swap
// store update, so an edit racing a trigger pass is never silently lost.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/taskwheel/taskwheel/internal/domain"
	"github.com/taskwheel/taskwheel/internal/recurrence"
)

// ErrNotFound is returned for an unknown task id.
var ErrNotFound = errors.New("task not found")

// ErrStaleTask is returned by conditional store updates when the task was
// modified since it was read. Callers re-read and retry.
var ErrStaleTask = errors.New("task modified concurrently")

// casAttempts bounds the re-read/retry loop on CAS conflicts.
const casAttempts = 3

// ValidationError rejects malformed input before anything is persisted.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Store is the persistence contract the manager needs.
type Store interface {
	Create(ctx context.Context, task domain.ScheduledTask) error
	GetByID(ctx context.Context, id uuid.UUID) (domain.ScheduledTask, error)
	// UpdateChecked persists task only if the stored row still carries
	// prevUpdatedAt; otherwise it returns ErrStaleTask.
	UpdateChecked(ctx context.Context, task domain.ScheduledTask, prevUpdatedAt time.Time) error
	Delete(ctx context.Context, id uuid.UUID) error
	// List returns tasks newest first, paginated by limit and offset.
	List(ctx context.Context, limit, offset int) ([]domain.ScheduledTask, error)
}

// CreateSpec is the caller-supplied input for a new task.
type CreateSpec struct {
	Name        string
	Description string
	CreatedBy   string
	Schedule    domain.RecurrenceRule
	Action      domain.ActionSpec
	IsActive    bool
}

// UpdateSpec carries partial changes; nil fields are left untouched.
type UpdateSpec struct {
	Name        *string
	Description *string
	Schedule    *domain.RecurrenceRule
	Action      *domain.ActionSpec
}

// Manager creates, mutates and deletes scheduled tasks.
type Manager struct {
	store Store
	calc  *recurrence.Calculator
	clock func() time.Time
}

func NewManager(store Store, calc *recurrence.Calculator) *Manager {
	return &Manager{
		store: store,
		calc:  calc,
		clock: time.Now,
	}
}

// WithClock replaces the time source, for tests and deterministic hosts.
func (m *Manager) WithClock(clock func() time.Time) *Manager {
	m.clock = clock
	return m
}

// Create validates spec, stamps identity and timestamps, computes the first
// occurrence and persists the task. Nothing is persisted on failure.
func (m *Manager) Create(ctx context.Context, spec CreateSpec) (domain.ScheduledTask, error) {
	if spec.Name == "" {
		return domain.ScheduledTask{}, &ValidationError{Field: "name", Message: "required"}
	}
	if !domain.KnownActionKind(spec.Action.Kind) {
		return domain.ScheduledTask{}, &ValidationError{
			Field:   "action.kind",
			Message: fmt.Sprintf("unknown action kind %q", spec.Action.Kind),
		}
	}
	if err := m.calc.Validate(spec.Schedule); err != nil {
		if errors.Is(err, recurrence.ErrUnsupportedSchedule) {
			return domain.ScheduledTask{}, err
		}
		return domain.ScheduledTask{}, &ValidationError{Field: "schedule", Message: err.Error()}
	}

	now := m.clock()
	task := domain.ScheduledTask{
		ID:          uuid.New(),
		Name:        spec.Name,
		Description: spec.Description,
		CreatedBy:   spec.CreatedBy,
		Schedule:    spec.Schedule,
		Action:      spec.Action,
		IsActive:    spec.IsActive,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	nextRun, err := m.nextRun(task.Schedule, now)
	if err != nil {
		return domain.ScheduledTask{}, err
	}
	task.NextRun = nextRun

	if err := m.store.Create(ctx, task); err != nil {
		return domain.ScheduledTask{}, fmt.Errorf("persist task: %w", err)
	}
	return task, nil
}

// Update merges partial changes into an existing task. A schedule change
// recomputes NextRun from the update instant.
func (m *Manager) Update(ctx context.Context, id uuid.UUID, spec UpdateSpec) (domain.ScheduledTask, error) {
	if spec.Schedule != nil {
		if err := m.calc.Validate(*spec.Schedule); err != nil {
			if errors.Is(err, recurrence.ErrUnsupportedSchedule) {
				return domain.ScheduledTask{}, err
			}
			return domain.ScheduledTask{}, &ValidationError{Field: "schedule", Message: err.Error()}
		}
	}
	if spec.Action != nil && !domain.KnownActionKind(spec.Action.Kind) {
		return domain.ScheduledTask{}, &ValidationError{
			Field:   "action.kind",
			Message: fmt.Sprintf("unknown action kind %q", spec.Action.Kind),
		}
	}

	return m.mutate(ctx, id, func(task *domain.ScheduledTask, now time.Time) error {
		if spec.Name != nil {
			if *spec.Name == "" {
				return &ValidationError{Field: "name", Message: "required"}
			}
			task.Name = *spec.Name
		}
		if spec.Description != nil {
			task.Description = *spec.Description
		}
		if spec.Action != nil {
			task.Action = *spec.Action
		}
		if spec.Schedule != nil {
			task.Schedule = *spec.Schedule
			nextRun, err := m.nextRun(task.Schedule, now)
			if err != nil {
				return err
			}
			task.NextRun = nextRun
		}
		return nil
	})
}

// ToggleActive flips the activation flag. Reactivation recomputes NextRun
// from the toggle instant so a task toggled back on does not fire a backlog
// of occurrences missed while it was inactive.
func (m *Manager) ToggleActive(ctx context.Context, id uuid.UUID, active bool) (domain.ScheduledTask, error) {
	return m.mutate(ctx, id, func(task *domain.ScheduledTask, now time.Time) error {
		reactivating := active && !task.IsActive
		task.IsActive = active
		if reactivating {
			nextRun, err := m.nextRun(task.Schedule, now)
			if err != nil {
				return err
			}
			task.NextRun = nextRun
		}
		return nil
	})
}

// Delete removes the task permanently. There is no tombstone.
func (m *Manager) Delete(ctx context.Context, id uuid.UUID) error {
	return m.store.Delete(ctx, id)
}

// Get returns the task by id.
func (m *Manager) Get(ctx context.Context, id uuid.UUID) (domain.ScheduledTask, error) {
	return m.store.GetByID(ctx, id)
}

// List returns tasks newest first, paginated by limit and offset.
func (m *Manager) List(ctx context.Context, limit, offset int) ([]domain.ScheduledTask, error) {
	return m.store.List(ctx, limit, offset)
}

// mutate runs apply inside a read/modify/CAS-write loop.
func (m *Manager) mutate(ctx context.Context, id uuid.UUID, apply func(*domain.ScheduledTask, time.Time) error) (domain.ScheduledTask, error) {
	var lastErr error
	for attempt := 0; attempt < casAttempts; attempt++ {
		task, err := m.store.GetByID(ctx, id)
		if err != nil {
			return domain.ScheduledTask{}, err
		}

		now := m.clock()
		prevUpdatedAt := task.UpdatedAt
		if err := apply(&task, now); err != nil {
			return domain.ScheduledTask{}, err
		}
		task.UpdatedAt = now

		err = m.store.UpdateChecked(ctx, task, prevUpdatedAt)
		if err == nil {
			return task, nil
		}
		if !errors.Is(err, ErrStaleTask) {
			return domain.ScheduledTask{}, fmt.Errorf("persist task: %w", err)
		}
		lastErr = err
	}
	return domain.ScheduledTask{}, fmt.Errorf("update task %s: %w", id, lastErr)
}

// nextRun wraps the calculator, mapping "no next occurrence" to a nil
// timestamp rather than an error: the task is persisted but never due.
func (m *Manager) nextRun(rule domain.RecurrenceRule, reference time.Time) (*time.Time, error) {
	next, err := m.calc.Next(rule, reference)
	if err != nil {
		if errors.Is(err, recurrence.ErrNoOccurrence) {
			return nil, nil
		}
		return nil, err
	}
	return &next, nil
}
