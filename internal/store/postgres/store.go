// Package postgres persists scheduled tasks in PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/taskwheel/taskwheel/internal/doctor"
	"github.com/taskwheel/taskwheel/internal/domain"
	"github.com/taskwheel/taskwheel/internal/lifecycle"
	"github.com/taskwheel/taskwheel/internal/trigger"
)

// Store implements lifecycle.Store, trigger.Store and doctor.Store using
// PostgreSQL.
type Store struct {
	db *sql.DB
}

// New creates a new PostgreSQL store with the given database connection.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Create inserts a new scheduled task.
func (s *Store) Create(ctx context.Context, task domain.ScheduledTask) error {
	params, err := json.Marshal(task.Action.Params)
	if err != nil {
		return fmt.Errorf("marshal action params: %w", err)
	}

	_, err = s.db.ExecContext(ctx, queryInsertTask,
		task.ID,
		task.Name,
		task.Description,
		task.CreatedBy,
		string(task.Schedule.Kind),
		task.Schedule.TimeOfDay,
		pq.Array(toInt64(task.Schedule.Weekdays)),
		task.Schedule.DayOfMonth,
		task.Schedule.Expression,
		string(task.Action.Kind),
		params,
		task.IsActive,
		nullableTime(task.LastRun),
		nullableTime(task.NextRun),
		task.CreatedAt,
		task.UpdatedAt,
	)
	return err
}

// GetByID returns a task by its ID, or lifecycle.ErrNotFound.
func (s *Store) GetByID(ctx context.Context, id uuid.UUID) (domain.ScheduledTask, error) {
	row := s.db.QueryRowContext(ctx, queryGetTaskByID, id)
	task, err := scanTask(row.Scan)
	if err == sql.ErrNoRows {
		return domain.ScheduledTask{}, lifecycle.ErrNotFound
	}
	return task, err
}

// UpdateChecked persists the task only when the stored row still carries
// prevUpdatedAt. A concurrent writer that got there first leaves this call
// with lifecycle.ErrStaleTask.
// This uses an atomic UPDATE with the guard in the WHERE clause; PostgreSQL
// takes the row lock before evaluating it, so concurrent updates serialize.
func (s *Store) UpdateChecked(ctx context.Context, task domain.ScheduledTask, prevUpdatedAt time.Time) error {
	params, err := json.Marshal(task.Action.Params)
	if err != nil {
		return fmt.Errorf("marshal action params: %w", err)
	}

	result, err := s.db.ExecContext(ctx, queryUpdateTaskChecked,
		task.ID,
		task.Name,
		task.Description,
		task.CreatedBy,
		string(task.Schedule.Kind),
		task.Schedule.TimeOfDay,
		pq.Array(toInt64(task.Schedule.Weekdays)),
		task.Schedule.DayOfMonth,
		task.Schedule.Expression,
		string(task.Action.Kind),
		params,
		task.IsActive,
		nullableTime(task.LastRun),
		nullableTime(task.NextRun),
		task.UpdatedAt,
		prevUpdatedAt,
	)
	if err != nil {
		return err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		// Either the row is gone or another writer bumped updated_at.
		var one int
		err := s.db.QueryRowContext(ctx, queryTaskExists, task.ID).Scan(&one)
		if err == sql.ErrNoRows {
			return lifecycle.ErrNotFound
		}
		if err != nil {
			return err
		}
		return lifecycle.ErrStaleTask
	}
	return nil
}

// Delete removes a task, returning lifecycle.ErrNotFound when it does not exist.
func (s *Store) Delete(ctx context.Context, id uuid.UUID) error {
	result, err := s.db.ExecContext(ctx, queryDeleteTask, id)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return lifecycle.ErrNotFound
	}
	return nil
}

// QueryDue returns active tasks whose next run is at or before now,
// earliest first.
func (s *Store) QueryDue(ctx context.Context, now time.Time, limit int) ([]domain.ScheduledTask, error) {
	rows, err := s.db.QueryContext(ctx, queryDueTasks, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTasks(rows)
}

// ListNeverRunnable returns active tasks without a next run, stalest first.
func (s *Store) ListNeverRunnable(ctx context.Context, limit int) ([]domain.ScheduledTask, error) {
	rows, err := s.db.QueryContext(ctx, queryNeverRunnableTasks, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTasks(rows)
}

// List returns tasks newest first, paginated by limit and offset.
func (s *Store) List(ctx context.Context, limit, offset int) ([]domain.ScheduledTask, error) {
	rows, err := s.db.QueryContext(ctx, queryListTasks, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTasks(rows)
}

func collectTasks(rows *sql.Rows) ([]domain.ScheduledTask, error) {
	var result []domain.ScheduledTask
	for rows.Next() {
		task, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		result = append(result, task)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// scanTask reads one task row in taskColumns order.
func scanTask(scan func(dest ...any) error) (domain.ScheduledTask, error) {
	var (
		task     domain.ScheduledTask
		kind     string
		weekdays []int64
		action   string
		params   []byte
		lastRun  sql.NullTime
		nextRun  sql.NullTime
	)

	err := scan(
		&task.ID,
		&task.Name,
		&task.Description,
		&task.CreatedBy,
		&kind,
		&task.Schedule.TimeOfDay,
		pq.Array(&weekdays),
		&task.Schedule.DayOfMonth,
		&task.Schedule.Expression,
		&action,
		&params,
		&task.IsActive,
		&lastRun,
		&nextRun,
		&task.CreatedAt,
		&task.UpdatedAt,
	)
	if err != nil {
		return domain.ScheduledTask{}, err
	}

	task.Schedule.Kind = domain.RuleKind(kind)
	task.Schedule.Weekdays = toInt(weekdays)
	task.Action.Kind = domain.ActionKind(action)
	if len(params) > 0 {
		if err := json.Unmarshal(params, &task.Action.Params); err != nil {
			return domain.ScheduledTask{}, fmt.Errorf("unmarshal action params: %w", err)
		}
	}
	if lastRun.Valid {
		t := lastRun.Time
		task.LastRun = &t
	}
	if nextRun.Valid {
		t := nextRun.Time
		task.NextRun = &t
	}
	return task, nil
}

func nullableTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func toInt64(in []int) []int64 {
	if in == nil {
		return nil
	}
	out := make([]int64, len(in))
	for i, v := range in {
		out[i] = int64(v)
	}
	return out
}

func toInt(in []int64) []int {
	if len(in) == 0 {
		return nil
	}
	out := make([]int, len(in))
	for i, v := range in {
		out[i] = int(v)
	}
	return out
}

// Ping reports database health.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Compile-time interface assertions
var (
	_ lifecycle.Store = (*Store)(nil)
	_ trigger.Store   = (*Store)(nil)
	_ doctor.Store    = (*Store)(nil)
)
