// Package trigger runs due scheduled tasks: it polls the store for active
// tasks whose next occurrence has arrived, claims a per-task lease, hands
// the action to the dispatcher and advances the schedule.
//
// The trigger is the only component that mutates LastRun/NextRun outside of
// explicit lifecycle calls. Multiple trigger workers may run concurrently;
// the lease guarantees at-most-one execution per task per occurrence, and
// store writes are compare-and-swap so a lifecycle edit racing an execution
// is never overwritten (the trigger loses and drops its write).
package trigger

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/taskwheel/taskwheel/internal/dispatch"
	"github.com/taskwheel/taskwheel/internal/domain"
	"github.com/taskwheel/taskwheel/internal/lease"
	"github.com/taskwheel/taskwheel/internal/lifecycle"
	"github.com/taskwheel/taskwheel/internal/recurrence"
)

// Store is the persistence contract the trigger needs.
type Store interface {
	// QueryDue returns active tasks with next_run <= now, earliest first.
	QueryDue(ctx context.Context, now time.Time, limit int) ([]domain.ScheduledTask, error)
	GetByID(ctx context.Context, id uuid.UUID) (domain.ScheduledTask, error)
	// UpdateChecked persists task only if the stored row still carries
	// prevUpdatedAt; otherwise it returns lifecycle.ErrStaleTask.
	UpdateChecked(ctx context.Context, task domain.ScheduledTask, prevUpdatedAt time.Time) error
}

// ActionDispatcher executes a task's action payload.
type ActionDispatcher interface {
	Dispatch(ctx context.Context, action domain.ActionSpec) error
}

// ResultSink receives one ExecutionResult per processed task.
type ResultSink interface {
	Emit(ctx context.Context, result domain.ExecutionResult) error
}

// AnalyticsSink records execution counts as a best-effort side effect.
type AnalyticsSink interface {
	Record(ctx context.Context, result domain.ExecutionResult)
}

// MetricsSink defines the trigger's metrics hooks.
// All methods must be non-blocking and fire-and-forget.
type MetricsSink interface {
	PassStarted()
	PassCompleted(duration time.Duration, due int, err error)
	DispatchCompleted(kind string, outcome string, duration time.Duration)
	LeaseConflict()
	ScheduleExhausted()
}

type Config struct {
	// PollInterval is the cadence of the Run loop.
	PollInterval time.Duration
	// BatchSize bounds how many due tasks one pass processes.
	BatchSize int
	// LeaseTTL bounds how long a crashed worker can hold a task.
	LeaseTTL time.Duration
	// DispatchTimeout bounds a single action dispatch. Required: the
	// trigger never substitutes its own unbounded default.
	DispatchTimeout time.Duration
}

type Trigger struct {
	config     Config
	store      Store
	leases     lease.Manager
	dispatcher ActionDispatcher
	calc       *recurrence.Calculator

	results   ResultSink    // optional, nil = disabled
	analytics AnalyticsSink // optional, nil = disabled
	metrics   MetricsSink   // optional, nil = disabled

	clock func() time.Time
}

func New(config Config, store Store, leases lease.Manager, dispatcher ActionDispatcher, calc *recurrence.Calculator) *Trigger {
	return &Trigger{
		config:     config,
		store:      store,
		leases:     leases,
		dispatcher: dispatcher,
		calc:       calc,
		clock:      time.Now,
	}
}

// WithResults attaches a result sink fed after every processed task.
func (t *Trigger) WithResults(sink ResultSink) *Trigger {
	t.results = sink
	return t
}

// WithAnalytics attaches an analytics sink.
func (t *Trigger) WithAnalytics(sink AnalyticsSink) *Trigger {
	t.analytics = sink
	return t
}

// WithMetrics attaches a metrics sink.
func (t *Trigger) WithMetrics(sink MetricsSink) *Trigger {
	t.metrics = sink
	return t
}

// WithClock replaces the time source, for tests.
func (t *Trigger) WithClock(clock func() time.Time) *Trigger {
	t.clock = clock
	return t
}

// Run polls for due tasks until ctx is cancelled.
func (t *Trigger) Run(ctx context.Context) error {
	ticker := time.NewTicker(t.config.PollInterval)
	defer ticker.Stop()

	log.Printf("trigger: started, poll=%s batch=%d lease_ttl=%s",
		t.config.PollInterval, t.config.BatchSize, t.config.LeaseTTL)

	for {
		select {
		case <-ctx.Done():
			log.Println("trigger: stopped")
			return ctx.Err()
		case <-ticker.C:
			if _, err := t.RunDueTasks(ctx, t.clock()); err != nil {
				log.Printf("trigger: pass error: %v", err)
			}
		}
	}
}

// RunDueTasks executes one pass over every due task at now and returns one
// result per task considered.
func (t *Trigger) RunDueTasks(ctx context.Context, now time.Time) ([]domain.ExecutionResult, error) {
	if t.metrics != nil {
		t.metrics.PassStarted()
	}
	passStart := t.clock()

	due, err := t.store.QueryDue(ctx, now, t.config.BatchSize)
	if err != nil {
		if t.metrics != nil {
			t.metrics.PassCompleted(t.clock().Sub(passStart), 0, err)
		}
		return nil, fmt.Errorf("query due tasks: %w", err)
	}

	results := make([]domain.ExecutionResult, 0, len(due))
	for _, task := range due {
		if ctx.Err() != nil {
			break
		}
		result := t.processTask(ctx, task.ID, now)
		results = append(results, result)

		if t.metrics != nil {
			t.metrics.DispatchCompleted(string(result.Kind), string(result.Outcome),
				result.FinishedAt.Sub(result.StartedAt))
		}
		if t.analytics != nil && result.Outcome != domain.OutcomeSkipped {
			t.analytics.Record(ctx, result)
		}
		if t.results != nil {
			if err := t.results.Emit(ctx, result); err != nil {
				log.Printf("trigger: emit result for task=%s: %v", result.TaskID, err)
			}
		}
	}

	if t.metrics != nil {
		t.metrics.PassCompleted(t.clock().Sub(passStart), len(due), nil)
	}
	return results, nil
}

// processTask runs one due task under its lease.
func (t *Trigger) processTask(ctx context.Context, taskID uuid.UUID, now time.Time) domain.ExecutionResult {
	result := domain.ExecutionResult{
		TaskID:    taskID,
		StartedAt: t.clock(),
	}
	finish := func(outcome domain.Outcome, err error) domain.ExecutionResult {
		result.Outcome = outcome
		result.FinishedAt = t.clock()
		if err != nil {
			result.Err = err.Error()
		}
		return result
	}

	if err := t.leases.Acquire(ctx, taskID, t.config.LeaseTTL); err != nil {
		if errors.Is(err, lease.ErrHeld) {
			if t.metrics != nil {
				t.metrics.LeaseConflict()
			}
			return finish(domain.OutcomeSkipped, err)
		}
		log.Printf("trigger: task=%s lease error: %v", taskID, err)
		return finish(domain.OutcomeSkipped, err)
	}
	defer func() {
		if err := t.leases.Release(context.WithoutCancel(ctx), taskID); err != nil {
			log.Printf("trigger: task=%s release lease: %v", taskID, err)
		}
	}()

	// Reload under the lease: a deactivation or deletion between the due
	// query and lease acquisition must prevent dispatch.
	task, err := t.store.GetByID(ctx, taskID)
	if err != nil {
		if errors.Is(err, lifecycle.ErrNotFound) {
			return finish(domain.OutcomeSkipped, err)
		}
		return finish(domain.OutcomeSkipped, fmt.Errorf("reload task: %w", err))
	}
	result.Kind = task.Action.Kind
	if !task.Due(now) {
		return finish(domain.OutcomeSkipped, errors.New("no longer due"))
	}

	dispatchCtx, cancel := context.WithTimeout(ctx, t.config.DispatchTimeout)
	err = t.dispatcher.Dispatch(dispatchCtx, task.Action)
	cancel()

	switch {
	case err == nil:
		if aerr := t.advance(ctx, task, now, true); aerr != nil {
			return finish(domain.OutcomeSuccess, aerr)
		}
		return finish(domain.OutcomeSuccess, nil)

	case dispatch.IsPermanent(err):
		// A permanently broken action must not wedge the task: advance
		// the schedule anyway and surface the failure.
		log.Printf("trigger: task=%s permanent dispatch failure: %v", task.ID, err)
		if aerr := t.advance(ctx, task, now, false); aerr != nil {
			log.Printf("trigger: task=%s advance after permanent failure: %v", task.ID, aerr)
		}
		return finish(domain.OutcomePermanent, err)

	default:
		// Retryable: leave LastRun/NextRun untouched so the same
		// occurrence is retried on the next poll.
		log.Printf("trigger: task=%s retryable dispatch failure: %v", task.ID, err)
		return finish(domain.OutcomeRetryable, err)
	}
}

// advance stamps the post-execution schedule state and CAS-persists it.
func (t *Trigger) advance(ctx context.Context, task domain.ScheduledTask, now time.Time, ran bool) error {
	prevUpdatedAt := task.UpdatedAt
	if ran {
		lastRun := now
		task.LastRun = &lastRun
	}

	if task.Schedule.Kind == domain.RuleOnce {
		// A once schedule is spent as soon as its occurrence has been
		// handled. The calculator is pure and cannot know the task just
		// fired; left to itself it would produce tomorrow's instant and
		// turn the rule into a daily one.
		log.Printf("trigger: task=%s once schedule completed", task.ID)
		if t.metrics != nil {
			t.metrics.ScheduleExhausted()
		}
		task.NextRun = nil
	} else {
		next, err := t.calc.Next(task.Schedule, now)
		switch {
		case err == nil:
			task.NextRun = &next
		case errors.Is(err, recurrence.ErrNoOccurrence), errors.Is(err, recurrence.ErrUnsupportedSchedule):
			// The task stays active but leaves the due set until its
			// schedule is corrected; the doctor reports it every cycle.
			log.Printf("trigger: task=%s schedule has no next occurrence: %v", task.ID, err)
			if t.metrics != nil {
				t.metrics.ScheduleExhausted()
			}
			task.NextRun = nil
		default:
			return fmt.Errorf("compute next run: %w", err)
		}
	}

	task.UpdatedAt = now
	if err := t.store.UpdateChecked(ctx, task, prevUpdatedAt); err != nil {
		if errors.Is(err, lifecycle.ErrStaleTask) {
			// A lifecycle edit won the race; its recomputed schedule
			// takes precedence over ours.
			log.Printf("trigger: task=%s modified concurrently, dropping schedule advance", task.ID)
			return nil
		}
		return fmt.Errorf("persist schedule advance: %w", err)
	}
	return nil
}
