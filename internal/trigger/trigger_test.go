package trigger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/taskwheel/taskwheel/internal/dispatch"
	"github.com/taskwheel/taskwheel/internal/domain"
	"github.com/taskwheel/taskwheel/internal/lease"
	"github.com/taskwheel/taskwheel/internal/lifecycle"
	"github.com/taskwheel/taskwheel/internal/recurrence"
)

// mockStore keeps tasks in memory and enforces the CAS contract.
type mockStore struct {
	mu    sync.Mutex
	tasks map[uuid.UUID]domain.ScheduledTask
}

func newMockStore() *mockStore {
	return &mockStore{tasks: make(map[uuid.UUID]domain.ScheduledTask)}
}

func (s *mockStore) put(task domain.ScheduledTask) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[task.ID] = task
}

func (s *mockStore) get(id uuid.UUID) domain.ScheduledTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tasks[id]
}

func (s *mockStore) QueryDue(ctx context.Context, now time.Time, limit int) ([]domain.ScheduledTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []domain.ScheduledTask
	for _, task := range s.tasks {
		if task.Due(now) && len(due) < limit {
			due = append(due, task)
		}
	}
	return due, nil
}

func (s *mockStore) GetByID(ctx context.Context, id uuid.UUID) (domain.ScheduledTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return domain.ScheduledTask{}, lifecycle.ErrNotFound
	}
	return task, nil
}

func (s *mockStore) UpdateChecked(ctx context.Context, task domain.ScheduledTask, prevUpdatedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.tasks[task.ID]
	if !ok {
		return lifecycle.ErrNotFound
	}
	if !existing.UpdatedAt.Equal(prevUpdatedAt) {
		return lifecycle.ErrStaleTask
	}
	s.tasks[task.ID] = task
	return nil
}

// mockDispatcher counts dispatches and returns a configured error.
type mockDispatcher struct {
	mu    sync.Mutex
	err   error
	calls int
	block chan struct{} // optional: hold dispatch open until closed
}

func (d *mockDispatcher) Dispatch(ctx context.Context, action domain.ActionSpec) error {
	d.mu.Lock()
	d.calls++
	block := d.block
	d.mu.Unlock()
	if block != nil {
		<-block
	}
	return d.err
}

func (d *mockDispatcher) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func testConfig() Config {
	return Config{
		PollInterval:    time.Second,
		BatchSize:       100,
		LeaseTTL:        time.Minute,
		DispatchTimeout: 5 * time.Second,
	}
}

func dueTask(now time.Time) domain.ScheduledTask {
	nextRun := now.Add(-time.Minute)
	return domain.ScheduledTask{
		ID:       uuid.New(),
		Name:     "due-task",
		Schedule: domain.RecurrenceRule{Kind: domain.RuleDaily, TimeOfDay: "09:00"},
		Action: domain.ActionSpec{
			Kind:   domain.ActionWorkflowExecute,
			Params: map[string]string{"url": "https://example.com/hook"},
		},
		IsActive:  true,
		NextRun:   &nextRun,
		CreatedAt: now.Add(-time.Hour),
		UpdatedAt: now.Add(-time.Hour),
	}
}

func newTestTrigger(store *mockStore, disp ActionDispatcher) *Trigger {
	calc := recurrence.NewCalculator(nil)
	return New(testConfig(), store, lease.NewLocalManager(), disp, calc)
}

func TestRunDueTasks_ExecutesDueTask(t *testing.T) {
	now := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	store := newMockStore()
	task := dueTask(now)
	store.put(task)

	disp := &mockDispatcher{}
	trig := newTestTrigger(store, disp).WithClock(func() time.Time { return now })

	results, err := trig.RunDueTasks(context.Background(), now)
	if err != nil {
		t.Fatalf("RunDueTasks() error: %v", err)
	}
	if len(results) != 1 || results[0].Outcome != domain.OutcomeSuccess {
		t.Fatalf("results = %+v, want one success", results)
	}
	if disp.callCount() != 1 {
		t.Errorf("dispatch count = %d, want 1", disp.callCount())
	}

	stored := store.get(task.ID)
	if stored.LastRun == nil || !stored.LastRun.Equal(now) {
		t.Errorf("LastRun = %v, want %v", stored.LastRun, now)
	}
	if stored.NextRun == nil || !stored.NextRun.After(now) {
		t.Errorf("NextRun = %v, want strictly after %v", stored.NextRun, now)
	}
	want := time.Date(2024, 1, 2, 9, 0, 0, 0, time.UTC)
	if !stored.NextRun.Equal(want) {
		t.Errorf("NextRun = %v, want %v", stored.NextRun, want)
	}
}

func TestRunDueTasks_NotDueTaskUntouched(t *testing.T) {
	now := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	store := newMockStore()

	task := dueTask(now)
	future := now.Add(time.Hour)
	task.NextRun = &future
	store.put(task)

	disp := &mockDispatcher{}
	trig := newTestTrigger(store, disp).WithClock(func() time.Time { return now })

	results, err := trig.RunDueTasks(context.Background(), now)
	if err != nil {
		t.Fatalf("RunDueTasks() error: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("results = %+v, want none", results)
	}
	if disp.callCount() != 0 {
		t.Errorf("dispatch count = %d, want 0", disp.callCount())
	}
	stored := store.get(task.ID)
	if stored.LastRun != nil || !stored.NextRun.Equal(future) {
		t.Error("not-due task must be untouched by a trigger pass")
	}
}

func TestRunDueTasks_InactiveTaskIgnored(t *testing.T) {
	now := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	store := newMockStore()
	task := dueTask(now)
	task.IsActive = false
	store.put(task)

	disp := &mockDispatcher{}
	trig := newTestTrigger(store, disp).WithClock(func() time.Time { return now })

	results, _ := trig.RunDueTasks(context.Background(), now)
	if len(results) != 0 || disp.callCount() != 0 {
		t.Error("inactive task must never be dispatched")
	}
}

func TestRunDueTasks_RetryableFailureKeepsSchedule(t *testing.T) {
	now := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	store := newMockStore()
	task := dueTask(now)
	prevNext := *task.NextRun
	store.put(task)

	disp := &mockDispatcher{err: dispatch.RetryableError(domain.ActionWorkflowExecute, errors.New("503"))}
	trig := newTestTrigger(store, disp).WithClock(func() time.Time { return now })

	results, err := trig.RunDueTasks(context.Background(), now)
	if err != nil {
		t.Fatalf("RunDueTasks() error: %v", err)
	}
	if len(results) != 1 || results[0].Outcome != domain.OutcomeRetryable {
		t.Fatalf("results = %+v, want one retryable", results)
	}

	stored := store.get(task.ID)
	if stored.LastRun != nil {
		t.Error("LastRun must stay unset after a retryable failure")
	}
	if stored.NextRun == nil || !stored.NextRun.Equal(prevNext) {
		t.Errorf("NextRun = %v, want retained %v so the occurrence retries", stored.NextRun, prevNext)
	}

	// Next poll retries the same occurrence.
	if _, err := trig.RunDueTasks(context.Background(), now); err != nil {
		t.Fatalf("second pass error: %v", err)
	}
	if disp.callCount() != 2 {
		t.Errorf("dispatch count = %d, want 2 (occurrence retried)", disp.callCount())
	}
}

func TestRunDueTasks_PermanentFailureAdvancesSchedule(t *testing.T) {
	now := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	store := newMockStore()
	task := dueTask(now)
	store.put(task)

	disp := &mockDispatcher{err: dispatch.PermanentError(domain.ActionWorkflowExecute, errors.New("404"))}
	trig := newTestTrigger(store, disp).WithClock(func() time.Time { return now })

	results, err := trig.RunDueTasks(context.Background(), now)
	if err != nil {
		t.Fatalf("RunDueTasks() error: %v", err)
	}
	if len(results) != 1 || results[0].Outcome != domain.OutcomePermanent {
		t.Fatalf("results = %+v, want one permanent", results)
	}

	stored := store.get(task.ID)
	if stored.LastRun != nil {
		t.Error("a failed occurrence is not a run; LastRun must stay unset")
	}
	if stored.NextRun == nil || !stored.NextRun.After(now) {
		t.Errorf("NextRun = %v, want advanced past %v (broken action must not wedge the task)", stored.NextRun, now)
	}
}

func TestRunDueTasks_LeaseConflictSkips(t *testing.T) {
	now := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	store := newMockStore()
	task := dueTask(now)
	store.put(task)

	leases := lease.NewLocalManager()
	// Another worker already holds the task.
	if err := leases.Acquire(context.Background(), task.ID, time.Minute); err != nil {
		t.Fatalf("pre-acquire error: %v", err)
	}

	disp := &mockDispatcher{}
	calc := recurrence.NewCalculator(nil)
	trig := New(testConfig(), store, leases, disp, calc).WithClock(func() time.Time { return now })

	results, err := trig.RunDueTasks(context.Background(), now)
	if err != nil {
		t.Fatalf("RunDueTasks() error: %v", err)
	}
	if len(results) != 1 || results[0].Outcome != domain.OutcomeSkipped {
		t.Fatalf("results = %+v, want one skipped", results)
	}
	if disp.callCount() != 0 {
		t.Error("a lease conflict must prevent dispatch")
	}
	stored := store.get(task.ID)
	if stored.LastRun != nil {
		t.Error("a skipped task must be untouched")
	}
}

// TestRunDueTasks_ConcurrentPasses verifies the at-most-once guarantee: two
// passes racing over the same due task produce exactly one dispatch.
func TestRunDueTasks_ConcurrentPasses(t *testing.T) {
	now := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	store := newMockStore()
	task := dueTask(now)
	store.put(task)

	leases := lease.NewLocalManager()
	block := make(chan struct{})
	disp := &mockDispatcher{block: block}
	calc := recurrence.NewCalculator(nil)

	trigA := New(testConfig(), store, leases, disp, calc).WithClock(func() time.Time { return now })
	trigB := New(testConfig(), store, leases, disp, calc).WithClock(func() time.Time { return now })

	// Pass A wins the lease and parks inside dispatch.
	done := make(chan []domain.ExecutionResult, 1)
	go func() {
		results, err := trigA.RunDueTasks(context.Background(), now)
		if err != nil {
			t.Errorf("pass A error: %v", err)
		}
		done <- results
	}()
	waitFor(t, func() bool { return disp.callCount() == 1 })

	// Pass B runs while A holds the lease: it must skip, not dispatch.
	resultsB, err := trigB.RunDueTasks(context.Background(), now)
	if err != nil {
		t.Fatalf("pass B error: %v", err)
	}
	if len(resultsB) != 1 || resultsB[0].Outcome != domain.OutcomeSkipped {
		t.Fatalf("pass B results = %+v, want one skipped", resultsB)
	}

	close(block)
	resultsA := <-done
	if len(resultsA) != 1 || resultsA[0].Outcome != domain.OutcomeSuccess {
		t.Fatalf("pass A results = %+v, want one success", resultsA)
	}
	if disp.callCount() != 1 {
		t.Errorf("dispatch count = %d, want exactly 1", disp.callCount())
	}
}

// waitFor polls cond for up to a second.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func TestRunDueTasks_DeactivationBetweenQueryAndLease(t *testing.T) {
	now := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	store := newMockStore()
	task := dueTask(now)
	store.put(task)

	// The due query saw the task active, then a lifecycle call flips it
	// off before the lease is acquired. The reload under the lease must
	// prevent dispatch.
	deactivated := task
	deactivated.IsActive = false
	deactivated.UpdatedAt = now

	disp := &mockDispatcher{}
	trig := newTestTrigger(store, disp).WithClock(func() time.Time { return now })

	// Simulate the race by deactivating after the trigger would have
	// queried: processTask reloads by id, so mutate the store first and
	// call processTask directly with the stale due observation.
	store.put(deactivated)
	result := trig.processTask(context.Background(), task.ID, now)

	if result.Outcome != domain.OutcomeSkipped {
		t.Fatalf("outcome = %v, want skipped", result.Outcome)
	}
	if disp.callCount() != 0 {
		t.Error("deactivated task must not be dispatched")
	}
}

// TestRunDueTasks_OnceTaskFiresExactlyOnce pins the one-shot semantics of
// the once rule: after the occurrence runs, the schedule is spent, and a
// pass the next day must not dispatch again.
func TestRunDueTasks_OnceTaskFiresExactlyOnce(t *testing.T) {
	day1 := time.Date(2024, 1, 1, 9, 0, 1, 0, time.UTC)
	store := newMockStore()
	task := dueTask(day1)
	task.Schedule = domain.RecurrenceRule{Kind: domain.RuleOnce, TimeOfDay: "09:00"}
	store.put(task)

	sink := &countingMetrics{}
	disp := &mockDispatcher{}
	trig := newTestTrigger(store, disp).
		WithClock(func() time.Time { return day1 }).
		WithMetrics(sink)

	first, err := trig.RunDueTasks(context.Background(), day1)
	if err != nil {
		t.Fatalf("first pass error: %v", err)
	}
	if len(first) != 1 || first[0].Outcome != domain.OutcomeSuccess {
		t.Fatalf("first pass results = %+v, want one success", first)
	}

	stored := store.get(task.ID)
	if stored.LastRun == nil || !stored.LastRun.Equal(day1) {
		t.Errorf("LastRun = %v, want %v", stored.LastRun, day1)
	}
	if stored.NextRun != nil {
		t.Errorf("NextRun = %v, want nil (once schedule is spent)", stored.NextRun)
	}
	if sink.scheduleExhausted != 1 {
		t.Errorf("scheduleExhausted metric = %d, want 1", sink.scheduleExhausted)
	}

	// Same time the next day: the spent task must stay out of the due set.
	day2 := day1.AddDate(0, 0, 1)
	trig.WithClock(func() time.Time { return day2 })
	second, err := trig.RunDueTasks(context.Background(), day2)
	if err != nil {
		t.Fatalf("second pass error: %v", err)
	}
	if len(second) != 0 {
		t.Fatalf("second pass results = %+v, want none", second)
	}
	if disp.callCount() != 1 {
		t.Errorf("dispatch count = %d, want exactly 1 across both days", disp.callCount())
	}
}

// TestRunDueTasks_OncePermanentFailureAlsoExhausts verifies a once
// occurrence that fails permanently does not come back tomorrow either.
func TestRunDueTasks_OncePermanentFailureAlsoExhausts(t *testing.T) {
	now := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	store := newMockStore()
	task := dueTask(now)
	task.Schedule = domain.RecurrenceRule{Kind: domain.RuleOnce, TimeOfDay: "09:00"}
	store.put(task)

	disp := &mockDispatcher{err: dispatch.PermanentError(domain.ActionWorkflowExecute, errors.New("410"))}
	trig := newTestTrigger(store, disp).WithClock(func() time.Time { return now })

	results, err := trig.RunDueTasks(context.Background(), now)
	if err != nil {
		t.Fatalf("RunDueTasks() error: %v", err)
	}
	if len(results) != 1 || results[0].Outcome != domain.OutcomePermanent {
		t.Fatalf("results = %+v, want one permanent", results)
	}

	stored := store.get(task.ID)
	if stored.NextRun != nil {
		t.Errorf("NextRun = %v, want nil (spent occurrence is not rescheduled)", stored.NextRun)
	}
	if stored.LastRun != nil {
		t.Error("a failed occurrence is not a run; LastRun must stay unset")
	}
}

func TestRunDueTasks_NoNextOccurrenceClearsNextRun(t *testing.T) {
	now := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	store := newMockStore()
	task := dueTask(now)
	// A weekly rule whose day set was emptied by a bad edit upstream.
	task.Schedule = domain.RecurrenceRule{Kind: domain.RuleWeekly}
	store.put(task)

	sink := &countingMetrics{}
	disp := &mockDispatcher{}
	trig := newTestTrigger(store, disp).
		WithClock(func() time.Time { return now }).
		WithMetrics(sink)

	results, err := trig.RunDueTasks(context.Background(), now)
	if err != nil {
		t.Fatalf("RunDueTasks() error: %v", err)
	}
	if len(results) != 1 || results[0].Outcome != domain.OutcomeSuccess {
		t.Fatalf("results = %+v, want one success", results)
	}

	stored := store.get(task.ID)
	if stored.NextRun != nil {
		t.Errorf("NextRun = %v, want nil (no next occurrence)", stored.NextRun)
	}
	if !stored.IsActive {
		t.Error("task must stay active")
	}
	if sink.scheduleExhausted != 1 {
		t.Errorf("scheduleExhausted metric = %d, want 1", sink.scheduleExhausted)
	}

	// The task must have left the due set.
	second, _ := trig.RunDueTasks(context.Background(), now.Add(time.Hour))
	if len(second) != 0 {
		t.Errorf("second pass results = %+v, want none", second)
	}
}

func TestRunDueTasks_ConcurrentLifecycleEditWins(t *testing.T) {
	now := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	store := newMockStore()
	task := dueTask(now)
	store.put(task)

	// The lifecycle edit lands while the dispatch is in flight.
	block := make(chan struct{})
	disp := &mockDispatcher{block: block}
	trig := newTestTrigger(store, disp).WithClock(func() time.Time { return now })

	done := make(chan domain.ExecutionResult, 1)
	go func() {
		done <- trig.processTask(context.Background(), task.ID, now)
	}()

	waitFor(t, func() bool { return disp.callCount() == 1 })
	edited := store.get(task.ID)
	editedNext := now.Add(48 * time.Hour)
	edited.NextRun = &editedNext
	edited.UpdatedAt = now.Add(time.Millisecond)
	store.put(edited)
	close(block)

	result := <-done
	if result.Outcome != domain.OutcomeSuccess {
		t.Fatalf("outcome = %v, want success (dispatch already in flight completes)", result.Outcome)
	}

	stored := store.get(task.ID)
	if stored.NextRun == nil || !stored.NextRun.Equal(editedNext) {
		t.Errorf("NextRun = %v, want the lifecycle edit's %v to survive", stored.NextRun, editedNext)
	}
}

func TestRunDueTasks_ResultBus(t *testing.T) {
	now := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	store := newMockStore()
	store.put(dueTask(now))

	bus := &collectingSink{}
	disp := &mockDispatcher{}
	trig := newTestTrigger(store, disp).
		WithClock(func() time.Time { return now }).
		WithResults(bus)

	if _, err := trig.RunDueTasks(context.Background(), now); err != nil {
		t.Fatalf("RunDueTasks() error: %v", err)
	}
	if len(bus.results) != 1 || bus.results[0].Outcome != domain.OutcomeSuccess {
		t.Errorf("bus results = %+v, want one success", bus.results)
	}
}

type countingMetrics struct {
	mu                sync.Mutex
	passes            int
	leaseConflicts    int
	scheduleExhausted int
}

func (m *countingMetrics) PassStarted() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.passes++
}
func (m *countingMetrics) PassCompleted(time.Duration, int, error)        {}
func (m *countingMetrics) DispatchCompleted(string, string, time.Duration) {}
func (m *countingMetrics) LeaseConflict() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.leaseConflicts++
}
func (m *countingMetrics) ScheduleExhausted() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scheduleExhausted++
}

type collectingSink struct {
	mu      sync.Mutex
	results []domain.ExecutionResult
}

func (s *collectingSink) Emit(ctx context.Context, result domain.ExecutionResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, result)
	return nil
}
