package lifecycle

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/taskwheel/taskwheel/internal/domain"
	"github.com/taskwheel/taskwheel/internal/recurrence"
)

// mockStore keeps tasks in memory and enforces the CAS contract.
type mockStore struct {
	mu    sync.Mutex
	tasks map[uuid.UUID]domain.ScheduledTask

	failCreates int // number of UpdateChecked calls to fail with ErrStaleTask
}

func newMockStore() *mockStore {
	return &mockStore{tasks: make(map[uuid.UUID]domain.ScheduledTask)}
}

func (s *mockStore) Create(ctx context.Context, task domain.ScheduledTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[task.ID] = task
	return nil
}

func (s *mockStore) GetByID(ctx context.Context, id uuid.UUID) (domain.ScheduledTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return domain.ScheduledTask{}, ErrNotFound
	}
	return task, nil
}

func (s *mockStore) UpdateChecked(ctx context.Context, task domain.ScheduledTask, prevUpdatedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failCreates > 0 {
		s.failCreates--
		return ErrStaleTask
	}
	existing, ok := s.tasks[task.ID]
	if !ok {
		return ErrNotFound
	}
	if !existing.UpdatedAt.Equal(prevUpdatedAt) {
		return ErrStaleTask
	}
	s.tasks[task.ID] = task
	return nil
}

func (s *mockStore) Delete(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[id]; !ok {
		return ErrNotFound
	}
	delete(s.tasks, id)
	return nil
}

func (s *mockStore) List(ctx context.Context, limit, offset int) ([]domain.ScheduledTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.ScheduledTask
	for _, task := range s.tasks {
		out = append(out, task)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *mockStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

func testManager(store *mockStore, now time.Time) *Manager {
	calc := recurrence.NewCalculator(recurrence.NewCronEvaluator())
	return NewManager(store, calc).WithClock(func() time.Time { return now })
}

func validSpec() CreateSpec {
	return CreateSpec{
		Name:      "nightly-report",
		CreatedBy: "user-42",
		Schedule:  domain.RecurrenceRule{Kind: domain.RuleDaily, TimeOfDay: "09:00"},
		Action: domain.ActionSpec{
			Kind:   domain.ActionEmailSend,
			Params: map[string]string{"to": "ops@example.com"},
		},
		IsActive: true,
	}
}

func TestCreate_StampsIdentityAndNextRun(t *testing.T) {
	now := time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)
	store := newMockStore()
	mgr := testManager(store, now)

	task, err := mgr.Create(context.Background(), validSpec())
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	if task.ID == uuid.Nil {
		t.Error("Create() did not assign an id")
	}
	if !task.CreatedAt.Equal(now) || !task.UpdatedAt.Equal(now) {
		t.Errorf("timestamps = %v/%v, want %v", task.CreatedAt, task.UpdatedAt, now)
	}
	if task.LastRun != nil {
		t.Error("LastRun should be nil before the first run")
	}
	want := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	if task.NextRun == nil || !task.NextRun.Equal(want) {
		t.Errorf("NextRun = %v, want %v", task.NextRun, want)
	}
	if store.count() != 1 {
		t.Errorf("store holds %d tasks, want 1", store.count())
	}
}

func TestCreate_ValidationFailures(t *testing.T) {
	now := time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		mutate func(*CreateSpec)
	}{
		{"empty name", func(s *CreateSpec) { s.Name = "" }},
		{"unknown action kind", func(s *CreateSpec) { s.Action.Kind = "task.spawn" }},
		{"weekly empty days", func(s *CreateSpec) {
			s.Schedule = domain.RecurrenceRule{Kind: domain.RuleWeekly}
		}},
		{"monthly day out of range", func(s *CreateSpec) {
			s.Schedule = domain.RecurrenceRule{Kind: domain.RuleMonthly, DayOfMonth: 40}
		}},
		{"malformed time of day", func(s *CreateSpec) {
			s.Schedule = domain.RecurrenceRule{Kind: domain.RuleOnce, TimeOfDay: "morning"}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMockStore()
			mgr := testManager(store, now)

			spec := validSpec()
			tt.mutate(&spec)

			_, err := mgr.Create(context.Background(), spec)
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("Create() error = %v, want *ValidationError", err)
			}
			if store.count() != 0 {
				t.Error("invalid task must never be persisted")
			}
		})
	}
}

func TestCreate_CustomWithoutEvaluator(t *testing.T) {
	now := time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)
	store := newMockStore()
	mgr := NewManager(store, recurrence.NewCalculator(nil)).
		WithClock(func() time.Time { return now })

	spec := validSpec()
	spec.Schedule = domain.RecurrenceRule{Kind: domain.RuleCustom, Expression: "*/5 * * * *"}

	_, err := mgr.Create(context.Background(), spec)
	if !errors.Is(err, recurrence.ErrUnsupportedSchedule) {
		t.Fatalf("Create() error = %v, want ErrUnsupportedSchedule", err)
	}
	if store.count() != 0 {
		t.Error("unsupported task must never be persisted")
	}
}

func TestUpdate_ScheduleChangeRecomputesNextRun(t *testing.T) {
	createdAt := time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)
	store := newMockStore()
	mgr := testManager(store, createdAt)

	task, err := mgr.Create(context.Background(), validSpec())
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	// Move the clock forward and change the schedule.
	updateAt := time.Date(2024, 1, 3, 10, 0, 0, 0, time.UTC)
	mgr.WithClock(func() time.Time { return updateAt })

	newRule := domain.RecurrenceRule{Kind: domain.RuleDaily, TimeOfDay: "06:00"}
	updated, err := mgr.Update(context.Background(), task.ID, UpdateSpec{Schedule: &newRule})
	if err != nil {
		t.Fatalf("Update() error: %v", err)
	}

	want := time.Date(2024, 1, 4, 6, 0, 0, 0, time.UTC)
	if updated.NextRun == nil || !updated.NextRun.Equal(want) {
		t.Errorf("NextRun = %v, want %v (recomputed from update instant)", updated.NextRun, want)
	}
	if !updated.UpdatedAt.Equal(updateAt) {
		t.Errorf("UpdatedAt = %v, want %v", updated.UpdatedAt, updateAt)
	}
}

func TestUpdate_MetadataOnlyKeepsNextRun(t *testing.T) {
	createdAt := time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)
	store := newMockStore()
	mgr := testManager(store, createdAt)

	task, err := mgr.Create(context.Background(), validSpec())
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	prevNext := *task.NextRun

	updateAt := createdAt.Add(time.Hour)
	mgr.WithClock(func() time.Time { return updateAt })

	name := "renamed"
	updated, err := mgr.Update(context.Background(), task.ID, UpdateSpec{Name: &name})
	if err != nil {
		t.Fatalf("Update() error: %v", err)
	}
	if updated.Name != "renamed" {
		t.Errorf("Name = %q, want %q", updated.Name, "renamed")
	}
	if updated.NextRun == nil || !updated.NextRun.Equal(prevNext) {
		t.Errorf("NextRun = %v, want unchanged %v", updated.NextRun, prevNext)
	}
	if !updated.UpdatedAt.Equal(updateAt) {
		t.Error("UpdatedAt must refresh on every mutation")
	}
}

func TestUpdate_UnknownID(t *testing.T) {
	store := newMockStore()
	mgr := testManager(store, time.Now())

	name := "x"
	_, err := mgr.Update(context.Background(), uuid.New(), UpdateSpec{Name: &name})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Update() error = %v, want ErrNotFound", err)
	}
}

func TestUpdate_RetriesOnStaleTask(t *testing.T) {
	createdAt := time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)
	store := newMockStore()
	mgr := testManager(store, createdAt)

	task, err := mgr.Create(context.Background(), validSpec())
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	store.failCreates = 1 // first CAS write loses, retry must succeed

	name := "renamed"
	if _, err := mgr.Update(context.Background(), task.ID, UpdateSpec{Name: &name}); err != nil {
		t.Fatalf("Update() should retry after a CAS conflict, got error: %v", err)
	}
}

func TestToggleActive_ReactivationRecomputesFromNow(t *testing.T) {
	createdAt := time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)
	store := newMockStore()
	mgr := testManager(store, createdAt)

	task, err := mgr.Create(context.Background(), validSpec())
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	if _, err := mgr.ToggleActive(context.Background(), task.ID, false); err != nil {
		t.Fatalf("deactivate error: %v", err)
	}

	// A week passes while the task is off; the stale NextRun (Jan 1 09:00)
	// must not survive reactivation.
	reactivateAt := time.Date(2024, 1, 8, 10, 0, 0, 0, time.UTC)
	mgr.WithClock(func() time.Time { return reactivateAt })

	reactivated, err := mgr.ToggleActive(context.Background(), task.ID, true)
	if err != nil {
		t.Fatalf("reactivate error: %v", err)
	}
	if !reactivated.IsActive {
		t.Error("task should be active after reactivation")
	}
	want := time.Date(2024, 1, 9, 9, 0, 0, 0, time.UTC)
	if reactivated.NextRun == nil || !reactivated.NextRun.Equal(want) {
		t.Errorf("NextRun = %v, want %v (recomputed, no backlog)", reactivated.NextRun, want)
	}
}

func TestToggleActive_DeactivationKeepsNextRun(t *testing.T) {
	createdAt := time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)
	store := newMockStore()
	mgr := testManager(store, createdAt)

	task, err := mgr.Create(context.Background(), validSpec())
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	prevNext := *task.NextRun

	deactivated, err := mgr.ToggleActive(context.Background(), task.ID, false)
	if err != nil {
		t.Fatalf("deactivate error: %v", err)
	}
	if deactivated.IsActive {
		t.Error("task should be inactive")
	}
	if deactivated.NextRun == nil || !deactivated.NextRun.Equal(prevNext) {
		t.Errorf("NextRun = %v, want untouched %v", deactivated.NextRun, prevNext)
	}
}

func TestList_PaginatesNewestFirst(t *testing.T) {
	base := time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)
	store := newMockStore()
	mgr := testManager(store, base)

	var ids []uuid.UUID
	for i := 0; i < 3; i++ {
		createdAt := base.Add(time.Duration(i) * time.Hour)
		mgr.WithClock(func() time.Time { return createdAt })
		task, err := mgr.Create(context.Background(), validSpec())
		if err != nil {
			t.Fatalf("Create() error: %v", err)
		}
		ids = append(ids, task.ID)
	}

	page, err := mgr.List(context.Background(), 2, 0)
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(page) != 2 {
		t.Fatalf("List() returned %d tasks, want 2", len(page))
	}
	if page[0].ID != ids[2] || page[1].ID != ids[1] {
		t.Errorf("first page = [%s %s], want newest first [%s %s]",
			page[0].ID, page[1].ID, ids[2], ids[1])
	}

	rest, err := mgr.List(context.Background(), 2, 2)
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(rest) != 1 || rest[0].ID != ids[0] {
		t.Errorf("second page = %+v, want only the oldest task %s", rest, ids[0])
	}
}

func TestDelete(t *testing.T) {
	store := newMockStore()
	mgr := testManager(store, time.Now())

	task, err := mgr.Create(context.Background(), validSpec())
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	if err := mgr.Delete(context.Background(), task.ID); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	if store.count() != 0 {
		t.Error("task should be removed from the store")
	}
	if err := mgr.Delete(context.Background(), task.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Delete() error = %v, want ErrNotFound", err)
	}
}
