package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowmaster/internal/store"
	"github.com/rendis/flowmaster/pkg/schema"
)

// mockSchedulerStore satisfies store.Store for scheduler tests.
type mockSchedulerStore struct {
	store.Store
	mu        sync.Mutex
	schedules map[int64]*store.Schedule
	commands  []*store.Command
	cmdErr    error
}

func newMockSchedulerStore() *mockSchedulerStore {
	return &mockSchedulerStore{schedules: make(map[int64]*store.Schedule)}
}

func (m *mockSchedulerStore) CreateSchedule(_ context.Context, sch *store.Schedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *sch
	m.schedules[sch.ID] = &cp
	return nil
}

func (m *mockSchedulerStore) GetSchedule(_ context.Context, id int64) (*store.Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.schedules[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "schedule %d not found", id)
	}
	cp := *s
	return &cp, nil
}

func (m *mockSchedulerStore) UpdateSchedule(_ context.Context, id int64, update store.ScheduleUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.schedules[id]
	if !ok {
		return nil
	}
	if update.Enabled != nil {
		s.Enabled = *update.Enabled
	}
	if update.LastRunAt != nil {
		s.LastRunAt = update.LastRunAt
	}
	if update.NextRunAt != nil {
		s.NextRunAt = update.NextRunAt
	}
	if update.LastRunStatus != "" {
		s.LastRunStatus = update.LastRunStatus
	}
	return nil
}

func (m *mockSchedulerStore) ListSchedules(_ context.Context, filter store.ScheduleFilter) ([]*store.Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*store.Schedule
	for _, s := range m.schedules {
		if filter.Enabled != nil && s.Enabled != *filter.Enabled {
			continue
		}
		if filter.DefinitionCode != 0 && s.WorkflowDefinitionCode != filter.DefinitionCode {
			continue
		}
		cp := *s
		result = append(result, &cp)
	}
	return result, nil
}

func (m *mockSchedulerStore) CreateCommand(_ context.Context, cmd *store.Command) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cmdErr != nil {
		return m.cmdErr
	}
	cp := *cmd
	cp.ID = int64(len(m.commands) + 1)
	m.commands = append(m.commands, &cp)
	return nil
}

func (m *mockSchedulerStore) commandCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.commands)
}

func (m *mockSchedulerStore) get(t *testing.T, id int64) *store.Schedule {
	t.Helper()
	s, err := m.GetSchedule(context.Background(), id)
	require.NoError(t, err)
	return s
}

var now = time.Date(2026, 2, 10, 12, 7, 30, 0, time.UTC)

func newTestScheduler(s store.Store) *Scheduler {
	return NewScheduler(s, slog.Default(), WithClock(func() time.Time { return now }))
}

func schedule(id int64, cronExpr string, next *time.Time) *store.Schedule {
	return &store.Schedule{
		ID:                     id,
		WorkflowDefinitionCode: 500,
		CronExpression:         cronExpr,
		Enabled:                true,
		FailureStrategy:        schema.FailureStrategyEnd,
		WorkerGroup:            "etl",
		EnvironmentCode:        7,
		Priority:               2,
		NextRunAt:              next,
	}
}

func at(t time.Time) *time.Time { return &t }

// --- Tests ---

func TestCalculateNextRun(t *testing.T) {
	sched := newTestScheduler(newMockSchedulerStore())
	from := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		expr string
		want time.Time
	}{
		{"hourly", "0 * * * *", time.Date(2026, 2, 10, 13, 0, 0, 0, time.UTC)},
		{"every 15 minutes", "*/15 * * * *", time.Date(2026, 2, 10, 12, 15, 0, 0, time.UTC)},
		{"daily", "0 0 * * *", time.Date(2026, 2, 11, 0, 0, 0, 0, time.UTC)},
		{"with seconds", "30 0 2 * * *", time.Date(2026, 2, 11, 2, 0, 30, 0, time.UTC)},
		{"descriptor", "@hourly", time.Date(2026, 2, 10, 13, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next, err := sched.CalculateNextRun(tt.expr, from)
			require.NoError(t, err)
			assert.Equal(t, tt.want, next)
		})
	}

	_, err := sched.CalculateNextRun("invalid cron", from)
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}

func TestTickFiresDueSchedule(t *testing.T) {
	ms := newMockSchedulerStore()
	sched := newTestScheduler(ms)
	ctx := context.Background()

	due := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)
	require.NoError(t, ms.CreateSchedule(ctx, schedule(1, "0 * * * *", &due)))

	sched.tick(ctx)

	require.Equal(t, 1, ms.commandCount())
	cmd := ms.commands[0]
	assert.Equal(t, schema.CommandScheduler, cmd.Type)
	assert.Equal(t, int64(500), cmd.WorkflowDefinitionCode)
	require.NotNil(t, cmd.ScheduleTime)
	assert.Equal(t, due, *cmd.ScheduleTime, "the command carries the fire time, not the tick time")
	assert.Equal(t, schema.FailureStrategyEnd, cmd.FailureStrategy)
	assert.Equal(t, "etl", cmd.WorkerGroup)
	assert.Equal(t, int64(7), cmd.EnvironmentCode)
	assert.Equal(t, 2, cmd.Priority)

	got := ms.get(t, 1)
	assert.Equal(t, StatusSubmitted, got.LastRunStatus)
	assert.Equal(t, now, *got.LastRunAt)
	assert.Equal(t, time.Date(2026, 2, 10, 13, 0, 0, 0, time.UTC), *got.NextRunAt)

	sched.tick(ctx)
	assert.Equal(t, 1, ms.commandCount(), "not due again until the next fire time")
}

func TestTickSkipsNotDueAndDisabled(t *testing.T) {
	ms := newMockSchedulerStore()
	sched := newTestScheduler(ms)
	ctx := context.Background()

	require.NoError(t, ms.CreateSchedule(ctx, schedule(1, "0 * * * *", at(now.Add(time.Hour)))))
	disabled := schedule(2, "0 * * * *", at(now.Add(-time.Hour)))
	disabled.Enabled = false
	require.NoError(t, ms.CreateSchedule(ctx, disabled))

	sched.tick(ctx)

	assert.Equal(t, 0, ms.commandCount())
}

func TestTickArmsNewSchedule(t *testing.T) {
	ms := newMockSchedulerStore()
	sched := newTestScheduler(ms)
	ctx := context.Background()

	require.NoError(t, ms.CreateSchedule(ctx, schedule(1, "*/15 * * * *", nil)))

	sched.tick(ctx)

	assert.Equal(t, 0, ms.commandCount(), "a new schedule waits for its first fire time")
	got := ms.get(t, 1)
	require.NotNil(t, got.NextRunAt)
	assert.Equal(t, time.Date(2026, 2, 10, 12, 15, 0, 0, time.UTC), *got.NextRunAt)
	assert.Nil(t, got.LastRunAt)
}

func TestTickDisablesInvalidCron(t *testing.T) {
	ms := newMockSchedulerStore()
	sched := newTestScheduler(ms)
	ctx := context.Background()

	require.NoError(t, ms.CreateSchedule(ctx, schedule(1, "every tuesday", at(now.Add(-time.Minute)))))

	sched.tick(ctx)

	assert.Equal(t, 0, ms.commandCount())
	got := ms.get(t, 1)
	assert.False(t, got.Enabled)
	assert.Equal(t, StatusInvalidCron, got.LastRunStatus)
}

func TestCommandFailure(t *testing.T) {
	ms := newMockSchedulerStore()
	ms.cmdErr = assert.AnError
	sched := newTestScheduler(ms)
	ctx := context.Background()

	require.NoError(t, ms.CreateSchedule(ctx, schedule(1, "0 * * * *", at(now.Add(-time.Hour)))))

	sched.tick(ctx)

	got := ms.get(t, 1)
	assert.Equal(t, StatusError, got.LastRunStatus)
	assert.True(t, got.NextRunAt.After(now), "a failed fire still moves on")
}

func TestRecoverMissed(t *testing.T) {
	ms := newMockSchedulerStore()
	sched := newTestScheduler(ms)
	ctx := context.Background()

	// missed two hourly fires while down: recovered once, for the oldest
	missed := now.Add(-2 * time.Hour).Truncate(time.Hour)
	require.NoError(t, ms.CreateSchedule(ctx, schedule(1, "0 * * * *", &missed)))
	require.NoError(t, ms.CreateSchedule(ctx, schedule(2, "0 * * * *", at(now.Add(time.Hour)))))
	require.NoError(t, ms.CreateSchedule(ctx, schedule(3, "0 * * * *", nil)))

	n, err := sched.RecoverMissed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.Equal(t, 1, ms.commandCount())
	assert.Equal(t, missed, *ms.commands[0].ScheduleTime)

	got := ms.get(t, 1)
	assert.Equal(t, StatusSubmitted, got.LastRunStatus)
	assert.True(t, got.NextRunAt.After(now))
}

func TestStartStop(t *testing.T) {
	ms := newMockSchedulerStore()
	sched := NewScheduler(ms, slog.Default(), WithInterval(5*time.Millisecond))
	ctx := context.Background()

	require.NoError(t, ms.CreateSchedule(ctx, schedule(1, "* * * * * *", at(time.Now().UTC().Add(-time.Second)))))
	require.NoError(t, sched.Start(ctx))

	err := sched.Start(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already started")

	require.Eventually(t, func() bool { return ms.commandCount() >= 2 }, 5*time.Second, 10*time.Millisecond,
		"a per-second schedule keeps firing")

	require.NoError(t, sched.Stop())
	require.NoError(t, sched.Stop())
}

func TestDedupPreventsDoubleFire(t *testing.T) {
	ms := newMockSchedulerStore()
	sched := newTestScheduler(ms)
	ctx := context.Background()

	require.NoError(t, ms.CreateSchedule(ctx, schedule(1, "0 * * * *", at(now.Add(-time.Hour)))))

	require.True(t, sched.tryAcquire(1))
	sched.tick(ctx)
	assert.Equal(t, 0, ms.commandCount())

	sched.release(1)
	sched.tick(ctx)
	assert.Equal(t, 1, ms.commandCount())
}
