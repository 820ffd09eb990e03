package dependent

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowmaster/internal/store"
	"github.com/rendis/flowmaster/pkg/schema"
)

const upstreamCode = 200

func newTestStore(t *testing.T) *store.LibSQLStore {
	t.Helper()
	s, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "dependent.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func ptr(t time.Time) *time.Time { return &t }

func saveUpstream(t *testing.T, s store.Store) {
	t.Helper()
	require.NoError(t, s.SaveWorkflowSpec(context.Background(), &schema.WorkflowSpec{
		Workflow: schema.WorkflowDefinition{Code: upstreamCode, Version: 1, Name: "upstream", Flag: schema.FlagYes},
		Tasks: []schema.TaskDefinition{
			{Code: 21, Version: 1, Name: "extract", TaskType: "SHELL", Flag: schema.FlagYes},
			{Code: 22, Version: 1, Name: "publish", TaskType: "SHELL", Flag: schema.FlagYes},
			{Code: 23, Version: 1, Name: "legacy", TaskType: "SHELL", Flag: schema.FlagNo},
			{Code: 24, Version: 1, Name: "tail", TaskType: "SHELL", Flag: schema.FlagYes, ExecuteType: schema.TaskExecuteStream},
		},
		Relations: []schema.TaskRelation{{PostTaskCode: 21}, {PreTaskCode: 21, PostTaskCode: 22}},
	}))
}

func scheduledInstance(t *testing.T, s store.Store, state schema.WorkflowExecutionStatus, at time.Time, varPool ...schema.Property) *store.WorkflowInstance {
	t.Helper()
	wi := &store.WorkflowInstance{
		Name:                      "upstream-run",
		WorkflowDefinitionCode:    upstreamCode,
		WorkflowDefinitionVersion: 1,
		State:                     state,
		CommandType:               schema.CommandScheduler,
		ScheduleTime:              ptr(at),
		StartTime:                 ptr(at),
		RunTimes:                  1,
		VarPool:                   varPool,
	}
	if state.IsFinished() {
		wi.EndTime = ptr(at.Add(time.Minute))
	}
	require.NoError(t, s.CreateWorkflowInstance(context.Background(), wi))
	return wi
}

func taskInstance(t *testing.T, s store.Store, wi *store.WorkflowInstance, code int64, state schema.TaskExecutionStatus) *store.TaskInstance {
	t.Helper()
	ti := &store.TaskInstance{
		Name:               "t",
		WorkflowInstanceID: wi.ID,
		TaskCode:           code,
		TaskVersion:        1,
		TaskType:           "SHELL",
		State:              state,
		Flag:               schema.FlagYes,
		EndTime:            wi.EndTime,
	}
	require.NoError(t, s.UpsertTaskInstance(context.Background(), ti))
	return ti
}

func self() SelfRef {
	return SelfRef{WorkflowDefinitionCode: 300, WorkflowInstanceID: 9999, TaskCode: 31}
}

func TestEvaluator_WorkflowWaitingThenSuccessWithVarPool(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	item := schema.DependentItem{DefinitionCode: upstreamCode, DepTaskCode: schema.DependentWorkflow,
		Cycle: "day", DateValue: Today, ParameterPassing: true}
	ev := NewEvaluator(s, []schema.DependentItem{item}, schema.RelationAnd, self())

	r, err := ev.Result(ctx, refTime)
	require.NoError(t, err)
	assert.Equal(t, schema.DependWaiting, r)

	scheduledInstance(t, s, schema.WorkflowSuccess, refTime.Add(-time.Hour),
		schema.Property{Prop: "rows", Direct: schema.DirectOut, Type: "INTEGER", Value: "42"},
		schema.Property{Prop: "dt", Direct: schema.DirectIn, Type: "VARCHAR", Value: "20240313"},
	)

	r, err = ev.Result(ctx, refTime)
	require.NoError(t, err)
	assert.Equal(t, schema.DependSuccess, r)

	vp := ev.VarPool()
	require.Len(t, vp, 1)
	assert.Equal(t, "rows", vp[0].Prop)
	assert.Equal(t, "42", vp[0].Value)
}

func TestEvaluator_WorkflowStates(t *testing.T) {
	tests := []struct {
		state schema.WorkflowExecutionStatus
		want  schema.DependResult
	}{
		{schema.WorkflowRunning, schema.DependWaiting},
		{schema.WorkflowReadyPause, schema.DependWaiting},
		{schema.WorkflowSuccess, schema.DependSuccess},
		{schema.WorkflowFailure, schema.DependFailed},
		{schema.WorkflowStop, schema.DependFailed},
	}
	for _, tt := range tests {
		t.Run(string(tt.state), func(t *testing.T) {
			s := newTestStore(t)
			scheduledInstance(t, s, tt.state, refTime.Add(-time.Hour))
			ev := NewEvaluator(s, []schema.DependentItem{{DefinitionCode: upstreamCode,
				DepTaskCode: schema.DependentWorkflow, Cycle: "day", DateValue: Today}}, schema.RelationAnd, self())

			r, err := ev.Result(context.Background(), refTime)
			require.NoError(t, err)
			assert.Equal(t, tt.want, r)
		})
	}
}

func TestEvaluator_LaterManualInstanceWins(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	scheduledInstance(t, s, schema.WorkflowFailure, refTime.Add(-2*time.Hour))
	manual := &store.WorkflowInstance{
		Name: "manual", WorkflowDefinitionCode: upstreamCode, WorkflowDefinitionVersion: 1,
		State: schema.WorkflowSuccess, CommandType: schema.CommandStartProcess,
		StartTime: ptr(refTime.Add(-time.Hour)), EndTime: ptr(refTime.Add(-30 * time.Minute)),
	}
	require.NoError(t, s.CreateWorkflowInstance(ctx, manual))

	ev := NewEvaluator(s, []schema.DependentItem{{DefinitionCode: upstreamCode,
		DepTaskCode: schema.DependentWorkflow, Cycle: "day", DateValue: Today}}, schema.RelationAnd, self())
	r, err := ev.Result(ctx, refTime)
	require.NoError(t, err)
	assert.Equal(t, schema.DependSuccess, r)
}

func TestEvaluator_FirstNonSuccessIntervalEndsLoop(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	// Only the most recent of the last three days ran.
	scheduledInstance(t, s, schema.WorkflowSuccess, day(3, 12).Add(time.Hour))

	ev := NewEvaluator(s, []schema.DependentItem{{DefinitionCode: upstreamCode,
		DepTaskCode: schema.DependentWorkflow, Cycle: "day", DateValue: Last3Days}}, schema.RelationAnd, self())
	r, err := ev.Result(ctx, refTime)
	require.NoError(t, err)
	assert.Equal(t, schema.DependWaiting, r)
}

func TestEvaluator_NoIntervalsFails(t *testing.T) {
	s := newTestStore(t)
	ev := NewEvaluator(s, []schema.DependentItem{{DefinitionCode: upstreamCode,
		DepTaskCode: schema.DependentWorkflow, DateValue: "bogus"}}, schema.RelationAnd, self())
	r, err := ev.Result(context.Background(), refTime)
	require.NoError(t, err)
	assert.Equal(t, schema.DependFailed, r)
}

func TestEvaluator_AllTasks(t *testing.T) {
	item := schema.DependentItem{DefinitionCode: upstreamCode, DepTaskCode: schema.DependentAllTasks,
		Cycle: "day", DateValue: Today, ParameterPassing: true}

	t.Run("missing task instance fails", func(t *testing.T) {
		s := newTestStore(t)
		saveUpstream(t, s)
		wi := scheduledInstance(t, s, schema.WorkflowSuccess, refTime.Add(-time.Hour))
		taskInstance(t, s, wi, 21, schema.TaskSuccess)

		r, err := NewEvaluator(s, []schema.DependentItem{item}, schema.RelationAnd, self()).Result(context.Background(), refTime)
		require.NoError(t, err)
		assert.Equal(t, schema.DependFailed, r)
	})

	t.Run("all enabled tasks succeeded", func(t *testing.T) {
		s := newTestStore(t)
		saveUpstream(t, s)
		wi := scheduledInstance(t, s, schema.WorkflowSuccess, refTime.Add(-time.Hour),
			schema.Property{Prop: "out", Direct: schema.DirectOut, Value: "v"})
		taskInstance(t, s, wi, 21, schema.TaskSuccess)
		taskInstance(t, s, wi, 22, schema.TaskForcedSuccess)
		taskInstance(t, s, wi, 24, schema.TaskRunning)
		// forbidden task 23 never ran and is not required

		ev := NewEvaluator(s, []schema.DependentItem{item}, schema.RelationAnd, self())
		r, err := ev.Result(context.Background(), refTime)
		require.NoError(t, err)
		assert.Equal(t, schema.DependFailed, r, "stream task instance is excluded, so code 24 counts as missing")
	})

	t.Run("failed workflow", func(t *testing.T) {
		s := newTestStore(t)
		saveUpstream(t, s)
		scheduledInstance(t, s, schema.WorkflowFailure, refTime.Add(-time.Hour))
		r, err := NewEvaluator(s, []schema.DependentItem{item}, schema.RelationAnd, self()).Result(context.Background(), refTime)
		require.NoError(t, err)
		assert.Equal(t, schema.DependFailed, r)
	})
}

func TestEvaluator_AllTasksSuccess(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.SaveWorkflowSpec(ctx, &schema.WorkflowSpec{
		Workflow: schema.WorkflowDefinition{Code: upstreamCode, Version: 1, Name: "upstream", Flag: schema.FlagYes},
		Tasks: []schema.TaskDefinition{
			{Code: 21, Version: 1, Name: "extract", TaskType: "SHELL", Flag: schema.FlagYes},
			{Code: 23, Version: 1, Name: "legacy", TaskType: "SHELL", Flag: schema.FlagNo},
		},
		Relations: []schema.TaskRelation{{PostTaskCode: 21}, {PostTaskCode: 23}},
	}))
	wi := scheduledInstance(t, s, schema.WorkflowSuccess, refTime.Add(-time.Hour),
		schema.Property{Prop: "out", Direct: schema.DirectOut, Value: "v"})
	taskInstance(t, s, wi, 21, schema.TaskSuccess)

	ev := NewEvaluator(s, []schema.DependentItem{{DefinitionCode: upstreamCode, DepTaskCode: schema.DependentAllTasks,
		Cycle: "day", DateValue: Today, ParameterPassing: true}}, schema.RelationAnd, self())
	r, err := ev.Result(ctx, refTime)
	require.NoError(t, err)
	assert.Equal(t, schema.DependSuccess, r)
	require.Len(t, ev.VarPool(), 1)
	assert.Equal(t, "out", ev.VarPool()[0].Prop)
}

func TestEvaluator_SingleTask(t *testing.T) {
	tests := []struct {
		name     string
		wfState  schema.WorkflowExecutionStatus
		taskCode int64
		setup    func(t *testing.T, s store.Store, wi *store.WorkflowInstance)
		want     schema.DependResult
	}{
		{"success", schema.WorkflowSuccess, 21, func(t *testing.T, s store.Store, wi *store.WorkflowInstance) {
			taskInstance(t, s, wi, 21, schema.TaskSuccess)
		}, schema.DependSuccess},
		{"running task waits", schema.WorkflowRunning, 21, func(t *testing.T, s store.Store, wi *store.WorkflowInstance) {
			taskInstance(t, s, wi, 21, schema.TaskRunning)
		}, schema.DependWaiting},
		{"failed with retries left waits", schema.WorkflowRunning, 21, func(t *testing.T, s store.Store, wi *store.WorkflowInstance) {
			ti := taskInstance(t, s, wi, 21, schema.TaskFailure)
			ti.MaxRetryTimes = 2
			require.NoError(t, s.UpsertTaskInstance(context.Background(), ti))
		}, schema.DependWaiting},
		{"failed without retries", schema.WorkflowRunning, 21, func(t *testing.T, s store.Store, wi *store.WorkflowInstance) {
			taskInstance(t, s, wi, 21, schema.TaskFailure)
		}, schema.DependFailed},
		{"failed in finished workflow", schema.WorkflowFailure, 21, func(t *testing.T, s store.Store, wi *store.WorkflowInstance) {
			ti := taskInstance(t, s, wi, 21, schema.TaskFailure)
			ti.MaxRetryTimes = 2
			require.NoError(t, s.UpsertTaskInstance(context.Background(), ti))
		}, schema.DependFailed},
		{"stream task succeeds", schema.WorkflowRunning, 24, func(t *testing.T, s store.Store, wi *store.WorkflowInstance) {
			ti := taskInstance(t, s, wi, 24, schema.TaskRunning)
			ti.ExecuteType = schema.TaskExecuteStream
			require.NoError(t, s.UpsertTaskInstance(context.Background(), ti))
		}, schema.DependSuccess},
		{"forbidden task without valid instance", schema.WorkflowSuccess, 23, func(t *testing.T, s store.Store, wi *store.WorkflowInstance) {
			ti := taskInstance(t, s, wi, 23, schema.TaskKill)
			require.NoError(t, s.MarkTaskInstancesInvalid(context.Background(), []int64{ti.ID}))
		}, schema.DependSuccess},
		{"enabled task without valid instance in running workflow", schema.WorkflowRunning, 21, func(t *testing.T, s store.Store, wi *store.WorkflowInstance) {
			ti := taskInstance(t, s, wi, 21, schema.TaskKill)
			require.NoError(t, s.MarkTaskInstancesInvalid(context.Background(), []int64{ti.ID}))
		}, schema.DependWaiting},
		{"enabled task without valid instance in finished workflow", schema.WorkflowSuccess, 21, func(t *testing.T, s store.Store, wi *store.WorkflowInstance) {
			ti := taskInstance(t, s, wi, 21, schema.TaskKill)
			require.NoError(t, s.MarkTaskInstancesInvalid(context.Background(), []int64{ti.ID}))
		}, schema.DependFailed},
		{"unknown task definition", schema.WorkflowSuccess, 99, func(t *testing.T, s store.Store, wi *store.WorkflowInstance) {
			ti := taskInstance(t, s, wi, 99, schema.TaskKill)
			require.NoError(t, s.MarkTaskInstancesInvalid(context.Background(), []int64{ti.ID}))
		}, schema.DependFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestStore(t)
			saveUpstream(t, s)
			wi := scheduledInstance(t, s, tt.wfState, refTime.Add(-time.Hour))
			tt.setup(t, s, wi)

			ev := NewEvaluator(s, []schema.DependentItem{{DefinitionCode: upstreamCode, DepTaskCode: tt.taskCode,
				Cycle: "day", DateValue: Today}}, schema.RelationAnd, self())
			r, err := ev.Result(context.Background(), refTime)
			require.NoError(t, err)
			assert.Equal(t, tt.want, r)
		})
	}
}

func TestEvaluator_SelfDependentFirstInstance(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	first := scheduledInstance(t, s, schema.WorkflowRunning, refTime)

	me := SelfRef{WorkflowDefinitionCode: upstreamCode, WorkflowInstanceID: first.ID, TaskCode: 21}
	items := []schema.DependentItem{{DefinitionCode: upstreamCode, DepTaskCode: schema.DependentAllTasks,
		Cycle: "day", DateValue: Last1Days}}

	r, err := NewEvaluator(s, items, schema.RelationAnd, me).Result(ctx, refTime)
	require.NoError(t, err)
	assert.Equal(t, schema.DependSuccess, r)

	second := scheduledInstance(t, s, schema.WorkflowRunning, refTime.Add(24*time.Hour))
	me.WorkflowInstanceID = second.ID
	r, err = NewEvaluator(s, items, schema.RelationAnd, me).Result(ctx, refTime.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, schema.DependWaiting, r, "yesterday's run is the first instance and still running")
}

func TestEvaluator_SuccessIsCached(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	wi := scheduledInstance(t, s, schema.WorkflowSuccess, refTime.Add(-time.Hour))

	var computed int
	ev := NewEvaluator(s, []schema.DependentItem{{DefinitionCode: upstreamCode, DepTaskCode: schema.DependentWorkflow,
		Cycle: "day", DateValue: Today}}, schema.RelationAnd, self(),
		WithResultHook(func(schema.DependentItem, schema.DependResult) { computed++ }))

	r, err := ev.Result(ctx, refTime)
	require.NoError(t, err)
	require.Equal(t, schema.DependSuccess, r)

	wi.State = schema.WorkflowFailure
	require.NoError(t, s.UpdateWorkflowInstance(ctx, wi))

	r, err = ev.Result(ctx, refTime)
	require.NoError(t, err)
	assert.Equal(t, schema.DependSuccess, r)
	assert.Equal(t, 1, computed)
}

func TestEvaluator_FailedIsReevaluated(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	scheduledInstance(t, s, schema.WorkflowFailure, refTime.Add(-time.Hour))

	var computed int
	ev := NewEvaluator(s, []schema.DependentItem{{DefinitionCode: upstreamCode, DepTaskCode: schema.DependentWorkflow,
		Cycle: "day", DateValue: Today}}, schema.RelationAnd, self(),
		WithResultHook(func(schema.DependentItem, schema.DependResult) { computed++ }))

	r, err := ev.Result(ctx, refTime)
	require.NoError(t, err)
	require.Equal(t, schema.DependFailed, r)

	r, err = ev.Result(ctx, refTime)
	require.NoError(t, err)
	assert.Equal(t, schema.DependFailed, r)
	assert.Equal(t, 2, computed)
}

func TestEvaluator_FailureWaitingSeesRerun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	wi := scheduledInstance(t, s, schema.WorkflowFailure, refTime.Add(-time.Hour))

	now := refTime
	ev := NewEvaluator(s, []schema.DependentItem{{DefinitionCode: upstreamCode, DepTaskCode: schema.DependentWorkflow,
		Cycle: "day", DateValue: Today}}, schema.RelationAnd, self(),
		WithClock(func() time.Time { return now }))

	done, err := ev.Finish(ctx, refTime, schema.DependFailureWaiting, 10*time.Minute)
	require.NoError(t, err)
	assert.False(t, done, "failure is held for the waiting window")

	// upstream rerun succeeds one minute later
	now = refTime.Add(time.Minute)
	wi.State = schema.WorkflowSuccess
	wi.EndTime = ptr(now)
	require.NoError(t, s.UpdateWorkflowInstance(ctx, wi))

	done, err = ev.Finish(ctx, refTime, schema.DependFailureWaiting, 10*time.Minute)
	require.NoError(t, err)
	assert.True(t, done)
	r, err := ev.Result(ctx, refTime)
	require.NoError(t, err)
	assert.Equal(t, schema.DependSuccess, r)
}

func TestEvaluator_VarPoolNewestEndTimeWins(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.SaveWorkflowSpec(ctx, &schema.WorkflowSpec{
		Workflow:  schema.WorkflowDefinition{Code: 201, Version: 1, Name: "other", Flag: schema.FlagYes},
		Tasks:     []schema.TaskDefinition{{Code: 41, Version: 1, Name: "x", TaskType: "SHELL", Flag: schema.FlagYes}},
		Relations: []schema.TaskRelation{{PostTaskCode: 41}},
	}))

	newer := scheduledInstance(t, s, schema.WorkflowSuccess, refTime.Add(-time.Hour),
		schema.Property{Prop: "k", Direct: schema.DirectOut, Value: "newer"})
	older := &store.WorkflowInstance{
		Name: "other", WorkflowDefinitionCode: 201, WorkflowDefinitionVersion: 1, State: schema.WorkflowSuccess,
		CommandType: schema.CommandScheduler, ScheduleTime: ptr(refTime.Add(-3 * time.Hour)),
		StartTime: ptr(refTime.Add(-3 * time.Hour)), EndTime: ptr(refTime.Add(-2 * time.Hour)),
		VarPool: []schema.Property{{Prop: "k", Direct: schema.DirectOut, Value: "older"}},
	}
	require.NoError(t, s.CreateWorkflowInstance(ctx, older))
	require.True(t, newer.EndTime.After(*older.EndTime))

	ev := NewEvaluator(s, []schema.DependentItem{
		{DefinitionCode: upstreamCode, DepTaskCode: schema.DependentWorkflow, Cycle: "day", DateValue: Today, ParameterPassing: true},
		{DefinitionCode: 201, DepTaskCode: schema.DependentWorkflow, Cycle: "day", DateValue: Today, ParameterPassing: true},
	}, schema.RelationAnd, self())

	r, err := ev.Result(ctx, refTime)
	require.NoError(t, err)
	require.Equal(t, schema.DependSuccess, r)
	require.Len(t, ev.VarPool(), 1)
	assert.Equal(t, "newer", ev.VarPool()[0].Value)
}

func TestFinished(t *testing.T) {
	at := refTime
	wait := 10 * time.Minute
	tests := []struct {
		name   string
		result schema.DependResult
		policy schema.DependFailurePolicy
		now    time.Time
		want   bool
	}{
		{"waiting", schema.DependWaiting, schema.DependFailureFailure, at.Add(time.Hour), false},
		{"success", schema.DependSuccess, schema.DependFailureWaiting, at, true},
		{"failed", schema.DependFailed, schema.DependFailureFailure, at, true},
		{"failed within grace", schema.DependFailed, schema.DependFailureWaiting, at.Add(5 * time.Minute), false},
		{"failed at grace boundary", schema.DependFailed, schema.DependFailureWaiting, at.Add(wait), false},
		{"failed after grace", schema.DependFailed, schema.DependFailureWaiting, at.Add(wait + time.Second), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, finished(tt.result, at, tt.now, tt.policy, wait))
		})
	}
}
