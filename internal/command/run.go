package command

import (
	"context"
	"time"

	"github.com/rendis/flowmaster/internal/engine"
	"github.com/rendis/flowmaster/internal/store"
	"github.com/rendis/flowmaster/pkg/schema"
)

// RunHandler starts a new instance of a workflow definition. It serves
// START_PROCESS and SCHEDULER commands.
type RunHandler struct {
	deps Deps
	typ  schema.CommandType
}

// NewRunHandler returns the handler for typ.
func NewRunHandler(d Deps, typ schema.CommandType) *RunHandler {
	return &RunHandler{deps: d, typ: typ}
}

func (h *RunHandler) CommandType() schema.CommandType { return h.typ }

func (h *RunHandler) Handle(ctx context.Context, cmd *store.Command) ([]*engine.WorkflowExecution, error) {
	exec, err := build(ctx, h.deps, &runSteps{deps: h.deps, scheduleTime: cmd.ScheduleTime}, cmd)
	if err != nil {
		return nil, err
	}
	return []*engine.WorkflowExecution{exec}, nil
}

// BackfillHandler serves COMPLEMENT_DATA: one new instance per schedule date
// listed in the command param, in the order given.
type BackfillHandler struct {
	deps Deps
}

func NewBackfillHandler(d Deps) *BackfillHandler { return &BackfillHandler{deps: d} }

func (h *BackfillHandler) CommandType() schema.CommandType { return schema.CommandComplementData }

func (h *BackfillHandler) Handle(ctx context.Context, cmd *store.Command) ([]*engine.WorkflowExecution, error) {
	param, err := cmd.Param()
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "decode command param: %s", err.Error()).WithCause(err)
	}
	if len(param.ComplementDates) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "backfill needs at least one schedule date")
	}

	dates := make([]time.Time, 0, len(param.ComplementDates))
	for _, raw := range param.ComplementDates {
		d, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid schedule date %q", raw).WithCause(err)
		}
		dates = append(dates, d)
	}

	execs := make([]*engine.WorkflowExecution, 0, len(dates))
	for i := range dates {
		exec, err := build(ctx, h.deps, &runSteps{deps: h.deps, scheduleTime: &dates[i]}, cmd)
		if err != nil {
			return execs, err
		}
		execs = append(execs, exec)
	}
	return execs, nil
}

// runSteps creates a fresh instance in RUNNING_EXECUTION.
type runSteps struct {
	deps         Deps
	scheduleTime *time.Time
}

func (s *runSteps) assembleInstance(ctx context.Context, a *assembly) error {
	spec, err := s.deps.Store.GetWorkflowSpec(ctx, a.cmd.WorkflowDefinitionCode, a.cmd.WorkflowDefinitionVersion)
	if err != nil {
		return err
	}
	if spec.Workflow.Flag == schema.FlagNo {
		return schema.NewErrorf(schema.ErrCodeValidation, "workflow definition %d is offline", spec.Workflow.Code)
	}
	if s.deps.Validator != nil {
		if err := s.deps.Validator.ValidateSpec(spec); err != nil {
			return err
		}
	}
	a.spec = spec

	now := s.deps.now()
	cmd := a.cmd
	wi := &store.WorkflowInstance{
		Name:                      instanceName(spec.Workflow.Name, now),
		WorkflowDefinitionCode:    spec.Workflow.Code,
		WorkflowDefinitionVersion: spec.Workflow.Version,
		State:                     schema.WorkflowRunning,
		Host:                      s.deps.Defaults.Host,
		CommandType:               cmd.Type,
		CommandParam:              cmd.CommandParam,
		TaskDependType:            orDefault(cmd.TaskDependType, schema.TaskDependPost),
		FailureStrategy:           orDefault(cmd.FailureStrategy, schema.FailureStrategyContinue),
		ScheduleTime:              s.scheduleTime,
		StartTime:                 &now,
		RestartTime:               &now,
		RunTimes:                  1,
		GlobalParams:              schema.MergeProperties(spec.Workflow.GlobalParams, a.param.StartParams),
		HistoryCmd:                []schema.CommandType{cmd.Type},
		Priority:                  cmd.Priority,
		WorkerGroup:               orDefault(cmd.WorkerGroup, s.deps.Defaults.WorkerGroup),
		EnvironmentCode:           orDefault(cmd.EnvironmentCode, s.deps.Defaults.EnvironmentCode),
		Timeout:                   spec.Workflow.Timeout,
		DryRun:                    cmd.DryRun,
		TestFlag:                  cmd.TestFlag,
		ExecutorID:                cmd.ExecutorID,
	}
	if s.scheduleTime == nil && cmd.Type == schema.CommandScheduler {
		wi.ScheduleTime = &now
	}
	if err := s.deps.Store.CreateWorkflowInstance(ctx, wi); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "create workflow instance: %s", err.Error()).WithCause(err)
	}
	a.instance = wi
	return nil
}

func (s *runSteps) assembleGraph(_ context.Context, a *assembly) error {
	p, err := plan(a.spec, a.param.StartNodes, a.instance.TaskDependType)
	if err != nil {
		return err
	}
	a.plan = p
	return nil
}
