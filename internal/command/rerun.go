package command

import (
	"context"
	"fmt"
	"slices"

	"github.com/rendis/flowmaster/internal/engine"
	"github.com/rendis/flowmaster/internal/store"
	"github.com/rendis/flowmaster/pkg/schema"
)

// RerunHandler resumes an existing workflow instance under its own id. The
// three rerun commands differ in which instance states they accept and in
// whether successful task instances are kept.
type RerunHandler struct {
	deps    Deps
	typ     schema.CommandType
	allowed []schema.WorkflowExecutionStatus
	fresh   bool // invalidate every task instance, successes included
}

// NewRecoverSuspendedHandler resumes a paused or stopped instance. Successful
// task instances are restored, the rest run again.
func NewRecoverSuspendedHandler(d Deps) *RerunHandler {
	return &RerunHandler{
		deps:    d,
		typ:     schema.CommandRecoverSuspendedProcess,
		allowed: []schema.WorkflowExecutionStatus{schema.WorkflowPause, schema.WorkflowStop},
	}
}

// NewRepeatRunningHandler runs a finished instance again from scratch.
func NewRepeatRunningHandler(d Deps) *RerunHandler {
	return &RerunHandler{
		deps: d,
		typ:  schema.CommandRepeatRunning,
		allowed: []schema.WorkflowExecutionStatus{
			schema.WorkflowSuccess, schema.WorkflowFailure, schema.WorkflowStop, schema.WorkflowPause,
		},
		fresh: true,
	}
}

// NewStartFailureHandler reruns the failed and killed tasks of a failed instance.
func NewStartFailureHandler(d Deps) *RerunHandler {
	return &RerunHandler{
		deps:    d,
		typ:     schema.CommandStartFailureTask,
		allowed: []schema.WorkflowExecutionStatus{schema.WorkflowFailure},
	}
}

func (h *RerunHandler) CommandType() schema.CommandType { return h.typ }

func (h *RerunHandler) Handle(ctx context.Context, cmd *store.Command) ([]*engine.WorkflowExecution, error) {
	exec, err := build(ctx, h.deps, h, cmd)
	if err != nil {
		return nil, err
	}
	return []*engine.WorkflowExecution{exec}, nil
}

func (h *RerunHandler) assembleInstance(ctx context.Context, a *assembly) error {
	id := a.cmd.WorkflowInstanceID
	if id == 0 {
		id = a.param.RecoverInstanceID
	}
	if id == 0 {
		return schema.NewErrorf(schema.ErrCodeValidation, "%s needs the workflow instance to act on", h.typ)
	}
	if _, running := h.deps.Engine.Execution(id); running {
		return schema.NewErrorf(schema.ErrCodeConflict, "workflow instance %d is already running", id)
	}

	wi, err := h.deps.Store.GetWorkflowInstance(ctx, id)
	if err != nil {
		return err
	}
	if !slices.Contains(h.allowed, wi.State) {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"The workflow instance: %s state is %s, cannot recovery", wi.Name, wi.State).
			WithDetails(map[string]any{"workflow_instance_id": wi.ID, "command_type": string(h.typ)})
	}

	spec, err := h.deps.Store.GetWorkflowSpec(ctx, wi.WorkflowDefinitionCode, wi.WorkflowDefinitionVersion)
	if err != nil {
		return err
	}
	a.spec = spec

	from := wi.State
	now := h.deps.now()
	wi.State = schema.WorkflowRunning
	wi.RunTimes++
	wi.RestartTime = &now
	wi.EndTime = nil
	wi.Host = h.deps.Defaults.Host
	wi.CommandType = h.typ
	wi.HistoryCmd = append(wi.HistoryCmd, h.typ)
	if a.cmd.FailureStrategy != "" {
		wi.FailureStrategy = a.cmd.FailureStrategy
	}
	if h.fresh {
		wi.StartTime = &now
		wi.VarPool = nil
	}
	if err := h.deps.Store.UpdateWorkflowInstance(ctx, wi); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "update workflow instance: %s", err.Error()).WithCause(err)
	}
	if err := h.deps.Store.AppendLifecycle(ctx, &store.LifecycleRecord{
		WorkflowInstanceID: wi.ID,
		EventType:          "workflow.state",
		FromState:          string(from),
		ToState:            string(wi.State),
		Payload:            []byte(fmt.Sprintf(`{"command_type":%q}`, h.typ)),
	}); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "record workflow transition: %s", err.Error()).WithCause(err)
	}
	a.instance = wi
	return nil
}

func (h *RerunHandler) assembleGraph(ctx context.Context, a *assembly) error {
	tis, err := h.deps.Store.ListValidTaskInstances(ctx, a.instance.ID)
	if err != nil {
		return err
	}
	var invalid []int64
	for _, ti := range tis {
		if h.fresh || !ti.State.IsSuccess() {
			invalid = append(invalid, ti.ID)
			continue
		}
		a.restore = append(a.restore, ti)
	}
	if err := h.deps.Store.MarkTaskInstancesInvalid(ctx, invalid); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "invalidate task instances: %s", err.Error()).WithCause(err)
	}

	original, err := decodeParam(a.instance)
	if err != nil {
		return err
	}
	p, err := plan(a.spec, original.StartNodes, a.instance.TaskDependType)
	if err != nil {
		return err
	}
	a.plan = p
	return nil
}

// decodeParam reads the command param the instance was first started with;
// its start nodes bound every rerun.
func decodeParam(wi *store.WorkflowInstance) (schema.CommandParam, error) {
	c := store.Command{CommandParam: wi.CommandParam}
	p, err := c.Param()
	if err != nil {
		return p, schema.NewErrorf(schema.ErrCodeValidation, "decode command param of workflow instance %d: %s", wi.ID, err.Error()).WithCause(err)
	}
	return p, nil
}
