// Package command turns persisted commands into running workflow executions.
package command

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/rendis/flowmaster/internal/engine"
	"github.com/rendis/flowmaster/internal/graph"
	"github.com/rendis/flowmaster/internal/logging"
	"github.com/rendis/flowmaster/internal/store"
	"github.com/rendis/flowmaster/internal/validation"
	"github.com/rendis/flowmaster/pkg/schema"
)

// Handler builds the executions a command asks for. The returned executions
// are not submitted yet.
type Handler interface {
	CommandType() schema.CommandType
	Handle(ctx context.Context, cmd *store.Command) ([]*engine.WorkflowExecution, error)
}

// Defaults fill the fields a command leaves empty.
type Defaults struct {
	Host            string // this master's address, stamped on new instances
	WorkerGroup     string
	EnvironmentCode int64
}

// Deps is what every handler needs.
type Deps struct {
	Store     store.Store
	Engine    *engine.Engine
	Validator validation.Validator // optional, checks definitions before new runs
	Defaults  Defaults
	Clock     func() time.Time
	Logger    *slog.Logger
}

func (d Deps) now() time.Time {
	if d.Clock == nil {
		return time.Now()
	}
	return d.Clock()
}

// assembly is the state one handler run builds up.
type assembly struct {
	cmd      *store.Command
	param    schema.CommandParam
	spec     *schema.WorkflowSpec
	instance *store.WorkflowInstance
	plan     *graph.Plan
	restore  []*store.TaskInstance
}

// assembler is implemented by each handler: first the workflow instance is
// created or reloaded, then the plan to run over it.
type assembler interface {
	assembleInstance(ctx context.Context, a *assembly) error
	assembleGraph(ctx context.Context, a *assembly) error
}

// build runs both assembly steps and wraps the result in an execution.
func build(ctx context.Context, d Deps, steps assembler, cmd *store.Command) (*engine.WorkflowExecution, error) {
	param, err := cmd.Param()
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "decode command param: %s", err.Error()).WithCause(err)
	}
	a := &assembly{cmd: cmd, param: param}
	if err := steps.assembleInstance(ctx, a); err != nil {
		return nil, err
	}
	if err := steps.assembleGraph(ctx, a); err != nil {
		// the instance is persisted already and would look running forever
		if a.instance.ID != 0 {
			if serr := d.Store.UpdateWorkflowInstanceState(ctx, a.instance.ID, a.instance.State, schema.WorkflowFailure); serr != nil {
				logging.OrDefault(d.Logger).WarnContext(ctx, "failed to mark workflow instance as failed",
					slog.Int64("workflow_instance_id", a.instance.ID),
					slog.String("error", serr.Error()))
			}
		}
		return nil, err
	}

	exec := d.Engine.NewExecution(a.instance, a.spec, a.plan)
	if len(a.restore) > 0 {
		restored := exec.Restore(a.restore)
		logging.LogWith(logging.WithWorkflowInstance(ctx, a.instance.ID), logging.OrDefault(d.Logger)).
			DebugContext(ctx, "task instances restored", slog.Int("count", restored))
	}
	return exec, nil
}

// plan builds the workflow graph of spec and expands the start nodes over it.
func plan(spec *schema.WorkflowSpec, startNodes []string, dependType schema.TaskDependType) (*graph.Plan, error) {
	g, err := graph.FromSpec(spec)
	if err != nil {
		return nil, err
	}
	return graph.Traverse(g, startNodes, dependType)
}

func instanceName(def string, now time.Time) string {
	return fmt.Sprintf("%s-%s%03d", def, now.Format("20060102150405"), now.Nanosecond()/int(time.Millisecond))
}

func orDefault[T comparable](v, def T) T {
	var zero T
	if v == zero {
		return def
	}
	return v
}
