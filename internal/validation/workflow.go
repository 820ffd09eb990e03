package validation

import (
	"errors"
	"fmt"
	"time"

	"github.com/rendis/flowmaster/internal/expressions"
	"github.com/rendis/flowmaster/internal/graph"
	"github.com/rendis/flowmaster/internal/store"
	"github.com/rendis/flowmaster/pkg/schema"
)

// WorkflowValidator orchestrates the three-stage validation pipeline:
// 1. Structural (JSON Schema)
// 2. Semantic (codes, relations, task params, switch routing)
// 3. Graph (the DAG the engine would build)
type WorkflowValidator struct {
	jsonSchema *JSONSchemaValidator
	conditions *expressions.Conditions
}

// NewWorkflowValidator creates a WorkflowValidator. Switch conditions are
// compiled with the same engines the master evaluates them with.
func NewWorkflowValidator() (*WorkflowValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	conds, err := expressions.NewConditions()
	if err != nil {
		return nil, err
	}
	return &WorkflowValidator{jsonSchema: jsv, conditions: conds}, nil
}

// Schemas returns the underlying JSON Schema validator, used to register
// worker task param schemas.
func (wv *WorkflowValidator) Schemas() *JSONSchemaValidator { return wv.jsonSchema }

// Validate runs the full pipeline and returns an aggregated result.
// Structural errors short-circuit: semantic and graph stages are skipped.
func (wv *WorkflowValidator) Validate(spec *schema.WorkflowSpec) *schema.ValidationResult {
	if spec == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ErrCodeValidation, "workflow spec is nil")
		return r
	}

	result := &schema.ValidationResult{}
	if err := wv.jsonSchema.ValidateSpec(spec); err != nil {
		addFlowError(result, "/", err)
		return result
	}

	result.Merge(validateSemantic(spec, wv.jsonSchema, wv.conditions))

	// graph stage only on a semantically valid spec, its errors would repeat
	if result.Valid() {
		if _, err := graph.FromSpec(spec); err != nil {
			addFlowError(result, "relations", err)
		}
	}
	return result
}

// ValidateSpec satisfies the Validator interface.
func (wv *WorkflowValidator) ValidateSpec(spec *schema.WorkflowSpec) error {
	return wv.Validate(spec).ToError()
}

// ValidateCommand checks a command before a handler runs it: known type,
// well-formed command_param, and the fields its type requires.
func (wv *WorkflowValidator) ValidateCommand(cmd *store.Command) error {
	if cmd == nil {
		return schema.NewError(schema.ErrCodeValidation, "command is nil")
	}
	if !knownCommand(cmd.Type) {
		return schema.NewErrorf(schema.ErrCodeUnknownCommand, "unknown command type %q", cmd.Type).
			WithDetails(map[string]any{"command_id": cmd.ID})
	}

	result := &schema.ValidationResult{}
	if err := wv.jsonSchema.ValidateCommandParam(cmd.CommandParam); err != nil {
		addFlowError(result, "command_param", err)
		return result.ToError()
	}
	param, err := cmd.Param()
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "decode command param: %s", err.Error()).WithCause(err)
	}

	switch cmd.Type {
	case schema.CommandStartProcess, schema.CommandScheduler, schema.CommandComplementData:
		if cmd.WorkflowDefinitionCode <= 0 {
			result.AddError("workflow_definition_code", schema.ErrCodeValidation, "workflow definition code is required")
		}
	case schema.CommandRecoverSuspendedProcess, schema.CommandRepeatRunning, schema.CommandStartFailureTask:
		if cmd.WorkflowInstanceID <= 0 && param.RecoverInstanceID <= 0 {
			result.AddError("workflow_instance_id", schema.ErrCodeValidation,
				fmt.Sprintf("%s needs the workflow instance to act on", cmd.Type))
		}
	}

	if cmd.Type == schema.CommandComplementData {
		if len(param.ComplementDates) == 0 {
			result.AddError("command_param.complement_schedule_dates", schema.ErrCodeValidation,
				"backfill needs at least one schedule date")
		}
		for i, d := range param.ComplementDates {
			if _, err := time.Parse(time.RFC3339, d); err != nil {
				result.AddError(fmt.Sprintf("command_param.complement_schedule_dates[%d]", i), schema.ErrCodeValidation,
					fmt.Sprintf("invalid schedule date %q", d))
			}
		}
	}
	if cmd.Type == schema.CommandScheduler && cmd.ScheduleTime == nil {
		result.AddWarning("schedule_time", schema.ErrCodeValidation, "scheduler command without schedule time runs against now")
	}

	switch cmd.FailureStrategy {
	case "", schema.FailureStrategyEnd, schema.FailureStrategyContinue:
	default:
		result.AddError("failure_strategy", schema.ErrCodeValidation, fmt.Sprintf("unknown failure strategy %q", cmd.FailureStrategy))
	}
	switch cmd.TaskDependType {
	case "", schema.TaskDependPost, schema.TaskDependPostOnly, schema.TaskDependOnly, schema.TaskDependPre:
	default:
		result.AddError("task_depend_type", schema.ErrCodeValidation, fmt.Sprintf("unknown task depend type %q", cmd.TaskDependType))
	}
	return result.ToError()
}

func knownCommand(t schema.CommandType) bool {
	switch t {
	case schema.CommandStartProcess, schema.CommandRecoverSuspendedProcess, schema.CommandRepeatRunning,
		schema.CommandStartFailureTask, schema.CommandComplementData, schema.CommandScheduler:
		return true
	}
	return false
}

// IsValidation reports whether err is a validation failure rather than an
// infrastructure error.
func IsValidation(err error) bool {
	var fe *schema.FlowError
	if !errors.As(err, &fe) {
		return false
	}
	switch fe.Code {
	case schema.ErrCodeValidation, schema.ErrCodeUnknownCommand, schema.ErrCodeMissingTask, schema.ErrCodeCycleDetected:
		return true
	}
	return false
}
