package validation

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/rendis/flowmaster/internal/expressions"
	"github.com/rendis/flowmaster/pkg/schema"
)

// maxRetryWarning is the retry count above which a task gets a warning.
const maxRetryWarning = 10

// validateSemantic checks what the structural schema cannot express:
// unique task codes and names, relation endpoints, task params per type,
// switch targets and conditions, parameter names.
func validateSemantic(spec *schema.WorkflowSpec, jsv *JSONSchemaValidator, conds *expressions.Conditions) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	names := make(map[string]bool, len(spec.Tasks))
	codes := make(map[int64]string, len(spec.Tasks))
	for i, task := range spec.Tasks {
		path := fmt.Sprintf("tasks[%d]", i)
		if names[task.Name] {
			result.AddError(path+".name", schema.ErrCodeValidation, fmt.Sprintf("duplicate task name %q", task.Name))
		}
		names[task.Name] = true
		if other, ok := codes[task.Code]; ok {
			result.AddError(path+".code", schema.ErrCodeValidation,
				fmt.Sprintf("task code %d already used by %q", task.Code, other))
		} else {
			codes[task.Code] = task.Name
		}
	}

	related := make(map[int64]bool, len(spec.Tasks))
	for i, rel := range spec.Relations {
		path := fmt.Sprintf("relations[%d]", i)
		if rel.PreTaskCode != 0 {
			if _, ok := codes[rel.PreTaskCode]; !ok {
				result.AddError(path+".pre_task_code", schema.ErrCodeMissingTask,
					fmt.Sprintf("references non-existent task code %d", rel.PreTaskCode))
			}
		}
		if _, ok := codes[rel.PostTaskCode]; !ok {
			result.AddError(path+".post_task_code", schema.ErrCodeMissingTask,
				fmt.Sprintf("references non-existent task code %d", rel.PostTaskCode))
		}
		if rel.PreTaskCode == rel.PostTaskCode {
			result.AddError(path, schema.ErrCodeCycleDetected,
				fmt.Sprintf("task code %d depends on itself", rel.PostTaskCode))
		}
		if spec.Workflow.Code != 0 && rel.WorkflowDefinitionCode != 0 && rel.WorkflowDefinitionCode != spec.Workflow.Code {
			result.AddWarning(path+".workflow_definition_code", schema.ErrCodeValidation,
				fmt.Sprintf("relation belongs to workflow %d, not %d", rel.WorkflowDefinitionCode, spec.Workflow.Code))
		}
		related[rel.PreTaskCode] = true
		related[rel.PostTaskCode] = true
	}

	checkParamNames("workflow.global_params", spec.Workflow.GlobalParams, result, true)

	for i := range spec.Tasks {
		task := &spec.Tasks[i]
		path := fmt.Sprintf("tasks[%d]", i)

		if len(spec.Relations) > 0 && !related[task.Code] {
			result.AddWarning(path, schema.ErrCodeValidation,
				fmt.Sprintf("task %q has no relation and runs as an entry node", task.Name))
		}
		if task.FailRetryTimes > maxRetryWarning {
			result.AddWarning(path+".fail_retry_times", schema.ErrCodeValidation,
				fmt.Sprintf("high retry count (%d) may cause excessive delays", task.FailRetryTimes))
		}
		checkParamNames(path+".local_params", task.LocalParams, result, false)

		if err := jsv.ValidateTaskParams(task.TaskType, task.TaskParams); err != nil {
			addFlowError(result, path+".task_params", err)
			continue
		}
		switch task.TaskType {
		case schema.TaskTypeSwitch:
			validateSwitch(task, path, names, conds, result)
		case schema.TaskTypeDependent:
			validateDependentItems(task, path, spec.Workflow.Code, result)
		}
	}

	return result
}

func validateSwitch(task *schema.TaskDefinition, path string, names map[string]bool,
	conds *expressions.Conditions, result *schema.ValidationResult) {
	var p schema.SwitchParams
	if err := json.Unmarshal(task.TaskParams, &p); err != nil {
		return // structural stage reports it
	}
	for i, c := range p.Cases {
		casePath := fmt.Sprintf("%s.task_params.cases[%d]", path, i)
		if !names[c.Next] {
			result.AddError(casePath+".next", schema.ErrCodeMissingTask,
				fmt.Sprintf("routes to non-existent task %q", c.Next))
		}
		// ${...} references are cured at run time; only the final text compiles
		if conds == nil || strings.Contains(c.Condition, "${") {
			continue
		}
		if err := conds.Check(p.Engine, c.Condition); err != nil {
			addFlowError(result, casePath+".condition", err)
		}
	}
	if p.NextNode != "" && !names[p.NextNode] {
		result.AddError(path+".task_params.next_node", schema.ErrCodeMissingTask,
			fmt.Sprintf("routes to non-existent task %q", p.NextNode))
	}
}

func validateDependentItems(task *schema.TaskDefinition, path string, workflowCode int64, result *schema.ValidationResult) {
	var p schema.DependentParams
	if err := json.Unmarshal(task.TaskParams, &p); err != nil {
		return
	}
	seen := make(map[string]bool)
	for gi, group := range p.Groups {
		for ii, item := range group.Items {
			itemPath := fmt.Sprintf("%s.task_params.groups[%d].items[%d]", path, gi, ii)
			if item.DefinitionCode == workflowCode && item.DepTaskCode == task.Code {
				result.AddError(itemPath, schema.ErrCodeCycleDetected, "dependent task depends on itself")
			}
			if seen[item.Key()] {
				result.AddWarning(itemPath, schema.ErrCodeValidation, fmt.Sprintf("duplicate dependency %s", item.Key()))
			}
			seen[item.Key()] = true
		}
	}
	if p.FailurePolicy == schema.DependFailureWaiting && p.FailureWaiting == 0 {
		result.AddWarning(path+".task_params.failure_waiting_time", schema.ErrCodeValidation,
			"failure policy WAITING without a waiting time fails immediately")
	}
}

// checkParamNames reports duplicate property names; duplicates are errors
// for global params and warnings elsewhere, where the last one wins.
func checkParamNames(path string, props []schema.Property, result *schema.ValidationResult, strict bool) {
	seen := make(map[string]bool, len(props))
	for i, p := range props {
		if !seen[p.Prop] {
			seen[p.Prop] = true
			continue
		}
		msg := fmt.Sprintf("duplicate parameter %q", p.Prop)
		if strict {
			result.AddError(fmt.Sprintf("%s[%d]", path, i), schema.ErrCodeValidation, msg)
		} else {
			result.AddWarning(fmt.Sprintf("%s[%d]", path, i), schema.ErrCodeValidation, msg)
		}
	}
}

// addFlowError copies a FlowError's violations into result.
func addFlowError(result *schema.ValidationResult, path string, err error) {
	var fe *schema.FlowError
	if !errors.As(err, &fe) {
		result.AddError(path, schema.ErrCodeValidation, err.Error())
		return
	}
	if violations, ok := fe.Details["violations"].([]string); ok {
		for _, v := range violations {
			result.AddError(path, fe.Code, v)
		}
		return
	}
	result.AddError(path, fe.Code, fe.Message)
}
