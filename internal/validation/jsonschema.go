package validation

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/flowmaster/pkg/schema"
)

const schemaBase = "https://flowmaster.dev/schemas/"

// commonSchemaJSON holds definitions shared by the other schemas.
const commonSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://flowmaster.dev/schemas/common.json",
  "$defs": {
    "property": {
      "type": "object",
      "required": ["prop"],
      "properties": {
        "prop": { "type": "string", "minLength": 1 },
        "direct": { "type": "string", "enum": ["", "IN", "OUT"] },
        "type": {
          "type": "string",
          "enum": ["", "VARCHAR", "INTEGER", "LONG", "FLOAT", "DOUBLE", "DATE", "TIME", "TIMESTAMP", "BOOLEAN", "LIST", "FILE"]
        },
        "value": { "type": "string" }
      },
      "additionalProperties": false
    },
    "properties": {
      "type": "array",
      "items": { "$ref": "#/$defs/property" }
    },
    "timestamp": { "type": "string", "format": "date-time" }
  }
}`

// specSchemaJSON is the JSON Schema of a WorkflowSpec.
const specSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://flowmaster.dev/schemas/spec.json",
  "type": "object",
  "required": ["workflow", "tasks"],
  "properties": {
    "workflow": {
      "type": "object",
      "required": ["code", "name"],
      "properties": {
        "code": { "type": "integer", "minimum": 1 },
        "version": { "type": "integer", "minimum": 0 },
        "name": { "type": "string", "minLength": 1 },
        "project_code": { "type": "integer", "minimum": 0 },
        "global_params": { "$ref": "common.json#/$defs/properties" },
        "timeout": { "type": "integer", "minimum": 0 },
        "flag": { "enum": [0, 1] },
        "created_at": { "type": "string" },
        "updated_at": { "type": "string" }
      },
      "additionalProperties": false
    },
    "tasks": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/task" }
    },
    "relations": {
      "type": ["array", "null"],
      "items": { "$ref": "#/$defs/relation" }
    }
  },
  "additionalProperties": false,
  "$defs": {
    "task": {
      "type": "object",
      "required": ["code", "name", "task_type"],
      "properties": {
        "code": { "type": "integer", "minimum": 1 },
        "version": { "type": "integer", "minimum": 0 },
        "name": { "type": "string", "minLength": 1 },
        "task_type": { "type": "string", "minLength": 1 },
        "task_params": {},
        "local_params": { "$ref": "common.json#/$defs/properties" },
        "flag": { "enum": [0, 1] },
        "execute_type": { "type": "string", "enum": ["BATCH", "STREAM"] },
        "worker_group": { "type": "string" },
        "environment_code": { "type": "integer" },
        "priority": { "type": "integer", "minimum": 0, "maximum": 4 },
        "fail_retry_times": { "type": "integer", "minimum": 0 },
        "fail_retry_interval": { "type": "integer", "minimum": 0 },
        "timeout": { "type": "integer", "minimum": 0 }
      },
      "additionalProperties": false
    },
    "relation": {
      "type": "object",
      "required": ["post_task_code"],
      "properties": {
        "workflow_definition_code": { "type": "integer", "minimum": 0 },
        "workflow_definition_version": { "type": "integer", "minimum": 0 },
        "pre_task_code": { "type": "integer", "minimum": 0 },
        "post_task_code": { "type": "integer", "minimum": 1 }
      },
      "additionalProperties": false
    }
  }
}`

// switchSchemaJSON is the task_params schema of SWITCH tasks.
const switchSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://flowmaster.dev/schemas/switch.json",
  "type": "object",
  "properties": {
    "engine": { "type": "string", "enum": ["", "cel", "expr", "jq"] },
    "cases": {
      "type": ["array", "null"],
      "items": {
        "type": "object",
        "required": ["condition", "next"],
        "properties": {
          "condition": { "type": "string", "minLength": 1 },
          "next": { "type": "string", "minLength": 1 }
        },
        "additionalProperties": false
      }
    },
    "next_node": { "type": "string" }
  },
  "anyOf": [
    { "required": ["cases"], "properties": { "cases": { "type": "array", "minItems": 1 } } },
    { "required": ["next_node"], "properties": { "next_node": { "minLength": 1 } } }
  ],
  "additionalProperties": false
}`

// dependentSchemaJSON is the task_params schema of DEPENDENT tasks.
const dependentSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://flowmaster.dev/schemas/dependent.json",
  "type": "object",
  "required": ["groups"],
  "properties": {
    "relation": { "$ref": "#/$defs/relation" },
    "groups": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["items"],
        "properties": {
          "relation": { "$ref": "#/$defs/relation" },
          "items": {
            "type": "array",
            "minItems": 1,
            "items": { "$ref": "#/$defs/item" }
          }
        },
        "additionalProperties": false
      }
    },
    "failure_policy": {
      "type": "string",
      "enum": ["", "DEPENDENT_FAILURE_FAILURE", "DEPENDENT_FAILURE_WAITING"]
    },
    "failure_waiting_time": { "type": "integer", "minimum": 0 },
    "check_interval_ms": { "type": "integer", "minimum": 0 }
  },
  "additionalProperties": false,
  "$defs": {
    "relation": { "type": "string", "enum": ["", "AND", "OR"] },
    "item": {
      "type": "object",
      "required": ["definition_code", "cycle", "date_value"],
      "properties": {
        "project_code": { "type": "integer", "minimum": 0 },
        "definition_code": { "type": "integer", "minimum": 1 },
        "dep_task_code": { "type": "integer", "minimum": -1 },
        "cycle": { "type": "string", "enum": ["hour", "day", "week", "month"] },
        "date_value": {
          "type": "string",
          "enum": [
            "currentHour", "last1Hour", "last2Hours", "last3Hours", "last24Hours",
            "today", "last1Days", "last2Days", "last3Days", "last7Days",
            "thisWeek", "lastWeek", "lastMonday", "lastTuesday", "lastWednesday",
            "lastThursday", "lastFriday", "lastSaturday", "lastSunday",
            "thisMonth", "thisMonthBegin", "lastMonth", "lastMonthBegin", "lastMonthEnd"
          ]
        },
        "parameter_passing": { "type": "boolean" }
      },
      "additionalProperties": false
    }
  }
}`

// commandParamSchemaJSON is the schema of a command's command_param payload.
const commandParamSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://flowmaster.dev/schemas/command-param.json",
  "type": "object",
  "properties": {
    "start_nodes": {
      "type": ["array", "null"],
      "uniqueItems": true,
      "items": { "type": "string", "minLength": 1 }
    },
    "start_params": { "$ref": "common.json#/$defs/properties" },
    "recover_workflow_instance_id": { "type": "integer", "minimum": 1 },
    "complement_schedule_dates": {
      "type": ["array", "null"],
      "items": { "$ref": "common.json#/$defs/timestamp" }
    }
  },
  "additionalProperties": false
}`

var builtinSchemas = []struct{ name, doc string }{
	{"common.json", commonSchemaJSON},
	{"spec.json", specSchemaJSON},
	{"switch.json", switchSchemaJSON},
	{"dependent.json", dependentSchemaJSON},
	{"command-param.json", commandParamSchemaJSON},
}

// JSONSchemaValidator validates documents against the built-in schemas and
// against task param schemas registered per task type. It is safe for
// concurrent use.
type JSONSchemaValidator struct {
	specSchema    *jsonschema.Schema
	commandSchema *jsonschema.Schema
	switchSchema  *jsonschema.Schema
	dependSchema  *jsonschema.Schema

	// mu guards the registered task schemas and the compile cache.
	mu    sync.RWMutex
	tasks map[string]*jsonschema.Schema
	cache map[string]*jsonschema.Schema
}

// NewJSONSchemaValidator compiles the built-in schemas.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := newCompiler()
	for _, s := range builtinSchemas {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(s.doc))
		if err != nil {
			return nil, fmt.Errorf("unmarshal %s: %w", s.name, err)
		}
		if err := c.AddResource(schemaBase+s.name, doc); err != nil {
			return nil, fmt.Errorf("add %s resource: %w", s.name, err)
		}
	}

	v := &JSONSchemaValidator{
		tasks: make(map[string]*jsonschema.Schema),
		cache: make(map[string]*jsonschema.Schema),
	}
	for name, dst := range map[string]**jsonschema.Schema{
		"spec.json":          &v.specSchema,
		"command-param.json": &v.commandSchema,
		"switch.json":        &v.switchSchema,
		"dependent.json":     &v.dependSchema,
	} {
		compiled, err := c.Compile(schemaBase + name)
		if err != nil {
			return nil, fmt.Errorf("compile %s: %w", name, err)
		}
		*dst = compiled
	}
	return v, nil
}

// ValidateSpec validates the shape of a workflow spec.
func (v *JSONSchemaValidator) ValidateSpec(spec *schema.WorkflowSpec) error {
	if spec == nil {
		return schema.NewError(schema.ErrCodeValidation, "workflow spec is nil")
	}
	return v.validate(v.specSchema, spec)
}

// ValidateCommandParam validates a raw command_param payload. An empty
// payload is valid.
func (v *JSONSchemaValidator) ValidateCommandParam(raw json.RawMessage) error {
	if len(raw) == 0 {
		return nil
	}
	return v.validateRaw(v.commandSchema, raw)
}

// ValidateTaskParams validates the task_params of a task of the given type.
// Types without a schema accept any JSON object.
func (v *JSONSchemaValidator) ValidateTaskParams(taskType string, raw json.RawMessage) error {
	var s *jsonschema.Schema
	switch taskType {
	case schema.TaskTypeSwitch:
		s = v.switchSchema
	case schema.TaskTypeDependent:
		s = v.dependSchema
	default:
		v.mu.RLock()
		s = v.tasks[taskType]
		v.mu.RUnlock()
	}

	if len(raw) == 0 {
		if s == nil {
			return nil
		}
		return schema.NewErrorf(schema.ErrCodeValidation, "%s task has no params", taskType)
	}
	if s == nil {
		var obj map[string]any
		if err := json.Unmarshal(raw, &obj); err != nil {
			return schema.NewErrorf(schema.ErrCodeValidation, "task params must be a JSON object: %s", err.Error()).WithCause(err)
		}
		return nil
	}
	return v.validateRaw(s, raw)
}

// RegisterTaskSchema sets the task_params schema of a worker task type.
func (v *JSONSchemaValidator) RegisterTaskSchema(taskType string, doc []byte) error {
	if taskType == schema.TaskTypeSwitch || taskType == schema.TaskTypeDependent {
		return schema.NewErrorf(schema.ErrCodeConflict, "task type %s has a built-in schema", taskType)
	}
	compiled, err := v.getOrCompile(doc)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "invalid schema for task type %s", taskType).WithCause(err)
	}
	v.mu.Lock()
	v.tasks[taskType] = compiled
	v.mu.Unlock()
	return nil
}

// TaskTypes returns the task types with a registered schema.
func (v *JSONSchemaValidator) TaskTypes() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]string, 0, len(v.tasks))
	for t := range v.tasks {
		out = append(out, t)
	}
	return out
}

// getOrCompile returns a cached compiled schema or compiles and caches a new one.
func (v *JSONSchemaValidator) getOrCompile(schemaBytes []byte) (*jsonschema.Schema, error) {
	key := string(schemaBytes)

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	// fresh compiler per dynamic schema so resources never collide
	url := fmt.Sprintf("flowmaster://task-schema/%d", len(v.cache))
	c := newCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	v.cache[key] = compiled
	return compiled, nil
}

func (v *JSONSchemaValidator) validate(s *jsonschema.Schema, value any) error {
	doc, err := toJSONValue(value)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize document").WithCause(err)
	}
	if err := s.Validate(doc); err != nil {
		return toFlowError(err)
	}
	return nil
}

func (v *JSONSchemaValidator) validateRaw(s *jsonschema.Schema, raw json.RawMessage) error {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "invalid JSON: %s", err.Error()).WithCause(err)
	}
	if err := s.Validate(doc); err != nil {
		return toFlowError(err)
	}
	return nil
}

func newCompiler() *jsonschema.Compiler {
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	return c
}

// toJSONValue round-trips a Go value through JSON so numbers become
// json.Number, as the jsonschema library expects.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toFlowError converts a jsonschema.ValidationError into a FlowError listing
// each leaf violation with its instance location.
func toFlowError(err error) *schema.FlowError {
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	switch len(violations) {
	case 0:
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	case 1:
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}
	return schema.NewErrorf(schema.ErrCodeValidation, "validation failed with %d errors", len(violations)).
		WithDetails(map[string]any{"violations": violations})
}

func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
