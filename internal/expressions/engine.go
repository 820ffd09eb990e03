package expressions

import (
	"context"
	"strconv"
	"strings"

	"github.com/rendis/flowmaster/pkg/schema"
)

// Engine evaluates switch conditions against a Scope.
type Engine interface {
	Name() string
	// Compile reports syntax errors without evaluating.
	Compile(expression string) error
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// DefaultEngine is used when a switch task names no engine.
const DefaultEngine = "cel"

// Conditions routes boolean conditions to a named engine.
type Conditions struct {
	engines map[string]Engine
}

// NewConditions registers the CEL, Expr and GoJQ engines.
func NewConditions() (*Conditions, error) {
	celEngine, err := NewCELEngine()
	if err != nil {
		return nil, err
	}
	return NewConditionsWith(celEngine, NewExprEngine(), NewGoJQEngine()), nil
}

// NewConditionsWith builds a router over the given engines, keyed by Name().
func NewConditionsWith(engines ...Engine) *Conditions {
	c := &Conditions{engines: make(map[string]Engine, len(engines))}
	for _, e := range engines {
		c.engines[e.Name()] = e
	}
	return c
}

func (c *Conditions) engine(name string) (Engine, error) {
	if name == "" {
		name = DefaultEngine
	}
	e, ok := c.engines[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown expression engine: %s", name)
	}
	return e, nil
}

// Check compiles expression with the named engine.
func (c *Conditions) Check(engine, expression string) error {
	e, err := c.engine(engine)
	if err != nil {
		return err
	}
	return e.Compile(expression)
}

// Test evaluates expression with the named engine and coerces the result to a bool.
func (c *Conditions) Test(ctx context.Context, engine, expression string, data map[string]any) (bool, error) {
	e, err := c.engine(engine)
	if err != nil {
		return false, err
	}
	out, err := e.Evaluate(ctx, expression, data)
	if err != nil {
		return false, err
	}
	return Truthy(out)
}

// Truthy converts an evaluation result to a bool.
// Booleans pass through, "true"/"false" strings are parsed, nil is false and
// numbers are true when non-zero.
func Truthy(v any) (bool, error) {
	switch val := v.(type) {
	case nil:
		return false, nil
	case bool:
		return val, nil
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(val))
		if err != nil {
			return false, schema.NewErrorf(schema.ErrCodeExecution, "condition result %q is not a boolean", val)
		}
		return b, nil
	case int:
		return val != 0, nil
	case int64:
		return val != 0, nil
	case uint64:
		return val != 0, nil
	case float64:
		return val != 0, nil
	}
	return false, schema.NewErrorf(schema.ErrCodeExecution, "condition result of type %T is not a boolean", v)
}

const (
	scopeVars     = "vars"
	scopeParams   = "params"
	scopeWorkflow = "workflow"
)

// Scope builds the evaluation data for a workflow instance: vars is the var
// pool, params the cured task params and workflow the instance metadata.
func Scope(vars, params map[string]string, workflow map[string]any) map[string]any {
	return map[string]any{
		scopeVars:     stringsToAny(vars),
		scopeParams:   stringsToAny(params),
		scopeWorkflow: workflow,
	}
}

// completeScope returns data with every scope entry present as a map.
func completeScope(data map[string]any) map[string]any {
	out := make(map[string]any, 3)
	for _, k := range []string{scopeVars, scopeParams, scopeWorkflow} {
		m, _ := data[k].(map[string]any)
		if m == nil {
			m = map[string]any{}
		}
		out[k] = m
	}
	return out
}

func stringsToAny(m map[string]string) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
