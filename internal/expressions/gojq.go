package expressions

import (
	"context"

	"github.com/itchyny/gojq"
)

// GoJQEngine evaluates jq filters over the scope object. The scope entries
// are also bound as $vars, $params and $workflow, so `.vars.rows` and
// `$vars.rows` are equivalent. $ENV and env are empty.
type GoJQEngine struct {
	programs programs[*gojq.Code]
}

var jqVariables = []string{"$" + scopeVars, "$" + scopeParams, "$" + scopeWorkflow}

func NewGoJQEngine() *GoJQEngine { return &GoJQEngine{} }

func (e *GoJQEngine) Name() string { return "jq" }

func (e *GoJQEngine) Compile(expression string) error {
	_, err := e.code(expression)
	return err
}

// Evaluate returns the filter's single output, nil for none and []any for
// several.
func (e *GoJQEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	code, err := e.code(expression)
	if err != nil {
		return nil, err
	}

	scope := jqValue(completeScope(data)).(map[string]any)
	iter := code.RunWithContext(ctx, scope, scope[scopeVars], scope[scopeParams], scope[scopeWorkflow])

	var outs []any
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := v.(error); isErr {
			return nil, evalError(e.Name(), expression, err)
		}
		outs = append(outs, v)
	}
	switch len(outs) {
	case 0:
		return nil, nil
	case 1:
		return outs[0], nil
	}
	return outs, nil
}

func (e *GoJQEngine) code(expression string) (*gojq.Code, error) {
	if expression == "" {
		return nil, emptyExpression(e.Name())
	}
	return e.programs.get(expression, func(src string) (*gojq.Code, error) {
		q, err := gojq.Parse(src)
		if err != nil {
			return nil, compileError(e.Name(), src, err)
		}
		code, err := gojq.Compile(q,
			gojq.WithVariables(jqVariables),
			gojq.WithEnvironLoader(func() []string { return nil }),
		)
		if err != nil {
			return nil, compileError(e.Name(), src, err)
		}
		return code, nil
	})
}

// jqValue converts the Go types found in a scope into the ones gojq accepts.
func jqValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = jqValue(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = jqValue(item)
		}
		return out
	case int64:
		return int(val)
	case int32:
		return int(val)
	case float32:
		return float64(val)
	}
	return v
}

var _ Engine = (*GoJQEngine)(nil)
