package expressions

import (
	"context"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// ExprEngine evaluates conditions with expr-lang/expr. It is the one to pick
// for nil coalescing, e.g. (vars.retries ?? "0") == "0".
type ExprEngine struct {
	programs programs[*vm.Program]
}

func NewExprEngine() *ExprEngine { return &ExprEngine{} }

func (e *ExprEngine) Name() string { return "expr" }

func (e *ExprEngine) Compile(expression string) error {
	_, err := e.program(expression)
	return err
}

func (e *ExprEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	prg, err := e.program(expression)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, evalError(e.Name(), expression, err)
	}
	out, err := vm.Run(prg, completeScope(data))
	if err != nil {
		return nil, evalError(e.Name(), expression, err)
	}
	return out, nil
}

// Programs are compiled against the scope's shape, not a particular
// instance's values, so one program serves every instance.
func (e *ExprEngine) program(expression string) (*vm.Program, error) {
	if expression == "" {
		return nil, emptyExpression(e.Name())
	}
	return e.programs.get(expression, func(src string) (*vm.Program, error) {
		prg, err := expr.Compile(src,
			expr.Env(completeScope(nil)),
			expr.AllowUndefinedVariables(),
			expr.AsBool(),
		)
		if err != nil {
			return nil, compileError(e.Name(), src, err)
		}
		return prg, nil
	})
}

var _ Engine = (*ExprEngine)(nil)
