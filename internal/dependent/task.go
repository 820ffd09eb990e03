package dependent

import (
	"context"
	"time"

	"github.com/rendis/flowmaster/pkg/schema"
)

// DefaultCheckInterval is the poll period of a dependent task without check_interval_ms.
const DefaultCheckInterval = 10 * time.Second

// Task evaluates the full params of a DEPENDENT task: one Evaluator per group,
// combined under the outer relation. Groups share one var pool.
type Task struct {
	groups         []*Evaluator
	relation       schema.DependentRelation
	policy         schema.DependFailurePolicy
	failureWaiting time.Duration
	checkInterval  time.Duration
	varPool        *varPoolCollector
	clock          func() time.Time
}

// NewTask builds the evaluators for params.
func NewTask(st Store, params schema.DependentParams, self SelfRef, opts ...Option) *Task {
	o := buildOptions(opts)
	vp := newVarPoolCollector()
	t := &Task{
		relation:       params.Relation,
		policy:         params.FailurePolicy,
		failureWaiting: time.Duration(params.FailureWaiting) * time.Minute,
		checkInterval:  time.Duration(params.CheckIntervalMs) * time.Millisecond,
		varPool:        vp,
		clock:          o.clock,
	}
	if t.checkInterval <= 0 {
		t.checkInterval = DefaultCheckInterval
	}
	for _, g := range params.Groups {
		t.groups = append(t.groups, newEvaluator(st, g.Items, g.Relation, self, vp, o))
	}
	return t
}

// Result combines the group results.
func (t *Task) Result(ctx context.Context, at time.Time) (schema.DependResult, error) {
	results := make([]schema.DependResult, 0, len(t.groups))
	for _, g := range t.groups {
		r, err := g.Result(ctx, at)
		if err != nil {
			return "", err
		}
		results = append(results, r)
	}
	return schema.CombineResults(t.relation, results), nil
}

// Finish evaluates once and reports whether the task is done along with the
// combined result.
func (t *Task) Finish(ctx context.Context, at time.Time) (bool, schema.DependResult, error) {
	r, err := t.Result(ctx, at)
	if err != nil {
		return false, "", err
	}
	return finished(r, at, t.clock(), t.policy, t.failureWaiting), r, nil
}

// CheckInterval is the delay between two polls.
func (t *Task) CheckInterval() time.Duration {
	return t.checkInterval
}

// VarPool returns the OUT properties collected from parameter-passing items.
func (t *Task) VarPool() []schema.Property {
	return t.varPool.properties()
}
