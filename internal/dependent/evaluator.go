package dependent

import (
	"context"
	"log/slog"
	"time"

	"github.com/rendis/flowmaster/internal/store"
	"github.com/rendis/flowmaster/pkg/schema"
)

// Store is the slice of the persistence contract the evaluator reads.
type Store interface {
	GetWorkflowSpec(ctx context.Context, code int64, version int) (*schema.WorkflowSpec, error)
	GetTaskDefinition(ctx context.Context, code int64) (*schema.TaskDefinition, error)
	LastSchedulerInstanceInInterval(ctx context.Context, definitionCode, taskCode int64, iv store.Interval, testFlag bool) (*store.WorkflowInstance, error)
	LastManualInstanceInInterval(ctx context.Context, definitionCode, taskCode int64, iv store.Interval, testFlag bool) (*store.WorkflowInstance, error)
	FirstScheduledInstance(ctx context.Context, definitionCode int64) (*store.WorkflowInstance, error)
	FirstStartedInstance(ctx context.Context, definitionCode int64) (*store.WorkflowInstance, error)
	LastTaskInstanceInWorkflowInstance(ctx context.Context, workflowInstanceID, taskCode int64, testFlag bool) (*store.TaskInstance, error)
	LastTaskInstancesInWorkflowInstance(ctx context.Context, workflowInstanceID int64, taskCodes []int64, testFlag bool) ([]*store.TaskInstance, error)
}

// SelfRef identifies the dependent task doing the evaluation.
type SelfRef struct {
	WorkflowDefinitionCode int64
	WorkflowInstanceID     int64
	TaskCode               int64
	TestFlag               bool
}

// Option configures an Evaluator.
type Option func(*options)

type options struct {
	logger *slog.Logger
	clock  func() time.Time
	hook   func(item schema.DependentItem, result schema.DependResult)
}

// WithLogger sets the evaluator logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithClock overrides time.Now, used by Finish for the failure-waiting window.
func WithClock(fn func() time.Time) Option {
	return func(o *options) { o.clock = fn }
}

// WithResultHook is called once per freshly computed item result.
func WithResultHook(fn func(item schema.DependentItem, result schema.DependResult)) Option {
	return func(o *options) { o.hook = fn }
}

func buildOptions(opts []Option) options {
	o := options{logger: slog.Default(), clock: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Evaluator decides whether a list of dependent items is satisfied.
// It is not safe for concurrent use; the owning workflow's event consumer drives it.
type Evaluator struct {
	store    Store
	items    []schema.DependentItem
	relation schema.DependentRelation
	self     SelfRef
	opts     options

	cache   map[string]schema.DependResult // successful item results
	varPool *varPoolCollector
}

// NewEvaluator creates an evaluator over items combined with relation.
func NewEvaluator(st Store, items []schema.DependentItem, relation schema.DependentRelation, self SelfRef, opts ...Option) *Evaluator {
	return newEvaluator(st, items, relation, self, newVarPoolCollector(), buildOptions(opts))
}

func newEvaluator(st Store, items []schema.DependentItem, relation schema.DependentRelation, self SelfRef, vp *varPoolCollector, o options) *Evaluator {
	return &Evaluator{
		store:    st,
		items:    items,
		relation: relation,
		self:     self,
		opts:     o,
		cache:    make(map[string]schema.DependResult, len(items)),
		varPool:  vp,
	}
}

// Result evaluates every item against the intervals derived from at and
// combines them under the evaluator's relation.
func (e *Evaluator) Result(ctx context.Context, at time.Time) (schema.DependResult, error) {
	results := make([]schema.DependResult, 0, len(e.items))
	for _, item := range e.items {
		r, err := e.itemResult(ctx, item, at)
		if err != nil {
			return "", err
		}
		results = append(results, r)
	}
	return schema.CombineResults(e.relation, results), nil
}

// Finish reports whether evaluation is over. WAITING is never finished; FAILED
// under DEPENDENT_FAILURE_WAITING keeps waiting until failureWaiting has
// elapsed since at.
func (e *Evaluator) Finish(ctx context.Context, at time.Time, policy schema.DependFailurePolicy, failureWaiting time.Duration) (bool, error) {
	r, err := e.Result(ctx, at)
	if err != nil {
		return false, err
	}
	return finished(r, at, e.opts.clock(), policy, failureWaiting), nil
}

// VarPool returns the properties collected from successful parameter-passing items.
func (e *Evaluator) VarPool() []schema.Property {
	return e.varPool.properties()
}

func finished(r schema.DependResult, at, now time.Time, policy schema.DependFailurePolicy, failureWaiting time.Duration) bool {
	switch {
	case r == schema.DependWaiting:
		return false
	case r == schema.DependFailed && policy == schema.DependFailureWaiting && failureWaiting > 0:
		return now.Sub(at) > failureWaiting
	}
	return true
}

func (e *Evaluator) itemResult(ctx context.Context, item schema.DependentItem, at time.Time) (schema.DependResult, error) {
	key := item.Key()
	if r, ok := e.cache[key]; ok {
		return r, nil
	}

	if e.isSelfDependent(item) {
		first, err := e.isFirstInstance(ctx, item.DefinitionCode)
		if err != nil {
			return "", err
		}
		if first {
			e.opts.logger.Info("self dependent item on first instance, default success",
				slog.Int64("definition_code", item.DefinitionCode),
				slog.Int64("dep_task_code", item.DepTaskCode))
			e.cache[key] = schema.DependSuccess
			return schema.DependSuccess, nil
		}
	}

	found := newVarPoolCollector()
	r, err := e.evaluateItem(ctx, item, DateIntervals(at, item.DateValue), found)
	if err != nil {
		return "", err
	}
	if e.opts.hook != nil {
		e.opts.hook(item, r)
	}
	// A failed item can still be rerun upstream, so only success is final.
	if r == schema.DependSuccess {
		e.cache[key] = r
	}
	if r == schema.DependSuccess && item.ParameterPassing {
		e.varPool.merge(found)
	}
	return r, nil
}

func (e *Evaluator) isSelfDependent(item schema.DependentItem) bool {
	if item.DefinitionCode != e.self.WorkflowDefinitionCode {
		return false
	}
	return item.DepTaskCode == schema.DependentAllTasks || item.DepTaskCode == e.self.TaskCode
}

// isFirstInstance reports whether the evaluating instance is the first ever run
// of definitionCode, by schedule time, falling back to start time.
func (e *Evaluator) isFirstInstance(ctx context.Context, definitionCode int64) (bool, error) {
	first, err := e.store.FirstScheduledInstance(ctx, definitionCode)
	if err != nil {
		return false, err
	}
	if first == nil {
		if first, err = e.store.FirstStartedInstance(ctx, definitionCode); err != nil {
			return false, err
		}
		if first == nil {
			return false, nil
		}
	}
	return first.ID == e.self.WorkflowInstanceID, nil
}

// evaluateItem walks the intervals in order; the first non-SUCCESS result wins.
// No interval at all is a failure.
func (e *Evaluator) evaluateItem(ctx context.Context, item schema.DependentItem, intervals []store.Interval, found *varPoolCollector) (schema.DependResult, error) {
	result := schema.DependFailed
	for _, iv := range intervals {
		wi, err := e.lastInstance(ctx, item, iv)
		if err != nil {
			return "", err
		}
		if wi == nil {
			return schema.DependWaiting, nil
		}

		switch item.DepTaskCode {
		case schema.DependentWorkflow:
			result = e.byWorkflowInstance(wi, found)
		case schema.DependentAllTasks:
			result, err = e.byAllTasks(ctx, wi, found)
		default:
			result, err = e.bySingleTask(ctx, wi, item.DepTaskCode, found)
		}
		if err != nil {
			return "", err
		}
		if result != schema.DependSuccess {
			break
		}
	}
	return result, nil
}

// lastInstance picks the later (by id) of the last manual and last scheduled
// instance in the interval.
func (e *Evaluator) lastInstance(ctx context.Context, item schema.DependentItem, iv store.Interval) (*store.WorkflowInstance, error) {
	scheduled, err := e.store.LastSchedulerInstanceInInterval(ctx, item.DefinitionCode, item.DepTaskCode, iv, e.self.TestFlag)
	if err != nil {
		return nil, err
	}
	manual, err := e.store.LastManualInstanceInInterval(ctx, item.DefinitionCode, item.DepTaskCode, iv, e.self.TestFlag)
	if err != nil {
		return nil, err
	}
	switch {
	case manual == nil:
		return scheduled, nil
	case scheduled == nil:
		return manual, nil
	case manual.ID > scheduled.ID:
		return manual, nil
	}
	return scheduled, nil
}

func (e *Evaluator) byWorkflowInstance(wi *store.WorkflowInstance, found *varPoolCollector) schema.DependResult {
	if !wi.State.IsFinished() {
		return schema.DependWaiting
	}
	if wi.State.IsSuccess() {
		found.add(wi.VarPool, wi.EndTime)
		return schema.DependSuccess
	}
	e.opts.logger.Warn("dependent workflow did not succeed",
		slog.Int64("definition_code", wi.WorkflowDefinitionCode),
		slog.Int64("workflow_instance_id", wi.ID),
		slog.String("state", string(wi.State)))
	return schema.DependFailed
}

func (e *Evaluator) byAllTasks(ctx context.Context, wi *store.WorkflowInstance, found *varPoolCollector) (schema.DependResult, error) {
	if !wi.State.IsFinished() {
		return schema.DependWaiting, nil
	}
	if !wi.State.IsSuccess() {
		return schema.DependFailed, nil
	}

	spec, err := e.store.GetWorkflowSpec(ctx, wi.WorkflowDefinitionCode, wi.WorkflowDefinitionVersion)
	if err != nil {
		return "", err
	}
	var codes []int64
	for _, t := range spec.Tasks {
		if t.Flag == schema.FlagYes {
			codes = append(codes, t.Code)
		}
	}

	instances, err := e.store.LastTaskInstancesInWorkflowInstance(ctx, wi.ID, codes, e.self.TestFlag)
	if err != nil {
		return "", err
	}
	states := make(map[int64]schema.TaskExecutionStatus, len(instances))
	for _, ti := range instances {
		if ti.ExecuteType == schema.TaskExecuteStream {
			continue
		}
		states[ti.TaskCode] = ti.State
	}

	for _, code := range codes {
		state, ok := states[code]
		if !ok || !state.IsSuccess() {
			e.opts.logger.Warn("task of dependent workflow not successful",
				slog.Int64("task_code", code),
				slog.Int64("workflow_instance_id", wi.ID))
			return schema.DependFailed, nil
		}
	}
	found.add(wi.VarPool, wi.EndTime)
	return schema.DependSuccess, nil
}

func (e *Evaluator) bySingleTask(ctx context.Context, wi *store.WorkflowInstance, taskCode int64, found *varPoolCollector) (schema.DependResult, error) {
	ti, err := e.store.LastTaskInstanceInWorkflowInstance(ctx, wi.ID, taskCode, e.self.TestFlag)
	if err != nil {
		return "", err
	}

	if ti == nil {
		def, err := e.store.GetTaskDefinition(ctx, taskCode)
		if err != nil {
			if schema.HasCode(err, schema.ErrCodeNotFound) {
				e.opts.logger.Error("dependent task definition not found", slog.Int64("task_code", taskCode))
				return schema.DependFailed, nil
			}
			return "", err
		}
		if def.IsForbidden() {
			return schema.DependSuccess, nil
		}
		if !wi.State.IsFinished() {
			return schema.DependWaiting, nil
		}
		return schema.DependFailed, nil
	}

	if ti.ExecuteType == schema.TaskExecuteStream {
		found.add(ti.VarPool, ti.EndTime)
		return schema.DependSuccess, nil
	}
	switch {
	case !ti.State.IsFinished():
		return schema.DependWaiting, nil
	case ti.State.IsSuccess():
		return schema.DependSuccess, nil
	case wi.State.IsRunning() && ti.RetryTimes < ti.MaxRetryTimes:
		return schema.DependWaiting, nil
	}
	e.opts.logger.Warn("dependent task did not succeed",
		slog.Int64("task_code", taskCode),
		slog.String("state", string(ti.State)))
	return schema.DependFailed, nil
}
