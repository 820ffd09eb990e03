package dispatch

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/flowmaster/internal/engine"
	"github.com/rendis/flowmaster/internal/logging"
	"github.com/rendis/flowmaster/internal/rpc"
	"github.com/rendis/flowmaster/pkg/schema"
)

// DefaultDispatchTimeout bounds one dispatch call.
const DefaultDispatchTimeout = 5 * time.Second

// Dispatch outcomes reported to the Observer.
const (
	OutcomeAccepted = "accepted"
	OutcomeRefused  = "refused"
	OutcomeFailed   = "failed"
	OutcomeNoWorker = "no_worker"
)

// Selector picks worker hosts. *LoadBalancer implements it.
type Selector interface {
	SelectExcluding(group string, exclude map[string]bool) (string, bool)
}

// OperatorSource returns the worker proxy of a host. *rpc.Registry implements it.
type OperatorSource interface {
	TaskOperator(host string) rpc.TaskOperator
}

// Observer receives dispatch measurements.
type Observer interface {
	DispatchAttempt(group, outcome string, elapsed time.Duration)
	CircuitOpened(host string)
}

type noopObserver struct{}

func (noopObserver) DispatchAttempt(string, string, time.Duration) {}
func (noopObserver) CircuitOpened(string)                          {}

// Dispatcher sends task attempts to workers. It implements engine.TaskDispatcher.
type Dispatcher struct {
	selector  Selector
	operators OperatorSource
	breakers  *Breakers
	master    string
	timeout   time.Duration
	policy    RetryPolicy
	observer  Observer
	logger    *slog.Logger
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithDispatchBreakers records call outcomes per host.
func WithDispatchBreakers(b *Breakers) DispatcherOption {
	return func(d *Dispatcher) { d.breakers = b }
}

func WithDispatchTimeout(t time.Duration) DispatcherOption {
	return func(d *Dispatcher) { d.timeout = t }
}

func WithRetryPolicy(p RetryPolicy) DispatcherOption { return func(d *Dispatcher) { d.policy = p } }

func WithDispatchObserver(o Observer) DispatcherOption { return func(d *Dispatcher) { d.observer = o } }

func WithDispatchLogger(l *slog.Logger) DispatcherOption { return func(d *Dispatcher) { d.logger = l } }

// NewDispatcher creates a dispatcher. master is the callback address sent to workers.
func NewDispatcher(selector Selector, operators OperatorSource, master string, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		selector:  selector,
		operators: operators,
		master:    master,
		timeout:   DefaultDispatchTimeout,
		policy:    DefaultRetryPolicy(),
		observer:  noopObserver{},
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.policy.MaxAttempts <= 0 {
		d.policy.MaxAttempts = 1
	}
	d.logger = logging.OrDefault(d.logger)
	return d
}

var _ engine.TaskDispatcher = (*Dispatcher)(nil)

// Dispatch implements engine.TaskDispatcher with DispatchWithRetry.
func (d *Dispatcher) Dispatch(ctx context.Context, task *engine.TaskContext) (string, error) {
	return d.DispatchWithRetry(ctx, task)
}

// DispatchWithRetry retries retryable failures against freshly selected
// hosts, up to the policy's attempt bound. A group without workers fails
// immediately with NO_WORKER.
func (d *Dispatcher) DispatchWithRetry(ctx context.Context, task *engine.TaskContext) (string, error) {
	tried := make(map[string]bool)
	var lastErr error
	for attempt := 0; attempt < d.policy.MaxAttempts; attempt++ {
		if attempt > 0 {
			if err := d.policy.Wait(ctx, attempt); err != nil {
				return "", schema.NewErrorf(schema.ErrCodeCancelled, "dispatch task %s cancelled", task.TaskName).WithCause(err)
			}
		}

		host, err := d.dispatchOnce(ctx, task, tried)
		if err == nil {
			return host, nil
		}
		if schema.HasCode(err, schema.ErrCodeNoWorker) {
			if lastErr == nil {
				return "", err
			}
			break
		}
		lastErr = err
		if !IsRetryableError(err) {
			break
		}
		d.logger.WarnContext(ctx, "dispatch attempt failed",
			slog.String("task", task.TaskName),
			slog.Int("attempt", attempt+1),
			slog.String("error", err.Error()))
	}
	return "", lastErr
}

// DispatchOnce sends task to one selected host.
func (d *Dispatcher) DispatchOnce(ctx context.Context, task *engine.TaskContext) (string, error) {
	return d.dispatchOnce(ctx, task, nil)
}

func (d *Dispatcher) dispatchOnce(ctx context.Context, task *engine.TaskContext, tried map[string]bool) (string, error) {
	group := task.WorkerGroup
	if group == "" {
		group = DefaultGroup
	}
	start := time.Now()

	host, ok := d.selector.SelectExcluding(group, tried)
	if !ok && len(tried) > 0 {
		// every live host failed once; let them compete again
		clear(tried)
		host, ok = d.selector.SelectExcluding(group, tried)
	}
	if !ok {
		d.observer.DispatchAttempt(group, OutcomeNoWorker, time.Since(start))
		return "", schema.NewErrorf(schema.ErrCodeNoWorker, "no available worker in group %s", group).
			WithTask(task.TaskName).
			WithDetails(map[string]any{"worker_group": group})
	}
	if tried != nil {
		tried[host] = true
	}
	if d.breakers != nil {
		if err := d.breakers.Allow(host); err != nil {
			d.observer.DispatchAttempt(group, OutcomeFailed, time.Since(start))
			return "", err
		}
	}

	ctx = logging.WithHost(ctx, host)
	callCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	req := &rpc.DispatchRequest{RequestID: uuid.NewString(), Master: d.master, Task: task}
	resp, err := d.operators.TaskOperator(host).DispatchTask(callCtx, req)
	elapsed := time.Since(start)
	if err != nil {
		d.recordFailure(host)
		d.observer.DispatchAttempt(group, OutcomeFailed, elapsed)
		return "", dispatchError(task, host, err.Error()).WithCause(err)
	}
	// a refusal still proves the host reachable
	d.recordSuccess(host)
	if !resp.DispatchSuccess {
		d.observer.DispatchAttempt(group, OutcomeRefused, elapsed)
		return "", dispatchError(task, host, resp.Reason)
	}

	d.observer.DispatchAttempt(group, OutcomeAccepted, elapsed)
	d.logger.DebugContext(ctx, "task dispatched",
		slog.String("task", task.TaskName),
		slog.String("request_id", req.RequestID),
		slog.Duration("elapsed", elapsed))
	return host, nil
}

func (d *Dispatcher) recordSuccess(host string) {
	if d.breakers != nil {
		d.breakers.RecordSuccess(host)
	}
}

func (d *Dispatcher) recordFailure(host string) {
	if d.breakers == nil {
		return
	}
	if d.breakers.RecordFailure(host) == CircuitOpen {
		d.observer.CircuitOpened(host)
		d.logger.Warn("worker circuit opened", slog.String("host", host))
	}
}

func dispatchError(task *engine.TaskContext, host, reason string) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeDispatch, "Dispatch task: %s to %s failed", task.TaskName, host).
		WithTask(task.TaskName).
		WithDetails(map[string]any{"task": task.TaskName, "host": host, "reason": reason})
}
