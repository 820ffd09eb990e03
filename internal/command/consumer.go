package command

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rendis/flowmaster/internal/engine"
	"github.com/rendis/flowmaster/internal/logging"
	"github.com/rendis/flowmaster/internal/store"
	"github.com/rendis/flowmaster/internal/validation"
	"github.com/rendis/flowmaster/pkg/schema"
)

const (
	DefaultPollInterval = time.Second
	DefaultBatchSize    = 10
)

// Command outcomes reported to the Observer.
const (
	OutcomeStarted  = "started"
	OutcomeRejected = "rejected"
	OutcomeFailed   = "failed"
)

// Observer receives command measurements.
type Observer interface {
	CommandHandled(commandType, outcome string)
}

type noopObserver struct{}

func (noopObserver) CommandHandled(string, string) {}

// Consumer polls the command table and starts what the commands ask for.
// A command that cannot be handled is moved to the error-command table; the
// consumer keeps going.
type Consumer struct {
	store     store.Store
	engine    *engine.Engine
	validator validation.Validator
	handlers  map[schema.CommandType]Handler
	interval  time.Duration
	batch     int
	observer  Observer
	logger    *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// ConsumerOption configures a Consumer.
type ConsumerOption func(*Consumer)

func WithPollInterval(d time.Duration) ConsumerOption {
	return func(c *Consumer) { c.interval = d }
}

func WithBatchSize(n int) ConsumerOption {
	return func(c *Consumer) { c.batch = n }
}

func WithObserver(o Observer) ConsumerOption {
	return func(c *Consumer) { c.observer = o }
}

func WithValidator(v validation.Validator) ConsumerOption {
	return func(c *Consumer) { c.validator = v }
}

// NewConsumer creates a consumer with one handler per command type.
func NewConsumer(d Deps, opts ...ConsumerOption) *Consumer {
	c := &Consumer{
		store:    d.Store,
		engine:   d.Engine,
		interval: DefaultPollInterval,
		batch:    DefaultBatchSize,
		observer: noopObserver{},
		logger:   logging.OrDefault(d.Logger),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.validator == nil {
		c.validator = d.Validator
	}
	c.handlers = make(map[schema.CommandType]Handler)
	for _, h := range []Handler{
		NewRunHandler(d, schema.CommandStartProcess),
		NewRunHandler(d, schema.CommandScheduler),
		NewBackfillHandler(d),
		NewRecoverSuspendedHandler(d),
		NewRepeatRunningHandler(d),
		NewStartFailureHandler(d),
	} {
		c.handlers[h.CommandType()] = h
	}
	return c
}

// Start launches the polling loop.
func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done != nil {
		return fmt.Errorf("command consumer already started")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.loop(loopCtx)
	c.logger.Info("command consumer started", slog.Duration("interval", c.interval))
	return nil
}

// Stop ends the polling loop and waits for the current batch.
func (c *Consumer) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel == nil {
		return
	}
	c.cancel()
	<-c.done
	c.cancel = nil
	c.done = nil
	c.logger.Info("command consumer stopped")
}

func (c *Consumer) loop(ctx context.Context) {
	defer close(c.done)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		if _, err := c.Poll(ctx); err != nil && ctx.Err() == nil {
			c.logger.Error("failed to poll commands", slog.String("error", err.Error()))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Poll handles one batch of commands and returns how many it consumed.
func (c *Consumer) Poll(ctx context.Context) (int, error) {
	cmds, err := c.store.ListCommands(ctx, c.batch)
	if err != nil {
		return 0, err
	}
	for _, cmd := range cmds {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		c.Handle(ctx, cmd)
	}
	return len(cmds), nil
}

// Handle runs one command to completion: validate, build the executions,
// submit them and only then remove the command. A command none of whose
// executions could be submitted stays queued for the next poll. Failures go to
// the error-command table.
func (c *Consumer) Handle(ctx context.Context, cmd *store.Command) {
	logger := c.logger.With(slog.Int64("command_id", cmd.ID), slog.String("command_type", string(cmd.Type)))

	execs, err := c.build(ctx, cmd)
	if err != nil {
		outcome := OutcomeFailed
		if validation.IsValidation(err) {
			outcome = OutcomeRejected
		}
		c.observer.CommandHandled(string(cmd.Type), outcome)
		logger.WarnContext(ctx, "command failed", slog.String("error", err.Error()))
		if merr := c.store.MoveToErrorCommand(ctx, cmd, err.Error()); merr != nil {
			logger.ErrorContext(ctx, "failed to move command to error table", slog.String("error", merr.Error()))
		}
		// a partial backfill still runs the dates it built
		c.submit(ctx, logger, execs)
		return
	}

	submitted, serr := c.submit(ctx, logger, execs)
	switch {
	case serr == nil:
		if derr := c.store.DeleteCommand(ctx, cmd.ID); derr != nil {
			logger.ErrorContext(ctx, "failed to delete handled command", slog.String("error", derr.Error()))
		}
		c.observer.CommandHandled(string(cmd.Type), OutcomeStarted)
	case submitted > 0:
		// retrying would start the submitted ones twice
		c.observer.CommandHandled(string(cmd.Type), OutcomeFailed)
		if merr := c.store.MoveToErrorCommand(ctx, cmd, serr.Error()); merr != nil {
			logger.ErrorContext(ctx, "failed to move command to error table", slog.String("error", merr.Error()))
		}
	default:
		logger.WarnContext(ctx, "command left queued", slog.String("error", serr.Error()))
	}
}

// submit hands execs to the engine and returns how many it took, counting
// those it already runs, and the first refusal. A refused execution is failed so no instance is left
// claiming to run.
func (c *Consumer) submit(ctx context.Context, logger *slog.Logger, execs []*engine.WorkflowExecution) (int, error) {
	var (
		submitted int
		first     error
	)
	for _, exec := range execs {
		err := c.engine.Submit(ctx, exec)
		switch {
		case err == nil:
			submitted++
			logger.InfoContext(ctx, "workflow execution submitted",
				slog.Int64("workflow_instance_id", exec.ID()),
				slog.String("name", exec.Name()))
		case schema.HasCode(err, schema.ErrCodeConflict):
			// already owned by this master
			submitted++
			logger.WarnContext(ctx, "workflow execution already running",
				slog.Int64("workflow_instance_id", exec.ID()))
		default:
			logger.ErrorContext(ctx, "failed to submit workflow execution",
				slog.Int64("workflow_instance_id", exec.ID()),
				slog.String("error", err.Error()))
			if first == nil {
				first = err
			}
			c.abandon(context.WithoutCancel(ctx), logger, exec, err)
		}
	}
	return submitted, first
}

func (c *Consumer) abandon(ctx context.Context, logger *slog.Logger, exec *engine.WorkflowExecution, cause error) {
	now := time.Now()
	wi := *exec.Instance()
	wi.State = schema.WorkflowFailure
	wi.EndTime = &now
	if err := c.store.UpdateWorkflowInstance(ctx, &wi); err != nil {
		logger.ErrorContext(ctx, "failed to fail unsubmitted workflow instance",
			slog.Int64("workflow_instance_id", exec.ID()),
			slog.String("cause", cause.Error()),
			slog.String("error", err.Error()))
	}
}

func (c *Consumer) build(ctx context.Context, cmd *store.Command) ([]*engine.WorkflowExecution, error) {
	if c.validator != nil {
		if err := c.validator.ValidateCommand(cmd); err != nil {
			return nil, err
		}
	}
	h, ok := c.handlers[cmd.Type]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeUnknownCommand, "unknown command type %q", cmd.Type)
	}
	execs, err := h.Handle(ctx, cmd)
	if err != nil {
		var fe *schema.FlowError
		if !errors.As(err, &fe) {
			err = schema.NewErrorf(schema.ErrCodeExecution, "handle command %d: %s", cmd.ID, err.Error()).WithCause(err)
		}
		return execs, err
	}
	return execs, nil
}
