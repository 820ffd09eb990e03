package dispatch

import (
	"context"
	"time"

	"github.com/rendis/flowmaster/internal/engine"
	"github.com/rendis/flowmaster/internal/logging"
)

// Controller forwards pause and kill requests to the worker owning a task.
// It implements engine.TaskController.
type Controller struct {
	operators OperatorSource
	timeout   time.Duration
}

// NewController creates a controller whose calls are bounded by timeout (0 means DefaultDispatchTimeout).
func NewController(operators OperatorSource, timeout time.Duration) *Controller {
	if timeout <= 0 {
		timeout = DefaultDispatchTimeout
	}
	return &Controller{operators: operators, timeout: timeout}
}

var _ engine.TaskController = (*Controller)(nil)

func (c *Controller) PauseTask(ctx context.Context, host string, taskInstanceID int64) error {
	ctx, cancel := c.bound(ctx, host, taskInstanceID)
	defer cancel()
	return c.operators.TaskOperator(host).PauseTask(ctx, taskInstanceID)
}

func (c *Controller) KillTask(ctx context.Context, host string, taskInstanceID int64) error {
	ctx, cancel := c.bound(ctx, host, taskInstanceID)
	defer cancel()
	return c.operators.TaskOperator(host).KillTask(ctx, taskInstanceID)
}

func (c *Controller) bound(ctx context.Context, host string, id int64) (context.Context, context.CancelFunc) {
	ctx = logging.WithTaskInstance(logging.WithHost(ctx, host), id)
	return context.WithTimeout(ctx, c.timeout)
}
