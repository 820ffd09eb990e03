package logging

import (
	"context"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

type ctxKey int

const (
	workflowInstanceKey ctxKey = iota
	taskInstanceKey
	hostKey
)

// WithWorkflowInstance returns a context carrying the workflow instance ID.
func WithWorkflowInstance(ctx context.Context, id int64) context.Context {
	return context.WithValue(ctx, workflowInstanceKey, id)
}

// WithTaskInstance returns a context carrying the task instance ID.
func WithTaskInstance(ctx context.Context, id int64) context.Context {
	return context.WithValue(ctx, taskInstanceKey, id)
}

// WithHost returns a context carrying the worker host a call targets.
func WithHost(ctx context.Context, host string) context.Context {
	return context.WithValue(ctx, hostKey, host)
}

// WorkflowInstance extracts the workflow instance ID, or 0 if absent.
func WorkflowInstance(ctx context.Context) int64 {
	v, _ := ctx.Value(workflowInstanceKey).(int64)
	return v
}

// TaskInstance extracts the task instance ID, or 0 if absent.
func TaskInstance(ctx context.Context) int64 {
	v, _ := ctx.Value(taskInstanceKey).(int64)
	return v
}

// Host extracts the target host, or "" if absent.
func Host(ctx context.Context) string {
	v, _ := ctx.Value(hostKey).(string)
	return v
}

// WithIDs sets both instance IDs on the context at once.
func WithIDs(ctx context.Context, workflowInstanceID, taskInstanceID int64) context.Context {
	ctx = WithWorkflowInstance(ctx, workflowInstanceID)
	return WithTaskInstance(ctx, taskInstanceID)
}

func correlationAttrs(ctx context.Context) []slog.Attr {
	var attrs []slog.Attr
	if v := WorkflowInstance(ctx); v != 0 {
		attrs = append(attrs, slog.Int64("workflow_instance_id", v))
	}
	if v := TaskInstance(ctx); v != 0 {
		attrs = append(attrs, slog.Int64("task_instance_id", v))
	}
	if v := Host(ctx); v != "" {
		attrs = append(attrs, slog.String("host", v))
	}
	return attrs
}

// LogWith returns a logger enriched with correlation IDs from the context.
// Only non-empty values are added as attributes.
func LogWith(ctx context.Context, logger *slog.Logger) *slog.Logger {
	for _, a := range correlationAttrs(ctx) {
		logger = logger.With(a)
	}
	return logger
}

// CorrelationHandler wraps an slog.Handler, injecting correlation IDs from
// the context into every record logged with a *Context method.
type CorrelationHandler struct {
	inner slog.Handler
}

// NewCorrelationHandler wraps the given handler with automatic correlation ID injection.
func NewCorrelationHandler(inner slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{inner: inner}
}

func (h *CorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	r.AddAttrs(correlationAttrs(ctx)...)
	return h.inner.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithGroup(name)}
}

// ParseLevel maps debug/info/warn/error (case-insensitive) to a slog level; anything else is info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// New builds the process logger: text or JSON on stderr behind a CorrelationHandler.
// Pass a *slog.LevelVar to change the level at runtime.
func New(level slog.Leveler, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	var inner slog.Handler
	if format == "json" {
		inner = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		inner = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(NewCorrelationHandler(inner))
}

// OrDefault returns logger, or slog.Default() when logger is nil.
func OrDefault(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return slog.Default()
	}
	return logger
}

// ID formats an instance ID for messages.
func ID(id int64) string {
	return strconv.FormatInt(id, 10)
}
