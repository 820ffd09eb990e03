package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeExecution         = "EXECUTION_ERROR"
	ErrCodeTimeout           = "TIMEOUT_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeIllegalState      = "ILLEGAL_STATE"
	ErrCodeCycleDetected     = "CYCLE_DETECTED"
	ErrCodeMissingTask       = "MISSING_TASK"
	ErrCodeUnknownCommand    = "UNKNOWN_COMMAND"
	ErrCodeDispatch          = "DISPATCH_ERROR"
	ErrCodeNoWorker          = "NO_WORKER"
	ErrCodeCircuitOpen       = "CIRCUIT_OPEN"
	ErrCodeRPC               = "RPC_ERROR"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeStore             = "STORE_ERROR"
)

// FlowError is the structured error type shared by every flowmaster component.
type FlowError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Task    string         `json:"task,omitempty"`
	Cause   error          `json:"-"`
}

func (e *FlowError) Error() string {
	if e.Task != "" {
		return fmt.Sprintf("[%s] task %s: %s", e.Code, e.Task, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *FlowError) Unwrap() error {
	return e.Cause
}

// Is matches another *FlowError by code, so errors.Is(err, &FlowError{Code: ErrCodeNoWorker}) works.
func (e *FlowError) Is(target error) bool {
	t, ok := target.(*FlowError)
	if !ok {
		return false
	}
	return t.Code == e.Code && t.Message == ""
}

// IsRetryable reports whether the failure is transient: a dispatch attempt
// against another worker may still succeed.
func (e *FlowError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeDispatch, ErrCodeTimeout, ErrCodeRPC, ErrCodeCircuitOpen:
		return true
	}
	return false
}

// NewError creates a new FlowError.
func NewError(code, message string) *FlowError {
	return &FlowError{Code: code, Message: message}
}

// NewErrorf creates a new FlowError with a formatted message.
func NewErrorf(code, format string, args ...any) *FlowError {
	return &FlowError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithTask attaches a task name to the error.
func (e *FlowError) WithTask(name string) *FlowError {
	e.Task = name
	return e
}

// WithCause attaches an underlying cause.
func (e *FlowError) WithCause(err error) *FlowError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *FlowError) WithDetails(details map[string]any) *FlowError {
	e.Details = details
	return e
}

// ErrorCode returns the code of the first FlowError in err's chain, or "".
func ErrorCode(err error) string {
	var fe *FlowError
	if errors.As(err, &fe) {
		return fe.Code
	}
	return ""
}

// HasCode reports whether err carries a FlowError with the given code.
func HasCode(err error, code string) bool {
	return ErrorCode(err) == code
}
