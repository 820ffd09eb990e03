package schema

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFlowError_Format(t *testing.T) {
	err := NewError(ErrCodeDispatch, "boom")
	assert.Equal(t, "[DISPATCH_ERROR] boom", err.Error())

	err = NewErrorf(ErrCodeDispatch, "Dispatch task: %s to %s failed", "load", "10.0.0.1:1234").WithTask("load")
	assert.Equal(t, "[DISPATCH_ERROR] task load: Dispatch task: load to 10.0.0.1:1234 failed", err.Error())
}

func TestFlowError_ChainHelpers(t *testing.T) {
	cause := errors.New("connection refused")
	err := fmt.Errorf("dispatch: %w", NewError(ErrCodeDispatch, "failed").WithCause(cause))

	assert.True(t, errors.Is(err, cause))
	assert.True(t, errors.Is(err, &FlowError{Code: ErrCodeDispatch}))
	assert.False(t, errors.Is(err, &FlowError{Code: ErrCodeNoWorker}))
	assert.Equal(t, ErrCodeDispatch, ErrorCode(err))
	assert.True(t, HasCode(err, ErrCodeDispatch))
	assert.Equal(t, "", ErrorCode(cause))
}

func TestFlowError_IsRetryable(t *testing.T) {
	tests := []struct {
		code string
		want bool
	}{
		{ErrCodeDispatch, true},
		{ErrCodeTimeout, true},
		{ErrCodeRPC, true},
		{ErrCodeCircuitOpen, true},
		{ErrCodeNoWorker, false},
		{ErrCodeIllegalState, false},
		{ErrCodeValidation, false},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			assert.Equal(t, tt.want, NewError(tt.code, "x").IsRetryable())
		})
	}
}

func TestStatusPredicates(t *testing.T) {
	assert.True(t, WorkflowPause.IsFinished())
	assert.True(t, WorkflowStop.IsFinished())
	assert.False(t, WorkflowReadyPause.IsFinished())
	assert.True(t, WorkflowReadyStop.IsRunning())
	assert.False(t, WorkflowSuccess.IsRunning())

	assert.True(t, TaskForcedSuccess.IsSuccess())
	assert.True(t, TaskKill.IsFinished())
	assert.True(t, TaskDispatch.IsActive())
	assert.False(t, TaskPause.IsActive())
}

func TestTransitions(t *testing.T) {
	assert.True(t, CanTransitionWorkflow(WorkflowRunning, WorkflowReadyPause))
	assert.True(t, CanTransitionWorkflow(WorkflowReadyPause, WorkflowPause))
	assert.False(t, CanTransitionWorkflow(WorkflowSuccess, WorkflowFailure))
	assert.False(t, CanTransitionWorkflow(WorkflowReadyStop, WorkflowPause))

	assert.True(t, CanTransitionTask(TaskRunning, TaskSuccess))
	assert.False(t, CanTransitionTask(TaskSuccess, TaskFailure))
}
