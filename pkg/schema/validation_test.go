package schema

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidationResult_WarningsKeepItValid(t *testing.T) {
	r := &ValidationResult{}
	assert.True(t, r.Valid())

	r.AddWarning("tasks[1].fail_retry_times", ErrCodeValidation, "high retry count")
	assert.True(t, r.Valid())
	assert.NoError(t, r.ToError())

	r.AddError("tasks[0].task_type", ErrCodeValidation, "unknown task type")
	assert.False(t, r.Valid())
	assert.Equal(t, Issue{Path: "tasks[0].task_type", Code: ErrCodeValidation, Message: "unknown task type"}, r.Errors[0])
}

func TestValidationResult_Merge(t *testing.T) {
	a := &ValidationResult{}
	a.AddError("/", ErrCodeValidation, "err1")
	a.AddWarning("/", ErrCodeValidation, "warn1")

	b := &ValidationResult{}
	b.AddError("tasks[0]", ErrCodeCycleDetected, "err2")
	b.AddWarning("tasks[1]", ErrCodeValidation, "warn2")

	a.Merge(b)
	a.Merge(nil)
	assert.Len(t, a.Errors, 2)
	assert.Len(t, a.Warnings, 2)
}

func TestValidationResult_ToError(t *testing.T) {
	tests := []struct {
		name           string
		errors         []Issue
		warnings       int
		wantCode       string
		wantMessage    string
		wantViolations []string
	}{
		{
			name:           "single",
			errors:         []Issue{{Path: "tasks[0].task_type", Code: ErrCodeValidation, Message: "unknown task type"}},
			wantCode:       ErrCodeValidation,
			wantMessage:    "tasks[0].task_type: unknown task type",
			wantViolations: []string{"tasks[0].task_type: unknown task type"},
		},
		{
			name: "shared code is kept",
			errors: []Issue{
				{Path: "relations[0]", Code: ErrCodeCycleDetected, Message: "a depends on itself"},
				{Path: "relations[3]", Code: ErrCodeCycleDetected, Message: "b depends on itself"},
			},
			warnings:       1,
			wantCode:       ErrCodeCycleDetected,
			wantMessage:    "relations[0]: a depends on itself (and 1 more)",
			wantViolations: []string{"relations[0]: a depends on itself", "relations[3]: b depends on itself"},
		},
		{
			name: "mixed codes",
			errors: []Issue{
				{Path: "/", Code: ErrCodeMissingTask, Message: "no task 9"},
				{Path: "tasks[1].name", Code: ErrCodeValidation, Message: "duplicate"},
			},
			wantCode:       ErrCodeValidation,
			wantMessage:    "no task 9 (and 1 more)",
			wantViolations: []string{"no task 9", "tasks[1].name: duplicate"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &ValidationResult{Errors: tt.errors}
			for i := 0; i < tt.warnings; i++ {
				r.AddWarning("/", ErrCodeValidation, "warn")
			}

			var fe *FlowError
			require.True(t, errors.As(r.ToError(), &fe))
			assert.Equal(t, tt.wantCode, fe.Code)
			assert.Equal(t, tt.wantMessage, fe.Message)
			assert.Equal(t, tt.wantViolations, fe.Details["violations"])
			if tt.warnings > 0 {
				assert.Len(t, fe.Details["warnings"], tt.warnings)
			} else {
				assert.NotContains(t, fe.Details, "warnings")
			}
		})
	}
}
