package schema

import (
	"fmt"
	"strings"
)

// Issue is one problem found in a workflow definition or a command. Path
// locates it, e.g. "tasks[2].task_params.cases[0].next".
type Issue struct {
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (i Issue) String() string {
	if i.Path == "" || i.Path == "/" {
		return i.Message
	}
	return i.Path + ": " + i.Message
}

// ValidationResult collects the issues of one validation run. Only errors
// make it invalid; warnings are reported and otherwise ignored.
type ValidationResult struct {
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

func (r *ValidationResult) Valid() bool { return len(r.Errors) == 0 }

func (r *ValidationResult) AddError(path, code, message string) {
	r.Errors = append(r.Errors, Issue{Path: path, Code: code, Message: message})
}

func (r *ValidationResult) AddWarning(path, code, message string) {
	r.Warnings = append(r.Warnings, Issue{Path: path, Code: code, Message: message})
}

// Merge appends other's issues. A nil other is ignored.
func (r *ValidationResult) Merge(other *ValidationResult) {
	if other == nil {
		return
	}
	r.Errors = append(r.Errors, other.Errors...)
	r.Warnings = append(r.Warnings, other.Warnings...)
}

// ToError returns nil for a valid result. Otherwise the FlowError carries
// the code shared by every error (VALIDATION_ERROR when they differ), the
// first issue as message and all of them as "violations".
func (r *ValidationResult) ToError() error {
	if r.Valid() {
		return nil
	}

	code := r.Errors[0].Code
	violations := make([]string, len(r.Errors))
	for i, issue := range r.Errors {
		violations[i] = issue.String()
		if issue.Code != code {
			code = ErrCodeValidation
		}
	}
	if code == "" {
		code = ErrCodeValidation
	}

	msg := violations[0]
	if n := len(violations); n > 1 {
		msg = fmt.Sprintf("%s (and %d more)", msg, n-1)
	}
	details := map[string]any{"violations": violations}
	if len(r.Warnings) > 0 {
		warnings := make([]string, len(r.Warnings))
		for i, w := range r.Warnings {
			warnings[i] = w.String()
		}
		details["warnings"] = warnings
	}
	return NewError(code, strings.TrimSpace(msg)).WithDetails(details)
}
