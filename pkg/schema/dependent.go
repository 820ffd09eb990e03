package schema

import "fmt"

// Reserved DepTaskCode values selecting a whole-workflow dependency mode.
const (
	DependentAllTasks int64 = 0  // every enabled task of the workflow must have succeeded
	DependentWorkflow int64 = -1 // the workflow instance itself must have succeeded
)

// DependResult is the tri-state outcome of a dependency check.
type DependResult string

const (
	DependSuccess DependResult = "SUCCESS"
	DependFailed  DependResult = "FAILED"
	DependWaiting DependResult = "WAITING"
)

// IsSettled reports whether the result can no longer change.
func (r DependResult) IsSettled() bool {
	return r == DependSuccess || r == DependFailed
}

// DependentRelation combines a list of results.
type DependentRelation string

const (
	RelationAnd DependentRelation = "AND"
	RelationOr  DependentRelation = "OR"
)

// DependFailurePolicy controls how a FAILED dependency finishes the task.
type DependFailurePolicy string

const (
	DependFailureFailure DependFailurePolicy = "DEPENDENT_FAILURE_FAILURE"
	DependFailureWaiting DependFailurePolicy = "DEPENDENT_FAILURE_WAITING"
)

// DependentItem names one upstream workflow (or task) and the date window it must have run in.
type DependentItem struct {
	ProjectCode      int64  `json:"project_code,omitempty"`
	DefinitionCode   int64  `json:"definition_code"`
	DepTaskCode      int64  `json:"dep_task_code"`
	Cycle            string `json:"cycle"`      // hour | day | week | month
	DateValue        string `json:"date_value"` // e.g. today, last1Days, lastMonday
	ParameterPassing bool   `json:"parameter_passing,omitempty"`
}

// Key identifies the item inside one evaluator's result cache.
func (i DependentItem) Key() string {
	return fmt.Sprintf("%d-%d-%s-%s", i.DefinitionCode, i.DepTaskCode, i.Cycle, i.DateValue)
}

// DependentGroup is a list of items combined under one relation.
type DependentGroup struct {
	Relation DependentRelation `json:"relation"`
	Items    []DependentItem   `json:"items"`
}

// CombineResults folds results under relation.
//
//	AND: any FAILED -> FAILED, else any WAITING -> WAITING, else SUCCESS
//	OR:  any SUCCESS -> SUCCESS, else any WAITING -> WAITING, else FAILED
//
// An empty list is SUCCESS.
func CombineResults(relation DependentRelation, results []DependResult) DependResult {
	if len(results) == 0 {
		return DependSuccess
	}
	var failed, waiting, success int
	for _, r := range results {
		switch r {
		case DependFailed:
			failed++
		case DependWaiting:
			waiting++
		case DependSuccess:
			success++
		}
	}
	if relation == RelationOr {
		switch {
		case success > 0:
			return DependSuccess
		case waiting > 0:
			return DependWaiting
		default:
			return DependFailed
		}
	}
	switch {
	case failed > 0:
		return DependFailed
	case waiting > 0:
		return DependWaiting
	default:
		return DependSuccess
	}
}
