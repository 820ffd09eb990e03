package graph

import (
	"encoding/json"
	"fmt"

	"github.com/rendis/flowmaster/pkg/schema"
)

// WorkflowGraph is the static task graph of one workflow definition version.
// Tasks are keyed by name; relations reference tasks by code.
type WorkflowGraph struct {
	Workflow     schema.WorkflowDefinition
	Tasks        map[string]*schema.TaskDefinition // task name → definition
	Successors   map[string][]string               // task name → post tasks, sorted
	Predecessors map[string][]string               // task name → pre tasks, sorted
	Sorted       []string                          // topological order
	Entries      []string                          // tasks with no predecessors

	names map[int64]string // task code → task name
}

// New validates the definitions and builds the static graph.
// It rejects empty or duplicate task names, duplicate codes, relations that
// reference unknown tasks, self loops, malformed master-side task params and cycles.
func New(def schema.WorkflowDefinition, tasks []schema.TaskDefinition, relations []schema.TaskRelation) (*WorkflowGraph, error) {
	if len(tasks) == 0 {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "workflow %d has no tasks", def.Code)
	}

	g := &WorkflowGraph{
		Workflow:     def,
		Tasks:        make(map[string]*schema.TaskDefinition, len(tasks)),
		Successors:   make(map[string][]string, len(tasks)),
		Predecessors: make(map[string][]string, len(tasks)),
		names:        make(map[int64]string, len(tasks)),
	}

	// First pass: register tasks.
	for i := range tasks {
		task := &tasks[i]
		if task.Name == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "task at index %d has empty name", i)
		}
		if _, exists := g.Tasks[task.Name]; exists {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "duplicate task name: %s", task.Name)
		}
		if other, exists := g.names[task.Code]; exists {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "tasks %s and %s share code %d", other, task.Name, task.Code)
		}
		g.Tasks[task.Name] = task
		g.names[task.Code] = task.Name
	}

	// Second pass: edges.
	seen := make(map[[2]int64]bool, len(relations))
	for _, rel := range relations {
		if rel.PreTaskCode == 0 {
			if _, ok := g.names[rel.PostTaskCode]; !ok {
				return nil, schema.NewErrorf(schema.ErrCodeValidation, "relation references unknown task code: %d", rel.PostTaskCode)
			}
			continue
		}
		pre, ok := g.names[rel.PreTaskCode]
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "relation references unknown task code: %d", rel.PreTaskCode)
		}
		post, ok := g.names[rel.PostTaskCode]
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "relation references unknown task code: %d", rel.PostTaskCode)
		}
		if pre == post {
			return nil, schema.NewErrorf(schema.ErrCodeCycleDetected, "task %s depends on itself", pre)
		}
		key := [2]int64{rel.PreTaskCode, rel.PostTaskCode}
		if seen[key] {
			continue
		}
		seen[key] = true
		g.Successors[pre] = append(g.Successors[pre], post)
		g.Predecessors[post] = append(g.Predecessors[post], pre)
	}
	for name := range g.Tasks {
		sortStrings(g.Successors[name])
		sortStrings(g.Predecessors[name])
	}

	// Third pass: master-side task params.
	for _, task := range g.Tasks {
		if err := validateTaskParams(task, g.Successors[task.Name]); err != nil {
			return nil, err
		}
	}

	// Kahn's algorithm: topological sort + cycle detection.
	inDegree := make(map[string]int, len(g.Tasks))
	queue := make([]string, 0)
	for name := range g.Tasks {
		inDegree[name] = len(g.Predecessors[name])
		if inDegree[name] == 0 {
			queue = append(queue, name)
		}
	}
	sortStrings(queue)
	g.Entries = append([]string(nil), queue...)

	sorted := make([]string, 0, len(g.Tasks))
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		sorted = append(sorted, node)
		for _, next := range g.Successors[node] {
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if len(sorted) != len(g.Tasks) {
		return nil, schema.NewErrorf(schema.ErrCodeCycleDetected, "workflow %d contains a cycle", def.Code)
	}
	g.Sorted = sorted

	return g, nil
}

// FromSpec is New over a bundled WorkflowSpec.
func FromSpec(spec *schema.WorkflowSpec) (*WorkflowGraph, error) {
	if spec == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow spec is nil")
	}
	return New(spec.Workflow, spec.Tasks, spec.Relations)
}

// Task returns the definition registered under name.
func (g *WorkflowGraph) Task(name string) (*schema.TaskDefinition, bool) {
	t, ok := g.Tasks[name]
	return t, ok
}

// NameOf maps a task code to its name.
func (g *WorkflowGraph) NameOf(code int64) (string, bool) {
	n, ok := g.names[code]
	return n, ok
}

// validateTaskParams checks the params of task types that run on the master.
func validateTaskParams(task *schema.TaskDefinition, successors []string) error {
	switch task.TaskType {
	case schema.TaskTypeSwitch:
		if len(task.TaskParams) == 0 {
			return schema.NewErrorf(schema.ErrCodeValidation, "switch task %s has no params", task.Name)
		}
		var p schema.SwitchParams
		if err := json.Unmarshal(task.TaskParams, &p); err != nil {
			return schema.NewErrorf(schema.ErrCodeValidation, "switch task %s has invalid params: %v", task.Name, err)
		}
		if len(p.Cases) == 0 && p.NextNode == "" {
			return schema.NewErrorf(schema.ErrCodeValidation, "switch task %s has no cases and no default branch", task.Name)
		}
		targets := make([]string, 0, len(p.Cases)+1)
		for i, c := range p.Cases {
			if c.Condition == "" {
				return schema.NewErrorf(schema.ErrCodeValidation, "switch task %s case %d has no condition", task.Name, i)
			}
			targets = append(targets, c.Next)
		}
		if p.NextNode != "" {
			targets = append(targets, p.NextNode)
		}
		for _, t := range targets {
			if !contains(successors, t) {
				return schema.NewErrorf(schema.ErrCodeValidation, "switch task %s routes to %q which is not a successor", task.Name, t)
			}
		}

	case schema.TaskTypeDependent:
		if len(task.TaskParams) == 0 {
			return schema.NewErrorf(schema.ErrCodeValidation, "dependent task %s has no params", task.Name)
		}
		var p schema.DependentParams
		if err := json.Unmarshal(task.TaskParams, &p); err != nil {
			return schema.NewErrorf(schema.ErrCodeValidation, "dependent task %s has invalid params: %v", task.Name, err)
		}
		for i, group := range p.Groups {
			if len(group.Items) == 0 {
				return schema.NewError(schema.ErrCodeValidation, fmt.Sprintf("dependent task %s group %d has no items", task.Name, i))
			}
		}
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// sortStrings sorts a small slice of strings in-place using insertion sort.
func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		key := s[i]
		j := i - 1
		for j >= 0 && s[j] > key {
			s[j+1] = s[j]
			j--
		}
		s[j+1] = key
	}
}
