package graph

import (
	"github.com/rendis/flowmaster/pkg/schema"
)

// Plan is the result of a breadth-first expansion over a WorkflowGraph.
// Edges are restricted to tasks inside the plan.
type Plan struct {
	Graph        *WorkflowGraph
	Start        []string
	Order        []string            // visit order
	Successors   map[string][]string // task name → post tasks inside the plan
	Predecessors map[string][]string // task name → pre tasks inside the plan

	members map[string]bool
}

// Traverse expands the start set over g according to dependType.
// An empty start set means the entry nodes of g. Every task is visited at most
// once regardless of how many paths reach it.
func Traverse(g *WorkflowGraph, start []string, dependType schema.TaskDependType) (*Plan, error) {
	if g == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow graph is nil")
	}
	if len(start) == 0 {
		start = g.Entries
	}
	for _, name := range start {
		if _, ok := g.Tasks[name]; !ok {
			return nil, schema.NewErrorf(schema.ErrCodeMissingTask, "start node %s does not exist in workflow %d", name, g.Workflow.Code)
		}
	}

	var order []string
	switch dependType {
	case schema.TaskDependOnly:
		order = bfs(start, nil, 0)
	case schema.TaskDependPostOnly:
		order = bfs(start, g.Successors, 1)
	case schema.TaskDependPre:
		order = bfs(start, g.Predecessors, -1)
	case schema.TaskDependPost, "":
		order = bfs(start, g.Successors, -1)
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown task depend type: %s", dependType)
	}

	p := &Plan{
		Graph:        g,
		Start:        append([]string(nil), start...),
		Order:        order,
		Successors:   make(map[string][]string, len(order)),
		Predecessors: make(map[string][]string, len(order)),
		members:      make(map[string]bool, len(order)),
	}
	for _, name := range order {
		p.members[name] = true
	}
	for _, name := range order {
		for _, next := range g.Successors[name] {
			if p.members[next] {
				p.Successors[name] = append(p.Successors[name], next)
				p.Predecessors[next] = append(p.Predecessors[next], name)
			}
		}
	}
	for _, name := range order {
		sortStrings(p.Predecessors[name])
	}
	return p, nil
}

// bfs walks adj from start up to depth hops (-1 = unbounded).
func bfs(start []string, adj map[string][]string, depth int) []string {
	type item struct {
		name string
		hops int
	}
	visited := make(map[string]bool)
	queue := make([]item, 0, len(start))
	for _, s := range start {
		if visited[s] {
			continue
		}
		visited[s] = true
		queue = append(queue, item{name: s})
	}

	var order []string
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		order = append(order, cur.name)
		if depth >= 0 && cur.hops >= depth {
			continue
		}
		for _, next := range adj[cur.name] {
			if visited[next] {
				continue
			}
			visited[next] = true
			queue = append(queue, item{name: next, hops: cur.hops + 1})
		}
	}
	return order
}

// Contains reports whether name is part of the plan.
func (p *Plan) Contains(name string) bool {
	return p.members[name]
}

// Len returns the number of tasks in the plan.
func (p *Plan) Len() int {
	return len(p.Order)
}

// Entries returns the plan tasks with no predecessor inside the plan, in visit order.
func (p *Plan) Entries() []string {
	var out []string
	for _, name := range p.Order {
		if len(p.Predecessors[name]) == 0 {
			out = append(out, name)
		}
	}
	return out
}
