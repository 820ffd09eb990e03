package engine

import (
	"github.com/rendis/flowmaster/internal/graph"
	"github.com/rendis/flowmaster/pkg/schema"
)

// TaskExecutionFactory builds the node for one task definition.
type TaskExecutionFactory func(def *schema.TaskDefinition) *TaskExecution

// ExecutionGraph is the live graph of one workflow run: one node per task of
// the plan, edges restricted to the plan. The structure never changes after
// construction; only node state does.
type ExecutionGraph struct {
	plan  *graph.Plan
	nodes map[string]*TaskExecution
	order []*TaskExecution
}

// NewExecutionGraph instantiates a node per visited task of plan.
func NewExecutionGraph(plan *graph.Plan, factory TaskExecutionFactory) *ExecutionGraph {
	g := &ExecutionGraph{
		plan:  plan,
		nodes: make(map[string]*TaskExecution, len(plan.Order)),
		order: make([]*TaskExecution, 0, len(plan.Order)),
	}
	for _, name := range plan.Order {
		def, _ := plan.Graph.Task(name)
		node := factory(def)
		g.nodes[name] = node
		g.order = append(g.order, node)
	}
	return g
}

// Plan returns the traversal the graph was built from.
func (g *ExecutionGraph) Plan() *graph.Plan { return g.plan }

// Node returns the node named name.
func (g *ExecutionGraph) Node(name string) (*TaskExecution, bool) {
	n, ok := g.nodes[name]
	return n, ok
}

// Nodes returns every node in plan visit order.
func (g *ExecutionGraph) Nodes() []*TaskExecution { return g.order }

func (g *ExecutionGraph) Successors(name string) []*TaskExecution {
	return g.lookup(g.plan.Successors[name])
}

func (g *ExecutionGraph) Predecessors(name string) []*TaskExecution {
	return g.lookup(g.plan.Predecessors[name])
}

func (g *ExecutionGraph) lookup(names []string) []*TaskExecution {
	out := make([]*TaskExecution, 0, len(names))
	for _, n := range names {
		out = append(out, g.nodes[n])
	}
	return out
}

// ByInstanceID finds the node whose current attempt has id.
func (g *ExecutionGraph) ByInstanceID(id int64) (*TaskExecution, bool) {
	for _, n := range g.order {
		if n.instance != nil && n.instance.ID == id {
			return n, true
		}
	}
	return nil, false
}

// ActiveTasks returns the nodes still occupying the workflow.
func (g *ExecutionGraph) ActiveTasks() []*TaskExecution {
	var out []*TaskExecution
	for _, n := range g.order {
		if n.IsActive() {
			out = append(out, n)
		}
	}
	return out
}

func (g *ExecutionGraph) HasActive() bool {
	for _, n := range g.order {
		if n.IsActive() {
			return true
		}
	}
	return false
}

// AllSucceeded reports whether every node succeeded or was skipped.
func (g *ExecutionGraph) AllSucceeded() bool {
	for _, n := range g.order {
		if !n.completed() {
			return false
		}
	}
	return true
}

// AnyFailed reports a node that failed with no retry left, or whose attempt
// was paused or killed.
func (g *ExecutionGraph) AnyFailed() bool {
	for _, n := range g.order {
		if n.IsFailed() || n.IsInterrupted() {
			return true
		}
	}
	return false
}

// Ready reports whether node can start: not started yet and every predecessor
// inside the plan succeeded or was skipped.
func (g *ExecutionGraph) Ready(node *TaskExecution) bool {
	if node.IsStarted() {
		return false
	}
	for _, p := range g.Predecessors(node.Name) {
		if !p.completed() {
			return false
		}
	}
	return true
}

// Unreachable reports whether no predecessor of a ready node hands control to
// it: every predecessor was skipped by a branch or is a switch that routed
// elsewhere. Forbidden predecessors pass control through. Entry nodes are
// never unreachable.
func (g *ExecutionGraph) Unreachable(node *TaskExecution) bool {
	preds := g.Predecessors(node.Name)
	if len(preds) == 0 {
		return false
	}
	for _, p := range preds {
		if p.forbidden || (p.IsSucceeded() && p.routes(node.Name)) {
			return false
		}
	}
	return true
}
