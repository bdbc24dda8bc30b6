package resolver

import (
	"fmt"
	"maps"
	"slices"

	"github.com/kingrea/lattice-compliance/internal/domain"
	"github.com/kingrea/lattice-compliance/internal/runner"
	"github.com/kingrea/lattice-compliance/internal/workflow"
)

// NodeState is a step's readiness after the last Refresh.
type NodeState string

const (
	NodeStateUnknown  NodeState = "unknown"
	NodeStatePending  NodeState = "pending"
	NodeStateReady    NodeState = "ready"
	NodeStateBlocked  NodeState = "blocked"
	NodeStateRunning  NodeState = "running"
	NodeStateComplete NodeState = "complete"
)

// Node is one step of the workflow with its bound runner and edges.
type Node struct {
	ID           string
	Ref          workflow.StepRef
	Runner       runner.Runner
	Dependencies []string
	Dependents   []string

	State     NodeState
	Status    domain.TaskStatus
	BlockedBy []string
}

// RunnerSource builds the runner for a step role.
type RunnerSource interface {
	Resolve(role string, cfg runner.Config) (runner.Runner, error)
}

// SetSource serves runners from a prebuilt runner.Set. Step config is
// ignored.
type SetSource runner.Set

// Resolve implements RunnerSource.
func (s SetSource) Resolve(role string, _ runner.Config) (runner.Runner, error) {
	if run := s[role]; run != nil {
		return run, nil
	}
	return nil, fmt.Errorf("runner: unknown role %s", role)
}

// Resolver holds the dependency graph of one workflow definition and tracks
// step readiness as statuses arrive.
type Resolver struct {
	definition workflow.WorkflowDefinition
	order      []*Node
	byID       map[string]*Node
}

// New binds every step of def to a runner from source. An unknown role
// fails here, before any step is dispatched.
func New(def workflow.WorkflowDefinition, source RunnerSource) (*Resolver, error) {
	if source == nil {
		return nil, fmt.Errorf("workflow: runner source is required")
	}
	def, err := def.Normalized()
	if err != nil {
		return nil, err
	}
	r := &Resolver{
		definition: def,
		order:      make([]*Node, 0, len(def.Steps)),
		byID:       make(map[string]*Node, len(def.Steps)),
	}
	for _, ref := range def.Steps {
		id := ref.InstanceID()
		var cfg runner.Config
		if len(ref.Config) > 0 {
			cfg = runner.Config(maps.Clone(map[string]any(ref.Config)))
		}
		run, err := source.Resolve(ref.Runner, cfg)
		if err != nil {
			return nil, fmt.Errorf("workflow %s step %s: %w", def.ID, id, err)
		}
		node := &Node{ID: id, Ref: ref, Runner: run, Dependencies: def.Dependencies(id), State: NodeStateUnknown}
		r.order = append(r.order, node)
		r.byID[id] = node
	}
	for _, node := range r.order {
		for _, dep := range node.Dependencies {
			parent, ok := r.byID[dep]
			if !ok {
				return nil, fmt.Errorf("workflow %s: step %s depends on undeclared %s", def.ID, node.ID, dep)
			}
			parent.Dependents = append(parent.Dependents, node.ID)
		}
	}
	for _, node := range r.order {
		slices.Sort(node.Dependents)
	}
	return r, nil
}

// Definition returns a copy of the normalized definition.
func (r *Resolver) Definition() workflow.WorkflowDefinition {
	return r.definition.Clone()
}

// Nodes lists steps in declaration order.
func (r *Resolver) Nodes() []*Node {
	return slices.Clone(r.order)
}

// Node looks a step up by ID.
func (r *Resolver) Node(id string) (*Node, bool) {
	node, ok := r.byID[id]
	return node, ok
}

// Refresh recomputes every node state from statuses. Any terminal status
// completes a step, so a failed producer never blocks its dependents.
// Steps absent from statuses are queued.
func (r *Resolver) Refresh(statuses map[string]domain.TaskStatus) {
	for _, node := range r.order {
		node.Status = statuses[node.ID]
		node.BlockedBy = nil
		node.State = NodeStatePending
		if node.Status.Terminal() {
			node.State = NodeStateComplete
		} else if node.Status == domain.TaskRunning {
			node.State = NodeStateRunning
		}
	}
	for _, node := range r.order {
		if node.State != NodeStatePending {
			continue
		}
		for _, dep := range node.Dependencies {
			if r.byID[dep].State != NodeStateComplete {
				node.BlockedBy = append(node.BlockedBy, dep)
			}
		}
		node.State = NodeStateReady
		if len(node.BlockedBy) > 0 {
			node.State = NodeStateBlocked
		}
	}
}

// Done reports whether every step is complete.
func (r *Resolver) Done() bool {
	return !slices.ContainsFunc(r.order, func(n *Node) bool { return n.State != NodeStateComplete })
}

// Ready lists the steps whose dependencies are all complete.
func (r *Resolver) Ready() []*Node {
	var ready []*Node
	for _, node := range r.order {
		if node.State == NodeStateReady {
			ready = append(ready, node)
		}
	}
	return ready
}

// Queue lists the incomplete steps needed to finish targets, dependencies
// first. No targets means the whole workflow.
func (r *Resolver) Queue(targets ...string) ([]*Node, error) {
	if len(targets) == 0 {
		targets = make([]string, len(r.order))
		for i, node := range r.order {
			targets[i] = node.ID
		}
	}
	seen := make(map[string]bool, len(r.order))
	var queue []*Node
	var walk func(id string) error
	walk = func(id string) error {
		node, ok := r.byID[id]
		if !ok {
			return fmt.Errorf("workflow: unknown step %s", id)
		}
		if seen[id] {
			return nil
		}
		seen[id] = true
		for _, dep := range node.Dependencies {
			if err := walk(dep); err != nil {
				return err
			}
		}
		if node.State != NodeStateComplete {
			queue = append(queue, node)
		}
		return nil
	}
	for _, id := range targets {
		if err := walk(id); err != nil {
			return nil, err
		}
	}
	return queue, nil
}
