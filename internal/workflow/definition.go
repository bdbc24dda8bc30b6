package workflow

import (
	"fmt"
	"maps"
	"slices"

	"github.com/kingrea/lattice-compliance/internal/domain"
)

// WorkflowDefinition declares the fixed execution sequence: which producer
// roles run and which must finish before others start.
type WorkflowDefinition struct {
	ID          string                `json:"id" yaml:"id"`
	Name        string                `json:"name" yaml:"name"`
	Description string                `json:"description,omitempty" yaml:"description,omitempty"`
	Steps       []StepRef             `json:"steps" yaml:"steps"`
	Graph       DependencyGraph       `json:"graph,omitempty" yaml:"graph,omitempty"`
	Runtime     WorkflowRuntimeConfig `json:"runtime,omitempty" yaml:"runtime,omitempty"`
}

// DefaultDefinition runs contract analysis and visual inspection in parallel
// and planogram matching once visual findings exist.
func DefaultDefinition() WorkflowDefinition {
	return WorkflowDefinition{
		ID:   "compliance-default",
		Name: "Shelf compliance",
		Steps: []StepRef{
			{Runner: domain.RoleContractAnalysis},
			{Runner: domain.RoleVisualInspection},
			{Runner: domain.RolePlanogramMatching, DependsOn: []string{domain.RoleVisualInspection}},
		},
	}
}

// WorkflowRuntimeConfig holds per-definition execution limits. Zero
// MaxParallel defers to the orchestrator settings.
type WorkflowRuntimeConfig struct {
	MaxParallel int `json:"max_parallel,omitempty" yaml:"max_parallel,omitempty"`
}

// Clone returns a deep copy.
func (def WorkflowDefinition) Clone() WorkflowDefinition {
	out := def
	out.Graph = def.Graph.Clone()
	out.Steps = nil
	for _, ref := range def.Steps {
		out.Steps = append(out.Steps, ref.Clone())
	}
	return out
}

// Normalized folds every step's DependsOn into Graph, clamps negative
// runtime limits to zero and validates the result. The receiver is not
// modified.
func (def WorkflowDefinition) Normalized() (WorkflowDefinition, error) {
	out := def.Clone()
	if out.Graph == nil {
		out.Graph = DependencyGraph{}
	}
	for _, ref := range out.Steps {
		id := ref.InstanceID()
		out.Graph[id] = unionSorted(out.Graph[id], ref.DependsOn)
	}
	out.Runtime.MaxParallel = max(out.Runtime.MaxParallel, 0)
	if err := out.Validate(); err != nil {
		return WorkflowDefinition{}, err
	}
	return out, nil
}

// Validate checks step identity, graph references and acyclicity.
func (def WorkflowDefinition) Validate() error {
	if def.ID == "" {
		return fmt.Errorf("workflow: id is required")
	}
	if len(def.Steps) == 0 {
		return fmt.Errorf("workflow %s: at least one step is required", def.ID)
	}
	declared := make(map[string]bool, len(def.Steps))
	for n, ref := range def.Steps {
		if err := ref.Validate(); err != nil {
			return fmt.Errorf("workflow %s step %d: %w", def.ID, n+1, err)
		}
		id := ref.InstanceID()
		if declared[id] {
			return fmt.Errorf("workflow %s: step id %s is declared twice", def.ID, id)
		}
		declared[id] = true
	}
	for _, id := range slices.Sorted(maps.Keys(def.Graph)) {
		if !declared[id] {
			return fmt.Errorf("workflow %s: graph entry %s is not a declared step", def.ID, id)
		}
		for _, dep := range def.Graph[id] {
			if !declared[dep] {
				return fmt.Errorf("workflow %s: step %s depends on undeclared step %s", def.ID, id, dep)
			}
		}
	}
	if at := def.Graph.cycleAt(); at != "" {
		return fmt.Errorf("workflow %s: dependency cycle through %s", def.ID, at)
	}
	if def.Runtime.MaxParallel < 0 {
		return fmt.Errorf("workflow %s runtime: max_parallel must be >= 0", def.ID)
	}
	return nil
}

// StepIDs lists step identifiers in declaration order.
func (def WorkflowDefinition) StepIDs() []string {
	ids := make([]string, len(def.Steps))
	for i, ref := range def.Steps {
		ids[i] = ref.InstanceID()
	}
	return ids
}

// Roles lists each runner role once, in declaration order.
func (def WorkflowDefinition) Roles() []string {
	var roles []string
	for _, ref := range def.Steps {
		if !slices.Contains(roles, ref.Runner) {
			roles = append(roles, ref.Runner)
		}
	}
	return roles
}

// Dependencies returns a copy of the graph edges out of id.
func (def WorkflowDefinition) Dependencies(id string) []string {
	if len(def.Graph[id]) == 0 {
		return nil
	}
	return slices.Clone(def.Graph[id])
}

// StepRef binds a workflow step to a runner role.
type StepRef struct {
	ID          string   `json:"id,omitempty" yaml:"id,omitempty"`
	Runner      string   `json:"runner" yaml:"runner"`
	Name        string   `json:"name,omitempty" yaml:"name,omitempty"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	DependsOn   []string `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	Config      Config   `json:"config,omitempty" yaml:"config,omitempty"`
}

// Config is passed through to the step's runner factory.
type Config map[string]any

// Clone returns a shallow copy, nil when empty.
func (cfg Config) Clone() Config {
	if len(cfg) == 0 {
		return nil
	}
	return maps.Clone(cfg)
}

// Clone returns a deep copy of the reference.
func (ref StepRef) Clone() StepRef {
	out := ref
	out.DependsOn = nil
	if len(ref.DependsOn) > 0 {
		out.DependsOn = slices.Clone(ref.DependsOn)
	}
	out.Config = ref.Config.Clone()
	return out
}

// InstanceID is the step's key in the dependency graph: ID when set,
// otherwise the runner role.
func (ref StepRef) InstanceID() string {
	if ref.ID != "" {
		return ref.ID
	}
	return ref.Runner
}

// Validate requires a runner role and distinct dependencies.
func (ref StepRef) Validate() error {
	if ref.Runner == "" {
		return fmt.Errorf("workflow: runner role is required")
	}
	deps := slices.Sorted(slices.Values(ref.DependsOn))
	for i := 1; i < len(deps); i++ {
		if deps[i] == deps[i-1] {
			return fmt.Errorf("workflow: step %s lists %s more than once", ref.InstanceID(), deps[i])
		}
	}
	return nil
}

// DependencyGraph maps a step's InstanceID to the steps it waits for.
type DependencyGraph map[string][]string

// Clone returns a deep copy, nil when empty.
func (g DependencyGraph) Clone() DependencyGraph {
	if len(g) == 0 {
		return nil
	}
	out := make(DependencyGraph, len(g))
	for id, deps := range g {
		if len(deps) > 0 {
			deps = slices.Clone(deps)
		} else {
			deps = nil
		}
		out[id] = deps
	}
	return out
}

// cycleAt returns a step on a dependency cycle, or "" for an acyclic graph.
// Keys are visited in sorted order so the reported step is stable.
func (g DependencyGraph) cycleAt() string {
	const (
		open = iota + 1
		closed
	)
	mark := make(map[string]int, len(g))
	var dfs func(id string) string
	dfs = func(id string) string {
		switch mark[id] {
		case open:
			return id
		case closed:
			return ""
		}
		mark[id] = open
		for _, dep := range g[id] {
			if at := dfs(dep); at != "" {
				return at
			}
		}
		mark[id] = closed
		return ""
	}
	for _, id := range slices.Sorted(maps.Keys(g)) {
		if at := dfs(id); at != "" {
			return at
		}
	}
	return ""
}

// unionSorted merges a and b, drops blanks and duplicates, and sorts.
func unionSorted(a, b []string) []string {
	var out []string
	for _, id := range slices.Concat(a, b) {
		if id != "" {
			out = append(out, id)
		}
	}
	if len(out) == 0 {
		return nil
	}
	slices.Sort(out)
	return slices.Compact(out)
}
