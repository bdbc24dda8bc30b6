package engine

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/kingrea/lattice-compliance/internal/domain"
	"github.com/kingrea/lattice-compliance/internal/workflow"
	"github.com/kingrea/lattice-compliance/internal/workflow/resolver"
	"github.com/kingrea/lattice-compliance/internal/workflow/scheduler"
)

// Engine coordinates the resolver and scheduler while persisting run state.
type Engine struct {
	source resolver.RunnerSource
	repo   StateStore
	clock  func() time.Time
	// mu serializes load-modify-save cycles.
	mu sync.Mutex
}

// Option customizes the engine instance.
type Option func(*Engine)

// WithClock injects a deterministic clock (primarily for tests).
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// New wires a workflow engine to a runner source and persistence store.
func New(source resolver.RunnerSource, repo StateStore, opts ...Option) (*Engine, error) {
	if source == nil {
		return nil, fmt.Errorf("workflow engine: runner source is required")
	}
	if repo == nil {
		return nil, fmt.Errorf("workflow engine: state store is required")
	}
	engine := &Engine{
		source: source,
		repo:   repo,
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(engine)
	}
	return engine, nil
}

// StartRequest bootstraps a workflow definition for one run.
type StartRequest struct {
	RunID      string
	Definition workflow.WorkflowDefinition
	Runtime    *RuntimeOverrides
}

// StepResult informs the engine that a step finished for every subject.
type StepResult struct {
	ID         string
	Status     domain.TaskStatus
	Attempts   int
	Message    string
	Err        error
	FinishedAt time.Time
}

// UpdateRequest applies step results.
type UpdateRequest struct {
	Results []StepResult
}

// ClaimRequest asks the engine to reserve runnable steps for execution.
type ClaimRequest struct {
	// Limit caps how many runnable steps may be claimed at once. Zero means "all".
	Limit int
}

// WorkClaim describes a runnable step that has been reserved for execution.
type WorkClaim struct {
	ID     string `json:"id"`
	Runner string `json:"runner"`
	Name   string `json:"name"`
}

// ClaimResult returns the new engine state plus the reserved steps.
type ClaimResult struct {
	Claims []WorkClaim
	State  State
}

// Start evaluates a workflow definition from scratch for req.RunID.
func (e *Engine) Start(req StartRequest) (State, error) {
	if strings.TrimSpace(req.RunID) == "" {
		return State{}, fmt.Errorf("workflow engine: run id is required")
	}
	def, err := req.Definition.Normalized()
	if err != nil {
		return State{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	state, err := e.buildState(def, applyRuntimeOverrides(EngineRuntime{}, req.Runtime), nil)
	if err != nil {
		return State{}, err
	}
	return e.commit(req.RunID, state)
}

// Claim reserves up to req.Limit runnable steps, marks them running and
// persists the snapshot.
func (e *Engine) Claim(runID string, req ClaimRequest) (ClaimResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	current, err := e.repo.Load(runID)
	if err != nil {
		return ClaimResult{}, err
	}
	state, err := e.buildState(current.Definition, current.Runtime, current.Runs)
	if err != nil {
		return ClaimResult{}, err
	}
	claimed := state.Runnable
	if req.Limit > 0 && req.Limit < len(claimed) {
		claimed = claimed[:req.Limit]
	}
	claimed = slices.Clone(claimed)
	var claims []WorkClaim
	for _, id := range claimed {
		i := slices.IndexFunc(state.Nodes, func(n StepStatus) bool { return n.ID == id })
		if i < 0 {
			continue
		}
		node := &state.Nodes[i]
		node.State = resolver.NodeStateRunning
		claims = append(claims, WorkClaim{ID: node.ID, Runner: node.Runner, Name: node.Name})
		if !slices.Contains(state.Runtime.Running, id) {
			state.Runtime.Running = append(state.Runtime.Running, id)
		}
	}
	state.Runnable = without(state.Runnable, claimed)
	state.Status, state.StatusReason = deriveEngineStatus(state.Nodes, state.Runs)
	state, err = e.commit(current.RunID, state)
	if err != nil {
		return ClaimResult{}, err
	}
	return ClaimResult{Claims: claims, State: state}, nil
}

// Update records terminal step results, releases their claims and
// recomputes the snapshot.
func (e *Engine) Update(runID string, req UpdateRequest) (State, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	current, err := e.repo.Load(runID)
	if err != nil {
		return State{}, err
	}
	runs := maps.Clone(current.Runs)
	if runs == nil {
		runs = make(map[string]StepRun, len(req.Results))
	}
	var released []string
	for _, result := range req.Results {
		if !result.Status.Terminal() {
			return State{}, fmt.Errorf("workflow engine: step %s reported non-terminal status %s", result.ID, result.Status)
		}
		id := strings.TrimSpace(result.ID)
		if id == "" {
			continue
		}
		finished := result.FinishedAt
		if finished.IsZero() {
			finished = e.now()
		}
		run := StepRun{Status: result.Status, Attempts: result.Attempts, Message: result.Message, FinishedAt: finished}
		if result.Err != nil {
			run.Error = result.Err.Error()
		}
		runs[id] = run
		released = append(released, id)
	}
	runtime := current.Runtime.clone()
	runtime.Running = without(runtime.Running, released)
	state, err := e.buildState(current.Definition, runtime, runs)
	if err != nil {
		return State{}, err
	}
	return e.commit(current.RunID, state)
}

// View returns the last persisted snapshot as stored.
func (e *Engine) View(runID string) (State, error) {
	return e.repo.Load(runID)
}

func (e *Engine) commit(runID string, state State) (State, error) {
	state.RunID = runID
	state.UpdatedAt = e.now()
	if err := e.repo.Save(state); err != nil {
		return State{}, err
	}
	return state, nil
}

func (e *Engine) buildState(def workflow.WorkflowDefinition, runtime EngineRuntime, runs map[string]StepRun) (State, error) {
	if def.Runtime.MaxParallel > 0 && runtime.MaxParallel <= 0 {
		runtime.MaxParallel = def.Runtime.MaxParallel
	}
	res, err := resolver.New(def, e.source)
	if err != nil {
		return State{}, err
	}
	statuses := make(map[string]domain.TaskStatus, len(runs)+len(runtime.Running))
	for _, id := range runtime.Running {
		statuses[id] = domain.TaskRunning
	}
	for id, run := range runs {
		statuses[id] = run.Status
	}
	res.Refresh(statuses)
	sched, err := scheduler.New(res)
	if err != nil {
		return State{}, err
	}
	batch, err := sched.Runnable(runtime.schedulerRequest())
	if err != nil {
		return State{}, err
	}
	nodes := summarizeNodes(res, runs)
	status, reason := deriveEngineStatus(nodes, runs)
	return State{
		WorkflowID:   def.ID,
		Definition:   def.Clone(),
		Runtime:      runtime.clone(),
		Nodes:        nodes,
		Runnable:     nodeIDs(batch.Nodes),
		Skipped:      maps.Clone(batch.Skipped),
		Runs:         maps.Clone(runs),
		Status:       status,
		StatusReason: reason,
	}, nil
}

func nodeIDs(nodes []*resolver.Node) []string {
	var ids []string
	for _, node := range nodes {
		ids = append(ids, node.ID)
	}
	return ids
}

func summarizeNodes(res *resolver.Resolver, runs map[string]StepRun) []StepStatus {
	nodes := res.Nodes()
	result := make([]StepStatus, 0, len(nodes))
	for _, node := range nodes {
		ref := node.Ref
		status := StepStatus{
			ID:           node.ID,
			Runner:       ref.Runner,
			Name:         pickName(ref, node),
			Description:  ref.Description,
			State:        node.State,
			Dependencies: cloneStrings(node.Dependencies),
			Dependents:   cloneStrings(node.Dependents),
			BlockedBy:    cloneStrings(node.BlockedBy),
		}
		if run, ok := runs[node.ID]; ok {
			copyRun := run
			status.LastRun = &copyRun
		}
		result = append(result, status)
	}
	return result
}

func pickName(ref workflow.StepRef, node *resolver.Node) string {
	if ref.Name != "" {
		return ref.Name
	}
	if node.Runner != nil {
		if name := node.Runner.Info().Name; name != "" {
			return name
		}
	}
	return ref.InstanceID()
}

func deriveEngineStatus(nodes []StepStatus, runs map[string]StepRun) (EngineStatus, string) {
	for _, status := range nodes {
		if status.State != resolver.NodeStateComplete {
			return EngineStatusRunning, ""
		}
	}
	var failed []string
	for _, id := range slices.Sorted(maps.Keys(runs)) {
		if runs[id].Status != domain.TaskSucceeded {
			failed = append(failed, id)
		}
	}
	if len(failed) > 0 {
		return EngineStatusDegraded, fmt.Sprintf("%s did not succeed", strings.Join(failed, ", "))
	}
	return EngineStatusComplete, ""
}

func applyRuntimeOverrides(base EngineRuntime, overrides *RuntimeOverrides) EngineRuntime {
	if overrides == nil {
		return base
	}
	if overrides.BatchSize != nil {
		base.BatchSize = *overrides.BatchSize
	}
	if overrides.MaxParallel != nil {
		base.MaxParallel = *overrides.MaxParallel
	}
	return base
}

// without returns values minus ids, preserving order.
func without(values, ids []string) []string {
	if len(values) == 0 || len(ids) == 0 {
		return values
	}
	return slices.DeleteFunc(slices.Clone(values), func(v string) bool { return slices.Contains(ids, v) })
}

func (e *Engine) now() time.Time {
	if e.clock == nil {
		return time.Now()
	}
	return e.clock()
}
