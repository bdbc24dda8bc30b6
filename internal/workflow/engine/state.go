package engine

import (
	"time"

	"github.com/kingrea/lattice-compliance/internal/domain"
	"github.com/kingrea/lattice-compliance/internal/workflow"
	"github.com/kingrea/lattice-compliance/internal/workflow/resolver"
	"github.com/kingrea/lattice-compliance/internal/workflow/scheduler"
)

// EngineStatus enumerates coarse sequence phases.
type EngineStatus string

const (
	EngineStatusUnknown  EngineStatus = "unknown"
	EngineStatusRunning  EngineStatus = "running"
	EngineStatusComplete EngineStatus = "complete"
	// EngineStatusDegraded means every step finished but at least one failed.
	EngineStatusDegraded EngineStatus = "degraded"
)

// State captures the persisted snapshot of one run's fixed sequence.
type State struct {
	RunID      string                      `json:"run_id"`
	WorkflowID string                      `json:"workflow_id"`
	Definition workflow.WorkflowDefinition `json:"definition"`
	Status     EngineStatus                `json:"status"`
	// StatusReason provides human readable explanation for degraded states.
	StatusReason string                          `json:"status_reason,omitempty"`
	Runtime      EngineRuntime                   `json:"runtime"`
	Nodes        []StepStatus                    `json:"nodes"`
	Runnable     []string                        `json:"runnable"`
	Skipped      map[string]scheduler.SkipReason `json:"skipped,omitempty"`
	Runs         map[string]StepRun              `json:"runs,omitempty"`
	UpdatedAt    time.Time                       `json:"updated_at"`
}

// EngineRuntime mirrors scheduler constraints that survive across updates.
type EngineRuntime struct {
	BatchSize   int      `json:"batch_size,omitempty"`
	MaxParallel int      `json:"max_parallel,omitempty"`
	Running     []string `json:"running,omitempty"`
}

// RuntimeOverrides selectively mutates EngineRuntime fields.
type RuntimeOverrides struct {
	BatchSize   *int
	MaxParallel *int
}

// StepStatus exposes resolver metadata for a workflow node.
type StepStatus struct {
	ID           string             `json:"id"`
	Runner       string             `json:"runner"`
	Name         string             `json:"name"`
	Description  string             `json:"description,omitempty"`
	State        resolver.NodeState `json:"state"`
	Dependencies []string           `json:"dependencies,omitempty"`
	Dependents   []string           `json:"dependents,omitempty"`
	BlockedBy    []string           `json:"blocked_by,omitempty"`
	LastRun      *StepRun           `json:"last_run,omitempty"`
}

// StepRun persists the outcome of a step across all of its subject tasks.
type StepRun struct {
	Status     domain.TaskStatus `json:"status"`
	Attempts   int               `json:"attempts,omitempty"`
	Message    string            `json:"message,omitempty"`
	Error      string            `json:"error,omitempty"`
	FinishedAt time.Time         `json:"finished_at"`
}

// Complete reports whether the snapshot has no outstanding steps.
func (s State) Complete() bool {
	return s.Status == EngineStatusComplete || s.Status == EngineStatusDegraded
}

// schedulerRequest converts EngineRuntime into a scheduler request payload.
func (rt EngineRuntime) schedulerRequest() scheduler.RunnableRequest {
	return scheduler.RunnableRequest{
		BatchSize:   rt.BatchSize,
		MaxParallel: rt.MaxParallel,
		Running:     cloneStrings(rt.Running),
	}
}

func (rt EngineRuntime) clone() EngineRuntime {
	return EngineRuntime{
		BatchSize:   rt.BatchSize,
		MaxParallel: rt.MaxParallel,
		Running:     cloneStrings(rt.Running),
	}
}

func cloneStrings(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	out := make([]string, len(values))
	copy(out, values)
	return out
}
