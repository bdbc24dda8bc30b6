package domain

import (
	"fmt"
	"strings"
	"time"
)

// Mode selects the driving strategy for a run.
type Mode string

const (
	ModeFixed       Mode = "fixed"
	ModeConditional Mode = "conditional"
)

// ParseMode normalizes a mode string. Empty input yields ModeFixed.
func ParseMode(raw string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(raw))) {
	case "", ModeFixed:
		return ModeFixed, nil
	case ModeConditional:
		return ModeConditional, nil
	}
	return "", fmt.Errorf("domain: unknown mode %q (want fixed or conditional)", raw)
}

// RunState enumerates the orchestrator state machine.
type RunState string

const (
	StateInitialized RunState = "initialized"
	StateRetrieving  RunState = "retrieving"
	StateExecuting   RunState = "executing"
	StateReconciling RunState = "reconciling"
	StateNegotiating RunState = "negotiating"
	StateAggregating RunState = "aggregating"
	StateCompleted   RunState = "completed"
	StateFailed      RunState = "failed"
)

// Terminal reports whether no further transitions are allowed.
func (s RunState) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Status projects a state onto the externally visible run status.
func (s RunState) Status() RunStatus {
	switch s {
	case StateInitialized, "":
		return RunPending
	case StateNegotiating:
		return RunAwaitingConsensus
	case StateCompleted:
		return RunCompleted
	case StateFailed:
		return RunFailed
	}
	return RunRunning
}

// RunStatus is the coarse status reported to callers.
type RunStatus string

const (
	RunPending           RunStatus = "pending"
	RunRunning           RunStatus = "running"
	RunAwaitingConsensus RunStatus = "awaiting_consensus"
	RunCompleted         RunStatus = "completed"
	RunFailed            RunStatus = "failed"
)

// InProgress reports whether the run has not reached a terminal status.
func (s RunStatus) InProgress() bool {
	return s != RunCompleted && s != RunFailed
}

// PhaseRecord captures one completed state of a run.
type PhaseRecord struct {
	State     RunState  `json:"state"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
	Note      string    `json:"note,omitempty"`
}

// RunRequest identifies what a run evaluates.
type RunRequest struct {
	LocationID string `json:"location_id"`
	Date       string `json:"date"`
	Mode       Mode   `json:"mode,omitempty"`
}

// DateLayout is the accepted run date format.
const DateLayout = "2006-01-02"

// Validate checks the request and normalizes the mode.
func (r *RunRequest) Validate() error {
	r.LocationID = strings.TrimSpace(r.LocationID)
	r.Date = strings.TrimSpace(r.Date)
	if r.LocationID == "" {
		return fmt.Errorf("run: location id is required")
	}
	if _, err := time.Parse(DateLayout, r.Date); err != nil {
		return fmt.Errorf("run: date %q must be YYYY-MM-DD", r.Date)
	}
	mode, err := ParseMode(string(r.Mode))
	if err != nil {
		return fmt.Errorf("run: %w", err)
	}
	r.Mode = mode
	return nil
}

// WorkflowRun is the orchestrator's record of one evaluation.
type WorkflowRun struct {
	ID            string        `json:"run_id"`
	Request       RunRequest    `json:"request"`
	State         RunState      `json:"state"`
	Status        RunStatus     `json:"status"`
	StartedAt     time.Time     `json:"started_at"`
	EndedAt       time.Time     `json:"ended_at,omitempty"`
	Phases        []PhaseRecord `json:"phases"`
	Tasks         []Task        `json:"tasks,omitempty"`
	FailureReason string        `json:"failure_reason,omitempty"`
}

// Clone returns a deep copy of the run record.
func (r WorkflowRun) Clone() WorkflowRun {
	clone := r
	if len(r.Phases) > 0 {
		clone.Phases = make([]PhaseRecord, len(r.Phases))
		copy(clone.Phases, r.Phases)
	}
	if len(r.Tasks) > 0 {
		clone.Tasks = make([]Task, len(r.Tasks))
		copy(clone.Tasks, r.Tasks)
	}
	return clone
}

// TaskStatus tracks one unit of work.
type TaskStatus string

const (
	TaskQueued    TaskStatus = "queued"
	TaskRunning   TaskStatus = "running"
	TaskSucceeded TaskStatus = "succeeded"
	TaskFailed    TaskStatus = "failed"
	TaskTimedOut  TaskStatus = "timed_out"
)

// Terminal reports whether the task will not run again.
func (s TaskStatus) Terminal() bool {
	return s == TaskSucceeded || s == TaskFailed || s == TaskTimedOut
}

// Task is one runner invocation for a subject.
type Task struct {
	ID       string     `json:"task_id"`
	RunID    string     `json:"run_id"`
	Role     string     `json:"role"`
	Subject  string     `json:"subject"`
	Inputs   []string   `json:"inputs,omitempty"`
	Status   TaskStatus `json:"status"`
	Retries  int        `json:"retries"`
	Error    string     `json:"error,omitempty"`
	Location string     `json:"location_id"`
	Date     string     `json:"date"`
}
