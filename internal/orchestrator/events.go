package orchestrator

import (
	"context"
	"time"

	"github.com/kingrea/lattice-compliance/internal/domain"
)

// EventType names something that happened during a run.
type EventType string

const (
	EventRunStarted       EventType = "run_started"
	EventPhaseChanged     EventType = "phase_changed"
	EventTaskAttempt      EventType = "task_attempt"
	EventTaskFinished     EventType = "task_finished"
	EventRouted           EventType = "routed"
	EventConflictDetected EventType = "conflict_detected"
	EventNegotiationRound EventType = "negotiation_round"
	EventConflictSettled  EventType = "conflict_settled"
	EventRunCompleted     EventType = "run_completed"
	EventRunFailed        EventType = "run_failed"
)

// TopicRunEvent is the bus topic run events are broadcast on.
const TopicRunEvent = "run.event"

// Event is delivered to observers and broadcast on the run's bus.
type Event struct {
	RunID   string            `json:"run_id"`
	Type    EventType         `json:"type"`
	State   domain.RunState   `json:"state"`
	Role    string            `json:"role,omitempty"`
	Subject string            `json:"subject,omitempty"`
	Status  domain.TaskStatus `json:"task_status,omitempty"`
	Attempt int               `json:"attempt,omitempty"`
	Round   int               `json:"round,omitempty"`
	Message string            `json:"message,omitempty"`
	// Elapsed is set on task_finished and terminal run events.
	Elapsed time.Duration `json:"elapsed,omitempty"`
	Time    time.Time     `json:"time"`
}

// Observer receives every run event. Implementations must not block.
type Observer interface {
	Observe(Event)
}

// ObserverFunc adapts a function into an Observer.
type ObserverFunc func(Event)

// Observe calls f.
func (f ObserverFunc) Observe(e Event) {
	f(e)
}

// Emitter receives the report of every completed run.
type Emitter interface {
	Emit(ctx context.Context, report domain.Report) error
}

// RunRecorder is implemented by emitters that also archive run records,
// including failed runs.
type RunRecorder interface {
	RecordRun(ctx context.Context, run domain.WorkflowRun) error
}

// Logger is the narrow logging surface the orchestrator needs.
type Logger interface {
	Printf(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}
