package orchestrator

import (
	"errors"
	"fmt"

	"github.com/kingrea/lattice-compliance/internal/domain"
)

var (
	// ErrRunNotFound is returned for unknown run IDs.
	ErrRunNotFound = errors.New("orchestrator: run not found")
	// ErrShuttingDown rejects new runs once Shutdown has been called.
	ErrShuttingDown = errors.New("orchestrator: shutting down")
	// ErrReportUnavailable is returned when a run has not completed.
	ErrReportUnavailable = errors.New("orchestrator: report unavailable")
	// ErrInvalidRequest wraps run request validation failures.
	ErrInvalidRequest = errors.New("orchestrator: invalid run request")

	errShutdown = errors.New("shutdown requested")
)

// FatalError moves a run to Failed. Reason is surfaced to callers verbatim.
type FatalError struct {
	Phase  domain.RunState
	Reason string
	Err    error
}

func (e *FatalError) Error() string {
	return e.Reason
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

func fatal(phase domain.RunState, err error, format string, args ...any) *FatalError {
	reason := fmt.Sprintf(format, args...)
	if err != nil {
		reason = fmt.Sprintf("%s: %v", reason, err)
	}
	return &FatalError{Phase: phase, Reason: reason, Err: err}
}
