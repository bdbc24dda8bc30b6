package orchestrator

import (
	"fmt"

	"github.com/kingrea/lattice-compliance/internal/domain"
)

var allowedTransitions = map[domain.RunState]map[domain.RunState]struct{}{
	domain.StateInitialized: {
		domain.StateRetrieving: {},
		domain.StateFailed:     {},
	},
	domain.StateRetrieving: {
		domain.StateExecuting: {},
		domain.StateFailed:    {},
	},
	domain.StateExecuting: {
		domain.StateReconciling: {},
		domain.StateFailed:      {},
	},
	domain.StateReconciling: {
		domain.StateNegotiating: {},
		domain.StateAggregating: {},
		domain.StateFailed:      {},
	},
	domain.StateNegotiating: {
		domain.StateAggregating: {},
		domain.StateFailed:      {},
	},
	domain.StateAggregating: {
		domain.StateCompleted: {},
		domain.StateFailed:    {},
	},
	domain.StateCompleted: {},
	domain.StateFailed:    {},
}

// ValidateTransition reports whether a run may move from one state to another.
func ValidateTransition(from, to domain.RunState) error {
	next, ok := allowedTransitions[from]
	if !ok {
		return fmt.Errorf("orchestrator: invalid run state %q", from)
	}
	if _, ok := allowedTransitions[to]; !ok {
		return fmt.Errorf("orchestrator: invalid run state %q", to)
	}
	if _, ok := next[to]; !ok {
		return fmt.Errorf("orchestrator: invalid run transition %s -> %s", from, to)
	}
	return nil
}
