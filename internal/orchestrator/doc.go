// Package orchestrator drives compliance runs. Each run retrieves inputs,
// executes producers through the fixed workflow engine or the conditional
// router, reconciles conflicting findings through the negotiator, and
// aggregates the effective findings into a report.
//
// Runs are isolated: every run owns its message bus and context store, and
// only the orchestrator writes to the store.
package orchestrator
