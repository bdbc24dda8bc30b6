// Package engine ties the workflow resolver and scheduler together for the
// fixed execution sequence. It persists one state snapshot per run so the
// orchestrator can claim runnable steps, record their outcomes, and expose
// progress to status queries.
package engine
