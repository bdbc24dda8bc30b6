// Package runner defines the capability every analysis producer implements
// and the role-keyed registry the orchestrator resolves producers from.
package runner
