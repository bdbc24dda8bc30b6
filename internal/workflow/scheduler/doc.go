// Package scheduler selects which ready workflow steps to dispatch next,
// honouring batch size and parallelism limits.
package scheduler
