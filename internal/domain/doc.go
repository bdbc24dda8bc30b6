// Package domain holds the value types shared by every stage of a compliance
// run: findings, conflicts, tasks, run records and the final report.
package domain
