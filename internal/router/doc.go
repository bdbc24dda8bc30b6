// Package router implements the conditional execution path. A Policy picks
// the next runner role from the accumulated context, and Router walks the
// policy from the start node until it reaches a terminal, validating every
// node it is handed against the registered runner set.
package router
