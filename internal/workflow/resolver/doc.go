// Package resolver turns a workflow definition into a dependency graph of
// runner steps and evaluates which steps are ready given task outcomes.
package resolver
