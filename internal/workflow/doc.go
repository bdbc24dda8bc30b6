// Package workflow declares the fixed execution sequence for compliance runs
// and loads it from YAML.
package workflow
