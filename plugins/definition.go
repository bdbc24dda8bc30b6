package plugins

import (
	"fmt"
	"strings"
	"time"

	"github.com/kingrea/lattice-compliance/internal/runner"
)

// RunnerDefinition describes an external producer loaded from YAML or Go.
//
// The struct mirrors the on-disk schema under .compliance/runners/*.yaml. The
// command receives an ExecRequest as JSON on stdin and must print a Finding
// as JSON on stdout.
type RunnerDefinition struct {
	Role        string            `json:"role" yaml:"role"`
	Name        string            `json:"name,omitempty" yaml:"name,omitempty"`
	Description string            `json:"description,omitempty" yaml:"description,omitempty"`
	Version     string            `json:"version" yaml:"version"`
	Command     []string          `json:"command" yaml:"command"`
	Dir         string            `json:"dir,omitempty" yaml:"dir,omitempty"`
	Env         map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	Timeout     string            `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Config      runner.Config     `json:"config,omitempty" yaml:"config,omitempty"`
}

// Normalized returns a trimmed, copy-on-write variant of the definition.
func (def RunnerDefinition) Normalized() RunnerDefinition {
	clone := RunnerDefinition{
		Role:        strings.TrimSpace(def.Role),
		Name:        strings.TrimSpace(def.Name),
		Description: strings.TrimSpace(def.Description),
		Version:     strings.TrimSpace(def.Version),
		Dir:         strings.TrimSpace(def.Dir),
		Timeout:     strings.TrimSpace(def.Timeout),
	}
	for _, arg := range def.Command {
		clone.Command = append(clone.Command, strings.TrimSpace(arg))
	}
	if len(def.Env) > 0 {
		clone.Env = make(map[string]string, len(def.Env))
		for key, value := range def.Env {
			trimmedKey := strings.TrimSpace(key)
			if trimmedKey == "" {
				continue
			}
			clone.Env[trimmedKey] = strings.TrimSpace(value)
		}
	}
	if len(def.Config) > 0 {
		clone.Config = make(runner.Config, len(def.Config))
		for key, value := range def.Config {
			trimmed := strings.TrimSpace(key)
			if trimmed == "" {
				continue
			}
			clone.Config[trimmed] = value
		}
	}
	if clone.Name == "" {
		clone.Name = clone.Role
	}
	return clone
}

// Validate ensures the plugin definition is well-formed.
func (def RunnerDefinition) Validate() error {
	normalized := def.Normalized()
	if normalized.Role == "" {
		return fmt.Errorf("plugin: role is required")
	}
	if normalized.Version == "" {
		return fmt.Errorf("plugin %s: version is required", normalized.Role)
	}
	if len(normalized.Command) == 0 || normalized.Command[0] == "" {
		return fmt.Errorf("plugin %s: command is required", normalized.Role)
	}
	if _, err := normalized.timeout(); err != nil {
		return fmt.Errorf("plugin %s: %w", normalized.Role, err)
	}
	return nil
}

func (def RunnerDefinition) timeout() (time.Duration, error) {
	if def.Timeout == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(def.Timeout)
	if err != nil {
		return 0, fmt.Errorf("timeout %q: %w", def.Timeout, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("timeout must be >= 0")
	}
	return d, nil
}

func (def RunnerDefinition) info() runner.Info {
	return runner.Info{
		Role:        def.Role,
		Name:        def.Name,
		Description: def.Description,
		Version:     def.Version,
	}
}
