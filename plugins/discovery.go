package plugins

import (
	"fmt"

	"github.com/kingrea/lattice-compliance/internal/runner"
)

// RegisterRunnerPlugins registers every runner found in dir (usually
// .compliance/runners) as an external runner and returns their roles.
// A role may be declared once, and never by a built-in.
func RegisterRunnerPlugins(reg *runner.Registry, dir string) ([]string, error) {
	if reg == nil {
		return nil, nil
	}
	loaded, err := LoadDefinitions(dir)
	if err != nil {
		return nil, err
	}
	sources := make(map[string]string, len(loaded))
	roles := make([]string, 0, len(loaded))
	for _, entry := range loaded {
		def := entry.Definition
		if first, dup := sources[def.Role]; dup {
			return nil, fmt.Errorf("plugin: role %s declared by %s and %s", def.Role, first, entry.Source)
		}
		sources[def.Role] = entry.Source
		factory := func(cfg runner.Config) (runner.Runner, error) {
			return newExecRunner(def, cfg)
		}
		if err := reg.Register(def.Role, factory); err != nil {
			return nil, fmt.Errorf("plugin: %s: %w", entry.Source, err)
		}
		roles = append(roles, def.Role)
	}
	return roles, nil
}
