package runner

import (
	"fmt"
	"sort"
	"sync"
)

// Config carries runner-specific settings (opaque to the orchestrator).
type Config map[string]any

// Factory constructs a runner with the provided configuration.
type Factory func(Config) (Runner, error)

// Registry maps role names to runner factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: map[string]Factory{}}
}

// Register installs a factory. Returns an error if the role already exists.
func (r *Registry) Register(role string, factory Factory) error {
	if role == "" {
		return fmt.Errorf("runner: role is required")
	}
	if factory == nil {
		return fmt.Errorf("runner: factory is required for %s", role)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[role]; exists {
		return fmt.Errorf("runner: %s already registered", role)
	}
	r.factories[role] = factory
	return nil
}

// MustRegister panics if registration fails.
func (r *Registry) MustRegister(role string, factory Factory) {
	if err := r.Register(role, factory); err != nil {
		panic(err)
	}
}

// Install registers an already constructed runner under its own role.
func (r *Registry) Install(run Runner) error {
	if run == nil {
		return fmt.Errorf("runner: runner is required")
	}
	info := run.Info()
	if err := info.Validate(); err != nil {
		return err
	}
	return r.Register(info.Role, func(Config) (Runner, error) { return run, nil })
}

// Has reports whether role is registered.
func (r *Registry) Has(role string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[role]
	return ok
}

// Resolve constructs the runner for role.
func (r *Registry) Resolve(role string, cfg Config) (Runner, error) {
	r.mu.RLock()
	factory, ok := r.factories[role]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("runner: unknown role %s", role)
	}
	run, err := factory(cfg)
	if err != nil {
		return nil, fmt.Errorf("runner: build %s: %w", role, err)
	}
	info := run.Info()
	if err := info.Validate(); err != nil {
		return nil, err
	}
	if info.Role != role {
		return nil, fmt.Errorf("runner: factory for %s built %s", role, info.Role)
	}
	return run, nil
}

// Roles returns a sorted list of registered roles.
func (r *Registry) Roles() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	roles := make([]string, 0, len(r.factories))
	for role := range r.factories {
		roles = append(roles, role)
	}
	sort.Strings(roles)
	return roles
}

// Set is the indexed collection of runners used by one run.
type Set map[string]Runner

// Build resolves every requested role. configs supplies per-role settings.
func (r *Registry) Build(roles []string, configs map[string]Config) (Set, error) {
	set := make(Set, len(roles))
	for _, role := range roles {
		if _, done := set[role]; done {
			continue
		}
		run, err := r.Resolve(role, configs[role])
		if err != nil {
			return nil, err
		}
		set[role] = run
	}
	return set, nil
}

// Roles returns the set's roles in sorted order.
func (s Set) Roles() []string {
	roles := make([]string, 0, len(s))
	for role := range s {
		roles = append(roles, role)
	}
	sort.Strings(roles)
	return roles
}
