package router

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/kingrea/lattice-compliance/internal/contextstore"
)

// Node names with special meaning.
const (
	NodeStart     = "start"
	TerminalScore = "score"
	TerminalDone  = "done"
)

// DefaultMaxSteps bounds a walk when no limit is configured.
const DefaultMaxSteps = 16

var (
	// ErrUnknownNode is returned when a policy names a node that is neither a
	// registered role nor a terminal.
	ErrUnknownNode = errors.New("router: unknown node")
	// ErrStepLimit is returned when a walk does not reach a terminal in time.
	ErrStepLimit = errors.New("router: step limit exceeded")
)

// Decision is the policy's answer for one step.
type Decision struct {
	Next   string
	Flags  []string
	Reason string
}

// Terminal reports whether the decision ends the walk.
func (d Decision) Terminal() bool {
	return IsTerminal(d.Next)
}

// IsTerminal reports whether node ends a walk.
func IsTerminal(node string) bool {
	return node == TerminalScore || node == TerminalDone
}

// Policy chooses the next node. Implementations must be pure functions of
// their inputs.
type Policy interface {
	Next(current string, snapshot contextstore.Reader) (Decision, error)
}

// PolicyFunc adapts a function into a Policy.
type PolicyFunc func(current string, snapshot contextstore.Reader) (Decision, error)

// Next calls f.
func (f PolicyFunc) Next(current string, snapshot contextstore.Reader) (Decision, error) {
	return f(current, snapshot)
}

// Visitor performs the side effects of a walk on behalf of the router.
type Visitor interface {
	// Flag records a named flag raised by a decision.
	Flag(ctx context.Context, name string) error
	// Visit runs the runner for role and returns once its findings are stored.
	Visit(ctx context.Context, role string) error
	// Snapshot returns the context the next decision should see.
	Snapshot() contextstore.View
}

// Logger is the narrow logging surface used by the router.
type Logger interface {
	Printf(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}

// Option customizes a Router.
type Option func(*Router)

// WithMaxSteps caps how many decisions a walk may take.
func WithMaxSteps(n int) Option {
	return func(r *Router) {
		if n > 0 {
			r.maxSteps = n
		}
	}
}

// WithLogger routes decision logs to logger.
func WithLogger(logger Logger) Option {
	return func(r *Router) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// Router walks a Policy over a fixed set of runner roles.
type Router struct {
	policy   Policy
	roles    map[string]struct{}
	maxSteps int
	logger   Logger
}

// New builds a router that accepts the provided roles as nodes.
func New(policy Policy, roles []string, opts ...Option) (*Router, error) {
	if policy == nil {
		return nil, fmt.Errorf("router: policy is required")
	}
	r := &Router{
		policy:   policy,
		roles:    make(map[string]struct{}, len(roles)),
		maxSteps: DefaultMaxSteps,
		logger:   nopLogger{},
	}
	for _, role := range roles {
		role = strings.TrimSpace(role)
		if role == "" {
			continue
		}
		if IsTerminal(role) || role == NodeStart {
			return nil, fmt.Errorf("router: role %s collides with a reserved node", role)
		}
		r.roles[role] = struct{}{}
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r, nil
}

// Roles lists the accepted runner nodes in sorted order.
func (r *Router) Roles() []string {
	out := make([]string, 0, len(r.roles))
	for role := range r.roles {
		out = append(out, role)
	}
	sort.Strings(out)
	return out
}

// Next asks the policy for the node after current and validates it.
func (r *Router) Next(current string, snapshot contextstore.Reader) (Decision, error) {
	decision, err := r.policy.Next(current, snapshot)
	if err != nil {
		return Decision{}, fmt.Errorf("router: policy at %s: %w", current, err)
	}
	decision.Next = strings.TrimSpace(decision.Next)
	if decision.Terminal() {
		return decision, nil
	}
	if _, ok := r.roles[decision.Next]; !ok {
		return Decision{}, fmt.Errorf("%w %q after %s", ErrUnknownNode, decision.Next, current)
	}
	return decision, nil
}

// Path records the nodes a walk visited.
type Path struct {
	Nodes    []string `json:"nodes"`
	Terminal string   `json:"terminal"`
	Flags    []string `json:"flags,omitempty"`
}

// Walk drives the policy from NodeStart until a terminal. Each decision sees
// a fresh snapshot from the visitor. Visitor errors abort the walk unchanged
// so callers can distinguish them from configuration errors.
func (r *Router) Walk(ctx context.Context, visitor Visitor) (Path, error) {
	if visitor == nil {
		return Path{}, fmt.Errorf("router: visitor is required")
	}
	path := Path{}
	current := NodeStart
	for step := 0; ; step++ {
		if err := ctx.Err(); err != nil {
			return path, err
		}
		if step >= r.maxSteps {
			return path, fmt.Errorf("%w: %d steps without reaching a terminal", ErrStepLimit, r.maxSteps)
		}
		decision, err := r.Next(current, visitor.Snapshot())
		if err != nil {
			return path, err
		}
		r.logger.Printf("router: %s -> %s %s", current, decision.Next, decision.Reason)
		for _, flag := range decision.Flags {
			flag = strings.TrimSpace(flag)
			if flag == "" {
				continue
			}
			if err := visitor.Flag(ctx, flag); err != nil {
				return path, err
			}
			path.Flags = append(path.Flags, flag)
		}
		if decision.Terminal() {
			path.Terminal = decision.Next
			return path, nil
		}
		if err := visitor.Visit(ctx, decision.Next); err != nil {
			return path, err
		}
		path.Nodes = append(path.Nodes, decision.Next)
		current = decision.Next
	}
}

// IsConfigError reports whether err came from router configuration rather
// than from the visitor or cancellation.
func IsConfigError(err error) bool {
	return errors.Is(err, ErrUnknownNode) || errors.Is(err, ErrStepLimit) || errors.Is(err, ErrInvalidRule)
}
