package runner

import (
	"context"
	"errors"

	"github.com/kingrea/lattice-compliance/internal/contextstore"
	"github.com/kingrea/lattice-compliance/internal/domain"
)

var errNoExec = errors.New("no execute function configured")

// Func adapts plain functions into a Runner. A nil ReviseFn abstains.
type Func struct {
	Meta     Info
	ExecFn   func(ctx context.Context, task domain.Task, view contextstore.View) (domain.Finding, error)
	ReviseFn func(ctx context.Context, req RevisionRequest) (domain.Finding, bool, error)
}

// Info implements Runner.
func (f *Func) Info() Info {
	return f.Meta
}

// Execute implements Runner.
func (f *Func) Execute(ctx context.Context, task domain.Task, view contextstore.View) (domain.Finding, error) {
	if f.ExecFn == nil {
		return domain.Finding{}, Permanent(f.Meta.Role, errNoExec)
	}
	return f.ExecFn(ctx, task, view)
}

// Revise implements Reviser.
func (f *Func) Revise(ctx context.Context, req RevisionRequest) (domain.Finding, bool, error) {
	if f.ReviseFn == nil {
		return req.Prior, false, nil
	}
	return f.ReviseFn(ctx, req)
}
