package runner

import (
	"context"
	"errors"
	"fmt"

	"github.com/kingrea/lattice-compliance/internal/contextstore"
	"github.com/kingrea/lattice-compliance/internal/domain"
)

// Info describes a runner's identity.
type Info struct {
	Role        string
	Name        string
	Description string
	Version     string
}

// Validate ensures the info block is well-formed.
func (i Info) Validate() error {
	if i.Role == "" {
		return fmt.Errorf("runner: role is required")
	}
	if i.Name == "" {
		return fmt.Errorf("runner: name is required for %s", i.Role)
	}
	if i.Version == "" {
		return fmt.Errorf("runner: version is required for %s", i.Role)
	}
	return nil
}

// Runner analyses one facet of a location and returns a Finding. Runners read
// the view they are handed and never write shared state.
type Runner interface {
	Info() Info
	Execute(ctx context.Context, task domain.Task, view contextstore.View) (domain.Finding, error)
}

// RevisionRequest is what a producer sees during one negotiation round.
type RevisionRequest struct {
	Conflict domain.ConflictRecord
	Prior    domain.Finding
	Round    int
	View     contextstore.View
}

// Reviser is implemented by runners that can take part in negotiation. A
// false return abstains and keeps the prior finding.
type Reviser interface {
	Revise(ctx context.Context, req RevisionRequest) (domain.Finding, bool, error)
}

// Failure wraps a runner error. Permanent failures are not retried.
type Failure struct {
	Role      string
	Err       error
	Permanent bool
}

func (f *Failure) Error() string {
	kind := "failed"
	if f.Permanent {
		kind = "failed permanently"
	}
	return fmt.Sprintf("runner %s %s: %v", f.Role, kind, f.Err)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// Permanent marks err as not worth retrying.
func Permanent(role string, err error) error {
	if err == nil {
		return nil
	}
	return &Failure{Role: role, Err: err, Permanent: true}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var failure *Failure
	return errors.As(err, &failure) && failure.Permanent
}
