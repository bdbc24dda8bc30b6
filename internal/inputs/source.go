// Package inputs retrieves the contracts, shelf images and planograms a
// compliance run evaluates.
package inputs

import (
	"context"
	"errors"

	"github.com/kingrea/lattice-compliance/internal/domain"
)

var (
	// ErrNotFound reports that a location has no data of the requested kind.
	// It is fatal for the run.
	ErrNotFound = errors.New("inputs: not found")
	// ErrTransient reports a failure worth retrying once.
	ErrTransient = errors.New("inputs: transient failure")
)

// Source is the external collaborator that serves run inputs.
type Source interface {
	Contracts(ctx context.Context, locationID string) ([]domain.Contract, error)
	Images(ctx context.Context, locationID, date string) ([]domain.Image, error)
	Planograms(ctx context.Context, locationID string) ([]domain.Planogram, error)
}
