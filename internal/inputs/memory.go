package inputs

import (
	"context"
	"fmt"
	"sync"

	"github.com/kingrea/lattice-compliance/internal/domain"
)

// Input kinds, used to script MemorySource failures.
const (
	KindContracts  = "contracts"
	KindImages     = "images"
	KindPlanograms = "planograms"
)

// MemorySource serves inputs held in memory. Failures queued with FailNext
// are returned, one per call, before the data is served.
type MemorySource struct {
	mu       sync.Mutex
	data     map[string]domain.Inputs
	failures map[string][]error
	calls    map[string]int
}

// NewMemorySource returns a source serving data keyed by location ID.
func NewMemorySource(data map[string]domain.Inputs) *MemorySource {
	copied := make(map[string]domain.Inputs, len(data))
	for loc, in := range data {
		copied[loc] = in
	}
	return &MemorySource{data: copied, failures: map[string][]error{}, calls: map[string]int{}}
}

// Set replaces the inputs for location.
func (m *MemorySource) Set(locationID string, in domain.Inputs) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[locationID] = in
}

// FailNext queues errs for the next calls of kind.
func (m *MemorySource) FailNext(kind string, errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[kind] = append(m.failures[kind], errs...)
}

// Calls reports how many times kind was requested.
func (m *MemorySource) Calls(kind string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[kind]
}

func (m *MemorySource) lookup(ctx context.Context, kind, locationID string) (domain.Inputs, error) {
	if err := ctx.Err(); err != nil {
		return domain.Inputs{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls[kind]++
	if queued := m.failures[kind]; len(queued) > 0 {
		m.failures[kind] = queued[1:]
		return domain.Inputs{}, queued[0]
	}
	in, ok := m.data[locationID]
	if !ok {
		return domain.Inputs{}, fmt.Errorf("%w: location %s", ErrNotFound, locationID)
	}
	return in, nil
}

func (m *MemorySource) Contracts(ctx context.Context, locationID string) ([]domain.Contract, error) {
	in, err := m.lookup(ctx, KindContracts, locationID)
	if err != nil {
		return nil, err
	}
	return in.Contracts, nil
}

// Images ignores date; every stored image belongs to the location.
func (m *MemorySource) Images(ctx context.Context, locationID, _ string) ([]domain.Image, error) {
	in, err := m.lookup(ctx, KindImages, locationID)
	if err != nil {
		return nil, err
	}
	return in.Images, nil
}

func (m *MemorySource) Planograms(ctx context.Context, locationID string) ([]domain.Planogram, error) {
	in, err := m.lookup(ctx, KindPlanograms, locationID)
	if err != nil {
		return nil, err
	}
	return in.Planograms, nil
}
