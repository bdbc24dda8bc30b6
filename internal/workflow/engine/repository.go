package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// ErrStateNotFound is returned when no persisted engine state exists yet.
var ErrStateNotFound = errors.New("workflow engine: state not found")

// StateStore persists engine state snapshots keyed by run id.
type StateStore interface {
	Load(runID string) (State, error)
	Save(State) error
}

// Repository stores engine state as one JSON file per run.
type Repository struct {
	dir string
}

// NewRepository creates a repository rooted at dir (typically .compliance/state).
func NewRepository(dir string) *Repository {
	return &Repository{dir: dir}
}

// Load reads the persisted state if present.
func (r *Repository) Load(runID string) (State, error) {
	path, err := r.path(runID)
	if err != nil {
		return State{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return State{}, ErrStateNotFound
		}
		return State{}, err
	}
	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return State{}, fmt.Errorf("workflow engine: decode %s: %w", path, err)
	}
	return state, nil
}

// Save writes the engine state to disk, replacing it via rename so readers
// never observe a partial file.
func (r *Repository) Save(state State) error {
	path, err := r.path(state.RunID)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	encoded, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(encoded, '\n'), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (r *Repository) path(runID string) (string, error) {
	runID = strings.TrimSpace(runID)
	if runID == "" || strings.ContainsAny(runID, `/\`) {
		return "", fmt.Errorf("workflow engine: invalid run id %q", runID)
	}
	return filepath.Join(r.dir, runID+".json"), nil
}

// MemoryStore keeps encoded snapshots in memory. Each Load decodes a fresh
// copy so callers never share slices with the store.
type MemoryStore struct {
	mu     sync.RWMutex
	states map[string][]byte
}

// NewMemoryStore returns an empty in-memory state store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: map[string][]byte{}}
}

// Load returns the snapshot for runID.
func (m *MemoryStore) Load(runID string) (State, error) {
	m.mu.RLock()
	data, ok := m.states[runID]
	m.mu.RUnlock()
	if !ok {
		return State{}, ErrStateNotFound
	}
	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return State{}, err
	}
	return state, nil
}

// Save stores the snapshot under its run id.
func (m *MemoryStore) Save(state State) error {
	if strings.TrimSpace(state.RunID) == "" {
		return fmt.Errorf("workflow engine: run id is required")
	}
	encoded, err := json.Marshal(state)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.states[state.RunID] = encoded
	m.mu.Unlock()
	return nil
}
