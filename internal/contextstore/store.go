// Package contextstore holds the versioned key/value knowledge shared by the
// participants of a compliance run.
package contextstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

var (
	// ErrNotFound is returned when a key has never been written.
	ErrNotFound = errors.New("contextstore: key not found")
	// ErrVersionConflict is returned when a conditional put names a stale version.
	ErrVersionConflict = errors.New("contextstore: version conflict")
)

// ConflictError details a rejected conditional put.
type ConflictError struct {
	Key      string
	Expected uint64
	Current  uint64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("contextstore: %s expected version %d, current %d", e.Key, e.Expected, e.Current)
}

// Is lets errors.Is match ErrVersionConflict.
func (e *ConflictError) Is(target error) bool {
	return target == ErrVersionConflict
}

// Entry is one committed version of a key.
type Entry struct {
	Key       string    `json:"key"`
	Value     any       `json:"value"`
	Version   uint64    `json:"version"`
	Writer    string    `json:"writer"`
	Timestamp time.Time `json:"timestamp"`
}

// Reader is the read side shared by the live store and snapshots.
type Reader interface {
	Get(key string) (Entry, error)
	GetAll(prefix string) []Entry
}

// Option customizes Store construction.
type Option func(*Store)

// WithClock injects a deterministic clock.
func WithClock(clock func() time.Time) Option {
	return func(s *Store) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithRetryInterval sets the pause between optimistic Update attempts.
func WithRetryInterval(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.retryInterval = d
		}
	}
}

// WithCopier installs fn to deep-copy values as they enter the store and
// as they leave it through Get, GetAll and Snapshot. Without a copier values
// are shared and callers must treat them as immutable.
func WithCopier(fn func(any) any) Option {
	return func(s *Store) {
		s.copier = fn
	}
}

// Store is a concurrency-safe versioned map. Writes to one key are serialized
// and each write receives a strictly greater version than the last.
type Store struct {
	mu            sync.RWMutex
	entries       map[string]Entry
	clock         func() time.Time
	retryInterval time.Duration
	copier        func(any) any
}

// New returns an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		entries:       map[string]Entry{},
		clock:         func() time.Time { return time.Now().UTC() },
		retryInterval: 5 * time.Millisecond,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Put writes value unconditionally. Concurrent writers are ordered by arrival
// and the last one wins.
func (s *Store) Put(key string, value any, writer string) (uint64, error) {
	key, err := validKey(key)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commit(key, value, writer), nil
}

// PutIfVersion writes value only when the key's current version equals prior.
// A prior of zero requires the key to be absent.
func (s *Store) PutIfVersion(key string, value any, writer string, prior uint64) (uint64, error) {
	key, err := validKey(key)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current := s.entries[key].Version
	if current != prior {
		return 0, &ConflictError{Key: key, Expected: prior, Current: current}
	}
	return s.commit(key, value, writer), nil
}

// Update applies fn to the current value and commits the result with an
// optimistic version check, retrying on conflict until ctx is done.
func (s *Store) Update(ctx context.Context, key, writer string, fn func(current Entry, exists bool) (any, error)) (uint64, error) {
	if fn == nil {
		return 0, fmt.Errorf("contextstore: update function is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		current, err := s.Get(key)
		exists := err == nil
		if err != nil && !errors.Is(err, ErrNotFound) {
			return 0, err
		}
		next, err := fn(current, exists)
		if err != nil {
			return 0, err
		}
		version, err := s.PutIfVersion(key, next, writer, current.Version)
		if err == nil {
			return version, nil
		}
		if !errors.Is(err, ErrVersionConflict) {
			return 0, err
		}
		select {
		case <-ctx.Done():
			return 0, fmt.Errorf("contextstore: update %s: %w", key, ctx.Err())
		case <-time.After(s.retryInterval):
		}
	}
}

// Get returns the latest committed entry for key.
func (s *Store) Get(key string) (Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[strings.TrimSpace(key)]
	if !ok {
		return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return s.copyEntry(entry), nil
}

// GetAll returns every entry whose key starts with prefix, ordered by key.
func (s *Store) GetAll(prefix string) []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := collect(s.entries, prefix)
	for i := range out {
		out[i] = s.copyEntry(out[i])
	}
	return out
}

// Len reports how many keys are stored.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Snapshot copies every committed entry into a read-only view.
func (s *Store) Snapshot() View {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := make(map[string]Entry, len(s.entries))
	for key, entry := range s.entries {
		entries[key] = s.copyEntry(entry)
	}
	return View{entries: entries, takenAt: s.clock()}
}

func (s *Store) copyEntry(entry Entry) Entry {
	if s.copier != nil {
		entry.Value = s.copier(entry.Value)
	}
	return entry
}

func (s *Store) commit(key string, value any, writer string) uint64 {
	next := s.entries[key].Version + 1
	if s.copier != nil {
		value = s.copier(value)
	}
	s.entries[key] = Entry{
		Key:       key,
		Value:     value,
		Version:   next,
		Writer:    strings.TrimSpace(writer),
		Timestamp: s.clock(),
	}
	return next
}

func validKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", fmt.Errorf("contextstore: key is required")
	}
	return key, nil
}

func collect(entries map[string]Entry, prefix string) []Entry {
	out := make([]Entry, 0)
	for key, entry := range entries {
		if strings.HasPrefix(key, prefix) {
			out = append(out, entry)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
