package contextstore

import (
	"fmt"
	"sort"
	"time"
)

// View is an immutable copy of the store taken at one instant. Runners
// receive a View and cannot write through it.
type View struct {
	entries map[string]Entry
	takenAt time.Time
}

// NewView builds a view from explicit entries. Later duplicates of a key win.
func NewView(entries ...Entry) View {
	m := make(map[string]Entry, len(entries))
	for _, entry := range entries {
		m[entry.Key] = entry
	}
	return View{entries: m, takenAt: time.Now().UTC()}
}

// Get returns the entry captured for key.
func (v View) Get(key string) (Entry, error) {
	entry, ok := v.entries[key]
	if !ok {
		return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return entry, nil
}

// GetAll returns captured entries under prefix, ordered by key.
func (v View) GetAll(prefix string) []Entry {
	return collect(v.entries, prefix)
}

// Keys lists captured keys in sorted order.
func (v View) Keys() []string {
	keys := make([]string, 0, len(v.entries))
	for key := range v.entries {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Len reports how many entries were captured.
func (v View) Len() int {
	return len(v.entries)
}

// TakenAt is when the snapshot was captured.
func (v View) TakenAt() time.Time {
	return v.takenAt
}

// Value fetches key and asserts its type.
func Value[T any](r Reader, key string) (T, bool) {
	var zero T
	entry, err := r.Get(key)
	if err != nil {
		return zero, false
	}
	typed, ok := entry.Value.(T)
	if !ok {
		return zero, false
	}
	return typed, true
}
