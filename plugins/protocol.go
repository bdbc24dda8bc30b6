package plugins

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kingrea/lattice-compliance/internal/contextstore"
	"github.com/kingrea/lattice-compliance/internal/domain"
)

// ExecRequest is written to an external runner's stdin.
type ExecRequest struct {
	Task    domain.Task          `json:"task"`
	Entries []contextstore.Entry `json:"entries"`
}

// NewExecRequest captures task and every entry visible in view.
func NewExecRequest(task domain.Task, view contextstore.View) ExecRequest {
	return ExecRequest{Task: task, Entries: view.GetAll("")}
}

// wireEntry delays value decoding until the key tells us the type.
type wireEntry struct {
	contextstore.Entry
	Value json.RawMessage `json:"value"`
}

type wireRequest struct {
	Task    domain.Task `json:"task"`
	Entries []wireEntry `json:"entries"`
}

// DecodeExecRequest parses an ExecRequest and rebuilds typed context values
// so in-process runners can read the view exactly as the orchestrator wrote it.
func DecodeExecRequest(data []byte) (domain.Task, contextstore.View, error) {
	var wire wireRequest
	if err := json.Unmarshal(data, &wire); err != nil {
		return domain.Task{}, contextstore.View{}, fmt.Errorf("plugin: decode exec request: %w", err)
	}
	entries := make([]contextstore.Entry, 0, len(wire.Entries))
	for _, raw := range wire.Entries {
		entry := raw.Entry
		value, err := decodeValue(entry.Key, raw.Value)
		if err != nil {
			return domain.Task{}, contextstore.View{}, fmt.Errorf("plugin: entry %s: %w", entry.Key, err)
		}
		entry.Value = value
		entries = append(entries, entry)
	}
	return wire.Task, contextstore.NewView(entries...), nil
}

func decodeValue(key string, raw json.RawMessage) (any, error) {
	switch {
	case key == domain.KeyContracts:
		var out []domain.Contract
		err := json.Unmarshal(raw, &out)
		return out, err
	case key == domain.KeyImages:
		var out []domain.Image
		err := json.Unmarshal(raw, &out)
		return out, err
	case key == domain.KeyPlanograms:
		var out []domain.Planogram
		err := json.Unmarshal(raw, &out)
		return out, err
	case strings.HasPrefix(key, domain.FindingsPrefix):
		var out domain.Finding
		err := json.Unmarshal(raw, &out)
		return out, err
	case strings.HasPrefix(key, domain.RequirementsPrefix):
		var out float64
		err := json.Unmarshal(raw, &out)
		return out, err
	case strings.HasPrefix(key, domain.FlagsPrefix):
		var out bool
		err := json.Unmarshal(raw, &out)
		return out, err
	}
	var out any
	err := json.Unmarshal(raw, &out)
	return out, err
}
