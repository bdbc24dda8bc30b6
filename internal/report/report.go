// Package report persists compliance reports as JSON files and fans them
// out to several emitters.
package report

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/kingrea/lattice-compliance/internal/domain"
	"github.com/kingrea/lattice-compliance/internal/orchestrator"
)

// ErrNotFound is returned when no report exists for a run.
var ErrNotFound = errors.New("report: not found")

// FileEmitter writes each report to <dir>/<runID>.json.
type FileEmitter struct {
	dir string
}

// NewFileEmitter creates dir if needed.
func NewFileEmitter(dir string) (*FileEmitter, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("report: directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("report: ensure %s: %w", dir, err)
	}
	return &FileEmitter{dir: dir}, nil
}

// Dir returns the output directory.
func (e *FileEmitter) Dir() string {
	return e.dir
}

// Emit implements orchestrator.Emitter. The file is written to a temporary
// name first so readers never see a partial report.
func (e *FileEmitter) Emit(ctx context.Context, r domain.Report) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := e.path(r.RunID)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("report: encode %s: %w", r.RunID, err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("report: write %s: %w", r.RunID, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("report: commit %s: %w", r.RunID, err)
	}
	return nil
}

// Load reads the report for runID.
func (e *FileEmitter) Load(runID string) (domain.Report, error) {
	path, err := e.path(runID)
	if err != nil {
		return domain.Report{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return domain.Report{}, fmt.Errorf("%w: %s", ErrNotFound, runID)
		}
		return domain.Report{}, fmt.Errorf("report: read %s: %w", runID, err)
	}
	var r domain.Report
	if err := json.Unmarshal(data, &r); err != nil {
		return domain.Report{}, fmt.Errorf("report: decode %s: %w", runID, err)
	}
	return r, nil
}

// List returns the run IDs with a report on disk, sorted.
func (e *FileEmitter) List() ([]string, error) {
	entries, err := os.ReadDir(e.dir)
	if err != nil {
		return nil, fmt.Errorf("report: list %s: %w", e.dir, err)
	}
	var ids []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || filepath.Ext(name) != ".json" {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}
	sort.Strings(ids)
	return ids, nil
}

func (e *FileEmitter) path(runID string) (string, error) {
	runID = strings.TrimSpace(runID)
	if runID == "" || strings.ContainsAny(runID, `/\`) || runID == "." || runID == ".." {
		return "", fmt.Errorf("report: invalid run id %q", runID)
	}
	return filepath.Join(e.dir, runID+".json"), nil
}

// Multi fans a report out to every emitter. All emitters run even when one
// fails; the errors are joined.
type Multi []orchestrator.Emitter

// Emit implements orchestrator.Emitter.
func (m Multi) Emit(ctx context.Context, r domain.Report) error {
	var errs []error
	for _, e := range m {
		if err := e.Emit(ctx, r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RecordRun forwards the run record to emitters that keep run history.
func (m Multi) RecordRun(ctx context.Context, run domain.WorkflowRun) error {
	var errs []error
	for _, e := range m {
		if rec, ok := e.(orchestrator.RunRecorder); ok {
			if err := rec.RecordRun(ctx, run); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
