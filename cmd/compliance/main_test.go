package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kingrea/lattice-compliance/internal/contextstore"
	"github.com/kingrea/lattice-compliance/internal/domain"
	"github.com/kingrea/lattice-compliance/internal/inputs"
	"github.com/kingrea/lattice-compliance/plugins"
)

type result struct {
	stdout string
	stderr string
	err    error
}

func execute(t *testing.T, stdin []byte, args ...string) result {
	t.Helper()
	root := newRootCmd()
	var stdout, stderr bytes.Buffer
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	root.SetIn(bytes.NewReader(stdin))
	root.SetArgs(args)
	err := root.Execute()
	return result{stdout: stdout.String(), stderr: stderr.String(), err: err}
}

func code(err error) int {
	if err == nil {
		return 0
	}
	var exit *exitError
	if errors.As(err, &exit) {
		return exit.code
	}
	return 1
}

func TestStatusExitMapsRunStatus(t *testing.T) {
	cases := map[domain.RunStatus]int{
		domain.RunCompleted:         0,
		domain.RunFailed:            1,
		domain.RunRunning:           2,
		domain.RunPending:           2,
		domain.RunAwaitingConsensus: 2,
	}
	for status, want := range cases {
		if got := code(statusExit(domain.WorkflowRun{ID: "r", Status: status})); got != want {
			t.Fatalf("status %s: expected exit %d, got %d", status, want, got)
		}
	}
}

func TestInitCreatesLayout(t *testing.T) {
	dir := t.TempDir()
	res := execute(t, nil, "--project", dir, "init")
	if res.err != nil {
		t.Fatalf("init: %v", res.err)
	}
	for _, path := range []string{"config.yaml", "reports", "state", "data", "runners", "logs/runs"} {
		if _, err := os.Stat(filepath.Join(dir, ".compliance", path)); err != nil {
			t.Fatalf("expected %s: %v", path, err)
		}
	}
}

func TestSeedRunStatusAndRuns(t *testing.T) {
	dir := t.TempDir()
	if res := execute(t, nil, "--project", dir, "seed", "store-1", "2024-03-01"); res.err != nil {
		t.Fatalf("seed: %v", res.err)
	}
	res := execute(t, nil, "--project", dir, "run", "store-1", "2024-03-01", "--json")
	if res.err != nil {
		t.Fatalf("run: %v\n%s", res.err, res.stderr)
	}
	var report domain.Report
	if err := json.Unmarshal([]byte(res.stdout), &report); err != nil {
		t.Fatalf("decode report: %v\n%s", err, res.stdout)
	}
	if report.RunID == "" || report.LocationID != "store-1" {
		t.Fatalf("unexpected report %+v", report)
	}
	if len(report.Subjects) == 0 {
		t.Fatalf("expected subject scores")
	}
	if _, err := os.Stat(filepath.Join(dir, ".compliance", "reports", report.RunID+".json")); err != nil {
		t.Fatalf("expected report file: %v", err)
	}

	status := execute(t, nil, "--project", dir, "status", report.RunID)
	if status.err != nil {
		t.Fatalf("status: %v", status.err)
	}
	if !strings.Contains(status.stdout, "Status: completed") {
		t.Fatalf("expected completed status, got %s", status.stdout)
	}

	runs := execute(t, nil, "--project", dir, "runs", "--location", "store-1")
	if runs.err != nil {
		t.Fatalf("runs: %v", runs.err)
	}
	if !strings.Contains(runs.stdout, report.RunID) {
		t.Fatalf("expected run listed, got %s", runs.stdout)
	}
}

func TestRunFailsWithExitOneOnMissingInputs(t *testing.T) {
	dir := t.TempDir()
	res := execute(t, nil, "--project", dir, "run", "store-missing", "2024-03-01")
	if got := code(res.err); got != 1 {
		t.Fatalf("expected exit 1, got %d (%v)", got, res.err)
	}
	if !strings.Contains(res.err.Error(), "run failed") {
		t.Fatalf("expected failure reason, got %v", res.err)
	}
}

func TestStatusUnknownRun(t *testing.T) {
	dir := t.TempDir()
	res := execute(t, nil, "--project", dir, "status", "nope")
	if res.err == nil || !strings.Contains(res.err.Error(), "not in the archive") {
		t.Fatalf("expected not found error, got %v", res.err)
	}
}

func TestSeedRejectsUnknownProfile(t *testing.T) {
	res := execute(t, nil, "--project", t.TempDir(), "seed", "store-1", "2024-03-01", "--profile", "shiny")
	if res.err == nil || !strings.Contains(res.err.Error(), "unknown profile") {
		t.Fatalf("expected profile error, got %v", res.err)
	}
}

func TestMonitorRequiresLocations(t *testing.T) {
	res := execute(t, nil, "--project", t.TempDir(), "monitor", "--once")
	if res.err == nil || !strings.Contains(res.err.Error(), "no locations configured") {
		t.Fatalf("expected missing locations error, got %v", res.err)
	}
}

func execRequest(t *testing.T, in domain.Inputs) []byte {
	t.Helper()
	view := contextstore.NewView(
		contextstore.Entry{Key: domain.KeyContracts, Value: in.Contracts},
		contextstore.Entry{Key: domain.KeyImages, Value: in.Images},
		contextstore.Entry{Key: domain.KeyPlanograms, Value: in.Planograms},
	)
	task := domain.Task{ID: "t1", Role: "shelf_audit", Subject: "shelf-compliance", Date: "2024-03-01", Location: "store-1"}
	payload, err := json.Marshal(plugins.NewExecRequest(task, view))
	if err != nil {
		t.Fatalf("encode request: %v", err)
	}
	return payload
}

func TestExecRunnerProducesFinding(t *testing.T) {
	in, err := inputs.Generate("store-1", "2024-03-01", inputs.GenerateOptions{Profile: inputs.ProfileCompliant, Seed: 1})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	res := execute(t, execRequest(t, in), "exec-runner", "--role", domain.RoleVisualInspection)
	if res.err != nil {
		t.Fatalf("exec-runner: %v", res.err)
	}
	var finding domain.Finding
	if err := json.Unmarshal([]byte(res.stdout), &finding); err != nil {
		t.Fatalf("decode finding: %v\n%s", err, res.stdout)
	}
	if finding.Producer != "shelf_audit" {
		t.Fatalf("expected producer shelf_audit, got %s", finding.Producer)
	}
	if finding.Subject != "shelf-compliance" {
		t.Fatalf("expected subject shelf-compliance, got %s", finding.Subject)
	}
	if err := finding.Validate(); err != nil {
		t.Fatalf("expected valid finding: %v", err)
	}
}

func TestExecRunnerExitsPermanentWithoutImages(t *testing.T) {
	res := execute(t, execRequest(t, domain.Inputs{}), "exec-runner", "--role", domain.RoleVisualInspection)
	if got := code(res.err); got != plugins.ExitPermanent {
		t.Fatalf("expected exit %d, got %d (%v)", plugins.ExitPermanent, got, res.err)
	}
	res = execute(t, []byte("{"), "exec-runner", "--role", domain.RoleVisualInspection)
	if got := code(res.err); got != plugins.ExitPermanent {
		t.Fatalf("expected exit %d for bad request, got %d", plugins.ExitPermanent, got)
	}
	res = execute(t, nil, "exec-runner")
	if res.err == nil || !strings.Contains(res.err.Error(), "--role") {
		t.Fatalf("expected role error, got %v", res.err)
	}
}
