package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kingrea/lattice-compliance/internal/domain"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	projectDir := t.TempDir()
	root := filepath.Join(projectDir, Dir)
	if err := os.MkdirAll(root, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "config.yaml"), []byte(strings.TrimSpace(body)), 0o644); err != nil {
		t.Fatal(err)
	}
	return projectDir
}

func TestNewConfigDefaultsWhenMissing(t *testing.T) {
	cfg, err := NewConfig(t.TempDir())
	if err != nil {
		t.Fatalf("NewConfig returned error: %v", err)
	}
	settings, err := cfg.Settings()
	if err != nil {
		t.Fatalf("settings: %v", err)
	}
	if settings.Mode != domain.ModeFixed || settings.MaxTaskRetries != 2 || settings.TaskTimeout != 30*time.Second {
		t.Fatalf("unexpected defaults: %+v", settings)
	}
	if settings.Negotiation.MaxRounds != 3 || settings.Negotiation.RoundTimeout != 5*time.Second || settings.Negotiation.AcceptanceThreshold != 0.8 {
		t.Fatalf("unexpected negotiation defaults: %+v", settings.Negotiation)
	}
	if cfg.Project.Server.Port != 8088 || cfg.Project.Log.Level != "info" {
		t.Fatalf("unexpected server/log defaults: %+v %+v", cfg.Project.Server, cfg.Project.Log)
	}
	def, err := cfg.Definition()
	if err != nil || len(def.Steps) != 3 {
		t.Fatalf("expected default workflow, got %+v (%v)", def, err)
	}
}

func TestNewConfigParsesYaml(t *testing.T) {
	projectDir := writeConfig(t, `
version: 1
orchestrator:
  mode: Conditional
  max_task_retries: 0
  task_timeout: 2s
  round_timeout: 750ms
  max_negotiation_rounds: 5
  subjects: [aisle-1, aisle-2]
  subject_weights:
    aisle-1: 2
locations: [store-1, " store-2 "]
monitor_interval: 15m
router:
  script: routes/policy.go
`)
	cfg, err := NewConfig(projectDir)
	if err != nil {
		t.Fatalf("NewConfig returned error: %v", err)
	}
	settings, err := cfg.Settings()
	if err != nil {
		t.Fatalf("settings: %v", err)
	}
	if settings.Mode != domain.ModeConditional {
		t.Fatalf("expected conditional mode, got %s", settings.Mode)
	}
	if settings.MaxTaskRetries != 0 {
		t.Fatalf("expected explicit zero retries, got %d", settings.MaxTaskRetries)
	}
	if settings.TaskTimeout != 2*time.Second || settings.Negotiation.RoundTimeout != 750*time.Millisecond || settings.Negotiation.MaxRounds != 5 {
		t.Fatalf("unexpected durations: %+v", settings)
	}
	if len(settings.Subjects) != 2 || settings.Weight("aisle-1") != 2 || settings.Weight("aisle-2") != 1 {
		t.Fatalf("unexpected subjects: %+v", settings)
	}
	if len(cfg.Project.Locations) != 2 || cfg.Project.Locations[1] != "store-2" {
		t.Fatalf("unexpected locations: %v", cfg.Project.Locations)
	}
	if cfg.Project.MonitorInterval != 15*time.Minute {
		t.Fatalf("unexpected monitor interval %s", cfg.Project.MonitorInterval)
	}
	if want := filepath.Join(projectDir, Dir, "routes", "policy.go"); cfg.RouteScript() != want {
		t.Fatalf("expected script %s, got %s", want, cfg.RouteScript())
	}
	rules, err := cfg.Rules()
	if err != nil || len(rules.Rules) == 0 {
		t.Fatalf("expected default rules when none configured, got %+v (%v)", rules, err)
	}
}

func TestNewConfigValidation(t *testing.T) {
	cases := map[string]string{
		"orchestrator.mode":        "orchestrator:\n  mode: sometimes\n",
		"max_task_retries":         "orchestrator:\n  max_task_retries: -1\n",
		"acceptance_threshold":     "orchestrator:\n  acceptance_threshold: 1.5\n",
		"server.port":              "server:\n  port: 70000\n",
		"log.level":                "log:\n  level: chatty\n",
		"router":                   "router:\n  rules:\n    - from: start\n",
		"subject_weights[aisle-1]": "orchestrator:\n  subject_weights:\n    aisle-1: -2\n",
	}
	for field, body := range cases {
		t.Run(field, func(t *testing.T) {
			_, err := NewConfig(writeConfig(t, body))
			if err == nil {
				t.Fatalf("expected validation error")
			}
			if !strings.Contains(err.Error(), field) {
				t.Fatalf("expected error to mention %s, got %v", field, err)
			}
		})
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("COMPLIANCE_MODE", "conditional")
	t.Setenv("COMPLIANCE_MAX_TASK_RETRIES", "4")
	t.Setenv("COMPLIANCE_TASK_TIMEOUT", "90s")
	t.Setenv("COMPLIANCE_SERVER_PORT", "9100")
	t.Setenv("COMPLIANCE_LOG_LEVEL", "DEBUG")
	cfg, err := NewConfig(t.TempDir())
	if err != nil {
		t.Fatalf("NewConfig returned error: %v", err)
	}
	settings, err := cfg.Settings()
	if err != nil {
		t.Fatalf("settings: %v", err)
	}
	if settings.Mode != domain.ModeConditional || settings.MaxTaskRetries != 4 || settings.TaskTimeout != 90*time.Second {
		t.Fatalf("env overrides not applied: %+v", settings)
	}
	if cfg.Project.Server.Port != 9100 || cfg.Project.Log.Level != "debug" {
		t.Fatalf("env overrides not applied: %+v %+v", cfg.Project.Server, cfg.Project.Log)
	}
}

func TestInitDirCreatesLayoutAndLoadableConfig(t *testing.T) {
	projectDir := t.TempDir()
	if err := InitDir(projectDir); err != nil {
		t.Fatalf("InitDir: %v", err)
	}
	for _, dir := range []string{"logs/runs", "reports", "state", "data", "routes", "runners"} {
		if info, err := os.Stat(filepath.Join(projectDir, Dir, dir)); err != nil || !info.IsDir() {
			t.Fatalf("expected directory %s: %v", dir, err)
		}
	}
	cfg, err := NewConfig(projectDir)
	if err != nil {
		t.Fatalf("generated config must load: %v", err)
	}
	if cfg.Project.Orchestrator.Mode != "fixed" {
		t.Fatalf("expected fixed mode from generated file, got %q", cfg.Project.Orchestrator.Mode)
	}
	if err := InitDir(projectDir); err != nil {
		t.Fatalf("InitDir must be idempotent: %v", err)
	}
}

func TestWorkflowFileOverridesInlineDefinition(t *testing.T) {
	projectDir := writeConfig(t, `
workflow_file: workflows/visual-only.yaml
`)
	dir := filepath.Join(projectDir, Dir, "workflows")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	const def = `
id: visual-only
steps:
  - runner: visual_inspection
`
	if err := os.WriteFile(filepath.Join(dir, "visual-only.yaml"), []byte(def), 0o644); err != nil {
		t.Fatalf("write workflow: %v", err)
	}
	cfg, err := NewConfig(projectDir)
	if err != nil {
		t.Fatalf("NewConfig: %v", err)
	}
	if !filepath.IsAbs(cfg.Project.WorkflowFile) {
		t.Fatalf("expected resolved workflow path, got %q", cfg.Project.WorkflowFile)
	}
	got, err := cfg.Definition()
	if err != nil {
		t.Fatalf("definition: %v", err)
	}
	if got.ID != "visual-only" || len(got.Steps) != 1 {
		t.Fatalf("expected file definition, got %+v", got)
	}
}
