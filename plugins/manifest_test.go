package plugins

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleYAML = `role: price_audit
name: Price audit
version: 1.0.0
command: ["./bin/price-audit"]
env:
  AUDIT_MODE: strict
`

const shelfRunnersSource = `package main

func RunnerDefinitions() ([]map[string]any, error) {
	return []map[string]any{
		{
			"role":    "shelf_audit",
			"version": "0.3.0",
			"command": []string{"compliance", "exec-runner", "--role", "visual_inspection"},
			"timeout": "45s",
		},
		{
			"role":    "endcap_audit",
			"version": "0.1.0",
			"command": []string{"compliance", "exec-runner", "--role", "visual_inspection"},
			"env":     map[string]string{"ZONE": "endcap"},
		},
	}, nil
}
`

func writeRunnerFiles(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, body := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	return dir
}

func TestLoadDefinitionsOrdersYAMLBeforeGo(t *testing.T) {
	dir := writeRunnerFiles(t, map[string]string{
		"shelf.go":  shelfRunnersSource,
		"b.yaml":    "role: shelf_depth\nversion: 2.0.0\ncommand: [depth]\n",
		"a.yml":     sampleYAML,
		"notes.txt": "ignored",
	})
	loaded, err := LoadDefinitions(dir)
	if err != nil {
		t.Fatalf("load definitions: %v", err)
	}
	var roles []string
	for _, entry := range loaded {
		roles = append(roles, entry.Definition.Role)
	}
	want := "price_audit,shelf_depth,shelf_audit,endcap_audit"
	if got := strings.Join(roles, ","); got != want {
		t.Fatalf("expected roles %s, got %s", want, got)
	}
	if loaded[0].Definition.Env["AUDIT_MODE"] != "strict" {
		t.Fatalf("expected env to survive decoding, got %+v", loaded[0].Definition.Env)
	}
	if !strings.HasSuffix(loaded[3].Source, "shelf.go#2") {
		t.Fatalf("expected indexed Go source, got %s", loaded[3].Source)
	}
	if loaded[3].Definition.Env["ZONE"] != "endcap" {
		t.Fatalf("expected Go env map, got %+v", loaded[3].Definition.Env)
	}
	timeout, err := loaded[2].Definition.timeout()
	if err != nil || timeout != 45*time.Second {
		t.Fatalf("expected 45s timeout, got %s (%v)", timeout, err)
	}
}

func TestLoadDefinitionsMissingDirIsEmpty(t *testing.T) {
	loaded, err := LoadDefinitions(filepath.Join(t.TempDir(), "absent"))
	if err != nil || len(loaded) != 0 {
		t.Fatalf("expected no definitions and no error, got %d %v", len(loaded), err)
	}
	if loaded, err := LoadDefinitions("  "); err != nil || loaded != nil {
		t.Fatalf("expected blank dir to hold nothing, got %v %v", loaded, err)
	}
}

func TestDecodeDefinitionRejectsBadPayloads(t *testing.T) {
	cases := map[string]string{
		"empty":         "   \n",
		"unknown field": "role: a\nversion: 1\ncommand: [x]\ntimout: 5s\n",
		"no command":    "role: a\nversion: 1\n",
		"bad timeout":   "role: a\nversion: 1\ncommand: [x]\ntimeout: soon\n",
		"no role":       "version: 1\ncommand: [x]\n",
	}
	for name, payload := range cases {
		if _, err := DecodeDefinition([]byte(payload)); err == nil {
			t.Fatalf("%s: expected decode error", name)
		}
	}
}

func TestLoadDefinitionsReportsBrokenGoSource(t *testing.T) {
	cases := map[string]string{
		"missing func": "package main\n",
		"wrong shape":  "package main\n\nfunc RunnerDefinitions() []string { return []string{\"x\"} }\n",
		"func error":   "package main\n\nimport \"errors\"\n\nfunc RunnerDefinitions() ([]map[string]any, error) { return nil, errors.New(\"no runners today\") }\n",
		"invalid def":  "package main\n\nfunc RunnerDefinitions() []map[string]any { return []map[string]any{{\"role\": \"x\"}} }\n",
	}
	for name, src := range cases {
		dir := writeRunnerFiles(t, map[string]string{"runner.go": src})
		if _, err := LoadDefinitions(dir); err == nil {
			t.Fatalf("%s: expected load error", name)
		}
	}
	dir := writeRunnerFiles(t, map[string]string{"runner.go": cases["func error"]})
	if _, err := LoadDefinitions(dir); err == nil || !strings.Contains(err.Error(), "no runners today") {
		t.Fatalf("expected function error to surface, got %v", err)
	}
}
