package plugins

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/kingrea/lattice-compliance/internal/contextstore"
	"github.com/kingrea/lattice-compliance/internal/domain"
	"github.com/kingrea/lattice-compliance/internal/router"
)

const routeScript = `package main

import "errors"

func Next(current string, snapshot map[string]any) (string, []string, error) {
	switch current {
	case "start":
		return "visual_inspection", nil, nil
	case "visual_inspection":
		f, ok := snapshot["findings/visual_inspection/shelf-compliance"].(map[string]any)
		if !ok {
			return "", nil, errors.New("visual finding missing")
		}
		if f["confidence"].(float64) < 0.5 {
			return "score", []string{"elevated_uncertainty"}, nil
		}
		return "planogram_matching", nil, nil
	}
	return "done", nil, nil
}
`

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "policy.go")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func TestScriptPolicyRoutesOnSnapshot(t *testing.T) {
	policy, err := LoadRoutePolicy(writeScript(t, routeScript))
	if err != nil {
		t.Fatalf("load policy: %v", err)
	}
	decision, err := policy.Next(router.NodeStart, contextstore.NewView())
	if err != nil {
		t.Fatalf("next from start: %v", err)
	}
	if decision.Next != domain.RoleVisualInspection {
		t.Fatalf("expected visual inspection, got %s", decision.Next)
	}
	weak := contextstore.NewView(contextstore.Entry{
		Key: domain.FindingKey(domain.RoleVisualInspection, "shelf-compliance"),
		Value: domain.Finding{
			Producer:   domain.RoleVisualInspection,
			Subject:    "shelf-compliance",
			Verdict:    domain.VerdictPartial,
			Confidence: 0.4,
		},
	})
	decision, err = policy.Next(domain.RoleVisualInspection, weak)
	if err != nil {
		t.Fatalf("next from visual: %v", err)
	}
	if decision.Next != router.TerminalScore || len(decision.Flags) != 1 || decision.Flags[0] != domain.FlagElevatedUncertainty {
		t.Fatalf("unexpected decision: %+v", decision)
	}
	if _, err := policy.Next(domain.RoleVisualInspection, contextstore.NewView()); err == nil {
		t.Fatalf("expected script error to propagate")
	}
}

func TestScriptPolicyDrivesRouter(t *testing.T) {
	policy, err := LoadRoutePolicy(writeScript(t, `package main

func Next(current string, snapshot map[string]any) (string, error) {
	if current == "start" {
		return "price_audit", nil
	}
	return "score", nil
}
`))
	if err != nil {
		t.Fatalf("load policy: %v", err)
	}
	r, err := router.New(policy, []string{domain.RoleContractAnalysis})
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	_, err = r.Walk(context.Background(), nopVisitor{})
	if !errors.Is(err, router.ErrUnknownNode) {
		t.Fatalf("expected unknown node from script, got %v", err)
	}
}

func TestLoadRoutePolicyRequiresNext(t *testing.T) {
	if _, err := LoadRoutePolicy(writeScript(t, "package main\n\nfunc Other() {}\n")); err == nil {
		t.Fatalf("expected missing Next error")
	}
}

type nopVisitor struct{}

func (nopVisitor) Flag(context.Context, string) error  { return nil }
func (nopVisitor) Visit(context.Context, string) error { return nil }
func (nopVisitor) Snapshot() contextstore.View          { return contextstore.NewView() }
