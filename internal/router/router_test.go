package router

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/kingrea/lattice-compliance/internal/contextstore"
	"github.com/kingrea/lattice-compliance/internal/domain"
)

var allRoles = []string{domain.RoleContractAnalysis, domain.RoleVisualInspection, domain.RolePlanogramMatching}

// fakeVisitor stores a canned finding per role when visited.
type fakeVisitor struct {
	store    *contextstore.Store
	findings map[string]domain.Finding
	visited  []string
	flags    []string
	failOn   string
}

func newFakeVisitor(findings map[string]domain.Finding) *fakeVisitor {
	return &fakeVisitor{store: contextstore.New(), findings: findings}
}

func (v *fakeVisitor) Flag(_ context.Context, name string) error {
	v.flags = append(v.flags, name)
	_, err := v.store.Put(domain.FlagKey(name), true, "router")
	return err
}

func (v *fakeVisitor) Visit(_ context.Context, role string) error {
	if role == v.failOn {
		return errors.New("visit failed")
	}
	v.visited = append(v.visited, role)
	finding, ok := v.findings[role]
	if !ok {
		return nil
	}
	_, err := v.store.Put(finding.Key(), finding, "orchestrator")
	return err
}

func (v *fakeVisitor) Snapshot() contextstore.View {
	return v.store.Snapshot()
}

func finding(role string, verdict domain.Verdict, confidence float64) domain.Finding {
	return domain.Finding{Producer: role, Subject: "shelf-compliance", Verdict: verdict, Confidence: confidence}
}

func defaultRouter(t *testing.T) *Router {
	t.Helper()
	policy, err := NewRulesPolicy(DefaultRules())
	if err != nil {
		t.Fatalf("rules policy: %v", err)
	}
	r, err := New(policy, allRoles, WithMaxSteps(policy.MaxSteps()))
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	return r
}

func TestWalkVisitsEveryRoleWhenContractIsConfident(t *testing.T) {
	visitor := newFakeVisitor(map[string]domain.Finding{
		domain.RoleContractAnalysis: finding(domain.RoleContractAnalysis, domain.VerdictCompliant, 0.9),
	})
	path, err := defaultRouter(t).Walk(context.Background(), visitor)
	if err != nil {
		t.Fatalf("walk: %v", err)
	}
	if strings.Join(path.Nodes, ",") != strings.Join(allRoles, ",") {
		t.Fatalf("unexpected path: %v", path.Nodes)
	}
	if path.Terminal != TerminalScore || len(path.Flags) != 0 {
		t.Fatalf("unexpected terminal or flags: %+v", path)
	}
}

func TestWalkSkipsToScoringOnWeakContract(t *testing.T) {
	visitor := newFakeVisitor(map[string]domain.Finding{
		domain.RoleContractAnalysis: finding(domain.RoleContractAnalysis, domain.VerdictCompliant, 0.3),
	})
	path, err := defaultRouter(t).Walk(context.Background(), visitor)
	if err != nil {
		t.Fatalf("walk: %v", err)
	}
	if len(path.Nodes) != 1 || path.Nodes[0] != domain.RoleContractAnalysis {
		t.Fatalf("expected only contract analysis, got %v", path.Nodes)
	}
	if len(visitor.flags) != 1 || visitor.flags[0] != domain.FlagElevatedUncertainty {
		t.Fatalf("expected elevated uncertainty flag, got %v", visitor.flags)
	}
	if _, err := visitor.store.Get(domain.FlagKey(domain.FlagElevatedUncertainty)); err != nil {
		t.Fatalf("expected flag stored: %v", err)
	}
}

func TestWalkFailsOnUnknownNode(t *testing.T) {
	rules := DefaultRules()
	rules.Rules[0].To = "price_audit"
	policy, err := NewRulesPolicy(rules)
	if err != nil {
		t.Fatalf("rules policy: %v", err)
	}
	r, err := New(policy, allRoles)
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	visitor := newFakeVisitor(nil)
	_, err = r.Walk(context.Background(), visitor)
	if !errors.Is(err, ErrUnknownNode) {
		t.Fatalf("expected unknown node error, got %v", err)
	}
	if !IsConfigError(err) {
		t.Fatalf("expected unknown node to classify as configuration error")
	}
	if len(visitor.visited) != 0 {
		t.Fatalf("no runner should execute, got %v", visitor.visited)
	}
}

func TestWalkStopsAtStepLimit(t *testing.T) {
	loop := PolicyFunc(func(current string, _ contextstore.Reader) (Decision, error) {
		return Decision{Next: domain.RoleVisualInspection}, nil
	})
	r, err := New(loop, allRoles, WithMaxSteps(4))
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	visitor := newFakeVisitor(nil)
	_, err = r.Walk(context.Background(), visitor)
	if !errors.Is(err, ErrStepLimit) {
		t.Fatalf("expected step limit error, got %v", err)
	}
	if len(visitor.visited) != 4 {
		t.Fatalf("expected 4 visits before the limit, got %d", len(visitor.visited))
	}
}

func TestWalkPropagatesVisitorError(t *testing.T) {
	visitor := newFakeVisitor(nil)
	visitor.failOn = domain.RoleContractAnalysis
	_, err := defaultRouter(t).Walk(context.Background(), visitor)
	if err == nil || IsConfigError(err) {
		t.Fatalf("expected visitor error to pass through, got %v", err)
	}
}

func TestWalkHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := defaultRouter(t).Walk(ctx, newFakeVisitor(nil))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
}

func TestNewRejectsReservedRoleNames(t *testing.T) {
	policy, _ := NewRulesPolicy(DefaultRules())
	if _, err := New(policy, []string{TerminalScore}); err == nil {
		t.Fatalf("expected reserved node name to be rejected")
	}
	if _, err := New(nil, allRoles); err == nil {
		t.Fatalf("expected nil policy to be rejected")
	}
}

func TestNextIsPure(t *testing.T) {
	r := defaultRouter(t)
	view := contextstore.NewView(contextstore.Entry{
		Key:   domain.FindingKey(domain.RoleContractAnalysis, "shelf-compliance"),
		Value: finding(domain.RoleContractAnalysis, domain.VerdictCompliant, 0.3),
	})
	first, err := r.Next(domain.RoleContractAnalysis, view)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	for i := 0; i < 5; i++ {
		again, err := r.Next(domain.RoleContractAnalysis, view)
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		if again.Next != first.Next {
			t.Fatalf("expected stable decision, got %s then %s", first.Next, again.Next)
		}
	}
}
