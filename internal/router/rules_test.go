package router

import (
	"errors"
	"testing"

	"github.com/kingrea/lattice-compliance/internal/contextstore"
	"github.com/kingrea/lattice-compliance/internal/domain"
)

func TestParseRulesYAML(t *testing.T) {
	const payload = `
max_steps: 6
default: done
rules:
  - from: start
    to: visual_inspection
  - from: visual_inspection
    when:
      key_prefix: findings/visual_inspection/
      field: verdict
      op: eq
      value: non-compliant
    to: planogram_matching
  - from: "*"
    to: score
`
	rs, err := ParseRulesYAML([]byte(payload))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if rs.MaxSteps != 6 || rs.Default != TerminalDone || len(rs.Rules) != 3 {
		t.Fatalf("unexpected rule set: %+v", rs)
	}
	if rs.Rules[1].When.Match != MatchAny {
		t.Fatalf("expected match to default to any, got %s", rs.Rules[1].When.Match)
	}
	policy, err := NewRulesPolicy(rs)
	if err != nil {
		t.Fatalf("policy: %v", err)
	}
	view := contextstore.NewView(contextstore.Entry{
		Key:   domain.FindingKey(domain.RoleVisualInspection, "shelf"),
		Value: finding(domain.RoleVisualInspection, domain.VerdictNonCompliant, 0.8),
	})
	decision, err := policy.Next(domain.RoleVisualInspection, view)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if decision.Next != domain.RolePlanogramMatching {
		t.Fatalf("expected planogram matching, got %s", decision.Next)
	}
	decision, _ = policy.Next(domain.RolePlanogramMatching, view)
	if decision.Next != TerminalScore {
		t.Fatalf("expected wildcard rule to route to score, got %s", decision.Next)
	}
}

func TestRulesRejectInvalidConditions(t *testing.T) {
	cases := map[string]string{
		"bad field": `
rules:
  - from: start
    to: score
    when: {key_prefix: findings/, field: colour, op: eq, value: red}
`,
		"non numeric confidence": `
rules:
  - from: start
    to: score
    when: {key_prefix: findings/, field: confidence, op: lt, value: low}
`,
		"ordering on verdict": `
rules:
  - from: start
    to: score
    when: {key_prefix: findings/, field: verdict, op: lt, value: compliant}
`,
		"missing target": `
rules:
  - from: start
`,
	}
	for name, payload := range cases {
		if _, err := ParseRulesYAML([]byte(payload)); !errors.Is(err, ErrInvalidRule) {
			t.Fatalf("%s: expected invalid rule error, got %v", name, err)
		}
	}
}

func TestConditionMatchAll(t *testing.T) {
	cond := &Condition{KeyPrefix: domain.FindingsPrefix, Field: FieldConfidence, Op: OpGTE, Value: 0.7, Match: MatchAll}
	view := contextstore.NewView(
		contextstore.Entry{Key: "findings/a/s", Value: finding("a", domain.VerdictCompliant, 0.9)},
		contextstore.Entry{Key: "findings/b/s", Value: finding("b", domain.VerdictCompliant, 0.6)},
	)
	if cond.holds(view) {
		t.Fatalf("expected all-match to fail when one finding is below threshold")
	}
	cond.Match = MatchAny
	if !cond.holds(view) {
		t.Fatalf("expected any-match to hold")
	}
	empty := contextstore.NewView()
	cond.Match = MatchAll
	if cond.holds(empty) {
		t.Fatalf("all-match over no findings must not hold")
	}
}
