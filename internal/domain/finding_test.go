package domain

import (
	"math"
	"testing"
)

func TestFindingNormalizedCanonicalizesVerdict(t *testing.T) {
	cases := map[Verdict]Verdict{
		"non-compliant": VerdictNonCompliant,
		"Compliant":     VerdictCompliant,
		"partial":       VerdictPartial,
		"":              VerdictUnknown,
	}
	for raw, want := range cases {
		f := Finding{Producer: RoleVisualInspection, Subject: "shelf", Verdict: raw, Confidence: 0.6}
		got, err := f.Normalized()
		if err != nil {
			t.Fatalf("%q: %v", raw, err)
		}
		if got.Verdict != want {
			t.Fatalf("%q: expected %s, got %s", raw, want, got.Verdict)
		}
	}
	dashed, _ := Finding{Producer: "p", Subject: "s", Verdict: "non-compliant", Confidence: 0.6}.Normalized()
	if v, ok := dashed.Verdict.Value(); !ok || v != 0 {
		t.Fatalf("expected dashed verdict to score 0, got %v %t", v, ok)
	}
}

func TestFindingNormalizedRejectsInvalid(t *testing.T) {
	bad := []Finding{
		{Producer: "p", Subject: "s", Verdict: VerdictCompliant, Confidence: 1.4},
		{Producer: "p", Subject: "s", Verdict: VerdictCompliant, Confidence: math.NaN()},
		{Producer: "p", Subject: "s", Verdict: "maybe", Confidence: 0.5},
		{Subject: "s", Verdict: VerdictCompliant, Confidence: 0.5},
	}
	for i, f := range bad {
		if _, err := f.Normalized(); err == nil {
			t.Fatalf("case %d: expected error for %+v", i, f)
		}
	}
}
