package orchestrator

import (
	"reflect"
	"testing"
	"time"

	"github.com/kingrea/lattice-compliance/internal/domain"
)

func TestAggregateWeightsByConfidenceAndSubject(t *testing.T) {
	settings := DefaultSettings()
	settings.SubjectWeights = map[string]float64{"aisle-1": 3, "aisle-2": 1}
	findings := []domain.Finding{
		{Producer: "a", Subject: "aisle-1", Verdict: domain.VerdictCompliant, Confidence: 0.9},
		{Producer: "b", Subject: "aisle-1", Verdict: domain.VerdictPartial, Confidence: 0.3},
		{Producer: "a", Subject: "aisle-2", Verdict: domain.VerdictNonCompliant, Confidence: 0.8},
	}
	agg := AggregateFindings(findings, settings)
	if len(agg.Subjects) != 2 {
		t.Fatalf("expected 2 subjects, got %d", len(agg.Subjects))
	}
	// aisle-1: (1*0.9 + 0.5*0.3) / 1.2 = 0.875
	if agg.Subjects[0].Score != 0.875 {
		t.Fatalf("expected aisle-1 score 0.875, got %v", agg.Subjects[0].Score)
	}
	// overall: 100 * (3*0.875 + 1*0) / 4 = 65.63
	if agg.Score != 65.63 {
		t.Fatalf("expected overall 65.63, got %v", agg.Score)
	}
	if agg.Verdict != domain.VerdictPartial {
		t.Fatalf("expected partial, got %s", agg.Verdict)
	}
}

func TestAggregateIsOrderIndependent(t *testing.T) {
	findings := []domain.Finding{
		{Producer: "a", Subject: "s", Verdict: domain.VerdictCompliant, Confidence: 0.7},
		{Producer: "b", Subject: "s", Verdict: domain.VerdictNonCompliant, Confidence: 0.2},
		domain.UnavailableFinding("c", "s", "down", time.Time{}),
	}
	reversed := []domain.Finding{findings[2], findings[1], findings[0]}
	first := AggregateFindings(findings, DefaultSettings())
	second := AggregateFindings(reversed, DefaultSettings())
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("expected order independence\n%+v\n%+v", first, second)
	}
}

func TestAggregateWithoutScoredFindingsIsUnknown(t *testing.T) {
	findings := []domain.Finding{domain.UnavailableFinding("a", "s", "down", time.Time{})}
	agg := AggregateFindings(findings, DefaultSettings())
	if agg.Verdict != domain.VerdictUnknown || agg.Score != 0 {
		t.Fatalf("expected unknown verdict, got %+v", agg)
	}
	if agg.Confidence != domain.UnavailableConfidence {
		t.Fatalf("expected synthetic confidence to count, got %v", agg.Confidence)
	}
}

func TestRecommendationsCoverEveryCause(t *testing.T) {
	violations := []domain.Violation{{Subject: "s", Producer: "visual_inspection", Severity: domain.SeverityHigh}}
	disputed := []domain.ConflictRecord{{Subject: "s", Rounds: 3, Findings: []domain.Finding{{Producer: "a"}, {Producer: "b"}}}}
	recs := Recommendations(violations, disputed, []string{"planogram_matching"})
	if len(recs) != 3 {
		t.Fatalf("expected 3 recommendations, got %v", recs)
	}
	if recs[1] != "review s manually: a and b could not agree after 3 rounds" {
		t.Fatalf("unexpected dispute recommendation %q", recs[1])
	}
}
