package orchestrator

import (
	"fmt"
	"math"
	"sort"

	"github.com/kingrea/lattice-compliance/internal/domain"
)

// Aggregate is the deterministic scoring of a set of effective findings.
type Aggregate struct {
	Subjects   []domain.SubjectScore
	Score      float64
	Verdict    domain.Verdict
	Confidence float64
}

// AggregateFindings scores findings per subject and overall. A subject score
// is the confidence-weighted mean verdict value of its scored findings. The
// overall score is 100 times the weight-weighted mean of subject scores.
// Confidence averages every finding, synthetic ones included, by subject
// weight. Results depend only on the inputs, never on their order.
func AggregateFindings(findings []domain.Finding, settings Settings) Aggregate {
	bySubject := map[string][]domain.Finding{}
	for _, f := range findings {
		bySubject[f.Subject] = append(bySubject[f.Subject], f)
	}
	subjects := make([]string, 0, len(bySubject))
	for subject := range bySubject {
		subjects = append(subjects, subject)
	}
	sort.Strings(subjects)

	var out Aggregate
	var weightedScore, scoredWeight, weightedConf, confWeight float64
	for _, subject := range subjects {
		group := bySubject[subject]
		sort.Slice(group, func(i, j int) bool { return group[i].Producer < group[j].Producer })
		weight := settings.Weight(subject)
		score := domain.SubjectScore{Subject: subject, Weight: weight}
		var valueSum, confSum, plainSum, allConf float64
		scored := 0
		for _, f := range group {
			allConf += f.Confidence
			weightedConf += weight * f.Confidence
			confWeight += weight
			if f.Disputed {
				score.Disputed = true
			}
			v, ok := f.Verdict.Value()
			if !ok {
				continue
			}
			scored++
			valueSum += v * f.Confidence
			confSum += f.Confidence
			plainSum += v
		}
		score.Confidence = round(allConf/float64(len(group)), 4)
		if scored > 0 {
			score.Scored = true
			if confSum > 0 {
				score.Score = round(valueSum/confSum, 4)
			} else {
				score.Score = round(plainSum/float64(scored), 4)
			}
			if weight > 0 {
				weightedScore += weight * score.Score
				scoredWeight += weight
			}
		}
		out.Subjects = append(out.Subjects, score)
	}
	if confWeight > 0 {
		out.Confidence = round(weightedConf/confWeight, 4)
	}
	if scoredWeight == 0 {
		out.Verdict = domain.VerdictUnknown
		return out
	}
	out.Score = round(100*weightedScore/scoredWeight, 2)
	switch {
	case out.Score >= settings.ComplianceThreshold:
		out.Verdict = domain.VerdictCompliant
	case out.Score >= settings.PartialThreshold:
		out.Verdict = domain.VerdictPartial
	default:
		out.Verdict = domain.VerdictNonCompliant
	}
	return out
}

// Violations lists every non-compliant effective finding.
func Violations(findings []domain.Finding) []domain.Violation {
	var out []domain.Violation
	for _, f := range findings {
		if f.Verdict != domain.VerdictNonCompliant {
			continue
		}
		out = append(out, domain.Violation{
			Subject:  f.Subject,
			Producer: f.Producer,
			Severity: domain.SeverityFor(f.Confidence),
			Evidence: f.Evidence,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Subject != out[j].Subject {
			return out[i].Subject < out[j].Subject
		}
		return out[i].Producer < out[j].Producer
	})
	return out
}

// Recommendations turns violations, disputes and producer failures into
// follow-up actions.
func Recommendations(violations []domain.Violation, disputed []domain.ConflictRecord, failures []string) []string {
	var out []string
	for _, v := range violations {
		out = append(out, fmt.Sprintf("[%s] restore %s to contracted levels (reported by %s)", v.Severity, v.Subject, v.Producer))
	}
	for _, c := range disputed {
		out = append(out, fmt.Sprintf("review %s manually: %s could not agree after %d rounds", c.Subject, joinProducers(c), c.Rounds))
	}
	for _, role := range failures {
		out = append(out, fmt.Sprintf("re-run %s once the producer is available", role))
	}
	return out
}

func joinProducers(c domain.ConflictRecord) string {
	producers := c.Producers()
	switch len(producers) {
	case 0:
		return "producers"
	case 1:
		return producers[0]
	}
	text := producers[0]
	for _, p := range producers[1 : len(producers)-1] {
		text += ", " + p
	}
	return text + " and " + producers[len(producers)-1]
}

func round(v float64, places int) float64 {
	scale := math.Pow(10, float64(places))
	return math.Round(v*scale) / scale
}
