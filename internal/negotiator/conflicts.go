package negotiator

import (
	"math"
	"sort"

	"github.com/kingrea/lattice-compliance/internal/domain"
)

// Detect groups findings by subject and returns one ConflictRecord per subject
// that disagrees beyond tolerance or carries a confidence below
// lowConfidence. Unknown and synthetic findings never participate. Records are
// ordered by subject.
func Detect(findings []domain.Finding, tolerance, lowConfidence float64) []domain.ConflictRecord {
	bySubject := map[string][]domain.Finding{}
	for _, f := range findings {
		if f.Synthetic || !f.Scored() {
			continue
		}
		bySubject[f.Subject] = append(bySubject[f.Subject], f.Clone())
	}
	subjects := make([]string, 0, len(bySubject))
	for subject := range bySubject {
		subjects = append(subjects, subject)
	}
	sort.Strings(subjects)
	var out []domain.ConflictRecord
	for _, subject := range subjects {
		group := bySubject[subject]
		sort.Slice(group, func(i, j int) bool { return group[i].Producer < group[j].Producer })
		var kind domain.ConflictKind
		switch {
		case len(group) > 1 && Spread(group) > tolerance:
			kind = domain.ConflictDisagreement
		case MinConfidence(group) < lowConfidence:
			kind = domain.ConflictLowConfidence
		default:
			continue
		}
		out = append(out, domain.ConflictRecord{
			ID:       "conflict-" + subject,
			Subject:  subject,
			Kind:     kind,
			Findings: group,
		})
	}
	return out
}

// Spread is the distance between the highest and lowest verdict values.
// Unknown verdicts are ignored.
func Spread(findings []domain.Finding) float64 {
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, f := range findings {
		v, ok := f.Verdict.Value()
		if !ok {
			continue
		}
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	if math.IsInf(lo, 1) {
		return 0
	}
	return hi - lo
}

// Converged reports whether every scored finding lies within tolerance. A
// set with no scored findings has not converged.
func Converged(findings []domain.Finding, tolerance float64) bool {
	scored := 0
	for _, f := range findings {
		if f.Scored() {
			scored++
		}
	}
	return scored > 0 && Spread(findings) <= tolerance
}

// MinConfidence returns the lowest confidence in findings, or 0 when empty.
func MinConfidence(findings []domain.Finding) float64 {
	if len(findings) == 0 {
		return 0
	}
	lo := findings[0].Confidence
	for _, f := range findings[1:] {
		lo = math.Min(lo, f.Confidence)
	}
	return lo
}
