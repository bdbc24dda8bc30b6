package domain

import "time"

// Severity grades a violation.
type Severity string

const (
	SeverityHigh   Severity = "high"
	SeverityMedium Severity = "medium"
	SeverityLow    Severity = "low"
)

// SeverityFor grades a non-compliant claim by how confident the producer is.
func SeverityFor(confidence float64) Severity {
	switch {
	case confidence >= 0.9:
		return SeverityHigh
	case confidence >= 0.7:
		return SeverityMedium
	}
	return SeverityLow
}

// Violation is a non-compliant effective finding surfaced on the report.
type Violation struct {
	Subject  string   `json:"subject"`
	Producer string   `json:"producer"`
	Severity Severity `json:"severity"`
	Evidence string   `json:"evidence,omitempty"`
}

// SubjectScore is the aggregated result for one subject.
type SubjectScore struct {
	Subject    string  `json:"subject"`
	Weight     float64 `json:"weight"`
	Score      float64 `json:"score"`
	Confidence float64 `json:"confidence"`
	Scored     bool    `json:"scored"`
	Disputed   bool    `json:"disputed,omitempty"`
}

// Report is emitted when a run completes.
type Report struct {
	RunID               string           `json:"run_id"`
	LocationID          string           `json:"location_id"`
	Date                string           `json:"date"`
	Mode                Mode             `json:"mode"`
	OverallVerdict      Verdict          `json:"overall_verdict"`
	VerdictAnnotation   string           `json:"verdict_annotation,omitempty"`
	OverallScore        float64          `json:"overall_score"`
	Confidence          float64          `json:"confidence"`
	Uncertainty         float64          `json:"uncertainty"`
	ElevatedUncertainty bool             `json:"elevated_uncertainty,omitempty"`
	Subjects            []SubjectScore   `json:"subjects"`
	Findings            []Finding        `json:"findings"`
	Disputed            []ConflictRecord `json:"disputed"`
	ProducerFailures    []string         `json:"producer_failures"`
	Violations          []Violation      `json:"violations,omitempty"`
	Recommendations     []string         `json:"recommendations,omitempty"`
	GeneratedAt         time.Time        `json:"generated_at"`
}

// AnnotationDisputed marks a verdict that rests on an unresolved conflict.
const AnnotationDisputed = "disputed"
