package domain

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Verdict is a producer's compliance claim for a subject.
type Verdict string

const (
	VerdictCompliant    Verdict = "compliant"
	VerdictNonCompliant Verdict = "non_compliant"
	VerdictPartial      Verdict = "partial_compliance"
	VerdictUnknown      Verdict = "unknown"
)

// ParseVerdict accepts the canonical values plus dashed spellings.
func ParseVerdict(raw string) (Verdict, error) {
	clean := strings.ToLower(strings.TrimSpace(raw))
	clean = strings.ReplaceAll(clean, "-", "_")
	switch Verdict(clean) {
	case VerdictCompliant, VerdictNonCompliant, VerdictPartial, VerdictUnknown:
		return Verdict(clean), nil
	case "partial":
		return VerdictPartial, nil
	case "":
		return VerdictUnknown, nil
	}
	return "", fmt.Errorf("domain: unknown verdict %q", raw)
}

// Value maps a verdict onto [0,1]. Unknown verdicts report ok=false.
func (v Verdict) Value() (float64, bool) {
	switch v {
	case VerdictCompliant:
		return 1, true
	case VerdictPartial:
		return 0.5, true
	case VerdictNonCompliant:
		return 0, true
	}
	return 0, false
}

// Finding is a producer's output claim on one subject.
type Finding struct {
	Producer   string             `json:"producer"`
	Subject    string             `json:"subject"`
	Verdict    Verdict            `json:"verdict"`
	Confidence float64            `json:"confidence"`
	Evidence   string             `json:"evidence,omitempty"`
	Metrics    map[string]float64 `json:"metrics,omitempty"`
	Timestamp  time.Time          `json:"timestamp"`
	// Revision counts negotiation rounds that replaced the initial claim.
	Revision  int  `json:"revision,omitempty"`
	Disputed  bool `json:"disputed,omitempty"`
	Synthetic bool `json:"synthetic,omitempty"`
}

// Clone returns a deep copy of the finding.
func (f Finding) Clone() Finding {
	clone := f
	if len(f.Metrics) > 0 {
		clone.Metrics = make(map[string]float64, len(f.Metrics))
		for key, value := range f.Metrics {
			clone.Metrics[key] = value
		}
	}
	return clone
}

// Validate ensures the finding is usable by reconciliation and aggregation.
func (f Finding) Validate() error {
	if strings.TrimSpace(f.Producer) == "" {
		return fmt.Errorf("finding: producer is required")
	}
	if strings.TrimSpace(f.Subject) == "" {
		return fmt.Errorf("finding: subject is required for %s", f.Producer)
	}
	if _, err := ParseVerdict(string(f.Verdict)); err != nil {
		return fmt.Errorf("finding: %s/%s: %w", f.Producer, f.Subject, err)
	}
	if math.IsNaN(f.Confidence) || f.Confidence < 0 || f.Confidence > 1 {
		return fmt.Errorf("finding: %s/%s confidence %v outside [0,1]", f.Producer, f.Subject, f.Confidence)
	}
	return nil
}

// Normalized validates f and rewrites its verdict into canonical form, so
// "non-compliant" and "Partial" score like their canonical values.
func (f Finding) Normalized() (Finding, error) {
	if err := f.Validate(); err != nil {
		return Finding{}, err
	}
	out := f.Clone()
	out.Verdict, _ = ParseVerdict(string(f.Verdict))
	return out, nil
}

// Scored reports whether the finding contributes a verdict value.
func (f Finding) Scored() bool {
	_, ok := f.Verdict.Value()
	return ok
}

// Key is the context store key under which the finding is recorded.
func (f Finding) Key() string {
	return FindingKey(f.Producer, f.Subject)
}

// FindingKey builds findings/<role>/<subject>.
func FindingKey(role, subject string) string {
	return FindingsPrefix + role + "/" + subject
}

// UnavailableConfidence is assigned to synthetic findings of failed producers.
const UnavailableConfidence = 0.1

// UnavailableFinding records a producer that exhausted its retries.
func UnavailableFinding(role, subject, reason string, now time.Time) Finding {
	evidence := "producer unavailable"
	if reason = strings.TrimSpace(reason); reason != "" {
		evidence += ": " + reason
	}
	return Finding{
		Producer:   role,
		Subject:    subject,
		Verdict:    VerdictUnknown,
		Confidence: UnavailableConfidence,
		Evidence:   evidence,
		Timestamp:  now,
		Synthetic:  true,
	}
}

// ConflictKind distinguishes why a subject needs negotiation.
type ConflictKind string

const (
	ConflictDisagreement  ConflictKind = "disagreement"
	ConflictLowConfidence ConflictKind = "low_confidence"
)

// ConflictRecord groups the findings on one subject that need negotiation.
type ConflictRecord struct {
	ID       string       `json:"id"`
	Subject  string       `json:"subject"`
	Kind     ConflictKind `json:"kind"`
	Findings []Finding    `json:"findings"`
	// Resolved is false when the record is carried into the report as disputed.
	Resolved bool `json:"resolved"`
	Rounds   int  `json:"rounds"`
}

// Producers lists the producers participating in the conflict, in finding order.
func (c ConflictRecord) Producers() []string {
	out := make([]string, 0, len(c.Findings))
	seen := map[string]struct{}{}
	for _, f := range c.Findings {
		if _, ok := seen[f.Producer]; ok {
			continue
		}
		seen[f.Producer] = struct{}{}
		out = append(out, f.Producer)
	}
	return out
}

// Clone returns a deep copy of the record.
func (c ConflictRecord) Clone() ConflictRecord {
	clone := c
	if len(c.Findings) > 0 {
		clone.Findings = make([]Finding, len(c.Findings))
		for i, f := range c.Findings {
			clone.Findings[i] = f.Clone()
		}
	}
	return clone
}

// ConsensusResult is the negotiator's answer for one conflict.
type ConsensusResult struct {
	Conflict ConflictRecord `json:"conflict"`
	Resolved bool           `json:"resolved"`
	// Finding replaces the conflicting findings. When unresolved it is the
	// highest-confidence claim marked Disputed.
	Finding   Finding   `json:"finding"`
	Rounds    int       `json:"rounds"`
	Revisions []Finding `json:"revisions,omitempty"`
}

// HighestConfidence returns the strongest finding. Ties keep the earlier entry.
func HighestConfidence(findings []Finding) (Finding, bool) {
	if len(findings) == 0 {
		return Finding{}, false
	}
	best := findings[0]
	for _, f := range findings[1:] {
		if f.Confidence > best.Confidence {
			best = f
		}
	}
	return best, true
}
