package orchestrator

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/kingrea/lattice-compliance/internal/domain"
	"github.com/kingrea/lattice-compliance/internal/negotiator"
)

// DefaultSubject is evaluated when no subjects are configured.
const DefaultSubject = "shelf-compliance"

// Settings are the values the orchestrator consumes per run.
type Settings struct {
	Mode domain.Mode
	// MaxTaskRetries counts attempts after the first.
	MaxTaskRetries  int
	TaskTimeout     time.Duration
	RetryBackoff    time.Duration
	MaxRetryBackoff time.Duration
	InputBackoff    time.Duration
	WorkerPoolSize  int

	Negotiation            negotiator.Settings
	LowConfidenceThreshold float64

	ComplianceThreshold float64
	PartialThreshold    float64
	Subjects            []string
	SubjectWeights      map[string]float64

	// HistoryLimit bounds how many finished runs are kept for Status and Runs.
	HistoryLimit int
}

// DefaultSettings mirrors the documented configuration defaults.
func DefaultSettings() Settings {
	return Settings{
		Mode:                   domain.ModeFixed,
		MaxTaskRetries:         2,
		TaskTimeout:            30 * time.Second,
		RetryBackoff:           200 * time.Millisecond,
		MaxRetryBackoff:        5 * time.Second,
		InputBackoff:           200 * time.Millisecond,
		WorkerPoolSize:         5,
		Negotiation:            negotiator.DefaultSettings(),
		LowConfidenceThreshold: 0.5,
		ComplianceThreshold:    85,
		PartialThreshold:       50,
		Subjects:               []string{DefaultSubject},
		HistoryLimit:           100,
	}
}

// Normalized fills unset values from DefaultSettings and validates the rest.
func (s Settings) Normalized() (Settings, error) {
	def := DefaultSettings()
	mode, err := domain.ParseMode(string(s.Mode))
	if err != nil {
		return Settings{}, fmt.Errorf("orchestrator: %w", err)
	}
	s.Mode = mode
	if s.MaxTaskRetries < 0 {
		return Settings{}, fmt.Errorf("orchestrator: max task retries must be >= 0")
	}
	if s.TaskTimeout <= 0 {
		s.TaskTimeout = def.TaskTimeout
	}
	if s.RetryBackoff <= 0 {
		s.RetryBackoff = def.RetryBackoff
	}
	if s.MaxRetryBackoff < s.RetryBackoff {
		s.MaxRetryBackoff = s.RetryBackoff
	}
	if s.InputBackoff <= 0 {
		s.InputBackoff = def.InputBackoff
	}
	if s.WorkerPoolSize <= 0 {
		s.WorkerPoolSize = def.WorkerPoolSize
	}
	s.Negotiation = s.Negotiation.Normalized()
	if s.LowConfidenceThreshold <= 0 || s.LowConfidenceThreshold > 1 {
		s.LowConfidenceThreshold = def.LowConfidenceThreshold
	}
	if s.ComplianceThreshold <= 0 {
		s.ComplianceThreshold = def.ComplianceThreshold
	}
	if s.PartialThreshold <= 0 {
		s.PartialThreshold = def.PartialThreshold
	}
	if s.PartialThreshold > s.ComplianceThreshold {
		return Settings{}, fmt.Errorf("orchestrator: partial threshold %.1f exceeds compliance threshold %.1f", s.PartialThreshold, s.ComplianceThreshold)
	}
	subjects := make([]string, 0, len(s.Subjects))
	seen := map[string]struct{}{}
	for _, subject := range s.Subjects {
		subject = strings.TrimSpace(subject)
		if subject == "" {
			continue
		}
		if _, dup := seen[subject]; dup {
			continue
		}
		seen[subject] = struct{}{}
		subjects = append(subjects, subject)
	}
	if len(subjects) == 0 {
		subjects = def.Subjects
	}
	s.Subjects = subjects
	weights := make(map[string]float64, len(s.SubjectWeights))
	for subject, weight := range s.SubjectWeights {
		if weight < 0 || math.IsNaN(weight) {
			return Settings{}, fmt.Errorf("orchestrator: weight for %s must be >= 0", subject)
		}
		weights[strings.TrimSpace(subject)] = weight
	}
	s.SubjectWeights = weights
	if s.HistoryLimit <= 0 {
		s.HistoryLimit = def.HistoryLimit
	}
	return s, nil
}

// Weight returns the configured weight for subject, defaulting to 1.
func (s Settings) Weight(subject string) float64 {
	if w, ok := s.SubjectWeights[subject]; ok {
		return w
	}
	return 1
}
