// Package runtime holds helpers shared by the built-in producers.
package runtime

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/kingrea/lattice-compliance/internal/contextstore"
	"github.com/kingrea/lattice-compliance/internal/domain"
	"github.com/kingrea/lattice-compliance/internal/runner"
)

// Inputs rebuilds the retrieved inputs from a context view.
func Inputs(view contextstore.View) domain.Inputs {
	var in domain.Inputs
	if contracts, ok := contextstore.Value[[]domain.Contract](view, domain.KeyContracts); ok {
		in.Contracts = contracts
	}
	if images, ok := contextstore.Value[[]domain.Image](view, domain.KeyImages); ok {
		in.Images = images
	}
	if planograms, ok := contextstore.Value[[]domain.Planogram](view, domain.KeyPlanograms); ok {
		in.Planograms = planograms
	}
	return in
}

// Finding reads a recorded finding from the view.
func Finding(view contextstore.View, role, subject string) (domain.Finding, bool) {
	return contextstore.Value[domain.Finding](view, domain.FindingKey(role, subject))
}

// ImagesFor returns the images that cover subject.
func ImagesFor(images []domain.Image, subject string) []domain.Image {
	var out []domain.Image
	for _, img := range images {
		if img.Subject == "" || img.Subject == subject {
			out = append(out, img)
		}
	}
	return out
}

// VerdictFromRatio grades the share of satisfied checks.
func VerdictFromRatio(ratio, compliantAt, partialAt float64) domain.Verdict {
	switch {
	case ratio >= compliantAt:
		return domain.VerdictCompliant
	case ratio >= partialAt:
		return domain.VerdictPartial
	}
	return domain.VerdictNonCompliant
}

// Clamp01 bounds v to [0,1] and rounds to two decimals.
func Clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		v = 1
	}
	return math.Round(v*100) / 100
}

// Latency parses the optional "latency" config key used to simulate slow
// external calls.
func Latency(cfg runner.Config) (time.Duration, error) {
	raw, ok := cfg["latency"]
	if !ok || raw == nil {
		return 0, nil
	}
	switch v := raw.(type) {
	case time.Duration:
		return v, nil
	case string:
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("latency %q: %w", v, err)
		}
		return d, nil
	case int:
		return time.Duration(v) * time.Millisecond, nil
	}
	return 0, fmt.Errorf("latency must be a duration string, got %T", raw)
}

// Wait pauses for d or until ctx is done.
func Wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Observational reports whether role inspects the shelf directly.
func Observational(role string) bool {
	return role == domain.RoleVisualInspection || role == domain.RolePlanogramMatching
}
