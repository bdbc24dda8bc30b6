package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/kingrea/lattice-compliance/internal/domain"
	"github.com/kingrea/lattice-compliance/internal/orchestrator"
)

func TestObserverCountsRunLifecycle(t *testing.T) {
	obs := New()
	events := []orchestrator.Event{
		{Type: orchestrator.EventRunStarted},
		{Type: orchestrator.EventTaskAttempt, Role: "visual_inspection"},
		{Type: orchestrator.EventTaskAttempt, Role: "visual_inspection"},
		{Type: orchestrator.EventTaskFinished, Role: "visual_inspection", Status: domain.TaskSucceeded, Elapsed: 20 * time.Millisecond},
		{Type: orchestrator.EventConflictDetected, Subject: "shelf"},
		{Type: orchestrator.EventNegotiationRound, Round: 1},
		{Type: orchestrator.EventNegotiationRound, Round: 2},
		{Type: orchestrator.EventConflictSettled, Message: "unresolved verdict=partial_compliance confidence=0.70"},
		{Type: orchestrator.EventRunCompleted, Elapsed: time.Second},
	}
	for _, e := range events {
		obs.Observe(e)
	}

	if got := testutil.ToFloat64(obs.runsStarted); got != 1 {
		t.Fatalf("expected 1 started run, got %f", got)
	}
	if got := testutil.ToFloat64(obs.activeRuns); got != 0 {
		t.Fatalf("expected no active runs, got %f", got)
	}
	if got := testutil.ToFloat64(obs.runsFinished.WithLabelValues("completed")); got != 1 {
		t.Fatalf("expected 1 completed run, got %f", got)
	}
	if got := testutil.ToFloat64(obs.taskAttempts.WithLabelValues("visual_inspection")); got != 2 {
		t.Fatalf("expected 2 attempts, got %f", got)
	}
	if got := testutil.ToFloat64(obs.tasks.WithLabelValues("visual_inspection", string(domain.TaskSucceeded))); got != 1 {
		t.Fatalf("expected 1 succeeded task, got %f", got)
	}
	if got := testutil.ToFloat64(obs.rounds); got != 2 {
		t.Fatalf("expected 2 rounds, got %f", got)
	}
	if got := testutil.ToFloat64(obs.settled.WithLabelValues("unresolved")); got != 1 {
		t.Fatalf("expected 1 unresolved settlement, got %f", got)
	}
	if samples := testutil.CollectAndCount(obs.runDuration); samples != 1 {
		t.Fatalf("expected run duration histogram to record 1 sample, got %d", samples)
	}
}

func TestHandlerServesRegistry(t *testing.T) {
	obs := New()
	obs.Observe(orchestrator.Event{Type: orchestrator.EventRunStarted})
	rec := httptest.NewRecorder()
	obs.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "compliance_runs_started_total 1") {
		t.Fatalf("expected started counter in output, got %s", rec.Body.String())
	}
}

func TestObserversDoNotShareRegistries(t *testing.T) {
	a, b := New(), New()
	a.Observe(orchestrator.Event{Type: orchestrator.EventConflictDetected})
	if got := testutil.ToFloat64(b.conflicts); got != 0 {
		t.Fatalf("expected separate registries, got %f", got)
	}
}
