package orchestrator

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kingrea/lattice-compliance/internal/contextstore"
	"github.com/kingrea/lattice-compliance/internal/domain"
	"github.com/kingrea/lattice-compliance/internal/inputs"
	"github.com/kingrea/lattice-compliance/internal/router"
	"github.com/kingrea/lattice-compliance/internal/runner"
	"github.com/kingrea/lattice-compliance/internal/runners"
)

const (
	testLocation = "store-1"
	testDate     = "2024-03-01"
)

var fixedNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func testInputs() domain.Inputs {
	return domain.Inputs{
		Contracts:  []domain.Contract{{ID: "c-1", Supplier: "acme", Rules: []domain.Rule{{Subject: DefaultSubject, Metric: "shelf_share", Minimum: 0.3}}}},
		Images:     []domain.Image{{ID: "img-1", Subject: DefaultSubject, Quality: 0.9, Observations: map[string]float64{"shelf_share": 0.35}}},
		Planograms: []domain.Planogram{{ID: "p-1", Subject: DefaultSubject, Version: "v1", Products: []string{"cola"}}},
	}
}

func testSource() *inputs.MemorySource {
	return inputs.NewMemorySource(map[string]domain.Inputs{testLocation: testInputs()})
}

func testSettings() Settings {
	s := DefaultSettings()
	s.RetryBackoff = time.Millisecond
	s.MaxRetryBackoff = 2 * time.Millisecond
	s.InputBackoff = time.Millisecond
	s.TaskTimeout = time.Second
	s.Negotiation.RoundTimeout = 300 * time.Millisecond
	return s
}

type stubRunner struct {
	*runner.Func
	calls atomic.Int32
}

func (s *stubRunner) Execute(ctx context.Context, task domain.Task, view contextstore.View) (domain.Finding, error) {
	s.calls.Add(1)
	return s.Func.Execute(ctx, task, view)
}

func stub(role string, verdict domain.Verdict, confidence float64) *stubRunner {
	return &stubRunner{Func: &runner.Func{
		Meta: runner.Info{Role: role, Name: role, Version: "test"},
		ExecFn: func(_ context.Context, task domain.Task, _ contextstore.View) (domain.Finding, error) {
			return domain.Finding{
				Producer:   role,
				Subject:    task.Subject,
				Verdict:    verdict,
				Confidence: confidence,
				Evidence:   role + "-evidence",
			}, nil
		},
	}}
}

func registryOf(t *testing.T, runs ...runner.Runner) *runner.Registry {
	t.Helper()
	reg := runner.NewRegistry()
	for _, run := range runs {
		if err := reg.Install(run); err != nil {
			t.Fatalf("install: %v", err)
		}
	}
	return reg
}

func newOrchestrator(t *testing.T, reg *runner.Registry, source inputs.Source, opts ...Option) *Orchestrator {
	t.Helper()
	base := []Option{WithSettings(testSettings()), WithClock(func() time.Time { return fixedNow })}
	o, err := New(reg, source, append(base, opts...)...)
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = o.Shutdown(ctx)
	})
	return o
}

func request() domain.RunRequest {
	return domain.RunRequest{LocationID: testLocation, Date: testDate}
}

type captureEmitter struct {
	mu      sync.Mutex
	reports []domain.Report
	runs    []domain.WorkflowRun
}

func (c *captureEmitter) Emit(_ context.Context, report domain.Report) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reports = append(c.reports, report)
	return nil
}

func (c *captureEmitter) RecordRun(_ context.Context, run domain.WorkflowRun) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.runs = append(c.runs, run)
	return nil
}

func TestRunAllCompliant(t *testing.T) {
	reg := registryOf(t,
		stub(domain.RoleContractAnalysis, domain.VerdictCompliant, 0.95),
		stub(domain.RoleVisualInspection, domain.VerdictCompliant, 0.92),
		stub(domain.RolePlanogramMatching, domain.VerdictCompliant, 0.9),
	)
	emitter := &captureEmitter{}
	o := newOrchestrator(t, reg, testSource(), WithEmitter(emitter))
	report, err := o.Run(context.Background(), request())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.OverallVerdict != domain.VerdictCompliant {
		t.Fatalf("expected compliant, got %s", report.OverallVerdict)
	}
	if report.OverallScore != 100 {
		t.Fatalf("expected score 100, got %.2f", report.OverallScore)
	}
	if report.Disputed == nil || len(report.Disputed) != 0 {
		t.Fatalf("expected empty disputed list, got %v", report.Disputed)
	}
	if len(report.Findings) != 3 || len(report.ProducerFailures) != 0 {
		t.Fatalf("expected three findings and no failures, got %+v", report)
	}
	if report.ElevatedUncertainty || report.VerdictAnnotation != "" {
		t.Fatalf("unexpected uncertainty markers: %+v", report)
	}
	status, err := o.Status(report.RunID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.Status != domain.RunCompleted {
		t.Fatalf("expected completed status, got %s", status.Status)
	}
	want := []domain.RunState{domain.StateInitialized, domain.StateRetrieving, domain.StateExecuting, domain.StateReconciling, domain.StateAggregating}
	if len(status.Phases) != len(want) {
		t.Fatalf("expected %d phases, got %+v", len(want), status.Phases)
	}
	for i, phase := range status.Phases {
		if phase.State != want[i] {
			t.Fatalf("phase %d: expected %s, got %s", i, want[i], phase.State)
		}
	}
	if len(status.Tasks) != 3 {
		t.Fatalf("expected 3 tasks, got %d", len(status.Tasks))
	}
	if len(emitter.reports) != 1 || len(emitter.runs) != 1 {
		t.Fatalf("expected one emitted report and run, got %d/%d", len(emitter.reports), len(emitter.runs))
	}
}

func TestRunResolvesConflictInFirstRound(t *testing.T) {
	contract := stub(domain.RoleContractAnalysis, domain.VerdictCompliant, 0.95)
	contract.ReviseFn = func(_ context.Context, req runner.RevisionRequest) (domain.Finding, bool, error) {
		revised := req.Prior
		revised.Verdict = domain.VerdictNonCompliant
		revised.Confidence = 0.85
		return revised, true, nil
	}
	reg := registryOf(t,
		contract,
		stub(domain.RoleVisualInspection, domain.VerdictNonCompliant, 0.6),
		stub(domain.RolePlanogramMatching, domain.VerdictNonCompliant, 0.7),
	)
	o := newOrchestrator(t, reg, testSource())
	report, err := o.Run(context.Background(), request())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(report.Disputed) != 0 {
		t.Fatalf("expected no disputed entries, got %+v", report.Disputed)
	}
	if len(report.Findings) != 1 {
		t.Fatalf("expected the resolved finding only, got %+v", report.Findings)
	}
	resolved := report.Findings[0]
	if resolved.Producer != domain.RoleContractAnalysis || resolved.Verdict != domain.VerdictNonCompliant || resolved.Confidence != 0.85 {
		t.Fatalf("unexpected resolved finding: %+v", resolved)
	}
	if resolved.Revision != 1 {
		t.Fatalf("expected revision 1, got %d", resolved.Revision)
	}
	if report.OverallVerdict != domain.VerdictNonCompliant {
		t.Fatalf("expected non_compliant, got %s", report.OverallVerdict)
	}
	if len(report.Violations) != 1 || report.Violations[0].Severity != domain.SeverityMedium {
		t.Fatalf("expected one medium violation, got %+v", report.Violations)
	}
	status, _ := o.Status(report.RunID)
	negotiated := false
	for _, phase := range status.Phases {
		if phase.State == domain.StateNegotiating {
			negotiated = true
		}
	}
	if !negotiated {
		t.Fatalf("expected a negotiating phase, got %+v", status.Phases)
	}
}

func TestRunMarksDisputeWhenNegotiationFails(t *testing.T) {
	contract := stub(domain.RoleContractAnalysis, domain.VerdictCompliant, 0.95)
	contract.ReviseFn = func(_ context.Context, req runner.RevisionRequest) (domain.Finding, bool, error) {
		return req.Prior, true, nil
	}
	visual := stub(domain.RoleVisualInspection, domain.VerdictNonCompliant, 0.6)
	visual.ReviseFn = func(_ context.Context, req runner.RevisionRequest) (domain.Finding, bool, error) {
		return req.Prior, true, nil
	}
	reg := registryOf(t, contract, visual, stub(domain.RolePlanogramMatching, domain.VerdictNonCompliant, 0.55))
	o := newOrchestrator(t, reg, testSource())
	report, err := o.Run(context.Background(), request())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(report.Disputed) != 1 {
		t.Fatalf("expected one disputed conflict, got %+v", report.Disputed)
	}
	if report.Disputed[0].Subject != DefaultSubject || report.Disputed[0].Rounds != 3 {
		t.Fatalf("unexpected disputed record: %+v", report.Disputed[0])
	}
	if report.OverallVerdict != domain.VerdictCompliant {
		t.Fatalf("expected the higher-confidence side to win, got %s", report.OverallVerdict)
	}
	if report.VerdictAnnotation != domain.AnnotationDisputed {
		t.Fatalf("expected disputed annotation, got %q", report.VerdictAnnotation)
	}
	if !report.ElevatedUncertainty {
		t.Fatalf("expected elevated uncertainty")
	}
	if len(report.Subjects) != 1 || !report.Subjects[0].Disputed {
		t.Fatalf("expected disputed subject score, got %+v", report.Subjects)
	}
}

func TestRunCanonicalizesDashedVerdicts(t *testing.T) {
	reg := registryOf(t,
		stub(domain.RoleContractAnalysis, domain.VerdictCompliant, 0.95),
		stub(domain.RoleVisualInspection, "non-compliant", 0.6),
		stub(domain.RolePlanogramMatching, domain.VerdictCompliant, 0.95),
	)
	settings := testSettings()
	settings.Negotiation.MaxRounds = 1
	o := newOrchestrator(t, reg, testSource(), WithSettings(settings))
	report, err := o.Run(context.Background(), request())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(report.Disputed) != 1 {
		t.Fatalf("expected the dashed non-compliant claim to raise a conflict, got %+v", report.Disputed)
	}
	found := false
	for _, f := range report.Disputed[0].Findings {
		if f.Producer == domain.RoleVisualInspection {
			found = true
			if f.Verdict != domain.VerdictNonCompliant {
				t.Fatalf("expected canonical verdict, got %q", f.Verdict)
			}
		}
	}
	if !found {
		t.Fatalf("expected visual finding in the conflict, got %+v", report.Disputed[0].Findings)
	}
	if report.VerdictAnnotation != domain.AnnotationDisputed || !report.ElevatedUncertainty {
		t.Fatalf("expected a disputed, uncertain report, got annotation %q elevated %t", report.VerdictAnnotation, report.ElevatedUncertainty)
	}
}

func TestRunRecordsSyntheticFindingWhenProducerTimesOut(t *testing.T) {
	var attempts atomic.Int32
	visual := &runner.Func{
		Meta: runner.Info{Role: domain.RoleVisualInspection, Name: "slow", Version: "test"},
		ExecFn: func(ctx context.Context, _ domain.Task, _ contextstore.View) (domain.Finding, error) {
			attempts.Add(1)
			<-ctx.Done()
			return domain.Finding{}, ctx.Err()
		},
	}
	reg := registryOf(t,
		stub(domain.RoleContractAnalysis, domain.VerdictCompliant, 0.95),
		visual,
		stub(domain.RolePlanogramMatching, domain.VerdictCompliant, 0.9),
	)
	settings := testSettings()
	settings.TaskTimeout = 30 * time.Millisecond
	settings.MaxTaskRetries = 1
	o := newOrchestrator(t, reg, testSource(), WithSettings(settings))
	report, err := o.Run(context.Background(), request())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := attempts.Load(); got != 2 {
		t.Fatalf("expected 2 attempts, got %d", got)
	}
	if !reflect.DeepEqual(report.ProducerFailures, []string{domain.RoleVisualInspection}) {
		t.Fatalf("expected visual failure, got %v", report.ProducerFailures)
	}
	var synthetic *domain.Finding
	for i := range report.Findings {
		if report.Findings[i].Producer == domain.RoleVisualInspection {
			synthetic = &report.Findings[i]
		}
	}
	if synthetic == nil || !synthetic.Synthetic || synthetic.Verdict != domain.VerdictUnknown {
		t.Fatalf("expected synthetic visual finding, got %+v", report.Findings)
	}
	if synthetic.Confidence != domain.UnavailableConfidence {
		t.Fatalf("expected confidence %.2f, got %.2f", domain.UnavailableConfidence, synthetic.Confidence)
	}
	if !report.ElevatedUncertainty {
		t.Fatalf("expected elevated uncertainty")
	}
	status, _ := o.Status(report.RunID)
	for _, task := range status.Tasks {
		if task.Role == domain.RoleVisualInspection {
			if task.Status != domain.TaskTimedOut || task.Retries != 1 {
				t.Fatalf("expected timed out task with one retry, got %+v", task)
			}
		}
	}
}

func TestRunRetriesTransientTaskFailure(t *testing.T) {
	var calls atomic.Int32
	flaky := &runner.Func{
		Meta: runner.Info{Role: domain.RoleVisualInspection, Name: "flaky", Version: "test"},
		ExecFn: func(_ context.Context, task domain.Task, _ contextstore.View) (domain.Finding, error) {
			if calls.Add(1) == 1 {
				return domain.Finding{}, errors.New("camera offline")
			}
			return domain.Finding{Verdict: domain.VerdictCompliant, Confidence: 0.9}, nil
		},
	}
	reg := registryOf(t,
		stub(domain.RoleContractAnalysis, domain.VerdictCompliant, 0.95),
		flaky,
		stub(domain.RolePlanogramMatching, domain.VerdictCompliant, 0.9),
	)
	o := newOrchestrator(t, reg, testSource())
	report, err := o.Run(context.Background(), request())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(report.ProducerFailures) != 0 || calls.Load() != 2 {
		t.Fatalf("expected recovery on retry, failures=%v calls=%d", report.ProducerFailures, calls.Load())
	}
}

func TestRunDoesNotRetryPermanentFailure(t *testing.T) {
	var calls atomic.Int32
	broken := &runner.Func{
		Meta: runner.Info{Role: domain.RolePlanogramMatching, Name: "broken", Version: "test"},
		ExecFn: func(context.Context, domain.Task, contextstore.View) (domain.Finding, error) {
			calls.Add(1)
			return domain.Finding{}, runner.Permanent(domain.RolePlanogramMatching, errors.New("no planogram"))
		},
	}
	reg := registryOf(t,
		stub(domain.RoleContractAnalysis, domain.VerdictCompliant, 0.95),
		stub(domain.RoleVisualInspection, domain.VerdictCompliant, 0.9),
		broken,
	)
	o := newOrchestrator(t, reg, testSource())
	report, err := o.Run(context.Background(), request())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected a single attempt, got %d", calls.Load())
	}
	if !reflect.DeepEqual(report.ProducerFailures, []string{domain.RolePlanogramMatching}) {
		t.Fatalf("unexpected failures %v", report.ProducerFailures)
	}
}

func TestRunFailsOnMissingInput(t *testing.T) {
	reg := registryOf(t,
		stub(domain.RoleContractAnalysis, domain.VerdictCompliant, 0.95),
		stub(domain.RoleVisualInspection, domain.VerdictCompliant, 0.9),
		stub(domain.RolePlanogramMatching, domain.VerdictCompliant, 0.9),
	)
	emitter := &captureEmitter{}
	o := newOrchestrator(t, reg, inputs.NewMemorySource(nil), WithEmitter(emitter))
	_, err := o.Run(context.Background(), request())
	var fe *FatalError
	if !errors.As(err, &fe) {
		t.Fatalf("expected fatal error, got %v", err)
	}
	if fe.Phase != domain.StateRetrieving || !strings.Contains(fe.Reason, "required input missing") {
		t.Fatalf("unexpected fatal error: %+v", fe)
	}
	runs := o.Runs(0)
	if len(runs) != 1 || runs[0].Status != domain.RunFailed || runs[0].FailureReason != fe.Reason {
		t.Fatalf("unexpected run record: %+v", runs)
	}
	if _, err := o.Report(runs[0].ID); !errors.Is(err, ErrReportUnavailable) {
		t.Fatalf("expected report unavailable, got %v", err)
	}
	if len(emitter.reports) != 0 || len(emitter.runs) != 1 {
		t.Fatalf("expected only the failed run recorded, got %d reports %d runs", len(emitter.reports), len(emitter.runs))
	}
}

func TestRunRejectsInvalidRequest(t *testing.T) {
	o := newOrchestrator(t, runner.NewRegistry(), testSource())
	if _, err := o.StartRun(domain.RunRequest{LocationID: testLocation, Date: "03/01/2024"}); err == nil {
		t.Fatalf("expected invalid date to be rejected")
	}
	if _, err := o.StartRun(domain.RunRequest{Date: "2024-03-01"}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
	if runs := o.Runs(0); len(runs) != 0 {
		t.Fatalf("rejected requests must not create runs, got %d", len(runs))
	}
}

func TestConditionalRunSkipsAfterWeakContract(t *testing.T) {
	visual := stub(domain.RoleVisualInspection, domain.VerdictCompliant, 0.9)
	reg := registryOf(t,
		stub(domain.RoleContractAnalysis, domain.VerdictCompliant, 0.3),
		visual,
		stub(domain.RolePlanogramMatching, domain.VerdictCompliant, 0.9),
	)
	settings := testSettings()
	settings.Negotiation.RoundTimeout = 50 * time.Millisecond
	o := newOrchestrator(t, reg, testSource(), WithSettings(settings))
	req := request()
	req.Mode = domain.ModeConditional
	report, err := o.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if visual.calls.Load() != 0 {
		t.Fatalf("expected visual inspection to be skipped")
	}
	if !report.ElevatedUncertainty {
		t.Fatalf("expected elevated uncertainty flag to carry into the report")
	}
	if report.Mode != domain.ModeConditional {
		t.Fatalf("expected conditional mode, got %s", report.Mode)
	}
}

func TestConditionalRunFollowsFullPath(t *testing.T) {
	visual := stub(domain.RoleVisualInspection, domain.VerdictCompliant, 0.9)
	reg := registryOf(t,
		stub(domain.RoleContractAnalysis, domain.VerdictCompliant, 0.95),
		visual,
		stub(domain.RolePlanogramMatching, domain.VerdictCompliant, 0.9),
	)
	o := newOrchestrator(t, reg, testSource())
	req := request()
	req.Mode = domain.ModeConditional
	report, err := o.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if visual.calls.Load() != 1 || len(report.Findings) != 3 {
		t.Fatalf("expected all three producers, got %+v", report.Findings)
	}
	if report.ElevatedUncertainty {
		t.Fatalf("unexpected elevated uncertainty")
	}
}

func TestConditionalRunFailsOnUnknownNode(t *testing.T) {
	reg := registryOf(t, stub(domain.RoleContractAnalysis, domain.VerdictCompliant, 0.95))
	policy := router.PolicyFunc(func(string, contextstore.Reader) (router.Decision, error) {
		return router.Decision{Next: "tea_leaves"}, nil
	})
	o := newOrchestrator(t, reg, testSource(), WithPolicy(policy, 4))
	req := request()
	req.Mode = domain.ModeConditional
	_, err := o.Run(context.Background(), req)
	var fe *FatalError
	if !errors.As(err, &fe) {
		t.Fatalf("expected fatal error, got %v", err)
	}
	if !strings.Contains(fe.Reason, "router configuration error") || !errors.Is(err, router.ErrUnknownNode) {
		t.Fatalf("unexpected failure: %v", err)
	}
}

func TestShutdownFailsActiveRuns(t *testing.T) {
	started := make(chan struct{}, 1)
	blocking := &runner.Func{
		Meta: runner.Info{Role: domain.RoleContractAnalysis, Name: "blocking", Version: "test"},
		ExecFn: func(ctx context.Context, _ domain.Task, _ contextstore.View) (domain.Finding, error) {
			select {
			case started <- struct{}{}:
			default:
			}
			<-ctx.Done()
			return domain.Finding{}, ctx.Err()
		},
	}
	reg := registryOf(t,
		blocking,
		stub(domain.RoleVisualInspection, domain.VerdictCompliant, 0.9),
		stub(domain.RolePlanogramMatching, domain.VerdictCompliant, 0.9),
	)
	settings := testSettings()
	settings.TaskTimeout = 10 * time.Second
	o := newOrchestrator(t, reg, testSource(), WithSettings(settings))
	id, err := o.StartRun(request())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatalf("runner never started")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	run, err := o.Status(id)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if run.Status != domain.RunFailed || run.FailureReason != "shutdown requested" {
		t.Fatalf("expected shutdown failure, got %s %q", run.Status, run.FailureReason)
	}
	if _, err := o.StartRun(request()); !errors.Is(err, ErrShuttingDown) {
		t.Fatalf("expected ErrShuttingDown, got %v", err)
	}
}

func TestRunHonorsCallerCancellation(t *testing.T) {
	blocking := &runner.Func{
		Meta: runner.Info{Role: domain.RoleContractAnalysis, Name: "blocking", Version: "test"},
		ExecFn: func(ctx context.Context, _ domain.Task, _ contextstore.View) (domain.Finding, error) {
			<-ctx.Done()
			return domain.Finding{}, ctx.Err()
		},
	}
	reg := registryOf(t,
		blocking,
		stub(domain.RoleVisualInspection, domain.VerdictCompliant, 0.9),
		stub(domain.RolePlanogramMatching, domain.VerdictCompliant, 0.9),
	)
	o := newOrchestrator(t, reg, testSource())
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := o.Run(ctx, request())
	var fe *FatalError
	if !errors.As(err, &fe) {
		t.Fatalf("expected fatal error, got %v", err)
	}
	if !strings.HasPrefix(fe.Reason, "run canceled during executing") {
		t.Fatalf("unexpected reason %q", fe.Reason)
	}
}

func TestRunIsDeterministic(t *testing.T) {
	in, err := inputs.Generate(testLocation, testDate, inputs.GenerateOptions{Profile: inputs.ProfileViolations, Seed: 7})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	source := inputs.NewMemorySource(map[string]domain.Inputs{testLocation: in})
	var reports []domain.Report
	for i := 0; i < 2; i++ {
		reg := runner.NewRegistry()
		runners.RegisterBuiltins(reg)
		o := newOrchestrator(t, reg, source)
		report, err := o.Run(context.Background(), request())
		if err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
		report.RunID = ""
		reports = append(reports, report)
	}
	if !reflect.DeepEqual(reports[0], reports[1]) {
		t.Fatalf("expected identical reports\nfirst:  %+v\nsecond: %+v", reports[0], reports[1])
	}
}

func TestHistoryEvictsOldestFinishedRuns(t *testing.T) {
	reg := registryOf(t,
		stub(domain.RoleContractAnalysis, domain.VerdictCompliant, 0.95),
		stub(domain.RoleVisualInspection, domain.VerdictCompliant, 0.9),
		stub(domain.RolePlanogramMatching, domain.VerdictCompliant, 0.9),
	)
	settings := testSettings()
	settings.HistoryLimit = 2
	var seq atomic.Int32
	o := newOrchestrator(t, reg, testSource(), WithSettings(settings), WithIDGenerator(func() string {
		return "run-" + string(rune('a'+seq.Add(1)-1))
	}))
	for i := 0; i < 3; i++ {
		if _, err := o.Run(context.Background(), request()); err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
	}
	runs := o.Runs(0)
	if len(runs) != 2 || runs[0].ID != "run-c" || runs[1].ID != "run-b" {
		t.Fatalf("expected newest two runs, got %+v", runs)
	}
	if _, err := o.Status("run-a"); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("expected evicted run to be gone, got %v", err)
	}
}

func TestObserverSeesLifecycle(t *testing.T) {
	reg := registryOf(t,
		stub(domain.RoleContractAnalysis, domain.VerdictCompliant, 0.95),
		stub(domain.RoleVisualInspection, domain.VerdictCompliant, 0.9),
		stub(domain.RolePlanogramMatching, domain.VerdictCompliant, 0.9),
	)
	var mu sync.Mutex
	seen := map[EventType]int{}
	o := newOrchestrator(t, reg, testSource(), WithLogbookDir(t.TempDir()), WithObserver(ObserverFunc(func(e Event) {
		mu.Lock()
		seen[e.Type]++
		mu.Unlock()
	})))
	report, err := o.Run(context.Background(), request())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if seen[EventRunStarted] != 1 || seen[EventRunCompleted] != 1 || seen[EventTaskFinished] != 3 {
		t.Fatalf("unexpected events: %v", seen)
	}
	lines, total, err := o.Log(report.RunID, 2)
	if err != nil {
		t.Fatalf("log: %v", err)
	}
	if total == 0 || len(lines) != 2 || !strings.Contains(lines[1], string(EventRunCompleted)) {
		t.Fatalf("unexpected journal tail %v (total %d)", lines, total)
	}
}

func TestValidateTransition(t *testing.T) {
	if err := ValidateTransition(domain.StateReconciling, domain.StateAggregating); err != nil {
		t.Fatalf("expected reconciling -> aggregating to be allowed: %v", err)
	}
	if err := ValidateTransition(domain.StateExecuting, domain.StateFailed); err != nil {
		t.Fatalf("expected failure to be reachable: %v", err)
	}
	if err := ValidateTransition(domain.StateCompleted, domain.StateExecuting); err == nil {
		t.Fatalf("expected terminal state to be final")
	}
	if err := ValidateTransition(domain.StateRetrieving, domain.StateAggregating); err == nil {
		t.Fatalf("expected phases not to be skipped")
	}
}
