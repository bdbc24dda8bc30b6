package runner

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/kingrea/lattice-compliance/internal/contextstore"
	"github.com/kingrea/lattice-compliance/internal/domain"
)

func stubRunner(role string) *Func {
	return &Func{
		Meta: Info{Role: role, Name: role, Version: "1.0.0"},
		ExecFn: func(ctx context.Context, task domain.Task, view contextstore.View) (domain.Finding, error) {
			return domain.Finding{Producer: role, Subject: task.Subject, Verdict: domain.VerdictCompliant, Confidence: 1}, nil
		},
	}
}

func TestRegistryResolvesByRole(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Install(stubRunner("visual_inspection")); err != nil {
		t.Fatalf("install: %v", err)
	}
	reg.MustRegister("contract_analysis", func(Config) (Runner, error) { return stubRunner("contract_analysis"), nil })
	if got := reg.Roles(); len(got) != 2 || got[0] != "contract_analysis" {
		t.Fatalf("unexpected roles: %v", got)
	}
	set, err := reg.Build([]string{"visual_inspection", "contract_analysis", "visual_inspection"}, nil)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if len(set) != 2 {
		t.Fatalf("expected 2 runners, got %d", len(set))
	}
	finding, err := set["visual_inspection"].Execute(context.Background(), domain.Task{Subject: "aisle-5"}, contextstore.View{})
	if err != nil || finding.Subject != "aisle-5" {
		t.Fatalf("unexpected execute result: %+v %v", finding, err)
	}
}

func TestRegistryRejectsDuplicatesAndUnknownRoles(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Install(stubRunner("a")); err != nil {
		t.Fatalf("install: %v", err)
	}
	if err := reg.Install(stubRunner("a")); err == nil {
		t.Fatalf("expected duplicate registration error")
	}
	if _, err := reg.Resolve("missing", nil); err == nil {
		t.Fatalf("expected unknown role error")
	}
	reg.MustRegister("mismatch", func(Config) (Runner, error) { return stubRunner("other"), nil })
	if _, err := reg.Resolve("mismatch", nil); err == nil {
		t.Fatalf("expected role mismatch error")
	}
	reg.MustRegister("broken", func(Config) (Runner, error) { return nil, errors.New("boom") })
	if _, err := reg.Resolve("broken", nil); err == nil {
		t.Fatalf("expected factory error")
	}
}

func TestPermanentFailure(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", Permanent("visual_inspection", errors.New("bad image")))
	if !IsPermanent(err) {
		t.Fatalf("expected permanent failure")
	}
	if IsPermanent(errors.New("transient")) {
		t.Fatalf("plain errors are retryable")
	}
	var failure *Failure
	if !errors.As(err, &failure) || failure.Role != "visual_inspection" {
		t.Fatalf("expected failure detail, got %+v", failure)
	}
}

func TestFuncAbstainsWithoutReviser(t *testing.T) {
	run := stubRunner("a")
	prior := domain.Finding{Producer: "a", Subject: "s", Verdict: domain.VerdictCompliant, Confidence: 0.4}
	got, revised, err := run.Revise(context.Background(), RevisionRequest{Prior: prior})
	if err != nil || revised {
		t.Fatalf("expected abstain, got revised=%v err=%v", revised, err)
	}
	if got.Confidence != prior.Confidence {
		t.Fatalf("abstain must keep prior finding")
	}
}
