package inputs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/kingrea/lattice-compliance/internal/domain"
)

func sampleInputs(t *testing.T) domain.Inputs {
	t.Helper()
	in, err := Generate("store-7", "2025-03-01", GenerateOptions{Seed: 42})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	return in
}

func TestRetrieveReturnsAllKinds(t *testing.T) {
	src := NewMemorySource(map[string]domain.Inputs{"store-7": sampleInputs(t)})
	got, err := Retriever{Source: src}.Retrieve(context.Background(), "store-7", "2025-03-01")
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if len(got.Contracts) != 1 || len(got.Images) != 2 || len(got.Planograms) != 1 {
		t.Fatalf("unexpected inputs: %+v", got)
	}
}

func TestRetrieveRetriesTransientOnce(t *testing.T) {
	src := NewMemorySource(map[string]domain.Inputs{"store-7": sampleInputs(t)})
	src.FailNext(KindImages, fmt.Errorf("%w: connection reset", ErrTransient))
	if _, err := (Retriever{Source: src, Backoff: time.Millisecond}).Retrieve(context.Background(), "store-7", "2025-03-01"); err != nil {
		t.Fatalf("expected recovery after one retry, got %v", err)
	}
	if calls := src.Calls(KindImages); calls != 2 {
		t.Fatalf("expected 2 image calls, got %d", calls)
	}
}

func TestRetrieveGivesUpAfterSecondTransient(t *testing.T) {
	src := NewMemorySource(map[string]domain.Inputs{"store-7": sampleInputs(t)})
	transient := fmt.Errorf("%w: timeout", ErrTransient)
	src.FailNext(KindContracts, transient, transient, transient)
	_, err := Retriever{Source: src, Backoff: time.Millisecond}.Retrieve(context.Background(), "store-7", "2025-03-01")
	if !errors.Is(err, ErrTransient) {
		t.Fatalf("expected transient error, got %v", err)
	}
	if calls := src.Calls(KindContracts); calls != 2 {
		t.Fatalf("expected exactly one retry, got %d calls", calls)
	}
}

func TestRetrieveNotFoundIsNotRetried(t *testing.T) {
	src := NewMemorySource(map[string]domain.Inputs{"store-7": {Contracts: sampleInputs(t).Contracts}})
	_, err := Retriever{Source: src, Backoff: time.Millisecond}.Retrieve(context.Background(), "store-7", "2025-03-01")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if calls := src.Calls(KindPlanograms); calls > 1 {
		t.Fatalf("not found must not be retried, got %d calls", calls)
	}
}

func TestFileSourceRoundTripsFixtures(t *testing.T) {
	root := t.TempDir()
	in := sampleInputs(t)
	if err := WriteFixtures(root, "store-7", "2025-03-01", in); err != nil {
		t.Fatalf("write: %v", err)
	}
	src, err := NewFileSource(root)
	if err != nil {
		t.Fatalf("source: %v", err)
	}
	got, err := Retriever{Source: src}.Retrieve(context.Background(), "store-7", "2025-03-01")
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if !reflect.DeepEqual(got, in) {
		t.Fatalf("fixtures changed on disk:\nwant %+v\ngot  %+v", in, got)
	}
	if _, err := src.Images(context.Background(), "store-7", "2025-03-02"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected missing date to be not found, got %v", err)
	}
}

func TestFileSourceRejectsBadYAMLAndPaths(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "store-1"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, "store-1", "contracts.yaml"), []byte("contracts: [::"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	src, _ := NewFileSource(root)
	_, err := src.Contracts(context.Background(), "store-1")
	if err == nil || errors.Is(err, ErrTransient) || errors.Is(err, ErrNotFound) {
		t.Fatalf("expected parse error, got %v", err)
	}
	if _, err := src.Contracts(context.Background(), "../etc"); err == nil {
		t.Fatalf("expected traversal to be rejected")
	}
}

func TestGenerateIsDeterministicPerProfile(t *testing.T) {
	opts := GenerateOptions{Subjects: []string{"aisle-1", "aisle-2"}, Profile: ProfileViolations, Seed: 7}
	first, err := Generate("store-1", "2025-03-01", opts)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	second, _ := Generate("store-1", "2025-03-01", opts)
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("expected identical fixtures for identical options")
	}
	if len(first.Planograms) != 2 || len(first.Contracts[0].Rules) != 2 {
		t.Fatalf("expected one rule and planogram per subject, got %+v", first)
	}
	for _, img := range first.Images {
		min := first.Contracts[0].Rules[0].Minimum
		if img.Subject == "aisle-1" && img.Observations["shelf_share"] >= min {
			t.Fatalf("violations profile should fall short of %.2f, got %.2f", min, img.Observations["shelf_share"])
		}
	}
	if _, err := Generate("store-1", "March 1", opts); err == nil {
		t.Fatalf("expected bad date to be rejected")
	}
}
