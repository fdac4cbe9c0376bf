package engine

import (
	"os"
	"path/filepath"
	"testing"
)

func TestAdvisoryEngineFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "advisories.yaml")
	if err := os.WriteFile(path, []byte(`rules:
  - name: thin
    metric: candidateSamples
    operator: "<"
    threshold: 20
    message: "thin telemetry"
  - name: drift
    metric: driftMsPerDay
    operator: ">"
    threshold: 10
    absolute: true
`), 0o644); err != nil {
		t.Fatalf("write rules: %v", err)
	}

	engine, err := NewAdvisoryEngine(path, nil)
	if err != nil {
		t.Fatalf("new advisory engine: %v", err)
	}
	got := engine.Evaluate(Stats{MetricCandidateSamples: 12, MetricDriftMsPerDay: -15})
	if len(got) != 2 || got[0] != "thin telemetry" || got[1] != "driftMsPerDay > 10" {
		t.Fatalf("unexpected advisories %q", got)
	}
	if got := engine.Evaluate(Stats{MetricCandidateSamples: 40}); len(got) != 0 {
		t.Fatalf("expected no advisories, got %q", got)
	}
}

func TestAdvisoryEngineDefaultsWhenMissing(t *testing.T) {
	engine, err := NewAdvisoryEngine("non-existent", nil)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	got := engine.Evaluate(Stats{MetricOWLTSec: 0})
	if len(got) != 1 {
		t.Fatalf("expected default light time advisory, got %q", got)
	}
}

func TestAdvisoryEngineRejectsUnknownOperator(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "advisories.yaml")
	if err := os.WriteFile(path, []byte("rules:\n  - name: x\n    metric: owltSec\n    operator: \"~\"\n"), 0o644); err != nil {
		t.Fatalf("write rules: %v", err)
	}
	if _, err := NewAdvisoryEngine(path, nil); err == nil {
		t.Fatal("expected error for unknown operator")
	}
}

func TestAdvisoryEngineSampleRules(t *testing.T) {
	engine, err := NewAdvisoryEngine(filepath.Join("..", "..", "configs", "advisories.yaml"), nil)
	if err != nil {
		t.Fatalf("sample rules: %v", err)
	}
	got := engine.Evaluate(Stats{MetricCandidateSamples: 6, MetricDriftMsPerDay: 2, MetricOWLTSec: 600})
	if len(got) != 1 || got[0] != "fewer than ten candidate samples in the target window" {
		t.Fatalf("unexpected advisories %q", got)
	}
}
