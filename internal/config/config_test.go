package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/miradorstack/sclk-correlator/internal/models"
)

func TestLoadDefaultsWithoutFile(t *testing.T) {
	t.Setenv("TC_ENGINE_CONFIG", "")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Correlation.SamplesPerSet != 5 {
		t.Fatalf("expected default samplesPerSet 5, got %d", cfg.Correlation.SamplesPerSet)
	}
	if cfg.Correlation.RateMode != string(models.RateModeComputePredict) {
		t.Fatalf("unexpected default rate mode %q", cfg.Correlation.RateMode)
	}
}

func TestLoadFileAndEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "engine.yaml")
	body := `
mission:
  sclkFineTickModulus: 256
  stations:
    14: DSS-14
correlation:
  samplesPerSet: 7
  predictedClkRateMinLookbackHours: 12
  predictedClkRateMaxLookbackHours: 48
  assignedValuePresets:
    nominal: 1.0000000012
history:
  path: /tmp/history.db
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("TC_ENGINE_SAMPLES_PER_SET", "9")
	t.Setenv("TC_ENGINE_PREVIEW_TTL", "90s")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Correlation.SamplesPerSet != 9 {
		t.Fatalf("expected env override 9, got %d", cfg.Correlation.SamplesPerSet)
	}
	if cfg.Mission.Stations[14] != "DSS-14" {
		t.Fatalf("expected station mapping, got %v", cfg.Mission.Stations)
	}
	if cfg.Correlation.AssignedRatePresets["nominal"] != 1.0000000012 {
		t.Fatalf("expected preset, got %v", cfg.Correlation.AssignedRatePresets)
	}
	if cfg.Cache.PreviewTTL != 90*time.Second {
		t.Fatalf("expected preview ttl override, got %v", cfg.Cache.PreviewTTL)
	}
}

func TestLoadRejectsInvertedLookback(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "engine.yaml")
	body := "correlation:\n  predictedClkRateMinLookbackHours: 10\n  predictedClkRateMaxLookbackHours: 5\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	_, err := Load(path)
	if !errors.Is(err, models.ErrInvalidConfig) {
		t.Fatalf("expected invalid config, got %v", err)
	}
}

func TestDefaultCorrelationWindow(t *testing.T) {
	cfg := defaultConfig()
	now := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	corr := cfg.DefaultCorrelation(now)
	if !corr.TargetSampleRange.End.Equal(now) || !corr.TargetSampleRange.Start.Equal(now.Add(-24*time.Hour)) {
		t.Fatalf("unexpected window %+v", corr.TargetSampleRange)
	}
	if corr.ClockChangeRate.Mode != models.RateModeComputePredict {
		t.Fatalf("unexpected mode %q", corr.ClockChangeRate.Mode)
	}
}

func TestLoadSampleConfig(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "configs", "engine.yaml"))
	if err != nil {
		t.Fatalf("sample config: %v", err)
	}
	if cfg.Mission.Stations[14] != "DSS-14" || cfg.Geometry.StaticOWLTSec["DSS-14"] != 600 {
		t.Fatalf("unexpected station wiring %+v %+v", cfg.Mission.Stations, cfg.Geometry.StaticOWLTSec)
	}
	if _, ok := cfg.Products.Generators["sclk-scet"]; !ok {
		t.Fatalf("expected sclk-scet generator options")
	}
	if !cfg.Tracing.Insecure {
		t.Fatalf("expected insecure tracing transport in sample")
	}
}
