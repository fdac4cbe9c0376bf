package api

import (
	"errors"
	"testing"
	"time"

	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/miradorstack/sclk-correlator/internal/models"
)

func TestFromCorrelationConfig(t *testing.T) {
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	in := &CorrelationConfig{
		SamplesPerSet:             5,
		TargetSampleRangeStartErt: timestamppb.New(start),
		TargetSampleRangeStopErt:  timestamppb.New(start.Add(time.Hour)),
		ClockChangeRateConfig: ClockChangeRateConfig{
			AssignedValue: 1.0000000012,
			ModeOverride:  "ASSIGNED",
		},
		AdditionalSmoothingRecordConfigOverride: SmoothingConfig{Enabled: true, CoarseSclkTickDuration: 16},
		IsDisableContactFilter:                  true,
		User:                                    "ops",
	}

	cfg, err := FromCorrelationConfig(in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.ClockChangeRate.Mode != models.RateModeAssign {
		t.Fatalf("expected assign mode, got %q", cfg.ClockChangeRate.Mode)
	}
	if !cfg.TargetSampleRange.Start.Equal(start) || !cfg.TargetSampleRange.End.Equal(start.Add(time.Hour)) {
		t.Fatalf("unexpected window %+v", cfg.TargetSampleRange)
	}
	if !cfg.TargetSampleExactERT.IsZero() {
		t.Fatalf("expected no exact ERT, got %v", cfg.TargetSampleExactERT)
	}
	if !cfg.Smoothing.Enabled || cfg.Smoothing.CoarseSclkTickDuration != 16 || !cfg.DisableContactFilter {
		t.Fatalf("unexpected flags %+v", cfg)
	}

	back := ToCorrelationConfig(cfg)
	if back.ClockChangeRateConfig.ModeOverride != string(models.RateModeAssign) || back.TargetSampleExactErt != nil {
		t.Fatalf("unexpected wire config %+v", back)
	}
}

func TestFromCorrelationConfigRejects(t *testing.T) {
	start := timestamppb.New(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC))
	cases := []struct {
		name string
		in   *CorrelationConfig
		want error
	}{
		{name: "nil", in: nil, want: models.ErrInvalidConfig},
		{name: "unknown mode", in: &CorrelationConfig{
			TargetSampleRangeStartErt: start,
			TargetSampleRangeStopErt:  timestamppb.New(start.AsTime().Add(time.Hour)),
			ClockChangeRateConfig:     ClockChangeRateConfig{ModeOverride: "guess"},
		}, want: models.ErrInvalidConfig},
		{name: "missing window", in: &CorrelationConfig{TargetSampleRangeStartErt: start}, want: models.ErrInvalidRange},
		{name: "inverted contact window", in: &CorrelationConfig{
			TargetSampleExactErt: start,
			ContactWindows:       []TimeRange{{Start: timestamppb.New(start.AsTime().Add(time.Hour)), End: start}},
		}, want: models.ErrInvalidRange},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := FromCorrelationConfig(tc.in); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestParseRateModeAliases(t *testing.T) {
	cases := map[string]models.RateMode{
		"":                    "",
		"COMPUTED":            models.RateModeComputePredict,
		"compute_interpolate": models.RateModeComputeInterpolate,
		"No-Drift":            models.RateModeNoDrift,
	}
	for in, want := range cases {
		got, err := ParseRateMode(in)
		if err != nil {
			t.Fatalf("ParseRateMode(%q): %v", in, err)
		}
		if got != want {
			t.Fatalf("ParseRateMode(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestToCorrelationResults(t *testing.T) {
	ert := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	res := ToCorrelationResults(models.CorrelationResults{
		RunID: 7,
		Correlation: models.Triplet{
			OnboardClock:         700000090,
			TerrestrialTime:      762523269.184,
			ClockChangeRate:      1.0000000012,
			GroundTimeOfValidity: ert,
		},
		Rate:     models.RateEstimate{Rate: 1.0000000012, Provenance: models.ProvenanceAssigned, Mode: models.RateModeAssign},
		Warnings: []string{"thin telemetry"},
		Products: []models.ProductRecord{{Generator: "time-history", Location: "/tmp/time_history.csv"}},
	})
	if res.RunID != 7 || res.Correlation.OnboardClock != 700000090 {
		t.Fatalf("unexpected results %+v", res)
	}
	if res.Correlation.TerrestrialTimeStr == "" || res.Correlation.TerrestrialTimeStr[0] != '@' {
		t.Fatalf("expected formatted TDT, got %q", res.Correlation.TerrestrialTimeStr)
	}
	if !res.Correlation.GroundTimeOfValidity.AsTime().Equal(ert) {
		t.Fatalf("unexpected ground time %v", res.Correlation.GroundTimeOfValidity.AsTime())
	}
	if res.AppRunTime != nil {
		t.Fatalf("expected zero run time to be omitted")
	}
	if len(res.Products) != 1 || res.Products[0].Generator != "time-history" {
		t.Fatalf("unexpected products %+v", res.Products)
	}
}

func TestFromRangeRequest(t *testing.T) {
	begin := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	if _, err := FromRangeRequest(&RangeRequest{BeginTime: timestamppb.New(begin)}); !errors.Is(err, models.ErrInvalidRange) {
		t.Fatalf("expected invalid range, got %v", err)
	}
	window, err := FromRangeRequest(&RangeRequest{BeginTime: timestamppb.New(begin), EndTime: timestamppb.New(begin.Add(time.Hour))})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if window.End.Sub(window.Start) != time.Hour {
		t.Fatalf("unexpected window %+v", window)
	}
}

func TestInterpolatedRateIsReported(t *testing.T) {
	res := ToCorrelationResults(models.CorrelationResults{
		Rate: models.RateEstimate{
			Rate:              1.000003,
			Mode:              models.RateModeComputeInterpolate,
			InterpolatedRate:  1.000006,
			InterpolatedRunID: 2,
		},
	})
	if res.Rate.InterpolatedRate != 1.000006 || res.Rate.InterpolatedRunID != 2 {
		t.Fatalf("unexpected rate %+v", res.Rate)
	}
	rows := ToRunHistory([]models.RunHistoryRow{{RunID: "00003", InterpolatedRate: 1.000006, InterpolatedRunID: 2}})
	if rows.Runs[0].InterpolatedRate != 1.000006 || rows.Runs[0].InterpolatedRunID != 2 {
		t.Fatalf("unexpected row %+v", rows.Runs[0])
	}
}
