package api

import (
	"fmt"
	"strings"
	"time"

	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/miradorstack/sclk-correlator/internal/models"
	"github.com/miradorstack/sclk-correlator/internal/timeconv"
)

// rateModeAliases maps accepted mode spellings, including the upper-case names operators
// know from earlier tooling, onto rate modes.
var rateModeAliases = map[string]models.RateMode{
	"assign":              models.RateModeAssign,
	"assigned":            models.RateModeAssign,
	"compute-predict":     models.RateModeComputePredict,
	"computed":            models.RateModeComputePredict,
	"compute-interpolate": models.RateModeComputeInterpolate,
	"interpolated":        models.RateModeComputeInterpolate,
	"no-drift":            models.RateModeNoDrift,
	"nodrift":             models.RateModeNoDrift,
}

// ParseRateMode resolves a mode name; the empty string selects the configured default.
func ParseRateMode(name string) (models.RateMode, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return "", nil
	}
	mode, ok := rateModeAliases[strings.ReplaceAll(name, "_", "-")]
	if !ok {
		return "", fmt.Errorf("%w: unknown clock change rate mode %q", models.ErrInvalidConfig, name)
	}
	return mode, nil
}

// FromCorrelationConfig maps a request configuration into the domain form.
func FromCorrelationConfig(in *CorrelationConfig) (models.CorrelationConfig, error) {
	if in == nil {
		return models.CorrelationConfig{}, fmt.Errorf("%w: config is required", models.ErrInvalidConfig)
	}
	mode, err := ParseRateMode(in.ClockChangeRateConfig.ModeOverride)
	if err != nil {
		return models.CorrelationConfig{}, err
	}
	fit := models.FitMethod(strings.ToLower(strings.TrimSpace(in.ClockChangeRateConfig.FitMethod)))
	switch fit {
	case "", models.FitEndpoints, models.FitLeastSquares:
	default:
		return models.CorrelationConfig{}, fmt.Errorf("%w: unknown fit method %q", models.ErrInvalidConfig, fit)
	}

	out := models.CorrelationConfig{
		SamplesPerSet:        in.SamplesPerSet,
		NewCorrelationMinTDT: in.NewCorrelationMinTdt,
		MinLookbackHours:     in.PredictedClkRateMinLookbackHours,
		MaxLookbackHours:     in.PredictedClkRateMaxLookbackHours,
		TargetSampleRange: models.TimeRange{
			Start: timeOf(in.TargetSampleRangeStartErt),
			End:   timeOf(in.TargetSampleRangeStopErt),
		},
		TargetSampleExactERT:     timeOf(in.TargetSampleExactErt),
		PriorCorrelationExactTDT: in.PriorCorrelationExactTdt,
		TestMode: models.TestModeConfig{
			OWLTEnabled: in.TestModeOwltEnabled,
			OWLTSec:     in.TestModeOwltSec,
		},
		ClockChangeRate: models.ClockChangeRateConfig{
			Mode:          mode,
			AssignedValue: in.ClockChangeRateConfig.AssignedValue,
			AssignedKey:   in.ClockChangeRateConfig.AssignedKey,
			Fit:           fit,
		},
		Smoothing: models.SmoothingConfig{
			Enabled:                in.AdditionalSmoothingRecordConfigOverride.Enabled,
			CoarseSclkTickDuration: in.AdditionalSmoothingRecordConfigOverride.CoarseSclkTickDuration,
		},
		DisableContactFilter: in.IsDisableContactFilter,
		CreateUplinkCmdFile:  in.IsCreateUplinkCmdFile,
		User:                 in.User,
	}
	for i, w := range in.ContactWindows {
		window := models.TimeRange{Start: timeOf(w.Start), End: timeOf(w.End)}
		if err := window.Validate(); err != nil {
			return models.CorrelationConfig{}, fmt.Errorf("contact window %d: %w", i, err)
		}
		out.ContactWindows = append(out.ContactWindows, window)
	}
	if out.TargetSampleExactERT.IsZero() {
		if err := out.TargetSampleRange.Validate(); err != nil {
			return models.CorrelationConfig{}, fmt.Errorf("target sample range: %w", err)
		}
	}
	return out, nil
}

// ToCorrelationConfig maps a domain configuration onto the wire form.
func ToCorrelationConfig(in models.CorrelationConfig) *CorrelationConfig {
	out := &CorrelationConfig{
		SamplesPerSet:                    in.SamplesPerSet,
		NewCorrelationMinTdt:             in.NewCorrelationMinTDT,
		PredictedClkRateMinLookbackHours: in.MinLookbackHours,
		PredictedClkRateMaxLookbackHours: in.MaxLookbackHours,
		TargetSampleRangeStartErt:        tsOrNil(in.TargetSampleRange.Start),
		TargetSampleRangeStopErt:         tsOrNil(in.TargetSampleRange.End),
		TargetSampleExactErt:             tsOrNil(in.TargetSampleExactERT),
		PriorCorrelationExactTdt:         in.PriorCorrelationExactTDT,
		TestModeOwltEnabled:              in.TestMode.OWLTEnabled,
		TestModeOwltSec:                  in.TestMode.OWLTSec,
		ClockChangeRateConfig: ClockChangeRateConfig{
			AssignedValue: in.ClockChangeRate.AssignedValue,
			AssignedKey:   in.ClockChangeRate.AssignedKey,
			ModeOverride:  string(in.ClockChangeRate.Mode),
			FitMethod:     string(in.ClockChangeRate.Fit),
		},
		AdditionalSmoothingRecordConfigOverride: SmoothingConfig{
			Enabled:                in.Smoothing.Enabled,
			CoarseSclkTickDuration: in.Smoothing.CoarseSclkTickDuration,
		},
		IsDisableContactFilter: in.DisableContactFilter,
		IsCreateUplinkCmdFile:  in.CreateUplinkCmdFile,
		User:                   in.User,
	}
	for _, w := range in.ContactWindows {
		out.ContactWindows = append(out.ContactWindows, TimeRange{Start: tsOrNil(w.Start), End: tsOrNil(w.End)})
	}
	return out
}

// ToTriplet maps a triplet onto the wire form.
func ToTriplet(t models.Triplet) Triplet {
	return Triplet{
		OnboardClock:         t.OnboardClock,
		TerrestrialTime:      t.TerrestrialTime,
		TerrestrialTimeStr:   timeconv.FormatTDT(t.TerrestrialTime),
		ClockChangeRate:      t.ClockChangeRate,
		GroundTimeOfValidity: tsOrNil(t.GroundTimeOfValidity),
		TestMode:             t.TestMode,
	}
}

// ToTriplets maps a slice of triplets.
func ToTriplets(in []models.Triplet) []Triplet {
	out := make([]Triplet, 0, len(in))
	for _, t := range in {
		out = append(out, ToTriplet(t))
	}
	return out
}

// ToCorrelationResults maps a preview or commit outcome.
func ToCorrelationResults(in models.CorrelationResults) *CorrelationResults {
	out := &CorrelationResults{
		RunID:       in.RunID,
		PreviewID:   in.PreviewID,
		Correlation: ToTriplet(in.Correlation),
		Rate: RateEstimate{
			Rate:              in.Rate.Rate,
			Provenance:        string(in.Rate.Provenance),
			Mode:              string(in.Rate.Mode),
			FitMethod:         string(in.Rate.Fit),
			LookbackHours:     in.Rate.LookbackHours,
			PriorRunID:        in.Rate.PriorRunID,
			SpanRunIDs:        append([]int64(nil), in.Rate.SpanRunIDs...),
			InterpolatedRate:  in.Rate.InterpolatedRate,
			InterpolatedRunID: in.Rate.InterpolatedRunID,
		},
		Geometry: Geometry{
			StationID:    in.Geometry.StationID,
			Ert:          tsOrNil(in.Geometry.ERT),
			OwltSec:      in.Geometry.OWLTSec,
			TestModeOwlt: in.Geometry.TestModeOWLT,
			TdBeSec:      in.Geometry.TdBeSec,
			TdScSec:      in.Geometry.TdScSec,
			TfOffsetSec:  in.Geometry.TfOffsetSec,
			EtG:          in.Geometry.ETG,
			TdtG:         in.Geometry.TDTG,
			TdtGStr:      in.Geometry.TDTGString,
		},
		Ancillary: Ancillary{
			SclkDriftMsPerDay:    in.Ancillary.SclkDriftMsPerDay,
			RateDeviationPpm:     in.Ancillary.RateDeviationPpm,
			ContactDriftMsPerDay: in.Ancillary.ContactDriftMsDay,
			SampleCount:          in.Ancillary.SampleCount,
			CandidateSamples:     in.Ancillary.CandidateSamples,
			SampleSetRef:         in.Ancillary.SampleSetRef,
			AnchorIndex:          in.Ancillary.AnchorIndex,
			SmoothedClock:        in.Ancillary.SmoothedClock,
			RawClock:             in.Ancillary.RawClock,
		},
		AppRunTime: tsOrNil(in.AppRunTime),
		Warnings:   append([]string(nil), in.Warnings...),
		Products:   toProductRecords(in.Products),
	}
	return out
}

// ToPreviewResponse maps a preview.
func ToPreviewResponse(in models.PreviewResult) *PreviewResponse {
	return &PreviewResponse{
		UpdatedTriplets:    ToTriplets(in.UpdatedTriplets),
		TelemetryPoints:    ToTelemetryPoints(in.TelemetryPoints),
		SampleSetRef:       in.SampleSet.Ref,
		CorrelationResults: *ToCorrelationResults(in.Results),
	}
}

// ToTelemetryPoints maps projected samples.
func ToTelemetryPoints(in []models.TelemetryPoint) []TelemetryPoint {
	out := make([]TelemetryPoint, 0, len(in))
	for _, p := range in {
		out = append(out, TelemetryPoint{
			OriginalFrameSample:  toFrameSample(p.Sample),
			TerrestrialTimeValue: p.TerrestrialTime,
			GroundTimeUtc:        tsOrNil(p.GroundTimeUTC),
			GroundTimeErrorMs:    p.GroundTimeErrorMs,
			OneWayLightTimeSec:   p.OWLTSec,
		})
	}
	return out
}

// ToRunHistory maps audit rows.
func ToRunHistory(in []models.RunHistoryRow) *RunHistoryResponse {
	out := &RunHistoryResponse{Runs: make([]RunHistoryRow, 0, len(in))}
	for _, row := range in {
		out.Runs = append(out.Runs, RunHistoryRow{
			RunID:             row.RunID,
			RunTime:           tsOrNil(row.RunTime),
			Status:            string(row.Status),
			RolledBack:        row.RolledBack,
			RolledBackAt:      tsOrNil(row.RolledBackAt),
			RunUser:           row.User,
			Invocation:        row.Invocation,
			EncSclk:           row.OnboardClock,
			Tdt:               row.TDT,
			ClkChgRate:        row.Rate,
			RateMode:          string(row.RateMode),
			InterpolatedRate:  row.InterpolatedRate,
			InterpolatedRunID: row.InterpolatedRunID,
			TestMode:          row.TestMode,
			Products:          toProductRecords(row.Products),
		})
	}
	return out
}

// FromRangeRequest extracts the window of a range query.
func FromRangeRequest(in *RangeRequest) (models.TimeRange, error) {
	if in == nil || in.BeginTime == nil || in.EndTime == nil {
		return models.TimeRange{}, fmt.Errorf("%w: beginTime and endTime are required", models.ErrInvalidRange)
	}
	window := models.TimeRange{Start: in.BeginTime.AsTime(), End: in.EndTime.AsTime()}
	return window, window.Validate()
}

func toFrameSample(s models.FrameSample) FrameSample {
	return FrameSample{
		Ert:           tsOrNil(s.ERT),
		SclkCoarse:    s.SclkCoarse,
		SclkFine:      s.SclkFine,
		PathID:        s.PathID,
		Vcid:          s.VCID,
		Vcfc:          s.VCFC,
		Mcfc:          s.MCFC,
		SuppVcid:      s.SuppVCID,
		SuppVcfc:      s.SuppVCFC,
		SuppErt:       tsOrNil(s.SuppERT),
		DataRateBps:   s.DataRateBps,
		FrameSizeBits: s.FrameSizeBits,
		Valid:         s.Valid.String(),
	}
}

func toProductRecords(in []models.ProductRecord) []ProductRecord {
	if len(in) == 0 {
		return nil
	}
	out := make([]ProductRecord, 0, len(in))
	for _, r := range in {
		out = append(out, ProductRecord{
			Generator: r.Generator,
			Location:  r.Location,
			Detail:    r.Detail,
			Skipped:   r.Skipped,
			Error:     r.Error,
		})
	}
	return out
}

func tsOrNil(t time.Time) *timestamppb.Timestamp {
	if t.IsZero() {
		return nil
	}
	return timestamppb.New(t)
}

func timeOf(ts *timestamppb.Timestamp) time.Time {
	if ts == nil {
		return time.Time{}
	}
	return ts.AsTime()
}
