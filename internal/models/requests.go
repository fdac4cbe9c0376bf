package models

import (
	"fmt"
	"time"
)

// TimeRange bounds a window of ground-receive or terrestrial time.
type TimeRange struct {
	Start time.Time
	End   time.Time
}

// IsZero reports whether neither bound is set.
func (r TimeRange) IsZero() bool {
	return r.Start.IsZero() && r.End.IsZero()
}

// Validate rejects empty and inverted windows.
func (r TimeRange) Validate() error {
	if r.Start.IsZero() || r.End.IsZero() {
		return fmt.Errorf("%w: both bounds are required", ErrInvalidRange)
	}
	if !r.Start.Before(r.End) {
		return fmt.Errorf("%w: begin %s is not before end %s", ErrInvalidRange,
			r.Start.UTC().Format(time.RFC3339Nano), r.End.UTC().Format(time.RFC3339Nano))
	}
	return nil
}

// Contains reports whether t lies inside the closed window.
func (r TimeRange) Contains(t time.Time) bool {
	return !t.Before(r.Start) && !t.After(r.End)
}

// ClockChangeRateConfig selects and parameterises rate estimation for a run.
type ClockChangeRateConfig struct {
	Mode          RateMode
	AssignedValue float64
	// AssignedKey names a configured preset; it wins over AssignedValue when set.
	AssignedKey string
	Fit         FitMethod
}

// SmoothingConfig controls requantization of the anchor clock value.
type SmoothingConfig struct {
	Enabled                bool
	CoarseSclkTickDuration int64
}

// TestModeConfig substitutes a fixed one-way light time for the geometry provider's.
type TestModeConfig struct {
	OWLTEnabled bool
	OWLTSec     float64
}

// CorrelationConfig is the full set of knobs for one preview or create request.
type CorrelationConfig struct {
	SamplesPerSet            int
	NewCorrelationMinTDT     float64
	MinLookbackHours         float64
	MaxLookbackHours         float64
	TargetSampleRange        TimeRange
	TargetSampleExactERT     time.Time
	PriorCorrelationExactTDT float64
	TestMode                 TestModeConfig
	ClockChangeRate          ClockChangeRateConfig
	Smoothing                SmoothingConfig
	DisableContactFilter     bool
	CreateUplinkCmdFile      bool
	ContactWindows           []TimeRange
	User                     string
}

// QueryWindow resolves the ERT window a run draws samples from. Exact-ERT requests widen
// the window by pad on both sides so neighbouring samples can complete the set.
func (c CorrelationConfig) QueryWindow(pad time.Duration) TimeRange {
	if !c.TargetSampleExactERT.IsZero() {
		return TimeRange{
			Start: c.TargetSampleExactERT.Add(-pad),
			End:   c.TargetSampleExactERT.Add(pad),
		}
	}
	return c.TargetSampleRange
}

// GeometryInfo reports the light-time and delay terms behind a triplet.
type GeometryInfo struct {
	StationID    string
	ERT          time.Time
	OWLTSec      float64
	TestModeOWLT bool
	TdBeSec      float64
	TdScSec      float64
	TfOffsetSec  float64
	ETG          float64
	TDTG         float64
	TDTGString   string
}

// AncillaryInfo carries derived statistics that accompany a triplet.
type AncillaryInfo struct {
	SclkDriftMsPerDay float64
	RateDeviationPpm  float64
	ContactDriftMsDay float64
	SampleCount       int
	CandidateSamples  int
	SampleSetRef      string
	AnchorIndex       int
	SmoothedClock     int64
	RawClock          int64
}

// CorrelationResults is the outcome of a preview or commit.
type CorrelationResults struct {
	RunID       int64
	PreviewID   string
	Correlation Triplet
	Rate        RateEstimate
	Geometry    GeometryInfo
	Ancillary   AncillaryInfo
	AppRunTime  time.Time
	Warnings    []string
	Products    []ProductRecord
}

// PreviewResult bundles a preview with the context needed to plot it.
type PreviewResult struct {
	UpdatedTriplets []Triplet
	TelemetryPoints []TelemetryPoint
	SampleSet       SampleSet
	Results         CorrelationResults
}
