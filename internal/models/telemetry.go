package models

import "time"

// ValidState records the spacecraft-reported validity of a timekeeping frame.
type ValidState int

const (
	ValidUnset ValidState = iota
	ValidTrue
	ValidFalse
)

// String renders the state the way raw telemetry tables spell it.
func (v ValidState) String() string {
	switch v {
	case ValidTrue:
		return "true"
	case ValidFalse:
		return "false"
	default:
		return ""
	}
}

// FrameSample is one timekeeping telemetry frame as received on the ground.
// Samples are immutable once ingested.
type FrameSample struct {
	ERT           time.Time
	SclkCoarse    int64
	SclkFine      int64
	PathID        int
	VCID          int
	VCFC          int
	MCFC          int
	SuppVCID      int
	SuppVCFC      int
	SuppERT       time.Time
	DataRateBps   float64
	FrameSizeBits int
	Valid         ValidState
	// Seq is the ingestion order assigned by the telemetry source.
	Seq int64
	// SuppKnown is set when the frame reported its supplemental VCID and VCFC; the
	// zero values of those fields are not a reading.
	SuppKnown bool
}

// SclkSeconds folds the fine ticks into fractional coarse ticks.
func (s FrameSample) SclkSeconds(fineModulus int64) float64 {
	if fineModulus <= 0 {
		return float64(s.SclkCoarse)
	}
	return float64(s.SclkCoarse) + float64(s.SclkFine)/float64(fineModulus)
}

// HasSuppVCID reports whether the supplemental frame VCID is known.
func (s FrameSample) HasSuppVCID() bool {
	return s.SuppKnown && s.SuppVCID >= 0
}

// SampleSet is an ordered, deduplicated run of samples drawn from one window.
type SampleSet struct {
	Window  TimeRange
	Samples []FrameSample
	// Ref fingerprints the samples so a run can name its inputs.
	Ref string
	// Candidates counts the samples that survived window filtering before a set was chosen.
	Candidates int
}

// Len returns the number of samples in the set.
func (s SampleSet) Len() int { return len(s.Samples) }

// TelemetryPoint is a sample projected onto the committed correlation in effect for it.
type TelemetryPoint struct {
	Sample            FrameSample
	TerrestrialTime   float64
	GroundTimeUTC     time.Time
	GroundTimeErrorMs float64
	OWLTSec           float64
}
