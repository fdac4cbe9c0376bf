package models

import "time"

// Triplet binds an onboard clock value to terrestrial time and a clock change rate.
// OnboardClock is in coarse SCLK ticks, TerrestrialTime in TDT seconds past J2000 and
// ClockChangeRate in TDT seconds per coarse tick.
type Triplet struct {
	OnboardClock         int64
	TerrestrialTime      float64
	ClockChangeRate      float64
	GroundTimeOfValidity time.Time
	TestMode             bool
}

// IsZero reports whether the triplet is the empty initial state.
func (t Triplet) IsZero() bool {
	return t.OnboardClock == 0 && t.TerrestrialTime == 0 && t.ClockChangeRate == 0
}

// RunStatus is the lifecycle state of a correlation run.
type RunStatus string

const (
	RunPreview    RunStatus = "PREVIEW"
	RunCommitted  RunStatus = "COMMITTED"
	RunRolledBack RunStatus = "ROLLED_BACK"
)

// RateProvenance records where a clock change rate came from.
type RateProvenance string

const (
	ProvenanceAssigned RateProvenance = "assigned"
	ProvenanceComputed RateProvenance = "computed"
)

// RateMode selects how the clock change rate is estimated.
type RateMode string

const (
	RateModeAssign             RateMode = "assign"
	RateModeComputePredict     RateMode = "compute-predict"
	RateModeComputeInterpolate RateMode = "compute-interpolate"
	RateModeNoDrift            RateMode = "no-drift"
)

// Computed reports whether the mode derives its rate from history.
func (m RateMode) Computed() bool {
	return m == RateModeComputePredict || m == RateModeComputeInterpolate
}

// FitMethod selects how a computed rate is fitted across the lookback span.
type FitMethod string

const (
	FitEndpoints    FitMethod = "endpoints"
	FitLeastSquares FitMethod = "least-squares"
)

// RateEstimate is a clock change rate plus its provenance.
type RateEstimate struct {
	Rate          float64
	Provenance    RateProvenance
	Mode          RateMode
	Fit           FitMethod
	LookbackHours float64
	// PriorRunID names the oldest run inside the lookback span, zero for assigned rates.
	PriorRunID int64
	// SpanRunIDs lists every run that contributed to a computed rate, newest first.
	SpanRunIDs []int64
	// InterpolatedRate is the rate from the latest committed run to the new correlation.
	// In interpolated mode it replaces that run's rate, named by InterpolatedRunID, while
	// the new triplet carries the predicted rate.
	InterpolatedRate  float64
	InterpolatedRunID int64
}

// ProductRecord describes what one output generator did for a run.
type ProductRecord struct {
	Generator string
	Location  string
	Detail    string
	Skipped   bool
	Error     string
}

// Run is one correlation attempt. Committed runs are owned by the history store.
type Run struct {
	ID           int64
	CreatedAt    time.Time
	Status       RunStatus
	Triplet      Triplet
	SampleSetRef string
	Warnings     []string
	Rate         RateEstimate
	User         string
	Invocation   string
	RolledBackAt time.Time
	Products     []ProductRecord
}

// Committed reports whether the run is part of the live history.
func (r Run) Committed() bool { return r.Status == RunCommitted }

// RunHistoryRow is the audit view of a run.
type RunHistoryRow struct {
	RunID        string
	RunTime      time.Time
	Status       RunStatus
	RolledBack   bool
	RolledBackAt time.Time
	User         string
	Invocation   string
	OnboardClock int64
	TDT          string
	Rate         float64
	RateMode     RateMode
	TestMode     bool
	Products     []ProductRecord
	// InterpolatedRate is the replacement rate this run gave InterpolatedRunID, if any.
	InterpolatedRate  float64
	InterpolatedRunID int64
}
