package api

import "google.golang.org/protobuf/types/known/timestamppb"

// GetDefaultConfigRequest is empty.
type GetDefaultConfigRequest struct{}

// TimeRange bounds a window; both ends are required where a window is.
type TimeRange struct {
	Start *timestamppb.Timestamp `json:"start,omitempty"`
	End   *timestamppb.Timestamp `json:"end,omitempty"`
}

// ClockChangeRateConfig selects the rate mode.
type ClockChangeRateConfig struct {
	AssignedValue float64 `json:"assignedValue"`
	AssignedKey   string  `json:"assignedKey,omitempty"`
	ModeOverride  string  `json:"modeOverride"`
	FitMethod     string  `json:"fitMethod,omitempty"`
}

// SmoothingConfig requantizes the anchor clock value.
type SmoothingConfig struct {
	Enabled                bool  `json:"enabled"`
	CoarseSclkTickDuration int64 `json:"coarseSclkTickDuration"`
}

// CorrelationConfig is the request configuration for Preview and Create.
type CorrelationConfig struct {
	SamplesPerSet                           int                    `json:"samplesPerSet"`
	NewCorrelationMinTdt                    float64                `json:"newCorrelationMinTdt"`
	PredictedClkRateMinLookbackHours        float64                `json:"predictedClkRateMinLookbackHours"`
	PredictedClkRateMaxLookbackHours        float64                `json:"predictedClkRateMaxLookbackHours"`
	TargetSampleRangeStartErt               *timestamppb.Timestamp `json:"targetSampleRangeStartErt,omitempty"`
	TargetSampleRangeStopErt                *timestamppb.Timestamp `json:"targetSampleRangeStopErt,omitempty"`
	TargetSampleExactErt                    *timestamppb.Timestamp `json:"targetSampleExactErt,omitempty"`
	PriorCorrelationExactTdt                float64                `json:"priorCorrelationExactTdt,omitempty"`
	TestModeOwltEnabled                     bool                   `json:"testModeOwltEnabled"`
	TestModeOwltSec                         float64                `json:"testModeOwltSec"`
	ClockChangeRateConfig                   ClockChangeRateConfig  `json:"clockChangeRateConfig"`
	AdditionalSmoothingRecordConfigOverride SmoothingConfig        `json:"additionalSmoothingRecordConfigOverride"`
	IsDisableContactFilter                  bool                   `json:"isDisableContactFilter"`
	IsCreateUplinkCmdFile                   bool                   `json:"isCreateUplinkCmdFile"`
	ContactWindows                          []TimeRange            `json:"contactWindows,omitempty"`
	User                                    string                 `json:"user,omitempty"`
}

// Triplet is a correlation point.
type Triplet struct {
	OnboardClock         int64                  `json:"onboardClock"`
	TerrestrialTime      float64                `json:"terrestrialTime"`
	TerrestrialTimeStr   string                 `json:"terrestrialTimeStr"`
	ClockChangeRate      float64                `json:"clockChangeRate"`
	GroundTimeOfValidity *timestamppb.Timestamp `json:"groundTimeOfValidity,omitempty"`
	TestMode             bool                   `json:"testMode,omitempty"`
}

// RateEstimate explains where a rate came from.
type RateEstimate struct {
	Rate              float64 `json:"rate"`
	Provenance        string  `json:"provenance"`
	Mode              string  `json:"mode"`
	FitMethod         string  `json:"fitMethod,omitempty"`
	LookbackHours     float64 `json:"lookbackHours,omitempty"`
	PriorRunID        int64   `json:"priorRunId,omitempty"`
	SpanRunIDs        []int64 `json:"spanRunIds,omitempty"`
	InterpolatedRate  float64 `json:"interpolatedRate,omitempty"`
	InterpolatedRunID int64   `json:"interpolatedRunId,omitempty"`
}

// Geometry reports the light time and delay terms.
type Geometry struct {
	StationID    string                 `json:"stationId"`
	Ert          *timestamppb.Timestamp `json:"ert,omitempty"`
	OwltSec      float64                `json:"owltSec"`
	TestModeOwlt bool                   `json:"testModeOwlt,omitempty"`
	TdBeSec      float64                `json:"tdBeSec"`
	TdScSec      float64                `json:"tdScSec"`
	TfOffsetSec  float64                `json:"tfOffsetSec"`
	EtG          float64                `json:"etG"`
	TdtG         float64                `json:"tdtG"`
	TdtGStr      string                 `json:"tdtGStr"`
}

// Ancillary carries derived statistics.
type Ancillary struct {
	SclkDriftMsPerDay    float64 `json:"sclkDriftMsPerDay"`
	RateDeviationPpm     float64 `json:"rateDeviationPpm"`
	ContactDriftMsPerDay float64 `json:"contactDriftMsPerDay"`
	SampleCount          int     `json:"sampleCount"`
	CandidateSamples     int     `json:"candidateSamples"`
	SampleSetRef         string  `json:"sampleSetRef"`
	AnchorIndex          int     `json:"anchorIndex"`
	SmoothedClock        int64   `json:"smoothedClock"`
	RawClock             int64   `json:"rawClock"`
}

// ProductRecord reports one output generator's result.
type ProductRecord struct {
	Generator string `json:"generator"`
	Location  string `json:"location,omitempty"`
	Detail    string `json:"detail,omitempty"`
	Skipped   bool   `json:"skipped,omitempty"`
	Error     string `json:"error,omitempty"`
}

// CorrelationResults is the outcome of a preview or commit.
type CorrelationResults struct {
	RunID       int64                  `json:"runId,omitempty"`
	PreviewID   string                 `json:"previewId,omitempty"`
	Correlation Triplet                `json:"correlation"`
	Rate        RateEstimate           `json:"rate"`
	Geometry    Geometry               `json:"geometry"`
	Ancillary   Ancillary              `json:"ancillary"`
	AppRunTime  *timestamppb.Timestamp `json:"appRunTime,omitempty"`
	Warnings    []string               `json:"warnings,omitempty"`
	Products    []ProductRecord        `json:"products,omitempty"`
}

// FrameSample is a raw timekeeping frame.
type FrameSample struct {
	Ert           *timestamppb.Timestamp `json:"ert"`
	SclkCoarse    int64                  `json:"sclkCoarse"`
	SclkFine      int64                  `json:"sclkFine"`
	PathID        int                    `json:"pathId"`
	Vcid          int                    `json:"vcid"`
	Vcfc          int                    `json:"vcfc"`
	Mcfc          int                    `json:"mcfc"`
	SuppVcid      int                    `json:"suppVcid"`
	SuppVcfc      int                    `json:"suppVcfc"`
	SuppErt       *timestamppb.Timestamp `json:"suppErt,omitempty"`
	DataRateBps   float64                `json:"dataRateBps"`
	FrameSizeBits int                    `json:"frameSizeBits"`
	Valid         string                 `json:"valid,omitempty"`
}

// TelemetryPoint is a sample projected onto a correlation.
type TelemetryPoint struct {
	OriginalFrameSample  FrameSample            `json:"originalFrameSample"`
	TerrestrialTimeValue float64                `json:"terrestrialTimeValue"`
	GroundTimeUtc        *timestamppb.Timestamp `json:"groundTimeUtc"`
	GroundTimeErrorMs    float64                `json:"groundTimeErrorMs"`
	OneWayLightTimeSec   float64                `json:"oneWayLightTimeSec"`
}

// PreviewRequest asks for a dry run.
type PreviewRequest struct {
	Config *CorrelationConfig `json:"config"`
}

// PreviewResponse is a dry run with plotting context.
type PreviewResponse struct {
	UpdatedTriplets    []Triplet          `json:"updatedTriplets"`
	TelemetryPoints    []TelemetryPoint   `json:"telemetryPoints"`
	SampleSetRef       string             `json:"sampleSetRef"`
	CorrelationResults CorrelationResults `json:"correlationResults"`
}

// CreateRequest commits either Config or the previewed config named by PreviewID.
type CreateRequest struct {
	Config    *CorrelationConfig `json:"config,omitempty"`
	PreviewID string             `json:"previewId,omitempty"`
}

// RollbackRequest names the run to roll back.
type RollbackRequest struct {
	RunID int64 `json:"runId"`
}

// RangeRequest bounds a correlation or telemetry query.
type RangeRequest struct {
	BeginTime       *timestamppb.Timestamp `json:"beginTime"`
	EndTime         *timestamppb.Timestamp `json:"endTime"`
	ClockKernelName string                 `json:"clockKernelName,omitempty"`
}

// CorrelationRangeResponse lists committed triplets.
type CorrelationRangeResponse struct {
	Triplets []Triplet `json:"triplets"`
}

// TelemetryRangeResponse lists projected samples.
type TelemetryRangeResponse struct {
	Points []TelemetryPoint `json:"points"`
}

// RunHistoryRequest is empty.
type RunHistoryRequest struct{}

// RunHistoryRow is one run in the audit log.
type RunHistoryRow struct {
	RunID             string                 `json:"runId"`
	RunTime           *timestamppb.Timestamp `json:"runTime"`
	Status            string                 `json:"status"`
	RolledBack        bool                   `json:"rolledBack"`
	RolledBackAt      *timestamppb.Timestamp `json:"rolledBackAt,omitempty"`
	RunUser           string                 `json:"runUser,omitempty"`
	Invocation        string                 `json:"invocation,omitempty"`
	EncSclk           int64                  `json:"encSclk"`
	Tdt               string                 `json:"tdt"`
	ClkChgRate        float64                `json:"clkChgRate"`
	RateMode          string                 `json:"rateMode,omitempty"`
	InterpolatedRate  float64                `json:"interpolatedRate,omitempty"`
	InterpolatedRunID int64                  `json:"interpolatedRunId,omitempty"`
	TestMode          bool                   `json:"testMode,omitempty"`
	Products          []ProductRecord        `json:"products,omitempty"`
}

// RunHistoryResponse lists runs most recent first.
type RunHistoryResponse struct {
	Runs []RunHistoryRow `json:"runs"`
}

// ImportRequest carries a raw telemetry table.
type ImportRequest struct {
	CSV string `json:"csv"`
}

// ImportResponse reports how many rows were parsed and newly stored.
type ImportResponse struct {
	Parsed int `json:"parsed"`
	Added  int `json:"added"`
}
