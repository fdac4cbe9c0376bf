// Package correlation turns a filtered sample set and a clock change rate into a
// correlation triplet.
package correlation

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/miradorstack/sclk-correlator/internal/geometry"
	"github.com/miradorstack/sclk-correlator/internal/models"
	"github.com/miradorstack/sclk-correlator/internal/rate"
	"github.com/miradorstack/sclk-correlator/internal/timeconv"
)

// Anchor policies.
const (
	AnchorWindowEnd = "window-end"
	AnchorSetMiddle = "set-middle"
)

// Tie-break policies for samples sharing an ERT.
const (
	TieBreakLastIngested  = "last-ingested"
	TieBreakFirstIngested = "first-ingested"
)

// TDTDecimals is the precision terrestrial times are published with.
const TDTDecimals = 6

const msPerDay = 86400000

// Settings are the mission constants the computer works with.
type Settings struct {
	FineModulus            int64
	SpacecraftTimeDelaySec float64
	FrameErtBitOffsetErr   float64
	AnchorPolicy           string
	TieBreak               string
	RateDeviationWarnPpm   float64
}

// Computer derives triplets. It holds no run state; every call is a pure function of its
// inputs and the geometry provider's answers.
type Computer struct {
	geometry geometry.Provider
	stations geometry.StationResolver
	settings Settings
}

// NewComputer validates the settings and constructs a Computer.
func NewComputer(provider geometry.Provider, stations geometry.StationResolver, settings Settings) (*Computer, error) {
	if provider == nil {
		return nil, fmt.Errorf("%w: geometry provider is required", models.ErrInvalidConfig)
	}
	if settings.FineModulus <= 0 {
		return nil, fmt.Errorf("%w: fine tick modulus must be positive", models.ErrInvalidConfig)
	}
	switch settings.AnchorPolicy {
	case "":
		settings.AnchorPolicy = AnchorWindowEnd
	case AnchorWindowEnd, AnchorSetMiddle:
	default:
		return nil, fmt.Errorf("%w: unknown anchor policy %q", models.ErrInvalidConfig, settings.AnchorPolicy)
	}
	switch settings.TieBreak {
	case "":
		settings.TieBreak = TieBreakLastIngested
	case TieBreakLastIngested, TieBreakFirstIngested:
	default:
		return nil, fmt.Errorf("%w: unknown anchor tie-break %q", models.ErrInvalidConfig, settings.TieBreak)
	}
	return &Computer{geometry: provider, stations: stations, settings: settings}, nil
}

// Input is everything a computation depends on besides the rate.
type Input struct {
	Set           models.SampleSet
	SamplesPerSet int
	ExactERT      time.Time
	TestMode      models.TestModeConfig
	Smoothing     models.SmoothingConfig
	// Latest is the latest committed triplet; HasLatest is false on an empty history.
	Latest    models.Triplet
	HasLatest bool
	MinTDT    float64
}

// Anchor is the observation a triplet is pinned to, before a rate is applied.
type Anchor struct {
	Index    int
	Sample   models.FrameSample
	Geometry models.GeometryInfo
	RawClock int64
	Clock    int64
	TDT      float64
}

// Point is the anchor in the form the rate estimator consumes.
func (a Anchor) Point() rate.Point {
	return rate.Point{Sclk: float64(a.Clock), TDT: a.TDT}
}

// GroundTime computes the terrestrial time at which the spacecraft clock read the coarse
// tick of sample, working back from the receive time through the light time and delays.
func (c *Computer) GroundTime(ctx context.Context, sample models.FrameSample, testMode models.TestModeConfig) (models.GeometryInfo, error) {
	station := c.stations.Station(sample.PathID)
	info := models.GeometryInfo{
		StationID:    station,
		ERT:          sample.ERT,
		TestModeOWLT: testMode.OWLTEnabled,
		TdScSec:      c.settings.SpacecraftTimeDelaySec,
		TfOffsetSec:  (float64(sample.SclkFine) + 0.5) / float64(c.settings.FineModulus),
	}

	if testMode.OWLTEnabled {
		info.OWLTSec = testMode.OWLTSec
	} else {
		owlt, err := c.geometry.DownlinkOWLT(ctx, station, sample.ERT)
		if err != nil {
			return info, fmt.Errorf("downlink light time for %s: %w", station, err)
		}
		info.OWLTSec = owlt
	}
	if sample.DataRateBps > 0 {
		info.TdBeSec = c.settings.FrameErtBitOffsetErr / sample.DataRateBps
	}

	ertET := timeconv.UTCToET(sample.ERT)
	info.ETG = ertET - info.TdBeSec - info.OWLTSec - info.TdScSec - info.TfOffsetSec
	info.TDTG = timeconv.RoundHalfUp(timeconv.ETToTDT(info.ETG), TDTDecimals)
	info.TDTGString = timeconv.FormatTDT(info.TDTG)
	return info, nil
}

// Anchor picks the anchor sample and resolves its terrestrial time, applying smoothing.
func (c *Computer) Anchor(ctx context.Context, in Input) (Anchor, error) {
	if in.Set.Len() == 0 {
		return Anchor{}, fmt.Errorf("%w: empty sample set", models.ErrInsufficientSamples)
	}
	idx, err := c.anchorIndex(in.Set.Samples, in.ExactERT)
	if err != nil {
		return Anchor{}, err
	}
	sample := in.Set.Samples[idx]
	geo, err := c.GroundTime(ctx, sample, in.TestMode)
	if err != nil {
		return Anchor{}, err
	}

	a := Anchor{
		Index:    idx,
		Sample:   sample,
		Geometry: geo,
		RawClock: sample.SclkCoarse,
		Clock:    sample.SclkCoarse,
		TDT:      geo.TDTG,
	}
	if in.Smoothing.Enabled {
		a.Clock, a.TDT = c.smooth(a.RawClock, a.TDT, in)
	}
	if in.MinTDT != 0 && a.TDT < in.MinTDT {
		return Anchor{}, fmt.Errorf("%w: correlation TDT %s precedes the minimum %s", models.ErrInvalidRange,
			timeconv.FormatTDT(a.TDT), timeconv.FormatTDT(in.MinTDT))
	}
	return a, nil
}

// smooth requantizes the clock onto the coarse tick grid and walks the terrestrial time
// back by the same number of ticks at the latest committed rate.
func (c *Computer) smooth(clock int64, tdt float64, in Input) (int64, float64) {
	step := in.Smoothing.CoarseSclkTickDuration
	if step <= 1 {
		return clock, tdt
	}
	quantized := clock - mod(clock, step)
	shiftRate := 1.0
	if in.HasLatest && in.Latest.ClockChangeRate > 0 {
		shiftRate = in.Latest.ClockChangeRate
	}
	shifted := tdt - float64(clock-quantized)*shiftRate
	return quantized, timeconv.RoundHalfUp(shifted, TDTDecimals)
}

func mod(v, m int64) int64 {
	r := v % m
	if r < 0 {
		r += m
	}
	return r
}

func (c *Computer) anchorIndex(samples []models.FrameSample, exact time.Time) (int, error) {
	if !exact.IsZero() {
		idx := -1
		for i, s := range samples {
			if s.ERT.Equal(exact) && (idx < 0 || c.prefer(s, samples[idx])) {
				idx = i
			}
		}
		if idx < 0 {
			return 0, fmt.Errorf("%w: no sample received at %s", models.ErrInsufficientSamples,
				exact.UTC().Format(time.RFC3339Nano))
		}
		return idx, nil
	}

	if c.settings.AnchorPolicy == AnchorSetMiddle {
		return len(samples) / 2, nil
	}
	last := len(samples) - 1
	idx := last
	for i := last - 1; i >= 0 && samples[i].ERT.Equal(samples[last].ERT); i-- {
		if c.prefer(samples[i], samples[idx]) {
			idx = i
		}
	}
	return idx, nil
}

// prefer reports whether a wins over b when both share an ERT.
func (c *Computer) prefer(a, b models.FrameSample) bool {
	if c.settings.TieBreak == TieBreakFirstIngested {
		return a.Seq < b.Seq
	}
	return a.Seq > b.Seq
}

// Finish binds the anchor to the rate and collects the advisory warnings.
func (c *Computer) Finish(anchor Anchor, est models.RateEstimate, in Input) (models.Triplet, models.AncillaryInfo, []string) {
	trip := models.Triplet{
		OnboardClock:         anchor.Clock,
		TerrestrialTime:      anchor.TDT,
		ClockChangeRate:      est.Rate,
		GroundTimeOfValidity: anchor.Sample.ERT,
		TestMode:             in.TestMode.OWLTEnabled,
	}

	anc := models.AncillaryInfo{
		SclkDriftMsPerDay: SclkDriftMsPerDay(est.Rate),
		SampleCount:       in.Set.Len(),
		CandidateSamples:  in.Set.Candidates,
		SampleSetRef:      in.Set.Ref,
		AnchorIndex:       anchor.Index,
		SmoothedClock:     anchor.Clock,
		RawClock:          anchor.RawClock,
	}
	if in.HasLatest {
		anc.RateDeviationPpm = RateDeviationPpm(est.Rate, in.Latest.ClockChangeRate)
		anc.ContactDriftMsDay = ContactDriftMsPerDay(in.Latest, anchor.Clock, anchor.TDT)
	}

	var warnings []string
	if in.SamplesPerSet > 0 && in.Set.Candidates < 2*in.SamplesPerSet {
		warnings = append(warnings, fmt.Sprintf("only %d candidate samples for sets of %d", in.Set.Candidates, in.SamplesPerSet))
	}
	if in.HasLatest && c.settings.RateDeviationWarnPpm > 0 && math.Abs(anc.RateDeviationPpm) > c.settings.RateDeviationWarnPpm {
		warnings = append(warnings, fmt.Sprintf("clock change rate deviates %.3f ppm from the latest committed rate", anc.RateDeviationPpm))
	}
	if in.TestMode.OWLTEnabled && in.TestMode.OWLTSec < 0 {
		warnings = append(warnings, fmt.Sprintf("test mode light time %.6fs is negative", in.TestMode.OWLTSec))
	}
	if anchor.Sample.DataRateBps <= 0 && c.settings.FrameErtBitOffsetErr != 0 {
		warnings = append(warnings, "anchor sample has no data rate; bit offset correction skipped")
	}
	if in.TestMode.OWLTEnabled {
		warnings = append(warnings, "test mode light time in use; products will not be generated")
	}
	return trip, anc, warnings
}

// SclkDriftMsPerDay expresses a rate as onboard clock drift in ms/day.
func SclkDriftMsPerDay(rate float64) float64 {
	if rate == 0 {
		return 0
	}
	return timeconv.RoundHalfUp((1/rate-1)*msPerDay, 3)
}

// RateDeviationPpm compares a rate to a reference rate in parts per million.
func RateDeviationPpm(rate, reference float64) float64 {
	if reference == 0 {
		return 0
	}
	return (rate - reference) / reference * 1e6
}

// ContactDriftMsPerDay is the drift implied by moving from prev to (clock, tdt).
func ContactDriftMsPerDay(prev models.Triplet, clock int64, tdt float64) float64 {
	dTDT := tdt - prev.TerrestrialTime
	if dTDT == 0 {
		return 0
	}
	dSclk := float64(clock - prev.OnboardClock)
	return timeconv.RoundHalfUp((dSclk/dTDT-1)*msPerDay, 3)
}

// PredictTDT extends a triplet to another clock value.
func PredictTDT(t models.Triplet, clock float64) float64 {
	return t.TerrestrialTime + (clock-float64(t.OnboardClock))*t.ClockChangeRate
}
