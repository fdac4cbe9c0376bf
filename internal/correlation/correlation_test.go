package correlation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miradorstack/sclk-correlator/internal/geometry"
	"github.com/miradorstack/sclk-correlator/internal/models"
	"github.com/miradorstack/sclk-correlator/internal/timeconv"
)

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newComputer(t *testing.T, settings Settings) *Computer {
	t.Helper()
	if settings.FineModulus == 0 {
		settings.FineModulus = 256
	}
	c, err := NewComputer(geometry.NewStaticProvider(map[string]float64{"DSS-14": 600}),
		geometry.StationResolver{14: "DSS-14"}, settings)
	require.NoError(t, err)
	return c
}

func set(n int) models.SampleSet {
	samples := make([]models.FrameSample, n)
	for i := range samples {
		samples[i] = models.FrameSample{
			ERT:         epoch.Add(time.Duration(i) * 10 * time.Second),
			SclkCoarse:  int64(5000 + 10*i),
			SclkFine:    128,
			PathID:      14,
			DataRateBps: 2000,
			Seq:         int64(i + 1),
		}
	}
	return models.SampleSet{Samples: samples, Candidates: 3 * n, Ref: "ref"}
}

func TestGroundTime(t *testing.T) {
	c := newComputer(t, Settings{SpacecraftTimeDelaySec: 0.25, FrameErtBitOffsetErr: 100})
	sample := set(1).Samples[0]

	geo, err := c.GroundTime(context.Background(), sample, models.TestModeConfig{})
	require.NoError(t, err)

	assert.Equal(t, "DSS-14", geo.StationID)
	assert.Equal(t, 600.0, geo.OWLTSec)
	assert.InDelta(t, 0.05, geo.TdBeSec, 1e-12)
	assert.InDelta(t, 128.5/256, geo.TfOffsetSec, 1e-12)

	want := timeconv.ETToTDT(timeconv.UTCToET(sample.ERT) - 0.05 - 600 - 0.25 - 128.5/256)
	assert.InDelta(t, want, geo.TDTG, 1e-6)
	assert.Equal(t, timeconv.RoundHalfUp(geo.TDTG, 6), geo.TDTG)
	assert.Equal(t, timeconv.FormatTDT(geo.TDTG), geo.TDTGString)
}

func TestGroundTimeTestModeSubstitutesLightTime(t *testing.T) {
	c := newComputer(t, Settings{})
	sample := set(1).Samples[0]
	sample.PathID = 99 // no geometry for this station

	_, err := c.GroundTime(context.Background(), sample, models.TestModeConfig{})
	require.ErrorIs(t, err, geometry.ErrNoCoverage)

	geo, err := c.GroundTime(context.Background(), sample, models.TestModeConfig{OWLTEnabled: true, OWLTSec: 12.5})
	require.NoError(t, err)
	assert.Equal(t, 12.5, geo.OWLTSec)
	assert.True(t, geo.TestModeOWLT)
}

func TestAnchorPolicies(t *testing.T) {
	ctx := context.Background()
	in := Input{Set: set(5)}

	a, err := newComputer(t, Settings{}).Anchor(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, 4, a.Index)
	assert.Equal(t, int64(5040), a.Clock)

	a, err = newComputer(t, Settings{AnchorPolicy: AnchorSetMiddle}).Anchor(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, 2, a.Index)

	in.ExactERT = epoch.Add(10 * time.Second)
	a, err = newComputer(t, Settings{}).Anchor(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, 1, a.Index)

	in.ExactERT = epoch.Add(time.Hour)
	_, err = newComputer(t, Settings{}).Anchor(ctx, in)
	assert.ErrorIs(t, err, models.ErrInsufficientSamples)
}

func TestAnchorTieBreak(t *testing.T) {
	s := set(3)
	s.Samples[1].ERT = s.Samples[2].ERT
	s.Samples[1].Seq, s.Samples[2].Seq = 9, 4
	in := Input{Set: s}

	a, err := newComputer(t, Settings{}).Anchor(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, 1, a.Index, "last ingested wins by default")

	a, err = newComputer(t, Settings{TieBreak: TieBreakFirstIngested}).Anchor(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, 2, a.Index)
}

func TestSmoothingRequantizesBeforeRate(t *testing.T) {
	c := newComputer(t, Settings{})
	raw, err := c.Anchor(context.Background(), Input{Set: set(5)})
	require.NoError(t, err)

	in := Input{
		Set:       set(5),
		Smoothing: models.SmoothingConfig{Enabled: true, CoarseSclkTickDuration: 32},
		Latest:    models.Triplet{OnboardClock: 1000, TerrestrialTime: 1, ClockChangeRate: 1.5},
		HasLatest: true,
	}
	smoothed, err := c.Anchor(context.Background(), in)
	require.NoError(t, err)

	assert.Equal(t, int64(5040), smoothed.RawClock)
	assert.Equal(t, int64(5040-5040%32), smoothed.Clock)
	shift := float64(5040%32) * 1.5
	assert.InDelta(t, raw.TDT-shift, smoothed.TDT, 1e-6)
	assert.Equal(t, float64(smoothed.Clock), smoothed.Point().Sclk)
}

func TestAnchorRejectsBelowMinimumTDT(t *testing.T) {
	c := newComputer(t, Settings{})
	a, err := c.Anchor(context.Background(), Input{Set: set(5)})
	require.NoError(t, err)

	_, err = c.Anchor(context.Background(), Input{Set: set(5), MinTDT: a.TDT + 1})
	assert.ErrorIs(t, err, models.ErrInvalidRange)
}

func TestAnchorAndFinishAreDeterministic(t *testing.T) {
	c := newComputer(t, Settings{RateDeviationWarnPpm: 1})
	in := Input{
		Set:           set(5),
		SamplesPerSet: 5,
		Latest:        models.Triplet{OnboardClock: 10, TerrestrialTime: 10, ClockChangeRate: 1},
		HasLatest:     true,
	}
	est := models.RateEstimate{Rate: 1.00001, Provenance: models.ProvenanceComputed}

	run := func() (Anchor, models.Triplet, models.AncillaryInfo, []string) {
		a, err := c.Anchor(context.Background(), in)
		require.NoError(t, err)
		trip, anc, warnings := c.Finish(a, est, in)
		return a, trip, anc, warnings
	}
	a1, t1, anc1, w1 := run()
	a2, t2, anc2, w2 := run()

	assert.Equal(t, a1, a2)
	assert.Equal(t, t1, t2)
	assert.Equal(t, anc1, anc2)
	assert.Equal(t, w1, w2)
	assert.Equal(t, 1.00001, t1.ClockChangeRate)
	assert.Equal(t, a1.Clock, t1.OnboardClock)
	assert.Equal(t, a1.TDT, t1.TerrestrialTime)
	assert.InDelta(t, 10.0, anc1.RateDeviationPpm, 1e-6)
	require.Len(t, w1, 1, "rate deviation warning expected")
	assert.Contains(t, w1[0], "ppm")
}

func TestFinishWarnings(t *testing.T) {
	c := newComputer(t, Settings{})
	s := set(5)
	s.Candidates = 6
	in := Input{Set: s, SamplesPerSet: 5, TestMode: models.TestModeConfig{OWLTEnabled: true, OWLTSec: -1}}
	a, err := c.Anchor(context.Background(), in)
	require.NoError(t, err)

	trip, _, warnings := c.Finish(a, models.RateEstimate{Rate: 1}, in)
	assert.True(t, trip.TestMode)
	assert.Len(t, warnings, 3)
}

func TestDriftHelpers(t *testing.T) {
	assert.Equal(t, 0.0, SclkDriftMsPerDay(1))
	assert.InDelta(t, -864.0, SclkDriftMsPerDay(1.00001), 0.05)

	prev := models.Triplet{OnboardClock: 0, TerrestrialTime: 0, ClockChangeRate: 1}
	assert.InDelta(t, 864.0, ContactDriftMsPerDay(prev, 100001, 100000), 1e-3)
	assert.InDelta(t, 15.0, PredictTDT(models.Triplet{OnboardClock: 10, TerrestrialTime: 5, ClockChangeRate: 2}, 15), 1e-12)
}
