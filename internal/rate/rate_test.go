package rate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miradorstack/sclk-correlator/internal/models"
)

const (
	baseSclk = 1_000_000
	baseTDT  = 7.6e8
	drift    = 1.00001
	step     = 36000 // ten hours of ticks
)

// history returns n runs ten hours apart with run ids 1..n.
func history(n int) []Entry {
	out := make([]Entry, n)
	for k := 0; k < n; k++ {
		out[k] = Entry{RunID: int64(k + 1), Triplet: models.Triplet{
			OnboardClock:    int64(baseSclk + k*step),
			TerrestrialTime: baseTDT + float64(k*step)*drift,
			ClockChangeRate: drift,
		}}
	}
	return out
}

func anchorAt(k int) Point {
	return Point{Sclk: float64(baseSclk + k*step), TDT: baseTDT + float64(k*step)*drift}
}

func computed(min, max float64) Request {
	return Request{
		Config:           models.ClockChangeRateConfig{Mode: models.RateModeComputePredict},
		MinLookbackHours: min,
		MaxLookbackHours: max,
		Anchor:           anchorAt(3),
	}
}

func TestAssignedRateNeedsNoHistory(t *testing.T) {
	e := NewEstimator(nil)
	got, err := e.Estimate(Request{Config: models.ClockChangeRateConfig{
		Mode:          models.RateModeAssign,
		AssignedValue: 1.0000000012,
	}}, nil)
	require.NoError(t, err)
	assert.InDelta(t, 1.0000000012, got.Rate, 1e-15)
	assert.Equal(t, models.ProvenanceAssigned, got.Provenance)
	assert.Zero(t, got.PriorRunID)
}

func TestAssignedPresets(t *testing.T) {
	e := NewEstimator(map[string]float64{"nominal": 0.99999998})
	got, err := e.Estimate(Request{Config: models.ClockChangeRateConfig{
		Mode:        models.RateModeAssign,
		AssignedKey: "nominal",
	}}, nil)
	require.NoError(t, err)
	assert.InDelta(t, 0.99999998, got.Rate, 1e-15)

	_, err = e.Estimate(Request{Config: models.ClockChangeRateConfig{
		Mode:        models.RateModeAssign,
		AssignedKey: "missing",
	}}, nil)
	assert.ErrorIs(t, err, models.ErrInvalidConfig)

	_, err = e.Estimate(Request{Config: models.ClockChangeRateConfig{Mode: models.RateModeAssign}}, nil)
	assert.ErrorIs(t, err, models.ErrInvalidConfig)
}

func TestNoDrift(t *testing.T) {
	got, err := NewEstimator(nil).Estimate(Request{Config: models.ClockChangeRateConfig{Mode: models.RateModeNoDrift}}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1.0, got.Rate)
}

func TestComputedWithEmptyHistory(t *testing.T) {
	_, err := NewEstimator(nil).Estimate(computed(0, 100), nil)
	assert.ErrorIs(t, err, models.ErrNoPriorCorrelation)
}

func TestComputedWalksToLookbackWindow(t *testing.T) {
	got, err := NewEstimator(nil).Estimate(computed(15, 40), history(3))
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.PriorRunID)
	assert.Equal(t, []int64{3, 2}, got.SpanRunIDs)
	assert.InDelta(t, drift, got.Rate, 1e-11)
	assert.InDelta(t, 20.0002, got.LookbackHours, 1e-6)
	assert.GreaterOrEqual(t, got.LookbackHours, 15.0)
	assert.LessOrEqual(t, got.LookbackHours, 40.0)
	assert.Equal(t, models.ProvenanceComputed, got.Provenance)
}

func TestComputedOutsideLookback(t *testing.T) {
	e := NewEstimator(nil)
	_, err := e.Estimate(computed(25, 28), history(3))
	assert.ErrorIs(t, err, models.ErrNoPriorCorrelation)

	_, err = e.Estimate(computed(50, 60), history(3))
	assert.ErrorIs(t, err, models.ErrNoPriorCorrelation)
}

func TestComputedTieBreakPrefersLaterRun(t *testing.T) {
	h := history(2)
	twin := h[0]
	twin.RunID = 7
	twin.Triplet.OnboardClock -= 10
	h = append(h, twin)

	got, err := NewEstimator(nil).Estimate(computed(25, 40), h)
	require.NoError(t, err)
	assert.Equal(t, int64(7), got.PriorRunID)
}

func TestPriorExactTDT(t *testing.T) {
	req := computed(0, 40)
	req.PriorExactTDT = history(3)[0].Triplet.TerrestrialTime
	got, err := NewEstimator(nil).Estimate(req, history(3))
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.PriorRunID)

	req.PriorExactTDT = 1
	_, err = NewEstimator(nil).Estimate(req, history(3))
	assert.ErrorIs(t, err, models.ErrNoPriorCorrelation)
}

func TestLeastSquaresMatchesEndpointsOnLinearHistory(t *testing.T) {
	req := computed(25, 40)
	req.Config.Fit = models.FitLeastSquares
	got, err := NewEstimator(nil).Estimate(req, history(3))
	require.NoError(t, err)
	assert.InDelta(t, drift, got.Rate, 1e-11)
	assert.Equal(t, []int64{3, 2, 1}, got.SpanRunIDs)
}

func TestInterpolateReplacesLatestRate(t *testing.T) {
	req := computed(15, 40)
	req.Config.Mode = models.RateModeComputeInterpolate
	// Ten hours after run 3 the clock reads 36 ms later than the history line predicts.
	req.Anchor.TDT += 0.036

	got, err := NewEstimator(nil).Estimate(req, history(3))
	require.NoError(t, err)
	assert.Equal(t, models.RateModeComputeInterpolate, got.Mode)
	assert.Equal(t, int64(2), got.PriorRunID, "the new triplet keeps the predicted rate")
	assert.InDelta(t, drift+0.5e-6, got.Rate, 1e-11)
	assert.Equal(t, int64(3), got.InterpolatedRunID)
	assert.InDelta(t, drift+1e-6, got.InterpolatedRate, 1e-11)
}

func TestInterpolateKeepsSeedRate(t *testing.T) {
	req := computed(0, 40)
	req.Config.Mode = models.RateModeComputeInterpolate

	got, err := NewEstimator(nil).Estimate(req, history(1))
	require.NoError(t, err)
	assert.Equal(t, models.RateModeComputePredict, got.Mode)
	assert.Zero(t, got.InterpolatedRunID)
	assert.Zero(t, got.InterpolatedRate)

	_, err = NewEstimator(nil).Estimate(req, nil)
	assert.ErrorIs(t, err, models.ErrNoPriorCorrelation)
}

func TestInterpolateRejectsStaleAnchor(t *testing.T) {
	req := computed(0, 40)
	req.Config.Mode = models.RateModeComputeInterpolate
	req.Anchor = anchorAt(2)

	_, err := NewEstimator(nil).Estimate(req, history(3))
	assert.ErrorIs(t, err, models.ErrOutOfOrderCommit)
}

func TestSlopeDegenerate(t *testing.T) {
	_, ok := Slope([]float64{5, 5}, []float64{1, 2})
	assert.False(t, ok)
	s, ok := Slope([]float64{0, 1, 2}, []float64{1, 3, 5})
	require.True(t, ok)
	assert.InDelta(t, 2.0, s, 1e-12)
}
