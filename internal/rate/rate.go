// Package rate estimates the clock change rate of a new correlation, either from
// configuration or from the committed history.
package rate

import (
	"fmt"
	"math"
	"sort"

	"github.com/miradorstack/sclk-correlator/internal/models"
	"github.com/miradorstack/sclk-correlator/internal/timeconv"
)

// Decimals is the precision rates are published with.
const Decimals = 11

// Entry is one committed correlation as the estimator sees it.
type Entry struct {
	RunID   int64
	Triplet models.Triplet
}

// Point is a clock value in coarse ticks and the terrestrial time it corresponds to.
type Point struct {
	Sclk float64
	TDT  float64
}

// Request describes one estimation.
type Request struct {
	Config           models.ClockChangeRateConfig
	MinLookbackHours float64
	MaxLookbackHours float64
	// Anchor is the new correlation point the rate must reach.
	Anchor Point
	// PriorExactTDT pins computed modes to the committed run at exactly this TDT.
	PriorExactTDT float64
}

// Estimator resolves rates. Presets name assigned values.
type Estimator struct {
	presets map[string]float64
}

// NewEstimator copies the preset table.
func NewEstimator(presets map[string]float64) *Estimator {
	copied := make(map[string]float64, len(presets))
	for k, v := range presets {
		copied[k] = v
	}
	return &Estimator{presets: copied}
}

// Estimate returns the rate for req. history holds committed runs in any order.
func (e *Estimator) Estimate(req Request, history []Entry) (models.RateEstimate, error) {
	mode := req.Config.Mode
	if mode == "" {
		mode = models.RateModeComputePredict
	}
	switch mode {
	case models.RateModeAssign:
		return e.assigned(req.Config)
	case models.RateModeNoDrift:
		return models.RateEstimate{Rate: 1, Provenance: models.ProvenanceAssigned, Mode: mode}, nil
	case models.RateModeComputePredict:
		return e.predict(req, history)
	case models.RateModeComputeInterpolate:
		return e.interpolate(req, history)
	default:
		return models.RateEstimate{}, fmt.Errorf("%w: unknown clock change rate mode %q", models.ErrInvalidConfig, mode)
	}
}

func (e *Estimator) assigned(cfg models.ClockChangeRateConfig) (models.RateEstimate, error) {
	value := cfg.AssignedValue
	if cfg.AssignedKey != "" {
		preset, ok := e.presets[cfg.AssignedKey]
		if !ok {
			return models.RateEstimate{}, fmt.Errorf("%w: unknown assigned rate preset %q", models.ErrInvalidConfig, cfg.AssignedKey)
		}
		value = preset
	}
	if value <= 0 || math.IsNaN(value) || math.IsInf(value, 0) {
		return models.RateEstimate{}, fmt.Errorf("%w: assigned rate %g must be positive", models.ErrInvalidConfig, value)
	}
	return models.RateEstimate{
		Rate:       timeconv.RoundHalfUp(value, Decimals),
		Provenance: models.ProvenanceAssigned,
		Mode:       models.RateModeAssign,
	}, nil
}

// ordered sorts newest first: later TDT, then larger run id for equal TDT.
func ordered(history []Entry) []Entry {
	out := append([]Entry(nil), history...)
	sort.SliceStable(out, func(i, j int) bool {
		ti, tj := out[i].Triplet.TerrestrialTime, out[j].Triplet.TerrestrialTime
		if ti != tj {
			return ti > tj
		}
		return out[i].RunID > out[j].RunID
	})
	return out
}

func spanHours(anchor Point, e Entry) float64 {
	return (anchor.TDT - e.Triplet.TerrestrialTime) / 3600
}

func (e *Estimator) predict(req Request, history []Entry) (models.RateEstimate, error) {
	if len(history) == 0 {
		return models.RateEstimate{}, fmt.Errorf("%w: history is empty", models.ErrNoPriorCorrelation)
	}
	walk := ordered(history)

	chosen := -1
	if req.PriorExactTDT != 0 {
		for i, entry := range walk {
			if math.Abs(entry.Triplet.TerrestrialTime-req.PriorExactTDT) < 1e-6 {
				chosen = i
				break
			}
		}
		if chosen < 0 {
			return models.RateEstimate{}, fmt.Errorf("%w: no committed run at TDT %s", models.ErrNoPriorCorrelation,
				timeconv.FormatTDT(req.PriorExactTDT))
		}
		span := spanHours(req.Anchor, walk[chosen])
		if span < req.MinLookbackHours || span > req.MaxLookbackHours {
			return models.RateEstimate{}, fmt.Errorf("%w: run %d is %.3f hours back, outside [%g, %g]",
				models.ErrNoPriorCorrelation, walk[chosen].RunID, span, req.MinLookbackHours, req.MaxLookbackHours)
		}
	} else {
		for i, entry := range walk {
			span := spanHours(req.Anchor, entry)
			if span < req.MinLookbackHours {
				continue
			}
			if span > req.MaxLookbackHours {
				return models.RateEstimate{}, fmt.Errorf("%w: nearest run beyond %g hours is %d at %.3f hours, past the %g hour limit",
					models.ErrNoPriorCorrelation, req.MinLookbackHours, entry.RunID, span, req.MaxLookbackHours)
			}
			chosen = i
			break
		}
		if chosen < 0 {
			return models.RateEstimate{}, fmt.Errorf("%w: no run at least %g hours before the new correlation",
				models.ErrNoPriorCorrelation, req.MinLookbackHours)
		}
	}

	return e.fit(req, walk, chosen, models.RateModeComputePredict)
}

// interpolate gives the new correlation the predicted rate and reports the rate from the
// latest committed correlation to the anchor as that correlation's replacement rate. A
// lone committed correlation is the seed and keeps its rate, so the mode falls back to
// predicted.
func (e *Estimator) interpolate(req Request, history []Entry) (models.RateEstimate, error) {
	est, err := e.predict(req, history)
	if err != nil || len(history) < 2 {
		return est, err
	}

	latest := ordered(history)[0]
	dSclk := req.Anchor.Sclk - float64(latest.Triplet.OnboardClock)
	if dSclk <= 0 {
		return models.RateEstimate{}, fmt.Errorf("%w: onboard clock %.0f does not advance past run %d",
			models.ErrOutOfOrderCommit, req.Anchor.Sclk, latest.RunID)
	}
	est.Mode = models.RateModeComputeInterpolate
	est.InterpolatedRate = timeconv.RoundHalfUp((req.Anchor.TDT-latest.Triplet.TerrestrialTime)/dSclk, Decimals)
	est.InterpolatedRunID = latest.RunID
	return est, nil
}

// fit derives the rate from walk[chosen] (and, for least squares, every newer run) to the anchor.
func (e *Estimator) fit(req Request, walk []Entry, chosen int, mode models.RateMode) (models.RateEstimate, error) {
	prior := walk[chosen]
	spanIDs := make([]int64, 0, chosen+1)
	for _, entry := range walk[:chosen+1] {
		spanIDs = append(spanIDs, entry.RunID)
	}

	method := req.Config.Fit
	if method == "" {
		method = models.FitEndpoints
	}

	var value float64
	switch method {
	case models.FitEndpoints:
		dSclk := req.Anchor.Sclk - float64(prior.Triplet.OnboardClock)
		if dSclk <= 0 {
			return models.RateEstimate{}, fmt.Errorf("%w: onboard clock %.0f does not advance past run %d",
				models.ErrOutOfOrderCommit, req.Anchor.Sclk, prior.RunID)
		}
		value = (req.Anchor.TDT - prior.Triplet.TerrestrialTime) / dSclk
	case models.FitLeastSquares:
		xs := make([]float64, 0, chosen+2)
		ys := make([]float64, 0, chosen+2)
		for _, entry := range walk[:chosen+1] {
			xs = append(xs, float64(entry.Triplet.OnboardClock))
			ys = append(ys, entry.Triplet.TerrestrialTime)
		}
		xs = append(xs, req.Anchor.Sclk)
		ys = append(ys, req.Anchor.TDT)
		slope, ok := Slope(xs, ys)
		if !ok {
			return models.RateEstimate{}, fmt.Errorf("%w: onboard clock values do not spread across the lookback span",
				models.ErrOutOfOrderCommit)
		}
		value = slope
	default:
		return models.RateEstimate{}, fmt.Errorf("%w: unknown fit method %q", models.ErrInvalidConfig, method)
	}

	return models.RateEstimate{
		Rate:          timeconv.RoundHalfUp(value, Decimals),
		Provenance:    models.ProvenanceComputed,
		Mode:          mode,
		Fit:           method,
		LookbackHours: spanHours(req.Anchor, prior),
		PriorRunID:    prior.RunID,
		SpanRunIDs:    spanIDs,
	}, nil
}

// Slope is the ordinary least-squares gradient of ys over xs. Values are centred on their
// means first; raw clock values are large enough to lose the signal in Σx².
func Slope(xs, ys []float64) (float64, bool) {
	n := len(xs)
	if n < 2 || len(ys) != n {
		return 0, false
	}
	var meanX, meanY float64
	for i := range xs {
		meanX += xs[i]
		meanY += ys[i]
	}
	meanX /= float64(n)
	meanY /= float64(n)

	var sxy, sxx float64
	for i := range xs {
		dx := xs[i] - meanX
		sxy += dx * (ys[i] - meanY)
		sxx += dx * dx
	}
	if math.Abs(sxx) < 1e-15 {
		return 0, false
	}
	return sxy / sxx, true
}
