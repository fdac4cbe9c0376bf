// Package filter turns a telemetry window into the sample set a correlation is computed from.
package filter

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/miradorstack/sclk-correlator/internal/models"
	"github.com/miradorstack/sclk-correlator/internal/telemetry"
	"github.com/miradorstack/sclk-correlator/internal/utils"
)

// Windowing strategies for stepping through candidate sets.
const (
	WindowingSeparate = "separate"
	WindowingSliding  = "sliding"
)

// AcceptFunc gets the final say on a candidate set that passed every enabled filter.
// Returning an error rejects the set and the search continues with the next one.
type AcceptFunc func(ctx context.Context, samples []models.FrameSample) error

// Options parameterises one selection.
type Options struct {
	SamplesPerSet        int
	Windowing            string
	Enabled              []string
	Params               Params
	ContactWindows       []models.TimeRange
	DisableContactFilter bool
	ExactERT             time.Time
	Accept               AcceptFunc
}

// Filter selects sample sets from a telemetry source.
type Filter struct {
	source    telemetry.Source
	maxWindow time.Duration
	logger    *slog.Logger
}

// New constructs a Filter. A zero maxWindow leaves query windows unbounded.
func New(source telemetry.Source, maxWindow time.Duration, logger *slog.Logger) *Filter {
	return &Filter{source: source, maxWindow: maxWindow, logger: utils.Component(logger, "filter")}
}

// Select fetches the window, applies contact filtering and deduplication, then returns the
// latest candidate set of SamplesPerSet samples that passes every enabled filter.
func (f *Filter) Select(ctx context.Context, window models.TimeRange, opts Options) (models.SampleSet, error) {
	if err := window.Validate(); err != nil {
		return models.SampleSet{}, err
	}
	if f.maxWindow > 0 && window.End.Sub(window.Start) > f.maxWindow {
		return models.SampleSet{}, fmt.Errorf("%w: window of %s exceeds the %s query limit",
			models.ErrInvalidRange, window.End.Sub(window.Start), f.maxWindow)
	}
	if opts.SamplesPerSet < 1 {
		return models.SampleSet{}, fmt.Errorf("%w: samplesPerSet must be positive", models.ErrInvalidConfig)
	}
	checks, err := resolve(opts.Enabled)
	if err != nil {
		return models.SampleSet{}, err
	}

	raw, err := f.source.SamplesInRange(ctx, window.Start, window.End)
	if err != nil {
		return models.SampleSet{}, fmt.Errorf("load telemetry: %w", err)
	}

	samples := raw
	if !opts.DisableContactFilter && len(opts.ContactWindows) > 0 {
		samples = InContact(samples, opts.ContactWindows)
	}
	samples = Dedupe(samples)

	if len(samples) < opts.SamplesPerSet {
		return models.SampleSet{}, insufficient(window, len(samples), opts.SamplesPerSet, "")
	}

	step := opts.SamplesPerSet
	if opts.Windowing == WindowingSliding {
		step = 1
	}
	exact := !opts.ExactERT.IsZero()
	if exact && !containsERT(samples, opts.ExactERT) {
		return models.SampleSet{}, insufficient(window, len(samples), opts.SamplesPerSet,
			"no sample received at "+opts.ExactERT.UTC().Format(time.RFC3339Nano))
	}

	tried := 0
	for end := len(samples); end-opts.SamplesPerSet >= 0; end -= step {
		if err := ctx.Err(); err != nil {
			return models.SampleSet{}, err
		}
		set := samples[end-opts.SamplesPerSet : end]
		if exact && !containsERT(set, opts.ExactERT) {
			continue
		}
		tried++
		if reason := runChecks(checks, opts.Params, set); reason != nil {
			f.logger.Debug("candidate set rejected",
				slog.Time("first_ert", set[0].ERT),
				slog.Time("last_ert", set[len(set)-1].ERT),
				slog.String("reason", reason.Error()))
			continue
		}
		if opts.Accept != nil {
			if err := opts.Accept(ctx, set); err != nil {
				f.logger.Debug("candidate set not accepted",
					slog.Time("last_ert", set[len(set)-1].ERT),
					slog.String("reason", err.Error()))
				continue
			}
		}
		chosen := append([]models.FrameSample(nil), set...)
		return models.SampleSet{
			Window:     window,
			Samples:    chosen,
			Ref:        telemetry.SetRef(chosen),
			Candidates: len(samples),
		}, nil
	}

	return models.SampleSet{}, insufficient(window, len(samples), opts.SamplesPerSet,
		fmt.Sprintf("none of %d candidate sets passed filtering", tried))
}

// InContact keeps samples received inside at least one contact window.
func InContact(samples []models.FrameSample, windows []models.TimeRange) []models.FrameSample {
	out := make([]models.FrameSample, 0, len(samples))
	for _, s := range samples {
		for _, w := range windows {
			if w.Contains(s.ERT) {
				out = append(out, s)
				break
			}
		}
	}
	return out
}

type dedupeKey struct {
	coarse int64
	fine   int64
	ert    int64
}

// Dedupe drops samples whose clock and receive time repeat an earlier one, keeping the
// first in ingestion order. Input must be ordered as telemetry sources return it.
func Dedupe(samples []models.FrameSample) []models.FrameSample {
	seen := make(map[dedupeKey]struct{}, len(samples))
	out := make([]models.FrameSample, 0, len(samples))
	for _, s := range samples {
		key := dedupeKey{coarse: s.SclkCoarse, fine: s.SclkFine, ert: s.ERT.UnixNano()}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, s)
	}
	return out
}

func containsERT(samples []models.FrameSample, ert time.Time) bool {
	for _, s := range samples {
		if s.ERT.Equal(ert) {
			return true
		}
	}
	return false
}

func insufficient(window models.TimeRange, have, need int, detail string) error {
	if detail != "" {
		detail = "; " + detail
	}
	return fmt.Errorf("%w: %d samples in [%s, %s], need %d%s", models.ErrInsufficientSamples, have,
		window.Start.UTC().Format(time.RFC3339), window.End.UTC().Format(time.RFC3339), need, detail)
}
