// Package engine runs correlation requests end to end: sample selection, anchoring, rate
// estimation, commit and product dispatch.
package engine

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/zeebo/xxh3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/miradorstack/sclk-correlator/internal/cache"
	"github.com/miradorstack/sclk-correlator/internal/config"
	"github.com/miradorstack/sclk-correlator/internal/correlation"
	"github.com/miradorstack/sclk-correlator/internal/filter"
	"github.com/miradorstack/sclk-correlator/internal/history"
	"github.com/miradorstack/sclk-correlator/internal/metrics"
	"github.com/miradorstack/sclk-correlator/internal/models"
	"github.com/miradorstack/sclk-correlator/internal/products"
	"github.com/miradorstack/sclk-correlator/internal/rate"
	"github.com/miradorstack/sclk-correlator/internal/telemetry"
	"github.com/miradorstack/sclk-correlator/internal/timeconv"
	"github.com/miradorstack/sclk-correlator/internal/tracing"
	"github.com/miradorstack/sclk-correlator/internal/utils"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Importer accepts parsed telemetry for storage.
type Importer interface {
	Ingest(ctx context.Context, samples []models.FrameSample) (int, error)
}

// Options wires the pipeline's collaborators. Config, Source, Store and Computer are required.
type Options struct {
	Config     *config.Config
	Source     telemetry.Source
	Importer   Importer
	Store      *history.Store
	Computer   *correlation.Computer
	Estimator  *rate.Estimator
	Products   *products.Dispatcher
	Cache      cache.Provider
	Advisories *AdvisoryEngine
	Tracer     trace.Tracer
	Logger     *slog.Logger
	Now        func() time.Time
}

// Pipeline is the engine instance. It owns no history state itself; the store does.
type Pipeline struct {
	cfg        *config.Config
	source     telemetry.Source
	importer   Importer
	filter     *filter.Filter
	store      *history.Store
	computer   *correlation.Computer
	estimator  *rate.Estimator
	products   *products.Dispatcher
	cache      cache.Provider
	advisories *AdvisoryEngine
	tracer     trace.Tracer
	logger     *slog.Logger
	now        func() time.Time
}

// ImportSummary reports what an import did.
type ImportSummary struct {
	Parsed int
	Added  int
}

// NewPipeline validates opts and constructs a Pipeline.
func NewPipeline(opts Options) (*Pipeline, error) {
	if opts.Config == nil || opts.Source == nil || opts.Store == nil || opts.Computer == nil {
		return nil, fmt.Errorf("%w: pipeline requires config, telemetry source, history store and computer", models.ErrInvalidConfig)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	estimator := opts.Estimator
	if estimator == nil {
		estimator = rate.NewEstimator(opts.Config.Correlation.AssignedRatePresets)
	}
	provider := opts.Cache
	if provider == nil {
		provider = cache.NoopProvider{}
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = tracing.Tracer()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	return &Pipeline{
		cfg:        opts.Config,
		source:     opts.Source,
		importer:   opts.Importer,
		filter:     filter.New(opts.Source, opts.Config.Telemetry.MaxQueryWindow, logger),
		store:      opts.Store,
		computer:   opts.Computer,
		estimator:  estimator,
		products:   opts.Products,
		cache:      provider,
		advisories: opts.Advisories,
		tracer:     tracer,
		logger:     utils.Component(logger, "engine"),
		now:        now,
	}, nil
}

// DefaultConfig returns the configured request defaults with a sample window ending now.
func (p *Pipeline) DefaultConfig() models.CorrelationConfig {
	return p.cfg.DefaultCorrelation(p.now())
}

// outcome is one computation against a fixed history snapshot.
type outcome struct {
	set     models.SampleSet
	triplet models.Triplet
	results models.CorrelationResults
	// basis is the snapshot's latest run id, zero for an empty history.
	basis int64
	// orderErr is set when the triplet could not follow the snapshot's latest run.
	orderErr error
}

// table is the correlation table committing out would leave: the committed triplets with
// interpolated rates applied, the basis record re-rated when out interpolates, and the
// new triplet last.
func (out outcome) table(snap *history.Snapshot) []models.Triplet {
	trips := snap.Triplets()
	if r := out.results.Rate; r.InterpolatedRate > 0 && r.InterpolatedRunID == out.basis && len(trips) > 0 {
		trips[len(trips)-1].ClockChangeRate = r.InterpolatedRate
	}
	return append(trips, out.triplet)
}

// Preview computes the correlation a Create with the same config would commit, without
// changing any state except the preview handle cache.
func (p *Pipeline) Preview(ctx context.Context, cfg models.CorrelationConfig) (result models.PreviewResult, err error) {
	ctx, finish := p.begin(ctx, metrics.OpPreview)
	defer func() { finish(err) }()

	cfg = p.normalise(cfg)
	snap := p.store.Snapshot()
	out, err := p.compute(ctx, cfg, snap)
	if err != nil {
		return models.PreviewResult{}, err
	}

	res := out.results
	if out.orderErr != nil {
		res.Warnings = appendUnique(res.Warnings, "run cannot be committed: "+out.orderErr.Error())
	}

	updated := out.table(snap)
	points, err := p.project(ctx, out.set.Samples, updated, cfg.TestMode)
	if err != nil {
		return models.PreviewResult{}, err
	}

	res.PreviewID = p.storePreview(ctx, cfg, out, snap)
	return models.PreviewResult{
		UpdatedTriplets: updated,
		TelemetryPoints: points,
		SampleSet:       out.set,
		Results:         res,
	}, nil
}

// cachedPreview is what a preview handle resolves to.
type cachedPreview struct {
	Config  models.CorrelationConfig `json:"config"`
	Triplet models.Triplet           `json:"triplet"`
}

// storePreview caches the previewed config under a handle derived from the request and
// the history it was computed against, so repeating a preview yields the same handle.
func (p *Pipeline) storePreview(ctx context.Context, cfg models.CorrelationConfig, out outcome, snap *history.Snapshot) string {
	payload, err := json.Marshal(cachedPreview{Config: cfg, Triplet: out.triplet})
	if err != nil {
		p.logger.Warn("preview handle not stored", slog.Any("error", err))
		return ""
	}
	id := previewID(payload, out.basis, snap.Len())
	if err := p.cache.Set(ctx, cache.PreviewKey(id), payload, p.cfg.Cache.PreviewTTL); err != nil {
		p.logger.Warn("preview handle not stored", slog.Any("error", err))
		return ""
	}
	return id
}

func previewID(payload []byte, basis int64, runs int) string {
	buf := make([]byte, 0, len(payload)+16)
	buf = append(buf, payload...)
	buf = binary.BigEndian.AppendUint64(buf, uint64(basis))
	buf = binary.BigEndian.AppendUint64(buf, uint64(runs))
	sum := xxh3.Hash128(buf).Bytes()
	return hex.EncodeToString(sum[:])
}

func (p *Pipeline) loadPreview(ctx context.Context, id string) (cachedPreview, error) {
	raw, err := p.cache.Get(ctx, cache.PreviewKey(id))
	if err != nil {
		if errors.Is(err, cache.ErrCacheMiss) {
			return cachedPreview{}, fmt.Errorf("%w: %s", models.ErrPreviewExpired, id)
		}
		return cachedPreview{}, fmt.Errorf("load preview %s: %w", id, err)
	}
	var cached cachedPreview
	if err := json.Unmarshal(raw, &cached); err != nil {
		return cachedPreview{}, fmt.Errorf("decode preview %s: %w", id, err)
	}
	return cached, nil
}

// Create computes and commits a correlation. When previewID is set the previewed config is
// used and the recomputed triplet must match the previewed one.
func (p *Pipeline) Create(ctx context.Context, cfg models.CorrelationConfig, previewID string) (res models.CorrelationResults, err error) {
	ctx, finish := p.begin(ctx, metrics.OpCreate)
	defer func() { finish(err) }()

	var pinned *models.Triplet
	if previewID != "" {
		cached, loadErr := p.loadPreview(ctx, previewID)
		if loadErr != nil {
			return models.CorrelationResults{}, loadErr
		}
		cfg = cached.Config
		pinned = &cached.Triplet

		claim := cache.ClaimKey(previewID)
		token := uuid.NewString()
		claimed, claimErr := p.cache.SetNX(ctx, claim, []byte(token), p.cfg.Cache.PreviewTTL)
		if claimErr != nil {
			return models.CorrelationResults{}, fmt.Errorf("claim preview %s: %w", previewID, claimErr)
		}
		if !claimed {
			return models.CorrelationResults{}, fmt.Errorf("%w: preview %s is already being committed", models.ErrPreviewExpired, previewID)
		}
		defer func() {
			if err != nil {
				p.releaseClaim(context.WithoutCancel(ctx), claim, token)
			}
		}()
	}
	cfg = p.normalise(cfg)

	out, err := p.compute(ctx, cfg, p.store.Snapshot())
	if err != nil {
		return models.CorrelationResults{}, err
	}
	if out.orderErr != nil {
		return models.CorrelationResults{}, out.orderErr
	}
	if pinned != nil && !sameTriplet(*pinned, out.triplet) {
		return models.CorrelationResults{}, fmt.Errorf("%w: history changed since preview %s", models.ErrOutOfOrderCommit, previewID)
	}
	if out.triplet.TestMode && !p.cfg.Mission.AllowTestModeCommits {
		return models.CorrelationResults{}, fmt.Errorf("%w: test mode light time runs cannot be committed", models.ErrInvalidConfig)
	}

	invocation, err := json.Marshal(cfg)
	if err != nil {
		return models.CorrelationResults{}, utils.Wrap("encode invocation", err)
	}
	run, err := p.store.Commit(ctx, history.CommitRequest{
		ExpectedLatestID: out.basis,
		Triplet:          out.triplet,
		SampleSetRef:     out.set.Ref,
		Warnings:         out.results.Warnings,
		Rate:             out.results.Rate,
		User:             cfg.User,
		Invocation:       string(invocation),
	})
	if err != nil {
		return models.CorrelationResults{}, err
	}
	metrics.SetLatestTDT(run.Triplet.TerrestrialTime)
	if previewID != "" {
		if err := p.cache.Del(ctx, cache.PreviewKey(previewID)); err != nil {
			p.logger.Debug("preview handle not released", slog.String("preview_id", previewID), slog.Any("error", err))
		}
	}

	res = out.results
	res.RunID = run.ID
	res.Products = p.products.Publish(ctx, products.Publication{
		RunID:               run.ID,
		CreatedAt:           run.CreatedAt,
		Triplet:             run.Triplet,
		SampleSetRef:        run.SampleSetRef,
		Geometry:            res.Geometry,
		User:                run.User,
		CreateUplinkCmdFile: cfg.CreateUplinkCmdFile,
		Triplets:            p.store.Snapshot().Triplets(),
	})
	if len(res.Products) > 0 {
		if err := p.store.RecordProducts(ctx, run.ID, res.Products); err != nil {
			p.logger.Warn("product records not stored", slog.Int64("run_id", run.ID), slog.Any("error", err))
		}
	}
	return res, nil
}

// releaseClaim drops a preview claim this request still holds. A claim that expired and
// was retaken belongs to someone else.
func (p *Pipeline) releaseClaim(ctx context.Context, claim, token string) {
	held, err := p.cache.Get(ctx, claim)
	if err != nil || string(held) != token {
		return
	}
	if err := p.cache.Del(ctx, claim); err != nil {
		p.logger.Debug("preview claim not released", slog.String("claim", token), slog.Any("error", err))
	}
}

// Rollback tombstones the latest committed run and returns the triplet that is now latest,
// the zero triplet when the history is empty.
func (p *Pipeline) Rollback(ctx context.Context, runID int64) (trip models.Triplet, err error) {
	ctx, finish := p.begin(ctx, metrics.OpRollback)
	defer func() { finish(err) }()

	run, err := p.store.Get(runID)
	if err != nil {
		return models.Triplet{}, err
	}
	trip, ok, err := p.store.Rollback(ctx, runID)
	if err != nil {
		return models.Triplet{}, err
	}
	metrics.ObserveRollback()
	if ok {
		metrics.SetLatestTDT(trip.TerrestrialTime)
	} else {
		metrics.SetLatestTDT(0)
	}

	errs := p.products.Retract(ctx, products.Publication{
		RunID:        run.ID,
		CreatedAt:    run.CreatedAt,
		Triplet:      run.Triplet,
		SampleSetRef: run.SampleSetRef,
		User:         run.User,
	})
	if len(errs) > 0 {
		p.logger.Warn("rolled back run left products behind",
			slog.Int64("run_id", runID), slog.Any("error", errors.Join(errs...)))
	}
	return trip, nil
}

// GetCorrelationRange returns the committed triplets whose terrestrial time falls in the
// UTC window [begin, end].
func (p *Pipeline) GetCorrelationRange(ctx context.Context, begin, end time.Time, clockKernelName string) ([]models.Triplet, error) {
	if err := p.checkKernel(clockKernelName); err != nil {
		return nil, err
	}
	if err := (models.TimeRange{Start: begin, End: end}).Validate(); err != nil {
		return nil, err
	}
	runs, err := p.store.Range(timeconv.UTCToTDT(begin), timeconv.UTCToTDT(end))
	if err != nil {
		return nil, err
	}
	out := make([]models.Triplet, 0, len(runs))
	for _, run := range runs {
		out = append(out, run.Triplet)
	}
	return out, nil
}

// GetTelemetryRange projects every sample received in [begin, end] onto the committed
// correlation in effect for its clock value.
func (p *Pipeline) GetTelemetryRange(ctx context.Context, begin, end time.Time, clockKernelName string) ([]models.TelemetryPoint, error) {
	if err := p.checkKernel(clockKernelName); err != nil {
		return nil, err
	}
	window := models.TimeRange{Start: begin, End: end}
	if err := window.Validate(); err != nil {
		return nil, err
	}
	if limit := p.cfg.Telemetry.MaxQueryWindow; limit > 0 && end.Sub(begin) > limit {
		return nil, fmt.Errorf("%w: window of %s exceeds the %s query limit", models.ErrInvalidRange, end.Sub(begin), limit)
	}
	samples, err := p.source.SamplesInRange(ctx, begin, end)
	if err != nil {
		return nil, fmt.Errorf("load telemetry: %w", err)
	}
	samples = filter.Dedupe(samples)

	return p.project(ctx, samples, p.store.Snapshot().Triplets(), models.TestModeConfig{})
}

// GetRunHistory lists every run, rolled back ones included, most recent first.
func (p *Pipeline) GetRunHistory(ctx context.Context) ([]models.RunHistoryRow, error) {
	runs := p.store.Audit()
	sort.Slice(runs, func(i, j int) bool { return runs[i].ID > runs[j].ID })
	rows := make([]models.RunHistoryRow, 0, len(runs))
	for _, run := range runs {
		rows = append(rows, models.RunHistoryRow{
			RunID:        fmt.Sprintf("%05d", run.ID),
			RunTime:      run.CreatedAt,
			Status:       run.Status,
			RolledBack:   run.Status == models.RunRolledBack,
			RolledBackAt: run.RolledBackAt,
			User:         run.User,
			Invocation:   run.Invocation,
			OnboardClock: run.Triplet.OnboardClock,
			TDT:          timeconv.FormatTDT(run.Triplet.TerrestrialTime),
			Rate:         run.Triplet.ClockChangeRate,
			RateMode:     run.Rate.Mode,
			TestMode:     run.Triplet.TestMode,
			Products:     run.Products,

			InterpolatedRate:  run.Rate.InterpolatedRate,
			InterpolatedRunID: run.Rate.InterpolatedRunID,
		})
	}
	return rows, nil
}

// ImportTelemetry parses a raw telemetry table and ingests it.
func (p *Pipeline) ImportTelemetry(ctx context.Context, r io.Reader) (summary ImportSummary, err error) {
	ctx, finish := p.begin(ctx, metrics.OpImport)
	defer func() { finish(err) }()

	if p.importer == nil {
		return ImportSummary{}, fmt.Errorf("%w: telemetry source does not accept imports", models.ErrInvalidConfig)
	}
	samples, err := telemetry.ReadCSV(r, p.cfg.Telemetry.SupplementalSampleOffset)
	if err != nil {
		return ImportSummary{}, fmt.Errorf("%w: %v", models.ErrInvalidTelemetry, err)
	}
	added, err := p.importer.Ingest(ctx, samples)
	if err != nil {
		return ImportSummary{}, utils.Wrap("ingest telemetry", err)
	}
	p.logger.Info("telemetry imported",
		slog.String("parsed", humanize.Comma(int64(len(samples)))),
		slog.String("added", humanize.Comma(int64(added))))
	return ImportSummary{Parsed: len(samples), Added: added}, nil
}

func (p *Pipeline) checkKernel(name string) error {
	if name == "" || name == p.cfg.Mission.ClockKernelName {
		return nil
	}
	return fmt.Errorf("%w: clock kernel %q", models.ErrNotFound, name)
}

// normalise fills request fields the caller left empty from the configured defaults.
func (p *Pipeline) normalise(cfg models.CorrelationConfig) models.CorrelationConfig {
	if cfg.SamplesPerSet == 0 {
		cfg.SamplesPerSet = p.cfg.Correlation.SamplesPerSet
	}
	if cfg.ClockChangeRate.Mode == "" {
		cfg.ClockChangeRate.Mode = models.RateMode(p.cfg.Correlation.RateMode)
	}
	if cfg.ClockChangeRate.Fit == "" {
		cfg.ClockChangeRate.Fit = models.FitMethod(p.cfg.Correlation.FitMethod)
	}
	if cfg.MinLookbackHours == 0 && cfg.MaxLookbackHours == 0 {
		cfg.MinLookbackHours = p.cfg.Correlation.MinLookbackHours
		cfg.MaxLookbackHours = p.cfg.Correlation.MaxLookbackHours
	}
	return cfg
}

func (p *Pipeline) validate(cfg models.CorrelationConfig) error {
	if cfg.SamplesPerSet < 1 {
		return fmt.Errorf("%w: samplesPerSet must be positive", models.ErrInvalidConfig)
	}
	if cfg.MinLookbackHours < 0 || cfg.MaxLookbackHours < cfg.MinLookbackHours {
		return fmt.Errorf("%w: lookback bounds [%g, %g] hours are inverted", models.ErrInvalidConfig,
			cfg.MinLookbackHours, cfg.MaxLookbackHours)
	}
	if cfg.Smoothing.Enabled {
		if cfg.ClockChangeRate.Mode == models.RateModeComputeInterpolate {
			return fmt.Errorf("%w: smoothing cannot be combined with %s", models.ErrInvalidConfig, models.RateModeComputeInterpolate)
		}
		if cfg.Smoothing.CoarseSclkTickDuration < 1 {
			return fmt.Errorf("%w: smoothing tick duration must be positive", models.ErrInvalidConfig)
		}
	}
	return nil
}

// compute runs the whole derivation against snap. It never writes.
func (p *Pipeline) compute(ctx context.Context, cfg models.CorrelationConfig, snap *history.Snapshot) (outcome, error) {
	if err := p.validate(cfg); err != nil {
		return outcome{}, err
	}
	latest, hasLatest := snap.Latest()

	base := correlation.Input{
		SamplesPerSet: cfg.SamplesPerSet,
		ExactERT:      cfg.TargetSampleExactERT,
		TestMode:      cfg.TestMode,
		Smoothing:     cfg.Smoothing,
		Latest:        latest.Triplet,
		HasLatest:     hasLatest,
	}

	opts := filter.Options{
		SamplesPerSet:        cfg.SamplesPerSet,
		Windowing:            p.cfg.Filters.Windowing,
		Enabled:              p.cfg.Filters.Enabled,
		Params:               p.filterParams(),
		ContactWindows:       cfg.ContactWindows,
		DisableContactFilter: cfg.DisableContactFilter,
		ExactERT:             cfg.TargetSampleExactERT,
	}
	if !cfg.DisableContactFilter && hasLatest {
		opts.Accept = p.contactDrift(base)
	}

	window := cfg.QueryWindow(p.cfg.Telemetry.ExactErtQueryPad)
	set, err := p.filter.Select(ctx, window, opts)
	if err != nil {
		return outcome{}, err
	}
	metrics.ObserveCandidateSamples(set.Candidates)

	in := base
	in.Set = set
	in.MinTDT = cfg.NewCorrelationMinTDT
	anchor, err := p.computer.Anchor(ctx, in)
	if err != nil {
		return outcome{}, err
	}

	committed := snap.Committed()
	entries := make([]rate.Entry, 0, len(committed))
	for _, run := range committed {
		entries = append(entries, rate.Entry{RunID: run.ID, Triplet: run.Triplet})
	}
	est, err := p.estimator.Estimate(rate.Request{
		Config:           cfg.ClockChangeRate,
		MinLookbackHours: cfg.MinLookbackHours,
		MaxLookbackHours: cfg.MaxLookbackHours,
		Anchor:           anchor.Point(),
		PriorExactTDT:    cfg.PriorCorrelationExactTDT,
	}, entries)
	if err != nil {
		return outcome{}, err
	}

	trip, anc, warnings := p.computer.Finish(anchor, est, in)
	if cfg.ClockChangeRate.Mode == models.RateModeComputeInterpolate && est.Mode != models.RateModeComputeInterpolate {
		warnings = appendUnique(warnings, "only one committed run: used predicted rate so the seed record keeps its rate")
	}
	warnings = appendUnique(warnings, p.advisories.Evaluate(Stats{
		MetricSampleCount:      float64(anc.SampleCount),
		MetricCandidateSamples: float64(anc.CandidateSamples),
		MetricRateDeviationPpm: anc.RateDeviationPpm,
		MetricLookbackHours:    est.LookbackHours,
		MetricOWLTSec:          anchor.Geometry.OWLTSec,
		MetricDriftMsPerDay:    anc.SclkDriftMsPerDay,
	})...)

	return outcome{
		set:      set,
		triplet:  trip,
		basis:    history.LatestID(latest, hasLatest),
		orderErr: history.CheckOrder(latest, hasLatest, trip),
		results: models.CorrelationResults{
			Correlation: trip,
			Rate:        est,
			Geometry:    anchor.Geometry,
			Ancillary:   anc,
			AppRunTime:  p.now().UTC(),
			Warnings:    warnings,
		},
	}, nil
}

// contactDrift rejects candidate sets whose anchor implies a drift from the latest
// committed correlation outside the configured bounds.
func (p *Pipeline) contactDrift(base correlation.Input) filter.AcceptFunc {
	bounds := filter.DriftBounds{
		Lower: p.cfg.Filters.ContactDriftLowerMsPerDay,
		Upper: p.cfg.Filters.ContactDriftUpperMsPerDay,
	}
	return func(ctx context.Context, samples []models.FrameSample) error {
		in := base
		in.Set = models.SampleSet{Samples: samples}
		anchor, err := p.computer.Anchor(ctx, in)
		if err != nil {
			return err
		}
		return bounds.Check(correlation.ContactDriftMsPerDay(base.Latest, anchor.Clock, anchor.TDT))
	}
}

func (p *Pipeline) filterParams() filter.Params {
	f := p.cfg.Filters
	return filter.Params{
		MinDataRateBps:          f.MinDataRateBps,
		MaxDataRateBps:          f.MaxDataRateBps,
		ErtMaxDeltaVarianceSec:  f.ErtMaxDeltaVarianceSec,
		SclkMaxDeltaVarianceSec: f.SclkMaxDeltaVarianceSec,
		GroundStationPathIDs:    f.GroundStationPathIDs,
		VCIDGroups:              f.VCIDGroups,
		VCFCMaxValue:            f.VCFCMaxValue,
		FineModulus:             p.cfg.Mission.SclkFineTickModulus,
	}
}

// project converts samples to telemetry points using the triplet in effect at each sample's
// clock value. triplets must be in commit order. Samples older than every triplet are
// projected through the earliest one.
func (p *Pipeline) project(ctx context.Context, samples []models.FrameSample, triplets []models.Triplet, testMode models.TestModeConfig) ([]models.TelemetryPoint, error) {
	points := make([]models.TelemetryPoint, 0, len(samples))
	skipped := 0
	for _, s := range samples {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		geo, err := p.computer.GroundTime(ctx, s, testMode)
		if err != nil {
			skipped++
			p.logger.Debug("sample skipped", slog.Time("ert", s.ERT), slog.Any("error", err))
			continue
		}
		predicted := geo.TDTG
		if trip, ok := effectiveAt(triplets, s.SclkCoarse); ok {
			predicted = timeconv.RoundHalfUp(correlation.PredictTDT(trip, float64(s.SclkCoarse)), correlation.TDTDecimals)
		}
		points = append(points, models.TelemetryPoint{
			Sample:            s,
			TerrestrialTime:   predicted,
			GroundTimeUTC:     timeconv.TDTToUTC(predicted),
			GroundTimeErrorMs: timeconv.RoundHalfUp((predicted-geo.TDTG)*1000, 3),
			OWLTSec:           geo.OWLTSec,
		})
	}
	if skipped > 0 {
		p.logger.Warn("samples without light time skipped", slog.Int("skipped", skipped), slog.Int("projected", len(points)))
	}
	return points, nil
}

func sameTriplet(a, b models.Triplet) bool {
	return a.OnboardClock == b.OnboardClock &&
		a.TerrestrialTime == b.TerrestrialTime &&
		a.ClockChangeRate == b.ClockChangeRate &&
		a.GroundTimeOfValidity.Equal(b.GroundTimeOfValidity) &&
		a.TestMode == b.TestMode
}

func effectiveAt(triplets []models.Triplet, clock int64) (models.Triplet, bool) {
	if len(triplets) == 0 {
		return models.Triplet{}, false
	}
	for i := len(triplets) - 1; i >= 0; i-- {
		if triplets[i].OnboardClock <= clock {
			return triplets[i], true
		}
	}
	return triplets[0], true
}

// begin opens the operation span and returns the func that closes it and records metrics.
func (p *Pipeline) begin(ctx context.Context, op string) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := p.tracer.Start(ctx, "engine."+op, trace.WithAttributes(attribute.String("tc.operation", op)))
	return ctx, func(err error) {
		label := classify(err)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			if label == metrics.OutcomeError {
				p.logger.Error("operation failed", slog.String("operation", op), slog.Any("error", err))
			} else {
				p.logger.Info("operation rejected", slog.String("operation", op), slog.String("reason", err.Error()))
			}
		}
		span.SetAttributes(attribute.String("tc.outcome", label))
		span.End()
		metrics.ObserveOperation(op, time.Since(start), label)
	}
}

var rejections = []error{
	models.ErrInvalidRange,
	models.ErrInsufficientSamples,
	models.ErrNoPriorCorrelation,
	models.ErrOutOfOrderCommit,
	models.ErrNotLatest,
	models.ErrNotFound,
	models.ErrInvalidConfig,
	models.ErrInvalidTelemetry,
	models.ErrPreviewExpired,
}

func classify(err error) string {
	if err == nil {
		return metrics.OutcomeSuccess
	}
	for _, target := range rejections {
		if errors.Is(err, target) {
			return metrics.OutcomeRejected
		}
	}
	return metrics.OutcomeError
}
