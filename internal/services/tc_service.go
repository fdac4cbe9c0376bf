// Package services adapts the engine to the gRPC time correlation service.
package services

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/miradorstack/sclk-correlator/internal/api"
	"github.com/miradorstack/sclk-correlator/internal/engine"
	"github.com/miradorstack/sclk-correlator/internal/models"
	"github.com/miradorstack/sclk-correlator/internal/utils"
)

// Engine is the behaviour the service needs from the correlation engine.
type Engine interface {
	DefaultConfig() models.CorrelationConfig
	Preview(ctx context.Context, cfg models.CorrelationConfig) (models.PreviewResult, error)
	Create(ctx context.Context, cfg models.CorrelationConfig, previewID string) (models.CorrelationResults, error)
	Rollback(ctx context.Context, runID int64) (models.Triplet, error)
	GetCorrelationRange(ctx context.Context, begin, end time.Time, clockKernelName string) ([]models.Triplet, error)
	GetTelemetryRange(ctx context.Context, begin, end time.Time, clockKernelName string) ([]models.TelemetryPoint, error)
	GetRunHistory(ctx context.Context) ([]models.RunHistoryRow, error)
	ImportTelemetry(ctx context.Context, r io.Reader) (engine.ImportSummary, error)
}

// TimeCorrelationService implements api.TimeCorrelationServer.
type TimeCorrelationService struct {
	logger    *slog.Logger
	engine    Engine
	latencies *utils.LatencyTracker
}

var _ api.TimeCorrelationServer = (*TimeCorrelationService)(nil)

// NewTimeCorrelationService constructs the service facade.
func NewTimeCorrelationService(logger *slog.Logger, eng Engine) *TimeCorrelationService {
	if logger == nil {
		logger = slog.Default()
	}
	return &TimeCorrelationService{
		logger:    utils.Component(logger, "service"),
		engine:    eng,
		latencies: utils.NewLatencyTracker(1024),
	}
}

func (s *TimeCorrelationService) ready() error {
	if s.engine == nil {
		return status.Error(codes.FailedPrecondition, "engine not configured")
	}
	return nil
}

// GetDefaultConfig returns the configured request defaults.
func (s *TimeCorrelationService) GetDefaultConfig(ctx context.Context, _ *api.GetDefaultConfigRequest) (*api.CorrelationConfig, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	return api.ToCorrelationConfig(s.engine.DefaultConfig()), nil
}

// Preview runs a dry correlation.
func (s *TimeCorrelationService) Preview(ctx context.Context, req *api.PreviewRequest) (*api.PreviewResponse, error) {
	if req == nil {
		return nil, status.Error(codes.InvalidArgument, "request cannot be nil")
	}
	if err := s.ready(); err != nil {
		return nil, err
	}
	cfg, err := api.FromCorrelationConfig(req.Config)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	start := time.Now()
	result, err := s.engine.Preview(ctx, cfg)
	if err != nil {
		return nil, toStatus("preview", err)
	}
	s.observe("preview", time.Since(start))
	return api.ToPreviewResponse(result), nil
}

// Create commits a correlation, from a config or a preview handle.
func (s *TimeCorrelationService) Create(ctx context.Context, req *api.CreateRequest) (*api.CorrelationResults, error) {
	if req == nil {
		return nil, status.Error(codes.InvalidArgument, "request cannot be nil")
	}
	if err := s.ready(); err != nil {
		return nil, err
	}
	previewID := strings.TrimSpace(req.PreviewID)
	var cfg models.CorrelationConfig
	switch {
	case previewID != "":
	case req.Config == nil:
		return nil, status.Error(codes.InvalidArgument, "config or previewId is required")
	default:
		parsed, err := api.FromCorrelationConfig(req.Config)
		if err != nil {
			return nil, status.Error(codes.InvalidArgument, err.Error())
		}
		cfg = parsed
	}

	start := time.Now()
	res, err := s.engine.Create(ctx, cfg, previewID)
	if err != nil {
		return nil, toStatus("create", err)
	}
	s.observe("create", time.Since(start))
	s.logger.Info("correlation committed",
		slog.Int64("run_id", res.RunID),
		slog.Int64("sclk", res.Correlation.OnboardClock),
		slog.Int("warnings", len(res.Warnings)))
	return api.ToCorrelationResults(res), nil
}

// Rollback tombstones the latest committed run.
func (s *TimeCorrelationService) Rollback(ctx context.Context, req *api.RollbackRequest) (*api.Triplet, error) {
	if req == nil || req.RunID <= 0 {
		return nil, status.Error(codes.InvalidArgument, "runId must be positive")
	}
	if err := s.ready(); err != nil {
		return nil, err
	}
	trip, err := s.engine.Rollback(ctx, req.RunID)
	if err != nil {
		return nil, toStatus("rollback", err)
	}
	out := api.ToTriplet(trip)
	return &out, nil
}

// GetCorrelationRange lists committed triplets in a UTC window.
func (s *TimeCorrelationService) GetCorrelationRange(ctx context.Context, req *api.RangeRequest) (*api.CorrelationRangeResponse, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	window, err := api.FromRangeRequest(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	triplets, err := s.engine.GetCorrelationRange(ctx, window.Start, window.End, req.ClockKernelName)
	if err != nil {
		return nil, toStatus("correlation range", err)
	}
	return &api.CorrelationRangeResponse{Triplets: api.ToTriplets(triplets)}, nil
}

// GetTelemetryRange projects telemetry in an ERT window.
func (s *TimeCorrelationService) GetTelemetryRange(ctx context.Context, req *api.RangeRequest) (*api.TelemetryRangeResponse, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	window, err := api.FromRangeRequest(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	points, err := s.engine.GetTelemetryRange(ctx, window.Start, window.End, req.ClockKernelName)
	if err != nil {
		return nil, toStatus("telemetry range", err)
	}
	return &api.TelemetryRangeResponse{Points: api.ToTelemetryPoints(points)}, nil
}

// GetRunHistory lists every run, most recent first.
func (s *TimeCorrelationService) GetRunHistory(ctx context.Context, _ *api.RunHistoryRequest) (*api.RunHistoryResponse, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	rows, err := s.engine.GetRunHistory(ctx)
	if err != nil {
		return nil, toStatus("run history", err)
	}
	return api.ToRunHistory(rows), nil
}

// ImportTelemetry ingests a raw telemetry table.
func (s *TimeCorrelationService) ImportTelemetry(ctx context.Context, req *api.ImportRequest) (*api.ImportResponse, error) {
	if req == nil || strings.TrimSpace(req.CSV) == "" {
		return nil, status.Error(codes.InvalidArgument, "csv cannot be empty")
	}
	if err := s.ready(); err != nil {
		return nil, err
	}
	summary, err := s.engine.ImportTelemetry(ctx, strings.NewReader(req.CSV))
	if err != nil {
		return nil, toStatus("import", err)
	}
	return &api.ImportResponse{Parsed: summary.Parsed, Added: summary.Added}, nil
}

// LatencyP95 returns the p95 latency of previews and commits.
func (s *TimeCorrelationService) LatencyP95() time.Duration {
	if s.latencies == nil {
		return 0
	}
	return s.latencies.Percentile(95)
}

func (s *TimeCorrelationService) observe(op string, d time.Duration) {
	s.latencies.Observe(d)
	if count := s.latencies.Count(); count >= 20 && count%20 == 0 {
		s.logger.Info("correlation latency", slog.String("operation", op),
			slog.Duration("p95", s.latencies.Percentile(95)), slog.Int("samples", count))
	}
}
