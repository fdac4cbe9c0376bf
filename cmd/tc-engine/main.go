package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/miradorstack/sclk-correlator/internal/api"
	"github.com/miradorstack/sclk-correlator/internal/cache"
	"github.com/miradorstack/sclk-correlator/internal/config"
	"github.com/miradorstack/sclk-correlator/internal/correlation"
	"github.com/miradorstack/sclk-correlator/internal/engine"
	"github.com/miradorstack/sclk-correlator/internal/geometry"
	"github.com/miradorstack/sclk-correlator/internal/history"
	"github.com/miradorstack/sclk-correlator/internal/metrics"
	"github.com/miradorstack/sclk-correlator/internal/products"
	"github.com/miradorstack/sclk-correlator/internal/rate"
	"github.com/miradorstack/sclk-correlator/internal/services"
	"github.com/miradorstack/sclk-correlator/internal/telemetry"
	"github.com/miradorstack/sclk-correlator/internal/tracing"
	"github.com/miradorstack/sclk-correlator/internal/utils"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load config", slog.String("path", configPath), slog.Any("error", err))
		os.Exit(1)
	}

	logger := utils.NewLogger(cfg.Logging.Level, cfg.Logging.JSON)
	logger.Info("starting tc-engine",
		slog.String("address", cfg.Server.Address),
		slog.String("mission", cfg.Mission.Name),
		slog.String("clock_kernel", cfg.Mission.ClockKernelName))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(ctx, tracing.Options{
		ServiceName:  "tc-engine",
		Endpoint:     cfg.Tracing.Endpoint,
		SamplingRate: cfg.Tracing.SamplingRate,
		Environment:  cfg.Tracing.Environment,
		Insecure:     cfg.Tracing.Insecure,
	}, logger)
	if err != nil {
		logger.Error("failed to initialise tracing", slog.Any("error", err))
		os.Exit(1)
	}

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		logger.Error("failed to register metrics", slog.Any("error", err))
		os.Exit(1)
	}

	cacheProvider := cache.Open(cfg.Cache.Backend, cache.ValkeyConfig{
		Addr:         cfg.Cache.Addr,
		Username:     cfg.Cache.Username,
		Password:     cfg.Cache.Password,
		DB:           cfg.Cache.DB,
		DialTimeout:  cfg.Cache.DialTimeout,
		ReadTimeout:  cfg.Cache.ReadTimeout,
		WriteTimeout: cfg.Cache.WriteTimeout,
		MaxRetries:   cfg.Cache.MaxRetries,
		TLS:          cfg.Cache.TLS,
	}, logger)
	defer cacheProvider.Close()

	source, importer, closeSource, err := openTelemetry(cfg.Telemetry, cacheProvider, logger)
	if err != nil {
		logger.Error("failed to open telemetry source", slog.Any("error", err))
		os.Exit(1)
	}
	defer closeSource()

	if cfg.Telemetry.ImportPath != "" {
		if err := importFile(ctx, cfg.Telemetry, importer, logger); err != nil {
			logger.Error("failed to import telemetry", slog.String("path", cfg.Telemetry.ImportPath), slog.Any("error", err))
			os.Exit(1)
		}
	}

	provider, err := openGeometry(cfg.Geometry)
	if err != nil {
		logger.Error("failed to load geometry", slog.Any("error", err))
		os.Exit(1)
	}
	computer, err := correlation.NewComputer(provider, geometry.StationResolver(cfg.Mission.Stations), correlation.Settings{
		FineModulus:            cfg.Mission.SclkFineTickModulus,
		SpacecraftTimeDelaySec: cfg.Mission.SpacecraftTimeDelay,
		FrameErtBitOffsetErr:   cfg.Mission.FrameErtBitOffsetErr,
		AnchorPolicy:           cfg.Correlation.AnchorPolicy,
		TieBreak:               cfg.Correlation.AnchorTieBreak,
		RateDeviationWarnPpm:   cfg.Correlation.RateDeviationWarnPpm,
	})
	if err != nil {
		logger.Error("failed to configure correlation computer", slog.Any("error", err))
		os.Exit(1)
	}

	store, err := history.Open(ctx, history.Options{
		Path:        cfg.History.Path,
		BusyTimeout: cfg.History.BusyTimeout,
		Logger:      logger,
	})
	if err != nil {
		logger.Error("failed to open correlation history", slog.String("path", cfg.History.Path), slog.Any("error", err))
		os.Exit(1)
	}
	defer store.Close()

	dispatcher, err := products.Build(products.DefaultRegistry(), products.Env{
		OutputDir:   cfg.Products.OutputDir,
		Mission:     cfg.Mission.Name,
		ClockKernel: cfg.Mission.ClockKernelName,
		FineModulus: cfg.Mission.SclkFineTickModulus,
		Logger:      logger,
	}, cfg.Products.Order, cfg.Products.Generators)
	if err != nil {
		logger.Error("failed to build output products", slog.Any("error", err))
		os.Exit(1)
	}

	advisories, err := engine.NewAdvisoryEngine(cfg.Advisories.Path, logger)
	if err != nil {
		logger.Error("failed to load advisory rules", slog.Any("error", err))
		os.Exit(1)
	}

	pipeline, err := engine.NewPipeline(engine.Options{
		Config:     cfg,
		Source:     source,
		Importer:   importer,
		Store:      store,
		Computer:   computer,
		Estimator:  rate.NewEstimator(cfg.Correlation.AssignedRatePresets),
		Products:   dispatcher,
		Cache:      cacheProvider,
		Advisories: advisories,
		Tracer:     tracing.Tracer(),
		Logger:     logger,
	})
	if err != nil {
		logger.Error("failed to build pipeline", slog.Any("error", err))
		os.Exit(1)
	}

	tcService := services.NewTimeCorrelationService(logger, pipeline)

	server, err := api.NewServer(cfg.Server, tcService, logger)
	if err != nil {
		logger.Error("failed to create gRPC server", slog.Any("error", err))
		os.Exit(1)
	}

	var metricsServer *http.Server
	if cfg.Server.MetricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{
			Addr:         cfg.Server.MetricsAddress,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 15 * time.Second,
		}
		go func() {
			logger.Info("metrics server listening", slog.String("address", cfg.Server.MetricsAddress))
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server exited", slog.Any("error", err))
				stop()
			}
		}()
	}

	go func() {
		if serveErr := server.Start(); serveErr != nil {
			logger.Error("gRPC server exited", slog.Any("error", serveErr))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulTimeout)
	defer cancel()
	server.Shutdown(shutdownCtx)

	if metricsServer != nil {
		metricsCtx, cancelMetrics := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsServer.Shutdown(metricsCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server shutdown", slog.Any("error", err))
		}
		cancelMetrics()
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warn("tracing shutdown", slog.Any("error", err))
	}

	logger.Info("tc-engine stopped", slog.Duration("p95_latency", tcService.LatencyP95()))
}

func openTelemetry(cfg config.TelemetryConfig, provider cache.Provider, logger *slog.Logger) (telemetry.Source, engine.Importer, func(), error) {
	switch strings.ToLower(cfg.Source) {
	case "archive":
		archive, err := telemetry.OpenArchive(cfg.ArchivePath, logger)
		if err != nil {
			return nil, nil, nil, err
		}
		return archive, archive, func() {
			if err := archive.Close(); err != nil {
				logger.Warn("telemetry archive close", slog.Any("error", err))
			}
		}, nil
	case "http":
		if cfg.RemoteURL == "" {
			return nil, nil, nil, errors.New("telemetry.remoteURL is required for the http source")
		}
		return telemetry.NewHTTPSource(cfg.RemoteURL, "", cfg.RemoteTimeout, provider, cfg.RemoteCacheTTL), nil, func() {}, nil
	case "memory":
		src := telemetry.NewMemorySource()
		return src, src, func() {}, nil
	default:
		return nil, nil, nil, fmt.Errorf("unknown telemetry source %q", cfg.Source)
	}
}

func importFile(ctx context.Context, cfg config.TelemetryConfig, importer engine.Importer, logger *slog.Logger) error {
	if importer == nil {
		return fmt.Errorf("telemetry source %q does not accept imports", cfg.Source)
	}
	f, err := os.Open(cfg.ImportPath)
	if err != nil {
		return err
	}
	defer f.Close()
	samples, err := telemetry.ReadCSV(f, cfg.SupplementalSampleOffset)
	if err != nil {
		return err
	}
	added, err := importer.Ingest(ctx, samples)
	if err != nil {
		return err
	}
	logger.Info("telemetry imported",
		slog.String("path", cfg.ImportPath),
		slog.String("parsed", humanize.Comma(int64(len(samples)))),
		slog.String("added", humanize.Comma(int64(added))))
	return nil
}

func openGeometry(cfg config.GeometryConfig) (geometry.Provider, error) {
	switch strings.ToLower(cfg.Provider) {
	case "", "static":
		return geometry.NewStaticProvider(cfg.StaticOWLTSec), nil
	case "table":
		return geometry.LoadTable(cfg.TablePath)
	default:
		return nil, fmt.Errorf("unknown geometry provider %q", cfg.Provider)
	}
}
