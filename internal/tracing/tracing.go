// Package tracing installs the OpenTelemetry tracer provider.
package tracing

import (
	"context"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// InstrumentationName names the tracer the engine spans are created with.
const InstrumentationName = "github.com/miradorstack/sclk-correlator"

// Options configures Init.
type Options struct {
	ServiceName  string
	Endpoint     string
	SamplingRate float64
	Environment  string
	Insecure     bool
}

// ShutdownFunc flushes and stops the exporter.
type ShutdownFunc func(context.Context) error

// Init installs an OTLP/HTTP exporter when an endpoint is configured and returns its
// shutdown func. Without an endpoint the global no-op provider stays in place.
func Init(ctx context.Context, opts Options, logger *slog.Logger) (ShutdownFunc, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if strings.TrimSpace(opts.Endpoint) == "" {
		logger.Info("tracing disabled; no endpoint configured", slog.String("service", opts.ServiceName))
		return func(context.Context) error { return nil }, nil
	}

	exporterOpts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(opts.Endpoint)}
	if opts.Insecure {
		exporterOpts = append(exporterOpts, otlptracehttp.WithInsecure())
	}
	exp, err := otlptracehttp.New(ctx, exporterOpts...)
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		attribute.String("service.name", opts.ServiceName),
		attribute.String("deployment.environment", opts.Environment),
	))
	if err != nil {
		logger.Warn("tracing resource incomplete", slog.Any("error", err))
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(clampRate(opts.SamplingRate)))),
	)
	otel.SetTracerProvider(tp)
	logger.Info("tracing enabled", slog.String("endpoint", opts.Endpoint), slog.Float64("sampling_rate", clampRate(opts.SamplingRate)))
	return tp.Shutdown, nil
}

// Tracer returns the engine tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(InstrumentationName)
}

func clampRate(rate float64) float64 {
	switch {
	case rate <= 0:
		return 0
	case rate >= 1:
		return 1
	default:
		return rate
	}
}
