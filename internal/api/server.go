package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	grpc_prometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"

	"github.com/miradorstack/sclk-correlator/internal/config"
	"github.com/miradorstack/sclk-correlator/internal/utils"
)

// Server hosts the time correlation service next to the gRPC health and reflection services.
type Server struct {
	cfg      config.ServerConfig
	grpc     *grpc.Server
	health   *health.Server
	listener net.Listener
	logger   *slog.Logger
}

// NewServer listens on cfg.Address and constructs the server.
func NewServer(cfg config.ServerConfig, service TimeCorrelationServer, logger *slog.Logger, opts ...grpc.ServerOption) (*Server, error) {
	lis, err := net.Listen("tcp", cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", cfg.Address, err)
	}
	return NewServerOn(cfg, lis, service, logger, opts...), nil
}

// NewServerOn constructs the server on an existing listener.
func NewServerOn(cfg config.ServerConfig, lis net.Listener, service TimeCorrelationServer, logger *slog.Logger, opts ...grpc.ServerOption) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	logger = utils.Component(logger, "grpc")

	grpc_prometheus.EnableHandlingTimeHistogram()
	serverOpts := append([]grpc.ServerOption{
		grpc.ChainUnaryInterceptor(grpc_prometheus.UnaryServerInterceptor, recoverUnary(logger)),
		grpc.ChainStreamInterceptor(grpc_prometheus.StreamServerInterceptor),
	}, opts...)
	srv := grpc.NewServer(serverOpts...)
	RegisterTimeCorrelationServer(srv, service)
	grpc_prometheus.Register(srv)

	hs := health.NewServer()
	for _, name := range []string{"", ServiceName} {
		hs.SetServingStatus(name, healthpb.HealthCheckResponse_SERVING)
	}
	healthpb.RegisterHealthServer(srv, hs)
	reflection.Register(srv)

	return &Server{cfg: cfg, grpc: srv, health: hs, listener: lis, logger: logger}
}

// Start serves until Shutdown. A server stopped by Shutdown returns nil.
func (s *Server) Start() error {
	if s.grpc == nil || s.listener == nil {
		return errors.New("server not initialised")
	}
	s.logger.Info("serving", slog.String("address", s.Address()), slog.String("service", ServiceName))
	if err := s.grpc.Serve(s.listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// Shutdown reports NOT_SERVING to health probes, drains in-flight calls and stops hard
// once ctx expires.
func (s *Server) Shutdown(ctx context.Context) {
	if s.grpc == nil {
		return
	}
	s.health.Shutdown()

	drained := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		s.logger.Warn("graceful stop timed out, closing open calls")
		s.grpc.Stop()
	}
}

// Address reports the bound listener address.
func (s *Server) Address() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// GracefulTimeout returns the configured drain budget.
func (s *Server) GracefulTimeout() time.Duration {
	return s.cfg.GracefulTimeout
}

// recoverUnary turns a handler panic into an Internal status.
func recoverUnary(logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("handler panic", slog.String("method", info.FullMethod), slog.Any("panic", r))
				err = status.Errorf(codes.Internal, "%s failed", info.FullMethod)
			}
		}()
		return handler(ctx, req)
	}
}
