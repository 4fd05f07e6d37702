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
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"

	"github.com/miradorstack/release-gate/internal/config"
)

const defaultGracefulTimeout = 10 * time.Second

// Server hosts the ingestion service and the standard health service.
type Server struct {
	logger   *slog.Logger
	grpc     *grpc.Server
	health   *health.Server
	listener net.Listener
	graceful time.Duration
}

// NewServer listens on cfg.Address and registers ingest. Extra options are
// appended after the built-in interceptors.
func NewServer(logger *slog.Logger, cfg config.ServerConfig, ingest IngestServer, opts ...grpc.ServerOption) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	lis, err := net.Listen("tcp", cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", cfg.Address, err)
	}

	s := &Server{
		logger:   logger,
		listener: lis,
		graceful: cfg.GracefulTimeout,
		health:   health.NewServer(),
	}
	if s.graceful <= 0 {
		s.graceful = defaultGracefulTimeout
	}

	grpc_prometheus.EnableHandlingTimeHistogram()
	serverOpts := []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(grpc_prometheus.UnaryServerInterceptor, s.observeUnary),
		grpc.ChainStreamInterceptor(grpc_prometheus.StreamServerInterceptor),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{MinTime: 10 * time.Second, PermitWithoutStream: true}),
	}
	s.grpc = grpc.NewServer(append(serverOpts, opts...)...)

	RegisterIngestServer(s.grpc, ingest)
	healthpb.RegisterHealthServer(s.grpc, s.health)
	grpc_prometheus.Register(s.grpc)
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	return s, nil
}

// Serve blocks until ctx is cancelled or the listener fails. On cancellation
// health flips to NOT_SERVING and in-flight calls get the graceful timeout
// before the server is stopped hard.
func (s *Server) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.grpc.Serve(s.listener)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.health.Shutdown()
	stopped := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(s.graceful):
		s.logger.Warn("graceful stop timed out, closing open calls", slog.Duration("timeout", s.graceful))
		s.grpc.Stop()
	}
	return nil
}

// Address returns the bound listener address.
func (s *Server) Address() string {
	return s.listener.Addr().String()
}

// observeUnary logs every call and turns handler panics into Internal errors.
func (s *Server) observeUnary(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("grpc handler panicked", slog.String("method", info.FullMethod), slog.Any("panic", r))
			resp, err = nil, status.Errorf(codes.Internal, "internal error")
		}
		s.logger.Debug("grpc call",
			slog.String("method", info.FullMethod),
			slog.String("code", status.Code(err).String()),
			slog.Duration("duration", time.Since(start)),
		)
	}()
	return handler(ctx, req)
}
