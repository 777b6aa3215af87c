// Package api hosts the daemon's gRPC endpoint, which serves the standard
// health-checking protocol so supervisors can probe the scheduled pipeline.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"coinsync/internal/domain"
)

// ServiceName is the health-check service name reported for the pipeline.
const ServiceName = "coinsync.Pipeline"

// Server is the daemon's gRPC server.
type Server struct {
	addr   string
	grpc   *grpc.Server
	health *health.Server
	log    *slog.Logger

	mu      sync.Mutex
	lastRun RunStatus
}

// RunStatus describes the most recent pipeline pass.
type RunStatus struct {
	Finished time.Time
	Summary  domain.RunSummary
	Err      error
}

// NewServer creates a Server that will listen on addr.
func NewServer(addr string, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		addr:   addr,
		grpc:   grpc.NewServer(),
		health: health.NewServer(),
		log:    log.With("component", "api"),
	}
	healthpb.RegisterHealthServer(s.grpc, s.health)
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	return s
}

// RecordRun stores the outcome of a pipeline pass. It is shaped to be used
// as a scheduler callback. The service stays SERVING after a failed pass,
// since the schedule continues.
func (s *Server) RecordRun(summary domain.RunSummary, err error) {
	s.mu.Lock()
	s.lastRun = RunStatus{Finished: time.Now(), Summary: summary, Err: err}
	s.mu.Unlock()
}

// LastRun returns the most recently recorded pass.
func (s *Server) LastRun() RunStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRun
}

// ListenAndServe listens on the configured address and serves until ctx is
// cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}
	return s.Serve(ctx, lis)
}

// Serve serves on lis until ctx is cancelled, then reports NOT_SERVING and
// stops gracefully.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	s.log.Info("health server listening", "addr", lis.Addr().String())

	errCh := make(chan error, 1)
	go func() { errCh <- s.grpc.Serve(lis) }()

	select {
	case <-ctx.Done():
		s.Shutdown()
		<-errCh
		return nil
	case err := <-errCh:
		if errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return err
	}
}

// Shutdown marks every service NOT_SERVING and drains in-flight calls.
func (s *Server) Shutdown() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}
