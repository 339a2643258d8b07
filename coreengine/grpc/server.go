// Package grpc serves an emergency system over gRPC: the EmergencySystem
// service, the standard health service mirroring the emergency mode, and
// the interceptor chain every call runs through.
package grpc

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/jeeves-cluster-organization/eraif/coreengine/logging"
	"github.com/jeeves-cluster-organization/eraif/coreengine/system"
)

// =============================================================================
// Graceful Server
// =============================================================================

// GracefulServer wraps a gRPC server with graceful shutdown support.
type GracefulServer struct {
	grpcServer *grpc.Server
	health     *HealthMirror
	detach     func()
	logger     logging.Logger
	address    string

	listener   net.Listener
	shutdownMu sync.Mutex
	isShutdown bool
}

// NewGracefulServer registers the EmergencySystem and health services for
// sys. With no opts the standard ServerOptions are used.
func NewGracefulServer(sys *system.System, address string, logger logging.Logger, opts ...grpc.ServerOption) *GracefulServer {
	if logger == nil {
		logger = logging.NewNop()
	}
	logger = logger.Bind("component", "grpc")
	if len(opts) == 0 {
		opts = ServerOptions(logger)
	}

	grpcServer := grpc.NewServer(opts...)
	RegisterEmergencyServer(grpcServer, NewEmergencyServer(sys))

	mirror := NewHealthMirror(logger, ServiceName)
	healthpb.RegisterHealthServer(grpcServer, mirror.Server())
	mirror.Apply(sys.Kernel().Mode().Snapshot().Mode)

	return &GracefulServer{
		grpcServer: grpcServer,
		health:     mirror,
		detach:     mirror.Attach(sys.Bus()),
		logger:     logger,
		address:    address,
	}
}

// Start listens on the configured address and blocks until ctx is
// cancelled. When ctx is cancelled, it performs graceful shutdown.
func (s *GracefulServer) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return s.Serve(ctx, lis)
}

// Serve serves on lis until ctx is cancelled or the server fails.
func (s *GracefulServer) Serve(ctx context.Context, lis net.Listener) error {
	s.setListener(lis)
	s.logger.Info("grpc_graceful_server_started", "address", lis.Addr().String())

	errCh := s.serve(lis)
	select {
	case <-ctx.Done():
		s.logger.Info("grpc_graceful_shutdown_initiated",
			"reason", ctx.Err().Error(),
		)
		s.GracefulStop()
		return ctx.Err()
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	}
}

// StartBackground listens and serves in a goroutine. The returned channel
// receives the serve error, if any, and is closed when serving ends.
func (s *GracefulServer) StartBackground() (<-chan error, error) {
	lis, err := net.Listen("tcp", s.address)
	if err != nil {
		return nil, fmt.Errorf("failed to listen: %w", err)
	}
	s.setListener(lis)
	s.logger.Info("grpc_graceful_server_started_background", "address", lis.Addr().String())
	return s.serve(lis), nil
}

func (s *GracefulServer) serve(lis net.Listener) <-chan error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.grpcServer.Serve(lis); err != nil {
			errCh <- err
		}
		close(errCh)
	}()
	return errCh
}

func (s *GracefulServer) setListener(lis net.Listener) {
	s.shutdownMu.Lock()
	s.listener = lis
	s.shutdownMu.Unlock()
}

// GracefulStop reports NOT_SERVING, stops accepting new connections and
// waits for in-flight calls.
func (s *GracefulServer) GracefulStop() {
	if !s.markShutdown() {
		return
	}
	s.logger.Info("grpc_graceful_stop_started")
	s.grpcServer.GracefulStop()
	s.logger.Info("grpc_graceful_stop_completed")
}

// Stop immediately stops the server.
func (s *GracefulServer) Stop() {
	if !s.markShutdown() {
		return
	}
	s.logger.Warn("grpc_immediate_stop")
	s.grpcServer.Stop()
}

func (s *GracefulServer) markShutdown() bool {
	s.shutdownMu.Lock()
	defer s.shutdownMu.Unlock()
	if s.isShutdown {
		return false
	}
	s.isShutdown = true
	s.detach()
	s.health.Shutdown()
	return true
}

// ShutdownWithTimeout performs graceful shutdown, forcing an immediate stop
// if it has not finished within timeout.
func (s *GracefulServer) ShutdownWithTimeout(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		s.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		s.logger.Warn("grpc_graceful_shutdown_timeout",
			"timeout_ms", timeout.Milliseconds(),
		)
		s.grpcServer.Stop()
	}
}

// Health returns the health mirror.
func (s *GracefulServer) Health() *HealthMirror {
	return s.health
}

// GetGRPCServer returns the underlying grpc.Server.
func (s *GracefulServer) GetGRPCServer() *grpc.Server {
	return s.grpcServer
}

// Address returns the bound address once serving, else the configured one.
func (s *GracefulServer) Address() string {
	s.shutdownMu.Lock()
	defer s.shutdownMu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.address
}
