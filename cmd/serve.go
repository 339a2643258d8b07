package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/jeeves-cluster-organization/eraif/coreengine/config"
	eraifgrpc "github.com/jeeves-cluster-organization/eraif/coreengine/grpc"
	"github.com/jeeves-cluster-organization/eraif/coreengine/observability"
)

type serveFlags struct {
	grpcAddr     string
	metricsAddr  string
	otlpEndpoint string
}

func newServeCmd(root *rootFlags) *cobra.Command {
	flags := &serveFlags{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gRPC server and the metrics endpoint",
		Long: `Starts the EmergencySystem gRPC service with the standard health
service, and serves Prometheus metrics on /metrics. SIGINT or SIGTERM
drains in-flight calls before exiting.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, root, flags)
		},
	}
	f := cmd.Flags()
	f.StringVar(&flags.grpcAddr, "grpc-addr", "", "gRPC listen address (default from config, :50051)")
	f.StringVar(&flags.metricsAddr, "metrics-addr", "", "metrics listen address (default from config, :9090)")
	f.StringVar(&flags.otlpEndpoint, "otlp-endpoint", "", "OTLP gRPC endpoint; enables tracing")
	return cmd
}

func runServe(cmd *cobra.Command, root *rootFlags, flags *serveFlags) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, root.configPath, func(cfg *config.SystemConfig) {
		if flags.grpcAddr != "" {
			cfg.Server.GRPCAddr = flags.grpcAddr
		}
		if flags.metricsAddr != "" {
			cfg.Server.MetricsAddr = flags.metricsAddr
		}
		if flags.otlpEndpoint != "" {
			cfg.Telemetry.Enabled = true
			cfg.Telemetry.Endpoint = flags.otlpEndpoint
		}
	})
	if err != nil {
		return err
	}
	cfg, logger := a.cfg, a.logger
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := a.close(closeCtx); err != nil {
			logger.Warn("shutdown_incomplete", "error", err.Error())
		}
	}()

	if cfg.Telemetry.Enabled {
		shutdownTracer, err := observability.InitTracer(observability.TracerConfig{
			ServiceName: cfg.Telemetry.ServiceName,
			Version:     version,
			Endpoint:    cfg.Telemetry.Endpoint,
			SampleRatio: cfg.Telemetry.SampleRatio,
		})
		if err != nil {
			return err
		}
		defer func() { _ = shutdownTracer(context.Background()) }()
		logger.Info("tracing_enabled", "endpoint", cfg.Telemetry.Endpoint)
	}

	stopCleanup := a.sys.StartCleanupLoop()
	defer stopCleanup()
	if p, ok := a.checkpointer.(pruner); ok && cfg.Checkpoint.TTL > 0 && cfg.Execution.CleanupInterval > 0 {
		go runPruneLoop(ctx, p, cfg.Execution.CleanupInterval, cfg.Checkpoint.TTL, logger)
	}

	metrics := newMetricsServer(cfg.Server.MetricsAddr)
	go func() {
		if err := metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics_server_failed", "error", err.Error())
		}
	}()

	server := eraifgrpc.NewGracefulServer(a.sys, cfg.Server.GRPCAddr, logger)
	errCh, err := server.StartBackground()
	if err != nil {
		_ = metrics.Close()
		return err
	}
	logger.Info("eraif_ready",
		"version", version,
		"grpc_addr", server.Address(),
		"metrics_addr", cfg.Server.MetricsAddr,
		"checkpoint_backend", cfg.Checkpoint.Backend,
	)
	fmt.Fprintf(cmd.OutOrStdout(), "eraif serving gRPC on %s, metrics on %s\n", server.Address(), cfg.Server.MetricsAddr)

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown_signal_received")
	case err := <-errCh:
		serveErr = err
	}

	server.ShutdownWithTimeout(cfg.Server.ShutdownTimeout)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := metrics.Shutdown(shutdownCtx); err != nil {
		logger.Warn("metrics_shutdown_failed", "error", err.Error())
	}
	if serveErr != nil {
		return fmt.Errorf("grpc server: %w", serveErr)
	}
	return nil
}

func newMetricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
