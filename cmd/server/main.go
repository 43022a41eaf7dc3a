// Clearhold - Escrow transaction lifecycle and settlement engine
package main

import (
	"context"
	"os"

	"github.com/clearhold/clearhold/internal/config"
	"github.com/clearhold/clearhold/internal/logging"
	"github.com/clearhold/clearhold/internal/server"
	"github.com/clearhold/clearhold/internal/traces"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	logger := logging.New("info", "text")

	logger.Info("starting clearhold",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger.Info("configuration loaded",
		"env", cfg.Env,
		"sweep_interval", cfg.SweepInterval,
	)

	ctx := context.Background()

	// Tracing is a no-op when OTEL_EXPORTER_OTLP_ENDPOINT is unset
	shutdownTraces, err := traces.Init(ctx, cfg.OTLPEndpoint, logger)
	if err != nil {
		logger.Error("failed to initialize tracing", "error", err)
		os.Exit(1)
	}
	defer func() { _ = shutdownTraces(context.Background()) }()

	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	if err := srv.Run(ctx); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
