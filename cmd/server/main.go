// geoanomaly - geo-temporal anomaly detection for card transactions
package main

import (
	"context"
	"os"

	"github.com/mbd888/geoanomaly/internal/config"
	"github.com/mbd888/geoanomaly/internal/logging"
	"github.com/mbd888/geoanomaly/internal/server"
	"github.com/mbd888/geoanomaly/internal/traces"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	// Bootstrap logger until the configured level and format are known
	logger := logging.New("info", "text")

	logger.Info("starting geoanomaly",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger = logging.New(cfg.LogLevel, cfg.LogFormat)

	logger.Info("configuration loaded",
		"env", cfg.Env,
		"persistence", cfg.DatabaseURL != "",
		"anomaly_threshold", cfg.Detection.AnomalyThreshold,
		"decay_interval", cfg.DecayInterval,
	)

	ctx := context.Background()

	shutdownTraces, err := traces.Init(ctx, "geoanomaly", cfg.OTLPEndpoint, logger)
	if err != nil {
		logger.Error("failed to init tracing", "error", err)
		os.Exit(1)
	}
	defer func() { _ = shutdownTraces(context.Background()) }()

	server.Version = Version
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
