// Command server runs the covenant escrow settlement and packet relay API.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/mbd888/covenant/internal/config"
	"github.com/mbd888/covenant/internal/logging"
	"github.com/mbd888/covenant/internal/server"
)

// Set by ldflags.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := run(); err != nil {
		// Config may not have loaded, so fall back to a plain text logger.
		logging.New("info", "text").Error("covenant exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat).With("service", "covenant")
	logger.Info("starting covenant",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
		"env", cfg.Env,
	)
	logger.Info("settlement stack",
		"store", storeKind(cfg),
		"audit_sinks", auditSinks(cfg),
		"packet_timeout", cfg.PacketDefaultTimeout.String(),
		"packet_max_retries", cfg.PacketMaxRetries,
	)
	logLoop(logger, "relay timeout sweeper", cfg.RelaySweepInterval)
	logLoop(logger, "escrow stall monitor", cfg.StallScanInterval)
	logLoop(logger, "custody reconciliation", cfg.ReconcileInterval)

	srv, err := server.New(cfg, server.WithLogger(logger), server.WithVersion(Version))
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}
	return srv.Run(context.Background())
}

func storeKind(cfg *config.Config) string {
	if cfg.DatabaseURL != "" {
		return "postgres"
	}
	return "memory"
}

func auditSinks(cfg *config.Config) []string {
	sinks := []string{"log", "websocket"}
	if len(cfg.KafkaBrokers) > 0 {
		sinks = append(sinks, "kafka:"+cfg.KafkaTopic)
	}
	return sinks
}

func logLoop(logger *slog.Logger, name string, interval time.Duration) {
	if interval <= 0 {
		logger.Info(name+" disabled", "interval", "0")
		return
	}
	logger.Info(name+" enabled", "interval", interval.String())
}
