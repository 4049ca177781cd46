// Demo engine - guided escrow demos over a simulated transaction lifecycle
package main

import (
	"context"
	"os"

	"github.com/trustlesswork/demoengine/internal/config"
	"github.com/trustlesswork/demoengine/internal/logging"
	"github.com/trustlesswork/demoengine/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.New("info", "text").Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting demoengine",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)
	logger.Info("configuration loaded",
		"env", cfg.Env,
		"network", cfg.Network,
		"escrow_api", cfg.EscrowAPIURL != "",
		"signer", cfg.SignerKey != "",
		"signing_fallback", cfg.SigningFallback,
		"database", cfg.DatabaseURL != "",
	)

	server.Version = Version
	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	if err := srv.Run(context.Background()); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
