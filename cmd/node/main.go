// tradenode - a buyer, vendor and moderator node for peer-to-peer escrowed commerce
package main

import (
	"context"
	"os"

	"github.com/mbd888/tradenode/internal/config"
	"github.com/mbd888/tradenode/internal/logging"
	"github.com/mbd888/tradenode/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	logger := logging.New("info", "text")

	logger.Info("starting tradenode",
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
		"chain", cfg.UsesChain(),
		"chain_id", cfg.ChainID,
		"peers", len(cfg.Peers),
	)

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
