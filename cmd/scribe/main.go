package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"

	"scribe/internal/bootstrap"
	"scribe/internal/cli"
	"scribe/internal/config"
	"scribe/internal/output"
)

func main() {
	if err := run(); err != nil {
		output.NewFormatter(os.Stderr).Error(err.Error())
		os.Exit(1)
	}
}

func run() error {
	// A missing .env file is fine.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := bootstrap.NewLogger(cfg.Log, os.Stderr)
	slog.SetDefault(logger)

	ctx := context.Background()
	services, err := bootstrap.Build(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("initializing: %w", err)
	}
	defer func() {
		if err := services.Close(); err != nil {
			logger.Warn("closing job ledger failed", "error", err)
		}
	}()

	return cli.NewRootCmd(&cli.Dependencies{Services: services}).ExecuteContext(ctx)
}
