// Package main runs the indexer service binary.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-cpi-indexer/internal/app"
	"github.com/JakeFAU/realtime-cpi-indexer/internal/config"
	"github.com/JakeFAU/realtime-cpi-indexer/internal/logging"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	dryRun := flag.Bool("dry-run", false, "Run the pipeline without record writes or event publishes")
	validateOnly := flag.Bool("validate", false, "Validate configuration and exit")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	cfg.DryRun = *dryRun
	if *validateOnly {
		fmt.Println("configuration ok")
		return
	}

	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Error("build failed", zap.Error(err))
		os.Exit(1)
	}
	if err := a.Run(ctx); err != nil {
		logger.Error("run failed", zap.Error(err))
		os.Exit(1)
	}
}
