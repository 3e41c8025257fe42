package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"courier/internal/app"
	"courier/internal/pkg/logger"
	"courier/internal/platform/config"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to config file")
	once := flag.Bool("once", false, "Run one retry sweep and one retention pass, then exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	closeLog := logger.Init(cfg.Logging, "worker")
	defer closeLog()

	a, err := app.New(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialise")
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *once {
		res, err := a.Workers.RetryFailedErrors(ctx)
		if err != nil {
			log.Fatal().Err(err).Msg("retry sweep failed")
		}
		tasks, err := a.Workers.RunDueTasks(ctx)
		if err != nil {
			log.Error().Err(err).Msg("task batch failed")
		}
		cleaned := a.Workers.CleanupExpired(ctx)
		log.Info().
			Int("processed", res.Processed).
			Int("tasks", tasks).
			Int64("audit_deleted", cleaned.AuditEntries).
			Int64("errors_deleted", cleaned.ErrorRecords).
			Msg("single pass complete")
		return
	}

	if a.InProcessWorkers() {
		log.Warn().Msg("memory scheduler backend: webhook retries scheduled by the API server are not visible to this worker")
	}

	log.Info().Msg("starting background workers")
	if err := a.Workers.Run(ctx); err != nil {
		log.Error().Err(err).Msg("workers stopped")
	}
	log.Info().Msg("workers stopped")
}
