package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"courier/internal/api"
	"courier/internal/api/handlers"
	"courier/internal/api/middleware"
	"courier/internal/app"
	"courier/internal/pkg/logger"
	"courier/internal/platform/auth"
	"courier/internal/platform/config"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	closeLog := logger.Init(cfg.Logging, "server")
	defer closeLog()

	a, err := app.New(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialise")
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Services
	tokenSvc := auth.NewTokenService(cfg.JWT)
	limiter := middleware.NewRateLimiter(cfg.RateLimit)
	go func() {
		ticker := time.NewTicker(10 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				limiter.Sweep(10 * time.Minute)
			}
		}
	}()

	// Router
	deps := &api.Dependencies{
		WebhookHandler: handlers.NewWebhookHandler(a.Webhooks),
		ErrorHandler:   handlers.NewErrorHandler(a.Recorder),
		AuditHandler:   handlers.NewAuditHandler(a.Auditor),
		HealthHandler:  handlers.NewHealthHandler(a.DB, a.Redis),
		MetricsHandler: handlers.NewMetricsHandler(),
		AuthMiddleware: middleware.NewAuthMiddleware(tokenSvc, a.Auditor),
		RateLimiter:    limiter,
	}
	router := api.NewRouter(deps)

	// With the memory scheduler the retry tasks exist only here.
	if a.InProcessWorkers() {
		go func() {
			if err := a.Workers.Run(ctx); err != nil {
				log.Error().Err(err).Msg("in-process workers stopped")
			}
		}()
	}

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Msg("server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	}
}
