// Package app assembles the components shared by the server and worker
// processes from configuration.
package app

import (
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"courier/internal/engine/faults"
	"courier/internal/engine/webhooks"
	"courier/internal/platform/audit"
	"courier/internal/platform/config"
	"courier/internal/platform/crypto"
	"courier/internal/platform/database"
	"courier/internal/platform/scheduler"
	"courier/internal/workers"
)

type App struct {
	Config   *config.Config
	DB       *database.DB
	Redis    *redis.Client
	Queue    scheduler.Queue
	Auditor  *audit.Logger
	Recorder *faults.Recorder
	Webhooks *webhooks.Service
	Workers  *workers.Workers
}

func New(cfg *config.Config) (*App, error) {
	db, err := database.Open(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if _, err := database.Migrate(db.DB); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	a := &App{Config: cfg, DB: db}

	switch cfg.Scheduler.Backend {
	case "redis":
		rdb, err := scheduler.NewRedisClient(cfg.Redis)
		if err != nil {
			db.Close()
			return nil, err
		}
		a.Redis = rdb
		a.Queue = scheduler.NewRedisQueue(rdb, "courier:tasks", nil)
	case "", "memory":
		a.Queue = scheduler.NewMemoryQueue(nil)
	default:
		db.Close()
		return nil, fmt.Errorf("unknown scheduler backend %q", cfg.Scheduler.Backend)
	}

	a.Auditor = audit.NewLogger(db.DB, audit.Options{
		RetentionDays:          cfg.Audit.RetentionDays,
		PreserveCritical:       cfg.Audit.PreserveCritical,
		ExportLimit:            cfg.Audit.ExportLimit,
		SecurityEventThreshold: cfg.Audit.SecurityEventThreshold,
		AuthFailureThreshold:   cfg.Audit.AuthFailureThreshold,
	})

	policies := faults.DefaultPolicies()
	errRepo := faults.NewRepository(db.DB)
	a.Recorder = faults.NewRecorder(errRepo, policies, nil)

	if cfg.Webhooks.CredentialsKey == "" {
		log.Warn().Msg("webhooks.credentials_key is empty, endpoint credentials are sealed with the JWT secret")
		cfg.Webhooks.CredentialsKey = cfg.JWT.Secret
	}
	hookRepo := webhooks.NewRepository(db.DB, crypto.NewSealer(cfg.Webhooks.CredentialsKey))
	dispatcher := webhooks.NewDispatcher(hookRepo, a.Queue, a.Recorder, a.Auditor, webhooks.DispatcherOptions{
		Timeout:         cfg.Webhooks.RequestTimeout,
		UserAgent:       cfg.Webhooks.UserAgent,
		MaxResponseBody: cfg.Webhooks.MaxResponseBody,
	})
	a.Webhooks = webhooks.NewService(hookRepo, dispatcher, a.Auditor, webhooks.ServiceOptions{
		Concurrency: cfg.Webhooks.Concurrency,
	})

	ops := faults.NewOperationRegistry()
	workers.RegisterOperations(ops, a.Webhooks, &http.Client{Timeout: cfg.Webhooks.RequestTimeout})
	sweeper := faults.NewRetryScheduler(errRepo, ops, policies, faults.RetryOptions{
		BatchSize:   cfg.Retry.BatchSize,
		Concurrency: cfg.Retry.Concurrency,
	})
	runner := scheduler.NewRunner(a.Queue, scheduler.RunnerOptions{
		PollInterval: cfg.Scheduler.PollInterval,
		BatchSize:    cfg.Scheduler.BatchSize,
		Concurrency:  cfg.Scheduler.Concurrency,
	})
	a.Workers = workers.New(sweeper, a.Recorder, a.Auditor, runner, a.Webhooks, workers.Options{
		SweepInterval:     cfg.Retry.SweepInterval,
		RetentionInterval: cfg.Audit.CleanupInterval,
		ErrorRetention:    time.Duration(cfg.Errors.RetentionDays) * 24 * time.Hour,
	})

	log.Info().
		Str("scheduler", cfg.Scheduler.Backend).
		Strs("retry_operations", ops.Names()).
		Msg("components initialised")
	return a, nil
}

// InProcessWorkers reports whether delayed tasks live in this process, in
// which case the server must run the workers itself.
func (a *App) InProcessWorkers() bool {
	return a.Redis == nil
}

func (a *App) Close() error {
	if a.Redis != nil {
		a.Redis.Close()
	}
	return a.DB.Close()
}
