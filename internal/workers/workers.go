// Package workers runs the background loops of the worker process: the
// error retry sweep, the delayed-task runner that carries webhook retries,
// and retention cleanup.
package workers

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"courier/internal/engine/faults"
	"courier/internal/engine/webhooks"
	"courier/internal/platform/audit"
	"courier/internal/platform/scheduler"
)

type Options struct {
	SweepInterval     time.Duration
	RetentionInterval time.Duration
	// ErrorRetention is how long resolved and failed error records are kept.
	ErrorRetention time.Duration
}

type Workers struct {
	sweeper  *faults.RetryScheduler
	recorder *faults.Recorder
	auditor  *audit.Logger
	runner   *scheduler.Runner
	opts     Options
}

// New wires the loops and registers the webhook retry task handler on runner.
func New(sweeper *faults.RetryScheduler, recorder *faults.Recorder, auditor *audit.Logger, runner *scheduler.Runner, hooks *webhooks.Service, opts Options) *Workers {
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 30 * time.Second
	}
	if opts.RetentionInterval <= 0 {
		opts.RetentionInterval = 24 * time.Hour
	}
	if opts.ErrorRetention <= 0 {
		opts.ErrorRetention = 30 * 24 * time.Hour
	}
	if runner != nil && hooks != nil {
		runner.Handle(webhooks.RetryTaskName, hooks.HandleRetryTask)
	}
	return &Workers{sweeper: sweeper, recorder: recorder, auditor: auditor, runner: runner, opts: opts}
}

// Run blocks until ctx is cancelled or a loop fails.
func (w *Workers) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return every(ctx, w.opts.SweepInterval, func() {
			if _, err := w.RetryFailedErrors(ctx); err != nil {
				log.Error().Err(err).Msg("retry sweep failed")
			}
		})
	})
	g.Go(func() error {
		return every(ctx, w.opts.RetentionInterval, func() {
			w.CleanupExpired(ctx)
		})
	})
	if w.runner != nil {
		g.Go(func() error {
			return w.runner.Run(ctx)
		})
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// RetryFailedErrors runs one sweep over due error records.
func (w *Workers) RetryFailedErrors(ctx context.Context) (faults.SweepResult, error) {
	return w.sweeper.ProcessPendingRetries(ctx)
}

// RunDueTasks executes one batch of due delayed tasks.
func (w *Workers) RunDueTasks(ctx context.Context) (int, error) {
	if w.runner == nil {
		return 0, nil
	}
	return w.runner.RunOnce(ctx)
}

type CleanupResult struct {
	AuditEntries int64
	ErrorRecords int64
}

// CleanupExpired applies the audit and error record retention windows.
// Failures are logged; one store failing does not skip the other.
func (w *Workers) CleanupExpired(ctx context.Context) CleanupResult {
	var res CleanupResult
	var err error
	if w.auditor != nil {
		if res.AuditEntries, err = w.auditor.CleanupDefault(ctx); err != nil {
			log.Error().Err(err).Msg("audit cleanup failed")
		}
	}
	if w.recorder != nil {
		if res.ErrorRecords, err = w.recorder.Cleanup(ctx, w.opts.ErrorRetention); err != nil {
			log.Error().Err(err).Msg("error record cleanup failed")
		}
	}
	return res
}

// every runs fn immediately and then on each tick until ctx is done.
func every(ctx context.Context, interval time.Duration, fn func()) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		fn()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
