package faults

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"courier/internal/platform/metrics"
)

const (
	autoResolution          = "Automatically resolved through retry"
	insufficientContextText = "insufficient context for retry"
	systemActor             = "system"
)

type RetryOptions struct {
	BatchSize   int
	Concurrency int
	Now         func() time.Time
}

// SweepResult counts per-record outcomes of one sweep. Skipped records lost
// a version race to another worker.
type SweepResult struct {
	Processed   int `json:"processed"`
	Resolved    int `json:"resolved"`
	Rescheduled int `json:"rescheduled"`
	Failed      int `json:"failed"`
	Skipped     int `json:"skipped"`
}

type RetryScheduler struct {
	repo     *Repository
	ops      *OperationRegistry
	policies *PolicyTable
	opts     RetryOptions
}

func NewRetryScheduler(repo *Repository, ops *OperationRegistry, policies *PolicyTable, opts RetryOptions) *RetryScheduler {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 500
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 10
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if policies == nil {
		policies = DefaultPolicies()
	}
	return &RetryScheduler{repo: repo, ops: ops, policies: policies, opts: opts}
}

type outcome string

const (
	outcomeResolved    outcome = "resolved"
	outcomeRescheduled outcome = "rescheduled"
	outcomeFailed      outcome = "failed"
	outcomeSkipped     outcome = "skipped"
)

// ProcessPendingRetries re-attempts every due record once. Per-record
// errors are logged and counted; only failing to load the batch is returned.
func (s *RetryScheduler) ProcessPendingRetries(ctx context.Context) (SweepResult, error) {
	start := time.Now()
	defer func() { metrics.SweepDuration.Observe(time.Since(start).Seconds()) }()

	due, err := s.repo.Due(ctx, s.opts.Now(), s.opts.BatchSize)
	if err != nil {
		return SweepResult{}, fmt.Errorf("failed to load due retries: %w", err)
	}

	var (
		mu     sync.Mutex
		result SweepResult
	)
	var g errgroup.Group
	g.SetLimit(s.opts.Concurrency)
	for _, rec := range due {
		rec := rec
		g.Go(func() error {
			out := s.process(ctx, rec)
			metrics.RetryOutcomes.WithLabelValues(string(rec.Category), string(out)).Inc()

			mu.Lock()
			defer mu.Unlock()
			result.Processed++
			switch out {
			case outcomeResolved:
				result.Resolved++
			case outcomeRescheduled:
				result.Rescheduled++
			case outcomeFailed:
				result.Failed++
			default:
				result.Skipped++
			}
			return nil
		})
	}
	g.Wait()

	if result.Processed > 0 {
		log.Info().
			Int("processed", result.Processed).
			Int("resolved", result.Resolved).
			Int("rescheduled", result.Rescheduled).
			Int("failed", result.Failed).
			Int("skipped", result.Skipped).
			Msg("retry sweep complete")
	}
	return result, nil
}

func (s *RetryScheduler) process(ctx context.Context, rec *ErrorRecord) outcome {
	logger := log.With().Str("error_id", rec.ID).Str("category", string(rec.Category)).Int("retry_count", rec.RetryCount).Logger()

	res := s.invoke(ctx, rec)
	now := s.opts.Now().UTC()
	expected := rec.Version

	if res.Success {
		rec.Status = StatusResolved
		rec.ResolvedAt = &now
		rec.Resolution = autoResolution
		rec.NextRetryAt = nil
		rec.UpdatedAt = now

		closure := AlertClosure{By: systemActor, Resolution: autoResolution, At: now}
		if s.policies.Lookup(rec.Category).AutoResolve {
			closure.AcknowledgeAs = systemActor
		}
		if err := s.repo.Resolve(ctx, rec, expected, closure); err != nil {
			return s.writeFailed(logger, err)
		}
		logger.Info().Msg("error resolved by retry")
		return outcomeResolved
	}

	if rec.RetryCount >= rec.RetryConfig.MaxRetries {
		rec.Status = StatusFailed
		rec.NextRetryAt = nil
		rec.UpdatedAt = now
		if err := s.repo.UpdateCAS(ctx, rec, expected); err != nil {
			return s.writeFailed(logger, err)
		}
		logger.Warn().Str("reason", res.Message).Msg("retry budget exhausted, error marked failed")
		return outcomeFailed
	}

	scheduleNext(rec, now)
	if err := s.repo.UpdateCAS(ctx, rec, expected); err != nil {
		return s.writeFailed(logger, err)
	}
	logger.Info().Str("reason", res.Message).Time("next_retry_at", *rec.NextRetryAt).Msg("retry rescheduled")
	return outcomeRescheduled
}

func (s *RetryScheduler) writeFailed(logger zerolog.Logger, err error) outcome {
	if errors.Is(err, ErrConflict) {
		logger.Debug().Msg("record changed by another worker, skipping")
	} else {
		logger.Error().Err(err).Msg("failed to persist retry outcome")
	}
	return outcomeSkipped
}

// invoke runs the registered operation, turning a missing handler or a
// panic into a failed result.
func (s *RetryScheduler) invoke(ctx context.Context, rec *ErrorRecord) (res OperationResult) {
	if rec.Context == nil || rec.Context.Operation == "" || s.ops == nil {
		return OperationResult{Message: insufficientContextText}
	}
	fn, ok := s.ops.Lookup(rec.Context.Operation)
	if !ok {
		return OperationResult{Message: insufficientContextText}
	}

	defer func() {
		if p := recover(); p != nil {
			res = OperationResult{Message: fmt.Sprintf("operation %s panicked: %v", rec.Context.Operation, p)}
		}
	}()
	return fn(ctx, *rec.Context)
}

// RetryError advances a record to its next retry: retryCount is incremented
// and the delay computed from the new count.
func (s *RetryScheduler) RetryError(ctx context.Context, id string) (*ErrorRecord, error) {
	rec, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Status == StatusResolved {
		return nil, ErrAlreadyResolved
	}

	expected := rec.Version
	scheduleNext(rec, s.opts.Now().UTC())
	if err := s.repo.UpdateCAS(ctx, rec, expected); err != nil {
		return nil, err
	}
	return rec, nil
}

func scheduleNext(rec *ErrorRecord, now time.Time) {
	rec.RetryCount++
	next := now.Add(NextDelay(rec.RetryConfig, rec.RetryCount))
	rec.Status = StatusRetrying
	rec.NextRetryAt = &next
	rec.UpdatedAt = now
}
