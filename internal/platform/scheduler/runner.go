package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"courier/internal/platform/metrics"
)

// HandlerFunc executes one task. A returned error requeues the task.
type HandlerFunc func(ctx context.Context, task Task) error

type RunnerOptions struct {
	PollInterval time.Duration
	BatchSize    int
	Concurrency  int
	RetryDelay   time.Duration
	Now          func() time.Time
}

// Runner polls a Queue and dispatches due tasks to handlers by name.
type Runner struct {
	queue    Queue
	opts     RunnerOptions
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

func NewRunner(queue Queue, opts RunnerOptions) *Runner {
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 10
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 30 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Runner{
		queue:    queue,
		opts:     opts,
		handlers: make(map[string]HandlerFunc),
	}
}

func (r *Runner) Handle(name string, h HandlerFunc) {
	r.mu.Lock()
	r.handlers[name] = h
	r.mu.Unlock()
}

func (r *Runner) handler(name string) (HandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// Run polls until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.opts.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := r.RunOnce(ctx); err != nil {
			log.Error().Err(err).Msg("scheduler poll failed")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunOnce executes one batch of due tasks and returns how many were claimed.
func (r *Runner) RunOnce(ctx context.Context) (int, error) {
	tasks, err := r.queue.Due(ctx, r.opts.Now(), r.opts.BatchSize)
	if err != nil {
		return 0, err
	}

	var g errgroup.Group
	g.SetLimit(r.opts.Concurrency)
	for _, task := range tasks {
		task := task
		g.Go(func() error {
			r.execute(ctx, task)
			return nil
		})
	}
	g.Wait()
	return len(tasks), nil
}

func (r *Runner) execute(ctx context.Context, task Task) {
	logger := log.With().Str("task_id", task.ID).Str("task", task.Name).Int("attempts", task.Attempts).Logger()

	h, ok := r.handler(task.Name)
	if !ok {
		logger.Warn().Msg("no handler registered for task, dropping")
		metrics.ScheduledTasks.WithLabelValues(task.Name, "dropped").Inc()
		r.queue.Complete(ctx, task.ID)
		return
	}

	err := safeCall(ctx, h, task)
	if err != nil {
		logger.Error().Err(err).Dur("retry_in", r.opts.RetryDelay).Msg("task failed, requeueing")
		metrics.ScheduledTasks.WithLabelValues(task.Name, "requeued").Inc()
		if rqErr := r.queue.Requeue(ctx, task, r.opts.RetryDelay); rqErr != nil {
			logger.Error().Err(rqErr).Msg("failed to requeue task")
		}
		return
	}

	metrics.ScheduledTasks.WithLabelValues(task.Name, "completed").Inc()
	if err := r.queue.Complete(ctx, task.ID); err != nil {
		logger.Error().Err(err).Msg("failed to complete task")
	}
}

func safeCall(ctx context.Context, h HandlerFunc, task Task) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("task handler panicked: %v", rec)
		}
	}()
	return h(ctx, task)
}
