package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunner_RunOnce(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	q := NewMemoryQueue(clock.Now)
	ctx := context.Background()

	var ok, failed, panicked int32
	r := NewRunner(q, RunnerOptions{Now: clock.Now, RetryDelay: time.Minute})
	r.Handle("ok", func(ctx context.Context, task Task) error {
		atomic.AddInt32(&ok, 1)
		return nil
	})
	r.Handle("fail", func(ctx context.Context, task Task) error {
		atomic.AddInt32(&failed, 1)
		return errors.New("boom")
	})
	r.Handle("panic", func(ctx context.Context, task Task) error {
		atomic.AddInt32(&panicked, 1)
		panic("unexpected")
	})

	for _, name := range []string{"ok", "ok", "fail", "panic", "unknown"} {
		_, err := q.ScheduleAt(ctx, 0, name, nil)
		require.NoError(t, err)
	}

	n, err := r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, int32(2), ok)
	assert.Equal(t, int32(1), failed)
	assert.Equal(t, int32(1), panicked)

	// failed and panicked tasks are requeued, unknown is dropped
	pending := q.Pending()
	require.Len(t, pending, 2)
	for _, task := range pending {
		assert.Equal(t, clock.Now().Add(time.Minute), task.RunAt)
		assert.Equal(t, 1, task.Attempts)
	}
}
