package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryQueue keeps tasks in process memory. Suitable for a single worker
// process and for tests; tasks do not survive a restart.
type MemoryQueue struct {
	mu       sync.Mutex
	pending  []Task
	inflight map[string]Task
	now      func() time.Time
}

func NewMemoryQueue(now func() time.Time) *MemoryQueue {
	if now == nil {
		now = time.Now
	}
	return &MemoryQueue{
		inflight: make(map[string]Task),
		now:      now,
	}
}

func (q *MemoryQueue) ScheduleAt(ctx context.Context, delay time.Duration, name string, payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal task payload: %w", err)
	}
	if delay < 0 {
		delay = 0
	}

	task := Task{
		ID:      "task_" + uuid.New().String(),
		Name:    name,
		Payload: data,
		RunAt:   q.now().Add(delay),
	}

	q.mu.Lock()
	q.pending = append(q.pending, task)
	q.mu.Unlock()
	return task.ID, nil
}

func (q *MemoryQueue) Due(ctx context.Context, now time.Time, limit int) ([]Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	sort.SliceStable(q.pending, func(i, j int) bool {
		return q.pending[i].RunAt.Before(q.pending[j].RunAt)
	})

	var due []Task
	kept := q.pending[:0]
	for _, t := range q.pending {
		if !t.RunAt.After(now) && (limit <= 0 || len(due) < limit) {
			due = append(due, t)
			q.inflight[t.ID] = t
			continue
		}
		kept = append(kept, t)
	}
	q.pending = kept
	return due, nil
}

func (q *MemoryQueue) Complete(ctx context.Context, id string) error {
	q.mu.Lock()
	delete(q.inflight, id)
	q.mu.Unlock()
	return nil
}

func (q *MemoryQueue) Requeue(ctx context.Context, task Task, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.inflight, task.ID)
	task.Attempts++
	task.RunAt = q.now().Add(delay)
	q.pending = append(q.pending, task)
	return nil
}

func (q *MemoryQueue) Len(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending), nil
}

// Pending returns a snapshot of waiting tasks ordered by run time.
func (q *MemoryQueue) Pending() []Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]Task, len(q.pending))
	copy(out, q.pending)
	sort.SliceStable(out, func(i, j int) bool { return out[i].RunAt.Before(out[j].RunAt) })
	return out
}
