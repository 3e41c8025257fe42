// Package scheduler is the delayed-task facility used for work that must run
// later without holding a goroutine while it waits (webhook retries).
//
// Tasks are claimed with a lease; a claimant that dies before Complete lets
// the lease expire and the task is handed out again, so handlers must
// tolerate at-least-once execution.
package scheduler

import (
	"context"
	"encoding/json"
	"time"
)

type Task struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	Payload  json.RawMessage `json:"payload"`
	RunAt    time.Time       `json:"run_at"`
	Attempts int             `json:"attempts"`
}

// Decode unmarshals the task payload into v.
func (t Task) Decode(v any) error {
	return json.Unmarshal(t.Payload, v)
}

// Scheduler is the producer side: schedule a named task after delay.
type Scheduler interface {
	ScheduleAt(ctx context.Context, delay time.Duration, name string, payload any) (string, error)
}

// Queue is the consumer side used by Runner.
type Queue interface {
	Scheduler
	// Due claims up to limit tasks whose run time is at or before now.
	Due(ctx context.Context, now time.Time, limit int) ([]Task, error)
	// Complete drops a claimed task.
	Complete(ctx context.Context, id string) error
	// Requeue releases a claimed task to run again after delay.
	Requeue(ctx context.Context, task Task, delay time.Duration) error
	// Len reports the number of tasks waiting to run (claimed tasks excluded).
	Len(ctx context.Context) (int, error)
}

// DefaultLease is how long a claimed task stays invisible to other claimants.
const DefaultLease = 5 * time.Minute
