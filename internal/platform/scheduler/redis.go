package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"courier/internal/platform/config"
)

// NewRedisClient parses the configured URL and verifies the connection.
func NewRedisClient(cfg config.RedisConfig) (*redis.Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}

	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return rdb, nil
}

// RedisQueue stores tasks as JSON strings and orders them in a sorted set
// scored by run time (unix ms). Claimed tasks move to a second sorted set
// scored by lease expiry.
type RedisQueue struct {
	rdb    *redis.Client
	prefix string
	lease  time.Duration
	now    func() time.Time
}

func NewRedisQueue(rdb *redis.Client, prefix string, now func() time.Time) *RedisQueue {
	if prefix == "" {
		prefix = "courier:tasks"
	}
	if now == nil {
		now = time.Now
	}
	return &RedisQueue{rdb: rdb, prefix: prefix, lease: DefaultLease, now: now}
}

// Key helpers
func (q *RedisQueue) queueKey() string {
	return q.prefix + ":queue"
}

func (q *RedisQueue) processingKey() string {
	return q.prefix + ":processing"
}

func (q *RedisQueue) taskKey(id string) string {
	return fmt.Sprintf("%s:task:%s", q.prefix, id)
}

func score(t time.Time) float64 {
	return float64(t.UnixMilli())
}

func (q *RedisQueue) ScheduleAt(ctx context.Context, delay time.Duration, name string, payload any) (string, error) {
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
	if err := q.put(ctx, task); err != nil {
		return "", err
	}
	return task.ID, nil
}

func (q *RedisQueue) put(ctx context.Context, task Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}

	_, err = q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, q.taskKey(task.ID), data, 0)
		pipe.ZRem(ctx, q.processingKey(), task.ID)
		pipe.ZAdd(ctx, q.queueKey(), redis.Z{Score: score(task.RunAt), Member: task.ID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to enqueue task: %w", err)
	}
	return nil
}

func (q *RedisQueue) Due(ctx context.Context, now time.Time, limit int) ([]Task, error) {
	if err := q.reclaimExpired(ctx, now); err != nil {
		return nil, err
	}

	var count int64
	if limit > 0 {
		count = int64(limit)
	}
	ids, err := q.rdb.ZRangeByScore(ctx, q.queueKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: count,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("zrangebyscore failed: %w", err)
	}

	var tasks []Task
	for _, id := range ids {
		// Only the claimant whose ZREM removes the member owns the task.
		removed, err := q.rdb.ZRem(ctx, q.queueKey(), id).Result()
		if err != nil {
			return tasks, fmt.Errorf("zrem failed: %w", err)
		}
		if removed == 0 {
			continue
		}
		if err := q.rdb.ZAdd(ctx, q.processingKey(), redis.Z{Score: score(now.Add(q.lease)), Member: id}).Err(); err != nil {
			return tasks, fmt.Errorf("failed to lease task: %w", err)
		}

		data, err := q.rdb.Get(ctx, q.taskKey(id)).Bytes()
		if errors.Is(err, redis.Nil) {
			q.rdb.ZRem(ctx, q.processingKey(), id)
			continue
		}
		if err != nil {
			return tasks, fmt.Errorf("failed to load task %s: %w", id, err)
		}

		var task Task
		if err := json.Unmarshal(data, &task); err != nil {
			// Unreadable payloads would be reclaimed forever; drop them.
			q.Complete(ctx, id)
			continue
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

func (q *RedisQueue) reclaimExpired(ctx context.Context, now time.Time) error {
	expired, err := q.rdb.ZRangeByScore(ctx, q.processingKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return fmt.Errorf("failed to scan leases: %w", err)
	}
	for _, id := range expired {
		removed, err := q.rdb.ZRem(ctx, q.processingKey(), id).Result()
		if err != nil || removed == 0 {
			continue
		}
		q.rdb.ZAdd(ctx, q.queueKey(), redis.Z{Score: score(now), Member: id})
	}
	return nil
}

func (q *RedisQueue) Complete(ctx context.Context, id string) error {
	_, err := q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, q.processingKey(), id)
		pipe.Del(ctx, q.taskKey(id))
		return nil
	})
	return err
}

func (q *RedisQueue) Requeue(ctx context.Context, task Task, delay time.Duration) error {
	task.Attempts++
	task.RunAt = q.now().Add(delay)
	return q.put(ctx, task)
}

func (q *RedisQueue) Len(ctx context.Context) (int, error) {
	n, err := q.rdb.ZCard(ctx, q.queueKey()).Result()
	return int(n), err
}
