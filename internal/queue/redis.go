package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/contentforge/orchestrator/internal/task"
)

// RedisQueue is a multi-process priority + delay queue backed by two
// sorted sets: delayedKey holds jobs not yet ready, scored by their
// NotBefore unix time; readyKey holds claimable jobs, scored so
// ZPOPMIN always returns the highest-priority, oldest job first. A
// single in-process Queue can't be shared across worker processes;
// this is the C10/C11 backing used once more than one process needs to
// see the same queue.
type RedisQueue struct {
	client    *redis.Client
	readyKey  string
	delayKey  string
}

// NewRedisQueue builds a RedisQueue over client, namespacing its two
// sorted sets under keyPrefix (e.g. "orchestrator:tasks").
func NewRedisQueue(client *redis.Client, keyPrefix string) *RedisQueue {
	return &RedisQueue{
		client:   client,
		readyKey: keyPrefix + ":ready",
		delayKey: keyPrefix + ":delayed",
	}
}

// readyScore packs priority and enqueue time into one float64 score so
// ZPOPMIN (ascending) yields highest priority first, then FIFO within a
// priority tier: higher priority must produce a *lower* score.
func readyScore(priority task.Priority, enqueuedAt time.Time) float64 {
	const prioritySpan = 1e15 // nanoseconds comfortably dwarf any realistic queue lifetime
	return float64(-int64(priority))*prioritySpan + float64(enqueuedAt.UnixNano()%int64(prioritySpan))
}

func (q *RedisQueue) AddTask(ctx context.Context, taskID string, priority task.Priority) (Job, error) {
	j := Job{JobID: uuid.NewString(), TaskID: taskID, Priority: priority, EnqueuedAt: time.Now()}
	return j, q.pushReady(ctx, j)
}

func (q *RedisQueue) AddDelayedTask(ctx context.Context, taskID string, priority task.Priority, notBefore time.Time) (Job, error) {
	j := Job{JobID: uuid.NewString(), TaskID: taskID, Priority: priority, EnqueuedAt: time.Now(), NotBefore: notBefore}
	payload, err := json.Marshal(j)
	if err != nil {
		return Job{}, fmt.Errorf("queue: marshal job: %w", err)
	}
	return j, q.client.ZAdd(ctx, q.delayKey, redis.Z{Score: float64(notBefore.Unix()), Member: payload}).Err()
}

func (q *RedisQueue) pushReady(ctx context.Context, j Job) error {
	payload, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("queue: marshal job: %w", err)
	}
	return q.client.ZAdd(ctx, q.readyKey, redis.Z{Score: readyScore(j.Priority, j.EnqueuedAt), Member: payload}).Err()
}

// PromoteDue moves every delayed job whose NotBefore has passed into
// the ready set. Callers (typically the scheduler, on a tick) must
// invoke this periodically — delayed jobs otherwise sit in delayKey
// forever since nothing else inspects it.
func (q *RedisQueue) PromoteDue(ctx context.Context) (int, error) {
	now := float64(time.Now().Unix())
	due, err := q.client.ZRangeByScore(ctx, q.delayKey, &redis.ZRangeBy{Min: "-inf", Max: fmt.Sprintf("%f", now)}).Result()
	if err != nil {
		return 0, fmt.Errorf("queue: scan delayed: %w", err)
	}
	for _, payload := range due {
		var j Job
		if err := json.Unmarshal([]byte(payload), &j); err != nil {
			continue
		}
		pipe := q.client.TxPipeline()
		pipe.ZRem(ctx, q.delayKey, payload)
		score := readyScore(j.Priority, j.EnqueuedAt)
		movedPayload, _ := json.Marshal(j)
		pipe.ZAdd(ctx, q.readyKey, redis.Z{Score: score, Member: movedPayload})
		if _, err := pipe.Exec(ctx); err != nil {
			return 0, fmt.Errorf("queue: promote delayed job: %w", err)
		}
	}
	return len(due), nil
}

// Pop claims the next ready job, blocking (via short polling backoff)
// until one is available or ctx is cancelled.
func (q *RedisQueue) Pop(ctx context.Context) (Job, error) {
	backoff := 50 * time.Millisecond
	const maxBackoff = 1 * time.Second
	for {
		if err := ctx.Err(); err != nil {
			return Job{}, err
		}
		results, err := q.client.ZPopMin(ctx, q.readyKey, 1).Result()
		if err != nil {
			return Job{}, fmt.Errorf("queue: pop: %w", err)
		}
		if len(results) > 0 {
			var j Job
			if err := json.Unmarshal([]byte(results[0].Member.(string)), &j); err != nil {
				return Job{}, fmt.Errorf("queue: decode job: %w", err)
			}
			return j, nil
		}
		select {
		case <-ctx.Done():
			return Job{}, ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < maxBackoff {
			backoff *= 2
		}
	}
}

// Stats reports the ready and delayed set sizes.
func (q *RedisQueue) Stats(ctx context.Context) (Stats, error) {
	depth, err := q.client.ZCard(ctx, q.readyKey).Result()
	if err != nil {
		return Stats{}, err
	}
	return Stats{Depth: int(depth)}, nil
}
