package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"media-pipeline/internal/config"
)

// RedisQueue coordinates ready, in-flight, and scheduled job sets in Redis.
// Delivery is at-least-once: a stalled lease puts the job back on the ready
// list, so consumers must keep their transitions idempotent.
type RedisQueue struct {
	client       *redis.Client
	readyKey     string
	inflightKey  string
	scheduledKey string
	metaPrefix   string
	dlqKey       string
	dlqMaxLen    int64
	stallTTL     time.Duration
	maxStalls    int
}

// NewRedisQueue builds a queue client from config.
func NewRedisQueue(cfg config.Config) *RedisQueue {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	stall := cfg.StallTimeout
	if stall == 0 {
		stall = 30 * time.Second
	}
	maxStalls := cfg.MaxStalls
	if maxStalls <= 0 {
		maxStalls = 1
	}
	dlqMax := cfg.DLQMaxLen
	if dlqMax <= 0 {
		dlqMax = 1000
	}
	return &RedisQueue{
		client:       client,
		readyKey:     "queue:ready",
		inflightKey:  "queue:inflight",
		scheduledKey: "queue:scheduled",
		metaPrefix:   "queue:jobmeta:",
		dlqKey:       "queue:dlq",
		dlqMaxLen:    dlqMax,
		stallTTL:     stall,
		maxStalls:    maxStalls,
	}
}

func (q *RedisQueue) metaKey(jobID string) string {
	return q.metaPrefix + jobID
}

// Ping verifies connectivity. Used by composition roots at startup.
func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

func (q *RedisQueue) Close() error {
	return q.client.Close()
}

// Enqueue durably records a job, into the scheduled set when runAt is in the
// future or straight onto the ready list otherwise. It returns as soon as
// Redis acknowledges the write; no worker pickup is awaited.
func (q *RedisQueue) Enqueue(ctx context.Context, jobID, itemID, kind string, runAt time.Time) error {
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.metaKey(jobID), "item_id", itemID, "kind", kind, "stalls", 0)
	if runAt.After(time.Now()) {
		pipe.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(runAt.UnixMilli()), Member: jobID})
	} else {
		pipe.RPush(ctx, q.readyKey, jobID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("enqueue job %s: %w", jobID, err)
	}
	return nil
}

// Schedule moves a job into the scheduled set for deferred redelivery
// (the backoff path after a failed attempt).
func (q *RedisQueue) Schedule(ctx context.Context, jobID string, runAt time.Time) error {
	err := q.client.ZAdd(ctx, q.scheduledKey, redis.Z{
		Score:  float64(runAt.UnixMilli()),
		Member: jobID,
	}).Err()
	if err != nil {
		return fmt.Errorf("schedule job %s: %w", jobID, err)
	}
	return nil
}

// PromoteScheduled moves due scheduled jobs onto the ready list. It returns
// how many were promoted.
func (q *RedisQueue) PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.scheduledKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, q.scheduledKey, id)
		pipe.RPush(ctx, q.readyKey, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return len(ids), nil
}

// DequeueWithLease pops a job from the ready list and places it into the
// in-flight set with a visibility deadline. Returns "" when the list is empty.
func (q *RedisQueue) DequeueWithLease(ctx context.Context) (string, error) {
	res, err := dequeueScript.Run(ctx, q.client, []string{q.readyKey, q.inflightKey},
		time.Now().Add(q.stallTTL).UnixMilli()).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	jobID, ok := res.(string)
	if !ok {
		return "", fmt.Errorf("unexpected type from dequeue script: %T", res)
	}
	return jobID, nil
}

// ExtendLease pushes the visibility deadline forward for an in-flight job.
func (q *RedisQueue) ExtendLease(ctx context.Context, jobID string, extension time.Duration) error {
	return q.client.ZAdd(ctx, q.inflightKey, redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: jobID,
	}).Err()
}

// Ack removes a job from in-flight tracking and drops its meta record.
func (q *RedisQueue) Ack(ctx context.Context, jobID string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, jobID)
	pipe.Del(ctx, q.metaKey(jobID))
	_, err := pipe.Exec(ctx)
	return err
}

// RequeueExpired reclaims leases whose consumers stopped reporting progress.
// Each reclaimed job's stall counter is incremented; jobs stalled more than
// maxStalls times are pulled out of circulation entirely and returned in
// exhausted so the caller can dead-letter them without further backoff.
func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) (requeued, exhausted []string, err error) {
	ids, err := q.client.ZRangeByScore(ctx, q.inflightKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, nil, err
	}
	if len(ids) == 0 {
		return nil, nil, nil
	}

	for _, id := range ids {
		stalls, err := q.client.HIncrBy(ctx, q.metaKey(id), "stalls", 1).Result()
		if err != nil {
			return requeued, exhausted, err
		}
		pipe := q.client.TxPipeline()
		pipe.ZRem(ctx, q.inflightKey, id)
		if stalls > int64(q.maxStalls) {
			exhausted = append(exhausted, id)
		} else {
			pipe.RPush(ctx, q.readyKey, id)
			requeued = append(requeued, id)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return requeued, exhausted, err
		}
	}
	return requeued, exhausted, nil
}

// Cancel removes a job from ready, scheduled, and in-flight sets. Used when
// the target item is deleted while its job is still queued.
func (q *RedisQueue) Cancel(ctx context.Context, jobID string) error {
	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, q.readyKey, 0, jobID)
	pipe.ZRem(ctx, q.inflightKey, jobID)
	pipe.ZRem(ctx, q.scheduledKey, jobID)
	pipe.Del(ctx, q.metaKey(jobID))
	_, err := pipe.Exec(ctx)
	return err
}

// DLQPush appends to the dead-letter list, trimmed to a bounded length.
func (q *RedisQueue) DLQPush(ctx context.Context, jobID string) error {
	pipe := q.client.TxPipeline()
	pipe.RPush(ctx, q.dlqKey, jobID)
	pipe.LTrim(ctx, q.dlqKey, -q.dlqMaxLen, -1)
	_, err := pipe.Exec(ctx)
	return err
}

// DLQPeek reads the oldest dead-lettered job IDs for inspection.
func (q *RedisQueue) DLQPeek(ctx context.Context, count int64) ([]string, error) {
	return q.client.LRange(ctx, q.dlqKey, 0, count-1).Result()
}

// ReadyDepth returns the length of the ready list.
func (q *RedisQueue) ReadyDepth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.readyKey).Result()
}

var dequeueScript = redis.NewScript(`
local job = redis.call('LPOP', KEYS[1])
if job then
  redis.call('ZADD', KEYS[2], ARGV[1], job)
  return job
end
return nil
`)
