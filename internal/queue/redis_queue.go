package queue

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"content-hub/internal/config"
)

// NewRedisClient builds the shared Redis client from config.
func NewRedisClient(cfg config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

// Options tune a single named queue.
type Options struct {
	VisibilityTimeout  time.Duration
	CompletedRetention int
}

// RedisQueue is one named queue: a ready list, an in-flight lease set, a delayed set for
// retries, a dead list and a capped completed history. Queues never share keys, so a
// backlog in one family cannot hold up another.
type RedisQueue struct {
	client             *redis.Client
	name               string
	readyKey           string
	inflightKey        string
	delayedKey         string
	deadKey            string
	completedKey       string
	visibilityTTL      time.Duration
	completedRetention int64
}

// NewRedisQueue binds a queue name to a Redis client.
func NewRedisQueue(client *redis.Client, name string, opts Options) *RedisQueue {
	visibility := opts.VisibilityTimeout
	if visibility == 0 {
		visibility = 30 * time.Second
	}
	retention := opts.CompletedRetention
	if retention <= 0 {
		retention = 1000
	}
	// The hash tag keeps every key of a queue in one cluster slot for the Lua scripts.
	prefix := fmt.Sprintf("queue:{%s}:", name)
	return &RedisQueue{
		client:             client,
		name:               name,
		readyKey:           prefix + "ready",
		inflightKey:        prefix + "inflight",
		delayedKey:         prefix + "delayed",
		deadKey:            prefix + "dead",
		completedKey:       prefix + "completed",
		visibilityTTL:      visibility,
		completedRetention: int64(retention),
	}
}

// Name returns the queue name.
func (q *RedisQueue) Name() string {
	return q.name
}

// VisibilityTimeout returns the lease length granted on dequeue.
func (q *RedisQueue) VisibilityTimeout() time.Duration {
	return q.visibilityTTL
}

// Enqueue appends a job to the ready list.
func (q *RedisQueue) Enqueue(ctx context.Context, jobID string) error {
	return q.client.RPush(ctx, q.readyKey, jobID).Err()
}

// DequeueWithLease pops the next ready job and places it into in-flight with a visibility deadline.
// It returns "" when the queue is empty.
func (q *RedisQueue) DequeueWithLease(ctx context.Context) (string, error) {
	deadline := time.Now().Add(q.visibilityTTL).UnixMilli()
	res, err := dequeueScript.Run(ctx, q.client, []string{q.readyKey, q.inflightKey}, deadline).Result()
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
// Jobs no longer in flight are left alone.
func (q *RedisQueue) ExtendLease(ctx context.Context, jobID string, extension time.Duration) error {
	return q.client.ZAddXX(ctx, q.inflightKey, redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: jobID,
	}).Err()
}

// Ack removes a job from in-flight tracking.
func (q *RedisQueue) Ack(ctx context.Context, jobID string) error {
	return q.client.ZRem(ctx, q.inflightKey, jobID).Err()
}

// Complete acks a job and records it in the capped completed history.
func (q *RedisQueue) Complete(ctx context.Context, jobID string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, jobID)
	pipe.LPush(ctx, q.completedKey, jobID)
	pipe.LTrim(ctx, q.completedKey, 0, q.completedRetention-1)
	_, err := pipe.Exec(ctx)
	return err
}

// Fail acks a job and appends it to the dead list for operator inspection.
func (q *RedisQueue) Fail(ctx context.Context, jobID string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, jobID)
	pipe.RPush(ctx, q.deadKey, jobID)
	_, err := pipe.Exec(ctx)
	return err
}

// Retry acks a job and parks it in the delayed set until runAt.
func (q *RedisQueue) Retry(ctx context.Context, jobID string, runAt time.Time) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, jobID)
	pipe.ZAdd(ctx, q.delayedKey, redis.Z{Score: float64(runAt.UnixMilli()), Member: jobID})
	_, err := pipe.Exec(ctx)
	return err
}

// PromoteDelayed moves due delayed jobs into the ready list. It returns how many were promoted.
func (q *RedisQueue) PromoteDelayed(ctx context.Context, now time.Time, limit int64) (int, error) {
	ids, err := q.move(ctx, q.delayedKey, now, limit)
	return len(ids), err
}

// ExpiredLeases lists in-flight jobs whose lease ran out by now, without moving them.
func (q *RedisQueue) ExpiredLeases(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	return q.client.ZRangeByScore(ctx, q.inflightKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: limit,
	}).Result()
}

// Reclaim puts stalled jobs back on the ready list. A job is only moved if its lease is still
// expired at now, so a lease extended in the meantime is left alone. It returns the moved ids.
func (q *RedisQueue) Reclaim(ctx context.Context, now time.Time, jobIDs ...string) ([]string, error) {
	if len(jobIDs) == 0 {
		return nil, nil
	}
	args := make([]any, 0, len(jobIDs)+1)
	args = append(args, now.UnixMilli())
	for _, id := range jobIDs {
		args = append(args, id)
	}
	res, err := reclaimScript.Run(ctx, q.client, []string{q.inflightKey, q.readyKey}, args...).StringSlice()
	if err == redis.Nil {
		return nil, nil
	}
	return res, err
}

func (q *RedisQueue) move(ctx context.Context, from string, now time.Time, limit int64) ([]string, error) {
	res, err := moveDueScript.Run(ctx, q.client, []string{from, q.readyKey}, now.UnixMilli(), limit).StringSlice()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

// DeadLetters reads the oldest dead job ids.
func (q *RedisQueue) DeadLetters(ctx context.Context, count int64) ([]string, error) {
	return q.client.LRange(ctx, q.deadKey, 0, count-1).Result()
}

// Completed reads the most recently completed job ids.
func (q *RedisQueue) Completed(ctx context.Context, count int64) ([]string, error) {
	return q.client.LRange(ctx, q.completedKey, 0, count-1).Result()
}

// Stats is a point-in-time view of one queue.
type Stats struct {
	Ready    int64 `json:"ready"`
	InFlight int64 `json:"in_flight"`
	Delayed  int64 `json:"delayed"`
	Dead     int64 `json:"dead"`
}

// Stats returns the size of every list and set of the queue.
func (q *RedisQueue) Stats(ctx context.Context) (Stats, error) {
	pipe := q.client.Pipeline()
	ready := pipe.LLen(ctx, q.readyKey)
	inflight := pipe.ZCard(ctx, q.inflightKey)
	delayed := pipe.ZCard(ctx, q.delayedKey)
	dead := pipe.LLen(ctx, q.deadKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return Stats{}, err
	}
	return Stats{
		Ready:    ready.Val(),
		InFlight: inflight.Val(),
		Delayed:  delayed.Val(),
		Dead:     dead.Val(),
	}, nil
}

var dequeueScript = redis.NewScript(`
local job = redis.call('LPOP', KEYS[1])
if job then
  redis.call('ZADD', KEYS[2], ARGV[1], job)
  return job
end
return nil
`)

// moveDueScript moves members of a zset scored <= now onto a list. Only members this
// call removed are pushed, so concurrent reapers never duplicate a job.
var moveDueScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
local moved = {}
for _, id in ipairs(ids) do
  if redis.call('ZREM', KEYS[1], id) == 1 then
    redis.call('RPUSH', KEYS[2], id)
    table.insert(moved, id)
  end
end
return moved
`)

var reclaimScript = redis.NewScript(`
local moved = {}
local now = tonumber(ARGV[1])
for i = 2, #ARGV do
  local id = ARGV[i]
  local score = redis.call('ZSCORE', KEYS[1], id)
  if score and tonumber(score) <= now then
    redis.call('ZREM', KEYS[1], id)
    redis.call('RPUSH', KEYS[2], id)
    table.insert(moved, id)
  end
end
return moved
`)
