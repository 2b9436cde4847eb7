package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	coreq "github.com/petrijr/canvas/internal/taskqueue"
)

// RedisQueue implements the Queue interface using Redis.
//
// It uses two keys:
//
//	<prefix>{jobs}        => ZSET of JSON-encoded jobs scored by due time (unix ms)
//	<prefix>{jobs}:locks  => HASH of held lock => job id
//
// The hash tag keeps both keys in one cluster slot. A claim is one Lua
// script: it scans the earliest due jobs, skips those outside the requested
// queues or behind a held lock, and takes the highest priority survivor.
type RedisQueue struct {
	client       redis.UniversalClient
	jobsKey      string
	locksKey     string
	claimBatch   int
	pollInterval time.Duration
}

// NewRedisQueue constructs a Redis-backed Queue.
// prefix is optional but recommended (e.g. "canvas:").
func NewRedisQueue(client redis.UniversalClient, prefix string) *RedisQueue {
	if prefix == "" {
		prefix = "canvas:"
	}
	return &RedisQueue{
		client:       client,
		jobsKey:      prefix + "{jobs}",
		locksKey:     prefix + "{jobs}:locks",
		claimBatch:   100,
		pollInterval: 50 * time.Millisecond,
	}
}

// Ensure RedisQueue implements Queue.
var _ coreq.Queue = (*RedisQueue)(nil)

var (
	// KEYS: jobs, locks. ARGV: now, batch, accepted queue names...
	// Returns the claimed job or false.
	redisClaim = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
local accept = {}
local filtered = #ARGV > 2
for i = 3, #ARGV do
	accept[ARGV[i]] = true
end
local best, bestPriority, bestLock, bestID
for _, raw in ipairs(due) do
	local job = cjson.decode(raw)
	local queue = job['queue'] or 'default'
	local lock = job['lock'] or ''
	if (not filtered or accept[queue]) and (lock == '' or redis.call('HEXISTS', KEYS[2], lock) == 0) then
		local priority = job['priority'] or 0
		if best == nil or priority > bestPriority then
			best, bestPriority, bestLock, bestID = raw, priority, lock, job['id']
		end
	end
end
if best == nil then
	return false
end
redis.call('ZREM', KEYS[1], best)
if bestLock ~= '' then
	redis.call('HSET', KEYS[2], bestLock, bestID)
end
return best
`)

	// Deletes lock ARGV[1] if job ARGV[2] holds it.
	redisRelease = redis.NewScript(`
if redis.call('HGET', KEYS[1], ARGV[1]) == ARGV[2] then
	return redis.call('HDEL', KEYS[1], ARGV[1])
end
return 0
`)
)

// Enqueue adds the job to the sorted set, scored by when it becomes due.
func (q *RedisQueue) Enqueue(ctx context.Context, j coreq.Job) error {
	if j.EnqueuedAt.IsZero() {
		j.EnqueuedAt = time.Now()
	}
	j.Queue = coreq.QueueName(j.Queue)
	data, err := coreq.EncodeJob(j)
	if err != nil {
		return err
	}

	due := j.EnqueuedAt
	if !j.NotBefore.IsZero() {
		due = j.NotBefore
	}
	err = q.client.ZAdd(ctx, q.jobsKey, redis.Z{
		Score:  float64(due.UnixMilli()),
		Member: data,
	}).Err()
	if err != nil {
		return fmt.Errorf("canvas/redis: enqueue %s: %w", j.ID, err)
	}
	return nil
}

// Dequeue polls the claim script until a job is available or ctx is
// cancelled.
func (q *RedisQueue) Dequeue(ctx context.Context, queues ...string) (*coreq.Job, error) {
	args := []any{"", q.claimBatch}
	for _, name := range coreq.QueueNames(queues) {
		args = append(args, name)
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		args[0] = strconv.FormatInt(time.Now().UnixMilli(), 10)
		raw, err := redisClaim.Run(ctx, q.client, []string{q.jobsKey, q.locksKey}, args...).Text()
		if err == nil {
			return coreq.DecodeJob([]byte(raw))
		}
		if !errors.Is(err, redis.Nil) {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, fmt.Errorf("canvas/redis: dequeue: %w", err)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *RedisQueue) Release(ctx context.Context, j coreq.Job) error {
	if j.Lock == "" {
		return nil
	}
	if err := redisRelease.Run(ctx, q.client, []string{q.locksKey}, j.Lock, j.ID).Err(); err != nil {
		return fmt.Errorf("canvas/redis: release lock %q for %s: %w", j.Lock, j.ID, err)
	}
	return nil
}

// Len returns the number of queued jobs, delayed ones included.
func (q *RedisQueue) Len() int {
	n, err := q.client.ZCard(context.Background(), q.jobsKey).Result()
	if err != nil {
		slog.Warn("redis_queue_len_failed", slog.Any("error", err))
		return 0
	}
	return int(n)
}
