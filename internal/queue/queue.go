// Package queue implements the durable bounded FIFO that sits between the
// ingestion endpoint and the worker. It is backed by Redis so that queue
// depth, and therefore the size cap, is enforced correctly across every
// horizontally-scaled API instance rather than only within one process.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/weather-mcp/analytics-server/internal/events"
)

// ErrQueueFull is returned by EnqueueMany when the batch would push depth
// past maxQueueSize. Callers surface this as a 503 with Retry-After.
var ErrQueueFull = errors.New("queue is full")

const defaultKey = "ingestor:events:queue"

// enqueueScript performs the size-check-plus-push as a single indivisible
// server-side operation. A read-then-write pair here would let K concurrent
// writers overrun maxQueueSize by up to K; this script closes that race.
var enqueueScript = redis.NewScript(`
local key = KEYS[1]
local maxSize = tonumber(ARGV[1])
local n = #ARGV - 1
local current = redis.call('LLEN', key)
if current + n > maxSize then
  return 0
end
for i = 2, #ARGV do
  redis.call('RPUSH', key, ARGV[i])
end
return 1
`)

// Queue is a Redis-backed bounded FIFO of serialized events.
type Queue struct {
	client       *redis.Client
	key          string
	maxQueueSize int
}

// New returns a Queue bound to the given Redis client.
func New(client *redis.Client, maxQueueSize int) *Queue {
	return &Queue{client: client, key: defaultKey, maxQueueSize: maxQueueSize}
}

// NewFromURL opens a Redis client from a connection URL, grounded on the
// gateway's client-wrapper pattern of parsing once at construction.
func NewFromURL(redisURL string, maxQueueSize int) (*Queue, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}

	return New(redis.NewClient(opt), maxQueueSize), nil
}

// EnqueueMany atomically pushes the whole batch, or none of it, onto the
// queue. The caller is responsible for retrying the whole batch on failure.
func (q *Queue) EnqueueMany(ctx context.Context, batch []events.Event) error {
	if len(batch) == 0 {
		return nil
	}

	now := time.Now().UTC()

	args := make([]any, 0, len(batch)+1)
	args = append(args, q.maxQueueSize)

	for _, e := range batch {
		payload, err := json.Marshal(events.QueuedEvent{Event: e, EnqueuedAt: now})
		if err != nil {
			return fmt.Errorf("marshal queued event: %w", err)
		}

		args = append(args, payload)
	}

	result, err := enqueueScript.Run(ctx, q.client, []string{q.key}, args...).Int()
	if err != nil {
		return fmt.Errorf("enqueue script failed: %w", err)
	}

	if result == 0 {
		return ErrQueueFull
	}

	return nil
}

// DequeueBatch removes and returns up to n events in FIFO order. LPOP with a
// count is itself atomic, so no script is needed here: concurrent workers
// calling DequeueBatch always receive disjoint batches.
func (q *Queue) DequeueBatch(ctx context.Context, n int) ([]events.QueuedEvent, error) {
	if n <= 0 {
		return nil, nil
	}

	raw, err := q.client.LPopCount(ctx, q.key, n).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("dequeue batch: %w", err)
	}

	batch := make([]events.QueuedEvent, 0, len(raw))

	for _, payload := range raw {
		var qe events.QueuedEvent
		if err := json.Unmarshal([]byte(payload), &qe); err != nil {
			return nil, fmt.Errorf("unmarshal queued event: %w", err)
		}

		batch = append(batch, qe)
	}

	return batch, nil
}

// Depth reports the current queue length.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	n, err := q.client.LLen(ctx, q.key).Result()
	if err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}

	return n, nil
}

// Clear empties the queue. Test-only; production code never calls this.
func (q *Queue) Clear(ctx context.Context) error {
	if err := q.client.Del(ctx, q.key).Err(); err != nil {
		return fmt.Errorf("clear queue: %w", err)
	}

	return nil
}

// HealthCheck verifies the backing Redis instance is reachable.
func (q *Queue) HealthCheck(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

// Close releases the underlying Redis client connections.
func (q *Queue) Close() error {
	return q.client.Close()
}
