package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "docsync:queue"

// Delivery is a task claimed from a queue. It stays in flight until acked,
// retried or its visibility deadline passes.
type Delivery struct {
	Task Task
	raw  string
}

// Queue is an at-least-once task queue.
// A claimed task that is neither acked nor retried is delivered again once
// its visibility timeout elapses and RequeueExpired runs.
type Queue interface {
	// Enqueue makes the task available immediately
	Enqueue(ctx context.Context, task Task) error
	// EnqueueAfter makes the task available after delay
	EnqueueAfter(ctx context.Context, task Task, delay time.Duration) error
	// Dequeue claims the next available task of the named queue, nil when none is available
	Dequeue(ctx context.Context, queue string, visibility time.Duration) (*Delivery, error)
	// Ack removes a claimed task for good
	Ack(ctx context.Context, d *Delivery) error
	// Retry atomically replaces a claimed task by its next attempt, available after delay
	Retry(ctx context.Context, d *Delivery, delay time.Duration) error
	// RequeueExpired makes in flight tasks past their visibility deadline available again
	RequeueExpired(ctx context.Context, queue string) (int, error)
	// Len returns the number of pending tasks of the named queue
	Len(ctx context.Context, queue string) (int64, error)
}

var (
	dequeueScript = redis.NewScript(`
local ids = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, 1)
if #ids == 0 then
	return false
end
redis.call("ZREM", KEYS[1], ids[1])
redis.call("ZADD", KEYS[2], ARGV[2], ids[1])
return ids[1]
`)

	retryScript = redis.NewScript(`
if redis.call("ZREM", KEYS[1], ARGV[1]) == 0 then
	return 0
end
redis.call("ZADD", KEYS[2], ARGV[3], ARGV[2])
return 1
`)

	requeueScript = redis.NewScript(`
local ids = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
for _, id in ipairs(ids) do
	redis.call("ZREM", KEYS[1], id)
	redis.call("ZADD", KEYS[2], ARGV[1], id)
end
return #ids
`)
)

// RedisQueue keeps each named queue in two sorted sets: pending tasks scored
// by the time they become available and in flight tasks scored by their
// visibility deadline.
type RedisQueue struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

var _ Queue = (*RedisQueue)(nil)

// Option configures a RedisQueue
type Option func(*RedisQueue)

// WithKeyPrefix namespaces the queue keys
func WithKeyPrefix(prefix string) Option {
	return func(q *RedisQueue) {
		q.prefix = prefix
	}
}

// WithClock overrides the time source used for scores
func WithClock(now func() time.Time) Option {
	return func(q *RedisQueue) {
		q.now = now
	}
}

// NewRedisQueue creates a queue on top of an already configured client
func NewRedisQueue(client redis.UniversalClient, opts ...Option) *RedisQueue {
	q := &RedisQueue{client: client, prefix: defaultKeyPrefix, now: time.Now}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *RedisQueue) pendingKey(name string) string {
	return fmt.Sprintf("%s:{%s}:pending", q.prefix, name)
}

func (q *RedisQueue) inflightKey(name string) string {
	return fmt.Sprintf("%s:{%s}:inflight", q.prefix, name)
}

func score(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

// Enqueue makes the task available immediately
func (q *RedisQueue) Enqueue(ctx context.Context, task Task) error {
	return q.EnqueueAfter(ctx, task, 0)
}

// EnqueueAfter makes the task available after delay
func (q *RedisQueue) EnqueueAfter(ctx context.Context, task Task, delay time.Duration) error {
	if task.Queue == "" {
		return fmt.Errorf("task %s has no queue", task.Name)
	}
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	now := q.now()
	if task.EnqueuedAt.IsZero() {
		task.EnqueuedAt = now.UTC()
	}
	raw, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to encode task %s: %w", task.ID, err)
	}
	at := now.Add(delay)
	err = q.client.ZAdd(ctx, q.pendingKey(task.Queue), redis.Z{
		Score:  float64(at.UnixMilli()),
		Member: string(raw),
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to enqueue task %s: %w", task.ID, err)
	}
	return nil
}

// Dequeue claims the next available task
func (q *RedisQueue) Dequeue(ctx context.Context, queue string, visibility time.Duration) (*Delivery, error) {
	now := q.now()
	raw, err := dequeueScript.Run(ctx, q.client,
		[]string{q.pendingKey(queue), q.inflightKey(queue)},
		score(now), score(now.Add(visibility)),
	).Text()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue from %s: %w", queue, err)
	}

	var task Task
	if err := json.Unmarshal([]byte(raw), &task); err != nil {
		// An undecodable message would be redelivered forever
		_ = q.client.ZRem(ctx, q.inflightKey(queue), raw).Err()
		return nil, fmt.Errorf("dropped malformed task on %s: %w", queue, err)
	}
	return &Delivery{Task: task, raw: raw}, nil
}

// Ack removes a claimed task for good
func (q *RedisQueue) Ack(ctx context.Context, d *Delivery) error {
	if err := q.client.ZRem(ctx, q.inflightKey(d.Task.Queue), d.raw).Err(); err != nil {
		return fmt.Errorf("failed to ack task %s: %w", d.Task.ID, err)
	}
	return nil
}

// Retry replaces a claimed task by a copy with an incremented retry count.
// Nothing is scheduled when the claim already expired and was requeued.
func (q *RedisQueue) Retry(ctx context.Context, d *Delivery, delay time.Duration) error {
	next := d.Task
	next.Retries++
	raw, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("failed to encode task %s: %w", next.ID, err)
	}
	err = retryScript.Run(ctx, q.client,
		[]string{q.inflightKey(d.Task.Queue), q.pendingKey(d.Task.Queue)},
		d.raw, string(raw), score(q.now().Add(delay)),
	).Err()
	if err != nil {
		return fmt.Errorf("failed to retry task %s: %w", d.Task.ID, err)
	}
	return nil
}

// RequeueExpired makes in flight tasks past their visibility deadline available again
func (q *RedisQueue) RequeueExpired(ctx context.Context, queue string) (int, error) {
	n, err := requeueScript.Run(ctx, q.client,
		[]string{q.inflightKey(queue), q.pendingKey(queue)},
		score(q.now()),
	).Int()
	if err != nil {
		return 0, fmt.Errorf("failed to requeue expired tasks on %s: %w", queue, err)
	}
	return n, nil
}

// Len returns the number of pending tasks
func (q *RedisQueue) Len(ctx context.Context, queue string) (int64, error) {
	n, err := q.client.ZCard(ctx, q.pendingKey(queue)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to size queue %s: %w", queue, err)
	}
	return n, nil
}
