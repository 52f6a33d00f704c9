// Package worker runs registered task handlers against the work queue.
//
// A task that completes removes its id from the taskset it was generated
// under and is acked. A task that overruns its soft or hard time limit keeps
// its taskset entry and is delivered again once a visibility timeout passes.
// Any other failure is retried with exponential backoff. Timeouts and
// failures both count against MaxRetries; once they are exhausted the task is
// abandoned and its taskset entry removed so the owning fence can drain.
//
// A claim that is never settled, because its worker died, is requeued by
// RequeueExpired without touching the retry count.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/stacklok/docsync/internal/coord"
	"github.com/stacklok/docsync/internal/otel"
	"github.com/stacklok/docsync/internal/queue"
	"github.com/stacklok/docsync/internal/telemetry"
)

const (
	// DefaultVisibilityTimeout bounds how long a claimed task stays invisible
	DefaultVisibilityTimeout = 10 * time.Minute
	// DefaultPollInterval is the idle wait between empty dequeues
	DefaultPollInterval = 500 * time.Millisecond
	// DefaultReapInterval is how often expired claims are requeued
	DefaultReapInterval = 30 * time.Second
	// DefaultMaxRetries is used when TaskOptions.MaxRetries is zero
	DefaultMaxRetries = 3

	baseRetryExponent = 4
)

var (
	// ErrSoftTimeLimit marks an execution that ran past its soft time limit
	ErrSoftTimeLimit = errors.New("soft time limit exceeded")
	// ErrHardTimeLimit marks an execution the pool stopped waiting for
	ErrHardTimeLimit = errors.New("hard time limit exceeded")
	// ErrUnknownTask is returned for a message no handler is registered for
	ErrUnknownTask = errors.New("no handler registered for task")

	errInterrupted = errors.New("worker stopped before the task completed")
)

// Handler executes one task. ctx carries the soft time limit.
type Handler func(ctx context.Context, task queue.Task) error

// TaskOptions configure how a registered task is executed
type TaskOptions struct {
	// Queue the task is consumed from
	Queue string

	// SoftTimeLimit is the deadline put on the handler context. Zero means none.
	SoftTimeLimit time.Duration

	// HardTimeLimit is how long the pool waits for the handler at all.
	// Zero means half the visibility timeout.
	HardTimeLimit time.Duration

	// MaxRetries bounds the retries after a failure
	MaxRetries int
}

type registration struct {
	handler Handler
	opts    TaskOptions
}

// Pool consumes tasks from one or more queues with a fixed number of
// goroutines per queue.
type Pool struct {
	queue    queue.Queue
	tasksets coord.Store

	handlers map[string]registration
	queues   []string

	concurrency  int
	visibility   time.Duration
	pollInterval time.Duration
	reapInterval time.Duration

	metrics *telemetry.SyncMetrics
	tracer  trace.Tracer
}

// Option configures a Pool
type Option func(*Pool)

// WithConcurrency sets the number of consumers per queue
func WithConcurrency(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.concurrency = n
		}
	}
}

// WithQueues restricts the pool to the named queues
func WithQueues(queues ...string) Option {
	return func(p *Pool) {
		p.queues = queues
	}
}

// WithVisibilityTimeout sets how long a claimed task stays invisible to other consumers
func WithVisibilityTimeout(d time.Duration) Option {
	return func(p *Pool) {
		p.visibility = d
	}
}

// WithPollInterval sets the idle wait between empty dequeues
func WithPollInterval(d time.Duration) Option {
	return func(p *Pool) {
		p.pollInterval = d
	}
}

// WithReapInterval sets how often expired claims are requeued
func WithReapInterval(d time.Duration) Option {
	return func(p *Pool) {
		p.reapInterval = d
	}
}

// WithMetrics sets the metrics recorder
func WithMetrics(m *telemetry.SyncMetrics) Option {
	return func(p *Pool) {
		p.metrics = m
	}
}

// WithTracer sets the tracer used for task spans
func WithTracer(t trace.Tracer) Option {
	return func(p *Pool) {
		p.tracer = t
	}
}

// New creates a pool reading from q and maintaining tasksets in store
func New(q queue.Queue, store coord.Store, opts ...Option) *Pool {
	p := &Pool{
		queue:        q,
		tasksets:     store,
		handlers:     map[string]registration{},
		concurrency:  1,
		visibility:   DefaultVisibilityTimeout,
		pollInterval: DefaultPollInterval,
		reapInterval: DefaultReapInterval,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Register binds a handler to a task name. The hard time limit must be
// shorter than the visibility timeout or a running task would be delivered
// to a second consumer.
func (p *Pool) Register(name string, h Handler, opts TaskOptions) error {
	if opts.Queue == "" {
		return fmt.Errorf("task %s has no queue", name)
	}
	if opts.HardTimeLimit >= p.visibility {
		return fmt.Errorf("hard time limit %s of task %s must be shorter than the visibility timeout %s",
			opts.HardTimeLimit, name, p.visibility)
	}
	if opts.HardTimeLimit == 0 {
		opts.HardTimeLimit = p.visibility / 2
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	p.handlers[name] = registration{handler: h, opts: opts}
	return nil
}

// Queues returns the queues the pool consumes
func (p *Pool) Queues() []string {
	if len(p.queues) > 0 {
		return p.queues
	}
	seen := map[string]bool{}
	var out []string
	for _, reg := range p.handlers {
		if !seen[reg.opts.Queue] {
			seen[reg.opts.Queue] = true
			out = append(out, reg.opts.Queue)
		}
	}
	return out
}

// Run consumes until ctx is cancelled
func (p *Pool) Run(ctx context.Context) error {
	queues := p.Queues()
	if len(queues) == 0 {
		return errors.New("no queues to consume")
	}

	slog.Info("Starting worker pool", "queues", queues, "concurrency", p.concurrency)

	g, ctx := errgroup.WithContext(ctx)
	for _, name := range queues {
		for range p.concurrency {
			g.Go(func() error {
				p.consume(ctx, name)
				return nil
			})
		}
	}
	g.Go(func() error {
		p.reap(ctx, queues)
		return nil
	})

	err := g.Wait()
	slog.Info("Worker pool stopped")
	return err
}

func (p *Pool) consume(ctx context.Context, name string) {
	for ctx.Err() == nil {
		processed, err := p.ProcessOne(ctx, name)
		if err != nil && ctx.Err() == nil {
			slog.Error("Failed to process task", "queue", name, "error", err)
		}
		if processed && err == nil {
			continue
		}
		select {
		case <-ctx.Done():
		case <-time.After(p.pollInterval):
		}
	}
}

func (p *Pool) reap(ctx context.Context, queues []string) {
	ticker := time.NewTicker(p.reapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.RequeueExpired(ctx, queues...)
		}
	}
}

// RequeueExpired makes tasks whose claim expired available again
func (p *Pool) RequeueExpired(ctx context.Context, queues ...string) {
	for _, name := range queues {
		n, err := p.queue.RequeueExpired(ctx, name)
		if err != nil {
			slog.Error("Failed to requeue expired tasks", "queue", name, "error", err)
			continue
		}
		if n > 0 {
			slog.Info("Requeued expired tasks", "queue", name, "count", n)
		}
	}
}

// ProcessOne claims and executes at most one task of the named queue.
// processed is false when the queue was empty.
func (p *Pool) ProcessOne(ctx context.Context, name string) (processed bool, err error) {
	d, err := p.queue.Dequeue(ctx, name, p.visibility)
	if err != nil {
		return false, err
	}
	if d == nil {
		return false, nil
	}
	return true, p.execute(ctx, d)
}

func (p *Pool) execute(ctx context.Context, d *queue.Delivery) error {
	task := d.Task
	logger := slog.With("task", task.Name, "task_id", task.ID, "retries", task.Retries)

	reg, ok := p.handlers[task.Name]
	if !ok {
		logger.Error("Dropping task without handler")
		if err := p.complete(ctx, d); err != nil {
			return err
		}
		return fmt.Errorf("%w: %s", ErrUnknownTask, task.Name)
	}

	if task.Expired(time.Now()) {
		logger.Debug("Discarding expired task")
		p.metrics.RecordTaskExecution(ctx, task.Name, telemetry.OutcomeSkipped, 0)
		return p.complete(ctx, d)
	}

	ctx, span := otel.StartSpan(ctx, p.tracer, "worker."+task.Name,
		trace.WithAttributes(
			otel.AttrTaskName.String(task.Name),
			otel.AttrTaskID.String(task.ID),
			otel.AttrQueue.String(task.Queue),
			otel.AttrRetries.Int(task.Retries),
		),
	)
	defer span.End()

	start := time.Now()
	runErr := p.run(ctx, reg, task)
	duration := time.Since(start)

	switch {
	case runErr == nil:
		p.metrics.RecordTaskExecution(ctx, task.Name, telemetry.OutcomeSuccess, duration)
		return p.complete(ctx, d)

	case errors.Is(runErr, errInterrupted) || ctx.Err() != nil:
		logger.Info("Worker stopping, task left for redelivery")
		return nil

	case errors.Is(runErr, ErrSoftTimeLimit), errors.Is(runErr, ErrHardTimeLimit):
		p.metrics.RecordTaskExecution(ctx, task.Name, telemetry.OutcomeTimeout, duration)
		if errors.Is(runErr, ErrHardTimeLimit) {
			logger.Error("Hard time limit exceeded", "duration", duration)
			otel.RecordError(span, runErr)
		} else {
			logger.Info("Soft time limit exceeded", "duration", duration)
		}
		return p.redeliverAfterTimeout(ctx, d, reg, logger)

	case task.Retries < reg.opts.MaxRetries:
		delay := RetryDelay(task.Retries)
		logger.Warn("Task failed, retrying", "delay", delay, "error", runErr)
		p.metrics.RecordTaskExecution(ctx, task.Name, telemetry.OutcomeRetry, duration)
		otel.RecordError(span, runErr)
		return p.queue.Retry(ctx, d, delay)

	default:
		logger.Error("Task failed, retries exhausted", "error", runErr)
		p.metrics.RecordTaskExecution(ctx, task.Name, telemetry.OutcomeExhausted, duration)
		otel.RecordError(span, runErr)
		return p.complete(ctx, d)
	}
}

// redeliverAfterTimeout makes a timed out task available again once a
// visibility timeout has passed, the same delay an expired claim gets.
// Timeouts count against MaxRetries; past it the task is abandoned like an
// exhausted retry so its fence can drain.
func (p *Pool) redeliverAfterTimeout(ctx context.Context, d *queue.Delivery, reg registration, logger *slog.Logger) error {
	if d.Task.Retries >= reg.opts.MaxRetries {
		logger.Error("Task timed out too often, abandoning it")
		return p.complete(ctx, d)
	}
	logger.Info("Task left for redelivery", "delay", p.visibility)
	return p.queue.Retry(ctx, d, p.visibility)
}

// run executes the handler under the task's time limits. The handler
// goroutine is abandoned when the hard limit passes.
func (p *Pool) run(ctx context.Context, reg registration, task queue.Task) error {
	hctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if reg.opts.SoftTimeLimit > 0 {
		var softCancel context.CancelFunc
		hctx, softCancel = context.WithTimeout(hctx, reg.opts.SoftTimeLimit)
		defer softCancel()
	}

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("task %s panicked: %v", task.ID, r)
			}
		}()
		done <- reg.handler(hctx, task)
	}()

	hard := time.NewTimer(reg.opts.HardTimeLimit)
	defer hard.Stop()

	select {
	case err := <-done:
		if err != nil && errors.Is(err, context.DeadlineExceeded) && errors.Is(hctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: %w", ErrSoftTimeLimit, err)
		}
		return err
	case <-hard.C:
		return ErrHardTimeLimit
	case <-ctx.Done():
		return errInterrupted
	}
}

// complete removes the task from its taskset and acks it, in that order, so
// a crash in between leads to a harmless redelivery.
func (p *Pool) complete(ctx context.Context, d *queue.Delivery) error {
	if d.Task.Taskset != "" {
		if err := p.tasksets.SetRemove(ctx, d.Task.Taskset, d.Task.ID); err != nil {
			return fmt.Errorf("failed to remove %s from %s: %w", d.Task.ID, d.Task.Taskset, err)
		}
	}
	return p.queue.Ack(ctx, d)
}

// RetryDelay returns the wait before the next attempt: 16s, 32s, 64s and so on.
func RetryDelay(retries int) time.Duration {
	return time.Duration(1<<(retries+baseRetryExponent)) * time.Second
}
