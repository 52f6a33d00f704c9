package sync

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/stacklok/docsync/internal/coord"
	"github.com/stacklok/docsync/internal/telemetry"
)

// Lock names of the periodic loops
const (
	LockCheckSync     = "check_sync_beat_lock"
	LockMonitorSync   = "monitor_sync_beat_lock"
	LockCheckDeletion = "check_connector_deletion_beat_lock"
)

// DefaultLockTimeout is the expiry of the loop locks
const DefaultLockTimeout = 120 * time.Second

const releaseTimeout = 5 * time.Second

// loopOptions are shared by Scheduler and Monitor
type loopOptions struct {
	lockTimeout time.Duration
	ext         Extensions
	metrics     *telemetry.SyncMetrics
	tracer      trace.Tracer
}

// Option configures a Scheduler or a Monitor
type Option func(*loopOptions)

// WithLockTimeout sets the expiry of the loop lock
func WithLockTimeout(d time.Duration) Option {
	return func(o *loopOptions) {
		if d > 0 {
			o.lockTimeout = d
		}
	}
}

// WithExtensions sets the optional capabilities
func WithExtensions(ext Extensions) Option {
	return func(o *loopOptions) {
		o.ext = ext
	}
}

// WithMetrics sets the metrics recorder
func WithMetrics(m *telemetry.SyncMetrics) Option {
	return func(o *loopOptions) {
		o.metrics = m
	}
}

// WithTracer sets the tracer for tick spans
func WithTracer(t trace.Tracer) Option {
	return func(o *loopOptions) {
		o.tracer = t
	}
}

func newLoopOptions(opts []Option) loopOptions {
	o := loopOptions{lockTimeout: DefaultLockTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// acquire takes the loop lock without blocking; a nil lock means another
// process holds it.
func acquire(ctx context.Context, st coord.Store, name string, timeout time.Duration) (coord.Lock, error) {
	lock, err := st.AcquireLock(ctx, name, timeout)
	if errors.Is(err, coord.ErrLockNotAcquired) {
		return nil, nil
	}
	return lock, err
}

// release frees the loop lock if still owned. It runs after the tick context
// may have hit its deadline, so it uses a fresh one.
func release(ctx context.Context, lock coord.Lock) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()

	if _, err := coord.ReleaseIfOwned(ctx, lock); err != nil {
		slog.Warn("Failed to release lock", "lock", lock.Name(), "error", err)
	}
}

// softTimeout reports whether err came from the tick running out of time
func softTimeout(ctx context.Context, err error) bool {
	return errors.Is(err, context.DeadlineExceeded) && errors.Is(ctx.Err(), context.DeadlineExceeded)
}

// aborts reports whether a tick must stop iterating after err
func aborts(ctx context.Context, err error) bool {
	return ctx.Err() != nil || errors.Is(err, coord.ErrLockNotOwned)
}

func outcome(err error) string {
	if err != nil {
		return telemetry.OutcomeFailure
	}
	return telemetry.OutcomeSuccess
}
