package sync

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	gosync "sync"
	"time"

	"github.com/stacklok/docsync/internal/fence"
	"github.com/stacklok/docsync/internal/queue"
)

// Default beat intervals
const (
	DefaultCheckForSyncInterval     = 5 * time.Second
	DefaultMonitorSyncInterval      = 5 * time.Second
	DefaultCheckForDeletionInterval = 20 * time.Second
)

// ErrBeatAlreadyStarted is returned when Start is called on a beat that was
// started before. A beat runs at most once.
var ErrBeatAlreadyStarted = errors.New("beat already started")

// ScheduleEntry is one periodic task sent by the beat
type ScheduleEntry struct {
	Task     string
	Queue    string
	Interval time.Duration
}

// DefaultSchedule returns the periodic tasks with their default intervals
func DefaultSchedule() []ScheduleEntry {
	return []ScheduleEntry{
		{Task: queue.TaskCheckForSync, Queue: queue.QueuePeriodic, Interval: DefaultCheckForSyncInterval},
		{Task: queue.TaskMonitorSync, Queue: queue.QueuePeriodic, Interval: DefaultMonitorSyncInterval},
		{Task: queue.TaskCheckForConnectorDeletion, Queue: queue.QueuePeriodic, Interval: DefaultCheckForDeletionInterval},
	}
}

// Beat enqueues the periodic tasks on their schedule. Running several beats
// only sends more ticks; the loop locks keep the ticks exclusive.
type Beat struct {
	dispatcher fence.Dispatcher
	schedule   []ScheduleEntry
	jitter     float64
	now        func() time.Time

	mu         gosync.Mutex
	started    bool
	cancelFunc context.CancelFunc
	done       chan struct{}
}

// BeatOption configures a Beat
type BeatOption func(*Beat)

// WithSchedule replaces the default schedule
func WithSchedule(entries ...ScheduleEntry) BeatOption {
	return func(b *Beat) {
		b.schedule = entries
	}
}

// WithJitter sets the fraction of an interval by which each wait is randomly shifted
func WithJitter(fraction float64) BeatOption {
	return func(b *Beat) {
		if fraction >= 0 && fraction < 1 {
			b.jitter = fraction
		}
	}
}

// NewBeat creates a beat sending to dispatcher
func NewBeat(dispatcher fence.Dispatcher, opts ...BeatOption) *Beat {
	b := &Beat{
		dispatcher: dispatcher,
		schedule:   DefaultSchedule(),
		jitter:     0.1,
		now:        time.Now,
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// interval applies the jitter to a base interval
func (b *Beat) interval(base time.Duration) time.Duration {
	spread := time.Duration(float64(base) * b.jitter)
	if spread <= 0 {
		return base
	}
	//nolint:gosec // G404: Non-cryptographic randomness is sufficient for beat jitter
	return base + time.Duration(rand.Int64N(int64(2*spread))) - spread
}

// Start sends every entry once and then on its interval. It blocks until ctx
// is cancelled or Stop is called.
func (b *Beat) Start(ctx context.Context) error {
	beatCtx, cancel := context.WithCancel(ctx)
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		cancel()
		return ErrBeatAlreadyStarted
	}
	b.started = true
	b.cancelFunc = cancel
	b.mu.Unlock()

	slog.Info("Starting beat", "entries", len(b.schedule))
	defer func() {
		cancel()
		close(b.done)
		slog.Info("Beat shutting down")
	}()

	timers := make([]*time.Timer, len(b.schedule))
	fired := make(chan int)
	for i, entry := range b.schedule {
		b.send(beatCtx, entry)
		timers[i] = time.AfterFunc(b.interval(entry.Interval), func() {
			select {
			case fired <- i:
			case <-beatCtx.Done():
			}
		})
	}
	defer func() {
		for _, t := range timers {
			t.Stop()
		}
	}()

	for {
		select {
		case i := <-fired:
			entry := b.schedule[i]
			b.send(beatCtx, entry)
			timers[i].Reset(b.interval(entry.Interval))
		case <-beatCtx.Done():
			return nil
		}
	}
}

// Stop stops a started beat and waits for it to return
func (b *Beat) Stop() error {
	b.mu.Lock()
	cancel := b.cancelFunc
	b.mu.Unlock()

	if cancel != nil {
		slog.Info("Stopping beat")
		cancel()
		<-b.done
	}
	return nil
}

// send enqueues one tick. It expires after one interval so ticks do not pile
// up behind a busy or absent worker.
func (b *Beat) send(ctx context.Context, entry ScheduleEntry) {
	task, err := queue.NewTask(entry.Task, entry.Queue, nil)
	if err != nil {
		slog.Error("Failed to build periodic task", "task", entry.Task, "error", err)
		return
	}
	expires := b.now().Add(entry.Interval)
	task.ExpiresAt = &expires

	if err := b.dispatcher.Enqueue(ctx, task); err != nil {
		if ctx.Err() == nil {
			slog.Error("Failed to enqueue periodic task", "task", entry.Task, "error", err)
		}
		return
	}
	slog.Debug("Sent periodic task", "task", entry.Task)
}
