package sync

import (
	"context"
	"log/slog"
	"time"

	"github.com/stacklok/docsync/internal/queue"
	"github.com/stacklok/docsync/internal/worker"
)

// Limits are the execution limits of every registered task
type Limits struct {
	CheckForSync     worker.TaskOptions
	CheckForDeletion worker.TaskOptions
	MonitorSync      worker.TaskOptions
	SyncDocument     worker.TaskOptions
	CleanupDocument  worker.TaskOptions
}

var periodicLimits = worker.TaskOptions{
	Queue:         queue.QueuePeriodic,
	SoftTimeLimit: 300 * time.Second,
	HardTimeLimit: 360 * time.Second,
	MaxRetries:    1,
}

// DefaultLimits returns the limits used when none are configured
func DefaultLimits() Limits {
	return Limits{
		CheckForSync:     periodicLimits,
		CheckForDeletion: periodicLimits,
		MonitorSync:      periodicLimits,
		SyncDocument: worker.TaskOptions{
			Queue:         queue.QueueMetadataSync,
			SoftTimeLimit: 45 * time.Second,
			HardTimeLimit: 60 * time.Second,
			MaxRetries:    worker.DefaultMaxRetries,
		},
		CleanupDocument: worker.TaskOptions{
			Queue:         queue.QueueConnectorDeletion,
			SoftTimeLimit: 45 * time.Second,
			HardTimeLimit: 60 * time.Second,
			MaxRetries:    worker.DefaultMaxRetries,
		},
	}
}

// RegisterTasks binds the periodic ticks and the document tasks to the pool
func RegisterTasks(pool *worker.Pool, scheduler *Scheduler, monitor *Monitor, tasks *Tasks, limits Limits) error {
	registrations := []struct {
		name    string
		handler worker.Handler
		opts    worker.TaskOptions
	}{
		{queue.TaskCheckForSync, tick(queue.TaskCheckForSync, scheduler.Tick), limits.CheckForSync},
		{queue.TaskCheckForConnectorDeletion, tick(queue.TaskCheckForConnectorDeletion, scheduler.DeletionTick), limits.CheckForDeletion},
		{queue.TaskMonitorSync, tick(queue.TaskMonitorSync, monitor.Tick), limits.MonitorSync},
		{queue.TaskSyncDocumentMetadata, tasks.SyncDocumentMetadata, limits.SyncDocument},
		{queue.TaskCleanupDocumentByCCPair, tasks.CleanupDocumentByCCPair, limits.CleanupDocument},
	}

	for _, r := range registrations {
		if err := pool.Register(r.name, r.handler, r.opts); err != nil {
			return err
		}
	}
	return nil
}

// tick adapts a loop to a worker handler. A failed tick is logged and not
// retried; the beat sends the next one.
func tick(name string, fn func(ctx context.Context) error) worker.Handler {
	return func(ctx context.Context, _ queue.Task) error {
		if err := fn(ctx); err != nil {
			slog.Error("Periodic task failed", "task", name, "error", err)
		}
		return nil
	}
}
