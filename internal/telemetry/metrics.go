package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// SyncMetricsMeterName is the meter used for scheduler, monitor and worker metrics
const SyncMetricsMeterName = "github.com/stacklok/docsync/sync"

// Outcome labels shared by tick, fence and task metrics.
const (
	OutcomeSuccess   = "success"
	OutcomeFailure   = "failure"
	OutcomeSkipped   = "skipped"
	OutcomeRetry     = "retry"
	OutcomeTimeout   = "timeout"
	OutcomeExhausted = "exhausted"
)

// SyncMetrics holds the instruments for the sync loops and workers.
// A nil *SyncMetrics is valid and records nothing.
type SyncMetrics struct {
	tickDuration    metric.Float64Histogram
	ticksTotal      metric.Int64Counter
	tasksGenerated  metric.Int64Counter
	fencesFinalized metric.Int64Counter
	taskExecutions  metric.Int64Counter
	taskDuration    metric.Float64Histogram
	fenceRemaining  metric.Int64Gauge
}

// NewSyncMetrics creates the instruments. A nil provider yields nil metrics.
func NewSyncMetrics(provider metric.MeterProvider) (*SyncMetrics, error) {
	if provider == nil {
		return nil, nil
	}

	meter := provider.Meter(SyncMetricsMeterName)

	tickDuration, err := meter.Float64Histogram(
		"docsync_tick_duration_seconds",
		metric.WithDescription("Duration of scheduler and monitor ticks in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60),
	)
	if err != nil {
		return nil, err
	}

	ticksTotal, err := meter.Int64Counter(
		"docsync_ticks_total",
		metric.WithDescription("Total number of scheduler and monitor ticks"),
		metric.WithUnit("{tick}"),
	)
	if err != nil {
		return nil, err
	}

	tasksGenerated, err := meter.Int64Counter(
		"docsync_tasks_generated_total",
		metric.WithDescription("Total number of tasks dispatched under a fence"),
		metric.WithUnit("{task}"),
	)
	if err != nil {
		return nil, err
	}

	fencesFinalized, err := meter.Int64Counter(
		"docsync_fences_finalized_total",
		metric.WithDescription("Total number of fences finalized by the monitor"),
		metric.WithUnit("{fence}"),
	)
	if err != nil {
		return nil, err
	}

	taskExecutions, err := meter.Int64Counter(
		"docsync_task_executions_total",
		metric.WithDescription("Total number of worker task executions"),
		metric.WithUnit("{execution}"),
	)
	if err != nil {
		return nil, err
	}

	taskDuration, err := meter.Float64Histogram(
		"docsync_task_duration_seconds",
		metric.WithDescription("Duration of worker task executions in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30, 60),
	)
	if err != nil {
		return nil, err
	}

	fenceRemaining, err := meter.Int64Gauge(
		"docsync_fence_remaining_tasks",
		metric.WithDescription("Outstanding tasks in a fence's taskset at the last monitor check"),
		metric.WithUnit("{task}"),
	)
	if err != nil {
		return nil, err
	}

	return &SyncMetrics{
		tickDuration:    tickDuration,
		ticksTotal:      ticksTotal,
		tasksGenerated:  tasksGenerated,
		fencesFinalized: fencesFinalized,
		taskExecutions:  taskExecutions,
		taskDuration:    taskDuration,
		fenceRemaining:  fenceRemaining,
	}, nil
}

// RecordTick records one run of a periodic loop, labelled by its lock name.
func (m *SyncMetrics) RecordTick(ctx context.Context, loop string, duration time.Duration, outcome string) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("loop", loop),
		attribute.String("outcome", outcome),
	)
	m.tickDuration.Record(ctx, duration.Seconds(), attrs)
	m.ticksTotal.Add(ctx, 1, attrs)
}

// RecordTasksGenerated records n tasks dispatched for a fence kind.
func (m *SyncMetrics) RecordTasksGenerated(ctx context.Context, kind string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.tasksGenerated.Add(ctx, n, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordFenceFinalized records the monitor's finalization of one fence.
func (m *SyncMetrics) RecordFenceFinalized(ctx context.Context, kind, outcome string) {
	if m == nil {
		return
	}
	m.fencesFinalized.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("outcome", outcome),
	))
}

// RecordFenceRemaining records the taskset size observed for a fence.
func (m *SyncMetrics) RecordFenceRemaining(ctx context.Context, fenceKey string, remaining int64) {
	if m == nil {
		return
	}
	m.fenceRemaining.Record(ctx, remaining, metric.WithAttributes(attribute.String("fence", fenceKey)))
}

// RecordTaskExecution records one worker execution of a named task.
func (m *SyncMetrics) RecordTaskExecution(ctx context.Context, task, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("task", task),
		attribute.String("outcome", outcome),
	)
	m.taskExecutions.Add(ctx, 1, attrs)
	m.taskDuration.Record(ctx, duration.Seconds(), attrs)
}
