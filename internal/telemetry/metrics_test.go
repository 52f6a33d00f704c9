package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	out := map[string]metricdata.Metrics{}
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

func newTestSyncMetrics(t *testing.T) (*SyncMetrics, *sdkmetric.ManualReader) {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewSyncMetrics(mp)
	require.NoError(t, err)
	require.NotNil(t, m)
	return m, reader
}

func TestNewSyncMetrics_NilProvider(t *testing.T) {
	t.Parallel()

	m, err := NewSyncMetrics(nil)
	require.NoError(t, err)
	assert.Nil(t, m)

	// nil metrics must be usable
	ctx := context.Background()
	m.RecordTick(ctx, "check_for_sync", time.Second, OutcomeSuccess)
	m.RecordTasksGenerated(ctx, "documentset", 3)
	m.RecordFenceFinalized(ctx, "documentset", OutcomeSuccess)
	m.RecordFenceRemaining(ctx, "documentset_fence:1", 2)
	m.RecordTaskExecution(ctx, "sync_document_metadata", OutcomeSuccess, time.Millisecond)
}

func TestSyncMetrics_Record(t *testing.T) {
	t.Parallel()

	m, reader := newTestSyncMetrics(t)
	ctx := context.Background()

	m.RecordTick(ctx, "monitor_sync", 20*time.Millisecond, OutcomeSuccess)
	m.RecordTick(ctx, "monitor_sync", 10*time.Millisecond, OutcomeSkipped)
	m.RecordTasksGenerated(ctx, "documentset", 4)
	m.RecordTasksGenerated(ctx, "documentset", 0)
	m.RecordFenceFinalized(ctx, "connectordeletion", OutcomeFailure)
	m.RecordFenceRemaining(ctx, "usergroup_fence:9", 5)
	m.RecordTaskExecution(ctx, "sync_document_metadata", OutcomeRetry, 5*time.Millisecond)

	got := collect(t, reader)

	ticks, ok := got["docsync_ticks_total"].Data.(metricdata.Sum[int64])
	require.True(t, ok)
	assert.Len(t, ticks.DataPoints, 2)

	generated, ok := got["docsync_tasks_generated_total"].Data.(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, generated.DataPoints, 1)
	assert.Equal(t, int64(4), generated.DataPoints[0].Value)
	kind, _ := generated.DataPoints[0].Attributes.Value(attribute.Key("kind"))
	assert.Equal(t, "documentset", kind.AsString())

	finalized, ok := got["docsync_fences_finalized_total"].Data.(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, finalized.DataPoints, 1)
	outcome, _ := finalized.DataPoints[0].Attributes.Value(attribute.Key("outcome"))
	assert.Equal(t, OutcomeFailure, outcome.AsString())

	remaining, ok := got["docsync_fence_remaining_tasks"].Data.(metricdata.Gauge[int64])
	require.True(t, ok)
	require.Len(t, remaining.DataPoints, 1)
	assert.Equal(t, int64(5), remaining.DataPoints[0].Value)

	durations, ok := got["docsync_task_duration_seconds"].Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	require.Len(t, durations.DataPoints, 1)
	assert.Equal(t, uint64(1), durations.DataPoints[0].Count)
}
