package sync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/stacklok/docsync/internal/fence"
	"github.com/stacklok/docsync/internal/index"
	"github.com/stacklok/docsync/internal/queue"
	"github.com/stacklok/docsync/internal/store"
)

func TestMonitor_DocumentSetCycle(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessConfig{recordIndex: true})
	ctx := context.Background()

	pairID := h.seedPair("alice@example.com", false)
	h.addDocuments(pairID, false, "doc-1", "doc-2")
	setID := h.store.AddDocumentSet("engineering", pairID)

	require.NoError(t, h.scheduler.Tick(ctx))

	// nothing is finalized while tasks are outstanding
	require.NoError(t, h.monitor.Tick(ctx))
	set, err := h.store.GetDocumentSet(ctx, setID)
	require.NoError(t, err)
	assert.False(t, set.IsUpToDate)
	p, ok := h.progress(t, fence.DocumentSet, setID)
	require.True(t, ok)
	assert.Equal(t, int64(2), p.Remaining)

	assert.Equal(t, 2, h.drain(t, queue.QueueMetadataSync))

	p, ok = h.progress(t, fence.DocumentSet, setID)
	require.True(t, ok)
	assert.True(t, p.Done())

	for _, id := range []string{"doc-1", "doc-2"} {
		updates := h.updatesFor(id)
		require.Len(t, updates, 1)
		assert.Equal(t, []string{"engineering"}, updates[0].DocumentSets)
		assert.Equal(t, []string{"user_email:alice@example.com"}, updates[0].ACL)
		require.NotNil(t, updates[0].Boost)
		require.NotNil(t, updates[0].Hidden)
	}

	require.NoError(t, h.monitor.Tick(ctx))

	set, err = h.store.GetDocumentSet(ctx, setID)
	require.NoError(t, err)
	assert.True(t, set.IsUpToDate)
	_, ok = h.progress(t, fence.DocumentSet, setID)
	assert.False(t, ok)

	// a second pass has nothing left to finalize
	require.NoError(t, h.monitor.Tick(ctx))
	assert.Equal(t, 1, h.store.Calls("MarkDocumentSetSynced"))
}

// interleavingDispatcher enqueues each task, runs the workers dry and then
// lets the monitor pass over the entity before the scheduler continues
type interleavingDispatcher struct {
	t     *testing.T
	h     *harness
	setID int64
	seen  []bool
}

func (d *interleavingDispatcher) Enqueue(ctx context.Context, task queue.Task) error {
	if err := d.h.queue.Enqueue(ctx, task); err != nil {
		return err
	}
	d.h.drain(d.t, queue.QueueMetadataSync)
	if err := d.h.monitor.Tick(ctx); err != nil {
		return err
	}
	set, err := d.h.store.GetDocumentSet(ctx, d.setID)
	if err != nil {
		return err
	}
	d.seen = append(d.seen, set.IsUpToDate)
	return nil
}

func TestMonitor_NoFinalizationBeforeCommit(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessConfig{recordIndex: true})
	ctx := context.Background()

	pairID := h.seedPair("alice@example.com", false)
	h.addDocuments(pairID, false, "doc-1", "doc-2", "doc-3")
	setID := h.store.AddDocumentSet("engineering", pairID)

	d := &interleavingDispatcher{t: t, h: h, setID: setID}
	scheduler := NewScheduler(h.store, h.coord, d)
	require.NoError(t, scheduler.Tick(ctx))

	require.Len(t, d.seen, 3)
	for i, upToDate := range d.seen {
		assert.False(t, upToDate, "document set finalized after %d of 3 tasks", i+1)
	}
	assert.Zero(t, h.store.Calls("MarkDocumentSetSynced"))

	// every task already ran, so the committed fence is drained
	p, ok := h.progress(t, fence.DocumentSet, setID)
	require.True(t, ok)
	assert.True(t, p.Done())

	require.NoError(t, h.monitor.Tick(ctx))

	set, err := h.store.GetDocumentSet(ctx, setID)
	require.NoError(t, err)
	assert.True(t, set.IsUpToDate)
	assert.Equal(t, 1, h.store.Calls("MarkDocumentSetSynced"))
}

func TestMonitor_DocumentSetWithoutPairsIsDeleted(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessConfig{recordIndex: true})
	ctx := context.Background()

	pairID := h.seedPair("alice@example.com", false)
	h.addDocuments(pairID, false, "doc-1")
	setID := h.store.AddDocumentSet("retired", pairID)
	h.store.RemoveDocumentSetPair(setID, pairID)

	require.NoError(t, h.scheduler.Tick(ctx))
	assert.Equal(t, 1, h.drain(t, queue.QueueMetadataSync))

	// the document no longer carries the set
	updates := h.updatesFor("doc-1")
	require.Len(t, updates, 1)
	assert.NotNil(t, updates[0].DocumentSets)
	assert.Empty(t, updates[0].DocumentSets)

	require.NoError(t, h.monitor.Tick(ctx))

	_, err := h.store.GetDocumentSet(ctx, setID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, ok := h.progress(t, fence.DocumentSet, setID)
	assert.False(t, ok)
}

func TestMonitor_VanishedDocumentSetClearsFence(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessConfig{})
	ctx := context.Background()

	require.NoError(t, fence.New(h.coord, fence.DocumentSet, 4242).Commit(ctx, 0))

	require.NoError(t, h.monitor.Tick(ctx))

	_, ok := h.progress(t, fence.DocumentSet, 4242)
	assert.False(t, ok)
}

func TestMonitor_InvalidFenceValueIsSkipped(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessConfig{})
	ctx := context.Background()

	key := fence.DocumentSet.FenceKey(99)
	require.NoError(t, h.coord.Set(ctx, key, "not-a-number"))
	require.NoError(t, h.coord.Set(ctx, "documentset_fence:abc", "0"))

	require.NoError(t, h.monitor.Tick(ctx))

	ok, err := h.coord.Exists(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMonitor_StaleDocumentsCycle(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessConfig{recordIndex: true})
	ctx := context.Background()

	first := h.seedPair("alice@example.com", false)
	second := h.seedPair("bob@example.com", true)
	h.addDocuments(first, true, "doc-1")
	h.addDocuments(second, true, "doc-2")

	require.NoError(t, h.scheduler.Tick(ctx))
	assert.Equal(t, 2, h.drain(t, queue.QueueMetadataSync))
	require.NoError(t, h.monitor.Tick(ctx))

	_, ok := h.progress(t, fence.ConnectorSync, 0)
	assert.False(t, ok)
	assert.False(t, h.document(t, "doc-1").NeedsSync)
	assert.False(t, h.document(t, "doc-2").NeedsSync)

	updates := h.updatesFor("doc-2")
	require.Len(t, updates, 1)
	assert.Equal(t, []string{"PUBLIC", "user_email:bob@example.com"}, updates[0].ACL)

	// a new round starts once the fence is gone
	h.store.TouchDocument("doc-1", time.Now())
	require.NoError(t, h.scheduler.Tick(ctx))
	p, ok := h.progress(t, fence.ConnectorSync, 0)
	require.True(t, ok)
	assert.Equal(t, int64(1), p.Initial)
}

func TestMonitor_HardTimeLimitKeepsTaskset(t *testing.T) {
	t.Parallel()

	limits := DefaultLimits()
	limits.SyncDocument.SoftTimeLimit = 0
	limits.SyncDocument.HardTimeLimit = 50 * time.Millisecond

	h := newHarness(t, harnessConfig{limits: limits})
	ctx := context.Background()

	h.index.EXPECT().Update(gomock.Any(), gomock.Any()).DoAndReturn(
		func(ctx context.Context, _ []index.UpdateRequest) error {
			<-ctx.Done()
			return ctx.Err()
		}).AnyTimes()

	pairID := h.seedPair("alice@example.com", false)
	h.addDocuments(pairID, true, "doc-1")

	require.NoError(t, h.scheduler.Tick(ctx))
	assert.Equal(t, 1, h.drain(t, queue.QueueMetadataSync))

	require.NoError(t, h.monitor.Tick(ctx))

	p, ok := h.progress(t, fence.ConnectorSync, 0)
	require.True(t, ok)
	assert.Equal(t, fence.Progress{Initial: 1, Remaining: 1}, p)
	assert.Eventually(t, func() bool {
		return h.document(t, "doc-1").NeedsSync
	}, time.Second, 10*time.Millisecond)
}

func TestMonitor_UserGroups(t *testing.T) {
	t.Parallel()

	t.Run("synced group", func(t *testing.T) {
		t.Parallel()

		h := newHarness(t, harnessConfig{
			opts:        []Option{WithExtensions(Extensions{UserGroups: StoreUserGroups{}})},
			recordIndex: true,
		})
		ctx := context.Background()

		pairID := h.seedPair("", false)
		h.addDocuments(pairID, false, "doc-1")
		groupID := h.store.AddUserGroup("support", pairID)

		require.NoError(t, h.scheduler.Tick(ctx))
		assert.Equal(t, 1, h.drain(t, queue.QueueMetadataSync))

		updates := h.updatesFor("doc-1")
		require.Len(t, updates, 1)
		assert.Equal(t, []string{"group:support"}, updates[0].ACL)

		require.NoError(t, h.monitor.Tick(ctx))

		group, err := h.store.GetUserGroup(ctx, groupID)
		require.NoError(t, err)
		assert.True(t, group.IsUpToDate)
		_, ok := h.progress(t, fence.UserGroup, groupID)
		assert.False(t, ok)
	})

	t.Run("group up for deletion", func(t *testing.T) {
		t.Parallel()

		h := newHarness(t, harnessConfig{
			opts:        []Option{WithExtensions(Extensions{UserGroups: StoreUserGroups{}})},
			recordIndex: true,
		})
		ctx := context.Background()

		pairID := h.seedPair("", false)
		h.addDocuments(pairID, false, "doc-1")
		groupID := h.store.AddUserGroup("contractors", pairID)
		h.store.MarkUserGroupForDeletion(groupID)

		require.NoError(t, h.scheduler.Tick(ctx))
		h.drain(t, queue.QueueMetadataSync)
		require.NoError(t, h.monitor.Tick(ctx))

		_, err := h.store.GetUserGroup(ctx, groupID)
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("capability absent keeps the fence", func(t *testing.T) {
		t.Parallel()

		h := newHarness(t, harnessConfig{})
		ctx := context.Background()

		groupID := h.store.AddUserGroup("support")
		require.NoError(t, fence.New(h.coord, fence.UserGroup, groupID).Commit(ctx, 0))

		require.NoError(t, h.monitor.Tick(ctx))

		_, ok := h.progress(t, fence.UserGroup, groupID)
		assert.True(t, ok)
		group, err := h.store.GetUserGroup(ctx, groupID)
		require.NoError(t, err)
		assert.False(t, group.IsUpToDate)
	})
}

// seedDeletion prepares a pair being deleted whose first document is only
// reachable through it and whose second document is shared with another pair.
func seedDeletion(t *testing.T, h *harness) (pairID, otherID int64) {
	t.Helper()
	ctx := context.Background()

	pairID = h.seedPair("alice@example.com", false)
	otherID = h.seedPair("bob@example.com", false)
	h.addDocuments(pairID, false, "doc-1")
	h.addDocuments(pairID, false, "doc-2")
	h.store.AddDocument(*h.document(t, "doc-2"), otherID)

	h.store.AddDocumentSet("engineering", pairID, otherID)
	h.store.AddIndexAttempt(pairID, store.IndexAttemptSuccess, time.Now().Add(-time.Hour))

	require.NoError(t, h.store.SetCCPairStatus(ctx, pairID, store.CCPairStatusDeleting))
	return pairID, otherID
}

func TestMonitor_ConnectorDeletionCycle(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessConfig{recordIndex: true})
	ctx := context.Background()
	pairID, otherID := seedDeletion(t, h)
	pair, err := h.store.GetCCPair(ctx, pairID)
	require.NoError(t, err)

	require.NoError(t, h.scheduler.DeletionTick(ctx))
	assert.Equal(t, 2, h.drain(t, queue.QueueConnectorDeletion))

	// the exclusive document is gone, the shared one lost the pair's access
	assert.Equal(t, []string{"doc-1"}, h.deletes)
	_, err = h.store.GetDocument(ctx, "doc-1")
	assert.ErrorIs(t, err, store.ErrNotFound)
	updates := h.updatesFor("doc-2")
	require.Len(t, updates, 1)
	assert.Equal(t, []string{"user_email:bob@example.com"}, updates[0].ACL)
	refs, err := h.store.CountDocumentCCPairs(ctx, "doc-2")
	require.NoError(t, err)
	assert.Equal(t, int64(1), refs)

	require.NoError(t, h.monitor.Tick(ctx))

	_, err = h.store.GetCCPair(ctx, pairID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.False(t, h.store.HasConnector(pair.ConnectorID))
	assert.Zero(t, h.store.IndexAttemptCount(pairID))
	assert.Zero(t, h.store.DocumentSetPairCount(pairID))
	_, ok := h.progress(t, fence.ConnectorDeletion, pairID)
	assert.False(t, ok)

	_, err = h.store.GetCCPair(ctx, otherID)
	require.NoError(t, err)
}

func TestMonitor_ConnectorDeletionFailureKeepsFence(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessConfig{recordIndex: true})
	ctx := context.Background()
	pairID, _ := seedDeletion(t, h)

	require.NoError(t, h.scheduler.DeletionTick(ctx))
	h.drain(t, queue.QueueConnectorDeletion)

	h.store.FailOn("DeleteCCPair", errors.New("foreign key violation"))
	err := h.monitor.Tick(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "foreign key violation")

	// the transaction rolled back and the reason was recorded
	pair, err := h.store.GetCCPair(ctx, pairID)
	require.NoError(t, err)
	require.NotNil(t, pair.DeletionFailureMessage)
	assert.Contains(t, *pair.DeletionFailureMessage, "Error: ")
	assert.Contains(t, *pair.DeletionFailureMessage, "foreign key violation")
	assert.Contains(t, *pair.DeletionFailureMessage, "Stack Trace:")
	assert.Equal(t, 1, h.store.IndexAttemptCount(pairID))
	_, ok := h.progress(t, fence.ConnectorDeletion, pairID)
	assert.True(t, ok)

	// the next tick retries
	h.store.FailOn("DeleteCCPair", nil)
	require.NoError(t, h.monitor.Tick(ctx))
	_, err = h.store.GetCCPair(ctx, pairID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestMonitor_LockHeld(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessConfig{})
	ctx := context.Background()

	setID := h.store.AddDocumentSet("engineering")
	require.NoError(t, fence.New(h.coord, fence.DocumentSet, setID).Commit(ctx, 0))

	_, err := h.coord.AcquireLock(ctx, LockMonitorSync, time.Minute)
	require.NoError(t, err)

	require.NoError(t, h.monitor.Tick(ctx))

	_, ok := h.progress(t, fence.DocumentSet, setID)
	assert.True(t, ok)
}
