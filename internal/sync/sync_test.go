package sync

import (
	"context"
	"errors"
	gosync "sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/stacklok/docsync/internal/coord"
	"github.com/stacklok/docsync/internal/fence"
	"github.com/stacklok/docsync/internal/index"
	"github.com/stacklok/docsync/internal/index/mocks"
	"github.com/stacklok/docsync/internal/queue"
	"github.com/stacklok/docsync/internal/store"
	"github.com/stacklok/docsync/internal/store/memory"
	"github.com/stacklok/docsync/internal/worker"
)

// harness wires the loops, a worker pool and the document tasks on top of
// miniredis, the in-memory store and a mocked index.
type harness struct {
	coord     *coord.RedisStore
	queue     *queue.RedisQueue
	store     *memory.Store
	index     *mocks.MockDocumentIndex
	scheduler *Scheduler
	monitor   *Monitor
	pool      *worker.Pool

	mu      gosync.Mutex
	updates []index.UpdateRequest
	deletes []string
}

type harnessConfig struct {
	opts   []Option
	limits Limits
	// recordIndex makes the mocked index accept and record every call
	recordIndex bool
}

func newHarness(t *testing.T, cfg harnessConfig) *harness {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	ctrl := gomock.NewController(t)

	h := &harness{
		coord: coord.NewRedisStore(client),
		queue: queue.NewRedisQueue(client),
		store: memory.New(),
		index: mocks.NewMockDocumentIndex(ctrl),
	}
	h.scheduler = NewScheduler(h.store, h.coord, h.queue, cfg.opts...)
	h.monitor = NewMonitor(h.store, h.coord, cfg.opts...)
	h.pool = worker.New(h.queue, h.coord)

	limits := cfg.limits
	if limits == (Limits{}) {
		limits = DefaultLimits()
	}
	require.NoError(t, RegisterTasks(h.pool, h.scheduler, h.monitor, NewTasks(h.store, h.index), limits))

	if cfg.recordIndex {
		h.index.EXPECT().Update(gomock.Any(), gomock.Any()).DoAndReturn(
			func(_ context.Context, reqs []index.UpdateRequest) error {
				h.mu.Lock()
				defer h.mu.Unlock()
				h.updates = append(h.updates, reqs...)
				return nil
			}).AnyTimes()
		h.index.EXPECT().Delete(gomock.Any(), gomock.Any()).DoAndReturn(
			func(_ context.Context, ids []string) error {
				h.mu.Lock()
				defer h.mu.Unlock()
				h.deletes = append(h.deletes, ids...)
				return nil
			}).AnyTimes()
	}
	return h
}

// drain processes the named queue until it is empty
func (h *harness) drain(t *testing.T, name string) int {
	t.Helper()
	n := 0
	for {
		processed, err := h.pool.ProcessOne(context.Background(), name)
		require.NoError(t, err)
		if !processed {
			return n
		}
		n++
	}
}

func (h *harness) progress(t *testing.T, kind fence.Kind, id int64) (fence.Progress, bool) {
	t.Helper()
	p, err := fence.New(h.coord, kind, id).Progress(context.Background())
	if errors.Is(err, fence.ErrNoFence) {
		return fence.Progress{}, false
	}
	require.NoError(t, err)
	return p, true
}

func (h *harness) updatesFor(documentID string) []index.UpdateRequest {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []index.UpdateRequest
	for _, u := range h.updates {
		for _, id := range u.DocumentIDs {
			if id == documentID {
				out = append(out, u)
			}
		}
	}
	return out
}

func (h *harness) document(t *testing.T, id string) *store.Document {
	t.Helper()
	doc, err := h.store.GetDocument(context.Background(), id)
	require.NoError(t, err)
	return doc
}

// seedPair adds a connector, a credential owned by email and an active pair
func (h *harness) seedPair(email string, isPublic bool) int64 {
	connectorID := h.store.AddConnector("connector")
	credentialID := h.store.AddCredential(email)
	return h.store.AddCCPair(connectorID, credentialID, "pair", isPublic)
}

func (h *harness) addDocuments(pairID int64, needsSync bool, ids ...string) {
	for _, id := range ids {
		h.store.AddDocument(store.Document{
			ID:           id,
			SemanticID:   id,
			NeedsSync:    needsSync,
			LastModified: time.Now().Add(-time.Minute),
		}, pairID)
	}
}
