package v1_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/stacklok/docsync/internal/api/v1"
	"github.com/stacklok/docsync/internal/coord"
	"github.com/stacklok/docsync/internal/fence"
	"github.com/stacklok/docsync/internal/store"
	"github.com/stacklok/docsync/internal/store/memory"
)

func newCoord(t *testing.T) *coord.RedisStore {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return coord.NewRedisStore(client)
}

func do(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(method, path, nil))
	return rr
}

func TestHealthRouter(t *testing.T) {
	t.Parallel()

	router := v1.HealthRouter(v1.Check{Name: "store", Ping: func(context.Context) error { return nil }})

	tests := []struct {
		name       string
		path       string
		wantStatus int
	}{
		{name: "health endpoint", path: "/health", wantStatus: http.StatusOK},
		{name: "readiness endpoint - ready", path: "/readiness", wantStatus: http.StatusOK},
		{name: "version endpoint", path: "/version", wantStatus: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			rr := do(t, router, http.MethodGet, tt.path)
			assert.Equal(t, tt.wantStatus, rr.Code)
			assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
		})
	}
}

func TestHealthRouter_NotReady(t *testing.T) {
	t.Parallel()

	router := v1.HealthRouter(
		v1.Check{Name: "store", Ping: func(context.Context) error { return nil }},
		v1.Check{Name: "redis", Ping: func(context.Context) error { return errors.New("connection refused") }},
	)

	rr := do(t, router, http.MethodGet, "/readiness")
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)

	var resp v1.ReadinessResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "not ready", resp.Status)
	assert.Equal(t, map[string]string{"store": "ok", "redis": "connection refused"}, resp.Checks)
}

func TestRouter_ListFences(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	cs := newCoord(t)
	router := v1.Router(memory.New(), cs)

	rr := do(t, router, http.MethodGet, "/fences")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"fences":[]}`, rr.Body.String())

	set := fence.New(cs, fence.DocumentSet, 7)
	require.NoError(t, cs.SetAdd(ctx, set.TasksetKey(), "documentset_7_a"))
	require.NoError(t, set.Commit(ctx, 3))
	require.NoError(t, fence.New(cs, fence.ConnectorSync, 0).Commit(ctx, 0))

	rr = do(t, router, http.MethodGet, "/fences")
	require.Equal(t, http.StatusOK, rr.Code)

	var resp v1.FencesResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Len(t, resp.Fences, 2)

	byKind := map[string]fence.Status{}
	for _, f := range resp.Fences {
		byKind[f.Kind] = f
	}
	require.Contains(t, byKind, fence.DocumentSet.String())
	assert.Equal(t, int64(3), byKind[fence.DocumentSet.String()].Initial)
	assert.Equal(t, int64(1), byKind[fence.DocumentSet.String()].Remaining)
	require.NotNil(t, byKind[fence.DocumentSet.String()].EntityID)
	assert.Equal(t, int64(7), *byKind[fence.DocumentSet.String()].EntityID)
	assert.Contains(t, byKind, fence.ConnectorSync.String())
}

func TestRouter_Deletion(t *testing.T) {
	t.Parallel()

	type fixture struct {
		store  *memory.Store
		coord  *coord.RedisStore
		pairID int64
	}

	tests := []struct {
		name       string
		method     string
		path       func(f fixture) string
		setup      func(t *testing.T, f fixture)
		wantStatus int
		check      func(t *testing.T, f fixture, resp v1.DeletionStatusResponse)
	}{
		{
			name:       "active pair",
			method:     http.MethodGet,
			wantStatus: http.StatusOK,
			check: func(t *testing.T, _ fixture, resp v1.DeletionStatusResponse) {
				t.Helper()
				assert.Equal(t, v1.DeletionNotStarted, resp.Status)
				assert.Equal(t, string(store.CCPairStatusActive), resp.PairStatus)
				assert.Nil(t, resp.TotalTasks)
			},
		},
		{
			name:       "start deletion",
			method:     http.MethodPost,
			wantStatus: http.StatusAccepted,
			check: func(t *testing.T, f fixture, resp v1.DeletionStatusResponse) {
				t.Helper()
				assert.Equal(t, v1.DeletionPending, resp.Status)
				pair, err := f.store.GetCCPair(context.Background(), f.pairID)
				require.NoError(t, err)
				assert.Equal(t, store.CCPairStatusDeleting, pair.Status)
			},
		},
		{
			name:   "fence present",
			method: http.MethodGet,
			setup: func(t *testing.T, f fixture) {
				t.Helper()
				ctx := context.Background()
				require.NoError(t, f.store.SetCCPairStatus(ctx, f.pairID, store.CCPairStatusDeleting))
				require.NoError(t, f.store.SetCCPairDeletionFailure(ctx, f.pairID, "Error: boom"))
				ctl := fence.New(f.coord, fence.ConnectorDeletion, f.pairID)
				require.NoError(t, f.coord.SetAdd(ctx, ctl.TasksetKey(), "a"))
				require.NoError(t, f.coord.SetAdd(ctx, ctl.TasksetKey(), "b"))
				require.NoError(t, ctl.Commit(ctx, 5))
			},
			wantStatus: http.StatusOK,
			check: func(t *testing.T, _ fixture, resp v1.DeletionStatusResponse) {
				t.Helper()
				assert.Equal(t, v1.DeletionStarted, resp.Status)
				require.NotNil(t, resp.TotalTasks)
				require.NotNil(t, resp.RemainingTasks)
				assert.Equal(t, int64(5), *resp.TotalTasks)
				assert.Equal(t, int64(2), *resp.RemainingTasks)
				require.NotNil(t, resp.FailureMessage)
				assert.Equal(t, "Error: boom", *resp.FailureMessage)
			},
		},
		{
			name:       "unknown pair",
			method:     http.MethodGet,
			path:       func(fixture) string { return "/cc-pairs/999/deletion" },
			wantStatus: http.StatusNotFound,
		},
		{
			name:       "unknown pair cannot be deleted",
			method:     http.MethodPost,
			path:       func(fixture) string { return "/cc-pairs/999/deletion" },
			wantStatus: http.StatusNotFound,
		},
		{
			name:       "invalid id",
			method:     http.MethodGet,
			path:       func(fixture) string { return "/cc-pairs/abc/deletion" },
			wantStatus: http.StatusBadRequest,
		},
		{
			name:   "store failure",
			method: http.MethodGet,
			setup: func(t *testing.T, f fixture) {
				t.Helper()
				f.store.FailOn("GetCCPair", errors.New("connection reset"))
			},
			wantStatus: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			st := memory.New()
			f := fixture{
				store:  st,
				coord:  newCoord(t),
				pairID: st.AddCCPair(st.AddConnector("c"), st.AddCredential("alice@example.com"), "pair", false),
			}
			if tt.setup != nil {
				tt.setup(t, f)
			}

			path := "/cc-pairs/" + strconv.FormatInt(f.pairID, 10) + "/deletion"
			if tt.path != nil {
				path = tt.path(f)
			}

			rr := do(t, v1.Router(f.store, f.coord), tt.method, path)
			require.Equal(t, tt.wantStatus, rr.Code, rr.Body.String())
			if tt.check == nil {
				return
			}

			var resp v1.DeletionStatusResponse
			require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
			assert.Equal(t, f.pairID, resp.CCPairID)
			tt.check(t, f, resp)
		})
	}
}
