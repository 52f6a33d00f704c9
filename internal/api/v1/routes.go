// Package v1 provides the ops API handlers: health checks, fence inspection
// and the connector credential pair deletion trigger.
package v1

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/stacklok/docsync/internal/api/common"
	"github.com/stacklok/docsync/internal/coord"
	"github.com/stacklok/docsync/internal/fence"
	"github.com/stacklok/docsync/internal/store"
	"github.com/stacklok/docsync/internal/versions"
)

// Check is a named readiness check
type Check struct {
	Name string
	Ping func(ctx context.Context) error
}

// Routes defines the sync inspection routes
type Routes struct {
	store store.Store
	coord coord.Store
}

// NewRoutes creates a new Routes instance
func NewRoutes(st store.Store, cs coord.Store) *Routes {
	return &Routes{store: st, coord: cs}
}

// Router creates the router for the sync inspection API
func Router(st store.Store, cs coord.Store) http.Handler {
	routes := NewRoutes(st, cs)

	r := chi.NewRouter()
	r.Get("/fences", routes.listFences)
	r.Get("/cc-pairs/{id}/deletion", routes.getDeletion)
	r.Post("/cc-pairs/{id}/deletion", routes.startDeletion)

	return r
}

// HealthRouter creates a router for health check endpoints
func HealthRouter(checks ...Check) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", healthHandler)
	r.Get("/readiness", readinessHandler(checks))
	r.Get("/version", versionHandler)

	return r
}

// healthHandler handles health check requests
//
// @Summary		Health check
// @Tags			system
// @Produce		json
// @Success		200	{object}	HealthResponse
// @Router			/health [get]
func healthHandler(w http.ResponseWriter, _ *http.Request) {
	common.WriteJSONResponse(w, HealthResponse{Status: "healthy"}, http.StatusOK)
}

// readinessHandler reports ready only when every backend answers
//
// @Summary		Readiness check
// @Tags			system
// @Produce		json
// @Success		200	{object}	ReadinessResponse
// @Failure		503	{object}	ReadinessResponse
// @Router			/readiness [get]
func readinessHandler(checks []Check) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := ReadinessResponse{Status: "ready", Checks: make(map[string]string, len(checks))}
		code := http.StatusOK

		for _, check := range checks {
			if err := check.Ping(r.Context()); err != nil {
				slog.Warn("Readiness check failed", "check", check.Name, "error", err)
				resp.Checks[check.Name] = err.Error()
				resp.Status = "not ready"
				code = http.StatusServiceUnavailable
				continue
			}
			resp.Checks[check.Name] = "ok"
		}

		common.WriteJSONResponse(w, resp, code)
	}
}

// versionHandler handles version information requests
//
// @Summary		Version information
// @Tags			system
// @Produce		json
// @Success		200	{object}	versions.VersionInfo
// @Router			/version [get]
func versionHandler(w http.ResponseWriter, _ *http.Request) {
	common.WriteJSONResponse(w, versions.GetVersionInfo(), http.StatusOK)
}

// listFences handles GET /v1/fences
//
// @Summary		List fences
// @Description	List every fence with its initial and remaining task counts
// @Tags			sync
// @Produce		json
// @Success		200	{object}	FencesResponse
// @Failure		500	{object}	common.ErrorResponse
// @Router			/v1/fences [get]
func (rr *Routes) listFences(w http.ResponseWriter, r *http.Request) {
	fences, err := fence.List(r.Context(), rr.coord)
	if err != nil {
		slog.Error("Failed to list fences", "error", err)
		common.WriteErrorResponse(w, "Failed to list fences", http.StatusInternalServerError)
		return
	}
	if fences == nil {
		fences = []fence.Status{}
	}
	common.WriteJSONResponse(w, FencesResponse{Fences: fences}, http.StatusOK)
}

// getDeletion handles GET /v1/cc-pairs/{id}/deletion
//
// @Summary		Deletion attempt snapshot
// @Tags			sync
// @Produce		json
// @Param			id	path		int	true	"Connector credential pair id"
// @Success		200	{object}	DeletionStatusResponse
// @Failure		400	{object}	common.ErrorResponse
// @Failure		404	{object}	common.ErrorResponse
// @Router			/v1/cc-pairs/{id}/deletion [get]
func (rr *Routes) getDeletion(w http.ResponseWriter, r *http.Request) {
	id, err := common.GetIDParam(r, "id")
	if err != nil {
		common.WriteErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}
	rr.writeSnapshot(r.Context(), w, id, http.StatusOK)
}

// startDeletion handles POST /v1/cc-pairs/{id}/deletion. Marking a pair
// that is already being deleted is accepted again.
//
// @Summary		Start deleting a connector credential pair
// @Tags			sync
// @Produce		json
// @Param			id	path		int	true	"Connector credential pair id"
// @Success		202	{object}	DeletionStatusResponse
// @Failure		400	{object}	common.ErrorResponse
// @Failure		404	{object}	common.ErrorResponse
// @Router			/v1/cc-pairs/{id}/deletion [post]
func (rr *Routes) startDeletion(w http.ResponseWriter, r *http.Request) {
	id, err := common.GetIDParam(r, "id")
	if err != nil {
		common.WriteErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := rr.store.SetCCPairStatus(r.Context(), id, store.CCPairStatusDeleting); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			common.WriteErrorResponse(w, "connector credential pair not found", http.StatusNotFound)
			return
		}
		slog.Error("Failed to mark pair for deletion", "cc_pair_id", id, "error", err)
		common.WriteErrorResponse(w, "Failed to mark pair for deletion", http.StatusInternalServerError)
		return
	}

	slog.Info("Connector credential pair marked for deletion", "cc_pair_id", id)
	rr.writeSnapshot(r.Context(), w, id, http.StatusAccepted)
}

func (rr *Routes) writeSnapshot(ctx context.Context, w http.ResponseWriter, id int64, code int) {
	resp, err := rr.deletionSnapshot(ctx, id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		common.WriteErrorResponse(w, "connector credential pair not found", http.StatusNotFound)
	case err != nil:
		slog.Error("Failed to read deletion attempt", "cc_pair_id", id, "error", err)
		common.WriteErrorResponse(w, "Failed to read deletion attempt", http.StatusInternalServerError)
	default:
		common.WriteJSONResponse(w, resp, code)
	}
}

// deletionSnapshot reports STARTED whenever the deletion fence exists
func (rr *Routes) deletionSnapshot(ctx context.Context, id int64) (*DeletionStatusResponse, error) {
	pair, err := rr.store.GetCCPair(ctx, id)
	if err != nil {
		return nil, err
	}

	resp := &DeletionStatusResponse{
		CCPairID:       id,
		PairStatus:     string(pair.Status),
		Status:         DeletionNotStarted,
		FailureMessage: pair.DeletionFailureMessage,
	}
	if pair.Status == store.CCPairStatusDeleting {
		resp.Status = DeletionPending
	}

	p, err := fence.New(rr.coord, fence.ConnectorDeletion, id).Progress(ctx)
	switch {
	case err == nil:
		resp.Status = DeletionStarted
		resp.TotalTasks = &p.Initial
		resp.RemainingTasks = &p.Remaining
	case errors.Is(err, fence.ErrInvalidFenceValue):
		resp.Status = DeletionStarted
	case !errors.Is(err, fence.ErrNoFence):
		return nil, err
	}
	return resp, nil
}
