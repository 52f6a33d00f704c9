package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/stacklok/docsync/internal/coord"
	"github.com/stacklok/docsync/internal/fence"
	"github.com/stacklok/docsync/internal/otel"
	"github.com/stacklok/docsync/internal/store"
	"github.com/stacklok/docsync/internal/telemetry"
)

// Monitor finalizes entities whose fence drained
type Monitor struct {
	store store.Store
	coord coord.Store
	loopOptions
}

// NewMonitor creates a monitor
func NewMonitor(st store.Store, cs coord.Store, opts ...Option) *Monitor {
	return &Monitor{
		store:       st,
		coord:       cs,
		loopOptions: newLoopOptions(opts),
	}
}

// finalizer settles one drained entity. Returning an error keeps the fence.
type finalizer func(ctx context.Context, ctl *fence.Controller, p fence.Progress) error

// Tick checks every fence once. Failures are isolated per entity and joined
// into the returned error. It returns immediately when another process holds
// the loop lock.
func (m *Monitor) Tick(ctx context.Context) error {
	start := time.Now()

	lock, err := acquire(ctx, m.coord, LockMonitorSync, m.lockTimeout)
	if err != nil {
		return fmt.Errorf("failed to acquire %s: %w", LockMonitorSync, err)
	}
	if lock == nil {
		m.metrics.RecordTick(ctx, LockMonitorSync, time.Since(start), telemetry.OutcomeSkipped)
		return nil
	}
	defer release(ctx, lock)

	ctx, span := otel.StartSpan(ctx, m.tracer, "sync.Monitor.Tick",
		trace.WithAttributes(otel.AttrLoop.String(LockMonitorSync)))
	defer span.End()

	err = m.monitor(ctx)
	if softTimeout(ctx, err) {
		slog.Info("Soft time limit exceeded, monitor tick is being terminated gracefully")
		err = nil
	}
	otel.RecordError(span, err)
	m.metrics.RecordTick(ctx, LockMonitorSync, time.Since(start), outcome(err))
	return err
}

func (m *Monitor) monitor(ctx context.Context) error {
	var errs []error

	if err := m.check(ctx, fence.New(m.coord, fence.ConnectorSync, 0), m.finalizeStaleDocuments); err != nil {
		errs = append(errs, err)
	}

	for _, kind := range []struct {
		kind     fence.Kind
		finalize finalizer
	}{
		{fence.ConnectorDeletion, m.finalizeConnectorDeletion},
		{fence.DocumentSet, m.finalizeDocumentSet},
		{fence.UserGroup, m.finalizeUserGroup},
	} {
		keys, err := m.fenceKeys(ctx, kind.kind)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, key := range keys {
			if ctx.Err() != nil {
				return errors.Join(append(errs, ctx.Err())...)
			}
			id, err := kind.kind.ParseFenceKey(key)
			if err != nil {
				slog.Warn("Skipping unparsable fence key", "key", key, "error", err)
				continue
			}
			if err := m.check(ctx, fence.New(m.coord, kind.kind, id), kind.finalize); err != nil {
				errs = append(errs, err)
			}
		}
	}

	return errors.Join(errs...)
}

// fenceKeys collects the fence keys of a kind before any of them is cleared
func (m *Monitor) fenceKeys(ctx context.Context, kind fence.Kind) ([]string, error) {
	var keys []string
	for key, err := range m.coord.ScanKeys(ctx, kind.ScanPrefix()) {
		if err != nil {
			return nil, fmt.Errorf("failed to scan %s fences: %w", kind, err)
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// check reads the progress of one fence and finalizes it when drained
func (m *Monitor) check(ctx context.Context, ctl *fence.Controller, finalize finalizer) error {
	p, err := ctl.Progress(ctx)
	if errors.Is(err, fence.ErrNoFence) {
		return nil
	}
	if errors.Is(err, fence.ErrInvalidFenceValue) {
		slog.Error("Skipping fence with invalid value", "fence", ctl.FenceKey(), "error", err)
		return nil
	}
	if err != nil {
		return err
	}

	m.metrics.RecordFenceRemaining(ctx, ctl.FenceKey(), p.Remaining)
	slog.Info("Sync progress",
		"kind", ctl.Kind().String(),
		"id", ctl.ID(),
		"remaining", p.Remaining,
		"initial", p.Initial)

	if !p.Done() {
		return nil
	}

	if err := finalize(ctx, ctl, p); err != nil {
		m.metrics.RecordFenceFinalized(ctx, ctl.Kind().String(), telemetry.OutcomeFailure)
		return err
	}
	m.metrics.RecordFenceFinalized(ctx, ctl.Kind().String(), telemetry.OutcomeSuccess)
	return nil
}

func (m *Monitor) finalizeStaleDocuments(ctx context.Context, ctl *fence.Controller, p fence.Progress) error {
	if err := ctl.Clear(ctx); err != nil {
		return err
	}
	slog.Info("Synced stale documents", "count", p.Initial)
	return nil
}

// finalizeDocumentSet deletes a set left without pairs, otherwise marks it
// up to date.
func (m *Monitor) finalizeDocumentSet(ctx context.Context, ctl *fence.Controller, _ fence.Progress) error {
	id := ctl.ID()
	err := m.store.InTx(ctx, func(q store.Queries) error {
		if _, err := q.GetDocumentSet(ctx, id); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				slog.Warn("Document set vanished before finalization", "document_set_id", id)
				return nil
			}
			return err
		}

		pairs, err := q.CountDocumentSetCCPairs(ctx, id)
		if err != nil {
			return err
		}
		if pairs == 0 {
			if err := q.DeleteDocumentSet(ctx, id); err != nil {
				return err
			}
			slog.Info("Deleted document set", "document_set_id", id)
			return nil
		}

		if err := q.MarkDocumentSetSynced(ctx, id); err != nil {
			return err
		}
		slog.Info("Synced document set", "document_set_id", id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to finalize document set %d: %w", id, err)
	}
	return ctl.Clear(ctx)
}

func (m *Monitor) finalizeUserGroup(ctx context.Context, ctl *fence.Controller, _ fence.Progress) error {
	finalized, err := m.ext.userGroups().Finalize(ctx, m.store, ctl.ID())
	if err != nil || !finalized {
		return err
	}
	return ctl.Clear(ctx)
}

// finalizeConnectorDeletion removes the pair and everything still pointing
// at it in one transaction. On failure the reason is recorded on the pair and
// the fence is kept, so the next tick tries again.
func (m *Monitor) finalizeConnectorDeletion(ctx context.Context, ctl *fence.Controller, p fence.Progress) error {
	id := ctl.ID()

	pair, err := m.store.GetCCPair(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		slog.Warn("Connector credential pair vanished before finalization", "cc_pair_id", id)
		return ctl.Clear(ctx)
	}
	if err != nil {
		return fmt.Errorf("failed to read cc pair %d: %w", id, err)
	}

	err = m.store.InTx(ctx, func(q store.Queries) error {
		if err := q.DeleteIndexAttempts(ctx, pair.ID); err != nil {
			return fmt.Errorf("failed to delete index attempts: %w", err)
		}
		if err := q.DeleteDocumentSetCCPairLinks(ctx, pair.ID); err != nil {
			return fmt.Errorf("failed to delete document set relationships: %w", err)
		}
		if err := m.ext.userGroups().CleanupCCPair(ctx, q, pair.ID); err != nil {
			return fmt.Errorf("failed to delete user group relationships: %w", err)
		}
		if err := q.DeleteCCPair(ctx, pair.ID); err != nil {
			return fmt.Errorf("failed to delete cc pair: %w", err)
		}

		remaining, err := q.CountConnectorCCPairs(ctx, pair.ConnectorID)
		if err != nil {
			return err
		}
		if remaining == 0 {
			slog.Info("No credentials left for connector, deleting connector", "connector_id", pair.ConnectorID)
			if err := q.DeleteConnector(ctx, pair.ConnectorID); err != nil {
				return fmt.Errorf("failed to delete connector: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		message := fmt.Sprintf("Error: %v\n\nStack Trace:\n%s", err, debug.Stack())
		if ferr := m.store.SetCCPairDeletionFailure(ctx, pair.ID, message); ferr != nil {
			slog.Error("Failed to record deletion failure", "cc_pair_id", pair.ID, "error", ferr)
		}
		slog.Error("Failed to finalize connector deletion",
			"cc_pair_id", pair.ID,
			"connector_id", pair.ConnectorID,
			"credential_id", pair.CredentialID,
			"error", err)
		return fmt.Errorf("failed to finalize deletion of cc pair %d: %w", pair.ID, err)
	}

	if err := ctl.Clear(ctx); err != nil {
		return err
	}
	slog.Info("Deleted connector credential pair",
		"connector_id", pair.ConnectorID,
		"credential_id", pair.CredentialID,
		"documents_deleted", p.Initial)
	return nil
}
