package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/stacklok/docsync/internal/coord"
	"github.com/stacklok/docsync/internal/fence"
	"github.com/stacklok/docsync/internal/otel"
	"github.com/stacklok/docsync/internal/store"
	"github.com/stacklok/docsync/internal/telemetry"
)

// Scheduler creates fences for entities that need syncing or deleting
type Scheduler struct {
	store      store.Store
	coord      coord.Store
	dispatcher fence.Dispatcher
	loopOptions
}

// NewScheduler creates a scheduler generating tasks onto dispatcher
func NewScheduler(st store.Store, cs coord.Store, dispatcher fence.Dispatcher, opts ...Option) *Scheduler {
	return &Scheduler{
		store:       st,
		coord:       cs,
		dispatcher:  dispatcher,
		loopOptions: newLoopOptions(opts),
	}
}

// Tick creates the stale document fence and a fence per outdated document
// set and user group. It returns immediately when another process holds the
// loop lock. Running out of time ends the tick without error.
func (s *Scheduler) Tick(ctx context.Context) error {
	return s.runLoop(ctx, LockCheckSync, s.checkForSync)
}

// DeletionTick creates a fence per connector credential pair being deleted
func (s *Scheduler) DeletionTick(ctx context.Context) error {
	return s.runLoop(ctx, LockCheckDeletion, s.checkForDeletion)
}

func (s *Scheduler) runLoop(
	ctx context.Context,
	lockName string,
	body func(ctx context.Context, lock coord.Lock) error,
) (err error) {
	start := time.Now()

	lock, err := acquire(ctx, s.coord, lockName, s.lockTimeout)
	if err != nil {
		return fmt.Errorf("failed to acquire %s: %w", lockName, err)
	}
	if lock == nil {
		s.metrics.RecordTick(ctx, lockName, time.Since(start), telemetry.OutcomeSkipped)
		return nil
	}
	defer release(ctx, lock)

	ctx, span := otel.StartSpan(ctx, s.tracer, "sync.Scheduler."+lockName,
		trace.WithAttributes(otel.AttrLoop.String(lockName)))
	defer span.End()

	err = body(ctx, lock)
	if softTimeout(ctx, err) {
		slog.Info("Soft time limit exceeded, tick is being terminated gracefully", "lock", lockName)
		err = nil
	}
	otel.RecordError(span, err)
	s.metrics.RecordTick(ctx, lockName, time.Since(start), outcome(err))
	return err
}

func (s *Scheduler) checkForSync(ctx context.Context, lock coord.Lock) error {
	var errs []error

	if err := s.generateStaleDocumentTasks(ctx, lock); err != nil {
		if aborts(ctx, err) {
			return err
		}
		errs = append(errs, err)
	}

	sets, err := s.store.ListOutdatedDocumentSets(ctx)
	if err != nil {
		return errors.Join(append(errs, fmt.Errorf("failed to list document sets: %w", err))...)
	}
	for _, set := range sets {
		if err := s.generateDocumentSetTasks(ctx, lock, set.ID); err != nil {
			errs = append(errs, err)
			if aborts(ctx, err) {
				return errors.Join(errs...)
			}
		}
	}

	groups := s.ext.userGroups()
	outdated, err := groups.OutdatedUserGroups(ctx, s.store)
	if err != nil {
		return errors.Join(append(errs, fmt.Errorf("failed to list user groups: %w", err))...)
	}
	for _, group := range outdated {
		if err := s.generateUserGroupTasks(ctx, lock, groups, group.ID); err != nil {
			errs = append(errs, err)
			if aborts(ctx, err) {
				return errors.Join(errs...)
			}
		}
	}

	return errors.Join(errs...)
}

// generateStaleDocumentTasks fans out every needs_sync document under the
// single shared fence, grouped by pair.
func (s *Scheduler) generateStaleDocumentTasks(ctx context.Context, lock coord.Lock) error {
	shared := fence.New(s.coord, fence.ConnectorSync, 0)

	exists, err := shared.Exists(ctx)
	if err != nil || exists {
		return err
	}

	if err := shared.ResetTaskset(ctx); err != nil {
		return err
	}

	stale, err := s.store.CountStaleDocuments(ctx)
	if err != nil {
		return fmt.Errorf("failed to count stale documents: %w", err)
	}
	if stale == 0 {
		return nil
	}

	slog.Info("Stale documents found, generating sync tasks by cc pair", "stale_documents", stale)

	pairs, err := s.store.ListCCPairs(ctx)
	if err != nil {
		return fmt.Errorf("failed to list cc pairs: %w", err)
	}

	var total int64
	for _, pair := range pairs {
		// The id only tags task ids; every pair shares the fence.
		ctl := fence.New(s.coord, fence.ConnectorSync, pair.ID)
		n, ok, err := ctl.GenerateTasks(ctx, StaleDocumentSource(s.store, pair.ID), s.dispatcher, lock)
		if err != nil {
			return fmt.Errorf("failed to generate stale document tasks for cc pair %d: %w", pair.ID, err)
		}
		if !ok || n == 0 {
			continue
		}
		slog.Info("Generated stale document sync tasks", "cc_pair_id", pair.ID, "tasks_generated", n)
		total += n
	}

	if err := shared.Commit(ctx, total); err != nil {
		return err
	}
	s.metrics.RecordTasksGenerated(ctx, fence.ConnectorSync.String(), total)
	slog.Info("Generated stale document sync tasks for all cc pairs", "tasks_generated", total)
	return nil
}

func (s *Scheduler) generateDocumentSetTasks(ctx context.Context, lock coord.Lock, setID int64) error {
	return s.generate(ctx, lock, fence.New(s.coord, fence.DocumentSet, setID),
		func(ctx context.Context) (bool, error) {
			set, err := s.store.GetDocumentSet(ctx, setID)
			if errors.Is(err, store.ErrNotFound) {
				return false, nil
			}
			if err != nil {
				return false, err
			}
			return !set.IsUpToDate, nil
		},
		DocumentSetSource(s.store, setID),
	)
}

func (s *Scheduler) generateUserGroupTasks(
	ctx context.Context, lock coord.Lock, groups UserGroupSyncer, groupID int64,
) error {
	return s.generate(ctx, lock, fence.New(s.coord, fence.UserGroup, groupID),
		func(ctx context.Context) (bool, error) {
			group, err := groups.GetUserGroup(ctx, s.store, groupID)
			if errors.Is(err, store.ErrNotFound) {
				return false, nil
			}
			if err != nil {
				return false, err
			}
			return !group.IsUpToDate, nil
		},
		UserGroupSource(s.store, groups, groupID),
	)
}

func (s *Scheduler) checkForDeletion(ctx context.Context, lock coord.Lock) error {
	pairs, err := s.store.ListCCPairs(ctx)
	if err != nil {
		return fmt.Errorf("failed to list cc pairs: %w", err)
	}

	var errs []error
	for _, pair := range pairs {
		if err := s.generateDeletionTasks(ctx, lock, pair.ID); err != nil {
			errs = append(errs, err)
			if aborts(ctx, err) {
				break
			}
		}
	}
	return errors.Join(errs...)
}

func (s *Scheduler) generateDeletionTasks(ctx context.Context, lock coord.Lock, ccPairID int64) error {
	return s.generate(ctx, lock, fence.New(s.coord, fence.ConnectorDeletion, ccPairID),
		func(ctx context.Context) (bool, error) {
			pair, err := s.store.GetCCPair(ctx, ccPairID)
			if errors.Is(err, store.ErrNotFound) {
				return false, nil
			}
			if err != nil {
				return false, err
			}
			if pair.Status != store.CCPairStatusDeleting {
				return false, nil
			}

			// Documents written by a running attempt would escape the cleanup.
			attempt, err := s.store.LatestIndexAttempt(ctx, ccPairID)
			if errors.Is(err, store.ErrNotFound) {
				return true, nil
			}
			if err != nil {
				return false, err
			}
			if attempt.Status.Running() {
				slog.Debug("Deferring deletion while indexing runs", "cc_pair_id", ccPairID)
				return false, nil
			}
			return true, nil
		},
		ConnectorDeletionSource(s.store, ccPairID),
	)
}

// generate runs the per-entity fence protocol: keep the lock alive, skip
// while a fence exists, re-read the entity fresh, drop any leftover taskset,
// generate and finally commit the count. A count of zero is committed too so
// the Monitor still finalizes the entity.
func (s *Scheduler) generate(
	ctx context.Context,
	lock coord.Lock,
	ctl *fence.Controller,
	needed func(ctx context.Context) (bool, error),
	src fence.Source,
) error {
	if err := lock.Reacquire(ctx); err != nil {
		return fmt.Errorf("failed to keep lock %s: %w", lock.Name(), err)
	}

	exists, err := ctl.Exists(ctx)
	if err != nil || exists {
		return err
	}

	// A cached read could race the Monitor finalizing this entity.
	ok, err := needed(ctx)
	if err != nil {
		return fmt.Errorf("failed to read %s %d: %w", ctl.Kind(), ctl.ID(), err)
	}
	if !ok {
		return nil
	}

	if err := ctl.ResetTaskset(ctx); err != nil {
		return err
	}

	slog.Info("Generating tasks", "kind", ctl.Kind().String(), "id", ctl.ID())

	n, ok, err := ctl.GenerateTasks(ctx, src, s.dispatcher, lock)
	if err != nil {
		return fmt.Errorf("failed to generate tasks for %s %d: %w", ctl.Kind(), ctl.ID(), err)
	}
	if !ok {
		return nil
	}

	if err := ctl.Commit(ctx, n); err != nil {
		return err
	}
	s.metrics.RecordTasksGenerated(ctx, ctl.Kind().String(), n)
	slog.Info("Generated tasks", "kind", ctl.Kind().String(), "id", ctl.ID(), "tasks_generated", n)
	return nil
}
