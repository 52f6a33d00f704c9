// Package sync keeps the search index in step with the relational store by
// fanning per-entity work out to the worker pool and finalizing each entity
// once all of its work has completed.
//
// # Loops
//
// Three periodic loops run as tasks on the periodic queue, each serialized
// across processes by its own advisory lock:
//
//   - Scheduler.Tick (check_for_sync) creates fences for stale documents,
//     outdated document sets and outdated user groups.
//   - Scheduler.DeletionTick (check_for_connector_deletion) creates fences
//     for connector credential pairs in DELETING status.
//   - Monitor.Tick (monitor_sync) finds drained fences, finalizes the entity
//     in the relational store and clears the fence.
//
// Beat enqueues those tick tasks at fixed intervals.
//
// # Fences
//
// A fence is created by resetting the entity's taskset, generating one task
// per work unit (taskset insert first, dispatch second) and writing the task
// count last. The count is what the Monitor keys on, so an entity is never
// finalized while its tasks are still being generated. The taskset only
// shrinks after the count is written; the Monitor finalizes when it is
// empty and deletes both keys afterwards.
//
// # Worker tasks
//
// Tasks.SyncDocumentMetadata pushes a document's ACL, document sets, boost
// and hidden flag to the index and then clears its needs_sync flag.
// Tasks.CleanupDocumentByCCPair removes a document from a pair being deleted,
// deleting it outright when no other pair references it.
//
// # User groups
//
// User group sync is an optional capability. Extensions carries a
// UserGroupSyncer resolved once at startup; without one, no user group
// fences are created and user group finalization does nothing.
package sync
