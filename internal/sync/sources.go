package sync

import (
	"context"
	"errors"
	"iter"

	"github.com/stacklok/docsync/internal/fence"
	"github.com/stacklok/docsync/internal/queue"
	"github.com/stacklok/docsync/internal/store"
)

// documentSource turns the documents of one entity into tasks
type documentSource struct {
	// lookup reports whether the entity still exists
	lookup func(ctx context.Context) (bool, error)
	ids    func(ctx context.Context) iter.Seq2[string, error]
	task   func(documentID string) (queue.Task, error)
}

var _ fence.Source = documentSource{}

// Tasks implements fence.Source
func (s documentSource) Tasks(ctx context.Context) (iter.Seq2[queue.Task, error], bool, error) {
	ok, err := s.lookup(ctx)
	if err != nil || !ok {
		return nil, false, err
	}

	return func(yield func(queue.Task, error) bool) {
		for id, err := range s.ids(ctx) {
			if err != nil {
				yield(queue.Task{}, err)
				return
			}
			task, err := s.task(id)
			if !yield(task, err) || err != nil {
				return
			}
		}
	}, true, nil
}

// exists maps store.ErrNotFound to false
func exists[T any](get func() (T, error)) (bool, error) {
	_, err := get()
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

func syncDocumentTask(documentID string) (queue.Task, error) {
	return queue.NewTask(queue.TaskSyncDocumentMetadata, queue.QueueMetadataSync,
		queue.SyncDocumentArgs{DocumentID: documentID})
}

// ccPairSource resolves the pair first so ids and task see its key
func ccPairSource(
	q store.Queries,
	ccPairID int64,
	ids func(ctx context.Context, key store.CCPairKey) iter.Seq2[string, error],
	task func(key store.CCPairKey, documentID string) (queue.Task, error),
) fence.Source {
	var key store.CCPairKey
	return documentSource{
		lookup: func(ctx context.Context) (bool, error) {
			return exists(func() (*store.ConnectorCredentialPair, error) {
				pair, err := q.GetCCPair(ctx, ccPairID)
				if err == nil {
					key = pair.Key()
				}
				return pair, err
			})
		},
		ids: func(ctx context.Context) iter.Seq2[string, error] {
			return ids(ctx, key)
		},
		task: func(documentID string) (queue.Task, error) {
			return task(key, documentID)
		},
	}
}

// StaleDocumentSource yields a metadata sync task for every document of the
// pair flagged needs_sync.
func StaleDocumentSource(q store.Queries, ccPairID int64) fence.Source {
	return ccPairSource(q, ccPairID, q.StaleDocumentIDs,
		func(_ store.CCPairKey, documentID string) (queue.Task, error) {
			return syncDocumentTask(documentID)
		})
}

// DocumentSetSource yields a metadata sync task for every document of the set,
// including documents only reachable through memberships being removed.
func DocumentSetSource(q store.Queries, setID int64) fence.Source {
	return documentSource{
		lookup: func(ctx context.Context) (bool, error) {
			return exists(func() (*store.DocumentSet, error) { return q.GetDocumentSet(ctx, setID) })
		},
		ids: func(ctx context.Context) iter.Seq2[string, error] {
			return q.DocumentIDsForDocumentSet(ctx, setID)
		},
		task: syncDocumentTask,
	}
}

// UserGroupSource yields a metadata sync task for every document of the group
func UserGroupSource(q store.Queries, groups UserGroupSyncer, groupID int64) fence.Source {
	return documentSource{
		lookup: func(ctx context.Context) (bool, error) {
			return exists(func() (*store.UserGroup, error) { return groups.GetUserGroup(ctx, q, groupID) })
		},
		ids: func(ctx context.Context) iter.Seq2[string, error] {
			return groups.DocumentIDs(ctx, q, groupID)
		},
		task: syncDocumentTask,
	}
}

// ConnectorDeletionSource yields a cleanup task for every document of the pair
func ConnectorDeletionSource(q store.Queries, ccPairID int64) fence.Source {
	return ccPairSource(q, ccPairID, q.DocumentIDsForCCPair,
		func(key store.CCPairKey, documentID string) (queue.Task, error) {
			return queue.NewTask(queue.TaskCleanupDocumentByCCPair, queue.QueueConnectorDeletion,
				queue.CleanupDocumentArgs{
					DocumentID:   documentID,
					ConnectorID:  key.ConnectorID,
					CredentialID: key.CredentialID,
				})
		})
}
