package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/stacklok/docsync/internal/index"
	"github.com/stacklok/docsync/internal/queue"
	"github.com/stacklok/docsync/internal/store"
)

// Tasks holds the per-document worker tasks
type Tasks struct {
	store store.Store
	index index.DocumentIndex
}

// NewTasks creates the worker tasks
func NewTasks(st store.Store, idx index.DocumentIndex) *Tasks {
	return &Tasks{store: st, index: idx}
}

// SyncDocumentMetadata pushes the document's current metadata to the index
// and then clears its needs_sync flag. The index is written first: a crash
// in between only repeats the push on the next stale sweep.
func (t *Tasks) SyncDocumentMetadata(ctx context.Context, task queue.Task) error {
	var args queue.SyncDocumentArgs
	if err := task.DecodeArgs(&args); err != nil {
		return err
	}
	id := args.DocumentID

	return t.store.InTx(ctx, func(q store.Queries) error {
		doc, err := q.GetDocument(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			slog.Debug("Document vanished before metadata sync", "document_id", id)
			return nil
		}
		if err != nil {
			return err
		}

		req, err := updateRequest(ctx, q, doc, nil)
		if err != nil {
			return err
		}
		if err := t.index.Update(ctx, []index.UpdateRequest{req}); err != nil {
			return fmt.Errorf("failed to update document %s in the index: %w", id, err)
		}

		// A change made after doc was read keeps the document stale.
		return q.MarkDocumentSynced(ctx, id, doc.LastModified)
	})
}

// CleanupDocumentByCCPair detaches a document from a pair being deleted. A
// document no other pair references is removed from the index and the
// store; otherwise its access and document sets are recomputed without the
// pair and pushed to the index.
func (t *Tasks) CleanupDocumentByCCPair(ctx context.Context, task queue.Task) error {
	var args queue.CleanupDocumentArgs
	if err := task.DecodeArgs(&args); err != nil {
		return err
	}
	id := args.DocumentID
	key := store.CCPairKey{ConnectorID: args.ConnectorID, CredentialID: args.CredentialID}

	return t.store.InTx(ctx, func(q store.Queries) error {
		refs, err := q.CountDocumentCCPairs(ctx, id)
		if err != nil {
			return err
		}

		switch {
		case refs == 1:
			if err := t.index.Delete(ctx, []string{id}); err != nil {
				return fmt.Errorf("failed to delete document %s from the index: %w", id, err)
			}
			return q.DeleteDocuments(ctx, []string{id})

		case refs > 1:
			doc, err := q.GetDocument(ctx, id)
			if errors.Is(err, store.ErrNotFound) {
				return nil
			}
			if err != nil {
				return err
			}

			req, err := updateRequest(ctx, q, doc, &key)
			if err != nil {
				return err
			}
			if err := t.index.Update(ctx, []index.UpdateRequest{req}); err != nil {
				return fmt.Errorf("failed to update document %s in the index: %w", id, err)
			}
			if err := q.DeleteDocumentCCPairLink(ctx, id, key); err != nil {
				return err
			}
			return q.MarkDocumentSynced(ctx, id, doc.LastModified)

		default:
			return nil
		}
	})
}

// updateRequest builds the full metadata update of a document, leaving out
// what is only granted through the excluded pair.
func updateRequest(
	ctx context.Context, q store.Queries, doc *store.Document, exclude *store.CCPairKey,
) (index.UpdateRequest, error) {
	sets, err := q.DocumentSetNames(ctx, doc.ID, exclude)
	if err != nil {
		return index.UpdateRequest{}, fmt.Errorf("failed to read document sets of %s: %w", doc.ID, err)
	}
	if sets == nil {
		// nil would leave the index field untouched
		sets = []string{}
	}

	access, err := q.DocumentAccess(ctx, doc.ID, exclude)
	if err != nil {
		return index.UpdateRequest{}, fmt.Errorf("failed to read access of %s: %w", doc.ID, err)
	}

	boost, hidden := doc.Boost, doc.Hidden
	return index.UpdateRequest{
		DocumentIDs:  []string{doc.ID},
		ACL:          access.ACL(),
		DocumentSets: sets,
		Boost:        &boost,
		Hidden:       &hidden,
	}, nil
}
