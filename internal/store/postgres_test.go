package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/docsync/database"
	"github.com/stacklok/docsync/internal/store"
)

type fixture struct {
	pool  *pgxpool.Pool
	store *store.PostgresStore
}

func setupFixture(t *testing.T) *fixture {
	t.Helper()
	pool, cleanupFunc := database.SetupTestDB(t)
	t.Cleanup(cleanupFunc)
	return &fixture{pool: pool, store: store.NewPostgresStore(pool)}
}

func (f *fixture) exec(t *testing.T, sql string, args ...any) {
	t.Helper()
	_, err := f.pool.Exec(context.Background(), sql, args...)
	require.NoError(t, err)
}

func (f *fixture) insertID(t *testing.T, sql string, args ...any) int64 {
	t.Helper()
	var id int64
	require.NoError(t, f.pool.QueryRow(context.Background(), sql, args...).Scan(&id))
	return id
}

// seed creates two pairs sharing a connector, three documents and one document set:
//
//	pair A (public, owner a@x): doc-1, doc-2
//	pair B (private, owner b@x): doc-2, doc-3
//	set "eng": A current, B not current
func (f *fixture) seed(t *testing.T) (pairA, pairB store.ConnectorCredentialPair, setID int64) {
	t.Helper()
	connectorID := f.insertID(t, `INSERT INTO connector (name, source) VALUES ('c', 'web') RETURNING id`)
	credA := f.insertID(t, `INSERT INTO credential (user_email) VALUES ('a@x') RETURNING id`)
	credB := f.insertID(t, `INSERT INTO credential (user_email) VALUES ('b@x') RETURNING id`)
	idA := f.insertID(t, `INSERT INTO connector_credential_pair (connector_id, credential_id, name, is_public)
		VALUES ($1, $2, 'a', TRUE) RETURNING id`, connectorID, credA)
	idB := f.insertID(t, `INSERT INTO connector_credential_pair (connector_id, credential_id, name, is_public)
		VALUES ($1, $2, 'b', FALSE) RETURNING id`, connectorID, credB)

	for _, id := range []string{"doc-1", "doc-2", "doc-3"} {
		f.exec(t, `INSERT INTO document (id, boost, hidden) VALUES ($1, 1, FALSE)`, id)
	}
	f.exec(t, `UPDATE document SET needs_sync = FALSE WHERE id = 'doc-3'`)
	for _, link := range []struct {
		doc  string
		cred int64
	}{{"doc-1", credA}, {"doc-2", credA}, {"doc-2", credB}, {"doc-3", credB}} {
		f.exec(t, `INSERT INTO document_by_connector_credential_pair (id, connector_id, credential_id)
			VALUES ($1, $2, $3)`, link.doc, connectorID, link.cred)
	}

	setID = f.insertID(t, `INSERT INTO document_set (name) VALUES ('eng') RETURNING id`)
	f.exec(t, `INSERT INTO document_set__connector_credential_pair VALUES ($1, $2, TRUE)`, setID, idA)
	f.exec(t, `INSERT INTO document_set__connector_credential_pair VALUES ($1, $2, FALSE)`, setID, idB)

	ctx := context.Background()
	a, err := f.store.GetCCPair(ctx, idA)
	require.NoError(t, err)
	b, err := f.store.GetCCPair(ctx, idB)
	require.NoError(t, err)
	return *a, *b, setID
}

func collect(t *testing.T, seq func(func(string, error) bool)) []string {
	t.Helper()
	var out []string
	for id, err := range seq {
		require.NoError(t, err)
		out = append(out, id)
	}
	return out
}

func TestPostgresStore_Documents(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := setupFixture(t)
	pairA, pairB, _ := f.seed(t)

	n, err := f.store.CountStaleDocuments(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	assert.Equal(t, []string{"doc-1", "doc-2"}, collect(t, f.store.StaleDocumentIDs(ctx, pairA.Key())))
	assert.Equal(t, []string{"doc-2"}, collect(t, f.store.StaleDocumentIDs(ctx, pairB.Key())))
	assert.Equal(t, []string{"doc-2", "doc-3"}, collect(t, f.store.DocumentIDsForCCPair(ctx, pairB.Key())))

	doc, err := f.store.GetDocument(ctx, "doc-2")
	require.NoError(t, err)
	assert.True(t, doc.NeedsSync)
	assert.Equal(t, 1, doc.Boost)

	_, err = f.store.GetDocument(ctx, "missing")
	require.ErrorIs(t, err, store.ErrNotFound)

	names, err := f.store.DocumentSetNames(ctx, "doc-2", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"eng"}, names)

	names, err = f.store.DocumentSetNames(ctx, "doc-2", &store.CCPairKey{ConnectorID: pairA.ConnectorID, CredentialID: pairA.CredentialID})
	require.NoError(t, err)
	assert.Empty(t, names)

	access, err := f.store.DocumentAccess(ctx, "doc-2", nil)
	require.NoError(t, err)
	assert.True(t, access.IsPublic)
	assert.Equal(t, []string{"a@x", "b@x"}, access.UserEmails)
	assert.Equal(t, []string{"PUBLIC", "user_email:a@x", "user_email:b@x"}, access.ACL())

	excluded := pairA.Key()
	access, err = f.store.DocumentAccess(ctx, "doc-2", &excluded)
	require.NoError(t, err)
	assert.False(t, access.IsPublic)
	assert.Equal(t, []string{"b@x"}, access.UserEmails)

	count, err := f.store.CountDocumentCCPairs(ctx, "doc-2")
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

func TestPostgresStore_MarkDocumentSynced(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := setupFixture(t)
	f.seed(t)

	doc, err := f.store.GetDocument(ctx, "doc-1")
	require.NoError(t, err)

	// a modification after the read must keep the document stale
	f.exec(t, `UPDATE document SET last_modified = $2 WHERE id = $1`, "doc-1", doc.LastModified.Add(time.Second))
	require.NoError(t, f.store.MarkDocumentSynced(ctx, "doc-1", doc.LastModified))
	doc2, err := f.store.GetDocument(ctx, "doc-1")
	require.NoError(t, err)
	assert.True(t, doc2.NeedsSync)

	require.NoError(t, f.store.MarkDocumentSynced(ctx, "doc-1", doc2.LastModified))
	doc3, err := f.store.GetDocument(ctx, "doc-1")
	require.NoError(t, err)
	assert.False(t, doc3.NeedsSync)
	assert.NotNil(t, doc3.LastSynced)
}

func TestPostgresStore_DocumentSets(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := setupFixture(t)
	_, pairB, setID := f.seed(t)

	sets, err := f.store.ListOutdatedDocumentSets(ctx)
	require.NoError(t, err)
	require.Len(t, sets, 1)
	assert.Equal(t, "eng", sets[0].Name)

	// non current memberships still contribute documents
	assert.Equal(t, []string{"doc-1", "doc-2", "doc-3"}, collect(t, f.store.DocumentIDsForDocumentSet(ctx, setID)))

	n, err := f.store.CountDocumentSetCCPairs(ctx, setID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	require.NoError(t, f.store.MarkDocumentSetSynced(ctx, setID))
	set, err := f.store.GetDocumentSet(ctx, setID)
	require.NoError(t, err)
	assert.True(t, set.IsUpToDate)
	assert.Equal(t, []string{"doc-1", "doc-2"}, collect(t, f.store.DocumentIDsForDocumentSet(ctx, setID)))

	require.ErrorIs(t, f.store.MarkDocumentSetSynced(ctx, 9999), store.ErrNotFound)

	require.NoError(t, f.store.DeleteDocumentSetCCPairLinks(ctx, pairB.ID))
	require.NoError(t, f.store.DeleteDocumentSet(ctx, setID))
	_, err = f.store.GetDocumentSet(ctx, setID)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestPostgresStore_UserGroups(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := setupFixture(t)
	pairA, _, _ := f.seed(t)

	groupID := f.insertID(t, `INSERT INTO user_group (name) VALUES ('sales') RETURNING id`)
	f.exec(t, `INSERT INTO user_group__connector_credential_pair VALUES ($1, $2, TRUE)`, groupID, pairA.ID)

	groups, err := f.store.ListOutdatedUserGroups(ctx)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, []string{"doc-1", "doc-2"}, collect(t, f.store.DocumentIDsForUserGroup(ctx, groupID)))

	access, err := f.store.DocumentAccess(ctx, "doc-1", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"sales"}, access.UserGroups)

	require.NoError(t, f.store.MarkUserGroupSynced(ctx, groupID))
	g, err := f.store.GetUserGroup(ctx, groupID)
	require.NoError(t, err)
	assert.True(t, g.IsUpToDate)

	require.NoError(t, f.store.DeleteUserGroupCCPairLinks(ctx, pairA.ID))
	require.NoError(t, f.store.DeleteUserGroup(ctx, groupID))
	_, err = f.store.GetUserGroup(ctx, groupID)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestPostgresStore_DeletionInTx(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := setupFixture(t)
	pairA, pairB, _ := f.seed(t)

	f.exec(t, `INSERT INTO index_attempt (connector_credential_pair_id, status, time_created)
		VALUES ($1, 'SUCCESS', NOW() - INTERVAL '1 hour'), ($1, 'IN_PROGRESS', NOW())`, pairB.ID)
	attempt, err := f.store.LatestIndexAttempt(ctx, pairB.ID)
	require.NoError(t, err)
	assert.Equal(t, store.IndexAttemptInProgress, attempt.Status)
	assert.True(t, attempt.Status.Running())

	_, err = f.store.LatestIndexAttempt(ctx, pairA.ID)
	require.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, f.store.SetCCPairStatus(ctx, pairB.ID, store.CCPairStatusDeleting))

	// a failing transaction leaves everything in place
	boom := errors.New("boom")
	err = f.store.InTx(ctx, func(q store.Queries) error {
		require.NoError(t, q.DeleteIndexAttempts(ctx, pairB.ID))
		return boom
	})
	require.ErrorIs(t, err, boom)
	_, err = f.store.LatestIndexAttempt(ctx, pairB.ID)
	require.NoError(t, err)

	require.NoError(t, f.store.DeleteDocumentCCPairLink(ctx, "doc-2", pairB.Key()))
	require.NoError(t, f.store.DeleteDocuments(ctx, []string{"doc-3"}))

	err = f.store.InTx(ctx, func(q store.Queries) error {
		if err := q.DeleteIndexAttempts(ctx, pairB.ID); err != nil {
			return err
		}
		if err := q.DeleteDocumentSetCCPairLinks(ctx, pairB.ID); err != nil {
			return err
		}
		if err := q.DeleteCCPair(ctx, pairB.ID); err != nil {
			return err
		}
		n, err := q.CountConnectorCCPairs(ctx, pairB.ConnectorID)
		if err != nil {
			return err
		}
		assert.Equal(t, int64(1), n)
		return nil
	})
	require.NoError(t, err)

	_, err = f.store.GetCCPair(ctx, pairB.ID)
	require.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, f.store.SetCCPairDeletionFailure(ctx, pairA.ID, "failed"))
	p, err := f.store.GetCCPairByKey(ctx, pairA.Key())
	require.NoError(t, err)
	require.NotNil(t, p.DeletionFailureMessage)
	assert.Equal(t, "failed", *p.DeletionFailureMessage)

	pairs, err := f.store.ListCCPairs(ctx)
	require.NoError(t, err)
	assert.Len(t, pairs, 1)
}
