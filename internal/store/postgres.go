package store

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DBTX is the subset of pgx shared by pools, connections and transactions
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore is the Postgres implementation of Store
type PostgresStore struct {
	*queries
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a store on top of a connection pool owned by the caller
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{queries: &queries{db: pool}, pool: pool}
}

// InTx runs fn in a transaction
func (s *PostgresStore) InTx(ctx context.Context, fn func(q Queries) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		// Rollback is a no-op once committed
		_ = tx.Rollback(ctx)
	}()

	if err := fn(&queries{db: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Ping checks that the database is reachable
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

type queries struct {
	db DBTX
}

func notFound(err error, what string, id any) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s %v: %w", what, id, ErrNotFound)
	}
	return fmt.Errorf("failed to get %s %v: %w", what, id, err)
}

// streamIDs yields the single text column of each row of the query
func (q *queries) streamIDs(ctx context.Context, sql string, args ...any) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		rows, err := q.db.Query(ctx, sql, args...)
		if err != nil {
			yield("", err)
			return
		}
		defer rows.Close()

		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				yield("", err)
				return
			}
			if !yield(id, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield("", err)
		}
	}
}

func scanCCPair(row pgx.Row) (*ConnectorCredentialPair, error) {
	var p ConnectorCredentialPair
	var status string
	if err := row.Scan(&p.ID, &p.ConnectorID, &p.CredentialID, &p.Name, &status, &p.IsPublic, &p.DeletionFailureMessage); err != nil {
		return nil, err
	}
	p.Status = CCPairStatus(status)
	return &p, nil
}

func (q *queries) GetCCPair(ctx context.Context, id int64) (*ConnectorCredentialPair, error) {
	p, err := scanCCPair(q.db.QueryRow(ctx, getCCPair, id))
	if err != nil {
		return nil, notFound(err, "connector credential pair", id)
	}
	return p, nil
}

func (q *queries) GetCCPairByKey(ctx context.Context, key CCPairKey) (*ConnectorCredentialPair, error) {
	p, err := scanCCPair(q.db.QueryRow(ctx, getCCPairByKey, key.ConnectorID, key.CredentialID))
	if err != nil {
		return nil, notFound(err, "connector credential pair", key)
	}
	return p, nil
}

func (q *queries) ListCCPairs(ctx context.Context) ([]ConnectorCredentialPair, error) {
	rows, err := q.db.Query(ctx, listCCPairs)
	if err != nil {
		return nil, fmt.Errorf("failed to list connector credential pairs: %w", err)
	}
	pairs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (ConnectorCredentialPair, error) {
		p, err := scanCCPair(row)
		if err != nil {
			return ConnectorCredentialPair{}, err
		}
		return *p, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list connector credential pairs: %w", err)
	}
	return pairs, nil
}

func (q *queries) SetCCPairStatus(ctx context.Context, id int64, status CCPairStatus) error {
	return q.execOne(ctx, "connector credential pair", id, setCCPairStatus, id, string(status))
}

func (q *queries) SetCCPairDeletionFailure(ctx context.Context, id int64, message string) error {
	return q.execOne(ctx, "connector credential pair", id, setCCPairDeletionFailure, id, message)
}

func (q *queries) DeleteCCPair(ctx context.Context, id int64) error {
	_, err := q.db.Exec(ctx, deleteCCPair, id)
	if err != nil {
		return fmt.Errorf("failed to delete connector credential pair %d: %w", id, err)
	}
	return nil
}

func (q *queries) CountConnectorCCPairs(ctx context.Context, connectorID int64) (int64, error) {
	var n int64
	err := q.db.QueryRow(ctx, countConnectorCCPairs, connectorID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count pairs of connector %d: %w", connectorID, err)
	}
	return n, nil
}

func (q *queries) DeleteConnector(ctx context.Context, connectorID int64) error {
	_, err := q.db.Exec(ctx, deleteConnector, connectorID)
	if err != nil {
		return fmt.Errorf("failed to delete connector %d: %w", connectorID, err)
	}
	return nil
}

func (q *queries) LatestIndexAttempt(ctx context.Context, ccPairID int64) (*IndexAttempt, error) {
	var a IndexAttempt
	var status string
	err := q.db.QueryRow(ctx, latestIndexAttempt, ccPairID).
		Scan(&a.ID, &a.CCPairID, &status, &a.TimeCreated)
	if err != nil {
		return nil, notFound(err, "index attempt for pair", ccPairID)
	}
	a.Status = IndexAttemptStatus(status)
	return &a, nil
}

func (q *queries) DeleteIndexAttempts(ctx context.Context, ccPairID int64) error {
	_, err := q.db.Exec(ctx, deleteIndexAttempts, ccPairID)
	if err != nil {
		return fmt.Errorf("failed to delete index attempts of pair %d: %w", ccPairID, err)
	}
	return nil
}

func (q *queries) GetDocument(ctx context.Context, id string) (*Document, error) {
	var d Document
	err := q.db.QueryRow(ctx, getDocument, id).
		Scan(&d.ID, &d.SemanticID, &d.Boost, &d.Hidden, &d.NeedsSync, &d.LastModified, &d.LastSynced)
	if err != nil {
		return nil, notFound(err, "document", id)
	}
	return &d, nil
}

func (q *queries) CountStaleDocuments(ctx context.Context) (int64, error) {
	var n int64
	err := q.db.QueryRow(ctx, countStaleDocuments).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count stale documents: %w", err)
	}
	return n, nil
}

func (q *queries) StaleDocumentIDs(ctx context.Context, key CCPairKey) iter.Seq2[string, error] {
	return q.streamIDs(ctx, staleDocumentIDs, key.ConnectorID, key.CredentialID)
}

func (q *queries) DocumentIDsForCCPair(ctx context.Context, key CCPairKey) iter.Seq2[string, error] {
	return q.streamIDs(ctx, documentIDsForCCPair, key.ConnectorID, key.CredentialID)
}

// excludeArgs renders an optional pair as two nullable ids
func excludeArgs(exclude *CCPairKey) (*int64, *int64) {
	if exclude == nil {
		return nil, nil
	}
	return &exclude.ConnectorID, &exclude.CredentialID
}

func (q *queries) DocumentSetNames(ctx context.Context, documentID string, exclude *CCPairKey) ([]string, error) {
	connectorID, credentialID := excludeArgs(exclude)
	rows, err := q.db.Query(ctx, documentSetNames, documentID, connectorID, credentialID)
	if err != nil {
		return nil, fmt.Errorf("failed to get document sets of %s: %w", documentID, err)
	}
	names, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to get document sets of %s: %w", documentID, err)
	}
	return names, nil
}

func (q *queries) DocumentAccess(ctx context.Context, documentID string, exclude *CCPairKey) (Access, error) {
	connectorID, credentialID := excludeArgs(exclude)
	var a Access
	err := q.db.QueryRow(ctx, documentAccess, documentID, connectorID, credentialID).
		Scan(&a.IsPublic, &a.UserEmails, &a.UserGroups)
	if err != nil {
		return Access{}, fmt.Errorf("failed to get access of %s: %w", documentID, err)
	}
	return a, nil
}

func (q *queries) MarkDocumentSynced(ctx context.Context, documentID string, observedModified time.Time) error {
	_, err := q.db.Exec(ctx, markDocumentSynced, documentID, observedModified)
	if err != nil {
		return fmt.Errorf("failed to mark document %s synced: %w", documentID, err)
	}
	return nil
}

func (q *queries) CountDocumentCCPairs(ctx context.Context, documentID string) (int64, error) {
	var n int64
	err := q.db.QueryRow(ctx, countDocumentCCPairs, documentID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count pairs of document %s: %w", documentID, err)
	}
	return n, nil
}

func (q *queries) DeleteDocumentCCPairLink(ctx context.Context, documentID string, key CCPairKey) error {
	_, err := q.db.Exec(ctx, deleteDocumentCCPairLink,
		documentID, key.ConnectorID, key.CredentialID)
	if err != nil {
		return fmt.Errorf("failed to unlink document %s: %w", documentID, err)
	}
	return nil
}

func (q *queries) DeleteDocuments(ctx context.Context, documentIDs []string) error {
	if len(documentIDs) == 0 {
		return nil
	}
	if _, err := q.db.Exec(ctx, unlinkDocuments, documentIDs); err != nil {
		return fmt.Errorf("failed to unlink documents: %w", err)
	}
	if _, err := q.db.Exec(ctx, deleteDocuments, documentIDs); err != nil {
		return fmt.Errorf("failed to delete documents: %w", err)
	}
	return nil
}

func (q *queries) GetDocumentSet(ctx context.Context, id int64) (*DocumentSet, error) {
	var s DocumentSet
	err := q.db.QueryRow(ctx, getDocumentSet, id).
		Scan(&s.ID, &s.Name, &s.IsUpToDate)
	if err != nil {
		return nil, notFound(err, "document set", id)
	}
	return &s, nil
}

func (q *queries) ListOutdatedDocumentSets(ctx context.Context) ([]DocumentSet, error) {
	rows, err := q.db.Query(ctx, listOutdatedDocumentSets)
	if err != nil {
		return nil, fmt.Errorf("failed to list outdated document sets: %w", err)
	}
	sets, err := pgx.CollectRows(rows, pgx.RowToStructByPos[DocumentSet])
	if err != nil {
		return nil, fmt.Errorf("failed to list outdated document sets: %w", err)
	}
	return sets, nil
}

func (q *queries) DocumentIDsForDocumentSet(ctx context.Context, setID int64) iter.Seq2[string, error] {
	// memberships that are no longer current still need their documents updated
	return q.streamIDs(ctx, documentIDsForDocumentSet, setID)
}

func (q *queries) CountDocumentSetCCPairs(ctx context.Context, setID int64) (int64, error) {
	var n int64
	err := q.db.QueryRow(ctx, countDocumentSetCCPairs, setID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count pairs of document set %d: %w", setID, err)
	}
	return n, nil
}

func (q *queries) MarkDocumentSetSynced(ctx context.Context, setID int64) error {
	if _, err := q.db.Exec(ctx, deleteStaleDocumentSetCCPairs, setID); err != nil {
		return fmt.Errorf("failed to drop stale memberships of document set %d: %w", setID, err)
	}
	return q.execOne(ctx, "document set", setID, markDocumentSetUpToDate, setID)
}

func (q *queries) DeleteDocumentSet(ctx context.Context, setID int64) error {
	if _, err := q.db.Exec(ctx, deleteDocumentSetCCPairs, setID); err != nil {
		return fmt.Errorf("failed to delete memberships of document set %d: %w", setID, err)
	}
	if _, err := q.db.Exec(ctx, deleteDocumentSet, setID); err != nil {
		return fmt.Errorf("failed to delete document set %d: %w", setID, err)
	}
	return nil
}

func (q *queries) DeleteDocumentSetCCPairLinks(ctx context.Context, ccPairID int64) error {
	_, err := q.db.Exec(ctx, deleteDocumentSetCCPairLinks, ccPairID)
	if err != nil {
		return fmt.Errorf("failed to delete document set memberships of pair %d: %w", ccPairID, err)
	}
	return nil
}

func (q *queries) GetUserGroup(ctx context.Context, id int64) (*UserGroup, error) {
	var g UserGroup
	err := q.db.QueryRow(ctx, getUserGroup, id).
		Scan(&g.ID, &g.Name, &g.IsUpToDate, &g.IsUpForDeletion)
	if err != nil {
		return nil, notFound(err, "user group", id)
	}
	return &g, nil
}

func (q *queries) ListOutdatedUserGroups(ctx context.Context) ([]UserGroup, error) {
	rows, err := q.db.Query(ctx, listOutdatedUserGroups)
	if err != nil {
		return nil, fmt.Errorf("failed to list outdated user groups: %w", err)
	}
	groups, err := pgx.CollectRows(rows, pgx.RowToStructByPos[UserGroup])
	if err != nil {
		return nil, fmt.Errorf("failed to list outdated user groups: %w", err)
	}
	return groups, nil
}

func (q *queries) DocumentIDsForUserGroup(ctx context.Context, groupID int64) iter.Seq2[string, error] {
	return q.streamIDs(ctx, documentIDsForUserGroup, groupID)
}

func (q *queries) MarkUserGroupSynced(ctx context.Context, groupID int64) error {
	if _, err := q.db.Exec(ctx, deleteStaleUserGroupCCPairs, groupID); err != nil {
		return fmt.Errorf("failed to drop stale memberships of user group %d: %w", groupID, err)
	}
	return q.execOne(ctx, "user group", groupID, markUserGroupUpToDate, groupID)
}

func (q *queries) DeleteUserGroup(ctx context.Context, groupID int64) error {
	if _, err := q.db.Exec(ctx, deleteUserGroupCCPairs, groupID); err != nil {
		return fmt.Errorf("failed to delete memberships of user group %d: %w", groupID, err)
	}
	if _, err := q.db.Exec(ctx, deleteUserGroup, groupID); err != nil {
		return fmt.Errorf("failed to delete user group %d: %w", groupID, err)
	}
	return nil
}

func (q *queries) DeleteUserGroupCCPairLinks(ctx context.Context, ccPairID int64) error {
	_, err := q.db.Exec(ctx, deleteUserGroupCCPairLinks, ccPairID)
	if err != nil {
		return fmt.Errorf("failed to delete user group memberships of pair %d: %w", ccPairID, err)
	}
	return nil
}

// execOne runs a statement expected to touch exactly one row
func (q *queries) execOne(ctx context.Context, what string, id any, sql string, args ...any) error {
	tag, err := q.db.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("failed to update %s %v: %w", what, id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s %v: %w", what, id, ErrNotFound)
	}
	return nil
}
