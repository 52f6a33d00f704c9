// Package store provides the relational state read and finalized by the sync
// machinery: connector credential pairs, documents, document sets, user
// groups and index attempts.
package store

import (
	"context"
	"errors"
	"iter"
	"time"
)

// ErrNotFound is returned when a looked up entity does not exist
var ErrNotFound = errors.New("not found")

// Queries is the set of reads and writes available inside or outside a transaction
type Queries interface {
	// Connector credential pairs

	GetCCPair(ctx context.Context, id int64) (*ConnectorCredentialPair, error)
	GetCCPairByKey(ctx context.Context, key CCPairKey) (*ConnectorCredentialPair, error)
	ListCCPairs(ctx context.Context) ([]ConnectorCredentialPair, error)
	SetCCPairStatus(ctx context.Context, id int64, status CCPairStatus) error
	SetCCPairDeletionFailure(ctx context.Context, id int64, message string) error
	DeleteCCPair(ctx context.Context, id int64) error
	CountConnectorCCPairs(ctx context.Context, connectorID int64) (int64, error)
	DeleteConnector(ctx context.Context, connectorID int64) error

	// Index attempts

	LatestIndexAttempt(ctx context.Context, ccPairID int64) (*IndexAttempt, error)
	DeleteIndexAttempts(ctx context.Context, ccPairID int64) error

	// Documents

	GetDocument(ctx context.Context, id string) (*Document, error)
	CountStaleDocuments(ctx context.Context) (int64, error)
	StaleDocumentIDs(ctx context.Context, key CCPairKey) iter.Seq2[string, error]
	DocumentIDsForCCPair(ctx context.Context, key CCPairKey) iter.Seq2[string, error]
	// DocumentSetNames returns the current document sets of a document,
	// ignoring memberships through the excluded pair when one is given
	DocumentSetNames(ctx context.Context, documentID string, exclude *CCPairKey) ([]string, error)
	// DocumentAccess computes access of a document, ignoring the excluded pair when one is given
	DocumentAccess(ctx context.Context, documentID string, exclude *CCPairKey) (Access, error)
	// MarkDocumentSynced clears needs_sync unless the document changed after observedModified
	MarkDocumentSynced(ctx context.Context, documentID string, observedModified time.Time) error
	CountDocumentCCPairs(ctx context.Context, documentID string) (int64, error)
	DeleteDocumentCCPairLink(ctx context.Context, documentID string, key CCPairKey) error
	// DeleteDocuments removes documents and every row referencing them
	DeleteDocuments(ctx context.Context, documentIDs []string) error

	// Document sets

	GetDocumentSet(ctx context.Context, id int64) (*DocumentSet, error)
	ListOutdatedDocumentSets(ctx context.Context) ([]DocumentSet, error)
	DocumentIDsForDocumentSet(ctx context.Context, setID int64) iter.Seq2[string, error]
	CountDocumentSetCCPairs(ctx context.Context, setID int64) (int64, error)
	// MarkDocumentSetSynced sets is_up_to_date and drops memberships no longer current
	MarkDocumentSetSynced(ctx context.Context, setID int64) error
	DeleteDocumentSet(ctx context.Context, setID int64) error
	DeleteDocumentSetCCPairLinks(ctx context.Context, ccPairID int64) error

	// User groups

	GetUserGroup(ctx context.Context, id int64) (*UserGroup, error)
	ListOutdatedUserGroups(ctx context.Context) ([]UserGroup, error)
	DocumentIDsForUserGroup(ctx context.Context, groupID int64) iter.Seq2[string, error]
	// MarkUserGroupSynced sets is_up_to_date and drops memberships no longer current
	MarkUserGroupSynced(ctx context.Context, groupID int64) error
	DeleteUserGroup(ctx context.Context, groupID int64) error
	DeleteUserGroupCCPairLinks(ctx context.Context, ccPairID int64) error
}

// Store is a Queries bound to a connection pool that can also open transactions
type Store interface {
	Queries
	// InTx runs fn in a transaction, committing when fn returns nil and rolling back otherwise
	InTx(ctx context.Context, fn func(q Queries) error) error
	// Ping checks that the database is reachable
	Ping(ctx context.Context) error
}
