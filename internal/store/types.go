package store

import (
	"slices"
	"time"
)

// CCPairStatus is the lifecycle status of a connector credential pair
type CCPairStatus string

const (
	// CCPairStatusActive means the pair is indexed on its schedule
	CCPairStatusActive CCPairStatus = "ACTIVE"
	// CCPairStatusPaused means indexing is suspended
	CCPairStatusPaused CCPairStatus = "PAUSED"
	// CCPairStatusDeleting means the pair and its documents are being removed
	CCPairStatusDeleting CCPairStatus = "DELETING"
)

// IndexAttemptStatus is the status of one indexing run
type IndexAttemptStatus string

const (
	IndexAttemptNotStarted IndexAttemptStatus = "NOT_STARTED"
	IndexAttemptInProgress IndexAttemptStatus = "IN_PROGRESS"
	IndexAttemptSuccess    IndexAttemptStatus = "SUCCESS"
	IndexAttemptFailed     IndexAttemptStatus = "FAILED"
)

// Running reports whether the attempt may still write documents
func (s IndexAttemptStatus) Running() bool {
	return s == IndexAttemptNotStarted || s == IndexAttemptInProgress
}

// CCPairKey identifies a connector credential pair by its two halves
type CCPairKey struct {
	ConnectorID  int64
	CredentialID int64
}

// ConnectorCredentialPair links a connector to the credential it runs with
type ConnectorCredentialPair struct {
	ID                     int64
	ConnectorID            int64
	CredentialID           int64
	Name                   string
	Status                 CCPairStatus
	IsPublic               bool
	DeletionFailureMessage *string
}

// Key returns the connector/credential pair of ids
func (p ConnectorCredentialPair) Key() CCPairKey {
	return CCPairKey{ConnectorID: p.ConnectorID, CredentialID: p.CredentialID}
}

// DocumentSet is a named collection of connector credential pairs
type DocumentSet struct {
	ID         int64
	Name       string
	IsUpToDate bool
}

// UserGroup is a named collection of users granted access to connector credential pairs
type UserGroup struct {
	ID              int64
	Name            string
	IsUpToDate      bool
	IsUpForDeletion bool
}

// Document is an indexed document
type Document struct {
	ID           string
	SemanticID   string
	Boost        int
	Hidden       bool
	NeedsSync    bool
	LastModified time.Time
	LastSynced   *time.Time
}

// IndexAttempt is one indexing run of a connector credential pair
type IndexAttempt struct {
	ID          int64
	CCPairID    int64
	Status      IndexAttemptStatus
	TimeCreated time.Time
}

// Access is who may see a document
type Access struct {
	UserEmails []string
	UserGroups []string
	IsPublic   bool
}

const (
	aclPublic      = "PUBLIC"
	aclUserPrefix  = "user_email:"
	aclGroupPrefix = "group:"
)

// ACL renders the access as the sorted entries stored in the search index
func (a Access) ACL() []string {
	acl := make([]string, 0, len(a.UserEmails)+len(a.UserGroups)+1)
	for _, e := range a.UserEmails {
		acl = append(acl, aclUserPrefix+e)
	}
	for _, g := range a.UserGroups {
		acl = append(acl, aclGroupPrefix+g)
	}
	if a.IsPublic {
		acl = append(acl, aclPublic)
	}
	slices.Sort(acl)
	return slices.Compact(acl)
}
