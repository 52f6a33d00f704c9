// Package index provides the search index client that receives document
// metadata updates and deletions.
package index

import "context"

// UpdateRequest carries the metadata fields to overwrite on a set of documents.
// Nil fields are left untouched.
type UpdateRequest struct {
	DocumentIDs  []string
	ACL          []string
	DocumentSets []string
	Boost        *int
	Hidden       *bool
}

// DocumentIndex is the search index
//
//go:generate mockgen -destination=mocks/mock_index.go -package=mocks -source=index.go DocumentIndex
type DocumentIndex interface {
	// Update applies every request. It is safe to repeat.
	Update(ctx context.Context, requests []UpdateRequest) error
	// Delete removes every chunk of the documents. Missing documents are not an error.
	Delete(ctx context.Context, documentIDs []string) error
	// EnsureIndicesExist checks that the index is reachable and compatible
	EnsureIndicesExist(ctx context.Context) error
}
