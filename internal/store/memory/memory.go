// Package memory provides an in-memory store.Store used by unit tests and the
// integration suite. Seeding helpers stand in for the web layer that owns
// the relational schema.
package memory

import (
	"context"
	"fmt"
	"iter"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/stacklok/docsync/internal/store"
)

type membership struct {
	pairID    int64
	isCurrent bool
}

type state struct {
	nextID       int64
	connectors   map[int64]string
	credentials  map[int64]string
	pairs        map[int64]store.ConnectorCredentialPair
	documents    map[string]store.Document
	docPairs     map[string]map[store.CCPairKey]struct{}
	sets         map[int64]store.DocumentSet
	setPairs     map[int64][]membership
	groups       map[int64]store.UserGroup
	groupPairs   map[int64][]membership
	attempts     map[int64]store.IndexAttempt
	deletedPairs []int64
}

func newState() *state {
	return &state{
		connectors:  map[int64]string{},
		credentials: map[int64]string{},
		pairs:       map[int64]store.ConnectorCredentialPair{},
		documents:   map[string]store.Document{},
		docPairs:    map[string]map[store.CCPairKey]struct{}{},
		sets:        map[int64]store.DocumentSet{},
		setPairs:    map[int64][]membership{},
		groups:      map[int64]store.UserGroup{},
		groupPairs:  map[int64][]membership{},
		attempts:    map[int64]store.IndexAttempt{},
	}
}

func (s *state) clone() *state {
	c := &state{
		nextID:       s.nextID,
		connectors:   maps.Clone(s.connectors),
		credentials:  maps.Clone(s.credentials),
		pairs:        maps.Clone(s.pairs),
		documents:    maps.Clone(s.documents),
		docPairs:     make(map[string]map[store.CCPairKey]struct{}, len(s.docPairs)),
		sets:         maps.Clone(s.sets),
		setPairs:     make(map[int64][]membership, len(s.setPairs)),
		groups:       maps.Clone(s.groups),
		groupPairs:   make(map[int64][]membership, len(s.groupPairs)),
		attempts:     maps.Clone(s.attempts),
		deletedPairs: slices.Clone(s.deletedPairs),
	}
	for k, v := range s.docPairs {
		c.docPairs[k] = maps.Clone(v)
	}
	for k, v := range s.setPairs {
		c.setPairs[k] = slices.Clone(v)
	}
	for k, v := range s.groupPairs {
		c.groupPairs[k] = slices.Clone(v)
	}
	return c
}

// Store is an in-memory store.Store. Transactions are serialized and roll
// back by restoring a snapshot taken when they began.
type Store struct {
	txMu  sync.Mutex
	mu    sync.Mutex
	st    *state
	fail  map[string]error
	calls map[string]int
	now   func() time.Time
}

var _ store.Store = (*Store)(nil)

// New returns an empty store
func New() *Store {
	return &Store{st: newState(), fail: map[string]error{}, calls: map[string]int{}, now: time.Now}
}

// FailOn makes every later call of the named method return err. A nil err clears it.
func (s *Store) FailOn(method string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.fail, method)
		return
	}
	s.fail[method] = err
}

// Calls returns how many times the named method was invoked
func (s *Store) Calls(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[method]
}

// enter locks the state and returns the injected failure of method, if any.
// The caller must unlock.
func (s *Store) enter(method string) error {
	s.mu.Lock()
	s.calls[method]++
	return s.fail[method]
}

// InTx runs fn and restores the previous state when it fails
func (s *Store) InTx(_ context.Context, fn func(q store.Queries) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.Lock()
	snapshot := s.st.clone()
	s.mu.Unlock()

	if err := fn(s); err != nil {
		s.mu.Lock()
		s.st = snapshot
		s.mu.Unlock()
		return err
	}
	return nil
}

// Ping always succeeds unless a failure was injected
func (s *Store) Ping(_ context.Context) error {
	err := s.enter("Ping")
	s.mu.Unlock()
	return err
}

// seeding helpers

func (s *Store) id() int64 {
	s.st.nextID++
	return s.st.nextID
}

// AddConnector inserts a connector
func (s *Store) AddConnector(name string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.id()
	s.st.connectors[id] = name
	return id
}

// AddCredential inserts a credential owned by the given user email, which may be empty
func (s *Store) AddCredential(userEmail string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.id()
	s.st.credentials[id] = userEmail
	return id
}

// AddCCPair inserts an active connector credential pair
func (s *Store) AddCCPair(connectorID, credentialID int64, name string, isPublic bool) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.id()
	s.st.pairs[id] = store.ConnectorCredentialPair{
		ID:           id,
		ConnectorID:  connectorID,
		CredentialID: credentialID,
		Name:         name,
		Status:       store.CCPairStatusActive,
		IsPublic:     isPublic,
	}
	return id
}

// AddDocument inserts or replaces a document and links it to the given pairs
func (s *Store) AddDocument(doc store.Document, pairIDs ...int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if doc.LastModified.IsZero() {
		doc.LastModified = s.now()
	}
	s.st.documents[doc.ID] = doc
	links := s.st.docPairs[doc.ID]
	if links == nil {
		links = map[store.CCPairKey]struct{}{}
		s.st.docPairs[doc.ID] = links
	}
	for _, pid := range pairIDs {
		links[s.st.pairs[pid].Key()] = struct{}{}
	}
}

// TouchDocument marks a document modified at the given time and in need of sync
func (s *Store) TouchDocument(id string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.st.documents[id]
	d.LastModified = at
	d.NeedsSync = true
	s.st.documents[id] = d
}

// AddDocumentSet inserts an outdated document set with current memberships of the given pairs
func (s *Store) AddDocumentSet(name string, pairIDs ...int64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.id()
	s.st.sets[id] = store.DocumentSet{ID: id, Name: name}
	for _, pid := range pairIDs {
		s.st.setPairs[id] = append(s.st.setPairs[id], membership{pairID: pid, isCurrent: true})
	}
	return id
}

// RemoveDocumentSetPair marks a membership as no longer current and the set as outdated
func (s *Store) RemoveDocumentSetPair(setID, pairID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, m := range s.st.setPairs[setID] {
		if m.pairID == pairID {
			s.st.setPairs[setID][i].isCurrent = false
		}
	}
	set := s.st.sets[setID]
	set.IsUpToDate = false
	s.st.sets[setID] = set
}

// AddUserGroup inserts an outdated user group with current memberships of the given pairs
func (s *Store) AddUserGroup(name string, pairIDs ...int64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.id()
	s.st.groups[id] = store.UserGroup{ID: id, Name: name}
	for _, pid := range pairIDs {
		s.st.groupPairs[id] = append(s.st.groupPairs[id], membership{pairID: pid, isCurrent: true})
	}
	return id
}

// MarkUserGroupForDeletion flags a group to be deleted once its documents are synced
func (s *Store) MarkUserGroupForDeletion(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g := s.st.groups[id]
	g.IsUpForDeletion = true
	g.IsUpToDate = false
	s.st.groups[id] = g
}

// AddIndexAttempt records an index attempt of a pair
func (s *Store) AddIndexAttempt(pairID int64, status store.IndexAttemptStatus, created time.Time) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.id()
	s.st.attempts[id] = store.IndexAttempt{ID: id, CCPairID: pairID, Status: status, TimeCreated: created}
	return id
}

// HasConnector reports whether the connector row exists
func (s *Store) HasConnector(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.st.connectors[id]
	return ok
}

// IndexAttemptCount returns the number of index attempts of a pair
func (s *Store) IndexAttemptCount(pairID int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, a := range s.st.attempts {
		if a.CCPairID == pairID {
			n++
		}
	}
	return n
}

// DocumentSetPairCount returns the number of memberships, current or not, that reference a pair
func (s *Store) DocumentSetPairCount(pairID int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, ms := range s.st.setPairs {
		for _, m := range ms {
			if m.pairID == pairID {
				n++
			}
		}
	}
	return n
}

func (s *Store) pairByKey(key store.CCPairKey) (store.ConnectorCredentialPair, bool) {
	for _, p := range s.st.pairs {
		if p.Key() == key {
			return p, true
		}
	}
	return store.ConnectorCredentialPair{}, false
}

func sortedIDs(ids map[string]struct{}) iter.Seq2[string, error] {
	sorted := slices.Sorted(maps.Keys(ids))
	return func(yield func(string, error) bool) {
		for _, id := range sorted {
			if !yield(id, nil) {
				return
			}
		}
	}
}

func failing(err error) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		yield("", err)
	}
}

func notFound(what string, id any) error {
	return fmt.Errorf("%s %v: %w", what, id, store.ErrNotFound)
}
