package memory

import (
	"context"
	"iter"
	"maps"
	"slices"
	"time"

	"github.com/stacklok/docsync/internal/store"
)

func (s *Store) GetCCPair(_ context.Context, id int64) (*store.ConnectorCredentialPair, error) {
	if err := s.enter("GetCCPair"); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	defer s.mu.Unlock()
	p, ok := s.st.pairs[id]
	if !ok {
		return nil, notFound("connector credential pair", id)
	}
	return &p, nil
}

func (s *Store) GetCCPairByKey(_ context.Context, key store.CCPairKey) (*store.ConnectorCredentialPair, error) {
	if err := s.enter("GetCCPairByKey"); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	defer s.mu.Unlock()
	p, ok := s.pairByKey(key)
	if !ok {
		return nil, notFound("connector credential pair", key)
	}
	return &p, nil
}

func (s *Store) ListCCPairs(_ context.Context) ([]store.ConnectorCredentialPair, error) {
	if err := s.enter("ListCCPairs"); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	defer s.mu.Unlock()
	out := make([]store.ConnectorCredentialPair, 0, len(s.st.pairs))
	for _, id := range slices.Sorted(maps.Keys(s.st.pairs)) {
		out = append(out, s.st.pairs[id])
	}
	return out, nil
}

func (s *Store) SetCCPairStatus(_ context.Context, id int64, status store.CCPairStatus) error {
	if err := s.enter("SetCCPairStatus"); err != nil {
		s.mu.Unlock()
		return err
	}
	defer s.mu.Unlock()
	p, ok := s.st.pairs[id]
	if !ok {
		return notFound("connector credential pair", id)
	}
	p.Status = status
	s.st.pairs[id] = p
	return nil
}

func (s *Store) SetCCPairDeletionFailure(_ context.Context, id int64, message string) error {
	if err := s.enter("SetCCPairDeletionFailure"); err != nil {
		s.mu.Unlock()
		return err
	}
	defer s.mu.Unlock()
	p, ok := s.st.pairs[id]
	if !ok {
		return notFound("connector credential pair", id)
	}
	p.DeletionFailureMessage = &message
	s.st.pairs[id] = p
	return nil
}

func (s *Store) DeleteCCPair(_ context.Context, id int64) error {
	if err := s.enter("DeleteCCPair"); err != nil {
		s.mu.Unlock()
		return err
	}
	defer s.mu.Unlock()
	delete(s.st.pairs, id)
	return nil
}

func (s *Store) CountConnectorCCPairs(_ context.Context, connectorID int64) (int64, error) {
	if err := s.enter("CountConnectorCCPairs"); err != nil {
		s.mu.Unlock()
		return 0, err
	}
	defer s.mu.Unlock()
	var n int64
	for _, p := range s.st.pairs {
		if p.ConnectorID == connectorID {
			n++
		}
	}
	return n, nil
}

func (s *Store) DeleteConnector(_ context.Context, connectorID int64) error {
	if err := s.enter("DeleteConnector"); err != nil {
		s.mu.Unlock()
		return err
	}
	defer s.mu.Unlock()
	delete(s.st.connectors, connectorID)
	return nil
}

func (s *Store) LatestIndexAttempt(_ context.Context, ccPairID int64) (*store.IndexAttempt, error) {
	if err := s.enter("LatestIndexAttempt"); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	defer s.mu.Unlock()
	var latest *store.IndexAttempt
	for _, a := range s.st.attempts {
		if a.CCPairID != ccPairID {
			continue
		}
		if latest == nil || a.TimeCreated.After(latest.TimeCreated) ||
			(a.TimeCreated.Equal(latest.TimeCreated) && a.ID > latest.ID) {
			latest = &a
		}
	}
	if latest == nil {
		return nil, notFound("index attempt for pair", ccPairID)
	}
	return latest, nil
}

func (s *Store) DeleteIndexAttempts(_ context.Context, ccPairID int64) error {
	if err := s.enter("DeleteIndexAttempts"); err != nil {
		s.mu.Unlock()
		return err
	}
	defer s.mu.Unlock()
	for id, a := range s.st.attempts {
		if a.CCPairID == ccPairID {
			delete(s.st.attempts, id)
		}
	}
	return nil
}

func (s *Store) GetDocument(_ context.Context, id string) (*store.Document, error) {
	if err := s.enter("GetDocument"); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	defer s.mu.Unlock()
	d, ok := s.st.documents[id]
	if !ok {
		return nil, notFound("document", id)
	}
	return &d, nil
}

func (s *Store) CountStaleDocuments(_ context.Context) (int64, error) {
	if err := s.enter("CountStaleDocuments"); err != nil {
		s.mu.Unlock()
		return 0, err
	}
	defer s.mu.Unlock()
	var n int64
	for id, d := range s.st.documents {
		if d.NeedsSync && len(s.st.docPairs[id]) > 0 {
			n++
		}
	}
	return n, nil
}

func (s *Store) StaleDocumentIDs(_ context.Context, key store.CCPairKey) iter.Seq2[string, error] {
	if err := s.enter("StaleDocumentIDs"); err != nil {
		s.mu.Unlock()
		return failing(err)
	}
	defer s.mu.Unlock()
	ids := map[string]struct{}{}
	for id, links := range s.st.docPairs {
		if _, ok := links[key]; ok && s.st.documents[id].NeedsSync {
			ids[id] = struct{}{}
		}
	}
	return sortedIDs(ids)
}

func (s *Store) DocumentIDsForCCPair(_ context.Context, key store.CCPairKey) iter.Seq2[string, error] {
	if err := s.enter("DocumentIDsForCCPair"); err != nil {
		s.mu.Unlock()
		return failing(err)
	}
	defer s.mu.Unlock()
	ids := map[string]struct{}{}
	for id, links := range s.st.docPairs {
		if _, ok := links[key]; ok {
			ids[id] = struct{}{}
		}
	}
	return sortedIDs(ids)
}

// documentPairs returns the pairs linked to a document minus the excluded one
func (s *Store) documentPairs(documentID string, exclude *store.CCPairKey) []store.ConnectorCredentialPair {
	var out []store.ConnectorCredentialPair
	for key := range s.st.docPairs[documentID] {
		if exclude != nil && key == *exclude {
			continue
		}
		if p, ok := s.pairByKey(key); ok {
			out = append(out, p)
		}
	}
	return out
}

func (s *Store) DocumentSetNames(_ context.Context, documentID string, exclude *store.CCPairKey) ([]string, error) {
	if err := s.enter("DocumentSetNames"); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	defer s.mu.Unlock()
	var names []string
	for _, p := range s.documentPairs(documentID, exclude) {
		for setID, ms := range s.st.setPairs {
			for _, m := range ms {
				if m.pairID == p.ID && m.isCurrent {
					names = append(names, s.st.sets[setID].Name)
				}
			}
		}
	}
	slices.Sort(names)
	return slices.Compact(names), nil
}

func (s *Store) DocumentAccess(_ context.Context, documentID string, exclude *store.CCPairKey) (store.Access, error) {
	if err := s.enter("DocumentAccess"); err != nil {
		s.mu.Unlock()
		return store.Access{}, err
	}
	defer s.mu.Unlock()
	a := store.Access{UserEmails: []string{}, UserGroups: []string{}}
	for _, p := range s.documentPairs(documentID, exclude) {
		a.IsPublic = a.IsPublic || p.IsPublic
		if email := s.st.credentials[p.CredentialID]; email != "" {
			a.UserEmails = append(a.UserEmails, email)
		}
		for groupID, ms := range s.st.groupPairs {
			for _, m := range ms {
				if m.pairID == p.ID && m.isCurrent {
					a.UserGroups = append(a.UserGroups, s.st.groups[groupID].Name)
				}
			}
		}
	}
	slices.Sort(a.UserEmails)
	a.UserEmails = slices.Compact(a.UserEmails)
	slices.Sort(a.UserGroups)
	a.UserGroups = slices.Compact(a.UserGroups)
	return a, nil
}

func (s *Store) MarkDocumentSynced(_ context.Context, documentID string, observedModified time.Time) error {
	if err := s.enter("MarkDocumentSynced"); err != nil {
		s.mu.Unlock()
		return err
	}
	defer s.mu.Unlock()
	d, ok := s.st.documents[documentID]
	if !ok || d.LastModified.After(observedModified) {
		return nil
	}
	now := s.now()
	d.NeedsSync = false
	d.LastSynced = &now
	s.st.documents[documentID] = d
	return nil
}

func (s *Store) CountDocumentCCPairs(_ context.Context, documentID string) (int64, error) {
	if err := s.enter("CountDocumentCCPairs"); err != nil {
		s.mu.Unlock()
		return 0, err
	}
	defer s.mu.Unlock()
	return int64(len(s.st.docPairs[documentID])), nil
}

func (s *Store) DeleteDocumentCCPairLink(_ context.Context, documentID string, key store.CCPairKey) error {
	if err := s.enter("DeleteDocumentCCPairLink"); err != nil {
		s.mu.Unlock()
		return err
	}
	defer s.mu.Unlock()
	if links, ok := s.st.docPairs[documentID]; ok {
		// copy on write keeps transaction snapshots intact
		links = maps.Clone(links)
		delete(links, key)
		s.st.docPairs[documentID] = links
	}
	return nil
}

func (s *Store) DeleteDocuments(_ context.Context, documentIDs []string) error {
	if err := s.enter("DeleteDocuments"); err != nil {
		s.mu.Unlock()
		return err
	}
	defer s.mu.Unlock()
	for _, id := range documentIDs {
		delete(s.st.docPairs, id)
		delete(s.st.documents, id)
	}
	return nil
}

func (s *Store) GetDocumentSet(_ context.Context, id int64) (*store.DocumentSet, error) {
	if err := s.enter("GetDocumentSet"); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	defer s.mu.Unlock()
	set, ok := s.st.sets[id]
	if !ok {
		return nil, notFound("document set", id)
	}
	return &set, nil
}

func (s *Store) ListOutdatedDocumentSets(_ context.Context) ([]store.DocumentSet, error) {
	if err := s.enter("ListOutdatedDocumentSets"); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	defer s.mu.Unlock()
	var out []store.DocumentSet
	for _, id := range slices.Sorted(maps.Keys(s.st.sets)) {
		if set := s.st.sets[id]; !set.IsUpToDate {
			out = append(out, set)
		}
	}
	return out, nil
}

// documentsOf returns the documents reachable through any membership, current or not
func (s *Store) documentsOf(ms []membership) map[string]struct{} {
	ids := map[string]struct{}{}
	for _, m := range ms {
		key := s.st.pairs[m.pairID].Key()
		for id, links := range s.st.docPairs {
			if _, ok := links[key]; ok {
				ids[id] = struct{}{}
			}
		}
	}
	return ids
}

func (s *Store) DocumentIDsForDocumentSet(_ context.Context, setID int64) iter.Seq2[string, error] {
	if err := s.enter("DocumentIDsForDocumentSet"); err != nil {
		s.mu.Unlock()
		return failing(err)
	}
	defer s.mu.Unlock()
	return sortedIDs(s.documentsOf(s.st.setPairs[setID]))
}

func (s *Store) CountDocumentSetCCPairs(_ context.Context, setID int64) (int64, error) {
	if err := s.enter("CountDocumentSetCCPairs"); err != nil {
		s.mu.Unlock()
		return 0, err
	}
	defer s.mu.Unlock()
	var n int64
	for _, m := range s.st.setPairs[setID] {
		if m.isCurrent {
			n++
		}
	}
	return n, nil
}

func currentOnly(ms []membership) []membership {
	return slices.DeleteFunc(slices.Clone(ms), func(m membership) bool { return !m.isCurrent })
}

func (s *Store) MarkDocumentSetSynced(_ context.Context, setID int64) error {
	if err := s.enter("MarkDocumentSetSynced"); err != nil {
		s.mu.Unlock()
		return err
	}
	defer s.mu.Unlock()
	set, ok := s.st.sets[setID]
	if !ok {
		return notFound("document set", setID)
	}
	set.IsUpToDate = true
	s.st.sets[setID] = set
	s.st.setPairs[setID] = currentOnly(s.st.setPairs[setID])
	return nil
}

func (s *Store) DeleteDocumentSet(_ context.Context, setID int64) error {
	if err := s.enter("DeleteDocumentSet"); err != nil {
		s.mu.Unlock()
		return err
	}
	defer s.mu.Unlock()
	delete(s.st.setPairs, setID)
	delete(s.st.sets, setID)
	return nil
}

func withoutPair(ms []membership, pairID int64) []membership {
	return slices.DeleteFunc(slices.Clone(ms), func(m membership) bool { return m.pairID == pairID })
}

func (s *Store) DeleteDocumentSetCCPairLinks(_ context.Context, ccPairID int64) error {
	if err := s.enter("DeleteDocumentSetCCPairLinks"); err != nil {
		s.mu.Unlock()
		return err
	}
	defer s.mu.Unlock()
	for id, ms := range s.st.setPairs {
		s.st.setPairs[id] = withoutPair(ms, ccPairID)
	}
	return nil
}

func (s *Store) GetUserGroup(_ context.Context, id int64) (*store.UserGroup, error) {
	if err := s.enter("GetUserGroup"); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	defer s.mu.Unlock()
	g, ok := s.st.groups[id]
	if !ok {
		return nil, notFound("user group", id)
	}
	return &g, nil
}

func (s *Store) ListOutdatedUserGroups(_ context.Context) ([]store.UserGroup, error) {
	if err := s.enter("ListOutdatedUserGroups"); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	defer s.mu.Unlock()
	var out []store.UserGroup
	for _, id := range slices.Sorted(maps.Keys(s.st.groups)) {
		if g := s.st.groups[id]; !g.IsUpToDate {
			out = append(out, g)
		}
	}
	return out, nil
}

func (s *Store) DocumentIDsForUserGroup(_ context.Context, groupID int64) iter.Seq2[string, error] {
	if err := s.enter("DocumentIDsForUserGroup"); err != nil {
		s.mu.Unlock()
		return failing(err)
	}
	defer s.mu.Unlock()
	return sortedIDs(s.documentsOf(s.st.groupPairs[groupID]))
}

func (s *Store) MarkUserGroupSynced(_ context.Context, groupID int64) error {
	if err := s.enter("MarkUserGroupSynced"); err != nil {
		s.mu.Unlock()
		return err
	}
	defer s.mu.Unlock()
	g, ok := s.st.groups[groupID]
	if !ok {
		return notFound("user group", groupID)
	}
	g.IsUpToDate = true
	s.st.groups[groupID] = g
	s.st.groupPairs[groupID] = currentOnly(s.st.groupPairs[groupID])
	return nil
}

func (s *Store) DeleteUserGroup(_ context.Context, groupID int64) error {
	if err := s.enter("DeleteUserGroup"); err != nil {
		s.mu.Unlock()
		return err
	}
	defer s.mu.Unlock()
	delete(s.st.groupPairs, groupID)
	delete(s.st.groups, groupID)
	return nil
}

func (s *Store) DeleteUserGroupCCPairLinks(_ context.Context, ccPairID int64) error {
	if err := s.enter("DeleteUserGroupCCPairLinks"); err != nil {
		s.mu.Unlock()
		return err
	}
	defer s.mu.Unlock()
	for id, ms := range s.st.groupPairs {
		s.st.groupPairs[id] = withoutPair(ms, ccPairID)
	}
	return nil
}
