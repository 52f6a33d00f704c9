// Package helpers provides utilities for the docsync integration tests.
package helpers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"regexp"
	"sync"
)

var selectionPattern = regexp.MustCompile(`\.document_id=="((?:[^"\\]|\\.)*)"$`)

// VespaUpdate is the body of a selection update as received by the fake
type VespaUpdate struct {
	Fields map[string]struct {
		Assign json.RawMessage `json:"assign"`
	} `json:"fields"`
}

// DocumentSets returns the assigned document sets, or nil when not assigned
func (u VespaUpdate) DocumentSets() []string {
	return u.weightedSet("document_sets")
}

// ACL returns the assigned access control entries, or nil when not assigned
func (u VespaUpdate) ACL() []string {
	return u.weightedSet("access_control_list")
}

func (u VespaUpdate) weightedSet(field string) []string {
	f, ok := u.Fields[field]
	if !ok {
		return nil
	}
	var set map[string]int
	if err := json.Unmarshal(f.Assign, &set); err != nil {
		return nil
	}
	values := make([]string, 0, len(set))
	for v := range set {
		values = append(values, v)
	}
	return values
}

// FakeVespa serves the subset of the Vespa document and state APIs used by docsync
type FakeVespa struct {
	*httptest.Server

	mu       sync.Mutex
	updates  map[string][]VespaUpdate
	deleted  map[string]int
	failures map[string]int
}

// NewFakeVespa starts a fake Vespa cluster reporting the given version
func NewFakeVespa(version string) *FakeVespa {
	f := &FakeVespa{
		updates:  map[string][]VespaUpdate{},
		deleted:  map[string]int{},
		failures: map[string]int{},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /state/v1/version", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprintf(w, `{"version":%q}`, version)
	})
	mux.HandleFunc("/document/v1/{namespace}/{doctype}/docid/", f.handleDocument)
	f.Server = httptest.NewServer(mux)
	return f
}

// FailDocument makes the next n requests for the document answer 500
func (f *FakeVespa) FailDocument(documentID string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[documentID] = n
}

// Updates returns every update received for the document
func (f *FakeVespa) Updates(documentID string) []VespaUpdate {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]VespaUpdate(nil), f.updates[documentID]...)
}

// Deleted reports whether a delete was received for the document
func (f *FakeVespa) Deleted(documentID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.deleted[documentID] > 0
}

func (f *FakeVespa) handleDocument(w http.ResponseWriter, r *http.Request) {
	m := selectionPattern.FindStringSubmatch(r.URL.Query().Get("selection"))
	if m == nil {
		http.Error(w, "missing selection", http.StatusBadRequest)
		return
	}
	documentID := m[1]

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failures[documentID] > 0 {
		f.failures[documentID]--
		http.Error(w, "content cluster unavailable", http.StatusInternalServerError)
		return
	}

	switch r.Method {
	case http.MethodPut:
		var update VespaUpdate
		if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.updates[documentID] = append(f.updates[documentID], update)
	case http.MethodDelete:
		f.deleted[documentID]++
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"documentCount":1}`))
}
