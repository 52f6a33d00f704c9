package index

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/tidwall/gjson"

	"github.com/stacklok/docsync/internal/httpclient"
	"github.com/stacklok/docsync/internal/versions"
)

const (
	defaultMaxTries       = 4
	defaultMaxElapsedTime = 30 * time.Second
	// DefaultMinVersion is the oldest cluster accepting selection based updates and removals
	DefaultMinVersion = "8.0.0"
)

// VespaConfig locates the content cluster
type VespaConfig struct {
	BaseURL      string
	Namespace    string
	DocumentType string
	Cluster      string
	MinVersion   string
	Timeout      time.Duration
}

// VespaIndex is the Vespa implementation of DocumentIndex. Every document is
// stored as several chunks sharing a document_id field, so updates and
// removals address chunks through a selection on that field.
type VespaIndex struct {
	cfg      VespaConfig
	client   httpclient.Client
	maxTries uint
	maxTime  time.Duration
	backOff  func() backoff.BackOff
}

var _ DocumentIndex = (*VespaIndex)(nil)

// VespaOption configures a VespaIndex
type VespaOption func(*VespaIndex)

// WithHTTPClient replaces the HTTP client
func WithHTTPClient(client httpclient.Client) VespaOption {
	return func(v *VespaIndex) {
		v.client = client
	}
}

// WithRetry bounds retries of transient failures
func WithRetry(maxTries uint, maxElapsed time.Duration, b func() backoff.BackOff) VespaOption {
	return func(v *VespaIndex) {
		v.maxTries = maxTries
		v.maxTime = maxElapsed
		if b != nil {
			v.backOff = b
		}
	}
}

// NewVespaIndex creates a Vespa client
func NewVespaIndex(cfg VespaConfig, opts ...VespaOption) (*VespaIndex, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("vespa base URL is required")
	}
	if cfg.Namespace == "" || cfg.DocumentType == "" {
		return nil, fmt.Errorf("vespa namespace and document type are required")
	}
	if cfg.MinVersion == "" {
		cfg.MinVersion = DefaultMinVersion
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	v := &VespaIndex{
		cfg:      cfg,
		client:   httpclient.NewDefaultClient(cfg.Timeout),
		maxTries: defaultMaxTries,
		maxTime:  defaultMaxElapsedTime,
		backOff:  func() backoff.BackOff { return backoff.NewExponentialBackOff() },
	}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

type assign[T any] struct {
	Assign T `json:"assign"`
}

type updateFields struct {
	AccessControlList *assign[map[string]int] `json:"access_control_list,omitempty"`
	DocumentSets      *assign[map[string]int] `json:"document_sets,omitempty"`
	Boost             *assign[int]            `json:"boost,omitempty"`
	Hidden            *assign[bool]           `json:"hidden,omitempty"`
}

type updateBody struct {
	Fields updateFields `json:"fields"`
}

// weightedSet renders a list as a Vespa weighted set with unit weights
func weightedSet(values []string) *assign[map[string]int] {
	set := make(map[string]int, len(values))
	for _, v := range values {
		set[v] = 1
	}
	return &assign[map[string]int]{Assign: set}
}

func buildUpdate(req UpdateRequest) updateBody {
	var body updateBody
	if req.ACL != nil {
		body.Fields.AccessControlList = weightedSet(req.ACL)
	}
	if req.DocumentSets != nil {
		body.Fields.DocumentSets = weightedSet(req.DocumentSets)
	}
	if req.Boost != nil {
		body.Fields.Boost = &assign[int]{Assign: *req.Boost}
	}
	if req.Hidden != nil {
		body.Fields.Hidden = &assign[bool]{Assign: *req.Hidden}
	}
	return body
}

// selectionURL addresses every chunk of a document
func (v *VespaIndex) selectionURL(documentID string) string {
	q := url.Values{}
	// Vespa document selection string literals use double quotes with backslash escapes
	escaped := strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(documentID)
	q.Set("selection", fmt.Sprintf(`%s.document_id=="%s"`, v.cfg.DocumentType, escaped))
	if v.cfg.Cluster != "" {
		q.Set("cluster", v.cfg.Cluster)
	}
	return fmt.Sprintf("%s/document/v1/%s/%s/docid/?%s",
		v.cfg.BaseURL, url.PathEscape(v.cfg.Namespace), url.PathEscape(v.cfg.DocumentType), q.Encode())
}

// Update applies every request, one selection update per document
func (v *VespaIndex) Update(ctx context.Context, requests []UpdateRequest) error {
	for _, req := range requests {
		body, err := json.Marshal(buildUpdate(req))
		if err != nil {
			return fmt.Errorf("failed to encode update: %w", err)
		}
		for _, id := range req.DocumentIDs {
			if err := v.send(ctx, http.MethodPut, v.selectionURL(id), body); err != nil {
				return fmt.Errorf("failed to update document %s: %w", id, err)
			}
		}
	}
	return nil
}

// Delete removes every chunk of the documents
func (v *VespaIndex) Delete(ctx context.Context, documentIDs []string) error {
	for _, id := range documentIDs {
		err := v.send(ctx, http.MethodDelete, v.selectionURL(id), nil)
		var httpErr *httpclient.HTTPError
		if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusNotFound {
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to delete document %s: %w", id, err)
		}
	}
	return nil
}

// EnsureIndicesExist checks that the cluster answers and runs a recent enough version
func (v *VespaIndex) EnsureIndicesExist(ctx context.Context) error {
	var data []byte
	err := v.retry(ctx, func() error {
		var err error
		data, err = v.client.Get(ctx, v.cfg.BaseURL+"/state/v1/version")
		return err
	})
	if err != nil {
		return fmt.Errorf("vespa is not reachable: %w", err)
	}

	version := gjson.GetBytes(data, "version")
	if !gjson.ValidBytes(data) || version.Type != gjson.String {
		return fmt.Errorf("failed to decode vespa version from %q", data)
	}
	ok, err := versions.AtLeast(version.Str, v.cfg.MinVersion)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("vespa %s is older than the required %s", version.Str, v.cfg.MinVersion)
	}
	slog.Info("Vespa index is reachable", "version", version.Str, "namespace", v.cfg.Namespace)
	return nil
}

func (v *VespaIndex) send(ctx context.Context, method, target string, body []byte) error {
	return v.retry(ctx, func() error {
		_, err := v.client.Do(ctx, method, target, body)
		return err
	})
}

// retry repeats op on transport errors and retryable statuses
func (v *VespaIndex) retry(ctx context.Context, op func() error) error {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := op()
		var httpErr *httpclient.HTTPError
		if errors.As(err, &httpErr) && !httpErr.Retryable() {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(v.backOff()),
		backoff.WithMaxTries(v.maxTries),
		backoff.WithMaxElapsedTime(v.maxTime),
		backoff.WithNotify(func(err error, d time.Duration) {
			slog.Debug("Retrying vespa request", "error", err, "backoff", d)
		}),
	)
	return err
}
