// Package httpclient provides the small JSON HTTP client used to talk to the search index.
package httpclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	// DefaultTimeout is used when no timeout is given
	DefaultTimeout = 30 * time.Second
	// MaxResponseSize caps how much of a response body is read
	MaxResponseSize = 10 << 20
	userAgent       = "docsync/1.0"
	maxErrorBody    = 512
)

// Client performs JSON requests
type Client interface {
	// Get fetches url and returns the response body
	Get(ctx context.Context, url string) ([]byte, error)
	// Do sends a request with an optional JSON body and returns the response body
	Do(ctx context.Context, method, url string, body []byte) ([]byte, error)
}

type defaultClient struct {
	client *http.Client
}

// NewDefaultClient creates a client with the given timeout, DefaultTimeout when zero
func NewDefaultClient(timeout time.Duration) Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &defaultClient{client: &http.Client{Timeout: timeout}}
}

func (c *defaultClient) Get(ctx context.Context, url string) ([]byte, error) {
	return c.Do(ctx, http.MethodGet, url, nil)
}

func (c *defaultClient) Do(ctx context.Context, method, url string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if len(data) > MaxResponseSize {
		return nil, fmt.Errorf("response body exceeds maximum allowed size of %d bytes", MaxResponseSize)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := string(data)
		if len(msg) > maxErrorBody {
			msg = msg[:maxErrorBody]
		}
		return nil, NewHTTPError(resp.StatusCode, url, msg)
	}
	return data, nil
}
