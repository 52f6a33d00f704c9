package helpers

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/stacklok/docsync/internal/app"
	"github.com/stacklok/docsync/internal/config"
	"github.com/stacklok/docsync/internal/store"
)

const configTemplate = `database:
  host: localhost
  port: 5432
  user: docsync
  database: docsync
redis:
  address: %s
index:
  vespa:
    url: %s
    timeout: 2s
scheduler:
  checkForSyncInterval: 100ms
  monitorSyncInterval: 100ms
  checkForDeletionInterval: 200ms
  jitter: 0
worker:
  concurrency: 4
  pollInterval: 20ms
  reapInterval: 1s
extensions:
  userGroups: true
`

// WriteConfigYAML writes a docsync config pointing at the given redis and vespa
func WriteConfigYAML(dir, redisAddr, vespaURL string) (string, error) {
	path := filepath.Join(dir, "config.yaml")
	content := fmt.Sprintf(configTemplate, redisAddr, vespaURL)
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		return "", fmt.Errorf("failed to write config: %w", err)
	}
	return path, nil
}

// AppTestHelper runs every docsync role in process against miniredis and a fake vespa
type AppTestHelper struct {
	Redis   *miniredis.Miniredis
	Vespa   *FakeVespa
	BaseURL string

	app    *app.SyncApp
	client redis.UniversalClient
	errCh  chan error
}

// StartApp loads the config written to dir and starts the app with st as its store
func StartApp(ctx context.Context, dir string, st store.Store) (*AppTestHelper, error) {
	mr, err := miniredis.Run()
	if err != nil {
		return nil, fmt.Errorf("failed to start miniredis: %w", err)
	}
	vespa := NewFakeVespa("8.420.11")

	h := &AppTestHelper{
		Redis:  mr,
		Vespa:  vespa,
		client: redis.NewClient(&redis.Options{Addr: mr.Addr()}),
		errCh:  make(chan error, 1),
	}

	path, err := WriteConfigYAML(dir, mr.Addr(), vespa.URL)
	if err != nil {
		h.close()
		return nil, err
	}
	cfg, err := config.LoadConfig(config.WithConfigPath(path))
	if err != nil {
		h.close()
		return nil, err
	}

	addr, err := freeAddress()
	if err != nil {
		h.close()
		return nil, err
	}
	h.BaseURL = "http://" + addr

	h.app, err = app.NewSyncApp(ctx,
		app.WithConfig(cfg),
		app.WithAddress(addr),
		app.WithStore(st),
		app.WithRedisClient(h.client),
		app.WithReadyTimeout(5*time.Second),
	)
	if err != nil {
		h.close()
		return nil, fmt.Errorf("failed to build app: %w", err)
	}

	go func() { h.errCh <- h.app.Start() }()
	return h, nil
}

// Stop shuts the app down and releases the fakes
func (h *AppTestHelper) Stop() error {
	defer h.close()
	if err := h.app.Stop(10 * time.Second); err != nil {
		return err
	}
	select {
	case err := <-h.errCh:
		return err
	case <-time.After(10 * time.Second):
		return fmt.Errorf("app did not stop")
	}
}

func (h *AppTestHelper) close() {
	_ = h.client.Close()
	h.Vespa.Close()
	h.Redis.Close()
}

// Get issues a GET against the ops API and returns the status code and body
func (h *AppTestHelper) Get(path string) (int, []byte, error) {
	return h.do(http.MethodGet, path)
}

// Post issues an empty POST against the ops API
func (h *AppTestHelper) Post(path string) (int, []byte, error) {
	return h.do(http.MethodPost, path)
}

func (h *AppTestHelper) do(method, path string) (int, []byte, error) {
	req, err := http.NewRequest(method, h.BaseURL+path, nil)
	if err != nil {
		return 0, nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	body, err := io.ReadAll(resp.Body)
	return resp.StatusCode, body, err
}

// freeAddress returns a loopback address with a port nothing listens on
func freeAddress() (string, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", err
	}
	addr := l.Addr().String()
	if err := l.Close(); err != nil {
		return "", err
	}
	return addr, nil
}
