// Package app provides application lifecycle management for docsync.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/stacklok/docsync/internal/config"
)

// SyncApp runs the components of the configured roles and stops them together
type SyncApp struct {
	config     *config.Config
	roles      []Role
	components *AppComponents
	httpServer *http.Server

	// Lifecycle management
	ctx        context.Context
	cancelFunc context.CancelFunc
	cleanup    func()
	done       chan struct{}

	shutdownOnce sync.Once
	shutdownErr  error
}

// Start runs the worker pool, the beat and the HTTP server of the configured
// roles. It blocks until Stop is called or one of them fails, which stops the
// others.
func (app *SyncApp) Start() error {
	defer close(app.done)

	g, ctx := errgroup.WithContext(app.ctx)

	if pool := app.components.Pool; pool != nil {
		g.Go(func() error {
			if err := pool.Run(ctx); err != nil {
				return fmt.Errorf("worker pool failed: %w", err)
			}
			return nil
		})
	}

	if beat := app.components.Beat; beat != nil {
		g.Go(func() error {
			if err := beat.Start(ctx); err != nil {
				return fmt.Errorf("beat failed: %w", err)
			}
			return nil
		})
	}

	if app.httpServer != nil {
		g.Go(func() error {
			slog.Info("Server listening", "address", app.httpServer.Addr)
			if err := app.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("HTTP server failed: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			return app.shutdownHTTP(defaultWriteTimeout)
		})
	}

	slog.Info("docsync started", "roles", app.roles)
	return g.Wait()
}

// Stop gracefully stops the application with the given timeout. Backend
// connections are closed once Start returned or the timeout passed.
func (app *SyncApp) Stop(timeout time.Duration) error {
	slog.Info("Shutting down docsync...")

	if beat := app.components.Beat; beat != nil {
		if err := beat.Stop(); err != nil {
			slog.Error("Failed to stop beat", "error", err)
		}
	}

	err := app.shutdownHTTP(timeout)
	app.cancelFunc()

	select {
	case <-app.done:
	case <-time.After(timeout):
		slog.Warn("Components did not stop in time", "timeout", timeout)
	}

	app.cleanup()

	if err != nil {
		return err
	}
	slog.Info("Shutdown complete")
	return nil
}

// shutdownHTTP stops the HTTP server once; later calls return the first result
func (app *SyncApp) shutdownHTTP(timeout time.Duration) error {
	if app.httpServer == nil {
		return nil
	}

	app.shutdownOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if err := app.httpServer.Shutdown(ctx); err != nil {
			app.shutdownErr = fmt.Errorf("server forced to shutdown: %w", err)
		}
	})
	return app.shutdownErr
}

// GetConfig returns the application configuration
func (app *SyncApp) GetConfig() *config.Config {
	return app.config
}

// GetComponents returns the built components
func (app *SyncApp) GetComponents() *AppComponents {
	return app.components
}

// GetHTTPServer returns the HTTP server, nil when the API role is not run
func (app *SyncApp) GetHTTPServer() *http.Server {
	return app.httpServer
}
