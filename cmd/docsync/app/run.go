package app

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	syncapp "github.com/stacklok/docsync/internal/app"
	"github.com/stacklok/docsync/internal/telemetry"
	"github.com/stacklok/docsync/internal/versions"
)

const (
	defaultGracefulTimeout = 30 * time.Second // Kubernetes-friendly shutdown time
	telemetryFlushTimeout  = 5 * time.Second
)

func addRunFlags(cmd *cobra.Command) {
	cmd.Flags().String("config", "", "Path to configuration file (YAML format, required)")
	cmd.Flags().Duration("graceful-timeout", defaultGracefulTimeout, "Time allowed for in-flight work to finish on shutdown")
	cmd.Flags().Duration("ready-timeout", time.Minute, "Time allowed for the database and redis to become reachable")
}

// runRoles builds the app for the given roles and runs it until SIGINT or
// SIGTERM arrives or a component fails.
func runRoles(cmd *cobra.Command, roles []syncapp.Role, extra ...syncapp.SyncAppOptions) error {
	v, err := bindFlags(cmd)
	if err != nil {
		return err
	}

	cfg, err := loadConfig(v)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Telemetry != nil && cfg.Telemetry.ServiceVersion == "" {
		cfg.Telemetry.ServiceVersion = versions.GetVersionInfo().Version
	}
	tel, err := telemetry.New(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), telemetryFlushTimeout)
		defer cancel()
		if err := tel.Shutdown(flushCtx); err != nil {
			slog.Error("Failed to shut down telemetry", "error", err)
		}
	}()

	opts := append([]syncapp.SyncAppOptions{
		syncapp.WithConfig(cfg),
		syncapp.WithRoles(roles...),
		syncapp.WithTelemetry(tel),
		syncapp.WithReadyTimeout(v.GetDuration("ready-timeout")),
	}, extra...)

	syncApp, err := syncapp.NewSyncApp(ctx, opts...)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- syncApp.Start()
	}()

	var runErr error
	select {
	case <-ctx.Done():
		slog.Info("Received shutdown signal")
	case runErr = <-errCh:
		if runErr != nil {
			slog.Error("Application failed", "error", runErr)
		}
	}

	if err := syncApp.Stop(v.GetDuration("graceful-timeout")); err != nil {
		slog.Error("Failed to stop application", "error", err)
		if runErr == nil {
			runErr = err
		}
	}
	return runErr
}
