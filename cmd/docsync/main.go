// Package main is the entry point for docsync.
package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/viper"
	"go.opentelemetry.io/otel/trace"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/stacklok/docsync/cmd/docsync/app"
	"github.com/stacklok/docsync/internal/config"
)

const (
	logFileMaxSizeMB  = 100
	logFileMaxBackups = 5
	logFileMaxAgeDays = 28
)

// newEnv returns a viper instance reading DOCSYNC_ prefixed environment variables
func newEnv() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(config.EnvPrefix)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	return v
}

// getLogLevel parses the DOCSYNC_LOG_LEVEL environment variable and returns the corresponding slog.Level.
// Falls back to LOG_LEVEL. Defaults to slog.LevelInfo if neither is set or if the value is invalid.
func getLogLevel(v *viper.Viper) slog.Level {
	levelStr := v.GetString("LOG_LEVEL")

	if levelStr == "" {
		levelStr = os.Getenv("LOG_LEVEL")
	}

	switch strings.ToLower(levelStr) {
	case "debug":
		return slog.LevelDebug
	case "info", "":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		slog.Warn("Invalid LOG_LEVEL, using INFO", "value", levelStr)
		return slog.LevelInfo
	}
}

// logOutput is stderr, plus a rotated file when DOCSYNC_LOG_FILE is set.
// stdout stays clean for commands that print data (e.g., version --format json).
func logOutput(v *viper.Viper) io.Writer {
	path := v.GetString("LOG_FILE")
	if path == "" {
		return os.Stderr
	}
	return io.MultiWriter(os.Stderr, &lumberjack.Logger{
		Filename:   path,
		MaxSize:    logFileMaxSizeMB,
		MaxBackups: logFileMaxBackups,
		MaxAge:     logFileMaxAgeDays,
		Compress:   true,
	})
}

// traceHandler wraps an slog.Handler to automatically inject OpenTelemetry
// trace_id and span_id into every log record, enabling log-trace correlation.
type traceHandler struct {
	slog.Handler
}

func (h *traceHandler) Handle(ctx context.Context, r slog.Record) error {
	span := trace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		r.AddAttrs(
			slog.String("trace_id", span.SpanContext().TraceID().String()),
			slog.String("span_id", span.SpanContext().SpanID().String()),
		)
	}
	return h.Handler.Handle(ctx, r)
}

func (h *traceHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &traceHandler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h *traceHandler) WithGroup(name string) slog.Handler {
	return &traceHandler{Handler: h.Handler.WithGroup(name)}
}

func main() {
	env := newEnv()
	baseHandler := slog.NewJSONHandler(logOutput(env), &slog.HandlerOptions{Level: getLogLevel(env)})
	slog.SetDefault(slog.New(&traceHandler{Handler: baseHandler}))

	if err := app.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
