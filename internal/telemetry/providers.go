package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// DefaultMetricsInterval is the push interval for the OTLP metric reader
const DefaultMetricsInterval = 60 * time.Second

func newResource(ctx context.Context, cfg *Config) (*resource.Resource, error) {
	// resource.New avoids schema URL conflicts with resource.Default()
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.GetServiceName()),
			semconv.ServiceVersion(cfg.GetServiceVersion()),
		),
		resource.WithHost(),
		resource.WithTelemetrySDK(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}
	return res, nil
}

// newTracerProvider returns a no-op provider unless tracing is enabled.
func newTracerProvider(ctx context.Context, cfg *Config, res *resource.Resource) (trace.TracerProvider, error) {
	if cfg.Tracing == nil || !cfg.Tracing.Enabled {
		slog.Info("Tracing disabled, using no-op tracer provider")
		return tracenoop.NewTracerProvider(), nil
	}

	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.GetEndpoint())}
	if cfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP trace exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.Tracing.GetSampling()))),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	if cfg.Insecure {
		slog.Warn("Tracing configured with insecure connection, spans are sent over unencrypted HTTP")
	}
	slog.Info("Tracing initialized",
		"endpoint", cfg.GetEndpoint(),
		"sampling_ratio", cfg.Tracing.GetSampling(),
	)
	return tp, nil
}

// newMeterProvider returns a no-op provider unless metrics are enabled. When the
// Prometheus reader is configured the returned handler serves its registry.
func newMeterProvider(
	ctx context.Context, cfg *Config, res *resource.Resource,
) (metric.MeterProvider, http.Handler, error) {
	if cfg.Metrics == nil || !cfg.Metrics.Enabled {
		slog.Info("Metrics disabled, using no-op meter provider")
		return metricnoop.NewMeterProvider(), nil, nil
	}

	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	var handler http.Handler

	if cfg.Metrics.OTLP {
		exporterOpts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(cfg.GetEndpoint())}
		if cfg.Insecure {
			exporterOpts = append(exporterOpts, otlpmetrichttp.WithInsecure())
		}
		exporter, err := otlpmetrichttp.New(ctx, exporterOpts...)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create OTLP metric exporter: %w", err)
		}
		opts = append(opts, sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(DefaultMetricsInterval)),
		))
	}

	if cfg.Metrics.Prometheus {
		registry := prometheus.NewRegistry()
		reader, err := promexporter.New(promexporter.WithRegisterer(registry))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
		}
		opts = append(opts, sdkmetric.WithReader(reader))
		handler = promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)

	slog.Info("Metrics initialized",
		"otlp", cfg.Metrics.OTLP,
		"prometheus", cfg.Metrics.Prometheus,
	)
	return mp, handler, nil
}
