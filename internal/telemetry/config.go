// Package telemetry provides OpenTelemetry instrumentation for the sync services.
// Traces are exported over OTLP; metrics can be pushed over OTLP, scraped from
// a Prometheus endpoint, or both.
package telemetry

import (
	"errors"
	"fmt"
)

const (
	// DefaultServiceName is the default service name for telemetry
	DefaultServiceName = "docsync"

	// DefaultEndpoint is the default OTLP endpoint for telemetry
	DefaultEndpoint = "localhost:4318"

	// DefaultSampling is the default trace sampling rate (5%)
	// Every tick and task is a span, so sampling everything is rarely wanted
	DefaultSampling = 0.05
)

// Config represents the root telemetry configuration
type Config struct {
	// Enabled controls whether telemetry is enabled globally
	// When false, no providers are created and every instrument is a no-op
	Enabled bool `yaml:"enabled"`

	// ServiceName identifies the process in traces and metrics
	// Defaults to "docsync" if not specified
	ServiceName string `yaml:"serviceName,omitempty"`

	// ServiceVersion is reported as the service.version resource attribute
	// Defaults to the binary version if not specified
	ServiceVersion string `yaml:"serviceVersion,omitempty"`

	// Endpoint is the OTLP collector endpoint in "host:port" form
	// Defaults to "localhost:4318"; the /v1/traces and /v1/metrics paths are appended
	Endpoint string `yaml:"endpoint,omitempty"`

	// Insecure allows HTTP connections to the collector
	// Intended for local collectors only
	Insecure bool `yaml:"insecure,omitempty"`

	// Tracing contains tracing-specific configuration
	Tracing *TracingConfig `yaml:"tracing,omitempty"`

	// Metrics contains metrics-specific configuration
	Metrics *MetricsConfig `yaml:"metrics,omitempty"`
}

// TracingConfig defines tracing-specific configuration
type TracingConfig struct {
	// Enabled controls whether tracing is enabled
	// When false, no spans are exported even if telemetry is enabled globally
	Enabled bool `yaml:"enabled"`

	// Sampling is the trace sampling ratio between 0.0 and 1.0
	// Zero is treated as unset and yields DefaultSampling
	Sampling float64 `yaml:"sampling,omitempty"`
}

// MetricsConfig defines metrics-specific configuration
type MetricsConfig struct {
	// Enabled controls whether metrics collection is enabled
	// When false, metrics are disabled even if telemetry is enabled globally
	Enabled bool `yaml:"enabled"`

	// OTLP pushes metrics to the collector endpoint
	// The same endpoint and Insecure setting as tracing are used
	OTLP bool `yaml:"otlp,omitempty"`

	// Prometheus exposes metrics on the ops API /metrics route
	// Can be combined with OTLP
	Prometheus bool `yaml:"prometheus,omitempty"`
}

// GetServiceName returns the service name, using default if not specified
func (c *Config) GetServiceName() string {
	if c.ServiceName == "" {
		return DefaultServiceName
	}
	return c.ServiceName
}

// GetServiceVersion returns the service version, using "unknown" if not specified
func (c *Config) GetServiceVersion() string {
	if c.ServiceVersion == "" {
		return "unknown"
	}
	return c.ServiceVersion
}

// GetEndpoint returns the endpoint, using default if not specified
func (c *Config) GetEndpoint() string {
	if c.Endpoint == "" {
		return DefaultEndpoint
	}
	return c.Endpoint
}

// GetSampling returns the sampling ratio. Zero means unset and yields DefaultSampling.
func (c *TracingConfig) GetSampling() float64 {
	if c.Sampling == 0.0 {
		return DefaultSampling
	}
	return c.Sampling
}

// Validate validates the telemetry configuration
func (c *Config) Validate() error {
	if c == nil || !c.Enabled {
		return nil
	}

	var errs []error

	if c.Tracing != nil {
		if err := c.Tracing.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("tracing: %w", err))
		}
	}

	if c.Metrics != nil {
		if err := c.Metrics.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("metrics: %w", err))
		}
	}

	return errors.Join(errs...)
}

// Validate validates the tracing configuration
func (c *TracingConfig) Validate() error {
	if c == nil || !c.Enabled {
		return nil
	}

	if c.Sampling < 0 || c.Sampling > 1.0 {
		return fmt.Errorf("sampling must be between 0.0 and 1.0, got %f", c.Sampling)
	}

	return nil
}

// Validate validates the metrics configuration
func (c *MetricsConfig) Validate() error {
	if c == nil || !c.Enabled {
		return nil
	}

	if !c.OTLP && !c.Prometheus {
		return errors.New("at least one of otlp or prometheus must be enabled")
	}

	return nil
}
