// Package config provides configuration loading and management for docsync.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/stacklok/docsync/internal/queue"
	"github.com/stacklok/docsync/internal/telemetry"
)

// EnvPrefix is the prefix of every environment variable read by docsync
const EnvPrefix = "DOCSYNC"

const (
	// EnvDatabasePassword holds the database password when no password file is set
	EnvDatabasePassword = EnvPrefix + "_DATABASE_PASSWORD"
	// EnvRedisPassword holds the Redis password when no password file is set
	EnvRedisPassword = EnvPrefix + "_REDIS_PASSWORD"
)

// Option defines the interface for configuration options
type Option func(*loaderConfig) error

// loaderConfig defines the configuration for loading a configuration
type loaderConfig struct {
	path string
}

// WithConfigPath loads configuration from a YAML file
func WithConfigPath(path string) Option {
	return func(cfg *loaderConfig) error {
		if path == "" {
			return fmt.Errorf("path is required")
		}

		// Resolve symlinks to prevent symlink attacks.
		// Note that this calls filepath.Clean internally.
		realPath, err := filepath.EvalSymlinks(path)
		if err != nil {
			return fmt.Errorf("failed to evaluate symlinks: %w", err)
		}

		// Validate the path to prevent path traversal attacks
		if !filepath.IsAbs(realPath) {
			if !filepath.IsLocal(realPath) {
				return fmt.Errorf("path is not local or contains invalid traversal: %s", path)
			}
		}

		cfg.path = realPath
		return nil
	}
}

// Config represents the root configuration structure
type Config struct {
	// Database is the relational store holding connectors, documents and their sets
	Database *DatabaseConfig `yaml:"database"`

	// Redis backs the fences, tasksets, loop locks and the work queue
	Redis *RedisConfig `yaml:"redis"`

	// Index is the search index the workers push metadata to
	Index *IndexConfig `yaml:"index"`

	Scheduler SchedulerConfig `yaml:"scheduler,omitempty"`

	Worker WorkerConfig `yaml:"worker,omitempty"`

	// Extensions enables optional sync entities
	Extensions ExtensionsConfig `yaml:"extensions,omitempty"`

	// Telemetry is optional; nothing is exported without it
	Telemetry *telemetry.Config `yaml:"telemetry,omitempty"`
}

// DatabaseConfig defines database connection settings
type DatabaseConfig struct {
	// Host is the database server hostname or IP address
	Host string `yaml:"host"`

	// Port is the database server port
	Port int `yaml:"port"`

	// User is the database username
	User string `yaml:"user"`

	// PasswordFile is the path to a file containing the database password
	// This is the recommended approach for production deployments
	// The file should contain only the password with optional trailing whitespace
	PasswordFile string `yaml:"passwordFile,omitempty"`

	// Database is the database name
	Database string `yaml:"database"`

	// SSLMode is the SSL mode for the connection (disable, require, verify-ca, verify-full)
	SSLMode string `yaml:"sslMode,omitempty"`

	// MaxOpenConns is the maximum number of open connections to the database
	MaxOpenConns int32 `yaml:"maxOpenConns,omitempty"`

	// MaxIdleConns is the minimum number of connections kept open in the pool
	MaxIdleConns int32 `yaml:"maxIdleConns,omitempty"`

	// ConnMaxLifetime is the maximum lifetime of a connection (e.g., "1h", "30m")
	ConnMaxLifetime string `yaml:"connMaxLifetime,omitempty"`
}

// GetPassword returns the database password using the following priority:
// 1. Read from PasswordFile if specified
// 2. Read from DOCSYNC_DATABASE_PASSWORD environment variable
//
// The password from file will have leading/trailing whitespace trimmed.
func (d *DatabaseConfig) GetPassword() (string, error) {
	password, ok, err := readSecret(d.PasswordFile, EnvDatabasePassword)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf(
			"no database password configured: set passwordFile or %s environment variable", EnvDatabasePassword,
		)
	}
	return password, nil
}

// GetConnectionString builds a PostgreSQL connection string with proper password handling.
// The password is URL-escaped to handle special characters safely.
func (d *DatabaseConfig) GetConnectionString() (string, error) {
	password, err := d.GetPassword()
	if err != nil {
		return "", err
	}

	sslMode := d.SSLMode
	if sslMode == "" {
		sslMode = "require"
	}

	connString := fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		url.QueryEscape(d.User),
		url.QueryEscape(password),
		d.Host,
		d.Port,
		d.Database,
		sslMode,
	)

	return connString, nil
}

// RedisConfig defines the coordination store and work queue connection
type RedisConfig struct {
	// Address is the "host:port" of the Redis server
	Address string `yaml:"address"`

	// Username is sent with AUTH when the server uses ACLs
	Username string `yaml:"username,omitempty"`

	// PasswordFile is the path to a file containing the Redis password.
	// DOCSYNC_REDIS_PASSWORD is used when it is not set. No password is valid.
	PasswordFile string `yaml:"passwordFile,omitempty"`

	// DB selects the logical database. Defaults to 0
	DB int `yaml:"db,omitempty"`

	// TLS enables TLS with the system roots
	TLS bool `yaml:"tls,omitempty"`

	// QueuePrefix namespaces the work queue keys
	// Fence and taskset keys carry their own prefix and are not affected
	QueuePrefix string `yaml:"queuePrefix,omitempty"`
}

// GetPassword returns the Redis password, empty when none is configured
func (r *RedisConfig) GetPassword() (string, error) {
	password, _, err := readSecret(r.PasswordFile, EnvRedisPassword)
	return password, err
}

// IndexConfig defines the search index
type IndexConfig struct {
	// Vespa is required; it is the only supported index
	Vespa *VespaConfig `yaml:"vespa"`
}

// VespaConfig locates the Vespa content cluster
type VespaConfig struct {
	// URL is the base URL of the Vespa document API
	URL string `yaml:"url"`

	// Namespace is the document id namespace used when documents were fed
	// Defaults to "docsync" if not specified
	Namespace string `yaml:"namespace,omitempty"`

	// DocumentType is the schema of the indexed chunks
	// Defaults to "chunk" if not specified
	DocumentType string `yaml:"documentType,omitempty"`

	// Cluster is the content cluster targeted by selection updates and deletes
	// Left empty, Vespa picks the only cluster and fails if there are several
	Cluster string `yaml:"cluster,omitempty"`

	// MinVersion is the oldest accepted Vespa version
	MinVersion string `yaml:"minVersion,omitempty"`

	// Timeout bounds every request (e.g., "10s")
	Timeout string `yaml:"timeout,omitempty"`
}

// GetNamespace returns the namespace, "docsync" if not specified
func (v *VespaConfig) GetNamespace() string {
	if v.Namespace == "" {
		return "docsync"
	}
	return v.Namespace
}

// GetDocumentType returns the document type, "chunk" if not specified
func (v *VespaConfig) GetDocumentType() string {
	if v.DocumentType == "" {
		return "chunk"
	}
	return v.DocumentType
}

// GetTimeout returns the request timeout, 10s if not specified
func (v *VespaConfig) GetTimeout() time.Duration {
	return durationOr(v.Timeout, 10*time.Second)
}

// SchedulerConfig defines the beat schedule and the loop locks
type SchedulerConfig struct {
	// CheckForSyncInterval is how often stale documents, document sets and user groups are checked
	CheckForSyncInterval string `yaml:"checkForSyncInterval,omitempty"`

	// MonitorSyncInterval is how often fences are checked for completion
	MonitorSyncInterval string `yaml:"monitorSyncInterval,omitempty"`

	// CheckForDeletionInterval is how often pairs being deleted are checked
	CheckForDeletionInterval string `yaml:"checkForDeletionInterval,omitempty"`

	// LockTimeout is the expiry of the loop locks
	LockTimeout string `yaml:"lockTimeout,omitempty"`

	// Jitter is the fraction by which each beat interval is randomly shifted
	Jitter *float64 `yaml:"jitter,omitempty"`
}

// GetCheckForSyncInterval returns the interval, 5s if not specified
func (s *SchedulerConfig) GetCheckForSyncInterval() time.Duration {
	return durationOr(s.CheckForSyncInterval, 5*time.Second)
}

// GetMonitorSyncInterval returns the interval, 5s if not specified
func (s *SchedulerConfig) GetMonitorSyncInterval() time.Duration {
	return durationOr(s.MonitorSyncInterval, 5*time.Second)
}

// GetCheckForDeletionInterval returns the interval, 20s if not specified
func (s *SchedulerConfig) GetCheckForDeletionInterval() time.Duration {
	return durationOr(s.CheckForDeletionInterval, 20*time.Second)
}

// GetLockTimeout returns the lock expiry, 120s if not specified
func (s *SchedulerConfig) GetLockTimeout() time.Duration {
	return durationOr(s.LockTimeout, 120*time.Second)
}

// GetJitter returns the beat jitter, 0.1 if not specified
func (s *SchedulerConfig) GetJitter() float64 {
	if s.Jitter == nil {
		return 0.1
	}
	return *s.Jitter
}

// WorkerConfig defines the worker pool
type WorkerConfig struct {
	// Concurrency is the number of consumers per queue
	Concurrency int `yaml:"concurrency,omitempty"`

	// Queues restricts the queues consumed. All queues when empty.
	Queues []string `yaml:"queues,omitempty"`

	// VisibilityTimeout is how long a claimed task stays invisible to other workers
	VisibilityTimeout string `yaml:"visibilityTimeout,omitempty"`

	// PollInterval is how long an idle consumer waits before polling its queue again
	PollInterval string `yaml:"pollInterval,omitempty"`

	// ReapInterval is how often claims past their visibility timeout are requeued
	ReapInterval string `yaml:"reapInterval,omitempty"`

	// Periodic limits the scheduler and monitor ticks
	Periodic *TaskLimitsConfig `yaml:"periodic,omitempty"`

	// Documents limits the per-document sync and cleanup tasks
	Documents *TaskLimitsConfig `yaml:"documents,omitempty"`
}

// GetConcurrency returns the consumers per queue, 4 if not specified
func (w *WorkerConfig) GetConcurrency() int {
	if w.Concurrency <= 0 {
		return 4
	}
	return w.Concurrency
}

// GetVisibilityTimeout returns the visibility timeout, 10m if not specified
func (w *WorkerConfig) GetVisibilityTimeout() time.Duration {
	return durationOr(w.VisibilityTimeout, 10*time.Minute)
}

// GetPollInterval returns the idle poll interval, 500ms if not specified
func (w *WorkerConfig) GetPollInterval() time.Duration {
	return durationOr(w.PollInterval, 500*time.Millisecond)
}

// GetReapInterval returns how often expired claims are requeued, 30s if not specified
func (w *WorkerConfig) GetReapInterval() time.Duration {
	return durationOr(w.ReapInterval, 30*time.Second)
}

// TaskLimitsConfig overrides the execution limits of a group of tasks
type TaskLimitsConfig struct {
	// SoftTimeLimit cancels the task context (e.g., "4m30s")
	SoftTimeLimit string `yaml:"softTimeLimit,omitempty"`

	// HardTimeLimit abandons the task; it must stay below the visibility timeout
	HardTimeLimit string `yaml:"hardTimeLimit,omitempty"`

	// MaxRetries bounds failed and timed out runs before a task is abandoned
	MaxRetries int `yaml:"maxRetries,omitempty"`
}

// GetSoftTimeLimit returns the soft time limit, zero when not overridden
func (t *TaskLimitsConfig) GetSoftTimeLimit() time.Duration {
	return durationOr(t.SoftTimeLimit, 0)
}

// GetHardTimeLimit returns the hard time limit, zero when not overridden
func (t *TaskLimitsConfig) GetHardTimeLimit() time.Duration {
	return durationOr(t.HardTimeLimit, 0)
}

// ExtensionsConfig enables the optional capabilities
type ExtensionsConfig struct {
	// UserGroups propagates user group changes to the documents of their pairs
	UserGroups bool `yaml:"userGroups,omitempty"`
}

// LoadConfig loads and parses configuration from a YAML file
func LoadConfig(opts ...Option) (*Config, error) {
	loaderCfg := &loaderConfig{}
	for _, opt := range opts {
		if err := opt(loaderCfg); err != nil {
			return nil, err
		}
	}

	if loaderCfg.path == "" {
		return nil, fmt.Errorf("path is required")
	}

	// Read the entire file into memory
	data, err := os.ReadFile(loaderCfg.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Parse YAML content
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}

	// Validate the config
	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// validate performs validation on the configuration
func (c *Config) validate() error {
	if c == nil {
		return fmt.Errorf("config cannot be nil")
	}

	if err := c.validateDatabase(); err != nil {
		return err
	}
	if c.Redis == nil || c.Redis.Address == "" {
		return fmt.Errorf("redis.address is required")
	}
	if err := c.validateIndex(); err != nil {
		return err
	}
	if err := c.validateScheduler(); err != nil {
		return err
	}
	if err := c.validateWorker(); err != nil {
		return err
	}
	if c.Telemetry != nil {
		if err := c.Telemetry.Validate(); err != nil {
			return fmt.Errorf("telemetry: %w", err)
		}
	}
	return nil
}

func (c *Config) validateDatabase() error {
	d := c.Database
	if d == nil {
		return fmt.Errorf("database configuration is required")
	}
	if d.Host == "" {
		return fmt.Errorf("database.host is required")
	}
	if d.Port <= 0 {
		return fmt.Errorf("database.port is required")
	}
	if d.User == "" {
		return fmt.Errorf("database.user is required")
	}
	if d.Database == "" {
		return fmt.Errorf("database.database is required")
	}
	return validateDuration("database.connMaxLifetime", d.ConnMaxLifetime)
}

func (c *Config) validateIndex() error {
	if c.Index == nil || c.Index.Vespa == nil {
		return fmt.Errorf("index.vespa is required")
	}
	v := c.Index.Vespa
	if v.URL == "" {
		return fmt.Errorf("index.vespa.url is required")
	}
	if u, err := url.Parse(v.URL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("index.vespa.url must be a valid http or https URL: %s", v.URL)
	}
	return validateDuration("index.vespa.timeout", v.Timeout)
}

func (c *Config) validateScheduler() error {
	s := c.Scheduler
	for field, value := range map[string]string{
		"scheduler.checkForSyncInterval":     s.CheckForSyncInterval,
		"scheduler.monitorSyncInterval":      s.MonitorSyncInterval,
		"scheduler.checkForDeletionInterval": s.CheckForDeletionInterval,
		"scheduler.lockTimeout":              s.LockTimeout,
	} {
		if err := validateDuration(field, value); err != nil {
			return err
		}
	}
	if j := s.GetJitter(); j < 0 || j >= 1 {
		return fmt.Errorf("scheduler.jitter must be in [0, 1): %v", j)
	}
	return nil
}

func (c *Config) validateWorker() error {
	w := c.Worker
	for field, value := range map[string]string{
		"worker.visibilityTimeout": w.VisibilityTimeout,
		"worker.pollInterval":      w.PollInterval,
		"worker.reapInterval":      w.ReapInterval,
	} {
		if err := validateDuration(field, value); err != nil {
			return err
		}
	}

	known := []string{queue.QueuePeriodic, queue.QueueMetadataSync, queue.QueueConnectorDeletion}
	for _, q := range w.Queues {
		if !slices.Contains(known, q) {
			return fmt.Errorf("worker.queues: unknown queue %q", q)
		}
	}

	visibility := w.GetVisibilityTimeout()
	for name, limits := range map[string]*TaskLimitsConfig{"periodic": w.Periodic, "documents": w.Documents} {
		if limits == nil {
			continue
		}
		prefix := "worker." + name
		if err := validateDuration(prefix+".softTimeLimit", limits.SoftTimeLimit); err != nil {
			return err
		}
		if err := validateDuration(prefix+".hardTimeLimit", limits.HardTimeLimit); err != nil {
			return err
		}
		if hard := durationOr(limits.HardTimeLimit, 0); hard >= visibility {
			return fmt.Errorf("%s.hardTimeLimit must be shorter than worker.visibilityTimeout", prefix)
		}
		if limits.MaxRetries < 0 {
			return fmt.Errorf("%s.maxRetries cannot be negative", prefix)
		}
	}
	return nil
}

// validateDuration accepts an empty value or a positive duration
func validateDuration(field, value string) error {
	if value == "" {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("%s must be a valid duration (e.g., '30s', '5m'): %w", field, err)
	}
	if d <= 0 {
		return fmt.Errorf("%s must be positive", field)
	}
	return nil
}

// durationOr parses a validated duration, returning def when empty
func durationOr(value string, def time.Duration) time.Duration {
	if value == "" {
		return def
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return def
	}
	return d
}

// readSecret reads a secret from a file when one is given, otherwise from
// the environment. ok is false when neither holds a value.
func readSecret(path, env string) (secret string, ok bool, err error) {
	if path != "" {
		// Use filepath.Clean to prevent path traversal attacks
		data, err := os.ReadFile(filepath.Clean(path))
		if err != nil {
			return "", false, fmt.Errorf("failed to read password from file %s: %w", path, err)
		}
		// Trim whitespace (including newlines) from file content
		return strings.TrimSpace(string(data)), true, nil
	}

	if value := os.Getenv(env); value != "" {
		return value, true, nil
	}
	return "", false, nil
}

// ErrNoConfig is returned by commands that need a configuration file when none was given
var ErrNoConfig = errors.New("a configuration file is required (--config)")
