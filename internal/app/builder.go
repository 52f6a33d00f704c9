package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"slices"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"

	"github.com/stacklok/docsync/internal/api"
	"github.com/stacklok/docsync/internal/config"
	"github.com/stacklok/docsync/internal/coord"
	"github.com/stacklok/docsync/internal/db"
	"github.com/stacklok/docsync/internal/index"
	"github.com/stacklok/docsync/internal/queue"
	"github.com/stacklok/docsync/internal/store"
	"github.com/stacklok/docsync/internal/sync"
	"github.com/stacklok/docsync/internal/telemetry"
	"github.com/stacklok/docsync/internal/worker"
)

const (
	defaultHTTPAddress    = ":8080"
	defaultRequestTimeout = 10 * time.Second
	defaultReadTimeout    = 10 * time.Second
	defaultWriteTimeout   = 15 * time.Second
	defaultIdleTimeout    = 60 * time.Second

	tracerName = "github.com/stacklok/docsync"
)

// Role is a part of docsync a process runs
type Role string

const (
	// RoleAPI serves the ops HTTP API
	RoleAPI Role = "api"
	// RoleWorker consumes tasks, including the scheduler and monitor ticks
	RoleWorker Role = "worker"
	// RoleBeat sends the periodic ticks
	RoleBeat Role = "beat"
)

// AllRoles returns every role, the set run by "docsync serve"
func AllRoles() []Role {
	return []Role{RoleAPI, RoleWorker, RoleBeat}
}

// SyncAppOptions is a function that configures the sync app builder
type SyncAppOptions func(*syncAppConfig) error

// syncAppConfig collects the builder inputs. The component overrides exist
// mostly for tests; anything left nil is built from the configuration.
type syncAppConfig struct {
	config *config.Config
	roles  []Role

	// Optional component overrides
	store       store.Store
	redisClient redis.UniversalClient
	index       index.DocumentIndex
	telemetry   *telemetry.Telemetry

	// HTTP server options
	address        string
	middlewares    []func(http.Handler) http.Handler
	requestTimeout time.Duration
	readTimeout    time.Duration
	writeTimeout   time.Duration
	idleTimeout    time.Duration

	readyTimeout time.Duration
}

func baseConfig(opts ...SyncAppOptions) (*syncAppConfig, error) {
	cfg := &syncAppConfig{
		roles:          AllRoles(),
		address:        defaultHTTPAddress,
		requestTimeout: defaultRequestTimeout,
		readTimeout:    defaultReadTimeout,
		writeTimeout:   defaultWriteTimeout,
		idleTimeout:    defaultIdleTimeout,
		readyTimeout:   db.DefaultReadyTimeout,
	}

	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}

	if cfg.config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	return cfg, nil
}

func (b *syncAppConfig) runs(role Role) bool {
	return slices.Contains(b.roles, role)
}

// NewSyncApp builds the components needed by the configured roles
func NewSyncApp(ctx context.Context, opts ...SyncAppOptions) (*SyncApp, error) {
	cfg, err := baseConfig(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to build base configuration: %w", err)
	}

	var cleanups []func()
	cleanup := func() {
		for _, fn := range slices.Backward(cleanups) {
			fn()
		}
	}

	// Ensure cleanup happens on error
	cleanupNeeded := true
	defer func() {
		if cleanupNeeded {
			cleanup()
		}
	}()

	if cfg.telemetry == nil {
		cfg.telemetry = telemetry.NewNoop()
	}

	st, err := buildStore(ctx, cfg, &cleanups)
	if err != nil {
		return nil, fmt.Errorf("failed to build store: %w", err)
	}

	client, err := buildRedisClient(ctx, cfg, &cleanups)
	if err != nil {
		return nil, fmt.Errorf("failed to build redis client: %w", err)
	}

	components := &AppComponents{
		Store: st,
		Coord: coord.NewRedisStore(client),
		Queue: buildQueue(cfg, client),
	}

	if cfg.runs(RoleWorker) {
		if err := buildWorkerComponents(ctx, cfg, components); err != nil {
			return nil, fmt.Errorf("failed to build worker components: %w", err)
		}
	}

	if cfg.runs(RoleBeat) {
		components.Beat = buildBeat(cfg, components.Queue)
	}

	var httpServer *http.Server
	if cfg.runs(RoleAPI) {
		httpServer, err = buildHTTPServer(cfg, components)
		if err != nil {
			return nil, fmt.Errorf("failed to build HTTP server: %w", err)
		}
	}

	appCtx, cancel := context.WithCancel(ctx)
	cleanupNeeded = false

	return &SyncApp{
		config:     cfg.config,
		roles:      cfg.roles,
		components: components,
		httpServer: httpServer,
		ctx:        appCtx,
		cancelFunc: cancel,
		cleanup:    cleanup,
		done:       make(chan struct{}),
	}, nil
}

// WithConfig sets the configuration
func WithConfig(c *config.Config) SyncAppOptions {
	return func(cfg *syncAppConfig) error {
		cfg.config = c
		return nil
	}
}

// WithRoles restricts the app to the given roles
func WithRoles(roles ...Role) SyncAppOptions {
	return func(cfg *syncAppConfig) error {
		if len(roles) == 0 {
			return fmt.Errorf("at least one role is required")
		}
		for _, r := range roles {
			if !slices.Contains(AllRoles(), r) {
				return fmt.Errorf("unknown role %q", r)
			}
		}
		cfg.roles = roles
		return nil
	}
}

// WithAddress sets the HTTP server address
func WithAddress(addr string) SyncAppOptions {
	return func(cfg *syncAppConfig) error {
		if addr == "" {
			return fmt.Errorf("address cannot be empty")
		}

		host, port, found := strings.Cut(addr, ":")
		if !found || port == "" {
			return fmt.Errorf("address is not a valid port: %s", addr)
		}
		if host == "localhost" {
			host = "127.0.0.1"
		}
		if host == "" {
			host = "0.0.0.0"
		}

		if _, err := netip.ParseAddrPort(host + ":" + port); err != nil {
			return fmt.Errorf("address is not a valid port: %w", err)
		}

		cfg.address = addr
		return nil
	}
}

// WithMiddlewares sets custom HTTP middlewares
func WithMiddlewares(mw ...func(http.Handler) http.Handler) SyncAppOptions {
	return func(cfg *syncAppConfig) error {
		cfg.middlewares = mw
		return nil
	}
}

// WithTelemetry sets the telemetry providers. The caller owns their shutdown.
func WithTelemetry(t *telemetry.Telemetry) SyncAppOptions {
	return func(cfg *syncAppConfig) error {
		cfg.telemetry = t
		return nil
	}
}

// WithStore allows injecting the relational store (for testing)
func WithStore(st store.Store) SyncAppOptions {
	return func(cfg *syncAppConfig) error {
		cfg.store = st
		return nil
	}
}

// WithRedisClient allows injecting the Redis client (for testing)
func WithRedisClient(client redis.UniversalClient) SyncAppOptions {
	return func(cfg *syncAppConfig) error {
		cfg.redisClient = client
		return nil
	}
}

// WithIndex allows injecting the document index (for testing)
func WithIndex(idx index.DocumentIndex) SyncAppOptions {
	return func(cfg *syncAppConfig) error {
		cfg.index = idx
		return nil
	}
}

// WithReadyTimeout bounds the wait for the backends at startup
func WithReadyTimeout(d time.Duration) SyncAppOptions {
	return func(cfg *syncAppConfig) error {
		if d <= 0 {
			return fmt.Errorf("ready timeout must be positive")
		}
		cfg.readyTimeout = d
		return nil
	}
}

func buildStore(ctx context.Context, b *syncAppConfig, cleanups *[]func()) (store.Store, error) {
	if b.store != nil {
		return b.store, nil
	}

	pool, err := db.NewPool(ctx, b.config.Database)
	if err != nil {
		return nil, err
	}
	*cleanups = append(*cleanups, func() {
		slog.Info("Closing database connection pool")
		pool.Close()
	})

	st := store.NewPostgresStore(pool)
	if err := db.WaitReady(ctx, "database", st, b.readyTimeout); err != nil {
		return nil, err
	}
	return st, nil
}

func buildRedisClient(ctx context.Context, b *syncAppConfig, cleanups *[]func()) (redis.UniversalClient, error) {
	if b.redisClient != nil {
		return b.redisClient, nil
	}

	client, err := db.NewRedisClient(b.config.Redis)
	if err != nil {
		return nil, err
	}
	*cleanups = append(*cleanups, func() {
		slog.Info("Closing redis client")
		if err := client.Close(); err != nil {
			slog.Warn("Failed to close redis client", "error", err)
		}
	})

	if err := db.WaitReady(ctx, "redis", db.RedisPinger(client), b.readyTimeout); err != nil {
		return nil, err
	}
	return client, nil
}

func buildQueue(b *syncAppConfig, client redis.UniversalClient) *queue.RedisQueue {
	var opts []queue.Option
	if b.config.Redis != nil && b.config.Redis.QueuePrefix != "" {
		opts = append(opts, queue.WithKeyPrefix(b.config.Redis.QueuePrefix))
	}
	return queue.NewRedisQueue(client, opts...)
}

func buildIndex(ctx context.Context, b *syncAppConfig) (index.DocumentIndex, error) {
	if b.index != nil {
		return b.index, nil
	}
	if b.config.Index == nil || b.config.Index.Vespa == nil {
		return nil, fmt.Errorf("index.vespa configuration is required")
	}

	v := b.config.Index.Vespa
	idx, err := index.NewVespaIndex(index.VespaConfig{
		BaseURL:      v.URL,
		Namespace:    v.GetNamespace(),
		DocumentType: v.GetDocumentType(),
		Cluster:      v.Cluster,
		MinVersion:   v.MinVersion,
		Timeout:      v.GetTimeout(),
	})
	if err != nil {
		return nil, err
	}
	if err := idx.EnsureIndicesExist(ctx); err != nil {
		return nil, err
	}
	return idx, nil
}

// buildWorkerComponents builds the loops, the task handlers and the pool running them
func buildWorkerComponents(ctx context.Context, b *syncAppConfig, c *AppComponents) error {
	slog.Info("Initializing worker components")

	idx, err := buildIndex(ctx, b)
	if err != nil {
		return fmt.Errorf("failed to build index: %w", err)
	}
	c.Index = idx

	metrics, err := telemetry.NewSyncMetrics(b.telemetry.MeterProvider())
	if err != nil {
		return fmt.Errorf("failed to create sync metrics: %w", err)
	}
	tracer := b.telemetry.Tracer(tracerName)

	ext := sync.Extensions{}
	if b.config.Extensions.UserGroups {
		ext.UserGroups = sync.StoreUserGroups{}
		slog.Info("User group sync enabled")
	}

	loopOpts := []sync.Option{
		sync.WithLockTimeout(b.config.Scheduler.GetLockTimeout()),
		sync.WithExtensions(ext),
		sync.WithMetrics(metrics),
		sync.WithTracer(tracer),
	}
	c.Scheduler = sync.NewScheduler(c.Store, c.Coord, c.Queue, loopOpts...)
	c.Monitor = sync.NewMonitor(c.Store, c.Coord, loopOpts...)

	w := b.config.Worker
	poolOpts := []worker.Option{
		worker.WithConcurrency(w.GetConcurrency()),
		worker.WithVisibilityTimeout(w.GetVisibilityTimeout()),
		worker.WithPollInterval(w.GetPollInterval()),
		worker.WithReapInterval(w.GetReapInterval()),
		worker.WithMetrics(metrics),
		worker.WithTracer(tracer),
	}
	if len(w.Queues) > 0 {
		poolOpts = append(poolOpts, worker.WithQueues(w.Queues...))
	}
	c.Pool = worker.New(c.Queue, c.Coord, poolOpts...)

	tasks := sync.NewTasks(c.Store, c.Index)
	if err := sync.RegisterTasks(c.Pool, c.Scheduler, c.Monitor, tasks, taskLimits(w)); err != nil {
		return fmt.Errorf("failed to register tasks: %w", err)
	}

	slog.Info("Worker components initialized", "queues", c.Pool.Queues())
	return nil
}

// taskLimits applies the configured overrides to the default limits
func taskLimits(w config.WorkerConfig) sync.Limits {
	limits := sync.DefaultLimits()
	limits.CheckForSync = overrideLimits(limits.CheckForSync, w.Periodic)
	limits.CheckForDeletion = overrideLimits(limits.CheckForDeletion, w.Periodic)
	limits.MonitorSync = overrideLimits(limits.MonitorSync, w.Periodic)
	limits.SyncDocument = overrideLimits(limits.SyncDocument, w.Documents)
	limits.CleanupDocument = overrideLimits(limits.CleanupDocument, w.Documents)
	return limits
}

func overrideLimits(opts worker.TaskOptions, c *config.TaskLimitsConfig) worker.TaskOptions {
	if c == nil {
		return opts
	}
	if d := c.GetSoftTimeLimit(); d > 0 {
		opts.SoftTimeLimit = d
	}
	if d := c.GetHardTimeLimit(); d > 0 {
		opts.HardTimeLimit = d
	}
	if c.MaxRetries > 0 {
		opts.MaxRetries = c.MaxRetries
	}
	return opts
}

func buildBeat(b *syncAppConfig, dispatcher *queue.RedisQueue) *sync.Beat {
	s := b.config.Scheduler
	return sync.NewBeat(dispatcher,
		sync.WithJitter(s.GetJitter()),
		sync.WithSchedule(
			sync.ScheduleEntry{
				Task: queue.TaskCheckForSync, Queue: queue.QueuePeriodic, Interval: s.GetCheckForSyncInterval(),
			},
			sync.ScheduleEntry{
				Task: queue.TaskMonitorSync, Queue: queue.QueuePeriodic, Interval: s.GetMonitorSyncInterval(),
			},
			sync.ScheduleEntry{
				Task: queue.TaskCheckForConnectorDeletion, Queue: queue.QueuePeriodic, Interval: s.GetCheckForDeletionInterval(),
			},
		),
	)
}

// buildHTTPServer builds the HTTP server with router and middleware
func buildHTTPServer(b *syncAppConfig, c *AppComponents) (*http.Server, error) {
	slog.Info("Initializing HTTP server")

	middlewares := b.middlewares
	if middlewares == nil {
		middlewares = []func(http.Handler) http.Handler{
			middleware.RequestID,
			middleware.RealIP,
			middleware.Recoverer,
			middleware.Timeout(b.requestTimeout),
			api.LoggingMiddleware,
		}
	}

	// Metrics and tracing wrap everything else so rejected requests are recorded
	httpMetrics, err := telemetry.NewHTTPMetrics(b.telemetry.MeterProvider())
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP metrics: %w", err)
	}
	middlewares = append([]func(http.Handler) http.Handler{
		httpMetrics.Middleware,
		telemetry.TracingMiddleware(b.telemetry.TracerProvider()),
	}, middlewares...)

	serverOpts := []api.ServerOption{api.WithMiddlewares(middlewares...)}
	if h := b.telemetry.MetricsHandler(); h != nil {
		serverOpts = append(serverOpts, api.WithMetricsHandler(h))
	}

	router := api.NewServer(c.Store, c.Coord, serverOpts...)

	server := &http.Server{
		Addr:         b.address,
		Handler:      router,
		ReadTimeout:  b.readTimeout,
		WriteTimeout: b.writeTimeout,
		IdleTimeout:  b.idleTimeout,
	}

	slog.Info("HTTP server configured", "address", b.address)
	return server, nil
}
