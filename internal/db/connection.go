// Package db opens the connections shared by the docsync processes: the
// relational store pool and the Redis client backing coordination and the
// work queue.
package db

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/stacklok/docsync/internal/config"
)

const (
	defaultMaxOpenConns    = 25
	defaultMaxIdleConns    = 5
	defaultConnMaxLifetime = 5 * time.Minute

	// DefaultReadyTimeout bounds WaitReady when the caller gives no deadline
	DefaultReadyTimeout = time.Minute
)

// NewPool creates a PostgreSQL connection pool from the database configuration.
// The pool connects lazily; use WaitReady to block until the server answers.
func NewPool(ctx context.Context, cfg *config.DatabaseConfig) (*pgxpool.Pool, error) {
	if cfg == nil {
		return nil, fmt.Errorf("database configuration is required")
	}

	connStr, err := cfg.GetConnectionString()
	if err != nil {
		return nil, fmt.Errorf("failed to get database password: %w", err)
	}

	poolConfig, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database connection string: %w", err)
	}

	poolConfig.MaxConns = defaultMaxOpenConns
	if cfg.MaxOpenConns > 0 {
		poolConfig.MaxConns = cfg.MaxOpenConns
	}
	poolConfig.MinConns = defaultMaxIdleConns
	if cfg.MaxIdleConns > 0 {
		poolConfig.MinConns = cfg.MaxIdleConns
	}
	poolConfig.MinConns = min(poolConfig.MinConns, poolConfig.MaxConns)
	poolConfig.MaxConnLifetime = defaultConnMaxLifetime
	if cfg.ConnMaxLifetime != "" {
		lifetime, err := time.ParseDuration(cfg.ConnMaxLifetime)
		if err != nil {
			return nil, fmt.Errorf("failed to parse connMaxLifetime: %w", err)
		}
		poolConfig.MaxConnLifetime = lifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create database connection pool: %w", err)
	}

	slog.Info("Database connection pool created",
		"user", cfg.User, "host", cfg.Host, "port", cfg.Port, "database", cfg.Database)
	return pool, nil
}

// NewRedisClient creates the Redis client shared by the coordination store
// and the work queue.
func NewRedisClient(cfg *config.RedisConfig) (redis.UniversalClient, error) {
	if cfg == nil || cfg.Address == "" {
		return nil, fmt.Errorf("redis address is required")
	}

	password, err := cfg.GetPassword()
	if err != nil {
		return nil, fmt.Errorf("failed to get redis password: %w", err)
	}

	opts := &redis.UniversalOptions{
		Addrs:    []string{cfg.Address},
		Username: cfg.Username,
		Password: password,
		DB:       cfg.DB,
	}
	if cfg.TLS {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	slog.Info("Redis client created", "address", cfg.Address, "db", cfg.DB, "tls", cfg.TLS)
	return redis.NewUniversalClient(opts), nil
}

// Pinger is implemented by every backend WaitReady can wait on
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to the Pinger interface
type PingFunc func(ctx context.Context) error

// Ping calls f
func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// RedisPinger adapts a Redis client to the Pinger interface
func RedisPinger(client redis.UniversalClient) Pinger {
	return PingFunc(func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	})
}

// WaitReady pings the backend with exponential backoff until it answers,
// maxElapsed passes or ctx ends.
func WaitReady(ctx context.Context, name string, p Pinger, maxElapsed time.Duration) error {
	if maxElapsed <= 0 {
		maxElapsed = DefaultReadyTimeout
	}

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, p.Ping(ctx)
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(maxElapsed),
		backoff.WithNotify(func(err error, d time.Duration) {
			slog.Warn("Backend not ready, retrying", "backend", name, "error", err, "backoff", d)
		}),
	)
	if err != nil {
		return fmt.Errorf("%s not ready: %w", name, err)
	}

	slog.Info("Backend ready", "backend", name)
	return nil
}
