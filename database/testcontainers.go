package database

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	tc "github.com/testcontainers/testcontainers-go"
	tclog "github.com/testcontainers/testcontainers-go/log"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

type nopLogger struct{}

func (*nopLogger) Printf(_ string, _ ...any) {}

var _ tclog.Logger = (*nopLogger)(nil)

const (
	dbImage = "postgres:16-alpine"
	dbName  = "docsync_test"
	dbUser  = "docsync"
	dbPass  = "docsync"
)

// SetupTestDBContainer starts a Postgres container and returns a pool connected to it.
// No migration is applied.
func SetupTestDBContainer(t *testing.T, ctx context.Context) (*pgxpool.Pool, func()) {
	t.Helper()

	postgresContainer, err := postgres.Run(
		ctx,
		dbImage,
		postgres.WithDatabase(dbName),
		postgres.WithUsername(dbUser),
		postgres.WithPassword(dbPass),
		postgres.BasicWaitStrategies(),
		tc.WithLogger(&nopLogger{}),
	)
	require.NoError(t, err)

	connStr, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)

	cleanupFunc := func() {
		pool.Close()
		tc.CleanupContainer(t, postgresContainer)
	}

	return pool, cleanupFunc
}

// SetupTestDB starts a Postgres container with the docsync schema in place.
// The returned pool is ready for store.NewPostgresStore.
func SetupTestDB(t *testing.T) (*pgxpool.Pool, func()) {
	t.Helper()

	ctx := context.Background()
	pool, cleanupFunc := SetupTestDBContainer(t, ctx)

	m, err := GetMigrate(pool.Config().ConnString())
	require.NoError(t, err)
	defer func() {
		srcErr, dbErr := m.Close()
		require.NoError(t, srcErr)
		require.NoError(t, dbErr)
	}()

	if err := m.Up(); err != nil {
		cleanupFunc()
		require.NoError(t, err, "failed to apply docsync migrations")
	}

	return pool, cleanupFunc
}
