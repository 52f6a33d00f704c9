package database

import (
	"context"
	"io/fs"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrations(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	db, cleanupFunc := SetupTestDBContainer(t, ctx)
	t.Cleanup(cleanupFunc)

	connString := db.Config().ConnString()

	m, err := GetMigrate(connString)
	require.NoError(t, err)
	defer m.Close()

	fnames, err := fs.Glob(migrationsFS, "migrations/*.up.sql")
	require.NoError(t, err)
	require.NotEmpty(t, fnames)

	for i := 1; i <= len(fnames); i++ {
		// step up
		err = m.Steps(i)
		assert.NoError(t, err)

		// step down
		err = m.Steps(-i)
		assert.NoError(t, err)

		// step up again
		err = m.Steps(i)
		assert.NoError(t, err)

		version, dirty, err := m.Version()
		require.NoError(t, err)
		assert.False(t, dirty)
		assert.Equal(t, uint(i), version)

		// leave the schema empty for the next iteration
		err = m.Steps(-i)
		assert.NoError(t, err)
	}
}

func TestToMigrateURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "postgres scheme", in: "postgres://u:p@h:5432/db?sslmode=disable", want: "pgx5://u:p@h:5432/db?sslmode=disable"},
		{name: "postgresql scheme", in: "postgresql://u@h/db", want: "pgx5://u@h/db"},
		{name: "already pgx5", in: "pgx5://u@h/db", want: "pgx5://u@h/db"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, toMigrateURL(tt.in))
		})
	}
}
