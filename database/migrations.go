// Package database provides database migration tooling.
package database

import (
	"embed"
	"fmt"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	// Registers the pgx5:// scheme with golang-migrate
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

//go:embed prime.sql.tmpl
var primeTemplate []byte

// Migrator is the interface for the migration tooling.
type Migrator interface {
	Up() error
	Down() error
	Steps(int) error
	Version() (uint, bool, error)
	Close() (source error, database error)
}

// GetMigrate returns a migrate instance reading the embedded migrations and
// targeting the database of the given postgres:// or pgx5:// connection string.
func GetMigrate(connString string) (*migrate.Migrate, error) {
	d, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to read embedded migrations: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", d, toMigrateURL(connString))
	if err != nil {
		return nil, fmt.Errorf("failed to create migrator: %w", err)
	}
	return m, nil
}

// NewFromConnectionString returns a new migration instance from the given connection string.
func NewFromConnectionString(connString string) (Migrator, error) {
	return GetMigrate(connString)
}

func toMigrateURL(connString string) string {
	for _, scheme := range []string{"postgres://", "postgresql://"} {
		if rest, ok := strings.CutPrefix(connString, scheme); ok {
			return "pgx5://" + rest
		}
	}
	return connString
}

// GetPrimeTemplate returns the SQL template creating the application role and login user
func GetPrimeTemplate() ([]byte, error) {
	if len(primeTemplate) == 0 {
		return nil, fmt.Errorf("prime template is empty")
	}
	return primeTemplate, nil
}
