package app

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	"github.com/spf13/cobra"

	"github.com/stacklok/docsync/database"
)

// errMigrationCancelled is returned when the operator declines the prompt
var errMigrationCancelled = errors.New("migration cancelled by user")

// newMigrator is swapped in tests
var newMigrator = database.NewFromConnectionString

func newMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Database migration tool",
		Long:  `Database migration tool for managing schema versions. Use with 'up' or 'down' subcommands.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Usage()
		},
	}

	cmd.PersistentFlags().BoolP("yes", "y", false, "Answer yes to all questions")
	cmd.PersistentFlags().UintP("num-steps", "n", 0, "Number of steps to migrate (0 = all)")
	cmd.PersistentFlags().String("config", "", "Path to configuration file (YAML format, required)")

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending database migrations",
		Long: `Apply pending database migrations to bring the schema up to date.
The connection parameters are read from the config file.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runMigrate(cmd, true)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Migrate the database down",
		Long: `Migrate the database schema down by reverting migrations.
WARNING: This operation can result in data loss. Use with caution.

Examples:
  # Migrate down by 1 step
  docsync migrate down --config config.yaml --num-steps 1 --yes

  # Migrate down all the way (WARNING: destroys all data)
  docsync migrate down --config config.yaml --yes`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runMigrate(cmd, false)
		},
	})

	return cmd
}

func runMigrate(cmd *cobra.Command, up bool) error {
	v, err := bindFlags(cmd)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(v)
	if err != nil {
		return err
	}

	numSteps := v.GetUint("num-steps")
	if numSteps > math.MaxInt {
		return fmt.Errorf("number of steps exceeds maximum allowed value")
	}

	if !v.GetBool("yes") {
		prompt := fmt.Sprintf("About to migrate %s database %s@%s:%d/%s. Continue?",
			direction(up), cfg.Database.User, cfg.Database.Host, cfg.Database.Port, cfg.Database.Database)
		if !up {
			prompt = "WARNING: migrating down may result in data loss. " + prompt
		}
		if !confirm(cmd.InOrStdin(), cmd.ErrOrStderr(), prompt) {
			slog.Info("Migration cancelled")
			return errMigrationCancelled
		}
	}

	connString, err := cfg.Database.GetConnectionString()
	if err != nil {
		return fmt.Errorf("failed to build connection string: %w", err)
	}

	m, err := newMigrator(connString)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}
	defer func() {
		if srcErr, dbErr := m.Close(); srcErr != nil || dbErr != nil {
			slog.Warn("Failed to close migrator", "source_error", srcErr, "database_error", dbErr)
		}
	}()

	if err := executeMigrate(m, up, int(numSteps)); err != nil { // #nosec G115 -- overflow checked above
		return err
	}

	displayMigrationVersion(m)
	return nil
}

// executeMigrate applies numSteps migrations in the given direction, or all of them when zero
func executeMigrate(m database.Migrator, up bool, numSteps int) error {
	var err error
	switch {
	case numSteps == 0 && up:
		slog.Info("Applying all pending migrations...")
		err = m.Up()
	case numSteps == 0:
		slog.Warn("Migrating down all steps - this will remove all schema!")
		err = m.Down()
	case up:
		slog.Info("Applying migrations...", "steps", numSteps)
		err = m.Steps(numSteps)
	default:
		slog.Info("Reverting migrations...", "steps", numSteps)
		err = m.Steps(-numSteps)
	}

	if err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			slog.Info("No migrations to apply", "direction", direction(up))
			return nil
		}
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("Migration completed successfully")
	return nil
}

func displayMigrationVersion(m database.Migrator) {
	version, dirty, err := m.Version()
	switch {
	case errors.Is(err, migrate.ErrNilVersion):
		slog.Info("Database has no migrations applied")
	case err != nil:
		slog.Warn("Unable to get migration version", "error", err)
	case dirty:
		slog.Warn("Database is in a dirty state", "version", version)
	default:
		slog.Info("Current migration version", "version", version)
	}
}

func direction(up bool) string {
	if up {
		return "up"
	}
	return "down"
}

// confirm asks a yes/no question on out and reads the answer from in
func confirm(in io.Reader, out io.Writer, prompt string) bool {
	_, _ = fmt.Fprintf(out, "%s (yes/no): ", prompt)
	answer, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && answer == "" {
		return false
	}
	answer = strings.ToLower(strings.TrimSpace(answer))
	return answer == "yes" || answer == "y"
}
