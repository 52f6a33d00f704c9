package app

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"text/template"

	"github.com/jackc/pgx/v5"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/stacklok/docsync/database"
)

// appRoleName is the role holding the privileges docsync needs at runtime
const appRoleName = "docsync_app"

var usernamePattern = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,62}$`)

func newPrimeDBCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prime-db [username]",
		Short: "Prime the database with role and user",
		Long: `Prime the database by creating the required role and user.

This command:
- Creates the role 'docsync_app' if it doesn't exist
- Creates a login user (specified as positional argument) if it doesn't exist
- Grants the role to the user
- Reads the password from STDIN

The command connects with the database credentials of the --config file, which
must be allowed to create roles. Run it after 'docsync migrate up'.`,
		Args: cobra.ExactArgs(1),
		RunE: runPrimeDB,
	}
	cmd.Flags().String("config", "", "Path to configuration file (YAML format, required)")
	cmd.Flags().Bool("dry-run", false, "Print the SQL that would be executed to standard output")
	return cmd
}

func runPrimeDB(cmd *cobra.Command, args []string) error {
	username := args[0]
	if !usernamePattern.MatchString(username) {
		return fmt.Errorf("invalid username %q: use lowercase letters, digits and underscores", username)
	}

	v, err := bindFlags(cmd)
	if err != nil {
		return err
	}

	password, err := readPassword(cmd.InOrStdin())
	if err != nil {
		return err
	}

	primeSQL, err := executePrimeTemplate(username, password)
	if err != nil {
		return fmt.Errorf("failed to execute template: %w", err)
	}

	if v.GetBool("dry-run") {
		_, err := fmt.Fprintln(cmd.OutOrStdout(), primeSQL)
		return err
	}

	cfg, err := loadConfig(v)
	if err != nil {
		return err
	}
	connString, err := cfg.Database.GetConnectionString()
	if err != nil {
		return fmt.Errorf("failed to build connection string: %w", err)
	}
	if err := executePrimeSQL(cmd.Context(), connString, primeSQL); err != nil {
		return fmt.Errorf("failed to execute prime SQL: %w", err)
	}

	slog.Info("Database primed successfully", "role", appRoleName, "user", username)
	return nil
}

// readPassword reads the password without echo from a terminal, or whole from any other input
func readPassword(in io.Reader) (string, error) {
	var raw []byte
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		slog.Info("Reading password from terminal...")
		b, err := term.ReadPassword(int(f.Fd()))
		if err != nil {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
		raw = b
	} else {
		b, err := io.ReadAll(in)
		if err != nil {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
		raw = b
	}

	password := sanitizePassword(string(raw))
	if password == "" {
		return "", errors.New("password cannot be empty")
	}
	return password, nil
}

func executePrimeSQL(ctx context.Context, connString, primeSQL string) error {
	conn, err := pgx.Connect(ctx, connString)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer func() {
		if closeErr := conn.Close(ctx); closeErr != nil {
			slog.Error("Error closing database connection", "error", closeErr)
		}
	}()

	tx, err := conn.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.Serializable,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
			slog.Error("Failed to rollback transaction", "error", err)
		}
	}()

	if _, err := tx.Exec(ctx, primeSQL); err != nil {
		return fmt.Errorf("failed to prime database: %w", err)
	}
	return tx.Commit(ctx)
}

// executePrimeTemplate renders the prime template for the given user
func executePrimeTemplate(username, password string) (string, error) {
	templateData, err := database.GetPrimeTemplate()
	if err != nil {
		return "", fmt.Errorf("failed to get template: %w", err)
	}

	tmpl, err := template.New("prime").Parse(string(templateData))
	if err != nil {
		return "", fmt.Errorf("failed to parse template: %w", err)
	}

	data := struct {
		Role     string
		Username string
		Password string
	}{
		Role:     appRoleName,
		Username: username,
		Password: password,
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to execute template: %w", err)
	}
	return buf.String(), nil
}

// sanitizePassword trims the input and escapes it for a single quoted SQL literal
func sanitizePassword(password string) string {
	password = strings.TrimSpace(password)
	return strings.ReplaceAll(password, "'", "''")
}
