// Package app provides the command line interface of docsync.
package app

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/stacklok/docsync/internal/config"
	"github.com/stacklok/docsync/internal/versions"
)

// NewRootCmd creates the docsync root command with every subcommand
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:               "docsync",
		DisableAutoGenTag: true,
		SilenceUsage:      true,
		Short:             "Document metadata and deletion sync",
		Long: `docsync keeps the search index in line with the relational store. It
propagates document set, user group and access changes to the indexed
documents and removes the documents of connector credential pairs being
deleted.`,
		Run: func(cmd *cobra.Command, _ []string) {
			// If no subcommand is provided, print help
			if err := cmd.Help(); err != nil {
				slog.Error("Error displaying help", "error", err)
			}
		},
	}

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newWorkerCmd())
	rootCmd.AddCommand(newBeatCmd())
	rootCmd.AddCommand(newMigrateCmd())
	rootCmd.AddCommand(newPrimeDBCmd())
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}

// bindFlags returns a viper instance resolving each flag of cmd from the
// command line first and from DOCSYNC_<FLAG> second.
func bindFlags(cmd *cobra.Command) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(config.EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	var bindErr error
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		if err := v.BindPFlag(f.Name, f); err != nil && bindErr == nil {
			bindErr = fmt.Errorf("failed to bind %s flag: %w", f.Name, err)
		}
	})
	return v, bindErr
}

// loadConfig loads the file named by the config flag or DOCSYNC_CONFIG
func loadConfig(v *viper.Viper) (*config.Config, error) {
	path := v.GetString("config")
	if path == "" {
		return nil, config.ErrNoConfig
	}
	cfg, err := config.LoadConfig(config.WithConfigPath(path))
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	slog.Info("Loaded configuration", "path", path)
	return cfg, nil
}

func newVersionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			info := versions.GetVersionInfo()
			format, err := cmd.Flags().GetString("format")
			if err != nil {
				return fmt.Errorf("failed to get format flag: %w", err)
			}

			if format == "json" {
				output, err := json.MarshalIndent(info, "", "  ")
				if err != nil {
					return fmt.Errorf("failed to format version info as JSON: %w", err)
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), string(output))
				return err
			}

			slog.Info("docsync version",
				"version", info.Version,
				"commit", info.Commit,
				"built", info.BuildDate,
				"go", info.GoVersion,
				"platform", info.Platform)
			return nil
		},
	}
	cmd.Flags().String("format", "", "Output format (json)")
	return cmd
}
