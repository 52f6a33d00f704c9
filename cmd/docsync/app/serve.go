package app

import (
	"github.com/spf13/cobra"

	syncapp "github.com/stacklok/docsync/internal/app"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the ops API, the beat and the workers in one process",
		Long: `Run every part of docsync in one process: the ops HTTP API, the beat sending
the periodic ticks and a worker pool consuming all queues.

The configuration file (--config or DOCSYNC_CONFIG) specifies the database,
redis and index connections, the schedule and the worker limits.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			v, err := bindFlags(cmd)
			if err != nil {
				return err
			}
			return runRoles(cmd, syncapp.AllRoles(), syncapp.WithAddress(v.GetString("address")))
		},
	}
	addRunFlags(cmd)
	cmd.Flags().String("address", ":8080", "Address to listen on")
	return cmd
}

func newWorkerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run a worker pool",
		Long: `Run a worker pool. Workers execute the scheduler and monitor ticks as well as
the per-document sync and cleanup tasks. Use worker.queues in the
configuration to dedicate a pool to some queues.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runRoles(cmd, []syncapp.Role{syncapp.RoleWorker})
		},
	}
	addRunFlags(cmd)
	return cmd
}

func newBeatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "beat",
		Short: "Run the beat sending the periodic ticks",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runRoles(cmd, []syncapp.Role{syncapp.RoleBeat})
		},
	}
	addRunFlags(cmd)
	return cmd
}
