package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/BaSui01/agentrun/internal/migration"
)

// =============================================================================
// Database Migration Commands
// =============================================================================

func newMigrateCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the event log schema",
		Long: `Migrate applies the versioned schema of the event log table to the
database configured in the database section (postgres, mysql or sqlite).

Examples:
  agentrun migrate up
  agentrun migrate status --config /etc/agentrun/config.yaml
  agentrun migrate down --all
  agentrun migrate goto 1
  agentrun migrate force 1`,
	}

	// withCLI 为每个子命令打开迁移器，执行完毕后关闭
	withCLI := func(fn func(cmd *cobra.Command, cli *migration.CLI, args []string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			policy, err := a.cfg.Retry.Policy()
			if err != nil {
				return err
			}
			m, err := migration.NewMigratorFromDatabaseConfig(cmd.Context(), a.cfg.Database, policy, a.logger)
			if err != nil {
				return fmt.Errorf("failed to create migrator: %w", err)
			}
			defer m.Close()
			return fn(cmd, migration.NewCLI(m, cmd.OutOrStdout()), args)
		}
	}

	var all bool
	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back the last migration",
		Args:  cobra.NoArgs,
		RunE: withCLI(func(cmd *cobra.Command, cli *migration.CLI, _ []string) error {
			return cli.RunDown(cmd.Context(), all)
		}),
	}
	down.Flags().BoolVar(&all, "all", false, "Roll back every migration")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			Args:  cobra.NoArgs,
			RunE: withCLI(func(cmd *cobra.Command, cli *migration.CLI, _ []string) error {
				return cli.RunUp(cmd.Context())
			}),
		},
		down,
		&cobra.Command{
			Use:   "status",
			Short: "Show migration status",
			Args:  cobra.NoArgs,
			RunE: withCLI(func(cmd *cobra.Command, cli *migration.CLI, _ []string) error {
				return cli.RunStatus(cmd.Context())
			}),
		},
		&cobra.Command{
			Use:   "version",
			Short: "Show the current migration version",
			Args:  cobra.NoArgs,
			RunE: withCLI(func(cmd *cobra.Command, cli *migration.CLI, _ []string) error {
				return cli.RunVersion(cmd.Context())
			}),
		},
		&cobra.Command{
			Use:   "steps <n>",
			Short: "Apply n migrations, or roll back when n is negative",
			Args:  cobra.ExactArgs(1),
			RunE: withCLI(func(cmd *cobra.Command, cli *migration.CLI, args []string) error {
				n, err := strconv.Atoi(args[0])
				if err != nil || n == 0 {
					return fmt.Errorf("invalid step count %q", args[0])
				}
				return cli.RunSteps(cmd.Context(), n)
			}),
		},
		&cobra.Command{
			Use:   "goto <version>",
			Short: "Migrate to a specific version",
			Args:  cobra.ExactArgs(1),
			RunE: withCLI(func(cmd *cobra.Command, cli *migration.CLI, args []string) error {
				v, err := strconv.ParseUint(args[0], 10, 32)
				if err != nil {
					return fmt.Errorf("invalid version %q", args[0])
				}
				return cli.RunGoto(cmd.Context(), uint(v))
			}),
		},
		&cobra.Command{
			Use:   "force <version>",
			Short: "Set the migration version without running SQL (clears a dirty state)",
			Args:  cobra.ExactArgs(1),
			RunE: withCLI(func(cmd *cobra.Command, cli *migration.CLI, args []string) error {
				v, err := strconv.Atoi(args[0])
				if err != nil {
					return fmt.Errorf("invalid version %q", args[0])
				}
				return cli.RunForce(cmd.Context(), v)
			}),
		},
	)
	return cmd
}
