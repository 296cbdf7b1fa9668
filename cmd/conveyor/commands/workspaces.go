package commands

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/openfroyo/conveyor/pkg/workspace"
)

func openWorkspaces() (*workspace.Manager, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	tel, err := newTelemetry(cfg)
	if err != nil {
		return nil, err
	}
	return workspace.NewManager(cfg.Workspace.Root, workspace.WithLogger(tel.Logger.NewComponentLogger("workspace")))
}

func newWorkspacesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "workspaces",
		Aliases: []string{"ws"},
		Short:   "Manage execution workspaces",
		Long: `Workspaces are the per-execution directories steps run in. They are
kept after a run when preservation is enabled, or when cleanup failed.`,
	}

	cmd.AddCommand(newWorkspacesListCommand())
	cmd.AddCommand(newWorkspacesCleanCommand())
	cmd.AddCommand(newWorkspacesPruneCommand())
	return cmd
}

func newWorkspacesListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List preserved workspaces",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := openWorkspaces()
			if err != nil {
				return err
			}
			list, err := m.ListPreservedWorkspaces()
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(stdout(), list)
			}
			if len(list) == 0 {
				fmt.Fprintf(stdout(), "No workspaces under %s\n", m.Root())
				return nil
			}
			tw := newTable(stdout())
			fmt.Fprintln(tw, "EXECUTION\tWORKSPACE\tSIZE\tMODIFIED")
			for _, w := range list {
				execID := w.ExecutionID
				if execID == "" {
					execID = "-"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", execID, w.Name,
					humanize.Bytes(uint64(w.SizeBytes)), humanize.Time(w.ModTime))
			}
			return tw.Flush()
		},
	}
}

func newWorkspacesCleanCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "clean <execution-id>...",
		Short: "Remove the workspaces of the given executions",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := openWorkspaces()
			if err != nil {
				return err
			}
			for _, id := range args {
				if err := m.CleanupWorkspace(id, true); err != nil {
					return fmt.Errorf("failed to clean workspace of %s: %w", id, err)
				}
				fmt.Fprintf(stdout(), "✓ Removed workspace of %s\n", id)
			}
			return nil
		},
	}
}

func newWorkspacesPruneCommand() *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Remove preserved workspaces older than a given age",
		Example: `  # Use workspace.prune_after from the config
  conveyor workspaces prune

  # Remove everything older than a day
  conveyor workspaces prune --older-than 24h`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("older-than") {
				olderThan = cfg.Workspace.PruneAfter
			}
			m, err := openWorkspaces()
			if err != nil {
				return err
			}
			n, err := m.PruneOlderThan(olderThan)
			if err != nil {
				return err
			}
			fmt.Fprintf(stdout(), "Removed %d workspace(s) older than %s\n", n, olderThan)
			return nil
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "minimum age of removed workspaces")
	return cmd
}
