package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newStatusCommand() *cobra.Command {
	var (
		limit      int
		showEvents bool
	)

	cmd := &cobra.Command{
		Use:   "status [execution-id]",
		Short: "Show execution history or the details of one execution",
		Example: `  # List recent executions
  conveyor status

  # Show one execution with its steps and event timeline
  conveyor status --events 3f0c2f9e-...`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			if len(args) == 0 {
				recs, err := a.store.ListExecutions(ctx, limit)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(stdout(), recs)
				}
				if len(recs) == 0 {
					fmt.Fprintln(stdout(), "No executions yet")
					return nil
				}
				tw := newTable(stdout())
				fmt.Fprintln(tw, "ID\tPIPELINE\tSTATUS\tMODE\tSTARTED\tDURATION")
				for _, r := range recs {
					mode := string(r.Mode)
					if mode == "" {
						mode = "-"
					}
					fmt.Fprintf(tw, "%s\t%s\t%s %s\t%s\t%s\t%s\n",
						r.ID, r.PipelineName, statusMark(r.Status), r.Status, mode,
						formatTime(r.StartedAt), formatDuration(r.StartedAt, r.CompletedAt))
				}
				return tw.Flush()
			}

			rec, err := a.store.GetExecution(ctx, args[0])
			if err != nil {
				return err
			}
			stepRecs, err := a.store.ListStepExecutions(ctx, rec.ID)
			if err != nil {
				return err
			}
			view := executionView{ExecutionRecord: rec, Steps: stepRecs}
			if showEvents {
				view.Events, err = a.store.ListEvents(ctx, rec.ID, 0)
				if err != nil {
					return err
				}
			}

			if jsonOutput {
				return printJSON(stdout(), view)
			}
			printExecution(stdout(), rec, stepRecs)
			if len(view.Events) > 0 {
				fmt.Fprintln(stdout(), "\n  Events:")
				for _, ev := range view.Events {
					fmt.Fprintf(stdout(), "  %s  %-7s %s\n", ev.Timestamp.Local().Format("15:04:05.000"), ev.Level, ev.Message)
				}
			}
			if rec.Logs != "" && verbose {
				fmt.Fprintf(stdout(), "\n  Logs:\n%s\n", rec.Logs)
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of executions to list")
	cmd.Flags().BoolVar(&showEvents, "events", false, "include the event timeline")

	return cmd
}
