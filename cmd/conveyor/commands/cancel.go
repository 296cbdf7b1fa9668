package commands

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/conveyor/pkg/engine"
)

func newCancelCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel <execution-id>",
		Short: "Cancel an execution",
		Long: `Mark a non-terminal execution as cancelled.

Executions owned by another process, such as a running 'conveyor run', are
only cancelled in the record store. Interrupt that process to stop its local
steps.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			err = a.engine.CancelExecution(ctx, args[0])
			if errors.Is(err, engine.ErrAlreadyTerminal) {
				rec, getErr := a.store.GetExecution(ctx, args[0])
				if getErr == nil {
					fmt.Fprintf(stdout(), "Execution %s already finished (%s)\n", rec.ID, rec.Status)
					return nil
				}
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(stdout(), "%s Execution %s cancelled\n", statusMark(engine.StatusCancelled), args[0])
			return nil
		},
	}
	return cmd
}
