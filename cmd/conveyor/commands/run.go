package commands

import (
	"context"
	"fmt"
	"sync"

	"github.com/spf13/cobra"

	"github.com/openfroyo/conveyor/pkg/config"
	"github.com/openfroyo/conveyor/pkg/engine"
	"github.com/openfroyo/conveyor/pkg/telemetry"
)

func newRunCommand() *cobra.Command {
	var (
		wait  bool
		quiet bool
	)

	cmd := &cobra.Command{
		Use:   "run <pipeline-file>",
		Short: "Run a pipeline",
		Long: `Register a pipeline file and execute it.

Local pipelines run step by step in a fresh workspace and the command returns
when the run finishes. Remote pipelines are handed to the configured CI tool;
with --wait (the default) the command follows the external build until it
reaches a final status.

Interrupting the command cancels a local run.`,
		Example: `  # Run a pipeline locally
  conveyor run pipelines/build.yaml

  # Delegate to Jenkins and return once the build is queued
  conveyor run --wait=false pipelines/release.cue`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			pf, err := config.LoadPipelineFile(args[0])
			if err != nil {
				return err
			}

			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			pipelineID, err := a.registerPipeline(ctx, pf)
			if err != nil {
				return err
			}

			var followers sync.WaitGroup
			if !quiet && !jsonOutput {
				followCtx, stopFollow := context.WithCancel(ctx)
				defer func() {
					stopFollow()
					followers.Wait()
				}()
				events, err := a.tel.Events.Subscribe(followCtx)
				if err != nil {
					a.logger.WithError(err).Debug("not streaming events")
				} else {
					followers.Add(1)
					go func() {
						defer followers.Done()
						followEvents(followCtx, events)
					}()
				}
			}

			rec, err := a.engine.StartExecution(ctx, pipelineID)
			if err != nil {
				return err
			}
			a.logger.WithExecutionID(rec.ID).WithPipeline(pipelineID, pf.Name).Info("execution started")

			if err := a.engine.ExecutePipeline(ctx, rec.ID); err != nil {
				return reportExecution(context.WithoutCancel(ctx), a, rec.ID, err)
			}

			current, err := a.store.GetExecution(ctx, rec.ID)
			if err != nil {
				return err
			}
			if current.Mode == engine.ModeRemote && !current.Status.IsTerminal() {
				if !wait {
					fmt.Fprintf(stdout(), "Execution %s dispatched to %s as %s\n", rec.ID, pf.Tool, current.ExternalID)
					return nil
				}
				if err := a.engine.Monitors().Wait(ctx, rec.ID); err != nil {
					fmt.Fprintf(stdout(), "Stopped following execution %s; the external build keeps running\n", rec.ID)
					return nil
				}
			}
			return reportExecution(context.WithoutCancel(ctx), a, rec.ID, nil)
		},
	}

	cmd.Flags().BoolVar(&wait, "wait", true, "follow remote runs until they finish")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "do not stream execution events")

	return cmd
}

// followEvents prints bus events until ctx is done.
func followEvents(ctx context.Context, events <-chan telemetry.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			prefix := ev.Type
			if ev.StepID != "" {
				prefix = ev.Type + " " + ev.StepID
			}
			fmt.Fprintf(stdout(), "%s  %-28s %s\n", ev.Timestamp.Local().Format("15:04:05"), prefix, ev.Message)
		}
	}
}

// reportExecution prints the final state of an execution and turns a
// non-successful status into an error.
func reportExecution(ctx context.Context, a *app, executionID string, runErr error) error {
	rec, err := a.store.GetExecution(ctx, executionID)
	if err != nil {
		if runErr != nil {
			return runErr
		}
		return err
	}
	stepRecs, err := a.store.ListStepExecutions(ctx, executionID)
	if err != nil {
		a.logger.WithError(err).Warn("failed to load step executions")
	}

	if jsonOutput {
		if err := printJSON(stdout(), executionView{ExecutionRecord: rec, Steps: stepRecs}); err != nil {
			return err
		}
	} else {
		fmt.Fprintln(stdout())
		printExecution(stdout(), rec, stepRecs)
	}

	if runErr != nil {
		return runErr
	}
	if rec.Status != engine.StatusSuccess && rec.Status.IsTerminal() {
		return fmt.Errorf("execution %s finished with status %s", rec.ID, rec.Status)
	}
	return nil
}

type executionView struct {
	*engine.ExecutionRecord
	Steps  []engine.StepExecutionRecord `json:"steps,omitempty"`
	Events []engine.Event               `json:"events,omitempty"`
}
