package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/sourcegraph/conc/pool"
	"github.com/spf13/cobra"

	"github.com/openfroyo/conveyor/pkg/config"
	"github.com/openfroyo/conveyor/pkg/server"
	"github.com/openfroyo/conveyor/pkg/telemetry"
)

// pruneInterval is how often serve removes expired workspaces.
const pruneInterval = time.Hour

func newServeCommand() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run conveyor as a long-lived service",
		Long: `Run conveyor as a long-lived service.

The service:
  - registers every pipeline file in pipelines.dir, and re-registers them
    on change when pipelines.watch is set
  - serves /healthz and the Prometheus metrics endpoint
  - writes execution events to the log
  - reloads policy files on change when policy.watch is set
  - prunes workspaces older than workspace.prune_after`,
		Example: `  conveyor serve --addr :8080
  curl localhost:8080/healthz`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			if addr == "" {
				addr = a.cfg.Telemetry.Metrics.ListenAddress
			}
			return a.serve(ctx, addr)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default: telemetry.metrics.listen_address)")
	return cmd
}

func (a *app) serve(ctx context.Context, addr string) error {
	a.registerPipelineDir(ctx)

	srv := &http.Server{
		Addr: addr,
		Handler: server.NewRouter(server.Options{
			Health:         a.store,
			Metrics:        a.tel.Metrics,
			MetricsPath:    a.cfg.Telemetry.Metrics.Path,
			ActiveMonitors: a.engine.Monitors().Active,
			Logger:         a.tel.Logger.NewComponentLogger("http"),
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	p := pool.New().WithErrors().WithContext(ctx).WithCancelOnError()

	p.Go(func(ctx context.Context) error {
		a.logger.WithField("addr", addr).Info("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})
	p.Go(func(ctx context.Context) error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	p.Go(func(ctx context.Context) error {
		a.logEvents(ctx)
		return nil
	})
	if a.cfg.Pipelines.Watch && a.cfg.Pipelines.Dir != "" {
		watcher := config.NewWatcher(a.cfg.Pipelines.Dir, a.onPipelineChange, a.tel.Logger, 0)
		p.Go(watcher.Run)
	}
	if a.policy != nil && a.cfg.Policy.Watch && len(a.cfg.Policy.Paths) > 0 {
		if err := a.policy.Watch(ctx, a.cfg.Policy.Paths); err != nil {
			a.logger.WithError(err).Warn("policy hot reload disabled")
		}
	}
	if a.cfg.Workspace.PruneAfter > 0 {
		p.Go(func(ctx context.Context) error {
			a.pruneWorkspaces(ctx)
			return nil
		})
	}

	err := p.Wait()
	a.logger.Info("server stopped")
	return err
}

// registerPipelineDir registers every valid pipeline file under the
// configured directory. Invalid files are logged and skipped.
func (a *app) registerPipelineDir(ctx context.Context) {
	dir := a.cfg.Pipelines.Dir
	if dir == "" {
		return
	}
	if _, err := os.Stat(dir); err != nil {
		a.logger.WithField("dir", dir).Debug("no pipeline directory")
		return
	}
	files, err := config.LoadPipelineDir(dir)
	if err != nil {
		a.logger.WithError(err).Warn("some pipeline files could not be loaded")
	}
	for _, pf := range files {
		if _, err := a.registerPipeline(ctx, pf); err != nil {
			a.logger.WithError(err).Warn("failed to register pipeline")
		}
	}
	a.logger.WithField("count", len(files)).Info("pipelines registered")
}

func (a *app) onPipelineChange(ctx context.Context, path string, pf *config.PipelineFile, err error) {
	logger := a.logger.WithField("file", path)
	if err != nil {
		logger.WithError(err).Warn("pipeline file rejected, keeping the previous definition")
		return
	}
	if _, err := a.registerPipeline(ctx, pf); err != nil {
		logger.WithError(err).Warn("failed to re-register pipeline")
		return
	}
	logger.WithPipeline(pf.ID, pf.Name).Info("pipeline reloaded")
}

// logEvents writes bus events to the log until ctx is done.
func (a *app) logEvents(ctx context.Context) {
	events, err := a.tel.Events.Subscribe(ctx)
	if err != nil {
		a.logger.WithError(err).Debug("event log disabled")
		return
	}
	logger := a.tel.Logger.NewComponentLogger("events")
	for ev := range events {
		l := logger.WithExecutionID(ev.ExecutionID).WithField("type", ev.Type)
		if ev.StepID != "" {
			l = l.WithStepID(ev.StepID)
		}
		switch ev.Level {
		case telemetry.EventLevelError:
			l.Error(ev.Message)
		case telemetry.EventLevelWarning:
			l.Warn(ev.Message)
		default:
			l.Info(ev.Message)
		}
	}
}

func (a *app) pruneWorkspaces(ctx context.Context) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		n, err := a.workspaces.PruneOlderThan(a.cfg.Workspace.PruneAfter)
		switch {
		case err != nil:
			a.logger.WithError(err).Warn("workspace prune failed")
		case n > 0:
			a.logger.WithField("removed", n).Info("pruned workspaces")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
