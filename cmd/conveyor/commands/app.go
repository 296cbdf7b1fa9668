package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/openfroyo/conveyor/pkg/adapters/jenkins"
	"github.com/openfroyo/conveyor/pkg/config"
	"github.com/openfroyo/conveyor/pkg/engine"
	"github.com/openfroyo/conveyor/pkg/policy"
	"github.com/openfroyo/conveyor/pkg/providers/wasm"
	"github.com/openfroyo/conveyor/pkg/steps"
	"github.com/openfroyo/conveyor/pkg/stores"
	"github.com/openfroyo/conveyor/pkg/telemetry"
	"github.com/openfroyo/conveyor/pkg/workspace"
)

// shutdownTimeout bounds engine and telemetry shutdown on exit.
const shutdownTimeout = 10 * time.Second

// app holds the wired components shared by the commands.
type app struct {
	cfg        *config.Config
	tel        *telemetry.Telemetry
	logger     *telemetry.Logger
	store      *stores.SQLiteStore
	workspaces *workspace.Manager
	policy     *policy.Engine
	providers  *wasm.Host
	engine     *engine.PipelineExecutionEngine
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if verbose {
		cfg.Telemetry.Logging.Level = "debug"
	}
	return cfg, nil
}

// newTelemetry builds the telemetry bundle for cfg.
func newTelemetry(cfg *config.Config) (*telemetry.Telemetry, error) {
	tel, err := telemetry.NewTelemetry(&cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	return tel, nil
}

// newPolicyEngine compiles the built-in policies and loads the configured
// ones. It returns nil when policy checks are disabled.
func newPolicyEngine(ctx context.Context, cfg *config.Config, logger *telemetry.Logger) (*policy.Engine, error) {
	if !cfg.Policy.Enabled {
		return nil, nil
	}
	pe, err := policy.NewEngine(ctx, logger.NewComponentLogger("policy"))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize policy engine: %w", err)
	}
	if len(cfg.Policy.Paths) > 0 {
		if err := pe.LoadPolicies(ctx, cfg.Policy.Paths); err != nil {
			return nil, fmt.Errorf("failed to load policies: %w", err)
		}
	}
	return pe, nil
}

// adapterFactory dispatches on the CI tool type.
func adapterFactory(logger *telemetry.Logger) engine.AdapterFactory {
	factories := map[string]engine.AdapterFactory{
		jenkins.Name: jenkins.Factory(logger.NewComponentLogger("adapters")),
	}
	return func(cfg engine.CIToolConfig) (engine.Adapter, error) {
		f, ok := factories[cfg.Type]
		if !ok {
			return nil, engine.NewConfigurationError("", fmt.Sprintf("unsupported CI tool type %q", cfg.Type))
		}
		return f(cfg)
	}
}

// newApp loads the configuration and wires every component. The caller must
// call close.
func newApp(ctx context.Context) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	tel, err := newTelemetry(cfg)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, tel: tel, logger: tel.Logger.NewComponentLogger("cli")}

	if err := a.wire(ctx); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context) error {
	cfg := a.cfg

	store, err := stores.Open(ctx, cfg.Store)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	a.store = store

	// CI tools declared in the config file are the source of truth.
	for i := range cfg.CITools {
		if err := store.SaveCITool(ctx, &cfg.CITools[i]); err != nil {
			return fmt.Errorf("failed to register CI tool %s: %w", cfg.CITools[i].Name, err)
		}
	}

	ws, err := workspace.NewManager(cfg.Workspace.Root,
		workspace.WithLogger(a.tel.Logger.NewComponentLogger("workspace")),
		workspace.WithMetrics(a.tel.Metrics),
	)
	if err != nil {
		return fmt.Errorf("failed to initialize workspaces: %w", err)
	}
	a.workspaces = ws

	pe, err := newPolicyEngine(ctx, cfg, a.tel.Logger)
	if err != nil {
		return err
	}
	a.policy = pe

	providers, err := a.loadProviders(ctx)
	if err != nil {
		return err
	}

	registry := steps.NewDefaultRegistry(steps.Dependencies{
		Notifier:      a.tel.Events,
		ScriptTimeout: cfg.Steps.ScriptTimeout,
		Providers:     providers,
	})

	deps := engine.EngineDeps{
		Store:      store,
		Source:     store,
		Workspaces: ws,
		Executors:  registry,
		Adapters:   adapterFactory(a.tel.Logger),
		Events:     engine.NewBusPublisher(a.tel.Events),
		Telemetry:  a.tel,
	}
	if pe != nil {
		deps.Policy = pe
	}
	eng, err := engine.NewPipelineExecutionEngine(deps, cfg.Engine)
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}
	a.engine = eng
	return nil
}

// loadProviders starts the WebAssembly host when a providers directory is
// configured. Providers that fail to load are logged and skipped.
func (a *app) loadProviders(ctx context.Context) (map[string]steps.CapabilityProvider, error) {
	dir := a.cfg.Steps.ProvidersDir
	if dir == "" {
		return nil, nil
	}
	logger := a.tel.Logger.NewComponentLogger("providers")
	host, err := wasm.NewHost(ctx, wasm.HostConfig{
		MemoryLimitPages: a.cfg.Steps.ProviderMemoryPages,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to start provider host: %w", err)
	}
	a.providers = host

	providers, err := host.LoadDir(ctx, dir)
	if err != nil {
		if providers == nil {
			return nil, fmt.Errorf("failed to load providers: %w", err)
		}
		logger.WithError(err).Warn("some providers could not be loaded")
	}
	return providers, nil
}

// close stops the engine and releases the store and telemetry.
func (a *app) close() {
	if a.engine != nil {
		a.engine.Shutdown(shutdownTimeout)
	}
	var errs []error
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if a.providers != nil {
		errs = append(errs, a.providers.Close(ctx))
	}
	errs = append(errs, a.tel.Shutdown(ctx))
	if err := errors.Join(errs...); err != nil {
		a.logger.WithError(err).Warn("shutdown incomplete")
	}
}

// registerPipeline stores the definition of pf and returns its pipeline id.
func (a *app) registerPipeline(ctx context.Context, pf *config.PipelineFile) (string, error) {
	p, stepRecords := pf.Records()
	if err := a.store.SavePipeline(ctx, p, stepRecords); err != nil {
		return "", fmt.Errorf("failed to save pipeline %s: %w", pf.Name, err)
	}
	a.logger.WithPipeline(p.ID, p.Name).
		WithField("steps", len(stepRecords)).
		WithField("source", pf.Source).
		Debug("pipeline registered")
	return p.ID, nil
}
