package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/openfroyo/conveyor/pkg/engine"
	"github.com/openfroyo/conveyor/pkg/stores"
	"github.com/openfroyo/conveyor/pkg/telemetry"
)

// EnvPrefix prefixes environment overrides, e.g. CONVEYOR_ENGINE_MAX_PARALLEL.
const EnvPrefix = "CONVEYOR"

// Config is the application configuration.
type Config struct {
	Workspace WorkspaceConfig       `mapstructure:"workspace"`
	Store     stores.Config         `mapstructure:"store"`
	Engine    engine.EngineConfig   `mapstructure:"engine"`
	CITools   []engine.CIToolConfig `mapstructure:"ci_tools" validate:"dive"`
	Telemetry telemetry.Config      `mapstructure:"telemetry"`
	Policy    PolicyConfig          `mapstructure:"policy"`
	Pipelines PipelinesConfig       `mapstructure:"pipelines"`
	Steps     StepsConfig           `mapstructure:"steps"`
}

// WorkspaceConfig configures workspace allocation.
type WorkspaceConfig struct {
	// Root is the directory holding one workspace per execution.
	Root string `mapstructure:"root" validate:"required"`

	// PruneAfter is the age after which `workspaces prune` removes
	// preserved workspaces.
	PruneAfter time.Duration `mapstructure:"prune_after" validate:"gte=0"`
}

// PolicyConfig configures the pre-dispatch policy gate.
type PolicyConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Paths   []string `mapstructure:"paths"`

	// Watch reloads policies when the files change.
	Watch bool `mapstructure:"watch"`
}

// PipelinesConfig configures the pipeline definition directory.
type PipelinesConfig struct {
	Dir string `mapstructure:"dir"`

	// Watch re-registers pipelines when their files change.
	Watch bool `mapstructure:"watch"`
}

// StepsConfig configures the built-in step executors.
type StepsConfig struct {
	ScriptTimeout time.Duration `mapstructure:"script_timeout" validate:"gte=0"`

	// ProvidersDir holds WebAssembly providers that replace the CLI tools
	// (docker, helm, ...). Empty disables them.
	ProvidersDir string `mapstructure:"providers_dir"`

	// ProviderMemoryPages caps provider memory in 64KB pages.
	ProviderMemoryPages uint32 `mapstructure:"provider_memory_pages" validate:"lte=65536"`
}

// Default returns the default configuration.
func Default() *Config {
	root := filepath.Join(DataDir(), "workspaces")
	return &Config{
		Workspace: WorkspaceConfig{
			Root:       root,
			PruneAfter: 7 * 24 * time.Hour,
		},
		Store: stores.Config{
			Path: filepath.Join(DataDir(), "conveyor.db"),
		},
		Engine:    engine.DefaultEngineConfig(),
		Telemetry: *telemetry.DefaultConfig(),
		Policy: PolicyConfig{
			Enabled: true,
		},
		Pipelines: PipelinesConfig{
			Dir: "pipelines",
		},
		Steps: StepsConfig{
			ScriptTimeout:       30 * time.Second,
			ProviderMemoryPages: 256,
		},
	}
}

// DataDir returns the directory for the database and workspaces.
func DataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "conveyor")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".conveyor"
	}
	return filepath.Join(home, ".local", "share", "conveyor")
}

// SetDefaults registers default values with v so that every key can be
// overridden from the environment.
func SetDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("workspace.root", d.Workspace.Root)
	v.SetDefault("workspace.prune_after", d.Workspace.PruneAfter)

	v.SetDefault("store.path", d.Store.Path)
	v.SetDefault("store.max_open_conns", d.Store.MaxOpenConns)
	v.SetDefault("store.max_idle_conns", d.Store.MaxIdleConns)
	v.SetDefault("store.conn_max_lifetime", d.Store.ConnMaxLifetime)

	v.SetDefault("engine.max_parallel", d.Engine.MaxParallel)
	v.SetDefault("engine.retry.max_retries", d.Engine.Retry.MaxRetries)
	v.SetDefault("engine.retry.initial_interval", d.Engine.Retry.InitialInterval)
	v.SetDefault("engine.retry.max_interval", d.Engine.Retry.MaxInterval)
	v.SetDefault("engine.poll_interval", d.Engine.PollInterval)
	v.SetDefault("engine.remote_timeout", d.Engine.RemoteTimeout)
	v.SetDefault("engine.max_poll_failures", d.Engine.MaxPollFailures)
	v.SetDefault("engine.force_cleanup", d.Engine.ForceCleanup)

	t := d.Telemetry
	v.SetDefault("telemetry.service_name", t.ServiceName)
	v.SetDefault("telemetry.service_version", t.ServiceVersion)
	v.SetDefault("telemetry.environment", t.Environment)
	v.SetDefault("telemetry.logging.level", t.Logging.Level)
	v.SetDefault("telemetry.logging.format", t.Logging.Format)
	v.SetDefault("telemetry.logging.output", t.Logging.Output)
	v.SetDefault("telemetry.logging.enable_caller", t.Logging.EnableCaller)
	v.SetDefault("telemetry.logging.enable_sampling", t.Logging.EnableSampling)
	v.SetDefault("telemetry.logging.sampling_initial", t.Logging.SamplingInitial)
	v.SetDefault("telemetry.logging.sampling_thereafter", t.Logging.SamplingThereafter)
	v.SetDefault("telemetry.logging.time_format", t.Logging.TimeFormat)
	v.SetDefault("telemetry.tracing.enabled", t.Tracing.Enabled)
	v.SetDefault("telemetry.tracing.exporter", t.Tracing.Exporter)
	v.SetDefault("telemetry.tracing.endpoint", t.Tracing.Endpoint)
	v.SetDefault("telemetry.tracing.sampling_rate", t.Tracing.SamplingRate)
	v.SetDefault("telemetry.tracing.max_export_batch_size", t.Tracing.MaxExportBatchSize)
	v.SetDefault("telemetry.tracing.export_timeout", t.Tracing.ExportTimeout)
	v.SetDefault("telemetry.tracing.insecure", t.Tracing.Insecure)
	v.SetDefault("telemetry.metrics.enabled", t.Metrics.Enabled)
	v.SetDefault("telemetry.metrics.listen_address", t.Metrics.ListenAddress)
	v.SetDefault("telemetry.metrics.path", t.Metrics.Path)
	v.SetDefault("telemetry.metrics.namespace", t.Metrics.Namespace)
	v.SetDefault("telemetry.metrics.histogram_buckets", t.Metrics.DefaultHistogramBuckets)
	v.SetDefault("telemetry.events.enabled", t.Events.Enabled)
	v.SetDefault("telemetry.events.buffer_size", t.Events.BufferSize)
	v.SetDefault("telemetry.events.persistent", t.Events.Persistent)
	v.SetDefault("telemetry.events.block_until_ack", t.Events.BlockUntilAck)

	v.SetDefault("policy.enabled", d.Policy.Enabled)
	v.SetDefault("policy.paths", d.Policy.Paths)
	v.SetDefault("policy.watch", d.Policy.Watch)

	v.SetDefault("pipelines.dir", d.Pipelines.Dir)
	v.SetDefault("pipelines.watch", d.Pipelines.Watch)

	v.SetDefault("steps.script_timeout", d.Steps.ScriptTimeout)
	v.SetDefault("steps.providers_dir", d.Steps.ProvidersDir)
	v.SetDefault("steps.provider_memory_pages", d.Steps.ProviderMemoryPages)
}

// NewViper returns a viper instance with defaults, environment overrides and,
// when path is not empty, the given config file. With an empty path the file
// conveyor.yaml is looked up in the working directory and the user config
// directory; a missing file is not an error.
func NewViper(path string) (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		return v, nil
	}

	v.SetConfigName("conveyor")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath(ConfigDir())
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}
	return v, nil
}

// ConfigDir returns the user configuration directory.
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "conveyor")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".conveyor"
	}
	return filepath.Join(home, ".config", "conveyor")
}

// Load reads the configuration from path (see NewViper) and validates it.
func Load(path string) (*Config, error) {
	v, err := NewViper(path)
	if err != nil {
		return nil, err
	}
	return FromViper(v)
}

// FromViper decodes and validates the configuration held by v.
func FromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	// Tokens may reference the environment, e.g. token: ${JENKINS_TOKEN}.
	for i := range cfg.CITools {
		cfg.CITools[i].Token = os.ExpandEnv(cfg.CITools[i].Token)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the configuration.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Store.Path == "" {
		return fmt.Errorf("invalid config: store.path is required")
	}
	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("invalid config: telemetry: %w", err)
	}

	seen := make(map[string]bool, len(c.CITools))
	for _, tool := range c.CITools {
		if seen[tool.Name] {
			return fmt.Errorf("invalid config: duplicate ci tool %q", tool.Name)
		}
		seen[tool.Name] = true
	}
	return nil
}

// CITool returns the CI tool with the given name.
func (c *Config) CITool(name string) (*engine.CIToolConfig, bool) {
	for i := range c.CITools {
		if c.CITools[i].Name == name {
			return &c.CITools[i], true
		}
	}
	return nil, false
}
