package commands

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/conveyor/pkg/config"
	"github.com/openfroyo/conveyor/pkg/stores"
)

const defaultConfigTemplate = `# Conveyor configuration

workspace:
  root: %s
  prune_after: 168h

store:
  path: %s

engine:
  max_parallel: 4
  poll_interval: 5s
  retry:
    max_retries: 0

pipelines:
  dir: %s
  watch: true

policy:
  enabled: true
  paths: []

# steps:
#   script_timeout: 30s
#   providers_dir: .conveyor/providers

# ci_tools:
#   - name: jenkins
#     type: jenkins
#     base_url: https://jenkins.example.com
#     username: ci-bot
#     token: ${JENKINS_TOKEN}

telemetry:
  logging:
    level: info
    format: console
  metrics:
    enabled: true
    listen_address: ":9090"
`

const examplePipeline = `name: hello
steps:
  - name: greet
    type: shell
    parameters:
      command: echo "hello from $(pwd)"
  - name: lint
    type: shell
    parallel_group: checks
    parameters:
      command: echo lint
  - name: unit
    type: shell
    parallel_group: checks
    parameters:
      command: echo unit
`

func newInitCommand() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init [dir]",
		Short: "Initialize a conveyor project",
		Long: `Initialize a project directory with a config file, a pipeline directory
holding an example pipeline, and a migrated SQLite database.`,
		Example: `  # Initialize the current directory
  conveyor init

  # Overwrite an existing conveyor.yaml
  conveyor init --force ./ci`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) > 0 {
				dir = args[0]
			}
			log.Info().Str("dir", dir).Msg("Initializing project")

			dataDir := filepath.Join(dir, ".conveyor")
			pipelinesDir := filepath.Join(dir, "pipelines")
			for _, d := range []string{dataDir, filepath.Join(dataDir, "workspaces"), pipelinesDir} {
				if err := os.MkdirAll(d, 0o755); err != nil {
					return fmt.Errorf("failed to create directory %s: %w", d, err)
				}
				fmt.Fprintf(stdout(), "✓ Created directory: %s\n", d)
			}

			cfgFile := configPath
			if cfgFile == "" {
				cfgFile = filepath.Join(dir, "conveyor.yaml")
			}
			dbPath := filepath.Join(dataDir, "conveyor.db")
			content := fmt.Sprintf(defaultConfigTemplate, filepath.Join(dataDir, "workspaces"), dbPath, pipelinesDir)
			if err := writeFile(cfgFile, content, force); err != nil {
				return err
			}
			fmt.Fprintf(stdout(), "✓ Created config file: %s\n", cfgFile)

			example := filepath.Join(pipelinesDir, "hello.yaml")
			if err := writeFile(example, examplePipeline, false); err == nil {
				fmt.Fprintf(stdout(), "✓ Created example pipeline: %s\n", example)
			} else if !errors.Is(err, fs.ErrExist) {
				return err
			}

			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("generated config is invalid: %w", err)
			}
			store, err := stores.Open(cmd.Context(), cfg.Store)
			if err != nil {
				return fmt.Errorf("failed to initialize database: %w", err)
			}
			if err := store.Close(); err != nil {
				return err
			}
			fmt.Fprintf(stdout(), "✓ Initialized SQLite database: %s\n", dbPath)

			fmt.Fprintf(stdout(), "\nRun the example with:\n  conveyor -c %s run %s\n", cfgFile, example)
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config file")
	return cmd
}

// writeFile creates path with content. Without overwrite an existing file
// yields an error wrapping fs.ErrExist.
func writeFile(path, content string, overwrite bool) error {
	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if !overwrite {
		flags |= os.O_EXCL
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if _, err := f.WriteString(content); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return f.Close()
}
