package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/openfroyo/conveyor/pkg/config"
	"github.com/openfroyo/conveyor/pkg/engine"
)

type validationReport struct {
	File       string                   `json:"file"`
	Pipeline   string                   `json:"pipeline,omitempty"`
	Error      string                   `json:"error,omitempty"`
	Violations []engine.PolicyViolation `json:"violations,omitempty"`
	Warnings   []string                 `json:"warnings,omitempty"`
}

func (r validationReport) failed(strict bool) bool {
	if r.Error != "" || len(r.Violations) > 0 {
		return true
	}
	return strict && len(r.Warnings) > 0
}

func newValidateCommand() *cobra.Command {
	var strict bool

	cmd := &cobra.Command{
		Use:   "validate [path...]",
		Short: "Validate pipeline files",
		Long: `Validate pipeline files (YAML or CUE) without running them.

This command checks:
  - File syntax and the pipeline schema
  - Step parameters required by each step type
  - Parallel group and step id consistency
  - Policy compliance (OPA/rego), built-in and configured policies

A directory argument validates every pipeline file directly under it.`,
		Example: `  # Validate the configured pipeline directory
  conveyor validate

  # Validate specific files, treating policy warnings as errors
  conveyor validate --strict build.yaml deploy.cue`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			tel, err := newTelemetry(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = tel.Shutdown(ctx) }()

			pe, err := newPolicyEngine(ctx, cfg, tel.Logger)
			if err != nil {
				return err
			}

			if len(args) == 0 {
				args = []string{cfg.Pipelines.Dir}
			}
			files, err := expandPipelinePaths(args)
			if err != nil {
				return err
			}

			var reports []validationReport
			for _, file := range files {
				report := validationReport{File: file}
				def, err := loadDefinition(file)
				if err != nil {
					report.Error = err.Error()
					reports = append(reports, report)
					continue
				}
				report.Pipeline = def.Name
				if pe != nil {
					res, err := pe.EvaluatePipeline(ctx, def)
					if err != nil {
						report.Error = err.Error()
					} else {
						for _, v := range res.Violations {
							if v.Severity == "warning" || v.Severity == "info" {
								continue
							}
							report.Violations = append(report.Violations, v)
						}
						report.Warnings = res.Warnings
					}
				}
				reports = append(reports, report)
			}

			failures := 0
			for _, r := range reports {
				if r.failed(strict) {
					failures++
				}
			}

			if jsonOutput {
				if err := printJSON(stdout(), reports); err != nil {
					return err
				}
			} else {
				for _, r := range reports {
					printReport(r, strict)
				}
				fmt.Fprintf(stdout(), "\n%d file(s) checked, %d failed\n", len(reports), failures)
			}

			if failures > 0 {
				return fmt.Errorf("validation failed for %d file(s)", failures)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&strict, "strict", false, "treat policy warnings as errors")

	return cmd
}

func printReport(r validationReport, strict bool) {
	w := stdout()
	if !r.failed(strict) {
		fmt.Fprintf(w, "✓ %s (%s)\n", r.File, r.Pipeline)
	} else {
		fmt.Fprintf(w, "✗ %s\n", r.File)
	}
	if r.Error != "" {
		fmt.Fprintf(w, "    error: %s\n", r.Error)
	}
	for _, v := range r.Violations {
		step := ""
		if v.StepID != "" {
			step = " [" + v.StepID + "]"
		}
		fmt.Fprintf(w, "    %s: %s%s: %s\n", v.Severity, v.Policy, step, v.Message)
	}
	for _, warn := range r.Warnings {
		fmt.Fprintf(w, "    warning: %s\n", warn)
	}
}

// expandPipelinePaths replaces directories with the pipeline files directly
// under them.
func expandPipelinePaths(paths []string) ([]string, error) {
	var files []string
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, fmt.Errorf("failed to stat %s: %w", p, err)
		}
		if !info.IsDir() {
			files = append(files, p)
			continue
		}
		entries, err := os.ReadDir(p)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", p, err)
		}
		for _, e := range entries {
			if !e.IsDir() && config.IsPipelineFile(e.Name()) {
				files = append(files, filepath.Join(p, e.Name()))
			}
		}
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no pipeline files found")
	}
	return files, nil
}

func loadDefinition(path string) (*engine.PipelineDefinition, error) {
	pf, err := config.LoadPipelineFile(path)
	if err != nil {
		return nil, err
	}
	return pf.Definition()
}
