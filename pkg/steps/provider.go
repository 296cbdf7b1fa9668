package steps

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/openfroyo/conveyor/pkg/engine"
)

// ProviderResult is the outcome of a capability provider call.
type ProviderResult struct {
	Success  bool
	Output   string
	ExitCode int
	TimedOut bool

	// Logs is the provider's own log stream, one entry per line.
	Logs []string

	Data map[string]interface{}
}

// CapabilityProvider is a tool integration invoked by step executors.
type CapabilityProvider interface {
	Name() string
	Execute(ctx context.Context, params ProviderParams, rc engine.RunContext) (*ProviderResult, error)
}

// ProviderParams is the request passed to a capability provider.
type ProviderParams struct {
	// Args are the tool arguments.
	Args []string

	// Dir overrides the run's current directory.
	Dir string

	Env     map[string]string
	Timeout time.Duration
}

// CLIProvider runs a command-line tool through a Runner.
type CLIProvider struct {
	name   string
	binary string
	runner Runner
}

// NewCLIProvider creates a provider invoking binary.
func NewCLIProvider(name, binary string, runner Runner) *CLIProvider {
	if runner == nil {
		runner = NewShellRunner()
	}
	return &CLIProvider{name: name, binary: binary, runner: runner}
}

// Name returns the provider name.
func (p *CLIProvider) Name() string { return p.name }

// Binary returns the executable the provider runs.
func (p *CLIProvider) Binary() string { return p.binary }

// Execute runs the tool with params.Args. A tool that cannot be started is
// reported as an unsuccessful result.
func (p *CLIProvider) Execute(ctx context.Context, params ProviderParams, rc engine.RunContext) (*ProviderResult, error) {
	dir := params.Dir
	if dir == "" {
		dir = rc.CurrentDirectory()
	}
	env := rc.Environment()
	for k, v := range params.Env {
		env[k] = v
	}

	rc.Logger().WithFields(map[string]interface{}{
		"provider": p.name,
		"args":     params.Args,
		"dir":      dir,
	}).Debug("invoking provider")

	res, err := p.runner.Run(ctx, CommandRequest{
		Command: p.binary,
		Args:    params.Args,
		Dir:     dir,
		Env:     env,
		Timeout: params.Timeout,
	})
	if err != nil {
		return &ProviderResult{
			Success:  false,
			Output:   fmt.Sprintf("%s: %v", p.binary, err),
			ExitCode: -1,
		}, nil
	}

	return &ProviderResult{
		Success:  res.Succeeded(),
		Output:   res.Output,
		ExitCode: res.ExitCode,
		TimedOut: res.TimedOut,
		Logs:     splitLines(res.Output),
	}, nil
}

// Command renders the provider invocation for display.
func (p *CLIProvider) Command(args []string) string {
	parts := make([]string, 0, len(args)+1)
	parts = append(parts, p.binary)
	for _, a := range args {
		parts = append(parts, posixQuote(a))
	}
	return strings.Join(parts, " ")
}

func splitLines(s string) []string {
	s = strings.TrimRight(s, "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

// posixQuote quotes a word for display when it contains shell metacharacters.
func posixQuote(s string) string {
	if s != "" && !strings.ContainsAny(s, " \t\n'\"\\$`&|;<>()*?[]{}~#!") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// providerStepResult maps a provider result onto a StepResult.
func providerStepResult(step engine.StepDefinition, command string, pr *ProviderResult, start time.Time) *engine.StepResult {
	data := map[string]interface{}{
		"command":   command,
		"exit_code": pr.ExitCode,
	}
	for k, v := range pr.Data {
		data[k] = v
	}
	res := &engine.StepResult{
		Success:  pr.Success,
		Output:   pr.Output,
		Data:     data,
		Duration: time.Since(start),
	}
	switch {
	case pr.TimedOut:
		res.Status = engine.StatusTimeout
		res.ErrorMessage = fmt.Sprintf("step %s timed out after %s", step.ID, step.Timeout)
		res.Err = engine.NewTimeoutError(res.ErrorMessage, context.DeadlineExceeded).WithStep(step.ID)
	case !pr.Success:
		res.ErrorMessage = fmt.Sprintf("%s failed with exit code %d", command, pr.ExitCode)
	}
	return res
}
