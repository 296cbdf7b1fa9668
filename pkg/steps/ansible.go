package steps

import (
	"context"
	"time"

	"github.com/openfroyo/conveyor/pkg/engine"
)

// AnsibleStepExecutor runs a playbook as a provider sub-execution. The
// provider's output is kept as its own log stream in Data["logs"].
type AnsibleStepExecutor struct {
	provider CapabilityProvider
	shell    *ShellCommandExecutor
}

// NewAnsibleStepExecutor creates an ansible executor.
func NewAnsibleStepExecutor(provider CapabilityProvider, shell *ShellCommandExecutor) *AnsibleStepExecutor {
	return &AnsibleStepExecutor{provider: provider, shell: shell}
}

// Execute implements engine.StepExecutor.
func (e *AnsibleStepExecutor) Execute(ctx context.Context, step engine.StepDefinition, rc engine.RunContext) (*engine.StepResult, error) {
	if step.StringParam(engine.ParamCommand) != "" {
		return e.shell.Execute(ctx, step, rc)
	}

	playbook := step.StringParam("playbook")
	if playbook == "" {
		return nil, engine.NewConfigurationError(step.ID, "ansible step requires 'playbook' or 'command'")
	}

	args := AnsibleArgs(step, rc.ResolvePath(playbook))

	logger := rc.Logger().NewComponentLogger("ansible").WithStepID(step.ID)
	logger.WithField("playbook", playbook).Info("starting playbook")

	start := time.Now()
	pr, err := e.provider.Execute(ctx, ProviderParams{
		Args:    args,
		Env:     mergeEnv(map[string]string{"ANSIBLE_FORCE_COLOR": "0"}, step.StringMapParam(engine.ParamEnv)),
		Timeout: step.Timeout,
	}, rc)
	if err != nil {
		res := engine.FailedResult(err.Error())
		res.Duration = time.Since(start)
		return res, nil
	}

	for _, line := range pr.Logs {
		logger.Debug(line)
	}

	res := providerStepResult(step, "ansible-playbook", pr, start)
	res.Data["playbook"] = playbook
	res.Data["logs"] = pr.Logs
	logger.WithField("success", res.Success).Info("playbook finished")
	return res, nil
}

// AnsibleArgs returns the ansible-playbook arguments for a structured step
// running playbookPath.
func AnsibleArgs(step engine.StepDefinition, playbookPath string) []string {
	args := []string{playbookPath}
	if inv := step.StringParam("inventory"); inv != "" {
		args = append(args, "-i", inv)
	}
	if limit := step.StringParam("limit"); limit != "" {
		args = append(args, "--limit", limit)
	}
	if tags := step.StringParam("tags"); tags != "" {
		args = append(args, "--tags", tags)
	}
	vars := step.StringMapParam("extra_vars")
	for _, k := range sortedKeys(vars) {
		args = append(args, "-e", k+"="+vars[k])
	}
	if step.BoolParam("check") {
		args = append(args, "--check")
	}
	return args
}

func mergeEnv(base, overlay map[string]string) map[string]string {
	out := make(map[string]string, len(base)+len(overlay))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overlay {
		out[k] = v
	}
	return out
}
