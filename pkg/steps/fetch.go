package steps

import (
	"context"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/openfroyo/conveyor/pkg/engine"
)

// DefaultCloneDepth is used when a fetch_code step does not set `depth`.
const DefaultCloneDepth = 1

// FetchCodeExecutor checks out source code. A `command` parameter wins over
// `repository_url` + `branch`.
type FetchCodeExecutor struct {
	git   CapabilityProvider
	shell *ShellCommandExecutor
}

// NewFetchCodeExecutor creates a fetch_code executor.
func NewFetchCodeExecutor(git CapabilityProvider, shell *ShellCommandExecutor) *FetchCodeExecutor {
	return &FetchCodeExecutor{git: git, shell: shell}
}

// Execute implements engine.StepExecutor.
func (e *FetchCodeExecutor) Execute(ctx context.Context, step engine.StepDefinition, rc engine.RunContext) (*engine.StepResult, error) {
	if step.StringParam(engine.ParamCommand) != "" {
		return e.shell.Execute(ctx, step, rc)
	}

	args, target, err := CloneArgs(step)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	pr, err := e.git.Execute(ctx, ProviderParams{
		Args:    args,
		Env:     mergeEnv(map[string]string{"GIT_TERMINAL_PROMPT": "0"}, step.StringMapParam(engine.ParamEnv)),
		Timeout: step.Timeout,
	}, rc)
	if err != nil {
		res := engine.FailedResult(err.Error())
		res.Duration = time.Since(start)
		return res, nil
	}

	res := providerStepResult(step, "git clone", pr, start)
	res.Data["repository_url"] = step.StringParam("repository_url")
	res.Data["branch"] = step.StringParam("branch")
	res.Data["checkout_dir"] = rc.ResolvePath(target)
	return res, nil
}

// CloneArgs returns the git arguments for a structured fetch_code step and
// the checkout directory relative to the run's current directory.
func CloneArgs(step engine.StepDefinition) ([]string, string, error) {
	url := step.StringParam("repository_url")
	branch := step.StringParam("branch")
	if url == "" || branch == "" {
		return nil, "", engine.NewConfigurationError(step.ID,
			"fetch_code step requires 'command' or both 'repository_url' and 'branch'")
	}

	target := step.StringParam("target_directory")
	if target == "" {
		target = repoDirName(url)
	}

	args := []string{"clone", "--branch", branch}
	if depth := step.IntParam("depth", DefaultCloneDepth); depth > 0 {
		args = append(args, "--depth", strconv.Itoa(depth))
	}
	return append(args, url, target), target, nil
}

// repoDirName mirrors git's default checkout directory for url.
func repoDirName(url string) string {
	u := strings.TrimRight(url, "/")
	if i := strings.LastIndex(u, ":"); i > strings.LastIndex(u, "/") {
		u = u[i+1:]
	}
	name := strings.TrimSuffix(path.Base(u), ".git")
	if name == "" || name == "." || name == "/" {
		return "source"
	}
	return name
}
