package steps

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/openfroyo/conveyor/pkg/engine"
)

// BuildImageReference joins registry, image and tag into
// `registry/image:tag`. The registry is only prepended when the image does
// not already start with it, and the tag is only appended when the last path
// segment has no tag or digest, so a `host:port` registry is never mistaken
// for a tag and applying the function to its own output changes nothing.
func BuildImageReference(registry, image, tag string) string {
	ref := strings.TrimSpace(image)
	reg := strings.TrimSuffix(strings.TrimSpace(registry), "/")
	if reg != "" && ref != reg && !strings.HasPrefix(ref, reg+"/") {
		ref = reg + "/" + strings.TrimPrefix(ref, "/")
	}
	if tag == "" || hasTagOrDigest(ref) {
		return ref
	}
	return ref + ":" + tag
}

func hasTagOrDigest(ref string) bool {
	if strings.Contains(ref, "@") {
		return true
	}
	last := ref[strings.LastIndex(ref, "/")+1:]
	return strings.Contains(last, ":")
}

// DockerStepExecutor handles docker_build, docker_push, docker_pull and
// docker_run through a docker CLI provider. A `command` parameter overrides
// the structured fields.
type DockerStepExecutor struct {
	provider CapabilityProvider
	shell    *ShellCommandExecutor
}

// NewDockerStepExecutor creates a docker executor.
func NewDockerStepExecutor(provider CapabilityProvider, shell *ShellCommandExecutor) *DockerStepExecutor {
	return &DockerStepExecutor{provider: provider, shell: shell}
}

// Execute implements engine.StepExecutor.
func (e *DockerStepExecutor) Execute(ctx context.Context, step engine.StepDefinition, rc engine.RunContext) (*engine.StepResult, error) {
	if step.StringParam(engine.ParamCommand) != "" {
		return e.shell.Execute(ctx, step, rc)
	}

	args, ref, err := DockerArgs(step)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	pr, err := e.provider.Execute(ctx, ProviderParams{
		Args:    args,
		Env:     step.StringMapParam(engine.ParamEnv),
		Timeout: step.Timeout,
	}, rc)
	if err != nil {
		res := engine.FailedResult(err.Error())
		res.Duration = time.Since(start)
		return res, nil
	}

	res := providerStepResult(step, "docker "+args[0], pr, start)
	res.Data["image"] = ref
	return res, nil
}

// DockerArgs builds the docker CLI arguments for a docker step and returns
// the resolved image reference.
func DockerArgs(step engine.StepDefinition) ([]string, string, error) {
	image := step.StringParam("image")
	if image == "" {
		return nil, "", engine.NewConfigurationError(step.ID,
			fmt.Sprintf("%s step requires 'image' or 'command'", step.Type))
	}
	ref := BuildImageReference(step.StringParam("registry"), image, step.StringParam("tag"))

	switch step.Type {
	case engine.StepTypeDockerBuild:
		args := []string{"build", "-t", ref}
		if f := step.StringParam("dockerfile"); f != "" {
			args = append(args, "-f", f)
		}
		buildArgs := step.StringMapParam("build_args")
		for _, k := range sortedKeys(buildArgs) {
			args = append(args, "--build-arg", k+"="+buildArgs[k])
		}
		buildCtx := step.StringParam("context")
		if buildCtx == "" {
			buildCtx = "."
		}
		return append(args, buildCtx), ref, nil

	case engine.StepTypeDockerPush:
		return []string{"push", ref}, ref, nil

	case engine.StepTypeDockerPull:
		return []string{"pull", ref}, ref, nil

	case engine.StepTypeDockerRun:
		args := []string{"run", "--rm"}
		env := step.StringMapParam("container_env")
		for _, k := range sortedKeys(env) {
			args = append(args, "-e", k+"="+env[k])
		}
		if wd := step.StringParam(engine.ParamWorkingDirectory); wd != "" {
			args = append(args, "-v", wd+":/workspace", "-w", "/workspace")
		}
		args = append(args, ref)
		if c := step.StringParam("run_command"); c != "" {
			args = append(args, "sh", "-c", c)
		}
		return args, ref, nil

	default:
		return nil, "", engine.NewConfigurationError(step.ID,
			fmt.Sprintf("unsupported docker step type %q", step.Type))
	}
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
