package steps

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/openfroyo/conveyor/pkg/engine"
)

// KubernetesStepExecutor deploys a helm chart or applies manifests. Paths are
// resolved against the inherited `working_directory` parameter, falling back
// to the run's current directory, so a chart checked out by an earlier
// `cd`-ing step is found.
type KubernetesStepExecutor struct {
	helm    CapabilityProvider
	kubectl CapabilityProvider
	shell   *ShellCommandExecutor
}

// NewKubernetesStepExecutor creates a k8s_deploy executor.
func NewKubernetesStepExecutor(helm, kubectl CapabilityProvider, shell *ShellCommandExecutor) *KubernetesStepExecutor {
	return &KubernetesStepExecutor{helm: helm, kubectl: kubectl, shell: shell}
}

// Execute implements engine.StepExecutor.
func (e *KubernetesStepExecutor) Execute(ctx context.Context, step engine.StepDefinition, rc engine.RunContext) (*engine.StepResult, error) {
	if step.StringParam(engine.ParamCommand) != "" {
		return e.shell.Execute(ctx, step, rc)
	}

	workdir := step.StringParam(engine.ParamWorkingDirectory)
	if workdir == "" {
		workdir = rc.CurrentDirectory()
	} else if !filepath.IsAbs(workdir) {
		workdir = rc.ResolvePath(workdir)
	}

	provider, args, err := e.plan(step, workdir)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	pr, err := provider.Execute(ctx, ProviderParams{
		Args:    args,
		Dir:     workdir,
		Env:     step.StringMapParam(engine.ParamEnv),
		Timeout: step.Timeout,
	}, rc)
	if err != nil {
		res := engine.FailedResult(err.Error())
		res.Duration = time.Since(start)
		return res, nil
	}

	res := providerStepResult(step, provider.Name(), pr, start)
	res.Data[engine.ParamWorkingDirectory] = workdir
	return res, nil
}

func (e *KubernetesStepExecutor) plan(step engine.StepDefinition, workdir string) (CapabilityProvider, []string, error) {
	tool, args, err := KubernetesArgs(step, workdir)
	if err != nil {
		return nil, nil, err
	}
	if tool == "helm" {
		return e.helm, args, nil
	}
	return e.kubectl, args, nil
}

// KubernetesArgs returns the tool ("helm" or "kubectl") and its arguments for
// a structured k8s_deploy step. Paths are resolved against workdir when it is
// not empty.
func KubernetesArgs(step engine.StepDefinition, workdir string) (string, []string, error) {
	namespace := step.StringParam("namespace")
	kubeContext := step.StringParam("kube_context")

	if chart := step.StringParam("chart"); chart != "" {
		release := step.StringParam("release")
		if release == "" {
			release = step.Name
		}
		if release == "" {
			return "", nil, engine.NewConfigurationError(step.ID, "k8s_deploy with 'chart' requires 'release'")
		}
		args := []string{"upgrade", "--install", release, resolveFrom(workdir, chart)}
		if namespace != "" {
			args = append(args, "--namespace", namespace, "--create-namespace")
		}
		if kubeContext != "" {
			args = append(args, "--kube-context", kubeContext)
		}
		if values := step.StringParam("values"); values != "" {
			args = append(args, "-f", resolveFrom(workdir, values))
		}
		set := step.StringMapParam("set")
		for _, k := range sortedKeys(set) {
			args = append(args, "--set", k+"="+set[k])
		}
		if step.BoolParam("wait") {
			args = append(args, "--wait")
		}
		return "helm", args, nil
	}

	if manifest := step.StringParam("manifest"); manifest != "" {
		args := []string{"apply", "-f", resolveFrom(workdir, manifest)}
		if namespace != "" {
			args = append(args, "--namespace", namespace)
		}
		if kubeContext != "" {
			args = append(args, "--context", kubeContext)
		}
		return "kubectl", args, nil
	}

	return "", nil, engine.NewConfigurationError(step.ID, "k8s_deploy step requires 'chart', 'manifest' or 'command'")
}

// resolveFrom joins p onto dir. Absolute paths, URLs and `repo/chart`
// references that do not exist locally are returned unchanged.
func resolveFrom(dir, p string) string {
	if dir == "" || filepath.IsAbs(p) || strings.Contains(p, "://") {
		return p
	}
	candidate := filepath.Join(dir, p)
	if _, err := os.Stat(candidate); err == nil {
		return candidate
	}
	if !strings.HasPrefix(p, ".") && strings.Count(p, "/") == 1 && filepath.Ext(p) == "" {
		return p
	}
	return candidate
}
