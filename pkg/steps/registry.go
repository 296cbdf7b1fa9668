package steps

import (
	"sync"
	"time"

	"github.com/openfroyo/conveyor/pkg/engine"
)

// Registry maps step types to executors. Unregistered types resolve to the
// fallback executor.
type Registry struct {
	mu        sync.RWMutex
	executors map[engine.StepType]engine.StepExecutor
	fallback  engine.StepExecutor
}

// NewRegistry creates an empty registry with the given fallback.
func NewRegistry(fallback engine.StepExecutor) *Registry {
	return &Registry{
		executors: make(map[engine.StepType]engine.StepExecutor),
		fallback:  fallback,
	}
}

// Register binds an executor to a step type, replacing any previous binding.
func (r *Registry) Register(t engine.StepType, exec engine.StepExecutor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[t] = exec
}

// Resolve returns the executor for t, or the fallback.
func (r *Registry) Resolve(t engine.StepType) engine.StepExecutor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if exec, ok := r.executors[t]; ok {
		return exec
	}
	return r.fallback
}

// Types returns the registered step types.
func (r *Registry) Types() []engine.StepType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]engine.StepType, 0, len(r.executors))
	for t := range r.executors {
		types = append(types, t)
	}
	return types
}

// Dependencies configures the built-in executors.
type Dependencies struct {
	Runner     Runner
	Notifier   Notifier
	RemoteHost RemoteHostFactory

	// ScriptTimeout bounds Starlark steps without their own timeout.
	ScriptTimeout time.Duration

	// Providers overrides the CLI provider for a tool name
	// (docker, ansible, helm, kubectl, git).
	Providers map[string]CapabilityProvider
}

// NewDefaultRegistry returns a registry with every built-in step type bound.
func NewDefaultRegistry(deps Dependencies) *Registry {
	runner := deps.Runner
	if runner == nil {
		runner = NewShellRunner()
	}
	provider := func(name, binary string) CapabilityProvider {
		if p, ok := deps.Providers[name]; ok {
			return p
		}
		return NewCLIProvider(name, binary, runner)
	}

	shell := NewShellCommandExecutor(runner)
	custom := NewCustomExecutor(shell, NewStarlarkEvaluator(deps.ScriptTimeout))
	r := NewRegistry(custom)

	for _, t := range []engine.StepType{
		engine.StepTypeShell, engine.StepTypeScript, engine.StepTypeBuild,
		engine.StepTypeTest, engine.StepTypeSecurityScan,
	} {
		r.Register(t, shell)
	}
	r.Register(engine.StepTypeCustom, custom)
	r.Register(engine.StepTypeFetchCode, NewFetchCodeExecutor(provider("git", "git"), shell))
	r.Register(engine.StepTypeDeploy, NewDeployExecutor(shell, deps.RemoteHost))
	r.Register(engine.StepTypeAnsible, NewAnsibleStepExecutor(provider("ansible", "ansible-playbook"), shell))
	r.Register(engine.StepTypeK8sDeploy, NewKubernetesStepExecutor(provider("helm", "helm"), provider("kubectl", "kubectl"), shell))
	r.Register(engine.StepTypeNotify, NewNotifyExecutor(deps.Notifier))

	docker := NewDockerStepExecutor(provider("docker", "docker"), shell)
	for _, t := range []engine.StepType{
		engine.StepTypeDockerBuild, engine.StepTypeDockerPush,
		engine.StepTypeDockerPull, engine.StepTypeDockerRun,
	} {
		r.Register(t, docker)
	}
	return r
}
