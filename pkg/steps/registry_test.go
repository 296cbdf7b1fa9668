package steps

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/conveyor/pkg/engine"
)

func TestDefaultRegistry_ResolvesEveryKnownType(t *testing.T) {
	r := NewDefaultRegistry(Dependencies{Runner: &fakeRunner{}})

	for _, st := range engine.KnownStepTypes {
		assert.NotNil(t, r.Resolve(st), "no executor for %s", st)
	}
	assert.IsType(t, &ShellCommandExecutor{}, r.Resolve(engine.StepTypeBuild))
	assert.IsType(t, &DockerStepExecutor{}, r.Resolve(engine.StepTypeDockerRun))
	assert.IsType(t, &KubernetesStepExecutor{}, r.Resolve(engine.StepTypeK8sDeploy))
}

func TestDefaultRegistry_UnknownTypeFallsBack(t *testing.T) {
	runner := &fakeRunner{}
	r := NewDefaultRegistry(Dependencies{Runner: runner})

	exec := r.Resolve("legacy_lint")
	require.IsType(t, &CustomExecutor{}, exec)

	rc := newRunContext(t)
	res, err := exec.Execute(context.Background(), step("l", "legacy_lint", map[string]interface{}{"command": "lint"}), rc)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 1, runner.count())
}

func TestRegistry_Register(t *testing.T) {
	r := NewRegistry(nil)
	custom := NewNotifyExecutor(nil)
	r.Register("chatops", custom)

	assert.Same(t, custom, r.Resolve("chatops"))
	assert.Nil(t, r.Resolve("other"))
	assert.Equal(t, []engine.StepType{"chatops"}, r.Types())
}

func TestDefaultRegistry_ProviderOverride(t *testing.T) {
	docker := &fakeProvider{name: "docker"}
	r := NewDefaultRegistry(Dependencies{
		Runner:    &fakeRunner{},
		Providers: map[string]CapabilityProvider{"docker": docker},
	})

	rc := newRunContext(t)
	_, err := r.Resolve(engine.StepTypeDockerPush).Execute(context.Background(),
		step("p", engine.StepTypeDockerPush, map[string]interface{}{"image": "app"}), rc)
	require.NoError(t, err)
	assert.Equal(t, []string{"push", "app"}, docker.lastCall(t).Args)
}

func TestProviderStepResult_Timeout(t *testing.T) {
	s := step("deploy", engine.StepTypeK8sDeploy, nil)
	s.Timeout = time.Second

	res := providerStepResult(s, "helm upgrade", &ProviderResult{TimedOut: true, ExitCode: -1}, time.Now())
	assert.False(t, res.Success)
	assert.Equal(t, engine.StatusTimeout, res.FinalStatus())
	require.True(t, engine.IsTimeoutError(res.Err))
	assert.Contains(t, res.Err.Error(), "step=deploy")

	res = providerStepResult(s, "helm upgrade", &ProviderResult{ExitCode: 2}, time.Now())
	assert.Nil(t, res.Err)
	assert.Contains(t, res.ErrorMessage, "exit code 2")
}
