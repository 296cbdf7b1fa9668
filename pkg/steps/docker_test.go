package steps

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/conveyor/pkg/engine"
)

func TestBuildImageReference(t *testing.T) {
	tests := []struct {
		name     string
		registry string
		image    string
		tag      string
		want     string
	}{
		{"registry with port", "host.example.com:8443", "app", "v1", "host.example.com:8443/app:v1"},
		{"no registry", "", "app", "v1", "app:v1"},
		{"no tag", "registry.local", "team/app", "", "registry.local/team/app"},
		{"image already tagged", "", "app:1.2", "latest", "app:1.2"},
		{"image already prefixed", "host:5000", "host:5000/app", "v2", "host:5000/app:v2"},
		{"digest", "", "app@sha256:abc", "v1", "app@sha256:abc"},
		{"trailing slash registry", "host:5000/", "app", "v1", "host:5000/app:v1"},
		{"nested path port host", "localhost:5000", "a/b/c", "x", "localhost:5000/a/b/c:x"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := BuildImageReference(tt.registry, tt.image, tt.tag)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, got, BuildImageReference(tt.registry, got, tt.tag), "applying twice must be a no-op")
		})
	}
}

func TestDockerArgs(t *testing.T) {
	build := step("b", engine.StepTypeDockerBuild, map[string]interface{}{
		"image":      "app",
		"registry":   "host.example.com:8443",
		"tag":        "v1",
		"dockerfile": "Dockerfile.ci",
		"build_args": map[string]interface{}{"B": "2", "A": "1"},
	})
	args, ref, err := DockerArgs(build)
	require.NoError(t, err)
	assert.Equal(t, "host.example.com:8443/app:v1", ref)
	assert.Equal(t, []string{
		"build", "-t", ref, "-f", "Dockerfile.ci",
		"--build-arg", "A=1", "--build-arg", "B=2", ".",
	}, args)

	push := step("p", engine.StepTypeDockerPush, map[string]interface{}{"image": "app", "tag": "v1"})
	args, _, err = DockerArgs(push)
	require.NoError(t, err)
	assert.Equal(t, []string{"push", "app:v1"}, args)

	run := step("r", engine.StepTypeDockerRun, map[string]interface{}{"image": "alpine", "run_command": "echo hi"})
	args, _, err = DockerArgs(run)
	require.NoError(t, err)
	assert.Equal(t, []string{"run", "--rm", "alpine", "sh", "-c", "echo hi"}, args)

	_, _, err = DockerArgs(step("x", engine.StepTypeDockerPull, nil))
	require.Error(t, err)
	assert.True(t, engine.IsConfigurationError(err))
}

func TestDockerExecutor(t *testing.T) {
	rc := newRunContext(t)
	provider := &fakeProvider{name: "docker"}
	runner := &fakeRunner{}
	exec := NewDockerStepExecutor(provider, NewShellCommandExecutor(runner))

	res, err := exec.Execute(context.Background(), step("pull", engine.StepTypeDockerPull, map[string]interface{}{
		"image": "alpine", "tag": "3.20",
	}), rc)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "alpine:3.20", res.Data["image"])
	assert.Equal(t, []string{"pull", "alpine:3.20"}, provider.lastCall(t).Args)
	assert.Equal(t, 0, runner.count())
}

func TestDockerExecutor_CommandOverrides(t *testing.T) {
	rc := newRunContext(t)
	provider := &fakeProvider{name: "docker"}
	runner := &fakeRunner{}
	exec := NewDockerStepExecutor(provider, NewShellCommandExecutor(runner))

	res, err := exec.Execute(context.Background(), step("b", engine.StepTypeDockerBuild, map[string]interface{}{
		"image":   "ignored",
		"command": "docker build -t custom .",
	}), rc)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Empty(t, provider.calls)
	require.Equal(t, 1, runner.count())
	assert.Equal(t, "docker build -t custom .", runner.requests[0].Command)
}

func TestDockerExecutor_ProviderFailure(t *testing.T) {
	rc := newRunContext(t)
	provider := &fakeProvider{name: "docker", result: &ProviderResult{Success: false, ExitCode: 1, Output: "denied"}}
	exec := NewDockerStepExecutor(provider, NewShellCommandExecutor(&fakeRunner{}))

	res, err := exec.Execute(context.Background(), step("push", engine.StepTypeDockerPush, map[string]interface{}{"image": "app"}), rc)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, 1, res.Data["exit_code"])
	assert.Contains(t, res.ErrorMessage, "exit code 1")
}
