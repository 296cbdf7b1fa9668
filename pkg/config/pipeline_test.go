package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/conveyor/pkg/engine"
)

const samplePipelineYAML = `
name: App Build
environment:
  GOFLAGS: -mod=mod
timeout_seconds: 900
execution_mode: local
steps:
  - name: checkout
    type: fetch_code
    parameters:
      repository_url: https://git.example.com/app.git
      branch: main
  - name: unit
    type: test
    parallel_group: checks
    parameters:
      command: go test ./...
  - name: lint
    type: test
    parameters:
      command: golangci-lint run
      parallel_group: checks
  - id: ship
    type: deploy
    order: 10
    timeout_seconds: 60
    parameters:
      host: app01
      remote_command: systemctl restart app
`

func TestParsePipelineYAML(t *testing.T) {
	pf, err := ParsePipelineYAML([]byte(samplePipelineYAML), "app.yaml")
	require.NoError(t, err)

	assert.Equal(t, "app-build", pf.ID)
	assert.Equal(t, "app.yaml", pf.Source)
	require.Len(t, pf.Steps, 4)
	assert.Equal(t, "checkout", pf.Steps[0].ID)
	assert.Equal(t, 1, pf.Steps[0].Order)
	assert.Equal(t, 3, pf.Steps[2].Order)
	assert.Equal(t, 10, pf.Steps[3].Order)

	def, err := pf.Definition()
	require.NoError(t, err)
	assert.Equal(t, 15*time.Minute, def.Timeout)
	assert.Equal(t, engine.ModeLocal, def.ExecutionMode)
	assert.Equal(t, "checks", def.Steps[1].ParallelGroup)
	assert.Equal(t, "checks", def.Steps[2].ParallelGroup, "legacy parameter form")
	assert.Equal(t, time.Minute, def.Steps[3].Timeout)

	units := engine.GroupSteps(def.Steps)
	require.Len(t, units, 3)
	assert.True(t, units[1].IsGroup())

	p, steps := pf.Records()
	assert.Equal(t, "App Build", p.Name)
	assert.Equal(t, "-mod=mod", p.Environment["GOFLAGS"])
	require.Len(t, steps, 4)
	assert.Equal(t, "app-build", steps[0].PipelineID)
}

func TestParsePipelineYAML_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"empty", ""},
		{"missing name", "steps:\n  - type: shell\n"},
		{"no steps", "name: x\n"},
		{"step without type", "name: x\nsteps:\n  - name: a\n"},
		{"unknown field", "name: x\nstagez: []\nsteps:\n  - type: shell\n"},
		{"bad mode", "name: x\nexecution_mode: cloud\nsteps:\n  - type: shell\n"},
		{"duplicate ids", "name: x\nsteps:\n  - {id: a, type: shell}\n  - {id: a, type: shell}\n"},
		{"bad sync policy", "name: x\nsteps:\n  - type: test\n    parallel_group: g\n    parameters: {sync_policy: whenever}\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParsePipelineYAML([]byte(tt.yaml), "bad.yaml")
			require.Error(t, err)
			assert.Contains(t, err.Error(), "bad.yaml")
		})
	}
}

const samplePipelineCUE = `
pipeline: {
	name: "svc"
	tool: "ci"
	execution_mode: "remote"
	steps: [
		{type: "build", parameters: command: "make"},
		{name: "image", type: "docker_build", parameters: {image: "svc", tag: "v1"}},
	]
}
`

func TestParsePipelineCUE(t *testing.T) {
	pf, err := ParsePipelineCUE([]byte(samplePipelineCUE), "svc.cue")
	require.NoError(t, err)

	assert.Equal(t, "svc", pf.ID)
	assert.Equal(t, "ci", pf.Tool)
	assert.Equal(t, "remote", pf.ExecutionMode)
	require.Len(t, pf.Steps, 2)
	assert.Equal(t, "step-1", pf.Steps[0].ID)
	assert.Equal(t, "image", pf.Steps[1].ID)
	assert.Equal(t, "make", pf.Steps[0].Parameters["command"])
}

func TestParsePipelineCUE_TopLevel(t *testing.T) {
	pf, err := ParsePipelineCUE([]byte(`
name: "plain"
steps: [{type: "shell", parameters: command: "true"}]
`), "plain.cue")
	require.NoError(t, err)
	assert.Equal(t, "plain", pf.ID)
}

func TestParsePipelineCUE_SchemaErrors(t *testing.T) {
	_, err := ParsePipelineCUE([]byte(`
pipeline: {
	name: "svc"
	execution_mode: "cloud"
	steps: [{type: "shell"}]
}
`), "svc.cue")
	require.Error(t, err)

	var verrs ValidationErrors
	require.ErrorAs(t, err, &verrs)
	require.NotEmpty(t, verrs)

	_, err = ParsePipelineCUE([]byte(`pipeline: {name: "x"`), "broken.cue")
	require.ErrorAs(t, err, &verrs)
	assert.Equal(t, "broken.cue", verrs[0].File)
	assert.Positive(t, verrs[0].Line)
}

func TestLoadPipelineDir(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "app.yaml", samplePipelineYAML)
	writeFile(t, dir, "svc.cue", samplePipelineCUE)
	writeFile(t, dir, "README.md", "# not a pipeline")
	writeFile(t, dir, "broken.yml", "name: [")
	require.NoError(t, os.Mkdir(filepath.Join(dir, "nested.yaml"), 0o755))

	files, err := LoadPipelineDir(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken.yml")
	require.Len(t, files, 2)

	ids := []string{files[0].ID, files[1].ID}
	assert.ElementsMatch(t, []string{"app-build", "svc"}, ids)
}

func TestWatcher_ReloadsChangedFile(t *testing.T) {
	dir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan *PipelineFile, 4)
	w := NewWatcher(dir, func(_ context.Context, _ string, pf *PipelineFile, err error) {
		if err != nil {
			return
		}
		select {
		case reloaded <- pf:
		default:
		}
	}, nil, 20*time.Millisecond)

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// Give the watcher time to register the directory.
	require.Eventually(t, func() bool {
		writeFile(t, dir, "app.yaml", samplePipelineYAML)
		select {
		case pf := <-reloaded:
			return pf.ID == "app-build"
		case <-time.After(100 * time.Millisecond):
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop")
	}
}
