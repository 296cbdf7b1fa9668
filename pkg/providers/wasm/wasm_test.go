package wasm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/conveyor/pkg/engine"
	"github.com/openfroyo/conveyor/pkg/steps"
	"github.com/openfroyo/conveyor/pkg/workspace"
)

func section(id byte, content ...byte) []byte {
	return append([]byte{id, byte(len(content))}, content...)
}

func wasmName(s string) []byte {
	return append([]byte{byte(len(s))}, s...)
}

// wasiCommand assembles a WASI command module. Function 0 is fd_write,
// function 1 is proc_exit and _start (function 2) runs body. data is placed
// at memory offset 0.
func wasiCommand(body []byte, data []byte) []byte {
	b := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

	b = append(b, section(0x01,
		0x03,
		0x60, 0x04, 0x7f, 0x7f, 0x7f, 0x7f, 0x01, 0x7f, // fd_write
		0x60, 0x01, 0x7f, 0x00, // proc_exit
		0x60, 0x00, 0x00, // _start
	)...)

	imports := []byte{0x02}
	imports = append(imports, wasmName("wasi_snapshot_preview1")...)
	imports = append(imports, wasmName("fd_write")...)
	imports = append(imports, 0x00, 0x00)
	imports = append(imports, wasmName("wasi_snapshot_preview1")...)
	imports = append(imports, wasmName("proc_exit")...)
	imports = append(imports, 0x00, 0x01)
	b = append(b, section(0x02, imports...)...)

	b = append(b, section(0x03, 0x01, 0x02)...)
	b = append(b, section(0x05, 0x01, 0x00, 0x01)...)

	exports := []byte{0x02}
	exports = append(exports, wasmName("_start")...)
	exports = append(exports, 0x00, 0x02)
	exports = append(exports, wasmName("memory")...)
	exports = append(exports, 0x02, 0x00)
	b = append(b, section(0x07, exports...)...)

	fn := append([]byte{0x00}, body...)
	fn = append(fn, 0x0b)
	b = append(b, section(0x0a, append([]byte{0x01, byte(len(fn))}, fn...)...)...)

	if len(data) > 0 {
		seg := []byte{0x01, 0x00, 0x41, 0x00, 0x0b, byte(len(data))}
		b = append(b, section(0x0b, append(seg, data...)...)...)
	}
	return b
}

// exitModule exits with code (< 64).
func exitModule(code byte) []byte {
	return wasiCommand([]byte{0x41, code, 0x10, 0x01}, nil)
}

// helloModule writes "hi\n" to stdout and exits with code (< 64).
func helloModule(code byte) []byte {
	data := []byte{8, 0, 0, 0, 3, 0, 0, 0, 'h', 'i', '\n'}
	body := []byte{
		0x41, 0x01, // fd
		0x41, 0x00, // iovs
		0x41, 0x01, // iovs_len
		0x41, 0x10, // nwritten
		0x10, 0x00, // call fd_write
		0x1a, // drop
		0x41, code,
		0x10, 0x01, // call proc_exit
	}
	return wasiCommand(body, data)
}

// spinModule never returns.
func spinModule() []byte {
	return wasiCommand([]byte{0x03, 0x40, 0x0c, 0x00, 0x0b}, nil)
}

func newHost(t *testing.T) *Host {
	t.Helper()
	ctx := context.Background()
	h, err := NewHost(ctx, HostConfig{}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close(ctx) })
	return h
}

func newRunContext(t *testing.T) engine.RunContext {
	t.Helper()
	m, err := workspace.NewManager(t.TempDir())
	require.NoError(t, err)
	rc, err := m.OpenRunContext("wasm-test", "exec-1", nil)
	require.NoError(t, err)
	return rc
}

func load(t *testing.T, h *Host, wasm []byte, caps ...Capability) *Provider {
	t.Helper()
	p, err := h.Load(context.Background(), &Manifest{Name: "helm", Entrypoint: "helm.wasm", Capabilities: caps}, wasm)
	require.NoError(t, err)
	return p
}

func writeProvider(t *testing.T, root, dir, manifest string, wasm []byte) {
	t.Helper()
	p := filepath.Join(root, dir)
	require.NoError(t, os.MkdirAll(p, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(p, ManifestFile), []byte(manifest), 0o644))
	if wasm != nil {
		require.NoError(t, os.WriteFile(filepath.Join(p, "module.wasm"), wasm, 0o644))
	}
}

func TestParseManifest(t *testing.T) {
	m, err := ParseManifest([]byte(`
name: docker
version: 1.2.0
entrypoint: bin/docker.wasm
capabilities: ["fs:workspace", env]
`), "/opt/providers/docker/provider.yaml")
	require.NoError(t, err)
	assert.Equal(t, "docker", m.Name)
	assert.True(t, m.Has(CapabilityWorkspace))
	assert.False(t, m.Has(CapabilityClock))
	assert.Equal(t, "/opt/providers/docker/bin/docker.wasm", m.ModulePath())

	tests := []struct {
		name string
		yaml string
	}{
		{"missing name", "entrypoint: a.wasm"},
		{"missing entrypoint", "name: docker"},
		{"unknown capability", "name: docker\nentrypoint: a.wasm\ncapabilities: [network]"},
		{"short checksum", "name: docker\nentrypoint: a.wasm\nchecksum: abc"},
		{"escaping entrypoint", "name: docker\nentrypoint: ../a.wasm"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseManifest([]byte(tt.yaml), "provider.yaml")
			assert.Error(t, err)
		})
	}
}

func TestManifest_ReadModuleChecksum(t *testing.T) {
	root := t.TempDir()
	wasm := exitModule(0)
	sum := sha256.Sum256(wasm)

	writeProvider(t, root, "good", "name: git\nentrypoint: module.wasm\nchecksum: "+hex.EncodeToString(sum[:]), wasm)
	m, err := LoadManifest(filepath.Join(root, "good", ManifestFile))
	require.NoError(t, err)
	got, err := m.ReadModule()
	require.NoError(t, err)
	assert.Equal(t, wasm, got)

	other := sha256.Sum256([]byte("something else"))
	writeProvider(t, root, "bad", "name: git\nentrypoint: module.wasm\nchecksum: "+hex.EncodeToString(other[:]), wasm)
	m, err = LoadManifest(filepath.Join(root, "bad", ManifestFile))
	require.NoError(t, err)
	_, err = m.ReadModule()
	assert.ErrorContains(t, err, "checksum mismatch")
}

func TestHost_LoadRejectsInvalidModules(t *testing.T) {
	h := newHost(t)
	ctx := context.Background()

	_, err := h.Load(ctx, &Manifest{Name: "junk"}, []byte("not wasm"))
	assert.Error(t, err)

	// A valid module without _start is a library, not a command.
	lib := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}
	_, err = h.Load(ctx, &Manifest{Name: "lib"}, lib)
	assert.ErrorContains(t, err, "_start")
}

func TestProvider_Execute(t *testing.T) {
	h := newHost(t)
	rc := newRunContext(t)
	ctx := context.Background()

	res, err := load(t, h, helloModule(0)).Execute(ctx, steps.ProviderParams{Args: []string{"version"}}, rc)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "hi\n", res.Output)
	assert.Equal(t, []string{"hi"}, res.Logs)

	res, err = load(t, h, helloModule(3)).Execute(ctx, steps.ProviderParams{}, rc)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, 3, res.ExitCode)
	assert.Equal(t, "hi\n", res.Output)
	assert.False(t, res.TimedOut)
}

func TestProvider_ReusableAcrossCalls(t *testing.T) {
	h := newHost(t)
	rc := newRunContext(t)
	p := load(t, h, exitModule(0), CapabilityWorkspace, CapabilityEnv, CapabilityClock, CapabilityRandom)

	for i := 0; i < 3; i++ {
		res, err := p.Execute(context.Background(), steps.ProviderParams{Env: map[string]string{"N": "1"}}, rc)
		require.NoError(t, err)
		assert.True(t, res.Success)
	}
}

func TestProvider_Timeout(t *testing.T) {
	h := newHost(t)
	rc := newRunContext(t)

	start := time.Now()
	res, err := load(t, h, spinModule()).Execute(context.Background(), steps.ProviderParams{Timeout: 100 * time.Millisecond}, rc)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.True(t, res.TimedOut)
	assert.Equal(t, -1, res.ExitCode)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestHost_LoadDir(t *testing.T) {
	root := t.TempDir()
	writeProvider(t, root, "helm", "name: helm\nentrypoint: module.wasm", helloModule(0))
	writeProvider(t, root, "broken", "name: kubectl\nentrypoint: missing.wasm", nil)
	writeProvider(t, root, "helm-copy", "name: helm\nentrypoint: module.wasm", exitModule(0))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "empty"), 0o755))

	providers, err := newHost(t).LoadDir(context.Background(), root)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing.wasm")
	assert.Contains(t, err.Error(), "already loaded")
	require.Len(t, providers, 1)
	assert.Equal(t, "helm", providers["helm"].Name())

	_, err = newHost(t).LoadDir(context.Background(), filepath.Join(root, "nope"))
	assert.Error(t, err)
}

func TestProvider_BacksRegistryStep(t *testing.T) {
	h := newHost(t)
	rc := newRunContext(t)
	helm := load(t, h, helloModule(0), CapabilityWorkspace)

	reg := steps.NewDefaultRegistry(steps.Dependencies{
		Providers: map[string]steps.CapabilityProvider{"helm": helm},
	})
	step := engine.StepDefinition{
		ID:   "deploy",
		Name: "deploy",
		Type: engine.StepTypeK8sDeploy,
		Parameters: map[string]interface{}{
			"chart":   "bitnami/nginx",
			"release": "web",
		},
	}

	res, err := reg.Resolve(engine.StepTypeK8sDeploy).Execute(context.Background(), step, rc)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Contains(t, res.Output, "hi")
}
