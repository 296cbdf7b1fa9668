// Package wasm runs capability providers compiled to WebAssembly (WASI
// command modules). A provider directory holds a provider.yaml manifest and
// the module; the module receives the tool arguments in argv and reports
// through its exit code and stdout/stderr, like the CLI tool it replaces.
package wasm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/openfroyo/conveyor/pkg/steps"
	"github.com/openfroyo/conveyor/pkg/telemetry"
)

// DefaultMemoryLimitPages caps module memory at 16MB.
const DefaultMemoryLimitPages = 256

// HostConfig configures the runtime.
type HostConfig struct {
	// MemoryLimitPages is the per-module memory cap in 64KB pages.
	MemoryLimitPages uint32

	// Timeout bounds an invocation without its own timeout. Zero means no
	// limit beyond the caller's context.
	Timeout time.Duration
}

// Host owns the wazero runtime shared by the providers it loads.
type Host struct {
	runtime wazero.Runtime
	timeout time.Duration
	logger  *telemetry.Logger
}

// NewHost creates a runtime with WASI preview1 available.
func NewHost(ctx context.Context, cfg HostConfig, logger *telemetry.Logger) (*Host, error) {
	if cfg.MemoryLimitPages == 0 {
		cfg.MemoryLimitPages = DefaultMemoryLimitPages
	}
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}

	runtime := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfig().
		WithMemoryLimitPages(cfg.MemoryLimitPages).
		WithCloseOnContextDone(true))

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, runtime); err != nil {
		_ = runtime.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate WASI: %w", err)
	}
	return &Host{runtime: runtime, timeout: cfg.Timeout, logger: logger}, nil
}

// Load compiles wasm for the provider described by m.
func (h *Host) Load(ctx context.Context, m *Manifest, wasm []byte) (*Provider, error) {
	compiled, err := h.runtime.CompileModule(ctx, wasm)
	if err != nil {
		return nil, fmt.Errorf("failed to compile provider %s: %w", m.Name, err)
	}
	if _, ok := compiled.ExportedFunctions()["_start"]; !ok {
		_ = compiled.Close(ctx)
		return nil, fmt.Errorf("provider %s: module does not export _start", m.Name)
	}
	h.logger.WithFields(map[string]interface{}{
		"provider":     m.Name,
		"version":      m.Version,
		"capabilities": m.Capabilities,
	}).Debug("provider loaded")
	return &Provider{host: h, manifest: m, compiled: compiled}, nil
}

// LoadDir loads every provider found in the immediate subdirectories of
// root, keyed by provider name. Broken providers are skipped and reported in
// the returned error; the valid ones are still returned.
func (h *Host) LoadDir(ctx context.Context, root string) (map[string]steps.CapabilityProvider, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("failed to read provider directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	providers := make(map[string]steps.CapabilityProvider)
	var errs []error
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		path := filepath.Join(root, e.Name(), ManifestFile)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		p, err := h.loadManifest(ctx, path)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if _, dup := providers[p.Name()]; dup {
			errs = append(errs, fmt.Errorf("%s: provider %s already loaded", path, p.Name()))
			continue
		}
		providers[p.Name()] = p
	}
	h.logger.WithField("count", len(providers)).WithField("dir", root).Info("wasm providers loaded")
	return providers, errors.Join(errs...)
}

func (h *Host) loadManifest(ctx context.Context, path string) (*Provider, error) {
	m, err := LoadManifest(path)
	if err != nil {
		return nil, err
	}
	wasm, err := m.ReadModule()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return h.Load(ctx, m, wasm)
}

// Close releases the runtime and every compiled provider.
func (h *Host) Close(ctx context.Context) error {
	return h.runtime.Close(ctx)
}
