package wasm

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/sys"

	"github.com/openfroyo/conveyor/pkg/engine"
	"github.com/openfroyo/conveyor/pkg/steps"
)

// WorkspaceMount is where CapabilityWorkspace mounts the step directory.
const WorkspaceMount = "/workspace"

var _ steps.CapabilityProvider = (*Provider)(nil)

// Provider runs one compiled module per invocation.
type Provider struct {
	host     *Host
	manifest *Manifest
	compiled wazero.CompiledModule
}

// Name implements steps.CapabilityProvider.
func (p *Provider) Name() string { return p.manifest.Name }

// Manifest returns the provider manifest.
func (p *Provider) Manifest() *Manifest { return p.manifest }

// lockedBuffer collects stdout and stderr in write order.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func (p *Provider) moduleConfig(params steps.ProviderParams, rc engine.RunContext, out *lockedBuffer) wazero.ModuleConfig {
	cfg := wazero.NewModuleConfig().
		WithName("").
		WithArgs(append([]string{p.manifest.Name}, params.Args...)...).
		WithStdout(out).
		WithStderr(out)

	if p.manifest.Has(CapabilityWorkspace) {
		dir := params.Dir
		if dir == "" {
			dir = rc.CurrentDirectory()
		}
		cfg = cfg.WithFSConfig(wazero.NewFSConfig().WithDirMount(dir, WorkspaceMount))
	}
	if p.manifest.Has(CapabilityEnv) {
		env := rc.Environment()
		for k, v := range params.Env {
			env[k] = v
		}
		keys := make([]string, 0, len(env))
		for k := range env {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			cfg = cfg.WithEnv(k, env[k])
		}
	}
	if p.manifest.Has(CapabilityClock) {
		cfg = cfg.WithSysWalltime().WithSysNanotime().WithSysNanosleep()
	}
	if p.manifest.Has(CapabilityRandom) {
		cfg = cfg.WithRandSource(rand.Reader)
	}
	return cfg
}

// Execute implements steps.CapabilityProvider. The module's exit code is the
// result's exit code; a module that traps is reported as exit code -1.
func (p *Provider) Execute(ctx context.Context, params steps.ProviderParams, rc engine.RunContext) (*steps.ProviderResult, error) {
	timeout := params.Timeout
	if timeout <= 0 {
		timeout = p.host.timeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	out := &lockedBuffer{}
	logger := rc.Logger().WithField("provider", p.manifest.Name)
	logger.WithField("args", params.Args).Debug("invoking wasm provider")

	start := time.Now()
	mod, err := p.host.runtime.InstantiateModule(ctx, p.compiled, p.moduleConfig(params, rc, out))
	if mod != nil {
		_ = mod.Close(ctx)
	}
	logger.WithField("duration", time.Since(start).String()).Debug("wasm provider returned")

	res := &steps.ProviderResult{Output: out.String()}
	res.Logs = splitLines(res.Output)

	var exitErr *sys.ExitError
	switch {
	case err == nil:
		res.Success = true
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		res.ExitCode = -1
		res.TimedOut = true
	case errors.As(err, &exitErr):
		res.ExitCode = int(exitErr.ExitCode())
		res.Success = res.ExitCode == 0
	default:
		res.ExitCode = -1
		res.Output += fmt.Sprintf("%s: %v\n", p.manifest.Name, err)
	}
	return res, nil
}

func splitLines(s string) []string {
	s = strings.TrimRight(s, "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}
