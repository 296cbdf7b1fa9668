package policy

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"

	"github.com/openfroyo/conveyor/pkg/engine"
	"github.com/openfroyo/conveyor/pkg/telemetry"
)

// Engine evaluates Rego policies against pipeline definitions. It implements
// engine.PolicyGate.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	paths    []string
	loader   *Loader
	logger   *telemetry.Logger
}

var _ engine.PolicyGate = (*Engine)(nil)

type compiledPolicy struct {
	policy   *Policy
	query    rego.PreparedEvalQuery
	compiled time.Time
}

// NewEngine creates a policy engine with the built-in policies loaded.
func NewEngine(ctx context.Context, logger *telemetry.Logger) (*Engine, error) {
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	logger = logger.NewComponentLogger("policy-engine")

	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		loader:   NewLoader(logger),
		logger:   logger,
	}

	builtins := BuiltinPolicies()
	for i := range builtins {
		cp, err := compilePolicy(ctx, &builtins[i])
		if err != nil {
			return nil, fmt.Errorf("failed to compile built-in policy %s: %w", builtins[i].Name, err)
		}
		e.policies[cp.policy.Name] = cp
	}
	logger.WithField("count", len(builtins)).Debug("built-in policies loaded")

	return e, nil
}

// EvaluatePipeline evaluates every enabled policy against def. Any violation
// of blocking severity denies the pipeline; the rest are reported as warnings.
// A policy that fails to evaluate is reported as a warning.
func (e *Engine) EvaluatePipeline(ctx context.Context, def *engine.PipelineDefinition) (*engine.PolicyResult, error) {
	if def == nil {
		return nil, fmt.Errorf("pipeline definition is nil")
	}
	start := time.Now()
	input := NewInput(def, "dispatch")

	e.mu.RLock()
	active := make([]*compiledPolicy, 0, len(e.policies))
	for _, cp := range e.policies {
		if cp.policy.Enabled {
			active = append(active, cp)
		}
	}
	e.mu.RUnlock()
	sort.Slice(active, func(i, j int) bool { return active[i].policy.Name < active[j].policy.Name })

	result := &engine.PolicyResult{Allowed: true}
	for _, cp := range active {
		violations, err := evaluate(ctx, cp, input)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			e.logger.WithError(err).WithField("policy", cp.policy.Name).Error("policy evaluation failed")
			result.Warnings = append(result.Warnings, fmt.Sprintf("policy %s evaluation failed: %v", cp.policy.Name, err))
			continue
		}
		for _, v := range violations {
			result.Violations = append(result.Violations, v)
			if Severity(v.Severity).Blocking() {
				result.Allowed = false
				continue
			}
			result.Warnings = append(result.Warnings, formatViolation(v))
		}
	}
	result.EvaluatedAt = time.Now()

	e.logger.WithPipeline(def.ID, def.Name).
		WithField("policies", len(active)).
		WithField("violations", len(result.Violations)).
		WithField("allowed", result.Allowed).
		WithField("duration", time.Since(start).String()).
		Debug("pipeline policy evaluation completed")

	return result, nil
}

func formatViolation(v engine.PolicyViolation) string {
	if v.StepID != "" {
		return fmt.Sprintf("[%s] step %s: %s", v.Policy, v.StepID, v.Message)
	}
	return fmt.Sprintf("[%s] %s", v.Policy, v.Message)
}

func evaluate(ctx context.Context, cp *compiledPolicy, input *Input) ([]engine.PolicyViolation, error) {
	rs, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, err
	}

	var violations []engine.PolicyViolation
	for _, r := range rs {
		if len(r.Expressions) == 0 {
			continue
		}
		switch deny := r.Expressions[0].Value.(type) {
		case []interface{}:
			for _, d := range deny {
				violations = append(violations, newViolation(cp.policy, d))
			}
		case string:
			violations = append(violations, newViolation(cp.policy, deny))
		}
	}
	return violations, nil
}

// newViolation converts one deny entry. Entries are either a message string
// or an object with message, severity and step fields.
func newViolation(p *Policy, result interface{}) engine.PolicyViolation {
	v := engine.PolicyViolation{
		Policy:   p.Name,
		Severity: string(p.Severity),
	}
	switch r := result.(type) {
	case string:
		v.Message = r
	case map[string]interface{}:
		if msg, ok := r["message"].(string); ok {
			v.Message = msg
		}
		if sev, ok := r["severity"].(string); ok {
			v.Severity = string(ParseSeverity(sev, p.Severity))
		}
		if step, ok := r["step"].(string); ok {
			v.StepID = step
		}
	default:
		v.Message = fmt.Sprintf("%v", result)
	}
	return v
}

func compilePolicy(ctx context.Context, p *Policy) (*compiledPolicy, error) {
	module, err := ast.ParseModule(p.Name+".rego", p.Rego)
	if err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}

	query, err := rego.New(
		rego.Module(p.Name+".rego", p.Rego),
		rego.Query(module.Package.Path.String()+".deny"),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare query: %w", err)
	}
	if p.Severity == "" {
		p.Severity = SeverityWarning
	}

	return &compiledPolicy{
		policy:   p,
		query:    query,
		compiled: time.Now(),
	}, nil
}

// LoadPolicies loads policy files from paths, replacing any previously loaded
// custom policies. A custom policy with the name of a built-in overrides it.
// Nothing changes when any policy fails to compile.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	policies, err := e.loader.LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}
	if err := e.apply(ctx, policies); err != nil {
		return err
	}

	e.mu.Lock()
	e.paths = append([]string(nil), paths...)
	e.mu.Unlock()
	return nil
}

func (e *Engine) apply(ctx context.Context, policies []Policy) error {
	compiled := make([]*compiledPolicy, 0, len(policies))
	for i := range policies {
		cp, err := compilePolicy(ctx, &policies[i])
		if err != nil {
			return fmt.Errorf("failed to compile policy %s: %w", policies[i].Name, err)
		}
		compiled = append(compiled, cp)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	next := make(map[string]*compiledPolicy, len(e.policies)+len(compiled))
	for name, cp := range e.policies {
		if cp.policy.Builtin {
			next[name] = cp
		}
	}
	for _, cp := range compiled {
		if prev, ok := next[cp.policy.Name]; ok && prev.policy.Builtin {
			e.logger.WithField("policy", cp.policy.Name).Info("custom policy overrides built-in")
		}
		next[cp.policy.Name] = cp
	}
	e.policies = next

	e.logger.WithField("count", len(compiled)).Info("policies loaded")
	return nil
}

// ReloadPolicies re-reads the paths given to the last LoadPolicies call.
func (e *Engine) ReloadPolicies(ctx context.Context) error {
	e.mu.RLock()
	paths := e.paths
	e.mu.RUnlock()

	e.loader.ClearCache()
	return e.LoadPolicies(ctx, paths)
}

// Watch reloads custom policies whenever a file under paths changes. It
// returns once the watcher is set up; watching stops when ctx is done.
func (e *Engine) Watch(ctx context.Context, paths []string) error {
	return e.loader.Watch(ctx, paths, func(policies []Policy) error {
		return e.apply(ctx, policies)
	})
}

// GetPolicy returns a policy by name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, exists := e.policies[name]
	if !exists {
		return nil, fmt.Errorf("policy not found: %s", name)
	}
	p := *cp.policy
	return &p, nil
}

// ListPolicies returns all loaded policies sorted by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]Policy, 0, len(e.policies))
	for _, cp := range e.policies {
		policies = append(policies, *cp.policy)
	}
	sort.Slice(policies, func(i, j int) bool { return policies[i].Name < policies[j].Name })
	return policies
}

// EnablePolicy enables a policy by name.
func (e *Engine) EnablePolicy(name string) error {
	return e.setEnabled(name, true)
}

// DisablePolicy disables a policy by name.
func (e *Engine) DisablePolicy(name string) error {
	return e.setEnabled(name, false)
}

func (e *Engine) setEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, exists := e.policies[name]
	if !exists {
		return fmt.Errorf("policy not found: %s", name)
	}
	cp.policy.Enabled = enabled
	e.logger.WithField("policy", name).WithField("enabled", enabled).Info("policy toggled")
	return nil
}
