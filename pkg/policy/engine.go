package policy

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/rs/zerolog"

	"github.com/reactivegraph/plugind/pkg/plugins"
)

// Engine evaluates Rego policies that decide whether a plugin is disabled.
// It implements plugins.DisablePolicy.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	logger   zerolog.Logger
	now      func() time.Time
}

// compiledPolicy represents a compiled Rego policy.
type compiledPolicy struct {
	policy   *Policy
	pkg      string
	builtin  bool
	query    rego.PreparedEvalQuery
	compiled time.Time
}

// NewEngine creates a new policy engine with the built-in policies
// registered and disabled.
func NewEngine(logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		logger:   logger.With().Str("component", "policy-engine").Logger(),
		now:      time.Now,
	}

	if err := e.loadBuiltinPolicies(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to load built-in policies: %w", err)
	}

	return e, nil
}

// Disabled reports whether any enabled policy disables the candidate.
// Evaluation errors are logged and never disable a plugin.
func (e *Engine) Disabled(ctx context.Context, c plugins.Candidate) bool {
	decision := e.Evaluate(ctx, InputFor(c))
	for _, msg := range decision.Errors {
		e.logger.Warn().Str("plugin", c.Stem).Str("error", msg).Msg("Policy evaluation failed")
	}
	if decision.Disabled {
		e.logger.Debug().
			Str("plugin", c.Stem).
			Strs("policies", decision.Policies).
			Strs("reasons", decision.Reasons).
			Msg("Plugin disabled by policy")
	}
	return decision.Disabled
}

// InputFor converts a candidate to the policy input document.
func InputFor(c plugins.Candidate) PolicyInput {
	return PolicyInput{
		ID:         c.ID,
		Stem:       c.Stem,
		Name:       c.Name,
		ShortName:  c.ShortName,
		Version:    c.Version,
		State:      c.State.String(),
		Phase:      c.State.Phase.String(),
		Refreshing: c.State.Refreshing,
	}
}

// Evaluate runs every enabled policy against the input.
func (e *Engine) Evaluate(ctx context.Context, input PolicyInput) Decision {
	start := e.now()
	e.mu.RLock()
	defer e.mu.RUnlock()

	decision := Decision{EvaluatedAt: start}
	for _, name := range e.sortedNames() {
		cp := e.policies[name]
		if !cp.policy.Enabled || !cp.policy.AppliesTo(input) {
			continue
		}

		disabled, reason, err := e.evaluatePolicy(ctx, cp, input)
		if err != nil {
			decision.Errors = append(decision.Errors, fmt.Sprintf("%s: %v", name, err))
			continue
		}
		if disabled {
			decision.Disabled = true
			decision.Policies = append(decision.Policies, name)
			if reason != "" {
				decision.Reasons = append(decision.Reasons, reason)
			}
		}
	}

	decision.Duration = time.Since(start)
	return decision
}

// evaluatePolicy evaluates the package document of a single policy.
func (e *Engine) evaluatePolicy(ctx context.Context, cp *compiledPolicy, input PolicyInput) (bool, string, error) {
	results, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return false, "", fmt.Errorf("policy evaluation error: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return false, "", nil
	}

	doc, ok := results[0].Expressions[0].Value.(map[string]interface{})
	if !ok {
		return false, "", nil
	}

	disabled, _ := doc["disabled"].(bool)
	reason, _ := doc["reason"].(string)
	return disabled, reason, nil
}

// compilePolicy parses a policy and prepares the query over its package.
func compilePolicy(ctx context.Context, policy *Policy) (*compiledPolicy, error) {
	module, err := ast.ParseModule(policy.Name, policy.Rego)
	if err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}
	if err := checkModule(policy.Name, module); err != nil {
		return nil, err
	}

	pkg := module.Package.Path.String()
	query, err := rego.New(
		rego.Module(policy.Name, policy.Rego),
		rego.Query(pkg),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare query: %w", err)
	}

	return &compiledPolicy{
		policy:   policy,
		pkg:      pkg,
		query:    query,
		compiled: time.Now(),
	}, nil
}

// loadBuiltinPolicies loads the built-in policies.
func (e *Engine) loadBuiltinPolicies(ctx context.Context) error {
	builtins := GetBuiltinPolicies()
	for i := range builtins {
		cp, err := compilePolicy(ctx, &builtins[i])
		if err != nil {
			return fmt.Errorf("failed to compile built-in policy %s: %w", builtins[i].Name, err)
		}
		cp.builtin = true
		e.policies[builtins[i].Name] = cp
	}

	e.logger.Debug().
		Int("count", len(builtins)).
		Msg("Built-in policies loaded")

	return nil
}

// LoadPolicies loads policy files and directories and replaces every
// previously loaded file policy.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	loader := NewLoader(e.logger)
	policies, err := loader.LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}
	return e.ReplacePolicies(ctx, policies)
}

// ReplacePolicies compiles the given policies and swaps them in for the
// current file policies. Nothing changes if any policy fails to compile.
// Built-in policies and their enabled flags are kept.
func (e *Engine) ReplacePolicies(ctx context.Context, policies []Policy) error {
	compiled := make(map[string]*compiledPolicy, len(policies))
	for i := range policies {
		cp, err := compilePolicy(ctx, &policies[i])
		if err != nil {
			e.logger.Error().Err(err).
				Str("policy", policies[i].Name).
				Msg("Failed to compile policy")
			return fmt.Errorf("failed to compile policy %s: %w", policies[i].Name, err)
		}
		compiled[policies[i].Name] = cp
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for name := range compiled {
		if existing, ok := e.policies[name]; ok && existing.builtin {
			return fmt.Errorf("policy %s shadows a built-in policy", name)
		}
	}
	for name, cp := range e.policies {
		if !cp.builtin {
			delete(e.policies, name)
		}
	}
	for name, cp := range compiled {
		e.policies[name] = cp
	}

	e.logger.Info().
		Int("count", len(policies)).
		Msg("Policies loaded successfully")

	return nil
}

// Watch reloads the policies under paths whenever a policy file changes.
// onReload, when set, runs after each successful reload. The returned
// channel is closed once watching has stopped.
func (e *Engine) Watch(ctx context.Context, paths []string, onReload func()) (<-chan struct{}, error) {
	loader := NewLoader(e.logger)
	return loader.Watch(ctx, paths, func(policies []Policy) error {
		if err := e.ReplacePolicies(ctx, policies); err != nil {
			return err
		}
		if onReload != nil {
			onReload()
		}
		return nil
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

// ListPolicies returns all loaded policies ordered by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]Policy, 0, len(e.policies))
	for _, name := range e.sortedNames() {
		policies = append(policies, *e.policies[name].policy)
	}

	return policies
}

// HasEnabled reports whether at least one policy is active.
func (e *Engine) HasEnabled() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()

	for _, cp := range e.policies {
		if cp.policy.Enabled {
			return true
		}
	}
	return false
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
	e.logger.Info().Str("policy", name).Bool("enabled", enabled).Msg("Policy toggled")

	return nil
}

// sortedNames must be called with mu held.
func (e *Engine) sortedNames() []string {
	names := make([]string, 0, len(e.policies))
	for name := range e.policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

var _ plugins.DisablePolicy = (*Engine)(nil)
