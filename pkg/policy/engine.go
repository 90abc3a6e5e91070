package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/open-policy-agent/opa/v1/storage"
	"github.com/open-policy-agent/opa/v1/storage/inmem"
	"github.com/rs/zerolog"

	"github.com/openfroyo/medic/pkg/healing"
)

// packagePrefix is the Rego package every policy must live under.
const packagePrefix = "data.medic"

// Guard evaluates Rego policies before remediation actions run. It
// implements healing.ActionGuard.
type Guard struct {
	mu          sync.RWMutex
	policies    map[string]*compiledPolicy
	store       storage.Store
	environment string
	logger      zerolog.Logger
	now         func() time.Time
}

// compiledPolicy represents a compiled Rego policy.
type compiledPolicy struct {
	policy   *Policy
	module   *ast.Module
	query    rego.PreparedEvalQuery
	compiled time.Time
}

var _ healing.ActionGuard = (*Guard)(nil)

// NewGuard creates a guard with the built-in policies loaded.
func NewGuard(environment string, logger zerolog.Logger) (*Guard, error) {
	g := &Guard{
		policies:    make(map[string]*compiledPolicy),
		store:       inmem.NewFromObject(defaultData()),
		environment: environment,
		logger:      logger.With().Str("component", "policy-guard").Logger(),
		now:         time.Now,
	}

	ctx := context.Background()
	builtins := GetBuiltinPolicies()
	for i := range builtins {
		if err := g.compileAndStorePolicy(ctx, &builtins[i]); err != nil {
			return nil, fmt.Errorf("failed to compile built-in policy %s: %w", builtins[i].Name, err)
		}
	}

	g.logger.Info().
		Int("count", len(builtins)).
		Str("environment", environment).
		Msg("Built-in policies loaded")

	return g, nil
}

// defaultData is the base document exposed to policies as data.settings.
func defaultData() map[string]interface{} {
	return map[string]interface{}{
		"settings": map[string]interface{}{
			"freeze":               false,
			"protected_components": []interface{}{},
		},
	}
}

// Allow implements healing.ActionGuard.
func (g *Guard) Allow(ctx context.Context, issue healing.HealthIssue, action healing.RemediationAction) (healing.Decision, error) {
	input, err := g.buildInput(issue, action)
	if err != nil {
		return healing.Decision{}, err
	}

	result, err := g.Evaluate(ctx, input)
	if err != nil {
		return healing.Decision{}, err
	}

	for _, w := range result.Warnings {
		g.logger.Warn().
			Str("issue_id", issue.ID).
			Str("action", action.Name()).
			Str("policy", w.Policy).
			Msg(w.Message)
	}

	return healing.Decision{Allowed: result.Allowed, Reasons: result.Reasons()}, nil
}

// buildInput converts an issue and action into the policy input document.
func (g *Guard) buildInput(issue healing.HealthIssue, action healing.RemediationAction) (*Input, error) {
	raw, err := json.Marshal(issue)
	if err != nil {
		return nil, fmt.Errorf("failed to encode issue: %w", err)
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode issue: %w", err)
	}

	_, rollback := action.(healing.Rollbacker)
	now := g.now()

	return &Input{
		Issue: doc,
		Action: ActionInput{
			Name:                action.Name(),
			Description:         action.Description(),
			EstimatedDurationMS: action.EstimatedDuration().Milliseconds(),
			Rollback:            rollback,
		},
		Environment: g.environment,
		Time: TimeInput{
			RFC3339: now.Format(time.RFC3339),
			Hour:    now.Hour(),
			Weekday: now.Weekday().String(),
		},
	}, nil
}

// Evaluate runs every enabled policy against the input. A policy that
// fails to evaluate produces a blocking violation.
func (g *Guard) Evaluate(ctx context.Context, input *Input) (*Result, error) {
	startTime := time.Now()
	g.mu.RLock()
	defer g.mu.RUnlock()

	result := &Result{Allowed: true}

	for _, name := range g.sortedNamesLocked() {
		cp := g.policies[name]
		if !cp.policy.Enabled {
			continue
		}
		result.Evaluated = append(result.Evaluated, name)

		violations, err := g.evaluatePolicy(ctx, cp, input)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			g.logger.Error().Err(err).
				Str("policy", name).
				Msg("Policy evaluation failed")
			violations = []Violation{{
				Policy:   name,
				Message:  fmt.Sprintf("evaluation failed: %v", err),
				Severity: SeverityError,
			}}
		}

		for _, v := range violations {
			if v.Severity == SeverityWarning {
				result.Warnings = append(result.Warnings, v)
				continue
			}
			result.Violations = append(result.Violations, v)
			result.Allowed = false
		}
	}

	result.Duration = time.Since(startTime)
	g.logger.Debug().
		Str("action", input.Action.Name).
		Bool("allowed", result.Allowed).
		Int("violations", len(result.Violations)).
		Dur("duration", result.Duration).
		Msg("Action policy evaluation completed")

	return result, nil
}

// evaluatePolicy evaluates a single compiled policy.
func (g *Guard) evaluatePolicy(ctx context.Context, cp *compiledPolicy, input *Input) ([]Violation, error) {
	results, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("policy evaluation error: %w", err)
	}

	var violations []Violation
	for _, result := range results {
		if len(result.Expressions) == 0 {
			continue
		}
		denySet, ok := result.Expressions[0].Value.([]interface{})
		if !ok {
			continue
		}
		for _, d := range denySet {
			violations = append(violations, createViolation(cp.policy, d))
		}
	}
	return violations, nil
}

// createViolation creates a Violation from a deny set member.
func createViolation(policy *Policy, result interface{}) Violation {
	violation := Violation{
		Policy:   policy.Name,
		Severity: policy.Severity,
	}

	switch v := result.(type) {
	case string:
		violation.Message = v
	case map[string]interface{}:
		if msg, ok := v["message"].(string); ok {
			violation.Message = msg
		}
		if sev, ok := v["severity"].(string); ok {
			violation.Severity = Severity(sev)
		}
	default:
		violation.Message = fmt.Sprintf("%v", result)
	}

	return violation
}

// compileAndStorePolicy compiles a policy and stores it. The caller must
// hold g.mu or own g exclusively.
func (g *Guard) compileAndStorePolicy(ctx context.Context, policy *Policy) error {
	module, err := ast.ParseModule(policy.Name, policy.Rego)
	if err != nil {
		return fmt.Errorf("failed to parse policy: %w", err)
	}

	pkg := module.Package.Path.String()
	if pkg != packagePrefix && !strings.HasPrefix(pkg, packagePrefix+".") {
		return fmt.Errorf("policy package %s must be under %s", pkg, strings.TrimPrefix(packagePrefix, "data."))
	}

	if policy.Severity == "" {
		policy.Severity = SeverityError
	}

	r := rego.New(
		rego.ParsedModule(module),
		rego.Store(g.store),
		rego.Query(pkg+".deny"),
		rego.StrictBuiltinErrors(true),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("failed to prepare query: %w", err)
	}

	g.policies[policy.Name] = &compiledPolicy{
		policy:   policy,
		module:   module,
		query:    query,
		compiled: time.Now(),
	}

	g.logger.Debug().
		Str("policy", policy.Name).
		Str("package", pkg).
		Msg("Policy compiled successfully")

	return nil
}

// LoadPolicies loads policy files and directories on top of the built-in
// policies.
func (g *Guard) LoadPolicies(ctx context.Context, paths []string) error {
	loader := NewLoader(g.logger)
	policies, err := loader.LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}
	return g.ReplacePolicies(ctx, policies)
}

// ReplacePolicies swaps every non-builtin policy for the given set. Nothing
// changes when any policy fails to compile.
func (g *Guard) ReplacePolicies(ctx context.Context, policies []Policy) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	previous := g.policies
	g.policies = make(map[string]*compiledPolicy, len(previous)+len(policies))
	for name, cp := range previous {
		if cp.policy.Builtin {
			g.policies[name] = cp
		}
	}

	for i := range policies {
		p := policies[i]
		if existing, ok := g.policies[p.Name]; ok && existing.policy.Builtin {
			g.policies = previous
			return fmt.Errorf("policy %s conflicts with a built-in policy", p.Name)
		}
		if err := g.compileAndStorePolicy(ctx, &p); err != nil {
			g.policies = previous
			g.logger.Error().Err(err).
				Str("policy", p.Name).
				Msg("Failed to compile policy")
			return fmt.Errorf("failed to compile policy %s: %w", p.Name, err)
		}
	}

	g.logger.Info().
		Int("count", len(policies)).
		Msg("Policies loaded successfully")

	return nil
}

// SetFreeze toggles the change freeze flag visible as data.settings.freeze.
func (g *Guard) SetFreeze(ctx context.Context, active bool) error {
	return g.writeSetting(ctx, "/settings/freeze", active)
}

// SetProtectedComponents replaces data.settings.protected_components.
func (g *Guard) SetProtectedComponents(ctx context.Context, components []string) error {
	values := make([]interface{}, 0, len(components))
	for _, c := range components {
		values = append(values, c)
	}
	return g.writeSetting(ctx, "/settings/protected_components", values)
}

func (g *Guard) writeSetting(ctx context.Context, path string, value interface{}) error {
	p, ok := storage.ParsePath(path)
	if !ok {
		return fmt.Errorf("invalid storage path: %s", path)
	}
	if err := storage.WriteOne(ctx, g.store, storage.ReplaceOp, p, value); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	g.logger.Info().Str("path", path).Interface("value", value).Msg("Policy data updated")
	return nil
}

// GetPolicy returns a policy by name.
func (g *Guard) GetPolicy(name string) (*Policy, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	cp, exists := g.policies[name]
	if !exists {
		return nil, fmt.Errorf("policy not found: %s", name)
	}
	p := *cp.policy
	return &p, nil
}

// ListPolicies returns all loaded policies sorted by name.
func (g *Guard) ListPolicies() []Policy {
	g.mu.RLock()
	defer g.mu.RUnlock()

	names := g.sortedNamesLocked()
	policies := make([]Policy, 0, len(names))
	for _, name := range names {
		policies = append(policies, *g.policies[name].policy)
	}
	return policies
}

func (g *Guard) sortedNamesLocked() []string {
	names := make([]string, 0, len(g.policies))
	for name := range g.policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// EnablePolicy enables a policy by name.
func (g *Guard) EnablePolicy(name string) error {
	return g.setEnabled(name, true)
}

// DisablePolicy disables a policy by name.
func (g *Guard) DisablePolicy(name string) error {
	return g.setEnabled(name, false)
}

func (g *Guard) setEnabled(name string, enabled bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	cp, exists := g.policies[name]
	if !exists {
		return fmt.Errorf("policy not found: %s", name)
	}

	cp.policy.Enabled = enabled
	g.logger.Info().Str("policy", name).Bool("enabled", enabled).Msg("Policy state changed")

	return nil
}
