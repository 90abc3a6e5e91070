package strategies

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/openfroyo/medic/pkg/config"
	"github.com/openfroyo/medic/pkg/healing"
	"github.com/openfroyo/medic/pkg/runner"
	"github.com/openfroyo/medic/pkg/sandbox"
)

// Declarative builds strategies from configuration and keeps the
// registry in sync with the latest configuration.
type Declarative struct {
	registry  *healing.StrategyRegistry
	deps      *Deps
	sandbox   *sandbox.Sandbox
	evaluator *config.StarlarkEvaluator

	// BaseDir resolves relative script and module paths.
	BaseDir string

	mu       sync.Mutex
	builtin  map[string]healing.HealingStrategy
	declared map[string]bool
}

// NewDeclarative creates a declarative loader. Strategies of builtin are
// restored when a declarative strategy overriding them is removed. The
// sandbox and evaluator may be nil when no wasm or script actions are
// configured.
func NewDeclarative(registry *healing.StrategyRegistry, builtin healing.StrategyProvider, deps *Deps, sb *sandbox.Sandbox, evaluator *config.StarlarkEvaluator) *Declarative {
	d := &Declarative{
		registry:  registry,
		deps:      deps,
		sandbox:   sb,
		evaluator: evaluator,
		builtin:   make(map[string]healing.HealingStrategy),
		declared:  make(map[string]bool),
	}
	if builtin != nil {
		for _, s := range builtin.Strategies() {
			d.builtin[s.IssueType] = s
		}
	}
	return d
}

// Apply replaces the declarative strategies with cfgs. Nothing is
// registered when any strategy fails to build. Its signature matches
// config.ReloadFunc.
func (d *Declarative) Apply(cfgs []config.StrategyConfig) error {
	strategies, err := d.Build(context.Background(), cfgs)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	next := make(map[string]bool, len(strategies))
	for _, s := range strategies {
		if err := d.registry.Register(s); err != nil {
			return err
		}
		next[s.IssueType] = true
	}

	for issueType := range d.declared {
		if next[issueType] {
			continue
		}
		if s, ok := d.builtin[issueType]; ok {
			if err := d.registry.Register(s); err != nil {
				return err
			}
			continue
		}
		d.registry.Unregister(issueType)
	}
	d.declared = next

	d.deps.Logger.Info().Int("strategies", len(strategies)).Msg("Declarative strategies applied")
	return nil
}

// Types returns the issue types currently defined by configuration.
func (d *Declarative) Types() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.declared))
	for t := range d.declared {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Build converts cfgs into strategies without registering them.
func (d *Declarative) Build(ctx context.Context, cfgs []config.StrategyConfig) ([]healing.HealingStrategy, error) {
	out := make([]healing.HealingStrategy, 0, len(cfgs))
	for _, sc := range cfgs {
		strategy := healing.HealingStrategy{
			IssueType:      sc.IssueType,
			Description:    sc.Description,
			MaxAttempts:    sc.MaxAttempts,
			CooldownPeriod: sc.Cooldown.Std(),
			Priority:       sc.Priority,
		}
		for i := range sc.Actions {
			action, err := d.buildAction(ctx, &sc.Actions[i])
			if err != nil {
				return nil, fmt.Errorf("strategy %s: %w", sc.IssueType, err)
			}
			strategy.Actions = append(strategy.Actions, action)
		}
		if err := strategy.Validate(); err != nil {
			return nil, err
		}
		out = append(out, strategy)
	}
	return out, nil
}

func (d *Declarative) buildAction(ctx context.Context, ac *config.ActionConfig) (healing.RemediationAction, error) {
	if err := ac.Validate(); err != nil {
		return nil, err
	}
	base := declaredAction{
		name:     ac.Name,
		desc:     ac.Description,
		estimate: ac.Estimate.Std(),
		timeout:  ac.Timeout.Std(),
		deps:     d.deps,
	}

	switch ac.Kind {
	case config.ActionCommand:
		action := &shellAction{declaredAction: base, commands: ac.Commands}
		if len(ac.Rollback) > 0 {
			return &reversibleShellAction{shellAction: action, rollback: ac.Rollback}, nil
		}
		return action, nil

	case config.ActionScript:
		if d.evaluator == nil {
			return nil, fmt.Errorf("action %s: script actions require an evaluator", ac.Name)
		}
		script, filename := ac.Script, ac.Name+".star"
		if script == "" {
			path := d.resolve(ac.ScriptFile)
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("action %s: failed to read script: %w", ac.Name, err)
			}
			script, filename = string(data), path
		}
		return &scriptAction{declaredAction: base, script: script, filename: filename, evaluator: d.evaluator}, nil

	case config.ActionWasm:
		if d.sandbox == nil {
			return nil, fmt.Errorf("action %s: wasm actions require a sandbox", ac.Name)
		}
		key, err := d.sandbox.CompileFile(ctx, d.resolve(ac.Module))
		if err != nil {
			return nil, fmt.Errorf("action %s: %w", ac.Name, err)
		}
		return &wasmAction{declaredAction: base, module: key, args: ac.Args, sandbox: d.sandbox}, nil
	}
	return nil, fmt.Errorf("action %s: unknown kind %q", ac.Name, ac.Kind)
}

func (d *Declarative) resolve(path string) string {
	if filepath.IsAbs(path) || d.BaseDir == "" {
		return path
	}
	return filepath.Join(d.BaseDir, path)
}

// declaredAction holds the fields shared by configured actions.
type declaredAction struct {
	name     string
	desc     string
	estimate time.Duration
	timeout  time.Duration
	deps     *Deps
}

func (a *declaredAction) Name() string                     { return a.name }
func (a *declaredAction) Description() string              { return a.desc }
func (a *declaredAction) EstimatedDuration() time.Duration { return a.estimate }

func (a *declaredAction) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if a.timeout > 0 {
		return context.WithTimeout(ctx, a.timeout)
	}
	return context.WithCancel(ctx)
}

// shellAction runs its commands in order; all must exit 0.
type shellAction struct {
	declaredAction
	commands []string
}

func (a *shellAction) Execute(ctx context.Context, issue healing.HealthIssue) (bool, error) {
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()
	if _, err := a.deps.runLines(ctx, issue, a.commands); err != nil {
		return false, err
	}
	return true, nil
}

type reversibleShellAction struct {
	*shellAction
	rollback []string
}

func (a *reversibleShellAction) Rollback(ctx context.Context, issue healing.HealthIssue) error {
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()
	_, err := a.deps.runLines(ctx, issue, a.rollback)
	return err
}

// scriptAction evaluates Starlark. The script reads the `issue` dict,
// may call run(cmd) and reports its outcome in the `success` global.
type scriptAction struct {
	declaredAction
	script    string
	filename  string
	evaluator *config.StarlarkEvaluator
}

func (a *scriptAction) Execute(ctx context.Context, issue healing.HealthIssue) (bool, error) {
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()

	input := map[string]interface{}{"issue": issueValue(issue)}
	builtins := map[string]config.Builtin{
		"run": func(ctx context.Context, args []interface{}, _ map[string]interface{}) (interface{}, error) {
			if len(args) != 1 {
				return nil, fmt.Errorf("expected 1 argument, got %d", len(args))
			}
			line, ok := args[0].(string)
			if !ok {
				return nil, fmt.Errorf("command must be a string, got %T", args[0])
			}
			return a.run(ctx, issue, line)
		},
	}

	result, err := a.evaluator.Evaluate(ctx, a.filename, a.script, input, builtins)
	if result != nil && len(result.Printed) > 0 {
		a.deps.Logger.Debug().
			Str("issue_id", issue.ID).
			Str("action", a.name).
			Str("output", strings.Join(result.Printed, "\n")).
			Msg("Script output")
	}
	if err != nil {
		return false, err
	}

	success, ok := result.Output["success"].(bool)
	if !ok {
		return false, errors.New("script did not set a boolean success")
	}
	return success, nil
}

func (a *scriptAction) run(ctx context.Context, issue healing.HealthIssue, line string) (interface{}, error) {
	res, err := a.deps.runLines(ctx, issue, []string{line})
	if res == nil {
		if err == nil {
			err = errors.New("command produced no result")
		}
		return nil, err
	}
	var rerr *runner.Error
	if err != nil && !errors.As(err, &rerr) {
		return nil, err
	}
	return map[string]interface{}{
		"exit_code": res.ExitCode,
		"ok":        res.Success(),
		"stdout":    res.Stdout,
		"stderr":    res.Stderr,
	}, nil
}

// issueValue exposes an issue to scripts.
func issueValue(issue healing.HealthIssue) map[string]interface{} {
	extra := make(map[string]string, len(issue.Metadata.Extra))
	for k, v := range issue.Metadata.Extra {
		extra[k] = v
	}
	return map[string]interface{}{
		"id":           issue.ID,
		"type":         issue.Type,
		"severity":     string(issue.Severity),
		"component":    issue.Component,
		"description":  issue.Description,
		"attempts":     issue.Attempts,
		"source":       issue.Metadata.Source,
		"metric":       issue.Metadata.Metric,
		"metric_value": issue.Metadata.MetricValue,
		"extra":        extra,
	}
}

// wasmAction runs a WASI module with the issue JSON on stdin. Exit code 0
// means success.
type wasmAction struct {
	declaredAction
	module  string
	args    []string
	sandbox *sandbox.Sandbox
}

func (a *wasmAction) Execute(ctx context.Context, issue healing.HealthIssue) (bool, error) {
	payload, err := json.Marshal(issue)
	if err != nil {
		return false, fmt.Errorf("failed to encode issue: %w", err)
	}

	env := make(map[string]string)
	for _, kv := range IssueEnv(issue) {
		if k, v, ok := strings.Cut(kv, "="); ok {
			env[k] = v
		}
	}

	res, err := a.sandbox.Run(ctx, a.module, sandbox.RunOptions{
		Args:    a.args,
		Env:     env,
		Stdin:   payload,
		Timeout: a.timeout,
	})
	if err != nil {
		return false, err
	}
	if !res.Success() {
		a.deps.Logger.Warn().
			Str("issue_id", issue.ID).
			Str("action", a.name).
			Int("exit_code", res.ExitCode).
			Str("stderr", res.Stderr).
			Msg("Module reported failure")
	}
	return res.Success(), nil
}
