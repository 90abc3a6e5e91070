package strategies

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/medic/pkg/config"
	"github.com/openfroyo/medic/pkg/healing"
	"github.com/openfroyo/medic/pkg/sandbox"
)

// _start returns immediately.
var okWasm = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
	0x01, 0x04, 0x01, 0x60, 0x00, 0x00,
	0x03, 0x02, 0x01, 0x00,
	0x07, 0x0a, 0x01, 0x06, '_', 's', 't', 'a', 'r', 't', 0x00, 0x00,
	0x0a, 0x04, 0x01, 0x02, 0x00, 0x0b,
}

// _start calls proc_exit(3).
func exitWasm() []byte {
	out := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}
	out = append(out, 0x01, 0x08, 0x02, 0x60, 0x00, 0x00, 0x60, 0x01, 0x7f, 0x00)
	out = append(out, 0x02, 0x24, 0x01, 22)
	out = append(out, "wasi_snapshot_preview1"...)
	out = append(out, 9)
	out = append(out, "proc_exit"...)
	out = append(out, 0x00, 0x01)
	out = append(out, 0x03, 0x02, 0x01, 0x00)
	out = append(out, 0x07, 0x0a, 0x01, 0x06, '_', 's', 't', 'a', 'r', 't', 0x00, 0x01)
	out = append(out, 0x0a, 0x08, 0x01, 0x06, 0x00, 0x41, 0x03, 0x10, 0x00, 0x0b)
	return out
}

func newTestDeclarative(t *testing.T, fr *fakeRunner, withSandbox bool) (*Declarative, *healing.StrategyRegistry) {
	t.Helper()
	deps := newTestDeps(t, fr)
	registry := healing.NewRegistry()
	builtin := Builtin(deps)
	require.NoError(t, registry.RegisterProvider(builtin))

	var sb *sandbox.Sandbox
	if withSandbox {
		var err error
		sb, err = sandbox.New(context.Background(), sandbox.DefaultConfig(), zerolog.Nop())
		require.NoError(t, err)
		t.Cleanup(func() { _ = sb.Close(context.Background()) })
	}

	d := NewDeclarative(registry, builtin, deps, sb, config.NewStarlarkEvaluator(5*time.Second))
	d.BaseDir = deps.Dir
	return d, registry
}

func commandStrategy(issueType string, actions ...config.ActionConfig) config.StrategyConfig {
	return config.StrategyConfig{
		IssueType:   issueType,
		MaxAttempts: 2,
		Cooldown:    config.Duration(time.Second),
		Priority:    4,
		Actions:     actions,
	}
}

func TestDeclarative_CommandActions(t *testing.T) {
	fr := newFakeRunner()
	d, _ := newTestDeclarative(t, fr, false)

	strategies, err := d.Build(context.Background(), []config.StrategyConfig{
		commandStrategy("queue-backlog",
			config.ActionConfig{Name: "drain", Kind: config.ActionCommand, Commands: []string{"queuectl drain", "queuectl status"}},
			config.ActionConfig{
				Name:     "scale",
				Kind:     config.ActionCommand,
				Commands: []string{"kubectl scale deploy/worker --replicas=5"},
				Rollback: []string{"kubectl scale deploy/worker --replicas=2"},
			},
		),
	})
	require.NoError(t, err)
	require.Len(t, strategies, 1)

	s := strategies[0]
	assert.Equal(t, time.Second, s.CooldownPeriod)
	assert.Equal(t, 4, s.Priority)

	drain := findAction(t, s, "drain")
	_, reversible := drain.(healing.Rollbacker)
	assert.False(t, reversible)

	ok, err := drain.Execute(context.Background(), testIssue("queue-backlog"))
	require.NoError(t, err)
	assert.True(t, ok)

	scale := findAction(t, s, "scale")
	rb, reversible := scale.(healing.Rollbacker)
	require.True(t, reversible)
	require.NoError(t, rb.Rollback(context.Background(), testIssue("queue-backlog")))

	assert.Equal(t, []string{
		"queuectl drain",
		"queuectl status",
		"kubectl scale deploy/worker --replicas=2",
	}, fr.commands())
}

func TestDeclarative_CommandFailure(t *testing.T) {
	fr := newFakeRunner().fail("queuectl drain")
	d, _ := newTestDeclarative(t, fr, false)

	strategies, err := d.Build(context.Background(), []config.StrategyConfig{
		commandStrategy("queue-backlog",
			config.ActionConfig{Name: "drain", Kind: config.ActionCommand, Commands: []string{"queuectl drain", "queuectl status"}},
		),
	})
	require.NoError(t, err)

	ok, err := strategies[0].Actions[0].Execute(context.Background(), testIssue("queue-backlog"))
	require.Error(t, err)
	assert.False(t, ok)
	assert.Equal(t, []string{"queuectl drain"}, fr.commands())
}

func TestDeclarative_ScriptAction(t *testing.T) {
	fr := newFakeRunner().on("curl -fsS http://api/health", reply{stdout: "ok"})
	d, _ := newTestDeclarative(t, fr, false)

	script := `
res = run("curl -fsS http://api/health")
print("health:", res["stdout"])
success = res["ok"] and issue["component"] == "web" and issue["extra"]["region"] == "eu"
`
	strategies, err := d.Build(context.Background(), []config.StrategyConfig{
		commandStrategy("custom", config.ActionConfig{Name: "probe", Kind: config.ActionScript, Script: script}),
	})
	require.NoError(t, err)

	issue := testIssue("custom")
	issue.Metadata.Extra = map[string]string{"region": "eu"}

	ok, err := strategies[0].Actions[0].Execute(context.Background(), issue)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []string{"curl -fsS http://api/health"}, fr.commands())
}

func TestDeclarative_ScriptFailures(t *testing.T) {
	fr := newFakeRunner().fail("false")
	d, _ := newTestDeclarative(t, fr, false)
	require.NoError(t, os.WriteFile(filepath.Join(d.BaseDir, "check.star"), []byte(`success = run("false")["ok"]`), 0o644))

	strategies, err := d.Build(context.Background(), []config.StrategyConfig{
		commandStrategy("custom",
			config.ActionConfig{Name: "from-file", Kind: config.ActionScript, ScriptFile: "check.star"},
			config.ActionConfig{Name: "no-success", Kind: config.ActionScript, Script: `x = 1`},
			config.ActionConfig{Name: "broken", Kind: config.ActionScript, Script: `x = 1 // 0`},
		),
	})
	require.NoError(t, err)
	issue := testIssue("custom")

	ok, err := findAction(t, strategies[0], "from-file").Execute(context.Background(), issue)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = findAction(t, strategies[0], "no-success").Execute(context.Background(), issue)
	require.Error(t, err)
	assert.False(t, ok)

	ok, err = findAction(t, strategies[0], "broken").Execute(context.Background(), issue)
	require.Error(t, err)
	assert.False(t, ok)
}

func TestDeclarative_WasmAction(t *testing.T) {
	d, _ := newTestDeclarative(t, newFakeRunner(), true)
	require.NoError(t, os.WriteFile(filepath.Join(d.BaseDir, "ok.wasm"), okWasm, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(d.BaseDir, "exit.wasm"), exitWasm(), 0o644))

	strategies, err := d.Build(context.Background(), []config.StrategyConfig{
		commandStrategy("custom",
			config.ActionConfig{Name: "ok", Kind: config.ActionWasm, Module: "ok.wasm"},
			config.ActionConfig{Name: "exit", Kind: config.ActionWasm, Module: filepath.Join(d.BaseDir, "exit.wasm")},
		),
	})
	require.NoError(t, err)
	issue := testIssue("custom")

	ok, err := findAction(t, strategies[0], "ok").Execute(context.Background(), issue)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = findAction(t, strategies[0], "exit").Execute(context.Background(), issue)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDeclarative_BuildErrors(t *testing.T) {
	d, _ := newTestDeclarative(t, newFakeRunner(), false)

	tests := []struct {
		name     string
		strategy config.StrategyConfig
	}{
		{"wasm without sandbox", commandStrategy("custom", config.ActionConfig{Name: "m", Kind: config.ActionWasm, Module: "m.wasm"})},
		{"missing script file", commandStrategy("custom", config.ActionConfig{Name: "s", Kind: config.ActionScript, ScriptFile: "missing.star"})},
		{"command without commands", commandStrategy("custom", config.ActionConfig{Name: "c", Kind: config.ActionCommand})},
		{"no actions", commandStrategy("custom")},
		{"duplicate actions", commandStrategy("custom",
			config.ActionConfig{Name: "c", Kind: config.ActionCommand, Commands: []string{"true"}},
			config.ActionConfig{Name: "c", Kind: config.ActionCommand, Commands: []string{"true"}},
		)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := d.Build(context.Background(), []config.StrategyConfig{tt.strategy})
			assert.Error(t, err)
		})
	}
}

func TestDeclarative_Apply(t *testing.T) {
	d, registry := newTestDeclarative(t, newFakeRunner(), false)
	restart := config.ActionConfig{Name: "restart", Kind: config.ActionCommand, Commands: []string{"pm2 restart web"}}

	require.NoError(t, d.Apply([]config.StrategyConfig{
		commandStrategy("custom", restart),
		commandStrategy(TypePerformance, restart),
	}))
	assert.Equal(t, []string{"custom", TypePerformance}, d.Types())
	assert.Equal(t, 8, registry.Len())

	perf, ok := registry.Lookup(TypePerformance)
	require.True(t, ok)
	assert.Equal(t, []string{"restart"}, perf.ActionNames())

	// Removing the overrides restores the built-in and drops the custom type.
	require.NoError(t, d.Apply(nil))
	assert.Empty(t, d.Types())
	assert.Equal(t, 7, registry.Len())
	_, ok = registry.Lookup("custom")
	assert.False(t, ok)
	perf, ok = registry.Lookup(TypePerformance)
	require.True(t, ok)
	assert.Equal(t, "clear-cache", perf.ActionNames()[0])
}

func TestDeclarative_ApplyIsAtomic(t *testing.T) {
	d, registry := newTestDeclarative(t, newFakeRunner(), false)

	err := d.Apply([]config.StrategyConfig{
		commandStrategy("custom", config.ActionConfig{Name: "ok", Kind: config.ActionCommand, Commands: []string{"true"}}),
		commandStrategy("broken", config.ActionConfig{Name: "m", Kind: config.ActionWasm, Module: "m.wasm"}),
	})
	require.Error(t, err)
	assert.Equal(t, 7, registry.Len())
	assert.Empty(t, d.Types())
}
