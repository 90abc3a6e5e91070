package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/medic/pkg/healing"
)

const sampleCUE = `
engine: {
	auto_healing: true
	issue_gap:    "2s"
	environment:  "staging"
}

monitor: {
	interval:      "10s"
	probe_timeout: "3s"
	thresholds: alert_memory: 80
	component_severities: search: "low"
}

probes: [{
	name:   "api"
	kind:   "http"
	target: "http://localhost:3000/health"
}, {
	name:      "storage"
	kind:      "disk"
	target:    "/"
	threshold: 95
}]

commands: "build-failure": "build": ["make build"]

strategies: [{
	issue_type:   "queue-backlog"
	max_attempts: 2
	cooldown:     "15s"
	priority:     2
	actions: [{
		name: "drain-queue"
		kind: "command"
		commands: ["./bin/drain", "./bin/verify"]
	}, {
		name:   "inspect"
		kind:   "script"
		script: "success = issue[\"severity\"] != \"critical\""
	}]
}]
`

func TestLoader_LoadCUE(t *testing.T) {
	loader := NewLoader()

	cfg, err := loader.LoadBytes([]byte(sampleCUE), "medic.cue")
	require.NoError(t, err)

	assert.Equal(t, 2*time.Second, cfg.Engine.IssueGap.Std())
	assert.Equal(t, "staging", cfg.Engine.Environment)
	assert.Equal(t, 256, cfg.Engine.EventBuffer, "absent fields keep defaults")

	assert.Equal(t, 10*time.Second, cfg.Monitor.Interval.Std())
	assert.Equal(t, 80.0, cfg.Monitor.Thresholds.AlertMemory)
	assert.Equal(t, 90.0, cfg.Monitor.Thresholds.CriticalMemory)
	assert.Equal(t, "database", cfg.Monitor.ComponentIssueTypes["database"])

	require.Len(t, cfg.Probes, 2)
	assert.Equal(t, "disk", cfg.Probes[1].Kind)
	assert.Equal(t, []string{"make build"}, cfg.Commands["build-failure"]["build"])

	require.Len(t, cfg.Strategies, 1)
	s := cfg.Strategies[0]
	assert.Equal(t, "queue-backlog", s.IssueType)
	assert.Equal(t, 15*time.Second, s.Cooldown.Std())
	require.Len(t, s.Actions, 2)
	assert.Equal(t, ActionScript, s.Actions[1].Kind)

	mc := cfg.MonitorConfig()
	assert.Equal(t, healing.SeverityLow, mc.ComponentSeverities["search"])
	assert.NoError(t, mc.Validate())

	hc := cfg.HealingConfig()
	assert.Equal(t, 2*time.Second, hc.IssueGap)
	assert.Equal(t, "staging", hc.Environment)

	specs := cfg.ProbeSpecs()
	require.Len(t, specs, 2)
	assert.Equal(t, "api", specs[0].Name)
}

func TestLoader_LoadYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "medic.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
engine:
  environment: development
  auto_healing: false
monitor:
  workers: 2
escalation:
  webhook_url: https://hooks.example.com/medic
  rate: 0.5
  burst: 2
remote:
  host: web-1
  user: deploy
  private_key_path: /etc/medic/id_ed25519
`), 0o644))

	cfg, err := NewLoader().Load(path)
	require.NoError(t, err)

	assert.False(t, cfg.Engine.AutoHealing)
	assert.Equal(t, 2, cfg.Monitor.Workers)
	assert.Equal(t, 0.5, cfg.Escalation.Rate)

	ssh, ok := cfg.SSHConfig()
	require.True(t, ok)
	assert.Equal(t, "web-1", ssh.Host)
	assert.Equal(t, 22, ssh.Port)
	assert.Equal(t, "/etc/medic/id_ed25519", ssh.PrivateKeyPath)
}

func TestLoader_Errors(t *testing.T) {
	tests := []struct {
		name     string
		filename string
		content  string
		contains string
	}{
		{
			name:     "cue syntax",
			filename: "bad.cue",
			content:  "engine: {",
		},
		{
			name:     "unknown key",
			filename: "medic.cue",
			content:  `engine: turbo: true`,
			contains: "turbo",
		},
		{
			name:     "bad duration",
			filename: "medic.yaml",
			content:  "monitor:\n  interval: soon\n",
		},
		{
			name:     "severity out of set",
			filename: "medic.cue",
			content:  `monitor: component_severities: api: "urgent"`,
		},
		{
			name:     "command action without commands",
			filename: "medic.cue",
			content: `strategies: [{
	issue_type: "x"
	max_attempts: 1
	actions: [{name: "a", kind: "command"}]
}]`,
			contains: "requires commands",
		},
		{
			name:     "duplicate action",
			filename: "medic.cue",
			content: `strategies: [{
	issue_type: "x"
	max_attempts: 1
	actions: [{name: "a", kind: "command", commands: ["true"]}, {name: "a", kind: "command", commands: ["true"]}]
}]`,
			contains: "duplicate action",
		},
		{
			name:     "invalid webhook url",
			filename: "medic.yaml",
			content:  "escalation:\n  webhook_url: not a url\n",
		},
		{
			name:     "duplicate probe",
			filename: "medic.yaml",
			content:  "probes:\n  - {name: api, kind: tcp, target: 'a:1'}\n  - {name: api, kind: tcp, target: 'b:1'}\n",
			contains: "duplicate probe",
		},
	}

	loader := NewLoader()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loader.LoadBytes([]byte(tt.content), tt.filename)
			require.Error(t, err)

			var le *LoadError
			require.True(t, errors.As(err, &le), "expected LoadError, got %T", err)
			assert.NotEmpty(t, le.Errors)
			if tt.contains != "" {
				assert.Contains(t, err.Error(), tt.contains)
			}
		})
	}
}

func TestLoader_CUEErrorPositions(t *testing.T) {
	_, err := NewLoader().LoadBytes([]byte("engine: {\n\tevent_buffer: 0\n}\n"), "medic.cue")
	require.Error(t, err)

	var le *LoadError
	require.True(t, errors.As(err, &le))
	var positioned bool
	for _, ve := range le.Errors {
		if ve.File == "medic.cue" && ve.Line == 2 {
			positioned = true
		}
	}
	assert.True(t, positioned, "expected an error on medic.cue:2, got %v", le.Errors)
}

func TestMarshal_RoundTrip(t *testing.T) {
	loader := NewLoader()
	for _, name := range []string{"medic.yaml", "medic.json", "medic.cue"} {
		t.Run(name, func(t *testing.T) {
			data, err := Marshal(Default(), name)
			require.NoError(t, err)

			cfg, err := loader.LoadBytes(data, name)
			require.NoError(t, err, "%s", data)
			assert.Equal(t, Default(), *cfg)
		})
	}

	_, err := Marshal(Default(), "medic.toml")
	assert.Error(t, err)
}

func TestLoader_LoadStrategyDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.yaml"), []byte(`
strategies:
  - issue_type: cache-miss
    max_attempts: 2
    actions:
      - name: warm-cache
        kind: command
        commands: ["./warm.sh"]
`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.cue"), []byte(`
strategies: [{
	issue_type: "cert-expiry"
	max_attempts: 1
	actions: [{name: "renew", kind: "wasm", module: "renew.wasm"}]
}]
`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644))

	strategies, err := NewLoader().LoadStrategyDir(dir)
	require.NoError(t, err)
	require.Len(t, strategies, 2)
	assert.Equal(t, "cache-miss", strategies[0].IssueType)
	assert.Equal(t, "cert-expiry", strategies[1].IssueType)
	assert.Equal(t, "renew.wasm", strategies[1].Actions[0].Module)
}

func TestDuration_JSON(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalJSON([]byte(`"1m30s"`)))
	assert.Equal(t, 90*time.Second, d.Std())

	require.NoError(t, d.UnmarshalJSON([]byte(`1000`)))
	assert.Equal(t, time.Microsecond, d.Std())

	assert.Error(t, d.UnmarshalJSON([]byte(`"fortnight"`)))

	out, err := Duration(5 * time.Minute).MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `"5m0s"`, string(out))
}
