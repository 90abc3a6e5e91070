package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Config is the root medic configuration.
type Config struct {
	Engine     EngineConfig                   `json:"engine" yaml:"engine"`
	Monitor    MonitorConfig                  `json:"monitor" yaml:"monitor"`
	Probes     []ProbeConfig                  `json:"probes,omitempty" yaml:"probes,omitempty" validate:"dive"`
	Commands   map[string]map[string][]string `json:"commands,omitempty" yaml:"commands,omitempty"`
	Services   map[string]string              `json:"services,omitempty" yaml:"services,omitempty"`
	Strategies []StrategyConfig               `json:"strategies,omitempty" yaml:"strategies,omitempty" validate:"dive"`
	Watch      WatchConfig                    `json:"watch" yaml:"watch"`
	Escalation EscalationConfig               `json:"escalation" yaml:"escalation"`
	Storage    StorageConfig                  `json:"storage" yaml:"storage"`
	Policy     PolicyConfig                   `json:"policy" yaml:"policy"`
	Runner     RunnerConfig                   `json:"runner" yaml:"runner"`
	Remote     *RemoteConfig                  `json:"remote,omitempty" yaml:"remote,omitempty"`
	Telemetry  TelemetryConfig                `json:"telemetry" yaml:"telemetry"`
	HTTP       HTTPConfig                     `json:"http" yaml:"http"`
}

// EngineConfig configures the orchestrator.
type EngineConfig struct {
	AutoHealing     bool     `json:"auto_healing" yaml:"auto_healing"`
	IssueGap        Duration `json:"issue_gap" yaml:"issue_gap"`
	Environment     string   `json:"environment" yaml:"environment" validate:"required"`
	EventBuffer     int      `json:"event_buffer" yaml:"event_buffer" validate:"gte=1"`
	ThresholdIssues bool     `json:"threshold_issues" yaml:"threshold_issues"`
}

// MonitorConfig configures the health monitor.
type MonitorConfig struct {
	Interval            Duration          `json:"interval" yaml:"interval"`
	ProbeTimeout        Duration          `json:"probe_timeout" yaml:"probe_timeout" validate:"gt=0"`
	Workers             int               `json:"workers" yaml:"workers" validate:"gte=1"`
	DegradedLatency     Duration          `json:"degraded_latency" yaml:"degraded_latency"`
	HostMetrics         bool              `json:"host_metrics" yaml:"host_metrics"`
	Thresholds          ThresholdsConfig  `json:"thresholds" yaml:"thresholds"`
	ComponentIssueTypes map[string]string `json:"component_issue_types,omitempty" yaml:"component_issue_types,omitempty"`
	ComponentSeverities map[string]string `json:"component_severities,omitempty" yaml:"component_severities,omitempty" validate:"dive,oneof=low medium high critical"`
	DefaultIssueType    string            `json:"default_issue_type" yaml:"default_issue_type" validate:"required"`
}

// ThresholdsConfig holds percentages for the overall status and alerts.
type ThresholdsConfig struct {
	CriticalMemory    float64 `json:"critical_memory" yaml:"critical_memory" validate:"gte=0,lte=100"`
	CriticalCPU       float64 `json:"critical_cpu" yaml:"critical_cpu" validate:"gte=0,lte=100"`
	CriticalErrorRate float64 `json:"critical_error_rate" yaml:"critical_error_rate" validate:"gte=0,lte=100"`
	WarningMemory     float64 `json:"warning_memory" yaml:"warning_memory" validate:"gte=0,lte=100"`
	WarningCPU        float64 `json:"warning_cpu" yaml:"warning_cpu" validate:"gte=0,lte=100"`
	WarningErrorRate  float64 `json:"warning_error_rate" yaml:"warning_error_rate" validate:"gte=0,lte=100"`
	AlertMemory       float64 `json:"alert_memory" yaml:"alert_memory" validate:"gte=0,lte=100"`
	AlertCPU          float64 `json:"alert_cpu" yaml:"alert_cpu" validate:"gte=0,lte=100"`
	AlertErrorRate    float64 `json:"alert_error_rate" yaml:"alert_error_rate" validate:"gte=0,lte=100"`
}

// ProbeConfig declares one health probe.
type ProbeConfig struct {
	Name      string   `json:"name" yaml:"name" validate:"required"`
	Kind      string   `json:"kind" yaml:"kind" validate:"required,oneof=http tcp dns sql disk memory process command goroutines"`
	Target    string   `json:"target,omitempty" yaml:"target,omitempty"`
	Driver    string   `json:"driver,omitempty" yaml:"driver,omitempty"`
	Threshold float64  `json:"threshold,omitempty" yaml:"threshold,omitempty"`
	Command   string   `json:"command,omitempty" yaml:"command,omitempty"`
	Timeout   Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// StrategyConfig is a declarative healing strategy.
type StrategyConfig struct {
	IssueType   string         `json:"issue_type" yaml:"issue_type" validate:"required"`
	Description string         `json:"description,omitempty" yaml:"description,omitempty"`
	MaxAttempts int            `json:"max_attempts" yaml:"max_attempts" validate:"gte=1"`
	Cooldown    Duration       `json:"cooldown,omitempty" yaml:"cooldown,omitempty"`
	Priority    int            `json:"priority,omitempty" yaml:"priority,omitempty"`
	Actions     []ActionConfig `json:"actions" yaml:"actions" validate:"required,min=1,dive"`
}

// Action kinds of declarative strategies.
const (
	ActionCommand = "command"
	ActionScript  = "script"
	ActionWasm    = "wasm"
)

// ActionConfig is one declarative remediation action.
type ActionConfig struct {
	Name        string `json:"name" yaml:"name" validate:"required"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Kind        string `json:"kind" yaml:"kind" validate:"required,oneof=command script wasm"`

	// Commands are run in order for command actions; all must exit 0.
	Commands []string `json:"commands,omitempty" yaml:"commands,omitempty"`

	// Rollback commands undo a command action.
	Rollback []string `json:"rollback,omitempty" yaml:"rollback,omitempty"`

	// Script is inline Starlark; ScriptFile is read when Script is empty.
	Script     string `json:"script,omitempty" yaml:"script,omitempty"`
	ScriptFile string `json:"script_file,omitempty" yaml:"script_file,omitempty"`

	// Module is the path of the WASI module of wasm actions.
	Module string   `json:"module,omitempty" yaml:"module,omitempty"`
	Args   []string `json:"args,omitempty" yaml:"args,omitempty"`

	Timeout  Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Estimate Duration `json:"estimate,omitempty" yaml:"estimate,omitempty"`
}

// Validate checks the fields required by the action kind.
func (a *ActionConfig) Validate() error {
	switch a.Kind {
	case ActionCommand:
		if len(a.Commands) == 0 {
			return fmt.Errorf("action %s: command action requires commands", a.Name)
		}
	case ActionScript:
		if a.Script == "" && a.ScriptFile == "" {
			return fmt.Errorf("action %s: script action requires script or script_file", a.Name)
		}
	case ActionWasm:
		if a.Module == "" {
			return fmt.Errorf("action %s: wasm action requires module", a.Name)
		}
	default:
		return fmt.Errorf("action %s: unknown kind %q", a.Name, a.Kind)
	}
	return nil
}

// WatchConfig lists directories of strategy files reloaded on change.
type WatchConfig struct {
	Dirs     []string `json:"dirs,omitempty" yaml:"dirs,omitempty"`
	Debounce Duration `json:"debounce" yaml:"debounce"`
}

// EscalationConfig configures the webhook escalation and paging sinks.
type EscalationConfig struct {
	WebhookURL string            `json:"webhook_url,omitempty" yaml:"webhook_url,omitempty" validate:"omitempty,url"`
	PagerURL   string            `json:"pager_url,omitempty" yaml:"pager_url,omitempty" validate:"omitempty,url"`
	Rate       float64           `json:"rate" yaml:"rate" validate:"gte=0"`
	Burst      int               `json:"burst" yaml:"burst" validate:"gte=0"`
	MaxRetries uint64            `json:"max_retries" yaml:"max_retries"`
	Timeout    Duration          `json:"timeout" yaml:"timeout"`
	Headers    map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
}

// StorageConfig configures persistence. An empty path disables it.
type StorageConfig struct {
	Path string `json:"path,omitempty" yaml:"path,omitempty"`

	// Retention is how long terminal records are kept. Zero keeps them forever.
	Retention Duration `json:"retention" yaml:"retention"`
}

// PolicyConfig configures the action guard.
type PolicyConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled"`
	Dirs    []string `json:"dirs,omitempty" yaml:"dirs,omitempty"`

	// Freeze starts the guard with the change freeze active.
	Freeze bool `json:"freeze" yaml:"freeze"`

	// ProtectedComponents may not be restarted or stopped outside development.
	ProtectedComponents []string `json:"protected_components,omitempty" yaml:"protected_components,omitempty"`
}

// RunnerConfig configures local command execution.
type RunnerConfig struct {
	Dir     string   `json:"dir,omitempty" yaml:"dir,omitempty"`
	Shell   string   `json:"shell,omitempty" yaml:"shell,omitempty"`
	Timeout Duration `json:"timeout" yaml:"timeout"`
	Sudo    bool     `json:"sudo" yaml:"sudo"`
}

// RemoteConfig runs remediation commands on a remote host over SSH.
type RemoteConfig struct {
	Host                  string   `json:"host" yaml:"host" validate:"required"`
	Port                  int      `json:"port,omitempty" yaml:"port,omitempty" validate:"omitempty,gte=1,lte=65535"`
	User                  string   `json:"user" yaml:"user" validate:"required"`
	Password              string   `json:"password,omitempty" yaml:"password,omitempty"`
	PrivateKeyPath        string   `json:"private_key_path,omitempty" yaml:"private_key_path,omitempty"`
	KnownHostsPath        string   `json:"known_hosts_path,omitempty" yaml:"known_hosts_path,omitempty"`
	StrictHostKeyChecking bool     `json:"strict_host_key_checking" yaml:"strict_host_key_checking"`
	ConnectionTimeout     Duration `json:"connection_timeout,omitempty" yaml:"connection_timeout,omitempty"`
}

// TelemetryConfig configures logging, tracing and metrics.
type TelemetryConfig struct {
	LogLevel  string `json:"log_level" yaml:"log_level" validate:"oneof=trace debug info warn error fatal"`
	LogFormat string `json:"log_format" yaml:"log_format" validate:"oneof=console json"`
	LogOutput string `json:"log_output" yaml:"log_output"`

	TracingEnabled  bool    `json:"tracing_enabled" yaml:"tracing_enabled"`
	TracingExporter string  `json:"tracing_exporter" yaml:"tracing_exporter" validate:"oneof=none stdout otlp"`
	TracingEndpoint string  `json:"tracing_endpoint,omitempty" yaml:"tracing_endpoint,omitempty"`
	TracingInsecure bool    `json:"tracing_insecure" yaml:"tracing_insecure"`
	SamplingRate    float64 `json:"sampling_rate" yaml:"sampling_rate" validate:"gte=0,lte=1"`

	MetricsEnabled   bool   `json:"metrics_enabled" yaml:"metrics_enabled"`
	MetricsNamespace string `json:"metrics_namespace" yaml:"metrics_namespace"`
}

// HTTPConfig configures the operator HTTP surface.
type HTTPConfig struct {
	Listen string `json:"listen" yaml:"listen"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Engine: EngineConfig{
			AutoHealing:     true,
			IssueGap:        Duration(time.Second),
			Environment:     "production",
			EventBuffer:     256,
			ThresholdIssues: true,
		},
		Monitor: MonitorConfig{
			Interval:     Duration(30 * time.Second),
			ProbeTimeout: Duration(5 * time.Second),
			Workers:      8,
			HostMetrics:  true,
			Thresholds: ThresholdsConfig{
				CriticalMemory:    90,
				CriticalCPU:       90,
				CriticalErrorRate: 20,
				WarningMemory:     70,
				WarningCPU:        70,
				WarningErrorRate:  10,
				AlertMemory:       85,
				AlertCPU:          85,
				AlertErrorRate:    15,
			},
			ComponentIssueTypes: map[string]string{
				"database": "database",
				"memory":   "memory-leak",
			},
			DefaultIssueType: "component-failure",
		},
		Watch: WatchConfig{Debounce: Duration(500 * time.Millisecond)},
		Escalation: EscalationConfig{
			Rate:       1,
			Burst:      5,
			MaxRetries: 3,
			Timeout:    Duration(10 * time.Second),
		},
		Storage: StorageConfig{Retention: Duration(7 * 24 * time.Hour)},
		Runner:  RunnerConfig{Timeout: Duration(5 * time.Minute)},
		Telemetry: TelemetryConfig{
			LogLevel:         "info",
			LogFormat:        "console",
			LogOutput:        "stderr",
			TracingExporter:  "none",
			SamplingRate:     1,
			MetricsEnabled:   true,
			MetricsNamespace: "medic",
		},
		HTTP: HTTPConfig{Listen: ":9090"},
	}
}

// Duration is a time.Duration encoded as a Go duration string.
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON accepts a duration string or a number of nanoseconds.
func (d *Duration) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		parsed, err := ParseDuration(s)
		if err != nil {
			return err
		}
		*d = parsed
		return nil
	}
	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("invalid duration %s", string(data))
	}
	*d = Duration(n)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

// ParseDuration parses a Go duration string. An empty string is zero.
func ParseDuration(s string) (Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	return Duration(v), nil
}

// ValidationError represents a configuration error with its location.
type ValidationError struct {
	File    string `json:"file,omitempty"`
	Line    int    `json:"line,omitempty"`
	Column  int    `json:"column,omitempty"`
	Path    string `json:"path,omitempty"`
	Message string `json:"message"`
}

func (e ValidationError) String() string {
	var b strings.Builder
	if e.File != "" {
		b.WriteString(e.File)
		if e.Line > 0 {
			fmt.Fprintf(&b, ":%d:%d", e.Line, e.Column)
		}
		b.WriteString(": ")
	}
	if e.Path != "" {
		b.WriteString(e.Path)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	return b.String()
}

// LoadError aggregates the validation errors of one load.
type LoadError struct {
	Source string
	Errors []ValidationError
}

func (e *LoadError) Error() string {
	msgs := make([]string, 0, len(e.Errors))
	for _, ve := range e.Errors {
		msgs = append(msgs, ve.String())
	}
	return fmt.Sprintf("invalid configuration %s: %s", e.Source, strings.Join(msgs, "; "))
}
