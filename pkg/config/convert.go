package config

import (
	"github.com/openfroyo/medic/pkg/healing"
	"github.com/openfroyo/medic/pkg/monitor"
	"github.com/openfroyo/medic/pkg/runner"
	"github.com/openfroyo/medic/pkg/telemetry"
)

// HealingConfig returns the orchestrator settings.
func (c *Config) HealingConfig() healing.Config {
	return healing.Config{
		AutoHealing:     c.Engine.AutoHealing,
		IssueGap:        c.Engine.IssueGap.Std(),
		Environment:     c.Engine.Environment,
		EventBuffer:     c.Engine.EventBuffer,
		ThresholdIssues: c.Engine.ThresholdIssues,
	}
}

// MonitorConfig returns the health monitor settings.
func (c *Config) MonitorConfig() monitor.Config {
	m := c.Monitor
	t := m.Thresholds
	out := monitor.Config{
		Interval:        m.Interval.Std(),
		ProbeTimeout:    m.ProbeTimeout.Std(),
		Workers:         m.Workers,
		DegradedLatency: m.DegradedLatency.Std(),
		Thresholds: monitor.Thresholds{
			CriticalMemory:    t.CriticalMemory,
			CriticalCPU:       t.CriticalCPU,
			CriticalErrorRate: t.CriticalErrorRate,
			WarningMemory:     t.WarningMemory,
			WarningCPU:        t.WarningCPU,
			WarningErrorRate:  t.WarningErrorRate,
			AlertMemory:       t.AlertMemory,
			AlertCPU:          t.AlertCPU,
			AlertErrorRate:    t.AlertErrorRate,
		},
		ComponentIssueTypes: m.ComponentIssueTypes,
		DefaultIssueType:    m.DefaultIssueType,
	}
	if len(m.ComponentSeverities) > 0 {
		out.ComponentSeverities = make(map[string]healing.Severity, len(m.ComponentSeverities))
		for component, sev := range m.ComponentSeverities {
			out.ComponentSeverities[component] = healing.Severity(sev)
		}
	}
	return out
}

// ProbeSpecs returns the configured probes, or the defaults when none are set.
func (c *Config) ProbeSpecs() []monitor.ProbeSpec {
	if len(c.Probes) == 0 {
		return monitor.DefaultProbeSpecs()
	}
	specs := make([]monitor.ProbeSpec, 0, len(c.Probes))
	for _, p := range c.Probes {
		specs = append(specs, monitor.ProbeSpec{
			Name:      p.Name,
			Kind:      p.Kind,
			Target:    p.Target,
			Driver:    p.Driver,
			Threshold: p.Threshold,
			Command:   p.Command,
			Timeout:   p.Timeout.Std(),
		})
	}
	return specs
}

// SSHConfig returns the remote runner settings, or false when no remote is set.
func (c *Config) SSHConfig() (runner.SSHConfig, bool) {
	if c.Remote == nil {
		return runner.SSHConfig{}, false
	}
	r := c.Remote
	out := runner.DefaultSSHConfig(r.Host, r.User)
	if r.Port > 0 {
		out.Port = r.Port
	}
	if r.Password != "" {
		out.AuthMethod = runner.AuthMethodPassword
		out.Password = r.Password
	}
	if r.PrivateKeyPath != "" {
		out.AuthMethod = runner.AuthMethodKey
		out.PrivateKeyPath = r.PrivateKeyPath
	}
	if r.KnownHostsPath != "" {
		out.KnownHostsPath = r.KnownHostsPath
	}
	out.StrictHostKeyChecking = r.StrictHostKeyChecking
	if r.ConnectionTimeout > 0 {
		out.ConnectionTimeout = r.ConnectionTimeout.Std()
	}
	if c.Runner.Timeout > 0 {
		out.CommandTimeout = c.Runner.Timeout.Std()
	}
	return out, true
}

// TelemetryConfig returns the logging, tracing and metrics settings.
func (c *Config) TelemetryConfig(version string) *telemetry.Config {
	t := c.Telemetry
	out := telemetry.DefaultConfig()
	if version != "" {
		out.ServiceVersion = version
	}
	out.Environment = c.Engine.Environment
	out.Logging.Level = t.LogLevel
	out.Logging.Format = t.LogFormat
	out.Logging.Output = t.LogOutput
	out.Tracing.Enabled = t.TracingEnabled
	out.Tracing.Exporter = t.TracingExporter
	out.Tracing.Endpoint = t.TracingEndpoint
	out.Tracing.Insecure = t.TracingInsecure
	out.Tracing.SamplingRate = t.SamplingRate
	out.Metrics.Enabled = t.MetricsEnabled
	out.Metrics.Namespace = t.MetricsNamespace
	return out
}
