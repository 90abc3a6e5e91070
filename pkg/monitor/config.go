package monitor

import (
	"fmt"
	"time"

	"github.com/openfroyo/medic/pkg/healing"
)

// Thresholds are percentages deciding the overall status and threshold alerts.
type Thresholds struct {
	CriticalMemory    float64 `json:"critical_memory" yaml:"critical_memory"`
	CriticalCPU       float64 `json:"critical_cpu" yaml:"critical_cpu"`
	CriticalErrorRate float64 `json:"critical_error_rate" yaml:"critical_error_rate"`

	WarningMemory    float64 `json:"warning_memory" yaml:"warning_memory"`
	WarningCPU       float64 `json:"warning_cpu" yaml:"warning_cpu"`
	WarningErrorRate float64 `json:"warning_error_rate" yaml:"warning_error_rate"`

	// Alert* values trigger the high-* events on every tick they are exceeded.
	AlertMemory    float64 `json:"alert_memory" yaml:"alert_memory"`
	AlertCPU       float64 `json:"alert_cpu" yaml:"alert_cpu"`
	AlertErrorRate float64 `json:"alert_error_rate" yaml:"alert_error_rate"`
}

// DefaultThresholds returns the stock thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		CriticalMemory:    90,
		CriticalCPU:       90,
		CriticalErrorRate: 20,
		WarningMemory:     70,
		WarningCPU:        70,
		WarningErrorRate:  10,
		AlertMemory:       85,
		AlertCPU:          85,
		AlertErrorRate:    15,
	}
}

// Config configures a Monitor.
type Config struct {
	// Interval between ticks when Start is given no interval.
	Interval time.Duration `json:"interval" yaml:"interval"`

	// ProbeTimeout bounds each probe.
	ProbeTimeout time.Duration `json:"probe_timeout" yaml:"probe_timeout"`

	// Workers is the probe worker pool size. Probes beyond it still run
	// concurrently on dedicated goroutines.
	Workers int `json:"workers" yaml:"workers"`

	Thresholds Thresholds `json:"thresholds" yaml:"thresholds"`

	// DegradedLatency marks a passing probe slower than this as degraded.
	// Zero disables the degraded state.
	DegradedLatency time.Duration `json:"degraded_latency" yaml:"degraded_latency"`

	// ComponentIssueTypes maps a component to the issue type raised when it goes down.
	ComponentIssueTypes map[string]string `json:"component_issue_types" yaml:"component_issue_types"`

	// DefaultIssueType is used for components without an entry.
	DefaultIssueType string `json:"default_issue_type" yaml:"default_issue_type"`

	// ComponentSeverities overrides the built-in importance table.
	ComponentSeverities map[string]healing.Severity `json:"component_severities" yaml:"component_severities"`
}

// DefaultConfig returns the default monitor configuration.
func DefaultConfig() Config {
	return Config{
		Interval:     30 * time.Second,
		ProbeTimeout: 5 * time.Second,
		Workers:      8,
		Thresholds:   DefaultThresholds(),
		ComponentIssueTypes: map[string]string{
			"database": "database",
			"memory":   "memory-leak",
		},
		DefaultIssueType: "component-failure",
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.ProbeTimeout <= 0 {
		return fmt.Errorf("probe timeout must be positive")
	}
	if c.Workers <= 0 {
		return fmt.Errorf("workers must be positive")
	}
	if c.Interval < 0 || c.DegradedLatency < 0 {
		return fmt.Errorf("durations must not be negative")
	}
	if c.DefaultIssueType == "" {
		return fmt.Errorf("default issue type is required")
	}
	for component, sev := range c.ComponentSeverities {
		if err := sev.Validate(); err != nil {
			return fmt.Errorf("component %s: %w", component, err)
		}
	}
	return nil
}

// issueType returns the issue type raised for a failing component.
func (c *Config) issueType(component string) string {
	if t, ok := c.ComponentIssueTypes[component]; ok && t != "" {
		return t
	}
	return c.DefaultIssueType
}

// severity returns the importance of a component.
func (c *Config) severity(component string) healing.Severity {
	if sev, ok := c.ComponentSeverities[component]; ok {
		return sev
	}
	switch component {
	case "database", "api", "auth":
		return healing.SeverityCritical
	case "cache", "storage", "email":
		return healing.SeverityHigh
	default:
		return healing.SeverityMedium
	}
}
