package healing

import (
	"context"
	"fmt"
	"time"
)

// HealthIssue is a detected problem to be remediated.
type HealthIssue struct {
	// ID is unique among issues known to the orchestrator.
	ID string `json:"id"`

	// Type selects the healing strategy, e.g. "build-failure".
	Type string `json:"type"`

	// Severity drives queue ordering and escalation.
	Severity Severity `json:"severity"`

	// Component is the affected component name.
	Component string `json:"component"`

	// Description is a human-readable summary.
	Description string `json:"description"`

	// DetectedAt is when the problem was first observed.
	DetectedAt time.Time `json:"detected_at"`

	// Attempts counts failed remediation actions. Only the orchestrator mutates it.
	Attempts int `json:"attempts"`

	// Metadata carries typed context from the issue source.
	Metadata IssueMetadata `json:"metadata,omitempty"`
}

// Validate checks the caller-supplied fields of an issue.
func (i *HealthIssue) Validate() error {
	if i.Type == "" {
		return NewValidationError("issue type is required")
	}
	if err := i.Severity.Validate(); err != nil {
		return NewPermanentError("invalid issue", err).WithCode(ErrCodeValidation).WithIssue(i.ID)
	}
	return nil
}

// IssueMetadata is the typed metadata attached to an issue.
type IssueMetadata struct {
	// Source names the producer of the issue (monitor, cli, test-runner, ...).
	Source string `json:"source,omitempty"`

	// PreviousStatus is the component status before the issue was detected.
	PreviousStatus ComponentStatus `json:"previous_status,omitempty"`

	// ProbeErrors are the probe messages that caused the issue.
	ProbeErrors []string `json:"probe_errors,omitempty"`

	// Metric is the threshold metric that triggered the issue, if any.
	Metric string `json:"metric,omitempty"`

	// MetricValue is the observed value of Metric.
	MetricValue float64 `json:"metric_value,omitempty"`

	// Extra holds free-form string context, e.g. test file or alert id.
	Extra map[string]string `json:"extra,omitempty"`
}

// Get returns an Extra value.
func (m IssueMetadata) Get(key string) string {
	if m.Extra == nil {
		return ""
	}
	return m.Extra[key]
}

// clone returns a deep copy of the metadata.
func (m IssueMetadata) clone() IssueMetadata {
	out := m
	if m.ProbeErrors != nil {
		out.ProbeErrors = append([]string(nil), m.ProbeErrors...)
	}
	if m.Extra != nil {
		out.Extra = make(map[string]string, len(m.Extra))
		for k, v := range m.Extra {
			out.Extra[k] = v
		}
	}
	return out
}

// HealingAction records one executed remediation action. Records are append-only.
type HealingAction struct {
	IssueID   string        `json:"issue_id"`
	Action    string        `json:"action"`
	Success   bool          `json:"success"`
	Timestamp time.Time     `json:"timestamp"`
	Duration  time.Duration `json:"duration"`

	// Result is the captured error or a short outcome message.
	Result string `json:"result,omitempty"`
}

// RemediationAction is one named step of a healing strategy.
type RemediationAction interface {
	// Name is unique within a strategy.
	Name() string

	// Description is shown in reports and the CLI.
	Description() string

	// EstimatedDuration is informational only.
	EstimatedDuration() time.Duration

	// Execute attempts the remediation. It reports true only when the
	// remediation succeeded; errors are recorded as failed attempts.
	Execute(ctx context.Context, issue HealthIssue) (bool, error)
}

// Rollbacker is implemented by actions whose effects can be undone.
type Rollbacker interface {
	Rollback(ctx context.Context, issue HealthIssue) error
}

// HealingStrategy maps an issue type to an ordered list of actions.
type HealingStrategy struct {
	IssueType      string              `json:"issue_type"`
	Description    string              `json:"description,omitempty"`
	Actions        []RemediationAction `json:"-"`
	MaxAttempts    int                 `json:"max_attempts"`
	CooldownPeriod time.Duration       `json:"cooldown_period"`
	Priority       int                 `json:"priority"`
}

// Validate checks that the strategy can be executed.
func (s *HealingStrategy) Validate() error {
	if s.IssueType == "" {
		return NewValidationError("strategy issue type is required")
	}
	if s.MaxAttempts <= 0 {
		return NewValidationError("strategy %s: max attempts must be positive, got %d", s.IssueType, s.MaxAttempts)
	}
	if s.CooldownPeriod < 0 {
		return NewValidationError("strategy %s: cooldown must not be negative", s.IssueType)
	}
	if len(s.Actions) == 0 {
		return NewValidationError("strategy %s: at least one action is required", s.IssueType)
	}
	seen := make(map[string]bool, len(s.Actions))
	for i, a := range s.Actions {
		if a == nil {
			return NewValidationError("strategy %s: action %d is nil", s.IssueType, i)
		}
		if a.Name() == "" {
			return NewValidationError("strategy %s: action %d has no name", s.IssueType, i)
		}
		if seen[a.Name()] {
			return NewValidationError("strategy %s: duplicate action name %q", s.IssueType, a.Name())
		}
		seen[a.Name()] = true
	}
	return nil
}

// ActionNames returns the action names in execution order.
func (s *HealingStrategy) ActionNames() []string {
	names := make([]string, 0, len(s.Actions))
	for _, a := range s.Actions {
		names = append(names, a.Name())
	}
	return names
}

// Action returns the named action.
func (s *HealingStrategy) Action(name string) (RemediationAction, bool) {
	for _, a := range s.Actions {
		if a.Name() == name {
			return a, true
		}
	}
	return nil, false
}

func (s *HealingStrategy) clone() *HealingStrategy {
	c := *s
	c.Actions = append([]RemediationAction(nil), s.Actions...)
	return &c
}

// ComponentHealth is the last observed state of one component.
type ComponentHealth struct {
	Status    ComponentStatus `json:"status"`
	LastCheck time.Time       `json:"last_check"`
	Latency   time.Duration   `json:"latency"`
	Issues    []string        `json:"issues,omitempty"`
}

// HealthMetrics are the system-level metrics of a snapshot.
type HealthMetrics struct {
	Uptime       time.Duration `json:"uptime"`
	ResponseTime time.Duration `json:"response_time"`

	// ErrorRate is the percentage of failed probes in the last tick.
	ErrorRate float64 `json:"error_rate"`

	// MemoryUsage and CPUUsage are percentages in [0, 100].
	MemoryUsage float64 `json:"memory_usage"`
	CPUUsage    float64 `json:"cpu_usage"`
}

// SystemHealth is a point-in-time health snapshot.
type SystemHealth struct {
	Overall    OverallStatus              `json:"overall"`
	Components map[string]ComponentHealth `json:"components"`
	Metrics    HealthMetrics              `json:"metrics"`
	CheckedAt  time.Time                  `json:"checked_at"`
}

// Clone returns a deep copy of the snapshot.
func (h SystemHealth) Clone() SystemHealth {
	out := h
	out.Components = make(map[string]ComponentHealth, len(h.Components))
	for name, c := range h.Components {
		if c.Issues != nil {
			c.Issues = append([]string(nil), c.Issues...)
		}
		out.Components[name] = c
	}
	return out
}

// HealingReport summarises the remediation of one issue.
type HealingReport struct {
	IssueID          string          `json:"issue_id"`
	Issue            HealthIssue     `json:"issue"`
	Status           ReportStatus    `json:"status"`
	ActionsPerformed []HealingAction `json:"actions_performed"`
	TotalDuration    time.Duration   `json:"total_duration"`
	Success          bool            `json:"success"`
	Recommendation   string          `json:"recommendation,omitempty"`
	EscalationReason string          `json:"escalation_reason,omitempty"`
	StartedAt        time.Time       `json:"started_at,omitempty"`
	CompletedAt      time.Time       `json:"completed_at,omitempty"`
}

// Escalation is handed to the EscalationSink when a critical issue fails.
type Escalation struct {
	IssueID   string    `json:"issue_id"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
	Severity  Severity  `json:"severity"`
	Component string    `json:"component,omitempty"`
	Attempts  int       `json:"attempts"`
}

// ActiveIssue is an issue still owned by the orchestrator.
type ActiveIssue struct {
	Issue HealthIssue `json:"issue"`
	State IssueState  `json:"state"`
}

// SummaryReport aggregates all issues the orchestrator has seen.
type SummaryReport struct {
	GeneratedAt time.Time       `json:"generated_at"`
	Total       int             `json:"total"`
	Resolved    int             `json:"resolved"`
	Failed      int             `json:"failed"`
	Escalated   int             `json:"escalated"`
	InProgress  int             `json:"in_progress"`
	SuccessRate float64         `json:"success_rate"`
	Reports     []HealingReport `json:"reports"`
}

// CriticalFailure describes an outage handled outside the queue.
type CriticalFailure struct {
	// Type defaults to "component-failure".
	Type        string
	Component   string
	Description string
	Metadata    IssueMetadata
}

// TestFailure is one failing test reported by a test runner.
type TestFailure struct {
	TestName string
	File     string
	Error    string
}

// PerformanceAlert is a performance regression reported by an external source.
type PerformanceAlert struct {
	Component string
	Metric    string
	Value     float64
	Threshold float64
	Severity  Severity
}

// SecurityAlert is a vulnerability or exposure reported by an external source.
type SecurityAlert struct {
	Component   string
	Title       string
	Description string
	CVE         string
}

// ActionFunc adapts a function into a RemediationAction.
type ActionFunc struct {
	ActionName string
	Desc       string
	Estimate   time.Duration
	Fn         func(ctx context.Context, issue HealthIssue) (bool, error)
}

// Name implements RemediationAction.
func (a *ActionFunc) Name() string { return a.ActionName }

// Description implements RemediationAction.
func (a *ActionFunc) Description() string { return a.Desc }

// EstimatedDuration implements RemediationAction.
func (a *ActionFunc) EstimatedDuration() time.Duration { return a.Estimate }

// Execute implements RemediationAction.
func (a *ActionFunc) Execute(ctx context.Context, issue HealthIssue) (bool, error) {
	if a.Fn == nil {
		return false, fmt.Errorf("action %s has no implementation", a.ActionName)
	}
	return a.Fn(ctx, issue)
}
