package healing

import (
	"encoding/json"
	"fmt"
)

// Severity is the impact level of a health issue.
type Severity string

const (
	// SeverityLow indicates a cosmetic or non-urgent issue.
	SeverityLow Severity = "low"

	// SeverityMedium indicates degraded behaviour with a workaround.
	SeverityMedium Severity = "medium"

	// SeverityHigh indicates a user-visible failure of a component.
	SeverityHigh Severity = "high"

	// SeverityCritical indicates an outage. Failed remediation escalates.
	SeverityCritical Severity = "critical"
)

// Rank orders severities; higher is more urgent. Unknown severities rank 0.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	default:
		return 0
	}
}

// Validate checks if the severity is valid.
func (s Severity) Validate() error {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return nil
	default:
		return fmt.Errorf("invalid severity: %s", s)
	}
}

// MarshalJSON implements json.Marshaler.
func (s Severity) MarshalJSON() ([]byte, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(string(s))
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *Severity) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	severity := Severity(str)
	if err := severity.Validate(); err != nil {
		return err
	}
	*s = severity
	return nil
}

// ParseSeverity converts a string into a Severity.
func ParseSeverity(s string) (Severity, error) {
	sev := Severity(s)
	return sev, sev.Validate()
}

// OverallStatus is the aggregate health of the monitored system.
type OverallStatus string

const (
	// OverallHealthy indicates every component is operational and metrics are nominal.
	OverallHealthy OverallStatus = "healthy"

	// OverallWarning indicates degraded components or elevated resource usage.
	OverallWarning OverallStatus = "warning"

	// OverallCritical indicates a component is down or resources are exhausted.
	OverallCritical OverallStatus = "critical"
)

// Validate checks if the overall status is valid.
func (s OverallStatus) Validate() error {
	switch s {
	case OverallHealthy, OverallWarning, OverallCritical:
		return nil
	default:
		return fmt.Errorf("invalid overall status: %s", s)
	}
}

// ComponentStatus is the observed state of one probed component.
type ComponentStatus string

const (
	// ComponentOperational indicates the probe passed.
	ComponentOperational ComponentStatus = "operational"

	// ComponentDegraded indicates the probe passed but was slow.
	ComponentDegraded ComponentStatus = "degraded"

	// ComponentDown indicates the probe failed, errored, panicked or timed out.
	ComponentDown ComponentStatus = "down"
)

// Validate checks if the component status is valid.
func (s ComponentStatus) Validate() error {
	switch s {
	case ComponentOperational, ComponentDegraded, ComponentDown:
		return nil
	default:
		return fmt.Errorf("invalid component status: %s", s)
	}
}

// ReportStatus is the outcome of a healing attempt.
type ReportStatus string

const (
	// ReportInProgress indicates the issue is queued or executing.
	ReportInProgress ReportStatus = "in-progress"

	// ReportResolved indicates an action succeeded.
	ReportResolved ReportStatus = "resolved"

	// ReportFailed indicates no action succeeded.
	ReportFailed ReportStatus = "failed"

	// ReportEscalated indicates a critical issue failed and was handed to an operator.
	ReportEscalated ReportStatus = "escalated"
)

// IsTerminal returns true if the report status is final.
func (s ReportStatus) IsTerminal() bool {
	return s == ReportResolved || s == ReportFailed || s == ReportEscalated
}

// Validate checks if the report status is valid.
func (s ReportStatus) Validate() error {
	switch s {
	case ReportInProgress, ReportResolved, ReportFailed, ReportEscalated:
		return nil
	default:
		return fmt.Errorf("invalid report status: %s", s)
	}
}

// IssueState is the lifecycle state of an issue inside the orchestrator.
type IssueState string

const (
	// IssueDetected indicates the issue has been accepted but not yet queued.
	IssueDetected IssueState = "detected"

	// IssueQueued indicates the issue waits in the priority queue.
	IssueQueued IssueState = "queued"

	// IssueInProgress indicates remediation actions are executing.
	IssueInProgress IssueState = "in-progress"

	// IssueResolved indicates an action succeeded.
	IssueResolved IssueState = "resolved"

	// IssueFailed indicates the strategy was exhausted or missing.
	IssueFailed IssueState = "failed"

	// IssueEscalated indicates a failed critical issue was escalated.
	IssueEscalated IssueState = "escalated"
)

// IsTerminal returns true if the issue has left the active set.
func (s IssueState) IsTerminal() bool {
	return s == IssueResolved || s == IssueFailed || s == IssueEscalated
}

// IsActive returns true if the issue is still owned by the orchestrator.
func (s IssueState) IsActive() bool {
	return s == IssueDetected || s == IssueQueued || s == IssueInProgress
}

// Validate checks if the issue state is valid.
func (s IssueState) Validate() error {
	switch s {
	case IssueDetected, IssueQueued, IssueInProgress, IssueResolved, IssueFailed, IssueEscalated:
		return nil
	default:
		return fmt.Errorf("invalid issue state: %s", s)
	}
}

// reportStatus maps a terminal issue state to its report status.
func (s IssueState) reportStatus() ReportStatus {
	switch s {
	case IssueResolved:
		return ReportResolved
	case IssueFailed:
		return ReportFailed
	case IssueEscalated:
		return ReportEscalated
	default:
		return ReportInProgress
	}
}
