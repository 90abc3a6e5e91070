package healing

import (
	"context"
	"time"
)

// StrategyProvider supplies a set of strategies to the registry.
type StrategyProvider interface {
	Strategies() []HealingStrategy
}

// StrategyProviderFunc adapts a function into a StrategyProvider.
type StrategyProviderFunc func() []HealingStrategy

// Strategies implements StrategyProvider.
func (f StrategyProviderFunc) Strategies() []HealingStrategy { return f() }

// EscalationSink receives failed critical issues.
type EscalationSink interface {
	Escalate(ctx context.Context, esc Escalation) error
}

// Page is an on-call notification raised on the critical path.
type Page struct {
	IssueID   string    `json:"issue_id"`
	Component string    `json:"component"`
	Summary   string    `json:"summary"`
	Severity  Severity  `json:"severity"`
	Timestamp time.Time `json:"timestamp"`
}

// Pager notifies the on-call rotation.
type Pager interface {
	Page(ctx context.Context, page Page) error
}

// Containment limits the blast radius of a critical failure before healing.
type Containment interface {
	// Isolate removes the component from service.
	Isolate(ctx context.Context, component string) error

	// ActivateFailover routes traffic to a standby for the component.
	ActivateFailover(ctx context.Context, component string) error
}

// Verifier confirms that a remediation fixed the issue.
type Verifier interface {
	Verify(ctx context.Context, issue HealthIssue) (bool, error)
}

// Decision is the result of an ActionGuard check.
type Decision struct {
	Allowed bool     `json:"allowed"`
	Reasons []string `json:"reasons,omitempty"`
}

// ActionGuard decides whether an action may run for an issue.
// A guard error is treated as a deny.
type ActionGuard interface {
	Allow(ctx context.Context, issue HealthIssue, action RemediationAction) (Decision, error)
}

// AuditEntry records an operator or system operation.
type AuditEntry struct {
	Timestamp time.Time              `json:"timestamp"`
	Operation string                 `json:"operation"`
	IssueID   string                 `json:"issue_id,omitempty"`
	Action    string                 `json:"action,omitempty"`
	Success   bool                   `json:"success"`
	Message   string                 `json:"message,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// Recorder persists healing activity. Recorder errors are logged, never fatal.
type Recorder interface {
	RecordIssue(ctx context.Context, issue HealthIssue, state IssueState) error
	RecordAction(ctx context.Context, action HealingAction) error
	RecordReport(ctx context.Context, report HealingReport) error
	RecordEscalation(ctx context.Context, esc Escalation) error
	RecordAudit(ctx context.Context, entry AuditEntry) error
}
