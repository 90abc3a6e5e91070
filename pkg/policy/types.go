package policy

import (
	"time"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityWarning is logged but does not block the action.
	SeverityWarning Severity = "warning"

	// SeverityError blocks the action.
	SeverityError Severity = "error"
)

// Policy represents a policy rule with its Rego code.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code. The module must declare a
	// package under "medic" and define a "deny" set.
	Rego string `json:"rego"`

	// Severity is the default severity for violations.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Builtin marks policies shipped with the binary.
	Builtin bool `json:"builtin,omitempty"`

	// Source is the file the policy was loaded from.
	Source string `json:"source,omitempty"`

	// UpdatedAt is when the policy was last loaded.
	UpdatedAt time.Time `json:"updated_at"`
}

// Violation represents a single deny result.
type Violation struct {
	// Policy is the name of the policy that produced the violation.
	Policy string `json:"policy"`

	// Message is a human-readable violation message.
	Message string `json:"message"`

	// Severity is the violation severity level.
	Severity Severity `json:"severity"`
}

// Input is the document evaluated by every policy.
type Input struct {
	Issue       map[string]interface{} `json:"issue"`
	Action      ActionInput            `json:"action"`
	Environment string                 `json:"environment"`
	Time        TimeInput              `json:"time"`
}

// ActionInput describes the remediation action under evaluation.
type ActionInput struct {
	Name                string `json:"name"`
	Description         string `json:"description"`
	EstimatedDurationMS int64  `json:"estimated_duration_ms"`
	Rollback            bool   `json:"rollback"`
}

// TimeInput exposes wall clock fields for maintenance window rules.
type TimeInput struct {
	RFC3339 string `json:"rfc3339"`
	Hour    int    `json:"hour"`
	Weekday string `json:"weekday"`
}

// Result is the outcome of evaluating all enabled policies.
type Result struct {
	Allowed    bool          `json:"allowed"`
	Violations []Violation   `json:"violations,omitempty"`
	Warnings   []Violation   `json:"warnings,omitempty"`
	Evaluated  []string      `json:"evaluated"`
	Duration   time.Duration `json:"duration"`
}

// Reasons returns the blocking violation messages.
func (r *Result) Reasons() []string {
	out := make([]string, 0, len(r.Violations))
	for _, v := range r.Violations {
		out = append(out, v.Policy+": "+v.Message)
	}
	return out
}
