package policy

import (
	"time"
)

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		destructiveActionsPolicy(),
		changeFreezePolicy(),
		protectedComponentsPolicy(),
		secretRotationPolicy(),
		longRunningActionsPolicy(),
	}
}

// destructiveActionsPolicy keeps state-destroying actions away from minor
// production issues.
func destructiveActionsPolicy() Policy {
	return Policy{
		Name:        "destructive-actions",
		Description: "Blocks destructive remediation for low and medium severity issues in production",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		UpdatedAt:   time.Now(),
		Rego: `package medic.destructive

import rego.v1

destructive := {"reset-state", "restart-database", "rotate-secrets", "clear-cache"}

minor := {"low", "medium"}

deny contains violation if {
	input.environment == "production"
	destructive[input.action.name]
	minor[input.issue.severity]
	violation := {
		"message": sprintf("action %s is not allowed for %s severity issues in production", [input.action.name, input.issue.severity]),
		"severity": "error",
	}
}`,
	}
}

// changeFreezePolicy blocks everything but critical remediation while the
// freeze flag is set.
func changeFreezePolicy() Policy {
	return Policy{
		Name:        "change-freeze",
		Description: "Only critical issues are remediated during a change freeze",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		UpdatedAt:   time.Now(),
		Rego: `package medic.freeze

import rego.v1

deny contains violation if {
	data.settings.freeze == true
	input.issue.severity != "critical"
	violation := {
		"message": sprintf("change freeze active, %s deferred for %s issue %s", [input.action.name, input.issue.severity, input.issue.id]),
		"severity": "error",
	}
}`,
	}
}

// protectedComponentsPolicy forbids restarts of protected components.
func protectedComponentsPolicy() Policy {
	return Policy{
		Name:        "protected-components",
		Description: "Protected components are never restarted automatically",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		UpdatedAt:   time.Now(),
		Rego: `package medic.protected

import rego.v1

deny contains violation if {
	some component in data.settings.protected_components
	input.issue.component == component
	startswith(input.action.name, "restart-")
	violation := {
		"message": sprintf("component %s is protected, %s requires an operator", [component, input.action.name]),
		"severity": "error",
	}
}`,
	}
}

// secretRotationPolicy limits secret rotation to security issues.
func secretRotationPolicy() Policy {
	return Policy{
		Name:        "secret-rotation",
		Description: "Secrets are only rotated while remediating security issues",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		UpdatedAt:   time.Now(),
		Rego: `package medic.secrets

import rego.v1

deny contains violation if {
	input.action.name == "rotate-secrets"
	input.issue.type != "security"
	violation := {
		"message": sprintf("rotate-secrets is not allowed for %s issues", [input.issue.type]),
		"severity": "error",
	}
}`,
	}
}

// longRunningActionsPolicy warns about slow actions without a rollback
// during business hours.
func longRunningActionsPolicy() Policy {
	return Policy{
		Name:        "long-running-actions",
		Description: "Warns when an action without rollback is expected to run for more than ten minutes",
		Severity:    SeverityWarning,
		Enabled:     true,
		Builtin:     true,
		UpdatedAt:   time.Now(),
		Rego: `package medic.duration

import rego.v1

deny contains violation if {
	input.action.estimated_duration_ms > 600000
	not input.action.rollback
	input.time.hour >= 9
	input.time.hour < 18
	violation := {
		"message": sprintf("action %s may run for %v minutes during business hours", [input.action.name, floor(input.action.estimated_duration_ms / 60000)]),
		"severity": "warning",
	}
}`,
	}
}
