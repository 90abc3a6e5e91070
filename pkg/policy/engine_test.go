package policy

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/medic/pkg/healing"
)

func newTestGuard(t *testing.T, environment string) *Guard {
	t.Helper()
	logger := zerolog.New(nil).Level(zerolog.Disabled)
	g, err := NewGuard(environment, logger)
	if err != nil {
		t.Fatalf("Failed to create guard: %v", err)
	}
	// Outside business hours unless a test says otherwise.
	g.now = func() time.Time { return time.Date(2026, 3, 7, 22, 0, 0, 0, time.UTC) }
	return g
}

func action(name string, estimate time.Duration) healing.RemediationAction {
	return &healing.ActionFunc{ActionName: name, Desc: name, Estimate: estimate}
}

func issue(issueType string, severity healing.Severity, component string) healing.HealthIssue {
	return healing.HealthIssue{
		ID:        "issue-1",
		Type:      issueType,
		Severity:  severity,
		Component: component,
	}
}

func TestNewGuard(t *testing.T) {
	g := newTestGuard(t, "development")

	policies := g.ListPolicies()
	expected := []string{
		"change-freeze",
		"destructive-actions",
		"long-running-actions",
		"protected-components",
		"secret-rotation",
	}
	if len(policies) != len(expected) {
		t.Fatalf("Expected %d built-in policies, got %d", len(expected), len(policies))
	}
	for i, name := range expected {
		if policies[i].Name != name {
			t.Errorf("Policy %d: expected %s, got %s", i, name, policies[i].Name)
		}
		if !policies[i].Builtin {
			t.Errorf("Policy %s should be marked built-in", name)
		}
	}
}

func TestAllow_BuiltinPolicies(t *testing.T) {
	tests := []struct {
		name        string
		environment string
		issue       healing.HealthIssue
		action      healing.RemediationAction
		allowed     bool
		reason      string
	}{
		{
			name:        "restart database for high severity in production",
			environment: "production",
			issue:       issue("database-failure", healing.SeverityHigh, "database"),
			action:      action("restart-database", time.Minute),
			allowed:     true,
		},
		{
			name:        "reset state for medium severity in production",
			environment: "production",
			issue:       issue("data-corruption", healing.SeverityMedium, "storage"),
			action:      action("reset-state", time.Minute),
			allowed:     false,
			reason:      "destructive-actions",
		},
		{
			name:        "reset state for medium severity in staging",
			environment: "staging",
			issue:       issue("data-corruption", healing.SeverityMedium, "storage"),
			action:      action("reset-state", time.Minute),
			allowed:     true,
		},
		{
			name:        "rotate secrets for security issue",
			environment: "development",
			issue:       issue("security", healing.SeverityHigh, "security"),
			action:      action("rotate-secrets", time.Minute),
			allowed:     true,
		},
		{
			name:        "rotate secrets outside security",
			environment: "development",
			issue:       issue("build-failure", healing.SeverityHigh, "build"),
			action:      action("rotate-secrets", time.Minute),
			allowed:     false,
			reason:      "secret-rotation",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := newTestGuard(t, tt.environment)
			decision, err := g.Allow(context.Background(), tt.issue, tt.action)
			if err != nil {
				t.Fatalf("Allow failed: %v", err)
			}
			if decision.Allowed != tt.allowed {
				t.Fatalf("Expected allowed=%v, got %v (reasons %v)", tt.allowed, decision.Allowed, decision.Reasons)
			}
			if tt.reason != "" {
				if len(decision.Reasons) != 1 || !strings.HasPrefix(decision.Reasons[0], tt.reason+": ") {
					t.Errorf("Expected one reason from %s, got %v", tt.reason, decision.Reasons)
				}
			}
		})
	}
}

func TestAllow_ChangeFreeze(t *testing.T) {
	g := newTestGuard(t, "development")
	ctx := context.Background()

	if err := g.SetFreeze(ctx, true); err != nil {
		t.Fatalf("SetFreeze failed: %v", err)
	}

	decision, err := g.Allow(ctx, issue("build-failure", healing.SeverityHigh, "build"), action("clean-build", time.Minute))
	if err != nil {
		t.Fatalf("Allow failed: %v", err)
	}
	if decision.Allowed {
		t.Fatal("Expected freeze to block a high severity issue")
	}

	decision, err = g.Allow(ctx, issue("component-failure", healing.SeverityCritical, "api"), action("restart-services", time.Minute))
	if err != nil {
		t.Fatalf("Allow failed: %v", err)
	}
	if !decision.Allowed {
		t.Fatalf("Expected critical issue to pass the freeze, got %v", decision.Reasons)
	}

	if err := g.SetFreeze(ctx, false); err != nil {
		t.Fatalf("SetFreeze failed: %v", err)
	}
	decision, err = g.Allow(ctx, issue("build-failure", healing.SeverityHigh, "build"), action("clean-build", time.Minute))
	if err != nil {
		t.Fatalf("Allow failed: %v", err)
	}
	if !decision.Allowed {
		t.Fatalf("Expected allow after freeze lifted, got %v", decision.Reasons)
	}
}

func TestAllow_ProtectedComponents(t *testing.T) {
	g := newTestGuard(t, "development")
	ctx := context.Background()

	if err := g.SetProtectedComponents(ctx, []string{"database"}); err != nil {
		t.Fatalf("SetProtectedComponents failed: %v", err)
	}

	decision, err := g.Allow(ctx, issue("database-failure", healing.SeverityHigh, "database"), action("restart-database", time.Minute))
	if err != nil {
		t.Fatalf("Allow failed: %v", err)
	}
	if decision.Allowed {
		t.Fatal("Expected restart of a protected component to be denied")
	}

	decision, err = g.Allow(ctx, issue("database-failure", healing.SeverityHigh, "database"), action("check-connectivity", time.Minute))
	if err != nil {
		t.Fatalf("Allow failed: %v", err)
	}
	if !decision.Allowed {
		t.Fatalf("Expected non-restart action to be allowed, got %v", decision.Reasons)
	}
}

func TestAllow_WarningsDoNotBlock(t *testing.T) {
	g := newTestGuard(t, "development")
	g.now = func() time.Time { return time.Date(2026, 3, 9, 10, 0, 0, 0, time.UTC) }

	input, err := g.buildInput(issue("dependency-conflict", healing.SeverityMedium, "dependencies"), action("fix-dependencies", 15*time.Minute))
	if err != nil {
		t.Fatalf("buildInput failed: %v", err)
	}
	result, err := g.Evaluate(context.Background(), input)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}

	if !result.Allowed {
		t.Fatalf("Expected warning-only result to be allowed, got %v", result.Violations)
	}
	if len(result.Warnings) != 1 || result.Warnings[0].Policy != "long-running-actions" {
		t.Fatalf("Expected one long-running warning, got %v", result.Warnings)
	}
	if !strings.Contains(result.Warnings[0].Message, "15 minutes") {
		t.Errorf("Unexpected warning message: %s", result.Warnings[0].Message)
	}
}

func TestEnableDisablePolicy(t *testing.T) {
	g := newTestGuard(t, "development")
	ctx := context.Background()
	blocked := issue("build-failure", healing.SeverityHigh, "build")

	if err := g.DisablePolicy("secret-rotation"); err != nil {
		t.Fatalf("DisablePolicy failed: %v", err)
	}
	decision, err := g.Allow(ctx, blocked, action("rotate-secrets", time.Minute))
	if err != nil {
		t.Fatalf("Allow failed: %v", err)
	}
	if !decision.Allowed {
		t.Fatalf("Expected disabled policy to be skipped, got %v", decision.Reasons)
	}

	if err := g.EnablePolicy("secret-rotation"); err != nil {
		t.Fatalf("EnablePolicy failed: %v", err)
	}
	decision, err = g.Allow(ctx, blocked, action("rotate-secrets", time.Minute))
	if err != nil {
		t.Fatalf("Allow failed: %v", err)
	}
	if decision.Allowed {
		t.Fatal("Expected re-enabled policy to deny")
	}

	if err := g.EnablePolicy("missing"); err == nil {
		t.Error("Expected error for unknown policy")
	}
}

func TestReplacePolicies(t *testing.T) {
	g := newTestGuard(t, "development")
	ctx := context.Background()

	custom := Policy{
		Name:    "no-weekend-restarts",
		Enabled: true,
		Rego: `package medic.custom

import rego.v1

deny contains msg if {
	input.time.weekday in {"Saturday", "Sunday"}
	startswith(input.action.name, "restart-")
	msg := "restarts wait for Monday"
}`,
	}
	if err := g.ReplacePolicies(ctx, []Policy{custom}); err != nil {
		t.Fatalf("ReplacePolicies failed: %v", err)
	}

	// 2026-03-07 is a Saturday.
	decision, err := g.Allow(ctx, issue("component-failure", healing.SeverityHigh, "api"), action("restart-services", time.Minute))
	if err != nil {
		t.Fatalf("Allow failed: %v", err)
	}
	if decision.Allowed || len(decision.Reasons) != 1 || decision.Reasons[0] != "no-weekend-restarts: restarts wait for Monday" {
		t.Fatalf("Unexpected decision: %+v", decision)
	}

	p, err := g.GetPolicy("no-weekend-restarts")
	if err != nil {
		t.Fatalf("GetPolicy failed: %v", err)
	}
	if p.Severity != SeverityError {
		t.Errorf("Expected default severity error, got %s", p.Severity)
	}

	bad := []Policy{
		{Name: "wrong-package", Enabled: true, Rego: "package other\n\ndeny contains \"x\" if { true }"},
	}
	if err := g.ReplacePolicies(ctx, bad); err == nil {
		t.Fatal("Expected error for policy outside the medic package")
	}
	if _, err := g.GetPolicy("no-weekend-restarts"); err != nil {
		t.Error("Failed replace should keep the previous policies")
	}

	clash := []Policy{{Name: "change-freeze", Enabled: true, Rego: "package medic.x\n\ndeny contains \"x\" if { false }"}}
	if err := g.ReplacePolicies(ctx, clash); err == nil {
		t.Error("Expected error when shadowing a built-in policy")
	}

	if err := g.ReplacePolicies(ctx, nil); err != nil {
		t.Fatalf("ReplacePolicies failed: %v", err)
	}
	if _, err := g.GetPolicy("no-weekend-restarts"); err == nil {
		t.Error("Expected custom policy to be removed")
	}
	if len(g.ListPolicies()) != len(GetBuiltinPolicies()) {
		t.Error("Built-in policies should survive a replace")
	}
}

func TestAllow_EvaluationErrorDenies(t *testing.T) {
	g := newTestGuard(t, "development")

	broken := Policy{
		Name:    "broken",
		Enabled: true,
		Rego: `package medic.broken

import rego.v1

deny contains msg if {
	x := to_number(input.issue.component)
	msg := sprintf("%v", [x])
}`,
	}
	if err := g.ReplacePolicies(context.Background(), []Policy{broken}); err != nil {
		t.Fatalf("ReplacePolicies failed: %v", err)
	}

	decision, err := g.Allow(context.Background(), issue("build-failure", healing.SeverityHigh, "not-a-number"), action("clean-build", time.Minute))
	if err != nil {
		t.Fatalf("Allow failed: %v", err)
	}
	if decision.Allowed {
		t.Fatal("Expected evaluation error to deny")
	}
	if !strings.Contains(decision.Reasons[0], "evaluation failed") {
		t.Errorf("Unexpected reason: %v", decision.Reasons)
	}
}
