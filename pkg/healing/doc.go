// Package healing is the core of medic: it decides which remediation runs
// for a detected health issue, runs it, and records what happened.
//
// The package provides:
//
//   - The data model shared by every other package: HealthIssue,
//     HealingStrategy, HealingAction, HealingReport and SystemHealth.
//   - A StrategyRegistry mapping issue types to ordered remediation actions.
//   - A typed in-process event Bus used by the monitor and the orchestrator.
//   - The Orchestrator, which queues issues by severity and priority and
//     executes strategies one issue at a time with a per-issue attempt
//     budget, cooldowns, post-condition verification and escalation.
//
// # Issue lifecycle
//
// Every submitted issue moves through
//
//	detected -> queued -> in-progress -> resolved | failed | escalated
//
// and leaves the active set exactly once. A failed critical issue is
// escalated to the configured EscalationSink.
//
// # Usage
//
//	registry := healing.NewRegistry()
//	_ = registry.RegisterProvider(strategies.Builtin(deps))
//
//	orch := healing.NewOrchestrator(healing.Options{
//		Config:   healing.DefaultConfig(),
//		Registry: registry,
//		Bus:      bus,
//		Logger:   logger,
//	})
//	orch.Start(ctx)
//	defer orch.Stop(context.Background())
//
//	issue, err := orch.SubmitIssue(ctx, healing.HealthIssue{
//		Type:      "memory-leak",
//		Severity:  healing.SeverityHigh,
//		Component: "api",
//	})
package healing
