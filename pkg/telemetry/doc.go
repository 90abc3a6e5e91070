// Package telemetry provides logging, tracing and metrics for medic.
//
// # Logging
//
// Logger wraps zerolog with console or JSON output, optional sampling and
// caller information. Library packages receive the underlying
// zerolog.Logger through Logger.Zerolog and derive component loggers:
//
//	logger := tel.Logger.Zerolog().With().Str("component", "orchestrator").Logger()
//	logger.Info().Str("issue_id", id).Msg("Issue resolved")
//
// # Tracing
//
// Tracer exports OpenTelemetry spans through OTLP/gRPC or stdout. The
// orchestrator opens one "healing.issue" span per healed issue and a
// "healing.action" child span per executed action. A nil *Tracer is valid
// and produces no-op spans. TraceID extracts the trace of the current span
// so log lines can be joined with exported traces.
//
// # Metrics
//
// Metrics registers medic collectors on a private Prometheus registry:
//
//	medic_issues_submitted_total{type,severity}
//	medic_issues_completed_total{type,status}
//	medic_issue_healing_duration_seconds{type,status}
//	medic_actions_executed_total{action,success}
//	medic_action_duration_seconds{action}
//	medic_actions_denied_total{action}
//	medic_escalations_total{type}
//	medic_component_up{component}
//	medic_probe_duration_seconds{component}
//	medic_system_usage_percent{metric}
//	medic_overall_status
//	medic_queue_depth
//	medic_active_issues
//	medic_events_dropped_total{type}
//	medic_errors_total{class,code}
//
// Every method is safe on a nil or disabled *Metrics.
package telemetry
