// Package api serves the operator HTTP surface of a running instance:
// Prometheus metrics, liveness and readiness, the latest health snapshot,
// active issues, reports and history, issue and alert submission, operator
// rollback and the auto-healing switch.
package api
