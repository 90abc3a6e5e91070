package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for medic.
// All methods are safe on a nil or disabled *Metrics.
type Metrics struct {
	config MetricsConfig

	// Issue metrics
	issuesSubmitted *prometheus.CounterVec
	issuesCompleted *prometheus.CounterVec
	issueDuration   *prometheus.HistogramVec
	escalations     *prometheus.CounterVec

	// Action metrics
	actionsExecuted *prometheus.CounterVec
	actionDuration  *prometheus.HistogramVec
	actionsDenied   *prometheus.CounterVec

	// Monitor metrics
	componentUp   *prometheus.GaugeVec
	probeDuration *prometheus.HistogramVec
	systemMetric  *prometheus.GaugeVec
	overallStatus prometheus.Gauge

	// Error metrics
	errorsByClass *prometheus.CounterVec

	// Engine metrics
	queueDepth    prometheus.Gauge
	activeIssues  prometheus.Gauge
	eventsDropped *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		issuesSubmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "issues_submitted_total",
				Help:      "Total number of health issues submitted for healing",
			},
			[]string{"type", "severity"},
		),
		issuesCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "issues_completed_total",
				Help:      "Total number of health issues that reached a terminal state",
			},
			[]string{"type", "status"},
		),
		issueDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "issue_healing_duration_seconds",
				Help:      "Time spent executing a strategy for one issue",
				Buckets:   buckets,
			},
			[]string{"type", "status"},
		),
		escalations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "escalations_total",
				Help:      "Total number of escalated issues",
			},
			[]string{"type"},
		),

		actionsExecuted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "actions_executed_total",
				Help:      "Total number of remediation actions executed",
			},
			[]string{"action", "success"},
		),
		actionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "action_duration_seconds",
				Help:      "Duration of remediation actions in seconds",
				Buckets:   buckets,
			},
			[]string{"action"},
		),
		actionsDenied: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "actions_denied_total",
				Help:      "Total number of remediation actions denied by policy",
			},
			[]string{"action"},
		),

		componentUp: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "component_up",
				Help:      "Component probe state (1=operational, 0.5=degraded, 0=down)",
			},
			[]string{"component"},
		),
		probeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "probe_duration_seconds",
				Help:      "Duration of component probes in seconds",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
			[]string{"component"},
		),
		systemMetric: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "system_usage_percent",
				Help:      "Observed system usage percentages (memory, cpu, error_rate)",
			},
			[]string{"metric"},
		),
		overallStatus: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "overall_status",
				Help:      "Overall system status (0=healthy, 1=warning, 2=critical)",
			},
		),

		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Total number of errors by class and code",
			},
			[]string{"class", "code"},
		),

		queueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queue_depth",
				Help:      "Number of issues waiting in the healing queue",
			},
		),
		activeIssues: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_issues",
				Help:      "Number of issues owned by the orchestrator",
			},
		),
		eventsDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_dropped_total",
				Help:      "Total number of events dropped because a subscriber was full",
			},
			[]string{"type"},
		),
	}

	collectors := []prometheus.Collector{
		m.issuesSubmitted, m.issuesCompleted, m.issueDuration, m.escalations,
		m.actionsExecuted, m.actionDuration, m.actionsDenied,
		m.componentUp, m.probeDuration, m.systemMetric, m.overallStatus,
		m.errorsByClass,
		m.queueDepth, m.activeIssues, m.eventsDropped,
	}
	for _, c := range collectors {
		if err := registry.Register(c); err != nil {
			return nil, err
		}
	}

	return m, nil
}

func (m *Metrics) enabled() bool {
	return m != nil && m.registry != nil
}

// Registry returns the private registry, or nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Issue Metrics

// RecordIssueSubmitted counts a submitted issue.
func (m *Metrics) RecordIssueSubmitted(issueType, severity string) {
	if !m.enabled() {
		return
	}
	m.issuesSubmitted.WithLabelValues(issueType, severity).Inc()
}

// RecordIssueCompleted records a terminal issue with its healing duration.
func (m *Metrics) RecordIssueCompleted(issueType, status string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.issuesCompleted.WithLabelValues(issueType, status).Inc()
	m.issueDuration.WithLabelValues(issueType, status).Observe(duration.Seconds())
}

// RecordEscalation counts an escalated issue.
func (m *Metrics) RecordEscalation(issueType string) {
	if !m.enabled() {
		return
	}
	m.escalations.WithLabelValues(issueType).Inc()
}

// Action Metrics

// RecordAction records an executed action with its duration.
func (m *Metrics) RecordAction(action string, success bool, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.actionsExecuted.WithLabelValues(action, strconv.FormatBool(success)).Inc()
	m.actionDuration.WithLabelValues(action).Observe(duration.Seconds())
}

// RecordActionDenied counts an action denied by policy.
func (m *Metrics) RecordActionDenied(action string) {
	if !m.enabled() {
		return
	}
	m.actionsDenied.WithLabelValues(action).Inc()
}

// Monitor Metrics

// SetComponentStatus sets the component gauge from its status name.
func (m *Metrics) SetComponentStatus(component, status string) {
	if !m.enabled() {
		return
	}
	value := 0.0
	switch status {
	case "operational":
		value = 1
	case "degraded":
		value = 0.5
	}
	m.componentUp.WithLabelValues(component).Set(value)
}

// RecordProbe records a probe duration.
func (m *Metrics) RecordProbe(component string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.probeDuration.WithLabelValues(component).Observe(duration.Seconds())
}

// SetSystemUsage sets the memory, CPU and error rate gauges.
func (m *Metrics) SetSystemUsage(memory, cpu, errorRate float64) {
	if !m.enabled() {
		return
	}
	m.systemMetric.WithLabelValues("memory").Set(memory)
	m.systemMetric.WithLabelValues("cpu").Set(cpu)
	m.systemMetric.WithLabelValues("error_rate").Set(errorRate)
}

// SetOverallStatus sets the overall status gauge from its status name.
func (m *Metrics) SetOverallStatus(status string) {
	if !m.enabled() {
		return
	}
	switch status {
	case "critical":
		m.overallStatus.Set(2)
	case "warning":
		m.overallStatus.Set(1)
	default:
		m.overallStatus.Set(0)
	}
}

// Error Metrics

// RecordError records an error by class and code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if !m.enabled() {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass, errorCode).Inc()
}

// Engine Metrics

// SetQueueDepth sets the number of queued issues.
func (m *Metrics) SetQueueDepth(count float64) {
	if !m.enabled() {
		return
	}
	m.queueDepth.Set(count)
}

// SetActiveIssues sets the number of active issues.
func (m *Metrics) SetActiveIssues(count float64) {
	if !m.enabled() {
		return
	}
	m.activeIssues.Set(count)
}

// RecordEventDropped counts an event dropped by the bus.
func (m *Metrics) RecordEventDropped(eventType string) {
	if !m.enabled() {
		return
	}
	m.eventsDropped.WithLabelValues(eventType).Inc()
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if !m.enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}
