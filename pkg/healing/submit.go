package healing

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// DefaultCriticalType is the issue type used for critical failures without one.
const DefaultCriticalType = "component-failure"

// SubmitIssue accepts an issue for healing and places it in the priority
// queue. The orchestrator assigns an id when none is given and resets the
// attempt counter. It returns the accepted issue.
func (o *Orchestrator) SubmitIssue(ctx context.Context, issue HealthIssue) (HealthIssue, error) {
	if o.stopped.Load() {
		return issue, ErrStopped
	}
	if err := issue.Validate(); err != nil {
		return issue, err
	}

	issue, err := o.admit(issue, IssueQueued)
	if err != nil {
		return issue, err
	}

	if err := o.queue.push(issue, o.registry.Priority(issue.Type)); err != nil {
		o.mu.Lock()
		delete(o.active, issue.ID)
		o.mu.Unlock()
		return issue, ErrStopped
	}
	o.metrics.SetQueueDepth(float64(o.queue.len()))

	o.logger.Info().
		Str("issue_id", issue.ID).
		Str("type", issue.Type).
		Str("severity", string(issue.Severity)).
		Str("component", issue.Component).
		Msg("Issue queued for healing")
	o.recordIssue(ctx, issue, IssueQueued)

	return issue, nil
}

// admit registers a new issue in the active set with the given state.
func (o *Orchestrator) admit(issue HealthIssue, state IssueState) (HealthIssue, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.autoHealing {
		o.logger.Warn().
			Str("type", issue.Type).
			Str("component", issue.Component).
			Str("description", issue.Description).
			Msg("Auto-healing disabled, issue not queued")
		return issue, ErrAutoHealingDisabled
	}

	if issue.ID == "" {
		issue.ID = uuid.New().String()
	}
	if _, exists := o.active[issue.ID]; exists {
		return issue, NewConflictError("issue already active", nil).WithIssue(issue.ID)
	}
	if _, exists := o.reports[issue.ID]; exists {
		return issue, NewConflictError("issue already processed", nil).WithIssue(issue.ID)
	}

	issue.Attempts = 0
	if issue.DetectedAt.IsZero() {
		issue.DetectedAt = time.Now()
	}
	issue.Metadata = issue.Metadata.clone()

	o.active[issue.ID] = &issueRecord{issue: issue, state: state}
	o.order = append(o.order, issue.ID)

	o.metrics.RecordIssueSubmitted(issue.Type, string(issue.Severity))
	o.metrics.SetActiveIssues(float64(len(o.active)))
	return issue, nil
}

// SubmitTestFailures submits one medium-severity test-failure issue per
// failing test. It stops at the first rejected submission.
func (o *Orchestrator) SubmitTestFailures(ctx context.Context, failures []TestFailure) ([]HealthIssue, error) {
	issues := make([]HealthIssue, 0, len(failures))
	for _, f := range failures {
		issue, err := o.SubmitIssue(ctx, HealthIssue{
			Type:        "test-failure",
			Severity:    SeverityMedium,
			Component:   "tests",
			Description: fmt.Sprintf("Test failure: %s", f.TestName),
			Metadata: IssueMetadata{
				Source: "test-runner",
				Extra: map[string]string{
					"test_name": f.TestName,
					"file":      f.File,
					"error":     f.Error,
				},
			},
		})
		if err != nil {
			return issues, err
		}
		issues = append(issues, issue)
	}
	return issues, nil
}

// SubmitPerformanceAlert submits a performance issue. Severity defaults to medium.
func (o *Orchestrator) SubmitPerformanceAlert(ctx context.Context, alert PerformanceAlert) (HealthIssue, error) {
	severity := alert.Severity
	if severity == "" {
		severity = SeverityMedium
	}
	component := alert.Component
	if component == "" {
		component = "performance"
	}
	return o.SubmitIssue(ctx, HealthIssue{
		Type:        "performance",
		Severity:    severity,
		Component:   component,
		Description: fmt.Sprintf("Performance degradation: %s = %.2f (threshold %.2f)", alert.Metric, alert.Value, alert.Threshold),
		Metadata: IssueMetadata{
			Source:      "performance-monitor",
			Metric:      alert.Metric,
			MetricValue: alert.Value,
			Extra: map[string]string{
				"threshold": strconv.FormatFloat(alert.Threshold, 'f', -1, 64),
			},
		},
	})
}

// SubmitSecurityAlert submits a security issue. Security issues are always high severity.
func (o *Orchestrator) SubmitSecurityAlert(ctx context.Context, alert SecurityAlert) (HealthIssue, error) {
	component := alert.Component
	if component == "" {
		component = "security"
	}
	description := alert.Title
	if alert.Description != "" {
		description = fmt.Sprintf("%s: %s", alert.Title, alert.Description)
	}
	extra := map[string]string{"title": alert.Title}
	if alert.CVE != "" {
		extra["cve"] = alert.CVE
	}
	return o.SubmitIssue(ctx, HealthIssue{
		Type:        "security",
		Severity:    SeverityHigh,
		Component:   component,
		Description: fmt.Sprintf("Security vulnerability: %s", description),
		Metadata: IssueMetadata{
			Source: "security-scanner",
			Extra:  extra,
		},
	})
}

// SubmitCriticalFailure contains a critical failure and heals it
// immediately, bypassing the queue. Isolation, failover and paging run
// concurrently first; their errors are logged and do not stop healing.
// Healing waits only for the issue currently executing, never for queued
// issues: no queued issue starts from the moment the failure is reported
// until it is healed.
func (o *Orchestrator) SubmitCriticalFailure(ctx context.Context, failure CriticalFailure) (HealingReport, error) {
	if o.stopped.Load() {
		return HealingReport{}, ErrStopped
	}

	o.critMu.Lock()
	o.pendingCritical++
	o.critMu.Unlock()
	defer func() {
		o.critMu.Lock()
		o.pendingCritical--
		if o.pendingCritical == 0 {
			o.critCond.Broadcast()
		}
		o.critMu.Unlock()
	}()

	issueType := failure.Type
	if issueType == "" {
		issueType = DefaultCriticalType
	}
	issue := HealthIssue{
		ID:          uuid.New().String(),
		Type:        issueType,
		Severity:    SeverityCritical,
		Component:   failure.Component,
		Description: failure.Description,
		DetectedAt:  time.Now(),
		Metadata:    failure.Metadata.clone(),
	}
	if issue.Metadata.Source == "" {
		issue.Metadata.Source = "critical-failure"
	}

	logger := o.logger.With().
		Str("issue_id", issue.ID).
		Str("component", issue.Component).
		Logger()
	logger.Error().Str("description", issue.Description).Msg("Critical failure reported")

	if err := o.contain(ctx, issue); err != nil {
		logger.Error().Err(err).Msg("Containment incomplete, continuing with healing")
	}

	issue, err := o.admit(issue, IssueDetected)
	if err != nil {
		return HealingReport{}, err
	}
	o.recordIssue(ctx, issue, IssueDetected)

	o.execMu.Lock()
	defer o.execMu.Unlock()
	return o.heal(ctx, issue.ID), nil
}

// contain runs isolation, failover and paging concurrently.
func (o *Orchestrator) contain(ctx context.Context, issue HealthIssue) error {
	var g errgroup.Group
	var errs [3]error

	if o.containment != nil && issue.Component != "" {
		g.Go(func() error {
			errs[0] = o.containStep(ctx, issue, "isolate-component", func(ctx context.Context) error {
				return o.containment.Isolate(ctx, issue.Component)
			})
			return nil
		})
		g.Go(func() error {
			errs[1] = o.containStep(ctx, issue, "activate-failover", func(ctx context.Context) error {
				return o.containment.ActivateFailover(ctx, issue.Component)
			})
			return nil
		})
	}
	if o.pager != nil {
		g.Go(func() error {
			errs[2] = o.containStep(ctx, issue, "page-oncall", func(ctx context.Context) error {
				return o.pager.Page(ctx, Page{
					IssueID:   issue.ID,
					Component: issue.Component,
					Summary:   fmt.Sprintf("Critical failure on %s: %s", componentName(issue), issue.Description),
					Severity:  issue.Severity,
					Timestamp: time.Now(),
				})
			})
			return nil
		})
	}

	_ = g.Wait()
	return errors.Join(errs[:]...)
}

func (o *Orchestrator) containStep(ctx context.Context, issue HealthIssue, operation string, fn func(context.Context) error) error {
	start := time.Now()
	err := fn(ctx)

	entry := AuditEntry{
		Operation: operation,
		IssueID:   issue.ID,
		Success:   err == nil,
		Details: map[string]interface{}{
			"component":   issue.Component,
			"duration_ms": time.Since(start).Milliseconds(),
		},
	}
	if err != nil {
		entry.Message = err.Error()
		o.logger.Error().Err(err).Str("issue_id", issue.ID).Str("operation", operation).Msg("Containment step failed")
		err = fmt.Errorf("%s: %w", operation, err)
	} else {
		o.logger.Info().Str("issue_id", issue.ID).Str("operation", operation).Msg("Containment step completed")
	}
	o.audit(ctx, entry)
	return err
}

// consumeEvents turns monitor events into issues.
func (o *Orchestrator) consumeEvents(ctx context.Context, sub *Subscription) {
	defer o.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-sub.Events():
			if !ok {
				return
			}
			o.handleEvent(ctx, evt)
		}
	}
}

func (o *Orchestrator) handleEvent(ctx context.Context, evt Event) {
	switch p := evt.Payload.(type) {
	case HealthIssueDetected:
		o.submitFromEvent(ctx, p.Issue)
	case HighMemoryUsage:
		if o.cfg.ThresholdIssues {
			o.submitThresholdIssue(ctx, "memory-leak", SeverityHigh, "memory", p.Usage, p.Threshold)
		}
	case HighCPUUsage:
		if o.cfg.ThresholdIssues {
			o.submitThresholdIssue(ctx, "performance", SeverityMedium, "cpu", p.Usage, p.Threshold)
		}
	case HighErrorRate:
		// Failing components already produce their own issues.
		o.logger.Warn().Float64("error_rate", p.Rate).Msg("High probe error rate")
	}
}

func (o *Orchestrator) submitFromEvent(ctx context.Context, issue HealthIssue) {
	if _, err := o.SubmitIssue(ctx, issue); err != nil {
		if errors.Is(err, ErrAutoHealingDisabled) || errors.Is(err, ErrStopped) {
			return
		}
		o.logger.Error().Err(err).Str("issue_id", issue.ID).Msg("Failed to submit detected issue")
	}
}

// submitThresholdIssue submits a resource issue unless an active issue of
// the same type and component already exists.
func (o *Orchestrator) submitThresholdIssue(ctx context.Context, issueType string, severity Severity, component string, value, threshold float64) {
	if o.hasActive(issueType, component) {
		return
	}
	o.submitFromEvent(ctx, HealthIssue{
		Type:        issueType,
		Severity:    severity,
		Component:   component,
		Description: fmt.Sprintf("High %s usage: %.1f%% (threshold %.1f%%)", component, value, threshold),
		Metadata: IssueMetadata{
			Source:      "monitor",
			Metric:      component,
			MetricValue: value,
		},
	})
}

func (o *Orchestrator) hasActive(issueType, component string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, rec := range o.active {
		if rec.issue.Type == issueType && rec.issue.Component == component {
			return true
		}
	}
	return false
}
