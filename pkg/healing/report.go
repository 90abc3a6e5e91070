package healing

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// GetActiveIssues returns the issues still owned by the orchestrator,
// ordered by detection time.
func (o *Orchestrator) GetActiveIssues() []ActiveIssue {
	o.mu.Lock()
	out := make([]ActiveIssue, 0, len(o.active))
	for _, rec := range o.active {
		issue := rec.issue
		issue.Metadata = issue.Metadata.clone()
		out = append(out, ActiveIssue{Issue: issue, State: rec.state})
	}
	o.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].Issue.DetectedAt.Equal(out[j].Issue.DetectedAt) {
			return out[i].Issue.DetectedAt.Before(out[j].Issue.DetectedAt)
		}
		return out[i].Issue.ID < out[j].Issue.ID
	})
	return out
}

// GetHealingHistory returns a copy of every recorded action in execution order.
func (o *Orchestrator) GetHealingHistory() []HealingAction {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]HealingAction(nil), o.history...)
}

// GenerateReport returns the report for one issue. Its ActionsPerformed
// equals the healing history filtered by the issue id. A queued issue is
// reported as in-progress.
func (o *Orchestrator) GenerateReport(issueID string) (HealingReport, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if _, ok := o.reports[issueID]; !ok {
		if _, ok := o.active[issueID]; !ok {
			return HealingReport{}, NewNotFoundError("issue", issueID)
		}
	}
	return o.buildReportLocked(issueID), nil
}

// GenerateSummaryReport aggregates every issue known to the orchestrator,
// including issues that have no recorded actions.
func (o *Orchestrator) GenerateSummaryReport() SummaryReport {
	o.mu.Lock()
	defer o.mu.Unlock()

	summary := SummaryReport{
		GeneratedAt: time.Now(),
		Reports:     make([]HealingReport, 0, len(o.order)),
	}
	for _, id := range o.order {
		_, known := o.reports[id]
		if _, active := o.active[id]; !known && !active {
			continue
		}
		report := o.buildReportLocked(id)
		summary.Reports = append(summary.Reports, report)

		switch report.Status {
		case ReportResolved:
			summary.Resolved++
		case ReportFailed:
			summary.Failed++
		case ReportEscalated:
			summary.Escalated++
		default:
			summary.InProgress++
		}
	}
	summary.Total = len(summary.Reports)

	if done := summary.Resolved + summary.Failed + summary.Escalated; done > 0 {
		summary.SuccessRate = float64(summary.Resolved) / float64(done) * 100
	}
	return summary
}

// buildReportLocked assembles a report copy. The caller must hold o.mu.
func (o *Orchestrator) buildReportLocked(issueID string) HealingReport {
	var report HealingReport
	if stored, ok := o.reports[issueID]; ok {
		report = *stored
	} else {
		rec := o.active[issueID]
		report = HealingReport{
			IssueID: issueID,
			Issue:   rec.issue,
			Status:  ReportInProgress,
		}
	}
	if rec, ok := o.active[issueID]; ok {
		report.Issue = rec.issue
	}
	report.Issue.Metadata = report.Issue.Metadata.clone()

	report.ActionsPerformed = make([]HealingAction, 0)
	for _, a := range o.history {
		if a.IssueID == issueID {
			report.ActionsPerformed = append(report.ActionsPerformed, a)
		}
	}

	if report.Status == ReportInProgress && !report.StartedAt.IsZero() {
		report.TotalDuration = time.Since(report.StartedAt)
	}
	return report
}

// Rollback undoes a previously executed action for an issue. It is only
// ever invoked by an operator; the orchestrator never rolls back on its own.
func (o *Orchestrator) Rollback(ctx context.Context, issueID, actionName string) error {
	o.mu.Lock()
	var issue HealthIssue
	if stored, ok := o.reports[issueID]; ok {
		issue = stored.Issue
	} else if rec, ok := o.active[issueID]; ok {
		issue = rec.issue
	} else {
		o.mu.Unlock()
		return NewNotFoundError("issue", issueID)
	}
	executed := false
	for _, a := range o.history {
		if a.IssueID == issueID && a.Action == actionName {
			executed = true
			break
		}
	}
	o.mu.Unlock()

	if !executed {
		return NewValidationError("action %s was not executed for issue %s", actionName, issueID).
			WithIssue(issueID).
			WithAction(actionName)
	}

	strategy, ok := o.registry.Lookup(issue.Type)
	if !ok {
		return NewPermanentError(fmt.Sprintf("no healing strategy for type %s", issue.Type), nil).
			WithCode(ErrCodeNoStrategy).
			WithIssue(issueID)
	}
	action, ok := strategy.Action(actionName)
	if !ok {
		return NewNotFoundError("action "+actionName, issueID).WithAction(actionName)
	}
	rb, ok := action.(Rollbacker)
	if !ok {
		return NewValidationError("action %s does not support rollback", actionName).
			WithIssue(issueID).
			WithAction(actionName)
	}

	// Rollback counts as executing actions for the issue.
	o.execMu.Lock()
	defer o.execMu.Unlock()

	logger := o.logger.With().Str("issue_id", issueID).Str("action", actionName).Logger()
	logger.Info().Msg("Rolling back remediation action")

	start := time.Now()
	err := rb.Rollback(ctx, issue)

	entry := AuditEntry{
		Operation: "rollback",
		IssueID:   issueID,
		Action:    actionName,
		Success:   err == nil,
		Details:   map[string]interface{}{"duration_ms": time.Since(start).Milliseconds()},
	}
	if err != nil {
		entry.Message = err.Error()
		logger.Error().Err(err).Msg("Rollback failed")
		o.audit(ctx, entry)
		return NewPermanentError("rollback failed", err).
			WithCode(ErrCodeActionFailed).
			WithIssue(issueID).
			WithAction(actionName)
	}

	entry.Message = "rolled back"
	logger.Info().Msg("Rollback completed")
	o.audit(ctx, entry)
	return nil
}
