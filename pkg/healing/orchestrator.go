package healing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"github.com/openfroyo/medic/pkg/telemetry"
)

// Config controls orchestrator behaviour.
type Config struct {
	// AutoHealing enables queueing and execution of submitted issues.
	AutoHealing bool `json:"auto_healing" yaml:"auto_healing"`

	// IssueGap is the pause between two consecutive queued issues.
	IssueGap time.Duration `json:"issue_gap" yaml:"issue_gap"`

	// Environment is passed to the action guard (e.g. "production").
	Environment string `json:"environment" yaml:"environment"`

	// EventBuffer is the subscription buffer for monitor events.
	EventBuffer int `json:"event_buffer" yaml:"event_buffer"`

	// ThresholdIssues turns memory and CPU alerts into issues.
	ThresholdIssues bool `json:"threshold_issues" yaml:"threshold_issues"`
}

// DefaultConfig returns the default orchestrator configuration.
func DefaultConfig() Config {
	return Config{
		AutoHealing:     true,
		IssueGap:        time.Second,
		Environment:     "production",
		EventBuffer:     256,
		ThresholdIssues: true,
	}
}

// Options wires the orchestrator to its collaborators. Only Registry is required.
type Options struct {
	Config   Config
	Registry *StrategyRegistry
	Bus      *Bus
	Logger   zerolog.Logger

	Escalation  EscalationSink
	Pager       Pager
	Containment Containment
	Verifier    Verifier
	Guard       ActionGuard
	Recorder    Recorder

	Metrics *telemetry.Metrics
	Tracer  *telemetry.Tracer
}

type issueRecord struct {
	issue HealthIssue
	state IssueState
}

// Orchestrator queues health issues and executes healing strategies for
// them, one issue at a time.
type Orchestrator struct {
	cfg      Config
	registry *StrategyRegistry
	bus      *Bus
	logger   zerolog.Logger

	escalation  EscalationSink
	pager       Pager
	containment Containment
	verifier    Verifier
	guard       ActionGuard
	recorder    Recorder
	metrics     *telemetry.Metrics
	tracer      *telemetry.Tracer

	queue *issueQueue

	// mu guards the fields below.
	mu          sync.Mutex
	active      map[string]*issueRecord
	reports     map[string]*HealingReport
	order       []string
	history     []HealingAction
	autoHealing bool

	// execMu is held while an issue executes actions.
	execMu sync.Mutex

	// critMu guards pendingCritical. Queued issues wait on critCond until
	// no critical failure is being contained or healed.
	critMu          sync.Mutex
	critCond        *sync.Cond
	pendingCritical int

	startOnce sync.Once
	stopOnce  sync.Once
	stopped   atomic.Bool
	cancel    context.CancelFunc
	sub       *Subscription
	wg        sync.WaitGroup
}

// NewOrchestrator creates an orchestrator. Call Start to begin draining the queue.
func NewOrchestrator(opts Options) *Orchestrator {
	registry := opts.Registry
	if registry == nil {
		registry = NewRegistry()
	}

	o := &Orchestrator{
		cfg:         opts.Config,
		registry:    registry,
		bus:         opts.Bus,
		logger:      opts.Logger.With().Str("component", "orchestrator").Logger(),
		escalation:  opts.Escalation,
		pager:       opts.Pager,
		containment: opts.Containment,
		verifier:    opts.Verifier,
		guard:       opts.Guard,
		recorder:    opts.Recorder,
		metrics:     opts.Metrics,
		tracer:      opts.Tracer,
		queue:       newIssueQueue(),
		active:      make(map[string]*issueRecord),
		reports:     make(map[string]*HealingReport),
		autoHealing: opts.Config.AutoHealing,
	}
	o.critCond = sync.NewCond(&o.critMu)
	return o
}

// Registry returns the strategy registry used by the orchestrator.
func (o *Orchestrator) Registry() *StrategyRegistry {
	return o.registry
}

// Start launches the queue drain loop and, when a bus is configured, the
// monitor event consumer. Subsequent calls are no-ops.
func (o *Orchestrator) Start(ctx context.Context) {
	o.startOnce.Do(func() {
		if o.stopped.Load() {
			return
		}
		runCtx, cancel := context.WithCancel(ctx)
		o.cancel = cancel

		if o.bus != nil {
			buffer := o.cfg.EventBuffer
			if buffer <= 0 {
				buffer = 256
			}
			o.sub = o.bus.Subscribe(buffer,
				EventHealthIssueDetected,
				EventHighMemoryUsage,
				EventHighCPUUsage,
				EventHighErrorRate,
			)
			o.wg.Add(1)
			go o.consumeEvents(runCtx, o.sub)
		}

		o.wg.Add(1)
		go o.drain(runCtx)

		o.logger.Info().
			Bool("auto_healing", o.AutoHealingEnabled()).
			Dur("issue_gap", o.cfg.IssueGap).
			Int("strategies", o.registry.Len()).
			Msg("Healing orchestrator started")
	})
}

// Stop stops the drain loop and event consumer and waits for the issue in
// flight, if any, until ctx expires. An in-flight remediation is never
// aborted. A stopped orchestrator cannot be restarted.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.stopOnce.Do(func() {
		o.stopped.Store(true)
		if o.cancel != nil {
			o.cancel()
		}
		if o.sub != nil {
			o.sub.Close()
		}
		o.queue.dispose()
	})

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		o.execMu.Lock()
		o.execMu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		o.logger.Info().Msg("Healing orchestrator stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for in-flight issue: %w", ctx.Err())
	}
}

// EnableAutoHealing resumes acceptance of new issues.
func (o *Orchestrator) EnableAutoHealing() {
	o.setAutoHealing(true)
}

// DisableAutoHealing stops acceptance of new issues. Queued issues still run.
func (o *Orchestrator) DisableAutoHealing() {
	o.setAutoHealing(false)
}

// AutoHealingEnabled reports whether new issues are accepted.
func (o *Orchestrator) AutoHealingEnabled() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.autoHealing
}

func (o *Orchestrator) setAutoHealing(enabled bool) {
	o.mu.Lock()
	changed := o.autoHealing != enabled
	o.autoHealing = enabled
	o.mu.Unlock()

	if !changed {
		return
	}
	o.logger.Info().Bool("auto_healing", enabled).Msg("Auto-healing toggled")
	o.audit(context.Background(), AuditEntry{
		Operation: "auto-healing",
		Success:   true,
		Message:   fmt.Sprintf("auto-healing enabled=%t", enabled),
	})
}

// drain takes one issue at a time from the queue until the queue is disposed.
func (o *Orchestrator) drain(ctx context.Context) {
	defer o.wg.Done()

	for {
		item, err := o.queue.pop()
		if err != nil {
			return
		}
		o.metrics.SetQueueDepth(float64(o.queue.len()))

		if ctx.Err() != nil {
			return
		}

		o.processQueued(ctx, item.issueID)

		if o.cfg.IssueGap > 0 {
			select {
			case <-time.After(o.cfg.IssueGap):
			case <-ctx.Done():
				return
			}
		}
	}
}

func (o *Orchestrator) processQueued(ctx context.Context, issueID string) {
	o.critMu.Lock()
	for o.pendingCritical > 0 {
		o.critCond.Wait()
	}
	o.execMu.Lock()
	o.critMu.Unlock()
	defer o.execMu.Unlock()

	if ctx.Err() != nil {
		return
	}

	o.mu.Lock()
	rec, ok := o.active[issueID]
	queued := ok && rec.state == IssueQueued
	o.mu.Unlock()
	if !queued {
		return
	}

	o.heal(ctx, issueID)
}

// outcome is the result of running a strategy for one issue.
type outcome struct {
	state          IssueState
	recommendation string
	action         string
}

// heal runs the strategy for an active issue and moves it to a terminal
// state. The caller must hold execMu.
func (o *Orchestrator) heal(ctx context.Context, issueID string) HealingReport {
	// Remediation is never interrupted by shutdown.
	execCtx := context.WithoutCancel(ctx)

	o.mu.Lock()
	rec := o.active[issueID]
	rec.state = IssueInProgress
	issue := rec.issue
	o.reports[issueID] = &HealingReport{
		IssueID:   issueID,
		Issue:     issue,
		Status:    ReportInProgress,
		StartedAt: time.Now(),
	}
	o.mu.Unlock()

	logger := o.logger.With().
		Str("issue_id", issueID).
		Str("type", issue.Type).
		Str("severity", string(issue.Severity)).
		Str("component", issue.Component).
		Logger()
	logger.Info().Msg("Healing issue")
	o.recordIssue(execCtx, issue, IssueInProgress)

	spanCtx, span := o.tracer.StartIssueSpan(execCtx, issueID, issue.Type, string(issue.Severity))
	defer span.End()
	if traceID := telemetry.TraceID(spanCtx); traceID != "" {
		logger = logger.With().Str("trace_id", traceID).Logger()
	}

	result := o.safeRunStrategy(spanCtx, issueID, logger)
	report := o.complete(spanCtx, issueID, result, logger)

	span.SetAttributes(telemetry.AttrStatus.String(string(report.Status)))
	if report.Success {
		telemetry.RecordSuccess(span)
	} else {
		telemetry.RecordError(span, errors.New(report.Recommendation))
	}
	return report
}

// safeRunStrategy isolates panics raised while handling one issue.
func (o *Orchestrator) safeRunStrategy(ctx context.Context, issueID string, logger zerolog.Logger) (result outcome) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Msg("Internal error while healing issue")
			o.metrics.RecordError(string(ErrorClassPermanent), ErrCodeInternal)
			result = outcome{
				state:          IssueFailed,
				recommendation: fmt.Sprintf("internal error while healing: %v", r),
			}
		}
	}()
	return o.runStrategy(ctx, issueID, logger)
}

func (o *Orchestrator) runStrategy(ctx context.Context, issueID string, logger zerolog.Logger) outcome {
	issue := o.issueSnapshot(issueID)

	strategy, ok := o.registry.Lookup(issue.Type)
	if !ok {
		logger.Warn().Msg("No healing strategy registered")
		o.metrics.RecordError(string(ErrorClassPermanent), ErrCodeNoStrategy)
		return outcome{
			state:          IssueFailed,
			recommendation: fmt.Sprintf("no healing strategy for type %s", issue.Type),
		}
	}

	var failed []string
	for i, action := range strategy.Actions {
		if issue.Attempts >= strategy.MaxAttempts {
			logger.Warn().
				Int("attempts", issue.Attempts).
				Int("max_attempts", strategy.MaxAttempts).
				Msg("Attempt budget exhausted")
			o.metrics.RecordError(string(ErrorClassPermanent), ErrCodeBudgetExhausted)
			return outcome{
				state: IssueFailed,
				recommendation: fmt.Sprintf("attempt budget exhausted (%d/%d) after failed actions: %s; manual intervention required",
					issue.Attempts, strategy.MaxAttempts, strings.Join(failed, ", ")),
			}
		}

		if i > 0 && strategy.CooldownPeriod > 0 {
			logger.Debug().Dur("cooldown", strategy.CooldownPeriod).Msg("Waiting before next action")
			time.Sleep(strategy.CooldownPeriod)
		}

		record := o.runAction(ctx, issue, action, logger)
		o.appendAction(ctx, record)

		if record.Success {
			return outcome{
				state:          IssueResolved,
				recommendation: fmt.Sprintf("resolved by %s", action.Name()),
				action:         action.Name(),
			}
		}

		issue.Attempts = o.incrementAttempts(issueID)
		failed = append(failed, action.Name())
	}

	return outcome{
		state: IssueFailed,
		recommendation: fmt.Sprintf("all %d actions failed (%s); manual intervention required",
			len(failed), strings.Join(failed, ", ")),
	}
}

// runAction executes one action behind the guard and the verifier and
// returns its record. It never propagates action errors.
func (o *Orchestrator) runAction(ctx context.Context, issue HealthIssue, action RemediationAction, logger zerolog.Logger) HealingAction {
	start := time.Now()
	actx, span := o.tracer.StartActionSpan(ctx, issue.ID, action.Name())
	defer span.End()

	record := HealingAction{
		IssueID:   issue.ID,
		Action:    action.Name(),
		Timestamp: start,
	}
	alog := logger.With().Str("action", action.Name()).Logger()

	if denied, reason := o.denied(actx, issue, action); denied {
		record.Result = "denied by policy: " + reason
		record.Duration = time.Since(start)
		alog.Warn().Str("reason", reason).Msg("Action denied by policy")
		o.metrics.RecordActionDenied(action.Name())
		finishActionSpan(span, record)
		return record
	}

	alog.Info().Dur("estimated", action.EstimatedDuration()).Msg("Executing remediation action")
	ok, err := executeAction(actx, issue, action)

	switch {
	case err != nil:
		record.Result = err.Error()
	case !ok:
		record.Result = "action reported failure"
	default:
		record.Success, record.Result = o.verify(actx, issue)
	}
	record.Duration = time.Since(start)

	ev := alog.Info()
	if !record.Success {
		ev = alog.Warn()
	}
	ev.Bool("success", record.Success).
		Dur("duration", record.Duration).
		Str("result", record.Result).
		Msg("Remediation action finished")

	o.metrics.RecordAction(action.Name(), record.Success, record.Duration)
	finishActionSpan(span, record)
	return record
}

func finishActionSpan(span trace.Span, record HealingAction) {
	span.SetAttributes(telemetry.AttrSuccess.Bool(record.Success))
	if record.Success {
		telemetry.RecordSuccess(span)
		return
	}
	telemetry.RecordError(span, errors.New(record.Result))
}

// executeAction runs the action, converting a panic into an error.
func executeAction(ctx context.Context, issue HealthIssue, action RemediationAction) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			err = fmt.Errorf("action panicked: %v", r)
		}
	}()
	return action.Execute(ctx, issue)
}

// denied consults the guard. Guard errors deny.
func (o *Orchestrator) denied(ctx context.Context, issue HealthIssue, action RemediationAction) (bool, string) {
	if o.guard == nil {
		return false, ""
	}
	decision, err := o.guard.Allow(ctx, issue, action)
	if err != nil {
		return true, fmt.Sprintf("guard error: %v", err)
	}
	if !decision.Allowed {
		if len(decision.Reasons) == 0 {
			return true, "no reason given"
		}
		return true, strings.Join(decision.Reasons, "; ")
	}
	return false, ""
}

// verify confirms a reported success with the post-condition check.
func (o *Orchestrator) verify(ctx context.Context, issue HealthIssue) (bool, string) {
	if o.verifier == nil {
		return true, "ok"
	}
	verified, err := o.verifier.Verify(ctx, issue)
	if err != nil {
		return false, fmt.Sprintf("post-condition check failed: %v", err)
	}
	if !verified {
		return false, "post-condition check failed"
	}
	return true, "ok (verified)"
}

// complete moves the issue to its terminal state, escalates if needed and
// publishes the outcome.
func (o *Orchestrator) complete(ctx context.Context, issueID string, result outcome, logger zerolog.Logger) HealingReport {
	now := time.Now()

	o.mu.Lock()
	rec := o.active[issueID]
	issue := rec.issue
	state := result.state
	if state == IssueFailed && issue.Severity == SeverityCritical {
		state = IssueEscalated
	}
	rec.state = state

	stored := o.reports[issueID]
	stored.Issue = issue
	stored.Status = state.reportStatus()
	stored.Success = state == IssueResolved
	stored.Recommendation = result.recommendation
	stored.CompletedAt = now
	stored.TotalDuration = now.Sub(stored.StartedAt)
	if state == IssueEscalated {
		stored.EscalationReason = fmt.Sprintf("critical issue %s (%s on %s) could not be healed automatically: %s",
			issueID, issue.Type, componentName(issue), result.recommendation)
	}

	delete(o.active, issueID)
	activeCount := len(o.active)
	report := o.buildReportLocked(issueID)
	o.mu.Unlock()

	o.metrics.SetActiveIssues(float64(activeCount))
	o.metrics.RecordIssueCompleted(issue.Type, string(report.Status), report.TotalDuration)
	o.recordIssue(ctx, issue, state)

	if state == IssueEscalated {
		o.escalate(ctx, Escalation{
			IssueID:   issueID,
			Reason:    report.EscalationReason,
			Timestamp: now,
			Severity:  issue.Severity,
			Component: issue.Component,
			Attempts:  issue.Attempts,
		}, logger)
	}

	if o.recorder != nil {
		if err := o.recorder.RecordReport(ctx, report); err != nil {
			logger.Warn().Err(err).Msg("Failed to record healing report")
		}
	}

	logEvent := logger.Info()
	if !report.Success {
		logEvent = logger.Warn()
	}
	logEvent.Str("status", string(report.Status)).
		Int("attempts", issue.Attempts).
		Int("actions", len(report.ActionsPerformed)).
		Dur("duration", report.TotalDuration).
		Str("recommendation", report.Recommendation).
		Msg("Healing finished")

	if o.bus != nil {
		if report.Success {
			o.bus.Publish(AutoFixApplied{Issue: issue, Action: result.action, Report: report})
		} else {
			o.bus.Publish(AutoFixFailed{Issue: issue, Report: report})
		}
	}

	return report
}

func (o *Orchestrator) escalate(ctx context.Context, esc Escalation, logger zerolog.Logger) {
	logger.Error().Str("reason", esc.Reason).Msg("Escalating critical issue")
	o.metrics.RecordEscalation(o.issueTypeOf(esc.IssueID))

	if o.escalation != nil {
		if err := o.escalation.Escalate(ctx, esc); err != nil {
			logger.Error().Err(err).Msg("Escalation sink failed")
		}
	}
	if o.recorder != nil {
		if err := o.recorder.RecordEscalation(ctx, esc); err != nil {
			logger.Warn().Err(err).Msg("Failed to record escalation")
		}
	}
}

func (o *Orchestrator) appendAction(ctx context.Context, record HealingAction) {
	o.mu.Lock()
	o.history = append(o.history, record)
	o.mu.Unlock()

	if o.recorder != nil {
		if err := o.recorder.RecordAction(ctx, record); err != nil {
			o.logger.Warn().Err(err).Str("issue_id", record.IssueID).Msg("Failed to record healing action")
		}
	}
}

func (o *Orchestrator) incrementAttempts(issueID string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	rec := o.active[issueID]
	rec.issue.Attempts++
	return rec.issue.Attempts
}

func (o *Orchestrator) issueSnapshot(issueID string) HealthIssue {
	o.mu.Lock()
	defer o.mu.Unlock()
	issue := o.active[issueID].issue
	issue.Metadata = issue.Metadata.clone()
	return issue
}

func (o *Orchestrator) issueTypeOf(issueID string) string {
	o.mu.Lock()
	defer o.mu.Unlock()
	if rep, ok := o.reports[issueID]; ok {
		return rep.Issue.Type
	}
	return ""
}

func (o *Orchestrator) recordIssue(ctx context.Context, issue HealthIssue, state IssueState) {
	if o.recorder == nil {
		return
	}
	if err := o.recorder.RecordIssue(ctx, issue, state); err != nil {
		o.logger.Warn().Err(err).Str("issue_id", issue.ID).Msg("Failed to record issue")
	}
}

func (o *Orchestrator) audit(ctx context.Context, entry AuditEntry) {
	if o.recorder == nil {
		return
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	if err := o.recorder.RecordAudit(ctx, entry); err != nil {
		o.logger.Warn().Err(err).Str("operation", entry.Operation).Msg("Failed to record audit entry")
	}
}

func componentName(issue HealthIssue) string {
	if issue.Component == "" {
		return "unknown component"
	}
	return issue.Component
}
