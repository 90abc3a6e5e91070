package healing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/medic/pkg/telemetry"
)

func TestOrchestrator_MemoryLeakResolvedBySecondAction(t *testing.T) {
	gc := newMockAction("garbage-collect", false)
	clearCache := newMockAction("clear-memory-cache", true)
	restart := newMockAction("restart-service", true)

	registry := NewRegistry()
	require.NoError(t, registry.Register(testStrategy("memory-leak", 3, gc, clearCache, restart)))

	o := newTestOrchestrator(t, Options{Registry: registry})
	o.Start(context.Background())

	issue, err := o.SubmitIssue(context.Background(), HealthIssue{
		Type:      "memory-leak",
		Severity:  SeverityHigh,
		Component: "api",
	})
	require.NoError(t, err)

	report := waitForTerminal(t, o, issue.ID)

	assert.Equal(t, ReportResolved, report.Status)
	assert.True(t, report.Success)
	require.Len(t, report.ActionsPerformed, 2)
	assert.Equal(t, "garbage-collect", report.ActionsPerformed[0].Action)
	assert.False(t, report.ActionsPerformed[0].Success)
	assert.Equal(t, "clear-memory-cache", report.ActionsPerformed[1].Action)
	assert.True(t, report.ActionsPerformed[1].Success)
	assert.Equal(t, 1, report.Issue.Attempts)
	assert.Equal(t, 0, restart.Calls())
	assert.Empty(t, o.GetActiveIssues())
}

func buildFailureStrategy(t *testing.T) *StrategyRegistry {
	t.Helper()
	registry := NewRegistry()
	require.NoError(t, registry.Register(HealingStrategy{
		IssueType: "build-failure",
		Actions: []RemediationAction{
			newMockAction("clean-build", false),
			newMockAction("fix-dependencies", false),
			newMockAction("fix-syntax-errors", false),
			newMockAction("update-config", false),
		},
		MaxAttempts: 5,
		Priority:    2,
	}))
	return registry
}

func TestOrchestrator_BuildFailureExhaustsActions(t *testing.T) {
	sink := &mockSink{}
	o := newTestOrchestrator(t, Options{Registry: buildFailureStrategy(t), Escalation: sink})
	o.Start(context.Background())

	issue, err := o.SubmitIssue(context.Background(), HealthIssue{
		Type:      "build-failure",
		Severity:  SeverityMedium,
		Component: "build",
	})
	require.NoError(t, err)

	report := waitForTerminal(t, o, issue.ID)
	require.NoError(t, o.Stop(context.Background()))

	assert.Equal(t, ReportFailed, report.Status)
	assert.False(t, report.Success)
	assert.Len(t, report.ActionsPerformed, 4)
	assert.Equal(t, 4, report.Issue.Attempts)
	assert.Empty(t, report.EscalationReason)
	assert.Contains(t, report.Recommendation, "manual intervention")
	assert.Empty(t, sink.list())
}

func TestOrchestrator_CriticalFailureEscalates(t *testing.T) {
	sink := &mockSink{}
	recorder := &mockRecorder{}
	o := newTestOrchestrator(t, Options{
		Registry:   buildFailureStrategy(t),
		Escalation: sink,
		Recorder:   recorder,
	})
	o.Start(context.Background())

	issue, err := o.SubmitIssue(context.Background(), HealthIssue{
		Type:      "build-failure",
		Severity:  SeverityCritical,
		Component: "build",
	})
	require.NoError(t, err)

	report := waitForTerminal(t, o, issue.ID)
	require.NoError(t, o.Stop(context.Background()))

	assert.Equal(t, ReportEscalated, report.Status)
	assert.Contains(t, report.EscalationReason, issue.ID)

	escalations := sink.list()
	require.Len(t, escalations, 1)
	assert.Equal(t, issue.ID, escalations[0].IssueID)
	assert.Contains(t, escalations[0].Reason, issue.ID)
	assert.False(t, escalations[0].Timestamp.IsZero())
	assert.Len(t, recorder.escalations, 1)
}

func TestOrchestrator_CriticalQueuedBeforeLow(t *testing.T) {
	log := &execLog{}
	lowAction := newMockAction("fix-low", true)
	lowAction.log = log
	criticalAction := newMockAction("fix-critical", true)
	criticalAction.log = log

	registry := NewRegistry()
	require.NoError(t, registry.Register(testStrategy("low-type", 1, lowAction)))
	require.NoError(t, registry.Register(testStrategy("critical-type", 1, criticalAction)))

	o := newTestOrchestrator(t, Options{Registry: registry})

	low, err := o.SubmitIssue(context.Background(), HealthIssue{Type: "low-type", Severity: SeverityLow})
	require.NoError(t, err)
	critical, err := o.SubmitIssue(context.Background(), HealthIssue{Type: "critical-type", Severity: SeverityCritical})
	require.NoError(t, err)

	o.Start(context.Background())
	waitForTerminal(t, o, low.ID)
	waitForTerminal(t, o, critical.ID)

	assert.Equal(t, []string{
		critical.ID + ":fix-critical",
		low.ID + ":fix-low",
	}, log.list())
}

func TestOrchestrator_CriticalFailureBypassesQueue(t *testing.T) {
	log := &execLog{}
	block := make(chan struct{})

	first := newMockAction("slow-fix", true)
	first.log = log
	first.block = block
	second := newMockAction("queued-fix", true)
	second.log = log
	restart := newMockAction("restart-service", true)
	restart.log = log

	registry := NewRegistry()
	require.NoError(t, registry.Register(testStrategy("slow", 1, first)))
	require.NoError(t, registry.Register(testStrategy("queued", 1, second)))
	require.NoError(t, registry.Register(testStrategy(DefaultCriticalType, 1, restart)))

	cfg := testConfig()
	cfg.IssueGap = 100 * time.Millisecond
	o := newTestOrchestrator(t, Options{Registry: registry, Config: cfg})
	o.Start(context.Background())

	inFlight, err := o.SubmitIssue(context.Background(), HealthIssue{Type: "slow", Severity: SeverityLow})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(log.list()) == 1 }, 2*time.Second, 5*time.Millisecond)

	queued, err := o.SubmitIssue(context.Background(), HealthIssue{Type: "queued", Severity: SeverityHigh})
	require.NoError(t, err)

	var report HealingReport
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		report, _ = o.SubmitCriticalFailure(context.Background(), CriticalFailure{
			Component:   "database",
			Description: "primary unreachable",
		})
	}()

	// The critical path must wait for the in-flight issue only.
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, log.list(), 1)
	close(block)

	wg.Wait()
	waitForTerminal(t, o, queued.ID)

	assert.Equal(t, ReportResolved, report.Status)
	entries := log.list()
	require.Len(t, entries, 3)
	assert.Equal(t, inFlight.ID+":slow-fix", entries[0])
	assert.Equal(t, report.IssueID+":restart-service", entries[1])
	assert.Equal(t, queued.ID+":queued-fix", entries[2])
}

// gatedPager blocks every page until release is closed.
type gatedPager struct {
	release chan struct{}
}

func (p *gatedPager) Page(ctx context.Context, page Page) error {
	<-p.release
	return nil
}

func TestOrchestrator_CriticalFailureBeatsQueueWithoutGap(t *testing.T) {
	tests := []struct {
		name       string
		slowPaging bool
	}{
		{"in-flight issue finishes first", false},
		{"containment outlasts in-flight issue", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for run := 0; run < 10; run++ {
				log := &execLog{}
				block := make(chan struct{})

				first := newMockAction("slow-fix", true)
				first.log = log
				first.block = block
				second := newMockAction("queued-fix", true)
				second.log = log
				restart := newMockAction("restart-service", true)
				restart.log = log

				registry := NewRegistry()
				require.NoError(t, registry.Register(testStrategy("slow", 1, first)))
				require.NoError(t, registry.Register(testStrategy("queued", 1, second)))
				require.NoError(t, registry.Register(testStrategy(DefaultCriticalType, 1, restart)))

				opts := Options{Registry: registry}
				pager := &gatedPager{release: make(chan struct{})}
				if tt.slowPaging {
					opts.Pager = pager
				} else {
					close(pager.release)
				}
				o := newTestOrchestrator(t, opts)
				require.Zero(t, o.cfg.IssueGap)
				o.Start(context.Background())

				inFlight, err := o.SubmitIssue(context.Background(), HealthIssue{Type: "slow", Severity: SeverityLow})
				require.NoError(t, err)
				require.Eventually(t, func() bool { return len(log.list()) == 1 }, 2*time.Second, time.Millisecond)

				queued, err := o.SubmitIssue(context.Background(), HealthIssue{Type: "queued", Severity: SeverityLow})
				require.NoError(t, err)

				var report HealingReport
				var wg sync.WaitGroup
				wg.Add(1)
				go func() {
					defer wg.Done()
					report, _ = o.SubmitCriticalFailure(context.Background(), CriticalFailure{
						Component:   "database",
						Description: "primary unreachable",
					})
				}()
				require.Eventually(t, func() bool {
					o.critMu.Lock()
					defer o.critMu.Unlock()
					return o.pendingCritical == 1
				}, 2*time.Second, time.Millisecond)

				close(block)
				if tt.slowPaging {
					waitForTerminal(t, o, inFlight.ID)
					time.Sleep(20 * time.Millisecond)
					assert.Len(t, log.list(), 1, "queued issue started during containment")
					close(pager.release)
				}

				wg.Wait()
				waitForTerminal(t, o, queued.ID)

				entries := log.list()
				require.Len(t, entries, 3)
				assert.Equal(t, inFlight.ID+":slow-fix", entries[0])
				assert.Equal(t, report.IssueID+":restart-service", entries[1], "run %d", run)
				assert.Equal(t, queued.ID+":queued-fix", entries[2])
			}
		})
	}
}

func TestOrchestrator_NoStrategy(t *testing.T) {
	o := newTestOrchestrator(t, Options{})
	o.Start(context.Background())

	issue, err := o.SubmitIssue(context.Background(), HealthIssue{Type: "unknown-type", Severity: SeverityHigh})
	require.NoError(t, err)

	report := waitForTerminal(t, o, issue.ID)
	assert.Equal(t, ReportFailed, report.Status)
	assert.Empty(t, report.ActionsPerformed)
	assert.Equal(t, "no healing strategy for type unknown-type", report.Recommendation)
	assert.Empty(t, o.GetHealingHistory())
}

func TestOrchestrator_AttemptBudget(t *testing.T) {
	actions := make([]RemediationAction, 0, 5)
	for i := 0; i < 5; i++ {
		actions = append(actions, newMockAction(fmt.Sprintf("step-%d", i), false))
	}
	registry := NewRegistry()
	require.NoError(t, registry.Register(testStrategy("flaky", 2, actions...)))

	o := newTestOrchestrator(t, Options{Registry: registry})
	o.Start(context.Background())

	issue, err := o.SubmitIssue(context.Background(), HealthIssue{Type: "flaky", Severity: SeverityMedium})
	require.NoError(t, err)

	report := waitForTerminal(t, o, issue.ID)
	assert.Equal(t, ReportFailed, report.Status)
	assert.Len(t, report.ActionsPerformed, 2)
	assert.Equal(t, 2, report.Issue.Attempts)
	assert.Contains(t, report.Recommendation, "budget exhausted")
	assert.Equal(t, 0, actions[2].(*mockAction).Calls())
}

func TestOrchestrator_FirstActionSuccess(t *testing.T) {
	first := newMockAction("first", true)
	second := newMockAction("second", true)
	registry := NewRegistry()
	require.NoError(t, registry.Register(testStrategy("easy", 3, first, second)))

	o := newTestOrchestrator(t, Options{Registry: registry})
	o.Start(context.Background())

	issue, err := o.SubmitIssue(context.Background(), HealthIssue{Type: "easy", Severity: SeverityLow})
	require.NoError(t, err)

	report := waitForTerminal(t, o, issue.ID)
	assert.Equal(t, ReportResolved, report.Status)
	assert.Len(t, report.ActionsPerformed, 1)
	assert.Equal(t, 0, report.Issue.Attempts)
	assert.Equal(t, 0, second.Calls())
	assert.Equal(t, "resolved by first", report.Recommendation)
}

// lockedBuffer collects log output written from orchestrator goroutines.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestOrchestrator_IssueLogsCarryTraceID(t *testing.T) {
	registry := NewRegistry()
	require.NoError(t, registry.Register(testStrategy("easy", 1, newMockAction("first", true))))

	tracer, err := telemetry.NewTracer(telemetry.TracingConfig{
		Enabled:      true,
		Exporter:     "none",
		SamplingRate: 1.0,
	}, "medic-test", "dev", "test")
	require.NoError(t, err)
	t.Cleanup(func() { _ = tracer.Shutdown(context.Background()) })

	var logs lockedBuffer
	o := NewOrchestrator(Options{
		Config:   testConfig(),
		Registry: registry,
		Logger:   zerolog.New(&logs),
		Tracer:   tracer,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = o.Stop(ctx)
	})
	o.Start(context.Background())

	issue, err := o.SubmitIssue(context.Background(), HealthIssue{Type: "easy", Severity: SeverityLow})
	require.NoError(t, err)
	waitForTerminal(t, o, issue.ID)

	var traced int
	for _, line := range strings.Split(strings.TrimSpace(logs.String()), "\n") {
		var entry map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &entry))
		if entry["issue_id"] != issue.ID {
			continue
		}
		if id, ok := entry["trace_id"].(string); ok {
			assert.Len(t, id, 32)
			traced++
		}
	}
	assert.Positive(t, traced)
}

func TestOrchestrator_ReportMatchesHistory(t *testing.T) {
	registry := NewRegistry()
	require.NoError(t, registry.Register(testStrategy("a", 3,
		newMockAction("a1", false), newMockAction("a2", true))))
	require.NoError(t, registry.Register(testStrategy("b", 3,
		newMockAction("b1", false), newMockAction("b2", false))))

	o := newTestOrchestrator(t, Options{Registry: registry})
	o.Start(context.Background())

	a, err := o.SubmitIssue(context.Background(), HealthIssue{Type: "a", Severity: SeverityLow})
	require.NoError(t, err)
	b, err := o.SubmitIssue(context.Background(), HealthIssue{Type: "b", Severity: SeverityLow})
	require.NoError(t, err)

	waitForTerminal(t, o, a.ID)
	waitForTerminal(t, o, b.ID)

	history := o.GetHealingHistory()
	require.Len(t, history, 4)

	for _, id := range []string{a.ID, b.ID} {
		report, err := o.GenerateReport(id)
		require.NoError(t, err)

		var filtered []HealingAction
		for _, h := range history {
			if h.IssueID == id {
				filtered = append(filtered, h)
			}
		}
		assert.Equal(t, filtered, report.ActionsPerformed)
	}
}

func TestOrchestrator_OneIssueInFlight(t *testing.T) {
	log := &execLog{}
	registry := NewRegistry()
	for _, name := range []string{"x", "y", "z"} {
		action := newMockAction("fix-"+name, false)
		action.log = log
		action.delay = 2 * time.Millisecond
		ok := newMockAction("fix-"+name+"-final", true)
		ok.log = log
		require.NoError(t, registry.Register(testStrategy(name, 3, action, ok)))
	}
	critical := newMockAction("critical-fix", true)
	critical.log = log
	critical.delay = 2 * time.Millisecond
	require.NoError(t, registry.Register(testStrategy(DefaultCriticalType, 1, critical)))

	o := newTestOrchestrator(t, Options{Registry: registry})
	o.Start(context.Background())

	var ids []string
	for i := 0; i < 9; i++ {
		issue, err := o.SubmitIssue(context.Background(), HealthIssue{
			Type:     []string{"x", "y", "z"}[i%3],
			Severity: SeverityMedium,
		})
		require.NoError(t, err)
		ids = append(ids, issue.ID)
	}

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := o.SubmitCriticalFailure(context.Background(), CriticalFailure{Component: "api"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	for _, id := range ids {
		waitForTerminal(t, o, id)
	}
	assert.Equal(t, int32(1), log.maxInFlight.Load())
}

func TestOrchestrator_ActionErrorsAndPanicsAreRecorded(t *testing.T) {
	failing := newMockAction("explodes", false)
	failing.err = errors.New("disk full")
	panicking := newMockAction("panics", false)
	panicking.panics = true
	ok := newMockAction("works", true)

	registry := NewRegistry()
	require.NoError(t, registry.Register(testStrategy("messy", 5, failing, panicking, ok)))

	o := newTestOrchestrator(t, Options{Registry: registry})
	o.Start(context.Background())

	issue, err := o.SubmitIssue(context.Background(), HealthIssue{Type: "messy", Severity: SeverityHigh})
	require.NoError(t, err)

	report := waitForTerminal(t, o, issue.ID)
	require.Len(t, report.ActionsPerformed, 3)
	assert.Equal(t, "disk full", report.ActionsPerformed[0].Result)
	assert.Contains(t, report.ActionsPerformed[1].Result, "action panicked")
	assert.True(t, report.ActionsPerformed[2].Success)
	assert.Equal(t, ReportResolved, report.Status)
	assert.Equal(t, 2, report.Issue.Attempts)
}

func TestOrchestrator_CooldownBetweenActions(t *testing.T) {
	registry := NewRegistry()
	strategy := testStrategy("slow-heal", 3, newMockAction("one", false), newMockAction("two", true))
	strategy.CooldownPeriod = 40 * time.Millisecond
	require.NoError(t, registry.Register(strategy))

	o := newTestOrchestrator(t, Options{Registry: registry})
	o.Start(context.Background())

	issue, err := o.SubmitIssue(context.Background(), HealthIssue{Type: "slow-heal", Severity: SeverityLow})
	require.NoError(t, err)

	report := waitForTerminal(t, o, issue.ID)
	require.Len(t, report.ActionsPerformed, 2)
	gap := report.ActionsPerformed[1].Timestamp.Sub(report.ActionsPerformed[0].Timestamp)
	assert.GreaterOrEqual(t, gap, 40*time.Millisecond)
}

func TestOrchestrator_AutoHealingToggle(t *testing.T) {
	registry := NewRegistry()
	require.NoError(t, registry.Register(testStrategy("t", 1, newMockAction("fix", true))))
	recorder := &mockRecorder{}

	o := newTestOrchestrator(t, Options{Registry: registry, Recorder: recorder})
	o.DisableAutoHealing()
	assert.False(t, o.AutoHealingEnabled())

	_, err := o.SubmitIssue(context.Background(), HealthIssue{Type: "t", Severity: SeverityLow})
	require.ErrorIs(t, err, ErrAutoHealingDisabled)
	assert.Empty(t, o.GetActiveIssues())

	o.EnableAutoHealing()
	issue, err := o.SubmitIssue(context.Background(), HealthIssue{Type: "t", Severity: SeverityLow})
	require.NoError(t, err)

	active := o.GetActiveIssues()
	require.Len(t, active, 1)
	assert.Equal(t, IssueQueued, active[0].State)

	report, err := o.GenerateReport(issue.ID)
	require.NoError(t, err)
	assert.Equal(t, ReportInProgress, report.Status)
	assert.Empty(t, report.ActionsPerformed)

	assert.Equal(t, []string{"auto-healing", "auto-healing"}, recorder.auditOps())
}

func TestOrchestrator_SubmitValidation(t *testing.T) {
	o := newTestOrchestrator(t, Options{})

	_, err := o.SubmitIssue(context.Background(), HealthIssue{Severity: SeverityLow})
	assert.True(t, IsValidation(err))

	_, err = o.SubmitIssue(context.Background(), HealthIssue{Type: "x", Severity: "urgent"})
	assert.True(t, IsValidation(err))

	issue, err := o.SubmitIssue(context.Background(), HealthIssue{ID: "fixed-id", Type: "x", Severity: SeverityLow, Attempts: 7})
	require.NoError(t, err)
	assert.Equal(t, "fixed-id", issue.ID)
	assert.Equal(t, 0, issue.Attempts)
	assert.False(t, issue.DetectedAt.IsZero())

	_, err = o.SubmitIssue(context.Background(), HealthIssue{ID: "fixed-id", Type: "x", Severity: SeverityLow})
	assert.True(t, IsConflict(err))

	_, err = o.GenerateReport("missing")
	assert.True(t, IsNotFound(err))
}

func TestOrchestrator_VerificationFailureContinues(t *testing.T) {
	first := newMockAction("first", true)
	second := newMockAction("second", true)
	registry := NewRegistry()
	require.NoError(t, registry.Register(testStrategy("verify", 2, first, second)))

	o := newTestOrchestrator(t, Options{Registry: registry, Verifier: &mockVerifier{ok: false}})
	o.Start(context.Background())

	issue, err := o.SubmitIssue(context.Background(), HealthIssue{Type: "verify", Severity: SeverityLow})
	require.NoError(t, err)

	report := waitForTerminal(t, o, issue.ID)
	assert.Equal(t, ReportFailed, report.Status)
	require.Len(t, report.ActionsPerformed, 2)
	assert.Equal(t, "post-condition check failed", report.ActionsPerformed[0].Result)
	assert.Equal(t, 2, report.Issue.Attempts)
}

func TestOrchestrator_GuardDeniesAction(t *testing.T) {
	denied := newMockAction("rotate-secrets", true)
	allowed := newMockAction("scan-and-fix", true)
	registry := NewRegistry()
	require.NoError(t, registry.Register(testStrategy("security", 2, denied, allowed)))

	guard := &mockGuard{deny: map[string]bool{"rotate-secrets": true}}
	o := newTestOrchestrator(t, Options{Registry: registry, Guard: guard})
	o.Start(context.Background())

	issue, err := o.SubmitIssue(context.Background(), HealthIssue{Type: "security", Severity: SeverityHigh})
	require.NoError(t, err)

	report := waitForTerminal(t, o, issue.ID)
	require.Len(t, report.ActionsPerformed, 2)
	assert.Equal(t, "denied by policy: change freeze", report.ActionsPerformed[0].Result)
	assert.Equal(t, 0, denied.Calls())
	assert.Equal(t, ReportResolved, report.Status)
}

func TestOrchestrator_GuardErrorDenies(t *testing.T) {
	action := newMockAction("fix", true)
	registry := NewRegistry()
	require.NoError(t, registry.Register(testStrategy("g", 1, action)))

	o := newTestOrchestrator(t, Options{Registry: registry, Guard: &mockGuard{err: errors.New("opa down")}})
	o.Start(context.Background())

	issue, err := o.SubmitIssue(context.Background(), HealthIssue{Type: "g", Severity: SeverityLow})
	require.NoError(t, err)

	report := waitForTerminal(t, o, issue.ID)
	assert.Equal(t, ReportFailed, report.Status)
	assert.Equal(t, 0, action.Calls())
}

func TestOrchestrator_SubmitCriticalFailureContains(t *testing.T) {
	registry := NewRegistry()
	require.NoError(t, registry.Register(testStrategy(DefaultCriticalType, 1, newMockAction("restart-service", true))))

	containment := &mockContainment{failPage: true}
	recorder := &mockRecorder{}
	o := newTestOrchestrator(t, Options{
		Registry:    registry,
		Containment: containment,
		Pager:       containment,
		Recorder:    recorder,
	})

	report, err := o.SubmitCriticalFailure(context.Background(), CriticalFailure{
		Component:   "database",
		Description: "primary down",
	})
	require.NoError(t, err)

	assert.Equal(t, ReportResolved, report.Status)
	assert.Equal(t, SeverityCritical, report.Issue.Severity)
	assert.Equal(t, DefaultCriticalType, report.Issue.Type)
	assert.Equal(t, []string{"database"}, containment.isolated)
	assert.Equal(t, []string{"database"}, containment.failover)
	require.Len(t, containment.pages, 1)
	assert.Equal(t, report.IssueID, containment.pages[0].IssueID)
	assert.ElementsMatch(t,
		[]string{"isolate-component", "activate-failover", "page-oncall"},
		recorder.auditOps())
}

func TestOrchestrator_CriticalFailureWithAutoHealingDisabled(t *testing.T) {
	containment := &mockContainment{}
	o := newTestOrchestrator(t, Options{Containment: containment, Pager: containment})
	o.DisableAutoHealing()

	_, err := o.SubmitCriticalFailure(context.Background(), CriticalFailure{Component: "api"})
	require.ErrorIs(t, err, ErrAutoHealingDisabled)
	assert.Len(t, containment.isolated, 1)
	assert.Len(t, containment.pages, 1)
	assert.Empty(t, o.GetActiveIssues())
}

func TestOrchestrator_PublishesOutcomeEvents(t *testing.T) {
	bus := NewBus(zerolog.Nop())
	sub := bus.Subscribe(10, EventAutoFixApplied, EventAutoFixFailed)
	defer sub.Close()

	registry := NewRegistry()
	require.NoError(t, registry.Register(testStrategy("ok", 1, newMockAction("fix", true))))

	o := newTestOrchestrator(t, Options{Registry: registry, Bus: bus})
	o.Start(context.Background())

	okIssue, err := o.SubmitIssue(context.Background(), HealthIssue{Type: "ok", Severity: SeverityLow})
	require.NoError(t, err)
	badIssue, err := o.SubmitIssue(context.Background(), HealthIssue{Type: "none", Severity: SeverityLow})
	require.NoError(t, err)

	got := map[EventType]string{}
	for len(got) < 2 {
		select {
		case evt := <-sub.Events():
			switch p := evt.Payload.(type) {
			case AutoFixApplied:
				assert.Equal(t, "fix", p.Action)
				got[evt.Type] = p.Issue.ID
			case AutoFixFailed:
				got[evt.Type] = p.Issue.ID
			}
		case <-time.After(5 * time.Second):
			t.Fatal("Expected outcome events")
		}
	}
	assert.Equal(t, okIssue.ID, got[EventAutoFixApplied])
	assert.Equal(t, badIssue.ID, got[EventAutoFixFailed])
}

func TestOrchestrator_ConsumesMonitorEvents(t *testing.T) {
	bus := NewBus(zerolog.Nop())
	fix := newMockAction("fix", true)
	registry := NewRegistry()
	require.NoError(t, registry.Register(testStrategy("component-failure", 1, fix)))

	block := make(chan struct{})
	leak := newMockAction("gc", true)
	leak.block = block
	require.NoError(t, registry.Register(testStrategy("memory-leak", 1, leak)))

	o := newTestOrchestrator(t, Options{Registry: registry, Bus: bus})
	o.Start(context.Background())

	bus.Publish(HealthIssueDetected{Issue: HealthIssue{
		ID:        "detected-1",
		Type:      "component-failure",
		Severity:  SeverityCritical,
		Component: "api",
	}})
	waitForTerminal(t, o, "detected-1")
	assert.Equal(t, 1, fix.Calls())

	// Repeated alerts for the same resource produce one issue.
	bus.Publish(HighMemoryUsage{Usage: 95, Threshold: 85})
	bus.Publish(HighMemoryUsage{Usage: 96, Threshold: 85})
	bus.Publish(HighMemoryUsage{Usage: 97, Threshold: 85})

	require.Eventually(t, func() bool { return leak.Calls() == 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	close(block)

	require.Eventually(t, func() bool { return len(o.GetActiveIssues()) == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, leak.Calls())

	summary := o.GenerateSummaryReport()
	assert.Equal(t, 2, summary.Total)
	assert.Equal(t, 2, summary.Resolved)
}

func TestOrchestrator_Rollback(t *testing.T) {
	rollbackable := &mockRollbackAction{mockAction: newMockAction("update-config", true)}
	plain := newMockAction("clean-build", false)

	registry := NewRegistry()
	require.NoError(t, registry.Register(testStrategy("build-failure", 3, plain, rollbackable)))
	recorder := &mockRecorder{}

	o := newTestOrchestrator(t, Options{Registry: registry, Recorder: recorder})
	o.Start(context.Background())

	issue, err := o.SubmitIssue(context.Background(), HealthIssue{Type: "build-failure", Severity: SeverityMedium})
	require.NoError(t, err)
	waitForTerminal(t, o, issue.ID)

	require.NoError(t, o.Rollback(context.Background(), issue.ID, "update-config"))
	assert.Equal(t, 1, rollbackable.rollbacks)
	assert.Contains(t, recorder.auditOps(), "rollback")

	err = o.Rollback(context.Background(), issue.ID, "clean-build")
	assert.True(t, IsValidation(err), "actions without rollback support are rejected")

	err = o.Rollback(context.Background(), issue.ID, "never-ran")
	assert.True(t, IsValidation(err))

	err = o.Rollback(context.Background(), "missing", "update-config")
	assert.True(t, IsNotFound(err))
}

func TestOrchestrator_SummaryReport(t *testing.T) {
	registry := NewRegistry()
	require.NoError(t, registry.Register(testStrategy("good", 1, newMockAction("fix", true))))
	require.NoError(t, registry.Register(testStrategy("bad", 1, newMockAction("fix", false))))

	o := newTestOrchestrator(t, Options{Registry: registry})
	o.Start(context.Background())

	var ids []string
	for _, issue := range []HealthIssue{
		{Type: "good", Severity: SeverityLow},
		{Type: "bad", Severity: SeverityLow},
		{Type: "bad", Severity: SeverityCritical},
		{Type: "missing", Severity: SeverityLow},
	} {
		submitted, err := o.SubmitIssue(context.Background(), issue)
		require.NoError(t, err)
		ids = append(ids, submitted.ID)
	}
	for _, id := range ids {
		waitForTerminal(t, o, id)
	}

	summary := o.GenerateSummaryReport()
	assert.Equal(t, 4, summary.Total)
	assert.Equal(t, 1, summary.Resolved)
	assert.Equal(t, 2, summary.Failed)
	assert.Equal(t, 1, summary.Escalated)
	assert.InDelta(t, 25.0, summary.SuccessRate, 0.001)
}

func TestOrchestrator_TypedSubmissions(t *testing.T) {
	o := newTestOrchestrator(t, Options{})

	issues, err := o.SubmitTestFailures(context.Background(), []TestFailure{
		{TestName: "TestLogin", File: "auth_test.go", Error: "timeout"},
		{TestName: "TestLogout", File: "auth_test.go", Error: "snapshot mismatch"},
	})
	require.NoError(t, err)
	require.Len(t, issues, 2)
	assert.Equal(t, "test-failure", issues[0].Type)
	assert.Equal(t, SeverityMedium, issues[0].Severity)
	assert.Equal(t, "tests", issues[0].Component)
	assert.Equal(t, "TestLogin", issues[0].Metadata.Get("test_name"))

	perf, err := o.SubmitPerformanceAlert(context.Background(), PerformanceAlert{
		Metric: "p99_latency_ms", Value: 2300, Threshold: 500,
	})
	require.NoError(t, err)
	assert.Equal(t, "performance", perf.Type)
	assert.Equal(t, SeverityMedium, perf.Severity)
	assert.Equal(t, 2300.0, perf.Metadata.MetricValue)

	sec, err := o.SubmitSecurityAlert(context.Background(), SecurityAlert{Title: "lodash prototype pollution", CVE: "CVE-2020-8203"})
	require.NoError(t, err)
	assert.Equal(t, "security", sec.Type)
	assert.Equal(t, SeverityHigh, sec.Severity)
	assert.Equal(t, "CVE-2020-8203", sec.Metadata.Get("cve"))

	assert.Len(t, o.GetActiveIssues(), 4)
}

func TestOrchestrator_StopWaitsForInFlight(t *testing.T) {
	action := newMockAction("slow", true)
	action.delay = 100 * time.Millisecond
	registry := NewRegistry()
	require.NoError(t, registry.Register(testStrategy("slow", 1, action)))

	o := newTestOrchestrator(t, Options{Registry: registry})
	o.Start(context.Background())

	issue, err := o.SubmitIssue(context.Background(), HealthIssue{Type: "slow", Severity: SeverityLow})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return action.Calls() == 1 }, 2*time.Second, time.Millisecond)

	require.NoError(t, o.Stop(context.Background()))

	report, err := o.GenerateReport(issue.ID)
	require.NoError(t, err)
	assert.Equal(t, ReportResolved, report.Status)

	_, err = o.SubmitIssue(context.Background(), HealthIssue{Type: "slow", Severity: SeverityLow})
	assert.ErrorIs(t, err, ErrStopped)
}

func TestOrchestrator_StopHonoursDeadline(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	action := newMockAction("stuck", true)
	action.block = block
	registry := NewRegistry()
	require.NoError(t, registry.Register(testStrategy("stuck", 1, action)))

	o := NewOrchestrator(Options{Registry: registry, Config: testConfig(), Logger: zerolog.Nop()})
	o.Start(context.Background())

	_, err := o.SubmitIssue(context.Background(), HealthIssue{Type: "stuck", Severity: SeverityLow})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return action.Calls() == 1 }, 2*time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, o.Stop(ctx), context.DeadlineExceeded)
}
