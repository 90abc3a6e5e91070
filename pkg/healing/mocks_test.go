package healing

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// execLog records the order in which actions ran across issues.
type execLog struct {
	mu      sync.Mutex
	entries []string

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func (l *execLog) add(entry string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, entry)
}

func (l *execLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.entries...)
}

func (l *execLog) enter() {
	n := l.inFlight.Add(1)
	for {
		cur := l.maxInFlight.Load()
		if n <= cur || l.maxInFlight.CompareAndSwap(cur, n) {
			return
		}
	}
}

func (l *execLog) leave() {
	l.inFlight.Add(-1)
}

// Mock remediation action
type mockAction struct {
	name    string
	succeed bool
	err     error
	panics  bool
	delay   time.Duration
	block   chan struct{}
	log     *execLog

	mu    sync.Mutex
	calls int

	rollbacks int
}

func newMockAction(name string, succeed bool) *mockAction {
	return &mockAction{name: name, succeed: succeed}
}

func (a *mockAction) Name() string                     { return a.name }
func (a *mockAction) Description() string              { return "mock " + a.name }
func (a *mockAction) EstimatedDuration() time.Duration { return time.Millisecond }

func (a *mockAction) Execute(ctx context.Context, issue HealthIssue) (bool, error) {
	a.mu.Lock()
	a.calls++
	a.mu.Unlock()

	if a.log != nil {
		a.log.enter()
		defer a.log.leave()
		a.log.add(issue.ID + ":" + a.name)
	}
	if a.block != nil {
		<-a.block
	}
	if a.delay > 0 {
		time.Sleep(a.delay)
	}
	if a.panics {
		panic("boom")
	}
	return a.succeed, a.err
}

func (a *mockAction) Calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

// Mock action that also supports rollback
type mockRollbackAction struct {
	*mockAction
	rollbackErr error
}

func (a *mockRollbackAction) Rollback(ctx context.Context, issue HealthIssue) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rollbacks++
	return a.rollbackErr
}

// Mock escalation sink
type mockSink struct {
	mu          sync.Mutex
	escalations []Escalation
}

func (s *mockSink) Escalate(ctx context.Context, esc Escalation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.escalations = append(s.escalations, esc)
	return nil
}

func (s *mockSink) list() []Escalation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Escalation(nil), s.escalations...)
}

// Mock containment and pager
type mockContainment struct {
	mu       sync.Mutex
	isolated []string
	failover []string
	pages    []Page
	failPage bool
}

func (c *mockContainment) Isolate(ctx context.Context, component string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.isolated = append(c.isolated, component)
	return nil
}

func (c *mockContainment) ActivateFailover(ctx context.Context, component string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failover = append(c.failover, component)
	return nil
}

func (c *mockContainment) Page(ctx context.Context, page Page) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pages = append(c.pages, page)
	if c.failPage {
		return errors.New("pager unavailable")
	}
	return nil
}

// Mock verifier
type mockVerifier struct {
	ok  bool
	err error
}

func (v *mockVerifier) Verify(ctx context.Context, issue HealthIssue) (bool, error) {
	return v.ok, v.err
}

// Mock guard denying the listed actions
type mockGuard struct {
	deny map[string]bool
	err  error
}

func (g *mockGuard) Allow(ctx context.Context, issue HealthIssue, action RemediationAction) (Decision, error) {
	if g.err != nil {
		return Decision{}, g.err
	}
	if g.deny[action.Name()] {
		return Decision{Allowed: false, Reasons: []string{"change freeze"}}, nil
	}
	return Decision{Allowed: true}, nil
}

// Mock recorder
type mockRecorder struct {
	mu          sync.Mutex
	issues      []IssueState
	actions     []HealingAction
	reports     []HealingReport
	escalations []Escalation
	audit       []AuditEntry
}

func (r *mockRecorder) RecordIssue(ctx context.Context, issue HealthIssue, state IssueState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.issues = append(r.issues, state)
	return nil
}

func (r *mockRecorder) RecordAction(ctx context.Context, action HealingAction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions = append(r.actions, action)
	return nil
}

func (r *mockRecorder) RecordReport(ctx context.Context, report HealingReport) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, report)
	return nil
}

func (r *mockRecorder) RecordEscalation(ctx context.Context, esc Escalation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.escalations = append(r.escalations, esc)
	return nil
}

func (r *mockRecorder) RecordAudit(ctx context.Context, entry AuditEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.audit = append(r.audit, entry)
	return nil
}

func (r *mockRecorder) auditOps() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ops := make([]string, 0, len(r.audit))
	for _, e := range r.audit {
		ops = append(ops, e.Operation)
	}
	return ops
}

func testStrategy(issueType string, maxAttempts int, actions ...RemediationAction) HealingStrategy {
	return HealingStrategy{
		IssueType:   issueType,
		Actions:     actions,
		MaxAttempts: maxAttempts,
		Priority:    1,
	}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.IssueGap = 0
	return cfg
}

func newTestOrchestrator(t *testing.T, opts Options) *Orchestrator {
	t.Helper()
	if opts.Registry == nil {
		opts.Registry = NewRegistry()
	}
	if opts.Config == (Config{}) {
		opts.Config = testConfig()
	}
	opts.Logger = zerolog.Nop()

	o := NewOrchestrator(opts)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = o.Stop(ctx)
	})
	return o
}

func waitForTerminal(t *testing.T, o *Orchestrator, issueID string) HealingReport {
	t.Helper()
	var report HealingReport
	require.Eventually(t, func() bool {
		r, err := o.GenerateReport(issueID)
		if err != nil || !r.Status.IsTerminal() {
			return false
		}
		report = r
		return true
	}, 5*time.Second, 5*time.Millisecond, "issue %s never reached a terminal state", issueID)
	return report
}
