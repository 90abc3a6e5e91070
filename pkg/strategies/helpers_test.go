package strategies

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/openfroyo/medic/pkg/healing"
	"github.com/openfroyo/medic/pkg/runner"
)

// reply is one scripted answer of fakeRunner.
type reply struct {
	stdout string
	exit   int
}

// fakeRunner records command lines and answers from per-line reply
// queues. The last reply of a queue repeats; unknown lines succeed.
type fakeRunner struct {
	mu      sync.Mutex
	lines   []string
	envs    [][]string
	replies map[string][]reply
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{replies: make(map[string][]reply)}
}

func (f *fakeRunner) on(line string, replies ...reply) *fakeRunner {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies[line] = replies
	return f
}

func (f *fakeRunner) fail(line string) *fakeRunner {
	return f.on(line, reply{exit: 1})
}

func (f *fakeRunner) Run(ctx context.Context, cmd runner.Command) (*runner.Result, error) {
	line := cmd.String()

	f.mu.Lock()
	f.lines = append(f.lines, line)
	f.envs = append(f.envs, cmd.Env)
	var r reply
	if queue := f.replies[line]; len(queue) > 0 {
		r = queue[0]
		if len(queue) > 1 {
			f.replies[line] = queue[1:]
		}
	}
	f.mu.Unlock()

	res := &runner.Result{ExitCode: r.exit, Stdout: r.stdout}
	if r.exit != 0 {
		return res, &runner.Error{Op: "run", Command: line, ExitCode: r.exit, Err: errors.New("exit status")}
	}
	return res, nil
}

func (f *fakeRunner) commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.lines...)
}

func (f *fakeRunner) lastEnv() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.envs) == 0 {
		return nil
	}
	return f.envs[len(f.envs)-1]
}

func newTestDeps(t *testing.T, r runner.Runner) *Deps {
	t.Helper()
	return &Deps{
		Runner: r,
		Dir:    t.TempDir(),
		Logger: zerolog.Nop(),
	}
}

func testIssue(issueType string) healing.HealthIssue {
	return healing.HealthIssue{
		ID:          "issue-1",
		Type:        issueType,
		Severity:    healing.SeverityHigh,
		Component:   "web",
		Description: "test issue",
	}
}

func findAction(t *testing.T, s healing.HealingStrategy, name string) healing.RemediationAction {
	t.Helper()
	a, ok := s.Action(name)
	if !ok {
		t.Fatalf("strategy %s has no action %s", s.IssueType, name)
	}
	return a
}
