package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type reloadRecorder struct {
	mu   sync.Mutex
	sets [][]StrategyConfig
}

func (r *reloadRecorder) apply(strategies []StrategyConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sets = append(r.sets, strategies)
	return nil
}

func (r *reloadRecorder) last() []StrategyConfig {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.sets) == 0 {
		return nil
	}
	return r.sets[len(r.sets)-1]
}

func strategyYAML(issueType string) []byte {
	return []byte(`
strategies:
  - issue_type: ` + issueType + `
    max_attempts: 1
    actions:
      - name: fix
        kind: command
        commands: ["true"]
`)
}

func TestWatcher_ReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.yaml"), strategyYAML("first"), 0o644))

	rec := &reloadRecorder{}
	w := NewWatcher(NewLoader(), []string{dir}, 20*time.Millisecond, rec.apply, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool { return w.Reloads() == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Len(t, rec.last(), 1)
	assert.Equal(t, "first", rec.last()[0].IssueType)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.yaml"), strategyYAML("second"), 0o644))
	require.Eventually(t, func() bool { return len(rec.last()) == 2 }, 2*time.Second, 5*time.Millisecond)

	// An invalid file keeps the previous set.
	reloads := w.Reloads()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "c.yaml"), []byte("strategies: [{issue_type: broken}]"), 0o644))
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, reloads, w.Reloads())
	assert.Len(t, rec.last(), 2)

	require.NoError(t, os.Remove(filepath.Join(dir, "c.yaml")))
	require.NoError(t, os.Remove(filepath.Join(dir, "a.yaml")))
	require.Eventually(t, func() bool {
		last := rec.last()
		return len(last) == 1 && last[0].IssueType == "second"
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop")
	}
}

func TestWatcher_MissingDir(t *testing.T) {
	rec := &reloadRecorder{}
	w := NewWatcher(NewLoader(), []string{filepath.Join(t.TempDir(), "missing")}, 0, rec.apply, zerolog.Nop())
	assert.Error(t, w.Run(context.Background()))
}

func TestWatcher_DuplicateAcrossFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.yaml"), strategyYAML("same"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.yaml"), strategyYAML("same"), 0o644))

	rec := &reloadRecorder{}
	w := NewWatcher(NewLoader(), []string{dir}, 0, rec.apply, zerolog.Nop())
	assert.Error(t, w.Load())
	assert.Nil(t, rec.last())
}
