package strategies

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/openfroyo/medic/pkg/healing"
)

// BuildFailure returns the build-failure strategy. Every action re-runs
// the build as its success check.
func BuildFailure(deps *Deps) healing.HealingStrategy {
	return healing.HealingStrategy{
		IssueType:   TypeBuildFailure,
		Description: "Rebuild the project from a clean state",
		Actions: []healing.RemediationAction{
			&commandAction{
				name:      "clean-build",
				desc:      "Clean build artifacts and rebuild",
				estimate:  30 * time.Second,
				issueType: TypeBuildFailure,
				steps:     []step{required("clean-build"), required(KeyBuild)},
				deps:      deps,
			},
			&commandAction{
				name:      "fix-dependencies",
				desc:      "Reinstall dependencies from scratch",
				estimate:  60 * time.Second,
				issueType: TypeBuildFailure,
				steps:     []step{required("fix-dependencies"), required(KeyBuild)},
				deps:      deps,
			},
			&commandAction{
				name:      "fix-syntax-errors",
				desc:      "Apply automatic lint fixes",
				estimate:  45 * time.Second,
				issueType: TypeBuildFailure,
				steps:     []step{optional("fix-syntax-errors"), required(KeyBuild)},
				deps:      deps,
			},
			newUpdateConfigAction(deps),
		},
		MaxAttempts:    5,
		CooldownPeriod: 30 * time.Second,
		Priority:       2,
	}
}

const (
	nextConfigFile = "next.config.js"
	tsconfigFile   = "tsconfig.json"
)

const webpackFallback = `
  webpack: (config) => {
    config.resolve.fallback = {
      ...config.resolve.fallback,
      fs: false,
      path: false,
      os: false,
    };
    return config;
  },`

// fileBackup is the content of a file before it was patched.
type fileBackup struct {
	path    string
	content []byte
	mode    fs.FileMode
}

// updateConfigAction patches the build configuration and rebuilds. The
// original file contents are kept per issue so the patch can be rolled
// back.
type updateConfigAction struct {
	deps *Deps

	mu      sync.Mutex
	backups map[string][]fileBackup
}

func newUpdateConfigAction(deps *Deps) *updateConfigAction {
	return &updateConfigAction{deps: deps, backups: make(map[string][]fileBackup)}
}

func (a *updateConfigAction) Name() string { return "update-config" }

func (a *updateConfigAction) Description() string {
	return "Update build configuration files"
}

func (a *updateConfigAction) EstimatedDuration() time.Duration { return 15 * time.Second }

func (a *updateConfigAction) Execute(ctx context.Context, issue healing.HealthIssue) (bool, error) {
	var backups []fileBackup

	b, err := patchFile(filepath.Join(a.deps.Dir, nextConfigFile), patchNextConfig)
	if err != nil {
		return false, err
	}
	if b != nil {
		backups = append(backups, *b)
	}

	b, err = patchFile(filepath.Join(a.deps.Dir, tsconfigFile), patchTSConfig)
	if err != nil {
		_ = restoreFiles(backups)
		return false, err
	}
	if b != nil {
		backups = append(backups, *b)
	}

	if len(backups) > 0 {
		a.mu.Lock()
		// The first backup of an issue holds the pristine content.
		if _, ok := a.backups[issue.ID]; !ok {
			a.backups[issue.ID] = backups
		}
		a.mu.Unlock()
	}

	a.deps.Logger.Info().
		Str("issue_id", issue.ID).
		Int("patched_files", len(backups)).
		Msg("Build configuration updated")

	if _, err := a.deps.run(ctx, issue, TypeBuildFailure, KeyBuild); err != nil {
		return false, fmt.Errorf("%s: %w", KeyBuild, err)
	}
	return true, nil
}

// Rollback restores the files patched for the issue. Without a backup it
// falls back to the restore-config commands.
func (a *updateConfigAction) Rollback(ctx context.Context, issue healing.HealthIssue) error {
	a.mu.Lock()
	backups, ok := a.backups[issue.ID]
	delete(a.backups, issue.ID)
	a.mu.Unlock()

	if ok {
		return restoreFiles(backups)
	}
	if _, err := a.deps.run(ctx, issue, TypeBuildFailure, KeyRestoreConfig); err != nil {
		return fmt.Errorf("%s: %w", KeyRestoreConfig, err)
	}
	return nil
}

// patchFile rewrites path with patch. It returns nil when the file does
// not exist or patch left it unchanged.
func patchFile(path string, patch func([]byte) ([]byte, error)) (*fileBackup, error) {
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	patched, err := patch(content)
	if err != nil {
		return nil, fmt.Errorf("failed to patch %s: %w", path, err)
	}
	if string(patched) == string(content) {
		return nil, nil
	}
	if err := os.WriteFile(path, patched, info.Mode().Perm()); err != nil {
		return nil, fmt.Errorf("failed to write %s: %w", path, err)
	}
	return &fileBackup{path: path, content: content, mode: info.Mode().Perm()}, nil
}

// restoreFiles writes every backup back to its path.
func restoreFiles(backups []fileBackup) error {
	var errs []error
	for _, b := range backups {
		if err := os.WriteFile(b.path, b.content, b.mode); err != nil {
			errs = append(errs, fmt.Errorf("failed to restore %s: %w", b.path, err))
		}
	}
	return errors.Join(errs...)
}

// patchNextConfig adds a webpack fallback for node built-ins.
func patchNextConfig(content []byte) ([]byte, error) {
	s := string(content)
	if strings.Contains(s, "webpack: (config)") || !strings.Contains(s, "module.exports = {") {
		return content, nil
	}
	return []byte(strings.Replace(s, "module.exports = {", "module.exports = {"+webpackFallback, 1)), nil
}

// patchTSConfig enables compilerOptions.skipLibCheck.
func patchTSConfig(content []byte) ([]byte, error) {
	var tsconfig map[string]interface{}
	if err := json.Unmarshal(content, &tsconfig); err != nil {
		return nil, err
	}
	opts, _ := tsconfig["compilerOptions"].(map[string]interface{})
	if opts == nil {
		opts = make(map[string]interface{})
	}
	if skip, _ := opts["skipLibCheck"].(bool); skip {
		return content, nil
	}
	opts["skipLibCheck"] = true
	tsconfig["compilerOptions"] = opts

	out, err := json.MarshalIndent(tsconfig, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(out, '\n'), nil
}
