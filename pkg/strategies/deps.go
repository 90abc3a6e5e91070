package strategies

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/medic/pkg/healing"
	"github.com/openfroyo/medic/pkg/runner"
)

// Deps are the collaborators shared by the built-in actions.
type Deps struct {
	// Runner executes every command line.
	Runner runner.Runner

	// Services restarts and stops units. When nil, a manager over Runner
	// without sudo is used.
	Services *runner.ServiceManager

	// Commands overrides DefaultCommands per issue type and command key.
	// An empty list disables the step.
	Commands map[string]map[string][]string

	// Units maps component names to service units. Unmapped components
	// fall back to DefaultUnits.
	Units map[string]string

	// Dir is the project directory patched by file-editing actions.
	Dir string

	// DB is the monitored database. Database actions fall back to
	// configured commands when it is nil.
	DB *sql.DB

	// MaintenanceSQL is executed by the database maintenance actions.
	// Empty means ANALYZE.
	MaintenanceSQL []string

	// MaxIdleConns is restored after reset-connections drops idle
	// connections. Zero means the database/sql default.
	MaxIdleConns int

	// RestartWait is the delay between a restart and its health check.
	RestartWait time.Duration

	Logger zerolog.Logger
}

func (d *Deps) services() *runner.ServiceManager {
	if d.Services != nil {
		return d.Services
	}
	return runner.NewServiceManager(d.Runner, false)
}

// commands returns the command lines for key, preferring overrides.
func (d *Deps) commands(issueType, key string) []string {
	if byKey, ok := d.Commands[issueType]; ok {
		if lines, ok := byKey[key]; ok {
			return lines
		}
	}
	return DefaultCommands()[issueType][key]
}

// unit returns the service unit for a component.
func (d *Deps) unit(component string) string {
	if u, ok := d.Units[component]; ok && u != "" {
		return u
	}
	if u, ok := DefaultUnits[component]; ok {
		return u
	}
	return DefaultUnits[""]
}

func (d *Deps) maintenanceSQL() []string {
	if len(d.MaintenanceSQL) > 0 {
		return d.MaintenanceSQL
	}
	return []string{"ANALYZE"}
}

// run executes every command line of key in order and stops at the first
// failure. The last result is returned. A key with no lines is a no-op.
func (d *Deps) run(ctx context.Context, issue healing.HealthIssue, issueType, key string) (*runner.Result, error) {
	return d.runLines(ctx, issue, d.commands(issueType, key))
}

func (d *Deps) runLines(ctx context.Context, issue healing.HealthIssue, lines []string) (*runner.Result, error) {
	if d.Runner == nil {
		return nil, fmt.Errorf("no command runner configured")
	}
	var last *runner.Result
	for _, line := range lines {
		cmd := runner.Shell(line)
		cmd.Dir = d.Dir
		cmd.Env = IssueEnv(issue)

		res, err := d.Runner.Run(ctx, cmd)
		if res != nil {
			last = res
		}
		if err != nil {
			return last, err
		}
	}
	return last, nil
}

// runTolerant runs key and logs a failure instead of returning it.
func (d *Deps) runTolerant(ctx context.Context, issue healing.HealthIssue, issueType, key string) {
	if _, err := d.run(ctx, issue, issueType, key); err != nil {
		d.Logger.Warn().
			Err(err).
			Str("issue_id", issue.ID).
			Str("step", key).
			Msg("Optional remediation step failed")
	}
}

var envReplacer = strings.NewReplacer("-", "_", ".", "_")

// IssueEnv exposes the issue to commands as MEDIC_* variables. Metadata
// extras are upper-cased with dashes turned into underscores.
func IssueEnv(issue healing.HealthIssue) []string {
	env := []string{
		"MEDIC_ISSUE_ID=" + issue.ID,
		"MEDIC_ISSUE_TYPE=" + issue.Type,
		"MEDIC_SEVERITY=" + string(issue.Severity),
		"MEDIC_COMPONENT=" + issue.Component,
	}
	keys := make([]string, 0, len(issue.Metadata.Extra))
	for k := range issue.Metadata.Extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		name := strings.ToUpper(envReplacer.Replace(k))
		env = append(env, "MEDIC_"+name+"="+issue.Metadata.Extra[k])
	}
	return env
}
