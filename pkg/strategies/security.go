package strategies

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/openfroyo/medic/pkg/healing"
	"github.com/openfroyo/medic/pkg/runner"
)

// Security returns the security strategy.
func Security(deps *Deps) healing.HealingStrategy {
	return healing.HealingStrategy{
		IssueType:   TypeSecurity,
		Description: "Patch vulnerable dependencies and rotate credentials",
		Actions: []healing.RemediationAction{
			&auditFixAction{deps: deps},
			newApplyPatchesAction(deps),
			newRotateSecretsAction(deps),
			&commandAction{
				name:      "scan-and-fix",
				desc:      "Run the security linter and apply its fixes",
				estimate:  120 * time.Second,
				issueType: TypeSecurity,
				steps:     []step{optional(KeySecurityScan), required("scan-and-fix")},
				deps:      deps,
			},
		},
		MaxAttempts:    2,
		CooldownPeriod: 5 * time.Minute,
		Priority:       3,
	}
}

// auditFixAction fixes vulnerable dependencies and succeeds only when a
// second audit reports none left.
type auditFixAction struct {
	deps *Deps
}

func (a *auditFixAction) Name() string { return "update-dependencies" }

func (a *auditFixAction) Description() string {
	return "Update vulnerable dependencies"
}

func (a *auditFixAction) EstimatedDuration() time.Duration { return 90 * time.Second }

func (a *auditFixAction) Execute(ctx context.Context, issue healing.HealthIssue) (bool, error) {
	before, err := a.audit(ctx, issue)
	if err != nil {
		return false, err
	}
	logger := a.deps.Logger.With().Str("issue_id", issue.ID).Logger()
	if before == 0 {
		logger.Info().Msg("Audit reports no vulnerabilities")
		return true, nil
	}

	if _, err := a.deps.run(ctx, issue, TypeSecurity, KeyAuditFix); err != nil {
		logger.Warn().Err(err).Msg("Audit fix failed, retrying with force")
		if _, err := a.deps.run(ctx, issue, TypeSecurity, KeyAuditFixForce); err != nil {
			return false, fmt.Errorf("%s: %w", KeyAuditFixForce, err)
		}
	}

	after, err := a.audit(ctx, issue)
	if err != nil {
		return false, err
	}
	logger.Info().
		Int("vulnerabilities_before", before).
		Int("vulnerabilities_after", after).
		Msg("Dependencies updated")
	return after == 0, nil
}

// audit returns the vulnerability count. The audit command exits non-zero
// when it finds vulnerabilities, so only a missing report is an error.
func (a *auditFixAction) audit(ctx context.Context, issue healing.HealthIssue) (int, error) {
	res, err := a.deps.run(ctx, issue, TypeSecurity, KeyAudit)
	if res == nil || res.Stdout == "" {
		if err == nil {
			err = errors.New("empty audit report")
		}
		return 0, fmt.Errorf("%s: %w", KeyAudit, err)
	}
	var rerr *runner.Error
	if err != nil && errors.As(err, &rerr) && rerr.ExitCode < 0 {
		return 0, fmt.Errorf("%s: %w", KeyAudit, err)
	}
	return ParseAuditCount([]byte(res.Stdout))
}

// auditReport covers the npm audit JSON formats.
type auditReport struct {
	Metadata struct {
		Vulnerabilities map[string]int `json:"vulnerabilities"`
	} `json:"metadata"`
	Vulnerabilities map[string]json.RawMessage `json:"vulnerabilities"`
}

// ParseAuditCount returns the number of vulnerabilities in an audit JSON
// report. It prefers metadata.vulnerabilities.total, then the sum of the
// per-severity counts, then the number of vulnerable packages.
func ParseAuditCount(data []byte) (int, error) {
	var report auditReport
	if err := json.Unmarshal(data, &report); err != nil {
		return 0, fmt.Errorf("failed to parse audit report: %w", err)
	}
	counts := report.Metadata.Vulnerabilities
	if total, ok := counts["total"]; ok {
		return total, nil
	}
	if len(counts) > 0 {
		sum := 0
		for _, n := range counts {
			sum += n
		}
		return sum, nil
	}
	return len(report.Vulnerabilities), nil
}

// EnvFiles are the files rewritten by rotate-secrets, relative to Deps.Dir.
var EnvFiles = []string{".env", ".env.local", ".env.production"}

// secretGenerators produce the rotated values by variable name.
var secretGenerators = map[string]func() (string, error){
	"JWT_SECRET":     hexSecret(64),
	"SESSION_SECRET": hexSecret(64),
	"ENCRYPTION_KEY": hexSecret(32),
	"API_KEY":        base64URLSecret(32),
}

func randomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}

func hexSecret(n int) func() (string, error) {
	return func() (string, error) {
		b, err := randomBytes(n)
		if err != nil {
			return "", err
		}
		return hex.EncodeToString(b), nil
	}
}

func base64URLSecret(n int) func() (string, error) {
	return func() (string, error) {
		b, err := randomBytes(n)
		if err != nil {
			return "", err
		}
		return base64.RawURLEncoding.EncodeToString(b), nil
	}
}

// GenerateSecrets returns a fresh value for every rotated variable.
func GenerateSecrets() (map[string]string, error) {
	out := make(map[string]string, len(secretGenerators))
	for name, gen := range secretGenerators {
		v, err := gen()
		if err != nil {
			return nil, fmt.Errorf("failed to generate %s: %w", name, err)
		}
		out[name] = v
	}
	return out, nil
}

// rotateSecretsAction writes new secrets into every existing env file.
// The previous files are kept per issue for rollback.
type rotateSecretsAction struct {
	deps *Deps

	mu      sync.Mutex
	backups map[string][]fileBackup
}

func newRotateSecretsAction(deps *Deps) *rotateSecretsAction {
	return &rotateSecretsAction{deps: deps, backups: make(map[string][]fileBackup)}
}

func (a *rotateSecretsAction) Name() string { return "rotate-secrets" }

func (a *rotateSecretsAction) Description() string {
	return "Rotate application secrets in env files"
}

func (a *rotateSecretsAction) EstimatedDuration() time.Duration { return 30 * time.Second }

func (a *rotateSecretsAction) Execute(ctx context.Context, issue healing.HealthIssue) (bool, error) {
	secrets, err := GenerateSecrets()
	if err != nil {
		return false, err
	}

	var backups []fileBackup
	for _, name := range EnvFiles {
		path := filepath.Join(a.deps.Dir, name)
		info, err := os.Stat(path)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			_ = restoreFiles(backups)
			return false, fmt.Errorf("failed to stat %s: %w", path, err)
		}
		content, err := os.ReadFile(path)
		if err != nil {
			_ = restoreFiles(backups)
			return false, fmt.Errorf("failed to read %s: %w", path, err)
		}
		if err := os.WriteFile(path, SetEnvValues(content, secrets), info.Mode().Perm()); err != nil {
			_ = restoreFiles(backups)
			return false, fmt.Errorf("failed to write %s: %w", path, err)
		}
		backups = append(backups, fileBackup{path: path, content: content, mode: info.Mode().Perm()})
	}

	if len(backups) == 0 {
		return false, fmt.Errorf("no env file found in %s", a.deps.Dir)
	}

	a.mu.Lock()
	if _, ok := a.backups[issue.ID]; !ok {
		a.backups[issue.ID] = backups
	}
	a.mu.Unlock()

	names := make([]string, 0, len(secrets))
	for name := range secrets {
		names = append(names, name)
	}
	sort.Strings(names)
	a.deps.Logger.Info().
		Str("issue_id", issue.ID).
		Strs("secrets", names).
		Int("files", len(backups)).
		Msg("Secrets rotated")
	return true, nil
}

// Rollback restores the env files as they were before the first rotation
// for the issue.
func (a *rotateSecretsAction) Rollback(ctx context.Context, issue healing.HealthIssue) error {
	a.mu.Lock()
	backups, ok := a.backups[issue.ID]
	delete(a.backups, issue.ID)
	a.mu.Unlock()

	if !ok {
		return fmt.Errorf("no env file backup for issue %s", issue.ID)
	}
	return restoreFiles(backups)
}

// SetEnvValues replaces KEY=... lines for every key in values and appends
// the keys that are missing, in sorted order.
func SetEnvValues(content []byte, values map[string]string) []byte {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := string(content)
	for _, k := range keys {
		line := k + "=" + values[k]
		re := regexp.MustCompile(`(?m)^` + regexp.QuoteMeta(k) + `=.*$`)
		if re.MatchString(out) {
			out = re.ReplaceAllLiteralString(out, line)
			continue
		}
		if out != "" && !strings.HasSuffix(out, "\n") {
			out += "\n"
		}
		out += line + "\n"
	}
	return []byte(out)
}
