package strategies

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/openfroyo/medic/pkg/healing"
)

// skippedDirs are never searched for source files to patch.
var skippedDirs = map[string]bool{
	"node_modules": true,
	".git":         true,
	".next":        true,
	"dist":         true,
	"build":        true,
	"coverage":     true,
}

// MiddlewareFiles are the candidates for the security headers patch,
// relative to Deps.Dir.
var MiddlewareFiles = []string{
	"src/middleware.ts",
	"src/middleware.js",
	"middleware.ts",
	"middleware.js",
}

const securityHeaders = `// Security headers
response.headers.set('X-Frame-Options', 'DENY');
response.headers.set('X-Content-Type-Options', 'nosniff');
response.headers.set('Referrer-Policy', 'strict-origin-when-cross-origin');
response.headers.set('Permissions-Policy', 'camera=(), microphone=(), geolocation=()');
`

var (
	innerHTMLPattern   = regexp.MustCompile(`dangerouslySetInnerHTML=\{\{\s*__html:\s*([^}]+?)\s*\}\}`)
	queryPattern       = regexp.MustCompile("(\\.query\\(\\s*)`([^`]*)`(\\s*\\))")
	interpolation      = regexp.MustCompile(`\$\{([^}]+)\}`)
	placeholderPattern = regexp.MustCompile(`\$\d`)
	returnResponse     = regexp.MustCompile(`(?m)^([ \t]*)return response\b`)
)

// applyPatchesAction hardens application sources: DOMPurify around
// dangerouslySetInnerHTML, parameterized template-literal queries and
// security headers in the middleware. The original contents are kept per
// issue for rollback.
type applyPatchesAction struct {
	deps *Deps

	mu      sync.Mutex
	backups map[string][]fileBackup
}

func newApplyPatchesAction(deps *Deps) *applyPatchesAction {
	return &applyPatchesAction{deps: deps, backups: make(map[string][]fileBackup)}
}

func (a *applyPatchesAction) Name() string { return "apply-patches" }

func (a *applyPatchesAction) Description() string {
	return "Patch sources for XSS, SQL injection and missing security headers"
}

func (a *applyPatchesAction) EstimatedDuration() time.Duration { return 45 * time.Second }

// Execute succeeds when at least one file was patched.
func (a *applyPatchesAction) Execute(ctx context.Context, issue healing.HealthIssue) (bool, error) {
	var backups []fileBackup
	patch := func(path string, fn func([]byte) ([]byte, error)) error {
		b, err := patchFile(path, fn)
		if err != nil {
			return err
		}
		if b != nil {
			backups = append(backups, *b)
		}
		return nil
	}

	err := filepath.WalkDir(a.deps.Dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			if path != a.deps.Dir && skippedDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		switch filepath.Ext(path) {
		case ".jsx", ".tsx":
			return patch(path, PatchInnerHTML)
		case ".js", ".ts":
			return patch(path, PatchQueries)
		}
		return nil
	})
	if err == nil {
		for _, name := range MiddlewareFiles {
			if err = patch(filepath.Join(a.deps.Dir, name), PatchSecurityHeaders); err != nil {
				break
			}
		}
	}
	if err != nil {
		_ = restoreFiles(backups)
		return false, err
	}

	logger := a.deps.Logger.With().Str("issue_id", issue.ID).Logger()
	if len(backups) == 0 {
		logger.Info().Msg("No source file needed a security patch")
		return false, nil
	}

	a.mu.Lock()
	a.backups[issue.ID] = append(a.backups[issue.ID], backups...)
	a.mu.Unlock()

	logger.Info().Int("patched_files", len(backups)).Msg("Security patches applied")
	return true, nil
}

// Rollback restores every file patched for the issue, oldest content last
// so the pristine version wins.
func (a *applyPatchesAction) Rollback(ctx context.Context, issue healing.HealthIssue) error {
	a.mu.Lock()
	backups, ok := a.backups[issue.ID]
	delete(a.backups, issue.ID)
	a.mu.Unlock()

	if !ok {
		return fmt.Errorf("no patch backup for issue %s", issue.ID)
	}
	reversed := make([]fileBackup, 0, len(backups))
	for i := len(backups) - 1; i >= 0; i-- {
		reversed = append(reversed, backups[i])
	}
	return restoreFiles(reversed)
}

// PatchInnerHTML wraps dangerouslySetInnerHTML values in DOMPurify.sanitize
// and adds the import when anything was wrapped.
func PatchInnerHTML(content []byte) ([]byte, error) {
	s := string(content)
	changed := false
	s = innerHTMLPattern.ReplaceAllStringFunc(s, func(m string) string {
		value := innerHTMLPattern.FindStringSubmatch(m)[1]
		if strings.HasPrefix(value, "DOMPurify.sanitize(") {
			return m
		}
		changed = true
		return "dangerouslySetInnerHTML={{__html: DOMPurify.sanitize(" + value + ")}}"
	})
	if !changed {
		return content, nil
	}
	if !strings.Contains(s, "import DOMPurify") {
		s = "import DOMPurify from 'dompurify';\n" + s
	}
	return []byte(s), nil
}

// PatchQueries rewrites .query(`... ${v} ...`) into a parameterized
// .query(`... $1 ...`, [v]). Templates that already use placeholders are
// left alone.
func PatchQueries(content []byte) ([]byte, error) {
	out := queryPattern.ReplaceAllStringFunc(string(content), func(m string) string {
		parts := queryPattern.FindStringSubmatch(m)
		open, sql, closing := parts[1], parts[2], parts[3]
		if !interpolation.MatchString(sql) || placeholderPattern.MatchString(sql) {
			return m
		}

		var args []string
		sql = interpolation.ReplaceAllStringFunc(sql, func(v string) string {
			args = append(args, strings.TrimSpace(interpolation.FindStringSubmatch(v)[1]))
			return "$" + strconv.Itoa(len(args))
		})
		return open + "`" + sql + "`, [" + strings.Join(args, ", ") + "]" + closing
	})
	return []byte(out), nil
}

// PatchSecurityHeaders sets the security headers before the first
// `return response` of a middleware that does not set them yet.
func PatchSecurityHeaders(content []byte) ([]byte, error) {
	s := string(content)
	if strings.Contains(s, "X-Frame-Options") {
		return content, nil
	}
	loc := returnResponse.FindStringSubmatchIndex(s)
	if loc == nil {
		return content, nil
	}
	indent := s[loc[2]:loc[3]]

	var b strings.Builder
	b.WriteString(s[:loc[0]])
	for _, line := range strings.SplitAfter(securityHeaders, "\n") {
		if line != "" {
			b.WriteString(indent + line)
		}
	}
	b.WriteString(s[loc[0]:])
	return []byte(b.String()), nil
}
