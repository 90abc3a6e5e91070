package strategies

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/medic/pkg/healing"
)

const nextConfig = "module.exports = {\n  reactStrictMode: true,\n}\n"

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func TestUpdateConfig_PatchAndRollback(t *testing.T) {
	fr := newFakeRunner()
	deps := newTestDeps(t, fr)
	nextPath := writeFile(t, deps.Dir, "next.config.js", nextConfig)
	tsPath := writeFile(t, deps.Dir, "tsconfig.json", `{"compilerOptions":{"strict":true}}`)

	action := findAction(t, BuildFailure(deps), "update-config")
	ctx := context.Background()
	issue := testIssue(TypeBuildFailure)

	ok, err := action.Execute(ctx, issue)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []string{"npm run build"}, fr.commands())

	patched := readFile(t, nextPath)
	assert.Contains(t, patched, "webpack: (config) => {")
	assert.Contains(t, patched, "reactStrictMode: true")

	var tsconfig struct {
		CompilerOptions map[string]bool `json:"compilerOptions"`
	}
	require.NoError(t, json.Unmarshal([]byte(readFile(t, tsPath)), &tsconfig))
	assert.True(t, tsconfig.CompilerOptions["skipLibCheck"])
	assert.True(t, tsconfig.CompilerOptions["strict"])

	// A second run finds nothing to patch.
	ok, err = action.Execute(ctx, issue)
	require.NoError(t, err)
	require.True(t, ok)

	rb, ok := action.(healing.Rollbacker)
	require.True(t, ok)
	require.NoError(t, rb.Rollback(ctx, issue))
	assert.Equal(t, nextConfig, readFile(t, nextPath))
	assert.Equal(t, `{"compilerOptions":{"strict":true}}`, readFile(t, tsPath))

	// Without a backup the rollback falls back to git.
	require.NoError(t, rb.Rollback(ctx, issue))
	cmds := fr.commands()
	assert.Equal(t, "git checkout -- package-lock.json next.config.js tsconfig.json", cmds[len(cmds)-1])
}

func TestUpdateConfig_InvalidTSConfig(t *testing.T) {
	fr := newFakeRunner()
	deps := newTestDeps(t, fr)
	nextPath := writeFile(t, deps.Dir, "next.config.js", nextConfig)
	writeFile(t, deps.Dir, "tsconfig.json", "{ // comments\n}")

	ok, err := findAction(t, BuildFailure(deps), "update-config").Execute(context.Background(), testIssue(TypeBuildFailure))
	require.Error(t, err)
	assert.False(t, ok)

	// The already patched file is restored.
	assert.Equal(t, nextConfig, readFile(t, nextPath))
	assert.Empty(t, fr.commands())
}

func TestPatchNextConfig(t *testing.T) {
	out, err := patchNextConfig([]byte(nextConfig))
	require.NoError(t, err)
	again, err := patchNextConfig(out)
	require.NoError(t, err)
	assert.Equal(t, string(out), string(again))

	unrelated := []byte("export default {}\n")
	out, err = patchNextConfig(unrelated)
	require.NoError(t, err)
	assert.Equal(t, unrelated, out)
}

var (
	hex128 = regexp.MustCompile(`(?m)^JWT_SECRET=[0-9a-f]{128}$`)
	hex64  = regexp.MustCompile(`(?m)^ENCRYPTION_KEY=[0-9a-f]{64}$`)
	apiKey = regexp.MustCompile(`(?m)^API_KEY=[A-Za-z0-9_-]{43}$`)
)

func TestRotateSecrets(t *testing.T) {
	deps := newTestDeps(t, newFakeRunner())
	original := "JWT_SECRET=old\nDATABASE_URL=postgres://db\n"
	envPath := writeFile(t, deps.Dir, ".env", original)
	prodPath := writeFile(t, deps.Dir, ".env.production", "API_KEY=old")

	action := findAction(t, Security(deps), "rotate-secrets")
	ctx := context.Background()
	issue := testIssue(TypeSecurity)

	ok, err := action.Execute(ctx, issue)
	require.NoError(t, err)
	require.True(t, ok)

	env := readFile(t, envPath)
	assert.Regexp(t, hex128, env)
	assert.Regexp(t, hex64, env)
	assert.Regexp(t, apiKey, env)
	assert.Contains(t, env, "DATABASE_URL=postgres://db\n")
	assert.NotContains(t, env, "JWT_SECRET=old")
	assert.Regexp(t, apiKey, readFile(t, prodPath))

	_, err = os.Stat(filepath.Join(deps.Dir, ".env.local"))
	assert.True(t, os.IsNotExist(err), ".env.local must not be created")

	require.NoError(t, action.(healing.Rollbacker).Rollback(ctx, issue))
	assert.Equal(t, original, readFile(t, envPath))
	assert.Equal(t, "API_KEY=old", readFile(t, prodPath))

	assert.Error(t, action.(healing.Rollbacker).Rollback(ctx, issue))
}

func TestRotateSecrets_NoEnvFile(t *testing.T) {
	deps := newTestDeps(t, newFakeRunner())
	ok, err := findAction(t, Security(deps), "rotate-secrets").Execute(context.Background(), testIssue(TypeSecurity))
	require.Error(t, err)
	assert.False(t, ok)
}

func TestGenerateSecrets(t *testing.T) {
	a, err := GenerateSecrets()
	require.NoError(t, err)
	b, err := GenerateSecrets()
	require.NoError(t, err)

	assert.Len(t, a, 4)
	assert.Len(t, a["SESSION_SECRET"], 128)
	assert.Len(t, a["ENCRYPTION_KEY"], 64)
	assert.Len(t, a["API_KEY"], 43)
	assert.NotEqual(t, a["JWT_SECRET"], b["JWT_SECRET"])
}

func TestSetEnvValues(t *testing.T) {
	tests := []struct {
		name    string
		content string
		values  map[string]string
		want    string
	}{
		{
			name:    "replace",
			content: "A=1\nB=2\n",
			values:  map[string]string{"B": "3"},
			want:    "A=1\nB=3\n",
		},
		{
			name:    "append in key order",
			content: "A=1",
			values:  map[string]string{"D": "4", "C": "3"},
			want:    "A=1\nC=3\nD=4\n",
		},
		{
			name:    "prefix is not a match",
			content: "API_KEY_OLD=x\n",
			values:  map[string]string{"API_KEY": "y"},
			want:    "API_KEY_OLD=x\nAPI_KEY=y\n",
		},
		{
			name:    "empty file",
			content: "",
			values:  map[string]string{"A": "$1"},
			want:    "A=$1\n",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, string(SetEnvValues([]byte(tt.content), tt.values)))
		})
	}
}

func TestParseAuditCount(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		want    int
		wantErr bool
	}{
		{"total", `{"metadata":{"vulnerabilities":{"low":1,"high":2,"total":3}}}`, 3, false},
		{"severity sum", `{"metadata":{"vulnerabilities":{"low":1,"moderate":1,"critical":2}}}`, 4, false},
		{"packages", `{"vulnerabilities":{"lodash":{},"minimist":{}}}`, 2, false},
		{"clean", `{}`, 0, false},
		{"invalid", `npm ERR!`, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseAuditCount([]byte(tt.data))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func auditJSON(total int) reply {
	r := reply{stdout: `{"metadata":{"vulnerabilities":{"total":` + strconv.Itoa(total) + `}}}`}
	if total > 0 {
		r.exit = 1
	}
	return r
}

func TestUpdateDependencies(t *testing.T) {
	ctx := context.Background()
	issue := testIssue(TypeSecurity)

	t.Run("fixed", func(t *testing.T) {
		fr := newFakeRunner().on("npm audit --json", auditJSON(3), auditJSON(0))
		action := findAction(t, Security(newTestDeps(t, fr)), "update-dependencies")

		ok, err := action.Execute(ctx, issue)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, []string{"npm audit --json", "npm audit fix", "npm audit --json"}, fr.commands())
	})

	t.Run("force fallback", func(t *testing.T) {
		fr := newFakeRunner().
			on("npm audit --json", auditJSON(2), auditJSON(0)).
			fail("npm audit fix")
		action := findAction(t, Security(newTestDeps(t, fr)), "update-dependencies")

		ok, err := action.Execute(ctx, issue)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Contains(t, fr.commands(), "npm audit fix --force")
	})

	t.Run("vulnerabilities remain", func(t *testing.T) {
		fr := newFakeRunner().on("npm audit --json", auditJSON(5), auditJSON(1))
		action := findAction(t, Security(newTestDeps(t, fr)), "update-dependencies")

		ok, err := action.Execute(ctx, issue)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("nothing to fix", func(t *testing.T) {
		fr := newFakeRunner().on("npm audit --json", auditJSON(0))
		action := findAction(t, Security(newTestDeps(t, fr)), "update-dependencies")

		ok, err := action.Execute(ctx, issue)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, []string{"npm audit --json"}, fr.commands())
	})

	t.Run("audit unavailable", func(t *testing.T) {
		fr := newFakeRunner().fail("npm audit --json")
		action := findAction(t, Security(newTestDeps(t, fr)), "update-dependencies")

		ok, err := action.Execute(ctx, issue)
		require.Error(t, err)
		assert.False(t, ok)
	})
}

const middleware = `import { NextResponse } from 'next/server';

export function middleware(request) {
  const response = NextResponse.next();
  return response;
}
`

func TestApplyPatches_PatchAndRollback(t *testing.T) {
	fr := newFakeRunner()
	deps := newTestDeps(t, fr)
	require.NoError(t, os.MkdirAll(filepath.Join(deps.Dir, "src", "components"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(deps.Dir, "node_modules", "lib"), 0o755))

	component := "export const Post = ({ html }) => <div dangerouslySetInnerHTML={{__html: html}} />;\n"
	repo := "export const find = (db, id) => db.query(`SELECT * FROM users WHERE id = ${id}`);\n"
	componentPath := writeFile(t, deps.Dir, "src/components/Post.tsx", component)
	repoPath := writeFile(t, deps.Dir, "src/users.ts", repo)
	middlewarePath := writeFile(t, deps.Dir, "src/middleware.ts", middleware)
	vendored := writeFile(t, deps.Dir, "node_modules/lib/index.jsx", component)

	action := findAction(t, Security(deps), "apply-patches")
	ctx := context.Background()
	issue := testIssue(TypeSecurity)

	ok, err := action.Execute(ctx, issue)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Empty(t, fr.commands())

	patched := readFile(t, componentPath)
	assert.Contains(t, patched, "import DOMPurify from 'dompurify';\n")
	assert.Contains(t, patched, "dangerouslySetInnerHTML={{__html: DOMPurify.sanitize(html)}}")
	assert.Contains(t, readFile(t, repoPath), "db.query(`SELECT * FROM users WHERE id = $1`, [id])")

	mw := readFile(t, middlewarePath)
	assert.Contains(t, mw, "  response.headers.set('X-Frame-Options', 'DENY');\n")
	assert.Less(t, strings.Index(mw, "X-Frame-Options"), strings.Index(mw, "return response"))
	assert.Equal(t, component, readFile(t, vendored))

	// Everything is hardened now.
	ok, err = action.Execute(ctx, issue)
	require.NoError(t, err)
	assert.False(t, ok)

	rb, ok := action.(healing.Rollbacker)
	require.True(t, ok)
	require.NoError(t, rb.Rollback(ctx, issue))
	assert.Equal(t, component, readFile(t, componentPath))
	assert.Equal(t, repo, readFile(t, repoPath))
	assert.Equal(t, middleware, readFile(t, middlewarePath))

	assert.Error(t, rb.Rollback(ctx, issue))
}

func TestApplyPatches_NothingToPatch(t *testing.T) {
	deps := newTestDeps(t, newFakeRunner())
	writeFile(t, deps.Dir, "index.ts", "export const answer = 42;\n")

	action := findAction(t, Security(deps), "apply-patches")
	ok, err := action.Execute(context.Background(), testIssue(TypeSecurity))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Error(t, action.(healing.Rollbacker).Rollback(context.Background(), testIssue(TypeSecurity)))
}

func TestPatchQueries(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "two values",
			in:   "pool.query(`UPDATE t SET a = ${a} WHERE id = ${ row.id }`)",
			want: "pool.query(`UPDATE t SET a = $1 WHERE id = $2`, [a, row.id])",
		},
		{
			name: "already parameterized",
			in:   "pool.query(`SELECT * FROM t WHERE id = $1`, [id])",
			want: "pool.query(`SELECT * FROM t WHERE id = $1`, [id])",
		},
		{
			name: "mixed placeholders untouched",
			in:   "pool.query(`SELECT * FROM t WHERE a = $1 AND b = ${b}`)",
			want: "pool.query(`SELECT * FROM t WHERE a = $1 AND b = ${b}`)",
		},
		{
			name: "no interpolation",
			in:   "pool.query(`SELECT 1`)",
			want: "pool.query(`SELECT 1`)",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := PatchQueries([]byte(tt.in))
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(out))
		})
	}
}

func TestPatchInnerHTML_Idempotent(t *testing.T) {
	in := []byte("import DOMPurify from 'dompurify';\nconst A = () => <p dangerouslySetInnerHTML={{ __html: body }} />;\n")
	out, err := PatchInnerHTML(in)
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(out), "import DOMPurify"))
	assert.Contains(t, string(out), "DOMPurify.sanitize(body)")

	again, err := PatchInnerHTML(out)
	require.NoError(t, err)
	assert.Equal(t, string(out), string(again))
}

func TestPatchSecurityHeaders(t *testing.T) {
	out, err := PatchSecurityHeaders([]byte(middleware))
	require.NoError(t, err)
	again, err := PatchSecurityHeaders(out)
	require.NoError(t, err)
	assert.Equal(t, string(out), string(again))

	noReturn := []byte("export const config = { matcher: '/api/:path*' };\n")
	out, err = PatchSecurityHeaders(noReturn)
	require.NoError(t, err)
	assert.Equal(t, noReturn, out)
}
