package strategies

// Built-in issue types.
const (
	TypeBuildFailure     = "build-failure"
	TypePerformance      = "performance"
	TypeSecurity         = "security"
	TypeMemoryLeak       = "memory-leak"
	TypeTestFailure      = "test-failure"
	TypeDatabase         = "database"
	TypeComponentFailure = "component-failure"

	// TypeContainment holds the isolate and failover command keys.
	TypeContainment = "containment"
)

// Command keys that are steps of an action rather than actions.
const (
	KeyBuild         = "build"
	KeyFlushCache    = "flush-cache"
	KeyRestoreConfig = "restore-config"
	KeyAudit         = "audit"
	KeyAuditFix      = "audit-fix"
	KeyAuditFixForce = "audit-fix-force"
	KeySecurityScan  = "security-scan"
	KeyIsolate       = "isolate"
	KeyFailover      = "failover"
)

// DefaultUnits maps components to service units. The empty key is the
// fallback for unmapped components.
var DefaultUnits = map[string]string{
	"api":      "api-server",
	"database": "database-pool",
	"cache":    "redis-server",
	"":         "web-server",
}

// DefaultCommands returns the command lines run by the built-in actions,
// keyed by issue type and command key. Every call returns a fresh copy.
func DefaultCommands() map[string]map[string][]string {
	return map[string]map[string][]string{
		TypeBuildFailure: {
			"clean-build": {
				"rm -rf dist build .next node_modules/.cache",
				"npm ci",
			},
			KeyBuild: {"npm run build"},
			"fix-dependencies": {
				"npm cache clean --force",
				"rm -rf node_modules package-lock.json",
				"npm install --legacy-peer-deps",
			},
			"fix-syntax-errors": {"npx eslint . --ext .ts,.tsx --fix"},
			KeyRestoreConfig:    {"git checkout -- package-lock.json next.config.js tsconfig.json"},
		},
		TypePerformance: {
			"clear-cache": {
				"rm -rf node_modules/.cache .next/cache dist/cache tmp/cache",
				"npm cache clean --force",
			},
			KeyFlushCache: {"redis-cli FLUSHALL"},
		},
		TypeSecurity: {
			KeyAudit:         {"npm audit --json"},
			KeyAuditFix:      {"npm audit fix"},
			KeyAuditFixForce: {"npm audit fix --force"},
			KeySecurityScan:  {"npx eslint . --ext .ts,.tsx --plugin security"},
			"scan-and-fix":   {"npx eslint . --ext .ts,.tsx --plugin security --fix"},
		},
		TypeMemoryLeak: {
			"clear-memory-cache": {"redis-cli MEMORY PURGE"},
		},
		TypeTestFailure: {
			"analyze-failure":  {`npx jest --ci "$MEDIC_FILE"`},
			"update-snapshots": {"npm test -- -u"},
			"rerun-tests":      {"npm test"},
		},
		TypeDatabase: {},
		TypeComponentFailure: {
			"clear-cache": {"rm -rf .next/cache"},
			KeyFlushCache: {"redis-cli FLUSHALL"},
			"reset-state": {`rm -rf "tmp/state/$MEDIC_COMPONENT"`},
		},
		TypeContainment: {},
	}
}
