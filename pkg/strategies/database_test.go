package strategies

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	_, err = db.Exec(`CREATE TABLE t (id INTEGER PRIMARY KEY, v TEXT)`)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE INDEX t_v ON t (v)`)
	require.NoError(t, err)
	return db
}

func TestDatabaseActions(t *testing.T) {
	fr := newFakeRunner()
	deps := newTestDeps(t, fr)
	deps.DB = openTestDB(t)
	deps.MaintenanceSQL = []string{"ANALYZE", "PRAGMA optimize"}

	strategy := Database(deps)
	for _, name := range []string{"check-connectivity", "reset-connections", "run-maintenance"} {
		t.Run(name, func(t *testing.T) {
			ok, err := findAction(t, strategy, name).Execute(context.Background(), testIssue(TypeDatabase))
			require.NoError(t, err)
			assert.True(t, ok)
		})
	}
	assert.Empty(t, fr.commands())

	ok, err := findAction(t, Performance(deps), "optimize-database").Execute(context.Background(), testIssue(TypePerformance))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDatabaseActions_MaintenanceError(t *testing.T) {
	deps := newTestDeps(t, newFakeRunner())
	deps.DB = openTestDB(t)
	deps.MaintenanceSQL = []string{"VACUUM missing_schema"}

	ok, err := findAction(t, Database(deps), "run-maintenance").Execute(context.Background(), testIssue(TypeDatabase))
	require.Error(t, err)
	assert.False(t, ok)
}

func TestDatabaseActions_NoDatabase(t *testing.T) {
	deps := newTestDeps(t, newFakeRunner())

	ok, err := findAction(t, Database(deps), "check-connectivity").Execute(context.Background(), testIssue(TypeDatabase))
	assert.ErrorIs(t, err, ErrNoDatabase)
	assert.False(t, ok)
}

func TestDatabaseActions_Commands(t *testing.T) {
	fr := newFakeRunner().fail("pg_isready -h db")
	deps := newTestDeps(t, fr)
	deps.Commands = map[string]map[string][]string{
		TypeDatabase: {
			"check-connectivity": {"pg_isready -h db"},
			"run-maintenance":    {"vacuumdb --all --analyze"},
		},
	}
	strategy := Database(deps)

	ok, err := findAction(t, strategy, "check-connectivity").Execute(context.Background(), testIssue(TypeDatabase))
	require.Error(t, err)
	assert.False(t, ok)

	ok, err = findAction(t, strategy, "run-maintenance").Execute(context.Background(), testIssue(TypeDatabase))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []string{"pg_isready -h db", "vacuumdb --all --analyze"}, fr.commands())
}
