package strategies

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/openfroyo/medic/pkg/healing"
)

// ErrNoDatabase is returned by database actions with neither a database
// handle nor commands configured.
var ErrNoDatabase = errors.New("no database configured")

// Database returns the database strategy.
func Database(deps *Deps) healing.HealingStrategy {
	return healing.HealingStrategy{
		IssueType:   TypeDatabase,
		Description: "Restore database connectivity and performance",
		Actions: []healing.RemediationAction{
			&databaseAction{
				name:      "check-connectivity",
				desc:      "Verify the database answers a ping",
				estimate:  5 * time.Second,
				issueType: TypeDatabase,
				op:        pingDatabase,
				deps:      deps,
			},
			&databaseAction{
				name:      "reset-connections",
				desc:      "Drop idle pooled connections and reconnect",
				estimate:  5 * time.Second,
				issueType: TypeDatabase,
				op:        resetConnections,
				deps:      deps,
			},
			&databaseAction{
				name:      "run-maintenance",
				desc:      "Run database maintenance statements",
				estimate:  30 * time.Second,
				issueType: TypeDatabase,
				op:        maintainDatabase,
				deps:      deps,
			},
			&restartAction{
				name:      "restart-database",
				desc:      "Restart the database service",
				estimate:  30 * time.Second,
				component: "database",
				deps:      deps,
			},
		},
		MaxAttempts:    3,
		CooldownPeriod: 10 * time.Second,
		Priority:       3,
	}
}

type databaseOp func(ctx context.Context, db *sql.DB, deps *Deps) error

// databaseAction runs the configured commands for its name when there
// are any, and op against Deps.DB otherwise.
type databaseAction struct {
	name      string
	desc      string
	estimate  time.Duration
	issueType string
	op        databaseOp
	deps      *Deps
}

func (a *databaseAction) Name() string                     { return a.name }
func (a *databaseAction) Description() string              { return a.desc }
func (a *databaseAction) EstimatedDuration() time.Duration { return a.estimate }

func (a *databaseAction) Execute(ctx context.Context, issue healing.HealthIssue) (bool, error) {
	if lines := a.deps.commands(a.issueType, a.name); len(lines) > 0 {
		if _, err := a.deps.runLines(ctx, issue, lines); err != nil {
			return false, err
		}
		return true, nil
	}
	if a.deps.DB == nil {
		return false, ErrNoDatabase
	}
	if err := a.op(ctx, a.deps.DB, a.deps); err != nil {
		return false, err
	}
	return true, nil
}

func pingDatabase(ctx context.Context, db *sql.DB, _ *Deps) error {
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	return nil
}

// defaultMaxIdleConns matches database/sql.
const defaultMaxIdleConns = 2

func resetConnections(ctx context.Context, db *sql.DB, deps *Deps) error {
	before := db.Stats()

	// Setting zero closes every idle connection.
	db.SetMaxIdleConns(0)
	idle := deps.MaxIdleConns
	if idle == 0 {
		idle = defaultMaxIdleConns
	}
	db.SetMaxIdleConns(idle)

	deps.Logger.Info().
		Int("open_before", before.OpenConnections).
		Int("idle_before", before.Idle).
		Int("max_idle", idle).
		Msg("Database connections reset")

	return pingDatabase(ctx, db, deps)
}

func maintainDatabase(ctx context.Context, db *sql.DB, deps *Deps) error {
	for _, stmt := range deps.maintenanceSQL() {
		start := time.Now()
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("maintenance statement %q failed: %w", stmt, err)
		}
		deps.Logger.Debug().
			Str("statement", stmt).
			Dur("duration", time.Since(start)).
			Msg("Maintenance statement executed")
	}
	return nil
}
