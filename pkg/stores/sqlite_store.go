package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/openfroyo/medic/pkg/healing"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound is returned when a record does not exist
var ErrNotFound = errors.New("record not found")

// SQLiteStore persists healing activity in SQLite. It implements
// healing.Recorder.
type SQLiteStore struct {
	db   *sql.DB
	cfg  Config
	path string
}

var _ healing.Recorder = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	// Every connection to :memory: is a separate database.
	if cfg.Path == ":memory:" {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{
		cfg:  cfg,
		path: cfg.Path,
	}, nil
}

// Init opens the database with WAL mode and foreign keys enabled.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := s.path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate"
	if s.path != ":memory:" {
		dsn = "file:" + dsn + "&_pragma=journal_mode(WAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// Open creates, initializes and migrates a store.
func Open(ctx context.Context, cfg Config) (*SQLiteStore, error) {
	s, err := NewSQLiteStore(cfg)
	if err != nil {
		return nil, err
	}
	if err := s.Init(ctx); err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// BeginTx starts a new transaction
func (s *SQLiteStore) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return s.db.BeginTx(ctx, &sql.TxOptions{
		Isolation: sql.LevelSerializable,
	})
}

// RecordIssue upserts an issue with its current state.
func (s *SQLiteStore) RecordIssue(ctx context.Context, issue healing.HealthIssue, state healing.IssueState) error {
	return upsertIssue(ctx, s.db, issue, state)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func upsertIssue(ctx context.Context, db execer, issue healing.HealthIssue, state healing.IssueState) error {
	metadata, err := json.Marshal(issue.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode issue metadata: %w", err)
	}

	query := `
		INSERT INTO issues (id, type, severity, component, description, detected_at, attempts, state, metadata, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			attempts = excluded.attempts,
			state = excluded.state,
			metadata = excluded.metadata,
			updated_at = excluded.updated_at
	`

	_, err = db.ExecContext(ctx, query,
		issue.ID,
		issue.Type,
		string(issue.Severity),
		issue.Component,
		issue.Description,
		issue.DetectedAt.UnixNano(),
		issue.Attempts,
		string(state),
		string(metadata),
		time.Now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to record issue: %w", err)
	}
	return nil
}

// RecordAction appends a healing history entry.
func (s *SQLiteStore) RecordAction(ctx context.Context, action healing.HealingAction) error {
	query := `
		INSERT INTO actions (issue_id, action, success, timestamp, duration_ns, result)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		action.IssueID,
		action.Action,
		action.Success,
		action.Timestamp.UnixNano(),
		int64(action.Duration),
		action.Result,
	)
	if err != nil {
		return fmt.Errorf("failed to record action: %w", err)
	}
	return nil
}

// RecordReport stores a final report and the terminal issue state in one
// transaction.
func (s *SQLiteStore) RecordReport(ctx context.Context, report healing.HealingReport) error {
	body, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}

	tx, err := s.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `
		INSERT INTO reports (issue_id, status, success, started_at, completed_at, report)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(issue_id) DO UPDATE SET
			status = excluded.status,
			success = excluded.success,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at,
			report = excluded.report
	`
	if _, err := tx.ExecContext(ctx, query,
		report.IssueID,
		string(report.Status),
		report.Success,
		report.StartedAt.UnixNano(),
		report.CompletedAt.UnixNano(),
		string(body),
	); err != nil {
		return fmt.Errorf("failed to record report: %w", err)
	}

	if state, ok := reportState(report.Status); ok {
		issue := report.Issue
		issue.ID = report.IssueID
		if err := upsertIssue(ctx, tx, issue, state); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit report: %w", err)
	}
	return nil
}

func reportState(status healing.ReportStatus) (healing.IssueState, bool) {
	switch status {
	case healing.ReportResolved:
		return healing.IssueResolved, true
	case healing.ReportFailed:
		return healing.IssueFailed, true
	case healing.ReportEscalated:
		return healing.IssueEscalated, true
	}
	return "", false
}

// RecordEscalation appends an escalation.
func (s *SQLiteStore) RecordEscalation(ctx context.Context, esc healing.Escalation) error {
	query := `
		INSERT INTO escalations (issue_id, reason, severity, component, attempts, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		esc.IssueID,
		esc.Reason,
		string(esc.Severity),
		esc.Component,
		esc.Attempts,
		esc.Timestamp.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to record escalation: %w", err)
	}
	return nil
}

// RecordAudit appends an audit entry.
func (s *SQLiteStore) RecordAudit(ctx context.Context, entry healing.AuditEntry) error {
	details, err := json.Marshal(entry.Details)
	if err != nil {
		return fmt.Errorf("failed to encode audit details: %w", err)
	}
	ts := entry.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	query := `
		INSERT INTO audit (timestamp, operation, issue_id, action, success, message, details)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.ExecContext(ctx, query,
		ts.UnixNano(),
		entry.Operation,
		entry.IssueID,
		entry.Action,
		entry.Success,
		entry.Message,
		string(details),
	)
	if err != nil {
		return fmt.Errorf("failed to record audit entry: %w", err)
	}
	return nil
}

const issueColumns = `id, type, severity, component, description, detected_at, attempts, state, metadata, updated_at`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanIssue(row scanner) (*IssueRecord, error) {
	var (
		rec                  IssueRecord
		severity, state      string
		metadata             string
		detectedAt, updateAt int64
	)
	err := row.Scan(
		&rec.Issue.ID,
		&rec.Issue.Type,
		&severity,
		&rec.Issue.Component,
		&rec.Issue.Description,
		&detectedAt,
		&rec.Issue.Attempts,
		&state,
		&metadata,
		&updateAt,
	)
	if err != nil {
		return nil, err
	}
	rec.Issue.Severity = healing.Severity(severity)
	rec.Issue.DetectedAt = time.Unix(0, detectedAt)
	rec.State = healing.IssueState(state)
	rec.UpdatedAt = time.Unix(0, updateAt)
	if err := json.Unmarshal([]byte(metadata), &rec.Issue.Metadata); err != nil {
		return nil, fmt.Errorf("failed to decode issue metadata: %w", err)
	}
	return &rec, nil
}

// GetIssue retrieves an issue by ID
func (s *SQLiteStore) GetIssue(ctx context.Context, id string) (*IssueRecord, error) {
	query := `SELECT ` + issueColumns + ` FROM issues WHERE id = ?`

	rec, err := scanIssue(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("issue %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get issue: %w", err)
	}
	return rec, nil
}

// ListIssues lists issues, newest first, with optional filters and pagination
func (s *SQLiteStore) ListIssues(ctx context.Context, filter IssueFilter, limit, offset int) ([]*IssueRecord, error) {
	var where []string
	var args []interface{}
	if filter.State != nil {
		where = append(where, "state = ?")
		args = append(args, string(*filter.State))
	}
	if filter.Type != nil {
		where = append(where, "type = ?")
		args = append(args, *filter.Type)
	}
	if filter.Component != nil {
		where = append(where, "component = ?")
		args = append(args, *filter.Component)
	}

	query := `SELECT ` + issueColumns + ` FROM issues`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY detected_at DESC, id LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list issues: %w", err)
	}
	defer rows.Close()

	issues := []*IssueRecord{}
	for rows.Next() {
		rec, err := scanIssue(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan issue: %w", err)
		}
		issues = append(issues, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating issues: %w", err)
	}

	return issues, nil
}

// ListActions lists healing history in execution order. An empty issueID
// lists every issue.
func (s *SQLiteStore) ListActions(ctx context.Context, issueID string, limit, offset int) ([]healing.HealingAction, error) {
	query := `SELECT issue_id, action, success, timestamp, duration_ns, result FROM actions`
	var args []interface{}
	if issueID != "" {
		query += " WHERE issue_id = ?"
		args = append(args, issueID)
	}
	query += " ORDER BY id LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list actions: %w", err)
	}
	defer rows.Close()

	actions := []healing.HealingAction{}
	for rows.Next() {
		var (
			a       healing.HealingAction
			ts, dur int64
		)
		if err := rows.Scan(&a.IssueID, &a.Action, &a.Success, &ts, &dur, &a.Result); err != nil {
			return nil, fmt.Errorf("failed to scan action: %w", err)
		}
		a.Timestamp = time.Unix(0, ts)
		a.Duration = time.Duration(dur)
		actions = append(actions, a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating actions: %w", err)
	}

	return actions, nil
}

// GetReport retrieves the final report of an issue
func (s *SQLiteStore) GetReport(ctx context.Context, issueID string) (*healing.HealingReport, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT report FROM reports WHERE issue_id = ?`, issueID).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("report %s: %w", issueID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get report: %w", err)
	}

	var report healing.HealingReport
	if err := json.Unmarshal([]byte(body), &report); err != nil {
		return nil, fmt.Errorf("failed to decode report: %w", err)
	}
	return &report, nil
}

// ListReports lists final reports, most recently completed first
func (s *SQLiteStore) ListReports(ctx context.Context, status *healing.ReportStatus, limit, offset int) ([]*healing.HealingReport, error) {
	query := `SELECT report FROM reports`
	var args []interface{}
	if status != nil {
		query += " WHERE status = ?"
		args = append(args, string(*status))
	}
	query += " ORDER BY completed_at DESC, issue_id LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list reports: %w", err)
	}
	defer rows.Close()

	reports := []*healing.HealingReport{}
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("failed to scan report: %w", err)
		}
		report := &healing.HealingReport{}
		if err := json.Unmarshal([]byte(body), report); err != nil {
			return nil, fmt.Errorf("failed to decode report: %w", err)
		}
		reports = append(reports, report)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating reports: %w", err)
	}

	return reports, nil
}

// ListEscalations lists escalations, newest first
func (s *SQLiteStore) ListEscalations(ctx context.Context, limit, offset int) ([]healing.Escalation, error) {
	query := `
		SELECT issue_id, reason, severity, component, attempts, timestamp
		FROM escalations
		ORDER BY timestamp DESC, id DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list escalations: %w", err)
	}
	defer rows.Close()

	escalations := []healing.Escalation{}
	for rows.Next() {
		var (
			esc      healing.Escalation
			severity string
			ts       int64
		)
		if err := rows.Scan(&esc.IssueID, &esc.Reason, &severity, &esc.Component, &esc.Attempts, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan escalation: %w", err)
		}
		esc.Severity = healing.Severity(severity)
		esc.Timestamp = time.Unix(0, ts)
		escalations = append(escalations, esc)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating escalations: %w", err)
	}

	return escalations, nil
}

// ListAuditEntries lists audit entries, newest first, optionally filtered
// by operation and issue
func (s *SQLiteStore) ListAuditEntries(ctx context.Context, operation, issueID *string, limit, offset int) ([]healing.AuditEntry, error) {
	query := `
		SELECT timestamp, operation, issue_id, action, success, message, details
		FROM audit
		WHERE (? IS NULL OR operation = ?)
		AND (? IS NULL OR issue_id = ?)
		ORDER BY timestamp DESC, id DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, operation, operation, issueID, issueID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	entries := []healing.AuditEntry{}
	for rows.Next() {
		var (
			entry   healing.AuditEntry
			ts      int64
			details string
		)
		if err := rows.Scan(&ts, &entry.Operation, &entry.IssueID, &entry.Action, &entry.Success, &entry.Message, &details); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		entry.Timestamp = time.Unix(0, ts)
		if err := json.Unmarshal([]byte(details), &entry.Details); err != nil {
			return nil, fmt.Errorf("failed to decode audit details: %w", err)
		}
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit entries: %w", err)
	}

	return entries, nil
}

// Prune deletes terminal issues with their actions and reports, plus
// escalations, audit entries and health snapshots recorded before the cutoff.
func (s *SQLiteStore) Prune(ctx context.Context, before time.Time) (PruneResult, error) {
	var result PruneResult
	cutoff := before.UnixNano()

	tx, err := s.BeginTx(ctx)
	if err != nil {
		return result, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	terminal := `SELECT id FROM issues WHERE state IN ('resolved', 'failed', 'escalated') AND updated_at < ?`

	steps := []struct {
		query string
		count *int64
	}{
		{`DELETE FROM actions WHERE issue_id IN (` + terminal + `)`, &result.Actions},
		{`DELETE FROM reports WHERE issue_id IN (` + terminal + `)`, &result.Reports},
		{`DELETE FROM issues WHERE id IN (` + terminal + `)`, &result.Issues},
		{`DELETE FROM escalations WHERE timestamp < ?`, &result.Escalations},
		{`DELETE FROM audit WHERE timestamp < ?`, &result.Audit},
		{`DELETE FROM health_snapshots WHERE checked_at < ?`, &result.Health},
	}
	for _, step := range steps {
		res, err := tx.ExecContext(ctx, step.query, cutoff)
		if err != nil {
			return PruneResult{}, fmt.Errorf("failed to prune: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return PruneResult{}, fmt.Errorf("failed to get rows affected: %w", err)
		}
		*step.count = n
	}

	if err := tx.Commit(); err != nil {
		return PruneResult{}, fmt.Errorf("failed to commit prune: %w", err)
	}
	return result, nil
}

// RecordHealth stores a health snapshot
func (s *SQLiteStore) RecordHealth(ctx context.Context, health healing.SystemHealth) error {
	data, err := json.Marshal(health)
	if err != nil {
		return fmt.Errorf("failed to encode health snapshot: %w", err)
	}

	checkedAt := health.CheckedAt
	if checkedAt.IsZero() {
		checkedAt = time.Now()
	}

	query := `INSERT INTO health_snapshots (checked_at, overall, snapshot) VALUES (?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, query, checkedAt.UnixNano(), string(health.Overall), string(data)); err != nil {
		return fmt.Errorf("failed to record health snapshot: %w", err)
	}
	return nil
}

// ListHealth lists health snapshots, newest first
func (s *SQLiteStore) ListHealth(ctx context.Context, limit, offset int) ([]healing.SystemHealth, error) {
	query := `
		SELECT snapshot
		FROM health_snapshots
		ORDER BY checked_at DESC, id DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list health snapshots: %w", err)
	}
	defer rows.Close()

	snapshots := []healing.SystemHealth{}
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan health snapshot: %w", err)
		}
		var health healing.SystemHealth
		if err := json.Unmarshal([]byte(data), &health); err != nil {
			return nil, fmt.Errorf("failed to decode health snapshot: %w", err)
		}
		snapshots = append(snapshots, health)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating health snapshots: %w", err)
	}

	return snapshots, nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}
