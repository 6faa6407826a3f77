// Package store provides SQLite-backed persistence for alerts.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hostpulse/hostpulse/pkg/infra/logger"
	"github.com/hostpulse/hostpulse/pkg/unit/alert"
	_ "modernc.org/sqlite"
)

// AlertStore owns the alerts database handle. All access goes through it;
// callers never see the *sql.DB directly except for tests via DB().
type AlertStore struct {
	db *sql.DB
}

// NewAlertStore opens (or creates) the alerts database at dbPath and
// initializes the schema. A fresh schema is created if absent; no
// migrations are performed.
func NewAlertStore(dbPath string) (*AlertStore, error) {
	if dir := filepath.Dir(dbPath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	s := &AlertStore{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	return s, nil
}

func (s *AlertStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS alerts (
		id TEXT PRIMARY KEY,
		timestamp INTEGER NOT NULL,
		severity TEXT NOT NULL,
		type TEXT NOT NULL,
		title TEXT NOT NULL,
		message TEXT,
		metadata TEXT,
		acknowledged INTEGER DEFAULT 0,
		resolved INTEGER DEFAULT 0,
		acknowledged_at INTEGER,
		resolved_at INTEGER,
		resolution TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_alerts_timestamp ON alerts(timestamp);
	CREATE INDEX IF NOT EXISTS idx_alerts_severity ON alerts(severity);
	CREATE INDEX IF NOT EXISTS idx_alerts_acknowledged ON alerts(acknowledged);
	`
	_, err := s.db.Exec(query)
	return err
}

const alertColumns = `id, timestamp, severity, type, title, message, metadata,
	acknowledged, resolved, acknowledged_at, resolved_at, resolution`

// Insert stores a new alert row.
func (s *AlertStore) Insert(ctx context.Context, a *alert.Alert) error {
	metadataJSON, _ := json.Marshal(a.Metadata)

	query := `
		INSERT INTO alerts (` + alertColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		a.ID, a.Timestamp.UnixNano(), string(a.Severity), string(a.Type),
		a.Title, a.Message, string(metadataJSON),
		boolInt(a.Acknowledged), boolInt(a.Resolved),
		timeNano(a.AcknowledgedAt), timeNano(a.ResolvedAt), a.Resolution,
	)
	if err != nil {
		return fmt.Errorf("insert alert: %w", err)
	}
	return nil
}

// Update persists the mutable columns of an alert: acknowledgement and
// resolution state. Identity columns never change.
func (s *AlertStore) Update(ctx context.Context, a *alert.Alert) error {
	query := `
		UPDATE alerts SET
			acknowledged = ?,
			resolved = ?,
			acknowledged_at = ?,
			resolved_at = ?,
			resolution = ?
		WHERE id = ?
	`
	result, err := s.db.ExecContext(ctx, query,
		boolInt(a.Acknowledged), boolInt(a.Resolved),
		timeNano(a.AcknowledgedAt), timeNano(a.ResolvedAt), a.Resolution,
		a.ID,
	)
	if err != nil {
		return fmt.Errorf("update alert: %w", err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return alert.ErrAlertNotFound
	}
	return nil
}

// Remove deletes an alert row.
func (s *AlertStore) Remove(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM alerts WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete alert: %w", err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return alert.ErrAlertNotFound
	}
	return nil
}

// Get returns a single alert by ID.
func (s *AlertStore) Get(ctx context.Context, id string) (*alert.Alert, error) {
	query := `SELECT ` + alertColumns + ` FROM alerts WHERE id = ?`
	row := s.db.QueryRowContext(ctx, query, id)

	a, err := scanAlert(row)
	if err == sql.ErrNoRows {
		return nil, alert.ErrAlertNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan alert: %w", err)
	}
	return a, nil
}

// GetAll returns up to limit alerts, newest first.
func (s *AlertStore) GetAll(ctx context.Context, limit int) ([]alert.Alert, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + alertColumns + ` FROM alerts ORDER BY timestamp DESC LIMIT ?`
	return s.queryAlerts(ctx, query, limit)
}

// GetActive returns unacknowledged alerts, newest first.
func (s *AlertStore) GetActive(ctx context.Context) ([]alert.Alert, error) {
	query := `SELECT ` + alertColumns + ` FROM alerts WHERE acknowledged = 0 ORDER BY timestamp DESC`
	return s.queryAlerts(ctx, query)
}

// GetBySeverity returns unacknowledged alerts of a severity, newest first.
func (s *AlertStore) GetBySeverity(ctx context.Context, severity alert.Severity) ([]alert.Alert, error) {
	query := `SELECT ` + alertColumns + ` FROM alerts WHERE severity = ? AND acknowledged = 0 ORDER BY timestamp DESC`
	return s.queryAlerts(ctx, query, string(severity))
}

// GetByType returns unacknowledged alerts of a type, newest first.
func (s *AlertStore) GetByType(ctx context.Context, typ alert.Type) ([]alert.Alert, error) {
	query := `SELECT ` + alertColumns + ` FROM alerts WHERE type = ? AND acknowledged = 0 ORDER BY timestamp DESC`
	return s.queryAlerts(ctx, query, string(typ))
}

// CountActive counts unacknowledged alerts.
func (s *AlertStore) CountActive(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM alerts WHERE acknowledged = 0`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count active alerts: %w", err)
	}
	return count, nil
}

// CountBySeverity counts unacknowledged alerts of a severity.
func (s *AlertStore) CountBySeverity(ctx context.Context, severity alert.Severity) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM alerts WHERE severity = ? AND acknowledged = 0`,
		string(severity)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count alerts by severity: %w", err)
	}
	return count, nil
}

// CleanupBefore deletes resolved alerts strictly older than cutoff and
// returns the number deleted. Unresolved alerts are never removed here.
func (s *AlertStore) CleanupBefore(ctx context.Context, cutoff time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM alerts WHERE timestamp < ? AND resolved = 1`,
		cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("cleanup alerts: %w", err)
	}

	deleted, _ := result.RowsAffected()
	return int(deleted), nil
}

// Close closes the database connection.
func (s *AlertStore) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection.
func (s *AlertStore) DB() *sql.DB {
	return s.db
}

func (s *AlertStore) queryAlerts(ctx context.Context, query string, args ...any) ([]alert.Alert, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query alerts: %w", err)
	}
	defer rows.Close()

	var alerts []alert.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		alerts = append(alerts, *a)
	}
	return alerts, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAlert(row rowScanner) (*alert.Alert, error) {
	var (
		a              alert.Alert
		tsNano         int64
		severity, typ  string
		message        sql.NullString
		metadataStr    sql.NullString
		acked, resolvd int
		ackedAt, resAt sql.NullInt64
		resolution     sql.NullString
	)

	err := row.Scan(
		&a.ID, &tsNano, &severity, &typ, &a.Title, &message, &metadataStr,
		&acked, &resolvd, &ackedAt, &resAt, &resolution,
	)
	if err != nil {
		return nil, err
	}

	a.Timestamp = time.Unix(0, tsNano)
	a.Severity = alert.Severity(severity)
	a.Type = alert.Type(typ)
	a.Message = message.String
	a.Acknowledged = acked != 0
	a.Resolved = resolvd != 0
	a.Resolution = resolution.String

	if metadataStr.Valid && metadataStr.String != "" {
		// Metadata parse failures yield empty metadata, never an error.
		var meta map[string]string
		if err := json.Unmarshal([]byte(metadataStr.String), &meta); err != nil {
			logger.Warn("alert metadata unparseable, dropping", "alert_id", a.ID, "error", err)
		} else {
			a.Metadata = meta
		}
	}

	if a.Acknowledged && ackedAt.Valid && ackedAt.Int64 > 0 {
		t := time.Unix(0, ackedAt.Int64)
		a.AcknowledgedAt = &t
	}
	if a.Resolved && resAt.Valid && resAt.Int64 > 0 {
		t := time.Unix(0, resAt.Int64)
		a.ResolvedAt = &t
	}

	return &a, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func timeNano(t *time.Time) int64 {
	if t == nil {
		return 0
	}
	return t.UnixNano()
}
