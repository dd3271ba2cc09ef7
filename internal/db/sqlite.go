package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver (no CGO required)
)

// Timestamps are stored as Unix milliseconds so range filters compare numbers.
var migrations = []struct {
	version int
	sql     string
}{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS baselines (
    key         TEXT PRIMARY KEY,
    blob        TEXT NOT NULL,
    updated_at  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS anomaly_events (
    id               INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id       TEXT NOT NULL DEFAULT '',
    metric           TEXT NOT NULL,
    value            REAL NOT NULL DEFAULT 0.0,
    anomaly_type     TEXT NOT NULL DEFAULT '',
    severity         TEXT NOT NULL DEFAULT 'info',
    score            REAL NOT NULL DEFAULT 0.0,
    baseline_mean    REAL NOT NULL DEFAULT 0.0,
    baseline_std_dev REAL NOT NULL DEFAULT 0.0,
    message          TEXT NOT NULL DEFAULT '',
    context          TEXT NOT NULL DEFAULT '{}',
    detected_at      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_anomaly_detected_at ON anomaly_events(detected_at DESC);
CREATE INDEX IF NOT EXISTS idx_anomaly_metric      ON anomaly_events(metric);
CREATE INDEX IF NOT EXISTS idx_anomaly_severity    ON anomaly_events(severity);
CREATE INDEX IF NOT EXISTS idx_anomaly_session     ON anomaly_events(session_id);
`,
	},
}

// sqliteStore is the SQLite-backed implementation of Store.
type sqliteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at the given path and
// runs all pending schema migrations. Pass ":memory:" for an in-memory store.
func NewSQLiteStore(path string) (Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}
	if path == ":memory:" {
		// Every connection would otherwise see its own empty database.
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	s := &sqliteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// migrate applies any unapplied migrations in order.
func (s *sqliteStore) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_versions (
        version    INTEGER PRIMARY KEY,
        applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
    )`)
	if err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	for _, m := range migrations {
		var count int
		err := s.db.QueryRow(`SELECT COUNT(*) FROM schema_versions WHERE version = ?`, m.version).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %d: %w", m.version, err)
		}
		if count > 0 {
			continue // already applied
		}

		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("apply migration %d: %w", m.version, err)
		}

		if _, err := s.db.Exec(`INSERT INTO schema_versions(version) VALUES(?)`, m.version); err != nil {
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
	}
	return nil
}

func (s *sqliteStore) Close() error { return s.db.Close() }

func (s *sqliteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// ─── Baselines ────────────────────────────────────────────────────────────────

func (s *sqliteStore) SaveBaseline(ctx context.Context, key, blob string) error {
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO baselines(key, blob, updated_at)
        VALUES(?,?,?)
        ON CONFLICT(key) DO UPDATE SET
            blob       = excluded.blob,
            updated_at = excluded.updated_at
    `, key, blob, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("save baseline %q: %w", key, err)
	}
	return nil
}

func (s *sqliteStore) LoadBaseline(ctx context.Context, key string) (*BaselineRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT key, blob, updated_at FROM baselines WHERE key=?`, key)
	rec := &BaselineRecord{}
	var updated int64
	if err := row.Scan(&rec.Key, &rec.Blob, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("baseline %q: %w", key, ErrNotFound)
		}
		return nil, fmt.Errorf("load baseline %q: %w", key, err)
	}
	rec.UpdatedAt = fromMillis(updated)
	return rec, nil
}

func (s *sqliteStore) ListBaselines(ctx context.Context) ([]*BaselineRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, blob, updated_at FROM baselines ORDER BY updated_at DESC, key ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*BaselineRecord
	for rows.Next() {
		rec := &BaselineRecord{}
		var updated int64
		if err := rows.Scan(&rec.Key, &rec.Blob, &updated); err != nil {
			return nil, err
		}
		rec.UpdatedAt = fromMillis(updated)
		result = append(result, rec)
	}
	return result, rows.Err()
}

// ─── Anomaly events ───────────────────────────────────────────────────────────

const anomalyColumns = `id,session_id,metric,value,anomaly_type,severity,score,baseline_mean,baseline_std_dev,message,context,detected_at`

func (s *sqliteStore) AppendAnomaly(ctx context.Context, rec *AnomalyRecord) error {
	if rec.Context == "" {
		rec.Context = "{}"
	}
	result, err := s.db.ExecContext(ctx, `
        INSERT INTO anomaly_events(session_id, metric, value, anomaly_type, severity, score, baseline_mean, baseline_std_dev, message, context, detected_at)
        VALUES(?,?,?,?,?,?,?,?,?,?,?)
    `,
		rec.SessionID, rec.Metric, rec.Value, rec.AnomalyType, rec.Severity,
		rec.Score, rec.BaselineMean, rec.BaselineStdDev, rec.Message, rec.Context,
		rec.DetectedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("append anomaly: %w", err)
	}
	id, _ := result.LastInsertId()
	rec.ID = id
	return nil
}

func (s *sqliteStore) QueryAnomalies(ctx context.Context, q AnomalyQuery) ([]*AnomalyRecord, error) {
	query := `SELECT ` + anomalyColumns + ` FROM anomaly_events WHERE 1=1`
	args := []any{}

	if q.SessionID != "" {
		query += ` AND session_id = ?`
		args = append(args, q.SessionID)
	}
	if q.Metric != "" {
		query += ` AND metric = ?`
		args = append(args, q.Metric)
	}
	if q.AnomalyType != "" {
		query += ` AND anomaly_type = ?`
		args = append(args, q.AnomalyType)
	}
	if q.Severity != "" {
		query += ` AND severity = ?`
		args = append(args, q.Severity)
	}
	if !q.From.IsZero() {
		query += ` AND detected_at >= ?`
		args = append(args, q.From.UnixMilli())
	}
	if !q.To.IsZero() {
		query += ` AND detected_at <= ?`
		args = append(args, q.To.UnixMilli())
	}
	query += ` ORDER BY detected_at DESC, id DESC`
	if q.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d OFFSET %d`, q.Limit, q.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*AnomalyRecord
	for rows.Next() {
		rec, err := scanAnomaly(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, rec)
	}
	return result, rows.Err()
}

func (s *sqliteStore) GetAnomaly(ctx context.Context, id int64) (*AnomalyRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+anomalyColumns+` FROM anomaly_events WHERE id=?`, id)
	rec, err := scanAnomaly(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("anomaly %d: %w", id, ErrNotFound)
		}
		return nil, err
	}
	return rec, nil
}

func (s *sqliteStore) AnomalySummary(ctx context.Context, from, to time.Time) (map[string]int, error) {
	query := `SELECT severity, COUNT(*) FROM anomaly_events WHERE 1=1`
	args := []any{}
	if !from.IsZero() {
		query += ` AND detected_at >= ?`
		args = append(args, from.UnixMilli())
	}
	if !to.IsZero() {
		query += ` AND detected_at <= ?`
		args = append(args, to.UnixMilli())
	}
	query += ` GROUP BY severity`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	summary := map[string]int{}
	for rows.Next() {
		var sev string
		var count int
		if err := rows.Scan(&sev, &count); err != nil {
			return nil, err
		}
		summary[sev] = count
	}
	return summary, rows.Err()
}

// ─── Helpers ──────────────────────────────────────────────────────────────────

type scanner interface {
	Scan(dest ...any) error
}

func scanAnomaly(row scanner) (*AnomalyRecord, error) {
	rec := &AnomalyRecord{}
	var detected int64
	if err := row.Scan(&rec.ID, &rec.SessionID, &rec.Metric, &rec.Value, &rec.AnomalyType,
		&rec.Severity, &rec.Score, &rec.BaselineMean, &rec.BaselineStdDev, &rec.Message,
		&rec.Context, &detected); err != nil {
		return nil, err
	}
	rec.DetectedAt = fromMillis(detected)
	return rec, nil
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
