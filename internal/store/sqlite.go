package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/sweeney/climate-sensor/internal/acquire"
)

// SQLiteConfig selects the database file and pool settings.
type SQLiteConfig struct {
	// Path is a file path or a "file:" URI. Ignored when DSN is set.
	Path string
	// DSN, if set, is passed to the driver unchanged.
	DSN string

	MaxOpenConns int
}

// Row is one stored sensor mean.
type Row struct {
	ID          int64
	RecordedAt  time.Time
	Sensor      string
	Humidity    *float64
	Temperature *float64
	Samples     int
}

const schema = `CREATE TABLE IF NOT EXISTS readings (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	recorded_at INTEGER NOT NULL,
	sensor      TEXT    NOT NULL,
	humidity    REAL,
	temperature REAL,
	samples     INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS readings_recorded_at ON readings (recorded_at);`

// SQLite keeps the record history.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens the database and creates the schema.
func OpenSQLite(ctx context.Context, cfg SQLiteConfig) (*SQLite, error) {
	dsn, err := buildDSN(cfg)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("db open: %w", err)
	}

	// SQLite serialises writers anyway.
	maxOpen := cfg.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 1
	}
	db.SetMaxOpenConns(maxOpen)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("db ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("db schema: %w", err)
	}

	return &SQLite{db: db}, nil
}

// Write stores one row per sensor mean in a single transaction.
func (s *SQLite) Write(ctx context.Context, rec acquire.Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("db begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO readings (recorded_at, sensor, humidity, temperature, samples) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("db prepare: %w", err)
	}
	defer stmt.Close()

	at := rec.Timestamp.Unix()
	for _, m := range rec.Sensors {
		if _, err := stmt.ExecContext(ctx, at, m.Name, nullFloat(m.Humidity), nullFloat(m.Temperature), m.Samples); err != nil {
			return fmt.Errorf("db insert %s: %w", m.Name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("db commit: %w", err)
	}
	return nil
}

// Recent returns up to limit rows, newest first.
func (s *SQLite) Recent(ctx context.Context, limit int) ([]Row, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, recorded_at, sensor, humidity, temperature, samples
		 FROM readings ORDER BY recorded_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("db query: %w", err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var (
			r     Row
			at    int64
			h, tc sql.NullFloat64
		)
		if err := rows.Scan(&r.ID, &at, &r.Sensor, &h, &tc, &r.Samples); err != nil {
			return nil, fmt.Errorf("db scan: %w", err)
		}
		r.RecordedAt = time.Unix(at, 0).UTC()
		if h.Valid {
			r.Humidity = &h.Float64
		}
		if tc.Valid {
			r.Temperature = &tc.Float64
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db rows: %w", err)
	}
	return out, nil
}

// Close closes the database.
func (s *SQLite) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func buildDSN(cfg SQLiteConfig) (string, error) {
	if cfg.DSN != "" {
		return cfg.DSN, nil
	}
	if cfg.Path == "" {
		return "", fmt.Errorf("sqlite: no path")
	}

	path := cfg.Path
	if !strings.HasPrefix(path, "file:") && path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return "", fmt.Errorf("mkdir %s: %w", dir, err)
			}
		}
	}

	params := []string{
		"_busy_timeout=5000",
		"_journal_mode=WAL",
	}

	if strings.HasPrefix(path, "file:") {
		sep := "?"
		if strings.Contains(path, "?") {
			sep = "&"
		}
		return path + sep + strings.Join(params, "&"), nil
	}
	return fmt.Sprintf("file:%s?%s", path, strings.Join(params, "&")), nil
}
