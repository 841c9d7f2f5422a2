// Package runlog stores the history of reconstruction runs in SQLite and
// serves it to operators.
package runlog

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/banshee-data/mesh.report/internal/monitoring"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Run statuses.
const (
	StatusOK     = "ok"
	StatusFailed = "failed"
)

// Run is one reconstruction attempt.
type Run struct {
	RunID      string        `json:"run_id"`
	SnapshotID string        `json:"snapshot_id,omitempty"`
	Source     string        `json:"source"`
	Status     string        `json:"status"`
	Error      string        `json:"error,omitempty"`
	Points     int           `json:"points"`
	Vertices   int           `json:"vertices"`
	Faces      int           `json:"faces"`
	Materials  int           `json:"materials"`
	Textures   int           `json:"textures"`
	StartedAt  time.Time     `json:"started_at"`
	Duration   time.Duration `json:"duration_ns"`
}

// DB is the run history database.
type DB struct {
	*sql.DB
	path string
}

// Open opens or creates the history database at path and applies migrations.
// Use ":memory:" for a throwaway store.
func Open(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open run history: %w", err)
	}
	// A single connection keeps ":memory:" databases shared.
	sqlDB.SetMaxOpenConns(1)
	if _, err := sqlDB.Exec(`PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;`); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("set pragmas: %w", err)
	}
	db := &DB{DB: sqlDB, path: path}
	if err := db.MigrateUp(); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return db, nil
}

// MigrateUp applies pending embedded migrations.
func (db *DB) MigrateUp() error {
	m, err := db.newMigrate()
	if err != nil {
		return err
	}
	// Not closing m: that would close the shared *sql.DB.
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

// MigrateVersion returns the applied schema version; 0 when none is applied.
func (db *DB) MigrateVersion() (uint, bool, error) {
	m, err := db.newMigrate()
	if err != nil {
		return 0, false, err
	}
	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}

func (db *DB) newMigrate() (*migrate.Migrate, error) {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("load migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(db.DB, &sqlite.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create sqlite driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = migrateLogger{}
	return m, nil
}

type migrateLogger struct{}

func (migrateLogger) Printf(format string, v ...interface{}) {
	monitoring.Logf("[migrate] "+format, v...)
}

func (migrateLogger) Verbose() bool { return false }

// RecordRun inserts r.
func (db *DB) RecordRun(ctx context.Context, r Run) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO runs (run_id, snapshot_id, source, status, error, points, vertices,
			faces, materials, textures, started_at_ns, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.RunID, r.SnapshotID, r.Source, r.Status, r.Error, r.Points, r.Vertices,
		r.Faces, r.Materials, r.Textures, r.StartedAt.UnixNano(),
		float64(r.Duration)/float64(time.Millisecond),
	)
	if err != nil {
		return fmt.Errorf("record run %s: %w", r.RunID, err)
	}
	return nil
}

// RecentRuns returns up to limit runs, newest first.
func (db *DB) RecentRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.QueryContext(ctx, `
		SELECT run_id, snapshot_id, source, status, error, points, vertices, faces,
			materials, textures, started_at_ns, duration_ms
		FROM runs
		ORDER BY started_at_ns DESC, rowid DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var (
			r          Run
			startedNS  int64
			durationMS float64
		)
		if err := rows.Scan(&r.RunID, &r.SnapshotID, &r.Source, &r.Status, &r.Error,
			&r.Points, &r.Vertices, &r.Faces, &r.Materials, &r.Textures,
			&startedNS, &durationMS); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.StartedAt = time.Unix(0, startedNS)
		r.Duration = time.Duration(durationMS * float64(time.Millisecond))
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Summary aggregates run counts per status.
type Summary struct {
	Total       int            `json:"total"`
	ByStatus    map[string]int `json:"by_status"`
	LastSuccess *time.Time     `json:"last_success,omitempty"`
}

// Summarize returns counts over the whole history.
func (db *DB) Summarize(ctx context.Context) (Summary, error) {
	s := Summary{ByStatus: make(map[string]int)}
	rows, err := db.QueryContext(ctx, `SELECT status, COUNT(*) FROM runs GROUP BY status`)
	if err != nil {
		return s, fmt.Errorf("summarize runs: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return s, err
		}
		s.ByStatus[status] = n
		s.Total += n
	}
	if err := rows.Err(); err != nil {
		return s, err
	}

	var last sql.NullInt64
	if err := db.QueryRowContext(ctx, `SELECT MAX(started_at_ns) FROM runs WHERE status = ?`, StatusOK).Scan(&last); err != nil {
		return s, err
	}
	if last.Valid {
		t := time.Unix(0, last.Int64)
		s.LastSuccess = &t
	}
	return s, nil
}
