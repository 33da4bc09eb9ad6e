// Package sqlite keeps a per-cycle history of grid cells in a SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/couchcryptid/tempo-no2-etl/internal/domain"
	"github.com/couchcryptid/tempo-no2-etl/internal/pipeline"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Store appends grid snapshots to the cell_snapshots table.
// It implements pipeline.Exporter.
type Store struct {
	db     *sql.DB
	path   string
	logger *slog.Logger
}

// Open opens (creating if needed) the database at path and applies pending
// migrations.
func Open(path string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// modernc's driver serialises writers; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, path: path, logger: logger}
	if err := s.migrateUp(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrateUp() error {
	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	driver, err := migratesqlite.WithInstance(s.db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("create sqlite driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("create migrate instance: %w", err)
	}
	m.Log = &migrateLogger{logger: s.logger}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

func (s *Store) Name() string { return "sqlite" }

// Export inserts every cell of the snapshot in a single transaction. Exporting
// the same cycle twice replaces its rows.
func (s *Store) Export(ctx context.Context, snap pipeline.Snapshot) (string, error) {
	if !snap.HasGrid || len(snap.Grid.Cells) == 0 {
		return "", nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO cell_snapshots
			(cycle_id, generated_at, cell_size, lat_bin, lon_bin, no2_mean, count, label)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return "", fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	generated := snap.GeneratedAt.UTC().Format(time.RFC3339Nano)
	for _, c := range snap.Grid.Cells {
		var mean sql.NullFloat64
		if !math.IsNaN(c.Mean) && !math.IsInf(c.Mean, 0) {
			mean = sql.NullFloat64{Float64: c.Mean, Valid: true}
		}
		if _, err := stmt.ExecContext(ctx, snap.CycleID, generated, snap.Grid.CellSize,
			c.LatBin, c.LonBin, mean, c.Count, c.Label); err != nil {
			return "", fmt.Errorf("insert cell (%g, %g): %w", c.LatBin, c.LonBin, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}
	return s.path, nil
}

// History returns the recorded snapshots of the cell identified by key,
// oldest first.
func (s *Store) History(ctx context.Context, key domain.CellKey) ([]domain.CellSnapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT cycle_id, generated_at, no2_mean, count, label
		FROM cell_snapshots
		WHERE lat_bin = ? AND lon_bin = ?
		ORDER BY generated_at, cycle_id`, key.LatBin, key.LonBin)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []domain.CellSnapshot
	for rows.Next() {
		var (
			snap      domain.CellSnapshot
			generated string
			mean      sql.NullFloat64
		)
		if err := rows.Scan(&snap.CycleID, &generated, &mean, &snap.Count, &snap.Label); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		if snap.GeneratedAt, err = time.Parse(time.RFC3339Nano, generated); err != nil {
			return nil, fmt.Errorf("parse generated_at %q: %w", generated, err)
		}
		snap.CellKey = key
		snap.Mean = math.NaN()
		if mean.Valid {
			snap.Mean = mean.Float64
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

// Cycles returns the number of distinct cycles recorded.
func (s *Store) Cycles(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(DISTINCT cycle_id) FROM cell_snapshots`).Scan(&n)
	return n, err
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// CheckReadiness implements the readiness contract by pinging the database.
func (s *Store) CheckReadiness(ctx context.Context) error {
	if err := s.Ping(ctx); err != nil {
		return fmt.Errorf("sqlite unavailable: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// migrateLogger adapts slog to migrate.Logger.
type migrateLogger struct {
	logger *slog.Logger
}

func (l *migrateLogger) Printf(format string, v ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, v...), "component", "migrate")
}

func (l *migrateLogger) Verbose() bool {
	return false
}
