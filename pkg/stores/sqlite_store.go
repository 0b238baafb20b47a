package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/openfroyo/converge/pkg/engine"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
}

// DefaultPath returns the history database location under the user's state
// directory.
func DefaultPath() string {
	if dir := os.Getenv("XDG_STATE_HOME"); dir != "" {
		return filepath.Join(dir, "converge", "history.db")
	}
	return filepath.Join(os.Getenv("HOME"), ".local", "state", "converge", "history.db")
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 4
	}
	// Every connection to :memory: opens a separate database.
	if cfg.Path == ":memory:" {
		cfg.MaxOpenConns = 1
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	return &SQLiteStore{cfg: cfg}, nil
}

// Init opens the database, creating its directory, and enables WAL mode and
// foreign keys on every connection.
func (s *SQLiteStore) Init(ctx context.Context) error {
	if s.cfg.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(s.cfg.Path), 0o700); err != nil {
			return fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	dsn := s.cfg.Path + "?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxOpenConns)
	if s.cfg.Path != ":memory:" {
		db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)
	}

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

// SaveReport stores the run and its change records. Saving the same run ID
// twice fails.
func (s *SQLiteStore) SaveReport(ctx context.Context, report *engine.Report, meta RunMeta) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	counts := report.Counts()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (id, state, reason, target, manifest, started_at, finished_at, unchanged, changed, failed, skipped)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		report.RunID,
		string(report.State),
		report.Reason,
		meta.Target,
		meta.Manifest,
		toUnix(report.StartedAt),
		toUnix(report.FinishedAt),
		counts[engine.OutcomeUnchanged],
		counts[engine.OutcomeChanged],
		counts[engine.OutcomeFailed],
		counts[engine.OutcomeSkipped],
	)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO change_records (run_id, seq, kind, key, outcome, description, error, error_kind, started_at, duration_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare change record insert: %w", err)
	}
	defer stmt.Close()

	for i, rec := range report.Records {
		_, err := stmt.ExecContext(ctx,
			report.RunID,
			i,
			string(rec.Kind),
			rec.Key,
			string(rec.Outcome),
			rec.Description,
			rec.Error,
			string(engine.KindOf(rec.Err)),
			toUnix(rec.StartedAt),
			int64(rec.Duration),
		)
		if err != nil {
			return fmt.Errorf("failed to insert change record %s: %w", rec.ID(), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit run: %w", err)
	}
	return nil
}

// GetReport retrieves a run and rebuilds its report. Failed records carry an
// *engine.Error with the stored kind and text.
func (s *SQLiteStore) GetReport(ctx context.Context, id string) (*Run, *engine.Report, error) {
	run, err := scanRun(s.db.QueryRowContext(ctx, selectRun+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get run: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT kind, key, outcome, description, error, error_kind, started_at, duration_ns
		FROM change_records
		WHERE run_id = ?
		ORDER BY seq
	`, id)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get change records: %w", err)
	}
	defer rows.Close()

	report := &engine.Report{
		RunID:      run.ID,
		State:      run.State,
		Reason:     run.Reason,
		Records:    []engine.ChangeRecord{},
		StartedAt:  run.StartedAt,
		FinishedAt: run.FinishedAt,
	}
	for rows.Next() {
		var (
			rec       engine.ChangeRecord
			kind      string
			outcome   string
			errorKind string
			startedAt int64
			duration  int64
		)
		if err := rows.Scan(&kind, &rec.Key, &outcome, &rec.Description, &rec.Error, &errorKind, &startedAt, &duration); err != nil {
			return nil, nil, fmt.Errorf("failed to scan change record: %w", err)
		}
		rec.Kind = engine.Kind(kind)
		rec.Outcome = engine.Outcome(outcome)
		rec.StartedAt = fromUnix(startedAt)
		rec.Duration = time.Duration(duration)
		if errorKind != "" {
			rec.Err = &engine.Error{Kind: engine.ErrorKind(errorKind), Message: rec.Error}
		}
		report.Records = append(report.Records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("error iterating change records: %w", err)
	}

	return run, report, nil
}

// ListRuns lists runs with pagination, newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit, offset int) ([]*Run, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, selectRun+`
		ORDER BY started_at DESC, id
		LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []*Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	return runs, nil
}

// DeleteRun deletes a run by ID
func (s *SQLiteStore) DeleteRun(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete run: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	return nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}

const selectRun = `
	SELECT id, state, reason, target, manifest, started_at, finished_at, unchanged, changed, failed, skipped
	FROM runs`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*Run, error) {
	var (
		run                   Run
		state                 string
		startedAt, finishedAt int64
	)
	err := row.Scan(
		&run.ID,
		&state,
		&run.Reason,
		&run.Target,
		&run.Manifest,
		&startedAt,
		&finishedAt,
		&run.Unchanged,
		&run.Changed,
		&run.Failed,
		&run.Skipped,
	)
	if err != nil {
		return nil, err
	}
	run.State = engine.RunState(state)
	run.StartedAt = fromUnix(startedAt)
	run.FinishedAt = fromUnix(finishedAt)
	return &run, nil
}

// Timestamps are stored as Unix nanoseconds; the zero time as 0.
func toUnix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnix(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
