package checkpoint

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/banshee-data/rvcomb/internal/timeutil"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const pragmas = "?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"

// SQLiteStore keeps checkpoints in a single SQLite database file.
type SQLiteStore struct {
	db    *sql.DB
	clock timeutil.Clock
}

// OpenSQLite opens (creating if needed) the checkpoint database at path and
// applies pending migrations.
func OpenSQLite(path string, opts ...Option) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("checkpoint database path is required")
	}
	db, err := sql.Open("sqlite", filepath.Clean(path)+pragmas)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping checkpoint db: %w", err)
	}
	s := &SQLiteStore{db: db, clock: newOptions(opts).clock}
	if err := s.migrateUp(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// migrateUp applies all embedded migrations. The migrate instance is not
// closed because that would close the shared connection.
func (s *SQLiteStore) migrateUp() error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to open embedded migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create sqlite driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = migrateLogger{}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

type migrateLogger struct{}

func (migrateLogger) Printf(format string, v ...interface{}) {
	log.Printf("[migrate] "+format, v...)
}

func (migrateLogger) Verbose() bool { return false }

// Close releases the database connection.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) Exists(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM checkpoints WHERE key = ?`, key).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("checkpoint exists %s: %w", key, err)
	}
	return n > 0, nil
}

const selectColumns = `key, star_id, mode, status, run_id, version, state, kind, reason, payload, created_at, updated_at`

func scanRecord(row interface{ Scan(...any) error }) (*Record, error) {
	var (
		rec              Record
		status           string
		created, updated int64
	)
	if err := row.Scan(&rec.Key, &rec.StarID, &rec.Mode, &status, &rec.RunID, &rec.Version,
		&rec.State, &rec.Kind, &rec.Reason, &rec.Payload, &created, &updated); err != nil {
		return nil, err
	}
	rec.Status = Status(status)
	rec.CreatedAt = time.UnixMilli(created).UTC()
	rec.UpdatedAt = time.UnixMilli(updated).UTC()
	return &rec, nil
}

func (s *SQLiteStore) Load(ctx context.Context, key string) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rec, err := scanRecord(s.db.QueryRowContext(ctx,
		`SELECT `+selectColumns+` FROM checkpoints WHERE key = ?`, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint %s: %w", key, err)
	}
	return rec, nil
}

// Store upserts rec. The original creation time of an existing record is kept.
func (s *SQLiteStore) Store(ctx context.Context, rec *Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := rec.validate(); err != nil {
		return err
	}
	now := s.clock.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	return retryOnBusy(s.clock, func() error {
		_, err := s.db.ExecContext(ctx, `
INSERT INTO checkpoints (`+selectColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (key) DO UPDATE SET
	star_id = excluded.star_id,
	mode = excluded.mode,
	status = excluded.status,
	run_id = excluded.run_id,
	version = excluded.version,
	state = excluded.state,
	kind = excluded.kind,
	reason = excluded.reason,
	payload = excluded.payload,
	updated_at = excluded.updated_at
`, rec.Key, rec.StarID, rec.Mode, string(rec.Status), rec.RunID, rec.Version, rec.State,
			rec.Kind, rec.Reason, rec.Payload, rec.CreatedAt.UnixMilli(), rec.UpdatedAt.UnixMilli())
		if err != nil {
			return fmt.Errorf("store checkpoint %s: %w", rec.Key, err)
		}
		return nil
	})
}

func (s *SQLiteStore) Placeholder(ctx context.Context, rec *Record) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := rec.validate(); err != nil {
		return false, err
	}
	now := s.clock.Now().UTC()
	rec.CreatedAt, rec.UpdatedAt = now, now
	var written bool
	err := retryOnBusy(s.clock, func() error {
		res, err := s.db.ExecContext(ctx, `
INSERT INTO checkpoints (`+selectColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (key) DO NOTHING
`, rec.Key, rec.StarID, rec.Mode, string(rec.Status), rec.RunID, rec.Version, rec.State,
			rec.Kind, rec.Reason, rec.Payload, now.UnixMilli(), now.UnixMilli())
		if err != nil {
			return fmt.Errorf("write placeholder %s: %w", rec.Key, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		written = n == 1
		return nil
	})
	return written, err
}

func (s *SQLiteStore) ListFailures(ctx context.Context) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+selectColumns+` FROM checkpoints WHERE status = ? ORDER BY star_id, key`, string(StatusFailed))
	if err != nil {
		return nil, fmt.Errorf("list failures: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan failure record: %w", err)
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}
