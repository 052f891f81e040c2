package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteBackend keeps one row per tier in a SQLite database, using
// modernc.org/sqlite (pure Go, no CGO).
type SQLiteBackend struct {
	db *sql.DB
}

// sqlitePragmas are applied by the driver on every new connection.
var sqlitePragmas = []string{"journal_mode(WAL)", "busy_timeout(5000)", "foreign_keys(ON)"}

// OpenSQLite opens the database at dbPath, creating its directory.
func OpenSQLite(dbPath string) (*SQLiteBackend, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	q := url.Values{}
	for _, p := range sqlitePragmas {
		q.Add("_pragma", p)
	}
	db, err := sql.Open("sqlite", dbPath+"?"+q.Encode())
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dbPath, err)
	}
	// The three tier writers share one connection.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open %s: %w", dbPath, err)
	}
	return &SQLiteBackend{db: db}, nil
}

// Migrate applies the embedded migrations that have not run yet, each in
// its own transaction, in file name order.
func (s *SQLiteBackend) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		filename   TEXT PRIMARY KEY,
		applied_at DATETIME NOT NULL
	)`); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	applied, err := s.appliedMigrations(ctx)
	if err != nil {
		return err
	}
	names, err := fs.Glob(migrationsFS, "migrations/*.sql")
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	sort.Strings(names)

	for _, name := range names {
		base := path.Base(name)
		if applied[base] {
			continue
		}
		script, err := migrationsFS.ReadFile(name)
		if err != nil {
			return fmt.Errorf("migrate %s: %w", base, err)
		}
		if err := s.applyMigration(ctx, base, string(script)); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteBackend) appliedMigrations(ctx context.Context) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT filename FROM schema_migrations")
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}
	defer rows.Close()

	applied := map[string]bool{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("list migrations: %w", err)
		}
		applied[name] = true
	}
	return applied, rows.Err()
}

func (s *SQLiteBackend) applyMigration(ctx context.Context, name, script string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("migrate %s: %w", name, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, script); err != nil {
		return fmt.Errorf("migrate %s: %w", name, err)
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO schema_migrations (filename, applied_at) VALUES (?, ?)",
		name, time.Now().UTC()); err != nil {
		return fmt.Errorf("record migration %s: %w", name, err)
	}
	return tx.Commit()
}

func (s *SQLiteBackend) Load(ctx context.Context, tier Tier) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, "SELECT data FROM snapshots WHERE tier = ?", string(tier)).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load %s snapshot: %w", tier, err)
	}
	return data, nil
}

// Save upserts the snapshot row and bumps its save counter in one
// transaction.
func (s *SQLiteBackend) Save(ctx context.Context, tier Tier, data []byte) error {
	version, _ := peekHeader(data)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save %s: %w", tier, err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `INSERT INTO snapshots (tier, schema_version, data, saved_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(tier) DO UPDATE SET
			schema_version = excluded.schema_version,
			data = excluded.data,
			saved_at = excluded.saved_at`,
		string(tier), version, data, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("save %s snapshot: %w", tier, err)
	}

	_, err = tx.ExecContext(ctx, `INSERT INTO snapshot_saves (tier, save_count, last_size)
		VALUES (?, 1, ?)
		ON CONFLICT(tier) DO UPDATE SET
			save_count = save_count + 1,
			last_size = excluded.last_size`,
		string(tier), len(data))
	if err != nil {
		return fmt.Errorf("record %s save: %w", tier, err)
	}

	return tx.Commit()
}

// SaveCount returns how many times tier has been saved.
func (s *SQLiteBackend) SaveCount(ctx context.Context, tier Tier) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT save_count FROM snapshot_saves WHERE tier = ?", string(tier)).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return n, err
}

func (s *SQLiteBackend) Close() error {
	return s.db.Close()
}
