// Package registry provides a local SQLite cache of the pools last
// seen on this host.
//
// It exists purely to short-circuit a full block-device sweep: poolctl
// can list known pools and resolve a pool name to its member paths
// without re-running pool.Discover across every block device on the
// system. The cache is never authoritative — the member MDA pair
// written by pool.SaveState is. A missing entry makes `poolctl status`
// fail with a hint to run discover; `poolctl discover` against the
// member devices records the entry again.
//
// The database uses SQLite with WAL (Write-Ahead Logging) mode for
// concurrent access, the same configuration and migrations-table
// pattern the teacher's container-image database package uses.
package registry

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

// DB wraps the SQL database with helper methods for pool bookkeeping.
type DB struct {
	db   *sql.DB
	path string
}

// Config holds registry database configuration.
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// DefaultConfig returns a default registry configuration.
func DefaultConfig() Config {
	return Config{
		Path:            "/var/lib/dmpool/registry.db",
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 1 * time.Hour,
	}
}

// New creates a new registry connection and initializes the schema.
func New(cfg Config) (*DB, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open registry database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA cache_size = -10000",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA temp_store = MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma %q: %w", pragma, err)
		}
	}

	d := &DB{db: db, path: cfg.Path}
	if err := d.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize registry schema: %w", err)
	}
	return d, nil
}

// Close closes the registry connection.
func (d *DB) Close() error { return d.db.Close() }

// Ping verifies the registry connection is alive.
func (d *DB) Ping(ctx context.Context) error { return d.db.PingContext(ctx) }

// Path returns the registry database file path.
func (d *DB) Path() string { return d.path }

func (d *DB) initSchema() error {
	if _, err := d.db.Exec(schemaMigrationsTable); err != nil {
		return fmt.Errorf("failed to create schema_migrations table: %w", err)
	}

	migrations := []migration{
		{version: 1, description: "Initial schema", sql: initialSchema},
		{version: 2, description: "Add pool_locks table", sql: poolLocksSchema},
	}
	for _, m := range migrations {
		if err := d.runMigration(m); err != nil {
			return fmt.Errorf("migration %d failed: %w", m.version, err)
		}
	}
	return nil
}

type migration struct {
	version     int
	description string
	sql         string
}

func (d *DB) runMigration(m migration) error {
	var exists bool
	err := d.db.QueryRow("SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = ?)", m.version).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check migration status: %w", err)
	}
	if exists {
		return nil
	}

	tx, err := d.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(m.sql); err != nil {
		return fmt.Errorf("failed to execute migration SQL: %w", err)
	}
	if _, err := tx.Exec("INSERT INTO schema_migrations (version, description) VALUES (?, ?)", m.version, m.description); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}
	return tx.Commit()
}

// PoolRecord is one cached pool entry: its id, name, and the member
// paths last seen for it, in carve order.
type PoolRecord struct {
	ID          string
	Name        string
	MemberPaths []string
}

// Upsert records (or replaces) a pool's cached id/name/member-path
// mapping. poolctl runs it after a successful create (once SaveState
// has written the metadata) and after a successful discover, so the
// cache tracks whatever the orchestrator most recently confirmed live.
func (d *DB) Upsert(ctx context.Context, rec PoolRecord) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO pools (id, name) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, updated_at = CURRENT_TIMESTAMP
	`, rec.ID, rec.Name)
	if err != nil {
		return fmt.Errorf("failed to upsert pool %s: %w", rec.ID, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM pool_members WHERE pool_id = ?`, rec.ID); err != nil {
		return fmt.Errorf("failed to clear stale member paths for pool %s: %w", rec.ID, err)
	}
	for i, path := range rec.MemberPaths {
		if _, err := tx.ExecContext(ctx, `INSERT INTO pool_members (pool_id, ordinal, path) VALUES (?, ?, ?)`, rec.ID, i, path); err != nil {
			return fmt.Errorf("failed to record member path for pool %s: %w", rec.ID, err)
		}
	}

	return tx.Commit()
}

// Get returns the cached record for the pool named name, or
// sql.ErrNoRows wrapped if the name is not in the cache.
func (d *DB) Get(ctx context.Context, name string) (*PoolRecord, error) {
	var rec PoolRecord
	err := d.db.QueryRowContext(ctx, `SELECT id, name FROM pools WHERE name = ?`, name).Scan(&rec.ID, &rec.Name)
	if err != nil {
		return nil, fmt.Errorf("pool %q not found in registry cache: %w", name, err)
	}

	rows, err := d.db.QueryContext(ctx, `SELECT path FROM pool_members WHERE pool_id = ? ORDER BY ordinal`, rec.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load member paths for pool %s: %w", rec.ID, err)
	}
	defer rows.Close()
	for rows.Next() {
		var path string
		if err := rows.Scan(&path); err != nil {
			return nil, fmt.Errorf("failed to scan member path for pool %s: %w", rec.ID, err)
		}
		rec.MemberPaths = append(rec.MemberPaths, path)
	}
	return &rec, rows.Err()
}

// List returns every cached pool record, ordered by name.
func (d *DB) List(ctx context.Context) ([]PoolRecord, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT id, name FROM pools ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list cached pools: %w", err)
	}
	defer rows.Close()

	var recs []PoolRecord
	for rows.Next() {
		var rec PoolRecord
		if err := rows.Scan(&rec.ID, &rec.Name); err != nil {
			return nil, fmt.Errorf("failed to scan cached pool row: %w", err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range recs {
		full, err := d.Get(ctx, recs[i].Name)
		if err != nil {
			return nil, err
		}
		recs[i] = *full
	}
	return recs, nil
}

// Remove deletes a pool's cache entry, used when a pool's members are
// physically removed from the host.
func (d *DB) Remove(ctx context.Context, id string) error {
	_, err := d.db.ExecContext(ctx, `DELETE FROM pools WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to remove pool %s from registry cache: %w", id, err)
	}
	return nil
}

// AcquirePoolLock takes an exclusive cross-process lock on poolID:
// while it is held, a second AcquirePoolLock for the same key fails.
// poolctl takes it, keyed by pool name, around create (Create plus
// the SaveState that follows); discover and status run without it.
// Implemented, like the teacher's image lock, via SQLite's UNIQUE
// constraint.
func (d *DB) AcquirePoolLock(ctx context.Context, poolID, lockedBy string) error {
	_, err := d.db.ExecContext(ctx, `INSERT INTO pool_locks (pool_id, locked_at, locked_by) VALUES (?, ?, ?)`,
		poolID, time.Now().Unix(), lockedBy)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") || strings.Contains(err.Error(), "constraint failed") {
			var holder string
			var lockedAt int64
			queryErr := d.db.QueryRowContext(ctx, `SELECT locked_by, locked_at FROM pool_locks WHERE pool_id = ?`, poolID).Scan(&holder, &lockedAt)
			if queryErr == nil {
				return fmt.Errorf("pool %s is already locked by %s (acquired at %s)", poolID, holder, time.Unix(lockedAt, 0).Format(time.RFC3339))
			}
			return fmt.Errorf("pool %s is already locked by another process", poolID)
		}
		return fmt.Errorf("failed to acquire pool lock: %w", err)
	}
	return nil
}

// ReleasePoolLock releases poolID's lock. Idempotent: it does not
// error if the lock doesn't exist, so a deferred release after a
// failed acquire is always safe to call.
func (d *DB) ReleasePoolLock(ctx context.Context, poolID string) error {
	_, err := d.db.ExecContext(ctx, `DELETE FROM pool_locks WHERE pool_id = ?`, poolID)
	if err != nil {
		return fmt.Errorf("failed to release pool lock: %w", err)
	}
	return nil
}
