package registry

// schemaMigrationsTable creates the schema_migrations table for tracking database versions.
const schemaMigrationsTable = `
CREATE TABLE IF NOT EXISTS schema_migrations (
    version INTEGER PRIMARY KEY,
    applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    description TEXT
);
`

// initialSchema contains the initial database schema (version 1).
const initialSchema = `
-- pools table: a local cache of pool name/id pairs found during the
-- last discovery sweep. Never authoritative: the on-disk MDA pair of
-- every member is the source of truth, this table only lets poolctl
-- list and address pools without re-sweeping every block device.
CREATE TABLE IF NOT EXISTS pools (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL UNIQUE,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_pools_name ON pools(name);

-- pool_members table: the member device paths last seen for a pool,
-- in carve order.
CREATE TABLE IF NOT EXISTS pool_members (
    pool_id TEXT NOT NULL,
    ordinal INTEGER NOT NULL,
    path TEXT NOT NULL,

    PRIMARY KEY (pool_id, ordinal),
    FOREIGN KEY (pool_id) REFERENCES pools(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_pool_members_pool_id ON pool_members(pool_id);
`

// poolLocksSchema adds the pool_locks table for per-pool concurrency control (version 2).
// This mirrors pool.Guard's in-process semaphore with a cross-process
// advisory lock, which poolctl create holds so two create runs for
// the same pool name cannot overlap.
const poolLocksSchema = `
CREATE TABLE IF NOT EXISTS pool_locks (
    pool_id TEXT PRIMARY KEY,
    locked_at INTEGER NOT NULL,
    locked_by TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_pool_locks_locked_at ON pool_locks(locked_at);
`
