package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/steveyegge/fitsync/internal/schema"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// StorageError is a local persistence failure. The store never retries;
// callers decide whether the surrounding operation is retried.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: failed to %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func fail(op string, err error) error {
	return &StorageError{Op: op, Err: err}
}

// DB is the local store: one table per entity kind plus the operation
// queue, conflict records and a key/value metadata table.
type DB struct {
	conn *sql.DB
	path string
}

// Open creates or opens the database at path in WAL mode.
//
// The caller MUST call Close() when done.
//
// Example:
//
//	db, err := store.Open(filepath.Join(dataDir, "fitsync.db"))
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fail("create database directory", err)
	}

	// busy_timeout and foreign_keys are per connection, so they go in the
	// DSN where every pooled connection picks them up.
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fail("open database", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fail("ping database", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{
		conn: conn,
		path: path,
	}

	// WAL is persistent in the file, one connection is enough.
	if _, err := db.conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fail("enable WAL mode", err)
	}

	return db, nil
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// Close checkpoints the WAL and closes the connection.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}

	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := db.conn.Close(); err != nil {
		return fail("close database", err)
	}

	db.conn = nil
	return nil
}

// InitSchema creates tables and indexes. Safe to call repeatedly.
func (db *DB) InitSchema() error {
	return db.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the schema with context support.
func (db *DB) InitSchemaContext(ctx context.Context) error {
	for _, kind := range schema.Kinds {
		table, err := tableFor(kind)
		if err != nil {
			return err
		}
		stmt := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			parent_id TEXT NOT NULL DEFAULT '',
			sync_status TEXT NOT NULL DEFAULT 'pending',
			version INTEGER NOT NULL DEFAULT 0,
			last_modified INTEGER NOT NULL,  -- unix nanos
			deleted INTEGER NOT NULL DEFAULT 0,
			data TEXT NOT NULL               -- JSON snapshot
		);
		CREATE INDEX IF NOT EXISTS idx_%[1]s_tenant ON %[1]s(tenant_id);
		CREATE INDEX IF NOT EXISTS idx_%[1]s_status ON %[1]s(sync_status);
		CREATE INDEX IF NOT EXISTS idx_%[1]s_parent ON %[1]s(parent_id);
		`, table)
		if _, err := db.conn.ExecContext(ctx, stmt); err != nil {
			return fail("initialize "+table+" table", err)
		}
	}

	aux := `
	CREATE TABLE IF NOT EXISTS sync_queue (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		payload TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		retry_count INTEGER NOT NULL DEFAULT 0,
		tenant_id TEXT NOT NULL,
		not_before INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS conflicts (
		id TEXT PRIMARY KEY,
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		local_data TEXT,
		server_data TEXT,
		local_timestamp INTEGER NOT NULL DEFAULT 0,
		server_timestamp INTEGER NOT NULL DEFAULT 0,
		conflict_type TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS metadata (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_sync_queue_timestamp ON sync_queue(timestamp);
	CREATE INDEX IF NOT EXISTS idx_sync_queue_entity ON sync_queue(entity_type, entity_id);
	CREATE INDEX IF NOT EXISTS idx_conflicts_entity ON conflicts(entity_type, entity_id);
	`
	if _, err := db.conn.ExecContext(ctx, aux); err != nil {
		return fail("initialize schema", err)
	}

	return nil
}

// EstimateStorageSize returns the database size in bytes (page_count *
// page_size). Best effort: WAL contents are not included.
func (db *DB) EstimateStorageSize(ctx context.Context) (int64, error) {
	var pages, size int64
	if err := db.conn.QueryRowContext(ctx, "PRAGMA page_count").Scan(&pages); err != nil {
		return 0, fail("read page count", err)
	}
	if err := db.conn.QueryRowContext(ctx, "PRAGMA page_size").Scan(&size); err != nil {
		return 0, fail("read page size", err)
	}
	return pages * size, nil
}

func tableFor(kind schema.Kind) (string, error) {
	switch kind {
	case schema.KindWorkout:
		return "workouts", nil
	case schema.KindExercise:
		return "exercises", nil
	case schema.KindSet:
		return "sets", nil
	case schema.KindUserProfile:
		return "user_profiles", nil
	default:
		return "", fail("resolve table", fmt.Errorf("unknown entity kind %q", kind))
	}
}

func nanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
