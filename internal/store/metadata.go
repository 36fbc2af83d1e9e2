package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// SetMetadata stores a key/value pair, replacing any previous value.
func (db *DB) SetMetadata(ctx context.Context, key, value string) error {
	query := `
	INSERT INTO metadata (key, value, updated_at) VALUES (?, ?, ?)
	ON CONFLICT(key) DO UPDATE SET
		value = excluded.value,
		updated_at = excluded.updated_at
	`
	if _, err := db.conn.ExecContext(ctx, query, key, value, time.Now().UnixNano()); err != nil {
		return fail("set metadata "+key, err)
	}
	return nil
}

// GetMetadata returns the value for key and whether it exists.
func (db *DB) GetMetadata(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := db.conn.QueryRowContext(ctx, `SELECT value FROM metadata WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fail("get metadata "+key, err)
	}
	return value, true, nil
}

// DeleteMetadata removes key. Missing keys are ignored.
func (db *DB) DeleteMetadata(ctx context.Context, key string) error {
	if _, err := db.conn.ExecContext(ctx, `DELETE FROM metadata WHERE key = ?`, key); err != nil {
		return fail("delete metadata "+key, err)
	}
	return nil
}
