package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/steveyegge/fitsync/internal/schema"
)

const opColumns = `id, type, entity_type, entity_id, payload, timestamp, retry_count, tenant_id, not_before`

// EnqueueOperation appends op to the sync queue.
func (db *DB) EnqueueOperation(ctx context.Context, op *schema.SyncOperation) error {
	if err := op.Validate(); err != nil {
		return fmt.Errorf("invalid operation: %w", err)
	}

	query := `
	INSERT INTO sync_queue (` + opColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := db.conn.ExecContext(ctx, query,
		op.ID,
		string(op.Type),
		string(op.EntityType),
		op.EntityID,
		string(op.Payload),
		nanos(op.Timestamp),
		op.RetryCount,
		op.TenantID,
		nanos(op.NotBefore),
	)
	if err != nil {
		return fail("enqueue operation "+op.ID, err)
	}
	return nil
}

// UpdateOperation rewrites a queued operation in place. The engine uses it
// to record retries.
func (db *DB) UpdateOperation(ctx context.Context, op *schema.SyncOperation) error {
	if err := op.Validate(); err != nil {
		return fmt.Errorf("invalid operation: %w", err)
	}

	query := `
	UPDATE sync_queue SET
		type = ?,
		payload = ?,
		timestamp = ?,
		retry_count = ?,
		not_before = ?
	WHERE id = ?
	`
	res, err := db.conn.ExecContext(ctx, query,
		string(op.Type),
		string(op.Payload),
		nanos(op.Timestamp),
		op.RetryCount,
		nanos(op.NotBefore),
		op.ID,
	)
	if err != nil {
		return fail("update operation "+op.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DequeueOperations returns every queued operation, oldest first. It does
// not remove them; operations leave the queue only via RemoveOperation
// after the server has acknowledged them.
func (db *DB) DequeueOperations(ctx context.Context) ([]*schema.SyncOperation, error) {
	return db.queryOps(ctx, `SELECT `+opColumns+` FROM sync_queue ORDER BY timestamp ASC, id ASC`)
}

// DueOperations returns queued operations whose retry delay has elapsed.
func (db *DB) DueOperations(ctx context.Context, now time.Time) ([]*schema.SyncOperation, error) {
	return db.queryOps(ctx,
		`SELECT `+opColumns+` FROM sync_queue WHERE not_before <= ? ORDER BY timestamp ASC, id ASC`,
		now.UnixNano())
}

// OperationsFor returns the queued operations for one entity, oldest first.
func (db *DB) OperationsFor(ctx context.Context, kind schema.Kind, id string) ([]*schema.SyncOperation, error) {
	return db.queryOps(ctx,
		`SELECT `+opColumns+` FROM sync_queue WHERE entity_type = ? AND entity_id = ? ORDER BY timestamp ASC, id ASC`,
		string(kind), id)
}

// GetOperation returns a single queued operation or ErrNotFound.
func (db *DB) GetOperation(ctx context.Context, id string) (*schema.SyncOperation, error) {
	ops, err := db.queryOps(ctx, `SELECT `+opColumns+` FROM sync_queue WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(ops) == 0 {
		return nil, ErrNotFound
	}
	return ops[0], nil
}

// RemoveOperation deletes an operation from the queue. Removing an
// operation that is already gone is not an error.
func (db *DB) RemoveOperation(ctx context.Context, id string) error {
	if _, err := db.conn.ExecContext(ctx, `DELETE FROM sync_queue WHERE id = ?`, id); err != nil {
		return fail("remove operation "+id, err)
	}
	return nil
}

// CountOperations returns the queue length.
func (db *DB) CountOperations(ctx context.Context) (int, error) {
	var count int
	if err := db.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM sync_queue").Scan(&count); err != nil {
		return 0, fail("count operations", err)
	}
	return count, nil
}

// NextRetryAt returns the earliest not_before among deferred operations.
func (db *DB) NextRetryAt(ctx context.Context, now time.Time) (time.Time, bool, error) {
	var next sql.NullInt64
	err := db.conn.QueryRowContext(ctx,
		`SELECT MIN(not_before) FROM sync_queue WHERE not_before > ?`, now.UnixNano()).Scan(&next)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, fail("read next retry", err)
	}
	if !next.Valid {
		return time.Time{}, false, nil
	}
	return fromNanos(next.Int64), true, nil
}

func (db *DB) queryOps(ctx context.Context, query string, args ...any) ([]*schema.SyncOperation, error) {
	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fail("query operations", err)
	}
	defer rows.Close()

	var ops []*schema.SyncOperation
	for rows.Next() {
		var (
			op                   schema.SyncOperation
			typ, kind, payload   string
			timestamp, notBefore int64
		)
		err := rows.Scan(
			&op.ID,
			&typ,
			&kind,
			&op.EntityID,
			&payload,
			&timestamp,
			&op.RetryCount,
			&op.TenantID,
			&notBefore,
		)
		if err != nil {
			return nil, fail("scan operation", err)
		}
		op.Type = schema.OpType(typ)
		op.EntityType = schema.Kind(kind)
		op.Payload = []byte(payload)
		op.Timestamp = fromNanos(timestamp)
		op.NotBefore = fromNanos(notBefore)
		ops = append(ops, &op)
	}
	if err := rows.Err(); err != nil {
		return nil, fail("iterate operations", err)
	}
	return ops, nil
}
