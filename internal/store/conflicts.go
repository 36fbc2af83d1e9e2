package store

import (
	"context"
	"fmt"

	"github.com/steveyegge/fitsync/internal/schema"
)

const conflictColumns = `id, entity_type, entity_id, local_data, server_data, local_timestamp, server_timestamp, conflict_type, created_at`

// SaveConflict stores rec, replacing any record with the same id.
func (db *DB) SaveConflict(ctx context.Context, rec *schema.ConflictRecord) error {
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("invalid conflict: %w", err)
	}

	query := `
	INSERT INTO conflicts (` + conflictColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		local_data = excluded.local_data,
		server_data = excluded.server_data,
		local_timestamp = excluded.local_timestamp,
		server_timestamp = excluded.server_timestamp,
		conflict_type = excluded.conflict_type
	`
	_, err := db.conn.ExecContext(ctx, query,
		rec.ID,
		string(rec.EntityType),
		rec.EntityID,
		nullableJSON(rec.LocalData),
		nullableJSON(rec.ServerData),
		nanos(rec.LocalTimestamp),
		nanos(rec.ServerTimestamp),
		string(rec.ConflictType),
		nanos(rec.CreatedAt),
	)
	if err != nil {
		return fail("save conflict "+rec.ID, err)
	}
	return nil
}

// ListUnresolvedConflicts returns stored conflicts, oldest first.
func (db *DB) ListUnresolvedConflicts(ctx context.Context) ([]*schema.ConflictRecord, error) {
	return db.queryConflicts(ctx, `SELECT `+conflictColumns+` FROM conflicts ORDER BY created_at ASC, id ASC`)
}

// GetConflict returns a stored conflict or ErrNotFound.
func (db *DB) GetConflict(ctx context.Context, id string) (*schema.ConflictRecord, error) {
	recs, err := db.queryConflicts(ctx, `SELECT `+conflictColumns+` FROM conflicts WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, ErrNotFound
	}
	return recs[0], nil
}

// RemoveConflict deletes a resolved conflict.
func (db *DB) RemoveConflict(ctx context.Context, id string) error {
	if _, err := db.conn.ExecContext(ctx, `DELETE FROM conflicts WHERE id = ?`, id); err != nil {
		return fail("remove conflict "+id, err)
	}
	return nil
}

// HasUnresolvedConflict reports whether an entity is blocked by a stored
// conflict.
func (db *DB) HasUnresolvedConflict(ctx context.Context, kind schema.Kind, id string) (bool, error) {
	var n int
	err := db.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM conflicts WHERE entity_type = ? AND entity_id = ?`,
		string(kind), id).Scan(&n)
	if err != nil {
		return false, fail("check conflicts", err)
	}
	return n > 0, nil
}

// ConflictFor returns the stored conflict blocking an entity, or ErrNotFound.
func (db *DB) ConflictFor(ctx context.Context, kind schema.Kind, id string) (*schema.ConflictRecord, error) {
	recs, err := db.queryConflicts(ctx,
		`SELECT `+conflictColumns+` FROM conflicts WHERE entity_type = ? AND entity_id = ? ORDER BY created_at ASC LIMIT 1`,
		string(kind), id)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, ErrNotFound
	}
	return recs[0], nil
}

// CountConflicts returns the number of unresolved conflicts.
func (db *DB) CountConflicts(ctx context.Context) (int, error) {
	var n int
	if err := db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM conflicts`).Scan(&n); err != nil {
		return 0, fail("count conflicts", err)
	}
	return n, nil
}

func (db *DB) queryConflicts(ctx context.Context, query string, args ...any) ([]*schema.ConflictRecord, error) {
	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fail("query conflicts", err)
	}
	defer rows.Close()

	var out []*schema.ConflictRecord
	for rows.Next() {
		var (
			rec                        schema.ConflictRecord
			kind, typ                  string
			local, server              *string
			localTS, serverTS, created int64
		)
		if err := rows.Scan(&rec.ID, &kind, &rec.EntityID, &local, &server, &localTS, &serverTS, &typ, &created); err != nil {
			return nil, fail("scan conflict", err)
		}
		rec.EntityType = schema.Kind(kind)
		rec.ConflictType = schema.ConflictType(typ)
		if local != nil {
			rec.LocalData = []byte(*local)
		}
		if server != nil {
			rec.ServerData = []byte(*server)
		}
		rec.LocalTimestamp = fromNanos(localTS)
		rec.ServerTimestamp = fromNanos(serverTS)
		rec.CreatedAt = fromNanos(created)
		out = append(out, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fail("iterate conflicts", err)
	}
	return out, nil
}

func nullableJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
