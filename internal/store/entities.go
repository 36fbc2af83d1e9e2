package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/steveyegge/fitsync/internal/schema"
)

// Save upserts e by id and stamps LastModified with the current time.
//
// The stored version never moves backwards: local edits keep the version
// they were based on, and a stale snapshot cannot undo a newer ack.
func (db *DB) Save(ctx context.Context, e schema.Entity) error {
	return db.SaveWithTimestamp(ctx, e, time.Now().UTC())
}

// SaveWithTimestamp upserts e using a caller-supplied timestamp, for
// remote-authoritative writes.
func (db *DB) SaveWithTimestamp(ctx context.Context, e schema.Entity, ts time.Time) error {
	e.Meta().LastModified = ts.UTC()
	if e.Meta().SyncStatus == "" {
		e.Meta().SyncStatus = schema.StatusPending
	}
	if err := e.Validate(); err != nil {
		return fmt.Errorf("invalid %s: %w", e.Kind(), err)
	}

	table, err := tableFor(e.Kind())
	if err != nil {
		return err
	}
	data, err := schema.Encode(e)
	if err != nil {
		return fail("encode "+string(e.Kind()), err)
	}

	query := fmt.Sprintf(`
	INSERT INTO %[1]s (id, tenant_id, parent_id, sync_status, version, last_modified, deleted, data)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		tenant_id = excluded.tenant_id,
		parent_id = excluded.parent_id,
		sync_status = excluded.sync_status,
		version = MAX(%[1]s.version, excluded.version),
		last_modified = excluded.last_modified,
		deleted = excluded.deleted,
		data = excluded.data
	`, table)

	m := e.Meta()
	_, err = db.conn.ExecContext(ctx, query,
		m.ID,
		m.TenantID,
		schema.ParentID(e),
		string(m.SyncStatus),
		m.Version,
		nanos(m.LastModified),
		boolToInt(m.Deleted),
		string(data),
	)
	if err != nil {
		return fail(fmt.Sprintf("save %s %s", e.Kind(), m.ID), err)
	}
	return nil
}

// ApplyRemote writes e only if its version is strictly greater than the
// stored one (or the row is new). It reports whether the row changed.
//
// The comparison happens inside the upsert, so concurrent appliers need
// no lock and re-applying the same change is a no-op.
func (db *DB) ApplyRemote(ctx context.Context, e schema.Entity) (bool, error) {
	return db.applyRemote(ctx, e, false)
}

// ApplyRemoteIfClean is ApplyRemote for rows without local work: it also
// leaves the row alone while it is pending or in conflict, or has queued
// operations or a stored conflict. A false result does not tell which
// condition held.
func (db *DB) ApplyRemoteIfClean(ctx context.Context, e schema.Entity) (bool, error) {
	return db.applyRemote(ctx, e, true)
}

func (db *DB) applyRemote(ctx context.Context, e schema.Entity, clean bool) (bool, error) {
	if err := e.Validate(); err != nil {
		return false, fmt.Errorf("invalid %s: %w", e.Kind(), err)
	}
	table, err := tableFor(e.Kind())
	if err != nil {
		return false, err
	}
	data, err := schema.Encode(e)
	if err != nil {
		return false, fail("encode "+string(e.Kind()), err)
	}

	guard := ""
	if clean {
		guard = fmt.Sprintf(`
		AND %[1]s.sync_status NOT IN ('%[2]s', '%[3]s')
		AND NOT EXISTS (SELECT 1 FROM sync_queue WHERE entity_type = '%[4]s' AND entity_id = %[1]s.id)
		AND NOT EXISTS (SELECT 1 FROM conflicts WHERE entity_type = '%[4]s' AND entity_id = %[1]s.id)`,
			table, schema.StatusPending, schema.StatusConflict, e.Kind())
	}

	query := fmt.Sprintf(`
	INSERT INTO %[1]s (id, tenant_id, parent_id, sync_status, version, last_modified, deleted, data)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		tenant_id = excluded.tenant_id,
		parent_id = excluded.parent_id,
		sync_status = excluded.sync_status,
		version = excluded.version,
		last_modified = excluded.last_modified,
		deleted = excluded.deleted,
		data = excluded.data
	WHERE excluded.version > %[1]s.version%[2]s
	`, table, guard)

	m := e.Meta()
	res, err := db.conn.ExecContext(ctx, query,
		m.ID,
		m.TenantID,
		schema.ParentID(e),
		string(m.SyncStatus),
		m.Version,
		nanos(m.LastModified),
		boolToInt(m.Deleted),
		string(data),
	)
	if err != nil {
		return false, fail(fmt.Sprintf("apply %s %s", e.Kind(), m.ID), err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fail("read rows affected", err)
	}
	return n > 0, nil
}

// Get returns the stored entity or ErrNotFound.
func (db *DB) Get(ctx context.Context, kind schema.Kind, id string) (schema.Entity, error) {
	table, err := tableFor(kind)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = ?`, entityColumns, table)
	e, err := scanEntity(kind, db.conn.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fail(fmt.Sprintf("get %s %s", kind, id), err)
	}
	return e, nil
}

// ListByTenant returns all entities of kind owned by tenantID, deleted
// ones included.
func (db *DB) ListByTenant(ctx context.Context, kind schema.Kind, tenantID string) ([]schema.Entity, error) {
	return db.list(ctx, kind, "tenant_id = ?", tenantID)
}

// ListByStatus returns all entities of kind with the given sync status.
func (db *DB) ListByStatus(ctx context.Context, kind schema.Kind, status schema.Status) ([]schema.Entity, error) {
	return db.list(ctx, kind, "sync_status = ?", string(status))
}

// ListChildren returns the entities of kind whose parent is parentID.
func (db *DB) ListChildren(ctx context.Context, kind schema.Kind, parentID string) ([]schema.Entity, error) {
	return db.list(ctx, kind, "parent_id = ?", parentID)
}

func (db *DB) list(ctx context.Context, kind schema.Kind, where string, arg any) ([]schema.Entity, error) {
	table, err := tableFor(kind)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE %s ORDER BY last_modified ASC, id ASC`, entityColumns, table, where)

	rows, err := db.conn.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, fail("list "+table, err)
	}
	defer rows.Close()

	var out []schema.Entity
	for rows.Next() {
		e, err := scanEntity(kind, rows)
		if err != nil {
			return nil, fail("scan "+table, err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fail("iterate "+table, err)
	}
	return out, nil
}

// Delete soft-deletes an entity: it is marked deleted and pending so the
// deletion itself can be synced. Rows are never physically removed.
func (db *DB) Delete(ctx context.Context, kind schema.Kind, id string) error {
	table, err := tableFor(kind)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	query := fmt.Sprintf(`
	UPDATE %s SET
		deleted = 1,
		sync_status = ?,
		last_modified = ?,
		data = json_set(data, '$.deleted', json('true'), '$.last_modified', ?)
	WHERE id = ?
	`, table)

	res, err := db.conn.ExecContext(ctx, query, string(schema.StatusPending), nanos(now), now.Format(time.RFC3339Nano), id)
	if err != nil {
		return fail(fmt.Sprintf("delete %s %s", kind, id), err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkSynced records a server acknowledgment: the version moves to at least
// version and the status becomes status (synced, or pending when further
// local operations are still queued).
func (db *DB) MarkSynced(ctx context.Context, kind schema.Kind, id string, version int64, status schema.Status) error {
	table, err := tableFor(kind)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`UPDATE %s SET version = MAX(version, ?), sync_status = ? WHERE id = ?`, table)
	if _, err := db.conn.ExecContext(ctx, query, version, string(status), id); err != nil {
		return fail(fmt.Sprintf("mark %s %s synced", kind, id), err)
	}
	return nil
}

// SetStatus updates only the sync status of an entity.
func (db *DB) SetStatus(ctx context.Context, kind schema.Kind, id string, status schema.Status) error {
	table, err := tableFor(kind)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`UPDATE %s SET sync_status = ? WHERE id = ?`, table)
	if _, err := db.conn.ExecContext(ctx, query, string(status), id); err != nil {
		return fail(fmt.Sprintf("set %s %s status", kind, id), err)
	}
	return nil
}

// CountByStatus returns the number of entities of kind per sync status.
func (db *DB) CountByStatus(ctx context.Context, kind schema.Kind) (map[schema.Status]int, error) {
	table, err := tableFor(kind)
	if err != nil {
		return nil, err
	}
	rows, err := db.conn.QueryContext(ctx, fmt.Sprintf(`SELECT sync_status, COUNT(*) FROM %s GROUP BY sync_status`, table))
	if err != nil {
		return nil, fail("count "+table, err)
	}
	defer rows.Close()

	counts := make(map[schema.Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fail("scan "+table+" counts", err)
		}
		counts[schema.Status(status)] = n
	}
	return counts, rows.Err()
}

const entityColumns = `tenant_id, sync_status, version, last_modified, deleted, data`

type rowScanner interface {
	Scan(dest ...any) error
}

// scanEntity decodes the JSON snapshot and overlays the bookkeeping columns,
// which are authoritative over the copy inside data.
func scanEntity(kind schema.Kind, row rowScanner) (schema.Entity, error) {
	var (
		tenantID, status, data string
		version, lastModified  int64
		deleted                int
	)
	if err := row.Scan(&tenantID, &status, &version, &lastModified, &deleted, &data); err != nil {
		return nil, err
	}

	e, err := schema.Decode(kind, []byte(data))
	if err != nil {
		return nil, err
	}
	m := e.Meta()
	m.TenantID = tenantID
	m.SyncStatus = schema.Status(status)
	m.Version = version
	m.LastModified = fromNanos(lastModified)
	m.Deleted = deleted != 0
	return e, nil
}
