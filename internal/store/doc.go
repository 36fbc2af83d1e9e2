// Package store is the durable local copy of syncable entities.
//
// The database is an embedded SQLite file (ncruces/go-sqlite3) in WAL mode,
// so the sync cycle, the real-time applier and local writers can run
// concurrently against it.
//
// Architecture:
//   - Database file: <data-dir>/fitsync.db
//   - Entity tables: workouts, exercises, sets, user_profiles
//   - sync_queue: pending local operations, FIFO by timestamp
//   - conflicts: unresolved conflict records
//   - metadata: key/value pairs (lastSyncTimestamp, preferences, stats)
//
// Each entity row keeps its JSON snapshot in data next to indexed columns
// (tenant_id, sync_status, parent_id). The columns win over the copy in
// data when a row is read back.
//
// Remote changes go through ApplyRemote, whose upsert only fires when the
// incoming version is strictly greater. Applying the same change twice is
// therefore a no-op without any application-level lock.
package store
