package store

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/steveyegge/fitsync/internal/schema"
)

// testDB opens an initialized database in a temp dir.
func testDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	if err := db.InitSchema(); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func testSet(id string, reps int) *schema.Set {
	return &schema.Set{
		Base:       schema.Base{ID: id, TenantID: "tenant-1", SyncStatus: schema.StatusPending},
		ExerciseID: "ex-1",
		Reps:       reps,
	}
}

func TestOpen_CreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "test.db")
	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer db.Close()

	if db.Path() != path {
		t.Errorf("Path() = %q, want %q", db.Path(), path)
	}
}

func TestInitSchema_Tables(t *testing.T) {
	db := testDB(t)

	tables := []string{"workouts", "exercises", "sets", "user_profiles", "sync_queue", "conflicts", "metadata"}
	for _, table := range tables {
		var count int
		query := `SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`
		if err := db.conn.QueryRow(query, table).Scan(&count); err != nil {
			t.Fatalf("Failed to query table %s: %v", table, err)
		}
		if count != 1 {
			t.Errorf("Table %s does not exist", table)
		}
	}

	// Second call is a no-op.
	if err := db.InitSchema(); err != nil {
		t.Errorf("Second InitSchema() failed: %v", err)
	}
}

func TestInitSchema_IndexesUsed(t *testing.T) {
	db := testDB(t)

	for _, q := range []string{
		"EXPLAIN QUERY PLAN SELECT * FROM sets WHERE tenant_id = 'x'",
		"EXPLAIN QUERY PLAN SELECT * FROM sets WHERE sync_status = 'pending'",
	} {
		rows, err := db.conn.Query(q)
		if err != nil {
			t.Fatalf("explain failed: %v", err)
		}
		var usesIndex bool
		for rows.Next() {
			var id, parent, notused int
			var detail string
			if err := rows.Scan(&id, &parent, &notused, &detail); err != nil {
				t.Fatalf("scan failed: %v", err)
			}
			if strings.Contains(detail, "USING INDEX") {
				usesIndex = true
			}
		}
		rows.Close()
		if !usesIndex {
			t.Errorf("query %q does not use an index", q)
		}
	}
}

func TestSaveAndGet(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	s := testSet("set-1", 10)
	before := time.Now().UTC()
	if err := db.Save(ctx, s); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}

	got, err := db.Get(ctx, schema.KindSet, "set-1")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	gs := got.(*schema.Set)
	if gs.Reps != 10 || gs.ExerciseID != "ex-1" {
		t.Errorf("unexpected set: %+v", gs)
	}
	if gs.LastModified.Before(before) {
		t.Errorf("LastModified = %v, want >= %v", gs.LastModified, before)
	}
	if gs.SyncStatus != schema.StatusPending {
		t.Errorf("SyncStatus = %s, want pending", gs.SyncStatus)
	}

	// Upsert on duplicate id.
	s.Reps = 12
	if err := db.Save(ctx, s); err != nil {
		t.Fatalf("second Save() failed: %v", err)
	}
	got, _ = db.Get(ctx, schema.KindSet, "set-1")
	if got.(*schema.Set).Reps != 12 {
		t.Errorf("Reps = %d, want 12", got.(*schema.Set).Reps)
	}
}

func TestGet_NotFound(t *testing.T) {
	db := testDB(t)

	_, err := db.Get(context.Background(), schema.KindWorkout, "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() error = %v, want ErrNotFound", err)
	}
}

func TestSave_Invalid(t *testing.T) {
	db := testDB(t)

	err := db.Save(context.Background(), &schema.Set{Base: schema.Base{ID: "s"}})
	if err == nil {
		t.Fatal("expected validation error")
	}
}

func TestSave_VersionNeverRegresses(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	s := testSet("set-1", 10)
	s.Version = 4
	if err := db.Save(ctx, s); err != nil {
		t.Fatal(err)
	}

	stale := testSet("set-1", 11)
	stale.Version = 2
	if err := db.Save(ctx, stale); err != nil {
		t.Fatal(err)
	}

	got, _ := db.Get(ctx, schema.KindSet, "set-1")
	if got.Meta().Version != 4 {
		t.Errorf("Version = %d, want 4", got.Meta().Version)
	}
	if got.(*schema.Set).Reps != 11 {
		t.Errorf("Reps = %d, want 11", got.(*schema.Set).Reps)
	}
}

func TestSaveWithTimestamp(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	ts := time.Date(2024, 3, 1, 12, 0, 0, 123, time.UTC)
	if err := db.SaveWithTimestamp(ctx, testSet("set-1", 1), ts); err != nil {
		t.Fatal(err)
	}
	got, _ := db.Get(ctx, schema.KindSet, "set-1")
	if !got.Meta().LastModified.Equal(ts) {
		t.Errorf("LastModified = %v, want %v", got.Meta().LastModified, ts)
	}
}

func TestApplyRemote_Idempotent(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	s := testSet("set-1", 10)
	s.Version = 3
	s.SyncStatus = schema.StatusSynced

	applied, err := db.ApplyRemote(ctx, s)
	if err != nil {
		t.Fatalf("ApplyRemote() failed: %v", err)
	}
	if !applied {
		t.Fatal("first ApplyRemote() should apply")
	}

	applied, err = db.ApplyRemote(ctx, s)
	if err != nil {
		t.Fatalf("second ApplyRemote() failed: %v", err)
	}
	if applied {
		t.Error("second ApplyRemote() with the same version should be a no-op")
	}

	older := testSet("set-1", 1)
	older.Version = 2
	if applied, _ := db.ApplyRemote(ctx, older); applied {
		t.Error("ApplyRemote() with an older version should be a no-op")
	}

	got, _ := db.Get(ctx, schema.KindSet, "set-1")
	if got.Meta().Version != 3 || got.(*schema.Set).Reps != 10 {
		t.Errorf("entity changed by stale applies: %+v", got)
	}
}

func TestApplyRemote_Concurrent(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for v := int64(1); v <= 20; v++ {
		wg.Add(1)
		go func(v int64) {
			defer wg.Done()
			s := testSet("set-1", int(v))
			s.Version = v
			if _, err := db.ApplyRemote(ctx, s); err != nil {
				t.Errorf("ApplyRemote(v%d) failed: %v", v, err)
			}
		}(v)
	}
	wg.Wait()

	got, err := db.Get(ctx, schema.KindSet, "set-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Meta().Version != 20 || got.(*schema.Set).Reps != 20 {
		t.Errorf("highest version should win regardless of arrival order, got %+v", got)
	}
}

func TestApplyRemoteIfClean(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name   string
		status schema.Status
		setup  func(t *testing.T, db *DB)
		want   bool
	}{
		{"synced row", schema.StatusSynced, nil, true},
		{"error row", schema.StatusError, nil, true},
		{"pending row", schema.StatusPending, nil, false},
		{"conflict row", schema.StatusConflict, nil, false},
		{"queued operation", schema.StatusError, func(t *testing.T, db *DB) {
			if err := db.EnqueueOperation(ctx, testOp(t, "op-1", time.Now())); err != nil {
				t.Fatal(err)
			}
		}, false},
		{"stored conflict", schema.StatusSynced, func(t *testing.T, db *DB) {
			rec, err := schema.NewConflict(schema.ConflictUpdate, schema.KindSet, "set-op-1", testSet("set-op-1", 1), testSet("set-op-1", 2))
			if err != nil {
				t.Fatal(err)
			}
			if err := db.SaveConflict(ctx, rec); err != nil {
				t.Fatal(err)
			}
		}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := testDB(t)
			local := testSet("set-op-1", 5)
			local.Version = 1
			local.SyncStatus = tt.status
			if err := db.Save(ctx, local); err != nil {
				t.Fatal(err)
			}
			if tt.setup != nil {
				tt.setup(t, db)
			}

			remote := testSet("set-op-1", 9)
			remote.Version = 2
			remote.SyncStatus = schema.StatusSynced
			applied, err := db.ApplyRemoteIfClean(ctx, remote)
			if err != nil {
				t.Fatalf("ApplyRemoteIfClean() failed: %v", err)
			}
			if applied != tt.want {
				t.Errorf("ApplyRemoteIfClean() = %v, want %v", applied, tt.want)
			}
			got, _ := db.Get(ctx, schema.KindSet, "set-op-1")
			if wantReps := map[bool]int{true: 9, false: 5}[tt.want]; got.(*schema.Set).Reps != wantReps {
				t.Errorf("stored reps = %d, want %d", got.(*schema.Set).Reps, wantReps)
			}
		})
	}

	t.Run("new row", func(t *testing.T) {
		db := testDB(t)
		s := testSet("set-2", 3)
		s.Version = 1
		s.SyncStatus = schema.StatusSynced
		if applied, err := db.ApplyRemoteIfClean(ctx, s); err != nil || !applied {
			t.Errorf("ApplyRemoteIfClean() = %v, %v; want applied", applied, err)
		}
	})
}

func TestListByTenantAndStatus(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	a := testSet("set-a", 1)
	b := testSet("set-b", 2)
	b.SyncStatus = schema.StatusSynced
	c := testSet("set-c", 3)
	c.TenantID = "tenant-2"
	for _, s := range []*schema.Set{a, b, c} {
		if err := db.Save(ctx, s); err != nil {
			t.Fatal(err)
		}
	}

	byTenant, err := db.ListByTenant(ctx, schema.KindSet, "tenant-1")
	if err != nil {
		t.Fatalf("ListByTenant() failed: %v", err)
	}
	if len(byTenant) != 2 {
		t.Errorf("ListByTenant() returned %d, want 2", len(byTenant))
	}

	pending, err := db.ListByStatus(ctx, schema.KindSet, schema.StatusPending)
	if err != nil {
		t.Fatalf("ListByStatus() failed: %v", err)
	}
	if len(pending) != 2 {
		t.Errorf("ListByStatus(pending) returned %d, want 2", len(pending))
	}

	children, err := db.ListChildren(ctx, schema.KindSet, "ex-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(children) != 3 {
		t.Errorf("ListChildren() returned %d, want 3", len(children))
	}

	counts, err := db.CountByStatus(ctx, schema.KindSet)
	if err != nil {
		t.Fatal(err)
	}
	if counts[schema.StatusPending] != 2 || counts[schema.StatusSynced] != 1 {
		t.Errorf("CountByStatus() = %v", counts)
	}
}

func TestDelete_IsSoft(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	s := testSet("set-1", 10)
	s.SyncStatus = schema.StatusSynced
	if err := db.Save(ctx, s); err != nil {
		t.Fatal(err)
	}

	if err := db.Delete(ctx, schema.KindSet, "set-1"); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}

	got, err := db.Get(ctx, schema.KindSet, "set-1")
	if err != nil {
		t.Fatalf("deleted entity should still be readable: %v", err)
	}
	if !got.Meta().Deleted || got.Meta().SyncStatus != schema.StatusPending {
		t.Errorf("Delete() should mark deleted+pending, got %+v", got.Meta())
	}

	if err := db.Delete(ctx, schema.KindSet, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Delete(missing) error = %v, want ErrNotFound", err)
	}
}

func TestMarkSynced(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	s := testSet("set-1", 10)
	s.Version = 1
	if err := db.Save(ctx, s); err != nil {
		t.Fatal(err)
	}

	if err := db.MarkSynced(ctx, schema.KindSet, "set-1", 2, schema.StatusSynced); err != nil {
		t.Fatalf("MarkSynced() failed: %v", err)
	}
	got, _ := db.Get(ctx, schema.KindSet, "set-1")
	if got.Meta().Version != 2 || got.Meta().SyncStatus != schema.StatusSynced {
		t.Errorf("after MarkSynced: %+v", got.Meta())
	}

	// A lower ack never lowers the version.
	if err := db.MarkSynced(ctx, schema.KindSet, "set-1", 1, schema.StatusSynced); err != nil {
		t.Fatal(err)
	}
	got, _ = db.Get(ctx, schema.KindSet, "set-1")
	if got.Meta().Version != 2 {
		t.Errorf("Version = %d, want 2", got.Meta().Version)
	}
}

func TestUnknownKind(t *testing.T) {
	db := testDB(t)

	_, err := db.Get(context.Background(), "routine", "x")
	var se *StorageError
	if !errors.As(err, &se) {
		t.Errorf("Get(unknown kind) error = %v, want *StorageError", err)
	}
}

func TestEstimateStorageSize(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	size, err := db.EstimateStorageSize(ctx)
	if err != nil {
		t.Fatalf("EstimateStorageSize() failed: %v", err)
	}
	if size <= 0 {
		t.Errorf("size = %d, want > 0", size)
	}
}

func TestClose_Twice(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Errorf("second Close() failed: %v", err)
	}
}
