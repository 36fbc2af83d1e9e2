package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/steveyegge/fitsync/internal/schema"
)

func testOp(t *testing.T, id string, ts time.Time) *schema.SyncOperation {
	t.Helper()
	op, err := schema.NewOperation(schema.OpUpdate, testSet("set-"+id, 1))
	if err != nil {
		t.Fatalf("NewOperation() failed: %v", err)
	}
	op.ID = id
	op.Timestamp = ts
	return op
}

func TestQueue_FIFO(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	base := time.Now().UTC()
	// Enqueue out of order; dequeue must sort by timestamp.
	for _, op := range []*schema.SyncOperation{
		testOp(t, "c", base.Add(3*time.Millisecond)),
		testOp(t, "a", base.Add(1*time.Millisecond)),
		testOp(t, "b", base.Add(2*time.Millisecond)),
	} {
		if err := db.EnqueueOperation(ctx, op); err != nil {
			t.Fatalf("EnqueueOperation() failed: %v", err)
		}
	}

	ops, err := db.DequeueOperations(ctx)
	if err != nil {
		t.Fatalf("DequeueOperations() failed: %v", err)
	}
	if len(ops) != 3 {
		t.Fatalf("got %d ops, want 3", len(ops))
	}
	for i, want := range []string{"a", "b", "c"} {
		if ops[i].ID != want {
			t.Errorf("ops[%d] = %s, want %s", i, ops[i].ID, want)
		}
	}

	// Dequeue does not remove.
	if n, _ := db.CountOperations(ctx); n != 3 {
		t.Errorf("CountOperations() = %d, want 3", n)
	}

	if err := db.RemoveOperation(ctx, "b"); err != nil {
		t.Fatalf("RemoveOperation() failed: %v", err)
	}
	if err := db.RemoveOperation(ctx, "b"); err != nil {
		t.Errorf("removing a missing operation should not fail: %v", err)
	}
	if n, _ := db.CountOperations(ctx); n != 2 {
		t.Errorf("CountOperations() = %d, want 2", n)
	}
}

func TestQueue_PayloadRoundTrip(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	op := testOp(t, "op-1", time.Now().UTC())
	if err := db.EnqueueOperation(ctx, op); err != nil {
		t.Fatal(err)
	}

	got, err := db.GetOperation(ctx, "op-1")
	if err != nil {
		t.Fatalf("GetOperation() failed: %v", err)
	}
	if got.Type != schema.OpUpdate || got.EntityType != schema.KindSet || got.TenantID != "tenant-1" {
		t.Errorf("unexpected operation: %+v", got)
	}
	if !got.Timestamp.Equal(op.Timestamp) {
		t.Errorf("Timestamp = %v, want %v", got.Timestamp, op.Timestamp)
	}
	e, err := got.Entity()
	if err != nil {
		t.Fatalf("payload did not decode: %v", err)
	}
	if e.Meta().ID != "set-op-1" {
		t.Errorf("payload id = %s", e.Meta().ID)
	}

	if _, err := db.GetOperation(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetOperation(missing) error = %v, want ErrNotFound", err)
	}
}

func TestQueue_DueAndRetry(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	ready := testOp(t, "ready", now)
	deferred := testOp(t, "deferred", now.Add(time.Millisecond))
	if err := db.EnqueueOperation(ctx, ready); err != nil {
		t.Fatal(err)
	}
	if err := db.EnqueueOperation(ctx, deferred); err != nil {
		t.Fatal(err)
	}

	deferred.RetryCount = 2
	deferred.NotBefore = now.Add(10 * time.Second)
	if err := db.UpdateOperation(ctx, deferred); err != nil {
		t.Fatalf("UpdateOperation() failed: %v", err)
	}

	due, err := db.DueOperations(ctx, now)
	if err != nil {
		t.Fatalf("DueOperations() failed: %v", err)
	}
	if len(due) != 1 || due[0].ID != "ready" {
		t.Errorf("DueOperations(now) = %v, want [ready]", due)
	}

	due, _ = db.DueOperations(ctx, now.Add(11*time.Second))
	if len(due) != 2 {
		t.Errorf("DueOperations(later) returned %d, want 2", len(due))
	}

	next, ok, err := db.NextRetryAt(ctx, now)
	if err != nil || !ok {
		t.Fatalf("NextRetryAt() = %v, %v, %v", next, ok, err)
	}
	if !next.Equal(deferred.NotBefore) {
		t.Errorf("NextRetryAt() = %v, want %v", next, deferred.NotBefore)
	}

	got, _ := db.GetOperation(ctx, "deferred")
	if got.RetryCount != 2 {
		t.Errorf("RetryCount = %d, want 2", got.RetryCount)
	}

	missing := testOp(t, "missing", now)
	if err := db.UpdateOperation(ctx, missing); !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdateOperation(missing) error = %v, want ErrNotFound", err)
	}
}

func TestQueue_OperationsFor(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	a := testOp(t, "a", now)
	b := testOp(t, "b", now.Add(time.Millisecond))
	b.EntityID = a.EntityID
	c := testOp(t, "c", now)
	for _, op := range []*schema.SyncOperation{a, b, c} {
		if err := db.EnqueueOperation(ctx, op); err != nil {
			t.Fatal(err)
		}
	}

	ops, err := db.OperationsFor(ctx, schema.KindSet, a.EntityID)
	if err != nil {
		t.Fatalf("OperationsFor() failed: %v", err)
	}
	if len(ops) != 2 || ops[0].ID != "a" || ops[1].ID != "b" {
		t.Errorf("OperationsFor() = %v", ops)
	}
}

func TestEnqueue_Invalid(t *testing.T) {
	db := testDB(t)

	err := db.EnqueueOperation(context.Background(), &schema.SyncOperation{ID: "x"})
	if err == nil {
		t.Error("expected validation error")
	}
}

func TestConflicts(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	rec, err := schema.NewConflict(schema.ConflictUpdate, schema.KindSet, "set-1", testSet("set-1", 10), testSet("set-1", 12))
	if err != nil {
		t.Fatal(err)
	}
	if err := db.SaveConflict(ctx, rec); err != nil {
		t.Fatalf("SaveConflict() failed: %v", err)
	}

	blocked, err := db.HasUnresolvedConflict(ctx, schema.KindSet, "set-1")
	if err != nil || !blocked {
		t.Errorf("HasUnresolvedConflict() = %v, %v; want true", blocked, err)
	}

	list, err := db.ListUnresolvedConflicts(ctx)
	if err != nil {
		t.Fatalf("ListUnresolvedConflicts() failed: %v", err)
	}
	if len(list) != 1 || list[0].ID != rec.ID || list[0].ConflictType != schema.ConflictUpdate {
		t.Fatalf("unexpected conflicts: %+v", list)
	}
	server, err := list[0].Server()
	if err != nil || server.(*schema.Set).Reps != 12 {
		t.Errorf("server snapshot = %v, %v", server, err)
	}

	got, err := db.GetConflict(ctx, rec.ID)
	if err != nil {
		t.Fatalf("GetConflict() failed: %v", err)
	}
	if got.EntityID != "set-1" {
		t.Errorf("EntityID = %s", got.EntityID)
	}

	if n, _ := db.CountConflicts(ctx); n != 1 {
		t.Errorf("CountConflicts() = %d, want 1", n)
	}

	if err := db.RemoveConflict(ctx, rec.ID); err != nil {
		t.Fatalf("RemoveConflict() failed: %v", err)
	}
	if _, err := db.GetConflict(ctx, rec.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetConflict() after remove error = %v, want ErrNotFound", err)
	}
}

func TestConflicts_NilSide(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	rec, err := schema.NewConflict(schema.ConflictDelete, schema.KindSet, "set-1", testSet("set-1", 10), nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := db.SaveConflict(ctx, rec); err != nil {
		t.Fatal(err)
	}

	got, err := db.GetConflict(ctx, rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.ServerData != nil {
		t.Errorf("ServerData = %s, want nil", got.ServerData)
	}
}

func TestMetadata(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	if _, ok, err := db.GetMetadata(ctx, "lastSyncTimestamp"); err != nil || ok {
		t.Errorf("GetMetadata(missing) = %v, %v; want false, nil", ok, err)
	}

	if err := db.SetMetadata(ctx, "lastSyncTimestamp", "2024-01-01T00:00:00Z"); err != nil {
		t.Fatalf("SetMetadata() failed: %v", err)
	}
	if err := db.SetMetadata(ctx, "lastSyncTimestamp", "2024-02-01T00:00:00Z"); err != nil {
		t.Fatalf("SetMetadata() overwrite failed: %v", err)
	}

	v, ok, err := db.GetMetadata(ctx, "lastSyncTimestamp")
	if err != nil || !ok || v != "2024-02-01T00:00:00Z" {
		t.Errorf("GetMetadata() = %q, %v, %v", v, ok, err)
	}

	if err := db.DeleteMetadata(ctx, "lastSyncTimestamp"); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := db.GetMetadata(ctx, "lastSyncTimestamp"); ok {
		t.Error("key still present after DeleteMetadata()")
	}
}
