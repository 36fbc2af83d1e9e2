package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/steveyegge/fitsync/internal/remote"
	"github.com/steveyegge/fitsync/internal/resolver"
	"github.com/steveyegge/fitsync/internal/schema"
	"github.com/steveyegge/fitsync/internal/store"
)

type needsInput struct {
	rec     *schema.ConflictRecord
	resolve ResolveFunc
}

// deleteConflict leaves engine a with a pending edit of w-1 that another
// device has deleted on the server. It returns the conflict a was asked
// about.
func deleteConflict(t *testing.T) (*remote.Memory, *Engine, needsInput) {
	t.Helper()
	ctx := context.Background()
	mem := remote.NewMemory()
	a, _ := newTestEngine(t, mem.Client(tenant))
	b, _ := newTestEngine(t, pullOnly{mem.Client(tenant)})

	// Preferences never settle a delete conflict.
	if err := a.Resolver().SetUserPreference(ctx, schema.KindWorkout, schema.ConflictDelete, resolver.AlwaysLocal); err != nil {
		t.Fatal(err)
	}

	asked := make(chan needsInput, 1)
	a.OnConflictNeedsInput(func(rec *schema.ConflictRecord, resolve ResolveFunc) {
		asked <- needsInput{rec, resolve}
	})

	mustQueue(t, a, schema.OpCreate, "w-1", "Leg day", "")
	mustSync(t, a)
	mustSync(t, b)

	mustQueue(t, a, schema.OpUpdate, "w-1", "Leg day", "added a set")
	mustQueue(t, b, schema.OpDelete, "w-1", "", "")
	mustSync(t, b)

	select {
	case got := <-asked:
		return mem, a, got
	case <-time.After(5 * time.Second):
		t.Fatal("no conflict was raised")
		return nil, nil, needsInput{}
	}
}

func TestDeleteConflict_IsManualAndBlocks(t *testing.T) {
	mem, a, got := deleteConflict(t)
	ctx := context.Background()

	if got.rec.ConflictType != schema.ConflictDelete {
		t.Fatalf("ConflictType = %s, want delete_conflict", got.rec.ConflictType)
	}
	w := getWorkout(t, a.db, "w-1")
	if w.SyncStatus != schema.StatusConflict || w.Deleted {
		t.Errorf("local = %s deleted=%v, want conflict and not deleted", w.SyncStatus, w.Deleted)
	}

	pushes := mem.PushCalls()
	res := mustSync(t, a)
	if len(res.Blocked) != 1 || res.Blocked[0].EntityID != "w-1" {
		t.Errorf("Blocked = %+v, want w-1", res.Blocked)
	}
	if mem.PushCalls() != pushes {
		t.Error("a blocked entity was pushed")
	}
	recs, err := a.ListConflicts(ctx)
	if err != nil || len(recs) != 1 {
		t.Fatalf("ListConflicts() = %v, %v; want one", recs, err)
	}
	if _, ok := a.pending.Get(got.rec.ID); !ok {
		t.Error("no pending ticket for the manual conflict")
	}
}

func TestDeleteConflict_Resolve(t *testing.T) {
	tests := []struct {
		name        string
		action      resolver.Action
		wantDeleted bool
		wantNotes   string
	}{
		{"use server", resolver.UseServer, true, ""},
		{"use local", resolver.UseLocal, false, "added a set"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mem, a, got := deleteConflict(t)
			ctx := context.Background()

			if err := got.resolve(tt.action); err != nil {
				t.Fatalf("resolve(%s) failed: %v", tt.action, err)
			}
			if n, _ := a.db.CountConflicts(ctx); n != 0 {
				t.Errorf("%d conflicts left after resolve", n)
			}
			if _, ok := a.pending.Get(got.rec.ID); ok {
				t.Error("ticket still pending after resolve")
			}

			waitFor(t, func() bool { return countOps(t, a.db) == 0 })
			mustSync(t, a)

			srv, ok := mem.Get(tenant, schema.KindWorkout, "w-1")
			if !ok {
				t.Fatal("server copy missing")
			}
			if srv.Meta().Deleted != tt.wantDeleted || srv.(*schema.Workout).Notes != tt.wantNotes {
				t.Errorf("server = deleted %v notes %q; want %v %q", srv.Meta().Deleted, srv.(*schema.Workout).Notes, tt.wantDeleted, tt.wantNotes)
			}
			local := getWorkout(t, a.db, "w-1")
			if local.Deleted != tt.wantDeleted || local.SyncStatus != schema.StatusSynced {
				t.Errorf("local = deleted %v %s; want %v synced", local.Deleted, local.SyncStatus, tt.wantDeleted)
			}
			if local.Version != srv.Meta().Version {
				t.Errorf("local v%d, server v%d", local.Version, srv.Meta().Version)
			}
		})
	}
}

func TestResolveConflict_Rejects(t *testing.T) {
	e, _ := newTestEngine(t, remote.NewMemory().Client(tenant))
	ctx := context.Background()

	if err := e.ResolveConflict(ctx, "nope", resolver.UseServer); err == nil {
		t.Error("expected error for unknown conflict")
	}
	if err := e.ResolveConflict(ctx, "nope", resolver.Manual); err == nil {
		t.Error("expected error for manual")
	}
}

func TestPushConflict_MergesBothEdits(t *testing.T) {
	mem := remote.NewMemory()
	a, db := newTestEngine(t, pullOnly{mem.Client(tenant)})

	mustQueue(t, a, schema.OpCreate, "w-1", "Leg day", "")
	mustSync(t, a)

	mustQueue(t, a, schema.OpUpdate, "w-1", "Leg day", "mine")
	mem.Put(tenant, &schema.Workout{
		Base:  schema.Base{ID: "w-1", TenantID: tenant, LastModified: time.Now().UTC().Add(-time.Minute)},
		Name:  "Leg day",
		Notes: "theirs",
	})

	res := mustSync(t, a)
	if res.Conflicts != 1 {
		t.Fatalf("Conflicts = %d, want 1", res.Conflicts)
	}
	if n, _ := db.CountConflicts(context.Background()); n != 0 {
		t.Errorf("%d conflicts stored, merge should have settled it", n)
	}

	mustSync(t, a)
	srv, _ := mem.Get(tenant, schema.KindWorkout, "w-1")
	notes := srv.(*schema.Workout).Notes
	if !strings.Contains(notes, "mine") || !strings.Contains(notes, "theirs") {
		t.Errorf("server notes = %q, want both edits", notes)
	}
	if want := "theirs" + resolver.NoteSeparator + "mine"; notes != want {
		t.Errorf("server notes = %q, want %q (older first)", notes, want)
	}
	local := getWorkout(t, db, "w-1")
	if local.SyncStatus != schema.StatusSynced || local.Version != srv.Meta().Version {
		t.Errorf("local = v%d %s, server v%d", local.Version, local.SyncStatus, srv.Meta().Version)
	}
}

// gatedPullOnly is gatedNet without the real-time channel.
type gatedPullOnly struct {
	*gatedNet
}

func (gatedPullOnly) Subscribe(context.Context, func(schema.Change)) (remote.Unsubscribe, error) {
	return nil, errors.New("real-time disabled")
}

func TestPushConflict_KeepsEditMadeDuringPush(t *testing.T) {
	mem := remote.NewMemory()
	net := &gatedNet{MemoryClient: mem.Client(tenant), entered: make(chan struct{}), release: make(chan struct{})}
	a, db := newTestEngine(t, gatedPullOnly{net})

	mem.Put(tenant, &schema.Workout{Base: schema.Base{ID: "w-1", TenantID: tenant}, Name: "Leg day"})
	mustSync(t, a)

	mustQueue(t, a, schema.OpUpdate, "w-1", "Leg day", "mine")
	mem.Put(tenant, &schema.Workout{
		Base:  schema.Base{ID: "w-1", TenantID: tenant, LastModified: time.Now().UTC().Add(-time.Minute)},
		Name:  "Leg day",
		Notes: "theirs",
	})

	done := make(chan *Result, 1)
	go func() {
		res, err := a.ForceSyncNow(context.Background())
		if err != nil {
			t.Errorf("ForceSyncNow() failed: %v", err)
		}
		done <- res
	}()
	<-net.entered
	mustQueue(t, a, schema.OpUpdate, "w-1", "Leg day RENAMED", "mine")
	close(net.release)

	if res := <-done; res == nil || res.Conflicts != 1 {
		t.Fatalf("cycle = %+v, want one conflict", res)
	}
	mustSync(t, a)

	wantNotes := "theirs" + resolver.NoteSeparator + "mine"
	srv, _ := mem.Get(tenant, schema.KindWorkout, "w-1")
	if w := srv.(*schema.Workout); w.Name != "Leg day RENAMED" || w.Notes != wantNotes {
		t.Errorf("server = %q %q, want the rename and both notes", w.Name, w.Notes)
	}
	local := getWorkout(t, db, "w-1")
	if local.Name != "Leg day RENAMED" || local.Notes != wantNotes {
		t.Errorf("local = %q %q, want the rename and both notes", local.Name, local.Notes)
	}
	if local.SyncStatus != schema.StatusSynced || local.Version != srv.Meta().Version {
		t.Errorf("local = v%d %s, server v%d", local.Version, local.SyncStatus, srv.Meta().Version)
	}
	if n := countOps(t, db); n != 0 {
		t.Errorf("queue has %d operations, want 0", n)
	}
}

func TestPushConflict_CriticalFieldTakesServer(t *testing.T) {
	mem := remote.NewMemory()
	a, db := newTestEngine(t, pullOnly{mem.Client(tenant)})

	mustQueue(t, a, schema.OpCreate, "w-1", "Leg day", "")
	mustSync(t, a)

	mustQueue(t, a, schema.OpUpdate, "w-1", "Leg day", "mine")
	mem.Put(tenant, &schema.Workout{Base: schema.Base{ID: "w-1", TenantID: tenant}, Name: "Leg day", Archived: true})

	mustSync(t, a)
	local := getWorkout(t, db, "w-1")
	if !local.Archived || local.Notes != "" || local.SyncStatus != schema.StatusSynced {
		t.Errorf("local = %+v, want the archived server copy", local)
	}
	if n := countOps(t, db); n != 0 {
		t.Errorf("queue has %d operations, local edit should be dropped", n)
	}
}

func TestRealtimeConflict_PreferenceAlwaysServer(t *testing.T) {
	mem := remote.NewMemory()
	a, db := newTestEngine(t, mem.Client(tenant))
	ctx := context.Background()
	if err := a.Resolver().SetUserPreference(ctx, schema.KindWorkout, schema.ConflictUpdate, resolver.AlwaysServer); err != nil {
		t.Fatal(err)
	}

	mustQueue(t, a, schema.OpCreate, "w-1", "Leg day", "")
	mustSync(t, a)
	mustQueue(t, a, schema.OpUpdate, "w-1", "Leg day", "mine")

	var mu sync.Mutex
	var asked int
	a.OnConflictNeedsInput(func(*schema.ConflictRecord, ResolveFunc) {
		mu.Lock()
		asked++
		mu.Unlock()
	})

	// Arrives over the real-time channel while the edit is queued.
	mem.Put(tenant, &schema.Workout{Base: schema.Base{ID: "w-1", TenantID: tenant}, Name: "Leg day", Notes: "theirs"})

	local := getWorkout(t, db, "w-1")
	if local.Notes != "theirs" || local.Version != 2 || local.SyncStatus != schema.StatusSynced {
		t.Errorf("local = %q v%d %s, want server copy", local.Notes, local.Version, local.SyncStatus)
	}
	if n := countOps(t, db); n != 0 {
		t.Errorf("queue has %d operations, want 0", n)
	}
	mu.Lock()
	defer mu.Unlock()
	if asked != 0 {
		t.Error("a preference-decided conflict asked for input")
	}
}

func TestAwaitConflict(t *testing.T) {
	t.Run("open ticket", func(t *testing.T) {
		_, a, got := deleteConflict(t)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		result := make(chan resolver.Action, 1)
		go func() {
			action, err := a.AwaitConflict(ctx, got.rec.ID)
			if err != nil {
				t.Errorf("AwaitConflict() failed: %v", err)
			}
			result <- action
		}()
		time.Sleep(50 * time.Millisecond)

		if err := a.ResolveConflict(ctx, got.rec.ID, resolver.UseLocal); err != nil {
			t.Fatalf("ResolveConflict() failed: %v", err)
		}
		if action := <-result; action != resolver.UseLocal {
			t.Errorf("AwaitConflict() = %q, want use_local", action)
		}
	})

	t.Run("stored before restart", func(t *testing.T) {
		_, a, got := deleteConflict(t)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		// Tickets live in memory; a new process only has the stored record.
		a.pending = resolver.NewPending()

		result := make(chan resolver.Action, 1)
		go func() {
			action, err := a.AwaitConflict(ctx, got.rec.ID)
			if err != nil {
				t.Errorf("AwaitConflict() failed: %v", err)
			}
			result <- action
		}()
		waitFor(t, func() bool {
			_, ok := a.pending.Get(got.rec.ID)
			return ok
		})

		if err := got.resolve(resolver.UseServer); err != nil {
			t.Fatalf("resolve() failed: %v", err)
		}
		if action := <-result; action != resolver.UseServer {
			t.Errorf("AwaitConflict() = %q, want use_server", action)
		}
	})

	t.Run("unknown conflict", func(t *testing.T) {
		e, _ := newTestEngine(t, remote.NewMemory().Client(tenant))
		if _, err := e.AwaitConflict(context.Background(), "nope"); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("AwaitConflict() error = %v, want ErrNotFound", err)
		}
	})
}
