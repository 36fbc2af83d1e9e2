package resolver

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/steveyegge/fitsync/internal/schema"
)

// memMeta is a map-backed MetadataStore.
type memMeta struct {
	values map[string]string
	err    error
}

func newMemMeta() *memMeta { return &memMeta{values: make(map[string]string)} }

func (m *memMeta) SetMetadata(_ context.Context, key, value string) error {
	if m.err != nil {
		return m.err
	}
	m.values[key] = value
	return nil
}

func (m *memMeta) GetMetadata(_ context.Context, key string) (string, bool, error) {
	if m.err != nil {
		return "", false, m.err
	}
	v, ok := m.values[key]
	return v, ok, nil
}

func workout(name string, mod time.Time) *schema.Workout {
	return &schema.Workout{
		Base: schema.Base{ID: "w-1", TenantID: "t", LastModified: mod, Version: 1},
		Name: name,
	}
}

func conflict(t *testing.T, typ schema.ConflictType, local, server schema.Entity) *schema.ConflictRecord {
	t.Helper()
	rec, err := schema.NewConflict(typ, schema.KindWorkout, "w-1", local, server)
	if err != nil {
		t.Fatalf("NewConflict() failed: %v", err)
	}
	return rec
}

func TestResolve_DeleteConflictIsAlwaysManual(t *testing.T) {
	ctx := context.Background()
	r := New(newMemMeta())

	local := workout("Leg day", at(5))
	local.Deleted = true
	server := workout("Leg day (renamed)", at(6))

	for _, pref := range []Preference{Ask, AlwaysLocal, AlwaysServer, AlwaysMerge, AlwaysNewer} {
		if err := r.SetUserPreference(ctx, schema.KindWorkout, schema.ConflictDelete, pref); err != nil {
			t.Fatalf("SetUserPreference(%s) failed: %v", pref, err)
		}
		d, err := r.Resolve(ctx, conflict(t, schema.ConflictDelete, local, server))
		if err != nil {
			t.Fatalf("Resolve() failed: %v", err)
		}
		if d.Action != Manual {
			t.Errorf("with preference %s: Action = %s, want manual", pref, d.Action)
		}
	}
}

func TestResolve_Preferences(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name   string
		pref   Preference
		local  time.Time
		server time.Time
		want   Action
	}{
		{"always local", AlwaysLocal, at(1), at(2), UseLocal},
		{"always server", AlwaysServer, at(2), at(1), UseServer},
		{"always merge", AlwaysMerge, at(1), at(2), MergeBoth},
		{"always newer picks local", AlwaysNewer, at(3), at(2), UseLocal},
		{"always newer picks server", AlwaysNewer, at(2), at(3), UseServer},
		{"always newer on tie", AlwaysNewer, at(2), at(2), UseServer},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := New(newMemMeta())
			if err := r.SetUserPreference(ctx, schema.KindWorkout, schema.ConflictUpdate, tt.pref); err != nil {
				t.Fatal(err)
			}
			// A critical field differs; a stored preference still wins.
			server := workout("B", tt.server)
			server.Archived = true
			d, err := r.Resolve(ctx, conflict(t, schema.ConflictUpdate, workout("A", tt.local), server))
			if err != nil {
				t.Fatalf("Resolve() failed: %v", err)
			}
			if d.Action != tt.want {
				t.Errorf("Action = %s, want %s (%s)", d.Action, tt.want, d.Reason)
			}
			if tt.want == MergeBoth && d.Merged == nil {
				t.Error("merge decision without merged entity")
			}
		})
	}
}

func TestResolve_UpdateConflict(t *testing.T) {
	ctx := context.Background()
	r := New(newMemMeta())

	t.Run("critical field goes to server", func(t *testing.T) {
		local := workout("A", at(9))
		server := workout("B", at(1))
		server.Status = "done"
		d, err := r.Resolve(ctx, conflict(t, schema.ConflictUpdate, local, server))
		if err != nil {
			t.Fatal(err)
		}
		if d.Action != UseServer {
			t.Errorf("Action = %s, want use_server", d.Action)
		}
	})

	t.Run("otherwise merge", func(t *testing.T) {
		local := workout("A", at(9))
		local.Duration = 600
		server := workout("B", at(1))
		server.Duration = 900
		d, err := r.Resolve(ctx, conflict(t, schema.ConflictUpdate, local, server))
		if err != nil {
			t.Fatal(err)
		}
		if d.Action != MergeBoth {
			t.Fatalf("Action = %s, want merge", d.Action)
		}
		m := d.Merged.(*schema.Workout)
		if m.Name != "A" || m.Duration != 900 {
			t.Errorf("merged = %+v", m)
		}
	})
}

func TestResolve_ConcurrentCreation(t *testing.T) {
	r := New(newMemMeta())
	d, err := r.Resolve(context.Background(), conflict(t, schema.ConflictConcurrentCreation, workout("A", at(1)), workout("B", at(2))))
	if err != nil {
		t.Fatal(err)
	}
	if d.Action != MergeBoth {
		t.Errorf("Action = %s, want merge", d.Action)
	}
}

func TestResolve_PreferenceStoreError(t *testing.T) {
	meta := newMemMeta()
	meta.err = errors.New("disk full")
	r := New(meta)

	_, err := r.Resolve(context.Background(), conflict(t, schema.ConflictUpdate, workout("A", at(1)), workout("B", at(2))))
	if err == nil {
		t.Error("expected error when preferences cannot be read")
	}
}

func TestPreferences_Validation(t *testing.T) {
	ctx := context.Background()
	r := New(newMemMeta())

	if err := r.SetUserPreference(ctx, schema.KindSet, schema.ConflictUpdate, "sometimes"); err == nil {
		t.Error("expected error for unknown preference")
	}
	if err := r.SetUserPreference(ctx, "routine", schema.ConflictUpdate, AlwaysLocal); err == nil {
		t.Error("expected error for unknown entity type")
	}

	pref, err := r.GetUserPreference(ctx, schema.KindSet, schema.ConflictUpdate)
	if err != nil || pref != Ask {
		t.Errorf("default preference = %s, %v; want ask", pref, err)
	}

	if err := r.SetUserPreference(ctx, schema.KindSet, schema.ConflictUpdate, AlwaysMerge); err != nil {
		t.Fatal(err)
	}
	pref, _ = r.GetUserPreference(ctx, schema.KindSet, schema.ConflictUpdate)
	if pref != AlwaysMerge {
		t.Errorf("preference = %s, want always_merge", pref)
	}
	// Scoped to (kind, conflict type).
	pref, _ = r.GetUserPreference(ctx, schema.KindWorkout, schema.ConflictUpdate)
	if pref != Ask {
		t.Errorf("workout preference = %s, want ask", pref)
	}
}

func TestPending(t *testing.T) {
	p := NewPending()
	rec := &schema.ConflictRecord{ID: "c-1", EntityType: schema.KindWorkout, EntityID: "w-1", ConflictType: schema.ConflictDelete}

	tk := p.Open(rec)
	if p.Open(rec) != tk {
		t.Error("Open() should return the existing ticket")
	}
	if p.Len() != 1 {
		t.Errorf("Len() = %d, want 1", p.Len())
	}

	if err := tk.Settle(Manual); err == nil {
		t.Error("settling with manual should fail")
	}

	go func() { _ = tk.Settle(UseServer) }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	a, err := tk.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait() failed: %v", err)
	}
	if a != UseServer {
		t.Errorf("Wait() = %s, want use_server", a)
	}
	if err := tk.Settle(UseLocal); err == nil {
		t.Error("second Settle() should fail")
	}
	if _, ok := p.Get("c-1"); ok {
		t.Error("settled ticket should be forgotten")
	}
}

func TestPending_WaitCancelled(t *testing.T) {
	p := NewPending()
	tk := p.Open(&schema.ConflictRecord{ID: "c-2"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := tk.Wait(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Wait() error = %v, want context.Canceled", err)
	}
}
