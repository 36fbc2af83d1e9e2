package remote

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/steveyegge/fitsync/internal/schema"
)

func testServer(t *testing.T) (*Memory, *httptest.Server, *HTTPClient) {
	t.Helper()
	mem := NewMemory()
	srv := httptest.NewServer(NewHandler(mem, log.New(io.Discard, "", 0)))
	t.Cleanup(srv.Close)

	c, err := NewHTTPClient(HTTPConfig{
		BaseURL:         srv.URL,
		TenantID:        "tenant-1",
		ReconnectDelays: []time.Duration{10 * time.Millisecond},
		Logger:          log.New(io.Discard, "", 0),
	})
	if err != nil {
		t.Fatalf("NewHTTPClient() failed: %v", err)
	}
	return mem, srv, c
}

func TestNewHTTPClient_Validation(t *testing.T) {
	tests := []struct {
		name string
		cfg  HTTPConfig
	}{
		{"missing url", HTTPConfig{TenantID: "t"}},
		{"missing tenant", HTTPConfig{BaseURL: "http://localhost"}},
		{"bad scheme", HTTPConfig{BaseURL: "ftp://localhost", TenantID: "t"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewHTTPClient(tt.cfg); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestHTTPClient_PushPull(t *testing.T) {
	mem, _, c := testServer(t)
	ctx := context.Background()

	op := workoutOp(t, schema.OpCreate, "w-1", "Leg day", 0)
	res, err := c.Push(ctx, []*schema.SyncOperation{op})
	if err != nil {
		t.Fatalf("Push() failed: %v", err)
	}
	if len(res.Succeeded) != 1 || res.Succeeded[0] != op.ID {
		t.Fatalf("Succeeded = %v", res.Succeeded)
	}
	if _, ok := mem.Get("tenant-1", schema.KindWorkout, "w-1"); !ok {
		t.Error("server did not store the workout")
	}

	changes, err := c.Pull(ctx, nil)
	if err != nil {
		t.Fatalf("Pull() failed: %v", err)
	}
	if len(changes) != 1 || changes[0].Version != 1 {
		t.Fatalf("Pull() = %+v", changes)
	}
	e, err := changes[0].Entity()
	if err != nil || e.(*schema.Workout).Name != "Leg day" {
		t.Errorf("change data = %v, %v", e, err)
	}

	since := changes[0].Timestamp
	changes, err = c.Pull(ctx, &since)
	if err != nil {
		t.Fatal(err)
	}
	if len(changes) != 0 {
		t.Errorf("Pull(since last) = %+v, want none", changes)
	}
}

func TestHTTPClient_ConflictsOverTheWire(t *testing.T) {
	mem, _, c := testServer(t)
	mem.Put("tenant-1", &schema.Workout{Base: schema.Base{ID: "w-1", TenantID: "tenant-1"}, Name: "theirs"})

	res, err := c.Push(context.Background(), []*schema.SyncOperation{workoutOp(t, schema.OpUpdate, "w-1", "mine", 0)})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Conflicts) != 1 || res.Conflicts[0].ConflictType != schema.ConflictUpdate {
		t.Errorf("Conflicts = %+v", res.Conflicts)
	}
}

func TestHTTPClient_Offline(t *testing.T) {
	mem, _, c := testServer(t)
	ctx := context.Background()

	if !c.Reachable(ctx) {
		t.Fatal("Reachable() = false for a live server")
	}

	mem.SetOffline(true)
	if c.Reachable(ctx) {
		t.Error("Reachable() = true for an offline server")
	}
	_, err := c.Push(ctx, nil)
	var ne *NetworkError
	if !errors.As(err, &ne) || ne.Status != http.StatusServiceUnavailable {
		t.Errorf("Push() error = %v, want 503 NetworkError", err)
	}
}

func TestHTTPClient_Unreachable(t *testing.T) {
	c, err := NewHTTPClient(HTTPConfig{BaseURL: "http://127.0.0.1:1", TenantID: "t", Logger: log.New(io.Discard, "", 0)})
	if err != nil {
		t.Fatal(err)
	}
	if c.Reachable(context.Background()) {
		t.Error("Reachable() = true for a closed port")
	}
	var ne *NetworkError
	if _, err := c.Pull(context.Background(), nil); !errors.As(err, &ne) {
		t.Errorf("Pull() error = %v, want *NetworkError", err)
	}
}

func TestHTTPClient_Realtime(t *testing.T) {
	mem, _, c := testServer(t)

	received := make(chan schema.Change, 10)
	unsub, err := c.Subscribe(context.Background(), func(ch schema.Change) { received <- ch })
	if err != nil {
		t.Fatalf("Subscribe() failed: %v", err)
	}
	defer unsub()

	waitFor(t, func() bool { return mem.SubscriberCount() == 1 })

	mem.Put("tenant-1", &schema.Workout{Base: schema.Base{ID: "w-9", TenantID: "tenant-1"}, Name: "pushed"})

	select {
	case ch := <-received:
		if ch.EntityID != "w-9" || ch.Version != 1 {
			t.Errorf("received %+v", ch)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for realtime change")
	}
}

func TestHTTPClient_RealtimeReconnect(t *testing.T) {
	mem := NewMemory()
	handler := NewHandler(mem, log.New(io.Discard, "", 0))
	srv := httptest.NewServer(handler)
	defer srv.Close()

	var mu sync.Mutex
	reconnects := 0
	c, err := NewHTTPClient(HTTPConfig{
		BaseURL:         srv.URL,
		TenantID:        "tenant-1",
		ReconnectDelays: []time.Duration{10 * time.Millisecond},
		OnReconnect: func() {
			mu.Lock()
			reconnects++
			mu.Unlock()
		},
		Logger: log.New(io.Discard, "", 0),
	})
	if err != nil {
		t.Fatal(err)
	}

	unsub, err := c.Subscribe(context.Background(), func(schema.Change) {})
	if err != nil {
		t.Fatal(err)
	}
	defer unsub()
	waitFor(t, func() bool { return mem.SubscriberCount() == 1 })

	// Drop the stream; the client must dial again.
	handler.CloseStreams()

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return reconnects >= 1
	})
	waitFor(t, func() bool { return mem.SubscriberCount() == 1 })
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within 5s")
}
