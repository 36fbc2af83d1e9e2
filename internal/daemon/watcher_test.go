package daemon

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
)

func TestNewSpoolWatcher(t *testing.T) {
	sw, err := NewSpoolWatcher()
	if err != nil {
		t.Fatalf("NewSpoolWatcher() failed: %v", err)
	}
	defer sw.Stop()

	if sw.IsRunning() {
		t.Error("Newly created watcher should not be running")
	}
}

func TestSpoolWatcher_StartStop(t *testing.T) {
	sw, err := NewSpoolWatcher()
	if err != nil {
		t.Fatalf("NewSpoolWatcher() failed: %v", err)
	}

	if err := sw.Start(t.TempDir()); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	if !sw.IsRunning() {
		t.Error("Watcher should be running after Start()")
	}
	if err := sw.Start(t.TempDir()); err == nil {
		t.Error("Second Start() should fail when watcher is already running")
	}

	if err := sw.Stop(); err != nil {
		t.Fatalf("Stop() failed: %v", err)
	}
	if sw.IsRunning() {
		t.Error("Watcher should not be running after Stop()")
	}
	if _, ok := <-sw.Events(); ok {
		t.Error("Events() should be closed after Stop()")
	}
}

func TestSpoolWatcher_MissingDir(t *testing.T) {
	sw, err := NewSpoolWatcher()
	if err != nil {
		t.Fatalf("NewSpoolWatcher() failed: %v", err)
	}
	defer sw.Stop()

	if err := sw.Start(filepath.Join(t.TempDir(), "nope")); err == nil {
		t.Error("Start() should fail for a missing directory")
	}
}

func TestSpoolWatcher_PublishedFile(t *testing.T) {
	dir := t.TempDir()
	sw, err := NewSpoolWatcher()
	if err != nil {
		t.Fatalf("NewSpoolWatcher() failed: %v", err)
	}
	defer sw.Stop()
	if err := sw.Start(dir); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}

	// Written under a hidden temporary name, then renamed into place.
	tmp := filepath.Join(dir, ".op-1.json.tmp")
	if err := os.WriteFile(tmp, []byte(`{}`), 0644); err != nil {
		t.Fatal(err)
	}
	final := filepath.Join(dir, "op-1.json")
	if err := os.Rename(tmp, final); err != nil {
		t.Fatal(err)
	}

	select {
	case ev := <-sw.Events():
		if ev.Path != final || ev.Op != OpCreate {
			t.Errorf("event = %+v, want create of %s", ev, final)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timeout waiting for create event")
	}
}

func TestConvertEvent(t *testing.T) {
	tests := []struct {
		name   string
		event  fsnotify.Event
		wantOK bool
		wantOp EventOp
	}{
		{"create", fsnotify.Event{Name: "/s/a.json", Op: fsnotify.Create}, true, OpCreate},
		{"write", fsnotify.Event{Name: "/s/a.json", Op: fsnotify.Write}, true, OpModify},
		{"remove", fsnotify.Event{Name: "/s/a.json", Op: fsnotify.Remove}, false, 0},
		{"rename away", fsnotify.Event{Name: "/s/a.json", Op: fsnotify.Rename}, false, 0},
		{"chmod", fsnotify.Event{Name: "/s/a.json", Op: fsnotify.Chmod}, false, 0},
		{"temp file", fsnotify.Event{Name: "/s/.a.json.tmp", Op: fsnotify.Create}, false, 0},
		{"hidden json", fsnotify.Event{Name: "/s/.a.json", Op: fsnotify.Create}, false, 0},
		{"not json", fsnotify.Event{Name: "/s/a.txt", Op: fsnotify.Create}, false, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, ok := convertEvent(tt.event)
			if ok != tt.wantOK {
				t.Fatalf("convertEvent() ok = %v, want %v", ok, tt.wantOK)
			}
			if ok && ev.Op != tt.wantOp {
				t.Errorf("Op = %s, want %s", ev.Op, tt.wantOp)
			}
		})
	}
}
