package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/steveyegge/fitsync/internal/config"
	"github.com/steveyegge/fitsync/internal/schema"
)

func TestParseSince(t *testing.T) {
	now := time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		text    string
		check   func(time.Time) bool
		wantErr bool
	}{
		{
			name:  "rfc3339",
			text:  "2026-10-01T08:30:00Z",
			check: func(got time.Time) bool { return got.Equal(time.Date(2026, 10, 1, 8, 30, 0, 0, time.UTC)) },
		},
		{
			name:  "date only",
			text:  " 2026-10-01 ",
			check: func(got time.Time) bool { return got.Equal(time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)) },
		},
		{
			name: "yesterday",
			text: "yesterday",
			check: func(got time.Time) bool {
				return got.Before(now) && now.Sub(got) <= 48*time.Hour
			},
		},
		{
			name: "days ago",
			text: "3 days ago",
			check: func(got time.Time) bool {
				d := now.Sub(got)
				return d >= 72*time.Hour-time.Minute && d <= 72*time.Hour+time.Minute
			},
		},
		{name: "future", text: "tomorrow", wantErr: true},
		{name: "nonsense", text: "zzz", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseSince(tt.text, now)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseSince(%q) failed: %v", tt.text, err)
			}
			if !tt.check(got) {
				t.Errorf("parseSince(%q) = %v", tt.text, got)
			}
		})
	}
}

func TestInitThenSpool(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", t.TempDir())
	dataDir := t.TempDir()
	cfgPath := filepath.Join(dataDir, config.FileName)
	t.Cleanup(func() { cfgFile = "" })

	run := func(args ...string) {
		t.Helper()
		rootCmd.SetArgs(args)
		if err := rootCmd.Execute(); err != nil {
			t.Fatalf("fitsync %v failed: %v", args, err)
		}
	}

	run("--no-color", "--config", cfgPath, "init", "--tenant", "t1", "--data-dir", dataDir)
	if _, err := os.Stat(cfgPath); err != nil {
		t.Fatalf("config not written: %v", err)
	}

	run("--no-color", "--config", cfgPath, "queue", "add", "create", "workout", "w-1",
		"--data", `{"name":"Leg day"}`, "--spool")

	cfg, err := config.Load(cfgPath)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	files, err := schema.ListMutationFiles(cfg.SpoolDir)
	if err != nil {
		t.Fatalf("ListMutationFiles failed: %v", err)
	}
	if len(files) != 1 {
		t.Fatalf("expected 1 spool file, got %d", len(files))
	}
	m, err := schema.ReadMutationFile(files[0])
	if err != nil {
		t.Fatalf("ReadMutationFile failed: %v", err)
	}
	if m.Type != schema.OpCreate || m.EntityType != schema.KindWorkout || m.EntityID != "w-1" {
		t.Errorf("unexpected mutation %+v", m)
	}
}
