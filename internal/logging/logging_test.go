package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestOutput(t *testing.T) {
	tests := []struct {
		name       string
		quiet      bool
		withFile   bool
		wantStderr bool
	}{
		{"stderr only", false, false, true},
		{"file and stderr", false, true, true},
		{"file only", true, true, false},
		{"nothing", true, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stderr bytes.Buffer
			opts := Options{Quiet: tt.quiet, Stderr: &stderr, MaxSizeMB: 1}
			if tt.withFile {
				opts.File = filepath.Join(t.TempDir(), "logs", "fitsync.log")
			}

			out, err := Open(opts)
			if err != nil {
				t.Fatalf("Open() failed: %v", err)
			}
			out.Logger("engine").Println("cycle completed")
			if err := out.Close(); err != nil {
				t.Fatalf("Close() failed: %v", err)
			}

			if got := strings.Contains(stderr.String(), "[engine] "); got != tt.wantStderr {
				t.Errorf("stderr has line = %v, want %v (%q)", got, tt.wantStderr, stderr.String())
			}
			if !tt.withFile {
				return
			}
			data, err := os.ReadFile(opts.File)
			if err != nil {
				t.Fatalf("log file missing: %v", err)
			}
			if !strings.Contains(string(data), "[engine] ") || !strings.Contains(string(data), "cycle completed") {
				t.Errorf("log file = %q", data)
			}
		})
	}
}
