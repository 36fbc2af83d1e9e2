package ui

import (
	"bytes"
	"encoding/json"
	"slices"
	"strings"
	"testing"

	"github.com/steveyegge/fitsync/internal/resolver"
	"github.com/steveyegge/fitsync/internal/schema"
)

func TestConflictChoices(t *testing.T) {
	data := json.RawMessage(`{"id":"x"}`)
	tests := []struct {
		name string
		rec  schema.ConflictRecord
		want []resolver.Action
	}{
		{
			"update with strategy",
			schema.ConflictRecord{EntityType: schema.KindWorkout, LocalData: data, ServerData: data},
			[]resolver.Action{resolver.UseLocal, resolver.UseServer, resolver.MergeBoth},
		},
		{
			"server side deleted",
			schema.ConflictRecord{EntityType: schema.KindWorkout, LocalData: data},
			[]resolver.Action{resolver.UseLocal, resolver.UseServer},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ConflictChoices(&tt.rec); !slices.Equal(got, tt.want) {
				t.Errorf("ConflictChoices() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDescribeConflict(t *testing.T) {
	rec := &schema.ConflictRecord{
		EntityType:   schema.KindWorkout,
		EntityID:     "w-1",
		ConflictType: schema.ConflictDelete,
		LocalData:    json.RawMessage(`{}`),
	}
	got := DescribeConflict(rec)
	if !strings.Contains(got, "delete conflict workout/w-1") || !strings.Contains(got, "gone on the server") {
		t.Errorf("DescribeConflict() = %q", got)
	}
}

func TestPrintFields(t *testing.T) {
	DisableColor()
	var buf bytes.Buffer
	PrintFields(&buf, []Field{{"Tenant", "t-1"}, {"Pending operations", "3"}})

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines: %q", len(lines), buf.String())
	}
	// Values line up.
	if strings.Index(lines[0], "t-1") != strings.Index(lines[1], "3") {
		t.Errorf("values not aligned:\n%s", buf.String())
	}
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		n    int64
		want string
	}{
		{-1, "0 B"},
		{512, "512 B"},
		{1536, "1.5 KiB"},
		{3 * 1024 * 1024, "3.0 MiB"},
	}
	for _, tt := range tests {
		if got := FormatBytes(tt.n); got != tt.want {
			t.Errorf("FormatBytes(%d) = %q, want %q", tt.n, got, tt.want)
		}
	}
}
