// Package transfer moves entity snapshots in and out of a device as JSONL,
// one entity per line.
//
// Exports are read straight from the local store. Imports never touch the
// store: every line becomes a create mutation file in the spool directory,
// so the entities go through the same queue as any other local change.
package transfer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"time"

	"github.com/steveyegge/fitsync/internal/schema"
)

// Record is one JSONL line.
type Record struct {
	EntityType schema.Kind     `json:"entity_type"`
	Data       json.RawMessage `json:"data"`
}

// Lister reads the entities of one tenant. *store.DB satisfies it.
type Lister interface {
	ListByTenant(ctx context.Context, kind schema.Kind, tenantID string) ([]schema.Entity, error)
}

// ExportOptions configures Export.
type ExportOptions struct {
	TenantID string

	// IncludeDeleted also writes tombstones.
	IncludeDeleted bool
}

// ExportResult counts what was written.
type ExportResult struct {
	Entities map[schema.Kind]int
	Skipped  int
}

// Export writes every entity of the tenant to w, parents before children.
func Export(ctx context.Context, src Lister, w io.Writer, opts ExportOptions) (*ExportResult, error) {
	if opts.TenantID == "" {
		return nil, fmt.Errorf("tenant id is required")
	}
	result := &ExportResult{Entities: make(map[schema.Kind]int, len(schema.Kinds))}
	enc := json.NewEncoder(w)

	for _, kind := range schema.Kinds {
		ents, err := src.ListByTenant(ctx, kind, opts.TenantID)
		if err != nil {
			return nil, fmt.Errorf("failed to list %s: %w", kind, err)
		}
		for _, e := range ents {
			if e.Meta().Deleted && !opts.IncludeDeleted {
				result.Skipped++
				continue
			}
			data, err := schema.Encode(e)
			if err != nil {
				return nil, err
			}
			if err := enc.Encode(Record{EntityType: kind, Data: data}); err != nil {
				return nil, fmt.Errorf("failed to write %s %s: %w", kind, e.Meta().ID, err)
			}
			result.Entities[kind]++
		}
	}
	return result, nil
}

// ReadJSONL parses a JSONL export. It stops at the first malformed line.
func ReadJSONL(path string) ([]Record, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open JSONL file: %w", err)
	}
	defer file.Close()

	var records []Record
	dec := json.NewDecoder(file)
	for line := 1; ; line++ {
		var rec Record
		if err := dec.Decode(&rec); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("invalid JSON at record %d: %w", line, err)
		}
		records = append(records, rec)
	}
	return records, nil
}

// ImportOptions configures Import.
type ImportOptions struct {
	// From is the JSONL file to read
	From string

	// SpoolDir receives one mutation file per entity
	SpoolDir string

	// TenantID, when set, replaces the tenant of every entity
	TenantID string

	// DryRun validates without writing
	DryRun bool

	// Backup copies the input next to itself before importing
	Backup bool
}

// ImportResult contains statistics about an import.
type ImportResult struct {
	Entities      map[schema.Kind]int
	FilesWritten  int
	Tombstones    int
	BackupCreated string
	Errors        []string
}

// Import converts a JSONL export into spool files. Lines that fail
// validation are reported in Errors and skipped; tombstones are skipped.
func Import(ctx context.Context, opts ImportOptions) (*ImportResult, error) {
	if opts.SpoolDir == "" && !opts.DryRun {
		return nil, fmt.Errorf("spool directory is required")
	}
	if _, err := os.Stat(opts.From); err != nil {
		return nil, fmt.Errorf("input file does not exist: %w", err)
	}

	result := &ImportResult{Entities: make(map[schema.Kind]int, len(schema.Kinds))}
	if opts.Backup && !opts.DryRun {
		backup, err := backupFile(opts.From)
		if err != nil {
			return nil, err
		}
		result.BackupCreated = backup
	}

	records, err := ReadJSONL(opts.From)
	if err != nil {
		return nil, fmt.Errorf("failed to parse JSONL: %w", err)
	}
	// Spool files are ingested in name order; keep parents first.
	slices.SortStableFunc(records, func(a, b Record) int {
		return slices.Index(schema.Kinds, a.EntityType) - slices.Index(schema.Kinds, b.EntityType)
	})

	batch := time.Now().UTC().Format("20060102T150405")
	for i, rec := range records {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		m, tombstone, err := toMutation(rec, opts.TenantID)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("record %d: %v", i+1, err))
			continue
		}
		if tombstone {
			result.Tombstones++
			continue
		}
		if !opts.DryRun {
			m.ID = fmt.Sprintf("import-%s-%06d", batch, i)
			if err := schema.WriteMutationFile(opts.SpoolDir, m); err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("record %d: %v", i+1, err))
				continue
			}
			result.FilesWritten++
		}
		result.Entities[rec.EntityType]++
	}
	return result, nil
}

func toMutation(rec Record, tenant string) (*schema.MutationFile, bool, error) {
	ent, err := schema.Decode(rec.EntityType, rec.Data)
	if err != nil {
		return nil, false, err
	}
	m := ent.Meta()
	if m.Deleted {
		return nil, true, nil
	}
	if tenant != "" {
		m.TenantID = tenant
	}
	m.SyncStatus = ""
	if err := ent.Validate(); err != nil {
		return nil, false, fmt.Errorf("invalid %s %s: %w", rec.EntityType, m.ID, err)
	}
	data, err := schema.Encode(ent)
	if err != nil {
		return nil, false, err
	}
	return &schema.MutationFile{
		Type:       schema.OpCreate,
		EntityType: rec.EntityType,
		EntityID:   m.ID,
		Data:       data,
	}, false, nil
}

func backupFile(path string) (string, error) {
	input, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read input for backup: %w", err)
	}
	backup := path + ".backup." + time.Now().Format("20060102-150405")
	if err := os.WriteFile(backup, input, 0600); err != nil {
		return "", fmt.Errorf("failed to create backup: %w", err)
	}
	return backup, nil
}
