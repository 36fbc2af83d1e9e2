package schema

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// MutationFile is a local mutation handed over by another process on the
// device through the spool directory (spool/*.json).
type MutationFile struct {
	ID         string          `json:"id"`
	Type       OpType          `json:"type"`
	EntityType Kind            `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// Validate checks if the MutationFile has valid field values.
func (m *MutationFile) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("id is required")
	}
	if !m.Type.Valid() {
		return fmt.Errorf("unknown type %q", m.Type)
	}
	if !m.EntityType.Valid() {
		return fmt.Errorf("unknown entity_type %q", m.EntityType)
	}
	if m.EntityID == "" {
		return fmt.Errorf("entity_id is required")
	}
	if m.Type != OpDelete && len(m.Data) == 0 {
		return fmt.Errorf("data is required for %s", m.Type)
	}
	return nil
}

// Filename returns the canonical filename: {id}.json
func (m *MutationFile) Filename() string {
	return fmt.Sprintf("%s.json", m.ID)
}

// ReadMutationFile reads and parses a spool file.
func ReadMutationFile(path string) (*MutationFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read mutation file %s: %w", path, err)
	}

	var m MutationFile
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse mutation file %s: %w", path, err)
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("invalid mutation file %s: %w", path, err)
	}
	return &m, nil
}

// WriteMutationFile writes m into dir. The file is written under a temporary
// name and renamed so watchers never observe a partial file.
func WriteMutationFile(dir string, m *MutationFile) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if err := m.Validate(); err != nil {
		return fmt.Errorf("cannot write invalid mutation: %w", err)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create spool directory: %w", err)
	}

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal mutation %s: %w", m.ID, err)
	}

	tmp := filepath.Join(dir, "."+m.Filename()+".tmp")
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write mutation file %s: %w", tmp, err)
	}
	path := filepath.Join(dir, m.Filename())
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to publish mutation file %s: %w", path, err)
	}
	return nil
}

// ListMutationFiles returns the paths of all spool files in dir, sorted by
// name. Hidden temporary files are skipped.
func ListMutationFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to read spool directory: %w", err)
	}

	var paths []string
	for _, entry := range entries {
		if entry.IsDir() || !IsMutationFile(entry.Name()) {
			continue
		}
		paths = append(paths, filepath.Join(dir, entry.Name()))
	}
	return paths, nil
}

// IsMutationFile reports whether name looks like a published spool file.
func IsMutationFile(name string) bool {
	base := filepath.Base(name)
	return strings.HasSuffix(base, ".json") && !strings.HasPrefix(base, ".")
}
