package schema

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind identifies an entity variant. The set is closed: every switch over
// Kind in this module is exhaustive and returns an error for unknown kinds.
type Kind string

const (
	KindWorkout     Kind = "workout"
	KindExercise    Kind = "exercise"
	KindSet         Kind = "set"
	KindUserProfile Kind = "user_profile"
)

// Kinds lists every entity kind in dependency order (parents first).
var Kinds = []Kind{KindWorkout, KindExercise, KindSet, KindUserProfile}

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindWorkout, KindExercise, KindSet, KindUserProfile:
		return true
	default:
		return false
	}
}

// Status is the sync state of a stored entity.
type Status string

const (
	StatusSynced   Status = "synced"
	StatusPending  Status = "pending"
	StatusConflict Status = "conflict"
	StatusError    Status = "error"
)

// Valid reports whether s is a known sync status.
func (s Status) Valid() bool {
	switch s {
	case StatusSynced, StatusPending, StatusConflict, StatusError:
		return true
	default:
		return false
	}
}

// Base holds the fields every syncable entity carries.
//
// Version only moves on merges and remote-accepted writes; local edits keep
// the version they were based on so the server can detect staleness.
type Base struct {
	ID           string    `json:"id"`
	TenantID     string    `json:"tenant_id"`
	LastModified time.Time `json:"last_modified"`
	Version      int64     `json:"version"`
	SyncStatus   Status    `json:"sync_status"`
	Deleted      bool      `json:"deleted,omitempty"`
}

// Meta returns the base fields. It lets every variant satisfy Entity by
// embedding Base.
func (b *Base) Meta() *Base {
	return b
}

func (b *Base) validate() error {
	if b.ID == "" {
		return fmt.Errorf("id is required")
	}
	if b.TenantID == "" {
		return fmt.Errorf("tenant_id is required")
	}
	if b.Version < 0 {
		return fmt.Errorf("version must not be negative (got %d)", b.Version)
	}
	if b.SyncStatus != "" && !b.SyncStatus.Valid() {
		return fmt.Errorf("unknown sync_status %q", b.SyncStatus)
	}
	return nil
}

// Entity is implemented by Workout, Exercise, Set and UserProfile.
type Entity interface {
	Kind() Kind
	Meta() *Base
	Validate() error
}

// ParentID returns the id of the owning entity, or "" for roots.
func ParentID(e Entity) string {
	switch v := e.(type) {
	case *Exercise:
		return v.WorkoutID
	case *Set:
		return v.ExerciseID
	default:
		return ""
	}
}

// New returns an empty entity of the given kind.
func New(kind Kind) (Entity, error) {
	switch kind {
	case KindWorkout:
		return &Workout{}, nil
	case KindExercise:
		return &Exercise{}, nil
	case KindSet:
		return &Set{}, nil
	case KindUserProfile:
		return &UserProfile{}, nil
	default:
		return nil, fmt.Errorf("unknown entity kind %q", kind)
	}
}

// Decode parses a JSON snapshot into the variant for kind.
func Decode(kind Kind, data []byte) (Entity, error) {
	e, err := New(kind)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("empty %s payload", kind)
	}
	if err := json.Unmarshal(data, e); err != nil {
		return nil, fmt.Errorf("failed to parse %s payload: %w", kind, err)
	}
	return e, nil
}

// Encode serializes an entity snapshot.
func Encode(e Entity) (json.RawMessage, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s %s: %w", e.Kind(), e.Meta().ID, err)
	}
	return data, nil
}

// Clone returns a deep copy of e.
func Clone(e Entity) (Entity, error) {
	data, err := Encode(e)
	if err != nil {
		return nil, err
	}
	return Decode(e.Kind(), data)
}

// bookkeeping fields are ignored when comparing content.
var bookkeeping = []string{"last_modified", "version", "sync_status"}

// SameContent reports whether a and b carry the same user-visible data,
// ignoring timestamps, versions and sync status.
func SameContent(a, b Entity) bool {
	if a == nil || b == nil || a.Kind() != b.Kind() {
		return false
	}
	ca, err := content(a)
	if err != nil {
		return false
	}
	cb, err := content(b)
	if err != nil {
		return false
	}
	return string(ca) == string(cb)
}

func content(e Entity) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, err
	}
	for _, k := range bookkeeping {
		delete(fields, k)
	}
	// encoding/json sorts map keys, so the output is canonical.
	return json.Marshal(fields)
}
