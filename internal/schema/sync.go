package schema

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// OpType is the kind of local mutation recorded in the queue.
type OpType string

const (
	OpCreate OpType = "create"
	OpUpdate OpType = "update"
	OpDelete OpType = "delete"
)

func (t OpType) Valid() bool {
	switch t {
	case OpCreate, OpUpdate, OpDelete:
		return true
	default:
		return false
	}
}

// SyncOperation is a queued local mutation waiting for server acknowledgment.
type SyncOperation struct {
	ID         string          `json:"id"`
	Type       OpType          `json:"type"`
	EntityType Kind            `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	Payload    json.RawMessage `json:"payload"`
	Timestamp  time.Time       `json:"timestamp"`
	RetryCount int             `json:"retry_count"`
	TenantID   string          `json:"tenant_id"`

	// NotBefore is the earliest time a failed operation may be retried.
	NotBefore time.Time `json:"not_before,omitempty"`
}

// NewOperation builds a queue entry for a snapshot of e.
func NewOperation(typ OpType, e Entity) (*SyncOperation, error) {
	payload, err := Encode(e)
	if err != nil {
		return nil, err
	}
	op := &SyncOperation{
		ID:         uuid.NewString(),
		Type:       typ,
		EntityType: e.Kind(),
		EntityID:   e.Meta().ID,
		Payload:    payload,
		Timestamp:  time.Now().UTC(),
		TenantID:   e.Meta().TenantID,
	}
	return op, op.Validate()
}

func (op *SyncOperation) Validate() error {
	if op.ID == "" {
		return fmt.Errorf("operation id is required")
	}
	if !op.Type.Valid() {
		return fmt.Errorf("unknown operation type %q", op.Type)
	}
	if !op.EntityType.Valid() {
		return fmt.Errorf("unknown entity type %q", op.EntityType)
	}
	if op.EntityID == "" {
		return fmt.Errorf("entity id is required")
	}
	if op.TenantID == "" {
		return fmt.Errorf("tenant id is required")
	}
	if op.Timestamp.IsZero() {
		return fmt.Errorf("timestamp is required")
	}
	return nil
}

// Entity decodes the operation payload.
func (op *SyncOperation) Entity() (Entity, error) {
	return Decode(op.EntityType, op.Payload)
}

// Change is a remote mutation delivered by pull or the real-time channel.
type Change struct {
	EntityType Kind            `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	Operation  OpType          `json:"operation"`
	Data       json.RawMessage `json:"data,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
	Version    int64           `json:"version"`
}

// Entity decodes the change data.
func (c *Change) Entity() (Entity, error) {
	return Decode(c.EntityType, c.Data)
}

// ConflictType classifies how local and server versions diverged.
type ConflictType string

const (
	ConflictUpdate             ConflictType = "update_conflict"
	ConflictDelete             ConflictType = "delete_conflict"
	ConflictConcurrentCreation ConflictType = "concurrent_creation"
)

func (t ConflictType) Valid() bool {
	switch t {
	case ConflictUpdate, ConflictDelete, ConflictConcurrentCreation:
		return true
	default:
		return false
	}
}

// ConflictRecord captures both sides of a divergence until it is resolved.
type ConflictRecord struct {
	ID              string          `json:"id"`
	EntityType      Kind            `json:"entity_type"`
	EntityID        string          `json:"entity_id"`
	LocalData       json.RawMessage `json:"local_data,omitempty"`
	ServerData      json.RawMessage `json:"server_data,omitempty"`
	LocalTimestamp  time.Time       `json:"local_timestamp"`
	ServerTimestamp time.Time       `json:"server_timestamp"`
	ConflictType    ConflictType    `json:"conflict_type"`
	CreatedAt       time.Time       `json:"created_at"`
}

// NewConflict builds a record from the two snapshots. Either side may be
// nil when it no longer exists.
func NewConflict(typ ConflictType, kind Kind, id string, local, server Entity) (*ConflictRecord, error) {
	rec := &ConflictRecord{
		ID:           uuid.NewString(),
		EntityType:   kind,
		EntityID:     id,
		ConflictType: typ,
		CreatedAt:    time.Now().UTC(),
	}
	if local != nil {
		data, err := Encode(local)
		if err != nil {
			return nil, err
		}
		rec.LocalData = data
		rec.LocalTimestamp = local.Meta().LastModified
	}
	if server != nil {
		data, err := Encode(server)
		if err != nil {
			return nil, err
		}
		rec.ServerData = data
		rec.ServerTimestamp = server.Meta().LastModified
	}
	return rec, rec.Validate()
}

func (c *ConflictRecord) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("conflict id is required")
	}
	if !c.EntityType.Valid() {
		return fmt.Errorf("unknown entity type %q", c.EntityType)
	}
	if c.EntityID == "" {
		return fmt.Errorf("entity id is required")
	}
	if !c.ConflictType.Valid() {
		return fmt.Errorf("unknown conflict type %q", c.ConflictType)
	}
	return nil
}

// Local decodes the local snapshot, or returns nil if there is none.
func (c *ConflictRecord) Local() (Entity, error) {
	if len(c.LocalData) == 0 {
		return nil, nil
	}
	return Decode(c.EntityType, c.LocalData)
}

// Server decodes the server snapshot, or returns nil if there is none.
func (c *ConflictRecord) Server() (Entity, error) {
	if len(c.ServerData) == 0 {
		return nil, nil
	}
	return Decode(c.EntityType, c.ServerData)
}
