package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/steveyegge/fitsync/internal/schema"
)

// Action is the outcome chosen for a conflict.
type Action string

const (
	UseLocal  Action = "use_local"
	UseServer Action = "use_server"
	MergeBoth Action = "merge"
	Manual    Action = "manual"
)

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	switch a {
	case UseLocal, UseServer, MergeBoth, Manual:
		return true
	default:
		return false
	}
}

// Preference is a stored user policy for one (entity type, conflict type).
type Preference string

const (
	Ask          Preference = "ask"
	AlwaysLocal  Preference = "always_local"
	AlwaysServer Preference = "always_server"
	AlwaysMerge  Preference = "always_merge"
	AlwaysNewer  Preference = "always_newer"
)

func (p Preference) Valid() bool {
	switch p {
	case Ask, AlwaysLocal, AlwaysServer, AlwaysMerge, AlwaysNewer:
		return true
	default:
		return false
	}
}

// CriticalFields are lifecycle fields on which the server is authoritative.
var CriticalFields = []string{"deleted", "archived", "published", "status"}

// Decision is the resolver's verdict on one conflict.
type Decision struct {
	Action Action
	Reason string

	// Merged holds the combined entity when Action is MergeBoth.
	Merged schema.Entity
}

// MetadataStore persists preferences. *store.DB satisfies it.
type MetadataStore interface {
	SetMetadata(ctx context.Context, key, value string) error
	GetMetadata(ctx context.Context, key string) (string, bool, error)
}

// Resolver decides conflicts. Its only state is the preference table it
// keeps in the metadata store.
type Resolver struct {
	meta MetadataStore
}

// New creates a resolver backed by meta. A nil meta disables preferences.
func New(meta MetadataStore) *Resolver {
	return &Resolver{meta: meta}
}

// Resolve picks an action for rec. Rules apply in order:
//
//  1. delete_conflict is always manual, whatever the preferences say
//  2. a stored preference other than ask
//  3. concurrent_creation merges when a strategy exists, else manual
//  4. update_conflict takes the server side when a critical field differs,
//     merges when a strategy exists, and otherwise keeps the newer side
func (r *Resolver) Resolve(ctx context.Context, rec *schema.ConflictRecord) (*Decision, error) {
	if err := rec.Validate(); err != nil {
		return nil, fmt.Errorf("invalid conflict: %w", err)
	}
	local, err := rec.Local()
	if err != nil {
		return nil, fmt.Errorf("failed to decode local side: %w", err)
	}
	server, err := rec.Server()
	if err != nil {
		return nil, fmt.Errorf("failed to decode server side: %w", err)
	}

	if rec.ConflictType == schema.ConflictDelete {
		return &Decision{Action: Manual, Reason: "deleting and editing the same entity needs a person"}, nil
	}

	pref, err := r.GetUserPreference(ctx, rec.EntityType, rec.ConflictType)
	if err != nil {
		return nil, err
	}
	if pref != Ask {
		return decideByPreference(pref, rec, local, server)
	}

	switch rec.ConflictType {
	case schema.ConflictConcurrentCreation:
		if HasStrategy(rec.EntityType) && local != nil && server != nil {
			return merged(local, server, "both sides created the entity")
		}
		return &Decision{Action: Manual, Reason: "no merge strategy for concurrent creation"}, nil

	case schema.ConflictUpdate:
		if local == nil || server == nil {
			return &Decision{Action: Manual, Reason: "one side of the update is missing"}, nil
		}
		if field, differs := criticalDiff(local, server); differs {
			return &Decision{Action: UseServer, Reason: fmt.Sprintf("critical field %q differs", field)}, nil
		}
		if HasStrategy(rec.EntityType) {
			return merged(local, server, "field-level merge")
		}
		return newer(rec), nil

	default:
		return nil, fmt.Errorf("unknown conflict type %q", rec.ConflictType)
	}
}

func decideByPreference(pref Preference, rec *schema.ConflictRecord, local, server schema.Entity) (*Decision, error) {
	reason := fmt.Sprintf("preference %s", pref)
	switch pref {
	case AlwaysLocal:
		return &Decision{Action: UseLocal, Reason: reason}, nil
	case AlwaysServer:
		return &Decision{Action: UseServer, Reason: reason}, nil
	case AlwaysMerge:
		if HasStrategy(rec.EntityType) && local != nil && server != nil {
			return merged(local, server, reason)
		}
		return &Decision{Action: UseServer, Reason: reason + " without a merge strategy"}, nil
	case AlwaysNewer:
		d := newer(rec)
		d.Reason = reason
		return d, nil
	default:
		return nil, fmt.Errorf("unknown preference %q", pref)
	}
}

func merged(local, server schema.Entity, reason string) (*Decision, error) {
	m, err := Merge(local, server)
	if err != nil {
		return nil, err
	}
	return &Decision{Action: MergeBoth, Reason: reason, Merged: m}, nil
}

// newer keeps the local side only when it is strictly newer.
func newer(rec *schema.ConflictRecord) *Decision {
	if rec.LocalTimestamp.After(rec.ServerTimestamp) {
		return &Decision{Action: UseLocal, Reason: "local side is newer"}
	}
	return &Decision{Action: UseServer, Reason: "server side is newer or equal"}
}

// criticalDiff compares lifecycle fields through the JSON form, so every
// variant is covered by the same rule. Absent fields compare as equal.
func criticalDiff(a, b schema.Entity) (string, bool) {
	am, err := fieldsOf(a)
	if err != nil {
		return "", false
	}
	bm, err := fieldsOf(b)
	if err != nil {
		return "", false
	}
	for _, f := range CriticalFields {
		if !reflect.DeepEqual(am[f], bm[f]) {
			return f, true
		}
	}
	return "", false
}

func fieldsOf(e schema.Entity) (map[string]any, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}
