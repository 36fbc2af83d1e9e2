package resolver

import (
	"context"
	"fmt"

	"github.com/steveyegge/fitsync/internal/schema"
)

const prefKeyPrefix = "conflict_pref:"

func prefKey(kind schema.Kind, ct schema.ConflictType) string {
	return fmt.Sprintf("%s%s:%s", prefKeyPrefix, kind, ct)
}

// SetUserPreference stores the policy for (kind, conflict type).
func (r *Resolver) SetUserPreference(ctx context.Context, kind schema.Kind, ct schema.ConflictType, pref Preference) error {
	if r.meta == nil {
		return fmt.Errorf("no preference store configured")
	}
	if !kind.Valid() {
		return fmt.Errorf("unknown entity type %q", kind)
	}
	if !ct.Valid() {
		return fmt.Errorf("unknown conflict type %q", ct)
	}
	if !pref.Valid() {
		return fmt.Errorf("unknown preference %q", pref)
	}
	if err := r.meta.SetMetadata(ctx, prefKey(kind, ct), string(pref)); err != nil {
		return fmt.Errorf("failed to save preference: %w", err)
	}
	return nil
}

// GetUserPreference returns the stored policy, or Ask when none is set.
func (r *Resolver) GetUserPreference(ctx context.Context, kind schema.Kind, ct schema.ConflictType) (Preference, error) {
	if r.meta == nil {
		return Ask, nil
	}
	v, ok, err := r.meta.GetMetadata(ctx, prefKey(kind, ct))
	if err != nil {
		return "", fmt.Errorf("failed to load preference: %w", err)
	}
	if !ok {
		return Ask, nil
	}
	pref := Preference(v)
	if !pref.Valid() {
		return Ask, nil
	}
	return pref, nil
}
