package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/steveyegge/fitsync/internal/schema"
	"github.com/steveyegge/fitsync/internal/store"
)

type outcome int

const (
	outcomeSkipped outcome = iota
	outcomeApplied
	outcomeEcho
	outcomeConflict
	outcomeBlocked
)

// handleRealtime is the subscription callback. It shares the apply path
// with pull.
func (e *Engine) handleRealtime(ch schema.Change) {
	if e.closed.Load() {
		return
	}
	if _, err := e.apply(e.ctx, ch, "realtime"); err != nil {
		e.logger.Printf("Failed to apply realtime change to %s %s: %v", ch.EntityType, ch.EntityID, err)
		e.emitError(err)
	}
}

// apply writes a remote change locally. Changes not newer than the local
// copy are skipped, which makes re-delivery harmless.
//
// An entity with no local work is written by a guarded upsert without
// writeMu, so a cycle holding it never delays the change. Otherwise apply
// takes writeMu and the change is either our own echo or a conflict.
func (e *Engine) apply(ctx context.Context, ch schema.Change, source string) (outcome, error) {
	if !ch.EntityType.Valid() || ch.EntityID == "" {
		return outcomeSkipped, fmt.Errorf("malformed change for %s %q", ch.EntityType, ch.EntityID)
	}

	var (
		rec    *schema.ConflictRecord
		manual bool
	)
	out, done, err := e.applyClean(ctx, ch)
	if !done {
		e.writeMu.Lock()
		out, rec, manual, err = e.applyLocked(ctx, ch)
		e.writeMu.Unlock()
	}
	if err != nil {
		return out, err
	}

	switch out {
	case outcomeApplied:
		appliedCounter.WithLabelValues(source).Inc()
		e.emitRemote(ch)
	case outcomeConflict:
		if manual {
			e.emitNeedsInput(rec)
		}
	}
	return out, nil
}

// applyClean tries the change without writeMu. done is false when the
// entity has local work, or changed under us, and the locked path must
// decide.
func (e *Engine) applyClean(ctx context.Context, ch schema.Change) (out outcome, done bool, err error) {
	local, err := e.db.Get(ctx, ch.EntityType, ch.EntityID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return outcomeSkipped, true, err
	}
	if local != nil && ch.Version <= local.Meta().Version {
		return outcomeSkipped, true, nil
	}
	incoming, err := e.incoming(ch, local)
	if err != nil || incoming == nil {
		return outcomeSkipped, true, err
	}
	changed, err := e.db.ApplyRemoteIfClean(ctx, incoming)
	if err != nil {
		return outcomeSkipped, true, err
	}
	if changed {
		return outcomeApplied, true, nil
	}
	return outcomeSkipped, false, nil
}

func (e *Engine) applyLocked(ctx context.Context, ch schema.Change) (outcome, *schema.ConflictRecord, bool, error) {
	local, err := e.db.Get(ctx, ch.EntityType, ch.EntityID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return outcomeSkipped, nil, false, err
	}
	if local != nil && ch.Version <= local.Meta().Version {
		return outcomeSkipped, nil, false, nil
	}

	incoming, err := e.incoming(ch, local)
	if err != nil || incoming == nil {
		return outcomeSkipped, nil, false, err
	}
	if local == nil {
		return e.applyRemote(ctx, incoming)
	}

	if rec, err := e.db.ConflictFor(ctx, ch.EntityType, ch.EntityID); err == nil {
		// Keep the stored conflict current instead of opening another.
		data, err := schema.Encode(incoming)
		if err != nil {
			return outcomeSkipped, nil, false, err
		}
		rec.ServerData = data
		rec.ServerTimestamp = incoming.Meta().LastModified
		return outcomeBlocked, nil, false, e.db.SaveConflict(ctx, rec)
	} else if !errors.Is(err, store.ErrNotFound) {
		return outcomeSkipped, nil, false, err
	}

	ops, err := e.db.OperationsFor(ctx, ch.EntityType, ch.EntityID)
	if err != nil {
		return outcomeSkipped, nil, false, err
	}
	if len(ops) == 0 {
		return e.applyRemote(ctx, incoming)
	}
	for _, op := range ops {
		if queued, err := op.Entity(); err == nil && schema.SameContent(queued, incoming) {
			return outcomeEcho, nil, false, nil
		}
	}

	typ := schema.ConflictUpdate
	switch {
	case ch.Operation == schema.OpDelete || incoming.Meta().Deleted || local.Meta().Deleted:
		typ = schema.ConflictDelete
	case ops[0].Type == schema.OpCreate && local.Meta().Version == 0:
		typ = schema.ConflictConcurrentCreation
	}
	rec, err := schema.NewConflict(typ, ch.EntityType, ch.EntityID, local, incoming)
	if err != nil {
		return outcomeSkipped, nil, false, err
	}
	manual, err := e.handleConflictLocked(ctx, rec)
	return outcomeConflict, rec, manual, err
}

func (e *Engine) applyRemote(ctx context.Context, incoming schema.Entity) (outcome, *schema.ConflictRecord, bool, error) {
	changed, err := e.db.ApplyRemote(ctx, incoming)
	if err != nil || !changed {
		return outcomeSkipped, nil, false, err
	}
	return outcomeApplied, nil, false, nil
}

// incoming decodes the change as the entity to store locally. It returns
// nil for changes that belong to another tenant.
func (e *Engine) incoming(ch schema.Change, local schema.Entity) (schema.Entity, error) {
	tenant := e.tenantID()

	var ent schema.Entity
	switch {
	case len(ch.Data) > 0:
		var err error
		if ent, err = ch.Entity(); err != nil {
			return nil, fmt.Errorf("failed to decode change for %s %s: %w", ch.EntityType, ch.EntityID, err)
		}
	case ch.Operation == schema.OpDelete && local != nil:
		var err error
		if ent, err = schema.Clone(local); err != nil {
			return nil, err
		}
	default:
		return nil, nil
	}

	m := ent.Meta()
	if m.TenantID != "" && m.TenantID != tenant {
		return nil, nil
	}
	if m.ID != ch.EntityID {
		return nil, fmt.Errorf("change for %s %s carries id %q", ch.EntityType, ch.EntityID, m.ID)
	}
	m.TenantID = tenant
	m.Version = ch.Version
	m.SyncStatus = schema.StatusSynced
	if ch.Operation == schema.OpDelete {
		m.Deleted = true
	}
	if m.LastModified.IsZero() {
		m.LastModified = ch.Timestamp
	}
	return ent, nil
}
