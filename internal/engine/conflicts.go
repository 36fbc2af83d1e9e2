package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/steveyegge/fitsync/internal/resolver"
	"github.com/steveyegge/fitsync/internal/schema"
	"github.com/steveyegge/fitsync/internal/store"
)

// handleConflictLocked stores rec and asks the resolver for a decision. A
// decided conflict is applied and removed right away; a manual one stays
// stored, marks the entity and blocks it until ResolveConflict. manual
// reports that a person has to choose.
func (e *Engine) handleConflictLocked(ctx context.Context, rec *schema.ConflictRecord) (manual bool, err error) {
	conflictsCounter.WithLabelValues(string(rec.ConflictType)).Inc()
	if err := e.db.SaveConflict(ctx, rec); err != nil {
		return false, err
	}

	d, err := e.resolver.Resolve(ctx, rec)
	if err != nil {
		if serr := e.db.SetStatus(ctx, rec.EntityType, rec.EntityID, schema.StatusConflict); serr != nil {
			e.logger.Printf("Failed to flag %s %s: %v", rec.EntityType, rec.EntityID, serr)
		}
		return false, fmt.Errorf("failed to resolve conflict %s: %w", rec.ID, err)
	}

	if d.Action == resolver.Manual {
		e.logger.Printf("Conflict %s on %s %s needs input: %s", rec.ID, rec.EntityType, rec.EntityID, d.Reason)
		return true, e.db.SetStatus(ctx, rec.EntityType, rec.EntityID, schema.StatusConflict)
	}

	e.logger.Printf("Conflict %s on %s %s resolved with %s: %s", rec.ID, rec.EntityType, rec.EntityID, d.Action, d.Reason)
	if err := e.applyResolutionLocked(ctx, rec, d.Action, d.Merged); err != nil {
		return false, err
	}
	return false, e.db.RemoveConflict(ctx, rec.ID)
}

// ResolveConflict applies a person's choice to a stored conflict and
// unblocks the entity. The outcome is pushed on the next cycle, which is
// requested right away.
func (e *Engine) ResolveConflict(ctx context.Context, conflictID string, action resolver.Action) error {
	if e.closed.Load() {
		return ErrClosed
	}
	if !action.Valid() || action == resolver.Manual {
		return fmt.Errorf("cannot resolve conflict with %q", action)
	}

	e.writeMu.Lock()
	err := e.resolveLocked(ctx, conflictID, action)
	e.writeMu.Unlock()
	if err != nil {
		return err
	}

	if t, ok := e.pending.Get(conflictID); ok {
		_ = t.Settle(action)
	}
	e.logger.Printf("Conflict %s resolved with %s", conflictID, action)
	e.trigger("resolved")
	return nil
}

func (e *Engine) resolveLocked(ctx context.Context, conflictID string, action resolver.Action) error {
	rec, err := e.db.GetConflict(ctx, conflictID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("conflict %s: %w", conflictID, err)
		}
		return err
	}

	var merged schema.Entity
	if action == resolver.MergeBoth {
		local, err := rec.Local()
		if err != nil {
			return err
		}
		server, err := rec.Server()
		if err != nil {
			return err
		}
		if local == nil || server == nil {
			return fmt.Errorf("conflict %s cannot be merged: one side is missing", conflictID)
		}
		if merged, err = resolver.Merge(local, server); err != nil {
			return err
		}
	}

	if err := e.applyResolutionLocked(ctx, rec, action, merged); err != nil {
		return err
	}
	return e.db.RemoveConflict(ctx, rec.ID)
}

// AwaitConflict blocks until the stored conflict id is resolved, by
// ResolveConflict or a ResolveFunc, and returns the chosen action.
func (e *Engine) AwaitConflict(ctx context.Context, id string) (resolver.Action, error) {
	e.writeMu.Lock()
	t, ok := e.pending.Get(id)
	if !ok {
		rec, err := e.db.GetConflict(ctx, id)
		if err != nil {
			e.writeMu.Unlock()
			if errors.Is(err, store.ErrNotFound) {
				return "", fmt.Errorf("conflict %s: %w", id, err)
			}
			return "", err
		}
		t = e.pending.Open(rec)
	}
	e.writeMu.Unlock()
	return t.Wait(ctx)
}

// ListConflicts returns the stored conflicts, oldest first.
func (e *Engine) ListConflicts(ctx context.Context) ([]*schema.ConflictRecord, error) {
	return e.db.ListUnresolvedConflicts(ctx)
}

// currentLocalLocked makes the stored entity the local side of a conflict
// the server reported for a push. The pushed payload misses edits made
// while the push was in flight.
func (e *Engine) currentLocalLocked(ctx context.Context, rec *schema.ConflictRecord) error {
	cur, err := e.db.Get(ctx, rec.EntityType, rec.EntityID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	data, err := schema.Encode(cur)
	if err != nil {
		return err
	}
	rec.LocalData = data
	rec.LocalTimestamp = cur.Meta().LastModified
	if cur.Meta().Deleted && rec.ConflictType == schema.ConflictUpdate {
		rec.ConflictType = schema.ConflictDelete
	}
	return nil
}

// applyResolutionLocked makes the chosen side the local state.
//
//   - use_server stores the server copy as synced and drops local operations
//   - use_local re-bases the local copy on the server version and queues it
//   - merge stores the merged entity and queues it
func (e *Engine) applyResolutionLocked(ctx context.Context, rec *schema.ConflictRecord, action resolver.Action, merged schema.Entity) error {
	local, err := rec.Local()
	if err != nil {
		return err
	}
	server, err := rec.Server()
	if err != nil {
		return err
	}

	switch action {
	case resolver.UseServer:
		if err := e.dropOpsLocked(ctx, rec.EntityType, rec.EntityID); err != nil {
			return err
		}
		if server == nil {
			return e.db.SetStatus(ctx, rec.EntityType, rec.EntityID, schema.StatusSynced)
		}
		server.Meta().SyncStatus = schema.StatusSynced
		return e.db.SaveWithTimestamp(ctx, server, server.Meta().LastModified)

	case resolver.UseLocal:
		if local == nil {
			return fmt.Errorf("conflict %s has no local side to keep", rec.ID)
		}
		typ := schema.OpUpdate
		switch {
		case local.Meta().Deleted:
			typ = schema.OpDelete
		case server == nil:
			typ = schema.OpCreate
		}
		if server != nil {
			local.Meta().Version = max(local.Meta().Version, server.Meta().Version)
		}
		return e.requeueLocked(ctx, typ, local)

	case resolver.MergeBoth:
		if merged == nil {
			if merged, err = resolver.Merge(local, server); err != nil {
				return err
			}
		}
		return e.requeueLocked(ctx, schema.OpUpdate, merged)

	default:
		return fmt.Errorf("cannot apply %q to conflict %s", action, rec.ID)
	}
}

// requeueLocked stores ent as pending and replaces the entity's queued
// operations with a single one carrying it.
func (e *Engine) requeueLocked(ctx context.Context, typ schema.OpType, ent schema.Entity) error {
	ent.Meta().SyncStatus = schema.StatusPending
	if err := e.db.Save(ctx, ent); err != nil {
		return err
	}
	if err := e.dropOpsLocked(ctx, ent.Kind(), ent.Meta().ID); err != nil {
		return err
	}
	op, err := schema.NewOperation(typ, ent)
	if err != nil {
		return err
	}
	return e.db.EnqueueOperation(ctx, op)
}

// dropOpsLocked removes the entity's queued operations except those in a
// push right now; their ack or failure is booked when the push returns.
func (e *Engine) dropOpsLocked(ctx context.Context, kind schema.Kind, id string) error {
	ops, err := e.db.OperationsFor(ctx, kind, id)
	if err != nil {
		return err
	}
	for _, op := range ops {
		if e.isInflight(op.ID) {
			continue
		}
		e.cancelRetry(op.ID)
		if err := e.db.RemoveOperation(ctx, op.ID); err != nil {
			return err
		}
	}
	return nil
}
