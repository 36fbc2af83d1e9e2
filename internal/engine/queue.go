package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/steveyegge/fitsync/internal/schema"
	"github.com/steveyegge/fitsync/internal/store"
)

// QueueChange records a local mutation: the entity is written to the store
// as pending and an operation is queued for the next cycle. It never touches
// the network.
//
// data is the entity JSON for create and update and is ignored for delete.
// Every call queues its own operation.
func (e *Engine) QueueChange(ctx context.Context, typ schema.OpType, kind schema.Kind, id string, data json.RawMessage) error {
	if e.closed.Load() {
		return ErrClosed
	}
	tenant := e.tenantID()
	if tenant == "" {
		return ErrNotInitialized
	}
	if !typ.Valid() {
		return fmt.Errorf("unknown operation type %q", typ)
	}
	if !kind.Valid() {
		return fmt.Errorf("unknown entity type %q", kind)
	}
	if id == "" {
		return fmt.Errorf("entity id cannot be empty")
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	var snapshot schema.Entity
	var err error
	if typ == schema.OpDelete {
		snapshot, err = e.deleteLocal(ctx, kind, id)
	} else {
		snapshot, err = e.saveLocal(ctx, tenant, kind, id, data)
	}
	if err != nil {
		return err
	}
	return e.enqueueLocked(ctx, typ, snapshot)
}

func (e *Engine) saveLocal(ctx context.Context, tenant string, kind schema.Kind, id string, data json.RawMessage) (schema.Entity, error) {
	ent, err := schema.Decode(kind, data)
	if err != nil {
		return nil, err
	}
	m := ent.Meta()
	if m.ID == "" {
		m.ID = id
	}
	if m.ID != id {
		return nil, fmt.Errorf("entity id %q does not match %q", m.ID, id)
	}
	if m.TenantID == "" {
		m.TenantID = tenant
	}
	if m.TenantID != tenant {
		return nil, fmt.Errorf("entity belongs to tenant %q, engine is bound to %q", m.TenantID, tenant)
	}

	// Local edits keep the version they were based on.
	m.Version = 0
	cur, err := e.db.Get(ctx, kind, id)
	switch {
	case err == nil:
		m.Version = cur.Meta().Version
	case !errors.Is(err, store.ErrNotFound):
		return nil, err
	}
	m.Deleted = false
	m.SyncStatus = schema.StatusPending

	if err := e.db.Save(ctx, ent); err != nil {
		return nil, err
	}
	return ent, nil
}

func (e *Engine) deleteLocal(ctx context.Context, kind schema.Kind, id string) (schema.Entity, error) {
	if err := e.db.Delete(ctx, kind, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("cannot delete %s %s: %w", kind, id, err)
		}
		return nil, err
	}
	return e.db.Get(ctx, kind, id)
}

// enqueueLocked appends one operation for the mutation. Operations of one
// entity keep strictly increasing timestamps so they are pushed in the
// order they were made.
func (e *Engine) enqueueLocked(ctx context.Context, typ schema.OpType, snapshot schema.Entity) error {
	kind, id := snapshot.Kind(), snapshot.Meta().ID
	ops, err := e.db.OperationsFor(ctx, kind, id)
	if err != nil {
		return err
	}
	if typ == schema.OpCreate && (len(ops) > 0 || snapshot.Meta().Version > 0) {
		// The server has it, or will once the queued create lands.
		typ = schema.OpUpdate
	}

	op, err := schema.NewOperation(typ, snapshot)
	if err != nil {
		return err
	}
	if n := len(ops); n > 0 && !op.Timestamp.After(ops[n-1].Timestamp) {
		op.Timestamp = ops[n-1].Timestamp.Add(time.Microsecond)
	}
	return e.db.EnqueueOperation(ctx, op)
}

func (e *Engine) isInflight(opID string) bool {
	e.inflightMu.Lock()
	defer e.inflightMu.Unlock()
	_, ok := e.inflight[opID]
	return ok
}

func (e *Engine) setInflight(ops []*schema.SyncOperation, on bool) {
	e.inflightMu.Lock()
	defer e.inflightMu.Unlock()
	for _, op := range ops {
		if on {
			e.inflight[op.ID] = struct{}{}
		} else {
			delete(e.inflight, op.ID)
		}
	}
}
