package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/steveyegge/fitsync/internal/remote"
	"github.com/steveyegge/fitsync/internal/schema"
	"github.com/steveyegge/fitsync/internal/store"
)

// State of the sync cycle.
type State string

const (
	StateIdle      State = "idle"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// CheckpointKey is the metadata key holding the timestamp of the newest
// change already pulled.
const CheckpointKey = "lastSyncTimestamp"

// Result summarizes one cycle.
type Result struct {
	Synced    int           `json:"synced"`
	Conflicts int           `json:"conflicts"`
	Errors    int           `json:"errors"`
	Pulled    int           `json:"pulled"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`

	// Blocked lists entities skipped because a conflict awaits input.
	Blocked []*ConflictUnresolved `json:"blocked,omitempty"`
}

type entityKey struct {
	kind schema.Kind
	id   string
}

// ForceSyncNow runs a cycle immediately. Concurrent callers share the cycle
// already in flight and receive its result.
func (e *Engine) ForceSyncNow(ctx context.Context) (*Result, error) {
	res, _, err := e.syncOnce(ctx)
	return res, err
}

// syncOnce runs or joins a cycle. shared reports that the result was handed
// to more than one caller.
func (e *Engine) syncOnce(ctx context.Context) (*Result, bool, error) {
	if e.closed.Load() {
		return nil, false, ErrClosed
	}
	if e.tenantID() == "" {
		return nil, false, ErrNotInitialized
	}

	v, err, shared := e.group.Do("cycle", func() (any, error) {
		return e.runCycle(ctx)
	})
	e.drainRerun("follow-up")

	res, _ := v.(*Result)
	return res, shared, err
}

func (e *Engine) runCycle(ctx context.Context) (*Result, error) {
	if !e.probe(ctx) {
		e.online.Store(false)
		return nil, ErrOffline
	}
	e.online.Store(true)

	e.state.Store(StateRunning)
	start := time.Now()
	res := &Result{StartedAt: start.UTC()}
	e.emitStarted()

	err := e.push(ctx, res)
	if err == nil {
		err = e.pull(ctx, res)
	}
	res.Duration = time.Since(start)
	cycleDuration.Observe(res.Duration.Seconds())
	e.updateQueueDepth(ctx)

	if err != nil {
		cyclesCounter.WithLabelValues(string(StateFailed)).Inc()
		e.recordStats(ctx, res, err)
		e.state.Store(StateFailed)
		e.logger.Printf("Sync failed after %v: %v", res.Duration, err)
		e.emitError(err)
		return res, err
	}

	now := time.Now().UTC()
	e.lastSync.Store(&now)
	cyclesCounter.WithLabelValues(string(StateCompleted)).Inc()
	e.recordStats(ctx, res, nil)
	e.state.Store(StateCompleted)
	if res.Synced+res.Pulled+res.Conflicts+res.Errors > 0 {
		e.logger.Printf("Sync completed in %v: %d pushed, %d pulled, %d conflicts, %d errors",
			res.Duration, res.Synced, res.Pulled, res.Conflicts, res.Errors)
	}
	e.emitCompleted(res)
	return res, nil
}

// probe reports whether the server is reachable. Networks that cannot be
// probed rely on SetOnline.
func (e *Engine) probe(ctx context.Context) bool {
	if p, ok := e.net.(remote.Prober); ok {
		return p.Reachable(ctx)
	}
	return e.online.Load()
}

// push sends due operations in FIFO batches. Only the oldest queued
// operation of an entity goes in a round, so one entity never appears twice
// in a batch. An entity whose operation was acknowledged goes again in the
// next round, until its queue is empty or an operation does not land.
func (e *Engine) push(ctx context.Context, res *Result) error {
	var chain map[entityKey]bool
	for {
		ready, err := e.collectDue(ctx, res, chain)
		if err != nil {
			return err
		}
		if len(ready) == 0 {
			return nil
		}

		acked := make(map[entityKey]bool)
		for i := 0; i < len(ready); i += e.config.BatchSize {
			batch := ready[i:min(i+e.config.BatchSize, len(ready))]
			pr, err := e.net.Push(ctx, batch)
			if err != nil {
				e.setInflight(ready[i:], false)
				return fmt.Errorf("failed to push %d operations: %w", len(batch), err)
			}
			e.settleBatch(ctx, batch, pr, res, acked)
			e.setInflight(batch, false)
		}
		if len(acked) == 0 {
			return nil
		}
		chain = acked
	}
}

// collectDue picks the oldest due operation of every entity, or only of
// the entities in chain when it is non-nil.
func (e *Engine) collectDue(ctx context.Context, res *Result, chain map[entityKey]bool) ([]*schema.SyncOperation, error) {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	ops, err := e.db.DequeueOperations(ctx)
	if err != nil {
		return nil, err
	}
	tenant := e.tenantID()
	now := time.Now().UTC()
	seen := make(map[entityKey]bool)

	var ready []*schema.SyncOperation
	for _, op := range ops {
		key := entityKey{op.EntityType, op.EntityID}
		if seen[key] || (chain != nil && !chain[key]) {
			continue
		}
		seen[key] = true
		if op.TenantID != tenant || op.NotBefore.After(now) {
			continue
		}

		rec, err := e.db.ConflictFor(ctx, op.EntityType, op.EntityID)
		switch {
		case err == nil:
			if chain == nil {
				res.Blocked = append(res.Blocked, &ConflictUnresolved{ConflictID: rec.ID, EntityType: op.EntityType, EntityID: op.EntityID})
			}
			continue
		case !errors.Is(err, store.ErrNotFound):
			return nil, err
		}

		if err := e.refreshBase(ctx, op); err != nil {
			return nil, err
		}
		ready = append(ready, op)
	}
	e.setInflight(ready, true)
	return ready, nil
}

// refreshBase stamps the payload with the stored version, which may have
// moved since the operation was queued.
func (e *Engine) refreshBase(ctx context.Context, op *schema.SyncOperation) error {
	cur, err := e.db.Get(ctx, op.EntityType, op.EntityID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	ent, err := op.Entity()
	if err != nil {
		return fmt.Errorf("failed to decode operation %s: %w", op.ID, err)
	}
	if ent.Meta().Version == cur.Meta().Version {
		return nil
	}
	ent.Meta().Version = cur.Meta().Version
	payload, err := schema.Encode(ent)
	if err != nil {
		return err
	}
	op.Payload = payload
	return nil
}

// settleBatch books the server's verdict for every operation in batch and
// adds the entities of acknowledged operations to acked. Operations the
// server did not mention count as failed.
func (e *Engine) settleBatch(ctx context.Context, batch []*schema.SyncOperation, pr *remote.PushResult, res *Result, acked map[entityKey]bool) {
	byID := make(map[string]*schema.SyncOperation, len(batch))
	byEntity := make(map[entityKey]*schema.SyncOperation, len(batch))
	for _, op := range batch {
		byID[op.ID] = op
		byEntity[entityKey{op.EntityType, op.EntityID}] = op
	}
	handled := make(map[string]bool, len(batch))

	var (
		needInput []*schema.ConflictRecord
		errs      []error
	)
	report := func(err error) {
		res.Errors++
		errs = append(errs, err)
	}
	fail := func(op *schema.SyncOperation) {
		exhausted, err := e.failLocked(ctx, op)
		switch {
		case err != nil:
			report(err)
		case exhausted != nil:
			report(exhausted)
		}
	}

	e.writeMu.Lock()
	for _, id := range pr.Succeeded {
		op, ok := byID[id]
		if !ok || handled[id] {
			continue
		}
		handled[id] = true
		if err := e.ackLocked(ctx, op); err != nil {
			report(err)
			continue
		}
		acked[entityKey{op.EntityType, op.EntityID}] = true
		res.Synced++
	}

	for i := range pr.Conflicts {
		rec := &pr.Conflicts[i]
		if op, ok := byEntity[entityKey{rec.EntityType, rec.EntityID}]; ok && !handled[op.ID] {
			handled[op.ID] = true
			e.cancelRetry(op.ID)
			if err := e.db.RemoveOperation(ctx, op.ID); err != nil {
				report(err)
				continue
			}
		}
		res.Conflicts++
		if err := e.currentLocalLocked(ctx, rec); err != nil {
			report(err)
			continue
		}
		manual, err := e.handleConflictLocked(ctx, rec)
		if err != nil {
			report(err)
		}
		if manual {
			needInput = append(needInput, rec)
		}
	}

	for _, f := range pr.Failed {
		if f == nil {
			continue
		}
		op, ok := byID[f.ID]
		if !ok || handled[f.ID] {
			continue
		}
		handled[f.ID] = true
		fail(op)
	}

	for _, op := range batch {
		if !handled[op.ID] {
			fail(op)
		}
	}
	e.writeMu.Unlock()

	for _, err := range errs {
		e.logger.Printf("Push error: %v", err)
		e.emitError(err)
	}
	for _, rec := range needInput {
		e.emitNeedsInput(rec)
	}
}

// ackLocked removes an accepted operation and records the server version.
// The entity stays pending while newer operations are queued for it; push
// sends the next one in its following round.
func (e *Engine) ackLocked(ctx context.Context, op *schema.SyncOperation) error {
	e.cancelRetry(op.ID)
	if err := e.db.RemoveOperation(ctx, op.ID); err != nil {
		return err
	}
	ent, err := op.Entity()
	if err != nil {
		return fmt.Errorf("failed to decode operation %s: %w", op.ID, err)
	}

	rest, err := e.db.OperationsFor(ctx, op.EntityType, op.EntityID)
	if err != nil {
		return err
	}
	status := schema.StatusSynced
	if len(rest) > 0 {
		status = schema.StatusPending
	}
	if err := e.db.MarkSynced(ctx, op.EntityType, op.EntityID, ent.Meta().Version+1, status); err != nil {
		return err
	}
	pushedCounter.Inc()
	return nil
}

// pull fetches changes since the checkpoint and applies them in order. The
// checkpoint moves last, and never past a change that failed to apply.
func (e *Engine) pull(ctx context.Context, res *Result) error {
	since, err := e.Checkpoint(ctx)
	if err != nil {
		return err
	}
	changes, err := e.net.Pull(ctx, since)
	if err != nil {
		return fmt.Errorf("failed to pull changes: %w", err)
	}

	var latest time.Time
	if since != nil {
		latest = *since
	}
	stuck := false
	for _, ch := range changes {
		out, err := e.apply(ctx, ch, "pull")
		if err != nil {
			res.Errors++
			stuck = true
			e.logger.Printf("Failed to apply %s %s v%d: %v", ch.EntityType, ch.EntityID, ch.Version, err)
			e.emitError(err)
			continue
		}
		switch out {
		case outcomeApplied:
			res.Pulled++
		case outcomeConflict:
			res.Conflicts++
		}
		if !stuck && ch.Timestamp.After(latest) {
			latest = ch.Timestamp
		}
	}

	if !latest.IsZero() && (since == nil || latest.After(*since)) {
		if err := e.db.SetMetadata(ctx, CheckpointKey, latest.UTC().Format(time.RFC3339Nano)); err != nil {
			return fmt.Errorf("failed to write checkpoint: %w", err)
		}
	}
	return nil
}

// Checkpoint returns the timestamp of the newest pulled change, or nil
// before the first pull.
func (e *Engine) Checkpoint(ctx context.Context) (*time.Time, error) {
	v, ok, err := e.db.GetMetadata(ctx, CheckpointKey)
	if err != nil || !ok {
		return nil, err
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return nil, fmt.Errorf("invalid checkpoint %q: %w", v, err)
	}
	return &t, nil
}

// ResetCheckpoint moves the checkpoint back to since, or clears it when
// since is nil so the next cycle pulls everything.
func (e *Engine) ResetCheckpoint(ctx context.Context, since *time.Time) error {
	if since == nil {
		return e.db.DeleteMetadata(ctx, CheckpointKey)
	}
	return e.db.SetMetadata(ctx, CheckpointKey, since.UTC().Format(time.RFC3339Nano))
}

func (e *Engine) updateQueueDepth(ctx context.Context) {
	if n, err := e.db.CountOperations(ctx); err == nil {
		queueDepthGauge.Set(float64(n))
	}
}
