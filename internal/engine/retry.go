package engine

import (
	"context"
	"time"

	"github.com/steveyegge/fitsync/internal/schema"
)

// retryDelay returns the backoff for an operation that has already failed
// retryCount times.
func (e *Engine) retryDelay(retryCount int) time.Duration {
	d := e.config.RetryDelays
	return d[min(retryCount, len(d)-1)]
}

// failLocked records a failed push of op. The operation is rescheduled with
// backoff, or dropped with a RetryExhausted error once it reaches the
// ceiling. The returned error is non-nil only when op was dropped.
func (e *Engine) failLocked(ctx context.Context, op *schema.SyncOperation) (*RetryExhausted, error) {
	delay := e.retryDelay(op.RetryCount)
	op.RetryCount++

	if op.RetryCount >= e.config.MaxRetries {
		e.cancelRetry(op.ID)
		if err := e.db.RemoveOperation(ctx, op.ID); err != nil {
			return nil, err
		}
		if err := e.db.SetStatus(ctx, op.EntityType, op.EntityID, schema.StatusError); err != nil {
			return nil, err
		}
		retryExhaustedCounter.Inc()
		return &RetryExhausted{OpID: op.ID, EntityType: op.EntityType, EntityID: op.EntityID, Attempts: op.RetryCount}, nil
	}

	op.NotBefore = time.Now().UTC().Add(delay)
	if err := e.db.UpdateOperation(ctx, op); err != nil {
		return nil, err
	}
	e.scheduleRetry(op.ID, delay)
	return nil, nil
}

// scheduleRetry arms (or re-arms) the timer for one operation. When it
// fires, a cycle is requested.
func (e *Engine) scheduleRetry(opID string, delay time.Duration) {
	if e.closed.Load() {
		return
	}
	e.retriesMu.Lock()
	defer e.retriesMu.Unlock()
	if t, ok := e.retries[opID]; ok {
		t.Stop()
	}
	e.retries[opID] = time.AfterFunc(delay, func() {
		e.retriesMu.Lock()
		delete(e.retries, opID)
		e.retriesMu.Unlock()
		e.trigger("retry")
	})
}

func (e *Engine) cancelRetry(opID string) {
	e.retriesMu.Lock()
	defer e.retriesMu.Unlock()
	if t, ok := e.retries[opID]; ok {
		t.Stop()
		delete(e.retries, opID)
	}
}

// pendingRetries returns the number of armed retry timers.
func (e *Engine) pendingRetries() int {
	e.retriesMu.Lock()
	defer e.retriesMu.Unlock()
	return len(e.retries)
}

// rearmRetries restores timers for operations a previous process left
// waiting on backoff.
func (e *Engine) rearmRetries(ctx context.Context) error {
	ops, err := e.db.DequeueOperations(ctx)
	if err != nil {
		return err
	}
	now := time.Now()
	for _, op := range ops {
		if op.NotBefore.After(now) {
			e.scheduleRetry(op.ID, op.NotBefore.Sub(now))
		}
	}
	return nil
}

// trigger requests a cycle in the background. If one is running, another
// follows it so due work is not left for the next tick.
func (e *Engine) trigger(reason string) {
	e.rerun.Store(true)
	if e.state.Load() == StateRunning {
		return
	}
	e.drainRerun(reason)
}

// drainRerun starts the requested follow-up cycle, if any.
func (e *Engine) drainRerun(reason string) {
	if !e.rerun.Swap(false) {
		return
	}
	e.background(func() {
		// A shared result may belong to a cycle that was already finishing
		// when the request came in; run once more in that case.
		for {
			_, shared, err := e.syncOnce(context.Background())
			if err != nil {
				e.logger.Printf("Sync (%s) failed: %v", reason, err)
				return
			}
			if !shared {
				return
			}
		}
	})
}

// background runs fn on a tracked goroutine unless the engine is closed.
func (e *Engine) background(fn func()) {
	e.lifeMu.Lock()
	defer e.lifeMu.Unlock()
	if e.closed.Load() {
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn()
	}()
}
