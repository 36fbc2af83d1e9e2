package engine

import (
	"sync"

	"github.com/steveyegge/fitsync/internal/resolver"
	"github.com/steveyegge/fitsync/internal/schema"
)

// ResolveFunc settles a conflict that needs a person. It may be called from
// any goroutine, once.
type ResolveFunc func(resolver.Action) error

type listeners[T any] struct {
	mu   sync.RWMutex
	next int
	fns  map[int]T
}

func (l *listeners[T]) add(fn T) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fns == nil {
		l.fns = make(map[int]T)
	}
	id := l.next
	l.next++
	l.fns[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.fns, id)
			l.mu.Unlock()
		})
	}
}

// snapshot copies the listeners so callbacks run without the lock and may
// unsubscribe themselves.
func (l *listeners[T]) snapshot() []T {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]T, 0, len(l.fns))
	for _, fn := range l.fns {
		out = append(out, fn)
	}
	return out
}

type events struct {
	started   listeners[func()]
	completed listeners[func(*Result)]
	errs      listeners[func(error)]
	remote    listeners[func(schema.Change)]
	conflicts listeners[func(*schema.ConflictRecord, ResolveFunc)]
}

// OnSyncStarted registers fn to run when a cycle begins. The returned func
// unsubscribes.
func (e *Engine) OnSyncStarted(fn func()) func() { return e.events.started.add(fn) }

// OnSyncCompleted registers fn to run with the result of every completed cycle.
func (e *Engine) OnSyncCompleted(fn func(*Result)) func() { return e.events.completed.add(fn) }

// OnSyncError registers fn for cycle failures and dropped operations.
func (e *Engine) OnSyncError(fn func(error)) func() { return e.events.errs.add(fn) }

// OnRemoteUpdate registers fn for every remote change written locally.
func (e *Engine) OnRemoteUpdate(fn func(schema.Change)) func() { return e.events.remote.add(fn) }

// OnConflictNeedsInput registers fn for conflicts the resolver could not
// decide. fn receives the record and a ResolveFunc that applies the chosen
// action. Conflicts left unsettled stay stored and block their entity.
func (e *Engine) OnConflictNeedsInput(fn func(*schema.ConflictRecord, ResolveFunc)) func() {
	return e.events.conflicts.add(fn)
}

func (e *Engine) emitStarted() {
	for _, fn := range e.events.started.snapshot() {
		fn()
	}
}

func (e *Engine) emitCompleted(res *Result) {
	for _, fn := range e.events.completed.snapshot() {
		fn(res)
	}
}

func (e *Engine) emitError(err error) {
	for _, fn := range e.events.errs.snapshot() {
		fn(err)
	}
}

func (e *Engine) emitRemote(ch schema.Change) {
	for _, fn := range e.events.remote.snapshot() {
		fn(ch)
	}
}

// emitNeedsInput opens a pending ticket for rec and hands it to listeners.
func (e *Engine) emitNeedsInput(rec *schema.ConflictRecord) {
	e.pending.Open(rec)
	id := rec.ID
	resolve := func(a resolver.Action) error {
		return e.ResolveConflict(e.ctx, id, a)
	}
	for _, fn := range e.events.conflicts.snapshot() {
		fn(rec, resolve)
	}
}
