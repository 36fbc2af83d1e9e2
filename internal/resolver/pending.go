package resolver

import (
	"context"
	"fmt"
	"sync"

	"github.com/steveyegge/fitsync/internal/schema"
)

// Ticket is a manual conflict waiting for a person to choose an action.
type Ticket struct {
	Record *schema.ConflictRecord

	once   sync.Once
	done   chan struct{}
	action Action
	owner  *Pending
}

// Settle completes the ticket. Only the first call has effect.
func (t *Ticket) Settle(a Action) error {
	if !a.Valid() || a == Manual {
		return fmt.Errorf("cannot settle conflict %s with %q", t.Record.ID, a)
	}
	settled := false
	t.once.Do(func() {
		t.action = a
		if t.owner != nil {
			t.owner.forget(t.Record.ID)
		}
		close(t.done)
		settled = true
	})
	if !settled {
		return fmt.Errorf("conflict %s already settled", t.Record.ID)
	}
	return nil
}

// Wait blocks until the ticket is settled or ctx ends.
func (t *Ticket) Wait(ctx context.Context) (Action, error) {
	select {
	case <-t.done:
		return t.action, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Pending tracks open tickets by conflict id.
type Pending struct {
	mu      sync.Mutex
	tickets map[string]*Ticket
}

func NewPending() *Pending {
	return &Pending{tickets: make(map[string]*Ticket)}
}

// Open returns the ticket for rec, creating it on first use.
func (p *Pending) Open(rec *schema.ConflictRecord) *Ticket {
	p.mu.Lock()
	defer p.mu.Unlock()

	if t, ok := p.tickets[rec.ID]; ok {
		return t
	}
	t := &Ticket{Record: rec, done: make(chan struct{}), owner: p}
	p.tickets[rec.ID] = t
	return t
}

// Get returns the open ticket for a conflict id.
func (p *Pending) Get(id string) (*Ticket, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.tickets[id]
	return t, ok
}

// Len returns the number of open tickets.
func (p *Pending) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.tickets)
}

func (p *Pending) forget(id string) {
	p.mu.Lock()
	delete(p.tickets, id)
	p.mu.Unlock()
}
