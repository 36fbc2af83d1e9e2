package remote

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/steveyegge/fitsync/internal/schema"
)

type recordKey struct {
	tenant string
	kind   schema.Kind
	id     string
}

type logEntry struct {
	tenant string
	change schema.Change
}

type subscriber struct {
	tenant   string
	onChange func(schema.Change)
}

// Memory is an authoritative in-process server.
//
// It versions every accepted write, detects stale writers, keeps a change
// log per tenant and fans accepted changes out to subscribers. It also
// offers switches the engine tests need: an offline mode, failure
// injection and call counters.
type Memory struct {
	mu      sync.Mutex
	records map[recordKey]schema.Entity
	log     []logEntry
	last    time.Time

	subs    map[int]subscriber
	nextSub int

	offline   bool
	failAll   bool
	failCount map[string]int // entity id -> remaining injected failures

	pushCalls atomic.Int64
	pullCalls atomic.Int64

	now func() time.Time
}

// NewMemory creates an empty server.
func NewMemory() *Memory {
	return &Memory{
		records:   make(map[recordKey]schema.Entity),
		subs:      make(map[int]subscriber),
		failCount: make(map[string]int),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Client returns a Network bound to one tenant.
func (m *Memory) Client(tenant string) *MemoryClient {
	return &MemoryClient{server: m, tenant: tenant}
}

// SetOffline makes every call fail with ErrOffline until cleared.
func (m *Memory) SetOffline(offline bool) {
	m.mu.Lock()
	m.offline = offline
	m.mu.Unlock()
}

// Online reports whether the server accepts calls.
func (m *Memory) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.offline
}

// SetFailing reports every pushed operation as failed while set.
func (m *Memory) SetFailing(failing bool) {
	m.mu.Lock()
	m.failAll = failing
	m.mu.Unlock()
}

// FailEntity reports the next n pushes touching entityID as failed.
func (m *Memory) FailEntity(entityID string, n int) {
	m.mu.Lock()
	m.failCount[entityID] = n
	m.mu.Unlock()
}

// PushCalls returns how many Push calls reached the server.
func (m *Memory) PushCalls() int64 { return m.pushCalls.Load() }

// PullCalls returns how many Pull calls reached the server.
func (m *Memory) PullCalls() int64 { return m.pullCalls.Load() }

// Get returns the server copy of an entity.
func (m *Memory) Get(tenant string, kind schema.Kind, id string) (schema.Entity, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.records[recordKey{tenant, kind, id}]
	if !ok {
		return nil, false
	}
	c, err := schema.Clone(e)
	if err != nil {
		return nil, false
	}
	return c, true
}

// Put records a server-side write, as another device would. The version is
// bumped past the current one.
func (m *Memory) Put(tenant string, e schema.Entity) (schema.Change, error) {
	m.mu.Lock()
	key := recordKey{tenant, e.Kind(), e.Meta().ID}
	op := schema.OpCreate
	base := int64(0)
	if cur, ok := m.records[key]; ok {
		op = schema.OpUpdate
		base = cur.Meta().Version
	}
	if e.Meta().Deleted {
		op = schema.OpDelete
	}
	ch, err := m.acceptLocked(tenant, op, e, base)
	m.mu.Unlock()
	if err != nil {
		return schema.Change{}, err
	}
	m.notify(tenant, ch)
	return ch, nil
}

// Changes returns the full change log of a tenant.
func (m *Memory) Changes(tenant string) []schema.Change {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []schema.Change
	for _, le := range m.log {
		if le.tenant == tenant {
			out = append(out, le.change)
		}
	}
	return out
}

func (m *Memory) push(tenant string, ops []*schema.SyncOperation) (*PushResult, error) {
	m.pushCalls.Add(1)

	m.mu.Lock()
	if m.offline {
		m.mu.Unlock()
		return nil, &NetworkError{Op: "push", Err: ErrOffline}
	}

	res := &PushResult{}
	var accepted []schema.Change
	for _, op := range ops {
		if m.failAll || m.failCount[op.EntityID] > 0 {
			if m.failCount[op.EntityID] > 0 {
				m.failCount[op.EntityID]--
			}
			res.Failed = append(res.Failed, op)
			continue
		}
		if op.TenantID != tenant {
			res.Failed = append(res.Failed, op)
			continue
		}

		e, err := op.Entity()
		if err != nil {
			res.Failed = append(res.Failed, op)
			continue
		}
		base := e.Meta().Version
		key := recordKey{tenant, op.EntityType, op.EntityID}
		cur, exists := m.records[key]

		if ct, conflict := classify(op.Type, base, cur, exists); conflict {
			rec, err := schema.NewConflict(ct, op.EntityType, op.EntityID, e, cur)
			if err != nil {
				res.Failed = append(res.Failed, op)
				continue
			}
			res.Conflicts = append(res.Conflicts, *rec)
			continue
		}

		ch, err := m.acceptLocked(tenant, op.Type, e, base)
		if err != nil {
			res.Failed = append(res.Failed, op)
			continue
		}
		accepted = append(accepted, ch)
		res.Succeeded = append(res.Succeeded, op.ID)
	}
	m.mu.Unlock()

	for _, ch := range accepted {
		m.notify(tenant, ch)
	}
	return res, nil
}

// classify decides whether a pushed operation is stale against the server
// copy. base is the version the client edited.
func classify(op schema.OpType, base int64, cur schema.Entity, exists bool) (schema.ConflictType, bool) {
	if !exists {
		return "", false
	}
	switch op {
	case schema.OpCreate:
		if !cur.Meta().Deleted {
			return schema.ConflictConcurrentCreation, true
		}
		return "", false
	case schema.OpDelete:
		if base < cur.Meta().Version {
			return schema.ConflictDelete, true
		}
		return "", false
	default:
		if cur.Meta().Deleted && base < cur.Meta().Version {
			return schema.ConflictDelete, true
		}
		if base < cur.Meta().Version {
			return schema.ConflictUpdate, true
		}
		return "", false
	}
}

// acceptLocked stores e as the next version and appends a change.
func (m *Memory) acceptLocked(tenant string, op schema.OpType, e schema.Entity, base int64) (schema.Change, error) {
	stored, err := schema.Clone(e)
	if err != nil {
		return schema.Change{}, err
	}
	key := recordKey{tenant, e.Kind(), e.Meta().ID}
	version := base
	if cur, ok := m.records[key]; ok {
		version = max(version, cur.Meta().Version)
	}

	meta := stored.Meta()
	meta.TenantID = tenant
	meta.Version = version + 1
	meta.SyncStatus = schema.StatusSynced
	if op == schema.OpDelete {
		meta.Deleted = true
	}
	if meta.LastModified.IsZero() {
		meta.LastModified = m.now()
	}

	data, err := schema.Encode(stored)
	if err != nil {
		return schema.Change{}, err
	}
	m.records[key] = stored

	ch := schema.Change{
		EntityType: e.Kind(),
		EntityID:   meta.ID,
		Operation:  op,
		Data:       data,
		Timestamp:  m.tickLocked(),
		Version:    meta.Version,
	}
	m.log = append(m.log, logEntry{tenant: tenant, change: ch})
	return ch, nil
}

// tickLocked returns a strictly increasing server timestamp.
func (m *Memory) tickLocked() time.Time {
	t := m.now()
	if !t.After(m.last) {
		t = m.last.Add(time.Microsecond)
	}
	m.last = t
	return t
}

func (m *Memory) pull(tenant string, since *time.Time) ([]schema.Change, error) {
	m.pullCalls.Add(1)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.offline {
		return nil, &NetworkError{Op: "pull", Err: ErrOffline}
	}

	var out []schema.Change
	for _, le := range m.log {
		if le.tenant != tenant {
			continue
		}
		if since != nil && !le.change.Timestamp.After(*since) {
			continue
		}
		out = append(out, le.change)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (m *Memory) subscribe(tenant string, onChange func(schema.Change)) (Unsubscribe, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.offline {
		return nil, &NetworkError{Op: "subscribe", Err: ErrOffline}
	}
	id := m.nextSub
	m.nextSub++
	m.subs[id] = subscriber{tenant: tenant, onChange: onChange}

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
		})
	}, nil
}

// SubscriberCount returns the number of live subscriptions.
func (m *Memory) SubscriberCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}

// notify delivers ch to the tenant's subscribers outside the lock so a
// subscriber may call back into the server.
func (m *Memory) notify(tenant string, ch schema.Change) {
	m.mu.Lock()
	if m.offline {
		m.mu.Unlock()
		return
	}
	var fns []func(schema.Change)
	for _, s := range m.subs {
		if s.tenant == tenant {
			fns = append(fns, s.onChange)
		}
	}
	m.mu.Unlock()

	for _, fn := range fns {
		fn(ch)
	}
}

// MemoryClient is a tenant-scoped view of a Memory server.
type MemoryClient struct {
	server *Memory
	tenant string
}

var (
	_ Network = (*MemoryClient)(nil)
	_ Prober  = (*MemoryClient)(nil)
)

func (c *MemoryClient) Push(ctx context.Context, ops []*schema.SyncOperation) (*PushResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, &NetworkError{Op: "push", Err: err}
	}
	return c.server.push(c.tenant, ops)
}

func (c *MemoryClient) Pull(ctx context.Context, since *time.Time) ([]schema.Change, error) {
	if err := ctx.Err(); err != nil {
		return nil, &NetworkError{Op: "pull", Err: err}
	}
	return c.server.pull(c.tenant, since)
}

func (c *MemoryClient) Subscribe(ctx context.Context, onChange func(schema.Change)) (Unsubscribe, error) {
	if onChange == nil {
		return nil, fmt.Errorf("onChange is required")
	}
	return c.server.subscribe(c.tenant, onChange)
}

func (c *MemoryClient) Reachable(ctx context.Context) bool {
	return ctx.Err() == nil && c.server.Online()
}
