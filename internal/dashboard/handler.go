package dashboard

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/steveyegge/fitsync/internal/engine"
	"github.com/steveyegge/fitsync/internal/schema"
)

// EventSource is the subset of *engine.Engine the handler subscribes to.
type EventSource interface {
	OnSyncStarted(fn func()) func()
	OnSyncCompleted(fn func(*engine.Result)) func()
	OnSyncError(fn func(error)) func()
	OnRemoteUpdate(fn func(schema.Change)) func()
	OnConflictNeedsInput(fn func(*schema.ConflictRecord, engine.ResolveFunc)) func()
}

// StatsData holds the counters the dashboard has seen since it started.
type StatsData struct {
	Cycles        int       `json:"cycles"`
	Pushed        int       `json:"pushed"`
	Pulled        int       `json:"pulled"`
	Conflicts     int       `json:"conflicts"`
	Errors        int       `json:"errors"`
	RemoteUpdates int       `json:"remote_updates"`
	LastSyncAt    time.Time `json:"last_sync_at,omitzero"`
	LastError     string    `json:"last_error,omitempty"`
}

// ErrorData is the payload of a sync_error event.
type ErrorData struct {
	Error string `json:"error"`
}

// RemoteUpdateData is the payload of a remote_update event.
type RemoteUpdateData struct {
	EntityType schema.Kind   `json:"entity_type"`
	EntityID   string        `json:"entity_id"`
	Operation  schema.OpType `json:"operation"`
	Version    int64         `json:"version"`
}

// Handler turns engine events into dashboard events.
type Handler struct {
	server *Server
	logger *log.Logger

	mu    sync.Mutex
	stats StatsData

	unsubs []func()
}

// NewHandler creates a handler broadcasting through server
func NewHandler(server *Server, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.Default()
	}
	return &Handler{server: server, logger: logger}
}

// Attach subscribes to src. Detach undoes it.
func (h *Handler) Attach(src EventSource) {
	h.unsubs = append(h.unsubs,
		src.OnSyncStarted(h.OnSyncStarted),
		src.OnSyncCompleted(h.OnSyncCompleted),
		src.OnSyncError(h.OnSyncError),
		src.OnRemoteUpdate(h.OnRemoteUpdate),
		src.OnConflictNeedsInput(func(rec *schema.ConflictRecord, _ engine.ResolveFunc) {
			h.OnConflict(rec)
		}),
	)
}

// Detach removes every subscription made by Attach.
func (h *Handler) Detach() {
	for _, fn := range h.unsubs {
		fn()
	}
	h.unsubs = nil
}

// OnSyncStarted handles the start of a cycle
func (h *Handler) OnSyncStarted() {
	h.send(EventSyncStarted, nil)
}

// OnSyncCompleted handles a finished cycle
func (h *Handler) OnSyncCompleted(res *engine.Result) {
	h.mu.Lock()
	h.stats.Cycles++
	h.stats.Pushed += res.Synced
	h.stats.Pulled += res.Pulled
	h.stats.Conflicts += res.Conflicts
	h.stats.Errors += res.Errors
	h.stats.LastSyncAt = res.StartedAt.Add(res.Duration)
	h.mu.Unlock()

	h.send(EventSyncCompleted, res)
	h.broadcastStats()
}

// OnSyncError handles a failed cycle or a dropped operation
func (h *Handler) OnSyncError(err error) {
	h.logger.Printf("Sync error: %v", err)

	h.mu.Lock()
	h.stats.Errors++
	h.stats.LastError = err.Error()
	h.mu.Unlock()

	h.send(EventSyncError, ErrorData{Error: err.Error()})
}

// OnRemoteUpdate handles a remote change written locally
func (h *Handler) OnRemoteUpdate(ch schema.Change) {
	h.mu.Lock()
	h.stats.RemoteUpdates++
	h.mu.Unlock()

	h.send(EventRemoteUpdate, RemoteUpdateData{
		EntityType: ch.EntityType,
		EntityID:   ch.EntityID,
		Operation:  ch.Operation,
		Version:    ch.Version,
	})
}

// OnConflict handles a conflict that waits for a person
func (h *Handler) OnConflict(rec *schema.ConflictRecord) {
	h.logger.Printf("Conflict needs input: %s %s/%s", rec.ConflictType, rec.EntityType, rec.EntityID)
	h.send(EventConflict, rec)
}

// GetStats returns a copy of the current counters
func (h *Handler) GetStats() StatsData {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stats
}

func (h *Handler) broadcastStats() {
	h.send(EventStats, h.GetStats())
}

func (h *Handler) send(typ EventType, data any) {
	ev := Event{Type: typ, At: time.Now().UTC()}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			h.logger.Printf("Failed to marshal %s data: %v", typ, err)
			return
		}
		ev.Data = raw
	}
	h.server.Broadcast(ev)
}
