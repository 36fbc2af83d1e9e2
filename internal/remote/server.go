package remote

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/steveyegge/fitsync/internal/schema"
)

// TenantHeader carries the tenant id on HTTP requests. Tenant resolution
// proper belongs to the production server; this is enough for development.
const TenantHeader = "X-Tenant-ID"

type pushRequest struct {
	Operations []*schema.SyncOperation `json:"operations"`
}

type pullResponse struct {
	Changes []schema.Change `json:"changes"`
}

// Handler exposes a Memory server over HTTP:
//
//	POST /sync/push      {"operations": [...]} -> PushResult
//	GET  /sync/pull      ?since=<RFC3339Nano>   -> {"changes": [...]}
//	GET  /sync/realtime  WebSocket stream of Change messages
//	GET  /health
type Handler struct {
	mem    *Memory
	logger *log.Logger
	mux    *http.ServeMux

	streamsMu sync.Mutex
	streams   map[*websocket.Conn]struct{}
}

// NewHandler creates the HTTP front for mem.
func NewHandler(mem *Memory, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.Default()
	}
	h := &Handler{
		mem:     mem,
		logger:  logger,
		mux:     http.NewServeMux(),
		streams: make(map[*websocket.Conn]struct{}),
	}
	h.mux.HandleFunc("POST /sync/push", h.handlePush)
	h.mux.HandleFunc("GET /sync/pull", h.handlePull)
	h.mux.HandleFunc("GET /sync/realtime", h.handleRealtime)
	h.mux.HandleFunc("GET /health", h.handleHealth)
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// CloseStreams drops every open real-time connection. Clients are expected
// to reconnect.
func (h *Handler) CloseStreams() {
	h.streamsMu.Lock()
	conns := make([]*websocket.Conn, 0, len(h.streams))
	for conn := range h.streams {
		conns = append(conns, conn)
	}
	h.streamsMu.Unlock()

	for _, conn := range conns {
		_ = conn.Close(websocket.StatusGoingAway, "stream closed by server")
	}
}

// StreamCount returns the number of open real-time connections.
func (h *Handler) StreamCount() int {
	h.streamsMu.Lock()
	defer h.streamsMu.Unlock()
	return len(h.streams)
}

func tenantOf(r *http.Request) string {
	if t := r.Header.Get(TenantHeader); t != "" {
		return t
	}
	return r.URL.Query().Get("tenant")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (h *Handler) handlePush(w http.ResponseWriter, r *http.Request) {
	tenant := tenantOf(r)
	if tenant == "" {
		writeError(w, http.StatusBadRequest, "missing tenant")
		return
	}
	var req pushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid push body: "+err.Error())
		return
	}

	res, err := h.mem.push(tenant, req.Operations)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) handlePull(w http.ResponseWriter, r *http.Request) {
	tenant := tenantOf(r)
	if tenant == "" {
		writeError(w, http.StatusBadRequest, "missing tenant")
		return
	}

	var since *time.Time
	if s := r.URL.Query().Get("since"); s != "" {
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid since: "+err.Error())
			return
		}
		since = &t
	}

	changes, err := h.mem.pull(tenant, since)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	if changes == nil {
		changes = []schema.Change{}
	}
	writeJSON(w, http.StatusOK, pullResponse{Changes: changes})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !h.mem.Online() {
		writeError(w, http.StatusServiceUnavailable, ErrOffline.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"subscribers": h.mem.SubscriberCount(),
	})
}

// handleRealtime streams the tenant's accepted changes until the client
// goes away.
func (h *Handler) handleRealtime(w http.ResponseWriter, r *http.Request) {
	tenant := tenantOf(r)
	if tenant == "" {
		writeError(w, http.StatusBadRequest, "missing tenant")
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}
	defer conn.CloseNow()

	h.streamsMu.Lock()
	h.streams[conn] = struct{}{}
	h.streamsMu.Unlock()
	defer func() {
		h.streamsMu.Lock()
		delete(h.streams, conn)
		h.streamsMu.Unlock()
	}()

	// Subscribers are called synchronously by pushes; never block them.
	out := make(chan schema.Change, 256)
	unsubscribe, err := h.mem.subscribe(tenant, func(ch schema.Change) {
		select {
		case out <- ch:
		default:
			h.logger.Printf("Warning: realtime buffer full for tenant %s, dropping change %s", tenant, ch.EntityID)
		}
	})
	if err != nil {
		_ = conn.Close(websocket.StatusTryAgainLater, "server offline")
		return
	}
	defer unsubscribe()

	// Nothing is read from clients; CloseRead handles control frames and
	// cancels ctx once the peer disconnects.
	ctx := conn.CloseRead(r.Context())

	for {
		select {
		case <-ctx.Done():
			return
		case ch := <-out:
			data, err := json.Marshal(ch)
			if err != nil {
				h.logger.Printf("Failed to marshal change: %v", err)
				continue
			}
			wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err = conn.Write(wctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				return
			}
		}
	}
}
