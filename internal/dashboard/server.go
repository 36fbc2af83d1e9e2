// Package dashboard serves a live view of the sync engine.
//
// Connected WebSocket clients receive an event for every cycle start,
// completion and error, every remote update written locally and every
// conflict that needs input. /status returns the engine status as JSON and
// /metrics exposes the Prometheus registry.
package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/steveyegge/fitsync/internal/engine"
)

// EventType names what an Event reports.
type EventType string

const (
	EventSyncStarted   EventType = "sync_started"
	EventSyncCompleted EventType = "sync_completed" // data: engine.Result
	EventSyncError     EventType = "sync_error"     // data: ErrorData
	EventRemoteUpdate  EventType = "remote_update"  // data: RemoteUpdateData
	EventConflict      EventType = "conflict"       // data: schema.ConflictRecord
	EventStats         EventType = "stats"          // data: StatsData, or engine.Status on connect
)

// Event is one JSON frame sent to every client.
type Event struct {
	Type EventType       `json:"type"`
	At   time.Time       `json:"timestamp"`
	Data json.RawMessage `json:"data,omitempty"`
}

// StatusSource reports the engine status for /status. *engine.Engine
// satisfies it.
type StatusSource interface {
	GetSyncStatus(ctx context.Context) (*engine.Status, error)
}

// Config holds server configuration.
type Config struct {
	// Host to bind; empty binds every interface
	Host string

	// Port to bind; 0 picks a free one
	Port int

	// Logger for connections and errors
	Logger *log.Logger
}

// DefaultConfig binds port 8080 on every interface.
func DefaultConfig() *Config {
	return &Config{
		Port:   8080,
		Logger: log.Default(),
	}
}

const (
	// queued frames per client before it counts as too slow
	clientQueue  = 64
	writeTimeout = 5 * time.Second
)

// client is one WebSocket connection with its own send queue.
type client struct {
	conn   *websocket.Conn
	remote string
	out    chan []byte
	gone   chan struct{}
	once   sync.Once
}

func (c *client) drop(code websocket.StatusCode, reason string) {
	c.once.Do(func() {
		close(c.gone)
		_ = c.conn.Close(code, reason)
	})
}

// Server fans engine events out to WebSocket clients. A client that falls
// clientQueue frames behind is disconnected; the others are unaffected.
type Server struct {
	addr   string
	status StatusSource
	logger *log.Logger

	mu      sync.Mutex
	clients map[*client]struct{}
	ln      net.Listener
	http    *http.Server
	closed  bool

	wg sync.WaitGroup
}

// NewServer creates a dashboard server. status may be nil, in which case
// /status answers 503.
func NewServer(config *Config, status StatusSource) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	logger := config.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Server{
		addr:    net.JoinHostPort(config.Host, fmt.Sprint(config.Port)),
		status:  status,
		logger:  logger,
		clients: make(map[*client]struct{}),
	}
}

// Routes returns the HTTP handler without binding a port.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /{$}", s.handleIndex)
	return mux
}

// Listen binds the configured address and serves in the background until
// Close.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	srv := &http.Server{Handler: s.Routes(), ReadHeaderTimeout: 10 * time.Second}

	s.mu.Lock()
	s.ln, s.http = ln, srv
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("Dashboard on http://%s", ln.Addr())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Printf("Dashboard stopped serving: %v", err)
		}
	}()
	return nil
}

// Close disconnects every client and shuts the listener down. It waits up
// to five seconds for in-flight HTTP requests.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	srv := s.http
	clients := s.clients
	s.clients = make(map[*client]struct{})
	s.mu.Unlock()

	for c := range clients {
		c.drop(websocket.StatusGoingAway, "dashboard closing")
	}

	var err error
	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if serr := srv.Shutdown(ctx); serr != nil {
			err = fmt.Errorf("failed to shut down dashboard: %w", serr)
		}
	}
	s.wg.Wait()
	return err
}

// Broadcast encodes ev once and queues it for every client without
// blocking. Clients whose queue is full are dropped.
func (s *Server) Broadcast(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	frame, err := json.Marshal(ev)
	if err != nil {
		s.logger.Printf("Cannot encode %s event: %v", ev.Type, err)
		return
	}

	var slow []*client
	s.mu.Lock()
	for c := range s.clients {
		select {
		case c.out <- frame:
		default:
			slow = append(slow, c)
			delete(s.clients, c)
		}
	}
	s.mu.Unlock()

	for _, c := range slow {
		s.logger.Printf("Dropping dashboard client %s: %d events behind", c.remote, clientQueue)
		c.drop(websocket.StatusPolicyViolation, "too slow")
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Printf("Rejected dashboard connection from %s: %v", r.RemoteAddr, err)
		return
	}
	c := &client{conn: conn, remote: r.RemoteAddr, out: make(chan []byte, clientQueue), gone: make(chan struct{})}

	// The first frame is the engine status, so a new client has something
	// to show before the next cycle.
	hello := Event{Type: EventStats, At: time.Now().UTC()}
	if s.status != nil {
		if st, err := s.status.GetSyncStatus(r.Context()); err == nil {
			hello.Data, _ = json.Marshal(st)
		}
	}
	frame, _ := json.Marshal(hello)
	c.out <- frame

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		c.drop(websocket.StatusGoingAway, "dashboard closing")
		return
	}
	s.clients[c] = struct{}{}
	n := len(s.clients)
	s.mu.Unlock()
	s.logger.Printf("Dashboard client %s connected, %d open", r.RemoteAddr, n)

	s.wg.Add(2)
	go s.writeFrames(c)
	go s.awaitHangup(c)
}

// writeFrames sends c's queue in order until c is dropped.
func (s *Server) writeFrames(c *client) {
	defer s.wg.Done()
	for {
		select {
		case <-c.gone:
			return
		case frame := <-c.out:
			ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
			err := c.conn.Write(ctx, websocket.MessageText, frame)
			cancel()
			if err != nil {
				s.forget(c)
				c.drop(websocket.StatusInternalError, "write failed")
				return
			}
		}
	}
}

// awaitHangup reads until the client goes away. Incoming frames are
// discarded.
func (s *Server) awaitHangup(c *client) {
	defer s.wg.Done()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-c.gone
		cancel()
	}()

	for {
		if _, _, err := c.conn.Read(ctx); err != nil {
			break
		}
	}
	if s.forget(c) {
		s.logger.Printf("Dashboard client %s left", c.remote)
	}
	c.drop(websocket.StatusNormalClosure, "")
}

// forget removes c and reports whether it was still registered.
func (s *Server) forget(c *client) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.clients[c]
	delete(s.clients, c)
	return ok
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"clients": s.Clients(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.status == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "no engine attached"})
		return
	}
	st, err := s.status.GetSyncStatus(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = fmt.Fprintf(w, `<!DOCTYPE html>
<title>fitsync</title>
<h1>fitsync</h1>
<ul>
  <li>events: <code>ws://%s/ws</code></li>
  <li><a href="/status">status</a></li>
  <li><a href="/health">health</a></li>
  <li><a href="/metrics">metrics</a></li>
</ul>
`, r.Host)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Addr is the bound address once Listen has run, else the configured one.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.addr
}

// Clients returns the number of connected WebSocket clients.
func (s *Server) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}
