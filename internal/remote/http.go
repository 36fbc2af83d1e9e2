package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/steveyegge/fitsync/internal/schema"
)

// HTTPConfig configures an HTTPClient.
type HTTPConfig struct {
	// BaseURL of the sync server, e.g. http://localhost:8787
	BaseURL string

	// TenantID is sent with every request.
	TenantID string

	// Timeout per push/pull request (default: 30s)
	Timeout time.Duration

	// ReconnectDelays is the real-time reconnect schedule; the last entry
	// repeats (default: 1s, 2s, 5s, 10s, 30s)
	ReconnectDelays []time.Duration

	// OnReconnect runs after the real-time stream is re-established.
	OnReconnect func()

	// Logger for client activity (default: stderr logger)
	Logger *log.Logger
}

// HTTPClient implements Network over HTTP and a WebSocket stream.
type HTTPClient struct {
	base    *url.URL
	tenant  string
	client  *http.Client
	delays  []time.Duration
	onRecon func()
	logger  *log.Logger
}

var (
	_ Network = (*HTTPClient)(nil)
	_ Prober  = (*HTTPClient)(nil)
)

// NewHTTPClient validates cfg and builds a client.
func NewHTTPClient(cfg HTTPConfig) (*HTTPClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	if cfg.TenantID == "" {
		return nil, fmt.Errorf("tenant id is required")
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("base URL must be http or https, got %q", base.Scheme)
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if len(cfg.ReconnectDelays) == 0 {
		cfg.ReconnectDelays = []time.Duration{time.Second, 2 * time.Second, 5 * time.Second, 10 * time.Second, 30 * time.Second}
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[remote] ", log.LstdFlags)
	}

	return &HTTPClient{
		base:    base,
		tenant:  cfg.TenantID,
		client:  &http.Client{Timeout: cfg.Timeout},
		delays:  cfg.ReconnectDelays,
		onRecon: cfg.OnReconnect,
		logger:  cfg.Logger,
	}, nil
}

// SetOnReconnect replaces the reconnect hook. Call before Subscribe.
func (c *HTTPClient) SetOnReconnect(fn func()) {
	c.onRecon = fn
}

func (c *HTTPClient) endpoint(path string) string {
	return c.base.String() + path
}

func (c *HTTPClient) do(ctx context.Context, op, method, target string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return &NetworkError{Op: op, Err: err}
	}
	req.Header.Set(TenantHeader, c.tenant)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return &NetworkError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &NetworkError{Op: op, Status: resp.StatusCode, Err: errors.New(strings.TrimSpace(string(msg)))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &NetworkError{Op: op, Err: fmt.Errorf("failed to decode response: %w", err)}
	}
	return nil
}

// Push sends a batch to POST /sync/push.
func (c *HTTPClient) Push(ctx context.Context, ops []*schema.SyncOperation) (*PushResult, error) {
	body, err := json.Marshal(pushRequest{Operations: ops})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal push batch: %w", err)
	}
	var res PushResult
	if err := c.do(ctx, "push", http.MethodPost, c.endpoint("/sync/push"), bytes.NewReader(body), &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Pull fetches changes newer than since from GET /sync/pull.
func (c *HTTPClient) Pull(ctx context.Context, since *time.Time) ([]schema.Change, error) {
	target := c.endpoint("/sync/pull")
	if since != nil {
		target += "?since=" + url.QueryEscape(since.UTC().Format(time.RFC3339Nano))
	}
	var res pullResponse
	if err := c.do(ctx, "pull", http.MethodGet, target, nil, &res); err != nil {
		return nil, err
	}
	return res.Changes, nil
}

// Reachable probes GET /health with a short timeout.
func (c *HTTPClient) Reachable(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return c.do(ctx, "health", http.MethodGet, c.endpoint("/health"), nil, nil) == nil
}

func (c *HTTPClient) realtimeURL() string {
	u := *c.base
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path += "/sync/realtime"
	return u.String()
}

// Subscribe opens the real-time stream in the background and keeps it open
// until the returned Unsubscribe is called or ctx ends. Dropped connections
// are re-dialled on the reconnect schedule; OnReconnect runs after every
// successful re-dial.
func (c *HTTPClient) Subscribe(ctx context.Context, onChange func(schema.Change)) (Unsubscribe, error) {
	if onChange == nil {
		return nil, fmt.Errorf("onChange is required")
	}
	ctx, cancel := context.WithCancel(ctx)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.streamLoop(ctx, onChange)
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			wg.Wait()
		})
	}, nil
}

func (c *HTTPClient) streamLoop(ctx context.Context, onChange func(schema.Change)) {
	connected := false
	attempt := 0
	for {
		err := c.stream(ctx, func() {
			if connected && c.onRecon != nil {
				c.onRecon()
			}
			connected = true
			attempt = 0
		}, onChange)
		if ctx.Err() != nil {
			return
		}

		delay := c.delays[min(attempt, len(c.delays)-1)]
		attempt++
		c.logger.Printf("Realtime stream lost (%v), reconnecting in %v", err, delay)

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// stream holds one connection. It returns when the connection drops.
func (c *HTTPClient) stream(ctx context.Context, onOpen func(), onChange func(schema.Change)) error {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	conn, _, err := websocket.Dial(dialCtx, c.realtimeURL(), &websocket.DialOptions{
		HTTPHeader: http.Header{TenantHeader: []string{c.tenant}},
	})
	cancel()
	if err != nil {
		return &NetworkError{Op: "subscribe", Err: err}
	}
	defer conn.CloseNow()
	conn.SetReadLimit(1 << 20)
	onOpen()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		var ch schema.Change
		if err := json.Unmarshal(data, &ch); err != nil {
			c.logger.Printf("Ignoring malformed realtime message: %v", err)
			continue
		}
		onChange(ch)
	}
}
