package engine

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/steveyegge/fitsync/internal/remote"
	"github.com/steveyegge/fitsync/internal/resolver"
	"github.com/steveyegge/fitsync/internal/store"
)

// Config holds configuration for the sync engine.
type Config struct {
	// Interval between periodic cycles while the network is reachable
	Interval time.Duration

	// ProbeInterval is how often Run checks reachability to catch reconnects
	ProbeInterval time.Duration

	// BatchSize is the maximum number of operations per push
	BatchSize int

	// RetryDelays is the backoff schedule for failed operations; the last
	// entry repeats
	RetryDelays []time.Duration

	// MaxRetries is the retry ceiling; an operation is dropped once it has
	// failed this many times
	MaxRetries int

	// Logger for engine activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Interval:      30 * time.Second,
		ProbeInterval: 5 * time.Second,
		BatchSize:     50,
		RetryDelays:   []time.Duration{time.Second, 2 * time.Second, 5 * time.Second, 10 * time.Second, 30 * time.Second},
		MaxRetries:    5,
		Logger:        log.New(os.Stderr, "[engine] ", log.LstdFlags),
	}
}

// Validate checks the configuration ranges.
func (c *Config) Validate() error {
	if c.Interval <= 0 {
		return fmt.Errorf("interval must be positive")
	}
	if c.ProbeInterval <= 0 {
		return fmt.Errorf("probe interval must be positive")
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive")
	}
	if len(c.RetryDelays) == 0 {
		return fmt.Errorf("retry delays cannot be empty")
	}
	for _, d := range c.RetryDelays {
		if d < 0 {
			return fmt.Errorf("retry delays cannot be negative")
		}
	}
	if c.MaxRetries <= 0 {
		return fmt.Errorf("max retries must be positive")
	}
	return nil
}

// Engine reconciles the local store with the remote server.
type Engine struct {
	db       *store.DB
	net      remote.Network
	resolver *resolver.Resolver
	pending  *resolver.Pending
	config   *Config
	logger   *log.Logger

	tenant   string
	tenantMu sync.RWMutex

	// writeMu serializes local bookkeeping: queued mutations, acks,
	// conflict resolution and remote applies to entities with local work.
	// It is never held across a network call.
	writeMu sync.Mutex

	// inflight holds ids of operations in a push batch; conflict
	// resolution leaves them alone.
	inflight   map[string]struct{}
	inflightMu sync.Mutex

	retries   map[string]*time.Timer
	retriesMu sync.Mutex

	group    singleflight.Group
	state    atomic.Value // State
	online   atomic.Bool
	rerun    atomic.Bool
	lastSync atomic.Pointer[time.Time]

	unsubscribe   remote.Unsubscribe
	unsubscribeMu sync.Mutex

	statsMu sync.Mutex
	events  events

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	lifeMu sync.Mutex
	closed atomic.Bool
}

// New creates an engine over db and net with the default configuration.
func New(db *store.DB, net remote.Network) (*Engine, error) {
	return NewWithConfig(db, net, DefaultConfig())
}

// NewWithConfig creates an engine with custom configuration.
func NewWithConfig(db *store.DB, net remote.Network, config *Config) (*Engine, error) {
	if db == nil {
		return nil, fmt.Errorf("db cannot be nil")
	}
	if net == nil {
		return nil, fmt.Errorf("network cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid engine config: %w", err)
	}
	logger := config.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[engine] ", log.LstdFlags)
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		db:       db,
		net:      net,
		resolver: resolver.New(db),
		pending:  resolver.NewPending(),
		config:   config,
		logger:   logger,
		inflight: make(map[string]struct{}),
		retries:  make(map[string]*time.Timer),
		ctx:      ctx,
		cancel:   cancel,
	}
	e.state.Store(StateIdle)
	e.online.Store(true)
	return e, nil
}

// Resolver exposes the conflict resolver, mainly for preference management.
func (e *Engine) Resolver() *resolver.Resolver {
	return e.resolver
}

// Init binds the engine to a tenant, prepares the store, re-arms retry
// timers left by a previous run and subscribes to real-time changes.
//
// A failed subscription is not fatal: the engine works from pulls and
// subscribes again on the next reconnect.
func (e *Engine) Init(ctx context.Context, tenantID string) error {
	if e.closed.Load() {
		return ErrClosed
	}
	if tenantID == "" {
		return fmt.Errorf("tenant id cannot be empty")
	}
	if err := e.db.InitSchemaContext(ctx); err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}

	e.tenantMu.Lock()
	e.tenant = tenantID
	e.tenantMu.Unlock()

	if err := e.loadLastSync(ctx); err != nil {
		return err
	}
	if err := e.rearmRetries(ctx); err != nil {
		return err
	}

	e.online.Store(e.probe(ctx))
	if err := e.subscribe(); err != nil {
		e.logger.Printf("Real-time subscription unavailable: %v", err)
	}

	e.logger.Printf("Initialized for tenant %s", tenantID)
	return nil
}

func (e *Engine) tenantID() string {
	e.tenantMu.RLock()
	defer e.tenantMu.RUnlock()
	return e.tenant
}

// subscribe opens the real-time channel unless it is already open.
func (e *Engine) subscribe() error {
	e.unsubscribeMu.Lock()
	defer e.unsubscribeMu.Unlock()
	if e.unsubscribe != nil {
		return nil
	}
	unsub, err := e.net.Subscribe(e.ctx, e.handleRealtime)
	if err != nil {
		return err
	}
	e.unsubscribe = unsub
	return nil
}

// Close stops the engine: the run loop and retry timers are cancelled and
// the real-time channel is closed. A cycle already pushing finishes first.
func (e *Engine) Close() error {
	e.lifeMu.Lock()
	if !e.closed.CompareAndSwap(false, true) {
		e.lifeMu.Unlock()
		return nil
	}
	e.lifeMu.Unlock()
	e.cancel()

	e.retriesMu.Lock()
	for id, t := range e.retries {
		t.Stop()
		delete(e.retries, id)
	}
	e.retriesMu.Unlock()

	e.unsubscribeMu.Lock()
	if e.unsubscribe != nil {
		e.unsubscribe()
		e.unsubscribe = nil
	}
	e.unsubscribeMu.Unlock()

	e.wg.Wait()
	e.logger.Println("Engine stopped")
	return nil
}
