// Package daemon hosts the sync engine as a long-running process.
//
// The daemon:
//  1. Queues every mutation file already in the spool directory
//  2. Watches the spool directory and queues new files after a short debounce
//  3. Rescans the spool periodically for files a missed event left behind
//  4. Runs the engine's periodic cycle and connectivity probe
//  5. Optionally serves the dashboard
//
// Queued files are removed. Files that can never be queued are moved to the
// rejected/ subdirectory; files that failed for a local storage reason stay
// for the next scan.
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/steveyegge/fitsync/internal/dashboard"
	"github.com/steveyegge/fitsync/internal/engine"
	"github.com/steveyegge/fitsync/internal/schema"
	"github.com/steveyegge/fitsync/internal/store"
)

// RejectedDir is the spool subdirectory holding files that cannot be queued.
const RejectedDir = "rejected"

var spoolFilesCounter = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "fitsync",
		Subsystem: "daemon",
		Name:      "spool_files_total",
		Help:      "Spool files processed, by result",
	},
	[]string{"result"},
)

func init() {
	prometheus.MustRegister(spoolFilesCounter)
}

// Syncer is the engine surface the daemon drives. *engine.Engine satisfies
// it; when the value also implements dashboard.EventSource and
// dashboard.StatusSource the dashboard follows it.
type Syncer interface {
	QueueChange(ctx context.Context, typ schema.OpType, kind schema.Kind, id string, data json.RawMessage) error
	Run(ctx context.Context) error
}

// Config holds configuration for the daemon.
type Config struct {
	// DebounceInterval is how long a spool file must be quiet before it is
	// queued. This lets a writer finish before the file is read.
	DebounceInterval time.Duration

	// RescanInterval is how often the whole spool directory is rescanned
	RescanInterval time.Duration

	// Dashboard, when set, starts the dashboard server with the daemon
	Dashboard *dashboard.Config

	// Logger for daemon activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DebounceInterval: 100 * time.Millisecond,
		RescanInterval:   30 * time.Second,
		Logger:           log.New(os.Stderr, "[daemon] ", log.LstdFlags),
	}
}

// Stats counts spool files handled since Start.
type Stats struct {
	Queued   int64 `json:"queued"`
	Rejected int64 `json:"rejected"`
	Deferred int64 `json:"deferred"`
}

// Daemon ties the spool directory, the engine and the dashboard together.
type Daemon struct {
	syncer   Syncer
	spoolDir string
	config   *Config
	logger   *log.Logger

	watcher *SpoolWatcher
	server  *dashboard.Server
	bridge  *dashboard.Handler

	changeQueue   map[string]time.Time // path -> last event
	changeQueueMu sync.Mutex

	// ingestMu keeps a rescan and the debounced path off the same file.
	ingestMu sync.Mutex

	queued   atomic.Int64
	rejected atomic.Int64
	deferred atomic.Int64

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New creates a daemon with default configuration.
func New(syncer Syncer, spoolDir string) (*Daemon, error) {
	return NewWithConfig(syncer, spoolDir, DefaultConfig())
}

// NewWithConfig creates a daemon with custom configuration.
func NewWithConfig(syncer Syncer, spoolDir string, config *Config) (*Daemon, error) {
	if syncer == nil {
		return nil, fmt.Errorf("syncer cannot be nil")
	}
	if spoolDir == "" {
		return nil, fmt.Errorf("spoolDir cannot be empty")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.DebounceInterval <= 0 {
		return nil, fmt.Errorf("debounce interval must be positive")
	}
	if config.RescanInterval <= 0 {
		return nil, fmt.Errorf("rescan interval must be positive")
	}
	logger := config.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[daemon] ", log.LstdFlags)
	}

	watcher, err := NewSpoolWatcher()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Daemon{
		syncer:      syncer,
		spoolDir:    spoolDir,
		config:      config,
		logger:      logger,
		watcher:     watcher,
		changeQueue: make(map[string]time.Time),
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// Start runs the daemon. It blocks until ctx is cancelled, Stop is called
// or the engine's run loop fails.
func (d *Daemon) Start(ctx context.Context) error {
	d.logger.Println("Starting daemon")

	if err := os.MkdirAll(filepath.Join(d.spoolDir, RejectedDir), 0755); err != nil {
		return fmt.Errorf("failed to create spool directory: %w", err)
	}

	if n := d.IngestSpool(); n > 0 {
		d.logger.Printf("Queued %d spooled mutations", n)
	}

	if err := d.watcher.Start(d.spoolDir); err != nil {
		return err
	}
	d.logger.Printf("Watching: %s", d.spoolDir)

	if err := d.startDashboard(); err != nil {
		d.watcher.Stop()
		return err
	}

	runErr := make(chan error, 1)
	d.wg.Add(4)
	go d.watchSpoolEvents()
	go d.processChangeQueue()
	go d.rescanSpool()
	go func() {
		defer d.wg.Done()
		runErr <- d.syncer.Run(d.ctx)
	}()

	select {
	case <-ctx.Done():
		d.logger.Println("Shutdown signal received")
		return d.Stop()
	case err := <-runErr:
		stopErr := d.Stop()
		if err != nil {
			return fmt.Errorf("engine run loop failed: %w", err)
		}
		return stopErr
	case <-d.ctx.Done():
		return nil
	}
}

func (d *Daemon) startDashboard() error {
	if d.config.Dashboard == nil {
		return nil
	}
	status, _ := d.syncer.(dashboard.StatusSource)
	d.server = dashboard.NewServer(d.config.Dashboard, status)
	if err := d.server.Listen(); err != nil {
		return fmt.Errorf("failed to start dashboard: %w", err)
	}
	if src, ok := d.syncer.(dashboard.EventSource); ok {
		d.bridge = dashboard.NewHandler(d.server, d.config.Dashboard.Logger)
		d.bridge.Attach(src)
	}
	return nil
}

// Stop gracefully shuts down the daemon. The engine itself is left open
// for the caller to close.
func (d *Daemon) Stop() error {
	var err error
	d.stopOnce.Do(func() {
		d.logger.Println("Stopping daemon")
		d.cancel()

		if werr := d.watcher.Stop(); werr != nil {
			d.logger.Printf("Error closing watcher: %v", werr)
		}
		d.wg.Wait()

		if d.bridge != nil {
			d.bridge.Detach()
		}
		if d.server != nil {
			err = d.server.Close()
		}
		d.logger.Println("Daemon stopped")
	})
	return err
}

// DashboardAddr returns the dashboard's listening address, or "" when the
// dashboard is disabled.
func (d *Daemon) DashboardAddr() string {
	if d.server == nil {
		return ""
	}
	return d.server.Addr()
}

// Stats returns the spool counters.
func (d *Daemon) Stats() Stats {
	return Stats{
		Queued:   d.queued.Load(),
		Rejected: d.rejected.Load(),
		Deferred: d.deferred.Load(),
	}
}

// IngestSpool queues every mutation file currently in the spool directory,
// oldest name first, and returns how many were queued.
func (d *Daemon) IngestSpool() int {
	paths, err := schema.ListMutationFiles(d.spoolDir)
	if err != nil {
		d.logger.Printf("Error scanning spool: %v", err)
		return 0
	}
	n := 0
	for _, path := range paths {
		if d.ingestFile(path) {
			n++
		}
	}
	return n
}

func (d *Daemon) watchSpoolEvents() {
	defer d.wg.Done()

	events, errs := d.watcher.Events(), d.watcher.Errors()
	for {
		select {
		case <-d.ctx.Done():
			return

		case ev, ok := <-events:
			if !ok {
				return
			}
			d.queueChange(ev.Path)

		case err, ok := <-errs:
			if !ok {
				return
			}
			d.logger.Printf("Watcher error: %v", err)
		}
	}
}

// queueChange records a file event; repeated events push the deadline out.
func (d *Daemon) queueChange(path string) {
	d.changeQueueMu.Lock()
	defer d.changeQueueMu.Unlock()

	d.changeQueue[path] = time.Now()
}

func (d *Daemon) processChangeQueue() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.DebounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.processPendingChanges()
		}
	}
}

// processPendingChanges ingests files that have been quiet long enough.
func (d *Daemon) processPendingChanges() {
	now := time.Now()

	d.changeQueueMu.Lock()
	var ready []string
	for path, queuedAt := range d.changeQueue {
		if now.Sub(queuedAt) < d.config.DebounceInterval {
			continue
		}
		ready = append(ready, path)
		delete(d.changeQueue, path)
	}
	d.changeQueueMu.Unlock()

	for _, path := range ready {
		d.ingestFile(path)
	}
}

func (d *Daemon) rescanSpool() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.RescanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			if n := d.IngestSpool(); n > 0 {
				d.logger.Printf("Rescan queued %d mutations", n)
			}
		}
	}
}

// ingestFile queues one spool file and reports whether it was queued.
func (d *Daemon) ingestFile(path string) bool {
	d.ingestMu.Lock()
	defer d.ingestMu.Unlock()

	m, err := schema.ReadMutationFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// Already handled by the other path.
			return false
		}
		d.reject(path, err)
		return false
	}

	err = d.syncer.QueueChange(d.ctx, m.Type, m.EntityType, m.EntityID, m.Data)
	if err != nil {
		if retryable(err) {
			d.deferred.Add(1)
			spoolFilesCounter.WithLabelValues("deferred").Inc()
			d.logger.Printf("Deferring %s: %v", filepath.Base(path), err)
			return false
		}
		d.reject(path, err)
		return false
	}

	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		// Queueing is idempotent per entity state, so a second pass is harmless.
		d.logger.Printf("Warning: failed to remove %s: %v", path, err)
	}
	d.queued.Add(1)
	spoolFilesCounter.WithLabelValues("queued").Inc()
	d.logger.Printf("Queued %s %s/%s", m.Type, m.EntityType, m.EntityID)
	return true
}

// retryable reports whether a failed file may succeed on a later scan.
func retryable(err error) bool {
	var serr *store.StorageError
	return errors.As(err, &serr) ||
		errors.Is(err, engine.ErrClosed) ||
		errors.Is(err, engine.ErrNotInitialized) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

func (d *Daemon) reject(path string, cause error) {
	d.rejected.Add(1)
	spoolFilesCounter.WithLabelValues("rejected").Inc()
	d.logger.Printf("Rejecting %s: %v", filepath.Base(path), cause)

	dst := filepath.Join(d.spoolDir, RejectedDir, filepath.Base(path))
	if err := os.Rename(path, dst); err != nil {
		d.logger.Printf("Warning: failed to move %s aside: %v", path, err)
	}
}
