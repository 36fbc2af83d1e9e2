// Package loadtest measures the sync engine under concurrent local writes
// and real-time remote changes.
//
// One engine runs against an in-memory server. Writer goroutines call
// QueueChange on a small pool of workouts each, so an entity often has
// several operations queued. A remote writer publishes changes to other
// workouts that reach the engine over the real-time path, and a syncer
// forces cycles while all of this happens. At the end the queue is drained and every
// entity is checked on both sides.
package loadtest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/steveyegge/fitsync/internal/engine"
	"github.com/steveyegge/fitsync/internal/remote"
	"github.com/steveyegge/fitsync/internal/schema"
	"github.com/steveyegge/fitsync/internal/store"
)

const tenant = "loadtest"

// Config defines the parameters for a run.
type Config struct {
	// Writers is the number of concurrent local writers
	Writers int

	// WritesPerWriter is how many QueueChange calls each writer makes
	WritesPerWriter int

	// EntitiesPerWriter is the pool of workouts each writer edits
	EntitiesPerWriter int

	// RemoteChanges is how many server-side writes arrive in real time
	RemoteChanges int

	// SyncEvery is the pause between forced cycles during the run
	SyncEvery time.Duration

	// Dir holds the database. Empty uses a temporary directory that is
	// removed afterwards.
	Dir string

	// Logger for engine activity (default: discard)
	Logger *log.Logger
}

// DefaultConfig returns a run configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Writers:           20,
		WritesPerWriter:   50,
		EntitiesPerWriter: 5,
		RemoteChanges:     200,
		SyncEvery:         20 * time.Millisecond,
	}
}

// Result captures the metrics of one run.
type Result struct {
	Config Config

	// QueueLatency is the time spent in QueueChange
	QueueLatency LatencyMetrics

	// ApplyLatency is the time from a server write to the local apply
	ApplyLatency LatencyMetrics

	// WritesPerSecond is local write throughput over the write phase
	WritesPerSecond float64

	Cycles     int
	DrainTime  time.Duration
	Duration   time.Duration
	DBSize     int64
	HeapBefore uint64
	HeapAfter  uint64

	Errors int

	// Mismatches counts entities that differ between device and server
	// after the drain.
	Mismatches int
}

// Success reports whether the run finished clean.
func (r *Result) Success() bool {
	return r.Errors == 0 && r.Mismatches == 0
}

func (c Config) validate() error {
	if c.Writers <= 0 || c.WritesPerWriter <= 0 || c.EntitiesPerWriter <= 0 {
		return fmt.Errorf("writers, writes and entities must be positive")
	}
	if c.RemoteChanges < 0 {
		return fmt.Errorf("remote changes cannot be negative")
	}
	if c.SyncEvery <= 0 {
		return fmt.Errorf("sync interval must be positive")
	}
	return nil
}

// Run executes one load test.
func Run(ctx context.Context, cfg Config) (*Result, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(io.Discard, "", 0)
	}
	dir := cfg.Dir
	if dir == "" {
		tmp, err := os.MkdirTemp("", "fitsync-loadtest-")
		if err != nil {
			return nil, fmt.Errorf("failed to create temp dir: %w", err)
		}
		defer func() { _ = os.RemoveAll(tmp) }()
		dir = tmp
	}

	res := &Result{Config: cfg, HeapBefore: heapAlloc()}
	start := time.Now()

	db, err := store.Open(filepath.Join(dir, "loadtest.db"))
	if err != nil {
		return nil, err
	}
	defer func() { _ = db.Close() }()

	mem := remote.NewMemory()
	ecfg := engine.DefaultConfig()
	ecfg.Logger = cfg.Logger
	eng, err := engine.NewWithConfig(db, mem.Client(tenant), ecfg)
	if err != nil {
		return nil, err
	}
	defer func() { _ = eng.Close() }()
	if err := eng.Init(ctx, tenant); err != nil {
		return nil, fmt.Errorf("failed to init engine: %w", err)
	}

	var (
		mu        sync.Mutex
		queueLat  []time.Duration
		applyLat  []time.Duration
		errs      int
		appliedAt sync.Map // entity id -> time applied locally
	)
	fail := func(err error) {
		cfg.Logger.Printf("load error: %v", err)
		mu.Lock()
		errs++
		mu.Unlock()
	}
	unsubscribe := eng.OnRemoteUpdate(func(ch schema.Change) {
		appliedAt.Store(ch.EntityID, time.Now())
	})
	defer unsubscribe()

	stopSync := make(chan struct{})
	var syncWG sync.WaitGroup
	syncWG.Add(1)
	go func() {
		defer syncWG.Done()
		ticker := time.NewTicker(cfg.SyncEvery)
		defer ticker.Stop()
		for {
			select {
			case <-stopSync:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := eng.ForceSyncNow(ctx); err != nil {
					fail(fmt.Errorf("cycle: %w", err))
				}
				mu.Lock()
				res.Cycles++
				mu.Unlock()
			}
		}
	}()

	writeStart := time.Now()
	var wg sync.WaitGroup
	for w := range cfg.Writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lat := make([]time.Duration, 0, cfg.WritesPerWriter)
			for i := range cfg.WritesPerWriter {
				id := fmt.Sprintf("local-%d-%d", w, i%cfg.EntitiesPerWriter)
				data, _ := json.Marshal(map[string]any{"id": id, "name": "Workout " + id, "duration": i})
				typ := schema.OpUpdate
				if i < cfg.EntitiesPerWriter {
					typ = schema.OpCreate
				}
				t0 := time.Now()
				err := eng.QueueChange(ctx, typ, schema.KindWorkout, id, data)
				lat = append(lat, time.Since(t0))
				if err != nil {
					fail(fmt.Errorf("writer %d write %d: %w", w, i, err))
					return
				}
			}
			mu.Lock()
			queueLat = append(queueLat, lat...)
			mu.Unlock()
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := range cfg.RemoteChanges {
			id := fmt.Sprintf("remote-%d", i)
			t0 := time.Now()
			if _, err := mem.Put(tenant, &schema.Workout{Base: schema.Base{ID: id, TenantID: tenant}, Name: "Remote " + id}); err != nil {
				fail(fmt.Errorf("remote write %d: %w", i, err))
				return
			}
			if v, ok := appliedAt.Load(id); ok {
				mu.Lock()
				applyLat = append(applyLat, v.(time.Time).Sub(t0))
				mu.Unlock()
			}
		}
	}()

	wg.Wait()
	writeDur := time.Since(writeStart)
	close(stopSync)
	syncWG.Wait()

	drainStart := time.Now()
	if err := drain(ctx, eng, db); err != nil {
		fail(err)
	}
	res.DrainTime = time.Since(drainStart)

	res.Mismatches = verify(ctx, cfg, db, mem)
	res.QueueLatency = ComputeStats(queueLat)
	res.ApplyLatency = ComputeStats(applyLat)
	if s := writeDur.Seconds(); s > 0 {
		res.WritesPerSecond = float64(len(queueLat)) / s
	}
	res.Errors = errs
	if size, err := db.EstimateStorageSize(ctx); err == nil {
		res.DBSize = size
	}
	res.HeapAfter = heapAlloc()
	res.Duration = time.Since(start)
	return res, nil
}

// drain forces cycles until the queue is empty.
func drain(ctx context.Context, eng *engine.Engine, db *store.DB) error {
	for range 20 {
		if _, err := eng.ForceSyncNow(ctx); err != nil {
			return fmt.Errorf("drain cycle: %w", err)
		}
		n, err := db.CountOperations(ctx)
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
	}
	return fmt.Errorf("queue not empty after 20 cycles")
}

// verify compares every written entity on the device and the server.
func verify(ctx context.Context, cfg Config, db *store.DB, mem *remote.Memory) int {
	var ids []string
	for w := range cfg.Writers {
		for i := range min(cfg.EntitiesPerWriter, cfg.WritesPerWriter) {
			ids = append(ids, fmt.Sprintf("local-%d-%d", w, i))
		}
	}
	for i := range cfg.RemoteChanges {
		ids = append(ids, fmt.Sprintf("remote-%d", i))
	}

	bad := 0
	for _, id := range ids {
		local, err := db.Get(ctx, schema.KindWorkout, id)
		srv, ok := mem.Get(tenant, schema.KindWorkout, id)
		if err != nil || !ok || !schema.SameContent(local, srv) || local.Meta().Version != srv.Meta().Version {
			bad++
		}
	}
	return bad
}

// PrintResult writes a formatted report.
func PrintResult(w io.Writer, r *Result) {
	fmt.Fprintf(w, "Configuration:\n")
	fmt.Fprintf(w, "  Writers:            %d\n", r.Config.Writers)
	fmt.Fprintf(w, "  Writes per writer:  %d\n", r.Config.WritesPerWriter)
	fmt.Fprintf(w, "  Entities per writer:%d\n", r.Config.EntitiesPerWriter)
	fmt.Fprintf(w, "  Remote changes:     %d\n\n", r.Config.RemoteChanges)

	printLatency(w, "Local write latency", r.QueueLatency)
	printLatency(w, "Real-time apply latency", r.ApplyLatency)

	fmt.Fprintf(w, "Throughput:\n")
	fmt.Fprintf(w, "  Writes/sec:         %.2f\n", r.WritesPerSecond)
	fmt.Fprintf(w, "  Cycles during run:  %d\n", r.Cycles)
	fmt.Fprintf(w, "  Drain time:         %s\n\n", FormatDuration(r.DrainTime))

	fmt.Fprintf(w, "Resources:\n")
	fmt.Fprintf(w, "  Database:           %s\n", humanize.IBytes(uint64(max(r.DBSize, 0))))
	fmt.Fprintf(w, "  Heap before:        %s\n", humanize.IBytes(r.HeapBefore))
	fmt.Fprintf(w, "  Heap after:         %s\n\n", humanize.IBytes(r.HeapAfter))

	fmt.Fprintf(w, "Overall:\n")
	fmt.Fprintf(w, "  Total duration:     %s\n", FormatDuration(r.Duration))
	fmt.Fprintf(w, "  Errors:             %d\n", r.Errors)
	fmt.Fprintf(w, "  Mismatches:         %d\n", r.Mismatches)
	fmt.Fprintf(w, "  Success:            %v\n", r.Success())
}

func printLatency(w io.Writer, title string, m LatencyMetrics) {
	fmt.Fprintf(w, "%s (%d samples):\n", title, m.Count)
	fmt.Fprintf(w, "  Min:   %s\n", FormatDuration(m.Min))
	fmt.Fprintf(w, "  P50:   %s\n", FormatDuration(m.P50))
	fmt.Fprintf(w, "  Mean:  %s\n", FormatDuration(m.Mean))
	fmt.Fprintf(w, "  P95:   %s\n", FormatDuration(m.P95))
	fmt.Fprintf(w, "  P99:   %s\n", FormatDuration(m.P99))
	fmt.Fprintf(w, "  Max:   %s\n\n", FormatDuration(m.Max))
}
