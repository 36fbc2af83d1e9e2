package daemon

import (
	"fmt"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/steveyegge/fitsync/internal/schema"
)

// EventOp represents the type of file system operation.
type EventOp int

const (
	// OpCreate indicates a spool file appeared, either written in place or
	// renamed into the directory.
	OpCreate EventOp = iota
	// OpModify indicates an existing spool file was rewritten.
	OpModify
)

// String returns a human-readable representation of the operation.
func (op EventOp) String() string {
	switch op {
	case OpCreate:
		return "create"
	case OpModify:
		return "modify"
	default:
		return "unknown"
	}
}

// SpoolEvent reports a published mutation file.
type SpoolEvent struct {
	// Path is the path of the file that changed.
	Path string
	// Op is the operation that occurred.
	Op EventOp
}

// SpoolWatcher watches the spool directory for mutation files. Removals are
// not reported: the daemon removes files itself once they are queued.
type SpoolWatcher struct {
	watcher *fsnotify.Watcher
	events  chan SpoolEvent
	errors  chan error
	done    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
	dir     string
}

// NewSpoolWatcher creates a watcher. It emits nothing until Start.
func NewSpoolWatcher() (*SpoolWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	return &SpoolWatcher{
		watcher: watcher,
		events:  make(chan SpoolEvent, 100),
		errors:  make(chan error, 10),
		done:    make(chan struct{}),
	}, nil
}

// Start begins watching dir.
func (sw *SpoolWatcher) Start(dir string) error {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	if sw.running {
		return fmt.Errorf("watcher already running")
	}
	if err := sw.watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch spool directory %s: %w", dir, err)
	}

	sw.dir = dir
	sw.running = true
	sw.wg.Add(1)
	go sw.processEvents()

	return nil
}

// Stop stops watching and closes the Events and Errors channels. It blocks
// until the event loop has exited.
func (sw *SpoolWatcher) Stop() error {
	sw.mu.Lock()
	if !sw.running {
		sw.mu.Unlock()
		return nil
	}
	sw.running = false
	sw.mu.Unlock()

	close(sw.done)

	if err := sw.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}

	sw.wg.Wait()

	close(sw.events)
	close(sw.errors)

	return nil
}

// Events returns the channel of spool events. It is closed by Stop.
func (sw *SpoolWatcher) Events() <-chan SpoolEvent {
	return sw.events
}

// Errors returns the channel of watcher errors. It is closed by Stop.
func (sw *SpoolWatcher) Errors() <-chan error {
	return sw.errors
}

// IsRunning reports whether the watcher is active.
func (sw *SpoolWatcher) IsRunning() bool {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	return sw.running
}

func (sw *SpoolWatcher) processEvents() {
	defer sw.wg.Done()

	for {
		select {
		case <-sw.done:
			return

		case event, ok := <-sw.watcher.Events:
			if !ok {
				return
			}
			if ev, ok := convertEvent(event); ok {
				select {
				case sw.events <- ev:
				case <-sw.done:
					return
				}
			}

		case err, ok := <-sw.watcher.Errors:
			if !ok {
				return
			}
			// Drop errors nobody is reading rather than stall the loop.
			select {
			case sw.errors <- err:
			default:
			}
		}
	}
}

// convertEvent maps an fsnotify event to a SpoolEvent. Temporary and hidden
// files are skipped so a half-written mutation is never picked up.
func convertEvent(event fsnotify.Event) (SpoolEvent, bool) {
	if !schema.IsMutationFile(event.Name) {
		return SpoolEvent{}, false
	}
	switch {
	case event.Has(fsnotify.Create):
		return SpoolEvent{Path: event.Name, Op: OpCreate}, true
	case event.Has(fsnotify.Write):
		return SpoolEvent{Path: event.Name, Op: OpModify}, true
	default:
		return SpoolEvent{}, false
	}
}
