// Package remote is the network boundary of the sync core.
//
// Network is the contract the engine depends on: Push a batch of queued
// operations, Pull changes since a checkpoint, and Subscribe to the
// real-time change stream. Two implementations live here:
//
//   - HTTPClient talks to a server over HTTP, with a WebSocket for the
//     real-time stream
//   - Memory is an authoritative in-process server for development and
//     tests; NewHandler exposes it over HTTP so HTTPClient can reach it
package remote

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/steveyegge/fitsync/internal/schema"
)

// PushResult partitions a pushed batch.
type PushResult struct {
	// Succeeded lists the ids of acknowledged operations.
	Succeeded []string `json:"succeeded"`
	// Conflicts lists server-side divergences, one per rejected operation.
	Conflicts []schema.ConflictRecord `json:"conflicts"`
	// Failed lists operations that hit a transient failure.
	Failed []*schema.SyncOperation `json:"failed"`
}

// Unsubscribe stops a real-time subscription. It is safe to call twice.
type Unsubscribe func()

// Network is the remote source of truth as seen by the engine.
type Network interface {
	Push(ctx context.Context, ops []*schema.SyncOperation) (*PushResult, error)
	Pull(ctx context.Context, since *time.Time) ([]schema.Change, error)
	Subscribe(ctx context.Context, onChange func(schema.Change)) (Unsubscribe, error)
}

// Prober is implemented by networks that can tell whether the server is
// reachable without doing real work.
type Prober interface {
	Reachable(ctx context.Context) bool
}

// NetworkError is a push, pull or subscribe failure. Engines retry these
// with backoff.
type NetworkError struct {
	Op     string
	Status int
	Err    error
}

func (e *NetworkError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("network: %s failed with status %d: %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("network: %s failed: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// ErrOffline is returned while the server cannot be reached.
var ErrOffline = errors.New("server unreachable")
