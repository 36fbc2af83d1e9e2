package engine

import (
	"errors"
	"fmt"

	"github.com/steveyegge/fitsync/internal/schema"
)

var (
	// ErrNotInitialized is returned before Init has bound a tenant.
	ErrNotInitialized = errors.New("sync engine not initialized")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("sync engine closed")

	// ErrOffline is returned by ForceSyncNow while the network is unreachable.
	ErrOffline = errors.New("network unreachable")
)

// RetryExhausted reports an operation dropped after its last failed push.
type RetryExhausted struct {
	OpID       string
	EntityType schema.Kind
	EntityID   string
	Attempts   int
}

func (e *RetryExhausted) Error() string {
	return fmt.Sprintf("operation %s on %s %s dropped after %d attempts", e.OpID, e.EntityType, e.EntityID, e.Attempts)
}

// ConflictUnresolved reports an entity whose sync is blocked until a stored
// conflict is resolved.
type ConflictUnresolved struct {
	ConflictID string
	EntityType schema.Kind
	EntityID   string
}

func (e *ConflictUnresolved) Error() string {
	return fmt.Sprintf("%s %s is blocked by unresolved conflict %s", e.EntityType, e.EntityID, e.ConflictID)
}
