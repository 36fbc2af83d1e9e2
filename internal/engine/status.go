package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// StatsKey is the metadata key holding cumulative sync statistics.
const StatsKey = "sync_stats"

// Stats accumulates across cycles and restarts.
type Stats struct {
	Cycles         int64      `json:"cycles"`
	FailedCycles   int64      `json:"failed_cycles"`
	Pushed         int64      `json:"pushed"`
	Pulled         int64      `json:"pulled"`
	Conflicts      int64      `json:"conflicts"`
	Errors         int64      `json:"errors"`
	LastSyncAt     *time.Time `json:"last_sync_at,omitempty"`
	LastError      string     `json:"last_error,omitempty"`
	LastErrorAt    *time.Time `json:"last_error_at,omitempty"`
	LastDurationMs int64      `json:"last_duration_ms"`
}

// Status is a point-in-time view of the engine.
type Status struct {
	TenantID          string     `json:"tenant_id"`
	State             State      `json:"state"`
	IsOnline          bool       `json:"is_online"`
	LastSync          *time.Time `json:"last_sync,omitempty"`
	Checkpoint        *time.Time `json:"checkpoint,omitempty"`
	PendingOperations int        `json:"pending_operations"`
	Conflicts         int        `json:"conflicts"`
	RetryTimers       int        `json:"retry_timers"`
	StorageUsage      int64      `json:"storage_usage"`
	Stats             Stats      `json:"stats"`
}

// GetSyncStatus reports connectivity, queue and conflict counts, storage
// size and the cumulative statistics.
func (e *Engine) GetSyncStatus(ctx context.Context) (*Status, error) {
	pending, err := e.db.CountOperations(ctx)
	if err != nil {
		return nil, err
	}
	conflicts, err := e.db.CountConflicts(ctx)
	if err != nil {
		return nil, err
	}
	size, err := e.db.EstimateStorageSize(ctx)
	if err != nil {
		return nil, err
	}
	checkpoint, err := e.Checkpoint(ctx)
	if err != nil {
		return nil, err
	}
	stats, err := e.Stats(ctx)
	if err != nil {
		return nil, err
	}

	state, _ := e.state.Load().(State)
	return &Status{
		TenantID:          e.tenantID(),
		State:             state,
		IsOnline:          e.online.Load(),
		LastSync:          e.lastSync.Load(),
		Checkpoint:        checkpoint,
		PendingOperations: pending,
		Conflicts:         conflicts,
		RetryTimers:       e.pendingRetries(),
		StorageUsage:      size,
		Stats:             *stats,
	}, nil
}

// Stats returns the cumulative statistics.
func (e *Engine) Stats(ctx context.Context) (*Stats, error) {
	var s Stats
	v, ok, err := e.db.GetMetadata(ctx, StatsKey)
	if err != nil {
		return nil, err
	}
	if !ok {
		return &s, nil
	}
	if err := json.Unmarshal([]byte(v), &s); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", StatsKey, err)
	}
	return &s, nil
}

func (e *Engine) recordStats(ctx context.Context, res *Result, cycleErr error) {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()

	s, err := e.Stats(ctx)
	if err != nil {
		e.logger.Printf("Warning: resetting unreadable stats: %v", err)
		s = &Stats{}
	}
	now := time.Now().UTC()
	s.Cycles++
	s.Pushed += int64(res.Synced)
	s.Pulled += int64(res.Pulled)
	s.Conflicts += int64(res.Conflicts)
	s.Errors += int64(res.Errors)
	s.LastDurationMs = res.Duration.Milliseconds()
	if cycleErr != nil {
		s.FailedCycles++
		s.LastError = cycleErr.Error()
		s.LastErrorAt = &now
	} else {
		s.LastSyncAt = &now
	}

	data, err := json.Marshal(s)
	if err != nil {
		e.logger.Printf("Warning: failed to encode stats: %v", err)
		return
	}
	if err := e.db.SetMetadata(ctx, StatsKey, string(data)); err != nil {
		e.logger.Printf("Warning: failed to save stats: %v", err)
	}
}

func (e *Engine) loadLastSync(ctx context.Context) error {
	s, err := e.Stats(ctx)
	if err != nil {
		return err
	}
	if s.LastSyncAt != nil {
		e.lastSync.Store(s.LastSyncAt)
	}
	return nil
}
