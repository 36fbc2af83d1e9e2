package engine

import (
	"context"
	"time"
)

// Run drives periodic cycles until ctx ends or the engine is closed. While
// the network is unreachable no cycle starts; when it comes back a cycle
// runs at once.
func (e *Engine) Run(ctx context.Context) error {
	if e.tenantID() == "" {
		return ErrNotInitialized
	}
	e.logger.Printf("Running (interval %v)", e.config.Interval)

	ticker := time.NewTicker(e.config.Interval)
	defer ticker.Stop()
	probe := time.NewTicker(e.config.ProbeInterval)
	defer probe.Stop()

	if e.online.Load() {
		e.trigger("startup")
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-e.ctx.Done():
			return nil
		case <-ticker.C:
			if e.online.Load() {
				e.trigger("interval")
			}
		case <-probe.C:
			pctx, cancel := context.WithTimeout(ctx, e.config.ProbeInterval)
			e.SetOnline(e.probe(pctx))
			cancel()
		}
	}
}

// SetOnline records a connectivity change reported by the host or the
// probe. Going from offline to online starts a cycle.
func (e *Engine) SetOnline(online bool) {
	was := e.online.Swap(online)
	switch {
	case online && !was:
		e.Reconnected()
	case !online && was:
		e.logger.Println("Network unreachable, queueing locally")
	}
}

// Reconnected resubscribes to real-time changes if needed and starts a
// cycle. It suits a transport's reconnect hook.
func (e *Engine) Reconnected() {
	if e.closed.Load() {
		return
	}
	e.online.Store(true)
	e.logger.Println("Network reachable, syncing")
	if err := e.subscribe(); err != nil {
		e.logger.Printf("Real-time subscription unavailable: %v", err)
	}
	e.trigger("reconnect")
}
