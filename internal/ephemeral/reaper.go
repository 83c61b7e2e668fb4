package ephemeral

import (
	"context"
	"time"

	"github.com/cellophanemail/gateway-core/internal/pkg/logger"
)

// Reaper evicts expired Store entries on a fixed cadence. It never blocks
// message processing: each tick takes the store's own lock only for the
// duration of the bounded EvictExpired scan.
type Reaper struct {
	store    *Store
	interval time.Duration
	grace    time.Duration
	maxBatch int
}

// NewReaper creates a reaper for store, ticking every interval and treating
// entries past ttl+grace as hung regardless of state.
func NewReaper(store *Store, interval, grace time.Duration, maxBatch int) *Reaper {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	if grace <= 0 {
		grace = 60 * time.Second
	}
	if maxBatch <= 0 {
		maxBatch = 100
	}
	return &Reaper{store: store, interval: interval, grace: grace, maxBatch: maxBatch}
}

// Run executes the reaper loop until ctx is cancelled. Shutdown waits for
// the current tick to finish draining before returning.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			r.tick(now)
		}
	}
}

func (r *Reaper) tick(now time.Time) {
	count := r.store.EvictExpired(now, r.maxBatch, r.grace)
	if count > 0 {
		logger.Info("reaper tick evicted entries", "count", count)
	}
}
