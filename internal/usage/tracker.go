package usage

import (
	"context"
	"time"
)

// Tracker combines the lock-free counters with an optional persistence
// backend. A nil Tracker is valid and records nothing, so call sites never
// need to branch on whether usage tracking is configured.
type Tracker struct {
	counters *Counters
	backend  Backend
}

// NewTracker wires a tracker over a backend. Backend may be nil; counters
// still work without persistence.
func NewTracker(backend Backend) *Tracker {
	t := &Tracker{
		counters: NewCounters(),
		backend:  backend,
	}
	if backend != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if stats, err := backend.QueryGlobalStats(ctx, time.Time{}); err == nil {
			t.counters.Bootstrap(stats)
		}
	}
	return t
}

// Record accounts one finished request.
func (t *Tracker) Record(rec Record) {
	if t == nil {
		return
	}
	if rec.RequestedAt.IsZero() {
		rec.RequestedAt = time.Now()
	}
	if rec.Model == "" {
		rec.Model = "unknown"
	}
	t.counters.Record(rec.Failed, rec.Stream, rec.TotalTokens)
	if t.backend != nil {
		t.backend.Enqueue(rec)
	}
}

// Snapshot returns the live counter values.
func (t *Tracker) Snapshot() CounterSnapshot {
	if t == nil {
		return CounterSnapshot{}
	}
	return t.counters.Snapshot()
}

// Backend exposes the persistence layer for query endpoints. May be nil.
func (t *Tracker) Backend() Backend {
	if t == nil {
		return nil
	}
	return t.backend
}

// Close flushes and stops the backend.
func (t *Tracker) Close() error {
	if t == nil || t.backend == nil {
		return nil
	}
	return t.backend.Stop()
}
