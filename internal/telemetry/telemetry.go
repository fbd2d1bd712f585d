// Package telemetry keeps in-process sync counters. Nothing ever leaves
// the device; the counters feed the local status surface and tests.
package telemetry

import (
	"sync"
	"sync/atomic"
	"time"
)

// Counters is a snapshot of the sync core's activity since start.
type Counters struct {
	OperationsEnqueued  int64 `json:"operations_enqueued"`
	OperationsApplied   int64 `json:"operations_applied"`
	OperationsFailed    int64 `json:"operations_failed"`
	ConflictsDetected   int64 `json:"conflicts_detected"`
	ConflictsResolved   int64 `json:"conflicts_resolved"`
	CacheHits           int64 `json:"cache_hits"`
	CacheMisses         int64 `json:"cache_misses"`
	DrainsCompleted     int64 `json:"drains_completed"`
	DrainsFailed        int64 `json:"drains_failed"`
	OfflineTransitions  int64 `json:"offline_transitions"`
	LastDrainDurationMS int64 `json:"last_drain_duration_ms"`
}

// Collector accumulates counters. The zero value is ready to use.
type Collector struct {
	enqueued          atomic.Int64
	applied           atomic.Int64
	failed            atomic.Int64
	conflictsDetected atomic.Int64
	conflictsResolved atomic.Int64
	cacheHits         atomic.Int64
	cacheMisses       atomic.Int64
	drainsCompleted   atomic.Int64
	drainsFailed      atomic.Int64
	offline           atomic.Int64
	lastDrainMS       atomic.Int64
}

var (
	defaultCollector *Collector
	once             sync.Once
)

// Default returns the process-wide collector.
func Default() *Collector {
	once.Do(func() {
		defaultCollector = &Collector{}
	})
	return defaultCollector
}

func (c *Collector) OperationEnqueued()  { c.enqueued.Add(1) }
func (c *Collector) OperationApplied()   { c.applied.Add(1) }
func (c *Collector) OperationFailed()    { c.failed.Add(1) }
func (c *Collector) ConflictDetected()   { c.conflictsDetected.Add(1) }
func (c *Collector) ConflictResolved()   { c.conflictsResolved.Add(1) }
func (c *Collector) CacheHit()           { c.cacheHits.Add(1) }
func (c *Collector) CacheMiss()          { c.cacheMisses.Add(1) }
func (c *Collector) OfflineTransition()  { c.offline.Add(1) }

// OperationsSynced records the per-operation outcomes of a drain pass.
func (c *Collector) OperationsSynced(applied, failed int) {
	c.applied.Add(int64(applied))
	c.failed.Add(int64(failed))
}

// DrainCompleted records a finished drain pass.
func (c *Collector) DrainCompleted(duration time.Duration) {
	c.drainsCompleted.Add(1)
	c.lastDrainMS.Store(duration.Milliseconds())
}

// DrainFailed records an aborted drain pass.
func (c *Collector) DrainFailed() {
	c.drainsFailed.Add(1)
}

// Snapshot returns a copy of all counters.
func (c *Collector) Snapshot() Counters {
	return Counters{
		OperationsEnqueued:  c.enqueued.Load(),
		OperationsApplied:   c.applied.Load(),
		OperationsFailed:    c.failed.Load(),
		ConflictsDetected:   c.conflictsDetected.Load(),
		ConflictsResolved:   c.conflictsResolved.Load(),
		CacheHits:           c.cacheHits.Load(),
		CacheMisses:         c.cacheMisses.Load(),
		DrainsCompleted:     c.drainsCompleted.Load(),
		DrainsFailed:        c.drainsFailed.Load(),
		OfflineTransitions:  c.offline.Load(),
		LastDrainDurationMS: c.lastDrainMS.Load(),
	}
}

// Reset zeroes every counter. Test helper.
func (c *Collector) Reset() {
	c.enqueued.Store(0)
	c.applied.Store(0)
	c.failed.Store(0)
	c.conflictsDetected.Store(0)
	c.conflictsResolved.Store(0)
	c.cacheHits.Store(0)
	c.cacheMisses.Store(0)
	c.drainsCompleted.Store(0)
	c.drainsFailed.Store(0)
	c.offline.Store(0)
	c.lastDrainMS.Store(0)
}
