package infra

import (
	"sync/atomic"
	"time"
)

// Metrics provides lightweight observability without external dependencies.
// Uses atomic operations for thread-safety.
type Metrics struct {
	// Aggregation cache cases
	cacheRepeat  atomic.Uint64
	cacheStep    atomic.Uint64
	cacheGap     atomic.Uint64
	cacheAbsent  atomic.Uint64
	cacheOpen    atomic.Uint64
	cacheSkipped atomic.Uint64
	outOfOrder   atomic.Uint64
	sessionReset atomic.Uint64

	// Bar source reads
	pointReads  atomic.Uint64
	windowReads atomic.Uint64

	// Division
	fragmentsEmitted     atomic.Uint64
	clampsApplied        atomic.Uint64
	preconditionFailures atomic.Uint64

	// Clock
	eventsProcessed atomic.Uint64
	fillsApplied    atomic.Uint64
	errorsTotal     atomic.Uint64

	// Latency tracking
	latencySumNs atomic.Int64
	latencyCount atomic.Uint64

	// Gauges
	activeConnections atomic.Int32
}

// GlobalMetrics is the singleton metrics instance.
var GlobalMetrics = &Metrics{}

// RecordRepeat records a cache hit at the entry's own minute.
func (m *Metrics) RecordRepeat() { m.cacheRepeat.Add(1) }

// RecordStep records a contiguous one-minute fold.
func (m *Metrics) RecordStep() { m.cacheStep.Add(1) }

// RecordGap records a window reduction seeded by an existing entry.
func (m *Metrics) RecordGap() { m.cacheGap.Add(1) }

// RecordAbsent records a window reduction from the session open.
func (m *Metrics) RecordAbsent() { m.cacheAbsent.Add(1) }

// RecordSessionOpen records a point read at the session's first minute.
func (m *Metrics) RecordSessionOpen() { m.cacheOpen.Add(1) }

// RecordSkipped records an asset not alive for the queried session.
func (m *Metrics) RecordSkipped() { m.cacheSkipped.Add(1) }

// RecordOutOfOrder records a query earlier than the cached entry.
func (m *Metrics) RecordOutOfOrder() { m.outOfOrder.Add(1) }

// RecordSessionReset records a field cache being replaced.
func (m *Metrics) RecordSessionReset() { m.sessionReset.Add(1) }

// RecordPointRead records a single-minute bar source read.
func (m *Metrics) RecordPointRead() { m.pointReads.Add(1) }

// RecordWindowRead records a ranged bar source read.
func (m *Metrics) RecordWindowRead() { m.windowReads.Add(1) }

// RecordFragments records n emitted order fragments.
func (m *Metrics) RecordFragments(n int) { m.fragmentsEmitted.Add(uint64(n)) }

// RecordClamp records a trading control shrinking an amount.
func (m *Metrics) RecordClamp() { m.clampsApplied.Add(1) }

// RecordPreconditionFailure records a division aborted for insufficient capital.
func (m *Metrics) RecordPreconditionFailure() { m.preconditionFailures.Add(1) }

// RecordEvent records an event processing with latency.
func (m *Metrics) RecordEvent(latencyNs int64) {
	m.eventsProcessed.Add(1)
	m.latencySumNs.Add(latencyNs)
	m.latencyCount.Add(1)
}

// RecordFill records a fill applied to the ledger.
func (m *Metrics) RecordFill() { m.fillsApplied.Add(1) }

// RecordError records an error occurrence.
func (m *Metrics) RecordError() { m.errorsTotal.Add(1) }

// IncrementConnections increments active connections by 1.
func (m *Metrics) IncrementConnections() { m.activeConnections.Add(1) }

// DecrementConnections decrements active connections by 1.
func (m *Metrics) DecrementConnections() { m.activeConnections.Add(-1) }

// MetricsSnapshot is a point-in-time view of all metrics.
type MetricsSnapshot struct {
	CacheRepeat          uint64
	CacheStep            uint64
	CacheGap             uint64
	CacheAbsent          uint64
	CacheOpen            uint64
	CacheSkipped         uint64
	OutOfOrder           uint64
	SessionResets        uint64
	PointReads           uint64
	WindowReads          uint64
	FragmentsEmitted     uint64
	ClampsApplied        uint64
	PreconditionFailures uint64
	EventsProcessed      uint64
	FillsApplied         uint64
	ErrorsTotal          uint64
	AvgLatencyNs         int64
	ActiveConnections    int32
	Timestamp            time.Time
}

// Snapshot returns current metrics as a snapshot.
func (m *Metrics) Snapshot() MetricsSnapshot {
	var avgLatency int64
	count := m.latencyCount.Load()
	if count > 0 {
		avgLatency = m.latencySumNs.Load() / int64(count)
	}

	return MetricsSnapshot{
		CacheRepeat:          m.cacheRepeat.Load(),
		CacheStep:            m.cacheStep.Load(),
		CacheGap:             m.cacheGap.Load(),
		CacheAbsent:          m.cacheAbsent.Load(),
		CacheOpen:            m.cacheOpen.Load(),
		CacheSkipped:         m.cacheSkipped.Load(),
		OutOfOrder:           m.outOfOrder.Load(),
		SessionResets:        m.sessionReset.Load(),
		PointReads:           m.pointReads.Load(),
		WindowReads:          m.windowReads.Load(),
		FragmentsEmitted:     m.fragmentsEmitted.Load(),
		ClampsApplied:        m.clampsApplied.Load(),
		PreconditionFailures: m.preconditionFailures.Load(),
		EventsProcessed:      m.eventsProcessed.Load(),
		FillsApplied:         m.fillsApplied.Load(),
		ErrorsTotal:          m.errorsTotal.Load(),
		AvgLatencyNs:         avgLatency,
		ActiveConnections:    m.activeConnections.Load(),
		Timestamp:            time.Now(),
	}
}

// Reset clears all metrics (for testing).
func (m *Metrics) Reset() {
	for _, c := range []*atomic.Uint64{
		&m.cacheRepeat, &m.cacheStep, &m.cacheGap, &m.cacheAbsent, &m.cacheOpen,
		&m.cacheSkipped, &m.outOfOrder, &m.sessionReset, &m.pointReads, &m.windowReads,
		&m.fragmentsEmitted, &m.clampsApplied, &m.preconditionFailures,
		&m.eventsProcessed, &m.fillsApplied, &m.errorsTotal, &m.latencyCount,
	} {
		c.Store(0)
	}
	m.latencySumNs.Store(0)
	m.activeConnections.Store(0)
}
