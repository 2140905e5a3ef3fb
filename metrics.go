package iiod

import (
	"sync/atomic"
	"time"
)

// LatencyBuckets defines the dequeue-latency histogram buckets in
// nanoseconds, covering 1us to 10s with logarithmic spacing.
var LatencyBuckets = []uint64{
	1_000,          // 1us
	10_000,         // 10us
	100_000,        // 100us
	1_000_000,      // 1ms
	10_000_000,     // 10ms
	100_000_000,    // 100ms
	1_000_000_000,  // 1s
	10_000_000_000, // 10s
}

const numLatencyBuckets = 8

// Metrics tracks performance and operational statistics for a Session.
type Metrics struct {
	// Attribute I/O counters
	AttrReads  atomic.Uint64 // READ_ATTR/READ_CHN_ATTR/READ_DBG_ATTR/READ_BUF_ATTR
	AttrWrites atomic.Uint64 // WRITE_ATTR/WRITE_CHN_ATTR/WRITE_DBG_ATTR/WRITE_BUF_ATTR

	// Block lifecycle counters
	BlocksEnqueued atomic.Uint64 // TRANSFER_BLOCK / ENQUEUE_BLOCK_CYCLIC accepted
	BlocksDequeued atomic.Uint64 // blocks handed back to a client
	BytesRead      atomic.Uint64 // bytes moved out of the kernel buffer
	BytesWritten   atomic.Uint64 // bytes moved into the kernel buffer

	// Event stream counters
	EventsRead atomic.Uint64 // READ_EVENT records forwarded

	// Error counters
	AttrErrors  atomic.Uint64
	BlockErrors atomic.Uint64
	EventErrors atomic.Uint64

	// Performance tracking: time a block spends between enqueue and the
	// client's dequeue.
	TotalDequeueLatencyNs atomic.Uint64
	DequeueCount          atomic.Uint64

	// Dequeue-latency histogram buckets (cumulative counts). Each
	// bucket[i] counts dequeues with latency <= LatencyBuckets[i].
	LatencyHistogram [numLatencyBuckets]atomic.Uint64

	// Session lifecycle
	StartTime atomic.Int64 // Session start timestamp (UnixNano)
	StopTime  atomic.Int64 // Session stop timestamp (UnixNano)
}

// NewMetrics creates a new metrics instance.
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordAttrRead records an attribute read.
func (m *Metrics) RecordAttrRead(success bool) {
	m.AttrReads.Add(1)
	if !success {
		m.AttrErrors.Add(1)
	}
}

// RecordAttrWrite records an attribute write.
func (m *Metrics) RecordAttrWrite(success bool) {
	m.AttrWrites.Add(1)
	if !success {
		m.AttrErrors.Add(1)
	}
}

// RecordEnqueue records a block accepted into the multiplexer by
// TRANSFER_BLOCK or ENQUEUE_BLOCK_CYCLIC.
func (m *Metrics) RecordEnqueue(bytes uint64, isWrite bool, success bool) {
	m.BlocksEnqueued.Add(1)
	if !success {
		m.BlockErrors.Add(1)
		return
	}
	if isWrite {
		m.BytesWritten.Add(bytes)
	} else {
		m.BytesRead.Add(bytes)
	}
}

// RecordDequeue records a block handed back to the client, with the
// latency between its enqueue and this dequeue.
func (m *Metrics) RecordDequeue(latencyNs uint64) {
	m.BlocksDequeued.Add(1)
	m.TotalDequeueLatencyNs.Add(latencyNs)
	m.DequeueCount.Add(1)
	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			m.LatencyHistogram[i].Add(1)
		}
	}
}

// RecordEvent records an event record forwarded through READ_EVENT.
func (m *Metrics) RecordEvent(success bool) {
	m.EventsRead.Add(1)
	if !success {
		m.EventErrors.Add(1)
	}
}

// Stop marks the session as stopped.
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time snapshot of Metrics.
type MetricsSnapshot struct {
	AttrReads  uint64
	AttrWrites uint64

	BlocksEnqueued uint64
	BlocksDequeued uint64
	BytesRead      uint64
	BytesWritten   uint64

	EventsRead uint64

	AttrErrors  uint64
	BlockErrors uint64
	EventErrors uint64

	AvgDequeueLatencyNs uint64
	UptimeNs            uint64

	DequeueLatencyP50Ns  uint64
	DequeueLatencyP99Ns  uint64
	DequeueLatencyP999Ns uint64

	LatencyHistogram [numLatencyBuckets]uint64

	ReadBandwidth  float64 // bytes/sec out of the kernel buffer
	WriteBandwidth float64 // bytes/sec into the kernel buffer
	TotalOps       uint64
	TotalBytes     uint64
	ErrorRate      float64 // percentage of failed operations
}

// Snapshot creates a point-in-time snapshot of metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		AttrReads:      m.AttrReads.Load(),
		AttrWrites:     m.AttrWrites.Load(),
		BlocksEnqueued: m.BlocksEnqueued.Load(),
		BlocksDequeued: m.BlocksDequeued.Load(),
		BytesRead:      m.BytesRead.Load(),
		BytesWritten:   m.BytesWritten.Load(),
		EventsRead:     m.EventsRead.Load(),
		AttrErrors:     m.AttrErrors.Load(),
		BlockErrors:    m.BlockErrors.Load(),
		EventErrors:    m.EventErrors.Load(),
	}

	snap.TotalOps = snap.AttrReads + snap.AttrWrites + snap.BlocksEnqueued + snap.EventsRead
	snap.TotalBytes = snap.BytesRead + snap.BytesWritten

	dequeueCount := m.DequeueCount.Load()
	totalDequeueLatency := m.TotalDequeueLatencyNs.Load()
	if dequeueCount > 0 {
		snap.AvgDequeueLatencyNs = totalDequeueLatency / dequeueCount
	}

	startTime := m.StartTime.Load()
	stopTime := m.StopTime.Load()
	if stopTime > 0 {
		snap.UptimeNs = uint64(stopTime - startTime)
	} else {
		snap.UptimeNs = uint64(time.Now().UnixNano() - startTime)
	}

	if snap.UptimeNs > 0 {
		uptimeSeconds := float64(snap.UptimeNs) / 1e9
		snap.ReadBandwidth = float64(snap.BytesRead) / uptimeSeconds
		snap.WriteBandwidth = float64(snap.BytesWritten) / uptimeSeconds
	}

	totalErrors := snap.AttrErrors + snap.BlockErrors + snap.EventErrors
	if snap.TotalOps > 0 {
		snap.ErrorRate = float64(totalErrors) / float64(snap.TotalOps) * 100.0
	}

	for i := 0; i < numLatencyBuckets; i++ {
		snap.LatencyHistogram[i] = m.LatencyHistogram[i].Load()
	}

	if dequeueCount > 0 {
		snap.DequeueLatencyP50Ns = m.calculatePercentile(0.50)
		snap.DequeueLatencyP99Ns = m.calculatePercentile(0.99)
		snap.DequeueLatencyP999Ns = m.calculatePercentile(0.999)
	}

	return snap
}

// calculatePercentile estimates the dequeue latency at the given
// percentile (0.0-1.0) using linear interpolation between histogram
// buckets.
func (m *Metrics) calculatePercentile(percentile float64) uint64 {
	totalOps := m.DequeueCount.Load()
	if totalOps == 0 {
		return 0
	}

	targetCount := uint64(float64(totalOps) * percentile)

	prevBucket := uint64(0)
	for i, bucket := range LatencyBuckets {
		bucketCount := m.LatencyHistogram[i].Load()
		if bucketCount >= targetCount {
			prevCount := uint64(0)
			if i > 0 {
				prevCount = m.LatencyHistogram[i-1].Load()
			}
			if bucketCount == prevCount {
				return bucket
			}
			fraction := float64(targetCount-prevCount) / float64(bucketCount-prevCount)
			return prevBucket + uint64(fraction*float64(bucket-prevBucket))
		}
		prevBucket = bucket
	}

	return LatencyBuckets[numLatencyBuckets-1]
}

// Reset resets all metrics counters. Useful for testing.
func (m *Metrics) Reset() {
	m.AttrReads.Store(0)
	m.AttrWrites.Store(0)
	m.BlocksEnqueued.Store(0)
	m.BlocksDequeued.Store(0)
	m.BytesRead.Store(0)
	m.BytesWritten.Store(0)
	m.EventsRead.Store(0)
	m.AttrErrors.Store(0)
	m.BlockErrors.Store(0)
	m.EventErrors.Store(0)
	m.TotalDequeueLatencyNs.Store(0)
	m.DequeueCount.Store(0)
	for i := 0; i < numLatencyBuckets; i++ {
		m.LatencyHistogram[i].Store(0)
	}
	m.StartTime.Store(time.Now().UnixNano())
	m.StopTime.Store(0)
}

// Observer lets callers plug in their own metrics collection without
// depending on the concrete Metrics type.
type Observer interface {
	ObserveAttrRead(success bool)
	ObserveAttrWrite(success bool)
	ObserveEnqueue(bytes uint64, isWrite bool, success bool)
	ObserveDequeue(latencyNs uint64)
	ObserveEvent(success bool)
}

// NoOpObserver is a no-op implementation of Observer.
type NoOpObserver struct{}

func (NoOpObserver) ObserveAttrRead(bool)               {}
func (NoOpObserver) ObserveAttrWrite(bool)              {}
func (NoOpObserver) ObserveEnqueue(uint64, bool, bool)  {}
func (NoOpObserver) ObserveDequeue(uint64)              {}
func (NoOpObserver) ObserveEvent(bool)                  {}

// MetricsObserver implements Observer using the built-in Metrics type.
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver creates an observer that records to the given metrics.
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveAttrRead(success bool)  { o.metrics.RecordAttrRead(success) }
func (o *MetricsObserver) ObserveAttrWrite(success bool) { o.metrics.RecordAttrWrite(success) }

func (o *MetricsObserver) ObserveEnqueue(bytes uint64, isWrite bool, success bool) {
	o.metrics.RecordEnqueue(bytes, isWrite, success)
}

func (o *MetricsObserver) ObserveDequeue(latencyNs uint64) {
	o.metrics.RecordDequeue(latencyNs)
}

func (o *MetricsObserver) ObserveEvent(success bool) { o.metrics.RecordEvent(success) }

var _ Observer = (*MetricsObserver)(nil)
var _ Observer = (*NoOpObserver)(nil)
