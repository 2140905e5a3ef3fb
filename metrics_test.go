package iiod

import (
	"testing"
	"time"
)

func TestMetrics(t *testing.T) {
	m := NewMetrics()

	snap := m.Snapshot()
	if snap.TotalOps != 0 {
		t.Errorf("Expected 0 initial ops, got %d", snap.TotalOps)
	}

	m.RecordAttrRead(true)
	m.RecordAttrWrite(true)
	m.RecordAttrRead(false)

	snap = m.Snapshot()
	if snap.AttrReads != 2 {
		t.Errorf("Expected 2 attr reads, got %d", snap.AttrReads)
	}
	if snap.AttrWrites != 1 {
		t.Errorf("Expected 1 attr write, got %d", snap.AttrWrites)
	}
	if snap.AttrErrors != 1 {
		t.Errorf("Expected 1 attr error, got %d", snap.AttrErrors)
	}

	expectedErrorRate := float64(1) / float64(3) * 100.0
	if snap.ErrorRate < expectedErrorRate-0.1 || snap.ErrorRate > expectedErrorRate+0.1 {
		t.Errorf("Expected error rate ~%.1f%%, got %.1f%%", expectedErrorRate, snap.ErrorRate)
	}
}

func TestMetricsEnqueueDequeue(t *testing.T) {
	m := NewMetrics()

	m.RecordEnqueue(1024, false, true) // read block, 1KB
	m.RecordEnqueue(2048, true, true)  // write block, 2KB
	m.RecordEnqueue(512, false, false) // failed enqueue

	snap := m.Snapshot()
	if snap.BlocksEnqueued != 3 {
		t.Errorf("Expected 3 blocks enqueued, got %d", snap.BlocksEnqueued)
	}
	if snap.BytesRead != 1024 {
		t.Errorf("Expected 1024 read bytes, got %d", snap.BytesRead)
	}
	if snap.BytesWritten != 2048 {
		t.Errorf("Expected 2048 written bytes, got %d", snap.BytesWritten)
	}
	if snap.BlockErrors != 1 {
		t.Errorf("Expected 1 block error, got %d", snap.BlockErrors)
	}

	m.RecordDequeue(1_000_000)
	m.RecordDequeue(2_000_000)

	snap = m.Snapshot()
	if snap.BlocksDequeued != 2 {
		t.Errorf("Expected 2 blocks dequeued, got %d", snap.BlocksDequeued)
	}
	expectedAvg := uint64(1_500_000)
	if snap.AvgDequeueLatencyNs != expectedAvg {
		t.Errorf("Expected avg dequeue latency %d ns, got %d ns", expectedAvg, snap.AvgDequeueLatencyNs)
	}
}

func TestMetricsUptime(t *testing.T) {
	m := NewMetrics()

	time.Sleep(10 * time.Millisecond)

	snap := m.Snapshot()
	if snap.UptimeNs < 10*1000000 {
		t.Errorf("Expected uptime >= 10ms, got %d ns", snap.UptimeNs)
	}

	m.Stop()
	time.Sleep(5 * time.Millisecond)

	snap2 := m.Snapshot()
	if snap2.UptimeNs > snap.UptimeNs+2*1000000 {
		t.Errorf("Uptime increased too much after stop: %d -> %d", snap.UptimeNs, snap2.UptimeNs)
	}
}

func TestMetricsReset(t *testing.T) {
	m := NewMetrics()

	m.RecordAttrRead(true)
	m.RecordEnqueue(1024, false, true)
	m.RecordEvent(true)

	snap := m.Snapshot()
	if snap.TotalOps == 0 {
		t.Error("Expected some operations before reset")
	}

	m.Reset()

	snap = m.Snapshot()
	if snap.TotalOps != 0 {
		t.Errorf("Expected 0 ops after reset, got %d", snap.TotalOps)
	}
	if snap.TotalBytes != 0 {
		t.Errorf("Expected 0 bytes after reset, got %d", snap.TotalBytes)
	}
}

func TestObserver(t *testing.T) {
	observer := &NoOpObserver{}
	observer.ObserveAttrRead(true)
	observer.ObserveAttrWrite(true)
	observer.ObserveEnqueue(1024, false, true)
	observer.ObserveDequeue(1_000_000)
	observer.ObserveEvent(true)

	m := NewMetrics()
	metricsObserver := NewMetricsObserver(m)

	metricsObserver.ObserveAttrRead(true)
	metricsObserver.ObserveEnqueue(2048, true, true)

	snap := m.Snapshot()
	if snap.AttrReads != 1 {
		t.Errorf("Expected 1 attr read from observer, got %d", snap.AttrReads)
	}
	if snap.BytesWritten != 2048 {
		t.Errorf("Expected 2048 written bytes from observer, got %d", snap.BytesWritten)
	}
}

func TestMetricsBandwidth(t *testing.T) {
	m := NewMetrics()

	startTime := time.Now()
	m.StartTime.Store(startTime.UnixNano())

	m.RecordEnqueue(1024, false, true)
	m.RecordEnqueue(2048, true, true)

	stopTime := startTime.Add(1 * time.Second)
	m.StopTime.Store(stopTime.UnixNano())

	snap := m.Snapshot()

	if snap.ReadBandwidth < 1000 || snap.ReadBandwidth > 1050 {
		t.Errorf("Expected ReadBandwidth ~1024, got %.2f", snap.ReadBandwidth)
	}
	if snap.WriteBandwidth < 2000 || snap.WriteBandwidth > 2100 {
		t.Errorf("Expected WriteBandwidth ~2048, got %.2f", snap.WriteBandwidth)
	}
}

func TestMetricsHistogram(t *testing.T) {
	m := NewMetrics()

	for i := 0; i < 50; i++ {
		m.RecordDequeue(500_000) // 500us
	}
	for i := 0; i < 49; i++ {
		m.RecordDequeue(5_000_000) // 5ms
	}
	m.RecordDequeue(50_000_000) // 50ms, roughly P99

	snap := m.Snapshot()

	if snap.BlocksDequeued != 100 {
		t.Errorf("Expected 100 dequeues, got %d", snap.BlocksDequeued)
	}

	if snap.DequeueLatencyP50Ns < 100_000 || snap.DequeueLatencyP50Ns > 1_000_000 {
		t.Errorf("Expected P50 in 100us-1ms range, got %d ns", snap.DequeueLatencyP50Ns)
	}
	if snap.DequeueLatencyP99Ns < 5_000_000 || snap.DequeueLatencyP99Ns > 100_000_000 {
		t.Errorf("Expected P99 in 5ms-100ms range, got %d ns", snap.DequeueLatencyP99Ns)
	}

	totalInBuckets := uint64(0)
	for i := 0; i < len(snap.LatencyHistogram); i++ {
		totalInBuckets += snap.LatencyHistogram[i]
	}
	if totalInBuckets == 0 {
		t.Error("Expected histogram buckets to be populated")
	}
}
