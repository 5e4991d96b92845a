package vbd

import (
	"testing"

	"github.com/behrlich/go-vbd/internal/proto"
)

func TestMetrics(t *testing.T) {
	m := NewMetrics()

	// Test initial state
	snap := m.Snapshot()
	if snap.TotalOps != 0 {
		t.Errorf("Expected 0 initial ops, got %d", snap.TotalOps)
	}

	// Record some operations
	m.RecordSubmit(proto.OpRead)
	m.RecordSubmit(proto.OpWrite)
	m.RecordSubmit(proto.OpWriteSame)
	m.RecordSubmit(proto.OpFlush)
	m.RecordComplete(0, 1_000_000, false)  // 1ms latency, success
	m.RecordComplete(-5, 2_000_000, false) // 2ms latency, error
	m.RecordComplete(abortStatus, 500_000, true)

	snap = m.Snapshot()

	// Check operation counts
	if snap.ReadOps != 1 {
		t.Errorf("Expected 1 read op, got %d", snap.ReadOps)
	}
	if snap.WriteOps != 2 {
		t.Errorf("Expected 2 write ops (write-same counts as write), got %d", snap.WriteOps)
	}
	if snap.FlushOps != 1 {
		t.Errorf("Expected 1 flush op, got %d", snap.FlushOps)
	}

	// Check completion accounting
	if snap.Completions != 3 {
		t.Errorf("Expected 3 completions, got %d", snap.Completions)
	}
	if snap.Failures != 2 {
		t.Errorf("Expected 2 failures, got %d", snap.Failures)
	}
	if snap.Aborted != 1 {
		t.Errorf("Expected 1 aborted completion, got %d", snap.Aborted)
	}

	// Check error rate
	expectedErrorRate := float64(2) / float64(3) * 100.0
	if snap.ErrorRate < expectedErrorRate-0.1 || snap.ErrorRate > expectedErrorRate+0.1 {
		t.Errorf("Expected error rate ~%.1f%%, got %.1f%%", expectedErrorRate, snap.ErrorRate)
	}
}

func TestMetricsQueueDepth(t *testing.T) {
	m := NewMetrics()

	// Record queue depths
	m.RecordQueueDepth(10)
	m.RecordQueueDepth(20)
	m.RecordQueueDepth(15)

	snap := m.Snapshot()

	// Check max queue depth
	if snap.MaxQueueDepth != 20 {
		t.Errorf("Expected max queue depth 20, got %d", snap.MaxQueueDepth)
	}

	// Check average queue depth
	expectedAvg := float64(10+20+15) / 3.0
	if snap.AvgQueueDepth < expectedAvg-0.1 || snap.AvgQueueDepth > expectedAvg+0.1 {
		t.Errorf("Expected avg queue depth %.1f, got %.1f", expectedAvg, snap.AvgQueueDepth)
	}
}

func TestMetricsLatencyPercentiles(t *testing.T) {
	m := NewMetrics()

	// Record 100 completions at 1ms and one outlier at 1s
	for i := 0; i < 100; i++ {
		m.RecordComplete(0, 1_000_000, false)
	}
	m.RecordComplete(0, 1_000_000_000, false)

	snap := m.Snapshot()

	// The median must sit in a bucket at or below 1ms
	if snap.LatencyP50Ns > 1_000_000 {
		t.Errorf("Expected P50 <= 1ms, got %dns", snap.LatencyP50Ns)
	}
	// Average should reflect the outlier
	expectedAvg := uint64((100*1_000_000 + 1_000_000_000) / 101)
	if snap.AvgLatencyNs != expectedAvg {
		t.Errorf("Expected avg latency %dns, got %dns", expectedAvg, snap.AvgLatencyNs)
	}
}

func TestMetricsRestartAccounting(t *testing.T) {
	m := NewMetrics()

	m.RecordRestart(2)
	m.RecordRestart(0)

	snap := m.Snapshot()
	if snap.Restarts != 2 {
		t.Errorf("Expected 2 restarts, got %d", snap.Restarts)
	}
	if snap.Redelivered != 2 {
		t.Errorf("Expected 2 redelivered requests, got %d", snap.Redelivered)
	}
}

func TestMetricsReset(t *testing.T) {
	m := NewMetrics()

	m.RecordSubmit(proto.OpRead)
	m.RecordComplete(0, 1_000_000, false)
	m.RecordQueueDepth(5)
	m.Reset()

	snap := m.Snapshot()
	if snap.TotalOps != 0 || snap.Completions != 0 || snap.MaxQueueDepth != 0 {
		t.Errorf("Reset left counters populated: %+v", snap)
	}
}
