package vbd

import (
	"sync/atomic"
	"time"

	"github.com/behrlich/go-vbd/internal/proto"
)

// LatencyBuckets defines the latency histogram buckets in nanoseconds.
// Buckets cover from 1us to 10s with logarithmic spacing.
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

// Metrics tracks transport statistics for a channel connection
type Metrics struct {
	// Submitted operation counters
	ReadOps    atomic.Uint64 // Total read operations
	WriteOps   atomic.Uint64 // Total write operations (including write-same)
	DiscardOps atomic.Uint64 // Total discard operations
	FlushOps   atomic.Uint64 // Total flush operations

	// Completion counters
	Completions atomic.Uint64 // Total completed requests
	Failures    atomic.Uint64 // Completions with a nonzero status
	Aborted     atomic.Uint64 // Completions forced by an abort

	// Channel traffic
	Replies        atomic.Uint64 // Reply frames accepted
	Notifications  atomic.Uint64 // Notification frames accepted
	ProtocolErrors atomic.Uint64 // Malformed or unmatched frames

	// Restart accounting
	Restarts    atomic.Uint64 // Restart invocations
	Redelivered atomic.Uint64 // Requests requeued across all restarts

	// Queue statistics
	QueueDepthTotal atomic.Uint64 // Cumulative queue depth samples
	QueueDepthCount atomic.Uint64 // Number of queue depth measurements
	MaxQueueDepth   atomic.Uint32 // Maximum observed queue depth

	// Performance tracking
	TotalLatencyNs atomic.Uint64 // Cumulative submit-to-complete latency in nanoseconds
	OpCount        atomic.Uint64 // Completed operations (for average latency calculation)

	// Latency histogram buckets (cumulative counts)
	// Each bucket[i] contains the count of operations with latency <= LatencyBuckets[i]
	LatencyBuckets [numLatencyBuckets]atomic.Uint64

	// Connection lifecycle
	StartTime atomic.Int64 // Connection start timestamp (UnixNano)
	StopTime  atomic.Int64 // Connection stop timestamp (UnixNano)
}

// NewMetrics creates a new metrics instance
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordSubmit records a submitted request by opcode
func (m *Metrics) RecordSubmit(opcode uint32) {
	switch opcode {
	case proto.OpRead:
		m.ReadOps.Add(1)
	case proto.OpWrite, proto.OpWriteSame:
		m.WriteOps.Add(1)
	case proto.OpDiscard:
		m.DiscardOps.Add(1)
	case proto.OpFlush:
		m.FlushOps.Add(1)
	}
}

// RecordComplete records a completed request with its final status and
// submit-to-complete latency
func (m *Metrics) RecordComplete(status int32, latencyNs uint64, aborted bool) {
	m.Completions.Add(1)
	if status != 0 {
		m.Failures.Add(1)
	}
	if aborted {
		m.Aborted.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordQueueDepth records current queue depth for statistics
func (m *Metrics) RecordQueueDepth(depth uint32) {
	m.QueueDepthTotal.Add(uint64(depth))
	m.QueueDepthCount.Add(1)

	// Update max queue depth atomically
	for {
		current := m.MaxQueueDepth.Load()
		if depth <= current {
			break
		}
		if m.MaxQueueDepth.CompareAndSwap(current, depth) {
			break
		}
	}
}

// RecordRestart records a restart that requeued n requests
func (m *Metrics) RecordRestart(n int) {
	m.Restarts.Add(1)
	m.Redelivered.Add(uint64(n))
}

// recordLatency records operation latency and updates histogram
func (m *Metrics) recordLatency(latencyNs uint64) {
	m.TotalLatencyNs.Add(latencyNs)
	m.OpCount.Add(1)

	// Update histogram buckets (cumulative)
	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			m.LatencyBuckets[i].Add(1)
		}
	}
}

// Stop marks the connection as stopped
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time snapshot of metrics
type MetricsSnapshot struct {
	// Submitted operations
	ReadOps    uint64
	WriteOps   uint64
	DiscardOps uint64
	FlushOps   uint64

	// Completions
	Completions uint64
	Failures    uint64
	Aborted     uint64

	// Channel traffic
	Replies        uint64
	Notifications  uint64
	ProtocolErrors uint64

	// Restarts
	Restarts    uint64
	Redelivered uint64

	// Queue statistics
	AvgQueueDepth float64
	MaxQueueDepth uint32

	// Performance
	AvgLatencyNs uint64
	UptimeNs     uint64

	// Latency percentiles (in nanoseconds)
	LatencyP50Ns  uint64 // 50th percentile (median)
	LatencyP99Ns  uint64 // 99th percentile
	LatencyP999Ns uint64 // 99.9th percentile

	// Histogram bucket counts (cumulative)
	LatencyHistogram [numLatencyBuckets]uint64

	// Computed statistics
	TotalOps  uint64
	IOPS      float64 // Completed operations per second
	ErrorRate float64 // Percentage of failed completions
}

// Snapshot creates a point-in-time snapshot of metrics
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		ReadOps:        m.ReadOps.Load(),
		WriteOps:       m.WriteOps.Load(),
		DiscardOps:     m.DiscardOps.Load(),
		FlushOps:       m.FlushOps.Load(),
		Completions:    m.Completions.Load(),
		Failures:       m.Failures.Load(),
		Aborted:        m.Aborted.Load(),
		Replies:        m.Replies.Load(),
		Notifications:  m.Notifications.Load(),
		ProtocolErrors: m.ProtocolErrors.Load(),
		Restarts:       m.Restarts.Load(),
		Redelivered:    m.Redelivered.Load(),
		MaxQueueDepth:  m.MaxQueueDepth.Load(),
	}

	snap.TotalOps = snap.ReadOps + snap.WriteOps + snap.DiscardOps + snap.FlushOps

	// Calculate average queue depth
	queueDepthTotal := m.QueueDepthTotal.Load()
	queueDepthCount := m.QueueDepthCount.Load()
	if queueDepthCount > 0 {
		snap.AvgQueueDepth = float64(queueDepthTotal) / float64(queueDepthCount)
	}

	// Calculate average latency
	totalLatencyNs := m.TotalLatencyNs.Load()
	opCount := m.OpCount.Load()
	if opCount > 0 {
		snap.AvgLatencyNs = totalLatencyNs / opCount
	}

	// Calculate uptime
	startTime := m.StartTime.Load()
	stopTime := m.StopTime.Load()
	if stopTime > 0 {
		snap.UptimeNs = uint64(stopTime - startTime)
	} else {
		snap.UptimeNs = uint64(time.Now().UnixNano() - startTime)
	}

	// Calculate completion rate
	if snap.UptimeNs > 0 {
		uptimeSeconds := float64(snap.UptimeNs) / 1e9
		snap.IOPS = float64(snap.Completions) / uptimeSeconds
	}

	// Calculate error rate
	if snap.Completions > 0 {
		snap.ErrorRate = float64(snap.Failures) / float64(snap.Completions) * 100.0
	}

	// Copy histogram bucket counts
	for i := 0; i < numLatencyBuckets; i++ {
		snap.LatencyHistogram[i] = m.LatencyBuckets[i].Load()
	}

	// Calculate percentiles from histogram
	if opCount > 0 {
		snap.LatencyP50Ns = m.calculatePercentile(0.50)
		snap.LatencyP99Ns = m.calculatePercentile(0.99)
		snap.LatencyP999Ns = m.calculatePercentile(0.999)
	}

	return snap
}

// calculatePercentile estimates the latency at the given percentile (0.0-1.0)
// using linear interpolation between histogram buckets.
func (m *Metrics) calculatePercentile(percentile float64) uint64 {
	totalOps := m.OpCount.Load()
	if totalOps == 0 {
		return 0
	}

	targetCount := uint64(float64(totalOps) * percentile)

	// Find the bucket containing the target percentile
	prevBucket := uint64(0)
	for i, bucket := range LatencyBuckets {
		bucketCount := m.LatencyBuckets[i].Load()
		if bucketCount >= targetCount {
			// Linear interpolation within bucket
			prevCount := uint64(0)
			if i > 0 {
				prevCount = m.LatencyBuckets[i-1].Load()
			}
			if bucketCount == prevCount {
				return bucket
			}
			// Interpolate between prevBucket and bucket
			fraction := float64(targetCount-prevCount) / float64(bucketCount-prevCount)
			return prevBucket + uint64(fraction*float64(bucket-prevBucket))
		}
		prevBucket = bucket
	}

	// If we get here, the latency exceeds all buckets
	return LatencyBuckets[numLatencyBuckets-1]
}

// Reset resets all metrics counters (useful for testing)
func (m *Metrics) Reset() {
	m.ReadOps.Store(0)
	m.WriteOps.Store(0)
	m.DiscardOps.Store(0)
	m.FlushOps.Store(0)
	m.Completions.Store(0)
	m.Failures.Store(0)
	m.Aborted.Store(0)
	m.Replies.Store(0)
	m.Notifications.Store(0)
	m.ProtocolErrors.Store(0)
	m.Restarts.Store(0)
	m.Redelivered.Store(0)
	m.QueueDepthTotal.Store(0)
	m.QueueDepthCount.Store(0)
	m.MaxQueueDepth.Store(0)
	m.TotalLatencyNs.Store(0)
	m.OpCount.Store(0)
	for i := 0; i < numLatencyBuckets; i++ {
		m.LatencyBuckets[i].Store(0)
	}
	m.StartTime.Store(time.Now().UnixNano())
	m.StopTime.Store(0)
}

// MetricsObserver implements Observer using the built-in Metrics
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver creates an observer that records to the given metrics
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveSubmit(opcode uint32) {
	o.metrics.RecordSubmit(opcode)
}

func (o *MetricsObserver) ObserveComplete(opcode uint32, status int32, latency time.Duration) {
	aborted := status == abortStatus
	o.metrics.RecordComplete(status, uint64(latency.Nanoseconds()), aborted)
}

func (o *MetricsObserver) ObserveQueueDepth(depth uint32) {
	o.metrics.RecordQueueDepth(depth)
}

func (o *MetricsObserver) ObserveReply() {
	o.metrics.Replies.Add(1)
}

func (o *MetricsObserver) ObserveNotify(code int32) {
	o.metrics.Notifications.Add(1)
}

func (o *MetricsObserver) ObserveProtocolError() {
	o.metrics.ProtocolErrors.Add(1)
}

func (o *MetricsObserver) ObserveRestart(redelivered int) {
	o.metrics.RecordRestart(redelivered)
}

// Compile-time interface check
var _ Observer = (*MetricsObserver)(nil)
