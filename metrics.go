package npurt

import (
	"sync/atomic"
	"time"
)

// LatencyBuckets defines the task completion latency histogram buckets in nanoseconds.
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

// Metrics tracks operational statistics for a device
type Metrics struct {
	// Task counters
	TasksSubmitted atomic.Uint64 // Tasks handed to hardware
	SqesSubmitted  atomic.Uint64 // SQEs handed to hardware
	TasksCompleted atomic.Uint64 // Tasks retired successfully
	TasksFailed    atomic.Uint64 // Tasks retired with an error

	// Submission path
	QueueFullRetries atomic.Uint64 // Backoff rounds spent waiting for ring space
	SendFailures     atomic.Uint64 // Failed pushes to the backend

	// Reconciler
	ReconcilerPasses   atomic.Uint64 // Passes over the device's streams
	CompletionReports  atomic.Uint64 // CQEs consumed
	InvalidQueueStates atomic.Uint64 // Inconsistent head reports
	Aborts             atomic.Uint64 // Context aborts latched

	// Synchronizer
	SyncWaits    atomic.Uint64 // Synchronize calls that had to wait
	SyncTimeouts atomic.Uint64 // Synchronize calls that timed out
	LongWaits    atomic.Uint64 // Long-wait events emitted

	// Argument pool
	ArgPooled   atomic.Uint64 // Arguments served from the pool
	ArgOverflow atomic.Uint64 // Arguments served by overflow allocations

	// Queue statistics
	QueueDepthTotal atomic.Uint64 // Cumulative pending-count samples
	QueueDepthCount atomic.Uint64 // Number of samples
	MaxQueueDepth   atomic.Uint32 // Maximum observed pending count

	// Performance tracking
	TotalLatencyNs atomic.Uint64 // Cumulative submit-to-retire latency in nanoseconds
	OpCount        atomic.Uint64 // Retired tasks (for average latency calculation)

	// Latency histogram buckets (cumulative counts)
	// Each bucket[i] contains the count of tasks with latency <= LatencyBuckets[i]
	LatencyBuckets [numLatencyBuckets]atomic.Uint64

	// Device lifecycle
	StartTime atomic.Int64 // Device start timestamp (UnixNano)
	StopTime  atomic.Int64 // Device stop timestamp (UnixNano)
}

// NewMetrics creates a new metrics instance
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordSubmit records a task pushed to hardware
func (m *Metrics) RecordSubmit(sqeCount uint32) {
	m.TasksSubmitted.Add(1)
	m.SqesSubmitted.Add(uint64(sqeCount))
}

// RecordComplete records a retired task
func (m *Metrics) RecordComplete(latencyNs uint64, success bool) {
	if success {
		m.TasksCompleted.Add(1)
	} else {
		m.TasksFailed.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordSync records a synchronize wait
func (m *Metrics) RecordSync(timedOut bool) {
	m.SyncWaits.Add(1)
	if timedOut {
		m.SyncTimeouts.Add(1)
	}
}

// RecordArgAlloc records an argument buffer allocation
func (m *Metrics) RecordArgAlloc(overflow bool) {
	if overflow {
		m.ArgOverflow.Add(1)
	} else {
		m.ArgPooled.Add(1)
	}
}

// RecordQueueDepth records current pending count for statistics
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

// recordLatency records task latency and updates histogram
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

// Stop marks the device as stopped
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time copy of Metrics
type MetricsSnapshot struct {
	TasksSubmitted uint64
	SqesSubmitted  uint64
	TasksCompleted uint64
	TasksFailed    uint64

	QueueFullRetries uint64
	SendFailures     uint64

	ReconcilerPasses   uint64
	CompletionReports  uint64
	InvalidQueueStates uint64
	Aborts             uint64

	SyncWaits    uint64
	SyncTimeouts uint64
	LongWaits    uint64

	ArgPooled   uint64
	ArgOverflow uint64

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
	TasksPerSecond float64
	InFlight       uint64  // Submitted but not yet retired
	ErrorRate      float64 // Percentage of retired tasks that failed
}

// Snapshot creates a point-in-time snapshot of metrics
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		TasksSubmitted:     m.TasksSubmitted.Load(),
		SqesSubmitted:      m.SqesSubmitted.Load(),
		TasksCompleted:     m.TasksCompleted.Load(),
		TasksFailed:        m.TasksFailed.Load(),
		QueueFullRetries:   m.QueueFullRetries.Load(),
		SendFailures:       m.SendFailures.Load(),
		ReconcilerPasses:   m.ReconcilerPasses.Load(),
		CompletionReports:  m.CompletionReports.Load(),
		InvalidQueueStates: m.InvalidQueueStates.Load(),
		Aborts:             m.Aborts.Load(),
		SyncWaits:          m.SyncWaits.Load(),
		SyncTimeouts:       m.SyncTimeouts.Load(),
		LongWaits:          m.LongWaits.Load(),
		ArgPooled:          m.ArgPooled.Load(),
		ArgOverflow:        m.ArgOverflow.Load(),
		MaxQueueDepth:      m.MaxQueueDepth.Load(),
	}

	retired := snap.TasksCompleted + snap.TasksFailed
	if snap.TasksSubmitted > retired {
		snap.InFlight = snap.TasksSubmitted - retired
	}

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

	if snap.UptimeNs > 0 {
		snap.TasksPerSecond = float64(retired) / (float64(snap.UptimeNs) / 1e9)
	}

	if retired > 0 {
		snap.ErrorRate = float64(snap.TasksFailed) / float64(retired) * 100.0
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

	prevBucket := uint64(0)
	for i, bucket := range LatencyBuckets {
		bucketCount := m.LatencyBuckets[i].Load()
		if bucketCount >= targetCount {
			prevCount := uint64(0)
			if i > 0 {
				prevCount = m.LatencyBuckets[i-1].Load()
			}
			if bucketCount == prevCount {
				return bucket
			}
			fraction := float64(targetCount-prevCount) / float64(bucketCount-prevCount)
			return prevBucket + uint64(fraction*float64(bucket-prevBucket))
		}
		prevBucket = bucket
	}

	// Latency exceeds all buckets
	return LatencyBuckets[numLatencyBuckets-1]
}

// Observer allows pluggable metrics collection
type Observer interface {
	// ObserveSubmit is called for each task pushed to hardware
	ObserveSubmit(kind TaskKind, sqeCount uint32)

	// ObserveComplete is called when a task is retired
	ObserveComplete(kind TaskKind, latencyNs uint64, success bool)

	// ObserveQueueFull is called for each backoff round on a full ring
	ObserveQueueFull()

	// ObserveSendFailure is called when a push to the backend fails
	ObserveSendFailure()

	// ObserveReconcile is called once per reconciler pass with the CQEs it consumed
	ObserveReconcile(reports int)

	// ObserveInvalidQueueState is called on every inconsistent head report
	ObserveInvalidQueueState()

	// ObserveAbort is called when a context abort is latched
	ObserveAbort()

	// ObserveSync is called when a waiting synchronize returns
	ObserveSync(timedOut bool)

	// ObserveLongWait is called periodically while a synchronize keeps waiting
	ObserveLongWait(stream int, seq uint64, waited time.Duration)

	// ObserveArgAlloc is called for each argument buffer allocation
	ObserveArgAlloc(overflow bool)

	// ObserveQueueDepth is called with a stream's pending count
	ObserveQueueDepth(depth uint32)
}

// NoOpObserver is a no-op implementation of Observer
type NoOpObserver struct{}

func (NoOpObserver) ObserveSubmit(TaskKind, uint32)             {}
func (NoOpObserver) ObserveComplete(TaskKind, uint64, bool)     {}
func (NoOpObserver) ObserveQueueFull()                          {}
func (NoOpObserver) ObserveSendFailure()                        {}
func (NoOpObserver) ObserveReconcile(int)                       {}
func (NoOpObserver) ObserveInvalidQueueState()                  {}
func (NoOpObserver) ObserveAbort()                              {}
func (NoOpObserver) ObserveSync(bool)                           {}
func (NoOpObserver) ObserveLongWait(int, uint64, time.Duration) {}
func (NoOpObserver) ObserveArgAlloc(bool)                       {}
func (NoOpObserver) ObserveQueueDepth(uint32)                   {}

// MetricsObserver implements Observer using the built-in Metrics
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver creates an observer that records to the given metrics
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveSubmit(_ TaskKind, sqeCount uint32) {
	o.metrics.RecordSubmit(sqeCount)
}

func (o *MetricsObserver) ObserveComplete(_ TaskKind, latencyNs uint64, success bool) {
	o.metrics.RecordComplete(latencyNs, success)
}

func (o *MetricsObserver) ObserveQueueFull() {
	o.metrics.QueueFullRetries.Add(1)
}

func (o *MetricsObserver) ObserveSendFailure() {
	o.metrics.SendFailures.Add(1)
}

func (o *MetricsObserver) ObserveReconcile(reports int) {
	o.metrics.ReconcilerPasses.Add(1)
	o.metrics.CompletionReports.Add(uint64(reports))
}

func (o *MetricsObserver) ObserveInvalidQueueState() {
	o.metrics.InvalidQueueStates.Add(1)
}

func (o *MetricsObserver) ObserveAbort() {
	o.metrics.Aborts.Add(1)
}

func (o *MetricsObserver) ObserveSync(timedOut bool) {
	o.metrics.RecordSync(timedOut)
}

func (o *MetricsObserver) ObserveLongWait(int, uint64, time.Duration) {
	o.metrics.LongWaits.Add(1)
}

func (o *MetricsObserver) ObserveArgAlloc(overflow bool) {
	o.metrics.RecordArgAlloc(overflow)
}

func (o *MetricsObserver) ObserveQueueDepth(depth uint32) {
	o.metrics.RecordQueueDepth(depth)
}

// Compile-time interface check
var _ Observer = (*MetricsObserver)(nil)
var _ Observer = (*NoOpObserver)(nil)
