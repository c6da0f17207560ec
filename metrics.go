package nexus

import (
	"sync"
	"sync/atomic"
	"time"
)

// LatencyBuckets defines the latency histogram buckets in nanoseconds,
// covering 1us to 10s with logarithmic spacing.
var LatencyBuckets = []uint64{
	1_000,
	10_000,
	100_000,
	1_000_000,
	10_000_000,
	100_000_000,
	1_000_000_000,
	10_000_000_000,
}

const numLatencyBuckets = 8

// Metrics tracks performance and operational statistics for one nexus.
type Metrics struct {
	ReadOps       atomic.Uint64
	WriteOps      atomic.Uint64
	UnmapOps      atomic.Uint64
	FlushOps      atomic.Uint64
	WriteZeroOps  atomic.Uint64

	ReadBytes  atomic.Uint64
	WriteBytes atomic.Uint64

	ReadErrors  atomic.Uint64
	WriteErrors atomic.Uint64
	OtherErrors atomic.Uint64

	TotalLatencyNs atomic.Uint64
	OpCount        atomic.Uint64
	LatencyBuckets [numLatencyBuckets]atomic.Uint64

	// Fault-pipeline counters (spec §4.6).
	SubmissionFailures  atomic.Uint64
	CompletionFailures  atomic.Uint64
	ChildrenRetired     atomic.Uint64
	SelfShutdowns       atomic.Uint64

	// Rebuild throughput counters (spec §4.7).
	RebuildSegmentsCopied atomic.Uint64
	RebuildBytesCopied    atomic.Uint64
	RebuildsStarted       atomic.Uint64
	RebuildsCompleted     atomic.Uint64
	RebuildsFailed        atomic.Uint64

	StartTime atomic.Int64
	StopTime  atomic.Int64

	// mu guards per-child counters, which are created lazily and are
	// updated far less often than the hot I/O counters above.
	mu       sync.Mutex
	children map[string]*ChildMetrics
}

// ChildMetrics tracks per-replica operation and error counts, letting the
// control plane distinguish a consistently unhealthy child from transient
// whole-nexus pressure.
type ChildMetrics struct {
	Submissions atomic.Uint64
	Completions atomic.Uint64
	Failures    atomic.Uint64
}

// NewMetrics creates a new metrics instance with StartTime set to now.
func NewMetrics() *Metrics {
	m := &Metrics{children: make(map[string]*ChildMetrics)}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

func (m *Metrics) childMetrics(name string) *ChildMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	cm, ok := m.children[name]
	if !ok {
		cm = &ChildMetrics{}
		m.children[name] = cm
	}
	return cm
}

// RecordChildSubmission records a child I/O dispatch, success or failure.
func (m *Metrics) RecordChildSubmission(childName string, failed bool) {
	cm := m.childMetrics(childName)
	cm.Submissions.Add(1)
	if failed {
		cm.Failures.Add(1)
		m.SubmissionFailures.Add(1)
	}
}

// RecordChildCompletion records a child I/O completion, success or failure.
func (m *Metrics) RecordChildCompletion(childName string, failed bool) {
	cm := m.childMetrics(childName)
	cm.Completions.Add(1)
	if failed {
		cm.Failures.Add(1)
		m.CompletionFailures.Add(1)
	}
}

// RecordRead records a logical read operation.
func (m *Metrics) RecordRead(bytes uint64, latencyNs uint64, success bool) {
	m.ReadOps.Add(1)
	if success {
		m.ReadBytes.Add(bytes)
	} else {
		m.ReadErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordWrite records a logical write operation.
func (m *Metrics) RecordWrite(bytes uint64, latencyNs uint64, success bool) {
	m.WriteOps.Add(1)
	if success {
		m.WriteBytes.Add(bytes)
	} else {
		m.WriteErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordUnmap records a logical unmap (trim) operation.
func (m *Metrics) RecordUnmap(latencyNs uint64, success bool) {
	m.UnmapOps.Add(1)
	if !success {
		m.OtherErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordFlush records a logical flush operation.
func (m *Metrics) RecordFlush(latencyNs uint64, success bool) {
	m.FlushOps.Add(1)
	if !success {
		m.OtherErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordChildRetired increments the retired-child counter.
func (m *Metrics) RecordChildRetired() {
	m.ChildrenRetired.Add(1)
}

// RecordSelfShutdown increments the self-shutdown counter. At most one of
// these should ever fire per nexus (spec §7 invariant).
func (m *Metrics) RecordSelfShutdown() {
	m.SelfShutdowns.Add(1)
}

// RecordRebuildStarted increments the rebuild-start counter.
func (m *Metrics) RecordRebuildStarted() {
	m.RebuildsStarted.Add(1)
}

// RecordRebuildSegment records one segment copied by a rebuild job.
func (m *Metrics) RecordRebuildSegment(bytes uint64) {
	m.RebuildSegmentsCopied.Add(1)
	m.RebuildBytesCopied.Add(bytes)
}

// RecordRebuildFinished records the terminal outcome of a rebuild job.
func (m *Metrics) RecordRebuildFinished(failed bool) {
	if failed {
		m.RebuildsFailed.Add(1)
	} else {
		m.RebuildsCompleted.Add(1)
	}
}

func (m *Metrics) recordLatency(latencyNs uint64) {
	m.TotalLatencyNs.Add(latencyNs)
	m.OpCount.Add(1)
	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			m.LatencyBuckets[i].Add(1)
		}
	}
}

// Stop marks the nexus as stopped.
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time view of Metrics.
type MetricsSnapshot struct {
	ReadOps      uint64
	WriteOps     uint64
	UnmapOps     uint64
	FlushOps     uint64
	ReadBytes    uint64
	WriteBytes   uint64
	ReadErrors   uint64
	WriteErrors  uint64
	OtherErrors  uint64

	SubmissionFailures uint64
	CompletionFailures uint64
	ChildrenRetired    uint64
	SelfShutdowns      uint64

	RebuildSegmentsCopied uint64
	RebuildBytesCopied    uint64
	RebuildsStarted       uint64
	RebuildsCompleted     uint64
	RebuildsFailed        uint64

	AvgLatencyNs  uint64
	UptimeNs      uint64
	LatencyP50Ns  uint64
	LatencyP99Ns  uint64
	LatencyP999Ns uint64

	LatencyHistogram [numLatencyBuckets]uint64

	ReadIOPS       float64
	WriteIOPS      float64
	ReadBandwidth  float64
	WriteBandwidth float64
	TotalOps       uint64
	TotalBytes     uint64
	ErrorRate      float64

	// Children holds a point-in-time copy of each replica's submission/
	// completion/failure counters, keyed by device name.
	Children map[string]ChildMetricsSnapshot
}

// ChildMetricsSnapshot is a point-in-time copy of one replica's counters.
type ChildMetricsSnapshot struct {
	Submissions uint64
	Completions uint64
	Failures    uint64
}

// Snapshot creates a point-in-time snapshot of metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		ReadOps:               m.ReadOps.Load(),
		WriteOps:              m.WriteOps.Load(),
		UnmapOps:              m.UnmapOps.Load(),
		FlushOps:              m.FlushOps.Load(),
		ReadBytes:             m.ReadBytes.Load(),
		WriteBytes:            m.WriteBytes.Load(),
		ReadErrors:            m.ReadErrors.Load(),
		WriteErrors:           m.WriteErrors.Load(),
		OtherErrors:           m.OtherErrors.Load(),
		SubmissionFailures:    m.SubmissionFailures.Load(),
		CompletionFailures:    m.CompletionFailures.Load(),
		ChildrenRetired:       m.ChildrenRetired.Load(),
		SelfShutdowns:         m.SelfShutdowns.Load(),
		RebuildSegmentsCopied: m.RebuildSegmentsCopied.Load(),
		RebuildBytesCopied:    m.RebuildBytesCopied.Load(),
		RebuildsStarted:       m.RebuildsStarted.Load(),
		RebuildsCompleted:     m.RebuildsCompleted.Load(),
		RebuildsFailed:        m.RebuildsFailed.Load(),
	}

	snap.TotalOps = snap.ReadOps + snap.WriteOps + snap.UnmapOps + snap.FlushOps
	snap.TotalBytes = snap.ReadBytes + snap.WriteBytes

	totalLatencyNs := m.TotalLatencyNs.Load()
	opCount := m.OpCount.Load()
	if opCount > 0 {
		snap.AvgLatencyNs = totalLatencyNs / opCount
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
		snap.ReadIOPS = float64(snap.ReadOps) / uptimeSeconds
		snap.WriteIOPS = float64(snap.WriteOps) / uptimeSeconds
		snap.ReadBandwidth = float64(snap.ReadBytes) / uptimeSeconds
		snap.WriteBandwidth = float64(snap.WriteBytes) / uptimeSeconds
	}

	totalErrors := snap.ReadErrors + snap.WriteErrors + snap.OtherErrors
	if snap.TotalOps > 0 {
		snap.ErrorRate = float64(totalErrors) / float64(snap.TotalOps) * 100.0
	}

	for i := 0; i < numLatencyBuckets; i++ {
		snap.LatencyHistogram[i] = m.LatencyBuckets[i].Load()
	}

	if opCount > 0 {
		snap.LatencyP50Ns = m.calculatePercentile(0.50)
		snap.LatencyP99Ns = m.calculatePercentile(0.99)
		snap.LatencyP999Ns = m.calculatePercentile(0.999)
	}

	m.mu.Lock()
	snap.Children = make(map[string]ChildMetricsSnapshot, len(m.children))
	for name, cm := range m.children {
		snap.Children[name] = ChildMetricsSnapshot{
			Submissions: cm.Submissions.Load(),
			Completions: cm.Completions.Load(),
			Failures:    cm.Failures.Load(),
		}
	}
	m.mu.Unlock()

	return snap
}

// calculatePercentile estimates the latency at the given percentile
// (0.0-1.0) using linear interpolation between histogram buckets.
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
	return LatencyBuckets[numLatencyBuckets-1]
}

// Observer allows pluggable metrics collection, independent of the
// built-in Metrics accumulator.
type Observer interface {
	ObserveRead(bytes uint64, latencyNs uint64, success bool)
	ObserveWrite(bytes uint64, latencyNs uint64, success bool)
	ObserveUnmap(latencyNs uint64, success bool)
	ObserveFlush(latencyNs uint64, success bool)
	ObserveChildRetired(childName string)
	ObserveSelfShutdown()
}

// NoOpObserver is a no-op implementation of Observer.
type NoOpObserver struct{}

func (NoOpObserver) ObserveRead(uint64, uint64, bool)  {}
func (NoOpObserver) ObserveWrite(uint64, uint64, bool) {}
func (NoOpObserver) ObserveUnmap(uint64, bool)         {}
func (NoOpObserver) ObserveFlush(uint64, bool)         {}
func (NoOpObserver) ObserveChildRetired(string)        {}
func (NoOpObserver) ObserveSelfShutdown()              {}

// MetricsObserver implements Observer by recording into a Metrics.
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver creates an observer that records to the given metrics.
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveRead(bytes, latencyNs uint64, success bool) {
	o.metrics.RecordRead(bytes, latencyNs, success)
}

func (o *MetricsObserver) ObserveWrite(bytes, latencyNs uint64, success bool) {
	o.metrics.RecordWrite(bytes, latencyNs, success)
}

func (o *MetricsObserver) ObserveUnmap(latencyNs uint64, success bool) {
	o.metrics.RecordUnmap(latencyNs, success)
}

func (o *MetricsObserver) ObserveFlush(latencyNs uint64, success bool) {
	o.metrics.RecordFlush(latencyNs, success)
}

func (o *MetricsObserver) ObserveChildRetired(string) {
	o.metrics.RecordChildRetired()
}

func (o *MetricsObserver) ObserveSelfShutdown() {
	o.metrics.RecordSelfShutdown()
}

var _ Observer = (*MetricsObserver)(nil)
var _ Observer = (*NoOpObserver)(nil)
