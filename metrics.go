package testuser

import (
	"sync/atomic"
	"time"
)

// MetricID identifies one engine counter or histogram.
type MetricID uint16

const (
	// MetricProvisionVerified counts verified accounts handed to callers.
	MetricProvisionVerified MetricID = iota
	// MetricProvisionUnverified counts unverified accounts handed to callers.
	MetricProvisionUnverified
	// MetricProvisionFailure counts provisioning calls that failed before the wait.
	MetricProvisionFailure
	// MetricProvisionTimeout counts provisioning waits that hit the deadline.
	MetricProvisionTimeout
	// MetricProvisionRateLimited counts provisioning calls refused by the limiter.
	MetricProvisionRateLimited
	MetricVerifySuccess
	MetricVerifyFailure
	MetricNotificationMalformed
	MetricNotificationOrphan
	MetricAssertionIssued
	MetricAssertionFailure
	MetricAccountReclaimed
	MetricAccountDeleted
	MetricAccountExtended
	MetricRemoteCancelSuccess
	MetricRemoteCancelFailure
	// MetricIdPFlooding counts 429 answers seen by engine calls.
	MetricIdPFlooding
	// MetricIdPProtocolError counts other non-200 answers seen by engine calls.
	MetricIdPProtocolError
	// MetricProvisionWaitLatency is the histogram of time spent waiting for
	// the mail notification.
	MetricProvisionWaitLatency
	metricIDCount
)

const (
	histBucketCount = 8
	cacheLineSize   = 64
)

type metricHistogram struct {
	buckets [histBucketCount]uint64
}

type paddedCounter struct {
	value uint64
	_     [cacheLineSize - 8]byte
}

// Metrics holds lock-free engine counters.
type Metrics struct {
	enabled       bool
	enableLatency bool
	counters      [metricIDCount]paddedCounter
	histograms    [metricIDCount]metricHistogram
}

// MetricsSnapshot is a point-in-time copy of all counters. Histogram
// buckets are non-cumulative.
type MetricsSnapshot struct {
	Counters   map[MetricID]uint64
	Histograms map[MetricID][]uint64
}

// NewMetrics returns counters configured by cfg.
func NewMetrics(cfg MetricsConfig) *Metrics {
	return &Metrics{
		enabled:       cfg.Enabled,
		enableLatency: cfg.Enabled && cfg.EnableLatencyHistograms,
	}
}

// Enabled reports whether counting is on. Safe on a nil receiver.
func (m *Metrics) Enabled() bool {
	return m != nil && m.enabled
}

// LatencyEnabled reports whether histograms are recorded.
func (m *Metrics) LatencyEnabled() bool {
	return m != nil && m.enableLatency
}

// Inc adds one to id.
func (m *Metrics) Inc(id MetricID) {
	if m == nil || !m.enabled || id >= metricIDCount {
		return
	}
	atomic.AddUint64(&m.counters[id].value, 1)
}

// Observe records d in id's histogram. Only histogram IDs are accepted.
func (m *Metrics) Observe(id MetricID, d time.Duration) {
	if m == nil || !m.enabled || !m.enableLatency || id >= metricIDCount {
		return
	}
	if id != MetricProvisionWaitLatency {
		return
	}

	b := bucketIndex(d)
	atomic.AddUint64(&m.histograms[id].buckets[b], 1)
}

// Value returns the current count for id.
func (m *Metrics) Value(id MetricID) uint64 {
	if m == nil || id >= metricIDCount {
		return 0
	}
	return atomic.LoadUint64(&m.counters[id].value)
}

// Snapshot copies every counter and, when enabled, the wait histogram.
func (m *Metrics) Snapshot() MetricsSnapshot {
	if m == nil || !m.enabled {
		return MetricsSnapshot{
			Counters:   map[MetricID]uint64{},
			Histograms: map[MetricID][]uint64{},
		}
	}

	s := MetricsSnapshot{
		Counters:   make(map[MetricID]uint64, int(metricIDCount)),
		Histograms: make(map[MetricID][]uint64, 1),
	}

	for id := MetricID(0); id < metricIDCount; id++ {
		if id == MetricProvisionWaitLatency {
			continue
		}
		s.Counters[id] = atomic.LoadUint64(&m.counters[id].value)
	}

	if m.enableLatency {
		buckets := make([]uint64, histBucketCount)
		for i := 0; i < histBucketCount; i++ {
			buckets[i] = atomic.LoadUint64(&m.histograms[MetricProvisionWaitLatency].buckets[i])
		}
		s.Histograms[MetricProvisionWaitLatency] = buckets
	}

	return s
}

// bucketIndex buckets waits by upper bound: 100ms, 250ms, 500ms, 1s, 2.5s,
// 5s, 10s, +Inf.
func bucketIndex(d time.Duration) int {
	ms := d.Milliseconds()

	switch {
	case ms <= 100:
		return 0
	case ms <= 250:
		return 1
	case ms <= 500:
		return 2
	case ms <= 1000:
		return 3
	case ms <= 2500:
		return 4
	case ms <= 5000:
		return 5
	case ms <= 10000:
		return 6
	default:
		return 7
	}
}
