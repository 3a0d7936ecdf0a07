package testuser

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMetricsDisabledNoIncrement(t *testing.T) {
	m := NewMetrics(MetricsConfig{Enabled: false})
	m.Inc(MetricProvisionVerified)

	require.Zero(t, m.Value(MetricProvisionVerified))
	require.Empty(t, m.Snapshot().Counters)
}

func TestMetricsConcurrentIncrementSafe(t *testing.T) {
	m := NewMetrics(MetricsConfig{Enabled: true})

	const goroutines = 32
	const perG = 4000

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < perG; j++ {
				m.Inc(MetricAccountReclaimed)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, uint64(goroutines*perG), m.Value(MetricAccountReclaimed))
}

func TestMetricsWaitHistogramBuckets(t *testing.T) {
	m := NewMetrics(MetricsConfig{Enabled: true, EnableLatencyHistograms: true})

	for _, d := range []time.Duration{
		50 * time.Millisecond,
		100 * time.Millisecond,
		300 * time.Millisecond,
		2 * time.Second,
		4 * time.Second,
		30 * time.Second,
	} {
		m.Observe(MetricProvisionWaitLatency, d)
	}
	m.Observe(MetricProvisionVerified, time.Second)

	snap := m.Snapshot()
	require.Equal(t, []uint64{2, 0, 1, 0, 1, 1, 0, 1}, snap.Histograms[MetricProvisionWaitLatency])
	_, listed := snap.Counters[MetricProvisionWaitLatency]
	require.False(t, listed)
	require.Zero(t, snap.Counters[MetricProvisionVerified])
}

func TestMetricsLatencyOptional(t *testing.T) {
	m := NewMetrics(MetricsConfig{Enabled: true})
	m.Observe(MetricProvisionWaitLatency, time.Second)

	require.False(t, m.LatencyEnabled())
	require.Empty(t, m.Snapshot().Histograms)
}

func TestMetricsNilSafe(t *testing.T) {
	var m *Metrics
	m.Inc(MetricProvisionVerified)
	m.Observe(MetricProvisionWaitLatency, time.Second)

	require.False(t, m.Enabled())
	require.Zero(t, m.Value(MetricProvisionVerified))
	require.Empty(t, m.Snapshot().Counters)
}
