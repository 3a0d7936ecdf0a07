package internaldefs

import (
	"strings"
	"testing"

	"github.com/MrEthical07/testuser"
	"github.com/stretchr/testify/require"
)

func TestDefinitionsAreUnique(t *testing.T) {
	names := map[string]bool{}
	ids := map[testuser.MetricID]bool{}
	for _, def := range CounterDefs {
		require.False(t, names[def.Name], def.Name)
		require.False(t, ids[def.ID], def.Name)
		require.True(t, strings.HasPrefix(def.Name, "testuser_"), def.Name)
		require.True(t, strings.HasSuffix(def.Name, "_total"), def.Name)
		names[def.Name] = true
		ids[def.ID] = true
	}
	for _, def := range HistogramDefs {
		require.False(t, ids[def.ID], def.Name)
		ids[def.ID] = true
	}
	require.Len(t, HistogramBounds, 8)
}

func TestCounterDefsCoverSnapshot(t *testing.T) {
	m := testuser.NewMetrics(testuser.MetricsConfig{Enabled: true})
	snap := m.Snapshot()
	require.Len(t, CounterDefs, len(snap.Counters))
	for _, def := range CounterDefs {
		_, ok := snap.Counters[def.ID]
		require.True(t, ok, def.Name)
	}
}

func TestCumulativeBuckets(t *testing.T) {
	got := CumulativeBuckets(NormalizeBuckets([]uint64{1, 2, 3}))
	require.Equal(t, [8]uint64{1, 3, 6, 6, 6, 6, 6, 6}, got)
}
