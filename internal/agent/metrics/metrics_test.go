package metrics

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCollectReturnsNonNegativeValues(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("load average and meminfo sampling are Linux-specific")
	}

	m := Collect()
	require.GreaterOrEqual(t, m.LoadAvg1m, float32(0))
	require.GreaterOrEqual(t, m.MemoryPercent, float32(0))
	require.LessOrEqual(t, m.MemoryPercent, float32(100))
}

func TestDiskAvailableForRootIsPositive(t *testing.T) {
	require.Greater(t, diskAvailable("/"), uint64(0))
}
