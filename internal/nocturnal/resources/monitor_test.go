package resources

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nocturnal-agent/nocturnal/internal/nocturnal"
)

func TestClassifyWarningNotCriticalAtExactThreshold(t *testing.T) {
	th := DefaultThresholds()
	snap := nocturnal.ResourceSnapshot{CPUPercent: th.CPUWarning, MemPercent: 10, DiskPercent: 10, DiskFreeGB: 100}
	status := Classify(snap, th)
	require.Equal(t, nocturnal.ResourceWarning, status)
}

func TestClassifyWorstOfAnyMetric(t *testing.T) {
	th := DefaultThresholds()
	snap := nocturnal.ResourceSnapshot{CPUPercent: 10, MemPercent: th.MemEmergency, DiskPercent: 10, DiskFreeGB: 100}
	status := Classify(snap, th)
	require.Equal(t, nocturnal.ResourceEmergency, status)
}

func TestClassifyLowDiskFreeIsEmergency(t *testing.T) {
	th := DefaultThresholds()
	snap := nocturnal.ResourceSnapshot{CPUPercent: 1, MemPercent: 1, DiskPercent: 1, DiskFreeGB: 0.5}
	require.Equal(t, nocturnal.ResourceEmergency, Classify(snap, th))
}
