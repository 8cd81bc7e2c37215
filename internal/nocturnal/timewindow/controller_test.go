package timewindow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func at(hour int) time.Time {
	return time.Date(2026, 1, 1, hour, 0, 0, 0, time.UTC)
}

func TestInWindowCrossesMidnightBoundaries(t *testing.T) {
	c := New(DefaultConfig(), nil)
	c.SetClock(func() time.Time { return at(22) })
	require.True(t, c.IsExecutionAllowed(), "22:00 must be inclusive")

	c.SetClock(func() time.Time { return at(6) })
	require.False(t, c.IsExecutionAllowed(), "06:00 must be exclusive")

	c.SetClock(func() time.Time { return at(5) })
	require.True(t, c.IsExecutionAllowed())

	c.SetClock(func() time.Time { return at(12) })
	require.False(t, c.IsExecutionAllowed())
}

func TestPauseOverridesWindow(t *testing.T) {
	c := New(DefaultConfig(), nil)
	c.SetClock(func() time.Time { return at(23) })
	require.True(t, c.IsExecutionAllowed())

	c.Pause()
	require.False(t, c.IsExecutionAllowed())
	require.Equal(t, Paused, c.State())

	c.Resume()
	require.True(t, c.IsExecutionAllowed())
}

func TestCanStartTaskRespectsRemainingWindow(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SafetyMargin = 0
	c := New(cfg, nil)
	c.SetClock(func() time.Time { return at(5) }) // 1 hour left until 06:00

	ok, _ := c.CanStartTask(30 * time.Minute)
	require.True(t, ok)

	ok, reason := c.CanStartTask(90 * time.Minute)
	require.False(t, ok)
	require.NotEmpty(t, reason)
}
