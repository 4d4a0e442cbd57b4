package realtime

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameTimeUs(t *testing.T) {
	tm := Timing{Fps: 30}
	assert.Equal(t, int64(33333), tm.FrameTimeUs())
}

func TestValidateRejectsToleranceOutOfRange(t *testing.T) {
	tm := Timing{Fps: 100, MaxExecutionTimeMs: 8, ToleranceMs: 3}
	require.NoError(t, tm.Validate())

	tooMuch := Timing{Fps: 100, MaxExecutionTimeMs: 8, ToleranceMs: 100}
	require.Error(t, tooMuch.Validate())

	negative := Timing{Fps: 100, MaxExecutionTimeMs: 8, ToleranceMs: -1}
	require.Error(t, negative.Validate())
}

func TestSetTimingRejectsInvalid(t *testing.T) {
	a := NewAdmitter()
	err := a.SetTiming("exec-a", Timing{Fps: 30, MaxExecutionTimeMs: 1000, ToleranceMs: 0})
	require.Error(t, err)
	_, ok := a.Timing("exec-a")
	assert.False(t, ok)
}

func TestEstimateInitialTimingMsSeedsBaseline(t *testing.T) {
	a := NewAdmitter()
	a.EstimateInitialTimingMs("exec-a", 12)
	tm, ok := a.Timing("exec-a")
	require.True(t, ok)
	assert.Equal(t, int64(12), tm.MaxExecutionTimeMs)
}

func TestWithinDeadlineNoTimingAlwaysAdmits(t *testing.T) {
	a := NewAdmitter()
	assert.True(t, a.WithinDeadline("unknown-exec", 1_000_000))
}

func TestWithinDeadlineRespectsFrameBudget(t *testing.T) {
	a := NewAdmitter()
	require.NoError(t, a.SetTiming("exec-a", Timing{Fps: 30, MaxExecutionTimeMs: 10, ToleranceMs: 5}))
	a.RecordArrival("exec-a", 0)

	// frame_time_us(30fps) = 33333, + 5ms tolerance = 38333us budget.
	assert.True(t, a.WithinDeadline("exec-a", 30000))
	assert.False(t, a.WithinDeadline("exec-a", 50000))
}
