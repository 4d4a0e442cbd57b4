// Package realtime implements C8, a thin best-effort admission policy
// layered over C7: for executables that declare an FPS deadline, it
// keeps a per-executable Timing record and answers "does a submit at this
// time still fall within the frame budget of the previous arrival"
// (spec.md §4.8).
package realtime

import (
	"sync"

	tpuerr "github.com/tpudrv/tpudrv/internal/tpuerr"
)

// Timing is the per-executable real-time contract (spec.md §3): fps is
// the target frame rate; MaxExecutionTimeMs is the worst-case measured
// execution time; ToleranceMs is the slack allowed beyond that before a
// submit is rejected. All timestamps are integer microseconds (spec.md
// §9 "target: integer microseconds everywhere").
type Timing struct {
	Fps                int
	MaxExecutionTimeMs int64
	ToleranceMs         int64

	LastArrivalUs   int64
	LastCompletionUs int64

	hasArrival bool // set by RecordArrival; an arrival at time 0 is valid
}

// FrameTimeUs returns 1_000_000/fps, the single helper spec.md §9 asks
// for instead of scattering floating-point FPS math through the codebase.
func (t Timing) FrameTimeUs() int64 {
	if t.Fps <= 0 {
		return 0
	}
	return 1_000_000 / int64(t.Fps)
}

// Validate checks tolerance_ms ∈ [0, 1000/fps − max_execution_time_ms]
// (spec.md §4.8).
func (t Timing) Validate() error {
	if t.Fps <= 0 {
		return tpuerr.NewError("realtime.Validate", tpuerr.CodeInvalidArgument, "fps must be positive")
	}
	upper := t.FrameTimeUs()/1000 - t.MaxExecutionTimeMs
	if t.ToleranceMs < 0 || t.ToleranceMs > upper {
		return tpuerr.NewError("realtime.Validate", tpuerr.CodeInvalidArgument, "tolerance_ms out of range for the declared fps/max_execution_time_ms")
	}
	return nil
}

// Admitter installs Timing records per executable identifier and answers
// admission queries. It does not itself talk to internal/scheduler. The
// driver facade (C11) installs Timing records through it but never calls
// WithinDeadline, RecordArrival or RecordCompletion, so no submit is
// admitted or rejected by it.
type Admitter struct {
	mu      sync.Mutex
	timings map[string]Timing
}

// NewAdmitter builds an empty Admitter.
func NewAdmitter() *Admitter {
	return &Admitter{timings: make(map[string]Timing)}
}

// SetTiming installs or replaces the Timing record for execID.
func (a *Admitter) SetTiming(execID string, t Timing) error {
	if err := t.Validate(); err != nil {
		return tpuerr.WrapError("realtime.SetTiming", err)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.timings[execID] = t
	return nil
}

// Timing returns the installed record for execID, if any.
func (a *Admitter) Timing(execID string) (Timing, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	t, ok := a.timings[execID]
	return t, ok
}

// EstimateInitialTimingMs implements registry.TimingEstimator: a newly
// registered executable's estimated cycle count becomes its first
// MaxExecutionTimeMs measurement, so the first real submit already has a
// baseline to admit against (spec.md §4.3 step 4, §4.8).
func (a *Admitter) EstimateInitialTimingMs(execID string, estimatedCycles int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	t := a.timings[execID]
	t.MaxExecutionTimeMs = estimatedCycles
	a.timings[execID] = t
}

// RecordArrival/RecordCompletion update an executable's last-seen
// timestamps (microseconds since some fixed epoch chosen by the caller),
// used to detect deadline misses between consecutive submits.
func (a *Admitter) RecordArrival(execID string, arrivalUs int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	t := a.timings[execID]
	t.LastArrivalUs = arrivalUs
	t.hasArrival = true
	a.timings[execID] = t
}

func (a *Admitter) RecordCompletion(execID string, completionUs int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	t := a.timings[execID]
	t.LastCompletionUs = completionUs
	a.timings[execID] = t
}

// WithinDeadline reports whether submitting execID at nowUs, given its
// installed Timing, still leaves it inside frame_time_us + tolerance_ms
// of the previous arrival. An executable with no installed Timing is
// always admitted (real-time admission is opt-in per executable), and so
// is one with no recorded arrival.
func (a *Admitter) WithinDeadline(execID string, nowUs int64) bool {
	a.mu.Lock()
	t, ok := a.timings[execID]
	a.mu.Unlock()
	if !ok || !t.hasArrival {
		return true
	}
	elapsed := nowUs - t.LastArrivalUs
	budget := t.FrameTimeUs() + t.ToleranceMs*1000
	return elapsed <= budget
}
