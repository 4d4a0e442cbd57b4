// Package scheduler implements C7, the single-queue DMA scheduler: it
// orders the DMA descriptors belonging to each submitted task, fences
// between tasks unless overlap is permitted, and tracks watchdog-armed
// active work (spec.md §4.7).
package scheduler

import (
	"github.com/tpudrv/tpudrv/internal/buffer"
)

// Kind enumerates the typed DMA descriptors a task can carry.
type Kind int

const (
	KindInstruction Kind = iota
	KindInputActivation
	KindParameter
	KindOutputActivation
	KindScalarCoreInterrupt0
	KindScalarCoreInterrupt1
	KindScalarCoreInterrupt2
	KindScalarCoreInterrupt3
	KindLocalFence
	KindGlobalFence
)

func (k Kind) String() string {
	switch k {
	case KindInstruction:
		return "instruction"
	case KindInputActivation:
		return "input-activation"
	case KindParameter:
		return "parameter"
	case KindOutputActivation:
		return "output-activation"
	case KindScalarCoreInterrupt0, KindScalarCoreInterrupt1, KindScalarCoreInterrupt2, KindScalarCoreInterrupt3:
		return "scalar-core-interrupt"
	case KindLocalFence:
		return "local-fence"
	case KindGlobalFence:
		return "global-fence"
	default:
		return "unknown"
	}
}

// State is a DmaInfo's lifecycle stage.
type State int

const (
	Pending State = iota
	Active
	Completed
	Error
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Active:
		return "active"
	case Completed:
		return "completed"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// Info is one immutable-shape DMA descriptor. Its State is the only
// mutable field, and only the scheduler mutates it, always under its own
// mutex (spec.md §3 "DmaInfo").
type Info struct {
	ID     int
	Kind   Kind
	Buffer buffer.DeviceBuffer
	State  State
}

// Task is (TpuRequest, list<DmaInfo>): the unit the scheduler orders.
// RequestID is opaque to the scheduler; callers use it to correlate
// notify_request_completion back to their own bookkeeping. Dmas is held
// by reference (arena+index discipline, spec.md §9): the scheduler never
// copies an *Info once built, so identity is stable across queue moves.
type Task struct {
	RequestID int32
	Dmas      []*Info

	cursor int // index of the next Dma to consider issuable
}

// nextUnresolved returns the Dma at the task's cursor, or nil if every Dma
// has been issued.
func (t *Task) nextUnresolved() *Info {
	if t.cursor >= len(t.Dmas) {
		return nil
	}
	return t.Dmas[t.cursor]
}

// allCompleted reports whether every Dma in the task has reached a
// terminal state (Completed or Error).
func (t *Task) allCompleted() bool {
	for _, d := range t.Dmas {
		if d.State != Completed && d.State != Error {
			return false
		}
	}
	return true
}
