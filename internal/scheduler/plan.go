package scheduler

import (
	tpuerr "github.com/tpudrv/tpudrv/internal/tpuerr"
	"github.com/tpudrv/tpudrv/internal/buffer"
	"github.com/tpudrv/tpudrv/internal/registry"
)

// BufferResolver is the narrow view of a bound request's mappings that
// BuildTask needs. internal/binder's DeviceBufferMapper satisfies it
// through a small adapter so this package never has to import binder
// (which would otherwise cycle back through registry).
type BufferResolver interface {
	Input(name string, batch int) (buffer.DeviceBuffer, error)
	Output(name string, batch int) (buffer.DeviceBuffer, error)
	Param() buffer.DeviceBuffer
	Scratch() buffer.DeviceBuffer
	Instruction(chunkIndex int) (buffer.DeviceBuffer, error)
}

func interruptKind(id int) Kind {
	switch id {
	case 0:
		return KindScalarCoreInterrupt0
	case 1:
		return KindScalarCoreInterrupt1
	case 2:
		return KindScalarCoreInterrupt2
	default:
		return KindScalarCoreInterrupt3
	}
}

// BuildTask expands an executable's compiler-emitted DMA hints into the
// ordered Info list for one task, appending a terminal GlobalFence when
// the executable is not fully deterministic or overlap is disabled
// (spec.md §4.10 "DMA-hint extraction").
func BuildTask(s *Scheduler, requestID int32, hints []registry.DmaHint, resolver BufferResolver, fullyDeterministic, overlapEnabled bool) (*Task, error) {
	dmas := make([]*Info, 0, len(hints)+1)

	for _, h := range hints {
		switch h.Kind {
		case registry.HintInstruction:
			db, err := resolver.Instruction(h.ChunkIndex)
			if err != nil {
				return nil, tpuerr.WrapError("scheduler.BuildTask", err)
			}
			dmas = append(dmas, s.AllocateDma(KindInstruction, db))

		case registry.HintInputActivation:
			db, err := resolver.Input(h.LayerName, h.Batch)
			if err != nil {
				return nil, tpuerr.WrapError("scheduler.BuildTask", err)
			}
			sliced, err := db.Slice(h.Offset, h.Size, true)
			if err != nil {
				return nil, tpuerr.WrapError("scheduler.BuildTask", err)
			}
			dmas = append(dmas, s.AllocateDma(KindInputActivation, sliced))

		case registry.HintOutputActivation:
			db, err := resolver.Output(h.LayerName, h.Batch)
			if err != nil {
				return nil, tpuerr.WrapError("scheduler.BuildTask", err)
			}
			sliced, err := db.Slice(h.Offset, h.Size, false)
			if err != nil {
				return nil, tpuerr.WrapError("scheduler.BuildTask", err)
			}
			dmas = append(dmas, s.AllocateDma(KindOutputActivation, sliced))

		case registry.HintParameter:
			sliced, err := resolver.Param().Slice(h.Offset, h.Size, false)
			if err != nil {
				return nil, tpuerr.WrapError("scheduler.BuildTask", err)
			}
			dmas = append(dmas, s.AllocateDma(KindParameter, sliced))

		case registry.HintScratch:
			// DmaInfo has no dedicated Scratch kind; scratch transfers move
			// through the same descriptor-controlled path as parameters, so
			// they're tagged KindParameter for scheduling purposes.
			sliced, err := resolver.Scratch().Slice(h.Offset, h.Size, false)
			if err != nil {
				return nil, tpuerr.WrapError("scheduler.BuildTask", err)
			}
			dmas = append(dmas, s.AllocateDma(KindParameter, sliced))

		case registry.HintInterrupt:
			dmas = append(dmas, s.AllocateDma(interruptKind(h.InterruptID), buffer.DeviceBuffer{}))

		case registry.HintFence:
			if h.LocalFence {
				dmas = append(dmas, s.AllocateDma(KindLocalFence, buffer.DeviceBuffer{}))
			} else {
				dmas = append(dmas, s.AllocateDma(KindGlobalFence, buffer.DeviceBuffer{}))
			}

		default:
			return nil, tpuerr.NewError("scheduler.BuildTask", tpuerr.CodeInvalidArgument, "unknown dma hint kind")
		}
	}

	if !fullyDeterministic || !overlapEnabled {
		dmas = append(dmas, s.AllocateDma(KindGlobalFence, buffer.DeviceBuffer{}))
	}

	return &Task{RequestID: requestID, Dmas: dmas}, nil
}

// BuildInstructionOnlyTask builds the minimal task used by the USB
// minimal operating mode: the first instruction chunk only, plus a
// terminal GlobalFence (spec.md §4.7 case (c)).
func BuildInstructionOnlyTask(s *Scheduler, requestID int32, firstInstruction buffer.DeviceBuffer) *Task {
	dmas := []*Info{
		s.AllocateDma(KindInstruction, firstInstruction),
		s.AllocateDma(KindGlobalFence, buffer.DeviceBuffer{}),
	}
	return &Task{RequestID: requestID, Dmas: dmas}
}
