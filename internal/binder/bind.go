package binder

import (
	"unsafe"

	tpuerr "github.com/tpudrv/tpudrv/internal/tpuerr"
	"github.com/tpudrv/tpudrv/internal/buffer"
	"github.com/tpudrv/tpudrv/internal/memory"
	"github.com/tpudrv/tpudrv/internal/registry"
)

// hostAddrPtr reconstitutes an unsafe.Pointer from a uintptr host address
// recorded during coalescing. Safe here because the address always comes
// from a live Buffer still owned by the caller for the duration of Bind.
func hostAddrPtr(addr uintptr) unsafe.Pointer { return unsafe.Pointer(addr) } //nolint:govet

// LayerBuffers is one layer's batch-indexed host buffers, as assembled by
// the Request/TpuRequest layer before binding.
type LayerBuffers struct {
	Name    string
	Buffers []buffer.Buffer // one per batch element
}

// BindInput is everything one TpuRequest needs bound for a single
// sub-request: its instruction chunks, input/output layer buffers, and
// the already-resident scratch/parameter device buffers.
type BindInput struct {
	Chunks  []registry.InstructionChunk
	Inputs  []LayerBuffers
	Outputs []LayerBuffers
	Scratch buffer.DeviceBuffer
	Params  buffer.DeviceBuffer
}

// DeviceBufferMapper is the per-sub-request bundle of every mapping made
// on its behalf (spec.md §4.4), along with the patched instruction
// bitstream ready to hand to a transport.
type DeviceBufferMapper struct {
	Inputs  map[string][]buffer.DeviceBuffer
	Outputs map[string][]buffer.DeviceBuffer
	Scratch buffer.DeviceBuffer
	Params  buffer.DeviceBuffer

	PatchedInstructions [][]byte
	InstructionBuffers  []buffer.DeviceBuffer

	ioMappings []buffer.DeviceBuffer
}

// Bind maps in.Inputs/Outputs (coalescing page-adjacent host buffers),
// patches the instruction bitstream with the resolved addresses, and maps
// the (already-patched) instruction buffers last so cache coherency is
// preserved (spec.md §4.4, §4.6 "prepare()").
func Bind(as memory.AddressSpace, in BindInput, instructionHosts []buffer.Buffer) (*DeviceBufferMapper, error) {
	m := &DeviceBufferMapper{
		Inputs:  make(map[string][]buffer.DeviceBuffer),
		Outputs: make(map[string][]buffer.DeviceBuffer),
		Scratch: in.Scratch,
		Params:  in.Params,
	}

	entries, index := buildEntries(in.Inputs, in.Outputs)
	merged := coalesce(entries)

	if err := bindIndividual(in.Inputs, m.Inputs); err != nil {
		return nil, tpuerr.WrapError("binder.Bind", err)
	}
	if err := bindIndividual(in.Outputs, m.Outputs); err != nil {
		return nil, tpuerr.WrapError("binder.Bind", err)
	}

	for i := range merged {
		dir := memory.ToDevice
		switch {
		case merged[i].hasInput && merged[i].hasOutput:
			dir = memory.Bidirectional
		case merged[i].hasOutput:
			dir = memory.FromDevice
		}
		size := int(merged[i].hostEnd - merged[i].hostStart)
		wrapped := buffer.NewWrappedPtr(hostAddrPtr(merged[i].hostStart), size)
		db, err := as.Map(&wrapped, dir, memory.HintAny)
		if err != nil {
			m.UnmapAll(as)
			return nil, tpuerr.WrapError("binder.Bind", err)
		}
		merged[i].device = db
		m.ioMappings = append(m.ioMappings, db)
	}

	for _, e := range entries {
		addr, ok := resolveAddress(merged, e.hostAddr)
		if !ok {
			m.UnmapAll(as)
			return nil, tpuerr.NewError("binder.Bind", tpuerr.CodeInternal, "buffer not covered by any merged interval")
		}
		ref := index[e.index]
		db := buffer.NewDeviceBuffer(addr, e.size)
		if e.isInput {
			m.Inputs[ref.name] = setAt(m.Inputs[ref.name], ref.batch, db)
		} else {
			m.Outputs[ref.name] = setAt(m.Outputs[ref.name], ref.batch, db)
		}
	}

	patched, err := patchInstructions(in.Chunks, patchContext{
		scratch: in.Scratch,
		params:  in.Params,
		inputs:  m.Inputs,
		outputs: m.Outputs,
	})
	if err != nil {
		m.UnmapAll(as)
		return nil, tpuerr.WrapError("binder.Bind", err)
	}
	m.PatchedInstructions = patched

	for idx := range instructionHosts {
		if idx < len(patched) {
			dst := unsafe.Slice((*byte)(instructionHosts[idx].AsPtr()), instructionHosts[idx].Size())
			copy(dst, patched[idx])
		}
		db, err := as.Map(&instructionHosts[idx], ToDeviceDirection(), memory.HintAny)
		if err != nil {
			m.UnmapAll(as)
			return nil, tpuerr.WrapError("binder.Bind", err)
		}
		m.InstructionBuffers = append(m.InstructionBuffers, db)
	}

	return m, nil
}

// ToDeviceDirection exists only so callers outside this package do not
// need to import internal/memory just to say "write instructions before
// running them".
func ToDeviceDirection() memory.Direction { return memory.ToDevice }

type bufferRef struct {
	name  string
	batch int
}

func buildEntries(inputs, outputs []LayerBuffers) ([]entry, map[int]bufferRef) {
	var entries []entry
	index := make(map[int]bufferRef)
	idx := 0

	addGroup := func(group []LayerBuffers, isInput bool) {
		for _, lb := range group {
			for batch, buf := range lb.Buffers {
				if buf.Kind() != buffer.WrappedPtr && buf.Kind() != buffer.Allocated {
					continue // Fd/Dram buffers are mapped individually, not coalesced
				}
				entries = append(entries, entry{
					hostAddr: buf.HostAddr(),
					size:     buf.Size(),
					isInput:  isInput,
					isOutput: !isInput,
					index:    idx,
				})
				index[idx] = bufferRef{name: lb.Name, batch: batch}
				idx++
			}
		}
	}
	addGroup(inputs, true)
	addGroup(outputs, false)
	return entries, index
}

// bindIndividual resolves the buffers buildEntries skipped — those already
// resident in device DRAM — directly into out, keyed by layer name and
// batch index. Dram buffers carry their device address already (set by
// whoever allocated them on-device); there is nothing to coalesce or map,
// only to record. Fd and DramWrapped buffers have no resolution path in
// this core (spec.md §9 Open Questions) and are rejected here as a second
// line of defense; Request.validateLayersLocked rejects them earlier so a
// caller going through the public API never reaches this branch.
func bindIndividual(group []LayerBuffers, out map[string][]buffer.DeviceBuffer) error {
	op := "binder.Bind"
	for _, lb := range group {
		for batch, buf := range lb.Buffers {
			switch buf.Kind() {
			case buffer.WrappedPtr, buffer.Allocated:
				continue
			case buffer.Dram:
				addr, err := buf.GetDram()
				if err != nil {
					return tpuerr.WrapError(op, err)
				}
				out[lb.Name] = setAt(out[lb.Name], batch, buffer.NewDeviceBuffer(addr, buf.Size()))
			case buffer.Fd, buffer.DramWrapped:
				return tpuerr.NewError(op, tpuerr.CodeUnimplemented, "fd-backed buffers have no device mapping path in this core")
			default:
				return tpuerr.NewError(op, tpuerr.CodeInvalidArgument, "invalid buffer in layer "+lb.Name)
			}
		}
	}
	return nil
}

func setAt(slice []buffer.DeviceBuffer, i int, v buffer.DeviceBuffer) []buffer.DeviceBuffer {
	for len(slice) <= i {
		slice = append(slice, buffer.DeviceBuffer{})
	}
	slice[i] = v
	return slice
}

// UnmapAll releases the merged input/output mappings, then the
// instruction mappings, accumulating failures rather than stopping at the
// first one so partially-mapped state is always cleanable (spec.md §4.4).
// Scratch is not mapped by Bind and is not unmapped here.
func (m *DeviceBufferMapper) UnmapAll(as memory.AddressSpace) error {
	var firstErr error
	note := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	for _, db := range m.ioMappings {
		note(as.Unmap(db))
	}
	m.ioMappings = nil
	m.Inputs = map[string][]buffer.DeviceBuffer{}
	m.Outputs = map[string][]buffer.DeviceBuffer{}

	for _, db := range m.InstructionBuffers {
		note(as.Unmap(db))
	}
	m.InstructionBuffers = nil

	return firstErr
}
