package binder

import (
	"encoding/binary"

	tpuerr "github.com/tpudrv/tpudrv/internal/tpuerr"
	"github.com/tpudrv/tpudrv/internal/buffer"
	"github.com/tpudrv/tpudrv/internal/registry"
)

// patchContext is everything patchInstructions needs to resolve a
// FieldOffset into a concrete device address.
type patchContext struct {
	scratch buffer.DeviceBuffer
	params  buffer.DeviceBuffer
	inputs  map[string][]buffer.DeviceBuffer
	outputs map[string][]buffer.DeviceBuffer
}

// patchInstructions copies each chunk's bitstream and writes the resolved
// device address into every FieldOffset's patch point, little-endian, 32
// bits at a time (spec.md §4.4). The registry-owned chunk bitstreams are
// never mutated in place.
func patchInstructions(chunks []registry.InstructionChunk, ctx patchContext) ([][]byte, error) {
	out := make([][]byte, len(chunks))
	for i, chunk := range chunks {
		patched := make([]byte, len(chunk.Bitstream))
		copy(patched, chunk.Bitstream)

		for _, fo := range chunk.FieldOffsets {
			addr, err := resolveField(ctx, fo)
			if err != nil {
				return nil, tpuerr.WrapError("binder.patchInstructions", err)
			}
			if err := patchField(patched, fo, uint32(addr)); err != nil {
				return nil, tpuerr.WrapError("binder.patchInstructions", err)
			}
		}
		out[i] = patched
	}
	return out, nil
}

func resolveField(ctx patchContext, fo registry.FieldOffset) (uint64, error) {
	switch fo.Kind {
	case registry.FieldScratchAddress:
		return ctx.scratch.DeviceAddress, nil
	case registry.FieldParameterAddress:
		return ctx.params.DeviceAddress, nil
	case registry.FieldInputAddress:
		return lookupLayerAddress(ctx.inputs, fo)
	case registry.FieldOutputAddress:
		return lookupLayerAddress(ctx.outputs, fo)
	default:
		return 0, tpuerr.NewError("binder.resolveField", tpuerr.CodeInvalidArgument, "unknown field kind")
	}
}

func lookupLayerAddress(layers map[string][]buffer.DeviceBuffer, fo registry.FieldOffset) (uint64, error) {
	dbs, ok := layers[fo.LayerName]
	if !ok || fo.BatchIndex < 0 || fo.BatchIndex >= len(dbs) {
		return 0, tpuerr.NewError("binder.lookupLayerAddress", tpuerr.CodeNotFound, "no bound device buffer for layer "+fo.LayerName)
	}
	return dbs[fo.BatchIndex].DeviceAddress, nil
}

// patchField writes value as a little-endian uint32 at fo.BitOffset, which
// must be byte-aligned: the instruction format never patches sub-byte
// fields (spec.md §4.4).
func patchField(bitstream []byte, fo registry.FieldOffset, value uint32) error {
	if fo.BitOffset%8 != 0 {
		return tpuerr.NewError("binder.patchField", tpuerr.CodeInvalidArgument, "field offset is not byte-aligned")
	}
	byteOff := int(fo.BitOffset / 8)
	if byteOff < 0 || byteOff+4 > len(bitstream) {
		return tpuerr.NewError("binder.patchField", tpuerr.CodeOutOfRange, "field offset outside bitstream bounds")
	}
	binary.LittleEndian.PutUint32(bitstream[byteOff:byteOff+4], value)
	return nil
}
