package registry

import (
	"encoding/binary"
	"math"

	tpuerr "github.com/tpudrv/tpudrv/internal/tpuerr"
	"github.com/tpudrv/tpudrv/internal/constants"
	"github.com/tpudrv/tpudrv/internal/layer"
)

// byteReader walks a packed-record buffer field by field, mirroring the
// teacher's hand-rolled marshal/unmarshal helpers (internal/uapi/marshal.go)
// rather than reflection-based decoding.
type byteReader struct {
	buf []byte
	pos int
}

func (r *byteReader) remaining() int { return len(r.buf) - r.pos }

func (r *byteReader) need(n int) error {
	if r.remaining() < n {
		return tpuerr.NewError("registry.parse", tpuerr.CodeDataLoss, "package truncated")
	}
	return nil
}

func (r *byteReader) u8() (uint8, error) {
	if err := r.need(1); err != nil {
		return 0, err
	}
	v := r.buf[r.pos]
	r.pos++
	return v, nil
}

func (r *byteReader) bool() (bool, error) {
	v, err := r.u8()
	return v != 0, err
}

func (r *byteReader) u32() (uint32, error) {
	if err := r.need(4); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint32(r.buf[r.pos:])
	r.pos += 4
	return v, nil
}

func (r *byteReader) i32() (int32, error) {
	v, err := r.u32()
	return int32(v), err
}

func (r *byteReader) f32() (float32, error) {
	v, err := r.u32()
	return math.Float32frombits(v), err
}

func (r *byteReader) u64() (uint64, error) {
	if err := r.need(8); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint64(r.buf[r.pos:])
	r.pos += 8
	return v, nil
}

func (r *byteReader) bytes(n int) ([]byte, error) {
	if err := r.need(n); err != nil {
		return nil, err
	}
	v := r.buf[r.pos : r.pos+n]
	r.pos += n
	return v, nil
}

func (r *byteReader) lenPrefixedBytes() ([]byte, error) {
	n, err := r.u32()
	if err != nil {
		return nil, err
	}
	return r.bytes(int(n))
}

func (r *byteReader) str() (string, error) {
	b, err := r.lenPrefixedBytes()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ParsePackage decodes a "DWN1" packed package record (spec.md §6
// "Package wire format") into a Package and its one-to-three Executables.
func ParsePackage(data []byte) (*Package, error) {
	r := &byteReader{buf: data}

	magic, err := r.bytes(4)
	if err != nil {
		return nil, tpuerr.WrapError("registry.ParsePackage", err)
	}
	if string(magic) != string(constants.PackageMagic[:]) {
		return nil, tpuerr.NewError("registry.ParsePackage", tpuerr.CodeInvalidArgument, "bad package magic")
	}
	if _, err := r.u32(); err != nil { // format version, currently unused
		return nil, tpuerr.WrapError("registry.ParsePackage", err)
	}

	identifier, err := r.str()
	if err != nil {
		return nil, tpuerr.WrapError("registry.ParsePackage", err)
	}
	chipTag, err := r.str()
	if err != nil {
		return nil, tpuerr.WrapError("registry.ParsePackage", err)
	}
	userID, err := r.str()
	if err != nil {
		return nil, tpuerr.WrapError("registry.ParsePackage", err)
	}
	maxLatencyMs, err := r.i32()
	if err != nil {
		return nil, tpuerr.WrapError("registry.ParsePackage", err)
	}

	execCount, err := r.u32()
	if err != nil {
		return nil, tpuerr.WrapError("registry.ParsePackage", err)
	}
	if execCount == 0 || execCount > 3 {
		return nil, tpuerr.NewError("registry.ParsePackage", tpuerr.CodeInvalidArgument, "package must carry one to three executables")
	}

	pkg := &Package{Identifier: identifier, ChipConfigTag: chipTag, UserID: userID, MaxLatencyMs: int(maxLatencyMs)}

	for i := uint32(0); i < execCount; i++ {
		exec, err := parseExecutable(r)
		if err != nil {
			return nil, tpuerr.WrapError("registry.ParsePackage", err)
		}
		switch exec.Kind {
		case KindStandalone:
			if pkg.Standalone != nil {
				return nil, tpuerr.NewError("registry.ParsePackage", tpuerr.CodeInvalidArgument, "duplicate standalone executable")
			}
			pkg.Standalone = exec
		case KindParameterCaching:
			if pkg.ParameterCaching != nil {
				return nil, tpuerr.NewError("registry.ParsePackage", tpuerr.CodeInvalidArgument, "duplicate parameter-caching executable")
			}
			pkg.ParameterCaching = exec
		case KindInference:
			if pkg.Inference != nil {
				return nil, tpuerr.NewError("registry.ParsePackage", tpuerr.CodeInvalidArgument, "duplicate inference executable")
			}
			pkg.Inference = exec
		}
	}

	if err := validateCombination(pkg); err != nil {
		return nil, err
	}
	return pkg, nil
}

// validateCombination enforces the one-of/two-of/three-of rule from
// spec.md §3: {standalone} or {parameter-caching + inference} or
// {all three}, never a mixed pair like {standalone + parameter-caching}
// alone.
func validateCombination(pkg *Package) error {
	hasStandalone := pkg.Standalone != nil
	hasCaching := pkg.ParameterCaching != nil
	hasInference := pkg.Inference != nil

	switch {
	case hasStandalone && !hasCaching && !hasInference:
		return nil
	case !hasStandalone && hasCaching && hasInference:
		return nil
	case hasStandalone && hasCaching && hasInference:
		return nil
	default:
		return tpuerr.NewError("registry.ParsePackage", tpuerr.CodeInvalidArgument, "invalid executable combination")
	}
}

func parseExecutable(r *byteReader) (*Executable, error) {
	kindByte, err := r.u8()
	if err != nil {
		return nil, err
	}
	exec := &Executable{Kind: ExecutableKind(kindByte)}

	if exec.Identifier, err = r.str(); err != nil {
		return nil, err
	}
	if exec.ChipConfigTag, err = r.str(); err != nil {
		return nil, err
	}
	batchSize, err := r.u32()
	if err != nil {
		return nil, err
	}
	exec.BatchSize = int(batchSize)

	scratchBytes, err := r.u32()
	if err != nil {
		return nil, err
	}
	exec.ScratchBytes = int(scratchBytes)

	if exec.ParameterCacheToken, err = r.u64(); err != nil {
		return nil, err
	}
	if exec.EstimatedCycles, err = r.u64(); err != nil {
		return nil, err
	}
	if exec.FullyDeterministic, err = r.bool(); err != nil {
		return nil, err
	}

	if exec.InputLayers, err = parseLayerList(r, false); err != nil {
		return nil, err
	}
	if exec.OutputLayers, err = parseLayerList(r, true); err != nil {
		return nil, err
	}
	if exec.InstructionChunks, err = parseInstructionChunks(r); err != nil {
		return nil, err
	}
	if exec.ParameterBlob, err = r.lenPrefixedBytes(); err != nil {
		return nil, err
	}
	if exec.DmaHints, err = parseDmaHints(r); err != nil {
		return nil, err
	}

	for _, li := range append(append([]*layer.Info{}, exec.InputLayers...), exec.OutputLayers...) {
		if err := li.Validate(); err != nil {
			return nil, err
		}
	}
	return exec, nil
}

func parseLayerList(r *byteReader, isOutput bool) ([]*layer.Info, error) {
	count, err := r.u32()
	if err != nil {
		return nil, err
	}
	layers := make([]*layer.Info, 0, count)
	for i := uint32(0); i < count; i++ {
		li, err := parseLayer(r, isOutput)
		if err != nil {
			return nil, err
		}
		layers = append(layers, li)
	}
	return layers, nil
}

func parseLayer(r *byteReader, isOutput bool) (*layer.Info, error) {
	li := &layer.Info{}
	var err error
	if li.Name, err = r.str(); err != nil {
		return nil, err
	}

	batch, err := r.u32()
	if err != nil {
		return nil, err
	}
	y, err := r.u32()
	if err != nil {
		return nil, err
	}
	x, err := r.u32()
	if err != nil {
		return nil, err
	}
	z, err := r.u32()
	if err != nil {
		return nil, err
	}
	li.Extent = layer.Extent{Batch: int(batch), Y: int(y), X: int(x), Z: int(z)}

	dt, err := r.u8()
	if err != nil {
		return nil, err
	}
	li.DataType = layer.DataType(dt)

	if li.ZeroPoint, err = r.i32(); err != nil {
		return nil, err
	}
	if li.Scale, err = r.f32(); err != nil {
		return nil, err
	}

	execCount, err := r.u32()
	if err != nil {
		return nil, err
	}
	li.ExecutionCount = int(execCount)

	if li.CacheOnDeviceDRAM, err = r.bool(); err != nil {
		return nil, err
	}

	padded, err := r.u32()
	if err != nil {
		return nil, err
	}
	li.PaddedBytesPerIteration = int(padded)
	actual, err := r.u32()
	if err != nil {
		return nil, err
	}
	li.ActualBytesPerIteration = int(actual)

	if isOutput {
		hasTiles, err := r.bool()
		if err != nil {
			return nil, err
		}
		if hasTiles {
			tiles, err := parseTileLayout(r)
			if err != nil {
				return nil, err
			}
			li.Tiles = tiles
		}
	}
	return li, nil
}

func parseTileLayout(r *byteReader) (*layer.TileLayout, error) {
	t := &layer.TileLayout{}
	var err error
	if t.YToLinearTileID, err = intSlice(r); err != nil {
		return nil, err
	}
	if t.YToLocalOffset, err = intSlice(r); err != nil {
		return nil, err
	}
	if t.XToLinearTileID, err = intSlice(r); err != nil {
		return nil, err
	}
	if t.XToLocalByteOffset, err = intSlice(r); err != nil {
		return nil, err
	}
	if t.TileGlobalByteOffset, err = intSlice(r); err != nil {
		return nil, err
	}
	cols, err := r.u32()
	if err != nil {
		return nil, err
	}
	t.NumTileCols = int(cols)
	stride, err := r.u32()
	if err != nil {
		return nil, err
	}
	t.TileRowStrideBytes = int(stride)
	return t, nil
}

func intSlice(r *byteReader) ([]int, error) {
	count, err := r.u32()
	if err != nil {
		return nil, err
	}
	out := make([]int, count)
	for i := range out {
		v, err := r.u32()
		if err != nil {
			return nil, err
		}
		out[i] = int(v)
	}
	return out, nil
}

func parseInstructionChunks(r *byteReader) ([]InstructionChunk, error) {
	count, err := r.u32()
	if err != nil {
		return nil, err
	}
	chunks := make([]InstructionChunk, 0, count)
	for i := uint32(0); i < count; i++ {
		bitstream, err := r.lenPrefixedBytes()
		if err != nil {
			return nil, err
		}
		fieldCount, err := r.u32()
		if err != nil {
			return nil, err
		}
		fields := make([]FieldOffset, 0, fieldCount)
		for j := uint32(0); j < fieldCount; j++ {
			bitOffset, err := r.u32()
			if err != nil {
				return nil, err
			}
			kindByte, err := r.u8()
			if err != nil {
				return nil, err
			}
			fo := FieldOffset{BitOffset: bitOffset, Kind: FieldKind(kindByte)}
			if fo.Kind == FieldInputAddress || fo.Kind == FieldOutputAddress {
				if fo.LayerName, err = r.str(); err != nil {
					return nil, err
				}
				batchIdx, err := r.u32()
				if err != nil {
					return nil, err
				}
				fo.BatchIndex = int(batchIdx)
			}
			fields = append(fields, fo)
		}
		chunks = append(chunks, InstructionChunk{Bitstream: bitstream, FieldOffsets: fields})
	}
	return chunks, nil
}

func parseDmaHints(r *byteReader) ([]DmaHint, error) {
	count, err := r.u32()
	if err != nil {
		return nil, err
	}
	hints := make([]DmaHint, 0, count)
	for i := uint32(0); i < count; i++ {
		kindByte, err := r.u8()
		if err != nil {
			return nil, err
		}
		h := DmaHint{Kind: DmaHintKind(kindByte)}
		switch h.Kind {
		case HintInputActivation, HintOutputActivation, HintParameter, HintScratch:
			if h.LayerName, err = r.str(); err != nil {
				return nil, err
			}
			off, err := r.u32()
			if err != nil {
				return nil, err
			}
			h.Offset = int(off)
			size, err := r.u32()
			if err != nil {
				return nil, err
			}
			h.Size = int(size)
			batch, err := r.u32()
			if err != nil {
				return nil, err
			}
			h.Batch = int(batch)
		case HintInstruction:
			chunkIdx, err := r.u32()
			if err != nil {
				return nil, err
			}
			h.ChunkIndex = int(chunkIdx)
		case HintInterrupt:
			id, err := r.u8()
			if err != nil {
				return nil, err
			}
			h.InterruptID = int(id)
		case HintFence:
			local, err := r.bool()
			if err != nil {
				return nil, err
			}
			h.LocalFence = local
		}
		hints = append(hints, h)
	}
	return hints, nil
}
