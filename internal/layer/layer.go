// Package layer defines the per-input/output layer metadata shared by the
// executable registry (C3, which parses it out of a package) and the
// layer I/O transforms (C5, which use it to re-layout and sign-transform
// tensors). Keeping it in its own package avoids a registry<->layout
// import cycle, the same reason the teacher keeps internal/interfaces
// separate from the root package.
package layer

// DataType enumerates the tensor element types an executable's layers may
// use (spec.md §3).
type DataType int

const (
	UnsignedFixedPoint8 DataType = iota
	SignedFixedPoint8
	UnsignedFixedPoint16
	SignedFixedPoint16
	UnsignedFixedPoint32
	SignedFixedPoint32
	BFloat16
	Half
	Single
)

// Signed reports whether dt is a signed fixed-point type. Per spec.md §9
// Open Questions, the source has a bug where SignedFixedPoint32 reports
// false; this is the corrected behavior. Callers needing the historic,
// buggy behavior for compatibility with existing model files should use
// LegacySigned instead (see DESIGN.md for which callers do).
func (dt DataType) Signed() bool {
	switch dt {
	case SignedFixedPoint8, SignedFixedPoint16, SignedFixedPoint32:
		return true
	default:
		return false
	}
}

// LegacySigned reproduces the source's observable (buggy) behavior for
// SignedFixedPoint32, so that sign-transform decisions for executables
// compiled against the old semantics do not silently change.
func (dt DataType) LegacySigned() bool {
	if dt == SignedFixedPoint32 {
		return false
	}
	return dt.Signed()
}

// IsFloat reports whether dt is a floating-point type; sign transforms
// never apply to these (spec.md §4.5).
func (dt DataType) IsFloat() bool {
	switch dt {
	case BFloat16, Half, Single:
		return true
	default:
		return false
	}
}

// ElementSizeBytes returns the on-wire size of one element of dt.
func (dt DataType) ElementSizeBytes() int {
	switch dt {
	case UnsignedFixedPoint8, SignedFixedPoint8:
		return 1
	case UnsignedFixedPoint16, SignedFixedPoint16, BFloat16, Half:
		return 2
	case UnsignedFixedPoint32, SignedFixedPoint32, Single:
		return 4
	default:
		return 0
	}
}

// Extent is the 4-D shape (batch, y, x, z) of one layer.
type Extent struct {
	Batch, Y, X, Z int
}

// Elements returns the total element count of one batch element's slice
// (Y*X*Z); Batch is handled separately since executions may be
// data-parallel across it.
func (e Extent) Elements() int { return e.Y * e.X * e.Z }

// TileLayout describes, for one output layer, how the hardware's
// tile-major write order maps back onto row-major (y, x) coordinates
// (spec.md §3). Only outputs carry this; inputs are written by the host
// in the layout the compiler expects.
type TileLayout struct {
	// YToLinearTileID maps a row y to the linear id of the tile row it
	// falls in.
	YToLinearTileID []int
	// YToLocalOffset maps a row y to its local row index within that tile
	// row; the byte offset is that index times TileRowStrideBytes.
	YToLocalOffset []int
	// XToLinearTileID maps a column x to the linear id of the tile column.
	XToLinearTileID []int
	// XToLocalByteOffset maps a column x to its local byte offset within
	// the tile.
	XToLocalByteOffset []int
	// TileGlobalByteOffset maps a (tile-row, tile-col) linear tile id pair,
	// encoded as tileRow*numTileCols+tileCol, to that tile's base offset
	// in the hardware output buffer.
	TileGlobalByteOffset []int
	NumTileCols          int
	// TileRowStrideBytes is the byte stride between consecutive local_y
	// rows within one tile ("x_row_size" in spec.md §4.5's general path).
	TileRowStrideBytes int
}

// GlobalOffset returns the hardware buffer byte offset for a given tile
// row/col pair.
func (t *TileLayout) GlobalOffset(tileRow, tileCol int) int {
	return t.TileGlobalByteOffset[tileRow*t.NumTileCols+tileCol]
}

// Info is one input or output layer's full metadata.
type Info struct {
	Name            string
	Extent          Extent
	DataType        DataType
	ZeroPoint       int32
	Scale           float32
	ExecutionCount  int // per-inference execution count, >= 1
	CacheOnDeviceDRAM bool
	PaddedBytesPerIteration int
	ActualBytesPerIteration int
	// Tiles is non-nil only for output layers.
	Tiles *TileLayout
}

// Validate enforces the invariants in spec.md §3: padded >= actual,
// execution_count >= 1.
func (i *Info) Validate() error {
	if i.ExecutionCount < 1 {
		return errInvalid("execution_count must be >= 1 for layer " + i.Name)
	}
	if i.PaddedBytesPerIteration < i.ActualBytesPerIteration {
		return errInvalid("padded bytes must be >= actual bytes for layer " + i.Name)
	}
	return nil
}

func errInvalid(msg string) error {
	return &invalidLayerError{msg: msg}
}

type invalidLayerError struct{ msg string }

func (e *invalidLayerError) Error() string { return "layer: " + e.msg }
