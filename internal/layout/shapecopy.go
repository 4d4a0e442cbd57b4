package layout

import tpuerr "github.com/tpudrv/tpudrv/internal/tpuerr"

// Shape describes one N-D slice to copy. Dims is ordered outermost-first
// (Dims[0] is the slowest-varying axis); SrcStrides/DstStrides are the
// corresponding per-axis byte strides, and ElemBytes is the size of one
// innermost element.
type Shape struct {
	Dims       []int
	SrcStrides []int
	DstStrides []int
	ElemBytes  int
}

// SliceLayout pairs a Shape with the byte offsets into the source and
// destination buffers where it starts; the executable registry supplies
// one per output slice when it exposes per-slice layouts instead of the
// uniform tile tables in layer.TileLayout (spec.md §4.5 "shape-info
// path").
type SliceLayout struct {
	Shape     Shape
	SrcOffset int
	DstOffset int
}

// CopySlices applies ShapeCopy to every slice layout in order.
func CopySlices(dst, src []byte, slices []SliceLayout) error {
	for i := range slices {
		sl := &slices[i]
		if err := ShapeCopy(dst[sl.DstOffset:], src[sl.SrcOffset:], sl.Shape); err != nil {
			return tpuerr.WrapError("layout.CopySlices", err)
		}
	}
	return nil
}

// ShapeCopy walks an N-D shape outermost-axis-first, copying the largest
// contiguous trailing run of axes in one shot wherever source and
// destination strides agree with a tightly-packed layout, and falling
// back to per-axis recursion otherwise (spec.md §4.5 "shape-info path").
func ShapeCopy(dst, src []byte, shape Shape) error {
	return shapeCopyDim(dst, src, shape, 0)
}

func shapeCopyDim(dst, src []byte, shape Shape, dim int) error {
	n := len(shape.Dims)
	if dim == n {
		return copyExact(dst, src, shape.ElemBytes)
	}
	if isContiguousSuffix(shape, dim) {
		bytes := shape.ElemBytes
		for d := dim; d < n; d++ {
			bytes *= shape.Dims[d]
		}
		return copyExact(dst, src, bytes)
	}

	for i := 0; i < shape.Dims[dim]; i++ {
		srcOff := i * shape.SrcStrides[dim]
		dstOff := i * shape.DstStrides[dim]
		if err := shapeCopyDim(dst[dstOff:], src[srcOff:], shape, dim+1); err != nil {
			return err
		}
	}
	return nil
}

// isContiguousSuffix reports whether axes [startDim, n) form one tightly
// packed run in both buffers: walking from the innermost axis outward,
// each axis's stride must equal the contiguous size accumulated so far.
func isContiguousSuffix(shape Shape, startDim int) bool {
	n := len(shape.Dims)
	expected := shape.ElemBytes
	for d := n - 1; d >= startDim; d-- {
		if shape.SrcStrides[d] != expected || shape.DstStrides[d] != expected {
			return false
		}
		expected *= shape.Dims[d]
	}
	return true
}

func copyExact(dst, src []byte, n int) error {
	if err := requireLen(src, n, "src"); err != nil {
		return err
	}
	if err := requireLen(dst, n, "dst"); err != nil {
		return err
	}
	copy(dst[:n], src[:n])
	return nil
}
