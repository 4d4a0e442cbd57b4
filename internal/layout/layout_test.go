package layout

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tpudrv/tpudrv/internal/layer"
)

func TestRelayoutNoop(t *testing.T) {
	li := &layer.Info{
		Extent:                  layer.Extent{Batch: 1, Y: 4, X: 4, Z: 1},
		DataType:                layer.UnsignedFixedPoint8,
		ExecutionCount:          1,
		ActualBytesPerIteration: 16,
		PaddedBytesPerIteration: 16,
	}
	src := make([]byte, 16)
	for i := range src {
		src[i] = byte(i)
	}
	dst := make([]byte, 16)
	require.NoError(t, Relayout(dst, src, li))
	assert.Equal(t, src, dst)
}

func TestRelayoutPackedIterations(t *testing.T) {
	li := &layer.Info{
		Extent:                  layer.Extent{Batch: 1, Y: 2, X: 2, Z: 1},
		DataType:                layer.UnsignedFixedPoint8,
		ExecutionCount:          3,
		ActualBytesPerIteration: 4,
		PaddedBytesPerIteration: 4,
	}
	src := make([]byte, 12)
	for i := range src {
		src[i] = byte(i + 1)
	}
	dst := make([]byte, 12)
	require.NoError(t, Relayout(dst, src, li))
	assert.Equal(t, src, dst)
}

func Test1DStripsPadding(t *testing.T) {
	li := &layer.Info{
		Extent:                  layer.Extent{Batch: 1, Y: 1, X: 1, Z: 4},
		DataType:                layer.UnsignedFixedPoint8,
		ExecutionCount:          2,
		ActualBytesPerIteration: 4,
		PaddedBytesPerIteration: 8,
	}
	src := []byte{1, 2, 3, 4, 0, 0, 0, 0, 5, 6, 7, 8, 0, 0, 0, 0}
	dst := make([]byte, 8)
	require.NoError(t, Relayout(dst, src, li))
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8}, dst)
}

func TestRelayoutGeneralSingleTile(t *testing.T) {
	// 2x2 image, one tile covering the whole thing: hardware buffer
	// already row-major so general path should reproduce a straight copy.
	li := &layer.Info{
		Extent:                  layer.Extent{Batch: 1, Y: 2, X: 2, Z: 1},
		DataType:                layer.UnsignedFixedPoint8,
		ExecutionCount:          1,
		ActualBytesPerIteration: 4,
		PaddedBytesPerIteration: 4,
		Tiles: &layer.TileLayout{
			YToLinearTileID:      []int{0, 0},
			YToLocalOffset:       []int{0, 2},
			XToLinearTileID:      []int{0, 0},
			XToLocalByteOffset:   []int{0, 1},
			TileGlobalByteOffset: []int{0},
			NumTileCols:          1,
			TileRowStrideBytes:   2,
		},
	}
	src := []byte{1, 2, 3, 4}
	dst := make([]byte, 4)
	require.NoError(t, Relayout(dst, src, li))
	assert.Equal(t, src, dst)
}

func TestSignTransformIsSelfInverse(t *testing.T) {
	buf := []byte{0x01, 0x80, 0x7f, 0xff}
	orig := append([]byte(nil), buf...)

	SignTransform(buf, layer.SignedFixedPoint16, false)
	assert.NotEqual(t, orig, buf)

	SignTransform(buf, layer.SignedFixedPoint16, false)
	assert.Equal(t, orig, buf)
}

func TestSignTransformSkipsFloat(t *testing.T) {
	buf := []byte{0x01, 0x80, 0x7f, 0xff}
	orig := append([]byte(nil), buf...)
	SignTransform(buf, layer.Single, false)
	assert.Equal(t, orig, buf)
}

func TestSignTransformLegacyBugForSigned32(t *testing.T) {
	buf := []byte{0x00, 0x00, 0x00, 0x80}
	legacy := append([]byte(nil), buf...)
	SignTransform(legacy, layer.SignedFixedPoint32, true)
	assert.Equal(t, buf, legacy, "legacy mode preserves the historic no-op bug for signed32")

	corrected := append([]byte(nil), buf...)
	SignTransform(corrected, layer.SignedFixedPoint32, false)
	assert.NotEqual(t, buf, corrected)
}

func TestScatterLeavesPaddingUntouched(t *testing.T) {
	li := &layer.Info{
		ExecutionCount:          2,
		ActualBytesPerIteration: 2,
		PaddedBytesPerIteration: 4,
	}
	src := []byte{1, 2, 3, 4}
	dst := make([]byte, 8)
	for i := range dst {
		dst[i] = 0xFF
	}
	require.NoError(t, Scatter(dst, src, li))
	assert.Equal(t, []byte{1, 2, 0xFF, 0xFF, 3, 4, 0xFF, 0xFF}, dst)
}

func TestShapeCopyFullyContiguousCollapses(t *testing.T) {
	shape := Shape{
		Dims:       []int{2, 3},
		SrcStrides: []int{3, 1},
		DstStrides: []int{3, 1},
		ElemBytes:  1,
	}
	src := []byte{1, 2, 3, 4, 5, 6}
	dst := make([]byte, 6)
	require.NoError(t, ShapeCopy(dst, src, shape))
	assert.Equal(t, src, dst)
}

func TestShapeCopyMismatchedStridesRecurses(t *testing.T) {
	// src rows are padded to stride 4, dst rows packed to stride 3.
	shape := Shape{
		Dims:       []int{2, 3},
		SrcStrides: []int{4, 1},
		DstStrides: []int{3, 1},
		ElemBytes:  1,
	}
	src := []byte{1, 2, 3, 0, 4, 5, 6, 0}
	dst := make([]byte, 6)
	require.NoError(t, ShapeCopy(dst, src, shape))
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6}, dst)
}
