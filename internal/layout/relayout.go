// Package layout implements C5, the layer I/O transforms: re-layout from
// the hardware's tile-major output format to the user's row-major tensor
// layout, the signed/unsigned MSB-flip sign transform, and scatter/gather
// for iterative (multi-execution-count) layers (spec.md §4.5).
package layout

import (
	tpuerr "github.com/tpudrv/tpudrv/internal/tpuerr"
	"github.com/tpudrv/tpudrv/internal/layer"
)

// Relayout copies src (hardware tile-major output, one ExecutionCount run
// of PaddedBytesPerIteration bytes each, concatenated) into dst (the
// user's contiguous row-major buffer, ExecutionCount*ActualBytesPerIteration
// bytes), choosing the fastest applicable path.
func Relayout(dst, src []byte, li *layer.Info) error {
	if err := li.Validate(); err != nil {
		return tpuerr.WrapError("layout.Relayout", err)
	}

	switch {
	case li.Tiles == nil && li.ExecutionCount == 1:
		return relayoutNoop(dst, src, li)
	case li.Tiles == nil && li.PaddedBytesPerIteration == li.ActualBytesPerIteration:
		return relayoutPackedIterations(dst, src, li)
	case li.Extent.Y == 1 && li.Extent.X == 1:
		return relayout1D(dst, src, li)
	default:
		return relayoutGeneral(dst, src, li)
	}
}

func requireLen(buf []byte, want int, which string) error {
	if len(buf) < want {
		return tpuerr.NewError("layout.Relayout", tpuerr.CodeInvalidArgument, which+" buffer too small")
	}
	return nil
}

// relayoutNoop handles the single-shape, no-padding, single-execution fast
// path: the hardware buffer is already exactly what the user wants.
func relayoutNoop(dst, src []byte, li *layer.Info) error {
	n := li.ActualBytesPerIteration
	if err := requireLen(src, n, "src"); err != nil {
		return err
	}
	if err := requireLen(dst, n, "dst"); err != nil {
		return err
	}
	copy(dst[:n], src[:n])
	return nil
}

// relayoutPackedIterations handles multiple executions where padded equals
// actual: the whole run is already contiguous.
func relayoutPackedIterations(dst, src []byte, li *layer.Info) error {
	n := li.ActualBytesPerIteration * li.ExecutionCount
	if err := requireLen(src, n, "src"); err != nil {
		return err
	}
	if err := requireLen(dst, n, "dst"); err != nil {
		return err
	}
	copy(dst[:n], src[:n])
	return nil
}

// relayout1D strips per-execution padding for a degenerate y==1 && x==1
// output (spec.md §4.5 "1-D output").
func relayout1D(dst, src []byte, li *layer.Info) error {
	actual := li.ActualBytesPerIteration
	padded := li.PaddedBytesPerIteration
	if err := requireLen(src, padded*li.ExecutionCount, "src"); err != nil {
		return err
	}
	if err := requireLen(dst, actual*li.ExecutionCount, "dst"); err != nil {
		return err
	}
	for i := 0; i < li.ExecutionCount; i++ {
		copy(dst[i*actual:(i+1)*actual], src[i*padded:i*padded+actual])
	}
	return nil
}

// relayoutGeneral walks the tile layout tables row by row, copying
// contiguous tile-column runs in one shot and specializing the innermost
// copy width for the grayscale (1-byte) and RGB (3-byte) hot paths.
func relayoutGeneral(dst, src []byte, li *layer.Info) error {
	tiles := li.Tiles
	if tiles == nil {
		return tpuerr.NewError("layout.Relayout", tpuerr.CodeFailedPrecondition, "general path requires tile layout tables")
	}
	elemSize := li.DataType.ElementSizeBytes()
	zBytes := li.Extent.Z * elemSize
	rowBytes := li.Extent.X * zBytes

	for iter := 0; iter < li.ExecutionCount; iter++ {
		srcBase := iter * li.PaddedBytesPerIteration
		dstBase := iter * li.ActualBytesPerIteration

		for y := 0; y < li.Extent.Y; y++ {
			tileRow := tiles.YToLinearTileID[y]
			localY := tiles.YToLocalOffset[y]

			x := 0
			for x < li.Extent.X {
				tileCol := tiles.XToLinearTileID[x]
				runStart := x
				for x < li.Extent.X && tiles.XToLinearTileID[x] == tileCol {
					x++
				}
				runLen := x - runStart

				tileBase := tiles.GlobalOffset(tileRow, tileCol)
				localXOffset := tiles.XToLocalByteOffset[runStart]
				srcOff := srcBase + tileBase + localY*tiles.TileRowStrideBytes + localXOffset
				dstOff := dstBase + y*rowBytes + runStart*zBytes
				n := runLen * zBytes

				if err := requireLen(src, srcOff+n, "src"); err != nil {
					return err
				}
				if err := requireLen(dst, dstOff+n, "dst"); err != nil {
					return err
				}

				// zBytes of 1 (grayscale) or 3 (RGB) are the hot paths in
				// practice; copy() already compiles to memmove regardless.
				copy(dst[dstOff:dstOff+n], src[srcOff:srcOff+n])
			}
		}
	}
	return nil
}
