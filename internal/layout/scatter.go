package layout

import (
	tpuerr "github.com/tpudrv/tpudrv/internal/tpuerr"
	"github.com/tpudrv/tpudrv/internal/layer"
)

// Scatter copies a user's contiguous input tensor into the padded,
// per-iteration slots the hardware expects when ExecutionCount > 1 and
// PaddedBytesPerIteration != ActualBytesPerIteration (spec.md §4.5). The
// inter-iteration padding bytes are left untouched (the compiler's
// instruction stream does not read them).
func Scatter(dst, src []byte, li *layer.Info) error {
	if err := li.Validate(); err != nil {
		return tpuerr.WrapError("layout.Scatter", err)
	}
	actual := li.ActualBytesPerIteration
	padded := li.PaddedBytesPerIteration

	if err := requireLen(src, actual*li.ExecutionCount, "src"); err != nil {
		return err
	}
	if err := requireLen(dst, padded*li.ExecutionCount, "dst"); err != nil {
		return err
	}

	for i := 0; i < li.ExecutionCount; i++ {
		copy(dst[i*padded:i*padded+actual], src[i*actual:(i+1)*actual])
	}
	return nil
}
