package layout

import "github.com/tpudrv/tpudrv/internal/layer"

// SignTransform XORs the most-significant byte of every element with 0x80
// in place, for signed fixed-point data types. It is its own inverse
// (sign_transform(sign_transform(x)) == x, spec.md §8) and a no-op for
// floats and unsigned types. legacy selects whether SignedFixedPoint32 is treated as signed
// using the corrected or historic-buggy rule (see layer.DataType.Signed /
// LegacySigned).
func SignTransform(buf []byte, dt layer.DataType, legacy bool) {
	if dt.IsFloat() {
		return
	}
	signed := dt.Signed()
	if legacy {
		signed = dt.LegacySigned()
	}
	if !signed {
		return
	}

	elemSize := dt.ElementSizeBytes()
	if elemSize == 0 {
		return
	}
	msbOffset := elemSize - 1
	for off := msbOffset; off < len(buf); off += elemSize {
		buf[off] ^= 0x80
	}
}
