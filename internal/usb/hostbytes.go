package usb

import (
	"unsafe"

	"github.com/tpudrv/tpudrv/internal/buffer"
)

// hostBytes reconstructs the host byte slice backing db. This transport
// is only ever used with memory.NopAddressSpace (spec.md §4.2: IOMMU-less
// USB designs set device_address = host_pointer_as_u64), so the device
// address itself is the host pointer and no translation table lookup is
// needed.
func hostBytes(db buffer.DeviceBuffer) []byte {
	if db.SizeBytes == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(db.DeviceAddress))), db.SizeBytes)
}
