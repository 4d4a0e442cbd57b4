package usb

import (
	"encoding/binary"

	"github.com/tpudrv/tpudrv/internal/scheduler"
)

// DescriptorTag identifies which bulk-out stream a transfer belongs to.
// Values are wire-stable: they are sent to the device both as a CSR
// selector (multi-EP software-query credit queries) and as the header
// byte in single-endpoint mode, so they must never be renumbered.
type DescriptorTag uint8

const (
	TagInstruction DescriptorTag = iota + 1
	TagInputActivation
	TagOutputActivation
	TagParameter
)

func (t DescriptorTag) String() string {
	switch t {
	case TagInstruction:
		return "instruction"
	case TagInputActivation:
		return "input-activation"
	case TagOutputActivation:
		return "output-activation"
	case TagParameter:
		return "parameter"
	default:
		return "unknown"
	}
}

// descriptorTagFor maps a scheduled DMA's kind to its bulk-transport tag.
// Scalar-core interrupts and fences have no wire transfer and are not
// representable as a tag; ok is false for them.
func descriptorTagFor(k scheduler.Kind) (DescriptorTag, bool) {
	switch k {
	case scheduler.KindInstruction:
		return TagInstruction, true
	case scheduler.KindInputActivation:
		return TagInputActivation, true
	case scheduler.KindOutputActivation:
		return TagOutputActivation, true
	case scheduler.KindParameter:
		return TagParameter, true
	default:
		return 0, false
	}
}

// direction reports whether a tag's transfers are host-to-device
// (BulkOut) or device-to-host (BulkIn).
func (t DescriptorTag) isBulkIn() bool { return t == TagOutputActivation }

// singleEpHeaderSizeBytes is the {tag, length} header single-endpoint
// mode prefixes onto every transfer.
const singleEpHeaderSizeBytes = 5

// marshalSingleEpHeader writes a 5-byte {tag byte, length uint32 LE}
// header into buf, which must be at least singleEpHeaderSizeBytes long.
func marshalSingleEpHeader(buf []byte, tag DescriptorTag, length int) {
	buf[0] = byte(tag)
	binary.LittleEndian.PutUint32(buf[1:5], uint32(length))
}
