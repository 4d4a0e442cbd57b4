package mmio

import (
	"encoding/binary"
	"unsafe"

	"github.com/tpudrv/tpudrv/internal/constants"
)

// Descriptor is the 16-byte host-queue entry {address, size_in_bytes,
// reserved} (spec.md §6 "MMIO wire format").
type Descriptor struct {
	Address     uint64
	SizeBytes   uint32
	_           uint32
}

var _ [constants.MMIODescriptorSizeBytes]byte = [unsafe.Sizeof(Descriptor{})]byte{}

// MarshalInto writes d's wire representation into buf, which must be at
// least MMIODescriptorSizeBytes long.
func (d Descriptor) MarshalInto(buf []byte) {
	binary.LittleEndian.PutUint64(buf[0:8], d.Address)
	binary.LittleEndian.PutUint32(buf[8:12], d.SizeBytes)
	binary.LittleEndian.PutUint32(buf[12:16], 0)
}

// StatusBlock is the 16-byte hardware-owned status block {completed_head,
// fatal_error, reserved} (spec.md §6).
type StatusBlock struct {
	CompletedHead uint32
	FatalError    uint32
	_             uint64
}

var _ [constants.MMIOStatusBlockSizeBytes]byte = [unsafe.Sizeof(StatusBlock{})]byte{}

// ReadStatusBlock reads the status block at offset from regs.
func ReadStatusBlock(regs RegisterSpace, offset uintptr) StatusBlock {
	return StatusBlock{
		CompletedHead: regs.ReadU32(offset),
		FatalError:    regs.ReadU32(offset + 4),
	}
}

// MSIXEntry is the 16-byte MSI-X table entry {message_address,
// message_data, vector_control} (spec.md §6).
type MSIXEntry struct {
	MessageAddress uint64
	MessageData    uint32
	VectorControl  uint32
}

var _ [constants.MMIOMSIXEntrySizeBytes]byte = [unsafe.Sizeof(MSIXEntry{})]byte{}
