package mmio

import (
	"github.com/tpudrv/tpudrv/internal/constants"
	tpuerr "github.com/tpudrv/tpudrv/internal/tpuerr"
)

// HostQueue is the instruction ring described in spec.md §4.9: a fixed
// number of Descriptor slots written by the host and drained by
// hardware, whose progress is observed through a StatusBlock's
// completed_head counter.
type HostQueue struct {
	regs         RegisterSpace
	descOffset   uintptr
	statusOffset uintptr
	depth        int

	issuedCount    uint32 // total descriptors ever pushed
	lastCompleted  uint32 // completed_head as of the last Drain
	slotDmaIDs     []int  // dma id occupying each ring slot
}

// NewHostQueue builds a HostQueue of depth descriptors, backed by regs at
// descOffset (the descriptor ring) and statusOffset (the status block).
func NewHostQueue(regs RegisterSpace, descOffset, statusOffset uintptr, depth int) *HostQueue {
	return &HostQueue{
		regs:         regs,
		descOffset:   descOffset,
		statusOffset: statusOffset,
		depth:        depth,
		slotDmaIDs:   make([]int, depth),
	}
}

// InFlight returns how many descriptors have been pushed but not yet
// reported complete.
func (q *HostQueue) InFlight() int {
	return int(q.issuedCount - q.lastCompleted)
}

// HasCapacity reports whether one more descriptor can be pushed without
// exceeding the ring's depth.
func (q *HostQueue) HasCapacity() bool {
	return q.InFlight() < q.depth
}

// Push writes desc into the next ring slot and associates it with dmaID
// so Drain can report which scheduler Info completed. Returns
// ResourceExhausted if the ring has no free slot.
func (q *HostQueue) Push(dmaID int, desc Descriptor) error {
	if !q.HasCapacity() {
		return tpuerr.NewError("mmio.HostQueue.Push", tpuerr.CodeResourceExhausted, "instruction host-queue is full")
	}
	slot := int(q.issuedCount) % q.depth
	buf := make([]byte, constants.MMIODescriptorSizeBytes)
	desc.MarshalInto(buf)
	writeBytesAsU32s(q.regs, q.descOffset+uintptr(slot)*constants.MMIODescriptorSizeBytes, buf)
	q.slotDmaIDs[slot] = dmaID
	q.issuedCount++
	return nil
}

// writeBytesAsU32s writes buf (len must be a multiple of 4) into regs
// starting at offset, one register word at a time.
func writeBytesAsU32s(regs RegisterSpace, offset uintptr, buf []byte) {
	for i := 0; i+4 <= len(buf); i += 4 {
		v := uint32(buf[i]) | uint32(buf[i+1])<<8 | uint32(buf[i+2])<<16 | uint32(buf[i+3])<<24
		regs.WriteU32(offset+uintptr(i), v)
	}
}

// Drain reads the status block's completed_head and returns the dma ids
// of every slot that newly completed since the last Drain, oldest first.
func (q *HostQueue) Drain() []int {
	status := ReadStatusBlock(q.regs, q.statusOffset)
	var completedIDs []int
	for q.lastCompleted < status.CompletedHead {
		slot := int(q.lastCompleted) % q.depth
		completedIDs = append(completedIDs, q.slotDmaIDs[slot])
		q.lastCompleted++
	}
	return completedIDs
}

// FatalErrorBit reads the status block's fatal_error field.
func (q *HostQueue) FatalErrorBit() uint32 {
	return ReadStatusBlock(q.regs, q.statusOffset).FatalError
}
