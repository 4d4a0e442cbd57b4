package tpudrv

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tpudrv/tpudrv/internal/constants"
)

func TestInstructionPoolReusesReleasedSlots(t *testing.T) {
	p := newInstructionPool()
	defer p.close()

	slot := p.acquire("exec#0", 64)
	ptr := slot.buf.HostAddr()
	p.release("exec#0", slot)

	reused := p.acquire("exec#0", 64)
	assert.Equal(t, ptr, reused.buf.HostAddr())
}

func TestInstructionPoolAllocatesFreshWhenNoneFitTheKey(t *testing.T) {
	p := newInstructionPool()
	defer p.close()

	small := p.acquire("exec#0", 16)
	p.release("exec#0", small)

	// A request for a larger size than anything pooled under this key must
	// not get back a too-small slot.
	bigger := p.acquire("exec#0", 4096)
	assert.GreaterOrEqual(t, len(bigger.block.Bytes), 4096)
}

func TestInstructionPoolDropsSlotsPastCapacity(t *testing.T) {
	p := newInstructionPool()
	defer p.close()

	var slots []*instructionSlot
	for i := 0; i < constants.InstructionBufferPoolCapacity+1; i++ {
		slots = append(slots, p.acquire("exec#0", 64))
	}
	for _, s := range slots {
		p.release("exec#0", s)
	}

	p.mu.Lock()
	n := len(p.byKey["exec#0"])
	p.mu.Unlock()
	assert.Equal(t, constants.InstructionBufferPoolCapacity, n)
}
