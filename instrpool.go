package tpudrv

import (
	"sync"

	"github.com/tpudrv/tpudrv/internal/alignedmem"
	"github.com/tpudrv/tpudrv/internal/buffer"
	"github.com/tpudrv/tpudrv/internal/constants"
)

// instructionSlot is one pooled, aligned host copy of an instruction chunk,
// sized to fit the chunk it was last patched for.
type instructionSlot struct {
	block *alignedmem.Block
	buf   buffer.Buffer
}

// instructionPool is a bounded per-executable free-list of instruction-chunk
// host copies. Capping it (rather than letting it grow without bound as each
// newly-sized chunk arrives) keeps long-running drivers from retaining one
// slot per distinct chunk size ever seen.
type instructionPool struct {
	mu    sync.Mutex
	byKey map[string][]*instructionSlot
	cap   int
}

func newInstructionPool() *instructionPool {
	return &instructionPool{
		byKey: make(map[string][]*instructionSlot),
		cap:   constants.InstructionBufferPoolCapacity,
	}
}

// acquire returns a free slot of at least size bytes for key, or allocates a
// fresh one when the pool has none (or none large enough).
func (p *instructionPool) acquire(key string, size int) *instructionSlot {
	p.mu.Lock()
	slots := p.byKey[key]
	for i, s := range slots {
		if s.block != nil && len(s.block.Bytes) >= size {
			p.byKey[key] = append(slots[:i], slots[i+1:]...)
			p.mu.Unlock()
			return s
		}
	}
	p.mu.Unlock()

	block := alignedmem.Alloc(size)
	return &instructionSlot{block: block, buf: buffer.NewWrappedPtr(block.Ptr, len(block.Bytes))}
}

// release returns slot to key's free-list, dropping it instead once the
// pool is already at capacity for that key.
func (p *instructionPool) release(key string, slot *instructionSlot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.byKey[key]) >= p.cap {
		slot.block.Free()
		return
	}
	p.byKey[key] = append(p.byKey[key], slot)
}

// close frees every pooled slot, used on driver teardown.
func (p *instructionPool) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for key, slots := range p.byKey {
		for _, s := range slots {
			s.block.Free()
		}
		delete(p.byKey, key)
	}
}
