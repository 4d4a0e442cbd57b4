package usb

import "sync"

// bulkInPool is the receive-buffer pool backing queued bulk-in mode: a
// fixed set of chunkSize buffers, each either available for a fresh read
// or holding unconsumed device data (spec.md §4.10 "receive pool").
type bulkInPool struct {
	mu sync.Mutex

	buffers [][]byte

	available []int // indices into buffers, ready for a new read
	filled    []filledBuffer
}

type filledBuffer struct {
	index  int
	data   []byte // the slice of buffers[index] actually holding data
	offset int     // bytes already consumed by a prior partial copy
}

func newBulkInPool(capacity, chunkSize int) *bulkInPool {
	p := &bulkInPool{
		buffers:   make([][]byte, capacity),
		available: make([]int, 0, capacity),
	}
	for i := range p.buffers {
		p.buffers[i] = make([]byte, chunkSize)
		p.available = append(p.available, i)
	}
	return p
}

// acquireAvailable pops one free buffer index, or (-1, false) if none.
func (p *bulkInPool) acquireAvailable() (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.available) == 0 {
		return -1, false
	}
	idx := p.available[0]
	p.available = p.available[1:]
	return idx, true
}

// markFilled records that buffers[index][:n] now holds device data ready
// to be copied out to a requester.
func (p *bulkInPool) markFilled(index, n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.filled = append(p.filled, filledBuffer{index: index, data: p.buffers[index][:n]})
}

// copyFromHead copies as much of dst as the head filled buffer has
// remaining, returning the number of bytes copied. When the head buffer
// empties, its index is returned to the available pool.
func (p *bulkInPool) copyFromHead(dst []byte) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.filled) == 0 {
		return 0
	}
	head := &p.filled[0]
	n := copy(dst, head.data[head.offset:])
	head.offset += n
	if head.offset >= len(head.data) {
		p.available = append(p.available, head.index)
		p.filled = p.filled[1:]
	}
	return n
}

func (p *bulkInPool) hasFilled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.filled) > 0
}

func (p *bulkInPool) bufferFor(index int) []byte {
	return p.buffers[index]
}
