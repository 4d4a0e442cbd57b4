package memory

import (
	"sync"

	tpuerr "github.com/tpudrv/tpudrv/internal/tpuerr"
	"github.com/tpudrv/tpudrv/internal/buffer"
)

// FakeMMU models page-table entries directly, so tests can assert the
// round-trip law in spec.md §8 ("m.unmap(m.map(b, dir)) == ok and the
// mapper's internal state returns to the pre-map state") and exercise
// Translate, which the production backends do not support.
type FakeMMU struct {
	mu       sync.Mutex
	next     uint64
	entries  map[uint64]buffer.Buffer
}

// NewFakeMMU builds a FakeMMU. startAddr is the first device address it
// will hand out; tests typically pass a page-aligned value.
func NewFakeMMU(startAddr uint64) *FakeMMU {
	return &FakeMMU{next: startAddr, entries: make(map[uint64]buffer.Buffer)}
}

func (f *FakeMMU) Map(buf *buffer.Buffer, _ Direction, _ Hint) (buffer.DeviceBuffer, error) {
	if !buf.Valid() {
		return buffer.DeviceBuffer{}, tpuerr.NewError("fakemmu.Map", tpuerr.CodeInvalidArgument, "cannot map an invalid buffer")
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	addr := f.next
	f.next += pageRoundUpU64(uint64(buf.Size()))
	f.entries[addr] = *buf
	return buffer.NewDeviceBuffer(addr, buf.Size()), nil
}

func (f *FakeMMU) Unmap(db buffer.DeviceBuffer) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.entries[db.DeviceAddress]; !ok {
		return tpuerr.NewError("fakemmu.Unmap", tpuerr.CodeNotFound, "no entry at that device address")
	}
	delete(f.entries, db.DeviceAddress)
	return nil
}

func (f *FakeMMU) Translate(db buffer.DeviceBuffer) (buffer.Buffer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	buf, ok := f.entries[db.DeviceAddress]
	if !ok {
		return buffer.Buffer{}, tpuerr.NewError("fakemmu.Translate", tpuerr.CodeNotFound, "no entry at that device address")
	}
	return buf, nil
}

// EntryCount reports how many live page-table entries remain, used by
// tests to assert the mapper's internal state returns to its pre-map
// shape after Unmap.
func (f *FakeMMU) EntryCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entries)
}

func pageRoundUpU64(size uint64) uint64 {
	const pageSize = 4096
	return (size + pageSize - 1) &^ (pageSize - 1)
}

var _ AddressSpace = (*FakeMMU)(nil)
