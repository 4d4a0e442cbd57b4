// Package mmio implements C9, the MMIO transport: the register-mapped
// control path for chips attached over PCIe, including the instruction
// host-queue, its status block, and the scalar-core/fatal-error interrupt
// fan-out (spec.md §4.9).
package mmio

import (
	"encoding/binary"
	"sync"

	tpuerr "github.com/tpudrv/tpudrv/internal/tpuerr"
)

// RegisterSpace is the capability the transport needs over a device's
// BAR: byte-addressed 32/64-bit register access. MmapRegisterSpace is the
// real mmap-backed implementation; FakeRegisterSpace is a plain-slice
// stand-in for tests, mirroring the teacher's internal/interfaces split
// between a real backend and internal/backend/mem.go's in-memory one.
type RegisterSpace interface {
	ReadU32(offset uintptr) uint32
	WriteU32(offset uintptr, v uint32)
	ReadU64(offset uintptr) uint64
	WriteU64(offset uintptr, v uint64)
	Close() error
}

// FakeRegisterSpace backs a register space with an ordinary byte slice,
// for tests and for cmd/tpudrvd's in-process stand-in when no BAR file is
// given.
type FakeRegisterSpace struct {
	mu  sync.Mutex
	buf []byte
}

// NewFakeRegisterSpace allocates size bytes of zeroed register space.
func NewFakeRegisterSpace(size int) *FakeRegisterSpace {
	return &FakeRegisterSpace{buf: make([]byte, size)}
}

func (f *FakeRegisterSpace) ReadU32(offset uintptr) uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return binary.LittleEndian.Uint32(f.buf[offset : offset+4])
}

func (f *FakeRegisterSpace) WriteU32(offset uintptr, v uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	binary.LittleEndian.PutUint32(f.buf[offset:offset+4], v)
}

func (f *FakeRegisterSpace) ReadU64(offset uintptr) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return binary.LittleEndian.Uint64(f.buf[offset : offset+8])
}

func (f *FakeRegisterSpace) WriteU64(offset uintptr, v uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	binary.LittleEndian.PutUint64(f.buf[offset:offset+8], v)
}

func (f *FakeRegisterSpace) Close() error { return nil }

func requireRegisterSpace(regs RegisterSpace) error {
	if regs == nil {
		return tpuerr.NewError("mmio", tpuerr.CodeInvalidArgument, "register space must not be nil")
	}
	return nil
}

var _ RegisterSpace = (*FakeRegisterSpace)(nil)
