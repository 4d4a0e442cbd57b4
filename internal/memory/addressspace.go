// Package memory implements the address-space mapper (spec.md §4.2): the
// component that maps Buffers into the accelerator's device-visible
// address space. Three implementations exist, mirroring the teacher's
// capability-interface-with-several-backends convention
// (internal/interfaces.Backend / internal/uring.Ring): BuddyAddressSpace
// for real hardware with an on-chip MMU, NopAddressSpace for IOMMU-less USB
// designs, and FakeMMU for test harnesses that need Translate to actually
// work.
package memory

import (
	"fmt"
	"sync"

	tpuerr "github.com/tpudrv/tpudrv/internal/tpuerr"
	"github.com/tpudrv/tpudrv/internal/buffer"
	"github.com/tpudrv/tpudrv/internal/constants"
)

// Direction drives cache-sync semantics around a mapping (spec.md §4.2).
type Direction int

const (
	ToDevice Direction = iota
	FromDevice
	Bidirectional
)

// Hint selects which device-virtual page-table region a mapping lands in.
type Hint int

const (
	HintAny Hint = iota
	HintSimple
	HintExtended
)

// CacheSyncer performs the host cache flush/invalidate a Direction implies.
// The core treats the actual cache-maintenance instruction sequence as an
// external collaborator (spec.md §1); a no-op implementation is used when
// none is supplied.
type CacheSyncer interface {
	FlushRange(hostAddr uintptr, size int)
	InvalidateRange(hostAddr uintptr, size int)
}

type noopCacheSyncer struct{}

func (noopCacheSyncer) FlushRange(uintptr, int)      {}
func (noopCacheSyncer) InvalidateRange(uintptr, int) {}

// AddressSpace is the capability every mapper backend implements.
type AddressSpace interface {
	Map(buf *buffer.Buffer, dir Direction, hint Hint) (buffer.DeviceBuffer, error)
	Unmap(db buffer.DeviceBuffer) error
	// Translate recovers the host-side Buffer behind a DeviceBuffer.
	// Only implementations that model the MMU directly (FakeMMU) support
	// it; others return Unimplemented.
	Translate(db buffer.DeviceBuffer) (buffer.Buffer, error)
}

func pageRoundUp(size int) int {
	return (size + constants.HostPageSizeBytes - 1) &^ (constants.HostPageSizeBytes - 1)
}

// mapping records one Map() call: which host buffer it covers, how many
// pages it occupies, and the direction so Unmap can run the matching
// cache-sync step.
type mapping struct {
	hostAddr  uintptr
	buf       buffer.Buffer
	pageCount int
	dir       Direction
}

// BuddyAddressSpace allocates device-virtual address ranges with a buddy
// allocator over page-sized quanta, matching the simple/extended
// page-table split in spec.md §6.
type BuddyAddressSpace struct {
	mu     sync.Mutex
	sync_  CacheSyncer
	simple *buddyArena
	ext    *buddyArena

	mappings map[uint64]*mapping
}

// NewBuddyAddressSpace builds a BuddyAddressSpace. cacheSync may be nil, in
// which case cache maintenance is a no-op (suitable for test harnesses and
// platforms where the transport handles coherency itself).
func NewBuddyAddressSpace(cacheSync CacheSyncer) *BuddyAddressSpace {
	if cacheSync == nil {
		cacheSync = noopCacheSyncer{}
	}
	return &BuddyAddressSpace{
		sync_:    cacheSync,
		simple:   newBuddyArena(0, constants.MaxSimplePTEntries),
		ext:      newBuddyArena(constants.ExtendedSegmentBase, constants.MaxExtendedPTEntries*512),
		mappings: make(map[uint64]*mapping),
	}
}

func (a *BuddyAddressSpace) Map(buf *buffer.Buffer, dir Direction, hint Hint) (buffer.DeviceBuffer, error) {
	if !buf.Valid() {
		return buffer.DeviceBuffer{}, tpuerr.NewError("addressspace.Map", tpuerr.CodeInvalidArgument, "cannot map an invalid buffer")
	}
	size := buf.Size()
	pages := pageRoundUp(size) / constants.HostPageSizeBytes
	if pages == 0 {
		pages = 1
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	arena := a.arenaFor(hint, pages)
	devAddr, err := arena.allocate(pages)
	if err != nil {
		return buffer.DeviceBuffer{}, tpuerr.WrapError("addressspace.Map", err)
	}

	if dir == ToDevice || dir == Bidirectional {
		a.sync_.FlushRange(buf.HostAddr(), size)
	}

	a.mappings[devAddr] = &mapping{hostAddr: buf.HostAddr(), buf: *buf, pageCount: pages, dir: dir}
	return buffer.NewDeviceBuffer(devAddr, size), nil
}

// arenaFor picks the simple or extended region. HintAny prefers simple
// (the smaller, cheaper page-table) and falls back to extended only when
// the request cannot fit.
func (a *BuddyAddressSpace) arenaFor(hint Hint, pages int) *buddyArena {
	switch hint {
	case HintSimple:
		return a.simple
	case HintExtended:
		return a.ext
	default:
		if a.simple.canFit(pages) {
			return a.simple
		}
		return a.ext
	}
}

func (a *BuddyAddressSpace) Unmap(db buffer.DeviceBuffer) error {
	if !db.Valid() {
		return tpuerr.NewError("addressspace.Unmap", tpuerr.CodeInvalidArgument, "cannot unmap an invalid device buffer")
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	m, ok := a.mappings[db.DeviceAddress]
	if !ok {
		return tpuerr.NewError("addressspace.Unmap", tpuerr.CodeNotFound, "no mapping at that device address")
	}
	delete(a.mappings, db.DeviceAddress)

	if m.dir == FromDevice || m.dir == Bidirectional {
		a.sync_.InvalidateRange(m.hostAddr, m.buf.Size())
	}

	arena := a.simple
	if db.DeviceAddress >= constants.ExtendedSegmentBase {
		arena = a.ext
	}
	return arena.free(db.DeviceAddress, m.pageCount)
}

func (a *BuddyAddressSpace) Translate(buffer.DeviceBuffer) (buffer.Buffer, error) {
	return buffer.Buffer{}, tpuerr.NewError("addressspace.Translate", tpuerr.CodeUnimplemented, "BuddyAddressSpace does not model the MMU directly")
}

// NopAddressSpace is used by IOMMU-less USB-adjacent designs: the device
// address equals the host pointer value (spec.md §4.2).
type NopAddressSpace struct{}

func (NopAddressSpace) Map(buf *buffer.Buffer, _ Direction, _ Hint) (buffer.DeviceBuffer, error) {
	if !buf.Valid() {
		return buffer.DeviceBuffer{}, tpuerr.NewError("addressspace.Map", tpuerr.CodeInvalidArgument, "cannot map an invalid buffer")
	}
	return buffer.NewDeviceBuffer(uint64(buf.HostAddr()), buf.Size()), nil
}

func (NopAddressSpace) Unmap(buffer.DeviceBuffer) error { return nil }

func (NopAddressSpace) Translate(buffer.DeviceBuffer) (buffer.Buffer, error) {
	return buffer.Buffer{}, tpuerr.NewError("addressspace.Translate", tpuerr.CodeUnimplemented, "NopAddressSpace performs no translation bookkeeping")
}

var (
	_ AddressSpace = (*BuddyAddressSpace)(nil)
	_ AddressSpace = NopAddressSpace{}
)

func init() {
	// Guard against accidental drift between the bit layout constants and
	// the documented device virtual address format (spec.md §6).
	if constants.ExtendedSegmentBase&(constants.ExtendedSegmentSize-1) != 0 {
		panic(fmt.Sprintf("memory: extended segment base %#x is not aligned to its size", constants.ExtendedSegmentBase))
	}
}
