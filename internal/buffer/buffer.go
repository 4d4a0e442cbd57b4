// Package buffer implements the driver's uniform handle over host-pointer,
// runtime-allocated, file-descriptor, and on-device-DRAM memory (spec.md §3
// "Buffer", §4.1). A Buffer is move-only: copying the struct by value is
// fine (it is a small tagged union of a few words), but two live Buffers
// must never both believe they own the same Allocated/Dram block unless
// created via Clone, which bumps a shared refcount.
package buffer

import (
	"sync/atomic"
	"unsafe"

	tpuerr "github.com/tpudrv/tpudrv/internal/tpuerr"
)

// Kind tags which variant a Buffer currently holds.
type Kind int

const (
	Invalid Kind = iota
	WrappedPtr
	Allocated
	Fd
	Dram
	DramWrapped
)

func (k Kind) String() string {
	switch k {
	case Invalid:
		return "invalid"
	case WrappedPtr:
		return "wrapped-ptr"
	case Allocated:
		return "allocated"
	case Fd:
		return "fd"
	case Dram:
		return "dram"
	case DramWrapped:
		return "dram-wrapped"
	default:
		return "unknown"
	}
}

// allocatedBlock is the shared-ownership payload behind an Allocated
// buffer: an aligned host allocation with a free callback and a refcount so
// Clone can alias it safely.
type allocatedBlock struct {
	ptr    unsafe.Pointer
	size   int
	free   func()
	refs   int32
}

func (b *allocatedBlock) retain() { atomic.AddInt32(&b.refs, 1) }

func (b *allocatedBlock) release() {
	if atomic.AddInt32(&b.refs, -1) == 0 && b.free != nil {
		b.free()
	}
}

// dramBlock is the shared-ownership payload behind a device-DRAM buffer
// that this driver allocated (as opposed to DramWrapped, which refers to
// DRAM owned by someone else and identified only by an fd).
type dramBlock struct {
	deviceAddr uint64
	size       int
	free       func()
	refs       int32
}

func (b *dramBlock) retain() { atomic.AddInt32(&b.refs, 1) }

func (b *dramBlock) release() {
	if atomic.AddInt32(&b.refs, -1) == 0 && b.free != nil {
		b.free()
	}
}

// Buffer is the tagged variant described in spec.md §3.
type Buffer struct {
	kind      Kind
	sizeBytes int

	ptr   uintptr // WrappedPtr: raw host address, not owned
	alloc *allocatedBlock
	fd    int
	dram  *dramBlock
	dramFd int // DramWrapped: fd referring to externally-owned DRAM
}

// NewWrappedPtr wraps a raw, unowned host pointer. Fatal on a nil pointer:
// callers must not attempt to build a Buffer around "nothing".
func NewWrappedPtr(ptr unsafe.Pointer, size int) Buffer {
	if ptr == nil {
		panic("buffer: NewWrappedPtr called with nil pointer")
	}
	return Buffer{kind: WrappedPtr, sizeBytes: size, ptr: uintptr(ptr)}
}

// NewAllocated wraps an aligned host allocation with shared ownership.
// free is invoked exactly once, when the last clone is dropped/sliced away.
func NewAllocated(ptr unsafe.Pointer, size int, free func()) Buffer {
	if ptr == nil {
		panic("buffer: NewAllocated called with nil pointer")
	}
	return Buffer{kind: Allocated, sizeBytes: size, alloc: &allocatedBlock{ptr: ptr, size: size, free: free, refs: 1}}
}

// NewFd wraps a shared-memory file descriptor.
func NewFd(fd int, size int) Buffer {
	return Buffer{kind: Fd, sizeBytes: size, fd: fd}
}

// NewDram wraps an on-device DRAM allocation owned by this driver.
func NewDram(deviceAddr uint64, size int, free func()) Buffer {
	return Buffer{kind: Dram, sizeBytes: size, dram: &dramBlock{deviceAddr: deviceAddr, size: size, free: free, refs: 1}}
}

// NewDramWrapped refers to externally-owned on-device DRAM by fd.
func NewDramWrapped(fd int, size int) Buffer {
	return Buffer{kind: DramWrapped, sizeBytes: size, dramFd: fd}
}

// Kind reports which variant b currently holds.
func (b *Buffer) Kind() Kind { return b.kind }

// Valid reports whether b currently holds a real variant.
func (b *Buffer) Valid() bool { return b.kind != Invalid }

// Size returns the buffer's size in bytes.
func (b *Buffer) Size() int { return b.sizeBytes }

// Take moves b out, resetting the source to Invalid, and returns the moved
// value. Mirrors a move constructor: after Take, b is empty.
func (b *Buffer) Take() Buffer {
	moved := *b
	*b = Buffer{}
	return moved
}

// Clone aliases the underlying block of an Allocated/Dram buffer, bumping
// its refcount. For WrappedPtr/Fd/DramWrapped (which this driver does not
// own), Clone just copies the handle; for Invalid it copies nothing.
func (b *Buffer) Clone() Buffer {
	clone := *b
	if clone.alloc != nil {
		clone.alloc.retain()
	}
	if clone.dram != nil {
		clone.dram.retain()
	}
	return clone
}

// Release drops b's ownership share, if any, invoking the underlying free
// callback once the last reference goes away. Safe to call on any variant.
func (b *Buffer) Release() {
	if b.alloc != nil {
		b.alloc.release()
	}
	if b.dram != nil {
		b.dram.release()
	}
	*b = Buffer{}
}

// AsPtr returns the host pointer for WrappedPtr/Allocated buffers. Panics
// for Fd/Dram/DramWrapped, which require mapping before CPU access
// (spec.md §4.1).
func (b *Buffer) AsPtr() unsafe.Pointer {
	switch b.kind {
	case WrappedPtr:
		return unsafe.Pointer(b.ptr)
	case Allocated:
		return b.alloc.ptr
	default:
		panic("buffer: AsPtr called on a " + b.kind.String() + " buffer; map it first")
	}
}

// HostAddr returns the host pointer as an address, for use by the
// coalescing algorithm (internal/binder) without exposing unsafe.Pointer
// arithmetic to that package.
func (b *Buffer) HostAddr() uintptr {
	switch b.kind {
	case WrappedPtr:
		return b.ptr
	case Allocated:
		return uintptr(b.alloc.ptr)
	default:
		panic("buffer: HostAddr called on a " + b.kind.String() + " buffer")
	}
}

// AsFd returns the file descriptor for Fd/DramWrapped buffers. Panics
// otherwise.
func (b *Buffer) AsFd() int {
	switch b.kind {
	case Fd:
		return b.fd
	case DramWrapped:
		return b.dramFd
	default:
		panic("buffer: AsFd called on a " + b.kind.String() + " buffer")
	}
}

// GetDram returns the device address backing a Dram buffer, or a
// FailedPrecondition error for any other variant.
func (b *Buffer) GetDram() (uint64, error) {
	if b.kind != Dram {
		return 0, tpuerr.NewError("buffer.GetDram", tpuerr.CodeFailedPrecondition, "buffer is not a Dram variant")
	}
	return b.dram.deviceAddr, nil
}

// Slice returns a new Buffer describing byte range [offset, offset+len) of
// b. Slicing across an Fd-backed buffer requires offset 0 (spec.md §4.1).
func (b *Buffer) Slice(offset, length int) (Buffer, error) {
	if offset < 0 || length < 0 || offset+length > b.sizeBytes {
		return Buffer{}, tpuerr.NewError("buffer.Slice", tpuerr.CodeOutOfRange, "slice out of bounds")
	}
	switch b.kind {
	case Invalid:
		return Buffer{}, tpuerr.NewError("buffer.Slice", tpuerr.CodeFailedPrecondition, "cannot slice an invalid buffer")
	case WrappedPtr:
		return Buffer{kind: WrappedPtr, sizeBytes: length, ptr: b.ptr + uintptr(offset)}, nil
	case Allocated:
		b.alloc.retain()
		parent := b.alloc
		return Buffer{kind: Allocated, sizeBytes: length, alloc: &allocatedBlock{
			ptr:  unsafe.Add(parent.ptr, offset),
			size: length,
			free: func() { parent.release() },
			refs: 1,
		}}, nil
	case Fd:
		if offset != 0 {
			return Buffer{}, tpuerr.NewError("buffer.Slice", tpuerr.CodeInvalidArgument, "fd-backed buffers may only be sliced at offset 0")
		}
		return Buffer{kind: Fd, sizeBytes: length, fd: b.fd}, nil
	case Dram:
		b.dram.retain()
		dram := b.dram
		return Buffer{kind: Dram, sizeBytes: length, dram: &dramBlock{
			deviceAddr: dram.deviceAddr + uint64(offset),
			size:       length,
			free:       func() { dram.release() },
			refs:       1,
		}}, nil
	case DramWrapped:
		return Buffer{kind: DramWrapped, sizeBytes: length, dramFd: b.dramFd}, nil
	default:
		return Buffer{}, tpuerr.NewError("buffer.Slice", tpuerr.CodeInternal, "unknown buffer kind")
	}
}

// Equal reports whether two buffers refer to the same underlying memory.
func (b Buffer) Equal(o Buffer) bool {
	if b.kind != o.kind || b.sizeBytes != o.sizeBytes {
		return false
	}
	switch b.kind {
	case WrappedPtr:
		return b.ptr == o.ptr
	case Allocated:
		return b.alloc == o.alloc
	case Fd:
		return b.fd == o.fd
	case Dram:
		return b.dram == o.dram
	case DramWrapped:
		return b.dramFd == o.dramFd
	default:
		return true // both Invalid
	}
}

// DeviceBuffer is the pair (device_address, size_bytes) produced by mapping
// a Buffer into the accelerator's address space (spec.md §3).
type DeviceBuffer struct {
	DeviceAddress uint64
	SizeBytes     int
	valid         bool
}

// NewDeviceBuffer constructs a valid DeviceBuffer.
func NewDeviceBuffer(addr uint64, size int) DeviceBuffer {
	return DeviceBuffer{DeviceAddress: addr, SizeBytes: size, valid: true}
}

// Valid reports whether d refers to a real mapping.
func (d DeviceBuffer) Valid() bool { return d.valid }

// Slice returns the sub-range [offset, offset+length) of d. When
// allowOverflow is true, length may extend past d.SizeBytes (used by the
// USB transport to cover partial-page input-activation reads, spec.md
// §4.10); otherwise it is bounds-checked.
func (d DeviceBuffer) Slice(offset, length int, allowOverflow bool) (DeviceBuffer, error) {
	if !d.valid {
		return DeviceBuffer{}, tpuerr.NewError("devicebuffer.Slice", tpuerr.CodeFailedPrecondition, "slicing an invalid device buffer")
	}
	if offset < 0 || length < 0 {
		return DeviceBuffer{}, tpuerr.NewError("devicebuffer.Slice", tpuerr.CodeOutOfRange, "negative offset or length")
	}
	if !allowOverflow && offset+length > d.SizeBytes {
		return DeviceBuffer{}, tpuerr.NewError("devicebuffer.Slice", tpuerr.CodeOutOfRange, "slice exceeds device buffer bounds")
	}
	return NewDeviceBuffer(d.DeviceAddress+uint64(offset), length), nil
}
