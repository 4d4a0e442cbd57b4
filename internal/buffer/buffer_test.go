package buffer

import (
	"sync/atomic"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	tpuerr "github.com/tpudrv/tpudrv/internal/tpuerr"
)

func TestWrappedPtrNilPanics(t *testing.T) {
	assert.Panics(t, func() { NewWrappedPtr(nil, 16) })
}

func TestTakeResetsSource(t *testing.T) {
	mem := make([]byte, 16)
	b := NewWrappedPtr(unsafe.Pointer(&mem[0]), 16)
	moved := b.Take()

	assert.True(t, moved.Valid())
	assert.False(t, b.Valid())
	assert.Equal(t, Invalid, b.Kind())
}

func TestAllocatedCloneSharesFreeCallback(t *testing.T) {
	mem := make([]byte, 64)
	var freed int32
	b := NewAllocated(unsafe.Pointer(&mem[0]), 64, func() { atomic.AddInt32(&freed, 1) })

	clone := b.Clone()
	b.Release()
	assert.Equal(t, int32(0), atomic.LoadInt32(&freed), "free must not fire while clone is alive")

	clone.Release()
	assert.Equal(t, int32(1), atomic.LoadInt32(&freed))
}

func TestFdSliceRequiresZeroOffset(t *testing.T) {
	b := NewFd(7, 4096)
	_, err := b.Slice(0, 1024)
	require.NoError(t, err)

	_, err = b.Slice(512, 512)
	require.Error(t, err)
	assert.True(t, tpuerr.IsCode(err, tpuerr.CodeInvalidArgument))
}

func TestGetDramWrongVariant(t *testing.T) {
	mem := make([]byte, 16)
	b := NewWrappedPtr(unsafe.Pointer(&mem[0]), 16)
	_, err := b.GetDram()
	require.Error(t, err)
	assert.True(t, tpuerr.IsCode(err, tpuerr.CodeFailedPrecondition))
}

func TestDramSlicePreservesOffsetIntoDeviceAddress(t *testing.T) {
	var freed bool
	b := NewDram(0x1000, 256, func() { freed = true })
	sl, err := b.Slice(64, 64)
	require.NoError(t, err)
	addr, err := sl.GetDram()
	require.NoError(t, err)
	assert.Equal(t, uint64(0x1040), addr)

	b.Release()
	assert.False(t, freed, "original reference still held by the slice")
	sl.Release()
	assert.True(t, freed)
}

func TestAsPtrPanicsForUnmappedVariants(t *testing.T) {
	b := NewFd(3, 4096)
	assert.Panics(t, func() { b.AsPtr() })
}

func TestDeviceBufferSliceOverflow(t *testing.T) {
	d := NewDeviceBuffer(0x2000, 4096)

	_, err := d.Slice(4000, 200, false)
	require.Error(t, err)
	assert.True(t, tpuerr.IsCode(err, tpuerr.CodeOutOfRange))

	overflowed, err := d.Slice(4000, 200, true)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x2000+4000), overflowed.DeviceAddress)
}

func TestBufferEqual(t *testing.T) {
	mem := make([]byte, 16)
	a := NewWrappedPtr(unsafe.Pointer(&mem[0]), 16)
	b := NewWrappedPtr(unsafe.Pointer(&mem[0]), 16)
	other := make([]byte, 16)
	c := NewWrappedPtr(unsafe.Pointer(&other[0]), 16)

	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))
}
