package memory

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tpudrv/tpudrv/internal/buffer"
	"github.com/tpudrv/tpudrv/internal/constants"
)

func TestBuddyMapUnmapRoundTrip(t *testing.T) {
	as := NewBuddyAddressSpace(nil)
	mem := make([]byte, constants.HostPageSizeBytes)
	buf := buffer.NewWrappedPtr(unsafe.Pointer(&mem[0]), len(mem))

	db, err := as.Map(&buf, ToDevice, HintAny)
	require.NoError(t, err)
	assert.True(t, db.Valid())
	assert.Equal(t, 0, int(db.DeviceAddress)%constants.HostPageSizeBytes, "mapping must be page-aligned")

	before := len(as.mappings)
	require.NoError(t, as.Unmap(db))
	assert.Len(t, as.mappings, before-1)
}

func TestBuddyUnmapUnknownAddress(t *testing.T) {
	as := NewBuddyAddressSpace(nil)
	err := as.Unmap(buffer.NewDeviceBuffer(0xdead0000, 4096))
	require.Error(t, err)
}

func TestBuddyCoalescesOnFree(t *testing.T) {
	as := NewBuddyAddressSpace(nil)
	mem := make([]byte, constants.HostPageSizeBytes)

	bufA := buffer.NewWrappedPtr(unsafe.Pointer(&mem[0]), len(mem))
	bufB := buffer.NewWrappedPtr(unsafe.Pointer(&mem[0]), len(mem))

	dbA, err := as.Map(&bufA, ToDevice, HintSimple)
	require.NoError(t, err)
	dbB, err := as.Map(&bufB, ToDevice, HintSimple)
	require.NoError(t, err)

	require.NoError(t, as.Unmap(dbA))
	require.NoError(t, as.Unmap(dbB))

	// After freeing both single-page blocks, the arena should have
	// coalesced back up to (at least) its original top-level free block.
	assert.NotEmpty(t, as.simple.freeLists[as.simple.maxOrder])
}

func TestNopAddressSpaceIdentityMapping(t *testing.T) {
	var ns NopAddressSpace
	mem := make([]byte, 128)
	buf := buffer.NewWrappedPtr(unsafe.Pointer(&mem[0]), len(mem))

	db, err := ns.Map(&buf, Bidirectional, HintAny)
	require.NoError(t, err)
	assert.Equal(t, uint64(buf.HostAddr()), db.DeviceAddress)
	assert.NoError(t, ns.Unmap(db))
}

func TestFakeMMUTranslateRoundTrip(t *testing.T) {
	mmu := NewFakeMMU(0x10000)
	mem := make([]byte, 64)
	buf := buffer.NewWrappedPtr(unsafe.Pointer(&mem[0]), len(mem))

	db, err := mmu.Map(&buf, ToDevice, HintAny)
	require.NoError(t, err)

	translated, err := mmu.Translate(db)
	require.NoError(t, err)
	assert.True(t, translated.Equal(buf))

	require.NoError(t, mmu.Unmap(db))
	assert.Equal(t, 0, mmu.EntryCount())

	_, err = mmu.Translate(db)
	assert.Error(t, err)
}
