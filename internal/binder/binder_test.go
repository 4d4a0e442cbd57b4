package binder

import (
	"encoding/binary"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tpudrv/tpudrv/internal/buffer"
	"github.com/tpudrv/tpudrv/internal/constants"
	"github.com/tpudrv/tpudrv/internal/memory"
	"github.com/tpudrv/tpudrv/internal/registry"
)

func TestCoalesceMergesPageAdjacentBuffers(t *testing.T) {
	page := constants.HostPageSizeBytes
	entries := []entry{
		{hostAddr: 0x1000, size: 64, isInput: true, index: 0},
		{hostAddr: uintptr(0x1000 + page), size: 64, isOutput: true, index: 1},
	}
	merged := coalesce(entries)
	require.Len(t, merged, 1, "page-adjacent buffers must coalesce into one interval")
	assert.True(t, merged[0].hasInput)
	assert.True(t, merged[0].hasOutput)
	assert.Equal(t, uintptr(0x1000), merged[0].hostStart)
	assert.Equal(t, uintptr(0x1000+2*page), merged[0].hostEnd)
}

func TestCoalesceSeparatesDistantBuffers(t *testing.T) {
	page := constants.HostPageSizeBytes
	entries := []entry{
		{hostAddr: 0x1000, size: 64, isInput: true, index: 0},
		{hostAddr: uintptr(0x1000 + 16*page), size: 64, isOutput: true, index: 1},
	}
	merged := coalesce(entries)
	require.Len(t, merged, 2)
	assert.True(t, merged[0].hasInput)
	assert.False(t, merged[0].hasOutput)
	assert.True(t, merged[1].hasOutput)
	assert.False(t, merged[1].hasInput)
}

func TestResolveAddressRoundTrip(t *testing.T) {
	page := constants.HostPageSizeBytes
	entries := []entry{
		{hostAddr: 0x2000, size: 32, isInput: true, index: 0},
		{hostAddr: uintptr(0x2000 + 5*page), size: 32, isOutput: true, index: 1},
	}
	merged := coalesce(entries)
	for i := range merged {
		merged[i].device = buffer.NewDeviceBuffer(uint64(0x9000_0000+i*page), int(merged[i].hostEnd-merged[i].hostStart))
	}

	addr, ok := resolveAddress(merged, 0x2000+8)
	require.True(t, ok)
	assert.Equal(t, merged[0].device.DeviceAddress+8, addr)

	_, ok = resolveAddress(merged, 0xffff_ffff)
	assert.False(t, ok)
}

func TestBindMapsPatchesAndUnmaps(t *testing.T) {
	as := memory.NewFakeMMU(0x10000)

	inMem := make([]byte, 64)
	outMem := make([]byte, 64)
	inBuf := buffer.NewWrappedPtr(unsafe.Pointer(&inMem[0]), len(inMem))
	outBuf := buffer.NewWrappedPtr(unsafe.Pointer(&outMem[0]), len(outMem))
	scratch := buffer.NewDeviceBuffer(0x20000, 256)
	params := buffer.NewDeviceBuffer(0x30000, 128)

	bitstream := make([]byte, 16)
	chunk := registry.InstructionChunk{
		Bitstream: bitstream,
		FieldOffsets: []registry.FieldOffset{
			{BitOffset: 0, Kind: registry.FieldInputAddress, LayerName: "in", BatchIndex: 0},
			{BitOffset: 32, Kind: registry.FieldOutputAddress, LayerName: "out", BatchIndex: 0},
			{BitOffset: 64, Kind: registry.FieldScratchAddress},
			{BitOffset: 96, Kind: registry.FieldParameterAddress},
		},
	}

	in := BindInput{
		Chunks:  []registry.InstructionChunk{chunk},
		Inputs:  []LayerBuffers{{Name: "in", Buffers: []buffer.Buffer{inBuf}}},
		Outputs: []LayerBuffers{{Name: "out", Buffers: []buffer.Buffer{outBuf}}},
		Scratch: scratch,
		Params:  params,
	}

	instrMem := make([]byte, 16)
	instrHost := buffer.NewWrappedPtr(unsafe.Pointer(&instrMem[0]), len(instrMem))

	mapper, err := Bind(as, in, []buffer.Buffer{instrHost})
	require.NoError(t, err)
	require.Len(t, mapper.PatchedInstructions, 1)

	patched := mapper.PatchedInstructions[0]
	gotInput := binary.LittleEndian.Uint32(patched[0:4])
	gotOutput := binary.LittleEndian.Uint32(patched[4:8])
	gotScratch := binary.LittleEndian.Uint32(patched[8:12])
	gotParams := binary.LittleEndian.Uint32(patched[12:16])

	assert.Equal(t, uint32(mapper.Inputs["in"][0].DeviceAddress), gotInput)
	assert.Equal(t, uint32(mapper.Outputs["out"][0].DeviceAddress), gotOutput)
	assert.Equal(t, uint32(scratch.DeviceAddress), gotScratch)
	assert.Equal(t, uint32(params.DeviceAddress), gotParams)

	require.NoError(t, mapper.UnmapAll(as))
	assert.Equal(t, 0, as.EntryCount())
}

func TestBindResolvesDramBuffersWithoutMapping(t *testing.T) {
	as := memory.NewFakeMMU(0x10000)

	inBuf := buffer.NewDram(0x5000, 64, nil)
	outMem := make([]byte, 64)
	outBuf := buffer.NewWrappedPtr(unsafe.Pointer(&outMem[0]), len(outMem))

	in := BindInput{
		Chunks:  []registry.InstructionChunk{{Bitstream: make([]byte, 16)}},
		Inputs:  []LayerBuffers{{Name: "in", Buffers: []buffer.Buffer{inBuf}}},
		Outputs: []LayerBuffers{{Name: "out", Buffers: []buffer.Buffer{outBuf}}},
	}
	instrMem := make([]byte, 16)
	instrHost := buffer.NewWrappedPtr(unsafe.Pointer(&instrMem[0]), len(instrMem))

	mapper, err := Bind(as, in, []buffer.Buffer{instrHost})
	require.NoError(t, err)
	require.Len(t, mapper.Inputs["in"], 1)
	assert.Equal(t, uint64(0x5000), mapper.Inputs["in"][0].DeviceAddress)

	// Only the output (host-pointer-backed) buffer went through coalescing;
	// the Dram input never touched the address space arena.
	require.NoError(t, mapper.UnmapAll(as))
	assert.Equal(t, 0, as.EntryCount())
}

func TestBindRejectsFdBackedBuffers(t *testing.T) {
	as := memory.NewFakeMMU(0x10000)

	outMem := make([]byte, 64)
	outBuf := buffer.NewWrappedPtr(unsafe.Pointer(&outMem[0]), len(outMem))

	in := BindInput{
		Chunks:  []registry.InstructionChunk{{Bitstream: make([]byte, 16)}},
		Inputs:  []LayerBuffers{{Name: "in", Buffers: []buffer.Buffer{buffer.NewFd(3, 64)}}},
		Outputs: []LayerBuffers{{Name: "out", Buffers: []buffer.Buffer{outBuf}}},
	}
	instrMem := make([]byte, 16)
	instrHost := buffer.NewWrappedPtr(unsafe.Pointer(&instrMem[0]), len(instrMem))

	_, err := Bind(as, in, []buffer.Buffer{instrHost})
	require.Error(t, err)
}
