package mmio

import (
	"encoding/binary"
	"os"

	"golang.org/x/sys/unix"

	tpuerr "github.com/tpudrv/tpudrv/internal/tpuerr"
)

// MmapRegisterSpace maps a device file's BAR region into the process and
// serves register reads/writes directly against that mapping.
type MmapRegisterSpace struct {
	file *os.File
	data []byte
}

// OpenMmapRegisterSpace opens path (typically a sysfs/uio resource file)
// and mmaps size bytes from it.
func OpenMmapRegisterSpace(path string, size int) (*MmapRegisterSpace, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_SYNC, 0)
	if err != nil {
		return nil, tpuerr.WrapError("mmio.OpenMmapRegisterSpace", err)
	}
	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, tpuerr.WrapError("mmio.OpenMmapRegisterSpace", err)
	}
	return &MmapRegisterSpace{file: f, data: data}, nil
}

func (m *MmapRegisterSpace) ReadU32(offset uintptr) uint32 {
	return binary.LittleEndian.Uint32(m.data[offset : offset+4])
}

func (m *MmapRegisterSpace) WriteU32(offset uintptr, v uint32) {
	binary.LittleEndian.PutUint32(m.data[offset:offset+4], v)
}

func (m *MmapRegisterSpace) ReadU64(offset uintptr) uint64 {
	return binary.LittleEndian.Uint64(m.data[offset : offset+8])
}

func (m *MmapRegisterSpace) WriteU64(offset uintptr, v uint64) {
	binary.LittleEndian.PutUint64(m.data[offset:offset+8], v)
}

// Close unmaps the BAR region and closes the backing file.
func (m *MmapRegisterSpace) Close() error {
	var firstErr error
	if err := unix.Munmap(m.data); err != nil {
		firstErr = tpuerr.WrapError("mmio.MmapRegisterSpace.Close", err)
	}
	if err := m.file.Close(); err != nil && firstErr == nil {
		firstErr = tpuerr.WrapError("mmio.MmapRegisterSpace.Close", err)
	}
	return firstErr
}

var _ RegisterSpace = (*MmapRegisterSpace)(nil)
