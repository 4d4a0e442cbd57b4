// Package constants holds fixed layout parameters shared across the driver
// core: device page geometry, address-space layout, DMA ring sizes, and the
// default timing/scheduling knobs used when a caller does not override them.
package constants

import "time"

// Host page size. Fixed per spec; the core never queries the OS page size
// because mappings must agree with the accelerator's own MMU page size.
const HostPageSizeBytes = 4096

// Device virtual address-space layout (see spec.md §6 "Device virtual
// address format"). Simple-PT entries cover bits 24:12; extended-PT entries
// cover a single 4 GiB segment starting at ExtendedSegmentBase.
const (
	SimplePTIndexBits   = 13 // bits 24:12
	ExtendedPTIndexBits = 13 // bits 33:21
	PageOffsetBits      = 12 // bits 11:0

	ExtendedSegmentBase = uint64(1) << 63
	ExtendedSegmentSize = uint64(4) << 30 // 4 GiB, must not cross a boundary

	MaxSimplePTEntries   = 1 << SimplePTIndexBits
	MaxExtendedPTEntries = 1 << ExtendedPTIndexBits
)

// MMIO ring and status-block geometry (spec.md §6 "MMIO wire format").
const (
	MMIODescriptorSizeBytes = 16
	MMIOStatusBlockSizeBytes = 16
	MMIOMSIXEntrySizeBytes  = 16

	DefaultInstructionQueueDepth = 16
)

// Scalar-core interrupt fan-out: four per-request interrupts plus one
// sticky fatal-error interrupt (spec.md §4.9).
const NumScalarCoreInterrupts = 4

// Instruction field patches are always patched 32 bits at a time,
// little-endian, regardless of host byte order (spec.md §4.4).
const FieldPatchWidthBytes = 4

// Package wire-format magic (spec.md §6).
var PackageMagic = [4]byte{'D', 'W', 'N', '1'}

// Scheduler/watchdog defaults (spec.md §4.7, §4.11).
const (
	DefaultWatchdogTimeout   = 5 * time.Second
	DefaultMaxScheduledWorkNs = 2_000_000 // 2ms budget window, spec.md §4.11
)

// USB transport defaults (spec.md §4.10).
const (
	DefaultUSBBulkInQueueCapacity       = 8
	DefaultUSBBulkInMaxChunkSizeBytes   = 1 << 20
	DefaultUSBMaxAsyncTransfers         = 4
	DefaultUSBSoftwareCreditsLowerLimit = 64

	USBChunkLengthUSB2Workaround = 0x20 // 256B
	USBChunkLengthDefault        = 0x80 // 1KiB

	USBDescriptorEnableMaskDeviceOriginated = 0xFF
	USBDescriptorEnableMaskHintsOnly        = 0xF0

	USBOpenRetryAttempts = 25
	USBOpenRetryBackoff  = 1 * time.Second
)

// Instruction-buffer pool capacity. The source has an open TODO about
// unbounded growth; the target caps it and documents the cap here.
const InstructionBufferPoolCapacity = 64

// Aligned-allocation bucket sizes for parameter/instruction copies,
// generalized from the teacher's fixed IOBufferSizePerTag pooling to
// page-multiple buckets.
var AlignedAllocBucketsBytes = []int{
	4 * 1024,
	16 * 1024,
	64 * 1024,
	256 * 1024,
	1024 * 1024,
	4 * 1024 * 1024,
}
