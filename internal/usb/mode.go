// Package usb implements C10, the bulk-USB transport: endpoint
// multiplexing across three operating modes, chunked synchronous bulk-out
// transfers, optionally gated by a software credit scheme, a queued
// bulk-in receive pool, and a worker goroutine that drains it
// (spec.md §4.10).
package usb

import (
	"time"

	"github.com/tpudrv/tpudrv/internal/constants"
)

// OperatingMode selects how the three bulk-out tags (instructions,
// input-activations, parameters) are multiplexed onto endpoints.
type OperatingMode int

const (
	// MultiEpHardwareControl gives each tag its own endpoint; the device's
	// own endpoint flow control (NAKs) throttles the host.
	MultiEpHardwareControl OperatingMode = iota

	// MultiEpSoftwareQuery also gives each tag its own endpoint, but the
	// host must poll a chip CSR for per-tag credits before writing.
	MultiEpSoftwareQuery

	// SingleEp shares one endpoint across all three tags; every transfer
	// is prefixed with a {tag, length} header the device parses.
	SingleEp
)

func (m OperatingMode) String() string {
	switch m {
	case MultiEpHardwareControl:
		return "multi-ep-hardware-control"
	case MultiEpSoftwareQuery:
		return "multi-ep-software-query"
	case SingleEp:
		return "single-ep"
	default:
		return "unknown"
	}
}

// Options mirrors the source's UsbDriverOptions, trimmed to a subset of
// its knobs. MaxNumAsyncTransfers and EnableOverlappingRequests are
// carried but not read by this transport.
type Options struct {
	Mode OperatingMode

	// MaxBulkOutTransferSizeBytes caps a single bulk-out write.
	MaxBulkOutTransferSizeBytes int

	// SoftwareCreditsLowerLimitBytes: in MultiEpSoftwareQuery, a tag is
	// only written to when its queried credit balance exceeds this.
	SoftwareCreditsLowerLimitBytes int

	// MaxNumAsyncTransfers is not read by this transport: bulk-out writes
	// are issued one at a time, each blocking until it returns.
	MaxNumAsyncTransfers int

	// EnableQueuedBulkIn fills a receive pool ahead of demand instead of
	// issuing one bulk-in read per request.
	EnableQueuedBulkIn bool

	// BulkInChunkSizeBytes sizes each pooled receive buffer.
	BulkInChunkSizeBytes int

	// BulkInQueueCapacity is the number of pooled receive buffers.
	BulkInQueueCapacity int

	// EnableOverlappingRequests is not read by this transport.
	EnableOverlappingRequests bool

	// EnableBulkDescriptorsFromDevice, when true, selects at Open the
	// descriptor mask that has the device echo descriptors for every bulk
	// transfer over the interrupt endpoint. This transport never reads
	// those descriptors: it issues and routes every transfer from its own
	// hints and neither matches nor reports device descriptors (see the
	// internal/usb decision recorded in DESIGN.md).
	EnableBulkDescriptorsFromDevice bool

	// FailIfSlowerThanSuperSpeed rejects USB2/1.x connections outright.
	FailIfSlowerThanSuperSpeed bool

	// AlwaysDFU forces a detach-and-reset cycle at Open even if the
	// device is already in application mode.
	AlwaysDFU bool

	// FirmwareImage is uploaded during DFU when the device is found in
	// DFU mode. Nil means "don't upload, just reset".
	FirmwareImage []byte

	Timeout time.Duration

	OpenRetryAttempts int
	OpenRetryBackoff  time.Duration
}

// DefaultOptions returns the transport's defaults for mode, the chunk
// length that corresponds to it, and the bulk-in queue geometry.
func DefaultOptions(mode OperatingMode) Options {
	return Options{
		Mode:                           mode,
		MaxBulkOutTransferSizeBytes:    constants.USBChunkLengthDefault,
		SoftwareCreditsLowerLimitBytes: constants.DefaultUSBSoftwareCreditsLowerLimit,
		MaxNumAsyncTransfers:           constants.DefaultUSBMaxAsyncTransfers,
		EnableQueuedBulkIn:             true,
		BulkInChunkSizeBytes:           constants.DefaultUSBBulkInMaxChunkSizeBytes,
		BulkInQueueCapacity:            constants.DefaultUSBBulkInQueueCapacity,
		EnableOverlappingRequests:      true,
		Timeout:                        6 * time.Second,
		OpenRetryAttempts:              constants.USBOpenRetryAttempts,
		OpenRetryBackoff:               constants.USBOpenRetryBackoff,
	}
}
