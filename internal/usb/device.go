package usb

import (
	"time"

	tpuerr "github.com/tpudrv/tpudrv/internal/tpuerr"
)

// ConnectionSpeed mirrors the handful of USB speeds the transport cares
// about when enforcing FailIfSlowerThanSuperSpeed.
type ConnectionSpeed int

const (
	SpeedUnknown ConnectionSpeed = iota
	SpeedLow
	SpeedFull
	SpeedHigh
	SpeedSuper
)

// DeviceMode distinguishes DFU firmware-loader mode from normal
// application mode, as reported by the device's USB descriptors.
type DeviceMode int

const (
	ModeApplication DeviceMode = iota
	ModeDFU
)

// Device is the capability this transport needs from a physical USB
// device. GousbDevice implements it against github.com/google/gousb;
// FakeDevice backs it with in-memory queues and maps for tests.
type Device interface {
	Mode() DeviceMode
	Speed() ConnectionSpeed

	// BulkOut writes data to the endpoint associated with tag, blocking
	// until the transfer completes or timeout elapses.
	BulkOut(tag DescriptorTag, data []byte, timeout time.Duration) (int, error)

	// BulkIn reads into buf from the endpoint associated with tag.
	BulkIn(tag DescriptorTag, buf []byte, timeout time.Duration) (int, error)

	// Control issues a vendor control transfer (chip CSR access, DFU
	// commands, credit queries).
	Control(requestType, request uint8, value, index uint16, data []byte, timeout time.Duration) (int, error)

	// Reset issues a USB port reset; used after DFU detach/upload.
	Reset() error

	Close() error
}

// DeviceFactory opens a fresh Device, retried by Open per
// Options.OpenRetryAttempts.
type DeviceFactory func() (Device, error)

func openWithRetry(factory DeviceFactory, attempts int, backoff time.Duration) (Device, error) {
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		dev, err := factory()
		if err == nil {
			return dev, nil
		}
		lastErr = err
		if i < attempts-1 {
			time.Sleep(backoff)
		}
	}
	return nil, tpuerr.WrapError("usb.openWithRetry", lastErr)
}
