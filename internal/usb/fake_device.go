package usb

import (
	"sync"
	"time"

	tpuerr "github.com/tpudrv/tpudrv/internal/tpuerr"
)

// FakeDevice is an in-memory Device for tests: bulk-out writes are
// recorded per tag, bulk-in reads are served from a scripted queue of
// byte slices, and control transfers are served from a table keyed by
// request number.
type FakeDevice struct {
	mu sync.Mutex

	mode  DeviceMode
	speed ConnectionSpeed

	writes map[DescriptorTag][][]byte

	bulkIn       [][]byte
	controlResp  map[uint8][]byte
	controlCalls []ControlCall

	closed bool
	reset  int
}

// ControlCall records one Control invocation for test assertions.
type ControlCall struct {
	RequestType, Request uint8
	Value, Index         uint16
	Data                 []byte
}

// NewFakeDevice returns a FakeDevice already in application mode at
// SuperSpeed, the common case for tests that don't care about DFU.
func NewFakeDevice() *FakeDevice {
	return &FakeDevice{
		mode:        ModeApplication,
		speed:       SpeedSuper,
		writes:      make(map[DescriptorTag][][]byte),
		controlResp: make(map[uint8][]byte),
	}
}

func (f *FakeDevice) SetMode(m DeviceMode)       { f.mu.Lock(); f.mode = m; f.mu.Unlock() }
func (f *FakeDevice) SetSpeed(s ConnectionSpeed) { f.mu.Lock(); f.speed = s; f.mu.Unlock() }

// QueueBulkIn appends data to the scripted read queue; the next BulkIn
// call copies it into the caller's buffer.
func (f *FakeDevice) QueueBulkIn(data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bulkIn = append(f.bulkIn, data)
}

// SetControlResponse scripts what Control returns for a given request
// number, regardless of requestType/value/index.
func (f *FakeDevice) SetControlResponse(request uint8, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.controlResp[request] = data
}

// Writes returns every byte slice written to tag's endpoint, in order.
func (f *FakeDevice) Writes(tag DescriptorTag) [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.writes[tag]...)
}

func (f *FakeDevice) ResetCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reset
}

func (f *FakeDevice) Mode() DeviceMode        { f.mu.Lock(); defer f.mu.Unlock(); return f.mode }
func (f *FakeDevice) Speed() ConnectionSpeed  { f.mu.Lock(); defer f.mu.Unlock(); return f.speed }

func (f *FakeDevice) BulkOut(tag DescriptorTag, data []byte, _ time.Duration) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, tpuerr.NewError("usb.FakeDevice.BulkOut", tpuerr.CodeUnavailable, "device closed")
	}
	cp := append([]byte(nil), data...)
	f.writes[tag] = append(f.writes[tag], cp)
	return len(data), nil
}

func (f *FakeDevice) BulkIn(_ DescriptorTag, buf []byte, _ time.Duration) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, tpuerr.NewError("usb.FakeDevice.BulkIn", tpuerr.CodeUnavailable, "device closed")
	}
	if len(f.bulkIn) == 0 {
		return 0, tpuerr.NewError("usb.FakeDevice.BulkIn", tpuerr.CodeDeadlineExceeded, "no scripted data queued")
	}
	next := f.bulkIn[0]
	f.bulkIn = f.bulkIn[1:]
	n := copy(buf, next)
	return n, nil
}

func (f *FakeDevice) Control(requestType, request uint8, value, index uint16, data []byte, _ time.Duration) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.controlCalls = append(f.controlCalls, ControlCall{RequestType: requestType, Request: request, Value: value, Index: index, Data: append([]byte(nil), data...)})
	resp, ok := f.controlResp[request]
	if !ok {
		return 0, nil
	}
	n := copy(data, resp)
	return n, nil
}

// ControlCalls returns every Control invocation recorded so far, in order.
func (f *FakeDevice) ControlCalls() []ControlCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ControlCall(nil), f.controlCalls...)
}

func (f *FakeDevice) Reset() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reset++
	f.mode = ModeApplication
	return nil
}

func (f *FakeDevice) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

var _ Device = (*FakeDevice)(nil)
