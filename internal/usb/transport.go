package usb

import (
	"context"
	"sync"
	"time"

	tpuerr "github.com/tpudrv/tpudrv/internal/tpuerr"
	"github.com/tpudrv/tpudrv/internal/constants"
	"github.com/tpudrv/tpudrv/internal/logging"
	"github.com/tpudrv/tpudrv/internal/scheduler"
)

// Control request numbers this transport issues. These are illustrative
// vendor commands (no real chip is being targeted); what matters is that
// Open's chip-configuration sequence touches each in the documented
// order.
const (
	reqDFUDetach          = 0x00
	reqDFUDownload        = 0x01
	reqSetDescriptorMask  = 0x10
	reqSetEndpointMode    = 0x11
	reqSetChunkLength     = 0x12
	reqGetCredits         = 0x13

	controlOutVendorDevice = 0x40
	controlInVendorDevice  = 0xc0
)

type pendingRead struct {
	info *scheduler.Info
	dst  []byte
	got  int
}

// Transport is C10: the bulk-USB control path. A single dma_issue_mutex
// (dmaIssueMu) serializes bulk-out admission the way the MMIO transport
// serializes descriptor-ring admission; bulk-in completion is handled
// out of line by DrainBulkIn, driven either by a caller or by the
// background worker goroutine started with Start.
type Transport struct {
	dev   Device
	opts  Options
	sched *scheduler.Scheduler

	dmaIssueMu sync.Mutex

	pool         *bulkInPool
	pendingReads []*pendingRead
	readsMu      sync.Mutex

	interruptMu      sync.Mutex
	pendingInterrupt map[int]int // interrupt id -> scheduler dma id

	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *logging.Logger
}

// Open runs the initialization sequence from spec.md §4.10: open the raw
// device with retry, perform DFU if required, validate the connection
// speed, then configure the chip's descriptor mask / endpoint mode /
// chunk length over control transfers.
func Open(factory DeviceFactory, opts Options, sched *scheduler.Scheduler) (*Transport, error) {
	if sched == nil {
		return nil, tpuerr.NewError("usb.Open", tpuerr.CodeInvalidArgument, "scheduler must not be nil")
	}

	dev, err := openWithRetry(factory, opts.OpenRetryAttempts, opts.OpenRetryBackoff)
	if err != nil {
		return nil, tpuerr.WrapError("usb.Open", err)
	}

	if dev, err = prepareDevice(dev, factory, opts); err != nil {
		return nil, tpuerr.WrapError("usb.Open", err)
	}

	if opts.FailIfSlowerThanSuperSpeed {
		if s := dev.Speed(); s != SpeedUnknown && s != SpeedSuper {
			dev.Close()
			return nil, tpuerr.NewError("usb.Open", tpuerr.CodeUnavailable, "connection slower than SuperSpeed")
		}
	}

	if err := configureChip(dev, opts); err != nil {
		dev.Close()
		return nil, tpuerr.WrapError("usb.Open", err)
	}

	t := &Transport{
		dev:              dev,
		opts:             opts,
		sched:            sched,
		pendingInterrupt: make(map[int]int),
		logger:           logging.Default(),
	}
	if opts.EnableQueuedBulkIn {
		t.pool = newBulkInPool(opts.BulkInQueueCapacity, opts.BulkInChunkSizeBytes)
	}
	return t, nil
}

// prepareDevice performs the detach/upload/reset/reopen dance described
// in spec.md §4.10's "Initialization" paragraph. It always returns the
// device that should be used going forward (which may be a freshly
// reopened one), even on an error path where dev is already closed.
func prepareDevice(dev Device, factory DeviceFactory, opts Options) (Device, error) {
	switch {
	case dev.Mode() == ModeApplication && opts.AlwaysDFU:
		if _, err := dev.Control(controlOutVendorDevice, reqDFUDetach, 0, 0, nil, opts.Timeout); err != nil {
			dev.Close()
			return nil, err
		}
		_ = dev.Reset()
		dev.Close()
		return openWithRetry(factory, opts.OpenRetryAttempts, opts.OpenRetryBackoff)

	case dev.Mode() == ModeDFU:
		if len(opts.FirmwareImage) > 0 {
			if _, err := dev.Control(controlOutVendorDevice, reqDFUDownload, 0, 0, opts.FirmwareImage, opts.Timeout); err != nil {
				dev.Close()
				return nil, err
			}
		}
		_ = dev.Reset()
		dev.Close()
		reopened, err := openWithRetry(factory, opts.OpenRetryAttempts, opts.OpenRetryBackoff)
		if err != nil {
			return nil, err
		}
		if reopened.Mode() != ModeApplication {
			reopened.Close()
			return nil, tpuerr.NewError("usb.prepareDevice", tpuerr.CodeUnavailable, "device did not come up in application mode after DFU")
		}
		return reopened, nil

	default:
		return dev, nil
	}
}

func configureChip(dev Device, opts Options) error {
	mask := byte(constants.USBDescriptorEnableMaskHintsOnly)
	if opts.EnableBulkDescriptorsFromDevice {
		mask = constants.USBDescriptorEnableMaskDeviceOriginated
	}
	if _, err := dev.Control(controlOutVendorDevice, reqSetDescriptorMask, uint16(mask), 0, nil, opts.Timeout); err != nil {
		return err
	}
	if _, err := dev.Control(controlOutVendorDevice, reqSetEndpointMode, uint16(opts.Mode), 0, nil, opts.Timeout); err != nil {
		return err
	}
	chunkLen := constants.USBChunkLengthDefault
	if dev.Speed() != SpeedSuper && dev.Speed() != SpeedUnknown {
		chunkLen = constants.USBChunkLengthUSB2Workaround
	}
	if _, err := dev.Control(controlOutVendorDevice, reqSetChunkLength, uint16(chunkLen), 0, nil, opts.Timeout); err != nil {
		return err
	}
	return nil
}

// Submit hands task to the scheduler and drives as much bulk-out traffic
// as admission rules currently allow.
func (t *Transport) Submit(task *scheduler.Task) error {
	t.sched.Enqueue(task)
	if err := t.sched.Submit(task); err != nil {
		return tpuerr.WrapError("usb.Transport.Submit", err)
	}
	t.issueIO()
	return nil
}

// interruptIDFor maps a scheduler scalar-core-interrupt kind to its 0..3
// id, or (-1, false) for every other kind.
func interruptIDFor(k scheduler.Kind) (int, bool) {
	switch k {
	case scheduler.KindScalarCoreInterrupt0:
		return 0, true
	case scheduler.KindScalarCoreInterrupt1:
		return 1, true
	case scheduler.KindScalarCoreInterrupt2:
		return 2, true
	case scheduler.KindScalarCoreInterrupt3:
		return 3, true
	default:
		return -1, false
	}
}

// issueIO is ProcessIo's bulk-out half: it drains issuable entries from
// the scheduler, writing bulk-out tags immediately (a USB bulk-out
// transfer completes, from the driver's perspective, the moment the
// device accepts the bytes — there is no separate hardware completion
// step to wait for, unlike the MMIO instruction ring) and handing
// bulk-in entries off to the pending-read queue that DrainBulkIn
// services. A scalar-core-interrupt entry blocks the head of the task
// until NotifyInterrupt reports its arrival (spec.md §4.10
// "ScHostInterrupt ... completes when its corresponding hint match
// arrives from the device event reader").
func (t *Transport) issueIO() {
	t.dmaIssueMu.Lock()
	defer t.dmaIssueMu.Unlock()

	for {
		kind := t.sched.PeekNextDma()
		tag, hasTag := descriptorTagFor(kind)

		if !hasTag {
			if id, ok := interruptIDFor(kind); ok {
				d, gotDma := t.sched.GetNextDma()
				if !gotDma {
					return
				}
				t.interruptMu.Lock()
				t.pendingInterrupt[id] = d.ID
				t.interruptMu.Unlock()
			}
			return
		}

		if tag.isBulkIn() {
			d, ok := t.sched.GetNextDma()
			if !ok {
				return
			}
			t.readsMu.Lock()
			t.pendingReads = append(t.pendingReads, &pendingRead{info: d, dst: hostBytes(d.Buffer)})
			t.readsMu.Unlock()
			continue
		}

		if t.opts.Mode == MultiEpSoftwareQuery {
			credits, err := t.queryCredits(tag)
			if err != nil {
				t.logger.Error("failed to query usb credits", "tag", tag, "error", err)
				return
			}
			if credits < t.opts.SoftwareCreditsLowerLimitBytes {
				return
			}
		}

		d, ok := t.sched.GetNextDma()
		if !ok {
			return
		}
		if err := t.writeBulkOut(tag, d); err != nil {
			t.logger.Error("bulk-out write failed", "tag", tag, "error", err)
			return
		}
		if err := t.sched.NotifyDmaCompletion(d.ID); err != nil {
			t.logger.Error("scheduler rejected bulk-out dma completion", "dma_id", d.ID, "error", err)
		}
	}
}

func (t *Transport) writeBulkOut(tag DescriptorTag, d *scheduler.Info) error {
	data := hostBytes(d.Buffer)
	chunkSize := t.opts.MaxBulkOutTransferSizeBytes
	if chunkSize <= 0 || chunkSize > len(data) {
		chunkSize = len(data)
	}

	if t.opts.Mode == SingleEp {
		hdr := make([]byte, singleEpHeaderSizeBytes)
		marshalSingleEpHeader(hdr, tag, len(data))
		if _, err := t.dev.BulkOut(tag, hdr, t.opts.Timeout); err != nil {
			return err
		}
	}

	if chunkSize == 0 {
		return nil
	}
	for off := 0; off < len(data); off += chunkSize {
		end := off + chunkSize
		if end > len(data) {
			end = len(data)
		}
		if _, err := t.dev.BulkOut(tag, data[off:end], t.opts.Timeout); err != nil {
			return err
		}
	}
	return nil
}

func (t *Transport) queryCredits(tag DescriptorTag) (int, error) {
	buf := make([]byte, 4)
	if _, err := t.dev.Control(controlInVendorDevice, reqGetCredits, 0, uint16(tag), buf, t.opts.Timeout); err != nil {
		return 0, err
	}
	return int(buf[0]) | int(buf[1])<<8 | int(buf[2])<<16 | int(buf[3])<<24, nil
}

// DrainBulkIn is ProcessIo's bulk-in half: it tops up the receive pool
// (when queued bulk-in is enabled) and copies newly arrived data into
// whichever request is at the head of the pending-read queue, completing
// DMAs as their destination buffers fill and re-driving issueIO so any
// entries that were queued behind a since-completed bulk-in can proceed.
func (t *Transport) DrainBulkIn() {
	if t.opts.EnableQueuedBulkIn && t.pool != nil {
		for {
			idx, ok := t.pool.acquireAvailable()
			if !ok {
				break
			}
			n, err := t.dev.BulkIn(TagOutputActivation, t.pool.bufferFor(idx), t.opts.Timeout)
			if err != nil {
				t.logger.Error("bulk-in read failed", "error", err)
				t.pool.mu.Lock()
				t.pool.available = append(t.pool.available, idx)
				t.pool.mu.Unlock()
				break
			}
			t.pool.markFilled(idx, n)
		}
	}

	progressed := false
	for {
		t.readsMu.Lock()
		if len(t.pendingReads) == 0 {
			t.readsMu.Unlock()
			break
		}
		head := t.pendingReads[0]
		t.readsMu.Unlock()

		var n int
		if t.opts.EnableQueuedBulkIn && t.pool != nil {
			n = t.pool.copyFromHead(head.dst[head.got:])
		} else {
			chunkSize := len(head.dst) - head.got
			if t.dev.Speed() != SpeedSuper && t.dev.Speed() != SpeedUnknown && chunkSize > 256 {
				chunkSize = 256
			}
			read, err := t.dev.BulkIn(TagOutputActivation, head.dst[head.got:head.got+chunkSize], t.opts.Timeout)
			if err != nil {
				t.logger.Error("bulk-in read failed", "error", err)
				break
			}
			n = read
		}
		if n == 0 {
			break
		}
		head.got += n
		if head.got < len(head.dst) {
			continue
		}

		t.readsMu.Lock()
		t.pendingReads = t.pendingReads[1:]
		t.readsMu.Unlock()
		if err := t.sched.NotifyDmaCompletion(head.info.ID); err != nil {
			t.logger.Error("scheduler rejected bulk-in dma completion", "dma_id", head.info.ID, "error", err)
		}
		progressed = true
	}

	if progressed {
		t.issueIO()
	}
}

// NotifyInterrupt reports that scalar-core interrupt id fired, completing
// whatever DMA was blocking on it and resuming issueIO.
func (t *Transport) NotifyInterrupt(id int) error {
	t.interruptMu.Lock()
	dmaID, ok := t.pendingInterrupt[id]
	if ok {
		delete(t.pendingInterrupt, id)
	}
	t.interruptMu.Unlock()

	if !ok {
		return tpuerr.NewError("usb.Transport.NotifyInterrupt", tpuerr.CodeFailedPrecondition, "no dma waiting on this interrupt")
	}
	if err := t.sched.NotifyDmaCompletion(dmaID); err != nil {
		return tpuerr.WrapError("usb.Transport.NotifyInterrupt", err)
	}
	t.issueIO()
	return nil
}

// CompleteRequest retires the head active task once its caller has
// determined (by whatever device signal this transport's mode uses to
// mark end-of-request, typically the id-0 scalar-core interrupt) that
// the whole request, not just one of its DMAs, is done.
func (t *Transport) CompleteRequest() (*scheduler.Task, error) {
	task, err := t.sched.NotifyRequestCompletion()
	if err != nil {
		return nil, tpuerr.WrapError("usb.Transport.CompleteRequest", err)
	}
	return task, nil
}

// Start launches the background worker goroutine that periodically
// drives DrainBulkIn, mirroring the source's dedicated USB I/O thread
// (spec.md §4.10 "Worker thread").
func (t *Transport) Start(tick time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		ticker := time.NewTicker(tick)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				t.DrainBulkIn()
			}
		}
	}()
}

// Stop cancels the worker goroutine started by Start and waits for it to
// exit.
func (t *Transport) Stop() {
	if t.cancel != nil {
		t.cancel()
	}
	t.wg.Wait()
}

func (t *Transport) Close() error {
	t.Stop()
	return t.dev.Close()
}
