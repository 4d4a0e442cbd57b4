// Command tpudrvd is a thin front end over the driver core: it wires a
// scheduler, an address space, and one transport (MMIO or USB) into a
// Driver, optionally registers a compiled package, runs one inference
// against it, and otherwise just brings the device up and waits for a
// signal — the accelerator equivalent of cmd/ublk-mem/main.go's
// flag-parse-then-serve shape.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"
	"unsafe"

	"github.com/google/gousb"

	tpudrv "github.com/tpudrv/tpudrv"
	"github.com/tpudrv/tpudrv/internal/buffer"
	"github.com/tpudrv/tpudrv/internal/constants"
	"github.com/tpudrv/tpudrv/internal/logging"
	"github.com/tpudrv/tpudrv/internal/memory"
	"github.com/tpudrv/tpudrv/internal/mmio"
	"github.com/tpudrv/tpudrv/internal/scheduler"
	"github.com/tpudrv/tpudrv/internal/usb"
)

func main() {
	var (
		deviceKind = flag.String("device", "usb", "transport to use: mmio or usb")
		chipTag    = flag.String("chip", "sim-v1", "expected chip-config tag; empty accepts any package")
		execPath   = flag.String("exec", "", "path to a compiled DWN1 package to register and run once")
		verbose    = flag.Bool("v", false, "verbose logging")

		mmioBar = flag.String("mmio-bar", "", "path to the device's mmapped BAR file; empty runs against an in-process register-file stand-in")

		usbVID  = flag.String("usb-vid", "", "USB vendor id in hex (e.g. 18d1); empty uses an in-process device stand-in")
		usbPID  = flag.String("usb-pid", "", "USB product id in hex (e.g. 9302)")
		usbMode = flag.String("usb-mode", "multi-hw", "USB operating mode: multi-hw, multi-sw, or single-ep")
	)
	flag.Parse()

	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	var drv *tpudrv.Driver

	sched := scheduler.New(5*time.Second, func(oldest *scheduler.Task) {
		if drv != nil {
			drv.HandleWatchdogExpired(oldest)
		}
	})

	var (
		addrSpace memory.AddressSpace
		transport tpudrv.Transport
		err       error
	)

	switch *deviceKind {
	case "mmio":
		addrSpace = memory.NewBuddyAddressSpace(nil)
		transport, err = openMMIO(*mmioBar, sched, func(status uint32) {
			if drv != nil {
				drv.HandleFatalError(status)
			}
		})
	case "usb":
		addrSpace = memory.NopAddressSpace{}
		transport, err = openUSB(*usbVID, *usbPID, *usbMode, sched)
	default:
		logger.Error("unknown -device value", "device", *deviceKind)
		os.Exit(2)
	}
	if err != nil {
		logger.Error("failed to open transport", "device", *deviceKind, "error", err)
		os.Exit(1)
	}

	drv, err = tpudrv.NewDriver(tpudrv.DriverParams{
		ChipConfigTag: *chipTag,
		Transport:     transport,
		Scheduler:     sched,
		AddressSpace:  addrSpace,
		OpSettings:    tpudrv.OperationalSettings{TpuFreqHz: 1_000_000_000, HostToTpuBps: 4_000_000_000},
	})
	if err != nil {
		logger.Error("failed to construct driver", "error", err)
		os.Exit(1)
	}

	drv.SetFatalErrorCallback(func(status uint32) {
		logger.Error("fatal device error latched", "status", status)
	})
	drv.SetThermalWarningCallback(func() {
		logger.Warn("thermal warning raised by device")
	})

	if err := drv.Open(false, false); err != nil {
		logger.Error("failed to open driver", "error", err)
		os.Exit(1)
	}
	defer func() {
		logger.Info("closing driver")
		if err := drv.Close(tpudrv.CloseGraceful); err != nil {
			logger.Error("error closing driver", "error", err)
		}
	}()

	logger.Info("driver open", "device", *deviceKind, "chip", *chipTag,
		"alloc_alignment_bytes", drv.AllocationAlignmentBytes())

	if utr, ok := transport.(*usb.Transport); ok {
		utr.Start(5 * time.Millisecond)
		defer utr.Stop()
		go pumpUSBCompletions(drv)
	}

	if *execPath != "" {
		if err := runOnce(drv, *execPath, logger); err != nil {
			logger.Error("inference run failed", "error", err)
			os.Exit(1)
		}
		return
	}

	logger.Info("no -exec given; device is up, waiting for signal (Ctrl+C to stop)")
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("received shutdown signal")
}

func openMMIO(barPath string, sched *scheduler.Scheduler, onFatal mmio.FatalErrorFunc) (*mmio.Transport, error) {
	var regs mmio.RegisterSpace
	var err error
	if barPath == "" {
		// No real BAR file supplied: exercise the exact same open
		// sequence against an in-process register file, the same
		// stand-in internal/mmio's own tests use.
		regs = mmio.NewFakeRegisterSpace(4096)
	} else {
		regs, err = mmio.OpenMmapRegisterSpace(barPath, 4096)
		if err != nil {
			return nil, err
		}
	}
	return mmio.Open(mmio.Config{
		Regs:                  regs,
		Scheduler:             sched,
		InstructionQueueDepth: constants.DefaultInstructionQueueDepth,
		MinSimplePTEntries:    constants.MaxSimplePTEntries,
		MaxExtendedPTEntries:  constants.MaxExtendedPTEntries,
		TotalPTEntries:        constants.MaxSimplePTEntries + constants.MaxExtendedPTEntries,
		OnFatalError:          onFatal,
	})
}

func parseUSBMode(s string) usb.OperatingMode {
	switch s {
	case "multi-sw":
		return usb.MultiEpSoftwareQuery
	case "single-ep":
		return usb.SingleEp
	default:
		return usb.MultiEpHardwareControl
	}
}

func openUSB(vidHex, pidHex, modeStr string, sched *scheduler.Scheduler) (*usb.Transport, error) {
	mode := parseUSBMode(modeStr)
	opts := usb.DefaultOptions(mode)

	var factory usb.DeviceFactory
	if vidHex == "" || pidHex == "" {
		factory = func() (usb.Device, error) { return usb.NewFakeDevice(), nil }
	} else {
		vid, err := parseHexID(vidHex)
		if err != nil {
			return nil, err
		}
		pid, err := parseHexID(pidHex)
		if err != nil {
			return nil, err
		}
		cfg := usb.GousbConfig{
			VendorID:     gousb.ID(vid),
			ProductID:    gousb.ID(pid),
			ConfigNum:    1,
			InterfaceNum: 0,
			AltNum:       0,
			OutEndpoints: map[usb.DescriptorTag]int{
				usb.TagInstruction:     1,
				usb.TagInputActivation: 2,
				usb.TagParameter:       3,
			},
			InEndpointNum: 1,
		}
		if mode == usb.SingleEp {
			cfg.OutEndpoints = map[usb.DescriptorTag]int{
				usb.TagInstruction:     1,
				usb.TagInputActivation: 1,
				usb.TagParameter:       1,
			}
		}
		factory = func() (usb.Device, error) { return usb.OpenGousbDevice(cfg) }
	}

	return usb.Open(factory, opts, sched)
}

func parseHexID(s string) (uint16, error) {
	v, err := strconv.ParseUint(s, 16, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid hex USB id %q: %w", s, err)
	}
	return uint16(v), nil
}

// pumpUSBCompletions plays the role of the USB transport's interrupt
// endpoint reader on real hardware: it repeatedly asks the driver to
// retire whatever request the transport most recently finished, which is
// a no-op (FailedPrecondition, ignored) until the next one actually
// lands.
func pumpUSBCompletions(drv *tpudrv.Driver) {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for range ticker.C {
		_ = drv.NotifyRequestCompleted()
	}
}

func runOnce(drv *tpudrv.Driver, execPath string, logger *logging.Logger) error {
	ref, err := drv.RegisterExecutableFile(execPath)
	if err != nil {
		return err
	}
	defer func() {
		if err := drv.UnregisterExecutable(ref); err != nil {
			logger.Error("failed to unregister package", "error", err)
		}
	}()

	exec := ref.MainRef().Exec
	logger.Info("registered package", "identifier", exec.Identifier, "hw_batch_size", exec.BatchSize)

	req, err := drv.CreateRequest(ref)
	if err != nil {
		return err
	}

	for _, l := range exec.InputLayers {
		for i := 0; i < exec.BatchSize; i++ {
			buf, err := drv.MakeBuffer(l.PaddedBytesPerIteration * l.ExecutionCount)
			if err != nil {
				return err
			}
			fillPattern(&buf, 0xAA)
			if err := req.AddInput(l.Name, buf); err != nil {
				return err
			}
		}
	}
	for _, l := range exec.OutputLayers {
		for i := 0; i < exec.BatchSize; i++ {
			buf, err := drv.MakeBuffer(l.PaddedBytesPerIteration * l.ExecutionCount)
			if err != nil {
				return err
			}
			if err := req.AddOutput(l.Name, buf); err != nil {
				return err
			}
		}
	}

	start := time.Now()
	if err := drv.Execute(req); err != nil {
		return err
	}
	logger.Info("inference completed", "request_id", req.ID(), "elapsed", time.Since(start))
	return nil
}

// fillPattern stamps b into every byte of buf's host-visible memory, the
// same "filled 0xAA" stand-in spec.md §8's single-buffer-inference
// scenario describes for its input.
func fillPattern(buf *buffer.Buffer, b byte) {
	if buf.Size() == 0 {
		return
	}
	data := unsafe.Slice((*byte)(buf.AsPtr()), buf.Size())
	for i := range data {
		data[i] = b
	}
}
