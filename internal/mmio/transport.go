package mmio

import (
	"sync"
	"sync/atomic"

	tpuerr "github.com/tpudrv/tpudrv/internal/tpuerr"
	"github.com/tpudrv/tpudrv/internal/constants"
	"github.com/tpudrv/tpudrv/internal/logging"
	"github.com/tpudrv/tpudrv/internal/scheduler"
)

// RunState is the run-controller's lifecycle (spec.md §4.9 "move the
// run-controller to Run").
type RunState int

const (
	RunStateReset RunState = iota
	RunStateRun
)

// Register offsets within the transport's BAR. These are illustrative
// (no real chip is being targeted); what matters is that Open's sequence
// touches each one in the documented order.
const (
	regClockGate       = 0x00
	regReset           = 0x04
	regHibError        = 0x08
	regAxiBurstLimit   = 0x0c
	regMmuSplitSimple  = 0x10
	regMmuSplitExtended = 0x14
	regRunControl      = 0x18
	regDescriptorRing  = 0x100
	regStatusBlock     = 0x100 + constants.MMIODescriptorSizeBytes*constants.DefaultInstructionQueueDepth
)

const (
	clockGateDisabled = 0
	clockGateEnabled  = 1
	resetAsserted     = 1
	resetCleared      = 0
)

// FatalErrorFunc is invoked at most once per Transport lifetime when the
// sticky fatal-error interrupt fires (spec.md §4.9).
type FatalErrorFunc func(status uint32)

// Transport is C9: the MMIO control path wrapping a RegisterSpace, the
// instruction host-queue, and the scheduler it feeds.
type Transport struct {
	regs  RegisterSpace
	queue *HostQueue
	sched *scheduler.Scheduler

	dmaIssueMu sync.Mutex
	stateMu    sync.Mutex
	state      RunState
	clockGated bool

	inError  atomic.Bool
	fatalOne sync.Once
	onFatal  FatalErrorFunc

	lastCompleted *scheduler.Task

	logger *logging.Logger
}

// Config bundles everything Open needs beyond the register space itself.
type Config struct {
	Regs               RegisterSpace
	Scheduler          *scheduler.Scheduler
	InstructionQueueDepth int
	MaxExtendedPTEntries  int
	MinSimplePTEntries    int
	TotalPTEntries        int
	OnFatalError          FatalErrorFunc
}

// Open runs the power-up/claim sequence from spec.md §4.9 and returns a
// ready Transport in software clock-gated state, awaiting the first
// submit.
func Open(cfg Config) (*Transport, error) {
	if err := requireRegisterSpace(cfg.Regs); err != nil {
		return nil, err
	}
	if cfg.Scheduler == nil {
		return nil, tpuerr.NewError("mmio.Open", tpuerr.CodeInvalidArgument, "scheduler must not be nil")
	}
	depth := cfg.InstructionQueueDepth
	if depth <= 0 {
		depth = constants.DefaultInstructionQueueDepth
	}

	t := &Transport{
		regs:   cfg.Regs,
		sched:  cfg.Scheduler,
		logger: logging.Default(),
		onFatal: cfg.OnFatalError,
	}

	// Power up.
	t.regs.WriteU32(regClockGate, clockGateDisabled)
	t.regs.WriteU32(regReset, resetAsserted)
	t.regs.WriteU32(regReset, resetCleared)
	t.regs.WriteU32(regClockGate, clockGateEnabled)

	if t.regs.ReadU32(regHibError) != 0 {
		return nil, tpuerr.NewError("mmio.Open", tpuerr.CodeUnavailable, "HIB error set before open")
	}

	t.regs.WriteU32(regAxiBurstLimit, 1)

	extended := cfg.MaxExtendedPTEntries
	if room := cfg.TotalPTEntries - cfg.MinSimplePTEntries; room < extended {
		extended = room
	}
	if extended < 0 {
		extended = 0
	}
	t.regs.WriteU32(regMmuSplitSimple, uint32(cfg.MinSimplePTEntries))
	t.regs.WriteU32(regMmuSplitExtended, uint32(extended))

	t.regs.WriteU32(regRunControl, uint32(RunStateRun))
	t.state = RunStateRun

	t.queue = NewHostQueue(t.regs, regDescriptorRing, regStatusBlock, depth)

	// Software clock-gate until the first submit.
	t.clockGated = true
	return t, nil
}

// Submit hands task to the scheduler and attempts to drain as many
// instruction descriptors into the host-queue as capacity allows
// (spec.md §4.9 "per-submit"). Returns Unavailable if the transport has
// latched a fatal error.
func (t *Transport) Submit(task *scheduler.Task) error {
	if t.inError.Load() {
		return tpuerr.WrapError("mmio.Transport.Submit", tpuerr.ErrWatchdogExpired)
	}

	t.stateMu.Lock()
	t.clockGated = false
	t.stateMu.Unlock()

	t.sched.Enqueue(task)
	if err := t.sched.Submit(task); err != nil {
		return tpuerr.WrapError("mmio.Transport.Submit", err)
	}

	t.issueDMAs()
	return nil
}

// issueDMAs drains issuable DMAs from the scheduler under the dedicated
// dma_issue_mutex, pushing Instruction-kind DMAs into the host-queue and
// treating every other kind as immediately resolved by the accelerator's
// own DMA engine once its address is patched into the instruction stream
// (the MMIO wire format in spec.md §6 only defines host-queue bookkeeping
// for instructions).
func (t *Transport) issueDMAs() {
	t.dmaIssueMu.Lock()
	defer t.dmaIssueMu.Unlock()

	for {
		// Peek before consuming: GetNextDma permanently advances the
		// task cursor, so an instruction DMA must not be pulled off
		// the queue until the host-queue actually has room for it.
		if t.sched.PeekNextDma() == scheduler.KindInstruction && !t.queue.HasCapacity() {
			return
		}
		d, ok := t.sched.GetNextDma()
		if !ok {
			return
		}
		if d.Kind != scheduler.KindInstruction {
			if err := t.sched.NotifyDmaCompletion(d.ID); err != nil {
				t.logger.Error("scheduler rejected non-instruction dma completion", "dma_id", d.ID, "error", err)
			}
			continue
		}
		desc := Descriptor{Address: d.Buffer.DeviceAddress, SizeBytes: uint32(d.Buffer.SizeBytes)}
		if err := t.queue.Push(d.ID, desc); err != nil {
			t.logger.Error("failed to push instruction descriptor", "error", err)
			return
		}
	}
}

// OnInstructionCompletion is the hardware status-block completion
// callback: it drains newly completed ring slots, notifies the
// scheduler, and recursively tries to issue more (spec.md §4.9).
func (t *Transport) OnInstructionCompletion() {
	for _, dmaID := range t.queue.Drain() {
		if err := t.sched.NotifyDmaCompletion(dmaID); err != nil {
			t.logger.Error("instruction completion for unknown dma", "id", dmaID, "error", err)
		}
	}
	t.issueDMAs()
}

// OnScalarCoreInterrupt0 drives notify_request_completion, re-enabling
// software clock-gating once the scheduler's active queue empties
// (spec.md §4.9).
func (t *Transport) OnScalarCoreInterrupt0() error {
	task, err := t.sched.NotifyRequestCompletion()
	if err != nil {
		return tpuerr.WrapError("mmio.Transport.OnScalarCoreInterrupt0", err)
	}
	t.stateMu.Lock()
	t.lastCompleted = task
	if t.sched.ActiveCount() == 0 {
		t.clockGated = true
	}
	t.stateMu.Unlock()
	return nil
}

// CompleteRequest returns the task most recently retired by
// OnScalarCoreInterrupt0, consuming it so a caller driving the driver
// facade's completion bookkeeping never observes the same task twice.
func (t *Transport) CompleteRequest() (*scheduler.Task, error) {
	t.stateMu.Lock()
	defer t.stateMu.Unlock()
	if t.lastCompleted == nil {
		return nil, tpuerr.NewError("mmio.Transport.CompleteRequest", tpuerr.CodeFailedPrecondition, "no request completed since last call")
	}
	task := t.lastCompleted
	t.lastCompleted = nil
	return task, nil
}

// OnFatalErrorInterrupt disables and clears the sticky fatal-error
// interrupt, then invokes the fatal-error callback at most once per
// Transport lifetime and latches every subsequent Submit to fail
// (spec.md §4.9, §7 "invoke the fatal-error callback exactly once").
func (t *Transport) OnFatalErrorInterrupt() {
	status := t.queue.FatalErrorBit()
	t.regs.WriteU32(regHibError, 0)
	t.inError.Store(true)
	t.fatalOne.Do(func() {
		if t.onFatal != nil {
			t.onFatal(status)
		}
	})
}

// InError reports whether the sticky fatal-error interrupt has latched.
func (t *Transport) InError() bool { return t.inError.Load() }

// ClockGated reports the transport's current software clock-gate state,
// used by tests to assert the gate/ungate discipline around submits.
func (t *Transport) ClockGated() bool {
	t.stateMu.Lock()
	defer t.stateMu.Unlock()
	return t.clockGated
}

// Close unmaps the underlying register space.
func (t *Transport) Close() error {
	return t.regs.Close()
}
