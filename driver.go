package tpudrv

import (
	"os"
	"sort"
	"sync"
	"time"

	"github.com/tpudrv/tpudrv/internal/alignedmem"
	"github.com/tpudrv/tpudrv/internal/buffer"
	"github.com/tpudrv/tpudrv/internal/constants"
	"github.com/tpudrv/tpudrv/internal/logging"
	"github.com/tpudrv/tpudrv/internal/memory"
	"github.com/tpudrv/tpudrv/internal/realtime"
	"github.com/tpudrv/tpudrv/internal/registry"
	"github.com/tpudrv/tpudrv/internal/scheduler"
)

// Transport is the narrow capability the Driver facade needs from whichever
// physical transport (internal/mmio, internal/usb) a caller has opened:
// hand it a built task, and later retrieve whichever task the transport's
// own completion path (an MSI-X vector, a bulk-IN status read) most
// recently retired.
type Transport interface {
	Submit(task *scheduler.Task) error
	CompleteRequest() (*scheduler.Task, error)
	Close() error
}

// DriverState is the facade's reference-counted lifecycle.
type DriverState int

const (
	DriverClosed DriverState = iota
	DriverOpen
	DriverClosing
)

// CloseMode selects how Close treats in-flight work.
type CloseMode int

const (
	// CloseGraceful waits for every pending and active sub-request to
	// finish normally before tearing down.
	CloseGraceful CloseMode = iota
	// CloseAsap cancels pending work immediately and drops active work
	// without waiting for it to complete.
	CloseAsap
)

// DriverParams bundles the pre-built components the Driver facade ties
// together. The scheduler and transport are constructed by the caller (a
// cmd/ front end, typically) because the transport itself needs the
// scheduler at its own Open time; Driver only consumes them afterward.
type DriverParams struct {
	ChipConfigTag      string
	Transport          Transport
	Scheduler          *scheduler.Scheduler
	AddressSpace       memory.AddressSpace
	OverlapEnabled     bool
	MaxScheduledWorkNs int64
	OpSettings         OperationalSettings
}

type pendingEntry struct {
	req  *Request
	slot int
}

type activeEntry struct {
	tr         *TpuRequest
	isCaching  bool
	cachingRef *registry.ExecutableReference
	cycles     uint64
}

// Driver is C11: the reference-counted facade over the registry,
// scheduler, address space, and transport, implementing
// can_schedule_tpu_request's priority-FIFO-with-anti-starvation admission
// and the operational-settings/telemetry/fatal-error plumbing around it.
type Driver struct {
	mu       sync.Mutex
	state    DriverState
	refCount int
	debugMode bool

	reg          *registry.Registry
	sched        *scheduler.Scheduler
	addressSpace memory.AddressSpace
	transport    Transport
	admitter     *realtime.Admitter
	instrPool    *instructionPool

	overlapEnabled     bool
	maxScheduledWorkNs int64
	scheduledCycles    int64
	opSettings         OperationalSettings
	realtimeMode       bool

	execPrefs map[*registry.PackageReference]ExecutionPreference

	telemeter Telemeter
	onFatal   func(status uint32)
	onThermal func()

	nextRequestID int32

	pendingByPriority map[uint32][]*pendingEntry
	activeTasks       map[*scheduler.Task]*activeEntry

	wake       chan struct{}
	closeCh    chan struct{}
	workerDone chan struct{}

	logger *logging.Logger
}

// NewDriver wires params into a closed Driver, ready for Open.
func NewDriver(params DriverParams) (*Driver, error) {
	if params.Transport == nil {
		return nil, NewError("NewDriver", CodeInvalidArgument, "transport must not be nil")
	}
	if params.Scheduler == nil {
		return nil, NewError("NewDriver", CodeInvalidArgument, "scheduler must not be nil")
	}
	if params.AddressSpace == nil {
		return nil, NewError("NewDriver", CodeInvalidArgument, "address space must not be nil")
	}

	maxWork := params.MaxScheduledWorkNs
	if maxWork == 0 {
		maxWork = constants.DefaultMaxScheduledWorkNs
	}

	d := &Driver{
		state:              DriverClosed,
		transport:          params.Transport,
		sched:              params.Scheduler,
		addressSpace:       params.AddressSpace,
		admitter:           realtime.NewAdmitter(),
		instrPool:          newInstructionPool(),
		overlapEnabled:     params.OverlapEnabled,
		maxScheduledWorkNs: maxWork,
		opSettings:         params.OpSettings,
		execPrefs:          make(map[*registry.PackageReference]ExecutionPreference),
		telemeter:          noopTelemeter{},
		pendingByPriority:  make(map[uint32][]*pendingEntry),
		activeTasks:        make(map[*scheduler.Task]*activeEntry),
		wake:               make(chan struct{}, 1),
		logger:             logging.Default(),
	}
	d.reg = registry.New(params.ChipConfigTag, d.admitter)
	return d, nil
}

// HandleWatchdogExpired is exported so callers can wire it into the
// scheduler.New onExpired hook when constructing the *scheduler.Scheduler
// that goes into DriverParams (the scheduler must exist before the
// transport, and the transport before the Driver, so the Driver cannot
// build its own scheduler; see cmd/tpudrvd for the wiring this expects).
func (d *Driver) HandleWatchdogExpired(oldest *scheduler.Task) {
	d.mu.Lock()
	telemeter := d.telemeter
	d.mu.Unlock()
	telemeter.RecordWatchdogExpired(oldest.RequestID)
	go func() {
		d.Close(CloseAsap)
		d.Open(d.debugMode, true)
	}()
}

// HandleFatalError is the entry point a transport's sticky fatal-error
// interrupt handler calls (mmio.Config.OnFatalError, or its USB
// equivalent) after latching an unrecoverable hardware fault. It forwards
// status to the callback installed by SetFatalErrorCallback, invoked at
// most once per transport lifetime by the transport itself (spec.md §7
// "invoke the fatal-error callback exactly once").
func (d *Driver) HandleFatalError(status uint32) {
	d.mu.Lock()
	onFatal := d.onFatal
	d.mu.Unlock()
	if onFatal != nil {
		onFatal(status)
	}
}

// Open performs first-open setup (starting the scheduler worker) and bumps
// the reference count on subsequent calls. contextLost resets every
// registered executable's ParamsLoaded flag, as required after a hard
// reset (spec.md §4.3, §4.11).
func (d *Driver) Open(debugMode, contextLost bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.refCount > 0 {
		d.refCount++
		if contextLost {
			d.reg.ResetParametersLoaded()
		}
		return nil
	}
	if d.state == DriverClosing {
		return WrapError("Driver.Open", ErrAlreadyOpen)
	}

	d.debugMode = debugMode
	d.refCount = 1
	d.state = DriverOpen
	d.closeCh = make(chan struct{})
	d.workerDone = make(chan struct{})
	go d.runWorker()

	if contextLost {
		d.reg.ResetParametersLoaded()
	}
	return nil
}

// Close drops the reference count, tearing the Driver down on the last
// reference. CloseGraceful polls for the pending/active queues to empty
// before tearing down (internal/scheduler exposes no blocking wait_active
// primitive, so this is a short poll loop rather than a channel wait);
// CloseAsap cancels and drops everything immediately.
func (d *Driver) Close(mode CloseMode) error {
	d.mu.Lock()
	if d.state == DriverClosed {
		d.mu.Unlock()
		return WrapError("Driver.Close", ErrClosed)
	}
	d.refCount--
	if d.refCount > 0 {
		d.mu.Unlock()
		return nil
	}
	d.state = DriverClosing
	d.mu.Unlock()

	if mode == CloseGraceful {
		d.waitUntilIdle()
	}

	d.mu.Lock()
	pending := d.pendingByPriority
	d.pendingByPriority = make(map[uint32][]*pendingEntry)
	active := d.activeTasks
	d.activeTasks = make(map[*scheduler.Task]*activeEntry)
	d.state = DriverClosed
	d.mu.Unlock()

	now := time.Now().UnixNano()
	for _, list := range pending {
		for _, e := range list {
			e.req.completeSubRequest(WrapError("Driver.Close", ErrCancelled), now)
		}
	}
	for _, e := range active {
		e.tr.Cleanup(d)
		e.tr.ReleaseOutputStaging()
		if !e.isCaching {
			e.tr.parent.completeSubRequest(WrapError("Driver.Close", ErrCancelled), now)
		}
	}

	d.sched.Close(nil)
	close(d.closeCh)
	<-d.workerDone
	d.instrPool.close()
	if err := d.reg.UnregisterAll(); err != nil {
		d.logger.WithError(err).Warn("unregister all failed during close")
	}
	if err := d.transport.Close(); err != nil {
		return WrapError("Driver.Close", err)
	}
	return nil
}

func (d *Driver) waitUntilIdle() {
	for {
		d.mu.Lock()
		idle := d.pendingCountLocked() == 0 && len(d.activeTasks) == 0
		d.mu.Unlock()
		if idle {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func (d *Driver) pendingCountLocked() int {
	n := 0
	for _, list := range d.pendingByPriority {
		n += len(list)
	}
	return n
}

// RegisterExecutableBytes parses and registers a package already read into
// memory.
func (d *Driver) RegisterExecutableBytes(data []byte) (*registry.PackageReference, error) {
	return d.reg.Register(data)
}

// RegisterExecutableFile reads path and registers it as a package
// (spec.md §6 "register_executable_{file,bytes}").
func (d *Driver) RegisterExecutableFile(path string) (*registry.PackageReference, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, WrapError("Driver.RegisterExecutableFile", err)
	}
	return d.reg.Register(data)
}

// UnregisterExecutable destroys ref; rejected while requests reference it.
func (d *Driver) UnregisterExecutable(ref *registry.PackageReference) error {
	return d.reg.Unregister(ref)
}

// CreateRequest allocates a fresh Request bound to ref, marking ref
// in-flight so Unregister rejects destruction until the request completes.
func (d *Driver) CreateRequest(ref *registry.PackageReference) (*Request, error) {
	d.mu.Lock()
	if d.state != DriverOpen {
		d.mu.Unlock()
		return nil, WrapError("Driver.CreateRequest", ErrClosed)
	}
	d.nextRequestID++
	id := d.nextRequestID
	d.mu.Unlock()

	d.reg.BeginRequest(ref)
	return newRequest(id, ref, time.Now().UnixNano()), nil
}

// Submit validates req, decomposes it into its TpuRequests, and enqueues
// each by priority; done fires exactly once, after the last sub-request
// completes.
func (d *Driver) Submit(req *Request, done DoneFunc) error {
	d.mu.Lock()
	if d.state != DriverOpen {
		d.mu.Unlock()
		return WrapError("Driver.Submit", ErrClosed)
	}
	d.mu.Unlock()

	wrapped := func(id int32, err error) {
		d.reg.EndRequest(req.pkg)
		if done != nil {
			done(id, err)
		}
	}
	req.mu.Lock()
	req.done = wrapped
	req.mu.Unlock()

	if err := req.prepare(); err != nil {
		return err
	}

	req.mu.Lock()
	count := req.requiredTpuRequestCount
	priority := req.priority
	req.mu.Unlock()

	for slot := 0; slot < count; slot++ {
		if _, err := req.prepareTpuRequest(slot, d); err != nil {
			return WrapError("Driver.Submit", err)
		}
		d.enqueuePending(req, slot, priority)
	}
	d.wakeWorker()
	return nil
}

// Execute submits req and blocks until it completes.
func (d *Driver) Execute(req *Request) error {
	ch := make(chan error, 1)
	if err := d.Submit(req, func(_ int32, err error) { ch <- err }); err != nil {
		return err
	}
	return <-ch
}

// ExecuteBatch submits every request in reqs and blocks until all of them
// complete, returning the first non-nil error seen (if any).
func (d *Driver) ExecuteBatch(reqs []*Request) error {
	ch := make(chan error, len(reqs))
	for _, req := range reqs {
		if err := d.Submit(req, func(_ int32, err error) { ch <- err }); err != nil {
			return err
		}
	}
	var firstErr error
	for range reqs {
		if err := <-ch; err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Cancel transitions every still-pending (not yet admitted to the
// scheduler) sub-request of req directly to Done(Cancelled). Sub-requests
// already handed to the transport run to completion (spec.md §5).
func (d *Driver) Cancel(req *Request) error {
	cancelled := d.extractPendingFor(req)
	now := time.Now().UnixNano()
	for _, e := range cancelled {
		e.req.completeSubRequest(WrapError("Driver.Cancel", ErrCancelled), now)
	}
	return nil
}

// CancelAll cancels every still-pending sub-request across every request,
// of any priority. Already-admitted work is unaffected; use Close(Asap)
// to drop that too.
func (d *Driver) CancelAll() error {
	d.mu.Lock()
	all := d.pendingByPriority
	d.pendingByPriority = make(map[uint32][]*pendingEntry)
	d.mu.Unlock()

	now := time.Now().UnixNano()
	for _, list := range all {
		for _, e := range list {
			e.req.completeSubRequest(WrapError("Driver.CancelAll", ErrCancelled), now)
		}
	}
	d.sched.CancelPending(nil)
	return nil
}

func (d *Driver) extractPendingFor(req *Request) []*pendingEntry {
	d.mu.Lock()
	defer d.mu.Unlock()

	var cancelled []*pendingEntry
	for priority, list := range d.pendingByPriority {
		kept := list[:0:0]
		for _, e := range list {
			if e.req == req {
				cancelled = append(cancelled, e)
			} else {
				kept = append(kept, e)
			}
		}
		d.pendingByPriority[priority] = kept
	}
	return cancelled
}

func (d *Driver) enqueuePending(req *Request, slot int, priority uint32) {
	d.mu.Lock()
	d.pendingByPriority[priority] = append(d.pendingByPriority[priority], &pendingEntry{req: req, slot: slot})
	d.mu.Unlock()
}

func (d *Driver) wakeWorker() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// MakeBuffer allocates a fresh page-aligned host buffer of the given size.
func (d *Driver) MakeBuffer(size int) (buffer.Buffer, error) {
	if size <= 0 {
		return buffer.Buffer{}, NewError("Driver.MakeBuffer", CodeInvalidArgument, "size must be positive")
	}
	block := alignedmem.Alloc(size)
	return buffer.NewAllocated(block.Ptr, len(block.Bytes), block.Free), nil
}

// AllocationAlignmentBytes reports the alignment MakeBuffer's allocations
// satisfy.
func (d *Driver) AllocationAlignmentBytes() int { return alignedmem.AlignmentBytes }

// SetRealtimeMode records whether real-time mode is on (spec.md §4.8). No
// scheduling path reads the flag: submits are scheduled the same way
// either way, and the Admitter's WithinDeadline is not consulted.
func (d *Driver) SetRealtimeMode(enabled bool) {
	d.mu.Lock()
	d.realtimeMode = enabled
	d.mu.Unlock()
}

// SetExecutableTiming installs ref's main executable's real-time contract.
func (d *Driver) SetExecutableTiming(ref *registry.PackageReference, t realtime.Timing) error {
	return d.admitter.SetTiming(ref.MainRef().Exec.Identifier, t)
}

// SetExecutionPreference records ref's power/latency tuning preference.
func (d *Driver) SetExecutionPreference(ref *registry.PackageReference, pref ExecutionPreference) {
	d.mu.Lock()
	d.execPrefs[ref] = pref
	d.mu.Unlock()
}

// UpdateOperationalSettings installs a fresh operational-settings snapshot.
func (d *Driver) UpdateOperationalSettings(s OperationalSettings) {
	d.mu.Lock()
	d.opSettings = s
	d.mu.Unlock()
}

// SetFatalErrorCallback installs fn, invoked when the transport latches a
// fatal error.
func (d *Driver) SetFatalErrorCallback(fn func(status uint32)) {
	d.mu.Lock()
	d.onFatal = fn
	d.mu.Unlock()
}

// SetThermalWarningCallback installs fn, invoked on a thermal-warning
// signal from the transport.
func (d *Driver) SetThermalWarningCallback(fn func()) {
	d.mu.Lock()
	d.onThermal = fn
	d.mu.Unlock()
}

// SetTelemeter installs t as the sink for cycle and watchdog telemetry. A
// nil t restores the no-op default.
func (d *Driver) SetTelemeter(t Telemeter) {
	if t == nil {
		t = noopTelemeter{}
	}
	d.mu.Lock()
	d.telemeter = t
	d.mu.Unlock()
}

// NotifyRequestCompleted is the entry point an interrupt handler (or its
// cmd/ front end equivalent) calls after driving the transport's own
// low-level completion path, to retire the task the transport most
// recently completed and let more pending work through.
func (d *Driver) NotifyRequestCompleted() error {
	task, err := d.transport.CompleteRequest()
	if err != nil {
		return WrapError("Driver.NotifyRequestCompleted", err)
	}

	d.mu.Lock()
	entry, ok := d.activeTasks[task]
	if ok {
		delete(d.activeTasks, task)
		d.scheduledCycles -= int64(entry.cycles)
	}
	d.mu.Unlock()
	if !ok {
		return NewError("Driver.NotifyRequestCompleted", CodeNotFound, "completed task has no driver-level bookkeeping")
	}

	now := time.Now().UnixNano()
	if entry.isCaching {
		if entry.cachingRef != nil {
			entry.cachingRef.ParamsLoaded = true
		}
		entry.tr.Cleanup(d)
	} else {
		entry.tr.Cleanup(d)
		// Post-process outputs (relayout + sign transform) only after
		// Cleanup has unmapped the staging buffers, so any from-device
		// cache invalidation has already run (spec.md §4.5, §8 scenario 1:
		// out == relayout(executed(in))).
		postErr := entry.tr.PostProcessOutputs()
		entry.tr.parent.completeSubRequest(postErr, now)
	}
	d.wakeWorker()
	return nil
}

// ensureParamsMapped lazily maps ref's registry-owned parameter copy into
// the device address space on first use (spec.md §4.3).
func (d *Driver) ensureParamsMapped(ref *registry.ExecutableReference) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ref.ParamsMapped {
		return nil
	}
	db, err := d.addressSpace.Map(&ref.ParamsHost, memory.ToDevice, memory.HintAny)
	if err != nil {
		return WrapError("Driver.ensureParamsMapped", err)
	}
	ref.ParamsDevice = db
	ref.ParamsMapped = true
	return nil
}

func (d *Driver) runWorker() {
	defer close(d.workerDone)
	for {
		select {
		case <-d.closeCh:
			return
		case <-d.wake:
		}
		d.scheduleLoop()
	}
}

// scheduleLoop repeatedly admits the head of the highest-priority
// non-empty pending queue until either the pending queues empty or
// can_schedule_tpu_request's budget gate rejects that head; lower
// priorities are not tried past a rejected head (spec.md §4.11
// "try_schedule_pending_requests").
func (d *Driver) scheduleLoop() {
	for {
		d.mu.Lock()
		priority, entry, cycles, ok := d.chooseNextLocked()
		if ok {
			d.popPendingLocked(priority)
		}
		d.mu.Unlock()
		if !ok {
			return
		}
		if err := d.admit(entry, cycles); err != nil {
			entry.req.completeSubRequest(WrapError("Driver.schedule", err), time.Now().UnixNano())
		}
	}
}

func (d *Driver) chooseNextLocked() (uint32, *pendingEntry, uint64, bool) {
	priority, entry, ok := d.peekPendingLocked()
	if !ok {
		return 0, nil, 0, false
	}
	tr := entry.req.tpuRequests[entry.slot]
	cycles := tr.execRef.Exec.EstimatedCycles
	if tr.needsParamCaching {
		if c := entry.req.pkg.CachingRef(); c != nil {
			cycles += c.Exec.EstimatedCycles
		}
	}
	if !d.canScheduleLocked(cycles) {
		return 0, nil, 0, false
	}
	return priority, entry, cycles, true
}

// canScheduleLocked implements can_schedule_tpu_request (spec.md §4.11):
// rejected outright once max_scheduled_work_ns goes negative, always
// admitted when nothing is active (anti-starvation), and otherwise gated
// on the remaining cycle budget for the configured work window.
func (d *Driver) canScheduleLocked(cycles uint64) bool {
	if d.maxScheduledWorkNs < 0 {
		return false
	}
	if d.sched.ActiveCount() == 0 {
		return true
	}
	budgetCycles := d.maxScheduledWorkNs * d.opSettings.TpuFreqHz / 1_000_000_000
	return budgetCycles-d.scheduledCycles >= int64(cycles)
}

func (d *Driver) peekPendingLocked() (uint32, *pendingEntry, bool) {
	var priorities []uint32
	for p, list := range d.pendingByPriority {
		if len(list) > 0 {
			priorities = append(priorities, p)
		}
	}
	if len(priorities) == 0 {
		return 0, nil, false
	}
	sort.Slice(priorities, func(i, j int) bool { return priorities[i] < priorities[j] })
	best := priorities[0]
	return best, d.pendingByPriority[best][0], true
}

func (d *Driver) popPendingLocked(priority uint32) {
	list := d.pendingByPriority[priority]
	if len(list) == 0 {
		return
	}
	d.pendingByPriority[priority] = list[1:]
}

// admit runs a caching pre-request ahead of tr when its package's
// parameters have not yet been pushed to device DRAM, then submits tr
// itself. The scheduler's strict submission-order active queue is what
// guarantees the caching task finishes on hardware before tr begins, so
// nothing here needs to block waiting for it.
func (d *Driver) admit(entry *pendingEntry, cycles uint64) error {
	tr := entry.req.tpuRequests[entry.slot]
	if tr.needsParamCaching {
		cachingTr := newCachingTpuRequest(entry.req, entry.req.pkg)
		if err := d.submitOne(cachingTr, true, entry.req.pkg.CachingRef()); err != nil {
			return err
		}
		tr.needsParamCaching = false
	}
	return d.submitOne(tr, false, nil)
}

func (d *Driver) submitOne(tr *TpuRequest, isCaching bool, cachingRef *registry.ExecutableReference) error {
	if err := tr.Validate(); err != nil {
		return err
	}
	if err := tr.Prepare(d); err != nil {
		return err
	}
	task, err := tr.BuildTask(d)
	if err != nil {
		tr.Cleanup(d)
		tr.ReleaseOutputStaging()
		return err
	}
	if err := d.transport.Submit(task); err != nil {
		tr.Cleanup(d)
		tr.ReleaseOutputStaging()
		return WrapError("Driver.submitOne", err)
	}

	cyc := tr.execRef.Exec.EstimatedCycles
	d.mu.Lock()
	d.activeTasks[task] = &activeEntry{tr: tr, isCaching: isCaching, cachingRef: cachingRef, cycles: cyc}
	d.scheduledCycles += int64(cyc)
	d.mu.Unlock()

	d.telemeter.RecordCycles(tr.execRef.Exec.Identifier, cyc)
	return nil
}
