package tpudrv

import (
	"strconv"
	"sync"
	"unsafe"

	"github.com/tpudrv/tpudrv/internal/alignedmem"
	"github.com/tpudrv/tpudrv/internal/binder"
	"github.com/tpudrv/tpudrv/internal/buffer"
	"github.com/tpudrv/tpudrv/internal/layer"
	"github.com/tpudrv/tpudrv/internal/layout"
	"github.com/tpudrv/tpudrv/internal/memory"
	"github.com/tpudrv/tpudrv/internal/registry"
	"github.com/tpudrv/tpudrv/internal/scheduler"
)

// TpuRequestState is a TpuRequest's lifecycle stage.
type TpuRequestState int

const (
	TpuUninitialized TpuRequestState = iota
	TpuCreated
	TpuSubmitted
	TpuActive
	TpuDone
	TpuDoneCancelled
)

// TpuRequest is one unit the hardware executes: exactly hw_batch_size
// inferences (with no-op padding past the parent Request's real batch), or a
// parameter-caching unit run ahead of it.
type TpuRequest struct {
	mu sync.Mutex

	parent  *Request
	slot    int
	pkg     *registry.PackageReference
	execRef *registry.ExecutableReference // Main, or Caching for a parameter-caching pre-request
	state   TpuRequestState

	inputs  map[string][]buffer.Buffer
	outputs map[string][]buffer.Buffer
	padded  []buffer.Buffer // no-op fill buffers owned by this TpuRequest

	// legacySignedInt32 selects the historic SignedFixedPoint32 sign-bit
	// behavior for every layer.SignTransform call this sub-request makes
	// (spec.md §9 Open Questions), threaded from the bound package.
	legacySignedInt32 bool

	// stagedInputs holds the scatter staging copies made for input layers
	// with execution_count>1 && padded!=actual (spec.md §4.5); released in
	// Cleanup once the DMA-in phase is over.
	stagedInputs []buffer.Buffer
	// outputStagings holds the DMA staging buffers hardware writes into for
	// host-backed output layers, each paired with the user buffer it must
	// eventually be relayouted into. Consumed by exactly one of
	// PostProcessOutputs (success) or ReleaseOutputStaging (error/cancel).
	outputStagings []outputStaging

	needsParamCaching bool

	scratchHost   buffer.Buffer
	scratchDevice buffer.DeviceBuffer

	instrSlots []*instructionSlot
	mapper     *binder.DeviceBufferMapper
	task       *scheduler.Task
}

// outputStaging pairs one host-backed output buffer handed back to the
// caller with the DMA staging buffer hardware actually writes into.
type outputStaging struct {
	li   *layer.Info
	user buffer.Buffer
	host buffer.Buffer
}

// newTpuRequest pads inputs/outputs out to the parent's hardware batch size
// with freshly allocated no-op buffers, tracked in padded so Cleanup can
// free exactly those (never a caller-owned buffer).
func newTpuRequest(parent *Request, slot int, pkg *registry.PackageReference, inputs, outputs map[string][]buffer.Buffer) *TpuRequest {
	tr := &TpuRequest{
		parent:            parent,
		slot:              slot,
		pkg:               pkg,
		execRef:           pkg.MainRef(),
		state:             TpuUninitialized,
		inputs:            make(map[string][]buffer.Buffer, len(inputs)),
		outputs:           make(map[string][]buffer.Buffer, len(outputs)),
		legacySignedInt32: pkg.Pkg.LegacySignedInt32,
	}

	main := tr.execRef.Exec
	for _, li := range main.InputLayers {
		tr.inputs[li.Name] = tr.padLayer(inputs[li.Name], parent.hwBatchSize, li.PaddedBytesPerIteration*li.ExecutionCount)
	}
	for _, li := range main.OutputLayers {
		tr.outputs[li.Name] = tr.padLayer(outputs[li.Name], parent.hwBatchSize, li.PaddedBytesPerIteration*li.ExecutionCount)
	}

	if caching := pkg.CachingRef(); caching != nil {
		tr.needsParamCaching = !caching.ParamsLoaded
	}
	return tr
}

// newCachingTpuRequest builds the parameter-caching pre-request a Driver
// runs ahead of the first real sub-request against pkg, once per context
// (until ParamsLoaded is cleared again by a context loss). It has no
// input/output layers: a caching executable only moves parameters into
// device DRAM.
func newCachingTpuRequest(parent *Request, pkg *registry.PackageReference) *TpuRequest {
	return &TpuRequest{
		parent:            parent,
		slot:              -1,
		pkg:               pkg,
		execRef:           pkg.CachingRef(),
		state:             TpuUninitialized,
		inputs:            map[string][]buffer.Buffer{},
		outputs:           map[string][]buffer.Buffer{},
		legacySignedInt32: pkg.Pkg.LegacySignedInt32,
	}
}

func (tr *TpuRequest) padLayer(bufs []buffer.Buffer, count, paddedSize int) []buffer.Buffer {
	out := make([]buffer.Buffer, count)
	copy(out, bufs)
	for i := len(bufs); i < count; i++ {
		block := alignedmem.Alloc(paddedSize)
		b := buffer.NewAllocated(block.Ptr, len(block.Bytes), block.Free)
		out[i] = b
		tr.padded = append(tr.padded, b)
	}
	return out
}

// Validate rejects empty instruction bitstreams and layer-count mismatches,
// advancing Uninitialized -> Created on success.
func (tr *TpuRequest) Validate() error {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if tr.state != TpuUninitialized {
		return NewRequestError("TpuRequest.Validate", tr.parent.id, CodeFailedPrecondition, "already validated")
	}

	main := tr.execRef.Exec
	if len(main.InstructionChunks) == 0 {
		return NewRequestError("TpuRequest.Validate", tr.parent.id, CodeInvalidArgument, "executable has no instruction chunks")
	}
	for _, c := range main.InstructionChunks {
		if len(c.Bitstream) == 0 {
			return NewRequestError("TpuRequest.Validate", tr.parent.id, CodeInvalidArgument, "instruction chunk has an empty bitstream")
		}
	}
	if len(tr.inputs) != len(main.InputLayers) || len(tr.outputs) != len(main.OutputLayers) {
		return NewRequestError("TpuRequest.Validate", tr.parent.id, CodeInvalidArgument, "layer count mismatch against executable")
	}

	tr.state = TpuCreated
	return nil
}

// Prepare binds every buffer this sub-request needs: (a) acquires
// instruction buffers from the executable's pool or allocates fresh ones,
// (b) maps data buffers, (c) patches instructions, (d) maps instruction
// buffers last, after patching, so cache coherency is preserved.
func (tr *TpuRequest) Prepare(d *Driver) error {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if tr.state != TpuCreated {
		return NewRequestError("TpuRequest.Prepare", tr.parent.id, CodeFailedPrecondition, "request not validated")
	}

	main := tr.execRef.Exec

	if err := d.ensureParamsMapped(tr.execRef); err != nil {
		return WrapError("TpuRequest.Prepare", err)
	}

	if err := tr.stageInputsLocked(main); err != nil {
		tr.releaseStagedInputsLocked()
		return WrapError("TpuRequest.Prepare", err)
	}
	tr.stageOutputsLocked(main)

	if main.ScratchBytes > 0 {
		block := alignedmem.Alloc(main.ScratchBytes)
		tr.scratchHost = buffer.NewAllocated(block.Ptr, len(block.Bytes), block.Free)
		db, err := d.addressSpace.Map(&tr.scratchHost, memory.Bidirectional, memory.HintAny)
		if err != nil {
			tr.scratchHost.Release()
			tr.scratchHost = buffer.Buffer{}
			tr.releaseStagedInputsLocked()
			tr.releaseOutputStagingLocked()
			return WrapError("TpuRequest.Prepare", err)
		}
		tr.scratchDevice = db
	}

	instrHosts := make([]buffer.Buffer, len(main.InstructionChunks))
	tr.instrSlots = make([]*instructionSlot, len(main.InstructionChunks))
	for i, chunk := range main.InstructionChunks {
		key := instrPoolKey(main.Identifier, i)
		slot := d.instrPool.acquire(key, len(chunk.Bitstream))
		tr.instrSlots[i] = slot
		instrHosts[i] = slot.buf
	}

	bindIn := binder.BindInput{
		Chunks:  main.InstructionChunks,
		Inputs:  toLayerBuffers(tr.inputs),
		Outputs: toLayerBuffers(tr.outputs),
		Scratch: tr.scratchDevice,
		Params:  tr.execRef.ParamsDevice,
	}

	mapper, err := binder.Bind(d.addressSpace, bindIn, instrHosts)
	if err != nil {
		tr.releaseInstrSlots(d, main.Identifier)
		tr.unmapScratchLocked(d)
		tr.releaseStagedInputsLocked()
		tr.releaseOutputStagingLocked()
		return WrapError("TpuRequest.Prepare", err)
	}
	tr.mapper = mapper
	tr.state = TpuSubmitted
	return nil
}

// stageInputsLocked applies the input-side C5 transforms in place before any
// device mapping happens (spec.md §4.5): scatter the user's contiguous
// tensor into a padded per-iteration staging buffer when execution_count>1
// and padded!=actual, then sign-transform whichever buffer (staged copy, or
// the user's own buffer when no scatter was needed) is about to be DMA'd.
// On-device buffers (Dram) pass through untouched; Fd/DramWrapped never
// reach here because Request.validateLayersLocked rejects them earlier.
func (tr *TpuRequest) stageInputsLocked(main *registry.Executable) error {
	for _, li := range main.InputLayers {
		bufs := tr.inputs[li.Name]
		for batch, buf := range bufs {
			if buf.Kind() != buffer.WrappedPtr && buf.Kind() != buffer.Allocated {
				continue
			}
			needsScatter := li.ExecutionCount > 1 && li.PaddedBytesPerIteration != li.ActualBytesPerIteration
			if !needsScatter {
				layout.SignTransform(bufferBytes(buf), li.DataType, tr.legacySignedInt32)
				continue
			}
			staged, err := tr.stageOneInput(buf, li)
			if err != nil {
				return err
			}
			bufs[batch] = staged
		}
	}
	return nil
}

func (tr *TpuRequest) stageOneInput(buf buffer.Buffer, li *layer.Info) (buffer.Buffer, error) {
	total := li.PaddedBytesPerIteration * li.ExecutionCount
	block := alignedmem.Alloc(total)
	staged := buffer.NewAllocated(block.Ptr, len(block.Bytes), block.Free)
	if err := layout.Scatter(bufferBytes(staged), bufferBytes(buf), li); err != nil {
		staged.Release()
		return buffer.Buffer{}, err
	}
	layout.SignTransform(bufferBytes(staged), li.DataType, tr.legacySignedInt32)
	tr.stagedInputs = append(tr.stagedInputs, staged)
	return staged, nil
}

// stageOutputsLocked gives every host-backed output layer a fresh DMA
// staging buffer for hardware to write into, recording the pairing so
// PostProcessOutputs can relayout + sign-transform it into the user's
// buffer once the sub-request completes. On-device (Dram) outputs are
// excluded from post-processing per spec.md §4.5/§9 and pass through
// untouched.
func (tr *TpuRequest) stageOutputsLocked(main *registry.Executable) {
	for _, li := range main.OutputLayers {
		bufs := tr.outputs[li.Name]
		for batch, buf := range bufs {
			if buf.Kind() != buffer.WrappedPtr && buf.Kind() != buffer.Allocated {
				continue
			}
			total := li.PaddedBytesPerIteration * li.ExecutionCount
			block := alignedmem.Alloc(total)
			staged := buffer.NewAllocated(block.Ptr, len(block.Bytes), block.Free)
			tr.outputStagings = append(tr.outputStagings, outputStaging{li: li, user: buf, host: staged})
			bufs[batch] = staged
		}
	}
}

// PostProcessOutputs relayouts and sign-transforms each output staging
// buffer into its user buffer, then releases the staging buffers. Must be
// called only on the success path, after Cleanup has unmapped the staging
// buffers (so any from-device cache invalidation has already happened);
// ReleaseOutputStaging covers the error/cancellation paths instead.
func (tr *TpuRequest) PostProcessOutputs() error {
	tr.mu.Lock()
	stagings := tr.outputStagings
	tr.outputStagings = nil
	tr.mu.Unlock()

	var firstErr error
	for _, st := range stagings {
		if err := layout.Relayout(bufferBytes(st.user), bufferBytes(st.host), st.li); err != nil {
			if firstErr == nil {
				firstErr = WrapError("TpuRequest.PostProcessOutputs", err)
			}
		} else {
			layout.SignTransform(bufferBytes(st.user), st.li.DataType, tr.legacySignedInt32)
		}
		st.host.Release()
	}
	return firstErr
}

// ReleaseOutputStaging frees any output staging buffers without
// post-processing them. Used on the error/cancellation paths, where the
// user's buffer must be left untouched.
func (tr *TpuRequest) ReleaseOutputStaging() {
	tr.mu.Lock()
	stagings := tr.outputStagings
	tr.outputStagings = nil
	tr.mu.Unlock()
	tr.releaseStagings(stagings)
}

func (tr *TpuRequest) releaseStagings(stagings []outputStaging) {
	for _, st := range stagings {
		st.host.Release()
	}
}

func (tr *TpuRequest) releaseStagedInputsLocked() {
	for i := range tr.stagedInputs {
		tr.stagedInputs[i].Release()
	}
	tr.stagedInputs = nil
}

func (tr *TpuRequest) releaseOutputStagingLocked() {
	tr.releaseStagings(tr.outputStagings)
	tr.outputStagings = nil
}

// bufferBytes reinterprets a host-backed Buffer's memory as a byte slice,
// for the layout transforms to operate on directly.
func bufferBytes(buf buffer.Buffer) []byte {
	return unsafe.Slice((*byte)(buf.AsPtr()), buf.Size())
}

func (tr *TpuRequest) unmapScratchLocked(d *Driver) {
	if !tr.scratchHost.Valid() {
		return
	}
	d.addressSpace.Unmap(tr.scratchDevice)
	tr.scratchHost.Release()
	tr.scratchHost = buffer.Buffer{}
	tr.scratchDevice = buffer.DeviceBuffer{}
}

// Cleanup reverses Prepare: unmaps the input/output and instruction
// bindings (DeviceBufferMapper.UnmapAll), returns instruction buffers to
// the pool, unmaps and frees scratch, releases staged inputs, and releases
// no-op padding buffers.
func (tr *TpuRequest) Cleanup(d *Driver) error {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	var firstErr error
	if tr.mapper != nil {
		if err := tr.mapper.UnmapAll(d.addressSpace); err != nil {
			firstErr = err
		}
		tr.mapper = nil
	}

	main := tr.execRef.Exec
	tr.releaseInstrSlots(d, main.Identifier)
	tr.unmapScratchLocked(d)
	tr.releaseStagedInputsLocked()

	for i := range tr.padded {
		tr.padded[i].Release()
	}
	tr.padded = nil
	return firstErr
}

func (tr *TpuRequest) releaseInstrSlots(d *Driver, execID string) {
	for i, slot := range tr.instrSlots {
		if slot == nil {
			continue
		}
		d.instrPool.release(instrPoolKey(execID, i), slot)
	}
	tr.instrSlots = nil
}

// BuildTask expands the bound executable's DMA hints into a scheduler Task.
func (tr *TpuRequest) BuildTask(d *Driver) (*scheduler.Task, error) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if tr.mapper == nil {
		return nil, NewRequestError("TpuRequest.BuildTask", tr.parent.id, CodeFailedPrecondition, "request has not been prepared")
	}
	main := tr.execRef.Exec
	resolver := mapperResolver{mapper: tr.mapper}
	task, err := scheduler.BuildTask(d.sched, tr.parent.id, main.DmaHints, resolver, main.FullyDeterministic, d.overlapEnabled)
	if err != nil {
		return nil, WrapError("TpuRequest.BuildTask", err)
	}
	tr.task = task
	return task, nil
}

func instrPoolKey(execID string, chunkIndex int) string {
	return execID + "#" + strconv.Itoa(chunkIndex)
}

func toLayerBuffers(m map[string][]buffer.Buffer) []binder.LayerBuffers {
	out := make([]binder.LayerBuffers, 0, len(m))
	for name, bufs := range m {
		out = append(out, binder.LayerBuffers{Name: name, Buffers: bufs})
	}
	return out
}

// mapperResolver adapts binder.DeviceBufferMapper's exported map/field
// access to the narrow scheduler.BufferResolver method-set interface; it
// cannot be satisfied directly because DeviceBufferMapper's equivalent
// members are fields (Scratch, Params), not methods.
type mapperResolver struct {
	mapper *binder.DeviceBufferMapper
}

func (m mapperResolver) Input(name string, batch int) (buffer.DeviceBuffer, error) {
	return lookupDeviceBuffer(m.mapper.Inputs, name, batch)
}

func (m mapperResolver) Output(name string, batch int) (buffer.DeviceBuffer, error) {
	return lookupDeviceBuffer(m.mapper.Outputs, name, batch)
}

func (m mapperResolver) Param() buffer.DeviceBuffer { return m.mapper.Params }

func (m mapperResolver) Scratch() buffer.DeviceBuffer { return m.mapper.Scratch }

func (m mapperResolver) Instruction(chunkIndex int) (buffer.DeviceBuffer, error) {
	if chunkIndex < 0 || chunkIndex >= len(m.mapper.InstructionBuffers) {
		return buffer.DeviceBuffer{}, NewError("mapperResolver.Instruction", CodeOutOfRange, "chunk index out of range")
	}
	return m.mapper.InstructionBuffers[chunkIndex], nil
}

func lookupDeviceBuffer(set map[string][]buffer.DeviceBuffer, name string, batch int) (buffer.DeviceBuffer, error) {
	bufs, ok := set[name]
	if !ok || batch < 0 || batch >= len(bufs) {
		return buffer.DeviceBuffer{}, NewError("mapperResolver", CodeNotFound, "no device buffer bound for "+name)
	}
	return bufs[batch], nil
}

var _ scheduler.BufferResolver = mapperResolver{}
