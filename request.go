package tpudrv

import (
	"sync"
	"sync/atomic"

	"github.com/tpudrv/tpudrv/internal/buffer"
	"github.com/tpudrv/tpudrv/internal/layer"
	"github.com/tpudrv/tpudrv/internal/registry"
)

// RequestState is a Request's lifecycle stage.
type RequestState int

const (
	RequestInitial RequestState = iota
	RequestPrepared
	RequestDone
)

// DoneFunc is invoked exactly once per Request, after its last TpuRequest
// completes, with the first non-nil error seen across all of them (or nil).
type DoneFunc func(requestID int32, err error)

// TimingEvent is one named timestamp in a Request's detail_events list.
type TimingEvent struct {
	Name        string
	TimestampNs int64
}

// RequestTiming is the bookkeeping returned by Request.GetTiming.
type RequestTiming struct {
	CreatedNs    int64
	SubmittedNs  int64
	CompletedNs  int64
	DetailEvents []TimingEvent
}

// Request is the user-visible inference request: a batch of named
// input/output buffers bound to a registered package, decomposed into one
// or more TpuRequest sub-requests at prepare() time.
type Request struct {
	mu sync.Mutex

	id       int32
	pkg      *registry.PackageReference
	priority uint32
	state    RequestState
	done     DoneFunc
	timing   RequestTiming

	inputs  map[string][]buffer.Buffer
	outputs map[string][]buffer.Buffer

	totalBatch              int
	hwBatchSize             int
	requiredTpuRequestCount int
	tpuRequests             []*TpuRequest

	pendingCount int32
	firstErr     error
	firstErrOnce sync.Once
}

// boundedSlice returns bufs[start:end], clamped to bufs' actual length; the
// portion past len(bufs) is left for the caller to pad (it is the no-op
// tail of the final, partially-full sub-request).
func boundedSlice(bufs []buffer.Buffer, start, end int) []buffer.Buffer {
	if start >= len(bufs) {
		return nil
	}
	if end > len(bufs) {
		end = len(bufs)
	}
	return bufs[start:end]
}

func newRequest(id int32, pkg *registry.PackageReference, createdNs int64) *Request {
	return &Request{
		id:      id,
		pkg:     pkg,
		inputs:  make(map[string][]buffer.Buffer),
		outputs: make(map[string][]buffer.Buffer),
		timing:  RequestTiming{CreatedNs: createdNs},
	}
}

// ID returns the request's unique identifier.
func (r *Request) ID() int32 { return r.id }

// AddInput appends buf as the next batch element of the named input layer.
// Rejected once the request is Prepared: input/output sets are frozen at
// that point.
func (r *Request) AddInput(name string, buf buffer.Buffer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != RequestInitial {
		return NewRequestError("Request.AddInput", r.id, CodeFailedPrecondition, "inputs are frozen once the request is prepared")
	}
	r.inputs[name] = append(r.inputs[name], buf)
	return nil
}

// AddOutput appends buf as the next batch element of the named output
// layer.
func (r *Request) AddOutput(name string, buf buffer.Buffer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != RequestInitial {
		return NewRequestError("Request.AddOutput", r.id, CodeFailedPrecondition, "outputs are frozen once the request is prepared")
	}
	r.outputs[name] = append(r.outputs[name], buf)
	return nil
}

// SetPriority sets the request's scheduling priority (0 = highest).
func (r *Request) SetPriority(p uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != RequestInitial {
		return NewRequestError("Request.SetPriority", r.id, CodeFailedPrecondition, "priority is frozen once the request is prepared")
	}
	r.priority = p
	return nil
}

func (r *Request) getPriority() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.priority
}

// GetTiming returns a snapshot of the request's timing record.
func (r *Request) GetTiming() RequestTiming {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.timing
	out.DetailEvents = append([]TimingEvent(nil), r.timing.DetailEvents...)
	return out
}

func (r *Request) addEvent(name string, ts int64) {
	r.mu.Lock()
	r.timing.DetailEvents = append(r.timing.DetailEvents, TimingEvent{Name: name, TimestampNs: ts})
	r.mu.Unlock()
}

// prepare validates the request's bound layers against its package's main
// executable, computes required_tpu_request_count, and freezes inputs,
// outputs, and priority.
func (r *Request) prepare() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != RequestInitial {
		return NewRequestError("Request.prepare", r.id, CodeFailedPrecondition, "request already prepared")
	}

	main := r.pkg.MainRef().Exec
	batch, err := r.validateLayersLocked(main)
	if err != nil {
		return err
	}

	hw := main.BatchSize
	if hw <= 0 {
		hw = 1
	}
	r.totalBatch = batch
	r.hwBatchSize = hw
	r.requiredTpuRequestCount = (batch + hw - 1) / hw
	if r.requiredTpuRequestCount == 0 {
		r.requiredTpuRequestCount = 1
	}
	r.pendingCount = int32(r.requiredTpuRequestCount)
	r.tpuRequests = make([]*TpuRequest, r.requiredTpuRequestCount)
	r.state = RequestPrepared
	return nil
}

// validateLayersLocked checks every input/output layer name is bound, batch
// counts agree across layers, and each bound buffer's size falls within
// [actual, padded] bytes per iteration for its layer.
func (r *Request) validateLayersLocked(main *registry.Executable) (int, error) {
	batch := -1
	checkGroup := func(layers []*layer.Info, set map[string][]buffer.Buffer, kind string) error {
		for _, li := range layers {
			bufs, ok := set[li.Name]
			if !ok || len(bufs) == 0 {
				return NewRequestError("Request.prepare", r.id, CodeInvalidArgument, kind+" layer "+li.Name+" has no bound buffers")
			}
			if batch == -1 {
				batch = len(bufs)
			} else if len(bufs) != batch {
				return NewRequestError("Request.prepare", r.id, CodeInvalidArgument, "batch count mismatch across layers")
			}
			for _, b := range bufs {
				if b.Kind() == buffer.Fd || b.Kind() == buffer.DramWrapped {
					return NewRequestError("Request.prepare", r.id, CodeUnimplemented, kind+" layer "+li.Name+" uses an fd-backed buffer, which this core has no device mapping path for")
				}
				actual := li.ActualBytesPerIteration * li.ExecutionCount
				padded := li.PaddedBytesPerIteration * li.ExecutionCount
				if b.Size() < actual || b.Size() > padded {
					return NewRequestError("Request.prepare", r.id, CodeInvalidArgument, "buffer size out of range for layer "+li.Name)
				}
			}
		}
		return nil
	}
	if err := checkGroup(main.InputLayers, r.inputs, "input"); err != nil {
		return 0, err
	}
	if err := checkGroup(main.OutputLayers, r.outputs, "output"); err != nil {
		return 0, err
	}
	if batch <= 0 {
		return 0, NewRequestError("Request.prepare", r.id, CodeInvalidArgument, "request has no bound layers")
	}
	return batch, nil
}

// prepareTpuRequest builds the slot'th sub-request, selecting the next
// hw_batch_size worth of user buffers (padding with fresh no-op buffers past
// the real batch) and wiring a completion shim that feeds completeSubRequest.
func (r *Request) prepareTpuRequest(slot int, d *Driver) (*TpuRequest, error) {
	r.mu.Lock()
	if r.state != RequestPrepared {
		r.mu.Unlock()
		return nil, NewRequestError("Request.prepareTpuRequest", r.id, CodeFailedPrecondition, "request not prepared")
	}
	start := slot * r.hwBatchSize
	end := start + r.hwBatchSize
	main := r.pkg.MainRef().Exec
	inputs := make(map[string][]buffer.Buffer, len(main.InputLayers))
	outputs := make(map[string][]buffer.Buffer, len(main.OutputLayers))
	for _, li := range main.InputLayers {
		inputs[li.Name] = boundedSlice(r.inputs[li.Name], start, end)
	}
	for _, li := range main.OutputLayers {
		outputs[li.Name] = boundedSlice(r.outputs[li.Name], start, end)
	}
	pkg := r.pkg
	r.mu.Unlock()

	tr := newTpuRequest(r, slot, pkg, inputs, outputs)
	r.mu.Lock()
	r.tpuRequests[slot] = tr
	r.mu.Unlock()
	return tr, nil
}

// completeSubRequest is the shared completion shim every TpuRequest of this
// Request invokes: first non-nil error wins for the accumulated status, last
// completion timestamp wins for timing, and the user callback fires exactly
// once the pending counter reaches zero.
func (r *Request) completeSubRequest(err error, completedNs int64) {
	if err != nil {
		r.firstErrOnce.Do(func() { r.firstErr = err })
	}
	r.mu.Lock()
	r.timing.CompletedNs = completedNs
	r.mu.Unlock()

	if atomic.AddInt32(&r.pendingCount, -1) != 0 {
		return
	}
	r.mu.Lock()
	r.state = RequestDone
	done := r.done
	result := r.firstErr
	r.mu.Unlock()
	if done != nil {
		done(r.id, result)
	}
}
