package tpudrv

import (
	"testing"
	"time"
	"unsafe"

	"github.com/stretchr/testify/require"

	"github.com/tpudrv/tpudrv/internal/buffer"
	"github.com/tpudrv/tpudrv/internal/layer"
	"github.com/tpudrv/tpudrv/internal/memory"
	"github.com/tpudrv/tpudrv/internal/registry"
	"github.com/tpudrv/tpudrv/internal/scheduler"
)

// newFixtureExecutable builds a minimal, directly-valid Executable: one
// input layer, one output layer, a single one-byte instruction chunk with
// no patch points, and DMA hints that move the instruction then both
// layers. Good enough to drive Validate/Prepare/BuildTask without a real
// compiled package.
func newFixtureExecutable(identifier string, scratchBytes int) *registry.Executable {
	return &registry.Executable{
		Kind:          registry.KindStandalone,
		Identifier:    identifier,
		ChipConfigTag: "test-chip",
		BatchSize:     1,
		InputLayers: []*layer.Info{
			{Name: "in0", ExecutionCount: 1, ActualBytesPerIteration: 64, PaddedBytesPerIteration: 64},
		},
		OutputLayers: []*layer.Info{
			{Name: "out0", ExecutionCount: 1, ActualBytesPerIteration: 64, PaddedBytesPerIteration: 64},
		},
		InstructionChunks: []registry.InstructionChunk{
			{Bitstream: []byte{0xAA}},
		},
		ScratchBytes: scratchBytes,
		DmaHints: []registry.DmaHint{
			{Kind: registry.HintInstruction, ChunkIndex: 0},
			{Kind: registry.HintInputActivation, LayerName: "in0", Offset: 0, Size: 64, Batch: 0},
			{Kind: registry.HintOutputActivation, LayerName: "out0", Offset: 0, Size: 64, Batch: 0},
		},
		FullyDeterministic: false,
		EstimatedCycles:    1000,
	}
}

// newFixturePackageReference wraps a fixture executable in a
// PackageReference the way registry.Register would, without going through
// byte parsing.
func newFixturePackageReference(identifier string, scratchBytes int) *registry.PackageReference {
	exec := newFixtureExecutable(identifier, scratchBytes)
	return &registry.PackageReference{
		Pkg:  &registry.Package{Identifier: identifier, ChipConfigTag: exec.ChipConfigTag, Standalone: exec},
		Main: &registry.ExecutableReference{Exec: exec, ParamsHost: emptyAlignedBuffer()},
	}
}

func emptyAlignedBuffer() buffer.Buffer {
	var b byte
	return buffer.NewWrappedPtr(unsafe.Pointer(&b), 0)
}

func newFixtureBuffer(size int) buffer.Buffer {
	buf := make([]byte, size)
	if size == 0 {
		buf = make([]byte, 1)
	}
	return buffer.NewWrappedPtr(unsafe.Pointer(&buf[0]), size)
}

// fakeTransport is a Transport that records every submitted task and lets
// the test control completion order explicitly via complete().
type fakeTransport struct {
	submitted chan *scheduler.Task
	completed chan *scheduler.Task
	closed    bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		submitted: make(chan *scheduler.Task, 16),
		completed: make(chan *scheduler.Task, 16),
	}
}

func (f *fakeTransport) Submit(task *scheduler.Task) error {
	f.submitted <- task
	return nil
}

func (f *fakeTransport) CompleteRequest() (*scheduler.Task, error) {
	return <-f.completed, nil
}

func (f *fakeTransport) Close() error {
	f.closed = true
	return nil
}

// completeNext waits for the driver's worker to have submitted its next
// task, stages it as hardware-complete, then drives the driver's
// completion path exactly as an interrupt handler would, returning the
// task that was retired.
func completeNext(t *testing.T, d *Driver, f *fakeTransport) *scheduler.Task {
	t.Helper()
	var task *scheduler.Task
	select {
	case task = <-f.submitted:
		f.completed <- task
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for a submitted task")
	}
	require.NoError(t, d.NotifyRequestCompleted())
	return task
}

func newTestDriver(t *testing.T) (*Driver, *fakeTransport) {
	t.Helper()
	transport := newFakeTransport()
	sched := scheduler.New(time.Second, nil)
	d, err := NewDriver(DriverParams{
		ChipConfigTag: "test-chip",
		Transport:     transport,
		Scheduler:     sched,
		AddressSpace:  memory.NopAddressSpace{},
		OpSettings:    OperationalSettings{TpuFreqHz: 1_000_000_000, HostToTpuBps: 1 << 30},
	})
	require.NoError(t, err)
	return d, transport
}
