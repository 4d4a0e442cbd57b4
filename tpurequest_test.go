package tpudrv

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tpudrv/tpudrv/internal/buffer"
	"github.com/tpudrv/tpudrv/internal/layer"
)

func oneBatchInputsOutputs() (map[string][]buffer.Buffer, map[string][]buffer.Buffer) {
	inputs := map[string][]buffer.Buffer{"in0": {newFixtureBuffer(64)}}
	outputs := map[string][]buffer.Buffer{"out0": {newFixtureBuffer(64)}}
	return inputs, outputs
}

func TestTpuRequestValidateRejectsEmptyBitstream(t *testing.T) {
	ref := newFixturePackageReference("tr-empty-bitstream", 0)
	ref.Main.Exec.InstructionChunks[0].Bitstream = nil

	req := newRequest(1, ref, 0)
	inputs, outputs := oneBatchInputsOutputs()
	tr := newTpuRequest(req, 0, ref, inputs, outputs)

	err := tr.Validate()
	require.Error(t, err)
	assert.True(t, IsCode(err, CodeInvalidArgument))
}

func TestTpuRequestValidateRejectsLayerCountMismatch(t *testing.T) {
	ref := newFixturePackageReference("tr-layer-mismatch", 0)
	req := newRequest(1, ref, 0)
	inputs, outputs := oneBatchInputsOutputs()
	tr := newTpuRequest(req, 0, ref, inputs, outputs)
	delete(tr.outputs, "out0") // simulate a layer the bind step never populated

	err := tr.Validate()
	require.Error(t, err)
	assert.True(t, IsCode(err, CodeInvalidArgument))
}

func TestTpuRequestValidateThenPrepareThenCleanup(t *testing.T) {
	d, _ := newTestDriver(t)
	ref := newFixturePackageReference("tr-prepare-cleanup", 0)
	req := newRequest(1, ref, 0)
	req.hwBatchSize = 1
	inputs, outputs := oneBatchInputsOutputs()
	tr := newTpuRequest(req, 0, ref, inputs, outputs)

	require.NoError(t, tr.Validate())
	require.NoError(t, tr.Prepare(d))
	assert.Equal(t, TpuSubmitted, tr.state)
	assert.NotNil(t, tr.mapper)

	task, err := tr.BuildTask(d)
	require.NoError(t, err)
	assert.Equal(t, req.id, task.RequestID)
	assert.NotEmpty(t, task.Dmas)

	require.NoError(t, tr.Cleanup(d))
	assert.Nil(t, tr.mapper)
	assert.Nil(t, tr.instrSlots)
}

func TestTpuRequestPrepareAllocatesAndCleanupReleasesScratch(t *testing.T) {
	d, _ := newTestDriver(t)
	ref := newFixturePackageReference("tr-scratch", 4096)
	req := newRequest(1, ref, 0)
	req.hwBatchSize = 1
	inputs, outputs := oneBatchInputsOutputs()
	tr := newTpuRequest(req, 0, ref, inputs, outputs)

	require.NoError(t, tr.Validate())
	require.NoError(t, tr.Prepare(d))
	assert.True(t, tr.scratchHost.Valid())
	assert.True(t, tr.scratchDevice.Valid())

	require.NoError(t, tr.Cleanup(d))
	assert.False(t, tr.scratchHost.Valid())
}

func TestTpuRequestPrepareScattersAndSignTransformsInput(t *testing.T) {
	d, _ := newTestDriver(t)
	ref := newFixturePackageReference("tr-scatter-input", 0)
	ref.Main.Exec.InputLayers[0] = &layer.Info{
		Name:                    "in0",
		ExecutionCount:          2,
		DataType:                layer.SignedFixedPoint8,
		ActualBytesPerIteration: 4,
		PaddedBytesPerIteration: 8,
	}

	req := newRequest(1, ref, 0)
	req.hwBatchSize = 1

	userIn := []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08}
	inBuf := buffer.NewWrappedPtr(unsafe.Pointer(&userIn[0]), len(userIn))
	inputs := map[string][]buffer.Buffer{"in0": {inBuf}}
	outputs := map[string][]buffer.Buffer{"out0": {newFixtureBuffer(64)}}
	tr := newTpuRequest(req, 0, ref, inputs, outputs)

	require.NoError(t, tr.Validate())
	require.NoError(t, tr.Prepare(d))

	// A staged copy is substituted whenever execution_count>1 and
	// padded != actual; the user's own buffer is left untouched.
	assert.Equal(t, []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08}, userIn)

	staged := tr.inputs["in0"][0]
	assert.Equal(t, buffer.Allocated, staged.Kind())
	want := []byte{
		0x81, 0x82, 0x83, 0x84, 0x80, 0x80, 0x80, 0x80,
		0x85, 0x86, 0x87, 0x88, 0x80, 0x80, 0x80, 0x80,
	}
	assert.Equal(t, want, bufferBytes(staged))

	require.NoError(t, tr.Cleanup(d))
	tr.ReleaseOutputStaging()
}

func TestTpuRequestPostProcessOutputsRelayoutsAndSignTransforms(t *testing.T) {
	d, _ := newTestDriver(t)
	ref := newFixturePackageReference("tr-relayout-output", 0)
	ref.Main.Exec.OutputLayers[0] = &layer.Info{
		Name:                    "out0",
		ExecutionCount:          2,
		DataType:                layer.SignedFixedPoint8,
		Extent:                  layer.Extent{Y: 1, X: 1},
		ActualBytesPerIteration: 4,
		PaddedBytesPerIteration: 8,
	}

	req := newRequest(1, ref, 0)
	req.hwBatchSize = 1

	userOut := make([]byte, 8)
	outBuf := buffer.NewWrappedPtr(unsafe.Pointer(&userOut[0]), len(userOut))
	inputs := map[string][]buffer.Buffer{"in0": {newFixtureBuffer(64)}}
	outputs := map[string][]buffer.Buffer{"out0": {outBuf}}
	tr := newTpuRequest(req, 0, ref, inputs, outputs)

	require.NoError(t, tr.Validate())
	require.NoError(t, tr.Prepare(d))
	require.Len(t, tr.outputStagings, 1)

	// Simulate the hardware's sign-flipped, padded write into the DMA
	// staging buffer.
	hwOutput := []byte{
		0x81, 0x82, 0x83, 0x84, 0x00, 0x00, 0x00, 0x00,
		0x85, 0x86, 0x87, 0x88, 0x00, 0x00, 0x00, 0x00,
	}
	copy(bufferBytes(tr.outputStagings[0].host), hwOutput)

	require.NoError(t, tr.Cleanup(d))
	require.NoError(t, tr.PostProcessOutputs())

	assert.Equal(t, []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08}, userOut)
	assert.Empty(t, tr.outputStagings)
}

func TestTpuRequestReleaseOutputStagingLeavesUserBufferUntouched(t *testing.T) {
	d, _ := newTestDriver(t)
	ref := newFixturePackageReference("tr-release-staging", 0)

	req := newRequest(1, ref, 0)
	req.hwBatchSize = 1
	inputs, outputs := oneBatchInputsOutputs()
	userOut := outputs["out0"][0]
	tr := newTpuRequest(req, 0, ref, inputs, outputs)

	require.NoError(t, tr.Validate())
	require.NoError(t, tr.Prepare(d))
	require.Len(t, tr.outputStagings, 1)

	before := append([]byte(nil), bufferBytes(userOut)...)
	tr.ReleaseOutputStaging()
	assert.Empty(t, tr.outputStagings)
	assert.Equal(t, before, bufferBytes(userOut), "error/cancel path must not touch the user's buffer")

	require.NoError(t, tr.Cleanup(d))
}

func TestTpuRequestStageInputsSkipsDramBuffers(t *testing.T) {
	d, _ := newTestDriver(t)
	ref := newFixturePackageReference("tr-dram-passthrough", 0)

	req := newRequest(1, ref, 0)
	req.hwBatchSize = 1
	dramIn := buffer.NewDram(0x4000, 64, nil)
	inputs := map[string][]buffer.Buffer{"in0": {dramIn}}
	outputs := map[string][]buffer.Buffer{"out0": {newFixtureBuffer(64)}}
	tr := newTpuRequest(req, 0, ref, inputs, outputs)

	require.NoError(t, tr.Validate())
	require.NoError(t, tr.Prepare(d))

	assert.Equal(t, buffer.Dram, tr.inputs["in0"][0].Kind(), "a Dram-resident input must pass through untouched")
	assert.Empty(t, tr.stagedInputs)

	require.NoError(t, tr.Cleanup(d))
	tr.ReleaseOutputStaging()
}

func TestTpuRequestPreparePadsPastRealBatch(t *testing.T) {
	d, _ := newTestDriver(t)
	ref := newFixturePackageReference("tr-padding", 0)
	ref.Main.Exec.BatchSize = 2

	req := newRequest(1, ref, 0)
	req.hwBatchSize = 2
	inputs := map[string][]buffer.Buffer{"in0": {newFixtureBuffer(64)}}
	outputs := map[string][]buffer.Buffer{"out0": {newFixtureBuffer(64)}}
	tr := newTpuRequest(req, 0, ref, inputs, outputs)

	assert.Len(t, tr.inputs["in0"], 2)
	assert.Len(t, tr.padded, 2) // one padding input, one padding output

	require.NoError(t, tr.Validate())
	require.NoError(t, tr.Prepare(d))
	require.NoError(t, tr.Cleanup(d))
}
