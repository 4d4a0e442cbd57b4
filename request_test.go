package tpudrv

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestAddInputRejectedAfterPrepare(t *testing.T) {
	ref := newFixturePackageReference("req-add-input", 0)
	req := newRequest(1, ref, 0)
	require.NoError(t, req.AddInput("in0", newFixtureBuffer(64)))
	require.NoError(t, req.AddOutput("out0", newFixtureBuffer(64)))

	require.NoError(t, req.prepare())

	err := req.AddInput("in0", newFixtureBuffer(64))
	require.Error(t, err)
	assert.True(t, IsCode(err, CodeFailedPrecondition))
}

func TestRequestPrepareRejectsMissingLayer(t *testing.T) {
	ref := newFixturePackageReference("req-missing-layer", 0)
	req := newRequest(1, ref, 0)
	require.NoError(t, req.AddInput("in0", newFixtureBuffer(64)))
	// out0 never bound.

	err := req.prepare()
	require.Error(t, err)
	assert.True(t, IsCode(err, CodeInvalidArgument))
}

func TestRequestPrepareRejectsBatchMismatchAcrossLayers(t *testing.T) {
	ref := newFixturePackageReference("req-batch-mismatch", 0)
	req := newRequest(1, ref, 0)
	require.NoError(t, req.AddInput("in0", newFixtureBuffer(64)))
	require.NoError(t, req.AddInput("in0", newFixtureBuffer(64)))
	require.NoError(t, req.AddOutput("out0", newFixtureBuffer(64)))

	err := req.prepare()
	require.Error(t, err)
	assert.True(t, IsCode(err, CodeInvalidArgument))
}

func TestRequestPrepareComputesSubRequestCountFromHardwareBatchSize(t *testing.T) {
	ref := newFixturePackageReference("req-subcount", 0)
	ref.Main.Exec.BatchSize = 2

	req := newRequest(1, ref, 0)
	for i := 0; i < 3; i++ {
		require.NoError(t, req.AddInput("in0", newFixtureBuffer(64)))
		require.NoError(t, req.AddOutput("out0", newFixtureBuffer(64)))
	}

	require.NoError(t, req.prepare())
	assert.Equal(t, 2, req.requiredTpuRequestCount) // ceil(3/2)
	assert.Equal(t, 3, req.totalBatch)
}

func TestRequestCompleteSubRequestFiresDoneOnceAllSlotsFinish(t *testing.T) {
	ref := newFixturePackageReference("req-complete", 0)
	req := newRequest(1, ref, 0)
	req.requiredTpuRequestCount = 2
	req.pendingCount = 2

	var gotErr error
	calls := 0
	req.done = func(id int32, err error) {
		calls++
		gotErr = err
	}

	req.completeSubRequest(nil, 1)
	assert.Equal(t, 0, calls, "done must not fire until every sub-request completes")

	boom := NewError("x", CodeInternal, "boom")
	req.completeSubRequest(boom, 2)
	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, gotErr, boom)
}
