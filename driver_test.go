package tpudrv

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tpudrv/tpudrv/internal/registry"
)

func TestDriverOpenRefCountsAndCloseTearsDownOnLastRef(t *testing.T) {
	d, transport := newTestDriver(t)

	require.NoError(t, d.Open(false, false))
	require.NoError(t, d.Open(false, false)) // second ref, no-op setup
	assert.Equal(t, 2, d.refCount)

	require.NoError(t, d.Close(CloseGraceful))
	assert.False(t, transport.closed, "first Close must only decrement the refcount")

	require.NoError(t, d.Close(CloseGraceful))
	assert.True(t, transport.closed)
	assert.Equal(t, DriverClosed, d.state)
}

func TestDriverCreateRequestRejectedWhenClosed(t *testing.T) {
	d, _ := newTestDriver(t)
	ref := newFixturePackageReference("driver-closed-submit", 0)

	req, err := d.CreateRequest(ref)
	require.Error(t, err)
	assert.Nil(t, req)
}

func TestDriverExecuteRunsRequestToCompletion(t *testing.T) {
	d, transport := newTestDriver(t)
	require.NoError(t, d.Open(false, false))
	defer d.Close(CloseAsap)

	ref := newFixturePackageReference("driver-execute", 0)
	req, err := d.CreateRequest(ref)
	require.NoError(t, err)
	require.NoError(t, req.AddInput("in0", newFixtureBuffer(64)))
	require.NoError(t, req.AddOutput("out0", newFixtureBuffer(64)))

	done := make(chan error, 1)
	require.NoError(t, d.Submit(req, func(_ int32, err error) { done <- err }))

	completeNext(t, d, transport)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("request never completed")
	}
}

func TestDriverParamCachingPrecedesFirstRealSubmission(t *testing.T) {
	d, transport := newTestDriver(t)
	require.NoError(t, d.Open(false, false))
	defer d.Close(CloseAsap)

	ref := newFixturePackageReference("driver-caching", 0)
	cachingExec := &registry.Executable{
		Kind:              registry.KindParameterCaching,
		Identifier:        "driver-caching#caching",
		ChipConfigTag:     "test-chip",
		BatchSize:         1,
		InstructionChunks: []registry.InstructionChunk{{Bitstream: []byte{0xBB}}},
		DmaHints:          []registry.DmaHint{{Kind: registry.HintInstruction, ChunkIndex: 0}},
	}
	ref.Pkg.ParameterCaching = cachingExec
	ref.Caching = &registry.ExecutableReference{Exec: cachingExec, ParamsHost: emptyAlignedBuffer()}

	req, err := d.CreateRequest(ref)
	require.NoError(t, err)
	require.NoError(t, req.AddInput("in0", newFixtureBuffer(64)))
	require.NoError(t, req.AddOutput("out0", newFixtureBuffer(64)))

	done := make(chan error, 1)
	require.NoError(t, d.Submit(req, func(_ int32, err error) { done <- err }))

	cachingTask := completeNext(t, d, transport) // the caching pre-request submits first
	assert.Equal(t, req.id, cachingTask.RequestID)

	mainTask := completeNext(t, d, transport)
	assert.Equal(t, req.id, mainTask.RequestID)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("request never completed")
	}
	assert.True(t, ref.Caching.ParamsLoaded)
}

func TestDriverCloseAsapCancelsActiveWork(t *testing.T) {
	d, transport := newTestDriver(t)
	require.NoError(t, d.Open(false, false))

	ref := newFixturePackageReference("driver-cancel", 0)
	req, err := d.CreateRequest(ref)
	require.NoError(t, err)
	require.NoError(t, req.AddInput("in0", newFixtureBuffer(64)))
	require.NoError(t, req.AddOutput("out0", newFixtureBuffer(64)))

	done := make(chan error, 1)
	require.NoError(t, d.Submit(req, func(_ int32, err error) { done <- err }))

	require.Eventually(t, func() bool {
		d.mu.Lock()
		defer d.mu.Unlock()
		return len(d.activeTasks) == 1
	}, time.Second, time.Millisecond, "task never reached the active set before close")

	require.NoError(t, d.Close(CloseAsap))

	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("cancelled request never completed")
	}
	assert.True(t, transport.closed)
}
