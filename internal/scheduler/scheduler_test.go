package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tpudrv/tpudrv/internal/buffer"
)

func newTestTask(s *Scheduler, id int32, kinds ...Kind) *Task {
	dmas := make([]*Info, len(kinds))
	for i, k := range kinds {
		dmas[i] = s.AllocateDma(k, buffer.DeviceBuffer{})
	}
	return &Task{RequestID: id, Dmas: dmas}
}

func TestSubmitArmsWatchdogOnlyWhenActiveWasEmpty(t *testing.T) {
	s := New(time.Hour, nil)
	task := newTestTask(s, 1, KindInstruction, KindGlobalFence)

	assert.False(t, s.WatchdogArmed())
	s.Enqueue(task)
	require.NoError(t, s.Submit(task))
	assert.True(t, s.WatchdogArmed())
	assert.Equal(t, 1, s.ActiveCount())
}

func TestNotifyRequestCompletionDisarmsWatchdogWhenEmpty(t *testing.T) {
	s := New(time.Hour, nil)
	task := newTestTask(s, 1, KindInstruction, KindGlobalFence)
	s.Enqueue(task)
	require.NoError(t, s.Submit(task))

	for _, d := range task.Dmas {
		d.State = Active
	}
	for _, d := range task.Dmas {
		require.NoError(t, s.NotifyDmaCompletion(d.ID))
	}

	completed, err := s.NotifyRequestCompletion()
	require.NoError(t, err)
	assert.Equal(t, task, completed)
	assert.Equal(t, 0, s.ActiveCount())
	assert.False(t, s.WatchdogArmed())
}

func TestSubmitLeavesDmasPendingUntilIssued(t *testing.T) {
	s := New(0, nil)
	task := newTestTask(s, 1, KindInputActivation, KindInstruction)
	s.Enqueue(task)
	require.NoError(t, s.Submit(task))

	for _, d := range task.Dmas {
		assert.Equal(t, Pending, d.State, "dma must stay Pending until GetNextDma issues it")
	}

	err := s.NotifyDmaCompletion(task.Dmas[1].ID)
	require.Error(t, err, "a dma never issued via GetNextDma must not be completable")
	assert.Equal(t, Pending, task.Dmas[1].State)

	d0, ok := s.GetNextDma()
	require.True(t, ok)
	assert.Equal(t, Active, d0.State)
	assert.Equal(t, Pending, task.Dmas[1].State, "issuing the first dma must not affect the second")
}

func TestGetNextDmaRespectsLocalFence(t *testing.T) {
	s := New(0, nil)
	task := newTestTask(s, 1, KindInputActivation, KindLocalFence, KindInstruction)
	s.Enqueue(task)
	require.NoError(t, s.Submit(task))

	d1, ok := s.GetNextDma()
	require.True(t, ok)
	assert.Equal(t, KindInputActivation, d1.Kind)

	// The local fence blocks the instruction behind it until d1 completes.
	_, ok = s.GetNextDma()
	assert.False(t, ok, "local fence must block until its predecessor completes")

	require.NoError(t, s.NotifyDmaCompletion(d1.ID))

	d3, ok := s.GetNextDma()
	require.True(t, ok)
	assert.Equal(t, KindInstruction, d3.Kind)
}

func TestGetNextDmaRespectsGlobalFenceAcrossTasks(t *testing.T) {
	s := New(0, nil)
	taskA := newTestTask(s, 1, KindInstruction, KindGlobalFence)
	taskB := newTestTask(s, 2, KindInstruction, KindGlobalFence)
	s.Enqueue(taskA)
	require.NoError(t, s.Submit(taskA))
	s.Enqueue(taskB)
	require.NoError(t, s.Submit(taskB))

	dA, ok := s.GetNextDma()
	require.True(t, ok)
	assert.Equal(t, KindInstruction, dA.Kind)

	// taskB is not yet the active-queue head, so nothing of its is
	// issuable until taskA is popped off by NotifyRequestCompletion.
	_, ok = s.GetNextDma()
	assert.False(t, ok)

	require.NoError(t, s.NotifyDmaCompletion(dA.ID))
	_, err := s.NotifyRequestCompletion()
	require.NoError(t, err)

	dB, ok := s.GetNextDma()
	require.True(t, ok)
	assert.Equal(t, KindInstruction, dB.Kind)
}

func TestCancelPendingInvokesCallbackForEachTask(t *testing.T) {
	s := New(0, nil)
	taskA := newTestTask(s, 1, KindInstruction)
	taskB := newTestTask(s, 2, KindInstruction)
	s.Enqueue(taskA)
	s.Enqueue(taskB)

	var cancelled []int32
	s.CancelPending(func(task *Task) { cancelled = append(cancelled, task.RequestID) })

	assert.Equal(t, []int32{1, 2}, cancelled)
	require.Error(t, s.Submit(taskA), "pending queue must be empty after cancel")
}

func TestWatchdogFiresAndCallsOnExpired(t *testing.T) {
	fired := make(chan *Task, 1)
	s := New(10*time.Millisecond, func(oldest *Task) { fired <- oldest })

	task := newTestTask(s, 1, KindInstruction, KindGlobalFence)
	s.Enqueue(task)
	require.NoError(t, s.Submit(task))

	select {
	case oldest := <-fired:
		assert.Equal(t, task, oldest)
	case <-time.After(time.Second):
		t.Fatal("watchdog did not fire")
	}
}

func TestCloseCancelsEverythingExactlyOnce(t *testing.T) {
	s := New(time.Hour, nil)
	taskA := newTestTask(s, 1, KindInstruction, KindGlobalFence)
	taskB := newTestTask(s, 2, KindInstruction, KindGlobalFence)
	s.Enqueue(taskA)
	require.NoError(t, s.Submit(taskA))
	s.Enqueue(taskB)

	var cancelled []int32
	s.Close(func(task *Task) { cancelled = append(cancelled, task.RequestID) })

	assert.ElementsMatch(t, []int32{1, 2}, cancelled)
	assert.False(t, s.WatchdogArmed())

	// Calling Close twice must not invoke the callback again.
	s.Close(func(task *Task) { t.Fatal("onCancel must not run after a prior Close") })
}
