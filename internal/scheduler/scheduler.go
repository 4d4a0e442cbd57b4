package scheduler

import (
	"sync"
	"time"

	tpuerr "github.com/tpudrv/tpudrv/internal/tpuerr"
	"github.com/tpudrv/tpudrv/internal/buffer"
	"github.com/tpudrv/tpudrv/internal/logging"
)

// WatchdogExpiredFunc is invoked (without the scheduler's mutex held) when
// the watchdog fires. oldest is the execution context the scheduler
// recorded as the oldest still-active task, for telemetry (spec.md §4.7
// "Watchdog firing ⇒ driver records telemetry for the oldest active
// request's execution context then issues a hard close + reopen").
type WatchdogExpiredFunc func(oldest *Task)

// Scheduler is C7: the single-queue DMA scheduler. It owns pending,
// active, and completed task queues and arms/disarms a watchdog timer
// whenever the active queue transitions to/from empty.
type Scheduler struct {
	mu sync.Mutex

	pending   []*Task
	active    []*Task
	completed []*Task

	arena     map[int]*Info
	nextDmaID int

	watchdogTimeout time.Duration
	watchdogTimer   *time.Timer
	onExpired       WatchdogExpiredFunc

	closed bool
	logger *logging.Logger
}

// New builds a Scheduler. A zero watchdogTimeout disables the watchdog
// entirely (used by test harnesses that drive completion manually).
func New(watchdogTimeout time.Duration, onExpired WatchdogExpiredFunc) *Scheduler {
	return &Scheduler{
		arena:           make(map[int]*Info),
		watchdogTimeout: watchdogTimeout,
		onExpired:       onExpired,
		logger:          logging.Default(),
	}
}

// AllocateDma mints a fresh Info with a scheduler-unique id. Building a
// Task's Dmas through this method (rather than constructing Info values
// directly) is what makes ids stable arena keys once the task is
// enqueued.
func (s *Scheduler) AllocateDma(kind Kind, buf buffer.DeviceBuffer) *Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextDmaID++
	return &Info{ID: s.nextDmaID, Kind: kind, Buffer: buf, State: Pending}
}

// Enqueue appends task to the pending queue.
func (s *Scheduler) Enqueue(task *Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range task.Dmas {
		s.arena[d.ID] = d
	}
	s.pending = append(s.pending, task)
}

// Submit promotes task from the front of the pending queue to active,
// arming the watchdog if active was empty (spec.md §4.7). task must be
// the current pending head; returns FailedPrecondition otherwise.
func (s *Scheduler) Submit(task *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.pending) == 0 || s.pending[0] != task {
		return tpuerr.NewError("scheduler.Submit", tpuerr.CodeFailedPrecondition, "task is not the pending queue head")
	}
	s.pending = s.pending[1:]

	wasEmpty := len(s.active) == 0
	s.active = append(s.active, task)
	// Dmas stay Pending until GetNextDma actually issues each one (or
	// headDmaLocked resolves a fence past it); flipping them all to Active
	// here would let NotifyDmaCompletion's "only while Active" guard
	// (spec.md §8 invariant 2) be satisfied for a dma that was never
	// issued.
	if wasEmpty {
		s.armWatchdogLocked()
	}
	return nil
}

// PeekNextDma returns the kind of the head-of-queue DMA that would be
// returned by GetNextDma, or KindLocalFence when there is none (spec.md
// §4.7).
func (s *Scheduler) PeekNextDma() Kind {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.headDmaLocked()
	if d == nil {
		return KindLocalFence
	}
	return d.Kind
}

// GetNextDma advances the active-task cursor and returns the next DMA
// whose predecessor is complete and whose fences are clear. A LocalFence
// blocks (returns false) until every earlier DMA in the same task has
// completed; a GlobalFence blocks until every earlier task has completed.
// Returns (nil, false) when nothing is currently issuable.
func (s *Scheduler) GetNextDma() (*Info, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d := s.headDmaLocked()
	if d == nil {
		return nil, false
	}
	if d.Kind == KindLocalFence || d.Kind == KindGlobalFence {
		return nil, false
	}

	task := s.active[0]
	task.cursor++
	d.State = Active
	return d, true
}

// headDmaLocked returns the next not-yet-issued DMA of the oldest active
// task, consuming fence markers as it goes (a fence that has nothing
// blocking it is simply skipped past, since the ordering it enforces is
// already satisfied by FIFO issue order within one task).
func (s *Scheduler) headDmaLocked() *Info {
	if len(s.active) == 0 {
		return nil
	}
	task := s.active[0]
	for {
		d := task.nextUnresolved()
		if d == nil {
			return nil
		}
		if d.Kind == KindGlobalFence {
			if !s.allEarlierTasksCompletedLocked(task) {
				return d // blocks: caller sees KindGlobalFence via Peek, nil via Get
			}
			d.State = Completed
			task.cursor++
			continue
		}
		if d.Kind == KindLocalFence {
			if !task.allCompletedUpTo(task.cursor) {
				return d
			}
			d.State = Completed
			task.cursor++
			continue
		}
		return d
	}
}

func (s *Scheduler) allEarlierTasksCompletedLocked(task *Task) bool {
	for _, other := range s.active {
		if other == task {
			return true
		}
		if !other.allCompleted() {
			return false
		}
	}
	return true
}

// NotifyDmaCompletion marks the DMA identified by id as Completed. It is
// an error to call this for a DMA that is not currently Active (spec.md
// §8 invariant 2: "at most once and only while state is Active").
func (s *Scheduler) NotifyDmaCompletion(id int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.arena[id]
	if !ok {
		return tpuerr.NewError("scheduler.NotifyDmaCompletion", tpuerr.CodeNotFound, "unknown dma id")
	}
	if d.State != Active {
		return tpuerr.NewError("scheduler.NotifyDmaCompletion", tpuerr.CodeFailedPrecondition, "dma is not active")
	}
	d.State = Completed
	return nil
}

// NotifyRequestCompletion advances the head active task to completed,
// disarming the watchdog once the active queue empties.
func (s *Scheduler) NotifyRequestCompletion() (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.active) == 0 {
		return nil, tpuerr.NewError("scheduler.NotifyRequestCompletion", tpuerr.CodeFailedPrecondition, "no active task")
	}
	task := s.active[0]
	s.active = s.active[1:]
	s.completed = append(s.completed, task)
	for _, d := range task.Dmas {
		s.delete(d.ID)
	}
	if len(s.active) == 0 {
		s.disarmWatchdogLocked()
	}
	return task, nil
}

func (s *Scheduler) delete(id int) { delete(s.arena, id) }

// CancelPending drains the pending queue, invoking onCancel for each task
// removed (spec.md §5 "pending sub-requests transition directly to
// Done(Cancelled)").
func (s *Scheduler) CancelPending(onCancel func(*Task)) {
	s.mu.Lock()
	drained := s.pending
	s.pending = nil
	s.mu.Unlock()

	for _, t := range drained {
		if onCancel != nil {
			onCancel(t)
		}
	}
}

// ActiveCount reports how many tasks are currently active, used by tests
// to assert the watchdog/active-queue invariant (spec.md §8 invariant 3).
func (s *Scheduler) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// WatchdogArmed reports whether the watchdog timer is currently running.
func (s *Scheduler) WatchdogArmed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.watchdogTimer != nil
}

func (s *Scheduler) armWatchdogLocked() {
	if s.watchdogTimeout <= 0 {
		return
	}
	oldest := s.active[0]
	s.watchdogTimer = time.AfterFunc(s.watchdogTimeout, func() {
		s.logger.Warn("dma scheduler watchdog expired")
		if s.onExpired != nil {
			s.onExpired(oldest)
		}
	})
}

func (s *Scheduler) disarmWatchdogLocked() {
	if s.watchdogTimer != nil {
		s.watchdogTimer.Stop()
		s.watchdogTimer = nil
	}
}

// Close tears the scheduler down: disarms the watchdog and cancels every
// pending and active task through onCancel, mirroring Close(Asap)'s
// "drops active queues; every pending completion resolved exactly once"
// contract (spec.md §5). Safe to call more than once.
func (s *Scheduler) Close(onCancel func(*Task)) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.disarmWatchdogLocked()
	drained := append(s.pending, s.active...)
	s.pending = nil
	s.active = nil
	s.arena = make(map[int]*Info)
	s.mu.Unlock()

	for _, t := range drained {
		if onCancel != nil {
			onCancel(t)
		}
	}
}

// allCompletedUpTo reports whether every Dma strictly before idx in the
// task has reached a terminal state.
func (t *Task) allCompletedUpTo(idx int) bool {
	for i := 0; i < idx && i < len(t.Dmas); i++ {
		d := t.Dmas[i]
		if d.State != Completed && d.State != Error {
			return false
		}
	}
	return true
}
