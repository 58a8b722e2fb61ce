package task

import (
	"container/list"
	"errors"
	"sync"
	"time"
)

// Scheduler errors, returned by block_task and friends (spec §4.A, §7).
var (
	ErrInterrupted = errors.New("interrupted")
	ErrWouldBlock  = errors.New("would block")
)

const (
	// kernelHousekeepingPriority is the FIFO ceiling used by the tick
	// walker and other kernel housekeeping tasks (spec §4.A).
	kernelHousekeepingPriority = 99
	fifoMaxPriority            = 99
	rrMaxPriority              = 49
)

// class is the internal three-way scheduling class used to pick a queue.
type class int

const (
	classFIFO class = iota
	classRR
	classOther
)

func (t *Task) class() class {
	switch t.Policy {
	case SCHED_FIFO:
		return classFIFO
	case SCHED_RR:
		return classRR
	default:
		return classOther
	}
}

// otherTimeslice implements spec §4.A's "2 + nice/8 ticks" rule.
func otherTimeslice(nice int) int {
	ts := 2 + nice/8
	if ts < 1 {
		ts = 1
	}
	return ts
}

// priorityQueue is one priority level's circular run list, the Go
// equivalent of the spec's sentinel-headed doubly linked list; a
// container/list.List already behaves that way.
type priorityQueue struct {
	l *list.List // of TID
}

func newPriorityQueue() *priorityQueue { return &priorityQueue{l: list.New()} }

// scheduler is the process-wide singleton described in design note 9.
type scheduler struct {
	mtx sync.Mutex

	fifoQ [fifoMaxPriority + 1]*priorityQueue
	rrQ   [rrMaxPriority + 1]*priorityQueue
	otherQ *priorityQueue

	fifoHasReady, rrHasReady, otherHasReady bool

	current TID

	// waiters maps an opaque wait channel to the tasks blocked on it.
	waiters map[interface{}][]TID

	preemptDisable int
}

var sched = newScheduler()

func newScheduler() *scheduler {
	s := &scheduler{otherQ: newPriorityQueue(), waiters: make(map[interface{}][]TID)}
	for i := range s.fifoQ {
		s.fifoQ[i] = newPriorityQueue()
	}
	for i := range s.rrQ {
		s.rrQ[i] = newPriorityQueue()
	}
	return s
}

func resetScheduler() {
	sched = newScheduler()
}

// LockScheduler enters an interrupt-safe critical section with preemption
// disabled (spec §4.A). The caller must not sleep while holding it.
func LockScheduler() {
	sched.mtx.Lock()
	sched.preemptDisable++
}

// UnlockScheduler leaves the critical section entered by LockScheduler.
func UnlockScheduler() {
	sched.preemptDisable--
	sched.mtx.Unlock()
}

func (s *scheduler) queueFor(t *Task) (*priorityQueue, int) {
	switch t.class() {
	case classFIFO:
		p := clamp(t.Priority, 0, fifoMaxPriority)
		return s.fifoQ[p], p
	case classRR:
		p := clamp(t.Priority, 0, rrMaxPriority)
		return s.rrQ[p], p
	default:
		return s.otherQ, 0
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Enqueue places t at the tail of its class/priority queue and marks it Ready.
func Enqueue(t *Task) {
	LockScheduler()
	defer UnlockScheduler()
	enqueueLocked(t)
}

func enqueueLocked(t *Task) {
	t.State = Ready
	q, _ := sched.queueFor(t)
	q.l.PushBack(t.Tid)
	switch t.class() {
	case classFIFO:
		sched.fifoHasReady = true
	case classRR:
		sched.rrHasReady = true
	default:
		sched.otherHasReady = true
	}
}

// dequeueHighest removes and returns the TID at the front of the
// highest-occupied priority level, FIFO-class levels outranking RR
// outranking OTHER, as spec §4.A requires.
func dequeueHighest() (TID, bool) {
	for p := fifoMaxPriority; p >= 0; p-- {
		if e := sched.fifoQ[p].l.Front(); e != nil {
			sched.fifoQ[p].l.Remove(e)
			return e.Value.(TID), true
		}
	}
	sched.fifoHasReady = false
	for p := rrMaxPriority; p >= 0; p-- {
		if e := sched.rrQ[p].l.Front(); e != nil {
			sched.rrQ[p].l.Remove(e)
			return e.Value.(TID), true
		}
	}
	sched.rrHasReady = false
	if e := sched.otherQ.l.Front(); e != nil {
		sched.otherQ.l.Remove(e)
		return e.Value.(TID), true
	}
	sched.otherHasReady = false
	return 0, false
}

// PickNext removes and returns the next task to run, setting it Running and
// recording it as current. Returns false if every queue is empty.
func PickNext() (*Task, bool) {
	LockScheduler()
	defer UnlockScheduler()
	tid, ok := dequeueHighest()
	if !ok {
		return nil, false
	}
	t, err := Lookup(tid)
	if err != nil {
		return nil, false
	}
	t.mtx.Lock()
	t.State = Running
	switch t.class() {
	case classFIFO:
		t.TimeLeft = 0 // FIFO runs until it blocks or yields; TimeLeft is unused
	case classRR:
		if t.TimeLeft <= 0 {
			t.TimeLeft = t.Timeslice
		}
	default:
		t.TimeLeft = otherTimeslice(t.Nice)
	}
	t.mtx.Unlock()
	sched.current = tid
	return t, true
}

// Tick simulates one timer interrupt: the current task's TimeLeft
// decrements; at zero it is requeued at the tail of its queue (spec §4.A).
// Returns true if the current task was requeued (a reschedule is due).
func Tick() bool {
	LockScheduler()
	defer UnlockScheduler()
	if sched.current == 0 {
		return false
	}
	t, err := Lookup(sched.current)
	if err != nil {
		return false
	}
	t.mtx.Lock()
	defer t.mtx.Unlock()
	if t.class() == classFIFO {
		return false // FIFO tasks never lose the CPU on tick alone
	}
	t.TimeLeft--
	if t.TimeLeft <= 0 {
		enqueueLocked(t)
		sched.current = 0
		return true
	}
	return false
}

// Yield implements sched_yield (spec §4.A): FIFO/RR tasks go to the tail of
// their queue; OTHER is a no-op that still triggers a reschedule point.
func Yield(t *Task) {
	LockScheduler()
	defer UnlockScheduler()
	if t.class() == classOther {
		return
	}
	enqueueLocked(t)
	if sched.current == t.Tid {
		sched.current = 0
	}
}

// ElevatePriority boosts a kernel housekeeping task to the FIFO ceiling, the
// kernel_task_elevate_priority hook of spec §4.A.
func ElevatePriority(t *Task) {
	t.mtx.Lock()
	t.Policy = SCHED_FIFO
	t.Priority = kernelHousekeepingPriority
	t.mtx.Unlock()
}

// BoostForMutex implements the priority-inversion mitigation: if holder's
// effective priority is lower than waiter's, bump holder up to match while
// it holds the contended mutex.
func BoostForMutex(holder, waiter *Task) {
	holder.mtx.Lock()
	waiter.mtx.Lock()
	if effectivePriority(holder) < effectivePriority(waiter) {
		holder.Priority = waiter.Priority
		holder.Policy = waiter.Policy
	}
	waiter.mtx.Unlock()
	holder.mtx.Unlock()
}

func effectivePriority(t *Task) int {
	switch t.Policy {
	case SCHED_FIFO:
		return 200 + t.Priority
	case SCHED_RR:
		return 100 + t.Priority
	default:
		return -t.Nice
	}
}

// BlockTask removes t from the ready queue, links it on channel's waiters
// list, marks it Sleeping, and blocks the calling goroutine until woken by
// Unblock(channel) (or, if interruptible, by a pending signal). It returns
// nil on normal wake or ErrInterrupted.
func BlockTask(t *Task, channel interface{}, interruptible bool) error {
	return blockTaskTimeout(t, channel, interruptible, 0)
}

// BlockTask2 additionally returns ErrWouldBlock if no wakeup arrives before
// timeout elapses (spec §4.A / §5's block_task2).
func BlockTask2(t *Task, channel interface{}, timeout time.Duration) error {
	return blockTaskTimeout(t, channel, true, timeout)
}

func blockTaskTimeout(t *Task, channel interface{}, interruptible bool, timeout time.Duration) error {
	wake := make(chan struct{}, 1)
	t.mtx.Lock()
	t.State = Sleeping
	t.WaitChannel = channel
	t.wakeCh = wake
	t.mtx.Unlock()

	LockScheduler()
	sched.waiters[channel] = append(sched.waiters[channel], t.Tid)
	if sched.current == t.Tid {
		sched.current = 0
	}
	UnlockScheduler()

	var timer *time.Timer
	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer = time.NewTimer(timeout)
		timeoutCh = timer.C
	}

	var sigCh <-chan struct{}
	if interruptible {
		sigCh = t.signalWakeCh()
	}

	select {
	case <-wake:
		if timer != nil {
			timer.Stop()
		}
		t.mtx.Lock()
		t.State = Running
		t.WaitChannel = nil
		t.wakeCh = nil
		t.mtx.Unlock()
		Enqueue(t)
		return nil
	case <-sigCh:
		removeWaiter(channel, t.Tid)
		t.mtx.Lock()
		t.State = Running
		t.WaitChannel = nil
		t.wakeCh = nil
		t.mtx.Unlock()
		Enqueue(t)
		return ErrInterrupted
	case <-timeoutCh:
		removeWaiter(channel, t.Tid)
		t.mtx.Lock()
		t.State = Running
		t.WaitChannel = nil
		t.wakeCh = nil
		t.mtx.Unlock()
		Enqueue(t)
		return ErrWouldBlock
	}
}

func removeWaiter(channel interface{}, tid TID) {
	LockScheduler()
	defer UnlockScheduler()
	lst := sched.waiters[channel]
	for i, x := range lst {
		if x == tid {
			sched.waiters[channel] = append(lst[:i], lst[i+1:]...)
			break
		}
	}
}

// Unblock wakes every task recorded on channel (spec §4.A's unblock(channel)).
func Unblock(channel interface{}) {
	LockScheduler()
	tids := sched.waiters[channel]
	delete(sched.waiters, channel)
	UnlockScheduler()

	for _, tid := range tids {
		t, err := Lookup(tid)
		if err != nil {
			continue
		}
		t.mtx.Lock()
		wc := t.wakeCh
		t.mtx.Unlock()
		if wc != nil {
			select {
			case wc <- struct{}{}:
			default:
			}
		}
	}
}
