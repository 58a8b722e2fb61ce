package task

import (
	"sync"
	"time"
)

// itimerEntry is one node of the tick-driven delta queue backing
// ITIMER_REAL/setitimer and alarm(2) (spec §4.D). The queue is sorted by
// absolute deadline but stored as successor-relative deltas so that a
// single tick only ever touches the head.
type itimerEntry struct {
	owner    TID
	delta    int // ticks until this timer fires, relative to the previous entry
	interval int // ticks to re-arm with if periodic; 0 disarms after firing
	next     *itimerEntry
}

var realTimerQueue = struct {
	sync.Mutex
	head *itimerEntry
}{}

// SetITimerReal arms (or disarms, if ticks==0) the calling task's
// ITIMER_REAL/SIGALRM timer, inserting it into the shared delta queue at
// the position its deadline sorts to and rewriting successor deltas.
func (t *Task) SetITimerReal(ticks, intervalTicks int) (remaining int) {
	realTimerQueue.Lock()
	defer realTimerQueue.Unlock()

	remaining = removeFromDeltaQueueLocked(t.Tid)
	t.ItimerReal = nil
	if ticks <= 0 {
		return
	}
	e := &itimerEntry{owner: t.Tid, interval: intervalTicks}
	insertDeltaQueueLocked(e, ticks)
	t.ItimerReal = e
	return
}

// GetITimerReal reads back the remaining delta without disarming
// (SPEC_FULL supplemented feature 2, getitimer).
func (t *Task) GetITimerReal() int {
	realTimerQueue.Lock()
	defer realTimerQueue.Unlock()
	return remainingForLocked(t.Tid)
}

func remainingForLocked(owner TID) int {
	acc := 0
	for e := realTimerQueue.head; e != nil; e = e.next {
		acc += e.delta
		if e.owner == owner {
			return acc
		}
	}
	return 0
}

func insertDeltaQueueLocked(e *itimerEntry, ticks int) {
	var prev *itimerEntry
	cur := realTimerQueue.head
	remaining := ticks
	for cur != nil && remaining > cur.delta {
		remaining -= cur.delta
		prev = cur
		cur = cur.next
	}
	e.delta = remaining
	e.next = cur
	if cur != nil {
		cur.delta -= remaining
	}
	if prev == nil {
		realTimerQueue.head = e
	} else {
		prev.next = e
	}
}

func removeFromDeltaQueueLocked(owner TID) (remaining int) {
	var prev *itimerEntry
	acc := 0
	for cur := realTimerQueue.head; cur != nil; cur = cur.next {
		acc += cur.delta
		if cur.owner == owner {
			remaining = acc
			if cur.next != nil {
				cur.next.delta += cur.delta
			}
			if prev == nil {
				realTimerQueue.head = cur.next
			} else {
				prev.next = cur.next
			}
			return
		}
		prev = cur
	}
	return 0
}

// TickRealTimers decrements the delta queue's head by one tick (the
// per-tick timer interrupt of spec §4.D); every timer that becomes due
// fires SIGALRM at its owner and, if periodic, is reinserted.
func TickRealTimers() {
	realTimerQueue.Lock()
	if realTimerQueue.head == nil {
		realTimerQueue.Unlock()
		return
	}
	realTimerQueue.head.delta--
	var due []*itimerEntry
	for realTimerQueue.head != nil && realTimerQueue.head.delta <= 0 {
		e := realTimerQueue.head
		realTimerQueue.head = e.next
		due = append(due, e)
	}
	for _, e := range due {
		if e.interval > 0 {
			insertDeltaQueueLocked(&itimerEntry{owner: e.owner, interval: e.interval}, e.interval)
		}
	}
	realTimerQueue.Unlock()

	for _, e := range due {
		if t, err := Lookup(e.owner); err == nil {
			t.AddSignal(SIGALRM, SigInfo{Sig: SIGALRM}, false)
		}
	}
}

// TickVirtualTimers decrements ITIMER_VIRTUAL for the task currently
// running in user mode, and ITIMER_PROF for every running task, delivering
// SIGVTALRM/SIGPROF on expiry (spec §4.D).
func (t *Task) TickVirtualTimers(userMode bool) {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	if userMode && t.ItimerVirt.value > 0 {
		t.ItimerVirt.value -= time.Second / ticksPerSecond
		if t.ItimerVirt.value <= 0 {
			t.ItimerVirt.value = t.ItimerVirt.interval
			go t.AddSignal(SIGVTALRM, SigInfo{Sig: SIGVTALRM}, false)
		}
	}
	if t.ItimerProf.value > 0 {
		t.ItimerProf.value -= time.Second / ticksPerSecond
		if t.ItimerProf.value <= 0 {
			t.ItimerProf.value = t.ItimerProf.interval
			go t.AddSignal(SIGPROF, SigInfo{Sig: SIGPROF}, false)
		}
	}
}

const ticksPerSecond = 100

// PosixTimer is a per-process POSIX timer_create(2) handle (spec §4.D).
type PosixTimer struct {
	ID       int
	Interval time.Duration
	Expiry   time.Duration
	Armed    bool
}

// ClockNanosleep blocks the thread for d, honoring TIMER_ABSTIME semantics
// at the caller (d is always relative here); if a signal interrupts the
// sleep, it returns ErrInterrupted and remaining is the unslept duration
// unless absolute is set, per spec §4.D.
func ClockNanosleep(t *Task, d time.Duration, absolute bool) (remaining time.Duration, err error) {
	start := time.Now()
	ch := make(chan struct{})
	err = BlockTask2(t, ch, d)
	elapsed := time.Since(start)
	if err == ErrWouldBlock {
		return 0, nil // normal expiry
	}
	if err == ErrInterrupted {
		remaining = d - elapsed
		if remaining < 0 {
			remaining = 0
		}
		if absolute {
			remaining = 0
		}
		return remaining, ErrInterrupted
	}
	return 0, err
}
