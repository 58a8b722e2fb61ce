package task

import (
	"fmt"
	"runtime"
	"sync/atomic"
)

const maxSpinIterations = 1000

// Mutex is the kernel's test-and-set lock with holder bookkeeping and
// acquisition-site diagnostics (spec §3.3, §4.B). It is non-recursive by
// default; RecursiveCount is debug bookkeeping only, never a fast path.
type Mutex struct {
	lock           int32
	holder         *Task
	RecursiveCount int
	FromFunc       string
	FromLine       int
}

func NewMutex() *Mutex { return &Mutex{} }

// TryLock attempts a single compare-and-swap, returning 0 on success and 1
// on contention, matching the C-flavored return convention of spec §4.B.
func (m *Mutex) TryLock(t *Task, fromFunc string, fromLine int) int {
	if atomic.CompareAndSwapInt32(&m.lock, 0, 1) {
		m.holder = t
		m.FromFunc = fromFunc
		m.FromLine = fromLine
		t.lockHeld = append(t.lockHeld, m)
		return 0
	}
	return 1
}

// Lock spins up to maxSpinIterations, rescheduling between attempts via
// Yield, then falls back to blocking on the mutex itself as a wait
// channel. A task that already holds m panics, naming the offending
// holder (spec §4.B, §5's "no-reentrancy on mutex").
func (m *Mutex) Lock(t *Task, fromFunc string, fromLine int) {
	if m.holder == t {
		panic(fmt.Sprintf("task locked itself: tid=%d mutex acquired at %s:%d", t.Tid, m.FromFunc, m.FromLine))
	}
	for i := 0; i < maxSpinIterations; i++ {
		if m.TryLock(t, fromFunc, fromLine) == 0 {
			return
		}
		if h := m.holder; h != nil {
			BoostForMutex(h, t)
		}
		Yield(t)
		runtime.Gosched()
	}
	for m.TryLock(t, fromFunc, fromLine) != 0 {
		BlockTask(t, mutexChannel(m), false)
	}
}

func mutexChannel(m *Mutex) interface{} { return m }

// Unlock clears holder then releases with an atomic store; the window
// between clearing bookkeeping and the atomic release is where spec §4.B
// says interrupts would be disabled on real hardware.
func (m *Mutex) Unlock(t *Task) {
	if m.holder != t {
		panic(fmt.Sprintf("task %d released mutex it does not hold", t.Tid))
	}
	m.holder = nil
	m.FromFunc = ""
	m.FromLine = 0
	for i, h := range t.lockHeld {
		if h == m {
			t.lockHeld = append(t.lockHeld[:i], t.lockHeld[i+1:]...)
			break
		}
	}
	atomic.StoreInt32(&m.lock, 0)
	Unblock(mutexChannel(m))
}

// Held reports whether the scheduler should see t as currently holding any
// mutex (spec §3.3's lock_held).
func (t *Task) Held() bool {
	return len(t.lockHeld) > 0
}
