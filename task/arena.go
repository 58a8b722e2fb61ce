package task

import (
	"errors"
	"sync"
)

// ErrNoSuchTask is returned by Lookup when a TID names no live task.
var ErrNoSuchTask = errors.New("no such task")

// arena is the process-wide task table: a process-wide singleton, as called
// out in the design notes. All mutation passes through the functions below;
// no other package ever sees a raw *Task pointer held across a call boundary
// without going through Lookup/WithTask.
//
// Lock ordering (spec §5): tableLock -> sock table lock -> per-socket lock
// -> per-mutex. The task table lock is acquired before touching any
// individual Task's own mtx.
var arena = struct {
	sync.RWMutex
	tasks map[TID]*Task
	next  TID
}{tasks: make(map[TID]*Task), next: 1}

// NewTask allocates a task slot and returns its handle. If leader is true the
// new task becomes its own thread-group leader.
func NewTask(parent TID, leader bool) *Task {
	arena.Lock()
	defer arena.Unlock()
	tid := arena.next
	arena.next++

	t := &Task{
		Tid:      tid,
		State:    Ready,
		Policy:   SCHED_OTHER,
		Nice:     0,
		Timeslice: otherTimeslice(0),
		Parent:   parent,
	}
	if leader {
		t.Tgid = tid
		t.Group = NewThreadGroup(tid)
	}
	for i := range t.Rlimits {
		t.Rlimits[i] = defaultRlimits[i]
	}
	arena.tasks[tid] = t
	return t
}

// InitProcess creates tid 1: the root of the task tree, with freshly
// allocated (not cloned) Files/Fs/Signals, and enqueues it ready to run.
// Every other task in the system descends from it via Fork/Vfork/Clone.
func InitProcess(cwd string) *Task {
	t := NewTask(0, true)
	t.Files = NewFilesTable()
	t.Fs = NewFsContext(cwd, cwd)
	t.Signals = NewSignalState()
	Enqueue(t)
	return t
}

// Lookup returns the live task for tid, or ErrNoSuchTask.
func Lookup(tid TID) (*Task, error) {
	arena.RLock()
	defer arena.RUnlock()
	t, ok := arena.tasks[tid]
	if !ok {
		return nil, ErrNoSuchTask
	}
	return t, nil
}

// Remove deletes a task's slot from the arena; callers must have already
// reaped it (it is a Zombie with no remaining parent reference).
func Remove(tid TID) {
	arena.Lock()
	delete(arena.tasks, tid)
	arena.Unlock()
}

// Count returns the number of live task slots, for diagnostics/tests.
func Count() int {
	arena.RLock()
	defer arena.RUnlock()
	return len(arena.tasks)
}

// Reset clears the arena; used only by tests to get a clean global state
// between cases, mirroring how muxer_test.go rebuilds a fresh muxer per test.
func Reset() {
	arena.Lock()
	arena.tasks = make(map[TID]*Task)
	arena.next = 1
	arena.Unlock()
	resetScheduler()
}
