package task

import "sync"

// Clone flags controlling which sub-objects a new thread shares with its
// parent (spec §4.E).
const (
	CLONE_FILES = 1 << iota
	CLONE_FS
	CLONE_SIGHAND
	CLONE_THREAD
	CLONE_VM
)

// vforkWaits maps a vfork parent's tid to the channel it blocks on until
// the child execs or exits.
var vforkWaits = struct {
	sync.Mutex
	m map[TID]chan struct{}
}{m: make(map[TID]chan struct{})}

// doCreateChild is the shared core of fork/vfork/clone: allocate a task
// slot, copy or share each sub-object according to flags, reset the
// per-task state that always starts clean (spec §4.E invariants).
func doCreateChild(parent *Task, flags int, newGroup bool) *Task {
	child := NewTask(parent.Tid, newGroup)

	child.Creds = parent.Creds
	child.Policy = parent.Policy
	child.Priority = parent.Priority
	child.Nice = parent.Nice

	if flags&CLONE_FILES != 0 {
		child.Files = parent.Files.Clone(true)
	} else {
		child.Files = parent.Files.Clone(false)
	}
	if flags&CLONE_FS != 0 {
		child.Fs = parent.Fs.Clone(true)
	} else {
		child.Fs = parent.Fs.Clone(false)
	}
	if flags&CLONE_SIGHAND != 0 {
		child.Signals = parent.Signals.Clone(true)
	} else {
		child.Signals = parent.Signals.Clone(false)
	}

	if flags&CLONE_THREAD != 0 && parent.Group != nil {
		child.Tgid = parent.Tgid
		child.Group = parent.Group
		child.Group.Get()
		child.Group.addThread(child.Tid)
	}

	// times, pending signals, and interval timers always start at zero.
	child.UserTicks, child.SysTicks = 0, 0
	child.ItimerReal = nil

	LockScheduler()
	parent.mtx.Lock()
	if parent.FirstChild == 0 {
		parent.FirstChild = child.Tid
	} else {
		// link at head of sibling list; order among children is not
		// spec-significant.
		child.NextSibling = parent.FirstChild
		parent.FirstChild = child.Tid
	}
	parent.mtx.Unlock()
	UnlockScheduler()

	Enqueue(child)
	return child
}

// Fork duplicates the parent's address space copy-on-write (modeled here as
// a deep copy of every sub-object not explicitly shared) and creates a new
// thread-group leader.
func Fork(parent *Task) *Task {
	child := doCreateChild(parent, 0, true)
	parent.NotifyEvent(StopEventFork, int64(child.Tid))
	return child
}

// Vfork shares the parent's memory and blocks the parent until the child
// calls VforkDone (on exec or exit), per spec §4.E.
func Vfork(parent *Task) *Task {
	child := doCreateChild(parent, CLONE_VM, true)
	ch := make(chan struct{})
	vforkWaits.Lock()
	vforkWaits.m[parent.Tid] = ch
	vforkWaits.Unlock()
	parent.NotifyEvent(StopEventVfork, int64(child.Tid))
	BlockTask(parent, ch, false)
	return child
}

// VforkDone releases a vfork parent blocked on t's exec/exit.
func VforkDone(t *Task) {
	vforkWaits.Lock()
	ch, ok := vforkWaits.m[t.Parent]
	delete(vforkWaits.m, t.Parent)
	vforkWaits.Unlock()
	if ok {
		Unblock(ch)
	}
}

// Clone shares files/fs/signals/thread-group per flags and creates a new
// thread; stack is caller-supplied and not modeled here (exec/stack setup
// is explicitly out of scope, spec §1 Non-goals).
func Clone(parent *Task, flags int) *Task {
	child := doCreateChild(parent, flags, flags&CLONE_THREAD == 0)
	parent.NotifyEvent(StopEventClone, int64(child.Tid))
	return child
}

// ExitGroup implements exit_group(2): marks the thread group exiting and
// sends SIGKILL to every other thread in it; the leader is reaped once the
// last non-exiting thread has become a Zombie (spec §4.E).
func ExitGroup(t *Task, status int) {
	g := t.Group
	if g == nil {
		Exit(t, status)
		return
	}
	g.mtx.Lock()
	g.Exiting = true
	threads := append([]TID(nil), g.Threads...)
	g.mtx.Unlock()

	for _, tid := range threads {
		if tid == t.Tid {
			continue
		}
		if other, err := Lookup(tid); err == nil {
			other.AddSignal(SIGKILL, SigInfo{Sig: SIGKILL, Sender: t.Tid}, true)
		}
	}
	Exit(t, status)
}

// Exit transitions t to Zombie, recording status, and wakes anything
// waiting on its parent's wait channel. Its children are re-parented to
// its own parent (classic reparenting-to-ancestor behavior).
func Exit(t *Task, status int) {
	t.mtx.Lock()
	t.State = Zombie
	t.ExitStatus = status
	parent := t.Parent
	t.mtx.Unlock()

	VforkDone(t)
	t.NotifyEvent(StopEventExit, int64(status))

	reparentChildren(t)

	if p, err := Lookup(parent); err == nil {
		p.AddSignal(SIGCHLD, SigInfo{Sig: SIGCHLD, Sender: t.Tid, Status: status}, false)
		Unblock(waitChannel(parent))
	}
}

func reparentChildren(t *Task) {
	arena.Lock()
	defer arena.Unlock()
	for _, c := range arena.tasks {
		if c.Parent == t.Tid {
			c.Parent = t.Parent
		}
	}
}

func waitChannel(parent TID) interface{} { return waitKey{parent} }

type waitKey struct{ tid TID }

// Wait options (spec §4.E).
const (
	WNOHANG = 1 << iota
	WUNTRACED
	WCONTINUED
	WEXITED
)

// WaitResult is what wait/waitid hand back to the caller.
type WaitResult struct {
	Tid    TID
	Status int
	State  State
}

// Wait implements wait4/waitid's "first eligible child" rule: it scans the
// caller's children for one matching the requested state (Zombie, or also
// Stopped when WUNTRACED is given; WCONTINUED selects no additional
// children), reaps it if it was a Zombie, and
// blocks (unless WNOHANG) until one becomes eligible.
func Wait(parent *Task, options int) (WaitResult, error) {
	for {
		r, eligible, reaped, haveAny := scanChildren(parent, options)
		if eligible {
			if reaped {
				Remove(r.Tid)
			}
			return r, nil
		}
		if !haveAny {
			return WaitResult{}, ErrChildNotFound
		}
		if options&WNOHANG != 0 {
			return WaitResult{}, ErrAgain
		}
		if err := BlockTask(parent, waitChannel(parent.Tid), true); err != nil {
			return WaitResult{}, err
		}
	}
}

func scanChildren(parent *Task, options int) (result WaitResult, eligible, reaped, haveAny bool) {
	arena.RLock()
	defer arena.RUnlock()
	for _, c := range arena.tasks {
		if c.Parent != parent.Tid {
			continue
		}
		haveAny = true
		c.mtx.Lock()
		state := c.State
		status := c.ExitStatus
		tid := c.Tid
		c.mtx.Unlock()
		switch state {
		case Zombie:
			return WaitResult{Tid: tid, Status: status, State: Zombie}, true, true, true
		case Stopped:
			if options&WUNTRACED != 0 {
				return WaitResult{Tid: tid, Status: status, State: Stopped}, true, false, true
			}
		}
	}
	return WaitResult{}, false, false, haveAny
}
