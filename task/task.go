/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package task implements the kernel's task and scheduling core: the
// Task/thread/group model, the multilevel scheduler and its ready queues,
// the kernel mutex, POSIX signals and ptrace stops, interval/POSIX timers,
// fork/exit/wait, rlimits/nice/sched, and the select/poll wakeup registry.
// These are modeled as one package because they share a single mutable
// object graph (spec note: "tightly coupled cores").
package task

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/tallgrass-os/kernel/klog"
)

// TID is a task id; the zero value never names a live task.
type TID int32

// State is the task's run state (spec §3.1).
type State int

const (
	Running State = iota
	Ready
	Sleeping
	Stopped
	Zombie
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Ready:
		return "ready"
	case Sleeping:
		return "sleeping"
	case Stopped:
		return "stopped"
	case Zombie:
		return "zombie"
	}
	return "unknown"
}

// Policy is the scheduling policy (spec §3.2); FIFO/RR rank strictly above OTHER.
type Policy int

const (
	SCHED_OTHER Policy = iota
	SCHED_RR
	SCHED_FIFO
)

// Credentials mirrors the task's (uid, euid, suid, gid, egid, sgid) tuple.
type Credentials struct {
	UID, EUID, SUID int
	GID, EGID, SGID int
}

// RefObject is a reference-counted sub-object shared via clone, duplicated
// via fork (spec: files, fs, signals, threads, common, mem each carry their
// own lock and refcount).
type RefObject struct {
	mtx  sync.Mutex
	refs int32
}

func newRefObject() *RefObject {
	return &RefObject{refs: 1}
}

func (r *RefObject) Get() {
	atomic.AddInt32(&r.refs, 1)
}

// Put drops a reference, returning true when it was the last one.
func (r *RefObject) Put() bool {
	return atomic.AddInt32(&r.refs, -1) == 0
}

func (r *RefObject) Count() int32 {
	return atomic.LoadInt32(&r.refs)
}

// FilesTable is the per-task open-file-descriptor table; one instance may be
// shared by an entire thread group (clone with CLONE_FILES).
type FilesTable struct {
	*RefObject
	mtx   sync.Mutex
	Files map[int]*OpenFile
	next  int
}

// OpenFile is the minimal open-file-description state task needs: advisory
// locks live here because they are per open-file, not per fd (spec §3.4).
// Socket is non-nil when this fd names a socket rather than an ext2 file
// (ksyscall's *sock.Socket); Inode is non-nil when it names an ext2 file or
// directory (ksyscall's *ext2.InCoreInode). task itself never looks inside
// either one, avoiding an import of sock (which already imports task for
// Selwakeup) or ext2.
type OpenFile struct {
	Path    string
	Flags   int
	CloExec bool
	Locks   *LockList
	Socket  interface{}
	Inode   interface{}
	Device  string // owning ext2 device id, for Inode fds
	Pos     uint64 // byte/getdents cursor
}

func NewFilesTable() *FilesTable {
	return &FilesTable{RefObject: newRefObject(), Files: make(map[int]*OpenFile)}
}

// NewOpenFile starts a fresh open-file description with an empty lock list.
func NewOpenFile(path string, flags int, cloExec bool) *OpenFile {
	return &OpenFile{Path: path, Flags: flags, CloExec: cloExec, Locks: newLockList()}
}

func (ft *FilesTable) Clone(shallow bool) *FilesTable {
	if shallow {
		ft.Get()
		return ft
	}
	ft.mtx.Lock()
	defer ft.mtx.Unlock()
	n := NewFilesTable()
	n.next = ft.next
	for fd, of := range ft.Files {
		cp := *of
		if of.Locks != nil {
			cp.Locks = &LockList{ranges: append([]LockRange(nil), of.Locks.ranges...)}
		}
		n.Files[fd] = &cp
	}
	return n
}

func (ft *FilesTable) Add(of *OpenFile) int {
	ft.mtx.Lock()
	defer ft.mtx.Unlock()
	fd := ft.next
	ft.next++
	ft.Files[fd] = of
	return fd
}

// Close drops fd from the table and releases the closing task's advisory
// locks on the underlying open file description (spec §3.4: locks are
// released on any close of the file, by the owning process, not on every
// fd referring to it going away).
func (ft *FilesTable) Close(owner TID, fd int) error {
	ft.mtx.Lock()
	of, ok := ft.Files[fd]
	if ok {
		delete(ft.Files, fd)
	}
	ft.mtx.Unlock()
	if !ok {
		return ErrBadFd
	}
	if of.Locks != nil {
		of.Locks.ReleaseAll(owner)
	}
	return nil
}

// FsContext is the per-task (or shared, CLONE_FS) filesystem context: cwd,
// root, and umask.
type FsContext struct {
	*RefObject
	mtx  sync.Mutex
	Cwd  string
	Root string
	Umask int
}

func NewFsContext(cwd, root string) *FsContext {
	return &FsContext{RefObject: newRefObject(), Cwd: cwd, Root: root, Umask: 022}
}

func (fc *FsContext) Clone(shallow bool) *FsContext {
	if shallow {
		fc.Get()
		return fc
	}
	fc.mtx.Lock()
	defer fc.mtx.Unlock()
	n := &FsContext{RefObject: newRefObject(), Cwd: fc.Cwd, Root: fc.Root, Umask: fc.Umask}
	return n
}

// ThreadGroup is the shared record for every thread with the same tgid.
type ThreadGroup struct {
	*RefObject
	mtx     sync.Mutex
	Tgid    TID
	Threads []TID
	Exiting bool
}

func NewThreadGroup(leader TID) *ThreadGroup {
	return &ThreadGroup{RefObject: newRefObject(), Tgid: leader, Threads: []TID{leader}}
}

func (tg *ThreadGroup) addThread(t TID) {
	tg.mtx.Lock()
	tg.Threads = append(tg.Threads, t)
	tg.mtx.Unlock()
}

func (tg *ThreadGroup) removeThread(t TID) {
	tg.mtx.Lock()
	defer tg.mtx.Unlock()
	for i, x := range tg.Threads {
		if x == t {
			tg.Threads = append(tg.Threads[:i], tg.Threads[i+1:]...)
			return
		}
	}
}

// Task is the schedulable kernel+user context (spec §3.1). Fields are
// grouped by the sub-object they belong to; cross-task links are TIDs
// (arena indices), never raw pointers, to avoid reference cycles.
type Task struct {
	mtx sync.Mutex

	Tid  TID
	Tgid TID

	Creds Credentials

	Policy    Policy
	Priority  int // FIFO/RR priority band; ignored for OTHER
	Nice      int
	TimeLeft  int
	Timeslice int

	State       State
	WaitChannel interface{}

	Parent         TID
	FirstChild     TID
	NextSibling    TID
	ThreadGroupNxt TID

	Files   *FilesTable
	Fs      *FsContext
	Signals *SignalState
	Group   *ThreadGroup

	Rlimits [NLIMITS]Rlimit

	Ptrace PtraceState

	ItimerReal *itimerEntry
	ItimerVirt itimerCounter
	ItimerProf itimerCounter

	UserTicks, SysTicks             int64
	ChildUserTicks, ChildSysTicks   int64
	MinFaults, MajFaults            int64
	EndData, EndStack, EndCode      uintptr

	ExitStatus int
	ExitSignal int

	// InSyscall is spec §5's PROPERTY_IN_SYSCALL: set for the duration of a
	// syscall so signal delivery is deferred until the syscall returns
	// (spec §4.C). LastInterruptSig is the signal number that last woke this
	// task out of an interruptible block, consulted by ksyscall to decide
	// whether an interrupted syscall restarts (spec §4.C, §7).
	InSyscall        bool
	LastInterruptSig int

	lockHeld []*Mutex // mutexes currently held, for deadlock/priority-inversion bookkeeping

	wakeCh  chan struct{} // set while Sleeping; BlockTask's private wake channel
	sigWake chan struct{} // one-slot wake token, sent without blocking when a signal is posted while Sleeping
}

// itimerCounter is the decrementing-tick state for ITIMER_VIRTUAL/ITIMER_PROF.
type itimerCounter struct {
	interval, value time.Duration
}

var logger = klog.Default()

// SetLogger overrides the package-wide logger used by task/scheduler/timer
// diagnostics.
func SetLogger(l *klog.Logger) { logger = l }
