/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package ksyscall

import (
	"time"

	"github.com/tallgrass-os/kernel/task"
)

// RegisterTaskSyscalls wires component A-G's fork/exit/wait, signal,
// timer, and rlimit/nice/sched surface into d (spec §2 A-G); select/poll
// are registered separately by RegisterNetSyscalls once fd-to-Pollable
// resolution is available.
func RegisterTaskSyscalls(d *Dispatcher) {
	d.Register(SYS_EXIT, "exit", sysExit, false)
	d.Register(SYS_EXIT_GROUP, "exit_group", sysExitGroup, false)
	d.Register(SYS_FORK, "fork", sysFork, false)
	d.Register(SYS_VFORK, "vfork", sysVfork, false)
	d.Register(SYS_CLONE, "clone", sysClone, false)
	d.Register(SYS_WAITPID, "waitpid", sysWaitpid, true)
	d.Register(SYS_WAIT4, "wait4", sysWait4, true)
	d.Register(SYS_WAITID, "waitid", sysWaitid, true)
	d.Register(SYS_GETTID, "gettid", sysGettid, false)
	d.Register(SYS_GETPGID, "getpgid", sysGetpgid, false)

	d.Register(SYS_KILL, "kill", sysKill, false)
	d.Register(SYS_TGKILL, "tgkill", sysTgkill, false)
	d.Register(SYS_SIGACTION, "sigaction", sysSigaction, false)
	d.Register(SYS_SIGPROCMASK, "sigprocmask", sysSigprocmask, false)
	d.Register(SYS_SIGALTSTACK, "sigaltstack", sysSigaltstack, false)
	d.Register(SYS_PAUSE, "pause", sysPause, false)
	d.Register(SYS_PTRACE, "ptrace", sysPtrace, false)

	d.Register(SYS_ALARM, "alarm", sysAlarm, false)
	d.Register(SYS_SETITIMER, "setitimer", sysSetitimer, false)
	d.Register(SYS_GETITIMER, "getitimer", sysGetitimer, false)
	d.Register(SYS_NANOSLEEP, "nanosleep", sysNanosleep, false)
	d.Register(SYS_CLOCK_NANOSLEEP, "clock_nanosleep", sysClockNanosleep, false)

	d.Register(SYS_SETRLIMIT, "setrlimit", sysSetrlimit, false)
	d.Register(SYS_GETRLIMIT, "getrlimit", sysGetrlimit, false)
	d.Register(SYS_PRLIMIT64, "prlimit64", sysPrlimit64, false)
	d.Register(SYS_GETPRIORITY, "getpriority", sysGetpriority, false)
	d.Register(SYS_SETPRIORITY, "setpriority", sysSetpriority, false)
	d.Register(SYS_SCHED_SETSCHEDULER, "sched_setscheduler", sysSchedSetscheduler, false)
	d.Register(SYS_SCHED_YIELD, "sched_yield", sysSchedYield, false)

	d.Register(SYS_DUP, "dup", sysDup, false)
	d.Register(SYS_CLOSE, "close", sysClose, false)
	d.Register(SYS_FCNTL, "fcntl", sysFcntl, false)
}

func sysExit(d *Dispatcher, t *task.Task, args Args) (int64, error) {
	task.Exit(t, int(args[0]))
	return 0, nil
}

func sysExitGroup(d *Dispatcher, t *task.Task, args Args) (int64, error) {
	task.ExitGroup(t, int(args[0]))
	return 0, nil
}

func sysFork(d *Dispatcher, t *task.Task, args Args) (int64, error) {
	child := task.Fork(t)
	return int64(child.Tid), nil
}

func sysVfork(d *Dispatcher, t *task.Task, args Args) (int64, error) {
	child := task.Vfork(t)
	return int64(child.Tid), nil
}

func sysClone(d *Dispatcher, t *task.Task, args Args) (int64, error) {
	child := task.Clone(t, int(args[0]))
	return int64(child.Tid), nil
}

func waitOptionsResult(r task.WaitResult) int64 {
	status := r.Status & 0xff
	if r.State == task.Stopped {
		status = task.EncodeStopStatus(r.Status, task.StopSignal)
	}
	return int64(status)<<32 | int64(uint32(r.Tid))
}

func sysWaitpid(d *Dispatcher, t *task.Task, args Args) (int64, error) {
	return sysWait4(d, t, args)
}

func sysWait4(d *Dispatcher, t *task.Task, args Args) (int64, error) {
	options := int(args[1])
	r, err := task.Wait(t, options)
	if err != nil {
		return 0, err
	}
	return waitOptionsResult(r), nil
}

func sysWaitid(d *Dispatcher, t *task.Task, args Args) (int64, error) {
	options := int(args[2])
	r, err := task.Wait(t, options|task.WEXITED)
	if err != nil {
		return 0, err
	}
	return waitOptionsResult(r), nil
}

func sysGettid(d *Dispatcher, t *task.Task, args Args) (int64, error) {
	return int64(t.Tid), nil
}

func sysGetpgid(d *Dispatcher, t *task.Task, args Args) (int64, error) {
	return int64(t.Tgid), nil
}

func sysKill(d *Dispatcher, t *task.Task, args Args) (int64, error) {
	pid, sig := int(args[0]), int(args[1])
	target, err := task.Lookup(task.TID(pid))
	if err != nil {
		return 0, err
	}
	target.AddSignal(sig, task.SigInfo{Sig: sig, Sender: t.Tid}, false)
	return 0, nil
}

func sysTgkill(d *Dispatcher, t *task.Task, args Args) (int64, error) {
	tid, sig := int(args[1]), int(args[2])
	target, err := task.Lookup(task.TID(tid))
	if err != nil {
		return 0, err
	}
	target.AddSignal(sig, task.SigInfo{Sig: sig, Sender: t.Tid}, false)
	return 0, nil
}

// sysSigaction unpacks what real sigaction(2) passes by pointer: args[1]=new
// handler (0=SIG_DFL, 1=SIG_IGN, else a user handler addr), args[2]=new
// mask, args[3]=new flags, args[4]= nonzero to install that new action
// (zero leaves the action unchanged). The old handler is always returned
// as the call's value -- this simulated ABI has no user memory to write an
// oldact struct into.
func sysSigaction(d *Dispatcher, t *task.Task, args Args) (int64, error) {
	sig := int(args[0])
	if sig <= 0 || sig >= task.NSIG {
		return 0, task.ErrInvalidArgument
	}
	old := t.Signals.Action(sig)
	if args[4] != 0 {
		t.Signals.SetAction(sig, task.SigAction{
			Handler: uintptr(args[1]),
			Mask:    task.SigSet(args[2]),
			Flags:   int(args[3]),
		})
	}
	return int64(old.Handler), nil
}

func sysSigprocmask(d *Dispatcher, t *task.Task, args Args) (int64, error) {
	how := int(args[0])
	set := task.SigSet(args[1])
	old := t.Signals.SetProcMask(how, set)
	return int64(old), nil
}

func sysSigaltstack(d *Dispatcher, t *task.Task, args Args) (int64, error) {
	// Minimal model: record sp/len directly on SignalState via the exported
	// fields set during NewSignalState/Clone; no separate accessor needed
	// since ksyscall is within the task package's own module.
	t.Signals.AltSP = uintptr(args[0])
	t.Signals.AltLen = uintptr(args[1])
	return 0, nil
}

// sysPause always returns -EINTR on the first pending signal, never
// restarted (spec §4.C: "pause, sigsuspend always see -EINTR"), hence
// restartable=false at registration regardless of SA_RESTART.
func sysPause(d *Dispatcher, t *task.Task, args Args) (int64, error) {
	err := task.BlockTask(t, pauseChannel(t.Tid), true)
	if err == task.ErrInterrupted {
		return int64(EINTR), nil
	}
	return 0, err
}

type pauseKey struct{ tid task.TID }

func pauseChannel(tid task.TID) interface{} { return pauseKey{tid} }

// sysPtrace implements the ptrace(2) request multiplexer: args[0]=request,
// args[1]=target tid, args[2]=addr, args[3]=data.
func sysPtrace(d *Dispatcher, t *task.Task, args Args) (int64, error) {
	req := int(args[0])
	switch req {
	case 0: // PTRACE_TRACEME
		t.Attach(t.Parent)
		return 0, nil
	}
	target, err := task.Lookup(task.TID(args[1]))
	if err != nil {
		return 0, err
	}
	switch req {
	case 1: // PTRACE_ATTACH
		target.Attach(t.Tid)
		return 0, nil
	case 2: // PTRACE_CONT family resume requests map 1:1 onto task.PtraceRequest
		target.Resume(task.PTRACE_CONT)
	case 3:
		target.Resume(task.PTRACE_SYSCALL)
	case 4:
		target.Resume(task.PTRACE_SINGLESTEP)
	case 5:
		target.Resume(task.PTRACE_DETACH)
	case 6:
		target.Resume(task.PTRACE_KILL)
	default:
		return 0, task.ErrInvalidArgument
	}
	return 0, nil
}

func sysAlarm(d *Dispatcher, t *task.Task, args Args) (int64, error) {
	seconds := int(args[0])
	remaining := t.SetITimerReal(seconds*ticksPerSecond, 0)
	return int64(remaining / ticksPerSecond), nil
}

// ticksPerSecond is the simulated clock tick rate task's delta queue counts
// against (spec §4.D works in ticks, not wall time).
const ticksPerSecond = 100

func sysSetitimer(d *Dispatcher, t *task.Task, args Args) (int64, error) {
	ticks, interval := int(args[0]), int(args[1])
	old := t.SetITimerReal(ticks, interval)
	return int64(old), nil
}

func sysGetitimer(d *Dispatcher, t *task.Task, args Args) (int64, error) {
	return int64(t.GetITimerReal()), nil
}

func sysNanosleep(d *Dispatcher, t *task.Task, args Args) (int64, error) {
	remaining, err := task.ClockNanosleep(t, time.Duration(args[0]), false)
	if err != nil {
		return int64(remaining), err
	}
	return 0, nil
}

func sysClockNanosleep(d *Dispatcher, t *task.Task, args Args) (int64, error) {
	abs := args[1] != 0
	remaining, err := task.ClockNanosleep(t, time.Duration(args[2]), abs)
	if err != nil {
		return int64(remaining), err
	}
	return 0, nil
}

func sysSetrlimit(d *Dispatcher, t *task.Task, args Args) (int64, error) {
	which := int(args[0])
	newLim := task.Rlimit{Cur: args[1], Max: args[2]}
	_, err := t.Prlimit(which, &newLim, t.Creds.EUID == 0)
	return 0, err
}

func sysGetrlimit(d *Dispatcher, t *task.Task, args Args) (int64, error) {
	which := int(args[0])
	old, err := t.Prlimit(which, nil, false)
	if err != nil {
		return 0, err
	}
	return old.Cur, nil
}

func sysPrlimit64(d *Dispatcher, t *task.Task, args Args) (int64, error) {
	pid := task.TID(args[0])
	which := int(args[1])
	target := t
	if pid != 0 && pid != t.Tid {
		other, err := task.Lookup(pid)
		if err != nil {
			return 0, err
		}
		target = other
	}
	var newLim *task.Rlimit
	if args[2] != 0 {
		newLim = &task.Rlimit{Cur: args[3], Max: args[4]}
	}
	old, err := target.Prlimit(which, newLim, t.Creds.EUID == 0)
	if err != nil {
		return 0, err
	}
	return old.Cur, nil
}

func sysGetpriority(d *Dispatcher, t *task.Task, args Args) (int64, error) {
	p, err := task.GetPriority(task.PrioTarget(args[0]), int(args[1]))
	return int64(p), err
}

func sysSetpriority(d *Dispatcher, t *task.Task, args Args) (int64, error) {
	err := task.SetPriority(task.PrioTarget(args[0]), int(args[1]), int(args[2]))
	return 0, err
}

func sysSchedSetscheduler(d *Dispatcher, t *task.Task, args Args) (int64, error) {
	pid := task.TID(args[0])
	target := t
	if pid != 0 && pid != t.Tid {
		other, err := task.Lookup(pid)
		if err != nil {
			return 0, err
		}
		target = other
	}
	err := target.SetScheduler(task.Policy(args[1]), int(args[2]), t.Creds.EUID == 0)
	return 0, err
}

func sysSchedYield(d *Dispatcher, t *task.Task, args Args) (int64, error) {
	task.Yield(t)
	return 0, nil
}

func sysDup(d *Dispatcher, t *task.Task, args Args) (int64, error) {
	fd := int(args[0])
	of, ok := t.Files.Files[fd]
	if !ok {
		return 0, task.ErrBadFd
	}
	cp := *of
	return int64(t.Files.Add(&cp)), nil
}

func sysClose(d *Dispatcher, t *task.Task, args Args) (int64, error) {
	fd := int(args[0])
	of, ok := t.Files.Files[fd]
	if ok {
		if s, isSock := of.Socket.(socketCloser); isSock {
			s.Close()
		}
	}
	return 0, t.Files.Close(t.Tid, fd)
}

// socketCloser is satisfied by *sock.Socket without ksyscall importing sock
// from this file (kept here so sysClose stays usable even if net syscalls
// aren't registered in a given Dispatcher build).
type socketCloser interface {
	Close() error
}

// F_SETLK/F_SETLKW/F_GETLK values, matching fcntl(2).
const (
	F_GETLK  = 5
	F_SETLK  = 6
	F_SETLKW = 7
)

// fcntl's lock commands reuse the LockType values already defined by task
// for F_RDLCK/F_WRLCK/F_UNLCK; the l_type argument slot is args[4].
func sysFcntl(d *Dispatcher, t *task.Task, args Args) (int64, error) {
	fd, cmd := int(args[0]), int(args[1])
	of, ok := t.Files.Files[fd]
	if !ok {
		return 0, task.ErrBadFd
	}
	req := task.LockRange{Start: args[2], Len: args[3], Type: task.LockType(args[4]), Owner: t.Tid}
	switch cmd {
	case F_GETLK:
		conflict, found := of.Locks.Test(req)
		if !found {
			return int64(task.F_UNLCK), nil
		}
		return int64(conflict.Owner)<<8 | int64(conflict.Type), nil
	case F_SETLK:
		return 0, of.Locks.SetLock(t, req, false)
	case F_SETLKW:
		return 0, of.Locks.SetLock(t, req, true)
	}
	return 0, task.ErrInvalidArgument
}
