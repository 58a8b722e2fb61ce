/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package ksyscall

import (
	"sync"

	"github.com/tallgrass-os/kernel/klog"
	"github.com/tallgrass-os/kernel/task"
)

// Args is the up-to-six register-sized argument vector spec §6.3 describes.
type Args [6]int64

// HandlerFunc implements one syscall number's body. It returns the raw
// non-negative result on success, or an error the dispatcher maps to a
// negative errno.
type HandlerFunc func(d *Dispatcher, t *task.Task, args Args) (int64, error)

type entry struct {
	name string
	fn   HandlerFunc
	// restartable is false for syscalls spec §4.C says always see -EINTR
	// regardless of SA_RESTART (pause, sigsuspend-equivalents).
	restartable bool
}

// Dispatcher is the process-wide syscall table (spec §2 component N):
// sparse, indexed by syscall number, wired to every other subsystem package
// at construction time by cmd/kernsim's init sequence.
type Dispatcher struct {
	table  map[int]entry
	logger *klog.Logger

	mtx  sync.Mutex
	bufs map[netBufKey][]byte

	// fs holds the filesystem collaborators RegisterFsSyscalls wires in:
	// the VFS facade and the mounted ext2 filesystems keyed by device id.
	fs *fsState
}

// NewDispatcher builds an empty table; Register populates it. A fresh table
// per simulated kernel instance (rather than a package-level singleton)
// keeps cmd/kernsim's tests able to run more than one kernel concurrently.
func NewDispatcher(logger *klog.Logger) *Dispatcher {
	if logger == nil {
		logger = klog.Default()
	}
	return &Dispatcher{
		table:  make(map[int]entry),
		logger: logger,
		bufs:   make(map[netBufKey][]byte),
	}
}

// Register installs fn under syscall number nr. restartable marks whether a
// catchable signal interrupting this call may be restarted by the
// dispatcher's SA_RESTART handling; pause/nanosleep-family calls pass false.
func (d *Dispatcher) Register(nr int, name string, fn HandlerFunc, restartable bool) {
	d.table[nr] = entry{name: name, fn: fn, restartable: restartable}
}

// Dispatch implements spec §6.3: enter/exit ptrace stops bracket the call,
// an unregistered number returns -ENOSYS, and a handler returning
// task.ErrInterrupted (an interruptible block woken by a signal) is mapped
// internally to -ERESTARTSYS, then to -EINTR unless the interrupting
// signal's SA_RESTART flag and the syscall's own restartability both allow a
// restart -- in which case the returned value is still -ERESTARTSYS, a
// signal to the caller (the syscall trampoline, outside this package) that
// it should rewind the program counter and re-issue nr once the handler
// returns, per spec §4.C/§7.
func (d *Dispatcher) Dispatch(t *task.Task, nr int, args Args) int64 {
	t.SetInSyscall(true)
	t.NotifySyscallStop(true)

	e, ok := d.table[nr]
	if !ok {
		d.logger.Debug("ksyscall", "unimplemented syscall", klog.KV("nr", nr))
		t.NotifySyscallStop(false)
		t.SetInSyscall(false)
		return int64(ENOSYS)
	}

	ret, err := e.fn(d, t, args)
	if err != nil {
		switch err {
		case task.ErrInterrupted:
			if e.restartable && t.LastSignalRestartable() {
				ret = int64(ERESTARTSYS)
			} else {
				ret = int64(EINTR)
			}
		case task.ErrWouldBlock:
			ret = int64(EAGAIN)
		default:
			ret = errno(err)
		}
	}

	t.NotifySyscallStop(false)
	t.SetInSyscall(false)
	return ret
}
