package ksyscall

import (
	"testing"

	"github.com/tallgrass-os/kernel/task"
)

func newTestDispatcher() (*Dispatcher, *task.Task) {
	task.Reset()
	d := NewDispatcher(nil)
	RegisterTaskSyscalls(d)
	return d, task.InitProcess("/")
}

func TestDispatchUnregisteredReturnsENOSYS(t *testing.T) {
	d, tk := newTestDispatcher()
	got := d.Dispatch(tk, 99999, Args{})
	if got != int64(ENOSYS) {
		t.Fatalf("got %d, want ENOSYS (%d)", got, ENOSYS)
	}
}

func TestDispatchClearsInSyscallAroundCall(t *testing.T) {
	d, tk := newTestDispatcher()
	d.Dispatch(tk, SYS_GETTID, Args{})
	if tk.InSyscall {
		t.Fatalf("expected InSyscall cleared after Dispatch returns")
	}
}

func TestDispatchMapsInterruptedToEINTRWhenNotRestartable(t *testing.T) {
	d, tk := newTestDispatcher()
	d.Register(900, "fake-interrupt", func(d *Dispatcher, t *task.Task, args Args) (int64, error) {
		return 0, task.ErrInterrupted
	}, false)
	got := d.Dispatch(tk, 900, Args{})
	if got != int64(EINTR) {
		t.Fatalf("got %d, want EINTR (%d)", got, EINTR)
	}
}

func TestDispatchMapsInterruptedToERESTARTSYSWhenRestartable(t *testing.T) {
	d, tk := newTestDispatcher()
	tk.LastInterruptSig = 1 // SIGHUP, default action doesn't set SA_RESTART by itself
	tk.Signals.SetAction(1, task.SigAction{Flags: task.SA_RESTART})
	d.Register(901, "fake-interrupt-restartable", func(d *Dispatcher, t *task.Task, args Args) (int64, error) {
		return 0, task.ErrInterrupted
	}, true)
	got := d.Dispatch(tk, 901, Args{})
	if got != int64(ERESTARTSYS) {
		t.Fatalf("got %d, want ERESTARTSYS (%d)", got, ERESTARTSYS)
	}
}

func TestDispatchMapsWouldBlockToEAGAIN(t *testing.T) {
	d, tk := newTestDispatcher()
	d.Register(902, "fake-wouldblock", func(d *Dispatcher, t *task.Task, args Args) (int64, error) {
		return 0, task.ErrWouldBlock
	}, false)
	got := d.Dispatch(tk, 902, Args{})
	if got != int64(EAGAIN) {
		t.Fatalf("got %d, want EAGAIN (%d)", got, EAGAIN)
	}
}

func TestDispatchFallsBackToEIOForUnmappedError(t *testing.T) {
	d, tk := newTestDispatcher()
	d.Register(903, "fake-unmapped", func(d *Dispatcher, t *task.Task, args Args) (int64, error) {
		return 0, errUnmapped
	}, false)
	got := d.Dispatch(tk, 903, Args{})
	if got != int64(EIO) {
		t.Fatalf("got %d, want EIO (%d)", got, EIO)
	}
}

var errUnmapped = unmappedErr{}

type unmappedErr struct{}

func (unmappedErr) Error() string { return "an error no errnoTable entry names" }
