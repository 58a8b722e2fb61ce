package task

import "github.com/google/uuid"

// Ptrace resumption requests (spec §4.C).
type PtraceRequest int

const (
	PTRACE_CONT PtraceRequest = iota
	PTRACE_SYSCALL
	PTRACE_SYSEMU
	PTRACE_SINGLESTEP
	PTRACE_SYSEMU_SINGLESTEP
	PTRACE_DETACH
	PTRACE_KILL
)

// Ptrace options (subset relevant to the event-stop machine).
const (
	PTRACE_O_TRACESYSGOOD = 1 << iota
	PTRACE_O_TRACEFORK
	PTRACE_O_TRACEVFORK
	PTRACE_O_TRACECLONE
	PTRACE_O_TRACEEXEC
	PTRACE_O_TRACEEXIT
)

// StopReason is the event that produced a ptrace stop; it is encoded into
// the high bits of the exit-status word the tracer observes
// (__W_STOPCODE(sig) | (reason << 16), spec §4.C).
type StopReason int

const (
	StopSyscallEnter StopReason = iota + 1
	StopSyscallExit
	StopSignal
	StopEventFork
	StopEventVfork
	StopEventClone
	StopEventExec
	StopEventExit
)

// PtraceState is the tracee-side bookkeeping attached to every Task.
type PtraceState struct {
	TracerTid TID
	Options   int
	EventMsg  int64
	ExitStat  int

	traceSyscalls bool
	singleStep    bool
	lastEventID   string
}

// EncodeStopStatus builds the __W_STOPCODE(sig) | (reason << 16) word.
func EncodeStopStatus(sig int, reason StopReason) int {
	return (sig & 0xff << 8) | 0x7f | (int(reason) << 16)
}

// Attach marks tracee as traced by tracer.
func (t *Task) Attach(tracer TID) {
	t.mtx.Lock()
	t.Ptrace.TracerTid = tracer
	t.mtx.Unlock()
}

func (t *Task) Traced() bool {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	return t.Ptrace.TracerTid != 0
}

// EnterStop transitions the tracee to Stopped for the given reason, records
// a correlation id for the tracer to observe, and blocks the tracee's
// goroutine on its own tid as the wait channel until a resume request wakes
// it (spec §4.C, §5: ptrace stops are one of the suspension points).
func (t *Task) EnterStop(reason StopReason, sig int) {
	wake := make(chan struct{}, 1)
	t.mtx.Lock()
	t.Ptrace.ExitStat = EncodeStopStatus(sig, reason)
	t.Ptrace.lastEventID = uuid.NewString()
	t.wakeCh = wake
	t.mtx.Unlock()
	LockScheduler()
	sched.waiters[ptraceStopChannel(t.Tid)] = append(sched.waiters[ptraceStopChannel(t.Tid)], t.Tid)
	UnlockScheduler()
	t.mtx.Lock()
	t.State = Stopped
	t.mtx.Unlock()
	Unblock(ptraceParentChannel(t.Ptrace.TracerTid)) // let a waiting tracer's wait4 observe the stop
	<-wake
	t.mtx.Lock()
	t.wakeCh = nil
	t.mtx.Unlock()
	Enqueue(t)
}

func ptraceStopChannel(tid TID) interface{}   { return ptraceStopKey{tid} }
func ptraceParentChannel(tid TID) interface{} { return ptraceParentKey{tid} }

type ptraceStopKey struct{ tid TID }
type ptraceParentKey struct{ tid TID }

// syscallGoodSignal is what the tracee "receives" at syscall-enter/exit
// stops when PTRACE_O_TRACESYSGOOD is set: SIGTRAP|0x80, letting userland
// tell it apart from a real SIGTRAP (spec §4.C).
const syscallGoodSignal = SIGTRAP | 0x80

// NotifySyscallStop implements the syscall-enter/exit event stops: if the
// tracee requested syscall tracing, it stops and reports SIGTRAP or
// SIGTRAP|0x80 depending on PTRACE_O_TRACESYSGOOD.
func (t *Task) NotifySyscallStop(enter bool) {
	if !t.Traced() || !t.Ptrace.traceSyscalls {
		return
	}
	sig := SIGTRAP
	if t.Ptrace.Options&PTRACE_O_TRACESYSGOOD != 0 {
		sig = syscallGoodSignal
	}
	reason := StopSyscallExit
	if enter {
		reason = StopSyscallEnter
	}
	t.EnterStop(reason, sig)
}

// NotifyEvent implements the fork/vfork/clone/exec/exit event-stops: used
// by the parent side of those syscalls to report a child event to the
// tracer, with EventMsg carrying the related tid for fork-family events.
func (t *Task) NotifyEvent(reason StopReason, eventMsg int64) {
	if !t.Traced() {
		return
	}
	switch reason {
	case StopEventFork:
		if t.Ptrace.Options&PTRACE_O_TRACEFORK == 0 {
			return
		}
	case StopEventVfork:
		if t.Ptrace.Options&PTRACE_O_TRACEVFORK == 0 {
			return
		}
	case StopEventClone:
		if t.Ptrace.Options&PTRACE_O_TRACECLONE == 0 {
			return
		}
	case StopEventExec:
		if t.Ptrace.Options&PTRACE_O_TRACEEXEC == 0 {
			return
		}
	case StopEventExit:
		if t.Ptrace.Options&PTRACE_O_TRACEEXIT == 0 {
			return
		}
	}
	t.mtx.Lock()
	t.Ptrace.EventMsg = eventMsg
	t.mtx.Unlock()
	t.EnterStop(reason, SIGTRAP)
}

// Resume implements a tracer's PTRACE_CONT/SYSCALL/SYSEMU/SINGLESTEP/DETACH/
// KILL request against tracee.
func (t *Task) Resume(req PtraceRequest) {
	t.mtx.Lock()
	switch req {
	case PTRACE_CONT:
		t.Ptrace.traceSyscalls = false
		t.Ptrace.singleStep = false
	case PTRACE_SYSCALL, PTRACE_SYSEMU:
		t.Ptrace.traceSyscalls = true
		t.Ptrace.singleStep = false
	case PTRACE_SINGLESTEP, PTRACE_SYSEMU_SINGLESTEP:
		t.Ptrace.singleStep = true
	case PTRACE_DETACH:
		t.Ptrace.TracerTid = 0
		t.Ptrace.traceSyscalls = false
	case PTRACE_KILL:
		t.Ptrace.TracerTid = 0
	}
	t.mtx.Unlock()

	if req == PTRACE_KILL {
		t.AddSignal(SIGKILL, SigInfo{Sig: SIGKILL}, true)
	}
	Unblock(ptraceStopChannel(t.Tid))
}

// PeekData / PokeData model PTRACE_PEEKTEXT/POKETEXT and PEEKUSER/POKEUSER:
// raw word transfer through ucopy-equivalent bounds-checked slices, since
// copy_to_user/copy_from_user are the only legal user/kernel boundary
// crossing (spec §1 external collaborators, SPEC_FULL supplemented feature 4).
func (t *Task) PeekData(mem []byte, addr, size int) ([]byte, error) {
	if addr < 0 || size < 0 || addr+size > len(mem) {
		return nil, ErrBadAddress
	}
	out := make([]byte, size)
	copy(out, mem[addr:addr+size])
	return out, nil
}

func (t *Task) PokeData(mem []byte, addr int, data []byte) error {
	if addr < 0 || addr+len(data) > len(mem) {
		return ErrBadAddress
	}
	copy(mem[addr:addr+len(data)], data)
	return nil
}
