package task

import "testing"

func TestEncodeStopStatus(t *testing.T) {
	got := EncodeStopStatus(SIGTRAP, StopSyscallEnter)
	want := (SIGTRAP&0xff<<8 | 0x7f) | (int(StopSyscallEnter) << 16)
	if got != want {
		t.Fatalf("EncodeStopStatus mismatch: got %#x want %#x", got, want)
	}
}

func TestAttachAndTraced(t *testing.T) {
	Reset()
	tracer := NewTask(0, true)
	tracee := NewTask(0, true)
	if tracee.Traced() {
		t.Fatalf("expected untraced task before Attach")
	}
	tracee.Attach(tracer.Tid)
	if !tracee.Traced() {
		t.Fatalf("expected traced task after Attach")
	}
}

func TestEnterStopBlocksUntilResume(t *testing.T) {
	Reset()
	tracer := NewTask(0, true)
	tracee := NewTask(0, true)
	tracee.Attach(tracer.Tid)

	stopped := make(chan struct{})
	go func() {
		tracee.EnterStop(StopSignal, SIGTRAP)
		close(stopped)
	}()

	waitUntilState(t, tracee, Stopped)
	select {
	case <-stopped:
		t.Fatalf("EnterStop returned before a resume request")
	default:
	}

	tracee.Resume(PTRACE_CONT)
	<-stopped
}

func TestNotifySyscallStopHonorsTraceSysGood(t *testing.T) {
	Reset()
	tracer := NewTask(0, true)
	tracee := NewTask(0, true)
	tracee.Attach(tracer.Tid)
	tracee.Ptrace.Options |= PTRACE_O_TRACESYSGOOD
	tracee.Resume(PTRACE_SYSCALL) // arm traceSyscalls

	done := make(chan struct{})
	go func() {
		tracee.NotifySyscallStop(true)
		close(done)
	}()
	waitUntilState(t, tracee, Stopped)

	tracee.mtx.Lock()
	stat := tracee.Ptrace.ExitStat
	tracee.mtx.Unlock()
	wantSig := SIGTRAP | 0x80
	gotSig := (stat >> 8) & 0xff
	if gotSig != wantSig {
		t.Fatalf("expected sig %#x encoded in stop status, got %#x (stat=%#x)", wantSig, gotSig, stat)
	}

	tracee.Resume(PTRACE_CONT)
	<-done
}

func TestNotifyEventSkippedWithoutOptionBit(t *testing.T) {
	Reset()
	tracer := NewTask(0, true)
	tracee := NewTask(0, true)
	tracee.Attach(tracer.Tid)
	// PTRACE_O_TRACEFORK not set: NotifyEvent must return immediately.
	tracee.NotifyEvent(StopEventFork, 42)
	if tracee.State == Stopped {
		t.Fatalf("expected NotifyEvent to no-op without the matching option bit")
	}
}

func TestPeekPokeDataBoundsChecked(t *testing.T) {
	Reset()
	tk := NewTask(0, true)
	mem := make([]byte, 16)

	if err := tk.PokeData(mem, 4, []byte{1, 2, 3}); err != nil {
		t.Fatalf("unexpected error on in-bounds poke: %v", err)
	}
	got, err := tk.PeekData(mem, 4, 3)
	if err != nil || got[0] != 1 || got[1] != 2 || got[2] != 3 {
		t.Fatalf("peek after poke mismatch: got %v err %v", got, err)
	}

	if _, err := tk.PeekData(mem, 10, 100); err != ErrBadAddress {
		t.Fatalf("expected ErrBadAddress for out-of-range peek, got %v", err)
	}
	if err := tk.PokeData(mem, -1, []byte{1}); err != ErrBadAddress {
		t.Fatalf("expected ErrBadAddress for negative poke address, got %v", err)
	}
}
