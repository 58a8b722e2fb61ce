package task

import "testing"

func TestPrlimitUnprivilegedCannotRaiseHardLimit(t *testing.T) {
	Reset()
	tk := NewTask(0, true)
	old, err := tk.Prlimit(RLIMIT_NOFILE, &Rlimit{Cur: 512, Max: FOPEN_MAX + 1}, false)
	if err != ErrNotPermitted {
		t.Fatalf("expected ErrNotPermitted raising the hard limit, got old=%v err=%v", old, err)
	}
}

func TestPrlimitUnprivilegedCannotRaiseSoftAboveHard(t *testing.T) {
	Reset()
	tk := NewTask(0, true)
	tk.Rlimits[RLIMIT_NOFILE] = Rlimit{Cur: 256, Max: 1024}
	_, err := tk.Prlimit(RLIMIT_NOFILE, &Rlimit{Cur: 2048, Max: 1024}, false)
	if err != ErrNotPermitted {
		t.Fatalf("expected ErrNotPermitted raising soft above hard, got %v", err)
	}
}

func TestPrlimitRejectsNofileOverFopenMax(t *testing.T) {
	Reset()
	tk := NewTask(0, true)
	_, err := tk.Prlimit(RLIMIT_NOFILE, &Rlimit{Cur: FOPEN_MAX + 1, Max: RlimInfinity}, true)
	if err != ErrInvalidArgument {
		t.Fatalf("expected ErrInvalidArgument for RLIMIT_NOFILE above FOPEN_MAX, got %v", err)
	}
}

func TestPrlimitRejectsNiceOutOfRange(t *testing.T) {
	Reset()
	tk := NewTask(0, true)
	if _, err := tk.Prlimit(RLIMIT_NICE, &Rlimit{Cur: 0, Max: 40}, true); err != ErrInvalidArgument {
		t.Fatalf("expected ErrInvalidArgument for RLIMIT_NICE below 1, got %v", err)
	}
	if _, err := tk.Prlimit(RLIMIT_NICE, &Rlimit{Cur: 41, Max: 41}, true); err != ErrInvalidArgument {
		t.Fatalf("expected ErrInvalidArgument for RLIMIT_NICE above 40, got %v", err)
	}
}

func TestGetSetPriority(t *testing.T) {
	Reset()
	tk := NewTask(0, true)
	if err := SetPriority(PRIO_PROCESS, int(tk.Tid), 5); err != nil {
		t.Fatalf("SetPriority failed: %v", err)
	}
	got, err := GetPriority(PRIO_PROCESS, int(tk.Tid))
	if err != nil || got != 5 {
		t.Fatalf("expected nice 5, got %d err %v", got, err)
	}
	if tk.Timeslice != otherTimeslice(5) {
		t.Fatalf("expected SetPriority to recompute the OTHER timeslice, got %d", tk.Timeslice)
	}
}

func TestSetPriorityRejectsOutOfRange(t *testing.T) {
	Reset()
	tk := NewTask(0, true)
	if err := SetPriority(PRIO_PROCESS, int(tk.Tid), 20); err != ErrInvalidArgument {
		t.Fatalf("expected ErrInvalidArgument for nice 20, got %v", err)
	}
}

func TestSetSchedulerValidatesPolicyBands(t *testing.T) {
	Reset()
	tk := NewTask(0, true)

	if err := tk.SetScheduler(SCHED_OTHER, 5, true); err != ErrInvalidArgument {
		t.Fatalf("SCHED_OTHER requires priority 0, got %v", err)
	}
	if err := tk.SetScheduler(SCHED_RR, rrMaxPriority+1, true); err != ErrInvalidArgument {
		t.Fatalf("expected ErrInvalidArgument for RR priority above band, got %v", err)
	}
	if err := tk.SetScheduler(SCHED_RR, 10, true); err != nil {
		t.Fatalf("expected valid RR priority to succeed, got %v", err)
	}
	if tk.Timeslice != defaultRRTimeslice {
		t.Fatalf("expected SetScheduler to arm the default RR timeslice, got %d", tk.Timeslice)
	}
}

func TestSetSchedulerUnprivilegedBoundedByRtprioLimit(t *testing.T) {
	Reset()
	tk := NewTask(0, true)
	tk.Rlimits[RLIMIT_RTPRIO] = Rlimit{Cur: 5, Max: 5}
	if err := tk.SetScheduler(SCHED_FIFO, 10, false); err != ErrNotPermitted {
		t.Fatalf("expected ErrNotPermitted above RLIMIT_RTPRIO.Max, got %v", err)
	}
	if err := tk.SetScheduler(SCHED_FIFO, 5, false); err != nil {
		t.Fatalf("expected priority within limit to succeed, got %v", err)
	}
}
