package task

import (
	"testing"
	"time"
)

func TestSetITimerRealArmsAndReports(t *testing.T) {
	Reset()
	tk := NewTask(0, true)
	tk.Signals = NewSignalState()

	remaining := tk.SetITimerReal(5, 0)
	if remaining != 0 {
		t.Fatalf("expected 0 remaining on first arm, got %d", remaining)
	}
	if got := tk.GetITimerReal(); got != 5 {
		t.Fatalf("expected GetITimerReal to report 5 ticks, got %d", got)
	}
}

func TestSetITimerRealDisarmsReportsOldRemaining(t *testing.T) {
	Reset()
	tk := NewTask(0, true)
	tk.Signals = NewSignalState()
	tk.SetITimerReal(10, 0)

	remaining := tk.SetITimerReal(0, 0)
	if remaining != 10 {
		t.Fatalf("expected disarm to report the prior remaining ticks, got %d", remaining)
	}
	if got := tk.GetITimerReal(); got != 0 {
		t.Fatalf("expected no timer armed after disarm, got %d", got)
	}
}

func TestTickRealTimersFiresSigalrmAndReinsertsPeriodic(t *testing.T) {
	Reset()
	tk := NewTask(0, true)
	tk.Signals = NewSignalState()
	tk.SetITimerReal(1, 3)

	TickRealTimers()

	if !tk.Signals.Pending.has(SIGALRM) {
		t.Fatalf("expected SIGALRM pending after the timer fires")
	}
	if got := tk.GetITimerReal(); got != 3 {
		t.Fatalf("expected periodic timer to rearm with interval 3, got %d", got)
	}
}

func TestTickRealTimersOrdersMultipleOwners(t *testing.T) {
	Reset()
	a := NewTask(0, true)
	a.Signals = NewSignalState()
	b := NewTask(0, true)
	b.Signals = NewSignalState()

	a.SetITimerReal(2, 0)
	b.SetITimerReal(5, 0)

	TickRealTimers()
	if a.Signals.Pending.has(SIGALRM) || b.Signals.Pending.has(SIGALRM) {
		t.Fatalf("neither timer should fire after only one tick")
	}
	TickRealTimers()
	if !a.Signals.Pending.has(SIGALRM) {
		t.Fatalf("expected a's 2-tick timer to fire by the second tick")
	}
	if b.Signals.Pending.has(SIGALRM) {
		t.Fatalf("b's 5-tick timer should not have fired yet")
	}
}

func TestClockNanosleepExpiresNormally(t *testing.T) {
	Reset()
	tk := NewTask(0, true)
	remaining, err := ClockNanosleep(tk, time.Millisecond, false)
	if err != nil {
		t.Fatalf("expected normal expiry with nil error, got %v", err)
	}
	if remaining != 0 {
		t.Fatalf("expected 0 remaining after normal expiry, got %v", remaining)
	}
}

func TestClockNanosleepInterruptedBySignal(t *testing.T) {
	Reset()
	tk := NewTask(0, true)
	tk.Signals = NewSignalState()

	done := make(chan struct {
		remaining time.Duration
		err       error
	}, 1)
	go func() {
		r, err := ClockNanosleep(tk, time.Hour, false)
		done <- struct {
			remaining time.Duration
			err       error
		}{r, err}
	}()

	waitUntilState(t, tk, Sleeping)
	tk.AddSignal(SIGUSR1, SigInfo{Sig: SIGUSR1}, false)

	got := <-done
	if got.err != ErrInterrupted {
		t.Fatalf("expected ErrInterrupted, got %v", got.err)
	}
	if got.remaining <= 0 {
		t.Fatalf("expected positive remaining duration after early interruption, got %v", got.remaining)
	}
}
