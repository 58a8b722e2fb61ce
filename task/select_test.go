package task

import (
	"testing"
	"time"
)

type fakePollable struct {
	ch     chan struct{}
	ready  int32
	events int
}

func (f *fakePollable) Channel() interface{} { return f.ch }
func (f *fakePollable) Ready(events int) int {
	if f.ready != 0 {
		return f.ready & events
	}
	return 0
}

func TestSelrecordDedupsSameTask(t *testing.T) {
	Reset()
	tk := NewTask(0, true)
	ch := make(chan struct{})
	Selrecord(tk, ch)
	Selrecord(tk, ch)

	selRegistry.Lock()
	e := selRegistry.entries[ch]
	selRegistry.Unlock()
	if len(e.waiters) != 1 {
		t.Fatalf("expected Selrecord to dedup repeated registrations, got %d waiters", len(e.waiters))
	}
}

func TestSelectPollReturnsImmediatelyWhenReady(t *testing.T) {
	Reset()
	tk := NewTask(0, true)
	p := &fakePollable{ch: make(chan struct{}), ready: POLLIN}

	ready, err := SelectPoll(tk, []Pollable{p}, []int{POLLIN}, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ready) != 1 || ready[0] != POLLIN {
		t.Fatalf("expected immediate POLLIN readiness, got %v", ready)
	}
}

func TestSelectPollBlocksThenWakesOnSelwakeup(t *testing.T) {
	Reset()
	tk := NewTask(0, true)
	p := &fakePollable{ch: make(chan struct{})}

	resultCh := make(chan []int, 1)
	go func() {
		ready, err := SelectPoll(tk, []Pollable{p}, []int{POLLIN}, 0)
		if err != nil {
			t.Errorf("unexpected SelectPoll error: %v", err)
		}
		resultCh <- ready
	}()

	waitUntilState(t, tk, Sleeping)
	p.ready = POLLIN
	Selwakeup(p.ch)

	got := <-resultCh
	if len(got) != 1 || got[0] != POLLIN {
		t.Fatalf("expected POLLIN after wakeup rescan, got %v", got)
	}
}

func TestSelectPollTimesOut(t *testing.T) {
	Reset()
	tk := NewTask(0, true)
	p := &fakePollable{ch: make(chan struct{})}

	ready, err := SelectPoll(tk, []Pollable{p}, []int{POLLIN}, time.Millisecond)
	if err != nil {
		t.Fatalf("unexpected error on timeout path: %v", err)
	}
	if ready[0] != 0 {
		t.Fatalf("expected no readiness after timeout, got %v", ready)
	}
}

func TestDropTaskRemovesFromAllEntries(t *testing.T) {
	Reset()
	tk := NewTask(0, true)
	ch1, ch2 := make(chan struct{}), make(chan struct{})
	Selrecord(tk, ch1)
	Selrecord(tk, ch2)

	DropTask(tk)

	selRegistry.Lock()
	defer selRegistry.Unlock()
	for _, ch := range []interface{}{ch1, ch2} {
		if e, ok := selRegistry.entries[ch]; ok {
			for _, tid := range e.waiters {
				if tid == tk.Tid {
					t.Fatalf("expected DropTask to remove tk from every entry")
				}
			}
		}
	}
}
