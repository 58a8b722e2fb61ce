package task

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// selEntry is one select/poll registry slot: the waiters recorded on a
// channel pointer (spec §4.F).
type selEntry struct {
	mtx     sync.Mutex
	waiters []TID
	ids     map[TID]string // debug correlation id per waiter, for tracing double-registration
}

var selRegistry = struct {
	sync.Mutex
	entries map[interface{}]*selEntry
}{entries: make(map[interface{}]*selEntry)}

// Selrecord adds t to channel's waiters list if it is not already present
// (spec §4.F's selrecord), growing the list as needed.
func Selrecord(t *Task, channel interface{}) {
	selRegistry.Lock()
	e, ok := selRegistry.entries[channel]
	if !ok {
		e = &selEntry{ids: make(map[TID]string)}
		selRegistry.entries[channel] = e
	}
	selRegistry.Unlock()

	e.mtx.Lock()
	defer e.mtx.Unlock()
	for _, tid := range e.waiters {
		if tid == t.Tid {
			return
		}
	}
	e.waiters = append(e.waiters, t.Tid)
	e.ids[t.Tid] = uuid.NewString()
}

// Selwakeup clears channel's waiters and wakes each one. A second call with
// no intervening Selrecord is a documented no-op (spec §8 invariant 6).
func Selwakeup(channel interface{}) {
	selRegistry.Lock()
	e, ok := selRegistry.entries[channel]
	selRegistry.Unlock()
	if !ok {
		return
	}

	e.mtx.Lock()
	waiters := e.waiters
	e.waiters = nil
	e.ids = make(map[TID]string)
	e.mtx.Unlock()

	for _, tid := range waiters {
		Unblock(selfChannelForTID(tid))
	}
}

// DropTask removes t from every select/poll registry entry; called on task
// exit (spec §4.F).
func DropTask(t *Task) {
	selRegistry.Lock()
	defer selRegistry.Unlock()
	for ch, e := range selRegistry.entries {
		e.mtx.Lock()
		for i, tid := range e.waiters {
			if tid == t.Tid {
				e.waiters = append(e.waiters[:i], e.waiters[i+1:]...)
				delete(e.ids, t.Tid)
				break
			}
		}
		e.mtx.Unlock()
		_ = ch
	}
}

// Pollable is anything select/poll can wait on: a readiness check callback
// plus the channel identity selrecord should key on.
type Pollable interface {
	Channel() interface{}
	Ready(events int) int // returns the subset of requested events currently ready
}

const (
	POLLIN = 1 << iota
	POLLOUT
	POLLERR
	POLLHUP
	POLLPRI
)

// SelectPoll implements the shared core of select/poll (spec §4.F): it
// scans every fd's Ready hook once; if none are ready, it records the
// current task on every fd's channel and blocks for timeout (0 meaning
// forever), then rescans on wake.
func SelectPoll(t *Task, fds []Pollable, events []int, timeout time.Duration) (ready []int, err error) {
	ready = make([]int, len(fds))
	if scanReady(fds, events, ready) {
		return ready, nil
	}

	for _, p := range fds {
		Selrecord(t, p.Channel())
	}
	defer DropTask(t)

	if timeout > 0 {
		err = BlockTask2(t, selfChannel(t), timeout)
	} else {
		err = BlockTask(t, selfChannel(t), true)
	}
	if err != nil && err != ErrWouldBlock {
		return nil, err
	}
	scanReady(fds, events, ready)
	return ready, nil
}

func selfChannel(t *Task) interface{}          { return selSelfKey{t.Tid} }
func selfChannelForTID(tid TID) interface{}    { return selSelfKey{tid} }

type selSelfKey struct{ tid TID }

func scanReady(fds []Pollable, events []int, ready []int) bool {
	any := false
	for i, p := range fds {
		r := p.Ready(events[i])
		ready[i] = r
		if r != 0 {
			any = true
		}
	}
	return any
}
