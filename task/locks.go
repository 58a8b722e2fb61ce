package task

import "sync"

// Advisory byte-range file locks (spec §3.4, fcntl F_SETLK/F_SETLKW/F_GETLK
// per SPEC_FULL supplemented feature 3). Locks are keyed on the open file
// description, not the fd or the task, matching POSIX fcntl semantics: any
// fd referring to the same OpenFile shares its LockList, and closing any one
// of them releases all of the owning task's locks on it.

// LockType is the fcntl lock kind.
type LockType int

const (
	F_RDLCK LockType = iota
	F_WRLCK
	F_UNLCK
)

// LockRange is one held or requested byte range. Len==0 means "to end of
// file", mirroring struct flock after l_whence resolution.
type LockRange struct {
	Start int64
	Len   int64
	Type  LockType
	Owner TID
}

func (r LockRange) end() int64 {
	if r.Len == 0 {
		return 1<<63 - 1
	}
	return r.Start + r.Len
}

func (r LockRange) overlaps(o LockRange) bool {
	return r.Start < o.end() && o.Start < r.end()
}

// conflicts reports whether a request for r2 is blocked by an existing held
// range r1, per the POSIX compatibility matrix: same-owner ranges never
// conflict with each other (a process may always adjust its own locks), and
// of two different owners only RDLCK-vs-RDLCK is compatible.
func (r1 LockRange) conflicts(r2 LockRange) bool {
	if r1.Owner == r2.Owner {
		return false
	}
	if !r1.overlaps(r2) {
		return false
	}
	return r1.Type == F_WRLCK || r2.Type == F_WRLCK
}

// LockList is the set of byte-range locks held against one open file
// description (task.go's OpenFile.Locks). It is keyed by pointer identity
// as the channel BlockTask/Unblock block F_SETLKW waiters on.
type LockList struct {
	mtx    sync.Mutex
	ranges []LockRange
}

func newLockList() *LockList { return &LockList{} }

// Test implements F_GETLK: it reports the first lock that would conflict
// with req, or ok=false if the request could be granted immediately.
func (ll *LockList) Test(req LockRange) (conflict LockRange, ok bool) {
	ll.mtx.Lock()
	defer ll.mtx.Unlock()
	for _, held := range ll.ranges {
		if held.conflicts(req) {
			return held, true
		}
	}
	return LockRange{}, false
}

// SetLock implements F_SETLK (wait=false, returns ErrAgain on conflict) and
// F_SETLKW (wait=true, blocks interruptibly until the conflicting lock is
// released). req.Type==F_UNLCK releases the owner's matching range(s).
func (ll *LockList) SetLock(t *Task, req LockRange, wait bool) error {
	for {
		ll.mtx.Lock()
		var blocker *LockRange
		if req.Type != F_UNLCK {
			for i := range ll.ranges {
				if ll.ranges[i].conflicts(req) {
					blocker = &ll.ranges[i]
					break
				}
			}
		}
		if blocker == nil {
			ll.applyLocked(req)
			ll.mtx.Unlock()
			Unblock(ll)
			return nil
		}
		ll.mtx.Unlock()

		if !wait {
			return ErrAgain
		}
		if err := BlockTask(t, ll, true); err != nil {
			return err
		}
	}
}

// applyLocked installs req, first carving req's owner's existing ranges out
// of [req.Start, req.end()) so overlapping same-owner locks are replaced
// rather than duplicated (POSIX "a new lock replaces an old one owned by
// the same process over the same bytes").
func (ll *LockList) applyLocked(req LockRange) {
	var kept []LockRange
	for _, r := range ll.ranges {
		if r.Owner != req.Owner || !r.overlaps(req) {
			kept = append(kept, r)
			continue
		}
		if r.Start < req.Start {
			kept = append(kept, LockRange{Start: r.Start, Len: req.Start - r.Start, Type: r.Type, Owner: r.Owner})
		}
		if r.end() > req.end() && req.Len != 0 {
			kept = append(kept, LockRange{Start: req.end(), Len: r.end() - req.end(), Type: r.Type, Owner: r.Owner})
		}
	}
	if req.Type != F_UNLCK {
		kept = append(kept, req)
	}
	ll.ranges = kept
}

// ReleaseAll drops every lock owned by owner, as happens when its last fd
// referencing this open file description is closed.
func (ll *LockList) ReleaseAll(owner TID) {
	ll.mtx.Lock()
	var kept []LockRange
	for _, r := range ll.ranges {
		if r.Owner != owner {
			kept = append(kept, r)
		}
	}
	changed := len(kept) != len(ll.ranges)
	ll.ranges = kept
	ll.mtx.Unlock()
	if changed {
		Unblock(ll)
	}
}
