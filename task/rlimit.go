package task

// Resource limit indices (spec §3.1 rlimits[NLIMITS]).
const (
	RLIMIT_CPU = iota
	RLIMIT_FSIZE
	RLIMIT_DATA
	RLIMIT_STACK
	RLIMIT_CORE
	RLIMIT_RSS
	RLIMIT_NPROC
	RLIMIT_NOFILE
	RLIMIT_MEMLOCK
	RLIMIT_AS
	RLIMIT_RTPRIO
	RLIMIT_NICE
	NLIMITS
)

const RlimInfinity int64 = -1

// FOPEN_MAX bounds RLIMIT_NOFILE (spec §4.G).
const FOPEN_MAX int64 = 65536

type Rlimit struct {
	Cur, Max int64
}

var defaultRlimits = [NLIMITS]Rlimit{
	RLIMIT_CPU:     {RlimInfinity, RlimInfinity},
	RLIMIT_FSIZE:   {RlimInfinity, RlimInfinity},
	RLIMIT_DATA:    {RlimInfinity, RlimInfinity},
	RLIMIT_STACK:   {8 * 1024 * 1024, RlimInfinity},
	RLIMIT_CORE:    {0, RlimInfinity},
	RLIMIT_RSS:     {RlimInfinity, RlimInfinity},
	RLIMIT_NPROC:   {256, 4096},
	RLIMIT_NOFILE:  {1024, FOPEN_MAX},
	RLIMIT_MEMLOCK:  {64 * 1024, 64 * 1024},
	RLIMIT_AS:      {RlimInfinity, RlimInfinity},
	RLIMIT_RTPRIO:  {0, rrMaxPriority},
	RLIMIT_NICE:    {20, 40}, // kernel-internal representation: nice_user = 20 - nice_kernel
}

// Prlimit implements prlimit(2)'s enforcement rules (spec §4.G): an
// unprivileged caller may only raise the soft limit up to the hard limit,
// and may only lower the hard limit; RLIMIT_NOFILE is capped at FOPEN_MAX;
// RLIMIT_NICE must stay within [1,40]; RLIMIT_RTPRIO is bounded by the RR
// priority band.
func (t *Task) Prlimit(which int, newLim *Rlimit, privileged bool) (old Rlimit, err error) {
	if which < 0 || which >= NLIMITS {
		return Rlimit{}, ErrInvalidArgument
	}
	t.mtx.Lock()
	defer t.mtx.Unlock()
	old = t.Rlimits[which]
	if newLim == nil {
		return old, nil
	}
	nl := *newLim
	if which == RLIMIT_NOFILE && nl.Cur >= 0 && nl.Cur > FOPEN_MAX {
		return old, ErrInvalidArgument
	}
	if which == RLIMIT_NICE && (nl.Cur < 1 || nl.Cur > 40) {
		return old, ErrInvalidArgument
	}
	if which == RLIMIT_RTPRIO && nl.Cur > int64(rrMaxPriority) {
		return old, ErrInvalidArgument
	}
	if !privileged {
		if old.Max >= 0 && (nl.Max < 0 || nl.Max > old.Max) {
			return old, ErrNotPermitted
		}
		if old.Max >= 0 && (nl.Cur < 0 || nl.Cur > old.Max) {
			return old, ErrNotPermitted
		}
	}
	t.Rlimits[which] = nl
	return old, nil
}

// Priority targets for getpriority/setpriority (SPEC_FULL supplemented
// feature 1).
type PrioTarget int

const (
	PRIO_PROCESS PrioTarget = iota
	PRIO_PGRP
	PRIO_USER
)

// GetPriority returns the nice_user value (20 - nice_kernel) of every task
// matching target/id, taking the minimum (as getpriority(2) does: the
// "highest priority", i.e. lowest nice, enjoyed by any process in the set).
func GetPriority(target PrioTarget, id int) (int, error) {
	arena.RLock()
	defer arena.RUnlock()
	best := 20
	found := false
	for _, t := range arena.tasks {
		if !matchesTarget(t, target, id) {
			continue
		}
		nu := t.Nice
		if !found || nu < best {
			best = nu
			found = true
		}
	}
	if !found {
		return 0, ErrNoSuchProcess
	}
	return best, nil
}

func SetPriority(target PrioTarget, id, niceUser int) error {
	if niceUser < -20 || niceUser > 19 {
		return ErrInvalidArgument
	}
	arena.RLock()
	defer arena.RUnlock()
	matched := false
	for _, t := range arena.tasks {
		if !matchesTarget(t, target, id) {
			continue
		}
		matched = true
		t.mtx.Lock()
		t.Nice = niceUser
		t.Timeslice = otherTimeslice(t.Nice)
		t.mtx.Unlock()
	}
	if !matched {
		return ErrNoSuchProcess
	}
	return nil
}

func matchesTarget(t *Task, target PrioTarget, id int) bool {
	switch target {
	case PRIO_PROCESS:
		return int(t.Tid) == id
	case PRIO_PGRP:
		return int(t.Tgid) == id
	case PRIO_USER:
		return t.Creds.UID == id
	}
	return false
}

// SetScheduler implements sched_setscheduler(2)'s validation: the priority
// must fit the policy's band, and an unprivileged caller's RR/FIFO priority
// is bounded by its RLIMIT_RTPRIO (spec §4.G).
func (t *Task) SetScheduler(policy Policy, priority int, privileged bool) error {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	switch policy {
	case SCHED_OTHER:
		if priority != 0 {
			return ErrInvalidArgument
		}
	case SCHED_RR, SCHED_FIFO:
		maxPrio := rrMaxPriority
		if policy == SCHED_FIFO {
			maxPrio = fifoMaxPriority
		}
		if priority < 0 || priority > maxPrio {
			return ErrInvalidArgument
		}
		if !privileged {
			lim := t.Rlimits[RLIMIT_RTPRIO]
			if lim.Max >= 0 && int64(priority) > lim.Max {
				return ErrNotPermitted
			}
		}
	default:
		return ErrInvalidArgument
	}
	t.Policy = policy
	t.Priority = priority
	if policy == SCHED_RR {
		t.Timeslice = defaultRRTimeslice
	}
	return nil
}

const defaultRRTimeslice = 4
