package task

import "errors"

// Taxonomy of kernel-internal errors (spec §7). ksyscall maps these to
// negative errno values at the dispatch boundary; every other package
// propagates the sentinel unchanged.
var (
	ErrInvalidArgument  = errors.New("invalid argument")
	ErrNotPermitted     = errors.New("operation not permitted")
	ErrNoSuchProcess    = errors.New("no such process")
	ErrBadFd            = errors.New("bad file descriptor")
	ErrAgain            = errors.New("resource temporarily unavailable")
	ErrNoMemory         = errors.New("cannot allocate memory")
	ErrBadAddress       = errors.New("bad address")
	ErrChildNotFound    = errors.New("no matching child")
	ErrTooManyLimits    = errors.New("resource limit exceeded")
	ErrRestartSyscall   = errors.New("interrupted system call should be restarted")
)
