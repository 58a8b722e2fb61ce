/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package ksyscall is the syscall dispatch table (component N): a sparse
// table indexed by syscall number, with enter/exit ptrace stops and
// interrupted-syscall restart handling (spec §4.C, §6.3). Numbers below are
// not invented -- they are the positions carried by the master syscalls[]
// table in original_source/kernel/syscall/syscall.c, itself the classic
// Linux i386 unistd_32.h numbering. Gaps between the covered numbers are
// syscalls (exec, mmap, ioctl, terminal/tty, module loading, SysV IPC, ...)
// explicitly out of this module's scope (spec §1 Non-goals: exec image
// loading, device drivers) or simply not named by any SPEC_FULL component.
package ksyscall

const (
	SYS_EXIT        = 1
	SYS_FORK        = 2
	SYS_WAITPID     = 7
	SYS_MOUNT       = 21
	SYS_UMOUNT      = 22
	SYS_PTRACE      = 26
	SYS_ALARM       = 27
	SYS_PAUSE       = 29
	SYS_KILL        = 37
	SYS_DUP         = 41
	SYS_BRK         = 45
	SYS_UMOUNT2     = 52
	SYS_FCNTL       = 55
	SYS_SIGACTION   = 67
	SYS_SETRLIMIT   = 75
	SYS_GETRLIMIT   = 76
	SYS_GETRUSAGE   = 77
	SYS_SELECT      = 82
	SYS_READLINK    = 85
	SYS_GETPRIORITY = 96
	SYS_SETPRIORITY = 97
	SYS_SOCKETCALL  = 102
	SYS_SETITIMER   = 104
	SYS_GETITIMER   = 105
	SYS_WAIT4       = 114
	SYS_CLONE       = 120
	SYS_SIGPROCMASK = 126
	SYS_GETPGID     = 132
	SYS_GETDENTS    = 141

	SYS_SCHED_SETPARAM        = 154
	SYS_SCHED_GETPARAM        = 155
	SYS_SCHED_SETSCHEDULER    = 156
	SYS_SCHED_GETSCHEDULER    = 157
	SYS_SCHED_YIELD           = 158
	SYS_SCHED_RR_GET_INTERVAL = 161
	SYS_NANOSLEEP             = 162
	SYS_POLL                  = 168

	SYS_PREAD          = 180
	SYS_PWRITE         = 181
	SYS_GETCWD         = 183
	SYS_SIGALTSTACK    = 186
	SYS_MINCORE        = 218
	SYS_GETTID         = 224
	SYS_EXIT_GROUP     = 252
	SYS_TIMER_CREATE   = 259
	SYS_TIMER_SETTIME  = 260
	SYS_TIMER_GETTIME  = 261
	SYS_TIMER_DELETE   = 263
	SYS_CLOCK_GETTIME  = 265
	SYS_CLOCK_NANOSLEEP = 267
	SYS_TGKILL         = 270
	SYS_WAITID         = 284
	SYS_OPENAT         = 295
	SYS_FSTATAT        = 300
	SYS_PSELECT6       = 308
	SYS_PPOLL          = 309
	SYS_PRLIMIT64      = 340
	SYS_GETRANDOM      = 355

	SYS_SOCKET      = 359
	SYS_SOCKETPAIR  = 360
	SYS_BIND        = 361
	SYS_CONNECT     = 362
	SYS_LISTEN      = 363
	SYS_ACCEPT      = 364
	SYS_GETSOCKOPT  = 365
	SYS_SETSOCKOPT  = 366
	SYS_GETSOCKNAME = 367
	SYS_GETPEERNAME = 368
	SYS_SENDTO      = 369
	SYS_SENDMSG     = 370
	SYS_RECVFROM    = 371
	SYS_RECVMSG     = 372
	SYS_SHUTDOWN    = 373

	// SYS_CLOSE and SYS_VFORK are not in the excerpted syscall table window
	// above but are needed by spec §4.E/§4.I; their real i386 numbers (6 and
	// 190) are used directly rather than left unregistered.
	SYS_CLOSE = 6
	SYS_VFORK = 190
)
