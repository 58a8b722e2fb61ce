package ksyscall

import (
	"errors"

	"github.com/tallgrass-os/kernel/blockdev"
	"github.com/tallgrass-os/kernel/ext2"
	"github.com/tallgrass-os/kernel/inet"
	"github.com/tallgrass-os/kernel/sock"
	"github.com/tallgrass-os/kernel/task"
	"github.com/tallgrass-os/kernel/tcpstack"
	"github.com/tallgrass-os/kernel/udpraw"
	"github.com/tallgrass-os/kernel/unixsock"
	"github.com/tallgrass-os/kernel/vfsstub"
)

// Negative errno values, spec §7's taxonomy. The dispatcher converts an
// internal sentinel error to one of these at the ABI boundary only; every
// other package keeps propagating the Go error unchanged.
const (
	EPERM       = -1
	ENOENT      = -2
	EIO         = -5
	EBADF       = -9
	ECHILD      = -10
	EAGAIN      = -11
	ENOMEM      = -12
	EFAULT      = -14
	EEXIST      = -17
	ENOTDIR     = -20
	EINVAL      = -22
	EMFILE      = -24
	ENOSPC      = -28
	ESPIPE      = -29
	EPIPE       = -32
	ENAMETOOLONG = -36
	ENOSYS      = -38
	ENOTEMPTY   = -39
	ENOTSOCK    = -88
	EDESTADDRREQ = -89
	EMSGSIZE    = -90
	EPROTONOSUPPORT = -93
	EAFNOSUPPORT = -97
	EADDRINUSE  = -98
	EADDRNOTAVAIL = -99
	ENETDOWN    = -100
	ENETUNREACH = -101
	ECONNABORTED = -103
	ECONNRESET  = -104
	ENOBUFS     = -105
	EISCONN     = -106
	ENOTCONN    = -107
	ETIMEDOUT   = -110
	ECONNREFUSED = -111
	EHOSTUNREACH = -113
	EALREADY    = -114
	EINPROGRESS = -115
	EINTR       = -4
	ERESTARTSYS = -512 // internal only; never crosses the ABI boundary
)

// errnoTable maps sentinel errors from every subsystem this dispatcher
// wires to their negative-errno encoding. Built once; lookups fall through
// to EIO for anything unrecognized rather than panic, matching spec §7's
// "propagation" rule that unexpected failures still produce a well-formed
// negative return rather than crash the simulated kernel.
var errnoTable = map[error]int{
	task.ErrInvalidArgument: EINVAL,
	task.ErrNotPermitted:    EPERM,
	task.ErrNoSuchProcess:   ENOENT,
	task.ErrNoSuchTask:      ENOENT,
	task.ErrBadFd:           EBADF,
	task.ErrAgain:           EAGAIN,
	task.ErrNoMemory:        ENOMEM,
	task.ErrBadAddress:      EFAULT,
	task.ErrChildNotFound:   ECHILD,
	task.ErrTooManyLimits:   EINVAL,
	task.ErrRestartSyscall:  ERESTARTSYS,

	ext2.ErrNoSpace:       ENOSPC,
	ext2.ErrInvalidInode:  EINVAL,
	ext2.ErrInvalidBlock:  EINVAL,
	ext2.ErrNameTooLong:   ENAMETOOLONG,
	ext2.ErrExists:        EEXIST,
	ext2.ErrNoSuchEntry:   ENOENT,
	ext2.ErrDirNotEmpty:   ENOTEMPTY,
	ext2.ErrNoRoomInBlock: ENOSPC,
	ext2.ErrBadMagic:      EIO,
	ext2.ErrUnsupportedFeature: EIO,
	ext2.ErrFSNotClean:    EIO,
	ext2.ErrIO:            EIO,

	sock.ErrProtoNotSupported: EPROTONOSUPPORT,
	sock.ErrAddrInUse:         EADDRINUSE,
	sock.ErrAddrNotAvailable:  EADDRNOTAVAIL,
	sock.ErrNotConnected:      ENOTCONN,
	sock.ErrConnRefused:       ECONNREFUSED,
	sock.ErrConnReset:         ECONNRESET,
	sock.ErrInProgress:        EINPROGRESS,
	sock.ErrBrokenPipe:        EPIPE,
	sock.ErrHostUnreachable:   EHOSTUNREACH,
	sock.ErrNetUnreachable:    ENETUNREACH,
	sock.ErrTimedOut:          ETIMEDOUT,
	sock.ErrNotListening:      EINVAL,
	sock.ErrAlreadyListening:  EINVAL,
	sock.ErrWouldBlock:        EAGAIN,

	tcpstack.ErrSocketPairNotSupported: EPROTONOSUPPORT,
	tcpstack.ErrNotConnected:           ENOTCONN,
	tcpstack.ErrConnRetriesExhausted:   ETIMEDOUT,
	tcpstack.ErrNotSynRecv:             EINVAL,

	udpraw.ErrSocketPairNotSupported: EPROTONOSUPPORT,
	udpraw.ErrNotConnected:           ENOTCONN,

	unixsock.ErrSocketPairMismatch: EINVAL,
	unixsock.ErrNotBound:           EDESTADDRREQ,

	blockdev.ErrShortBuffer:  EINVAL,
	blockdev.ErrOutOfRange:   EINVAL,
	blockdev.ErrDeviceClosed: EIO,

	vfsstub.ErrAlreadyMounted: EINVAL,
	vfsstub.ErrNotMounted:     EINVAL,
	vfsstub.ErrExists:         EEXIST,
	vfsstub.ErrNotFound:       ENOENT,

	inet.ErrFamilyUnsupported: EAFNOSUPPORT,
	inet.ErrNoRoute:           ENETUNREACH,
	inet.ErrHostUnreachable:   EHOSTUNREACH,
}

// errno converts err to its negative-errno encoding, or EIO if err is
// unrecognized (spec §7: "failures during per-file operations propagate
// unchanged" up to this boundary, which is the only place they get mapped).
func errno(err error) int64 {
	if err == nil {
		return 0
	}
	if n, ok := errnoTable[err]; ok {
		return int64(n)
	}
	for sentinel, n := range errnoTable {
		if errors.Is(err, sentinel) {
			return int64(n)
		}
	}
	return int64(EIO)
}
