/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package ksyscall

import (
	"time"

	"github.com/tallgrass-os/kernel/inet"
	"github.com/tallgrass-os/kernel/sock"
	"github.com/tallgrass-os/kernel/task"
)

// RegisterNetSyscalls wires component I's socket(2) family plus the
// select/poll surface into d (spec §2 I, §4.F). It relies on sock's own
// process-wide socket table (sock.Lookup) to resolve an fd; the dispatcher
// itself keeps no separate fd index.
func RegisterNetSyscalls(d *Dispatcher) {
	d.Register(SYS_SOCKET, "socket", sysSocket, false)
	d.Register(SYS_SOCKETPAIR, "socketpair", sysSocketpair, false)
	d.Register(SYS_BIND, "bind", sysBind, false)
	d.Register(SYS_CONNECT, "connect", sysConnect, true)
	d.Register(SYS_LISTEN, "listen", sysListen, false)
	d.Register(SYS_ACCEPT, "accept", sysAccept, true)
	d.Register(SYS_GETSOCKOPT, "getsockopt", sysGetsockopt, false)
	d.Register(SYS_SETSOCKOPT, "setsockopt", sysSetsockopt, false)
	d.Register(SYS_GETSOCKNAME, "getsockname", sysGetsockname, false)
	d.Register(SYS_GETPEERNAME, "getpeername", sysGetpeername, false)
	d.Register(SYS_SENDTO, "sendto", sysSendto, true)
	d.Register(SYS_SENDMSG, "sendmsg", sysSendto, true)
	d.Register(SYS_RECVFROM, "recvfrom", sysRecvfrom, true)
	d.Register(SYS_RECVMSG, "recvmsg", sysRecvfrom, true)
	d.Register(SYS_SHUTDOWN, "shutdown", sysShutdown, false)

	d.Register(SYS_SELECT, "select", sysSelect, true)
	d.Register(SYS_PSELECT6, "pselect6", sysPselect6, true)
	d.Register(SYS_POLL, "poll", sysPoll, true)
	d.Register(SYS_PPOLL, "ppoll", sysPoll, true)
}

// socketFd installs sock's fd (its own table-wide fd counter, spec §4.I)
// into the calling task's own file table too, so the two views of "the fd"
// -- sock's global table and the per-task Files map ksyscall's read/write/
// close-family handlers walk -- stay addressable by the same number.
func socketFd(t *task.Task, s *sock.Socket) int {
	of := task.NewOpenFile("", 0, false)
	of.Socket = s
	t.Files.Files[s.FD] = of
	return s.FD
}

func sysSocket(d *Dispatcher, t *task.Task, args Args) (int64, error) {
	domain, typ, proto := int(args[0]), int(args[1]), int(args[2])
	s, err := sock.NewSocket(domain, typ, proto, defaultQueueDepth, int(t.Tid), t.Creds.UID, t.Creds.GID)
	if err != nil {
		return 0, err
	}
	return int64(socketFd(t, s)), nil
}

// defaultQueueDepth bounds each new socket's send/receive packet queue
// depth (spec §3.6); cmd/kernsim may override per-protocol behavior through
// the vtable but every socket shares this queueing budget at creation.
const defaultQueueDepth = 64

func sysSocketpair(d *Dispatcher, t *task.Task, args Args) (int64, error) {
	domain, typ, proto := int(args[0]), int(args[1]), int(args[2])
	a, err := sock.NewSocket(domain, typ, proto, defaultQueueDepth, int(t.Tid), t.Creds.UID, t.Creds.GID)
	if err != nil {
		return 0, err
	}
	b, err := sock.NewSocket(domain, typ, proto, defaultQueueDepth, int(t.Tid), t.Creds.UID, t.Creds.GID)
	if err != nil {
		a.Close()
		return 0, err
	}
	if err := sock.ConnectPair(a, b); err != nil {
		a.Close()
		b.Close()
		return 0, err
	}
	fdA, fdB := socketFd(t, a), socketFd(t, b)
	return int64(fdA)<<32 | int64(uint32(fdB)), nil
}

func resolveSocket(t *task.Task, fd int) (*sock.Socket, error) {
	if of, ok := t.Files.Files[fd]; ok {
		if s, ok := of.Socket.(*sock.Socket); ok {
			return s, nil
		}
	}
	if s, ok := sock.Lookup(fd); ok {
		return s, nil
	}
	return nil, task.ErrBadFd
}

// addrFromArgs unpacks a simulated sockaddr_in from two registers the way
// this module's ABI represents user memory it cannot actually copy_from_user
// into: args[1]=IPv4 address as a big-endian uint32, args[2]=port.
func addrFromArgs(addr, port int64) (string, uint16) {
	ip := inet.Uint32ToIPv4(uint32(addr))
	return ip.String(), uint16(port)
}

func sysBind(d *Dispatcher, t *task.Task, args Args) (int64, error) {
	s, err := resolveSocket(t, int(args[0]))
	if err != nil {
		return 0, err
	}
	addr, port := addrFromArgs(args[1], args[2])
	return 0, s.Bind(addr, port)
}

func sysConnect(d *Dispatcher, t *task.Task, args Args) (int64, error) {
	s, err := resolveSocket(t, int(args[0]))
	if err != nil {
		return 0, err
	}
	addr, port := addrFromArgs(args[1], args[2])
	return 0, s.Connect(addr, port)
}

func sysListen(d *Dispatcher, t *task.Task, args Args) (int64, error) {
	s, err := resolveSocket(t, int(args[0]))
	if err != nil {
		return 0, err
	}
	return 0, s.Listen(int(args[1]))
}

func sysAccept(d *Dispatcher, t *task.Task, args Args) (int64, error) {
	s, err := resolveSocket(t, int(args[0]))
	if err != nil {
		return 0, err
	}
	conn, err := s.Accept()
	if err != nil {
		return 0, err
	}
	return int64(socketFd(t, conn)), nil
}

func sysGetsockopt(d *Dispatcher, t *task.Task, args Args) (int64, error) {
	s, err := resolveSocket(t, int(args[0]))
	if err != nil {
		return 0, err
	}
	v, err := s.GetSockOpt(int(args[1]), int(args[2]))
	return int64(v), err
}

func sysSetsockopt(d *Dispatcher, t *task.Task, args Args) (int64, error) {
	s, err := resolveSocket(t, int(args[0]))
	if err != nil {
		return 0, err
	}
	return 0, s.SetSockOpt(int(args[1]), int(args[2]), int(args[3]))
}

func sysGetsockname(d *Dispatcher, t *task.Task, args Args) (int64, error) {
	s, err := resolveSocket(t, int(args[0]))
	if err != nil {
		return 0, err
	}
	ip, perr := inet.ParseIPv4(s.LocalAddr)
	if perr != nil {
		return 0, nil
	}
	return int64(ip.Uint32())<<32 | int64(s.LocalPort), nil
}

func sysGetpeername(d *Dispatcher, t *task.Task, args Args) (int64, error) {
	s, err := resolveSocket(t, int(args[0]))
	if err != nil {
		return 0, err
	}
	ip, perr := inet.ParseIPv4(s.RemoteAddr)
	if perr != nil {
		return 0, nil
	}
	return int64(ip.Uint32())<<32 | int64(s.RemotePort), nil
}

// netBuf is the shared in-process stand-in for the user buffer sendto/recvfrom
// would otherwise copy through ucopy: a scratch slot on the dispatcher
// keyed by the calling task and fd, since there is no real user
// address space to slice here. This is documented as a simulated-ABI
// limitation, not a general send/recv implementation detail -- tcpstack/
// udpraw/unixsock below this layer move real []byte payloads.
func (d *Dispatcher) netBuf(t *task.Task, fd int) []byte {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	key := netBufKey{t.Tid, fd}
	b, ok := d.bufs[key]
	if !ok {
		b = make([]byte, 4096)
		d.bufs[key] = b
	}
	return b
}

type netBufKey struct {
	tid task.TID
	fd  int
}

func sysSendto(d *Dispatcher, t *task.Task, args Args) (int64, error) {
	fd := int(args[0])
	s, err := resolveSocket(t, fd)
	if err != nil {
		return 0, err
	}
	n := int(args[1])
	buf := d.netBuf(t, fd)
	if n > len(buf) {
		n = len(buf)
	}
	if args[3] != 0 { // destination address supplied: connectionless send
		addr, port := addrFromArgs(args[4], args[5])
		if s.State == sock.Unconnected {
			if bindErr := s.Bind("", 0); bindErr != nil && bindErr != sock.ErrAddrInUse {
				return 0, bindErr
			}
		}
		if cerr := s.Connect(addr, port); cerr != nil && cerr != sock.ErrInProgress {
			return 0, cerr
		}
	}
	sent, err := s.Send(buf[:n], int(args[2]))
	return int64(sent), err
}

func sysRecvfrom(d *Dispatcher, t *task.Task, args Args) (int64, error) {
	fd := int(args[0])
	s, err := resolveSocket(t, fd)
	if err != nil {
		return 0, err
	}
	n := int(args[1])
	buf := d.netBuf(t, fd)
	if n > len(buf) {
		n = len(buf)
	}
	got, err := s.Recv(buf[:n], int(args[2]))
	return int64(got), err
}

func sysShutdown(d *Dispatcher, t *task.Task, args Args) (int64, error) {
	s, err := resolveSocket(t, int(args[0]))
	if err != nil {
		return 0, err
	}
	return 0, s.Shutdown(int(args[1]))
}

// decodeFds rebuilds the caller's pollfd/fd_set fd list from the fixed
// register ABI rather than copying it from user memory: args carries
// up to three fds packed 16 bits each (the simulated ABI has no struct
// pollfd array, so select/poll here are bounded to a handful of fds -- see
// spec §4.F's three-fd worked example).
func decodeFds(packed int64, count int) []int {
	fds := make([]int, 0, count)
	for i := 0; i < count; i++ {
		v := int16(packed >> (16 * uint(i)))
		if v == 0 && i > 0 {
			break
		}
		fds = append(fds, int(v))
	}
	return fds
}

func selectCore(t *task.Task, fds []int, wantEvents int, timeoutNs int64) (int64, error) {
	pollables := make([]task.Pollable, 0, len(fds))
	events := make([]int, 0, len(fds))
	for _, fd := range fds {
		s, err := resolveSocket(t, fd)
		if err != nil {
			continue
		}
		pollables = append(pollables, s)
		events = append(events, wantEvents)
	}
	ready, err := task.SelectPoll(t, pollables, events, time.Duration(timeoutNs))
	if err != nil {
		return 0, err
	}
	n := 0
	for _, r := range ready {
		if r != 0 {
			n++
		}
	}
	return int64(n), nil
}

// sysSelect's Args convention: args[0]=packed readfds (up to 3, 16 bits
// each), args[4]=timeout nanoseconds, args[5]=1 means block forever (NULL
// timeval).
func sysSelect(d *Dispatcher, t *task.Task, args Args) (int64, error) {
	fds := decodeFds(args[0], 3)
	timeout := time.Duration(args[4])
	if args[5] != 0 {
		timeout = 0
	}
	return selectCore(t, fds, task.POLLIN, int64(timeout))
}

func sysPselect6(d *Dispatcher, t *task.Task, args Args) (int64, error) {
	return sysSelect(d, t, args)
}

// sysPoll's Args convention: args[0]=packed fds, args[1]=requested events
// mask shared across them (a simplification of poll's per-fd events),
// args[2]=timeout in milliseconds (-1 encoded as args[3]!=0 meaning block
// forever).
func sysPoll(d *Dispatcher, t *task.Task, args Args) (int64, error) {
	fds := decodeFds(args[0], 3)
	timeout := time.Duration(args[2]) * time.Millisecond
	if args[3] != 0 {
		timeout = 0
	}
	return selectCore(t, fds, int(args[1]), int64(timeout))
}
