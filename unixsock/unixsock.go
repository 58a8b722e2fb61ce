/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package unixsock implements spec §4.L's Unix-domain sockets: bind creates
// a rendezvous node at a path, connect walks the listener's accept queue
// (paired sockets for SOCK_STREAM, direct paired-queue delivery for
// SOCK_DGRAM per SPEC_FULL's supplemented feature 6), and close tears the
// rendezvous and the peer's pairing down.
package unixsock

import (
	"errors"
	"sync"

	"github.com/tallgrass-os/kernel/klog"
	"github.com/tallgrass-os/kernel/sock"
	"github.com/tallgrass-os/kernel/task"
	"github.com/tallgrass-os/kernel/vfsstub"
)

// POSIX domain/type numbers this engine registers under (spec §4.I's
// "(domain, type, protocol)" tuple); Unix domain sockets have no protocol
// number, so proto is always 0.
const (
	AFUnix = 1
	Proto  = 0
)

var (
	ErrSocketPairMismatch = errors.New("socketpair requires two unix-domain sockets")
	ErrNotBound           = errors.New("socket has no bound path")
)

// Vtable implements sock.Protocol for AF_UNIX, covering both SOCK_STREAM and
// SOCK_DGRAM (registered separately, same vtable instance).
type Vtable struct {
	facade *vfsstub.Facade
	log    *klog.Logger

	mtx   sync.Mutex
	paths map[*sock.Socket]string // sockets this vtable has BindNode'd, for OnClose cleanup
}

// New wires a Unix-domain protocol vtable against the given VFS facade
// (vfsstub.Default() in production, a fresh vfsstub.New() in tests).
func New(facade *vfsstub.Facade, logger *klog.Logger) *Vtable {
	if logger == nil {
		logger = klog.Default()
	}
	return &Vtable{facade: facade, log: logger, paths: make(map[*sock.Socket]string)}
}

// Register installs v as the vtable for (AFUnix, typ, Proto); call once for
// SOCK_STREAM and once for SOCK_DGRAM.
func (v *Vtable) Register(typ int) {
	sock.RegisterProtocol(AFUnix, typ, Proto, v)
}

func (v *Vtable) NewSocket(s *sock.Socket) error { return nil }

// Bind publishes s at path in the VFS facade (spec §4.L: "bind creates a
// SOCK inode at the given path"). This is a unixsock-specific entry point
// rather than sock.Socket.Bind, which is shaped for address/port protocols;
// Unix-domain bind(2) in ksyscall calls this instead.
func (v *Vtable) Bind(s *sock.Socket, path string) error {
	if err := v.facade.BindNode(path, s); err != nil {
		if err == vfsstub.ErrExists {
			return sock.ErrAddrInUse
		}
		return err
	}
	s.Lock()
	s.LocalAddr = path
	s.Unlock()
	v.mtx.Lock()
	v.paths[s] = path
	v.mtx.Unlock()
	return nil
}

// OnClose implements sock.Closer: unpublish s's bound path, if any.
func (v *Vtable) OnClose(s *sock.Socket) {
	v.mtx.Lock()
	path, ok := v.paths[s]
	if ok {
		delete(v.paths, s)
	}
	v.mtx.Unlock()
	if ok {
		v.facade.UnbindNode(path)
	}
}

// Connect implements spec §4.L's connect: walk the server's accept queue
// for SOCK_STREAM, or record the peer path for direct delivery for
// SOCK_DGRAM.
func (v *Vtable) Connect(s *sock.Socket, addr string, port uint16) error {
	node, ok := v.facade.LookupNode(addr)
	if !ok {
		return sock.ErrConnRefused
	}
	target, ok := node.(*sock.Socket)
	if !ok {
		return sock.ErrConnRefused
	}

	s.Lock()
	typ := s.Type
	s.Unlock()

	if typ == sock.SockDgram {
		s.Lock()
		s.RemoteAddr = addr
		s.State = sock.Connected
		s.Unlock()
		return nil
	}

	target.Lock()
	listening := target.State == sock.Listening
	target.Unlock()
	if !listening {
		return sock.ErrConnRefused
	}

	child, err := sock.NewSocket(s.Domain, s.Type, s.Proto, 64, s.PID, s.UID, s.GID)
	if err != nil {
		return err
	}
	child.Lock()
	child.LocalAddr = addr
	child.State = sock.Connected
	child.Paired = s
	child.Unlock()

	if !target.PushAccept(child) {
		child.Close()
		return sock.ErrWouldBlock
	}

	s.Lock()
	s.RemoteAddr = addr
	s.Paired = child
	s.State = sock.Connected
	s.Unlock()
	return nil
}

// ConnectPair implements socketpair(2) (spec §4.L's paired sockets, created
// directly rather than via bind/connect/accept).
func (v *Vtable) ConnectPair(a, b *sock.Socket) error {
	a.Lock()
	b.Lock()
	a.Paired, b.Paired = b, a
	a.State, b.State = sock.Connected, sock.Connected
	a.Unlock()
	b.Unlock()
	return nil
}

// Read pops the next queued packet, honoring MSG_PEEK/MSG_DONTWAIT (already
// implemented generically by sock.PacketQueue/Socket).
func (v *Vtable) Read(s *sock.Socket, buf []byte, flags int) (int, error) {
	var p *sock.Packet
	var ok bool
	if flags&sock.MsgPeek != 0 {
		p, ok = s.Inq.Peek()
	} else {
		p, ok = s.Inq.Pop()
	}
	if !ok {
		s.Lock()
		shutR := s.Flags&sock.FlagShutRemote != 0
		s.Unlock()
		if shutR {
			return 0, nil // EOF
		}
		return 0, sock.ErrWouldBlock
	}
	return copy(buf, p.Data()), nil
}

// Write enqueues to the peer's in-queue and selwakes the peer (spec §4.L:
// "Read/write enqueues to the peer's in-queue and selwakes the peer").
// SOCK_STREAM uses the Paired socket set up by Connect/ConnectPair/Accept;
// SOCK_DGRAM looks the destination path up fresh on every call, the way
// sendto(2) does for a connectionless socket.
func (v *Vtable) Write(s *sock.Socket, buf []byte, flags int) (int, error) {
	s.Lock()
	typ := s.Type
	paired := s.Paired
	remoteAddr := s.RemoteAddr
	shutLocal := s.Flags&sock.FlagShutLocal != 0
	s.Unlock()
	if shutLocal {
		return 0, sock.ErrBrokenPipe
	}

	var dst *sock.Socket
	if typ == sock.SockDgram {
		if remoteAddr == "" {
			return 0, sock.ErrNotConnected
		}
		node, ok := v.facade.LookupNode(remoteAddr)
		if !ok {
			return 0, sock.ErrConnRefused
		}
		dst, ok = node.(*sock.Socket)
		if !ok {
			return 0, sock.ErrConnRefused
		}
	} else {
		if paired == nil {
			return 0, sock.ErrNotConnected
		}
		dst = paired
	}

	if !dst.Inq.TryPush(sock.NewPacket(buf)) {
		return 0, task.ErrAgain
	}
	task.Selwakeup(dst.Channel())
	return len(buf), nil
}

func (v *Vtable) GetSockOpt(s *sock.Socket, level, name int) (int, error) { return 0, nil }
func (v *Vtable) SetSockOpt(s *sock.Socket, level, name, value int) error { return nil }
