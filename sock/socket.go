package sock

import (
	"errors"
	"math/rand"
	"sync"

	"github.com/tallgrass-os/kernel/klog"
	"github.com/tallgrass-os/kernel/task"
)

// State is a Socket's connection state (spec §3.6).
type State int

const (
	Unconnected State = iota
	Listening
	Connecting
	Connected
	Disconnecting
)

// Flags, spec §3.6.
const (
	FlagNonblock = 1 << iota
	FlagShutLocal
	FlagShutRemote
	FlagTCPNoDelay
	FlagIPHdrIncluded
	FlagCloExec
)

var (
	ErrProtoNotSupported = errors.New("protocol not supported")
	ErrAddrInUse         = errors.New("address already in use")
	ErrAddrNotAvailable  = errors.New("address not available")
	ErrNotConnected      = errors.New("socket is not connected")
	ErrConnRefused       = errors.New("connection refused")
	ErrConnReset         = errors.New("connection reset by peer")
	ErrInProgress        = errors.New("operation now in progress")
	ErrBrokenPipe        = errors.New("broken pipe")
	ErrHostUnreachable   = errors.New("no route to host")
	ErrNetUnreachable    = errors.New("network is unreachable")
	ErrTimedOut          = errors.New("connection timed out")
)

// highPortLo/highPortHi bound the ephemeral port range bind(2) allocates
// from when the caller leaves the port unspecified (spec §4.I).
const (
	highPortLo = 0x0400
	highPortHi = 0xffff
)

// Protocol is the vtable each transport module (tcpstack/udpraw/unixsock)
// registers for a (domain, type, protocol) tuple (spec §4.I).
type Protocol interface {
	Connect(s *Socket, addr string, port uint16) error
	ConnectPair(a, b *Socket) error // connect2, for socketpair
	NewSocket(s *Socket) error
	Read(s *Socket, buf []byte, flags int) (int, error)
	Write(s *Socket, buf []byte, flags int) (int, error)
	GetSockOpt(s *Socket, level, name int) (int, error)
	SetSockOpt(s *Socket, level, name, value int) error
}

// Socket is spec §3.6's socket record.
type Socket struct {
	mtx sync.Mutex

	Domain, Type, Proto int
	vtable              Protocol

	State State
	Flags int

	LocalAddr, RemoteAddr   string
	LocalPort, RemotePort   uint16

	Inq, Outq *PacketQueue

	PollEvents int
	TTL        int
	Parent     *Socket      // for accept
	Paired     *Socket      // for Unix domain
	acceptQ    *AcceptQueue // non-nil once Listen has been called

	PID, UID, GID int
	Err           error

	FD int

	// TCP (and other stateful protocols) stash their extended per-connection
	// record here; sock itself never interprets it.
	Ext interface{}

	closed bool
	next   *Socket // singly linked table membership, spec §4.I
}

// Channel satisfies task.Pollable: the socket's own identity is the wakeup
// channel selrecord/selwakeup key on.
func (s *Socket) Channel() interface{} { return s }

// Ready satisfies task.Pollable (spec §4.F).
func (s *Socket) Ready(events int) int {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	r := 0
	acceptPending := s.acceptQ != nil && s.acceptQ.Len() > 0
	if events&task.POLLIN != 0 && (s.Inq.Len() > 0 || acceptPending || s.closed || s.Flags&FlagShutRemote != 0) {
		r |= task.POLLIN
	}
	if events&task.POLLOUT != 0 && !s.closed && s.State != Connecting {
		r |= task.POLLOUT
	}
	if s.closed {
		r |= task.POLLHUP
	}
	if s.Err != nil {
		r |= task.POLLERR
	}
	return r
}

// table is the process-wide socket table: a singly linked list with one
// global lock (spec §4.I, §9 "process-wide singletons").
var table = struct {
	sync.Mutex
	head   *Socket
	nextFD int
}{nextFD: 3} // 0,1,2 reserved for stdio by convention

var protocols = struct {
	sync.Mutex
	m map[protoKey]Protocol
}{m: make(map[protoKey]Protocol)}

type protoKey struct{ domain, typ, proto int }

// RegisterProtocol installs the vtable for (domain, type, protocol); called
// once at startup by tcpstack/udpraw/unixsock's init-equivalent wiring in
// cmd/kernsim.
func RegisterProtocol(domain, typ, proto int, p Protocol) {
	protocols.Lock()
	defer protocols.Unlock()
	protocols.m[protoKey{domain, typ, proto}] = p
}

func lookupProtocol(domain, typ, proto int) (Protocol, bool) {
	protocols.Lock()
	defer protocols.Unlock()
	p, ok := protocols.m[protoKey{domain, typ, proto}]
	return p, ok
}

// NewSocket creates a socket for (domain, type, protocol), default queue
// depth queueDepth, and links it into the socket table (spec §4.I).
func NewSocket(domain, typ, proto int, queueDepth int, pid, uid, gid int) (*Socket, error) {
	vt, ok := lookupProtocol(domain, typ, proto)
	if !ok {
		return nil, ErrProtoNotSupported
	}
	s := &Socket{
		Domain: domain, Type: typ, Proto: proto,
		vtable: vt,
		Inq:    NewPacketQueue(queueDepth),
		Outq:   NewPacketQueue(queueDepth),
		PID:    pid, UID: uid, GID: gid,
	}
	if err := vt.NewSocket(s); err != nil {
		return nil, err
	}

	table.Lock()
	s.FD = table.nextFD
	table.nextFD++
	s.next = table.head
	table.head = s
	table.Unlock()

	klog.Default().Debug("sock", "socket created", klog.KV("fd", s.FD), klog.KV("domain", domain), klog.KV("type", typ))
	return s, nil
}

// portInUse reports whether port is already bound for (family, protocol) by
// a live socket other than except.
func portInUse(domain, proto int, addr string, port uint16, except *Socket) bool {
	table.Lock()
	defer table.Unlock()
	for s := table.head; s != nil; s = s.next {
		if s == except || s.closed {
			continue
		}
		s.mtx.Lock()
		match := s.Domain == domain && s.Proto == proto && s.LocalPort == port &&
			(s.LocalAddr == addr || s.LocalAddr == "0.0.0.0" || addr == "0.0.0.0")
		s.mtx.Unlock()
		if match {
			return true
		}
	}
	return false
}

// FindListener returns the listening socket for (domain, type, proto, addr,
// port), used by tcpstack/unixsock/udpraw to route an inbound SYN, datagram,
// or connect attempt to its accept queue or receive queue (spec §4.I/§4.K/§4.L).
func FindListener(domain, typ, proto int, addr string, port uint16) *Socket {
	table.Lock()
	defer table.Unlock()
	for s := table.head; s != nil; s = s.next {
		if s.closed {
			continue
		}
		s.mtx.Lock()
		eligible := s.Type == SockDgram || s.State == Listening
		match := eligible && s.Domain == domain && s.Type == typ && s.Proto == proto && s.LocalPort == port &&
			(s.LocalAddr == addr || s.LocalAddr == "0.0.0.0")
		s.mtx.Unlock()
		if match {
			return s
		}
	}
	return nil
}

// FindConnected returns the established (or handshaking) socket matching the
// full five-tuple, used by tcpstack/udpraw's input path to route inbound
// data/ACK segments to their connection.
func FindConnected(domain, typ, proto int, localAddr string, localPort uint16, remoteAddr string, remotePort uint16) *Socket {
	table.Lock()
	defer table.Unlock()
	for s := table.head; s != nil; s = s.next {
		if s.closed {
			continue
		}
		s.mtx.Lock()
		match := s.Domain == domain && s.Type == typ && s.Proto == proto &&
			s.LocalPort == localPort && s.LocalAddr == localAddr &&
			s.RemotePort == remotePort && s.RemoteAddr == remoteAddr
		s.mtx.Unlock()
		if match {
			return s
		}
	}
	return nil
}

// Lookup returns the live socket registered under fd, for ksyscall's fd
// table to resolve a syscall argument back to a *Socket without keeping a
// parallel index of its own.
func Lookup(fd int) (*Socket, bool) {
	table.Lock()
	defer table.Unlock()
	for s := table.head; s != nil; s = s.next {
		if s.FD == fd && !s.closed {
			return s, true
		}
	}
	return nil, false
}

func allocHighPort(domain, proto int, addr string, except *Socket) (uint16, error) {
	for i := 0; i < 4096; i++ {
		p := uint16(highPortLo + rand.Intn(highPortHi-highPortLo+1))
		if !portInUse(domain, proto, addr, p, except) {
			return p, nil
		}
	}
	return 0, ErrAddrInUse
}

// Socket types, the POSIX SOCK_* numbers (spec §3.6's `type` field).
const (
	SockStream = 1
	SockDgram  = 2
	SockRaw    = 3
)

// Bind implements spec §4.I's bind: validates the address, allocates a high
// port when the caller left port zero (except for RAW sockets, which have
// no ports at all and fan out by protocol number instead), and rejects a
// colliding (address, port) tuple.
func (s *Socket) Bind(addr string, port uint16) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if addr == "" {
		addr = "0.0.0.0"
	}
	if s.Type == SockRaw {
		// RAW has no port space at all; uniqueness is handled by the
		// (proto, addr) fan-out match at delivery time, not here.
	} else if port == 0 {
		p, err := allocHighPort(s.Domain, s.Proto, addr, s)
		if err != nil {
			return err
		}
		port = p
	} else if portInUse(s.Domain, s.Proto, addr, port, s) {
		return ErrAddrInUse
	}
	s.LocalAddr = addr
	s.LocalPort = port
	return nil
}

// Connect implements spec §4.I's connect: dispatches to the protocol
// vtable, which decides blocking/EINPROGRESS semantics.
func (s *Socket) Connect(addr string, port uint16) error {
	s.mtx.Lock()
	vt := s.vtable
	s.mtx.Unlock()
	return vt.Connect(s, addr, port)
}

// ConnectPair implements socketpair's connect2.
func ConnectPair(a, b *Socket) error {
	return a.vtableRef().ConnectPair(a, b)
}

func (s *Socket) vtableRef() Protocol {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.vtable
}

// Send implements spec §4.I's send path: iovec buffers are flattened by the
// caller (ksyscall) before reaching here.
func (s *Socket) Send(buf []byte, flags int) (int, error) {
	s.mtx.Lock()
	shutLocal := s.Flags&FlagShutLocal != 0
	nonblock := s.Flags&FlagNonblock != 0 || flags&MsgDontwait != 0
	vt := s.vtable
	s.mtx.Unlock()
	if shutLocal {
		return 0, ErrBrokenPipe
	}
	_ = nonblock
	return vt.Write(s, buf, flags)
}

// Recv implements spec §4.I's recv path: MSG_PEEK leaves the queue
// position untouched (handled inside the protocol's Read via PacketQueue's
// own peek buffer); MSG_DONTWAIT never blocks.
func (s *Socket) Recv(buf []byte, flags int) (int, error) {
	s.mtx.Lock()
	vt := s.vtable
	s.mtx.Unlock()
	return vt.Read(s, buf, flags)
}

const (
	MsgPeek = 1 << iota
	MsgDontwait
)

// Shutdown applies SHUT_RD/SHUT_WR/SHUT_RDWR (spec §4.I).
const (
	ShutRD = 1 << iota
	ShutWR
)

// Shutdowner is an optional Protocol extension: TCP implements it so
// shutdown(SHUT_WR) can kick close-initiation (spec §4.I: "for TCP,
// transitions the state machine to close initiation").
type Shutdowner interface {
	Shutdown(s *Socket, how int) error
}

// Closer is an optional Protocol extension: a protocol module that keeps its
// own auxiliary tracking structure outside the socket table -- RAW's
// per-protocol fan-out list (spec §4.K), unixsock's path rendezvous entry
// (spec §4.L) -- implements it to tear that down when the socket closes.
type Closer interface {
	OnClose(s *Socket)
}

func (s *Socket) Shutdown(how int) error {
	s.mtx.Lock()
	if how&ShutRD != 0 {
		s.Flags |= FlagShutRemote
	}
	if how&ShutWR != 0 {
		s.Flags |= FlagShutLocal
	}
	vt := s.vtable
	s.mtx.Unlock()
	task.Selwakeup(s.Channel())
	if sd, ok := vt.(Shutdowner); ok {
		return sd.Shutdown(s, how)
	}
	return nil
}

// Close implements spec §4.I's close: drop the table reference, flush
// queues, detach any paired socket, and let the protocol schedule its own
// linger/cleanup (TCP's TIME_WAIT timer).
func (s *Socket) Close() error {
	s.mtx.Lock()
	if s.closed {
		s.mtx.Unlock()
		return nil
	}
	s.closed = true
	paired := s.Paired
	s.Paired = nil
	vt := s.vtable
	s.mtx.Unlock()

	if c, ok := vt.(Closer); ok {
		c.OnClose(s)
	}

	s.Inq.Drain()
	s.Outq.Drain()

	if paired != nil {
		paired.mtx.Lock()
		paired.Paired = nil
		paired.Flags |= FlagShutRemote
		paired.mtx.Unlock()
		task.Selwakeup(paired.Channel())
	}

	table.Lock()
	var prev *Socket
	for cur := table.head; cur != nil; cur = cur.next {
		if cur == s {
			if prev == nil {
				table.head = cur.next
			} else {
				prev.next = cur.next
			}
			break
		}
		prev = cur
	}
	table.Unlock()

	task.Selwakeup(s.Channel())
	return nil
}

// GetSockOpt/SetSockOpt dispatch to the protocol vtable.
func (s *Socket) GetSockOpt(level, name int) (int, error) { return s.vtableRef().GetSockOpt(s, level, name) }
func (s *Socket) SetSockOpt(level, name, value int) error { return s.vtableRef().SetSockOpt(s, level, name, value) }

// Lock/Unlock expose the per-socket lock to protocol modules, which must
// hold it for the duration of any state-machine mutation (spec §5's
// ordering guarantees).
func (s *Socket) Lock()   { s.mtx.Lock() }
func (s *Socket) Unlock() { s.mtx.Unlock() }

func wakeup(ch interface{}) { task.Selwakeup(ch) }
