package tcpstack

import (
	"errors"

	"github.com/tallgrass-os/kernel/inet"
	"github.com/tallgrass-os/kernel/sock"
)

var ErrSocketPairNotSupported = errors.New("socketpair is not supported for TCP sockets")

// Connect implements sock.Protocol's connect (spec §4.I/§4.J): kicks the
// three-way handshake and returns immediately. The actual wait-for-
// ESTABLISHED blocking, for a blocking caller, is ksyscall's job: it
// registers on the socket via task.Selrecord and retries until Ready()
// reports POLLOUT or Err is set, exactly as spec §4.I describes ("blocking
// waits on the socket's sleep channel").
func (st *Stack) Connect(s *sock.Socket, addr string, port uint16) error {
	s.Lock()
	defer s.Unlock()

	ip, err := inet.ParseIPv4(addr)
	if err != nil {
		return sock.ErrAddrNotAvailable
	}
	tcb := tcbOf(s)
	if tcb == nil {
		return ErrNotSynRecv
	}
	if s.LocalPort == 0 {
		s.Unlock()
		bindErr := s.Bind("0.0.0.0", 0)
		s.Lock()
		if bindErr != nil {
			return bindErr
		}
	}
	localIP, _ := inet.ParseIPv4(s.LocalAddr)
	tcb.LocalAddr = localIP
	tcb.LocalPort = s.LocalPort
	tcb.RemoteAddr = ip
	tcb.RemotePort = port
	tcb.tries = 0

	s.RemoteAddr = addr
	s.RemotePort = port
	s.State = sock.Connecting

	if err := st.sendSyn(tcb); err != nil {
		return err
	}
	if s.Flags&sock.FlagNonblock != 0 {
		return sock.ErrInProgress
	}
	return sock.ErrInProgress
}

// ConnectPair: TCP has no socketpair(2) equivalent (that's AF_UNIX's job).
func (st *Stack) ConnectPair(a, b *sock.Socket) error { return ErrSocketPairNotSupported }

// Shutdown implements sock.Shutdowner: SHUT_WR on an established connection
// sends FIN and begins active close (spec §4.I/§4.J).
func (st *Stack) Shutdown(s *sock.Socket, how int) error {
	if how&sock.ShutWR == 0 {
		return nil
	}
	s.Lock()
	defer s.Unlock()
	tcb := tcbOf(s)
	if tcb == nil {
		return nil
	}
	switch tcb.State {
	case Established:
		tcb.State = FinWait1
		st.sendFin(tcb)
	case CloseWait:
		tcb.State = LastAck
		st.sendFin(tcb)
	}
	return nil
}

// handleListenSyn creates the SYN_RECV child socket for an inbound SYN on a
// listening socket, spec §4.L's accept-queue model reused for TCP.
func (st *Stack) handleListenSyn(listener *sock.Socket, srcIP inet.IPv4, srcPort uint16, dstIP inet.IPv4, dstPort uint16, seq uint32) {
	child, err := sock.NewSocket(listener.Domain, listener.Type, listener.Proto, 64, listener.PID, listener.UID, listener.GID)
	if err != nil {
		return
	}
	child.Lock()
	child.LocalAddr = dstIP.String()
	child.LocalPort = dstPort
	child.RemoteAddr = srcIP.String()
	child.RemotePort = srcPort
	child.State = sock.Connecting
	tcb := tcbOf(child)
	tcb.LocalAddr = dstIP
	tcb.LocalPort = dstPort
	tcb.RemoteAddr = srcIP
	tcb.RemotePort = srcPort
	tcb.RcvNxt = seq + 1
	tcb.IRS = seq
	tcb.SackOK = true
	tcb.State = SynRecv
	st.sendSynAck(tcb)
	child.Unlock()
}

// completeHandshake finalizes a SYN_RECV socket into ESTABLISHED on
// receiving the client's final ACK, and hands it to the listener's accept
// backlog.
func (st *Stack) completeHandshake(listener *sock.Socket, conn *sock.Socket, tcb *TCB) {
	tcb.State = Established
	tcb.SndUna = tcb.SndNxt
	st.disarmRetransmit(tcb)
	conn.State = sock.Connected
	if !listener.PushAccept(conn) {
		conn.Close()
	}
}
