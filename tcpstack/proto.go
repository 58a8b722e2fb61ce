package tcpstack

import (
	"errors"

	"github.com/tallgrass-os/kernel/sock"
)

// sockopt names this engine understands (spec §4.J's SO_LINGER).
const (
	SOLinger = 1
)

var ErrNotConnected = errors.New("tcp socket is not connected")

// Read implements sock.Protocol: data already reassembled in order by Input
// lives in s.Inq, so recv is just a queue pop honoring MSG_PEEK/MSG_DONTWAIT
// (both already handled by PacketQueue/Socket).
func (st *Stack) Read(s *sock.Socket, buf []byte, flags int) (int, error) {
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

// Write implements sock.Protocol: data handed to send(2) is queued for
// transmission through tcp_queue_transmit, chunked to SMSS.
func (st *Stack) Write(s *sock.Socket, buf []byte, flags int) (int, error) {
	s.Lock()
	tcb := tcbOf(s)
	if tcb == nil || (tcb.State != Established && tcb.State != CloseWait) {
		s.Unlock()
		return 0, ErrNotConnected
	}
	mss := int(tcb.SMSS)
	if mss <= 0 {
		mss = DefaultMSS
	}
	sent := 0
	for sent < len(buf) {
		n := len(buf) - sent
		if n > mss {
			n = mss
		}
		chunk := buf[sent : sent+n]
		seq := tcb.SndNxt
		segFl := flagACK
		if sent+n == len(buf) {
			segFl |= flagPSH
		}
		if err := st.queueTransmit(tcb, segFl, seq, chunk, false); err != nil {
			s.Unlock()
			return sent, err
		}
		tcb.SndNxt = seq + uint32(n)
		sent += n
	}
	s.Unlock()
	return sent, nil
}

func (st *Stack) GetSockOpt(s *sock.Socket, level, name int) (int, error) {
	if name == SOLinger {
		return 2 * int(MSL.Seconds()), nil
	}
	return 0, nil
}

func (st *Stack) SetSockOpt(s *sock.Socket, level, name, value int) error {
	return nil
}
