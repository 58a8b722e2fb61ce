package udpraw

import (
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/tallgrass-os/kernel/inet"
	"github.com/tallgrass-os/kernel/sock"
)

// rawVtable implements sock.Protocol for SOCK_RAW (spec §4.K): each raw
// socket registers itself on the stack's protocol fan-out list and is
// delivered a copy of every inbound datagram whose (proto, local_addr)
// matches, via Stack.InputRaw.
type rawVtable struct{ st *Stack }

// NewSocket registers s on the fan-out list (spec §4.K "RAW maintains its
// own list").
func (v rawVtable) NewSocket(s *sock.Socket) error {
	v.st.rawMtx.Lock()
	v.st.raw = append(v.st.raw, s)
	v.st.rawMtx.Unlock()
	return nil
}

// OnClose implements sock.Closer: drop s from the fan-out list.
func (v rawVtable) OnClose(s *sock.Socket) {
	v.st.rawMtx.Lock()
	defer v.st.rawMtx.Unlock()
	for i, cand := range v.st.raw {
		if cand == s {
			v.st.raw = append(v.st.raw[:i], v.st.raw[i+1:]...)
			return
		}
	}
}

func (v rawVtable) Connect(s *sock.Socket, addr string, port uint16) error {
	s.Lock()
	defer s.Unlock()
	s.RemoteAddr = addr
	s.State = sock.Connected
	return nil
}

func (v rawVtable) ConnectPair(a, b *sock.Socket) error { return ErrSocketPairNotSupported }

func (v rawVtable) Read(s *sock.Socket, buf []byte, flags int) (int, error) {
	var p *sock.Packet
	var ok bool
	if flags&sock.MsgPeek != 0 {
		p, ok = s.Inq.Peek()
	} else {
		p, ok = s.Inq.Pop()
	}
	if !ok {
		return 0, sock.ErrWouldBlock
	}
	return copy(buf, p.Data()), nil
}

// Write sends a raw datagram. When FlagIPHdrIncluded is set the caller
// supplies the complete IP header themselves (spec §3.6's IPHDR_INCLUDED
// flag); otherwise one is synthesized from the socket's bound address and
// protocol number.
func (v rawVtable) Write(s *sock.Socket, buf []byte, flags int) (int, error) {
	s.Lock()
	included := s.Flags&sock.FlagIPHdrIncluded != 0
	localAddr := s.LocalAddr
	remoteAddr := s.RemoteAddr
	proto := s.Proto
	s.Unlock()

	if included {
		pkt := gopacket.NewPacket(buf, layers.LayerTypeIPv4, gopacket.NoCopy)
		ipLayer := pkt.Layer(layers.LayerTypeIPv4)
		if ipLayer == nil {
			return 0, sock.ErrAddrNotAvailable
		}
		ip := ipLayer.(*layers.IPv4)
		var dst inet.IPv4
		copy(dst[:], ip.DstIP.To4())
		if err := v.st.resolveAndSend(dst, buf); err != nil {
			return 0, err
		}
		return len(buf), nil
	}

	if remoteAddr == "" {
		return 0, ErrNotConnected
	}
	srcIP, _ := inet.ParseIPv4(localAddr)
	dstIP, err := inet.ParseIPv4(remoteAddr)
	if err != nil {
		return 0, err
	}
	ip := &layers.IPv4{Version: 4, IHL: 5, TTL: 64, Protocol: layers.IPProtocol(proto), SrcIP: srcIP.ToNetIP(), DstIP: dstIP.ToNetIP()}
	gbuf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}
	if err := gopacket.SerializeLayers(gbuf, opts, ip, gopacket.Payload(buf)); err != nil {
		return 0, err
	}
	raw := append([]byte(nil), gbuf.Bytes()...)
	if err := v.st.resolveAndSend(dstIP, raw); err != nil {
		return 0, err
	}
	return len(buf), nil
}

func (v rawVtable) GetSockOpt(s *sock.Socket, level, name int) (int, error) { return 0, nil }
func (v rawVtable) SetSockOpt(s *sock.Socket, level, name, value int) error { return nil }
