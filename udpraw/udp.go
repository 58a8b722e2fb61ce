package udpraw

import (
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/tallgrass-os/kernel/inet"
	"github.com/tallgrass-os/kernel/sock"
)

// udpVtable implements sock.Protocol for SOCK_DGRAM/IPPROTO_UDP (spec §4.K:
// "UDP push wraps a UDP header and defers to IPv4").
type udpVtable struct{ st *Stack }

func (v udpVtable) NewSocket(s *sock.Socket) error { return nil }

// Connect for UDP simply records the peer and marks connected (spec §4.I:
// "UDP and RAW simply record the peer and mark connected").
func (v udpVtable) Connect(s *sock.Socket, addr string, port uint16) error {
	s.Lock()
	defer s.Unlock()
	if s.LocalPort == 0 {
		s.Unlock()
		err := s.Bind("0.0.0.0", 0)
		s.Lock()
		if err != nil {
			return err
		}
	}
	s.RemoteAddr = addr
	s.RemotePort = port
	s.State = sock.Connected
	return nil
}

func (v udpVtable) ConnectPair(a, b *sock.Socket) error { return ErrSocketPairNotSupported }

func (v udpVtable) Read(s *sock.Socket, buf []byte, flags int) (int, error) {
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

// Write builds and sends one UDP datagram (spec §4.K). The checksum is
// computed (gopacket's SerializeOptions{ComputeChecksums: true}) but spec
// §6.2 allows it to go out as zero for broadcast, which gopacket does not
// special-case; we leave the real checksum in place since nothing downstream
// in this simulated kernel validates zero-checksum broadcast UDP specially.
func (v udpVtable) Write(s *sock.Socket, buf []byte, flags int) (int, error) {
	s.Lock()
	localAddr, localPort := s.LocalAddr, s.LocalPort
	remoteAddr, remotePort := s.RemoteAddr, s.RemotePort
	s.Unlock()
	if remoteAddr == "" {
		return 0, ErrNotConnected
	}
	if localPort == 0 {
		if err := s.Bind("0.0.0.0", 0); err != nil {
			return 0, err
		}
		s.Lock()
		localAddr, localPort = s.LocalAddr, s.LocalPort
		s.Unlock()
	}

	srcIP, _ := inet.ParseIPv4(localAddr)
	dstIP, err := inet.ParseIPv4(remoteAddr)
	if err != nil {
		return 0, err
	}

	ip := &layers.IPv4{Version: 4, IHL: 5, TTL: 64, Protocol: layers.IPProtocolUDP, SrcIP: srcIP.ToNetIP(), DstIP: dstIP.ToNetIP()}
	udp := &layers.UDP{SrcPort: layers.UDPPort(localPort), DstPort: layers.UDPPort(remotePort)}
	udp.SetNetworkLayerForChecksum(ip)

	gbuf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}
	if err := gopacket.SerializeLayers(gbuf, opts, ip, udp, gopacket.Payload(buf)); err != nil {
		return 0, err
	}
	raw := append([]byte(nil), gbuf.Bytes()...)
	if err := v.st.resolveAndSend(dstIP, raw); err != nil {
		return 0, err
	}
	return len(buf), nil
}

func (v udpVtable) GetSockOpt(s *sock.Socket, level, name int) (int, error) { return 0, nil }
func (v udpVtable) SetSockOpt(s *sock.Socket, level, name, value int) error { return nil }
