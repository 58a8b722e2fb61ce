package udpraw

import (
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/tallgrass-os/kernel/inet"
	"github.com/tallgrass-os/kernel/sock"
)

type rawTestIP struct{ src, dst inet.IPv4 }

func (r *rawTestIP) serialize(t *testing.T) []byte {
	t.Helper()
	ip := &layers.IPv4{Version: 4, IHL: 5, TTL: 64, Protocol: layers.IPProtocol(testRawProto), SrcIP: r.src.ToNetIP(), DstIP: r.dst.ToNetIP()}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}
	if err := gopacket.SerializeLayers(buf, opts, ip, gopacket.Payload([]byte("ping"))); err != nil {
		t.Fatalf("serialize: %v", err)
	}
	return append([]byte(nil), buf.Bytes()...)
}

func newLoopStack(t *testing.T) (*Stack, *inet.LoopInterface, *inet.LoopInterface) {
	t.Helper()
	a := inet.NewLoopInterface("eth0", inet.HWAddr{1, 1, 1, 1, 1, 1}, 1500)
	b := inet.NewLoopInterface("eth1", inet.HWAddr{2, 2, 2, 2, 2, 2}, 1500)
	a.Peer = b
	a.SetAddr(inet.IPv4{10, 0, 0, 1}, inet.IPv4{255, 255, 255, 0})
	b.SetAddr(inet.IPv4{10, 0, 0, 2}, inet.IPv4{255, 255, 255, 0})

	arp := inet.NewARPTable()
	arp.Set(inet.IPv4{10, 0, 0, 2}, b.HWAddr())
	arp.Set(inet.IPv4{10, 0, 0, 1}, a.HWAddr())
	routes := inet.NewRouteTable()
	routes.Add(inet.Route{Dest: inet.IPv4{10, 0, 0, 0}, Mask: inet.IPv4{255, 255, 255, 0}, Iface: a})

	st := NewStack([]inet.Interface{a}, arp, routes, nil)
	st.RegisterUDP(AFInet, sock.SockDgram, IPProtoUDP)
	return st, a, b
}

func TestUDPSendAndReceive(t *testing.T) {
	st, _, b := newLoopStack(t)

	server, err := sock.NewSocket(AFInet, sock.SockDgram, IPProtoUDP, 8, 1, 1, 1)
	if err != nil {
		t.Fatalf("NewSocket server: %v", err)
	}
	defer server.Close()
	if err := server.Bind("10.0.0.2", 5300); err != nil {
		t.Fatalf("bind server: %v", err)
	}

	client, err := sock.NewSocket(AFInet, sock.SockDgram, IPProtoUDP, 8, 1, 1, 1)
	if err != nil {
		t.Fatalf("NewSocket client: %v", err)
	}
	defer client.Close()
	if err := client.Bind("10.0.0.1", 6400); err != nil {
		t.Fatalf("bind client: %v", err)
	}
	if err := client.Connect("10.0.0.2", 5300); err != nil {
		t.Fatalf("connect: %v", err)
	}

	if _, err := client.Send([]byte("hello"), 0); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case raw := <-b.RecvQueue():
		st.InputUDP(raw)
	default:
		t.Fatal("no datagram arrived on the peer interface")
	}

	buf := make([]byte, 32)
	n, err := server.Recv(buf, 0)
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if string(buf[:n]) != "hello" {
		t.Fatalf("got %q, want %q", buf[:n], "hello")
	}
}

func TestUDPWriteWithoutConnectFails(t *testing.T) {
	_, _, _ = newLoopStack(t)
	s, _ := sock.NewSocket(AFInet, sock.SockDgram, IPProtoUDP, 8, 1, 1, 1)
	defer s.Close()
	if _, err := s.Send([]byte("x"), 0); err != ErrNotConnected {
		t.Fatalf("got %v, want ErrNotConnected", err)
	}
}

const testRawProto = 200

func TestRawFanoutDeliversOnlyMatchingProtoAndAddr(t *testing.T) {
	st, _, _ := newLoopStack(t)
	st.RegisterRaw(AFInet, sock.SockRaw, testRawProto)

	match, _ := sock.NewSocket(AFInet, sock.SockRaw, testRawProto, 8, 1, 1, 1)
	defer match.Close()
	if err := match.Bind("10.0.0.2", 0); err != nil {
		t.Fatalf("bind: %v", err)
	}

	wrongAddr, _ := sock.NewSocket(AFInet, sock.SockRaw, testRawProto, 8, 1, 1, 1)
	defer wrongAddr.Close()
	if err := wrongAddr.Bind("10.0.0.9", 0); err != nil {
		t.Fatalf("bind: %v", err)
	}

	ip := &rawTestIP{src: inet.IPv4{10, 0, 0, 1}, dst: inet.IPv4{10, 0, 0, 2}}
	raw := ip.serialize(t)

	st.InputRaw(raw, testRawProto)

	if match.Inq.Len() != 1 {
		t.Fatalf("matching raw socket got %d packets, want 1", match.Inq.Len())
	}
	if wrongAddr.Inq.Len() != 0 {
		t.Fatal("raw socket bound to a different address should not receive the datagram")
	}
}

func TestRawCloseRemovesFromFanoutList(t *testing.T) {
	st, _, _ := newLoopStack(t)
	st.RegisterRaw(AFInet, sock.SockRaw, testRawProto)

	s, _ := sock.NewSocket(AFInet, sock.SockRaw, testRawProto, 8, 1, 1, 1)
	if err := s.Bind("10.0.0.2", 0); err != nil {
		t.Fatalf("bind: %v", err)
	}
	s.Close()

	st.rawMtx.Lock()
	n := len(st.raw)
	st.rawMtx.Unlock()
	if n != 0 {
		t.Fatalf("raw fan-out list still has %d entries after Close", n)
	}
}
