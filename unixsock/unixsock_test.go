package unixsock

import (
	"testing"

	"github.com/tallgrass-os/kernel/sock"
	"github.com/tallgrass-os/kernel/task"
	"github.com/tallgrass-os/kernel/vfsstub"
)

func newTestVtable() *Vtable {
	v := New(vfsstub.New(), nil)
	v.Register(sock.SockStream)
	v.Register(sock.SockDgram)
	return v
}

func TestStreamConnectAcceptPairsBothEnds(t *testing.T) {
	v := newTestVtable()

	server, err := sock.NewSocket(AFUnix, sock.SockStream, Proto, 8, 1, 1, 1)
	if err != nil {
		t.Fatalf("NewSocket server: %v", err)
	}
	defer server.Close()
	if err := v.Bind(server, "/tmp/test.sock"); err != nil {
		t.Fatalf("bind: %v", err)
	}
	if err := server.Listen(4); err != nil {
		t.Fatalf("listen: %v", err)
	}

	client, err := sock.NewSocket(AFUnix, sock.SockStream, Proto, 8, 1, 1, 1)
	if err != nil {
		t.Fatalf("NewSocket client: %v", err)
	}
	defer client.Close()
	if err := client.Connect("/tmp/test.sock", 0); err != nil {
		t.Fatalf("connect: %v", err)
	}

	conn, err := server.Accept()
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	defer conn.Close()

	if _, err := client.Send([]byte("hi"), 0); err != nil {
		t.Fatalf("send: %v", err)
	}
	buf := make([]byte, 8)
	n, err := conn.Recv(buf, 0)
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if string(buf[:n]) != "hi" {
		t.Fatalf("got %q, want %q", buf[:n], "hi")
	}

	if _, err := conn.Send([]byte("yo"), 0); err != nil {
		t.Fatalf("send back: %v", err)
	}
	n, err = client.Recv(buf, 0)
	if err != nil {
		t.Fatalf("recv back: %v", err)
	}
	if string(buf[:n]) != "yo" {
		t.Fatalf("got %q, want %q", buf[:n], "yo")
	}
}

func TestConnectToMissingPathReturnsConnRefused(t *testing.T) {
	v := newTestVtable()
	_ = v
	client, _ := sock.NewSocket(AFUnix, sock.SockStream, Proto, 8, 1, 1, 1)
	defer client.Close()
	if err := client.Connect("/tmp/nope.sock", 0); err != sock.ErrConnRefused {
		t.Fatalf("got %v, want ErrConnRefused", err)
	}
}

func TestConnectToFullBacklogReturnsWouldBlock(t *testing.T) {
	v := newTestVtable()
	server, _ := sock.NewSocket(AFUnix, sock.SockStream, Proto, 8, 1, 1, 1)
	defer server.Close()
	if err := v.Bind(server, "/tmp/full.sock"); err != nil {
		t.Fatalf("bind: %v", err)
	}
	if err := server.Listen(1); err != nil {
		t.Fatalf("listen: %v", err)
	}

	first, _ := sock.NewSocket(AFUnix, sock.SockStream, Proto, 8, 1, 1, 1)
	defer first.Close()
	if err := first.Connect("/tmp/full.sock", 0); err != nil {
		t.Fatalf("first connect: %v", err)
	}

	second, _ := sock.NewSocket(AFUnix, sock.SockStream, Proto, 8, 1, 1, 1)
	defer second.Close()
	if err := second.Connect("/tmp/full.sock", 0); err != sock.ErrWouldBlock {
		t.Fatalf("got %v, want ErrWouldBlock", err)
	}
}

func TestDatagramDirectDeliveryWithoutAcceptQueue(t *testing.T) {
	v := newTestVtable()
	server, _ := sock.NewSocket(AFUnix, sock.SockDgram, Proto, 8, 1, 1, 1)
	defer server.Close()
	if err := v.Bind(server, "/tmp/dgram.sock"); err != nil {
		t.Fatalf("bind: %v", err)
	}

	client, _ := sock.NewSocket(AFUnix, sock.SockDgram, Proto, 8, 1, 1, 1)
	defer client.Close()
	if err := client.Connect("/tmp/dgram.sock", 0); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if _, err := client.Send([]byte("dgram"), 0); err != nil {
		t.Fatalf("send: %v", err)
	}

	buf := make([]byte, 8)
	n, err := server.Recv(buf, 0)
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if string(buf[:n]) != "dgram" {
		t.Fatalf("got %q, want %q", buf[:n], "dgram")
	}
}

func TestCloseUnbindsPath(t *testing.T) {
	v := newTestVtable()
	facade := v.facade
	server, _ := sock.NewSocket(AFUnix, sock.SockStream, Proto, 8, 1, 1, 1)
	if err := v.Bind(server, "/tmp/unbind.sock"); err != nil {
		t.Fatalf("bind: %v", err)
	}
	server.Close()

	if _, ok := facade.LookupNode("/tmp/unbind.sock"); ok {
		t.Fatal("path still registered after Close")
	}
}

func TestClosePeerSetsHupOnOtherEnd(t *testing.T) {
	v := newTestVtable()
	a, _ := sock.NewSocket(AFUnix, sock.SockStream, Proto, 8, 1, 1, 1)
	b, _ := sock.NewSocket(AFUnix, sock.SockStream, Proto, 8, 1, 1, 1)
	defer b.Close()
	if err := sock.ConnectPair(a, b); err != nil {
		t.Fatalf("connectpair: %v", err)
	}

	a.Close()

	if b.Ready(task.POLLIN)&task.POLLIN == 0 {
		t.Fatal("expected peer to observe POLLIN (EOF-readable) after the other end closed")
	}
}
