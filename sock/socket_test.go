package sock

import "testing"

type nullProto struct{}

func (nullProto) Connect(s *Socket, addr string, port uint16) error { return nil }
func (nullProto) ConnectPair(a, b *Socket) error {
	a.Paired, b.Paired = b, a
	return nil
}
func (nullProto) NewSocket(s *Socket) error               { return nil }
func (nullProto) Read(s *Socket, buf []byte, flags int) (int, error) {
	p, ok := s.Inq.Pop()
	if !ok {
		return 0, ErrAgainTest
	}
	return copy(buf, p.Data()), nil
}
func (nullProto) Write(s *Socket, buf []byte, flags int) (int, error) {
	s.Outq.TryPush(NewPacket(buf))
	return len(buf), nil
}
func (nullProto) GetSockOpt(s *Socket, level, name int) (int, error) { return 0, nil }
func (nullProto) SetSockOpt(s *Socket, level, name, value int) error { return nil }

var ErrAgainTest = ErrNotConnected

const testDomain, testType, testProto = 99, 99, 99

func init() {
	RegisterProtocol(testDomain, testType, testProto, nullProto{})
}

func TestBindAllocatesHighPortInRange(t *testing.T) {
	s, err := NewSocket(testDomain, testType, testProto, 8, 1, 1, 1)
	if err != nil {
		t.Fatalf("NewSocket: %v", err)
	}
	defer s.Close()

	if err := s.Bind("10.0.0.1", 0); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if s.LocalPort < highPortLo || s.LocalPort > highPortHi {
		t.Fatalf("LocalPort %d out of range [%d,%d]", s.LocalPort, highPortLo, highPortHi)
	}
}

func TestBindRejectsCollidingTuple(t *testing.T) {
	a, _ := NewSocket(testDomain, testType, testProto, 8, 1, 1, 1)
	defer a.Close()
	b, _ := NewSocket(testDomain, testType, testProto, 8, 1, 1, 1)
	defer b.Close()

	if err := a.Bind("10.0.0.1", 9000); err != nil {
		t.Fatalf("bind a: %v", err)
	}
	if err := b.Bind("10.0.0.1", 9000); err != ErrAddrInUse {
		t.Fatalf("got %v, want ErrAddrInUse", err)
	}
}

func TestSendRecvRoundTrip(t *testing.T) {
	s, _ := NewSocket(testDomain, testType, testProto, 8, 1, 1, 1)
	defer s.Close()

	s.Inq.TryPush(NewPacket([]byte("hello")))
	buf := make([]byte, 16)
	n, err := s.Recv(buf, 0)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if string(buf[:n]) != "hello" {
		t.Fatalf("got %q", buf[:n])
	}
}

func TestCloseRemovesFromTableAndDetachesPeer(t *testing.T) {
	a, _ := NewSocket(testDomain, testType, testProto, 8, 1, 1, 1)
	b, _ := NewSocket(testDomain, testType, testProto, 8, 1, 1, 1)
	if err := ConnectPair(a, b); err != nil {
		t.Fatalf("ConnectPair: %v", err)
	}
	if a.Paired != b || b.Paired != a {
		t.Fatal("expected a and b to be paired")
	}
	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, ok := Lookup(a.FD); ok {
		t.Fatal("expected a to be gone from the socket table after Close")
	}
	if b.Paired != nil {
		t.Fatal("expected b's Paired to be cleared after a.Close()")
	}
	if b.Flags&FlagShutRemote == 0 {
		t.Fatal("expected FlagShutRemote on the surviving peer")
	}
	b.Close()
}

func TestPacketQueuePeekThenPop(t *testing.T) {
	q := NewPacketQueue(4)
	q.TryPush(NewPacket([]byte("a")))
	q.TryPush(NewPacket([]byte("b")))

	p1, ok := q.Peek()
	if !ok || string(p1.Data()) != "a" {
		t.Fatalf("Peek: got %v %v", p1, ok)
	}
	p2, ok := q.Pop()
	if !ok || string(p2.Data()) != "a" {
		t.Fatalf("Pop after peek: got %v %v", p2, ok)
	}
	p3, ok := q.Pop()
	if !ok || string(p3.Data()) != "b" {
		t.Fatalf("Pop: got %v %v", p3, ok)
	}
}

func TestListenAcceptHandsOffConnection(t *testing.T) {
	listener, _ := NewSocket(testDomain, testType, testProto, 8, 1, 1, 1)
	defer listener.Close()

	if err := listener.Listen(2); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	if _, err := listener.Accept(); err != ErrWouldBlock {
		t.Fatalf("Accept on empty backlog: got %v, want ErrWouldBlock", err)
	}

	conn, _ := NewSocket(testDomain, testType, testProto, 8, 1, 1, 1)
	defer conn.Close()
	if !listener.PushAccept(conn) {
		t.Fatal("PushAccept: expected room in backlog")
	}
	if listener.PendingAccepts() != 1 {
		t.Fatalf("PendingAccepts: got %d, want 1", listener.PendingAccepts())
	}

	got, err := listener.Accept()
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if got != conn {
		t.Fatal("Accept returned a different socket than was pushed")
	}
	if got.Parent != listener {
		t.Fatal("expected accepted socket's Parent to be the listener")
	}
}

func TestListenTwiceRejected(t *testing.T) {
	s, _ := NewSocket(testDomain, testType, testProto, 8, 1, 1, 1)
	defer s.Close()
	if err := s.Listen(4); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	if err := s.Listen(4); err != ErrAlreadyListening {
		t.Fatalf("got %v, want ErrAlreadyListening", err)
	}
}
