package ksyscall

import (
	"testing"

	"github.com/tallgrass-os/kernel/sock"
	"github.com/tallgrass-os/kernel/task"
)

// nullProto is a minimal sock.Protocol good enough to exercise ksyscall's
// socket-family handlers without pulling in tcpstack/udpraw (mirrors
// sock/socket_test.go's own nullProto).
type nullProto struct{}

func (nullProto) Connect(s *sock.Socket, addr string, port uint16) error { return nil }
func (nullProto) ConnectPair(a, b *sock.Socket) error {
	a.State, b.State = sock.Connected, sock.Connected
	return nil
}
func (nullProto) NewSocket(s *sock.Socket) error { return nil }
func (nullProto) Read(s *sock.Socket, buf []byte, flags int) (int, error) {
	n, _ := s.Inq.Pop()
	if n == nil {
		return 0, nil
	}
	return copy(buf, n.Data()), nil
}
func (nullProto) Write(s *sock.Socket, buf []byte, flags int) (int, error) {
	return len(buf), nil
}
func (nullProto) GetSockOpt(s *sock.Socket, level, name int) (int, error) { return 0, nil }
func (nullProto) SetSockOpt(s *sock.Socket, level, name, value int) error { return nil }

const (
	testDomain = 200
	testType   = 201
	testProto  = 202
)

func newTestNetDispatcher(t *testing.T) (*Dispatcher, *task.Task) {
	task.Reset()
	sock.RegisterProtocol(testDomain, testType, testProto, nullProto{})
	d := NewDispatcher(nil)
	RegisterTaskSyscalls(d)
	RegisterNetSyscalls(d)
	return d, task.InitProcess("/")
}

func TestSysSocketInstallsFdInTasksOwnTable(t *testing.T) {
	d, tk := newTestNetDispatcher(t)
	fd := d.Dispatch(tk, SYS_SOCKET, Args{testDomain, testType, testProto})
	if fd < 0 {
		t.Fatalf("socket() failed: errno %d", fd)
	}
	of, ok := tk.Files.Files[int(fd)]
	if !ok {
		t.Fatalf("socket fd %d missing from task's own file table", fd)
	}
	if _, ok := of.Socket.(*sock.Socket); !ok {
		t.Fatalf("task's OpenFile.Socket isn't a *sock.Socket")
	}
}

func TestSysSocketUnsupportedTupleReturnsEPROTONOSUPPORT(t *testing.T) {
	d, tk := newTestNetDispatcher(t)
	got := d.Dispatch(tk, SYS_SOCKET, Args{9, 9, 9})
	if got != int64(EPROTONOSUPPORT) {
		t.Fatalf("got %d, want EPROTONOSUPPORT (%d)", got, EPROTONOSUPPORT)
	}
}

func TestSysBindThenGetsocknameRoundTrips(t *testing.T) {
	d, tk := newTestNetDispatcher(t)
	fd := d.Dispatch(tk, SYS_SOCKET, Args{testDomain, testType, testProto})
	addr := int64((10 << 24) | (0 << 16) | (0 << 8) | 1) // 10.0.0.1
	bindRet := d.Dispatch(tk, SYS_BIND, Args{fd, addr, 4000})
	if bindRet != 0 {
		t.Fatalf("bind failed: errno %d", bindRet)
	}
	got := d.Dispatch(tk, SYS_GETSOCKNAME, Args{fd})
	gotPort := int64(uint16(got))
	if gotPort != 4000 {
		t.Fatalf("getsockname port = %d, want 4000", gotPort)
	}
}

func TestSysCloseRemovesSocketFromSockTable(t *testing.T) {
	d, tk := newTestNetDispatcher(t)
	fd := d.Dispatch(tk, SYS_SOCKET, Args{testDomain, testType, testProto})
	closeRet := d.Dispatch(tk, SYS_CLOSE, Args{fd})
	if closeRet != 0 {
		t.Fatalf("close failed: errno %d", closeRet)
	}
	if _, ok := sock.Lookup(int(fd)); ok {
		t.Fatalf("socket still present in sock's global table after close")
	}
}

func TestSysSocketpairConnectsBothEnds(t *testing.T) {
	d, tk := newTestNetDispatcher(t)
	packed := d.Dispatch(tk, SYS_SOCKETPAIR, Args{testDomain, testType, testProto})
	if packed < 0 {
		t.Fatalf("socketpair failed: errno %d", packed)
	}
	fdA := int(packed >> 32)
	fdB := int(int32(packed))
	a, ok := tk.Files.Files[fdA].Socket.(*sock.Socket)
	if !ok {
		t.Fatalf("fd %d isn't a socket", fdA)
	}
	b, ok := tk.Files.Files[fdB].Socket.(*sock.Socket)
	if !ok {
		t.Fatalf("fd %d isn't a socket", fdB)
	}
	if a.State != sock.Connected || b.State != sock.Connected {
		t.Fatalf("socketpair halves not connected: a=%v b=%v", a.State, b.State)
	}
}
