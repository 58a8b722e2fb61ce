package tcpstack

import (
	"context"
	"errors"
	"sync"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"golang.org/x/time/rate"

	"github.com/tallgrass-os/kernel/inet"
	"github.com/tallgrass-os/kernel/klog"
	"github.com/tallgrass-os/kernel/sock"
)

var (
	ErrConnRetriesExhausted = errors.New("tcp connection retries exhausted")
	ErrNotSynRecv           = errors.New("socket is not in SYN_RECV")
)

// Stack is the TCP engine's network context: the interfaces, ARP/route
// tables it sends through, and the send-pacing limiter spec's DOMAIN STACK
// assigns to `golang.org/x/time/rate` (mirroring `throttle.go`'s
// `rate.Limiter` used to bound outbound byte rate).
type Stack struct {
	mtx    sync.Mutex
	ifaces []inet.Interface
	arp    *inet.ARPTable
	routes *inet.RouteTable
	pacer  *rate.Limiter
	log    *klog.Logger
}

// NewStack wires a TCP engine against the given interfaces and a send-rate
// cap in bytes/second (0 disables pacing).
func NewStack(ifaces []inet.Interface, arp *inet.ARPTable, routes *inet.RouteTable, bps int64, logger *klog.Logger) *Stack {
	if logger == nil {
		logger = klog.Default()
	}
	var pacer *rate.Limiter
	if bps > 0 {
		pacer = rate.NewLimiter(rate.Limit(bps), int(bps))
	}
	return &Stack{ifaces: ifaces, arp: arp, routes: routes, pacer: pacer, log: logger}
}

// Register installs this stack as the (AF_INET, SOCK_STREAM, IPPROTO_TCP)
// protocol vtable, spec §4.I.
func (st *Stack) Register(domain, typ, proto int) {
	sock.RegisterProtocol(domain, typ, proto, st)
}

// outputInterface resolves the next-hop interface for dst via the route
// table, falling back to the stack's sole interface when unrouted (the
// common single-homed simulated-kernel case).
func (st *Stack) outputInterface(dst inet.IPv4) inet.Interface {
	if r, err := st.routes.Lookup(dst); err == nil && r.Iface != nil {
		return r.Iface
	}
	if len(st.ifaces) > 0 {
		return st.ifaces[0]
	}
	return nil
}

// NewSocket implements sock.Protocol: allocates a fresh TCB in CLOSED.
func (st *Stack) NewSocket(s *sock.Socket) error {
	tcb := newTCB()
	tcb.Sock = s
	s.Ext = tcb
	return nil
}

func tcbOf(s *sock.Socket) *TCB {
	tcb, _ := s.Ext.(*TCB)
	return tcb
}

// serializeSegment builds an IPv4+TCP datagram for the given flags/seq/ack
// and payload, computing checksums via gopacket (spec §4.J "computes
// checksum over the IPv4 pseudo-header").
func serializeSegment(tcb *TCB, flags segFlags, seq, ack uint32, data []byte) ([]byte, error) {
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    tcb.LocalAddr.ToNetIP(),
		DstIP:    tcb.RemoteAddr.ToNetIP(),
	}
	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(tcb.LocalPort),
		DstPort: layers.TCPPort(tcb.RemotePort),
		Seq:     seq,
		Ack:     ack,
		SYN:     flags&flagSYN != 0,
		ACK:     flags&flagACK != 0,
		FIN:     flags&flagFIN != 0,
		RST:     flags&flagRST != 0,
		PSH:     flags&flagPSH != 0,
		Window:  uint16(tcb.RcvWnd),
	}
	if tcb.SackOK && len(tcb.ofoq) > 0 {
		tcp.Options = append(tcp.Options, sackPermittedOption())
	}
	tcp.SetNetworkLayerForChecksum(ip)

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}
	if err := gopacket.SerializeLayers(buf, opts, ip, tcp, gopacket.Payload(data)); err != nil {
		return nil, err
	}
	out := make([]byte, len(buf.Bytes()))
	copy(out, buf.Bytes())
	return out, nil
}

func sackPermittedOption() layers.TCPOption {
	return layers.TCPOption{OptionType: layers.TCPOptionKindSACKPermitted, OptionLength: 2}
}

type segFlags int

const (
	flagSYN segFlags = 1 << iota
	flagACK
	flagFIN
	flagRST
	flagPSH
)

// send hands a fully-formed segment to the resolved outbound interface,
// ARP-resolving the next hop first.
func (st *Stack) send(tcb *TCB, raw []byte) error {
	ifc := st.outputInterface(tcb.RemoteAddr)
	if ifc == nil {
		return inet.ErrNoRoute
	}
	hw, pending, ok := st.arp.Resolve(tcb.RemoteAddr)
	if !ok || pending {
		st.arp.MarkPending(tcb.RemoteAddr)
		return inet.ErrNoRoute
	}
	if st.pacer != nil {
		_ = st.pacer.WaitN(context.Background(), len(raw))
	}
	return ifc.Send(raw, hw)
}
