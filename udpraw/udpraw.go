/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package udpraw implements spec §4.K: UDP datagram queueing and RAW's
// per-protocol fan-out, both sharing one network context the way tcpstack's
// Stack shares interfaces/ARP/routes across its own protocol.
package udpraw

import (
	"errors"
	"strconv"
	"sync"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/tallgrass-os/kernel/inet"
	"github.com/tallgrass-os/kernel/klog"
	"github.com/tallgrass-os/kernel/sock"
)

// POSIX domain/type/protocol numbers (spec §4.I's tuple).
const (
	AFInet     = 2
	IPProtoUDP = 17
)

var (
	ErrSocketPairNotSupported = errors.New("socketpair is not supported for this socket type")
	ErrNotConnected           = errors.New("socket is not connected")
)

// Stack is the shared network context for UDP and RAW: the interfaces and
// ARP/route tables it sends through, mirroring tcpstack.Stack's shape so
// both engines read identically to someone who has already read one.
type Stack struct {
	mtx    sync.Mutex
	ifaces []inet.Interface
	arp    *inet.ARPTable
	routes *inet.RouteTable
	log    *klog.Logger

	rawMtx sync.Mutex
	raw    []*sock.Socket // spec §4.K: "RAW maintains its own list"
}

// NewStack wires a UDP/RAW engine against the given interfaces.
func NewStack(ifaces []inet.Interface, arp *inet.ARPTable, routes *inet.RouteTable, logger *klog.Logger) *Stack {
	if logger == nil {
		logger = klog.Default()
	}
	return &Stack{ifaces: ifaces, arp: arp, routes: routes, log: logger}
}

// RegisterUDP installs this stack as the UDP protocol vtable for
// (domain, SOCK_DGRAM, IPPROTO_UDP).
func (st *Stack) RegisterUDP(domain, typ, proto int) {
	sock.RegisterProtocol(domain, typ, proto, udpVtable{st})
}

// RegisterRaw installs this stack as the RAW protocol vtable for
// (domain, SOCK_RAW, proto). Each distinct IP protocol number a raw socket
// may be created for (ICMP, OSPF, ...) must be registered individually,
// since sock's protocol table is keyed by the exact (domain, type, proto)
// triple; RegisterRaw is called once per protocol number cmd/kernsim wants
// raw sockets to exist for.
func (st *Stack) RegisterRaw(domain, typ, proto int) {
	sock.RegisterProtocol(domain, typ, proto, rawVtable{st})
}

func (st *Stack) outputInterface(dst inet.IPv4) inet.Interface {
	if r, err := st.routes.Lookup(dst); err == nil && r.Iface != nil {
		return r.Iface
	}
	if len(st.ifaces) > 0 {
		return st.ifaces[0]
	}
	return nil
}

func (st *Stack) resolveAndSend(dst inet.IPv4, raw []byte) error {
	ifc := st.outputInterface(dst)
	if ifc == nil {
		return inet.ErrNoRoute
	}
	if dst.Broadcast() {
		return ifc.Send(raw, inet.BroadcastHW)
	}
	hw, pending, ok := st.arp.Resolve(dst)
	if !ok || pending {
		st.arp.MarkPending(dst)
		return inet.ErrNoRoute
	}
	return ifc.Send(raw, hw)
}

// InputUDP decodes an inbound IPv4+UDP datagram and delivers it to the
// socket matching (proto, dst_port, dst_addr or ANY), spec §4.K.
func (st *Stack) InputUDP(raw []byte) {
	pkt := gopacket.NewPacket(raw, layers.LayerTypeIPv4, gopacket.NoCopy)
	ipLayer := pkt.Layer(layers.LayerTypeIPv4)
	udpLayer := pkt.Layer(layers.LayerTypeUDP)
	if ipLayer == nil || udpLayer == nil {
		return
	}
	ip := ipLayer.(*layers.IPv4)
	udp := udpLayer.(*layers.UDP)

	var srcIP, dstIP inet.IPv4
	copy(srcIP[:], ip.SrcIP.To4())
	copy(dstIP[:], ip.DstIP.To4())

	s := sock.FindListener(AFInet, sock.SockDgram, IPProtoUDP, dstIP.String(), uint16(udp.DstPort))
	if s == nil {
		s = sock.FindConnected(AFInet, sock.SockDgram, IPProtoUDP, dstIP.String(), uint16(udp.DstPort), srcIP.String(), uint16(udp.SrcPort))
	}
	if s == nil {
		return
	}
	s.Lock()
	shutR := s.Flags&sock.FlagShutRemote != 0
	s.Unlock()
	if shutR {
		return
	}
	p := sock.NewPacket(udp.Payload)
	p.RemoteAddr = srcIP.String() + ":" + strconv.Itoa(int(udp.SrcPort))
	s.Inq.TryPush(p)
}

// InputRaw strips the Ethernet header (already done by the caller handing
// us an IPv4 datagram) and delivers a copy to each RAW socket whose
// (proto, local_addr) matches, spec §4.K.
func (st *Stack) InputRaw(raw []byte, proto uint8) {
	pkt := gopacket.NewPacket(raw, layers.LayerTypeIPv4, gopacket.NoCopy)
	ipLayer := pkt.Layer(layers.LayerTypeIPv4)
	if ipLayer == nil {
		return
	}
	ip := ipLayer.(*layers.IPv4)
	var dstIP inet.IPv4
	copy(dstIP[:], ip.DstIP.To4())

	st.rawMtx.Lock()
	targets := make([]*sock.Socket, 0, len(st.raw))
	for _, s := range st.raw {
		s.Lock()
		match := uint8(s.Proto) == proto && (s.LocalAddr == "" || s.LocalAddr == "0.0.0.0" || s.LocalAddr == dstIP.String())
		shutR := s.Flags&sock.FlagShutRemote != 0
		s.Unlock()
		if match && !shutR {
			targets = append(targets, s)
		}
	}
	st.rawMtx.Unlock()

	for _, s := range targets {
		s.Inq.TryPush(sock.NewPacket(raw))
	}
}
