/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package inet holds the shared IPv4 address/HWAddr types and the network
// interface, ARP and route table collaborators spec §1 names but leaves as
// bare interfaces ("send(interface, packet, hwaddr)", "resolve(ipv4)"). This
// module implements them concretely, the way PacketFleet and networkLog
// wrap github.com/google/gopacket around a live capture/injection handle,
// so tcpstack/udpraw/dhcp have a real thing to call and test against
// instead of a mock.
package inet

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
)

var (
	ErrFamilyUnsupported = errors.New("address family not supported")
	ErrNoRoute           = errors.New("network is unreachable")
	ErrHostUnreachable   = errors.New("no route to host")
)

// IPv4 is a 4-byte IPv4 address, stored big-endian the way gopacket's
// layers.IPv4.SrcIP/DstIP net.IP values are when sliced to 4 bytes.
type IPv4 [4]byte

func (a IPv4) String() string { return net.IP(a[:]).String() }

// ToNetIP converts to a net.IP for use with gopacket/layers fields.
func (a IPv4) ToNetIP() net.IP { return net.IPv4(a[0], a[1], a[2], a[3]).To4() }

// ParseIPv4 parses a dotted-quad string; it rejects anything that isn't a
// 4-byte address, including IPv6 literals (spec's IPv4-only non-goal).
func ParseIPv4(s string) (IPv4, error) {
	ip := net.ParseIP(s)
	if ip == nil {
		return IPv4{}, fmt.Errorf("%w: %q", ErrFamilyUnsupported, s)
	}
	v4 := ip.To4()
	if v4 == nil {
		return IPv4{}, ErrFamilyUnsupported
	}
	var out IPv4
	copy(out[:], v4)
	return out, nil
}

func (a IPv4) Uint32() uint32 { return binary.BigEndian.Uint32(a[:]) }

func Uint32ToIPv4(v uint32) IPv4 {
	var a IPv4
	binary.BigEndian.PutUint32(a[:], v)
	return a
}

func (a IPv4) IsZero() bool { return a == IPv4{} }

// Broadcast reports whether a is the limited broadcast address.
func (a IPv4) Broadcast() bool { return a == IPv4{255, 255, 255, 255} }

func (a IPv4) Mask(mask IPv4) IPv4 {
	var out IPv4
	for i := range a {
		out[i] = a[i] & mask[i]
	}
	return out
}

// HWAddr is a 6-byte Ethernet hardware address.
type HWAddr [6]byte

func (h HWAddr) String() string { return net.HardwareAddr(h[:]).String() }

func (h HWAddr) IsZero() bool { return h == HWAddr{} }

var BroadcastHW = HWAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// Interface is the collaborator spec §1 calls "network interface layer":
// send(interface, packet, link_layer_dest) -> result, plus mtu/hwaddr and
// per-interface queues.
type Interface interface {
	Name() string
	MTU() int
	HWAddr() HWAddr
	Addr() IPv4
	Netmask() IPv4
	SetAddr(addr, mask IPv4)
	Send(pkt []byte, dst HWAddr) error
	RecvQueue() <-chan []byte
	Inject(pkt []byte) // test/loopback hook: push a frame onto RecvQueue
}

// LoopInterface is an in-process interface used by tests and cmd/kernsim's
// integration harness: Send loops a frame directly back onto RecvQueue (or,
// if Peer is set, onto the peer's queue), modeling a point-to-point link
// without needing a real NIC or raw socket.
type LoopInterface struct {
	mtx     sync.Mutex
	name    string
	mtu     int
	hwaddr  HWAddr
	addr    IPv4
	mask    IPv4
	recv    chan []byte
	Peer    *LoopInterface
	Dropped int
}

func NewLoopInterface(name string, hw HWAddr, mtu int) *LoopInterface {
	return &LoopInterface{name: name, hwaddr: hw, mtu: mtu, recv: make(chan []byte, 256)}
}

func (l *LoopInterface) Name() string   { return l.name }
func (l *LoopInterface) MTU() int       { return l.mtu }
func (l *LoopInterface) HWAddr() HWAddr { return l.hwaddr }

func (l *LoopInterface) Addr() IPv4 {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	return l.addr
}

func (l *LoopInterface) Netmask() IPv4 {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	return l.mask
}

func (l *LoopInterface) SetAddr(addr, mask IPv4) {
	l.mtx.Lock()
	l.addr, l.mask = addr, mask
	l.mtx.Unlock()
}

func (l *LoopInterface) Send(pkt []byte, dst HWAddr) error {
	if len(pkt) > l.mtu {
		l.Dropped++
		return fmt.Errorf("packet exceeds mtu %d", l.mtu)
	}
	cp := append([]byte(nil), pkt...)
	target := l
	if l.Peer != nil {
		target = l.Peer
	}
	select {
	case target.recv <- cp:
	default:
		l.Dropped++
	}
	return nil
}

func (l *LoopInterface) RecvQueue() <-chan []byte { return l.recv }

func (l *LoopInterface) Inject(pkt []byte) {
	select {
	case l.recv <- append([]byte(nil), pkt...):
	default:
	}
}

// ARPEntry is one resolved or pending ARP cache entry.
type ARPEntry struct {
	HW      HWAddr
	Pending bool
}

// ARPTable is the collaborator spec §1 calls "ARP/route tables":
// resolve(ipv4) -> hwaddr or pending.
type ARPTable struct {
	mtx     sync.RWMutex
	entries map[IPv4]ARPEntry
}

func NewARPTable() *ARPTable { return &ARPTable{entries: make(map[IPv4]ARPEntry)} }

// Resolve returns the cached hardware address for ip. ok is false if there
// is no entry at all; pending is true if an entry exists but resolution
// (an ARP request) is still outstanding.
func (t *ARPTable) Resolve(ip IPv4) (hw HWAddr, pending bool, ok bool) {
	t.mtx.RLock()
	defer t.mtx.RUnlock()
	e, found := t.entries[ip]
	if !found {
		return HWAddr{}, false, false
	}
	return e.HW, e.Pending, true
}

// MarkPending records that a request for ip has been sent and is awaiting a
// reply.
func (t *ARPTable) MarkPending(ip IPv4) {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	if _, ok := t.entries[ip]; !ok {
		t.entries[ip] = ARPEntry{Pending: true}
	}
}

// Set records a resolved (ip, hw) pair, clearing any pending flag.
func (t *ARPTable) Set(ip IPv4, hw HWAddr) {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	t.entries[ip] = ARPEntry{HW: hw}
}

func (t *ARPTable) Delete(ip IPv4) {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	delete(t.entries, ip)
}

// Route is one route-table entry.
type Route struct {
	Dest    IPv4
	Mask    IPv4
	Gateway IPv4
	Iface   Interface
}

// RouteTable is the collaborator spec §1 calls "route_add/remove/lookup".
type RouteTable struct {
	mtx    sync.RWMutex
	routes []Route
}

func NewRouteTable() *RouteTable { return &RouteTable{} }

func (rt *RouteTable) Add(r Route) {
	rt.mtx.Lock()
	defer rt.mtx.Unlock()
	rt.routes = append(rt.routes, r)
}

// Remove deletes the first route matching dest/mask exactly.
func (rt *RouteTable) Remove(dest, mask IPv4) bool {
	rt.mtx.Lock()
	defer rt.mtx.Unlock()
	for i, r := range rt.routes {
		if r.Dest == dest && r.Mask == mask {
			rt.routes = append(rt.routes[:i], rt.routes[i+1:]...)
			return true
		}
	}
	return false
}

// Lookup returns the most-specific (longest-mask) matching route for dst.
func (rt *RouteTable) Lookup(dst IPv4) (Route, error) {
	rt.mtx.RLock()
	defer rt.mtx.RUnlock()
	var best *Route
	var bestMaskBits int
	for i := range rt.routes {
		r := &rt.routes[i]
		if dst.Mask(r.Mask) != r.Dest {
			continue
		}
		bits := maskBits(r.Mask)
		if best == nil || bits > bestMaskBits {
			best = r
			bestMaskBits = bits
		}
	}
	if best == nil {
		return Route{}, ErrNoRoute
	}
	return *best, nil
}

func maskBits(m IPv4) int {
	v := m.Uint32()
	n := 0
	for i := 0; i < 32; i++ {
		if v&(1<<uint(31-i)) != 0 {
			n++
		}
	}
	return n
}
