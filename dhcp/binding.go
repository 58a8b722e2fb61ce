/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package dhcp

import (
	"errors"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/google/gopacket/layers"
	"golang.org/x/time/rate"

	"github.com/tallgrass-os/kernel/inet"
	"github.com/tallgrass-os/kernel/klog"
)

// ErrNoActiveLease is returned by Release when the binding holds no lease
// to give up (SPEC_FULL supplemented feature 7).
var ErrNoActiveLease = errors.New("interface has no active lease to release")

// Lease is the negotiated configuration a Binding holds once it reaches
// BOUND (spec §8 end-to-end scenario 6).
type Lease struct {
	Address    inet.IPv4
	SubnetMask inet.IPv4
	Router     inet.IPv4
	DNS        []inet.IPv4
	ServerID   inet.IPv4
	LeaseTime  time.Duration
	T1         time.Duration
	T2         time.Duration
}

// Binding is spec §4.M's per-interface DHCP client state machine: "Each
// interface owns a Binding with its own task."
type Binding struct {
	mtx sync.Mutex

	iface  inet.Interface
	arp    *inet.ARPTable
	routes *inet.RouteTable
	log    *klog.Logger
	pacer  *rate.Limiter

	hw  net.HardwareAddr
	xid uint32

	state State
	tries int

	offeredAddr inet.IPv4
	serverID    inet.IPv4
	lease       Lease

	t1Deadline, t2Deadline, leaseDeadline time.Time
	installedRoute                       bool
	routeDest, routeMask                 inet.IPv4

	timer                             *time.Timer
	t1Timer, t2Timer, leaseTimer      *time.Timer

	onTransition func(from, to State) // observability hook for Client/tests
}

func newBinding(iface inet.Interface, arp *inet.ARPTable, routes *inet.RouteTable, pacer *rate.Limiter, log *klog.Logger) *Binding {
	hwBytes := iface.HWAddr()
	return &Binding{
		iface:  iface,
		arp:    arp,
		routes: routes,
		pacer:  pacer,
		log:    log,
		hw:     net.HardwareAddr(append([]byte(nil), hwBytes[:]...)),
	}
}

// Iface returns the interface this binding negotiates an address for.
func (b *Binding) Iface() inet.Interface { return b.iface }

// State returns the binding's current state.
func (b *Binding) State() State {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	return b.state
}

// Lease returns the currently held lease; ok is false outside
// BOUND/RENEWING/REBINDING.
func (b *Binding) Lease() (Lease, bool) {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	switch b.state {
	case Bound, Renewing, Rebinding:
		return b.lease, true
	default:
		return Lease{}, false
	}
}

// Start implements INIT → SELECTING: broadcast DHCPDISCOVER, xid randomized
// (spec §4.M).
func (b *Binding) Start() {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	if b.state != Init {
		b.log.Info("dhcp", "restarting negotiation", klog.KV("iface", b.iface.Name()))
	}
	b.xid = rand.Uint32()
	b.transitionSelectingLocked()
}

// Release implements a user-requested DHCPRELEASE (SPEC_FULL supplemented
// feature 7): unicast release to the server, tear down the installed
// route, and return to INIT.
func (b *Binding) Release() error {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	if b.state != Bound && b.state != Renewing && b.state != Rebinding {
		return ErrNoActiveLease
	}
	msg := buildRelease(b.xid, b.hw, b.offeredAddr.ToNetIP(), b.serverID.ToNetIP())
	_ = b.transmit(msg, b.serverID, b.offeredAddr)
	b.disarmAllLocked()
	b.removeRouteLocked()
	b.arp.Delete(b.serverID)
	b.setStateLocked(Init)
	return nil
}

// matchesXid reports whether msgXid belongs to this binding's current
// negotiation, used by Client to demux the shared socket's inbound
// datagrams across per-interface bindings.
func (b *Binding) matchesXid(msgXid uint32) bool {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	return b.xid == msgXid
}

// HandleReply dispatches an inbound DHCP reply, spec §4.M's message_type
// dispatch table (dhcp.c's socket-receive-task switch).
func (b *Binding) HandleReply(msg *layers.DHCPv4) {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	if msg.Xid != b.xid {
		return
	}
	switch messageType(msg) {
	case layers.DHCPMsgTypeOffer:
		if b.state != Selecting {
			return
		}
		serverID, _ := optionIPv4(msg, layers.DHCPOptServerID)
		var yi inet.IPv4
		copy(yi[:], msg.YourClientIP.To4())
		b.offeredAddr = yi
		b.serverID = serverID
		b.disarmRetryLocked()
		b.transitionRequestingLocked()
	case layers.DHCPMsgTypeAck:
		switch b.state {
		case Requesting:
			b.lease = b.parseLeaseLocked(msg)
			b.disarmRetryLocked()
			b.tries = 0
			b.transitionCheckingLocked()
		case Renewing, Rebinding:
			b.lease = b.parseLeaseLocked(msg)
			b.disarmRetryLocked()
			b.tries = 0
			b.transitionBoundLocked()
		}
	case layers.DHCPMsgTypeNak:
		switch b.state {
		case Requesting, Renewing, Rebinding:
			b.disarmAllLocked()
			b.transitionSelectingLocked()
		}
	}
}

// parseLeaseLocked extracts the lease fields an ACK carries (spec §4.M,
// dhcp_handle_ack): explicit T1/T2 options override the RFC 2131 defaults
// of 0.5 and 0.875 of the lease time.
func (b *Binding) parseLeaseLocked(msg *layers.DHCPv4) Lease {
	l := Lease{Address: b.offeredAddr, ServerID: b.serverID}
	if yi := msg.YourClientIP.To4(); yi != nil && !yi.Equal(net.IPv4zero) {
		copy(l.Address[:], yi)
	}
	if mask, ok := optionIPv4(msg, layers.DHCPOptSubnetMask); ok {
		l.SubnetMask = mask
	}
	if gw, ok := optionIPv4(msg, layers.DHCPOptRouter); ok {
		l.Router = gw
	}
	if dns, ok := findOption(msg, layers.DHCPOptDNS); ok {
		for i := 0; i+4 <= len(dns); i += 4 {
			var ip inet.IPv4
			copy(ip[:], dns[i:i+4])
			l.DNS = append(l.DNS, ip)
		}
	}
	leaseSecs := uint32(0)
	if v, ok := optionUint32(msg, layers.DHCPOptLeaseTime); ok {
		leaseSecs = v
	}
	l.LeaseTime = time.Duration(leaseSecs) * time.Second
	l.T1 = l.LeaseTime / 2
	l.T2 = time.Duration(float64(l.LeaseTime) * 0.875)
	if v, ok := optionUint32(msg, layers.DHCPOptT1); ok {
		l.T1 = time.Duration(v) * time.Second
	}
	if v, ok := optionUint32(msg, layers.DHCPOptT2); ok {
		l.T2 = time.Duration(v) * time.Second
	}
	return l
}

func (b *Binding) setStateLocked(s State) {
	from := b.state
	if s != b.state {
		b.state = s
		b.tries = 0
	}
	if b.onTransition != nil {
		b.onTransition(from, s)
	}
}

func (b *Binding) transitionSelectingLocked() {
	b.offeredAddr = inet.IPv4{}
	b.setStateLocked(Selecting)
	b.tries = 1
	msg := buildDiscover(b.xid, b.hw)
	_ = b.transmit(msg, inet.IPv4{255, 255, 255, 255}, inet.IPv4{})
	b.armRetryLocked(retransmitDelay(b.tries))
}

func (b *Binding) transitionRequestingLocked() {
	b.setStateLocked(Requesting)
	b.tries = 1
	msg := buildRequestSelecting(b.xid, b.hw, b.offeredAddr.ToNetIP(), b.serverID.ToNetIP())
	_ = b.transmit(msg, inet.IPv4{255, 255, 255, 255}, inet.IPv4{})
	b.armRetryLocked(retransmitDelay(b.tries))
}

// transitionCheckingLocked sends an ARP probe for the offered address
// (spec §4.M: "REQUESTING → CHECKING on DHCPACK: send ARP probe").
func (b *Binding) transitionCheckingLocked() {
	b.setStateLocked(Checking)
	b.tries = 1
	b.probeLocked()
	b.armRetryLocked(checkingRetry)
}

func (b *Binding) probeLocked() {
	if _, _, ok := b.arp.Resolve(b.offeredAddr); !ok {
		b.arp.MarkPending(b.offeredAddr)
	}
}

func (b *Binding) transitionDecliningLocked() {
	msg := buildDecline(b.xid, b.hw, b.offeredAddr.ToNetIP(), b.serverID.ToNetIP())
	_ = b.transmit(msg, inet.IPv4{255, 255, 255, 255}, inet.IPv4{})
	b.setStateLocked(Declining)
	b.armRetryLocked(decliningDelay)
}

// transitionBoundLocked installs the route for the leased address and arms
// the T1/T2/lease deadline timers (spec §4.M, dhcp_bind).
func (b *Binding) transitionBoundLocked() {
	now := time.Now()
	b.t1Deadline = now.Add(b.lease.T1)
	b.t2Deadline = now.Add(b.lease.T2)
	b.leaseDeadline = now.Add(b.lease.LeaseTime)
	b.offeredAddr = b.lease.Address

	b.removeRouteLocked()
	mask := b.lease.SubnetMask
	if mask.IsZero() {
		mask = classfulMask(b.lease.Address)
	}
	gw := b.lease.Router
	if !gw.IsZero() {
		b.routes.Add(inet.Route{Dest: inet.IPv4{0, 0, 0, 0}, Mask: inet.IPv4{0, 0, 0, 0}, Gateway: gw, Iface: b.iface})
	}
	dest := b.lease.Address.Mask(mask)
	b.routes.Add(inet.Route{Dest: dest, Mask: mask, Iface: b.iface})
	b.installedRoute = true
	b.routeDest, b.routeMask = dest, mask
	b.iface.SetAddr(b.lease.Address, mask)

	b.arp.Delete(b.offeredAddr) // drop the CHECKING probe's pending entry

	b.setStateLocked(Bound)
	b.armDeadlinesLocked()
}

func (b *Binding) removeRouteLocked() {
	if b.installedRoute {
		b.routes.Remove(b.routeDest, b.routeMask)
		b.installedRoute = false
	}
}

func classfulMask(ip inet.IPv4) inet.IPv4 {
	switch {
	case ip[0] < 128:
		return inet.IPv4{255, 0, 0, 0}
	case ip[0] < 192:
		return inet.IPv4{255, 255, 0, 0}
	default:
		return inet.IPv4{255, 255, 255, 0}
	}
}

// transitionRenewingLocked implements BOUND → RENEWING at T1: unicast
// DHCPREQUEST without server_identifier (spec §4.M).
func (b *Binding) transitionRenewingLocked() {
	b.setStateLocked(Renewing)
	msg := buildRequestRenewing(b.xid, b.hw, b.lease.Address.ToNetIP())
	_ = b.transmit(msg, b.lease.ServerID, b.lease.Address)
	b.armRetryLocked(halfRemaining(b.t2Deadline))
}

// transitionRebindingLocked implements RENEWING → REBINDING at T2:
// broadcast DHCPREQUEST (spec §4.M).
func (b *Binding) transitionRebindingLocked() {
	b.setStateLocked(Rebinding)
	msg := buildRequestRebinding(b.xid, b.hw, b.lease.Address.ToNetIP())
	_ = b.transmit(msg, inet.IPv4{255, 255, 255, 255}, b.lease.Address)
	b.armRetryLocked(halfRemaining(b.leaseDeadline))
}

// transitionInitLocked implements REBINDING → INIT at lease expiry.
func (b *Binding) transitionInitLocked() {
	b.disarmAllLocked()
	b.removeRouteLocked()
	b.lease = Lease{}
	b.offeredAddr = inet.IPv4{}
	b.setStateLocked(Init)
}

// onRetryFire is the generic retransmit/backoff timer callback shared by
// SELECTING, REQUESTING, CHECKING, DECLINING, RENEWING and REBINDING (spec
// §4.M's per-state timers); the T1/T2/lease deadline transitions are fired
// independently by their own timers below.
func (b *Binding) onRetryFire() {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	switch b.state {
	case Selecting:
		b.tries++
		msg := buildDiscover(b.xid, b.hw)
		_ = b.transmit(msg, inet.IPv4{255, 255, 255, 255}, inet.IPv4{})
		b.armRetryLocked(retransmitDelay(b.tries))
	case Requesting:
		b.tries++
		msg := buildRequestSelecting(b.xid, b.hw, b.offeredAddr.ToNetIP(), b.serverID.ToNetIP())
		_ = b.transmit(msg, inet.IPv4{255, 255, 255, 255}, inet.IPv4{})
		b.armRetryLocked(retransmitDelay(b.tries))
	case Checking:
		b.tries++
		if _, pending, ok := b.arp.Resolve(b.offeredAddr); ok && !pending {
			b.transitionDecliningLocked()
			return
		}
		if b.tries >= capTries {
			b.transitionBoundLocked()
			return
		}
		b.armRetryLocked(checkingRetry)
	case Declining:
		b.transitionSelectingLocked()
	case Renewing:
		msg := buildRequestRenewing(b.xid, b.hw, b.lease.Address.ToNetIP())
		_ = b.transmit(msg, b.lease.ServerID, b.lease.Address)
		b.armRetryLocked(halfRemaining(b.t2Deadline))
	case Rebinding:
		msg := buildRequestRebinding(b.xid, b.hw, b.lease.Address.ToNetIP())
		_ = b.transmit(msg, inet.IPv4{255, 255, 255, 255}, b.lease.Address)
		b.armRetryLocked(halfRemaining(b.leaseDeadline))
	}
}

func (b *Binding) onT1Fire() {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	if b.state == Bound {
		b.disarmRetryLocked()
		b.transitionRenewingLocked()
	}
}

func (b *Binding) onT2Fire() {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	if b.state == Bound || b.state == Renewing {
		b.disarmRetryLocked()
		b.transitionRebindingLocked()
	}
}

func (b *Binding) onLeaseFire() {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	if b.state != Init {
		b.transitionInitLocked()
	}
}

func (b *Binding) armRetryLocked(d time.Duration) {
	if b.timer != nil {
		b.timer.Stop()
	}
	b.timer = time.AfterFunc(d, b.onRetryFire)
}

func (b *Binding) disarmRetryLocked() {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
}

func (b *Binding) armDeadlinesLocked() {
	if b.t1Timer != nil {
		b.t1Timer.Stop()
	}
	if b.t2Timer != nil {
		b.t2Timer.Stop()
	}
	if b.leaseTimer != nil {
		b.leaseTimer.Stop()
	}
	b.t1Timer = time.AfterFunc(b.lease.T1, b.onT1Fire)
	b.t2Timer = time.AfterFunc(b.lease.T2, b.onT2Fire)
	b.leaseTimer = time.AfterFunc(b.lease.LeaseTime, b.onLeaseFire)
}

func (b *Binding) disarmAllLocked() {
	b.disarmRetryLocked()
	for _, t := range []*time.Timer{b.t1Timer, b.t2Timer, b.leaseTimer} {
		if t != nil {
			t.Stop()
		}
	}
	b.t1Timer, b.t2Timer, b.leaseTimer = nil, nil, nil
}

// transmit serializes msg into an IPv4+UDP datagram from srcIP to dstIP and
// sends it out this binding's own interface, resolving dstIP's hardware
// address via ARP (or broadcasting) the way udpraw's Stack.resolveAndSend
// does for ordinary sockets -- DHCP bypasses the socket layer's routing
// table lookup entirely since it must pick this interface explicitly (spec
// §4.M, dhcp.c's udp_send(ifp, ...)).
func (b *Binding) transmit(msg *layers.DHCPv4, dstIP, srcIP inet.IPv4) error {
	if b.pacer != nil && !b.pacer.Allow() {
		// Token bucket exhausted: drop this attempt silently and let the
		// next retransmit timer tick try again, rather than blocking the
		// state machine goroutine on WaitN.
		return nil
	}
	raw, err := serialize(msg, srcIP, dstIP)
	if err != nil {
		return err
	}
	if dstIP.Broadcast() {
		return b.iface.Send(raw, inet.BroadcastHW)
	}
	hw, pending, ok := b.arp.Resolve(dstIP)
	if !ok || pending {
		b.arp.MarkPending(dstIP)
		return inet.ErrNoRoute
	}
	return b.iface.Send(raw, hw)
}
