/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package dhcp

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/tallgrass-os/kernel/inet"
	"github.com/tallgrass-os/kernel/klog"
	"github.com/tallgrass-os/kernel/sock"
	"github.com/tallgrass-os/kernel/udpraw"
)

// waitForState polls until b reaches want or timeout elapses, the way a
// real negotiation's outcome is only visible asynchronously through the
// binding's timers and goroutines.
func waitForState(t *testing.T, b *Binding, want State, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if b.State() == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for state %v, got %v", want, b.State())
}

func uint32Bytes(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}

// buildServerReply fakes a DHCP server's OFFER/ACK, the mirror image of
// options.go's buildMessage for the client side.
func buildServerReply(xid uint32, msgType layers.DHCPMsgType, yiaddr, serverID, mask, router inet.IPv4, leaseSecs uint32) *layers.DHCPv4 {
	return &layers.DHCPv4{
		Operation:    layers.DHCPOpReply,
		HardwareType: layers.LinkTypeEthernet,
		HardwareLen:  6,
		Xid:          xid,
		YourClientIP: yiaddr.ToNetIP(),
		Options: layers.DHCPOptions{
			layers.NewDHCPOption(layers.DHCPOptMessageType, []byte{byte(msgType)}),
			layers.NewDHCPOption(layers.DHCPOptServerID, serverID.ToNetIP().To4()),
			layers.NewDHCPOption(layers.DHCPOptSubnetMask, mask.ToNetIP().To4()),
			layers.NewDHCPOption(layers.DHCPOptRouter, router.ToNetIP().To4()),
			layers.NewDHCPOption(layers.DHCPOptLeaseTime, uint32Bytes(leaseSecs)),
		},
	}
}

// serializeServerReply wraps msg in an IPv4+UDP datagram from the server's
// port 67 to the client's port 68 -- options.go's serialize is hardcoded
// for the opposite direction, so the fake server in these tests builds its
// own frame the same way.
func serializeServerReply(t *testing.T, msg *layers.DHCPv4, srcIP, dstIP inet.IPv4) []byte {
	t.Helper()
	ip := &layers.IPv4{Version: 4, IHL: 5, TTL: 64, Protocol: layers.IPProtocolUDP, SrcIP: srcIP.ToNetIP(), DstIP: dstIP.ToNetIP()}
	udp := &layers.UDP{SrcPort: layers.UDPPort(ServerPort), DstPort: layers.UDPPort(ClientPort)}
	udp.SetNetworkLayerForChecksum(ip)

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}
	if err := gopacket.SerializeLayers(buf, opts, ip, udp, msg); err != nil {
		t.Fatalf("serialize server reply: %v", err)
	}
	return append([]byte(nil), buf.Bytes()...)
}

// decodeClientFrame unwraps an inbound IPv4+UDP frame from the client down
// to its DHCPv4 payload, the fake server's side of udpraw.Stack.InputUDP.
func decodeClientFrame(t *testing.T, raw []byte) *layers.DHCPv4 {
	t.Helper()
	pkt := gopacket.NewPacket(raw, layers.LayerTypeIPv4, gopacket.NoCopy)
	udpLayer := pkt.Layer(layers.LayerTypeUDP)
	if udpLayer == nil {
		t.Fatalf("frame has no UDP layer")
	}
	udp := udpLayer.(*layers.UDP)
	msg, err := parseReply(udp.Payload)
	if err != nil {
		t.Fatalf("decode client dhcp message: %v", err)
	}
	return msg
}

// runFakeServer answers DISCOVER with OFFER and REQUEST with ACK, offering
// offerIP/mask with gateway router and the given lease, until done closes.
func runFakeServer(t *testing.T, iface *inet.LoopInterface, serverIP, offerIP, router, mask inet.IPv4, leaseSecs uint32, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case raw, ok := <-iface.RecvQueue():
			if !ok {
				return
			}
			msg := decodeClientFrame(t, raw)
			var reply *layers.DHCPv4
			switch messageType(msg) {
			case layers.DHCPMsgTypeDiscover:
				reply = buildServerReply(msg.Xid, layers.DHCPMsgTypeOffer, offerIP, serverIP, mask, router, leaseSecs)
			case layers.DHCPMsgTypeRequest:
				reply = buildServerReply(msg.Xid, layers.DHCPMsgTypeAck, offerIP, serverIP, mask, router, leaseSecs)
			default:
				continue
			}
			iface.Send(serializeServerReply(t, reply, serverIP, inet.IPv4{255, 255, 255, 255}), inet.BroadcastHW)
		}
	}
}

// TestEndToEndLeaseAcquisition exercises spec §8 scenario 6: a link with one
// DHCP server offering 192.0.2.50/24, gateway 192.0.2.1, lease 3600s.
func TestEndToEndLeaseAcquisition(t *testing.T) {
	origCapTries, origCheckingRetry := capTries, checkingRetry
	capTries = 2
	checkingRetry = 5 * time.Millisecond
	t.Cleanup(func() { capTries, checkingRetry = origCapTries, origCheckingRetry })

	clientIface := inet.NewLoopInterface("eth0", inet.HWAddr{0, 1, 2, 3, 4, 5}, 1500)
	serverIface := inet.NewLoopInterface("srv0", inet.HWAddr{0, 1, 2, 3, 4, 6}, 1500)
	clientIface.Peer = serverIface
	serverIface.Peer = clientIface

	arp := inet.NewARPTable()
	routes := inet.NewRouteTable()
	udpStack := udpraw.NewStack([]inet.Interface{clientIface}, arp, routes, nil)
	udpStack.RegisterUDP(udpraw.AFInet, sock.SockDgram, udpraw.IPProtoUDP)

	client, err := NewClient(udpStack, nil)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	t.Cleanup(func() { client.Stop() })

	serverIP := inet.IPv4{192, 0, 2, 1}
	offerIP := inet.IPv4{192, 0, 2, 50}
	mask := inet.IPv4{255, 255, 255, 0}
	const leaseSecs = 3600

	done := make(chan struct{})
	t.Cleanup(func() { close(done) })
	go runFakeServer(t, serverIface, serverIP, offerIP, serverIP, mask, leaseSecs, done)

	if err := client.Start([]inet.Interface{clientIface}, arp, routes); err != nil {
		t.Fatalf("Start: %v", err)
	}

	b, err := client.Binding("eth0")
	if err != nil {
		t.Fatalf("Binding: %v", err)
	}

	waitForState(t, b, Bound, 2*time.Second)

	lease, ok := b.Lease()
	if !ok {
		t.Fatalf("expected a lease once BOUND")
	}
	if lease.Address != offerIP {
		t.Fatalf("address = %v, want %v", lease.Address, offerIP)
	}
	if lease.LeaseTime != leaseSecs*time.Second {
		t.Fatalf("lease time = %v, want %v", lease.LeaseTime, leaseSecs*time.Second)
	}
	if lease.T1 != 1800*time.Second {
		t.Fatalf("T1 = %v, want 1800s", lease.T1)
	}
	if lease.T2 != 3150*time.Second {
		t.Fatalf("T2 = %v, want 3150s", lease.T2)
	}

	subnet, err := routes.Lookup(inet.IPv4{192, 0, 2, 99})
	if err != nil {
		t.Fatalf("subnet route lookup: %v", err)
	}
	if subnet.Dest != (inet.IPv4{192, 0, 2, 0}) || subnet.Mask != mask {
		t.Fatalf("subnet route = %+v, want 192.0.2.0/24", subnet)
	}

	gw, err := routes.Lookup(inet.IPv4{8, 8, 8, 8})
	if err != nil {
		t.Fatalf("default route lookup: %v", err)
	}
	if gw.Gateway != serverIP {
		t.Fatalf("default route gateway = %v, want %v", gw.Gateway, serverIP)
	}

	if clientIface.Addr() != offerIP {
		t.Fatalf("interface addr = %v, want %v", clientIface.Addr(), offerIP)
	}
}

// TestNakRestartsSelecting covers spec §4.M's "REQUESTING → SELECTING on
// DHCPNAK" transition, driven directly against a Binding without a Client
// or fake server in the loop.
func TestNakRestartsSelecting(t *testing.T) {
	iface := inet.NewLoopInterface("eth1", inet.HWAddr{0, 1, 2, 3, 4, 7}, 1500)
	b := newBinding(iface, inet.NewARPTable(), inet.NewRouteTable(), nil, klog.Default())

	b.Start()
	if b.State() != Selecting {
		t.Fatalf("state after Start = %v, want SELECTING", b.State())
	}

	xid := b.xid
	serverIP := inet.IPv4{192, 0, 2, 1}
	offerIP := inet.IPv4{192, 0, 2, 77}
	offer := buildServerReply(xid, layers.DHCPMsgTypeOffer, offerIP, serverIP, inet.IPv4{255, 255, 255, 0}, serverIP, 3600)
	b.HandleReply(offer)
	if b.State() != Requesting {
		t.Fatalf("state after OFFER = %v, want REQUESTING", b.State())
	}

	nak := &layers.DHCPv4{
		Xid: xid,
		Options: layers.DHCPOptions{
			layers.NewDHCPOption(layers.DHCPOptMessageType, []byte{byte(layers.DHCPMsgTypeNak)}),
		},
	}
	b.HandleReply(nak)
	if b.State() != Selecting {
		t.Fatalf("state after NAK = %v, want SELECTING", b.State())
	}
}

// TestReleaseWithoutLeaseFails covers spec's supplemented DHCPRELEASE
// feature: releasing a binding with no active lease is a no-op error.
func TestReleaseWithoutLeaseFails(t *testing.T) {
	iface := inet.NewLoopInterface("eth2", inet.HWAddr{0, 1, 2, 3, 4, 8}, 1500)
	b := newBinding(iface, inet.NewARPTable(), inet.NewRouteTable(), nil, klog.Default())
	if err := b.Release(); err != ErrNoActiveLease {
		t.Fatalf("Release() = %v, want ErrNoActiveLease", err)
	}
}

// TestBindingStateString covers the human-readable state names Client/test
// diagnostics rely on.
func TestBindingStateString(t *testing.T) {
	cases := map[State]string{
		Init:       "INIT",
		Selecting:  "SELECTING",
		Requesting: "REQUESTING",
		Checking:   "CHECKING",
		Declining:  "DECLINING",
		Bound:      "BOUND",
		Renewing:   "RENEWING",
		Rebinding:  "REBINDING",
		Releasing:  "RELEASING",
		State(99):  "UNKNOWN",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Fatalf("State(%d).String() = %q, want %q", state, got, want)
		}
	}
}
