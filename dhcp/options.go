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
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/tallgrass-os/kernel/inet"
)

// paramRequestList mirrors dhcp_add_option_paramlist's 13-entry parameter
// request list: subnet mask, time offset, routers, DNS, host name, domain
// name, MTU, broadcast address, static routes, NIS domain/servers, NTP
// servers, root path.
var paramRequestList = []byte{1, 2, 3, 6, 12, 15, 17, 26, 28, 33, 40, 41, 42}

// maxDHCPMessageSize is advertised via option 57 (spec's RFC 2131 default
// for a host that has not negotiated a larger MTU).
const maxDHCPMessageSize = 576

// buildMessage assembles the common frame shared by DISCOVER/REQUEST/
// DECLINE/RELEASE: op=BOOTREQUEST, the client identifier, and the
// parameter request list, dhcp_state_transition's shared prologue.
func buildMessage(xid uint32, hw net.HardwareAddr, msgType layers.DHCPMsgType, broadcast bool, ciaddr net.IP) *layers.DHCPv4 {
	flags := uint16(0)
	if broadcast {
		flags = 0x8000 // DHCP_BROADCAST_FLAG
	}
	cid := append([]byte{0x01}, []byte(hw)...) // type 1: ethernet address

	return &layers.DHCPv4{
		Operation:    layers.DHCPOpRequest,
		HardwareType: layers.LinkTypeEthernet,
		HardwareLen:  uint8(len(hw)),
		Xid:          xid,
		Flags:        flags,
		ClientIP:     ciaddr,
		ClientHWAddr: hw,
		Options: layers.DHCPOptions{
			layers.NewDHCPOption(layers.DHCPOptMessageType, []byte{byte(msgType)}),
			layers.NewDHCPOption(layers.DHCPOptClientID, cid),
			layers.NewDHCPOption(layers.DHCPOptParamsRequest, paramRequestList),
			layers.NewDHCPOption(layers.DHCPOptMessageLen, uint16Bytes(maxDHCPMessageSize)),
		},
	}
}

// buildDiscover is dhcp_state_transition(DHCP_SELECTING): broadcast,
// ciaddr cleared.
func buildDiscover(xid uint32, hw net.HardwareAddr) *layers.DHCPv4 {
	return buildMessage(xid, hw, layers.DHCPMsgTypeDiscover, true, net.IPv4zero)
}

// buildRequestSelecting is dhcp_state_transition(DHCP_REQUESTING): the
// initial REQUEST after an OFFER, carrying the requested address and
// server identifier, broadcast.
func buildRequestSelecting(xid uint32, hw net.HardwareAddr, yiaddr, serverID net.IP) *layers.DHCPv4 {
	m := buildMessage(xid, hw, layers.DHCPMsgTypeRequest, true, net.IPv4zero)
	m.Options = append(m.Options,
		layers.NewDHCPOption(layers.DHCPOptRequestIP, yiaddr.To4()),
		layers.NewDHCPOption(layers.DHCPOptServerID, serverID.To4()),
	)
	return m
}

// buildRequestRenewing is BOUND→RENEWING's T1 unicast REQUEST: no
// server_identifier, ciaddr set to the leased address (spec §4.M).
func buildRequestRenewing(xid uint32, hw net.HardwareAddr, ciaddr net.IP) *layers.DHCPv4 {
	return buildMessage(xid, hw, layers.DHCPMsgTypeRequest, false, ciaddr)
}

// buildRequestRebinding is RENEWING→REBINDING's T2 broadcast REQUEST.
func buildRequestRebinding(xid uint32, hw net.HardwareAddr, ciaddr net.IP) *layers.DHCPv4 {
	return buildMessage(xid, hw, layers.DHCPMsgTypeRequest, true, ciaddr)
}

// buildDecline is CHECKING→DECLINING's DHCPDECLINE (SPEC_FULL supplemented
// feature 7).
func buildDecline(xid uint32, hw net.HardwareAddr, yiaddr, serverID net.IP) *layers.DHCPv4 {
	m := buildMessage(xid, hw, layers.DHCPMsgTypeDecline, true, net.IPv4zero)
	m.Options = append(m.Options,
		layers.NewDHCPOption(layers.DHCPOptRequestIP, yiaddr.To4()),
		layers.NewDHCPOption(layers.DHCPOptServerID, serverID.To4()),
	)
	return m
}

// buildRelease is a user-requested lease release (SPEC_FULL supplemented
// feature 7): unicast to the server, ciaddr set.
func buildRelease(xid uint32, hw net.HardwareAddr, ciaddr, serverID net.IP) *layers.DHCPv4 {
	m := buildMessage(xid, hw, layers.DHCPMsgTypeRelease, false, ciaddr)
	m.Options = append(m.Options, layers.NewDHCPOption(layers.DHCPOptServerID, serverID.To4()))
	return m
}

func uint16Bytes(v uint16) []byte {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, v)
	return b
}

// serialize wraps msg in an IPv4+UDP datagram addressed src:68 -> dst:67
// (or dst:68 for a server-originated reply, never produced here), the way
// udpraw's Write builds its own IPv4+UDP frame by hand instead of going
// through a generic socket — DHCP bypasses the socket layer on transmit
// entirely since it must pick the outbound interface explicitly rather
// than consult a route table that has no usable route yet (spec §4.M).
func serialize(msg *layers.DHCPv4, srcIP, dstIP inet.IPv4) ([]byte, error) {
	ip := &layers.IPv4{Version: 4, IHL: 5, TTL: 64, Protocol: layers.IPProtocolUDP, SrcIP: srcIP.ToNetIP(), DstIP: dstIP.ToNetIP()}
	udp := &layers.UDP{SrcPort: layers.UDPPort(ClientPort), DstPort: layers.UDPPort(ServerPort)}
	udp.SetNetworkLayerForChecksum(ip)

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}
	if err := gopacket.SerializeLayers(buf, opts, ip, udp, msg); err != nil {
		return nil, err
	}
	return append([]byte(nil), buf.Bytes()...), nil
}

// parseReply decodes a DHCP message from the UDP payload sock.Socket.Recv
// hands back (InputUDP has already stripped the IPv4/UDP headers). It is
// lenient about the minimum-options-length zero padding spec §4.M calls out
// -- DecodeFromBytes walks the options area until DHCPOptEnd and ignores
// the trailing pad.
func parseReply(raw []byte) (*layers.DHCPv4, error) {
	d := &layers.DHCPv4{}
	if err := d.DecodeFromBytes(raw, gopacket.NilDecodeFeedback); err != nil {
		return nil, err
	}
	return d, nil
}

func messageType(m *layers.DHCPv4) layers.DHCPMsgType {
	for _, o := range m.Options {
		if o.Type == layers.DHCPOptMessageType && len(o.Data) == 1 {
			return layers.DHCPMsgType(o.Data[0])
		}
	}
	return layers.DHCPMsgTypeUnspecified
}

func findOption(m *layers.DHCPv4, t layers.DHCPOpt) ([]byte, bool) {
	for _, o := range m.Options {
		if o.Type == t {
			return o.Data, true
		}
	}
	return nil, false
}

func optionIPv4(m *layers.DHCPv4, t layers.DHCPOpt) (inet.IPv4, bool) {
	data, ok := findOption(m, t)
	if !ok || len(data) != 4 {
		return inet.IPv4{}, false
	}
	var ip inet.IPv4
	copy(ip[:], data)
	return ip, true
}

func optionUint32(m *layers.DHCPv4, t layers.DHCPOpt) (uint32, bool) {
	data, ok := findOption(m, t)
	if !ok || len(data) != 4 {
		return 0, false
	}
	return binary.BigEndian.Uint32(data), true
}
