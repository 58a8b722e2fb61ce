/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package sock implements the socket layer (spec §4.I): a process-wide
// socket table, a small protocol vtable each of tcpstack/udpraw/unixsock
// registers into, bind/connect/send/recv/shutdown/close, and the bounded
// in/out packet queues every socket owns.
package sock

// Packet is spec §9's small-buffer-optimized owned buffer: a backing array
// plus two cursors so AddHeader can grow or (negative delta) shrink the visible
// window without copying, and Clone is a cheap refcount bump shared by
// whichever queues currently hold the packet.
type Packet struct {
	buf        []byte
	dataBegin  int
	dataEnd    int
	refs       *int32
	RemoteAddr string // informational: peer address this packet arrived from/is destined to
}

// NewPacket wraps payload as a fresh, uniquely-owned packet.
func NewPacket(payload []byte) *Packet {
	refs := int32(1)
	buf := make([]byte, len(payload))
	copy(buf, payload)
	return &Packet{buf: buf, dataBegin: 0, dataEnd: len(buf), refs: &refs}
}

// Data is the packet's current visible window.
func (p *Packet) Data() []byte { return p.buf[p.dataBegin:p.dataEnd] }

func (p *Packet) Len() int { return p.dataEnd - p.dataBegin }

// AddHeader moves data_begin back by delta, exposing delta bytes of
// previously-hidden header room (negative delta trims from the front).
func (p *Packet) AddHeader(delta int) {
	nb := p.dataBegin - delta
	if nb < 0 {
		nb = 0
	}
	if nb > p.dataEnd {
		nb = p.dataEnd
	}
	p.dataBegin = nb
}

// Clone returns a shared-buffer handle; mutating a clone requires first
// calling MakeUnique.
func (p *Packet) Clone() *Packet {
	p.incRef()
	return &Packet{buf: p.buf, dataBegin: p.dataBegin, dataEnd: p.dataEnd, refs: p.refs, RemoteAddr: p.RemoteAddr}
}

func (p *Packet) incRef() { *p.refs++ }

// MakeUnique copies the backing buffer if it is shared, so the caller may
// safely mutate it in place.
func (p *Packet) MakeUnique() {
	if *p.refs <= 1 {
		return
	}
	*p.refs--
	nb := make([]byte, len(p.buf))
	copy(nb, p.buf)
	p.buf = nb
	refs := int32(1)
	p.refs = &refs
}
