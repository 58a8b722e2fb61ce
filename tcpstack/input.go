package tcpstack

import (
	"sort"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/tallgrass-os/kernel/inet"
	"github.com/tallgrass-os/kernel/sock"
)

// Input implements spec §4.J's input processing: decodes an inbound IPv4+TCP
// datagram and dispatches it to the matching socket, or to a listener if the
// segment is a fresh SYN. Called from the per-interface receive loop.
func (st *Stack) Input(raw []byte) {
	pkt := gopacket.NewPacket(raw, layers.LayerTypeIPv4, gopacket.NoCopy)
	ipLayer := pkt.Layer(layers.LayerTypeIPv4)
	tcpLayer := pkt.Layer(layers.LayerTypeTCP)
	if ipLayer == nil || tcpLayer == nil {
		return
	}
	ip := ipLayer.(*layers.IPv4)
	tcp := tcpLayer.(*layers.TCP)

	var srcIP, dstIP inet.IPv4
	copy(srcIP[:], ip.SrcIP.To4())
	copy(dstIP[:], ip.DstIP.To4())

	if tcp.SYN && !tcp.ACK {
		if listener := sock.FindListener(sockAFINET, sockStream, ipprotoTCP, dstIP.String(), uint16(tcp.DstPort)); listener != nil {
			st.handleListenSyn(listener, srcIP, uint16(tcp.SrcPort), dstIP, uint16(tcp.DstPort), tcp.Seq)
		}
		return
	}

	s := sock.FindConnected(sockAFINET, sockStream, ipprotoTCP, dstIP.String(), uint16(tcp.DstPort), srcIP.String(), uint16(tcp.SrcPort))
	if s == nil {
		return
	}
	s.Lock()
	defer s.Unlock()
	tcb := tcbOf(s)
	if tcb == nil {
		return
	}

	if tcp.RST {
		st.abort(tcb, sockReset)
		return
	}

	switch tcb.State {
	case SynSent:
		st.inputSynSent(s, tcb, tcp)
		return
	case SynRecv:
		st.inputSynRecv(s, tcb, tcp)
		return
	}

	if !tcp.ACK {
		return
	}

	st.processAck(tcb, tcp)
	st.checkFinAcked(s, tcb)

	if len(tcp.Payload) > 0 {
		st.queueData(s, tcb, tcp.Seq, tcp.Payload, tcp.PSH)
	}

	if tcp.FIN {
		st.handleFin(s, tcb, tcp.Seq)
	}
}

// checkFinAcked advances the active-close states once our own FIN has been
// fully acknowledged (spec §4.J step 7's remaining transitions).
func (st *Stack) checkFinAcked(s *sock.Socket, tcb *TCB) {
	if len(tcb.outq) != 0 || tcb.SndUna != tcb.SndNxt {
		return
	}
	switch tcb.State {
	case FinWait1:
		tcb.State = FinWait2
	case Closing:
		tcb.State = TimeWait
		st.armLinger(tcb, 0)
	case LastAck:
		tcb.State = Closed
		go s.Close()
	}
}

func (st *Stack) inputSynSent(s *sock.Socket, tcb *TCB, tcp *layers.TCP) {
	if !tcp.SYN {
		return
	}
	tcb.IRS = tcp.Seq
	tcb.RcvNxt = tcp.Seq + 1
	if tcp.ACK {
		if tcp.Ack != tcb.SndNxt {
			return
		}
		tcb.SndUna = tcp.Ack
		tcb.State = Established
		s.State = sock.Connected
		st.disarmRetransmit(tcb)
		st.sendAck(tcb)
	} else {
		// simultaneous open: SYN without ACK
		tcb.State = SynRecv
		st.sendSynAck(tcb)
	}
}

func (st *Stack) inputSynRecv(s *sock.Socket, tcb *TCB, tcp *layers.TCP) {
	if !tcp.ACK || tcp.Ack != tcb.SndNxt {
		return
	}
	if listener := s.Parent; listener != nil {
		st.completeHandshake(listener, s, tcb)
	} else {
		tcb.State = Established
		s.State = sock.Connected
		tcb.SndUna = tcb.SndNxt
		st.disarmRetransmit(tcb)
	}
}

// processAck implements spec §4.J step 4: advance snd_una, trim the
// out-queue, update RTT via Karn's algorithm.
func (st *Stack) processAck(tcb *TCB, tcp *layers.TCP) {
	if tcp.Ack == tcb.SndUna && len(tcb.outq) == 0 {
		return
	}
	if seqGT(tcp.Ack, tcb.SndUna) {
		tcb.SndUna = tcp.Ack
	}
	tcb.SndWnd = uint32(tcp.Window)

	kept := tcb.outq[:0]
	for _, seg := range tcb.outq {
		if seqLE(seg.endSeq(), tcb.SndUna) {
			if !seg.Retransmitted {
				st.updateRTO(tcb, timeSince(seg.SentAt), false)
			}
			continue
		}
		kept = append(kept, seg)
	}
	tcb.outq = kept

	if len(tcb.outq) == 0 {
		tcb.inflight = false
		st.disarmRetransmit(tcb)
	} else {
		st.armRetransmit(tcb)
	}
}

// queueData implements spec §4.J step 5: in-order data goes to the socket's
// receive queue (draining the ofo queue behind it); out-of-order data is
// inserted into the ordered ofo queue, joining adjacent ranges and dropping
// duplicates.
func (st *Stack) queueData(s *sock.Socket, tcb *TCB, seq uint32, data []byte, psh bool) {
	if psh {
		tcb.PshObserved = true
	}
	if seq == tcb.RcvNxt {
		s.Inq.TryPush(packetFromBytes(data))
		tcb.RcvNxt += uint32(len(data))
		tcb.drainOfo(s)
	} else if seqGT(seq, tcb.RcvNxt) {
		tcb.insertOfo(seq, data)
	}
	// seq < rcv_nxt: fully-duplicate retransmission, drop.

	if tcb.SackOK {
		tcb.recomputeSacks()
	}

	tcb.bytesSinceAck += uint32(len(data))
	immediate := psh || tcb.bytesSinceAck > DelackByteLimit || tcb.delacks >= DelackMaxInARow
	if immediate {
		tcb.delacks = 0
		tcb.bytesSinceAck = 0
		st.disarmDelack(tcb)
		st.sendAck(tcb)
	} else {
		tcb.delacks++
		st.armDelack(tcb)
	}
}

func (tcb *TCB) drainOfo(s *sock.Socket) {
	for {
		sort.Slice(tcb.ofoq, func(i, j int) bool { return tcb.ofoq[i].Seq < tcb.ofoq[j].Seq })
		if len(tcb.ofoq) == 0 || tcb.ofoq[0].Seq != tcb.RcvNxt {
			return
		}
		seg := tcb.ofoq[0]
		tcb.ofoq = tcb.ofoq[1:]
		s.Inq.TryPush(packetFromBytes(seg.Data))
		tcb.RcvNxt += uint32(len(seg.Data))
	}
}

func (tcb *TCB) insertOfo(seq uint32, data []byte) {
	end := seq + uint32(len(data))
	for _, seg := range tcb.ofoq {
		segEnd := seg.Seq + uint32(len(seg.Data))
		if seq >= seg.Seq && end <= segEnd {
			return // fully duplicate
		}
	}
	tcb.ofoq = append(tcb.ofoq, ofoSegment{Seq: seq, Data: append([]byte(nil), data...)})
	sort.Slice(tcb.ofoq, func(i, j int) bool { return tcb.ofoq[i].Seq < tcb.ofoq[j].Seq })

	merged := tcb.ofoq[:0]
	for _, seg := range tcb.ofoq {
		if len(merged) > 0 {
			last := &merged[len(merged)-1]
			lastEnd := last.Seq + uint32(len(last.Data))
			if seg.Seq <= lastEnd {
				if segEnd := seg.Seq + uint32(len(seg.Data)); segEnd > lastEnd {
					last.Data = append(last.Data, seg.Data[lastEnd-seg.Seq:]...)
				}
				continue
			}
		}
		merged = append(merged, seg)
	}
	tcb.ofoq = merged
}

func (tcb *TCB) recomputeSacks() {
	tcb.nSacks = 0
	for _, seg := range tcb.ofoq {
		if tcb.nSacks >= maxSackBlocks {
			break
		}
		tcb.Sacks[tcb.nSacks] = SackBlock{Left: seg.Seq, Right: seg.Seq + uint32(len(seg.Data))}
		tcb.nSacks++
	}
}

// handleFin implements spec §4.J step 7's per-state FIN transitions.
func (st *Stack) handleFin(s *sock.Socket, tcb *TCB, seq uint32) {
	if seq != tcb.RcvNxt {
		return // out-of-order FIN: wait for the preceding bytes
	}
	tcb.RcvNxt++
	tcb.FinObserved = true
	st.sendAck(tcb)

	switch tcb.State {
	case Established:
		tcb.State = CloseWait
		s.Flags |= sock.FlagShutRemote
	case FinWait1:
		if len(tcb.outq) == 0 && tcb.SndUna == tcb.SndNxt {
			tcb.State = TimeWait
			st.armLinger(tcb, 0)
		} else {
			tcb.State = Closing
		}
	case FinWait2:
		tcb.State = TimeWait
		st.armLinger(tcb, 0)
	}
}

func packetFromBytes(b []byte) *sock.Packet { return sock.NewPacket(b) }

func seqGT(a, b uint32) bool { return int32(a-b) > 0 }
func seqLE(a, b uint32) bool { return int32(a-b) <= 0 }
