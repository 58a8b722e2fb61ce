package tcpstack

import (
	"math/rand"
	"time"
)

// transmit implements spec §4.J's tcp_transmit: builds and sends one
// segment with ack = rcv_nxt, window = rcv_wnd.
func (st *Stack) transmit(tcb *TCB, flags segFlags, seq uint32, data []byte) error {
	raw, err := serializeSegment(tcb, flags, seq, tcb.RcvNxt, data)
	if err != nil {
		return err
	}
	return st.send(tcb, raw)
}

// queueTransmit implements spec §4.J's tcp_queue_transmit: place the
// segment on the out-queue; if nothing is currently in flight, send
// immediately and arm the retransmission timer.
func (st *Stack) queueTransmit(tcb *TCB, flags segFlags, seq uint32, data []byte, fin bool) error {
	tcb.outq = append(tcb.outq, outSegment{Seq: seq, Data: append([]byte(nil), data...), SentAt: time.Now(), Fin: fin})
	if !tcb.inflight {
		tcb.inflight = true
		if err := st.transmit(tcb, flags, seq, data); err != nil {
			return err
		}
		st.armRetransmit(tcb)
	}
	return nil
}

// sendSyn implements spec §4.J's tcp_send_syn: CLOSED -> SYN_SENT.
func (st *Stack) sendSyn(tcb *TCB) error {
	tcb.ISS = rand.Uint32()
	tcb.SndUna = tcb.ISS
	tcb.SndNxt = tcb.ISS
	tcb.State = SynSent
	tcb.SackOK = true
	err := st.transmit(tcb, flagSYN, tcb.ISS, nil)
	tcb.SndNxt = tcb.ISS + 1
	tcb.inflight = true
	st.armRetransmit(tcb)
	return err
}

// sendSynAck answers an inbound SYN from LISTEN, CLOSED->SYN_RECV is the
// caller's job (handshake.go); this just emits the segment.
func (st *Stack) sendSynAck(tcb *TCB) error {
	tcb.IRS = tcb.RcvNxt - 1
	err := st.transmit(tcb, flagSYN|flagACK, tcb.SndNxt, nil)
	tcb.SndNxt++
	tcb.inflight = true
	st.armRetransmit(tcb)
	return err
}

func (st *Stack) sendAck(tcb *TCB) error {
	return st.transmit(tcb, flagACK, tcb.SndNxt, nil)
}

func (st *Stack) sendRst(tcb *TCB) error {
	return st.transmit(tcb, flagRST, tcb.SndNxt, nil)
}

func (st *Stack) sendFin(tcb *TCB) error {
	seq := tcb.SndNxt
	err := st.queueTransmit(tcb, flagFIN|flagACK, seq, nil, true)
	tcb.SndNxt = seq + 1
	return err
}
