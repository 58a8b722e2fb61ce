package tcpstack

import (
	"time"

	"github.com/tallgrass-os/kernel/sock"
)

// armRetransmit (re)starts the retransmission timer for tcb's current RTO
// (spec §4.J). Call with tcb locked via the owning socket's mutex.
func (st *Stack) armRetransmit(tcb *TCB) {
	if tcb.retransmitTimer != nil {
		tcb.retransmitTimer.Stop()
	}
	if len(tcb.outq) == 0 {
		return
	}
	tcb.retransmitTimer = time.AfterFunc(tcb.RTO, func() { st.onRetransmitFire(tcb) })
}

func (st *Stack) disarmRetransmit(tcb *TCB) {
	if tcb.retransmitTimer != nil {
		tcb.retransmitTimer.Stop()
		tcb.retransmitTimer = nil
	}
}

// onRetransmitFire implements spec §4.J's retransmission-timer fire: resend
// the out-queue head, double RTO, bump backoff, re-arm; abort past 3 minutes.
func (st *Stack) onRetransmitFire(tcb *TCB) {
	tcb.Sock.Lock()
	defer tcb.Sock.Unlock()

	if len(tcb.outq) == 0 {
		tcb.inflight = false
		return
	}
	tcb.RTO *= 2
	if tcb.RTO > MaxRTO {
		st.abort(tcb, sockTimedOut)
		return
	}
	tcb.Backoff++
	head := &tcb.outq[0]
	head.Retransmitted = true
	head.SentAt = time.Now()

	flags := flagACK
	if head.Fin {
		flags |= flagFIN
	} else {
		flags |= flagPSH
	}
	_ = st.transmit(tcb, flags, head.Seq, head.Data)
	tcb.retransmitTimer = time.AfterFunc(tcb.RTO, func() { st.onRetransmitFire(tcb) })
}

// armDelack arms (or leaves armed) the ~200ms delayed-ACK timer.
func (st *Stack) armDelack(tcb *TCB) {
	if tcb.delackTimer != nil {
		return
	}
	tcb.delackTimer = time.AfterFunc(DelackTimeout, func() { st.onDelackFire(tcb) })
}

func (st *Stack) disarmDelack(tcb *TCB) {
	if tcb.delackTimer != nil {
		tcb.delackTimer.Stop()
		tcb.delackTimer = nil
	}
}

func (st *Stack) onDelackFire(tcb *TCB) {
	tcb.Sock.Lock()
	defer tcb.Sock.Unlock()
	tcb.delackTimer = nil
	tcb.delacks = 0
	tcb.bytesSinceAck = 0
	_ = st.sendAck(tcb)
}

// armLinger arms TIME_WAIT's 2*MSL cleanup timer (spec §4.J, SO_LINGER
// configurable via lingerSeconds; 0 means use the package default).
func (st *Stack) armLinger(tcb *TCB, lingerSeconds int) {
	d := 2 * MSL
	if lingerSeconds > 0 {
		d = time.Duration(lingerSeconds) * time.Second
	}
	tcb.lingerTimer = time.AfterFunc(d, func() { st.onLingerFire(tcb) })
}

func (st *Stack) onLingerFire(tcb *TCB) {
	tcb.Sock.Lock()
	tcb.State = Closed
	tcb.Sock.Unlock()
	tcb.Sock.Close()
}

// updateRTO implements RFC 6298 with Karn's algorithm (spec §4.J): skip the
// sample if the acked segment was retransmitted.
func (st *Stack) updateRTO(tcb *TCB, sample time.Duration, retransmitted bool) {
	if retransmitted {
		return
	}
	if !tcb.haveSRTT {
		tcb.SRTT = sample
		tcb.RTTVar = sample / 2
		tcb.haveSRTT = true
	} else {
		delta := tcb.SRTT - sample
		if delta < 0 {
			delta = -delta
		}
		tcb.RTTVar = tcb.RTTVar - tcb.RTTVar/4 + delta/4
		tcb.SRTT = tcb.SRTT - tcb.SRTT/8 + sample/8
	}
	rto := tcb.SRTT + 4*tcb.RTTVar
	if rto < MinRTO {
		rto = MinRTO
	}
	tcb.RTO = rto
	tcb.Backoff = 0
}

type abortReason int

const (
	sockTimedOut abortReason = iota
	sockReset
)

// abort tears the connection down immediately (spec §4.J's connect-retry
// exhaustion and §4.K-adjacent RST handling share this path).
func (st *Stack) abort(tcb *TCB, reason abortReason) {
	st.disarmRetransmit(tcb)
	st.disarmDelack(tcb)
	if reason == sockTimedOut && tcb.State != Closed {
		_ = st.sendRst(tcb)
	}
	tcb.State = Closed
	switch reason {
	case sockTimedOut:
		tcb.Sock.Err = ErrConnRetriesExhausted
	case sockReset:
		tcb.Sock.Err = sock.ErrConnReset
	}
	tcb.Sock.State = sock.Unconnected
}
