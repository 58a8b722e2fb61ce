// Package tcpstack implements the TCP engine (spec §4.J): the
// PCB-per-socket variant with out-of-order queueing, SACK, delayed ACKs and
// an RFC 6298 retransmission timer, registered into sock as the
// (AF_INET, SOCK_STREAM, IPPROTO_TCP) protocol vtable.
package tcpstack

import (
	"time"

	"github.com/tallgrass-os/kernel/inet"
	"github.com/tallgrass-os/kernel/sock"
)

// State is one of spec §3.7's eleven TCP states.
type State int

const (
	Closed State = iota
	Listen
	SynSent
	SynRecv
	Established
	FinWait1
	FinWait2
	CloseWait
	Closing
	LastAck
	TimeWait
)

func (s State) String() string {
	switch s {
	case Closed:
		return "CLOSED"
	case Listen:
		return "LISTEN"
	case SynSent:
		return "SYN_SENT"
	case SynRecv:
		return "SYN_RECV"
	case Established:
		return "ESTABLISHED"
	case FinWait1:
		return "FIN_WAIT_1"
	case FinWait2:
		return "FIN_WAIT_2"
	case CloseWait:
		return "CLOSE_WAIT"
	case Closing:
		return "CLOSING"
	case LastAck:
		return "LAST_ACK"
	case TimeWait:
		return "TIME_WAIT"
	default:
		return "UNKNOWN"
	}
}

// Tunables, spec §4.J/§8.
const (
	DefaultMSS       = 1460
	TCPConnRetries   = 5
	MinRTO           = 200 * time.Millisecond
	MaxRTO           = 3 * time.Minute
	DelackTimeout    = 200 * time.Millisecond
	DelackByteLimit  = 1000
	DelackMaxInARow  = 2
	MSL              = 30 * time.Second // 2*MSL default TIME_WAIT linger
	maxSackBlocks    = 4
)

// SackBlock is one SACK range, spec §3.7's `sacks[4] each {left,right}`.
type SackBlock struct {
	Left, Right uint32
}

// ofoSegment is one out-of-order reassembly entry, ordered by Seq.
type ofoSegment struct {
	Seq  uint32
	Data []byte
}

// outSegment is one entry on the retransmit-capable out-queue, tracked by
// byte range per supplemented feature 5 (partial-ACK trimming).
type outSegment struct {
	Seq           uint32 // first sequence number covered
	Data          []byte
	SentAt        time.Time
	Retransmitted bool
	Fin           bool
}

func (o *outSegment) endSeq() uint32 { return o.Seq + uint32(len(o.Data)) }

// TCB is spec §3.7's per-connection TCP control block, stashed in
// sock.Socket.Ext.
type TCB struct {
	State State

	ISS, IRS         uint32
	SndUna, SndNxt   uint32
	SndWnd           uint32
	SndWl1, SndWl2   uint32
	SndUp            uint32
	RcvNxt           uint32
	RcvWnd           uint32
	SMSS, RMSS       uint32

	SackOK    bool
	SackAllow bool
	Sacks     [maxSackBlocks]SackBlock
	nSacks    int

	ofoq     []ofoSegment
	outq     []outSegment
	inflight bool

	Backoff int
	RTO     time.Duration
	SRTT    time.Duration
	RTTVar  time.Duration
	haveSRTT bool

	TSOpt     bool
	TSRecent  uint32

	delacks       int
	bytesSinceAck uint32

	FinObserved bool
	PshObserved bool

	RemoteAddr inet.IPv4
	RemotePort uint16
	LocalAddr  inet.IPv4
	LocalPort  uint16

	retransmitTimer *time.Timer
	delackTimer     *time.Timer
	lingerTimer     *time.Timer

	tries int // SYN retry counter

	Sock *sock.Socket
}

// newTCB builds a TCB with RFC 6298's initial RTO and spec's default MSS.
func newTCB() *TCB {
	return &TCB{
		State:  Closed,
		SMSS:   DefaultMSS,
		RMSS:   DefaultMSS,
		RcvWnd: 64 * 1024,
		RTO:    1 * time.Second,
	}
}
