package sock

import "sync"

// PacketQueue is a bounded FIFO of *Packet, the channel-pipeline replacement
// for github.com/gravwell/buffer described in DESIGN.md's dropped-dependency
// ledger: a fixed-depth Go channel backs the queue the way chancacher.go's
// in-memory fast path bounds its pipeline depth, with a peek offset layered
// on top for MSG_PEEK (spec §4.I).
type PacketQueue struct {
	ch   chan *Packet
	mtx  sync.Mutex
	peek []*Packet // packets already dequeued from ch but not yet consumed, for MSG_PEEK replay
}

// NewPacketQueue creates a queue of the given bounded depth (the socket
// layer's "default queue depth is a parameter", spec §4.I).
func NewPacketQueue(depth int) *PacketQueue {
	if depth <= 0 {
		depth = 1
	}
	return &PacketQueue{ch: make(chan *Packet, depth)}
}

// TryPush enqueues p without blocking; it reports false if the queue is full
// (the caller's shutdown/backpressure path, e.g. ENOBUFS-equivalent drop).
func (q *PacketQueue) TryPush(p *Packet) bool {
	select {
	case q.ch <- p:
		return true
	default:
		return false
	}
}

// Pop dequeues the next packet, consuming from the peek buffer first.
func (q *PacketQueue) Pop() (*Packet, bool) {
	q.mtx.Lock()
	if len(q.peek) > 0 {
		p := q.peek[0]
		q.peek = q.peek[1:]
		q.mtx.Unlock()
		return p, true
	}
	q.mtx.Unlock()
	select {
	case p := <-q.ch:
		return p, true
	default:
		return nil, false
	}
}

// Peek returns the next packet without consuming it, stashing it so a
// subsequent Pop still returns it in order (spec §4.I's MSG_PEEK: "no
// dequeue; advance a per-socket peek offset").
func (q *PacketQueue) Peek() (*Packet, bool) {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	if len(q.peek) > 0 {
		return q.peek[0], true
	}
	select {
	case p := <-q.ch:
		q.peek = append(q.peek, p)
		return p, true
	default:
		return nil, false
	}
}

// Len reports the number of packets currently queued (peeked-but-unconsumed
// plus still-buffered), used by Ready for POLLIN.
func (q *PacketQueue) Len() int {
	q.mtx.Lock()
	n := len(q.peek)
	q.mtx.Unlock()
	return n + len(q.ch)
}

// Drain empties the queue, releasing every packet (used on Close).
func (q *PacketQueue) Drain() {
	q.mtx.Lock()
	q.peek = nil
	q.mtx.Unlock()
	for {
		select {
		case <-q.ch:
		default:
			return
		}
	}
}
