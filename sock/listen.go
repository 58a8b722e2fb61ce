package sock

import "errors"

var (
	ErrNotListening    = errors.New("socket is not listening")
	ErrAlreadyListening = errors.New("socket is already listening")
	ErrWouldBlock      = errors.New("operation would block")
)

// Listen marks s as a listening socket with the given backlog (spec §4.I);
// tcpstack and unixsock both push completed connections onto s.acceptQ from
// their own state-machine goroutines, so Listen itself does nothing protocol-
// specific beyond allocating the queue and flipping State.
func (s *Socket) Listen(backlog int) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.State == Listening {
		return ErrAlreadyListening
	}
	s.acceptQ = NewAcceptQueue(backlog)
	s.State = Listening
	return nil
}

// PushAccept is called by a protocol module when a new connection completes
// (TCP's three-way handshake, or a Unix-domain connect) to hand it to a
// listening socket's backlog. It reports false when the backlog is full, the
// caller's cue to drop the attempt (TCP: let the SYN retransmit).
func (s *Socket) PushAccept(conn *Socket) bool {
	s.mtx.Lock()
	q := s.acceptQ
	s.mtx.Unlock()
	if q == nil {
		return false
	}
	conn.mtx.Lock()
	conn.Parent = s
	conn.mtx.Unlock()
	ok := q.TryPush(conn)
	if ok {
		wakeup(s.Channel())
	}
	return ok
}

// Accept dequeues the next completed connection (spec §4.I); ErrWouldBlock
// signals the caller (ksyscall) to either block on select or return EAGAIN
// for a non-blocking listener.
func (s *Socket) Accept() (*Socket, error) {
	s.mtx.Lock()
	q := s.acceptQ
	listening := s.State == Listening
	s.mtx.Unlock()
	if !listening {
		return nil, ErrNotListening
	}
	// Blocking accept is the caller's responsibility: ksyscall registers on
	// s via task.Selrecord and retries Accept after Selwakeup fires.
	conn, ok := q.Pop()
	if !ok {
		return nil, ErrWouldBlock
	}
	return conn, nil
}

// PendingAccepts reports the backlog depth, used by Ready's POLLIN check on
// a listening socket.
func (s *Socket) PendingAccepts() int {
	s.mtx.Lock()
	q := s.acceptQ
	s.mtx.Unlock()
	if q == nil {
		return 0
	}
	return q.Len()
}
