package p2p

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"
)

// TCPSocket is the Socket implementation used by TCPNetwork. Conversation
// implementations may unwrap it with Conn to perform framed non-blocking
// I/O.
type TCPSocket struct {
	conn       net.Conn
	remoteAddr string
}

func (s *TCPSocket) RemoteAddr() string {
	if s.conn != nil {
		return s.conn.RemoteAddr().String()
	}
	return s.remoteAddr
}

func (s *TCPSocket) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}

// Conn returns the underlying connection, nil while an outbound dial is
// still in flight.
func (s *TCPSocket) Conn() net.Conn {
	return s.conn
}

type dialOutcome struct {
	id   SessionID
	conn net.Conn
	err  error
}

// TCPNetwork is a plain TCP NetworkIO. It is level-triggered: every
// registered session is reported ready each poll, and conversations perform
// non-blocking reads with immediate deadlines. Outbound dials complete on a
// background goroutine and surface through Poll.
type TCPNetwork struct {
	listener *net.TCPListener
	nextID   SessionID

	registered map[SessionID]*TCPSocket
	dialing    map[SessionID]*TCPSocket
	dialDone   chan dialOutcome
	completed  []SessionID

	dialTimeout time.Duration
}

func NewTCPNetwork(dialTimeout time.Duration) *TCPNetwork {
	if dialTimeout <= 0 {
		dialTimeout = 10 * time.Second
	}
	return &TCPNetwork{
		nextID:      1,
		registered:  make(map[SessionID]*TCPSocket),
		dialing:     make(map[SessionID]*TCPSocket),
		dialDone:    make(chan dialOutcome, 64),
		dialTimeout: dialTimeout,
	}
}

func (t *TCPNetwork) Bind(addr string, port uint16) error {
	if t.listener != nil {
		return errors.New("p2p: tcp network already bound")
	}
	ln, err := net.Listen("tcp", net.JoinHostPort(addr, strconv.Itoa(int(port))))
	if err != nil {
		return err
	}
	tcpLn, ok := ln.(*net.TCPListener)
	if !ok {
		_ = ln.Close()
		return fmt.Errorf("p2p: unexpected listener type %T", ln)
	}
	t.listener = tcpLn
	return nil
}

func (t *TCPNetwork) LocalAddr() string {
	if t.listener == nil {
		return ""
	}
	return t.listener.Addr().String()
}

func (t *TCPNetwork) allocID() SessionID {
	id := t.nextID
	t.nextID++
	return id
}

func (t *TCPNetwork) Poll(timeout time.Duration) (*PollResult, error) {
	if t.listener == nil {
		return nil, errors.New("p2p: tcp network not bound")
	}
	res := &PollResult{New: make(map[SessionID]Socket)}

	// Accept inbound connections for at most the poll timeout, then drain
	// whatever else is immediately pending.
	deadline := time.Now().Add(timeout)
	for {
		if err := t.listener.SetDeadline(deadline); err != nil {
			return nil, err
		}
		conn, err := t.listener.Accept()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				break
			}
			return nil, err
		}
		res.New[t.allocID()] = &TCPSocket{conn: conn}
		deadline = time.Now()
	}

	// Collect completed outbound dials.
	for {
		select {
		case outcome := <-t.dialDone:
			sock, ok := t.dialing[outcome.id]
			if !ok {
				if outcome.conn != nil {
					_ = outcome.conn.Close()
				}
				continue
			}
			delete(t.dialing, outcome.id)
			if outcome.err != nil {
				continue
			}
			sock.conn = outcome.conn
			t.completed = append(t.completed, outcome.id)
		default:
			goto drained
		}
	}
drained:

	for _, id := range t.completed {
		res.Ready = append(res.Ready, id)
	}
	t.completed = t.completed[:0]
	for id := range t.registered {
		res.Ready = append(res.Ready, id)
	}
	return res, nil
}

func (t *TCPNetwork) Connect(addr string, port uint16) (SessionID, Socket, error) {
	target := net.JoinHostPort(addr, strconv.Itoa(int(port)))
	id := t.allocID()
	sock := &TCPSocket{remoteAddr: target}
	t.dialing[id] = sock
	timeout := t.dialTimeout
	go func() {
		conn, err := net.DialTimeout("tcp", target, timeout)
		t.dialDone <- dialOutcome{id: id, conn: conn, err: err}
	}()
	return id, sock, nil
}

func (t *TCPNetwork) Register(id SessionID, sock Socket) error {
	tcpSock, ok := sock.(*TCPSocket)
	if !ok {
		return fmt.Errorf("p2p: unexpected socket type %T", sock)
	}
	if tcpSock.conn == nil {
		return errors.New("p2p: socket not yet connected")
	}
	t.registered[id] = tcpSock
	return nil
}

func (t *TCPNetwork) Deregister(id SessionID, sock Socket) error {
	delete(t.registered, id)
	delete(t.dialing, id)
	return sock.Close()
}

func (t *TCPNetwork) Close() error {
	for id, sock := range t.registered {
		_ = sock.Close()
		delete(t.registered, id)
	}
	for id, sock := range t.dialing {
		_ = sock.Close()
		delete(t.dialing, id)
	}
	if t.listener == nil {
		return nil
	}
	err := t.listener.Close()
	t.listener = nil
	return err
}
