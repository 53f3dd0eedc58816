package p2p

import "time"

// Socket is an opaque non-blocking socket handle owned by the NetworkIO
// implementation. The engine moves sockets between tables but never performs
// I/O on them directly.
type Socket interface {
	RemoteAddr() string
	Close() error
}

// PollResult reports one poll's worth of readiness.
type PollResult struct {
	// New holds freshly accepted inbound sockets keyed by their assigned
	// session IDs.
	New map[SessionID]Socket

	// Ready lists registered sessions with pending I/O.
	Ready []SessionID
}

// NetworkIO is the socket-polling primitive underneath the engine. The
// engine registers and deregisters sessions with it and consumes its
// readiness reports; everything else about socket management is the
// implementation's business.
type NetworkIO interface {
	// Bind starts listening on addr:port. Must be called once before Poll.
	Bind(addr string, port uint16) error

	// Poll waits up to timeout for socket readiness.
	Poll(timeout time.Duration) (*PollResult, error)

	// Connect begins a non-blocking outbound connect and returns the
	// session ID assigned to the half-open socket.
	Connect(addr string, port uint16) (SessionID, Socket, error)

	// Register adds a session's socket to the poll set.
	Register(id SessionID, sock Socket) error

	// Deregister removes a session's socket from the poll set and closes
	// it.
	Deregister(id SessionID, sock Socket) error

	// LocalAddr returns the bound address, or "" before Bind.
	LocalAddr() string

	Close() error
}
