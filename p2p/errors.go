package p2p

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected indicates an operation attempted before Bind.
	ErrNotConnected = errors.New("p2p: network not bound")

	// ErrPeerNotConnected indicates the target identity has no live session.
	ErrPeerNotConnected = errors.New("p2p: peer not connected")

	// ErrTooManyPeers indicates inbound capacity is exhausted.
	ErrTooManyPeers = errors.New("p2p: too many peers")

	// ErrDenied indicates the peer is deny-listed or otherwise refused.
	ErrDenied = errors.New("p2p: connection denied")

	// ErrConnectionCycle indicates an attempt to connect to ourselves.
	ErrConnectionCycle = errors.New("p2p: connection cycle")

	// ErrFullHandle indicates the cross-thread command channel is saturated.
	ErrFullHandle = errors.New("p2p: network handle full")

	// ErrInvalidHandle indicates the network side of the command channel has
	// shut down.
	ErrInvalidHandle = errors.New("p2p: network handle invalid")

	// ErrSocket indicates an I/O failure on a peer socket.
	ErrSocket = errors.New("p2p: socket error")

	// ErrInvalidMessage indicates a malformed or out-of-protocol payload.
	ErrInvalidMessage = errors.New("p2p: invalid message")
)

// AlreadyConnectedError reports a duplicate-direction connection attempt and
// names the surviving session.
type AlreadyConnectedError struct {
	Session SessionID
}

func (e *AlreadyConnectedError) Error() string {
	return fmt.Sprintf("p2p: already connected (session %d)", e.Session)
}

// IsAlreadyConnected reports whether err is an AlreadyConnectedError and, if
// so, which session it names.
func IsAlreadyConnected(err error) (SessionID, bool) {
	var ac *AlreadyConnectedError
	if errors.As(err, &ac) {
		return ac.Session, true
	}
	return 0, false
}
