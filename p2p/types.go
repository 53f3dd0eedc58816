package p2p

import (
	"fmt"
	"net"
	"strconv"
	"time"
)

// SessionID names one live socket+conversation pair. IDs are ephemeral and
// reused after a session ends.
type SessionID int

// PeerIdentity is the stable external identity of a peer, independent of
// session churn.
type PeerIdentity struct {
	NetworkID   uint32
	PeerVersion uint32
	Addr        string
	Port        uint16
}

func (p PeerIdentity) String() string {
	return fmt.Sprintf("%08x://%s", p.NetworkID, p.AddrPort())
}

// AddrPort renders the host:port half of the identity.
func (p PeerIdentity) AddrPort() string {
	return net.JoinHostPort(p.Addr, strconv.Itoa(int(p.Port)))
}

// SameEndpoint reports whether two identities name the same network
// endpoint, ignoring protocol-version differences.
func (p PeerIdentity) SameEndpoint(other PeerIdentity) bool {
	return p.NetworkID == other.NetworkID && p.Addr == other.Addr && p.Port == other.Port
}

// connectingSocket tracks a half-open outbound connect until the socket
// becomes writable and can be promoted to a registered session.
type connectingSocket struct {
	socket   Socket
	identity PeerIdentity
	outbound bool
	started  time.Time
}
