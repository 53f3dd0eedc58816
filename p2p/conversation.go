package p2p

import (
	"time"

	"orechain/chain"
	"orechain/crypto"
)

// Conversation is the per-session protocol collaborator: it owns message
// framing, the handshake, signing, and sequence numbers for exactly one
// session. The engine owns the Conversation exclusively and drives it; it
// never implements the protocol itself.
type Conversation interface {
	// Identity returns the peer's claimed identity. Before authentication
	// this is a best-effort value derived from the socket address.
	Identity() PeerIdentity

	// IsAuthenticated reports whether the handshake completed.
	IsAuthenticated() bool

	// IsOutbound reports the session's direction.
	IsOutbound() bool

	// PublicKey returns the peer's session key once authenticated.
	PublicKey() (*crypto.PublicKey, bool)

	// RemoteBurnHeight is the burnchain tip height the peer last reported.
	RemoteBurnHeight() uint64

	// LastContact is when the peer last sent us anything valid.
	LastContact() time.Time

	// HeartbeatInterval is the keep-alive period the peer asked for.
	HeartbeatInterval() time.Duration

	// Recv drains readable bytes from the socket and returns the messages
	// the conversation could not consume itself (solicited replies are
	// absorbed internally).
	Recv(sock Socket) ([]*Message, error)

	// Send flushes the conversation's internally queued bytes (handshake
	// traffic, protocol replies). Partial writes are resumed on the next
	// call.
	Send(sock Socket) error

	// Sign seals a message for this session under the given burnchain
	// view and key.
	Sign(view chain.BurnchainView, key *crypto.PrivateKey, msg *Message) (*SignedMessage, error)

	// SignRelay is Sign with relay hints extended to include ourselves.
	SignRelay(view chain.BurnchainView, key *crypto.PrivateKey, hints []RelayHint, msg *Message) (*SignedMessage, error)

	// Write attempts to put one sealed message on the wire. It returns
	// false with no error when the socket would block mid-message; the
	// engine keeps the message queued and retries next cycle.
	Write(sock Socket, msg *SignedMessage) (bool, error)
}

// ConversationFactory builds the protocol collaborator for a freshly
// registered session.
type ConversationFactory func(id SessionID, remoteAddr string, outbound bool) Conversation
