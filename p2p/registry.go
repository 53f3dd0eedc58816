package p2p

import (
	"encoding/hex"
	"errors"
	"log/slog"
	"time"

	"orechain/crypto"
)

// lookupSession returns the live session for an identity, if any.
func (n *PeerNetwork) lookupSession(identity PeerIdentity) (SessionID, bool) {
	id, ok := n.events[identity]
	return id, ok
}

// Conversation returns the conversation for a session, if registered.
func (n *PeerNetwork) Conversation(id SessionID) (Conversation, bool) {
	conv, ok := n.peers[id]
	return conv, ok
}

// NumPeers returns the count of registered sessions.
func (n *PeerNetwork) NumPeers() int {
	return len(n.peers)
}

func (n *PeerNetwork) numInbound() int {
	count := 0
	for _, conv := range n.peers {
		if !conv.IsOutbound() {
			count++
		}
	}
	for _, cs := range n.connecting {
		if !cs.outbound {
			count++
		}
	}
	return count
}

// canRegister decides whether a session to identity may be admitted.
// pubkey is nil when the peer is not yet authenticated.
func (n *PeerNetwork) canRegister(identity PeerIdentity, outbound bool, pubkey *crypto.PublicKey) error {
	if identity.SameEndpoint(n.localID) {
		return ErrDenied
	}
	if pubkey != nil && pubkey.Hash() == n.localKey.PubKey().Hash() {
		return ErrConnectionCycle
	}
	if n.db.IsDenied(identity.NetworkID, identity.Addr, identity.Port, time.Now()) {
		return ErrDenied
	}
	if !outbound && n.numInbound() >= n.opts.MaxInboundConnections {
		return ErrTooManyPeers
	}
	if pubkey != nil {
		hash := pubkey.Hash()
		for id, conv := range n.peers {
			other, ok := conv.PublicKey()
			if !ok {
				continue
			}
			if other.Hash() == hash && conv.IsOutbound() == outbound {
				return &AlreadyConnectedError{Session: id}
			}
		}
	}
	return nil
}

// knownPublicKey returns the public key the peer database has on record for
// an identity, or nil. Admission checks use it so cycle and duplicate
// detection work before the peer handshakes again.
func (n *PeerNetwork) knownPublicKey(identity PeerIdentity) *crypto.PublicKey {
	entry, err := n.db.Get(identity.NetworkID, identity.Addr, identity.Port)
	if err != nil || entry.PublicKey == "" {
		return nil
	}
	raw, err := hex.DecodeString(entry.PublicKey)
	if err != nil {
		return nil
	}
	pub, err := crypto.PublicKeyFromBytes(raw)
	if err != nil {
		return nil
	}
	return pub
}

// Connect opens (or reuses) an outbound session to identity. It is
// idempotent: an existing session is returned instead of dialing twice.
func (n *PeerNetwork) Connect(identity PeerIdentity) (SessionID, error) {
	if !n.bound {
		return 0, ErrNotConnected
	}
	if id, ok := n.events[identity]; ok {
		return id, nil
	}
	for id, cs := range n.connecting {
		if cs.identity.SameEndpoint(identity) {
			return id, nil
		}
	}
	if err := n.canRegister(identity, true, n.knownPublicKey(identity)); err != nil {
		return 0, err
	}
	id, sock, err := n.io.Connect(identity.Addr, identity.Port)
	if err != nil {
		return 0, errors.Join(ErrSocket, err)
	}
	n.connecting[id] = &connectingSocket{
		socket:   sock,
		identity: identity,
		outbound: true,
		started:  time.Now(),
	}
	n.log.Debug("connecting to peer", slog.String("peer", identity.String()), slog.Int("session", int(id)))
	return id, nil
}

// register promotes a socket into a full session: it builds a fresh
// conversation and inserts into every registry table atomically, or into
// none. On failure the socket is deregistered from the poller before the
// error is returned.
func (n *PeerNetwork) register(id SessionID, sock Socket, outbound bool, identity PeerIdentity) error {
	if err := n.canRegister(identity, outbound, n.knownPublicKey(identity)); err != nil {
		delete(n.connecting, id)
		if derr := n.io.Deregister(id, sock); derr != nil {
			n.log.Debug("deregister rejected socket", slog.Int("session", int(id)), slog.String("error", derr.Error()))
		}
		return err
	}

	conv := n.newConversation(id, sock.RemoteAddr(), outbound)

	if err := n.io.Register(id, sock); err != nil {
		delete(n.connecting, id)
		if derr := n.io.Deregister(id, sock); derr != nil {
			n.log.Debug("deregister failed socket", slog.Int("session", int(id)), slog.String("error", derr.Error()))
		}
		return errors.Join(ErrSocket, err)
	}

	delete(n.connecting, id)
	n.peers[id] = conv
	n.sockets[id] = sock
	n.events[identity] = id

	n.metrics.observeSessions(len(n.peers), len(n.connecting))
	n.log.Debug("registered session",
		slog.Int("session", int(id)),
		slog.String("peer", identity.String()),
		slog.Bool("outbound", outbound))
	return nil
}

// deregister is the single teardown path for a session, however it dies: it
// clears every registry table, the inventory map, the pending outbox, the
// buffered-message inbox, and the poll set.
func (n *PeerNetwork) deregister(id SessionID) {
	if cs, ok := n.connecting[id]; ok {
		delete(n.connecting, id)
		if err := n.io.Deregister(id, cs.socket); err != nil {
			n.log.Debug("deregister connecting socket", slog.Int("session", int(id)), slog.String("error", err.Error()))
		}
	}

	conv, hadConv := n.peers[id]
	if hadConv {
		delete(n.peers, id)
		n.inv.DelNeighbor(conv.Identity())
	}
	if sock, ok := n.sockets[id]; ok {
		delete(n.sockets, id)
		if err := n.io.Deregister(id, sock); err != nil {
			n.log.Debug("deregister socket", slog.Int("session", int(id)), slog.String("error", err.Error()))
		}
	}
	for identity, other := range n.events {
		if other == id {
			delete(n.events, identity)
		}
	}
	delete(n.pendingOutbox, id)
	delete(n.buffered, id)
	delete(n.banSet, id)
	n.publicIP.sessionClosed(id)

	n.metrics.observeSessions(len(n.peers), len(n.connecting))
	if hadConv {
		n.log.Debug("deregistered session",
			slog.Int("session", int(id)),
			slog.String("peer", conv.Identity().String()))
	}
}

// findReciprocal returns the session connected to the same authenticated
// public key as id but in the opposite direction. Peer counts stay small, so
// the linear scan is fine.
func (n *PeerNetwork) findReciprocal(id SessionID) (SessionID, bool) {
	conv, ok := n.peers[id]
	if !ok {
		return 0, false
	}
	pub, ok := conv.PublicKey()
	if !ok {
		return 0, false
	}
	hash := pub.Hash()
	for other, otherConv := range n.peers {
		if other == id || otherConv.IsOutbound() == conv.IsOutbound() {
			continue
		}
		otherPub, ok := otherConv.PublicKey()
		if !ok {
			continue
		}
		if otherPub.Hash() == hash {
			return other, true
		}
	}
	return 0, false
}

// hasPublicInbound reports whether any authenticated inbound session exists,
// meaning gossip can reach us from the outside.
func (n *PeerNetwork) hasPublicInbound() bool {
	for _, conv := range n.peers {
		if !conv.IsOutbound() && conv.IsAuthenticated() {
			return true
		}
	}
	return false
}

// disconnectAll tears down every session and half-open connect. Used when
// the node's public address changes, which invalidates all handshakes.
func (n *PeerNetwork) disconnectAll() {
	ids := make([]SessionID, 0, len(n.peers)+len(n.connecting))
	for id := range n.peers {
		ids = append(ids, id)
	}
	for id := range n.connecting {
		ids = append(ids, id)
	}
	for _, id := range ids {
		n.deregister(id)
	}
}
