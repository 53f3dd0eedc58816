package p2p

import (
	"log/slog"
	"time"
)

// publicIPState drives NAT-punch discovery of the node's public endpoint.
type publicIPState struct {
	learnedAddr string
	learnedPort uint16
	confirmed   bool

	requestSession SessionID
	requestedAt    time.Time
	nonce          uint32

	retries     int
	nextAttempt time.Time
}

func (s *publicIPState) sessionClosed(id SessionID) {
	if s.requestSession == id {
		s.requestSession = 0
	}
}

// stepGetPublicIP is the GetPublicIP work state. It returns true when the
// cycle may advance: the address is configured, confirmed, throttled, or
// retries are exhausted. It returns false while a NAT-punch request is in
// flight.
func (n *PeerNetwork) stepGetPublicIP(env *workEnv) (bool, error) {
	if n.opts.PublicAddr != "" {
		return true, nil
	}
	s := n.publicIP
	now := time.Now()

	if now.Before(s.nextAttempt) {
		return true, nil
	}

	if s.requestSession != 0 {
		if now.Sub(s.requestedAt) <= n.opts.PublicIPRequestTimeout {
			return false, nil
		}
		// Request timed out.
		s.requestSession = 0
		s.retries++
		if s.retries >= n.opts.PublicIPMaxRetries {
			n.log.Debug("public IP discovery exhausted retries")
			s.retries = 0
			s.nextAttempt = now.Add(n.opts.PublicIPRetryInterval)
			return true, nil
		}
	}

	id, conv, ok := n.pickNatPunchPeer()
	if !ok {
		// Nobody to ask yet; do not stall the rest of the pass.
		return true, nil
	}
	s.nonce = n.rng.Uint32()
	msg := &Message{Kind: KindNatPunchRequest, NatPunch: &NatPunchPayload{Nonce: s.nonce}}
	signed, err := conv.Sign(n.chainView, n.localKey, msg)
	if err != nil {
		n.log.Debug("sign nat punch request", slog.String("error", err.Error()))
		return true, nil
	}
	if err := n.queueOutbox(id, signed); err != nil {
		return true, nil
	}
	s.requestSession = id
	s.requestedAt = now
	return false, nil
}

// pickNatPunchPeer chooses a random authenticated outbound session,
// preferring initially-configured peers.
func (n *PeerNetwork) pickNatPunchPeer() (SessionID, Conversation, bool) {
	var initial, fallback []SessionID
	for id, conv := range n.peers {
		if !conv.IsAuthenticated() || !conv.IsOutbound() {
			continue
		}
		identity := conv.Identity()
		if n.db.IsInitialPeer(identity.NetworkID, identity.Addr, identity.Port) {
			initial = append(initial, id)
		} else {
			fallback = append(fallback, id)
		}
	}
	pool := initial
	if len(pool) == 0 {
		pool = fallback
	}
	if len(pool) == 0 {
		return 0, nil, false
	}
	id := pool[n.rng.Intn(len(pool))]
	return id, n.peers[id], true
}

// handleNatPunchRequest answers with the address we observe for the asker.
func (n *PeerNetwork) handleNatPunchRequest(id SessionID, conv Conversation, msg *Message) {
	if msg.NatPunch == nil {
		return
	}
	identity := conv.Identity()
	reply := &Message{Kind: KindNatPunchReply, NatPunch: &NatPunchPayload{
		Addr:  identity.Addr,
		Port:  identity.Port,
		Nonce: msg.NatPunch.Nonce,
	}}
	signed, err := conv.Sign(n.chainView, n.localKey, reply)
	if err != nil {
		return
	}
	if err := n.queueOutbox(id, signed); err != nil {
		n.log.Debug("queue nat punch reply", slog.Int("session", int(id)), slog.String("error", err.Error()))
	}
}

// handleNatPunchReply learns our public endpoint. A changed address
// invalidates every handshake, so all sessions are dropped. The port the
// peer observed is this session's ephemeral outbound port, not an endpoint
// anyone can reach: the advertised port is always our bind port, and only
// the address decides whether the endpoint changed.
func (n *PeerNetwork) handleNatPunchReply(id SessionID, msg *Message) {
	s := n.publicIP
	if msg.NatPunch == nil || s.requestSession != id || msg.NatPunch.Nonce != s.nonce {
		return
	}
	s.requestSession = 0
	s.retries = 0
	s.nextAttempt = time.Now().Add(n.opts.PublicIPRetryInterval)

	addr := msg.NatPunch.Addr
	changed := s.confirmed && s.learnedAddr != addr
	s.learnedAddr = addr
	s.learnedPort = n.localID.Port
	s.confirmed = true

	n.log.Info("learned public endpoint",
		slog.String("component", "p2p_network"),
		slog.String("addr", addr),
		slog.Int("port", int(n.localID.Port)))
	if changed {
		n.log.Info("public endpoint changed, dropping all sessions",
			slog.String("component", "p2p_network"))
		n.disconnectAll()
	}
}

// PublicEndpoint returns the node's public address: the configured one if
// set, otherwise whatever NAT-punch discovery learned.
func (n *PeerNetwork) PublicEndpoint() (string, uint16, bool) {
	if n.opts.PublicAddr != "" {
		return n.opts.PublicAddr, n.opts.PublicPort, true
	}
	if n.publicIP.confirmed {
		return n.publicIP.learnedAddr, n.publicIP.learnedPort, true
	}
	return "", 0, false
}
