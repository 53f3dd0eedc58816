package p2p

import (
	"encoding/hex"
	"log/slog"
	"sort"
	"time"
)

// queuePingHeartbeats queues a fire-and-forget keep-alive on every
// authenticated outbound session that has been quiet past its heartbeat
// window.
func (n *PeerNetwork) queuePingHeartbeats() {
	now := time.Now()
	for id, conv := range n.peers {
		if !conv.IsAuthenticated() || !conv.IsOutbound() {
			continue
		}
		interval := conv.HeartbeatInterval()
		if interval <= 0 {
			interval = n.opts.HeartbeatInterval
		}
		if now.Sub(conv.LastContact()) <= interval {
			continue
		}
		msg := &Message{Kind: KindPing, Ping: &PingPayload{Nonce: n.rng.Uint32()}}
		signed, err := conv.Sign(n.chainView, n.localKey, msg)
		if err != nil {
			continue
		}
		if err := n.queueOutbox(id, signed); err != nil {
			n.log.Debug("queue heartbeat", slog.Int("session", int(id)), slog.String("error", err.Error()))
		}
	}
}

// disconnectUnresponsive drops three classes of dead weight: half-open
// connects past the connect timeout, unauthenticated sessions past the
// handshake timeout, and authenticated sessions silent past last-contact
// plus heartbeat plus the request timeout.
func (n *PeerNetwork) disconnectUnresponsive() {
	now := time.Now()

	var victims []SessionID
	for id, cs := range n.connecting {
		if now.Sub(cs.started) > n.opts.ConnectTimeout {
			victims = append(victims, id)
		}
	}
	for id, conv := range n.peers {
		if !conv.IsAuthenticated() {
			if now.Sub(conv.LastContact()) > n.opts.HandshakeTimeout {
				victims = append(victims, id)
			}
			continue
		}
		interval := conv.HeartbeatInterval()
		if interval <= 0 {
			interval = n.opts.HeartbeatInterval
		}
		deadline := conv.LastContact().Add(interval).Add(n.opts.NeighborRequestTimeout)
		if now.After(deadline) {
			victims = append(victims, id)
		}
	}
	for _, id := range victims {
		n.log.Debug("dropping unresponsive session", slog.Int("session", int(id)))
		n.deregister(id)
	}
}

// faultInjectDisconnect drops one random session per configured interval.
// Disabled unless FaultDisconnectInterval is set; soak tests use it to
// exercise reconnect paths.
func (n *PeerNetwork) faultInjectDisconnect() {
	if n.opts.FaultDisconnectInterval <= 0 || len(n.peers) == 0 {
		return
	}
	now := time.Now()
	if now.Sub(n.lastFaultDisconnect) < n.opts.FaultDisconnectInterval {
		return
	}
	ids := make([]SessionID, 0, len(n.peers))
	for id := range n.peers {
		ids = append(ids, id)
	}
	victim := ids[n.rng.Intn(len(ids))]
	n.log.Info("fault injection: dropping session",
		slog.String("component", "p2p_network"),
		slog.Int("session", int(victim)))
	n.deregister(victim)
	n.lastFaultDisconnect = now
}

// processBans tears down every session marked for banning this cycle and
// writes deny entries for their identities. Allow-listed peers are
// disconnected but never denied.
func (n *PeerNetwork) processBans() {
	for id := range n.banSet {
		conv, ok := n.peers[id]
		if !ok {
			delete(n.banSet, id)
			continue
		}
		identity := conv.Identity()
		n.deregister(id)
		n.applyBan(identity)
	}
	n.banSet = make(map[SessionID]struct{})
}

// applyBan writes a deny-until timestamp for the identity: a minimum
// duration on first offense, and double the remaining window (capped at the
// maximum) for repeat offenses inside an existing ban.
func (n *PeerNetwork) applyBan(identity PeerIdentity) {
	now := time.Now()
	if n.db.IsAllowed(identity.NetworkID, identity.Addr, identity.Port, now) {
		n.log.Debug("skipping ban for allow-listed peer", slog.String("peer", identity.String()))
		return
	}
	penalty := n.opts.MinBanDuration
	existing := n.db.DenyUntil(identity.NetworkID, identity.Addr, identity.Port)
	if existing > now.Unix() {
		remaining := time.Duration(existing-now.Unix()) * time.Second
		penalty = 2 * remaining
		if penalty < n.opts.MinBanDuration {
			penalty = n.opts.MinBanDuration
		}
		if penalty > n.opts.MaxBanDuration {
			penalty = n.opts.MaxBanDuration
		}
	}
	until := now.Add(penalty).Unix()
	if err := n.db.SetDeny(identity.NetworkID, identity.Addr, identity.Port, until); err != nil {
		n.log.Warn("persist deny entry",
			slog.String("peer", identity.String()),
			slog.String("error", err.Error()))
		return
	}
	n.metrics.recordBan()
	n.log.Info("banned peer",
		slog.String("component", "p2p_network"),
		slog.String("peer", identity.String()),
		slog.Duration("duration", penalty))
}

// pruneConnections evicts sessions down to the soft cap. Allow-listed peers
// and sessions participating in an in-flight neighbor walk are protected;
// among the rest, inbound peers that echo the most duplicate gossip and
// outbound peers in the most crowded network vicinities go first.
func (n *PeerNetwork) pruneConnections() {
	excess := len(n.peers) - n.opts.SoftMaxConnections
	if excess <= 0 {
		return
	}
	now := time.Now()

	prefixCount := make(map[string]int)
	for _, conv := range n.peers {
		if conv.IsOutbound() {
			prefixCount[addrPrefix(conv.Identity().Addr)]++
		}
	}

	type pruneCandidate struct {
		session SessionID
		badness float64
	}
	var candidates []pruneCandidate
	for id, conv := range n.peers {
		identity := conv.Identity()
		if n.db.IsAllowed(identity.NetworkID, identity.Addr, identity.Port, now) {
			continue
		}
		if _, inWalk := n.walkSessions[id]; inWalk {
			continue
		}
		var badness float64
		if conv.IsOutbound() {
			badness = float64(prefixCount[addrPrefix(identity.Addr)])
		} else {
			badness = float64(n.relayStats.Duplicates(identity))
		}
		candidates = append(candidates, pruneCandidate{session: id, badness: badness})
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].badness != candidates[j].badness {
			return candidates[i].badness > candidates[j].badness
		}
		return candidates[i].session < candidates[j].session
	})

	pruned := 0
	for _, c := range candidates {
		if pruned >= excess {
			break
		}
		n.log.Debug("pruning session", slog.Int("session", int(c.session)))
		n.deregister(c.session)
		pruned++
	}
	if pruned > 0 {
		n.metrics.recordPrune(pruned)
	}
}

// checkRekey rotates the local session key once the burnchain reaches its
// expiry height. Every live session gets a re-handshake signed with the
// outgoing key (which the peer still has pinned) carrying the replacement
// key, so peers move their pin without a reconnect storm.
func (n *PeerNetwork) checkRekey() {
	if n.localKeyExpire > n.chainView.BurnBlockHeight {
		return
	}
	newExpire := n.chainView.BurnBlockHeight + n.opts.KeyLifetimeBlocks
	oldKey, newKey, err := n.db.Rekey(newExpire)
	if err != nil {
		n.log.Warn("rekey failed", slog.String("error", err.Error()))
		return
	}
	rehandshake := &HandshakeData{PublicKey: hex.EncodeToString(newKey.PubKey().Bytes())}
	for id, conv := range n.peers {
		if !conv.IsAuthenticated() {
			continue
		}
		msg := &Message{Kind: KindHandshake, Handshake: rehandshake}
		signed, err := conv.Sign(n.chainView, oldKey, msg)
		if err != nil {
			n.log.Debug("sign re-handshake", slog.Int("session", int(id)), slog.String("error", err.Error()))
			continue
		}
		if err := n.queueOutbox(id, signed); err != nil {
			n.log.Debug("queue re-handshake", slog.Int("session", int(id)), slog.String("error", err.Error()))
		}
	}
	n.localKey = newKey
	n.localKeyExpire = newExpire
	n.log.Info("rotated session key",
		slog.String("component", "p2p_network"),
		slog.Uint64("expires_at_height", newExpire))
}
